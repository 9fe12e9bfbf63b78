package dht

import "time"

// timeoutInterval is how long a contact stays Good after its last response
// or query before it must prove liveness again.
const timeoutInterval = 15 * time.Minute

// karma bounds. A contact below badKarmaThreshold with no recent activity is
// Bad.
const (
	maxKarma          = 3
	minKarma          = -128
	badKarmaThreshold = -2
)

type nodeState int

const (
	stateGood nodeState = iota
	stateQuestionable
	stateBad
)

func (s nodeState) String() string {
	switch s {
	case stateGood:
		return "good"
	case stateQuestionable:
		return "questionable"
	case stateBad:
		return "bad"
	}
	return "unknown"
}

// RemoteNode tracks the liveness of a single routing table contact.
type RemoteNode struct {
	addrID AddrID

	// karma counts responses against errors and timeouts, clamped to
	// [minKarma, maxKarma].
	karma int8

	nextResponseDeadline time.Time
	nextQueryDeadline    time.Time

	// pingTxID is the transaction id of an in-flight liveness ping, if
	// one is outstanding.
	pingTxID *TxID
}

func newRemoteNode(addrID AddrID, now time.Time) *RemoteNode {
	return &RemoteNode{
		addrID:               addrID,
		nextResponseDeadline: now.Add(timeoutInterval),
		nextQueryDeadline:    now.Add(timeoutInterval),
	}
}

// AddrID returns the contact's address and id.
func (n *RemoteNode) AddrID() AddrID {
	return n.addrID
}

// PingTxID returns the transaction id of the in-flight liveness ping.
func (n *RemoteNode) PingTxID() (TxID, bool) {
	if n.pingTxID == nil {
		return 0, false
	}
	return *n.pingTxID, true
}

// OnPing records that a liveness ping with the given transaction id was sent
// to the contact. The matching response, error, or timeout clears it.
func (n *RemoteNode) OnPing(txID TxID) {
	id := txID
	n.pingTxID = &id
}

func (n *RemoteNode) clearMatchingPing(txID *TxID) {
	if txID == nil || n.pingTxID == nil {
		return
	}
	if *n.pingTxID == *txID {
		n.pingTxID = nil
	}
}

func (n *RemoteNode) addKarma(delta int8) {
	k := int(n.karma) + int(delta)
	if k > maxKarma {
		k = maxKarma
	}
	if k < minKarma {
		k = minKarma
	}
	n.karma = int8(k)
}

// onMsgReceived updates liveness bookkeeping for a message from the contact.
// txID is the local transaction the message completed, when there is one.
func (n *RemoteNode) onMsgReceived(kind Kind, txID *TxID, now time.Time) {
	switch kind {
	case KindResponse:
		n.clearMatchingPing(txID)
		n.nextResponseDeadline = now.Add(timeoutInterval)
		n.addKarma(1)
	case KindQuery:
		n.nextQueryDeadline = now.Add(timeoutInterval)
	case KindError:
		n.clearMatchingPing(txID)
		n.nextResponseDeadline = now.Add(timeoutInterval)
		n.addKarma(-1)
	default:
		n.clearMatchingPing(txID)
		n.addKarma(-1)
	}
}

// onRespTimeout records that a query to the contact timed out.
func (n *RemoteNode) onRespTimeout(txID TxID) {
	n.addKarma(-1)
	n.clearMatchingPing(&txID)
}

// timeout is the deadline after which the contact can no longer be
// considered Good without being pinged.
func (n *RemoteNode) timeout() time.Time {
	if n.nextResponseDeadline.After(n.nextQueryDeadline) {
		return n.nextResponseDeadline
	}
	return n.nextQueryDeadline
}

func (n *RemoteNode) state(now time.Time) nodeState {
	if now.Before(n.nextResponseDeadline) || now.Before(n.nextQueryDeadline) {
		return stateGood
	}
	if n.karma < badKarmaThreshold {
		return stateBad
	}
	return stateQuestionable
}

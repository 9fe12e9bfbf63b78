package dht

import "time"

// alpha is the concurrency bound of a single iterative lookup.
const alpha = 3

// maxCandidates bounds how many closest candidates an operation tracks.
const maxCandidates = MaxBucketSize * 2

type candidateStatus uint8

const (
	candidatePending candidateStatus = iota
	candidateInFlight
	candidateResponded
	candidateFailed
)

type candidate struct {
	addrOptID AddrOptID
	status    candidateStatus
	txID      TxID // valid while in flight
}

// txResult describes how a transaction belonging to an operation completed.
type txResult int

const (
	txResultResponded txResult = iota
	txResultErrored
	txResultTimedOut
)

// FindNodeOp is an iterative closest-first lookup toward a target id. It
// holds no back-reference to the Node; the Node pushes transaction
// completions into it and pumps further queries out of it.
type FindNodeOp struct {
	target        ID
	supportedAddr SupportedAddr

	// candidates is ordered by ascending XOR distance to target;
	// candidates whose id is not yet known sort last.
	candidates []*candidate
	inFlight   int
}

func newFindNodeOp(target ID, supportedAddr SupportedAddr, seeds []AddrOptID) *FindNodeOp {
	op := &FindNodeOp{
		target:        target,
		supportedAddr: supportedAddr,
	}
	for _, seed := range seeds {
		op.addCandidate(seed)
	}
	return op
}

// Target returns the id the lookup converges toward.
func (op *FindNodeOp) Target() ID {
	return op.target
}

// isDone reports whether the lookup is terminal: nothing in flight and no
// un-queried candidate left among the closest k that have not failed.
func (op *FindNodeOp) isDone() bool {
	return op.inFlight == 0 && op.nextCandidate() == nil
}

// closest returns the k closest responded contacts known to the operation.
func (op *FindNodeOp) closest() []AddrOptID {
	result := make([]AddrOptID, 0, MaxBucketSize)
	for _, c := range op.candidates {
		if c.status != candidateResponded {
			continue
		}
		result = append(result, c.addrOptID)
		if len(result) == MaxBucketSize {
			break
		}
	}
	return result
}

// less orders candidates by distance to the target; unknown ids last.
func (op *FindNodeOp) less(a, b AddrOptID) bool {
	aID, aOK := a.NodeID()
	bID, bOK := b.NodeID()
	if !aOK || !bOK {
		return aOK
	}
	return CompareDistance(op.target, aID, bID) < 0
}

func (op *FindNodeOp) addCandidate(addrOptID AddrOptID) {
	if !op.supportedAddr.allows(addrOptID) {
		return
	}
	for _, c := range op.candidates {
		if c.addrOptID.Addr == addrOptID.Addr {
			return
		}
	}

	if len(op.candidates) >= maxCandidates {
		worst := op.candidates[len(op.candidates)-1]
		if !op.less(addrOptID, worst.addrOptID) {
			return
		}
		if !op.evictWorst() {
			return
		}
	}

	pos := len(op.candidates)
	for i, c := range op.candidates {
		if op.less(addrOptID, c.addrOptID) {
			pos = i
			break
		}
	}

	op.candidates = append(op.candidates, nil)
	copy(op.candidates[pos+1:], op.candidates[pos:])
	op.candidates[pos] = &candidate{addrOptID: addrOptID}
}

// evictWorst drops the farthest candidate that is not in flight. It reports
// false when every candidate is in flight.
func (op *FindNodeOp) evictWorst() bool {
	for i := len(op.candidates) - 1; i >= 0; i-- {
		if op.candidates[i].status != candidateInFlight {
			op.candidates = append(op.candidates[:i], op.candidates[i+1:]...)
			return true
		}
	}
	return false
}

// nextCandidate returns the next Pending candidate within the k closest
// candidates that have not failed.
func (op *FindNodeOp) nextCandidate() *candidate {
	considered := 0
	for _, c := range op.candidates {
		if c.status == candidateFailed {
			continue
		}
		if c.status == candidatePending {
			return c
		}
		considered++
		if considered == MaxBucketSize {
			break
		}
	}
	return nil
}

func (op *FindNodeOp) findByTxID(txID TxID) *candidate {
	for _, c := range op.candidates {
		if c.status == candidateInFlight && c.txID == txID {
			return c
		}
	}
	return nil
}

// handle processes the completion of a transaction. It reports whether the
// transaction belonged to this operation.
func (op *FindNodeOp) handle(n *Node, tx Transaction, result txResult, msg Msg, now time.Time) bool {
	c := op.findByTxID(tx.ID)
	if c == nil {
		return false
	}

	op.inFlight--
	switch result {
	case txResultResponded:
		c.status = candidateResponded
		// A response confirms the node's id; keep it for closeness
		// ordering of future lookups seeded from this one.
		if id, ok := msg.QueriedNodeID(); ok && !c.addrOptID.HasID {
			c.addrOptID = NewAddrOptID(c.addrOptID.Addr, id)
		}
		op.mergeNodes(n.config.LocalID, msg)
	default:
		c.status = candidateFailed
	}

	op.pump(n, now)
	return true
}

// mergeNodes folds the compact node lists of a find_node response into the
// candidate set, filtered by the supported address family.
func (op *FindNodeOp) mergeNodes(localID ID, msg Msg) {
	if op.supportedAddr != SupportedAddrIPv6 {
		if data, ok := msg.Nodes(); ok {
			if nodes, err := UnmarshalCompactNodes(data); err == nil {
				for _, n := range nodes {
					if n.ID == localID {
						continue
					}
					op.addCandidate(n.OptID())
				}
			}
		}
	}
	if op.supportedAddr != SupportedAddrIPv4 {
		if data, ok := msg.Nodes6(); ok {
			if nodes, err := UnmarshalCompactNodes6(data); err == nil {
				for _, n := range nodes {
					if n.ID == localID {
						continue
					}
					op.addCandidate(n.OptID())
				}
			}
		}
	}
}

// pump promotes Pending candidates until alpha queries are in flight or no
// promotable candidate remains.
func (op *FindNodeOp) pump(n *Node, now time.Time) {
	for op.inFlight < alpha {
		c := op.nextCandidate()
		if c == nil {
			return
		}

		args := FindNodeQueryArgs{ID: n.config.LocalID, Target: op.target}
		txID, err := n.buffer.writeQuery(args, c.addrOptID, n.config.DefaultQueryTimeout, n.txs, n.rng)
		if err != nil {
			// Authoring can only fail on a full transaction table
			// or an exhausted rng; park the candidate as failed
			// and let the remaining in-flight queries finish.
			n.logger().Warn("find_node query failed", "target", op.target, "error", err)
			c.status = candidateFailed
			continue
		}

		c.status = candidateInFlight
		c.txID = txID
		op.inFlight++
	}
}

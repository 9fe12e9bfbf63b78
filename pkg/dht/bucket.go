package dht

import (
	"io"
	"time"
)

// MaxBucketSize is the number of primary contacts a bucket holds (the
// Kademlia k).
const MaxBucketSize = 8

// BucketRefreshInterval is how long a bucket may go without activity before
// it should be refreshed with a find_node toward a random id in its range.
const BucketRefreshInterval = 15 * time.Minute

// Bucket holds the contacts whose ids fall into an inclusive range of the id
// space, plus a bounded list of replacement candidates.
type Bucket struct {
	lo, hi ID

	nodes []*RemoteNode

	// replacements holds contacts that arrived while the bucket was
	// full. At most as many are kept as there are Questionable primary
	// members.
	replacements []*RemoteNode

	refreshDeadline time.Time
}

func newBucket(lo, hi ID, now time.Time) *Bucket {
	return &Bucket{
		lo:              lo,
		hi:              hi,
		nodes:           make([]*RemoteNode, 0, MaxBucketSize),
		refreshDeadline: now.Add(BucketRefreshInterval),
	}
}

// Range returns the bucket's inclusive id range.
func (b *Bucket) Range() (lo, hi ID) {
	return b.lo, b.hi
}

// Len returns the number of primary contacts.
func (b *Bucket) Len() int {
	return len(b.nodes)
}

// RandID samples a random id within the bucket's range, for refreshing.
func (b *Bucket) RandID(rng io.Reader) (ID, error) {
	return RandIDInRange(b.lo, b.hi, rng)
}

// RefreshDeadline returns the time after which the bucket should be
// refreshed.
func (b *Bucket) RefreshDeadline() time.Time {
	return b.refreshDeadline
}

// SetRefreshDeadline postpones the bucket's next refresh.
func (b *Bucket) SetRefreshDeadline(deadline time.Time) {
	b.refreshDeadline = deadline
}

func (b *Bucket) contains(id ID) bool {
	return inRange(id, b.lo, b.hi)
}

func (b *Bucket) find(addrID AddrID) *RemoteNode {
	for _, n := range b.nodes {
		if n.addrID == addrID {
			return n
		}
	}
	return nil
}

// update applies a received message to an existing contact. It reports false
// when the bucket has no record for addrID.
func (b *Bucket) update(addrID AddrID, kind Kind, txID *TxID, now time.Time) bool {
	node := b.find(addrID)
	if node == nil {
		return false
	}

	node.onMsgReceived(kind, txID, now)
	switch node.state(now) {
	case stateBad:
		b.promoteReplacement(node)
	default:
		b.trimReplacements(now)
	}
	return true
}

// insertFresh appends a new contact and applies the message that introduced
// it. The caller must ensure there is room.
func (b *Bucket) insertFresh(addrID AddrID, kind Kind, txID *TxID, now time.Time) {
	node := newRemoteNode(addrID, now)
	if kind != "" {
		node.onMsgReceived(kind, txID, now)
	}
	b.nodes = append(b.nodes, node)
	b.refreshDeadline = now.Add(BucketRefreshInterval)
}

// dropBad removes every Bad primary contact.
func (b *Bucket) dropBad(now time.Time) {
	kept := b.nodes[:0]
	for _, n := range b.nodes {
		if n.state(now) != stateBad {
			kept = append(kept, n)
		}
	}
	for i := len(kept); i < len(b.nodes); i++ {
		b.nodes[i] = nil
	}
	b.nodes = kept
}

// tryAdmitReplacement stores a fresh contact in the replacement list if the
// Questionable population leaves room for it.
func (b *Bucket) tryAdmitReplacement(addrID AddrID, kind Kind, txID *TxID, now time.Time) {
	if len(b.replacements) >= b.questionableCount(now) {
		return
	}

	node := newRemoteNode(addrID, now)
	if kind != "" {
		node.onMsgReceived(kind, txID, now)
	}
	b.replacements = append(b.replacements, node)
}

// promoteReplacement swaps the most recent replacement into the slot held by
// the Bad contact node.
func (b *Bucket) promoteReplacement(node *RemoteNode) {
	if len(b.replacements) == 0 {
		return
	}

	repl := b.replacements[len(b.replacements)-1]
	b.replacements[len(b.replacements)-1] = nil
	b.replacements = b.replacements[:len(b.replacements)-1]

	for i, n := range b.nodes {
		if n == node {
			b.nodes[i] = repl
			return
		}
	}
}

func (b *Bucket) questionableCount(now time.Time) int {
	count := 0
	for _, n := range b.nodes {
		if n.state(now) == stateQuestionable {
			count++
		}
	}
	return count
}

func (b *Bucket) trimReplacements(now time.Time) {
	max := b.questionableCount(now)
	for len(b.replacements) > max {
		b.replacements[len(b.replacements)-1] = nil
		b.replacements = b.replacements[:len(b.replacements)-1]
	}
}

func (b *Bucket) onRespTimeout(addrID AddrID, txID TxID, now time.Time) {
	node := b.find(addrID)
	if node == nil {
		return
	}

	node.onRespTimeout(txID)
	if node.state(now) == stateBad {
		b.promoteReplacement(node)
	}
}

// findNodeToPing returns the first Questionable contact with no in-flight
// ping.
func (b *Bucket) findNodeToPing(now time.Time) *RemoteNode {
	for _, n := range b.nodes {
		if n.state(now) == stateQuestionable && n.pingTxID == nil {
			return n
		}
	}
	return nil
}

// timeout is the earliest instant at which the bucket needs attention:
// either its refresh deadline or the liveness deadline of a non-pinged
// contact.
func (b *Bucket) timeout() time.Time {
	deadline := b.refreshDeadline
	for _, n := range b.nodes {
		if n.pingTxID != nil {
			continue
		}
		if t := n.timeout(); t.Before(deadline) {
			deadline = t
		}
	}
	return deadline
}

// split divides the bucket at the midpoint of its range into [lo, mid] and
// [mid+1, hi], redistributing primary and replacement contacts by range.
func (b *Bucket) split(now time.Time) (*Bucket, *Bucket) {
	mid := b.lo.Middle(b.hi)

	lower := newBucket(b.lo, mid, now)
	upper := newBucket(mid.Next(), b.hi, now)

	for _, n := range b.nodes {
		if lower.contains(n.addrID.ID) {
			lower.nodes = append(lower.nodes, n)
		} else {
			upper.nodes = append(upper.nodes, n)
		}
	}
	for _, n := range b.replacements {
		if lower.contains(n.addrID.ID) {
			lower.replacements = append(lower.replacements, n)
		} else {
			upper.replacements = append(upper.replacements, n)
		}
	}

	return lower, upper
}

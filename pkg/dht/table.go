package dht

import (
	"sort"
	"time"
)

// Table is the Kademlia routing table: an ordered set of buckets whose
// ranges partition the id space contiguously around the local pivot.
//
// Only the bucket containing the pivot may be split, and it is always kept
// last in the bucket sequence.
type Table struct {
	pivot   ID
	buckets []*Bucket
}

func newTable(pivot ID, now time.Time) *Table {
	return &Table{
		pivot:   pivot,
		buckets: []*Bucket{newBucket(MinID, MaxID, now)},
	}
}

// Pivot returns the local node id the table is centered on.
func (t *Table) Pivot() ID {
	return t.pivot
}

func (t *Table) find(id ID) *Bucket {
	for _, b := range t.buckets {
		if b.contains(id) {
			return b
		}
	}
	// Ranges partition the id space; a miss is a broken invariant.
	panic("dht: no bucket for id " + id.String())
}

// splitLast splits the pivot bucket (always the last one) and re-appends the
// halves with the pivot-containing half last.
func (t *Table) splitLast(now time.Time) {
	last := t.buckets[len(t.buckets)-1]
	t.buckets = t.buckets[:len(t.buckets)-1]

	lower, upper := last.split(now)
	if lower.contains(t.pivot) {
		t.buckets = append(t.buckets, upper, lower)
	} else {
		t.buckets = append(t.buckets, lower, upper)
	}
}

// onRecv merges a contact into the table after a message was received from
// it. kind describes the message; txID is the completed local transaction,
// if any. Contacts equal to the pivot are ignored. Messages of unknown kind
// update existing records but never create one.
func (t *Table) onRecv(addrID AddrID, kind Kind, txID *TxID, now time.Time) {
	if addrID.ID == t.pivot {
		return
	}

	bucket := t.find(addrID.ID)
	if bucket.update(addrID, kind, txID, now) {
		return
	}

	if !kind.Known() {
		return
	}

	if bucket.contains(t.pivot) {
		for bucket.Len() == MaxBucketSize {
			t.splitLast(now)
			bucket = t.find(addrID.ID)
			if !bucket.contains(t.pivot) {
				break
			}
		}
	}

	if bucket.Len() < MaxBucketSize {
		bucket.insertFresh(addrID, kind, txID, now)
		return
	}

	bucket.dropBad(now)
	if bucket.Len() < MaxBucketSize {
		bucket.insertFresh(addrID, kind, txID, now)
		return
	}

	bucket.tryAdmitReplacement(addrID, kind, txID, now)
}

// tryInsert adds a known contact without liveness side effects. Used for
// seeding the table at construction.
func (t *Table) tryInsert(addrID AddrID, now time.Time) {
	if addrID.ID == t.pivot {
		return
	}

	bucket := t.find(addrID.ID)
	if bucket.find(addrID) != nil {
		return
	}

	if bucket.contains(t.pivot) {
		for bucket.Len() == MaxBucketSize {
			t.splitLast(now)
			bucket = t.find(addrID.ID)
			if !bucket.contains(t.pivot) {
				break
			}
		}
	}

	if bucket.Len() < MaxBucketSize {
		bucket.insertFresh(addrID, "", nil, now)
	}
}

// onRespTimeout records a query timeout against the contact's record.
func (t *Table) onRespTimeout(addrID AddrID, txID TxID, now time.Time) {
	t.find(addrID.ID).onRespTimeout(addrID, txID, now)
}

// findNeighbors returns every contact in the table ordered by ascending XOR
// distance to target. Callers usually take the first MaxBucketSize entries.
func (t *Table) findNeighbors(target ID) []AddrID {
	var neighbors []AddrID
	for _, b := range t.buckets {
		for _, n := range b.nodes {
			neighbors = append(neighbors, n.addrID)
		}
	}

	sort.SliceStable(neighbors, func(i, j int) bool {
		return CompareDistance(target, neighbors[i].ID, neighbors[j].ID) < 0
	})
	return neighbors
}

// findBucketToRefresh returns a bucket whose refresh deadline has passed.
func (t *Table) findBucketToRefresh(now time.Time) *Bucket {
	for _, b := range t.buckets {
		if !b.refreshDeadline.After(now) {
			return b
		}
	}
	return nil
}

// findNodeToPing returns a Questionable contact with no in-flight ping.
func (t *Table) findNodeToPing(now time.Time) *RemoteNode {
	for _, b := range t.buckets {
		if n := b.findNodeToPing(now); n != nil {
			return n
		}
	}
	return nil
}

// timeout is the earliest instant at which any bucket needs attention.
func (t *Table) timeout() time.Time {
	deadline := t.buckets[0].timeout()
	for _, b := range t.buckets[1:] {
		if bt := b.timeout(); bt.Before(deadline) {
			deadline = bt
		}
	}
	return deadline
}

package dht

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/prxssh/burrow/pkg/heap"
)

// maxTransactions is the number of distinct 16-bit transaction ids.
const maxTransactions = 1 << 16

// Transaction is an outstanding locally-issued query.
type Transaction struct {
	ID        TxID
	AddrOptID AddrOptID
	Deadline  time.Time
}

type txDeadline struct {
	id       TxID
	deadline time.Time
}

// txManager tracks in-flight queries by transaction id and orders their
// deadlines. Entries in the deadline queue are validated lazily against the
// live map, so reconciliation never has to search the heap.
type txManager struct {
	txs       map[TxID]Transaction
	deadlines *heap.PriorityQueue[txDeadline]
}

func newTxManager() *txManager {
	return &txManager{
		txs: make(map[TxID]Transaction),
		deadlines: heap.NewPriorityQueue(func(a, b txDeadline) bool {
			return a.deadline.Before(b.deadline)
		}),
	}
}

func (m *txManager) len() int {
	return len(m.txs)
}

func (m *txManager) held(id TxID) bool {
	_, ok := m.txs[id]
	return ok
}

// nextTxID draws a random unused transaction id, probing linearly with
// wrap-around on collision. Fails with ErrTransactionsFull when every id is
// held.
func (m *txManager) nextTxID(rng io.Reader) (TxID, error) {
	if len(m.txs) == maxTransactions {
		return 0, ErrTransactionsFull
	}

	var b [2]byte
	if _, err := io.ReadFull(rng, b[:]); err != nil {
		return 0, fmt.Errorf("next tx id: %w", err)
	}

	id := TxID(binary.BigEndian.Uint16(b[:]))
	for {
		if _, taken := m.txs[id]; !taken {
			return id, nil
		}
		id = id.Next()
	}
}

// insert adds tx to the held set. No two held transactions may share an id.
func (m *txManager) insert(tx Transaction) error {
	if _, taken := m.txs[tx.ID]; taken {
		return fmt.Errorf("%w: transaction id %d already held", ErrInvalidInput, tx.ID)
	}

	m.txs[tx.ID] = tx
	m.deadlines.Enqueue(txDeadline{id: tx.ID, deadline: tx.Deadline})
	return nil
}

func (m *txManager) remove(id TxID) (Transaction, bool) {
	tx, ok := m.txs[id]
	if !ok {
		return Transaction{}, false
	}
	delete(m.txs, id)
	return tx, true
}

// onRecvResp reconciles a response message against the held set. With strict
// checking, the response's queried node id must match the id the query was
// addressed to; a response claiming the local id is always rejected.
//
// The matching transaction is removed and returned.
func (m *txManager) onRecvResp(msg Msg, strict bool, localID ID) (Transaction, error) {
	tx, err := m.lookup(msg)
	if err != nil {
		return Transaction{}, err
	}

	// A transaction is consumed by the first response carrying its id,
	// valid or not; a forged response must not leave the transaction
	// waiting to match a later datagram.
	respID, hasRespID := msg.QueriedNodeID()
	if hasRespID && respID == localID {
		m.remove(tx.ID)
		return Transaction{}, fmt.Errorf("%w: response claims local node id", ErrInvalidInput)
	}
	if strict {
		if expected, ok := tx.AddrOptID.NodeID(); ok {
			if !hasRespID || respID != expected {
				m.remove(tx.ID)
				return Transaction{}, fmt.Errorf("%w: response node id does not match queried node", ErrInvalidInput)
			}
		}
	}

	removed, _ := m.remove(tx.ID)
	return removed, nil
}

// onRecvError reconciles an error message against the held set and removes
// the matching transaction.
func (m *txManager) onRecvError(msg Msg) (Transaction, error) {
	tx, err := m.lookup(msg)
	if err != nil {
		return Transaction{}, err
	}

	removed, _ := m.remove(tx.ID)
	return removed, nil
}

func (m *txManager) lookup(msg Msg) (Transaction, error) {
	raw, ok := msg.TxID()
	if !ok {
		return Transaction{}, fmt.Errorf("%w: missing transaction id", ErrInvalidInput)
	}
	id, ok := ParseTxID(raw)
	if !ok {
		return Transaction{}, fmt.Errorf("%w: transaction id must be 2 bytes", ErrInvalidInput)
	}

	tx, held := m.txs[id]
	if !held {
		return Transaction{}, fmt.Errorf("%w: no matching transaction", ErrInvalidInput)
	}
	return tx, nil
}

// popTimedOut removes and returns a transaction whose deadline has passed.
func (m *txManager) popTimedOut(now time.Time) (Transaction, bool) {
	for {
		top, ok := m.deadlines.Peek()
		if !ok {
			return Transaction{}, false
		}

		tx, live := m.txs[top.id]
		if !live || !tx.Deadline.Equal(top.deadline) {
			// Stale queue entry for a transaction already resolved.
			m.deadlines.Dequeue()
			continue
		}

		if top.deadline.After(now) {
			return Transaction{}, false
		}

		m.deadlines.Dequeue()
		delete(m.txs, top.id)
		return tx, true
	}
}

// timeout returns the earliest live deadline.
func (m *txManager) timeout() (time.Time, bool) {
	for {
		top, ok := m.deadlines.Peek()
		if !ok {
			return time.Time{}, false
		}

		tx, live := m.txs[top.id]
		if !live || !tx.Deadline.Equal(top.deadline) {
			m.deadlines.Dequeue()
			continue
		}
		return top.deadline, true
	}
}

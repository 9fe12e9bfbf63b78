package dht

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"
	"time"
)

func respMsg(txID TxID, nodeID ID) Msg {
	return Msg{
		"t": string(txID.Bytes()),
		"y": "r",
		"r": map[string]any{"id": string(nodeID[:])},
	}
}

func TestTxManager_NextTxIDUnique(t *testing.T) {
	m := newTxManager()
	now := time.Unix(1_700_000_000, 0)

	seen := make(map[TxID]bool)
	for i := 0; i < 512; i++ {
		id, err := m.nextTxID(rand.Reader)
		if err != nil {
			t.Fatal(err)
		}
		if seen[id] {
			t.Fatalf("nextTxID returned a held id %d", id)
		}
		seen[id] = true

		err = m.insert(Transaction{
			ID:        id,
			AddrOptID: AddrOptIDWithAddr(testAddrID(idWithFirstByte(0x01), 6881).Addr),
			Deadline:  now.Add(time.Minute),
		})
		if err != nil {
			t.Fatal(err)
		}
	}
}

func TestTxManager_LinearProbeOnCollision(t *testing.T) {
	m := newTxManager()
	now := time.Unix(1_700_000_000, 0)

	// Force the first draw to collide: rng yields 0x0005 and id 5 is held.
	held := Transaction{ID: 5, Deadline: now.Add(time.Minute)}
	if err := m.insert(held); err != nil {
		t.Fatal(err)
	}

	id, err := m.nextTxID(bytes.NewReader([]byte{0x00, 0x05}))
	if err != nil {
		t.Fatal(err)
	}
	if id != 6 {
		t.Fatalf("probe should wrap to the next free id, got %d", id)
	}
}

func TestTxManager_InsertRejectsDuplicate(t *testing.T) {
	m := newTxManager()
	now := time.Unix(1_700_000_000, 0)

	tx := Transaction{ID: 9, Deadline: now.Add(time.Minute)}
	if err := m.insert(tx); err != nil {
		t.Fatal(err)
	}
	if err := m.insert(tx); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("duplicate insert error = %v, want ErrInvalidInput", err)
	}
}

func TestTxManager_OnRecvResp(t *testing.T) {
	localID := idWithFirstByte(0xaa)
	remoteID := idWithFirstByte(0xbb)
	otherID := idWithFirstByte(0xcc)
	addr := testAddrID(remoteID, 6881).Addr
	now := time.Unix(1_700_000_000, 0)

	tests := []struct {
		name    string
		txAddr  AddrOptID
		msg     Msg
		strict  bool
		wantErr bool
	}{
		{
			name:   "matching-id",
			txAddr: NewAddrOptID(addr, remoteID),
			msg:    respMsg(1, remoteID),
			strict: true,
		},
		{
			name:    "mismatched-id-strict",
			txAddr:  NewAddrOptID(addr, remoteID),
			msg:     respMsg(1, otherID),
			strict:  true,
			wantErr: true,
		},
		{
			name:   "mismatched-id-lenient",
			txAddr: NewAddrOptID(addr, remoteID),
			msg:    respMsg(1, otherID),
			strict: false,
		},
		{
			name:   "unknown-expected-id",
			txAddr: AddrOptIDWithAddr(addr),
			msg:    respMsg(1, remoteID),
			strict: true,
		},
		{
			name:    "self-response",
			txAddr:  NewAddrOptID(addr, remoteID),
			msg:     respMsg(1, localID),
			strict:  false,
			wantErr: true,
		},
		{
			name:    "missing-tx",
			txAddr:  NewAddrOptID(addr, remoteID),
			msg:     respMsg(2, remoteID),
			strict:  true,
			wantErr: true,
		},
		{
			name:    "malformed-tx-id",
			txAddr:  NewAddrOptID(addr, remoteID),
			msg:     Msg{"t": "abc", "y": "r"},
			strict:  true,
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m := newTxManager()
			err := m.insert(Transaction{ID: 1, AddrOptID: tc.txAddr, Deadline: now.Add(time.Minute)})
			if err != nil {
				t.Fatal(err)
			}

			tx, err := m.onRecvResp(tc.msg, tc.strict, localID)
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidInput) {
					t.Fatalf("error = %v, want ErrInvalidInput", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if tx.ID != 1 {
				t.Fatalf("returned tx id = %d, want 1", tx.ID)
			}
			if m.held(1) {
				t.Fatal("reconciled transaction must be removed")
			}
		})
	}
}

func TestTxManager_StrictRejectionConsumes(t *testing.T) {
	localID := idWithFirstByte(0xaa)
	addr := testAddrID(idWithFirstByte(0xbb), 6881).Addr
	now := time.Unix(1_700_000_000, 0)

	m := newTxManager()
	err := m.insert(Transaction{
		ID:        1,
		AddrOptID: NewAddrOptID(addr, idWithFirstByte(0xbb)),
		Deadline:  now.Add(time.Minute),
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := m.onRecvResp(respMsg(1, idWithFirstByte(0xcc)), true, localID); err == nil {
		t.Fatal("expected strict rejection")
	}
	if m.held(1) {
		t.Fatal("rejected transaction must still be consumed")
	}
}

func TestTxManager_PopTimedOut(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	m := newTxManager()

	early := Transaction{ID: 1, Deadline: now.Add(time.Second)}
	late := Transaction{ID: 2, Deadline: now.Add(time.Minute)}
	if err := m.insert(late); err != nil {
		t.Fatal(err)
	}
	if err := m.insert(early); err != nil {
		t.Fatal(err)
	}

	if _, ok := m.popTimedOut(now); ok {
		t.Fatal("nothing should be timed out yet")
	}

	deadline, ok := m.timeout()
	if !ok || !deadline.Equal(early.Deadline) {
		t.Fatalf("timeout = %v, %v; want %v", deadline, ok, early.Deadline)
	}

	tx, ok := m.popTimedOut(now.Add(2 * time.Second))
	if !ok || tx.ID != 1 {
		t.Fatalf("popTimedOut = %v, %v; want tx 1", tx, ok)
	}
	if _, ok := m.popTimedOut(now.Add(2 * time.Second)); ok {
		t.Fatal("tx 1 must only pop once")
	}

	tx, ok = m.popTimedOut(now.Add(2 * time.Minute))
	if !ok || tx.ID != 2 {
		t.Fatalf("popTimedOut = %v, %v; want tx 2", tx, ok)
	}
}

func TestTxManager_StaleHeapEntriesSkipped(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	m := newTxManager()

	if err := m.insert(Transaction{ID: 1, Deadline: now.Add(time.Second)}); err != nil {
		t.Fatal(err)
	}
	if err := m.insert(Transaction{ID: 2, Deadline: now.Add(time.Minute)}); err != nil {
		t.Fatal(err)
	}

	// Resolve tx 1 via a response; its heap entry goes stale.
	if _, err := m.onRecvResp(respMsg(1, idWithFirstByte(0x01)), false, idWithFirstByte(0xaa)); err != nil {
		t.Fatal(err)
	}

	deadline, ok := m.timeout()
	if !ok || !deadline.Equal(now.Add(time.Minute)) {
		t.Fatalf("timeout = %v, %v; want the live transaction's deadline", deadline, ok)
	}
}

package dht

import (
	"crypto/rand"
	"net/netip"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/prxssh/burrow/pkg/bencode"
)

// lookupHarness drives a FindNodeOp by draining authored queries and feeding
// synthetic responses, the way a live swarm would.
type lookupHarness struct {
	t       *testing.T
	node    *Node
	op      *FindNodeOp
	now     time.Time
	byAddr  map[netip.AddrPort]ID
	allSeen []ID
}

func newLookupHarness(t *testing.T) *lookupHarness {
	t.Helper()

	now := time.Unix(1_700_000_000, 0)
	node := New(NewConfig(idWithFirstByte(0xee)), nil, nil, now, rand.Reader)

	return &lookupHarness{
		t:      t,
		node:   node,
		now:    now,
		byAddr: make(map[netip.AddrPort]ID),
	}
}

func (h *lookupHarness) contact(firstByte byte, port uint16) AddrOptID {
	id := idWithFirstByte(firstByte)
	addr := testAddrPort(port)
	h.byAddr[addr] = id
	h.allSeen = append(h.allSeen, id)
	return NewAddrOptID(addr, id)
}

func (h *lookupHarness) start(seeds []AddrOptID, target ID) {
	h.op = newFindNodeOp(target, h.node.config.SupportedAddr, seeds)
	h.node.findNodeOps = append(h.node.findNodeOps, h.op)
	h.op.pump(h.node, h.now)
}

// respond answers every in-flight query; nodesFor returns the compact
// contacts each responder hands back.
func (h *lookupHarness) respond(nodesFor func(responder ID) []AddrID) {
	h.t.Helper()

	buf := make([]byte, 65535)
	for {
		info, ok := h.node.SendTo(buf, h.now)
		if !ok {
			break
		}

		msg := decodeDatagram(h.t, buf, info.Len)
		raw, _ := msg.TxID()

		responder, known := h.byAddr[info.Addr]
		require.True(h.t, known, "query sent to an unknown contact %v", info.Addr)

		values := map[string]any{"id": string(responder[:])}
		if nodes := nodesFor(responder); len(nodes) != 0 {
			values["nodes"] = string(MarshalCompactNodes(nodes))
		}
		data, err := bencode.Marshal(map[string]any{
			"t": raw,
			"y": "r",
			"r": values,
		})
		require.NoError(h.t, err)

		_, err = h.node.OnRecv(data, info.Addr, h.now)
		require.NoError(h.t, err)
	}
}

// Lookup convergence: seeded with far candidates, fed progressively closer
// ones, the operation terminates with the globally closest 8 responders.
func TestFindNodeOp_Convergence(t *testing.T) {
	target := MinID
	h := newLookupHarness(t)

	// Ten far seeds with distances forming a permutation.
	seedBytes := []byte{0x9a, 0x93, 0x9f, 0x90, 0x97, 0x9c, 0x91, 0x99, 0x95, 0x9e}
	seeds := make([]AddrOptID, 0, len(seedBytes))
	for i, b := range seedBytes {
		seeds = append(seeds, h.contact(b, 7000+uint16(i)))
	}
	h.start(seeds, target)

	require.Equal(t, alpha, h.op.inFlight, "lookup starts with alpha queries in flight")

	// First wave of answers teaches the lookup a closer tier; second wave
	// closer still; after that, responders know nothing new.
	tier2 := []AddrID{
		{Addr: testAddrPort(7100), ID: idWithFirstByte(0x40)},
		{Addr: testAddrPort(7101), ID: idWithFirstByte(0x42)},
		{Addr: testAddrPort(7102), ID: idWithFirstByte(0x44)},
	}
	tier3 := []AddrID{
		{Addr: testAddrPort(7200), ID: idWithFirstByte(0x10)},
		{Addr: testAddrPort(7201), ID: idWithFirstByte(0x12)},
	}
	for _, c := range tier2 {
		h.byAddr[c.Addr] = c.ID
		h.allSeen = append(h.allSeen, c.ID)
	}
	for _, c := range tier3 {
		h.byAddr[c.Addr] = c.ID
		h.allSeen = append(h.allSeen, c.ID)
	}

	wave := 0
	for rounds := 0; !h.op.isDone(); rounds++ {
		require.Less(t, rounds, 32, "lookup failed to converge")

		wave++
		h.respond(func(responder ID) []AddrID {
			switch {
			case responder[0] >= 0x90 && wave <= 4:
				return tier2
			case responder[0] >= 0x40 && responder[0] < 0x90:
				return tier3
			default:
				return nil
			}
		})
	}

	require.Zero(t, h.op.inFlight)

	// The recorded closest must equal the globally closest responders.
	got := h.op.closest()
	require.NotEmpty(t, got)
	for i := 1; i < len(got); i++ {
		require.LessOrEqual(t,
			CompareDistance(target, got[i-1].ID, got[i].ID), 0,
			"closest set must be distance ordered")
	}

	require.Equal(t, idWithFirstByte(0x10), got[0].ID, "nearest discovered contact must rank first")
	require.Equal(t, idWithFirstByte(0x12), got[1].ID)

	expected := append([]ID(nil), h.allSeen...)
	sort.Slice(expected, func(i, j int) bool {
		return CompareDistance(target, expected[i], expected[j]) < 0
	})
	expected = expected[:len(got)]
	for i := range got {
		require.Equal(t, expected[i], got[i].ID,
			"closest set must match the globally closest contacts ever observed")
	}
}

// Failures free slots: a timed out candidate is marked failed and the lookup
// promotes the next pending one.
func TestFindNodeOp_TimeoutPromotesNext(t *testing.T) {
	target := MinID
	h := newLookupHarness(t)

	seeds := make([]AddrOptID, 0, 5)
	for i := byte(0); i < 5; i++ {
		seeds = append(seeds, h.contact(0x90+i, 7300+uint16(i)))
	}
	h.start(seeds, target)

	// Send the queries so their transactions exist.
	buf := make([]byte, 65535)
	sent := 0
	for {
		if _, ok := h.node.SendTo(buf, h.now); !ok {
			break
		}
		sent++
	}
	require.Equal(t, alpha, sent)

	// Let every in-flight query time out; the op must fail them and
	// promote the remaining two seeds.
	later := h.now.Add(h.node.config.DefaultQueryTimeout + time.Second)
	h.node.OnTimeout(later)

	require.Equal(t, 2, h.op.inFlight, "remaining pending candidates must be promoted")

	failed := 0
	for _, c := range h.op.candidates {
		if c.status == candidateFailed {
			failed++
		}
	}
	require.Equal(t, alpha, failed)
}

// Candidates outside the supported address family are never admitted.
func TestFindNodeOp_FamilyFilter(t *testing.T) {
	target := MinID

	op := newFindNodeOp(target, SupportedAddrIPv4, []AddrOptID{
		NewAddrOptID(testAddrPort(7400), idWithFirstByte(0x10)),
		NewAddrOptID(netip.AddrPortFrom(netip.MustParseAddr("2001:db8::9"), 7401), idWithFirstByte(0x11)),
	})

	require.Len(t, op.candidates, 1, "ipv6 candidate must be filtered out")
	require.Equal(t, idWithFirstByte(0x10), op.candidates[0].addrOptID.ID)
}

// The candidate set stays bounded and keeps the closest entries.
func TestFindNodeOp_BoundedCandidates(t *testing.T) {
	target := MinID

	op := newFindNodeOp(target, SupportedAddrIPv4AndIPv6, nil)
	for i := 0; i < 64; i++ {
		op.addCandidate(NewAddrOptID(testAddrPort(8000+uint16(i)), idWithFirstByte(byte(0xff-i))))
	}

	require.LessOrEqual(t, len(op.candidates), maxCandidates)

	// The closest of everything offered must have survived.
	require.Equal(t, idWithFirstByte(0xff-63), op.candidates[0].addrOptID.ID)
}

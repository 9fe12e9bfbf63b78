package dht

import (
	"net/netip"
	"reflect"
	"testing"
)

func TestCompactNodes_RoundTrip(t *testing.T) {
	nodes := []AddrID{
		testAddrID(idWithFirstByte(0x01), 6881),
		testAddrID(idWithFirstByte(0x02), 51413),
	}

	data := MarshalCompactNodes(nodes)
	if len(data) != len(nodes)*compactIPv4Size {
		t.Fatalf("encoded length = %d, want %d", len(data), len(nodes)*compactIPv4Size)
	}

	back, err := UnmarshalCompactNodes(data)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(back, nodes) {
		t.Fatalf("round trip: got %v, want %v", back, nodes)
	}
}

func TestCompactNodes6_RoundTrip(t *testing.T) {
	addr6 := netip.AddrPortFrom(netip.MustParseAddr("2001:db8::1"), 6881)
	nodes := []AddrID{{Addr: addr6, ID: idWithFirstByte(0x05)}}

	data := MarshalCompactNodes6(nodes)
	if len(data) != compactIPv6Size {
		t.Fatalf("encoded length = %d, want %d", len(data), compactIPv6Size)
	}

	back, err := UnmarshalCompactNodes6(data)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(back, nodes) {
		t.Fatalf("round trip: got %v, want %v", back, nodes)
	}
}

func TestCompactNodes_FamilyFiltering(t *testing.T) {
	v4 := testAddrID(idWithFirstByte(0x01), 6881)
	v6 := AddrID{
		Addr: netip.AddrPortFrom(netip.MustParseAddr("2001:db8::2"), 6881),
		ID:   idWithFirstByte(0x02),
	}

	if got := MarshalCompactNodes([]AddrID{v4, v6}); len(got) != compactIPv4Size {
		t.Fatalf("v4 encoding should skip v6 contact, got %d bytes", len(got))
	}
	if got := MarshalCompactNodes6([]AddrID{v4, v6}); len(got) != compactIPv6Size {
		t.Fatalf("v6 encoding should skip v4 contact, got %d bytes", len(got))
	}
}

func TestCompactNodes_BadLength(t *testing.T) {
	if _, err := UnmarshalCompactNodes(make([]byte, compactIPv4Size+1)); err == nil {
		t.Fatal("expected error for misaligned v4 data")
	}
	if _, err := UnmarshalCompactNodes6(make([]byte, compactIPv6Size-1)); err == nil {
		t.Fatal("expected error for misaligned v6 data")
	}
}

func TestAddrOptID(t *testing.T) {
	addr := netip.AddrPortFrom(netip.AddrFrom4([4]byte{10, 0, 0, 1}), 6881)

	bare := AddrOptIDWithAddr(addr)
	if _, ok := bare.NodeID(); ok {
		t.Fatal("bare address should have no node id")
	}

	full := NewAddrOptID(addr, idWithFirstByte(0x03))
	id, ok := full.NodeID()
	if !ok || id != idWithFirstByte(0x03) {
		t.Fatalf("NodeID = %v, %v", id, ok)
	}
}

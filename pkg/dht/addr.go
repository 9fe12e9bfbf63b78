package dht

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

const (
	compactIPv4Size = 26
	compactIPv6Size = 38
)

// AddrID is a network address paired with a confirmed node ID.
type AddrID struct {
	Addr netip.AddrPort
	ID   ID
}

// AddrOptID is a network address paired with an optional node ID. The ID is
// unknown until the node has responded at least once (e.g. bootstrap
// addresses).
type AddrOptID struct {
	Addr  netip.AddrPort
	ID    ID
	HasID bool
}

// NewAddrOptID pairs addr with a known id.
func NewAddrOptID(addr netip.AddrPort, id ID) AddrOptID {
	return AddrOptID{Addr: addr, ID: id, HasID: true}
}

// AddrOptIDWithAddr wraps a bare address whose node ID is not yet known.
func AddrOptIDWithAddr(addr netip.AddrPort) AddrOptID {
	return AddrOptID{Addr: addr}
}

// OptID widens a to an AddrOptID with the ID present.
func (a AddrID) OptID() AddrOptID {
	return NewAddrOptID(a.Addr, a.ID)
}

func (a AddrID) String() string {
	return fmt.Sprintf("%s@%s", a.ID, a.Addr)
}

// NodeID returns the node ID, if known.
func (a AddrOptID) NodeID() (ID, bool) {
	return a.ID, a.HasID
}

// CompactNodeInfo returns the 26-byte id||ip||port encoding of an IPv4
// contact, or nil when the address is not IPv4.
func CompactNodeInfo(a AddrID) []byte {
	addr := a.Addr.Addr().Unmap()
	if !addr.Is4() {
		return nil
	}

	buf := make([]byte, compactIPv4Size)
	copy(buf[:IDLen], a.ID[:])
	ip4 := addr.As4()
	copy(buf[IDLen:IDLen+4], ip4[:])
	binary.BigEndian.PutUint16(buf[IDLen+4:], a.Addr.Port())
	return buf
}

// CompactNodeInfo6 returns the 38-byte id||ip||port encoding of an IPv6
// contact, or nil when the address is IPv4.
func CompactNodeInfo6(a AddrID) []byte {
	addr := a.Addr.Addr()
	if addr.Is4() || addr.Is4In6() {
		return nil
	}

	buf := make([]byte, compactIPv6Size)
	copy(buf[:IDLen], a.ID[:])
	ip16 := addr.As16()
	copy(buf[IDLen:IDLen+16], ip16[:])
	binary.BigEndian.PutUint16(buf[IDLen+16:], a.Addr.Port())
	return buf
}

// MarshalCompactNodes concatenates the IPv4 compact encodings of nodes,
// skipping non-IPv4 contacts.
func MarshalCompactNodes(nodes []AddrID) []byte {
	buf := make([]byte, 0, len(nodes)*compactIPv4Size)
	for _, n := range nodes {
		if info := CompactNodeInfo(n); info != nil {
			buf = append(buf, info...)
		}
	}
	return buf
}

// MarshalCompactNodes6 concatenates the IPv6 compact encodings of nodes,
// skipping IPv4 contacts.
func MarshalCompactNodes6(nodes []AddrID) []byte {
	buf := make([]byte, 0, len(nodes)*compactIPv6Size)
	for _, n := range nodes {
		if info := CompactNodeInfo6(n); info != nil {
			buf = append(buf, info...)
		}
	}
	return buf
}

// UnmarshalCompactNodes parses a concatenation of 26-byte IPv4 records.
func UnmarshalCompactNodes(data []byte) ([]AddrID, error) {
	if len(data)%compactIPv4Size != 0 {
		return nil, fmt.Errorf("%w: compact nodes length %d not a multiple of %d",
			ErrInvalidInput, len(data), compactIPv4Size)
	}

	nodes := make([]AddrID, 0, len(data)/compactIPv4Size)
	for off := 0; off < len(data); off += compactIPv4Size {
		rec := data[off : off+compactIPv4Size]

		var id ID
		copy(id[:], rec[:IDLen])

		addr := netip.AddrFrom4([4]byte(rec[IDLen : IDLen+4]))
		port := binary.BigEndian.Uint16(rec[IDLen+4:])
		nodes = append(nodes, AddrID{Addr: netip.AddrPortFrom(addr, port), ID: id})
	}
	return nodes, nil
}

// UnmarshalCompactNodes6 parses a concatenation of 38-byte IPv6 records.
func UnmarshalCompactNodes6(data []byte) ([]AddrID, error) {
	if len(data)%compactIPv6Size != 0 {
		return nil, fmt.Errorf("%w: compact nodes6 length %d not a multiple of %d",
			ErrInvalidInput, len(data), compactIPv6Size)
	}

	nodes := make([]AddrID, 0, len(data)/compactIPv6Size)
	for off := 0; off < len(data); off += compactIPv6Size {
		rec := data[off : off+compactIPv6Size]

		var id ID
		copy(id[:], rec[:IDLen])

		addr := netip.AddrFrom16([16]byte(rec[IDLen : IDLen+16]))
		port := binary.BigEndian.Uint16(rec[IDLen+16:])
		nodes = append(nodes, AddrID{Addr: netip.AddrPortFrom(addr, port), ID: id})
	}
	return nodes, nil
}

package daemon

import (
	"net/netip"
	"testing"
	"time"

	"github.com/prxssh/burrow/pkg/dht"
)

func testHash(b byte) dht.ID {
	var id dht.ID
	id[0] = b
	return id
}

func peerAddr(last byte, port uint16) netip.AddrPort {
	return netip.AddrPortFrom(netip.AddrFrom4([4]byte{10, 0, 0, last}), port)
}

func TestPeerStore_AddGet(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s, err := newPeerStore(4, 8)
	if err != nil {
		t.Fatal(err)
	}

	hash := testHash(0x01)
	s.add(hash, peerAddr(1, 6881), now)
	s.add(hash, peerAddr(2, 6882), now)
	s.add(hash, peerAddr(1, 6881), now) // re-announce, no duplicate

	peers := s.get(hash, now)
	if len(peers) != 2 {
		t.Fatalf("got %d peers, want 2", len(peers))
	}
	for _, p := range peers {
		if len(p) != 6 {
			t.Fatalf("compact peer entry has %d bytes, want 6", len(p))
		}
	}
}

func TestPeerStore_Expiry(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s, err := newPeerStore(4, 8)
	if err != nil {
		t.Fatal(err)
	}

	hash := testHash(0x02)
	s.add(hash, peerAddr(1, 6881), now)

	later := now.Add(peerExpiration + time.Minute)
	if peers := s.get(hash, later); len(peers) != 0 {
		t.Fatalf("expired peers must be dropped, got %d", len(peers))
	}
}

func TestPeerStore_PerTorrentBound(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s, err := newPeerStore(4, 2)
	if err != nil {
		t.Fatal(err)
	}

	hash := testHash(0x03)
	for i := byte(1); i <= 5; i++ {
		s.add(hash, peerAddr(i, 6881), now)
	}

	if peers := s.get(hash, now); len(peers) != 2 {
		t.Fatalf("per-torrent bound violated: %d peers", len(peers))
	}
}

func TestPeerStore_TorrentEviction(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s, err := newPeerStore(2, 8)
	if err != nil {
		t.Fatal(err)
	}

	s.add(testHash(0x01), peerAddr(1, 6881), now)
	s.add(testHash(0x02), peerAddr(2, 6881), now)
	s.add(testHash(0x03), peerAddr(3, 6881), now)

	// The least recently used info-hash is gone.
	if peers := s.get(testHash(0x01), now); len(peers) != 0 {
		t.Fatal("oldest torrent should have been evicted")
	}
	if peers := s.get(testHash(0x03), now); len(peers) != 1 {
		t.Fatal("newest torrent must survive eviction")
	}
}

func TestPeerStore_IPv6NotStored(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s, err := newPeerStore(4, 8)
	if err != nil {
		t.Fatal(err)
	}

	hash := testHash(0x04)
	v6 := netip.AddrPortFrom(netip.MustParseAddr("2001:db8::5"), 6881)
	s.add(hash, v6, now)

	if peers := s.get(hash, now); len(peers) != 0 {
		t.Fatal("ipv6 peers have no compact v4 form and must be skipped")
	}
}

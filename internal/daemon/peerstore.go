package daemon

import (
	"encoding/binary"
	"net/netip"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/prxssh/burrow/pkg/dht"
)

// peerExpiration is how long an announced peer stays listed without
// re-announcing.
const peerExpiration = 2 * time.Hour

// peerStore remembers which peers announced which info-hashes. Info-hashes
// are evicted least-recently-used; peers expire individually.
type peerStore struct {
	torrents *lru.Cache // dht.ID -> *peerSet
	maxPeers int
}

type peerSet struct {
	peers map[string]time.Time // compact peer info -> last announce
}

func newPeerStore(maxTorrents, maxPeers int) (*peerStore, error) {
	cache, err := lru.New(maxTorrents)
	if err != nil {
		return nil, err
	}
	return &peerStore{torrents: cache, maxPeers: maxPeers}, nil
}

// add records that addr is a swarm member for infoHash.
func (s *peerStore) add(infoHash dht.ID, addr netip.AddrPort, now time.Time) {
	info, ok := compactPeerInfo(addr)
	if !ok {
		return
	}

	var set *peerSet
	if v, found := s.torrents.Get(infoHash); found {
		set = v.(*peerSet)
	} else {
		set = &peerSet{peers: make(map[string]time.Time)}
		s.torrents.Add(infoHash, set)
	}

	if _, known := set.peers[info]; !known && len(set.peers) >= s.maxPeers {
		return
	}
	set.peers[info] = now
}

// get returns the live compact peer entries for infoHash, dropping expired
// ones as a side effect.
func (s *peerStore) get(infoHash dht.ID, now time.Time) []string {
	v, found := s.torrents.Get(infoHash)
	if !found {
		return nil
	}
	set := v.(*peerSet)

	peers := make([]string, 0, len(set.peers))
	for info, lastSeen := range set.peers {
		if now.Sub(lastSeen) > peerExpiration {
			delete(set.peers, info)
			continue
		}
		peers = append(peers, info)
	}
	return peers
}

// compactPeerInfo encodes addr as the 6-byte ip||port form used in get_peers
// values. IPv6 peers are not encoded.
func compactPeerInfo(addr netip.AddrPort) (string, bool) {
	ip := addr.Addr().Unmap()
	if !ip.Is4() {
		return "", false
	}

	var buf [6]byte
	ip4 := ip.As4()
	copy(buf[:4], ip4[:])
	binary.BigEndian.PutUint16(buf[4:], addr.Port())
	return string(buf[:]), true
}

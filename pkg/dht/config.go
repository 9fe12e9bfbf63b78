package dht

import (
	"log/slog"
	"time"
)

// SupportedAddr selects which address families the node handles. Compact
// node parsing and find_node candidates are filtered accordingly.
type SupportedAddr int

const (
	SupportedAddrIPv4AndIPv6 SupportedAddr = iota
	SupportedAddrIPv4
	SupportedAddrIPv6
)

// DefaultQueryTimeout is applied to queries authored without an explicit
// timeout.
const DefaultQueryTimeout = 60 * time.Second

// Config is the immutable configuration snapshot for a local node. Build one
// with NewConfig and adjust fields before passing it to New; the Node keeps
// its own copy.
type Config struct {
	// LocalID is the 160-bit pivot the routing table is centered on.
	LocalID ID

	// ClientVersion, when non-empty, is stamped into the "v" field of
	// every outbound message.
	ClientVersion []byte

	// DefaultQueryTimeout bounds queries authored without an explicit
	// timeout.
	DefaultQueryTimeout time.Duration

	// IsReadOnlyNode is advertised to remote peers. It does not change
	// core behavior.
	IsReadOnlyNode bool

	// StrictResponseNodeIDCheck rejects responses whose "r.id" differs
	// from the id the transaction was addressed to.
	StrictResponseNodeIDCheck bool

	// SupportedAddr filters compact node parsing and lookup candidates.
	SupportedAddr SupportedAddr

	// Logger receives out-of-band diagnostics. Nil falls back to
	// slog.Default. Logging never affects core state.
	Logger *slog.Logger
}

// NewConfig returns a Config with the defaults: 60 second query timeout,
// strict response node id checking, both address families.
func NewConfig(localID ID) Config {
	return Config{
		LocalID:                   localID,
		DefaultQueryTimeout:       DefaultQueryTimeout,
		StrictResponseNodeIDCheck: true,
		SupportedAddr:             SupportedAddrIPv4AndIPv6,
	}
}

// allows reports whether addr's family is enabled by s.
func (s SupportedAddr) allows(a AddrOptID) bool {
	is4 := a.Addr.Addr().Unmap().Is4()
	switch s {
	case SupportedAddrIPv4:
		return is4
	case SupportedAddrIPv6:
		return !is4
	default:
		return true
	}
}

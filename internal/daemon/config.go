package daemon

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/prxssh/burrow/pkg/dht"
)

// Config controls the daemon. All fields have working defaults; a TOML file
// and command line flags override them.
type Config struct {
	// ListenAddr is the UDP address the node binds to.
	ListenAddr string `toml:"listen_addr"`

	// BootstrapNodes are "host:port" addresses used to seed the first
	// lookup of the local id.
	BootstrapNodes []string `toml:"bootstrap_nodes"`

	// ClientVersion is stamped into the "v" field of outbound messages.
	ClientVersion string `toml:"client_version"`

	// ReadOnly advertises the node as read-only and disables answering
	// remote queries.
	ReadOnly bool `toml:"read_only"`

	// QueryTimeout bounds outstanding queries.
	QueryTimeout duration `toml:"query_timeout"`

	// SupportedAddr is "ipv4", "ipv6", or "both".
	SupportedAddr string `toml:"supported_addr"`

	// MaxTorrents bounds how many info-hashes the peer store tracks.
	MaxTorrents int `toml:"max_torrents"`

	// MaxPeersPerTorrent bounds stored peers per info-hash.
	MaxPeersPerTorrent int `toml:"max_peers_per_torrent"`
}

// duration lets time.Duration values appear in TOML as strings like "30s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func DefaultConfig() Config {
	return Config{
		ListenAddr: "0.0.0.0:6881",
		BootstrapNodes: []string{
			"router.bittorrent.com:6881",
			"dht.transmissionbt.com:6881",
			"router.utorrent.com:6881",
		},
		ClientVersion:      "bw01",
		QueryTimeout:       duration{dht.DefaultQueryTimeout},
		SupportedAddr:      "both",
		MaxTorrents:        10000,
		MaxPeersPerTorrent: 2000,
	}
}

// LoadFile reads path and overlays it onto the defaults.
func LoadFile(path string) (Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) supportedAddr() (dht.SupportedAddr, error) {
	switch c.SupportedAddr {
	case "", "both":
		return dht.SupportedAddrIPv4AndIPv6, nil
	case "ipv4":
		return dht.SupportedAddrIPv4, nil
	case "ipv6":
		return dht.SupportedAddrIPv6, nil
	default:
		return 0, fmt.Errorf("unknown supported_addr %q", c.SupportedAddr)
	}
}

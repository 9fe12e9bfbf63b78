// Package daemon hosts the I/O-free DHT core: it owns the UDP socket, the
// timers, and the entropy source, and drives the core's event loop contract
// (OnRecv, OnTimeout, SendTo, Read) from a single goroutine.
package daemon

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/prxssh/burrow/pkg/dht"
	"github.com/prxssh/burrow/pkg/retry"
)

const maxDatagramSize = 65535

type packet struct {
	data []byte
	addr netip.AddrPort
}

// Daemon runs a DHT node over a real UDP socket.
type Daemon struct {
	cfg    Config
	logger *slog.Logger

	conn   *net.UDPConn
	node   *dht.Node
	peers  *peerStore
	tokens *tokenManager
}

func New(cfg Config, logger *slog.Logger) (*Daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}

	listenAddr, err := net.ResolveUDPAddr("udp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve listen addr %q: %w", cfg.ListenAddr, err)
	}
	conn, err := net.ListenUDP("udp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("listen udp: %w", err)
	}

	peers, err := newPeerStore(cfg.MaxTorrents, cfg.MaxPeersPerTorrent)
	if err != nil {
		conn.Close()
		return nil, err
	}

	now := time.Now()
	tokens, err := newTokenManager(rand.Reader, now)
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &Daemon{
		cfg:    cfg,
		logger: logger,
		conn:   conn,
		peers:  peers,
		tokens: tokens,
	}, nil
}

// LocalAddr returns the bound UDP address.
func (d *Daemon) LocalAddr() *net.UDPAddr {
	return d.conn.LocalAddr().(*net.UDPAddr)
}

// Run drives the node until ctx is canceled.
func (d *Daemon) Run(ctx context.Context) error {
	supported, err := d.cfg.supportedAddr()
	if err != nil {
		return err
	}

	localID, err := dht.RandID(rand.Reader)
	if err != nil {
		return err
	}

	bootstrapAddrs, err := d.resolveBootstrap(ctx)
	if err != nil {
		return err
	}

	nodeCfg := dht.NewConfig(localID)
	nodeCfg.ClientVersion = []byte(d.cfg.ClientVersion)
	nodeCfg.IsReadOnlyNode = d.cfg.ReadOnly
	nodeCfg.SupportedAddr = supported
	nodeCfg.Logger = d.logger
	if d.cfg.QueryTimeout.Duration > 0 {
		nodeCfg.DefaultQueryTimeout = d.cfg.QueryTimeout.Duration
	}

	d.node = dht.New(nodeCfg, nil, bootstrapAddrs, time.Now(), rand.Reader)
	d.logger.Info("dht node starting",
		"id", localID,
		"listen", d.conn.LocalAddr(),
		"bootstrap", len(bootstrapAddrs))

	packets := make(chan packet, 64)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		d.conn.Close()
		return nil
	})
	g.Go(func() error { return d.readLoop(ctx, packets) })
	g.Go(func() error { return d.mainLoop(ctx, packets) })
	return g.Wait()
}

// resolveBootstrap resolves the configured bootstrap nodes, retrying with
// backoff until at least one resolves. It gives up with an error after five
// attempts in which none resolved.
func (d *Daemon) resolveBootstrap(ctx context.Context) ([]netip.AddrPort, error) {
	if len(d.cfg.BootstrapNodes) == 0 {
		return nil, nil
	}

	var addrs []netip.AddrPort
	err := retry.Do(ctx, func(ctx context.Context) error {
		addrs = addrs[:0]
		for _, host := range d.cfg.BootstrapNodes {
			udpAddr, err := net.ResolveUDPAddr("udp", host)
			if err != nil {
				d.logger.Debug("bootstrap node did not resolve", "addr", host, "error", err)
				continue
			}
			addrs = append(addrs, udpAddr.AddrPort())
		}
		if len(addrs) == 0 {
			return errors.New("no bootstrap node resolved")
		}
		return nil
	}, retry.WithExponentialBackoff(5, time.Second, 30*time.Second)...)
	if err != nil {
		return nil, fmt.Errorf("resolve bootstrap nodes: %w", err)
	}
	return addrs, nil
}

// readLoop moves datagrams from the socket to the main loop.
func (d *Daemon) readLoop(ctx context.Context, packets chan<- packet) error {
	buf := make([]byte, maxDatagramSize)

	for {
		n, addr, err := d.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			d.logger.Error("read udp packet failed", "error", err)
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		select {
		case packets <- packet{data: data, addr: addr}:
		case <-ctx.Done():
			return nil
		}
	}
}

// mainLoop is the single goroutine that touches the core. It interleaves
// received packets, the core's timeout deadline, and outbound draining.
func (d *Daemon) mainLoop(ctx context.Context, packets <-chan packet) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	// The constructor already queued the bootstrap lookup.
	d.pump(time.Now())
	d.resetTimer(timer)

	for {
		select {
		case <-ctx.Done():
			return nil

		case pkt := <-packets:
			now := time.Now()
			if _, err := d.node.OnRecv(pkt.data, pkt.addr, now); err != nil {
				d.logger.Debug("dropping datagram", "from", pkt.addr, "error", err)
			}
			d.pump(now)
			d.resetTimer(timer)

		case <-timer.C:
			now := time.Now()
			d.node.OnTimeout(now)
			d.maintain(now)
			d.pump(now)
			d.resetTimer(timer)
		}
	}
}

// pump drains inbound events (answering queries) and outbound datagrams.
func (d *Daemon) pump(now time.Time) {
	for {
		ev, ok := d.node.Read()
		if !ok {
			break
		}
		if ev.Msg.Kind == dht.KindQuery {
			d.handleQuery(ev, now)
		}
	}

	buf := make([]byte, maxDatagramSize)
	for {
		info, ok := d.node.SendTo(buf, now)
		if !ok {
			break
		}
		if _, err := d.conn.WriteToUDPAddrPort(buf[:info.Len], info.Addr); err != nil {
			d.logger.Debug("write udp packet failed", "to", info.Addr, "error", err)
		}
	}
}

// maintain performs the periodic work the core only signals: refreshing
// stale buckets, pinging questionable contacts, rotating announce tokens.
func (d *Daemon) maintain(now time.Time) {
	d.tokens.maybeRotate(now)

	for {
		bucket := d.node.FindBucketToRefresh(now)
		if bucket == nil {
			break
		}
		bucket.SetRefreshDeadline(now.Add(dht.BucketRefreshInterval))

		target, err := bucket.RandID(rand.Reader)
		if err != nil {
			d.logger.Warn("bucket refresh target generation failed", "error", err)
			break
		}
		d.node.FindNode(target, now)
	}

	for {
		remote := d.node.FindNodeToPing(now)
		if remote == nil {
			break
		}

		txID, err := d.node.WriteQuery(
			dht.PingQueryArgs{ID: d.node.LocalID()},
			remote.AddrID().OptID(),
			0,
		)
		if err != nil {
			d.logger.Warn("liveness ping failed", "to", remote.AddrID(), "error", err)
			break
		}
		remote.OnPing(txID)
	}
}

func (d *Daemon) resetTimer(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(time.Until(d.node.Timeout()))
}

// withPort returns addr with its port replaced.
func withPort(addr netip.AddrPort, port uint16) netip.AddrPort {
	return netip.AddrPortFrom(addr.Addr(), port)
}

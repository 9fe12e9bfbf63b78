// Package dht implements the core of a BitTorrent Mainline DHT node as an
// I/O-free state machine. The Node owns a Kademlia routing table, an
// outstanding-query table, and any running find_node lookups; the host owns
// the UDP socket, timers, and randomness, feeding datagrams in through
// OnRecv and draining datagrams out through SendTo.
package dht

import (
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"time"

	"github.com/prxssh/burrow/pkg/bencode"
)

// findPivotInterval is how often the local id is re-looked-up to keep the
// close buckets fresh.
const findPivotInterval = 15 * time.Minute

// SendInfo describes a datagram handed out by SendTo.
type SendInfo struct {
	Len  int
	Addr netip.AddrPort
}

// Node is the local DHT node. It never blocks, spawns goroutines, reads the
// clock, or touches the network: time arrives through explicit now
// parameters and randomness through the rng handed to New. A Node must be
// driven from a single goroutine.
type Node struct {
	config Config
	table  *Table
	txs    *txManager
	buffer *msgBuffer
	rng    io.Reader

	findNodeOps       []*FindNodeOp
	findPivotDeadline time.Time
}

// New builds a node around config.LocalID. knownAddrIDs seed the routing
// table; bootstrapAddrs seed an immediate lookup of the local id. rng is the
// host's entropy source (typically crypto/rand.Reader) used for transaction
// ids and refresh targets.
func New(
	config Config,
	knownAddrIDs []AddrID,
	bootstrapAddrs []netip.AddrPort,
	now time.Time,
	rng io.Reader,
) *Node {
	if config.DefaultQueryTimeout <= 0 {
		config.DefaultQueryTimeout = DefaultQueryTimeout
	}

	table := newTable(config.LocalID, now)
	for _, addrID := range knownAddrIDs {
		table.tryInsert(addrID, now)
	}

	n := &Node{
		config:            config,
		table:             table,
		txs:               newTxManager(),
		buffer:            newMsgBuffer(config.ClientVersion, config.IsReadOnlyNode),
		rng:               rng,
		findPivotDeadline: now.Add(findPivotInterval),
	}
	n.findNode(config.LocalID, bootstrapAddrs, now)
	return n
}

// Config returns a copy of the node's configuration.
func (n *Node) Config() Config {
	return n.config
}

// LocalID returns the pivot id.
func (n *Node) LocalID() ID {
	return n.config.LocalID
}

func (n *Node) logger() *slog.Logger {
	if n.config.Logger != nil {
		return n.config.Logger
	}
	return slog.Default()
}

// OnRecv processes a datagram received from addr at time now. The returned
// ReadEvent is also queued for Read. Errors are local to the datagram and
// never corrupt node state.
func (n *Node) OnRecv(data []byte, addr netip.AddrPort, now time.Time) (ReadEvent, error) {
	value, err := bencode.Unmarshal(data)
	if err != nil {
		return ReadEvent{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	msg, ok := AsMsg(value)
	if !ok {
		return ReadEvent{}, fmt.Errorf("%w: message is not a dictionary", ErrUnknownMsgType)
	}
	kind, ok := msg.Kind()
	if !ok {
		return ReadEvent{}, fmt.Errorf("%w: missing y field", ErrUnknownMsgType)
	}

	switch kind {
	case KindResponse:
		return n.onRecvResp(msg, addr, now)
	case KindError:
		return n.onRecvError(msg, addr, now)
	case KindQuery:
		return n.onRecvQuery(msg, addr, now)
	default:
		n.logger().Debug("dropping message of unknown type", "y", string(kind), "from", addr)
		return ReadEvent{}, fmt.Errorf("%w: %q", ErrUnknownMsgType, string(kind))
	}
}

func (n *Node) onRecvResp(msg Msg, addr netip.AddrPort, now time.Time) (ReadEvent, error) {
	tx, err := n.txs.onRecvResp(msg, n.config.StrictResponseNodeIDCheck, n.config.LocalID)
	if err != nil {
		return ReadEvent{}, err
	}

	nodeID, haveID := tx.AddrOptID.NodeID()
	if !haveID {
		nodeID, haveID = msg.QueriedNodeID()
	}
	if haveID {
		n.table.onRecv(AddrID{Addr: addr, ID: nodeID}, KindResponse, &tx.ID, now)
	}

	n.dispatchToOps(tx, txResultResponded, msg, now)

	txID := tx.ID
	ev := ReadEvent{
		AddrOptID: tx.AddrOptID,
		TxID:      &txID,
		Msg:       MsgEvent{Kind: KindResponse, Msg: msg},
	}
	n.buffer.pushInbound(ev)
	return ev, nil
}

func (n *Node) onRecvError(msg Msg, addr netip.AddrPort, now time.Time) (ReadEvent, error) {
	tx, err := n.txs.onRecvError(msg)
	if err != nil {
		return ReadEvent{}, err
	}

	if nodeID, ok := tx.AddrOptID.NodeID(); ok {
		n.table.onRecv(AddrID{Addr: addr, ID: nodeID}, KindError, &tx.ID, now)
	}

	n.logger().Debug("received error message", "tx", tx.ID, "from", addr)
	n.dispatchToOps(tx, txResultErrored, msg, now)

	txID := tx.ID
	ev := ReadEvent{
		AddrOptID: tx.AddrOptID,
		TxID:      &txID,
		Msg:       MsgEvent{Kind: KindError, Msg: msg},
	}
	n.buffer.pushInbound(ev)
	return ev, nil
}

func (n *Node) onRecvQuery(msg Msg, addr netip.AddrPort, now time.Time) (ReadEvent, error) {
	addrOptID := AddrOptIDWithAddr(addr)
	if queryingID, ok := msg.QueryingNodeID(); ok {
		addrOptID = NewAddrOptID(addr, queryingID)
		n.table.onRecv(AddrID{Addr: addr, ID: queryingID}, KindQuery, nil, now)
	}

	ev := ReadEvent{
		AddrOptID: addrOptID,
		Msg:       MsgEvent{Kind: KindQuery, Msg: msg},
	}
	n.buffer.pushInbound(ev)
	return ev, nil
}

// dispatchToOps feeds a completed transaction to the lookup it belongs to
// and purges operations that became terminal.
func (n *Node) dispatchToOps(tx Transaction, result txResult, msg Msg, now time.Time) {
	for _, op := range n.findNodeOps {
		if op.handle(n, tx, result, msg, now) {
			break
		}
	}

	kept := n.findNodeOps[:0]
	for _, op := range n.findNodeOps {
		if op.isDone() {
			n.logger().Debug("find_node lookup finished", "target", op.target)
			continue
		}
		kept = append(kept, op)
	}
	for i := len(kept); i < len(n.findNodeOps); i++ {
		n.findNodeOps[i] = nil
	}
	n.findNodeOps = kept
}

// WriteQuery authors a query toward addrOptID and returns its transaction
// id. A non-positive timeout selects the configured default. The datagram is
// queued; its transaction starts when SendTo dequeues it.
func (n *Node) WriteQuery(args QueryArgs, addrOptID AddrOptID, timeout time.Duration) (TxID, error) {
	if timeout <= 0 {
		timeout = n.config.DefaultQueryTimeout
	}
	return n.buffer.writeQuery(args, addrOptID, timeout, n.txs, n.rng)
}

// WriteResp authors a response to a remote query. txIDBytes is the raw
// transaction id from the query message.
func (n *Node) WriteResp(txIDBytes []byte, values RespValues, addrOptID AddrOptID) error {
	return n.buffer.writeResp(txIDBytes, values, addrOptID)
}

// WriteErr authors an error reply to a remote query.
func (n *Node) WriteErr(txIDBytes []byte, details ErrVal, addrOptID AddrOptID) error {
	return n.buffer.writeErr(txIDBytes, details, addrOptID)
}

// SendTo dequeues the next outbound datagram into buf and reports where to
// send it. buf should hold the maximum datagram size (65535 bytes). If the
// datagram was a query, its transaction is inserted now, so the timeout
// clock starts when the datagram actually leaves.
func (n *Node) SendTo(buf []byte, now time.Time) (SendInfo, bool) {
	msg, ok := n.buffer.popOutbound()
	if !ok {
		return SendInfo{}, false
	}

	if msg.txID != nil {
		tx := Transaction{
			ID:        *msg.txID,
			AddrOptID: msg.addrOptID,
			Deadline:  now.Add(msg.timeout),
		}
		if err := n.txs.insert(tx); err != nil {
			n.logger().Warn("dropping duplicate transaction", "tx", tx.ID, "error", err)
		}
	}

	return SendInfo{
		Len:  copy(buf, msg.data),
		Addr: msg.addrOptID.Addr,
	}, true
}

// Read dequeues the next inbound event, in the order the datagrams that
// produced them were processed.
func (n *Node) Read() (ReadEvent, bool) {
	return n.buffer.popInbound()
}

// Timeout returns the next deadline at which OnTimeout should run: the
// earliest of the transaction deadlines, the routing table's liveness and
// refresh deadlines, and the periodic pivot re-lookup.
func (n *Node) Timeout() time.Time {
	deadline := n.findPivotDeadline
	if t := n.table.timeout(); t.Before(deadline) {
		deadline = t
	}
	if t, ok := n.txs.timeout(); ok && t.Before(deadline) {
		deadline = t
	}
	return deadline
}

// OnTimeout pops every timed-out transaction, feeding each to the routing
// table and to the lookups, and re-launches the periodic pivot lookup when
// due.
func (n *Node) OnTimeout(now time.Time) {
	for {
		if _, ok := n.PopTimedOutTx(now); !ok {
			break
		}
	}

	if !n.findPivotDeadline.After(now) {
		n.findNode(n.config.LocalID, nil, now)
		n.findPivotDeadline = now.Add(findPivotInterval)
	}
}

// PopTimedOutTx removes one transaction whose deadline has passed, after
// charging the timeout to the remote's routing record and to the lookup the
// transaction belonged to.
func (n *Node) PopTimedOutTx(now time.Time) (Transaction, bool) {
	tx, ok := n.txs.popTimedOut(now)
	if !ok {
		return Transaction{}, false
	}

	if nodeID, ok := tx.AddrOptID.NodeID(); ok {
		n.table.onRespTimeout(AddrID{Addr: tx.AddrOptID.Addr, ID: nodeID}, tx.ID, now)
	}
	n.dispatchToOps(tx, txResultTimedOut, nil, now)
	return tx, true
}

// FindNeighbors returns the table's contacts ordered by closeness to id.
// Callers typically take the first MaxBucketSize entries.
func (n *Node) FindNeighbors(id ID) []AddrID {
	return n.table.findNeighbors(id)
}

// FindNodeToPing returns a Questionable contact that should be pinged, or
// nil. After sending the ping, record it with RemoteNode.OnPing.
func (n *Node) FindNodeToPing(now time.Time) *RemoteNode {
	return n.table.findNodeToPing(now)
}

// FindBucketToRefresh returns a bucket whose refresh deadline has passed, or
// nil. The host picks a random id in the bucket's range with Bucket.RandID,
// launches FindNode toward it, and postpones the deadline with
// Bucket.SetRefreshDeadline.
func (n *Node) FindBucketToRefresh(now time.Time) *Bucket {
	return n.table.findBucketToRefresh(now)
}

// FindNode starts an iterative lookup toward target, seeded with the
// closest known contacts.
func (n *Node) FindNode(target ID, now time.Time) {
	n.findNode(target, nil, now)
}

func (n *Node) findNode(target ID, bootstrapAddrs []netip.AddrPort, now time.Time) {
	neighbors := n.table.findNeighbors(target)
	if len(neighbors) > MaxBucketSize {
		neighbors = neighbors[:MaxBucketSize]
	}

	seeds := make([]AddrOptID, 0, len(neighbors)+len(bootstrapAddrs))
	for _, neighbor := range neighbors {
		seeds = append(seeds, neighbor.OptID())
	}
	for _, addr := range bootstrapAddrs {
		seeds = append(seeds, AddrOptIDWithAddr(addr))
	}

	op := newFindNodeOp(target, n.config.SupportedAddr, seeds)
	op.pump(n, now)
	if op.isDone() {
		return
	}
	n.findNodeOps = append(n.findNodeOps, op)
}

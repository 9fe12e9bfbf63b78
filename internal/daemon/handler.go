package daemon

import (
	"time"

	"github.com/prxssh/burrow/pkg/dht"
)

// Application-level methods answered by the daemon on top of the core's
// ping and find_node.
const (
	methodGetPeers     = "get_peers"
	methodAnnouncePeer = "announce_peer"
)

// handleQuery answers a remote query surfaced by the core. Read-only nodes
// answer nothing.
func (d *Daemon) handleQuery(ev dht.ReadEvent, now time.Time) {
	if d.cfg.ReadOnly {
		return
	}

	msg := ev.Msg.Msg
	rawTxID, ok := msg.TxID()
	if !ok {
		return
	}
	txID := []byte(rawTxID)

	method, _ := msg.MethodName()
	var err error
	switch method {
	case dht.MethodPing:
		err = d.node.WriteResp(txID, dht.PingRespValues{ID: d.node.LocalID()}, ev.AddrOptID)

	case dht.MethodFindNode:
		err = d.handleFindNode(msg, txID, ev.AddrOptID)

	case methodGetPeers:
		err = d.handleGetPeers(msg, txID, ev.AddrOptID, now)

	case methodAnnouncePeer:
		err = d.handleAnnouncePeer(msg, txID, ev.AddrOptID, now)

	default:
		err = d.node.WriteErr(txID, dht.ErrVal{
			Code: dht.ErrorCodeMethodUnknown,
			Msg:  "method unknown",
		}, ev.AddrOptID)
	}

	if err != nil {
		d.logger.Warn("failed to answer query", "method", method, "from", ev.AddrOptID.Addr, "error", err)
	}
}

func (d *Daemon) handleFindNode(msg dht.Msg, txID []byte, to dht.AddrOptID) error {
	target, ok := msg.Target()
	if !ok {
		return d.node.WriteErr(txID, dht.ErrVal{
			Code: dht.ErrorCodeProtocol,
			Msg:  "invalid target",
		}, to)
	}

	nodes, nodes6 := d.closeNodes(target)
	return d.node.WriteResp(txID, dht.FindNodeRespValues{
		ID:     d.node.LocalID(),
		Nodes:  nodes,
		Nodes6: nodes6,
	}, to)
}

func (d *Daemon) handleGetPeers(msg dht.Msg, txID []byte, to dht.AddrOptID, now time.Time) error {
	infoHash, ok := msgInfoHash(msg)
	if !ok {
		return d.node.WriteErr(txID, dht.ErrVal{
			Code: dht.ErrorCodeProtocol,
			Msg:  "invalid info_hash",
		}, to)
	}

	resp := getPeersRespValues{
		id:    d.node.LocalID(),
		token: d.tokens.generate(to.Addr.Addr()),
	}
	if values := d.peers.get(infoHash, now); len(values) != 0 {
		resp.values = values
	} else {
		resp.nodes, resp.nodes6 = d.closeNodes(infoHash)
	}
	return d.node.WriteResp(txID, resp, to)
}

func (d *Daemon) handleAnnouncePeer(msg dht.Msg, txID []byte, to dht.AddrOptID, now time.Time) error {
	infoHash, ok := msgInfoHash(msg)
	if !ok {
		return d.node.WriteErr(txID, dht.ErrVal{
			Code: dht.ErrorCodeProtocol,
			Msg:  "invalid info_hash",
		}, to)
	}

	args, _ := msg.Args()
	token, ok := args["token"].(string)
	if !ok || !d.tokens.validate(to.Addr.Addr(), token) {
		return d.node.WriteErr(txID, dht.ErrVal{
			Code: dht.ErrorCodeProtocol,
			Msg:  "invalid token",
		}, to)
	}

	port := to.Addr.Port()
	if implied, _ := args["implied_port"].(int64); implied == 0 {
		p, ok := args["port"].(int64)
		if !ok || p <= 0 || p > 65535 {
			return d.node.WriteErr(txID, dht.ErrVal{
				Code: dht.ErrorCodeProtocol,
				Msg:  "invalid port",
			}, to)
		}
		port = uint16(p)
	}

	d.peers.add(infoHash, withPort(to.Addr, port), now)
	return d.node.WriteResp(txID, dht.PingRespValues{ID: d.node.LocalID()}, to)
}

// closeNodes splits the closest known contacts by address family for a
// find_node / get_peers answer.
func (d *Daemon) closeNodes(target dht.ID) (nodes, nodes6 []dht.AddrID) {
	neighbors := d.node.FindNeighbors(target)
	if len(neighbors) > dht.MaxBucketSize {
		neighbors = neighbors[:dht.MaxBucketSize]
	}

	for _, n := range neighbors {
		if n.Addr.Addr().Unmap().Is4() {
			nodes = append(nodes, n)
		} else {
			nodes6 = append(nodes6, n)
		}
	}
	return nodes, nodes6
}

func msgInfoHash(msg dht.Msg) (dht.ID, bool) {
	args, ok := msg.Args()
	if !ok {
		return dht.ID{}, false
	}
	s, ok := args["info_hash"].(string)
	if !ok {
		return dht.ID{}, false
	}

	id, err := dht.ParseID(s)
	if err != nil {
		return dht.ID{}, false
	}
	return id, true
}

// getPeersRespValues is the "r" dictionary of a get_peers answer: either the
// known swarm members or, failing that, the closest nodes.
type getPeersRespValues struct {
	id     dht.ID
	token  string
	values []string
	nodes  []dht.AddrID
	nodes6 []dht.AddrID
}

func (r getPeersRespValues) ToValues() map[string]any {
	values := map[string]any{
		"id":    string(r.id[:]),
		"token": r.token,
	}

	if len(r.values) != 0 {
		list := make([]any, len(r.values))
		for i, v := range r.values {
			list[i] = v
		}
		values["values"] = list
		return values
	}

	if len(r.nodes) != 0 {
		values["nodes"] = string(dht.MarshalCompactNodes(r.nodes))
	}
	if len(r.nodes6) != 0 {
		values["nodes6"] = string(dht.MarshalCompactNodes6(r.nodes6))
	}
	return values
}

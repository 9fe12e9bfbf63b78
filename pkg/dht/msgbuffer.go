package dht

import (
	"fmt"
	"io"
	"time"

	"github.com/prxssh/burrow/pkg/bencode"
)

// MsgEvent is a deserialized KRPC message tagged with its type.
type MsgEvent struct {
	Kind Kind
	Msg  Msg
}

// ReadEvent is an inbound message ready for the host, with the relevant
// node's address and, for completed queries, the local transaction id.
type ReadEvent struct {
	AddrOptID AddrOptID
	TxID      *TxID
	Msg       MsgEvent
}

// outboundMsg is a serialized datagram waiting to be handed to the socket.
// txID is set for queries; the matching transaction is created when the
// datagram is dequeued, so its deadline starts at send time.
type outboundMsg struct {
	txID      *TxID
	timeout   time.Duration
	addrOptID AddrOptID
	data      []byte
}

// msgBuffer holds the inbound event FIFO and the outbound datagram FIFO.
type msgBuffer struct {
	inbound  []ReadEvent
	outbound []outboundMsg

	clientVersion []byte
	readOnly      bool
}

func newMsgBuffer(clientVersion []byte, readOnly bool) *msgBuffer {
	return &msgBuffer{clientVersion: clientVersion, readOnly: readOnly}
}

func (b *msgBuffer) pushInbound(ev ReadEvent) {
	b.inbound = append(b.inbound, ev)
}

func (b *msgBuffer) popInbound() (ReadEvent, bool) {
	if len(b.inbound) == 0 {
		return ReadEvent{}, false
	}
	ev := b.inbound[0]
	b.inbound[0] = ReadEvent{}
	b.inbound = b.inbound[1:]
	return ev, true
}

func (b *msgBuffer) isReserved(id TxID) bool {
	for _, msg := range b.outbound {
		if msg.txID != nil && *msg.txID == id {
			return true
		}
	}
	return false
}

// writeQuery reserves a transaction id, serializes a query envelope, and
// enqueues the datagram. The transaction itself is not inserted until the
// datagram is popped for sending.
func (b *msgBuffer) writeQuery(
	args QueryArgs,
	addrOptID AddrOptID,
	timeout time.Duration,
	tm *txManager,
	rng io.Reader,
) (TxID, error) {
	txID, err := tm.nextTxID(rng)
	if err != nil {
		return 0, err
	}
	// Ids of queries still waiting in the outbound queue are not in the
	// manager yet; skip them too.
	for b.isReserved(txID) || tm.held(txID) {
		txID = txID.Next()
	}

	envelope := map[string]any{
		"t": string(txID.Bytes()),
		"y": string(KindQuery),
		"q": args.MethodName(),
		"a": args.ToArgs(),
	}
	if len(b.clientVersion) != 0 {
		envelope["v"] = string(b.clientVersion)
	}
	if b.readOnly {
		// BEP 43: advertise that this node does not answer queries.
		envelope["ro"] = 1
	}

	data, err := bencode.Marshal(envelope)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSerialize, err)
	}

	id := txID
	b.outbound = append(b.outbound, outboundMsg{
		txID:      &id,
		timeout:   timeout,
		addrOptID: addrOptID,
		data:      data,
	})
	return txID, nil
}

// writeResp serializes a response envelope for a remote query. txIDBytes is
// the raw transaction id from the query being answered.
func (b *msgBuffer) writeResp(txIDBytes []byte, values RespValues, addrOptID AddrOptID) error {
	envelope := map[string]any{
		"t": string(txIDBytes),
		"y": string(KindResponse),
	}
	if values != nil {
		envelope["r"] = values.ToValues()
	}
	if len(b.clientVersion) != 0 {
		envelope["v"] = string(b.clientVersion)
	}

	data, err := bencode.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSerialize, err)
	}

	b.outbound = append(b.outbound, outboundMsg{addrOptID: addrOptID, data: data})
	return nil
}

// writeErr serializes an error envelope for a remote query.
func (b *msgBuffer) writeErr(txIDBytes []byte, details ErrVal, addrOptID AddrOptID) error {
	envelope := map[string]any{
		"t": string(txIDBytes),
		"y": string(KindError),
		"e": details.ToList(),
	}
	if len(b.clientVersion) != 0 {
		envelope["v"] = string(b.clientVersion)
	}

	data, err := bencode.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSerialize, err)
	}

	b.outbound = append(b.outbound, outboundMsg{addrOptID: addrOptID, data: data})
	return nil
}

func (b *msgBuffer) popOutbound() (outboundMsg, bool) {
	if len(b.outbound) == 0 {
		return outboundMsg{}, false
	}
	msg := b.outbound[0]
	b.outbound[0] = outboundMsg{}
	b.outbound = b.outbound[1:]
	return msg, true
}

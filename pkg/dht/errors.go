package dht

import "errors"

var (
	// ErrDecode reports a datagram that could not be parsed as a bencoded
	// dictionary. Non-fatal; the datagram is dropped.
	ErrDecode = errors.New("cannot decode message")

	// ErrUnknownMsgType reports a message whose "y" field is absent or
	// unrecognized.
	ErrUnknownMsgType = errors.New("unknown message type")

	// ErrInvalidInput reports a malformed transaction id, a response with
	// no matching transaction, or a failed strict node id check.
	ErrInvalidInput = errors.New("invalid message input")

	// ErrTransactionsFull reports that all 65536 transaction ids are in
	// use. The host should back off before issuing new queries.
	ErrTransactionsFull = errors.New("transaction table full")

	// ErrSerialize reports an outbound message that could not be encoded.
	// Treated as a programming bug.
	ErrSerialize = errors.New("cannot serialize message")
)

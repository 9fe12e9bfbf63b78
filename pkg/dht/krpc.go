package dht

import (
	"encoding/binary"
)

// Kind is the KRPC message type carried in the "y" field.
type Kind string

const (
	KindQuery    Kind = "q"
	KindResponse Kind = "r"
	KindError    Kind = "e"
)

// Known reports whether k is one of the three defined message types. Any
// other value is treated as an unknown message kind for liveness accounting.
func (k Kind) Known() bool {
	switch k {
	case KindQuery, KindResponse, KindError:
		return true
	}
	return false
}

// Query method names understood by the core.
const (
	MethodPing     = "ping"
	MethodFindNode = "find_node"
)

// Standard KRPC error codes.
const (
	ErrorCodeGeneric       = 201
	ErrorCodeServer        = 202
	ErrorCodeProtocol      = 203
	ErrorCodeMethodUnknown = 204
)

// TxID is a locally-issued transaction identifier, serialized as 2 bytes
// big-endian in the "t" field.
type TxID uint16

// Bytes returns the wire form of t.
func (t TxID) Bytes() []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, uint16(t))
	return b
}

// Next returns the wrapping successor of t.
func (t TxID) Next() TxID {
	return t + 1
}

// ParseTxID converts the raw "t" field of a message into a TxID. It reports
// false unless the field is exactly 2 bytes.
func ParseTxID(s string) (TxID, bool) {
	if len(s) != 2 {
		return 0, false
	}
	return TxID(binary.BigEndian.Uint16([]byte(s))), true
}

// Msg is a decoded KRPC message: a bencoded dictionary as produced by
// pkg/bencode. The accessor methods tolerate missing or mistyped fields and
// report presence through their second return value.
type Msg map[string]any

// AsMsg converts a decoded bencode value into a Msg.
func AsMsg(v any) (Msg, bool) {
	dict, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	return Msg(dict), true
}

func (m Msg) str(key string) (string, bool) {
	s, ok := m[key].(string)
	return s, ok
}

func (m Msg) dict(key string) (map[string]any, bool) {
	d, ok := m[key].(map[string]any)
	return d, ok
}

// TxID returns the raw transaction id bytes from the "t" field.
func (m Msg) TxID() (string, bool) {
	return m.str("t")
}

// Kind returns the message type from the "y" field.
func (m Msg) Kind() (Kind, bool) {
	y, ok := m.str("y")
	if !ok {
		return "", false
	}
	return Kind(y), true
}

// ClientVersion returns the free-form "v" field.
func (m Msg) ClientVersion() (string, bool) {
	return m.str("v")
}

// MethodName returns the query method from the "q" field.
func (m Msg) MethodName() (string, bool) {
	return m.str("q")
}

// Args returns the query arguments dictionary "a".
func (m Msg) Args() (map[string]any, bool) {
	return m.dict("a")
}

// QueryingNodeID returns the "a.id" of a query message.
func (m Msg) QueryingNodeID() (ID, bool) {
	args, ok := m.Args()
	if !ok {
		return ID{}, false
	}
	return nodeIDField(args, "id")
}

// RespValues returns the response values dictionary "r".
func (m Msg) RespValues() (map[string]any, bool) {
	return m.dict("r")
}

// QueriedNodeID returns the "r.id" of a response message.
func (m Msg) QueriedNodeID() (ID, bool) {
	values, ok := m.RespValues()
	if !ok {
		return ID{}, false
	}
	return nodeIDField(values, "id")
}

// Target returns the "a.target" of a find_node query.
func (m Msg) Target() (ID, bool) {
	args, ok := m.Args()
	if !ok {
		return ID{}, false
	}
	return nodeIDField(args, "target")
}

// Nodes returns the compact IPv4 node list "r.nodes" of a response.
func (m Msg) Nodes() ([]byte, bool) {
	values, ok := m.RespValues()
	if !ok {
		return nil, false
	}
	s, ok := values["nodes"].(string)
	if !ok {
		return nil, false
	}
	return []byte(s), true
}

// Nodes6 returns the compact IPv6 node list "r.nodes6" of a response.
func (m Msg) Nodes6() ([]byte, bool) {
	values, ok := m.RespValues()
	if !ok {
		return nil, false
	}
	s, ok := values["nodes6"].(string)
	if !ok {
		return nil, false
	}
	return []byte(s), true
}

// ErrDetail returns the "e" field of an error message: [code, message].
func (m Msg) ErrDetail() (code int64, msg string, ok bool) {
	list, isList := m["e"].([]any)
	if !isList || len(list) < 2 {
		return 0, "", false
	}
	code, codeOK := list[0].(int64)
	msg, msgOK := list[1].(string)
	if !codeOK || !msgOK {
		return 0, "", false
	}
	return code, msg, true
}

func nodeIDField(dict map[string]any, key string) (ID, bool) {
	s, ok := dict[key].(string)
	if !ok || len(s) != IDLen {
		return ID{}, false
	}

	var id ID
	copy(id[:], s)
	return id, true
}

// QueryArgs is implemented by the typed argument shapes a query can be
// authored with.
type QueryArgs interface {
	// MethodName returns the KRPC method the arguments belong to.
	MethodName() string
	// ToArgs returns the "a" dictionary for the outgoing query.
	ToArgs() map[string]any
}

// RespValues is implemented by the typed value shapes a response can be
// authored with.
type RespValues interface {
	// ToValues returns the "r" dictionary for the outgoing response.
	ToValues() map[string]any
}

// PingQueryArgs are the arguments of a ping query.
type PingQueryArgs struct {
	ID ID
}

func (a PingQueryArgs) MethodName() string { return MethodPing }

func (a PingQueryArgs) ToArgs() map[string]any {
	return map[string]any{"id": string(a.ID[:])}
}

// PingRespValues are the values of a ping response.
type PingRespValues struct {
	ID ID
}

func (r PingRespValues) ToValues() map[string]any {
	return map[string]any{"id": string(r.ID[:])}
}

// FindNodeQueryArgs are the arguments of a find_node query.
type FindNodeQueryArgs struct {
	ID     ID
	Target ID
}

func (a FindNodeQueryArgs) MethodName() string { return MethodFindNode }

func (a FindNodeQueryArgs) ToArgs() map[string]any {
	return map[string]any{
		"id":     string(a.ID[:]),
		"target": string(a.Target[:]),
	}
}

// FindNodeRespValues are the values of a find_node response. Nodes carries
// IPv4 contacts, Nodes6 IPv6 contacts; either may be empty.
type FindNodeRespValues struct {
	ID     ID
	Nodes  []AddrID
	Nodes6 []AddrID
}

func (r FindNodeRespValues) ToValues() map[string]any {
	values := map[string]any{"id": string(r.ID[:])}
	if len(r.Nodes) != 0 {
		values["nodes"] = string(MarshalCompactNodes(r.Nodes))
	}
	if len(r.Nodes6) != 0 {
		values["nodes6"] = string(MarshalCompactNodes6(r.Nodes6))
	}
	return values
}

// ErrVal is the payload of a KRPC error message.
type ErrVal struct {
	Code int64
	Msg  string
}

func (e ErrVal) ToList() []any {
	return []any{e.Code, e.Msg}
}

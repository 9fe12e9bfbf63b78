package dht

import (
	"testing"

	"github.com/prxssh/burrow/pkg/bencode"
)

// encodeDecode runs an envelope through the wire codec and back.
func encodeDecode(t *testing.T, envelope map[string]any) Msg {
	t.Helper()

	data, err := bencode.Marshal(envelope)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	value, err := bencode.Unmarshal(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	msg, ok := AsMsg(value)
	if !ok {
		t.Fatal("decoded value is not a dictionary")
	}
	return msg
}

func TestMsg_PingQueryRoundTrip(t *testing.T) {
	local := idWithFirstByte(0xaa)
	args := PingQueryArgs{ID: local}

	msg := encodeDecode(t, map[string]any{
		"t": string(TxID(0x0102).Bytes()),
		"y": "q",
		"q": args.MethodName(),
		"a": args.ToArgs(),
		"v": "bw01",
	})

	if kind, _ := msg.Kind(); kind != KindQuery {
		t.Fatalf("kind = %v, want query", kind)
	}
	if method, _ := msg.MethodName(); method != MethodPing {
		t.Fatalf("method = %q, want ping", method)
	}
	raw, _ := msg.TxID()
	if id, ok := ParseTxID(raw); !ok || id != 0x0102 {
		t.Fatalf("tx id = %v, %v", id, ok)
	}
	if id, ok := msg.QueryingNodeID(); !ok || id != local {
		t.Fatalf("querying node id = %v, %v", id, ok)
	}
	if v, _ := msg.ClientVersion(); v != "bw01" {
		t.Fatalf("client version = %q", v)
	}
}

func TestMsg_FindNodeQueryRoundTrip(t *testing.T) {
	local := idWithFirstByte(0xaa)
	target := idWithFirstByte(0x17)
	args := FindNodeQueryArgs{ID: local, Target: target}

	msg := encodeDecode(t, map[string]any{
		"t": string(TxID(7).Bytes()),
		"y": "q",
		"q": args.MethodName(),
		"a": args.ToArgs(),
	})

	if method, _ := msg.MethodName(); method != MethodFindNode {
		t.Fatalf("method = %q, want find_node", method)
	}
	if got, ok := msg.Target(); !ok || got != target {
		t.Fatalf("target = %v, %v", got, ok)
	}
	if got, ok := msg.QueryingNodeID(); !ok || got != local {
		t.Fatalf("querying node id = %v, %v", got, ok)
	}
}

func TestMsg_FindNodeRespRoundTrip(t *testing.T) {
	remote := idWithFirstByte(0xbb)
	contacts := []AddrID{
		testAddrID(idWithFirstByte(0x01), 6881),
		testAddrID(idWithFirstByte(0x02), 6882),
	}

	resp := FindNodeRespValues{ID: remote, Nodes: contacts}
	msg := encodeDecode(t, map[string]any{
		"t": string(TxID(9).Bytes()),
		"y": "r",
		"r": resp.ToValues(),
	})

	if kind, _ := msg.Kind(); kind != KindResponse {
		t.Fatalf("kind = %v, want response", kind)
	}
	if id, ok := msg.QueriedNodeID(); !ok || id != remote {
		t.Fatalf("queried node id = %v, %v", id, ok)
	}

	data, ok := msg.Nodes()
	if !ok {
		t.Fatal("nodes field missing")
	}
	back, err := UnmarshalCompactNodes(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(back) != len(contacts) {
		t.Fatalf("decoded %d contacts, want %d", len(back), len(contacts))
	}
	for i := range back {
		if back[i] != contacts[i] {
			t.Fatalf("contact %d = %v, want %v", i, back[i], contacts[i])
		}
	}
}

func TestMsg_ErrorRoundTrip(t *testing.T) {
	details := ErrVal{Code: ErrorCodeProtocol, Msg: "bad token"}

	msg := encodeDecode(t, map[string]any{
		"t": string(TxID(3).Bytes()),
		"y": "e",
		"e": details.ToList(),
	})

	if kind, _ := msg.Kind(); kind != KindError {
		t.Fatalf("kind = %v, want error", kind)
	}
	code, text, ok := msg.ErrDetail()
	if !ok || code != ErrorCodeProtocol || text != "bad token" {
		t.Fatalf("err detail = %d, %q, %v", code, text, ok)
	}
}

func TestMsg_MissingFields(t *testing.T) {
	msg := Msg{}

	if _, ok := msg.Kind(); ok {
		t.Fatal("empty message should have no kind")
	}
	if _, ok := msg.TxID(); ok {
		t.Fatal("empty message should have no tx id")
	}
	if _, ok := msg.QueryingNodeID(); ok {
		t.Fatal("empty message should have no querying node id")
	}
	if _, _, ok := msg.ErrDetail(); ok {
		t.Fatal("empty message should have no error detail")
	}
}

func TestParseTxID(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want TxID
		ok   bool
	}{
		{"valid", "\x01\x02", 0x0102, true},
		{"short", "\x01", 0, false},
		{"long", "\x01\x02\x03", 0, false},
		{"empty", "", 0, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := ParseTxID(tc.in)
			if ok != tc.ok || got != tc.want {
				t.Fatalf("ParseTxID(%q) = %v, %v; want %v, %v", tc.in, got, ok, tc.want, tc.ok)
			}
		})
	}
}

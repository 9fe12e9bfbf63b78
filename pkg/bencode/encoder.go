package bencode

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strconv"
)

// Marshal returns the bencoded form of v.
//
// See Encoder.Encode for the supported Go types.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	e := NewEncoder(&buf)

	if err := e.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Encoder writes bencoded values to an io.Writer.
type Encoder struct {
	w       io.Writer
	scratch [32]byte
}

// NewEncoder returns a new Encoder that writes to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes the bencoded representation of v to the underlying writer.
//
// Supported value types:
//
//	string, []byte, bool, int/int8/int16/int32/int64,
//	uint/uint8/uint16/uint32/uint64,
//	[]any, map[string]any.
//
// Dictionary keys are emitted in lexicographic order, as the format requires.
// Encode returns an error for unsupported types.
func (e *Encoder) Encode(v any) error {
	switch x := v.(type) {
	case string:
		return e.encodeString(x)
	case []byte:
		return e.encodeString(string(x))
	case bool:
		if x {
			return e.encodeInt(1)
		}
		return e.encodeInt(0)
	case int:
		return e.encodeInt(int64(x))
	case int8:
		return e.encodeInt(int64(x))
	case int16:
		return e.encodeInt(int64(x))
	case int32:
		return e.encodeInt(int64(x))
	case int64:
		return e.encodeInt(x)
	case uint:
		return e.encodeUint(uint64(x))
	case uint8:
		return e.encodeUint(uint64(x))
	case uint16:
		return e.encodeUint(uint64(x))
	case uint32:
		return e.encodeUint(uint64(x))
	case uint64:
		return e.encodeUint(x)
	case []any:
		return e.encodeList(x)
	case map[string]any:
		return e.encodeDict(x)
	default:
		return fmt.Errorf("bencode: unsupported datatype '%T'", v)
	}
}

func (e *Encoder) writeByte(b byte) error {
	e.scratch[0] = b
	_, err := e.w.Write(e.scratch[:1])
	return err
}

func (e *Encoder) encodeInt(n int64) error {
	if err := e.writeByte(TokenInteger.Byte()); err != nil {
		return err
	}
	if _, err := e.w.Write(strconv.AppendInt(e.scratch[:0], n, 10)); err != nil {
		return err
	}
	return e.writeByte(TokenEnding.Byte())
}

func (e *Encoder) encodeUint(u uint64) error {
	if err := e.writeByte(TokenInteger.Byte()); err != nil {
		return err
	}
	if _, err := e.w.Write(strconv.AppendUint(e.scratch[:0], u, 10)); err != nil {
		return err
	}
	return e.writeByte(TokenEnding.Byte())
}

func (e *Encoder) encodeString(s string) error {
	if _, err := e.w.Write(strconv.AppendInt(e.scratch[:0], int64(len(s)), 10)); err != nil {
		return err
	}
	if err := e.writeByte(TokenStringSeparator.Byte()); err != nil {
		return err
	}

	_, err := io.WriteString(e.w, s)
	return err
}

func (e *Encoder) encodeList(xs []any) error {
	if err := e.writeByte(TokenList.Byte()); err != nil {
		return err
	}

	for _, v := range xs {
		if err := e.Encode(v); err != nil {
			return err
		}
	}

	return e.writeByte(TokenEnding.Byte())
}

func (e *Encoder) encodeDict(m map[string]any) error {
	if err := e.writeByte(TokenDict.Byte()); err != nil {
		return err
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if err := e.encodeString(k); err != nil {
			return err
		}
		if err := e.Encode(m[k]); err != nil {
			return err
		}
	}

	return e.writeByte(TokenEnding.Byte())
}

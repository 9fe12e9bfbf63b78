package dht

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
)

// IDLen is the length of a node identifier in bytes.
const IDLen = sha1.Size

// ID is a 160-bit node or target identifier. IDs are ordered
// lexicographically over their big-endian bytes.
type ID [IDLen]byte

var (
	// MinID is the smallest possible identifier.
	MinID = ID{}

	// MaxID is the largest possible identifier.
	MaxID = ID{
		0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
		0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	}
)

// ParseID converts a raw 20-byte string, as found in KRPC messages, into an
// ID.
func ParseID(s string) (ID, error) {
	var id ID
	if len(s) != IDLen {
		return id, fmt.Errorf("%w: node id must be %d bytes, got %d", ErrInvalidInput, IDLen, len(s))
	}
	copy(id[:], s)
	return id, nil
}

// RandID returns a uniformly random ID read from rng.
func RandID(rng io.Reader) (ID, error) {
	var id ID
	if _, err := io.ReadFull(rng, id[:]); err != nil {
		return id, fmt.Errorf("rand id: %w", err)
	}
	return id, nil
}

// Distance returns the XOR metric distance between id and other.
func (id ID) Distance(other ID) ID {
	var d ID
	for i := 0; i < IDLen; i++ {
		d[i] = id[i] ^ other[i]
	}
	return d
}

// Cmp returns -1, 0, or 1 comparing id against other lexicographically.
func (id ID) Cmp(other ID) int {
	return bytes.Compare(id[:], other[:])
}

// Middle returns the arithmetic midpoint id + (other-id)/2 in unsigned
// 160-bit arithmetic. id must not be greater than other.
func (id ID) Middle(other ID) ID {
	half := shiftRight(sub(other, id))
	return add(id, half)
}

// Next returns id+1, saturating at MaxID.
func (id ID) Next() ID {
	if id == MaxID {
		return MaxID
	}

	next := id
	for i := IDLen - 1; i >= 0; i-- {
		next[i]++
		if next[i] != 0 {
			break
		}
	}
	return next
}

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// CompareDistance returns -1 if a is closer to target than b, 1 if b is
// closer, and 0 if equidistant.
func CompareDistance(target, a, b ID) int {
	da := target.Distance(a)
	db := target.Distance(b)
	return bytes.Compare(da[:], db[:])
}

// RandIDInRange samples an ID uniformly from the inclusive range [lo, hi].
// It fails only if rng fails.
func RandIDInRange(lo, hi ID, rng io.Reader) (ID, error) {
	delta := sub(hi, lo)
	if delta == MinID {
		return lo, nil
	}

	// Mask random draws down to delta's bit length, then reject draws
	// above delta. Each draw is accepted with probability > 1/2.
	msb := 0
	for msb < IDLen && delta[msb] == 0 {
		msb++
	}
	mask := byte(0xff)
	for mask>>1 >= delta[msb] {
		mask >>= 1
	}

	var r ID
	for {
		if _, err := io.ReadFull(rng, r[msb:]); err != nil {
			return ID{}, fmt.Errorf("rand id in range: %w", err)
		}
		r[msb] &= mask

		if bytes.Compare(r[:], delta[:]) <= 0 {
			return add(lo, r), nil
		}
	}
}

func inRange(id, lo, hi ID) bool {
	return lo.Cmp(id) <= 0 && id.Cmp(hi) <= 0
}

func sub(a, b ID) ID {
	var out ID
	borrow := 0
	for i := IDLen - 1; i >= 0; i-- {
		d := int(a[i]) - int(b[i]) - borrow
		if d < 0 {
			d += 256
			borrow = 1
		} else {
			borrow = 0
		}
		out[i] = byte(d)
	}
	return out
}

func add(a, b ID) ID {
	var out ID
	carry := 0
	for i := IDLen - 1; i >= 0; i-- {
		s := int(a[i]) + int(b[i]) + carry
		out[i] = byte(s)
		carry = s >> 8
	}
	return out
}

func shiftRight(a ID) ID {
	var out ID
	carry := byte(0)
	for i := 0; i < IDLen; i++ {
		out[i] = a[i]>>1 | carry
		carry = a[i] << 7
	}
	return out
}

// Package fingerprint computes the stable identity of a persistent task from
// its kind and inputs.
//
// The identity is a canonical byte encoding hashed with 128-bit murmur3. The
// encoding is length-prefixed and type-tagged so that distinct input vectors
// can never collide structurally ("a"+"bc" vs "ab"+"c", a string vs a
// reference with the same bytes, and so on).
package fingerprint

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/spaolacci/murmur3"

	"taskmill/internal/value"
)

// Fingerprint is a comparable 128-bit task identity, suitable as a map key.
type Fingerprint struct {
	Hi, Lo uint64
}

func (f Fingerprint) String() string {
	return fmt.Sprintf("%016x%016x", f.Hi, f.Lo)
}

// Input type tags for the canonical encoding.
const (
	tagNil byte = iota
	tagBool
	tagInt
	tagUint
	tagFloat
	tagString
	tagBytes
	tagRef
	tagContent
	tagOpaque
)

// Of computes the fingerprint of a persistent task type.
//
// kind discriminates the task kind, fn and trait identify the callee, method
// names the trait method (empty for native kinds). Inputs are encoded in
// order; order is significant.
func Of(kind uint8, fn uint32, trait uint32, method string, inputs []any) Fingerprint {
	h := murmur3.New128()

	var scratch [8]byte
	writeU32 := func(v uint32) {
		binary.LittleEndian.PutUint32(scratch[:4], v)
		_, _ = h.Write(scratch[:4])
	}
	writeU64 := func(v uint64) {
		binary.LittleEndian.PutUint64(scratch[:8], v)
		_, _ = h.Write(scratch[:8])
	}
	writeBytes := func(b []byte) {
		writeU64(uint64(len(b)))
		_, _ = h.Write(b)
	}

	_, _ = h.Write([]byte{kind})
	writeU32(fn)
	writeU32(trait)
	writeBytes([]byte(method))
	writeU64(uint64(len(inputs)))

	for _, in := range inputs {
		switch v := in.(type) {
		case nil:
			_, _ = h.Write([]byte{tagNil})
		case bool:
			b := byte(0)
			if v {
				b = 1
			}
			_, _ = h.Write([]byte{tagBool, b})
		case int:
			_, _ = h.Write([]byte{tagInt})
			writeU64(uint64(int64(v)))
		case int32:
			_, _ = h.Write([]byte{tagInt})
			writeU64(uint64(int64(v)))
		case int64:
			_, _ = h.Write([]byte{tagInt})
			writeU64(uint64(v))
		case uint32:
			_, _ = h.Write([]byte{tagUint})
			writeU64(uint64(v))
		case uint64:
			_, _ = h.Write([]byte{tagUint})
			writeU64(v)
		case float64:
			_, _ = h.Write([]byte{tagFloat})
			writeU64(math.Float64bits(v))
		case string:
			_, _ = h.Write([]byte{tagString})
			writeBytes([]byte(v))
		case []byte:
			_, _ = h.Write([]byte{tagBytes})
			writeBytes(v)
		case value.Ref:
			_, _ = h.Write([]byte{tagRef, byte(v.Kind)})
			writeU32(uint32(v.Task))
			writeU64(uint64(v.Index))
		case value.Content:
			_, _ = h.Write([]byte{tagContent})
			writeU32(uint32(v.Type))
			writeBytes([]byte(fmt.Sprintf("%#v", v.Value)))
		default:
			// Opaque payloads hash through their Go syntax representation.
			// Collision-free as long as payload types print faithfully,
			// which %#v does for plain data types.
			_, _ = h.Write([]byte{tagOpaque})
			writeBytes([]byte(fmt.Sprintf("%T:%#v", v, v)))
		}
	}

	hi, lo := h.Sum128()
	return Fingerprint{Hi: hi, Lo: lo}
}

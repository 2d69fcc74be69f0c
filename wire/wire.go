// Package wire implements the canonical, deterministic byte encoding used
// everywhere a chainctl type is hashed or signed; at-rest storage uses the
// gob codecs in storage.go instead. The teacher encodes
// its stored/hashed types through a protoc-generated `pb` package
// (ProtoMarshal/ProtoUnmarshal, see db/*.go); reproducing a real
// proto.Message without running protoc would require hand-faking the
// generated protoreflect descriptor machinery, which we will not do (see
// DESIGN.md). Instead every encodable type here gets one hand-written,
// order-stable encoder built from a small shared Buffer helper, preserving
// the teacher's "one canonical byte form per stored/hashed type" rule.
package wire

import (
	"encoding/binary"
	"time"
)

// Buffer accumulates a canonical byte encoding. Every Put* method is
// length-prefixed where the payload isn't fixed-width, so concatenation is
// unambiguous and two logically different values never collide on bytes.
type Buffer struct {
	b []byte
}

func NewBuffer() *Buffer { return &Buffer{} }

func (w *Buffer) Bytes() []byte { return w.b }

func (w *Buffer) PutUint16(v uint16) {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	w.b = append(w.b, tmp[:]...)
}

func (w *Buffer) PutUint32(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	w.b = append(w.b, tmp[:]...)
}

func (w *Buffer) PutUint64(v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	w.b = append(w.b, tmp[:]...)
}

func (w *Buffer) PutInt64(v int64) { w.PutUint64(uint64(v)) }

func (w *Buffer) PutTime(t time.Time) { w.PutInt64(t.UTC().Unix()) }

// PutBytes writes a length-prefixed byte string.
func (w *Buffer) PutBytes(v []byte) {
	w.PutUint32(uint32(len(v)))
	w.b = append(w.b, v...)
}

// PutString writes a length-prefixed UTF-8 string.
func (w *Buffer) PutString(s string) { w.PutBytes([]byte(s)) }

// PutBool writes a single byte.
func (w *Buffer) PutBool(v bool) {
	if v {
		w.b = append(w.b, 1)
	} else {
		w.b = append(w.b, 0)
	}
}

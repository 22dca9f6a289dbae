package engine

import (
	"encoding/binary"
	"fmt"
)

// reader and writer are small local mirrors of internal/wire's unexported
// cursor/builder types. internal/wire keeps those unexported since they are
// an implementation detail of its own marshaling; the engine's command and
// response parameter areas need the same sequential encode/decode shape, so
// it carries its own minimal copy rather than asking wire to export internals
// it has no other reason to expose.
type reader struct {
	buf []byte
	pos int
	err error
}

func newReader(buf []byte) *reader { return &reader{buf: buf} }

func (r *reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if r.pos+n > len(r.buf) {
		r.err = fmt.Errorf("engine: %w: need %d bytes at offset %d, have %d", ErrShortParams, n, r.pos, len(r.buf))
		return false
	}
	return true
}

func (r *reader) u8() byte {
	if !r.need(1) {
		return 0
	}
	v := r.buf[r.pos]
	r.pos++
	return v
}

func (r *reader) u16() uint16 {
	if !r.need(2) {
		return 0
	}
	v := binary.BigEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v
}

func (r *reader) u32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v
}

func (r *reader) bytes(n int) []byte {
	if !r.need(n) {
		return nil
	}
	v := make([]byte, n)
	copy(v, r.buf[r.pos:r.pos+n])
	r.pos += n
	return v
}

func (r *reader) blob32() []byte {
	n := int(r.u32())
	return r.bytes(n)
}

func (r *reader) remaining() []byte {
	if r.err != nil || r.pos > len(r.buf) {
		return nil
	}
	return r.buf[r.pos:]
}

type writer struct {
	buf []byte
}

func newWriter() *writer { return &writer{} }

func (w *writer) u8(v byte) *writer {
	w.buf = append(w.buf, v)
	return w
}

func (w *writer) u16(v uint16) *writer {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
	return w
}

func (w *writer) u32(v uint32) *writer {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
	return w
}

func (w *writer) raw(v []byte) *writer {
	w.buf = append(w.buf, v...)
	return w
}

func (w *writer) blob32(v []byte) *writer {
	w.u32(uint32(len(v)))
	w.raw(v)
	return w
}

func (w *writer) bytes() []byte { return w.buf }

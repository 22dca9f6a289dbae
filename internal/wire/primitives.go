// Package wire implements the TPM 1.2 command/response byte encoding: the
// fixed header, authorization trailers, return-code table, and the
// variable-length structures (keys, PCR selections/info) carried in
// command and response parameter areas. Every structure in this package
// is hand-marshaled with encoding/binary rather than built on a reflection
// based packer: several of them (Key, PCRInfo) are discriminated unions
// whose shape depends on a preceding tag field, which a generic
// struct-reflection packer cannot express without per-field annotations
// of its own.
package wire

import (
	"encoding/binary"
	"fmt"
)

// A cursor reads sequential fields from a byte slice, tracking position
// and the first error encountered so call sites don't need to check err
// after every field.
type cursor struct {
	buf []byte
	pos int
	err error
}

func newCursor(buf []byte) *cursor {
	return &cursor{buf: buf}
}

func (c *cursor) need(n int) bool {
	if c.err != nil {
		return false
	}
	if c.pos+n > len(c.buf) {
		c.err = fmt.Errorf("wire: %w: need %d bytes at offset %d, have %d", ErrShortBuffer, n, c.pos, len(c.buf))
		return false
	}
	return true
}

func (c *cursor) u8() byte {
	if !c.need(1) {
		return 0
	}
	v := c.buf[c.pos]
	c.pos++
	return v
}

func (c *cursor) u16() uint16 {
	if !c.need(2) {
		return 0
	}
	v := binary.BigEndian.Uint16(c.buf[c.pos:])
	c.pos += 2
	return v
}

func (c *cursor) u32() uint32 {
	if !c.need(4) {
		return 0
	}
	v := binary.BigEndian.Uint32(c.buf[c.pos:])
	c.pos += 4
	return v
}

func (c *cursor) bytes(n int) []byte {
	if !c.need(n) {
		return nil
	}
	v := make([]byte, n)
	copy(v, c.buf[c.pos:c.pos+n])
	c.pos += n
	return v
}

// blob16 reads a u16 length prefix followed by that many bytes.
func (c *cursor) blob16() []byte {
	n := int(c.u16())
	return c.bytes(n)
}

// blob32 reads a u32 length prefix followed by that many bytes.
func (c *cursor) blob32() []byte {
	n := int(c.u32())
	return c.bytes(n)
}

func (c *cursor) remaining() []byte {
	if c.err != nil || c.pos > len(c.buf) {
		return nil
	}
	return c.buf[c.pos:]
}

// A builder appends sequential fields to a growing byte slice.
type builder struct {
	buf []byte
}

func newBuilder() *builder {
	return &builder{}
}

func (b *builder) u8(v byte) *builder {
	b.buf = append(b.buf, v)
	return b
}

func (b *builder) u16(v uint16) *builder {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	b.buf = append(b.buf, tmp[:]...)
	return b
}

func (b *builder) u32(v uint32) *builder {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	b.buf = append(b.buf, tmp[:]...)
	return b
}

func (b *builder) raw(v []byte) *builder {
	b.buf = append(b.buf, v...)
	return b
}

func (b *builder) blob16(v []byte) *builder {
	b.u16(uint16(len(v)))
	b.raw(v)
	return b
}

func (b *builder) blob32(v []byte) *builder {
	b.u32(uint32(len(v)))
	b.raw(v)
	return b
}

func (b *builder) bytes() []byte {
	return b.buf
}

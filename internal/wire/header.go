package wire

import (
	"encoding/binary"
	"fmt"
)

// Tag identifies the command/response family: whether an exchange carries
// zero, one, or two authorization session trailers.
type Tag uint16

const (
	TagRequestCommand  Tag = 0x00C1
	TagRequestAuth1    Tag = 0x00C2
	TagRequestAuth2    Tag = 0x00C3
	TagResponseCommand Tag = 0x00C4
	TagResponseAuth1   Tag = 0x00C5
	TagResponseAuth2   Tag = 0x00C6
)

// NumAuthSessions reports how many 45-byte auth trailers a tag carries.
func (t Tag) NumAuthSessions() int {
	switch t {
	case TagRequestAuth1, TagResponseAuth1:
		return 1
	case TagRequestAuth2, TagResponseAuth2:
		return 2
	default:
		return 0
	}
}

func (t Tag) IsRequest() bool {
	return t == TagRequestCommand || t == TagRequestAuth1 || t == TagRequestAuth2
}

func (t Tag) IsResponse() bool {
	return t == TagResponseCommand || t == TagResponseAuth1 || t == TagResponseAuth2
}

// ResponseTagFor returns the response tag matching a request tag's auth
// arity (no-auth request -> no-auth response, etc).
func ResponseTagFor(req Tag) (Tag, error) {
	switch req {
	case TagRequestCommand:
		return TagResponseCommand, nil
	case TagRequestAuth1:
		return TagResponseAuth1, nil
	case TagRequestAuth2:
		return TagResponseAuth2, nil
	default:
		return 0, fmt.Errorf("wire: %w: not a request tag 0x%04x", ErrBadTag, uint16(req))
	}
}

// HeaderSize is the length in bytes of both CommandHeader and
// ResponseHeader on the wire (tag, paramSize, ordinal/returnCode).
const HeaderSize = 10

// CommandHeader is the fixed 10-byte prefix of every command: tag,
// paramSize (total length including this header), ordinal.
type CommandHeader struct {
	Tag       Tag
	ParamSize uint32
	Ordinal   uint32
}

// ResponseHeader is the fixed 10-byte prefix of every response: tag,
// paramSize (total length including this header), returnCode.
type ResponseHeader struct {
	Tag        Tag
	ParamSize  uint32
	ReturnCode ReturnCode
}

func (h CommandHeader) Marshal() []byte {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint16(buf[0:2], uint16(h.Tag))
	binary.BigEndian.PutUint32(buf[2:6], h.ParamSize)
	binary.BigEndian.PutUint32(buf[6:10], h.Ordinal)
	return buf
}

func ReadCommandHeader(b []byte) (CommandHeader, error) {
	var h CommandHeader
	if len(b) < HeaderSize {
		return h, fmt.Errorf("wire: %w: command header needs %d bytes, got %d", ErrShortBuffer, HeaderSize, len(b))
	}
	h.Tag = Tag(binary.BigEndian.Uint16(b[0:2]))
	h.ParamSize = binary.BigEndian.Uint32(b[2:6])
	h.Ordinal = binary.BigEndian.Uint32(b[6:10])
	if !h.Tag.IsRequest() {
		return h, fmt.Errorf("wire: %w: 0x%04x is not a request tag", ErrBadTag, uint16(h.Tag))
	}
	return h, nil
}

func (h ResponseHeader) Marshal() []byte {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint16(buf[0:2], uint16(h.Tag))
	binary.BigEndian.PutUint32(buf[2:6], h.ParamSize)
	binary.BigEndian.PutUint32(buf[6:10], uint32(h.ReturnCode))
	return buf
}

func ReadResponseHeader(b []byte) (ResponseHeader, error) {
	var h ResponseHeader
	if len(b) < HeaderSize {
		return h, fmt.Errorf("wire: %w: response header needs %d bytes, got %d", ErrShortBuffer, HeaderSize, len(b))
	}
	h.Tag = Tag(binary.BigEndian.Uint16(b[0:2]))
	h.ParamSize = binary.BigEndian.Uint32(b[2:6])
	h.ReturnCode = ReturnCode(binary.BigEndian.Uint32(b[6:10]))
	return h, nil
}

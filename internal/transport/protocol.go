// Package transport implements the daemon's two listening sockets: the TPM
// command port, which frames raw wire.CommandHeader/ResponseHeader traffic
// straight into the engine, and a separate local control socket for
// operational queries (ping, status, checkpoint-now, shutdown) that are not
// themselves TPM ordinals. The control socket's framing follows the
// reference corpus's IPC package: a fixed 16-byte header carrying a magic
// number, version, message type, and length, followed by a JSON payload.
package transport

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// ControlMagic and ControlVersion identify the control socket's framing,
// distinct from the TPM wire protocol's own tag/ordinal framing.
const (
	ControlMagic   uint32 = 0x54504D44 // "TPMD"
	ControlVersion uint8  = 1
)

// ControlHeaderSize is the fixed size of a ControlHeader.
const ControlHeaderSize = 16

// MessageType identifies a control-socket message.
type MessageType uint16

const (
	MsgPing           MessageType = 0x0001
	MsgPong           MessageType = 0x0002
	MsgError          MessageType = 0x0003
	MsgStatusRequest  MessageType = 0x0100
	MsgStatusResponse MessageType = 0x0101
	MsgCheckpointNow  MessageType = 0x0200
	MsgCheckpointDone MessageType = 0x0201
	MsgAssertPP       MessageType = 0x0300
	MsgAssertPPDone   MessageType = 0x0301
	MsgShutdown       MessageType = 0x0400
)

// ControlHeader is the fixed-size prefix of every control-socket message.
type ControlHeader struct {
	Magic     uint32
	Version   uint8
	Type      MessageType
	RequestID uint32
	Length    uint32
}

func (h ControlHeader) Write(w io.Writer) error {
	buf := make([]byte, ControlHeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	binary.BigEndian.PutUint16(buf[5:7], uint16(h.Type))
	binary.BigEndian.PutUint32(buf[7:11], h.RequestID)
	binary.BigEndian.PutUint32(buf[11:15], h.Length)
	// byte 15 reserved, left zero
	_, err := w.Write(buf)
	return err
}

func ReadControlHeader(r io.Reader) (ControlHeader, error) {
	var h ControlHeader
	buf := make([]byte, ControlHeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return h, err
	}
	h.Magic = binary.BigEndian.Uint32(buf[0:4])
	h.Version = buf[4]
	h.Type = MessageType(binary.BigEndian.Uint16(buf[5:7]))
	h.RequestID = binary.BigEndian.Uint32(buf[7:11])
	h.Length = binary.BigEndian.Uint32(buf[11:15])
	if h.Magic != ControlMagic {
		return h, fmt.Errorf("transport: control header: bad magic 0x%08x", h.Magic)
	}
	if h.Version > ControlVersion {
		return h, fmt.Errorf("transport: control header: unsupported version %d", h.Version)
	}
	return h, nil
}

// maxControlPayload bounds a single control message; the control socket
// carries small operational payloads only, never TPM command bodies.
const maxControlPayload = 1 << 20

// ControlMessage wraps a header and its JSON payload.
type ControlMessage struct {
	Header  ControlHeader
	Payload []byte
}

func NewControlMessage(t MessageType, requestID uint32, payload []byte) *ControlMessage {
	return &ControlMessage{
		Header: ControlHeader{
			Magic:     ControlMagic,
			Version:   ControlVersion,
			Type:      t,
			RequestID: requestID,
			Length:    uint32(len(payload)),
		},
		Payload: payload,
	}
}

// NewControlResponse JSON-encodes v as the payload of a response message.
func NewControlResponse(t MessageType, requestID uint32, v any) (*ControlMessage, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("transport: encode control payload: %w", err)
	}
	return NewControlMessage(t, requestID, payload), nil
}

func (m *ControlMessage) Write(w io.Writer) error {
	if err := m.Header.Write(w); err != nil {
		return err
	}
	if len(m.Payload) == 0 {
		return nil
	}
	_, err := w.Write(m.Payload)
	return err
}

func ReadControlMessage(r io.Reader) (*ControlMessage, error) {
	h, err := ReadControlHeader(r)
	if err != nil {
		return nil, err
	}
	if h.Length > maxControlPayload {
		return nil, fmt.Errorf("transport: control payload too large: %d bytes", h.Length)
	}
	m := &ControlMessage{Header: h}
	if h.Length > 0 {
		m.Payload = make([]byte, h.Length)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Decode JSON-unmarshals a control message's payload into v.
func Decode(payload []byte, v any) error {
	return json.Unmarshal(payload, v)
}

// StatusResponse reports the daemon's operational state over the control
// socket. It is a human-facing introspection surface, not a TPM wire
// response, so it carries plain Go types rather than wire structures.
type StatusResponse struct {
	OwnerSet      bool   `json:"owner_set" yaml:"owner_set"`
	ActiveKeys    int    `json:"active_keys" yaml:"active_keys"`
	ActiveAuth    int    `json:"active_sessions" yaml:"active_sessions"`
	LockedOut     bool   `json:"locked_out" yaml:"locked_out"`
	Locality      uint8  `json:"locality" yaml:"locality"`
	PhysicalPres  bool   `json:"physical_presence" yaml:"physical_presence"`
	ProtocolMagic uint32 `json:"protocol_magic" yaml:"protocol_magic"`
}

// CheckpointResponse acknowledges a checkpoint-now request.
type CheckpointResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// AssertPPRequest asserts or clears physical presence for the TPM command
// port's next commands; only accepted from a control-socket peer the
// platform can verify is running as the same local user.
type AssertPPRequest struct {
	Asserted bool `json:"asserted"`
}

// ErrorPayload is the payload of a MsgError response.
type ErrorPayload struct {
	Message string `json:"message"`
}

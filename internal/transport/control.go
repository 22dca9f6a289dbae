package transport

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"tpmd/internal/logging"
)

// Checkpointer is the subset of Engine a ControlServer can drive directly,
// kept narrow so the control socket never reaches into engine state beyond
// this one operation.
type Checkpointer interface {
	Checkpoint(ctx context.Context) error
}

// ControlStatusFunc produces a StatusResponse snapshot on demand.
type ControlStatusFunc func() StatusResponse

// PeerVerifier reports whether conn's peer is authorized to use the control
// socket's privileged operations (checkpoint-now, physical-presence
// assertion, shutdown). A transport with no peer-credential facility
// (plain TCP) should refuse everything but status/ping.
type PeerVerifier func(conn net.Conn) bool

// ControlServerConfig configures a ControlServer.
type ControlServerConfig struct {
	SocketPath  string
	Status      ControlStatusFunc
	Checkpoint  Checkpointer
	AssertPP    func(asserted bool)
	VerifyPeer  PeerVerifier
	ReadTimeout time.Duration
}

// ControlServer exposes ping/status/checkpoint-now/assert-physical-presence
// over a UNIX socket distinct from the TPM command port, for local
// operational tooling rather than TPM clients.
type ControlServer struct {
	cfg      ControlServerConfig
	log      *logging.Logger
	listener net.Listener
	closing  atomic.Bool
	wg       sync.WaitGroup
	onShut   func()
}

// NewControlServer builds a server bound to cfg; onShutdown is invoked
// (if non-nil) when a MsgShutdown request arrives from a verified peer.
func NewControlServer(cfg ControlServerConfig, log *logging.Logger, onShutdown func()) *ControlServer {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.VerifyPeer == nil {
		cfg.VerifyPeer = func(net.Conn) bool { return false }
	}
	return &ControlServer{cfg: cfg, log: log, onShut: onShutdown}
}

// Start removes any stale socket, binds the listener, and begins accepting.
func (s *ControlServer) Start() error {
	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	listener, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return err
	}
	if err := os.Chmod(s.cfg.SocketPath, 0600); err != nil {
		listener.Close()
		return err
	}
	s.listener = listener
	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Stop closes the listener, waits for outstanding handlers, and removes
// the socket file.
func (s *ControlServer) Stop() error {
	if !s.closing.CompareAndSwap(false, true) {
		return nil
	}
	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()
	os.Remove(s.cfg.SocketPath)
	return nil
}

func (s *ControlServer) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.closing.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		privileged := s.cfg.VerifyPeer(conn)
		s.wg.Add(1)
		go s.handleConn(conn, privileged)
	}
}

func (s *ControlServer) handleConn(conn net.Conn, privileged bool) {
	defer s.wg.Done()
	defer conn.Close()

	for {
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		msg, err := ReadControlMessage(conn)
		if err != nil {
			return
		}

		resp := s.dispatch(msg, privileged)
		if resp == nil {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(s.cfg.ReadTimeout))
		if err := resp.Write(conn); err != nil {
			return
		}
	}
}

func (s *ControlServer) dispatch(msg *ControlMessage, privileged bool) *ControlMessage {
	switch msg.Header.Type {
	case MsgPing:
		return NewControlMessage(MsgPong, msg.Header.RequestID, nil)

	case MsgStatusRequest:
		var status StatusResponse
		if s.cfg.Status != nil {
			status = s.cfg.Status()
		}
		resp, err := NewControlResponse(MsgStatusResponse, msg.Header.RequestID, status)
		if err != nil {
			return errorMessage(msg.Header.RequestID, err.Error())
		}
		return resp

	case MsgCheckpointNow:
		if !privileged {
			return errorMessage(msg.Header.RequestID, "not authorized")
		}
		out := CheckpointResponse{OK: true}
		if s.cfg.Checkpoint != nil {
			if err := s.cfg.Checkpoint.Checkpoint(context.Background()); err != nil {
				out.OK = false
				out.Error = err.Error()
			}
		}
		resp, err := NewControlResponse(MsgCheckpointDone, msg.Header.RequestID, out)
		if err != nil {
			return errorMessage(msg.Header.RequestID, err.Error())
		}
		return resp

	case MsgAssertPP:
		if !privileged {
			return errorMessage(msg.Header.RequestID, "not authorized")
		}
		var req AssertPPRequest
		if err := Decode(msg.Payload, &req); err != nil {
			return errorMessage(msg.Header.RequestID, "invalid request")
		}
		if s.cfg.AssertPP != nil {
			s.cfg.AssertPP(req.Asserted)
		}
		return NewControlMessage(MsgAssertPPDone, msg.Header.RequestID, nil)

	case MsgShutdown:
		if !privileged {
			return errorMessage(msg.Header.RequestID, "not authorized")
		}
		if s.onShut != nil {
			go s.onShut()
		}
		return nil

	default:
		return errorMessage(msg.Header.RequestID, "unknown message type")
	}
}

func errorMessage(requestID uint32, text string) *ControlMessage {
	resp, err := NewControlResponse(MsgError, requestID, ErrorPayload{Message: text})
	if err != nil {
		return NewControlMessage(MsgError, requestID, nil)
	}
	return resp
}

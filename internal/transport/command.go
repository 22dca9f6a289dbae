package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"tpmd/internal/logging"
	"tpmd/internal/wire"
)

// Executor is the single entry point a CommandServer drives: decode a
// command, run it against engine state, and return the encoded response.
// internal/engine.Engine satisfies this directly.
type Executor interface {
	Execute(raw []byte) []byte
	SetLocality(locality uint8)
	SetPhysicalPresence(asserted bool)
}

// LocalityResolver infers the locality a connection's commands execute at
// from the accepted net.Conn, e.g. by reading SO_PEERCRED on a UNIX socket.
// A transport with no meaningful notion of locality (plain TCP) returns 0.
type LocalityResolver func(conn net.Conn) uint8

// CommandServerConfig configures a CommandServer.
type CommandServerConfig struct {
	Network           string // "tcp" or "unix"
	Address           string
	MaxConnections    int
	MaxCommandSize    uint32
	ReadHeaderTimeout time.Duration
	ResolveLocality   LocalityResolver
}

// CommandServer listens for TPM command connections and dispatches every
// framed command it reads into an Executor. Each accepted connection gets
// its own goroutine for I/O, but every command still serializes through the
// Executor's own lock — the server never holds engine state itself.
type CommandServer struct {
	cfg      CommandServerConfig
	exec     Executor
	log      *logging.Logger
	listener net.Listener

	mu      sync.Mutex
	conns   map[net.Conn]struct{}
	closing atomic.Bool
	wg      sync.WaitGroup
}

// NewCommandServer builds a server bound to exec; Start begins accepting.
func NewCommandServer(cfg CommandServerConfig, exec Executor, log *logging.Logger) *CommandServer {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 64
	}
	if cfg.MaxCommandSize == 0 {
		cfg.MaxCommandSize = 4096
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 30 * time.Second
	}
	if cfg.ResolveLocality == nil {
		cfg.ResolveLocality = func(net.Conn) uint8 { return 0 }
	}
	return &CommandServer{
		cfg:   cfg,
		exec:  exec,
		log:   log,
		conns: make(map[net.Conn]struct{}),
	}
}

// Start binds the listener and begins the accept loop in the background.
func (s *CommandServer) Start() error {
	listener, err := net.Listen(s.cfg.Network, s.cfg.Address)
	if err != nil {
		return fmt.Errorf("transport: listen %s %s: %w", s.cfg.Network, s.cfg.Address, err)
	}
	s.listener = listener
	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the bound listener's address, valid after Start.
func (s *CommandServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and every open connection, then waits for the
// accept loop and all connection handlers to exit.
func (s *CommandServer) Stop() error {
	if !s.closing.CompareAndSwap(false, true) {
		return nil
	}
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}

func (s *CommandServer) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.closing.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			if s.log != nil {
				s.log.Warn("transport: accept failed", "error", err)
			}
			continue
		}

		s.mu.Lock()
		if len(s.conns) >= s.cfg.MaxConnections {
			s.mu.Unlock()
			conn.Close()
			continue
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		locality := s.cfg.ResolveLocality(conn)

		s.wg.Add(1)
		go s.handleConn(conn, locality)
	}
}

func (s *CommandServer) handleConn(conn net.Conn, locality uint8) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadHeaderTimeout))

		raw, err := readCommand(conn, s.cfg.MaxCommandSize)
		if err != nil {
			if err != io.EOF && s.log != nil && !errors.Is(err, net.ErrClosed) {
				s.log.Debug("transport: command read ended", "error", err)
			}
			return
		}

		s.exec.SetLocality(locality)
		resp := s.exec.Execute(raw)

		conn.SetWriteDeadline(time.Now().Add(s.cfg.ReadHeaderTimeout))
		if _, err := conn.Write(resp); err != nil {
			return
		}
	}
}

// readCommand reads one full TPM command from r: the fixed 10-byte header,
// then the remainder of the body named by its paramSize field. The wire
// format is self-framing (paramSize covers the whole command including the
// header it appears in), so no separate length prefix is needed on top of
// it.
func readCommand(r io.Reader, maxSize uint32) ([]byte, error) {
	hdrBuf := make([]byte, wire.HeaderSize)
	if _, err := io.ReadFull(r, hdrBuf); err != nil {
		return nil, err
	}
	hdr, err := wire.ReadCommandHeader(hdrBuf)
	if err != nil {
		return nil, fmt.Errorf("transport: %w", err)
	}
	if hdr.ParamSize < uint32(wire.HeaderSize) {
		return nil, fmt.Errorf("transport: command paramSize %d shorter than header", hdr.ParamSize)
	}
	if maxSize > 0 && hdr.ParamSize > maxSize {
		return nil, fmt.Errorf("transport: command paramSize %d exceeds limit %d", hdr.ParamSize, maxSize)
	}
	raw := make([]byte, hdr.ParamSize)
	copy(raw, hdrBuf)
	if _, err := io.ReadFull(r, raw[wire.HeaderSize:]); err != nil {
		return nil, err
	}
	return raw, nil
}

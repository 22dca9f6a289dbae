package tss

import (
	"fmt"
	"net"
	"sync"
	"time"

	"tpmd/internal/tpmcrypto"
	"tpmd/internal/wire"
)

// Client is a connection to a running daemon's command socket. Every
// exported ordinal function hangs off it; callers needing several
// sessions concurrently open several Clients, one per connection,
// matching the daemon's own one-goroutine-per-connection model.
type Client struct {
	mu      sync.Mutex
	conn    net.Conn
	Timeout time.Duration
}

// Dial opens a connection to a daemon command socket. network/address
// follow net.Dial's own conventions ("tcp", "host:port" or "unix",
// "/path/to/socket").
func Dial(network, address string) (*Client, error) {
	conn, err := net.Dial(network, address)
	if err != nil {
		return nil, fmt.Errorf("tss: dial: %w", err)
	}
	return &Client{conn: conn, Timeout: 30 * time.Second}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// command sends one TPM request and returns the response's return code,
// parameter bytes, and any auth trailers, translating a non-Success
// return code into a *TPMError rather than requiring every ordinal
// function to check it by hand.
func (c *Client) command(tag wire.Tag, ordinal uint32, params []byte, trailers []wire.AuthTrailer) ([]byte, []wire.AuthTrailer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	body := params
	for _, t := range trailers {
		body = append(body, t.Marshal()...)
	}
	hdr := wire.CommandHeader{
		Tag:       tag,
		ParamSize: uint32(wire.HeaderSize + len(body)),
		Ordinal:   ordinal,
	}
	if c.Timeout > 0 {
		c.conn.SetDeadline(time.Now().Add(c.Timeout))
	}
	if _, err := c.conn.Write(append(hdr.Marshal(), body...)); err != nil {
		return nil, nil, fmt.Errorf("tss: write command: %w", err)
	}

	respHdrBuf := make([]byte, wire.HeaderSize)
	if _, err := readFull(c.conn, respHdrBuf); err != nil {
		return nil, nil, fmt.Errorf("tss: read response header: %w", err)
	}
	respHdr, err := wire.ReadResponseHeader(respHdrBuf)
	if err != nil {
		return nil, nil, fmt.Errorf("tss: parse response header: %w", err)
	}
	if respHdr.ParamSize < wire.HeaderSize {
		return nil, nil, fmt.Errorf("tss: response paramSize %d shorter than header", respHdr.ParamSize)
	}
	rest := make([]byte, respHdr.ParamSize-wire.HeaderSize)
	if len(rest) > 0 {
		if _, err := readFull(c.conn, rest); err != nil {
			return nil, nil, fmt.Errorf("tss: read response body: %w", err)
		}
	}

	numAuth := respHdr.Tag.NumAuthSessions()
	respTrailers, paramEnd, err := wire.ReadAuthTrailers(rest, numAuth)
	if err != nil {
		return nil, nil, fmt.Errorf("tss: parse response trailers: %w", err)
	}
	respParams := rest[:paramEnd]

	if respHdr.ReturnCode != wire.Success {
		return respParams, respTrailers, &TPMError{Ordinal: ordinal, Code: respHdr.ReturnCode}
	}
	return respParams, respTrailers, nil
}

// callAuth1 is the one-session-auth request/response round trip every
// single-auth ordinal function builds on: it attaches sess's auth
// trailer, sends the command, and verifies the response auth before
// handing the caller back the response parameters. A non-Success return
// code is still auth-verified (the daemon signs its failure responses
// too) and then reported as a *TPMError.
func (c *Client) callAuth1(sess *Session, ordinal uint32, params []byte, entityAuth tpmcrypto.Digest, continueAuth bool) ([]byte, error) {
	trailer, nonceOdd, err := sess.authorize(ordinal, params, entityAuth, continueAuth)
	if err != nil {
		return nil, err
	}
	respParams, respTrailers, cmdErr := c.command(tagFor(1), ordinal, params, []wire.AuthTrailer{trailer})
	rc := wire.Success
	if cmdErr != nil {
		tpmErr, ok := cmdErr.(*TPMError)
		if !ok {
			return nil, cmdErr
		}
		rc = tpmErr.Code
	}
	if len(respTrailers) != 1 {
		return nil, fmt.Errorf("tss: expected 1 response auth trailer for ordinal 0x%08x, got %d", ordinal, len(respTrailers))
	}
	if err := sess.verifyResponse(ordinal, rc, respParams, nonceOdd, respTrailers[0], entityAuth); err != nil {
		return nil, err
	}
	if rc != wire.Success {
		return respParams, &TPMError{Ordinal: ordinal, Code: rc}
	}
	return respParams, nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

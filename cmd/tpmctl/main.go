// tpmctl is the operational client for tpmd's control socket: ping,
// status, checkpoint-now, and shutdown.
// It is not a TPM command client — that is the tss package's job — but a
// thin wrapper over the daemon's own administrative protocol.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"tpmd/internal/config"
	"tpmd/internal/transport"
)

func main() {
	socketPath := flag.String("socket", "", "control socket path (default: "+config.DefaultConfig().ControlSocketPath+")")
	format := flag.String("format", "json", "status output format: json or yaml")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: tpmctl [-socket path] [-format json|yaml] <ping|status|checkpoint|shutdown>")
		os.Exit(2)
	}

	path := *socketPath
	if path == "" {
		path = config.DefaultConfig().ControlSocketPath
	}

	if err := run(path, flag.Arg(0), *format); err != nil {
		fmt.Fprintf(os.Stderr, "tpmctl: %v\n", err)
		os.Exit(1)
	}
}

func run(socketPath, command, format string) error {
	conn, err := net.DialTimeout("unix", socketPath, 5*time.Second)
	if err != nil {
		return fmt.Errorf("dial control socket: %w", err)
	}
	defer conn.Close()

	var msgType transport.MessageType
	switch command {
	case "ping":
		msgType = transport.MsgPing
	case "status":
		msgType = transport.MsgStatusRequest
	case "checkpoint":
		msgType = transport.MsgCheckpointNow
	case "shutdown":
		msgType = transport.MsgShutdown
	default:
		return fmt.Errorf("unknown command %q", command)
	}

	req := transport.NewControlMessage(msgType, 1, nil)
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := req.Write(conn); err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	if command == "shutdown" {
		// The daemon sends no reply to a shutdown request, so there is no
		// response to wait for.
		return nil
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	resp, err := transport.ReadControlMessage(conn)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	switch resp.Header.Type {
	case transport.MsgError:
		var payload transport.ErrorPayload
		if err := transport.Decode(resp.Payload, &payload); err != nil {
			return fmt.Errorf("daemon returned an error it could not decode: %w", err)
		}
		return fmt.Errorf("daemon: %s", payload.Message)

	case transport.MsgPong:
		fmt.Println("pong")
		return nil

	case transport.MsgCheckpointDone:
		var payload transport.CheckpointResponse
		if err := transport.Decode(resp.Payload, &payload); err != nil {
			return fmt.Errorf("decode checkpoint response: %w", err)
		}
		if !payload.OK {
			return fmt.Errorf("checkpoint failed: %s", payload.Error)
		}
		fmt.Println("checkpoint complete")
		return nil

	case transport.MsgStatusResponse:
		var status transport.StatusResponse
		if err := transport.Decode(resp.Payload, &status); err != nil {
			return fmt.Errorf("decode status response: %w", err)
		}
		return printStatus(status, format)

	default:
		return fmt.Errorf("unexpected response type 0x%04x", resp.Header.Type)
	}
}

func printStatus(status transport.StatusResponse, format string) error {
	var out []byte
	var err error
	switch format {
	case "yaml":
		out, err = yaml.Marshal(status)
	case "json", "":
		out, err = json.MarshalIndent(status, "", "  ")
	default:
		return fmt.Errorf("unknown format %q, want json or yaml", format)
	}
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

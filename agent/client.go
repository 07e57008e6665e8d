package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/anroOfCode/clawpot/types"
)

var (
	// ErrTransportUnavailable means the guest agent could not be reached,
	// e.g. it has not started listening yet.
	ErrTransportUnavailable = errors.New("guest transport unavailable")
	// ErrExecTimeout means no reply arrived in time. The request is
	// abandoned; the command may keep running in the guest.
	ErrExecTimeout = errors.New("exec timed out")
)

// AgentError is a protocol-level failure reported by the agent, distinct
// from the executed command's own exit code.
type AgentError struct {
	Message string
}

func (e *AgentError) Error() string { return "agent error: " + e.Message }

const handshakeTimeout = 2 * time.Second

// Client reaches one VM's guest agent through Firecracker's hybrid vsock:
// a host-side Unix socket where each connection is bound to a guest port via
// a textual CONNECT handshake.
type Client struct {
	udsPath string
	port    uint32
}

// NewClient builds a Client for the given host-side vsock UDS and guest port.
func NewClient(udsPath string, port uint32) *Client {
	return &Client{udsPath: udsPath, port: port}
}

// Exec sends one command to the guest agent and waits for the reply or the
// timeout. One connection per call; on timeout the connection is dropped and
// the request abandoned.
func (c *Client) Exec(ctx context.Context, command string, args []string, timeout time.Duration) (*types.ExecResult, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close() //nolint:errcheck

	deadline, _ := ctx.Deadline()
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set deadline: %w", err)
	}

	req := ExecRequest{
		ID:      uuid.NewString(),
		Command: command,
		Args:    args,
	}
	if err := WriteFrame(conn, &req); err != nil {
		return nil, wrapTimeout(err)
	}

	var resp ExecResponse
	if err := ReadFrame(conn, &resp); err != nil {
		return nil, wrapTimeout(err)
	}
	if resp.ID != req.ID {
		return nil, &AgentError{Message: fmt.Sprintf("correlation id mismatch: sent %s, got %s", req.ID, resp.ID)}
	}
	if resp.Error != "" {
		return nil, &AgentError{Message: resp.Error}
	}
	return &types.ExecResult{
		ExitCode: resp.ExitCode,
		Stdout:   resp.Stdout,
		Stderr:   resp.Stderr,
	}, nil
}

// Ping verifies the agent is reachable: a successful CONNECT handshake is
// enough, no request is sent.
func (c *Client) Ping(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	return conn.Close()
}

// dial connects to the UDS and performs the CONNECT handshake:
//
//	→ CONNECT <port>\n
//	← OK <hostport>\n
//
// Any failure maps to ErrTransportUnavailable.
func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.udsPath)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrTransportUnavailable, c.udsPath, err)
	}

	_ = conn.SetDeadline(time.Now().Add(handshakeTimeout))
	if _, err := fmt.Fprintf(conn, "CONNECT %d\n", c.port); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: handshake write: %v", ErrTransportUnavailable, err)
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: handshake read: %v", ErrTransportUnavailable, err)
	}
	if !strings.HasPrefix(line, "OK ") {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: handshake refused: %s", ErrTransportUnavailable, strings.TrimSpace(line))
	}
	_ = conn.SetDeadline(time.Time{})
	return conn, nil
}

// wrapTimeout maps I/O deadline errors to ErrExecTimeout, leaving other
// failures untouched.
func wrapTimeout(err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ErrExecTimeout
	}
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return ErrExecTimeout
	}
	return err
}

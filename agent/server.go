package agent

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/projecteru2/core/log"
)

// Serve runs the guest-side accept loop on l until ctx is cancelled or the
// listener fails. Each connection carries a sequence of request/response
// pairs; requests on one connection are handled one at a time.
func Serve(ctx context.Context, l net.Listener) error {
	logger := log.WithFunc("agent.Serve")

	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go func() {
			defer conn.Close() //nolint:errcheck
			if err := handleConn(ctx, conn); err != nil {
				logger.Warnf(ctx, "connection closed: %v", err)
			}
		}()
	}
}

// handleConn reads frames until EOF, executing each request in turn.
func handleConn(ctx context.Context, conn net.Conn) error {
	for {
		var req ExecRequest
		if err := ReadFrame(conn, &req); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			// Undecodable input: report and drop the connection, the
			// framing is no longer trustworthy.
			_ = WriteFrame(conn, &ExecResponse{Error: "bad request: " + err.Error()})
			return err
		}
		if req.Command == "" {
			if err := WriteFrame(conn, &ExecResponse{ID: req.ID, Error: "empty command"}); err != nil {
				return err
			}
			continue
		}
		log.WithFunc("agent.handleConn").Infof(ctx, "exec %s %v", req.Command, req.Args)
		if err := WriteFrame(conn, runCommand(ctx, &req)); err != nil {
			return err
		}
	}
}

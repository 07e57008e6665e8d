package agent

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/projecteru2/core/log"
	coretypes "github.com/projecteru2/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	_ = log.SetupLog(context.TODO(), &coretypes.ServerLogConfig{Level: "debug"}, "")
	os.Exit(m.Run())
}

func startServer(t *testing.T) net.Conn {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	sock := filepath.Join(t.TempDir(), "agent.sock")
	l, err := net.Listen("unix", sock)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- Serve(ctx, l) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})

	conn, err := net.Dial("unix", sock)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestServeExecRoundTrip(t *testing.T) {
	conn := startServer(t)

	require.NoError(t, WriteFrame(conn, &ExecRequest{ID: "a", Command: "echo", Args: []string{"hi"}}))
	var resp ExecResponse
	require.NoError(t, ReadFrame(conn, &resp))
	assert.Equal(t, "a", resp.ID)
	assert.Equal(t, 0, resp.ExitCode)
	assert.Equal(t, "hi\n", string(resp.Stdout))

	// The connection carries further requests.
	require.NoError(t, WriteFrame(conn, &ExecRequest{ID: "b", Command: "sh", Args: []string{"-c", "exit 3"}}))
	require.NoError(t, ReadFrame(conn, &resp))
	assert.Equal(t, "b", resp.ID)
	assert.Equal(t, 3, resp.ExitCode)
}

func TestServeRejectsEmptyCommand(t *testing.T) {
	conn := startServer(t)

	require.NoError(t, WriteFrame(conn, &ExecRequest{ID: "empty"}))
	var resp ExecResponse
	require.NoError(t, ReadFrame(conn, &resp))
	assert.Equal(t, "empty", resp.ID)
	assert.Equal(t, "empty command", resp.Error)

	// The connection survives a rejected request.
	require.NoError(t, WriteFrame(conn, &ExecRequest{ID: "ok", Command: "true"}))
	require.NoError(t, ReadFrame(conn, &resp))
	assert.Equal(t, "ok", resp.ID)
}

func TestServeDropsConnOnBadFrame(t *testing.T) {
	conn := startServer(t)

	// A valid header followed by a non-JSON body poisons the framing.
	_, err := conn.Write([]byte{0, 0, 0, 3, 'z', 'z', 'z'})
	require.NoError(t, err)

	var resp ExecResponse
	require.NoError(t, ReadFrame(conn, &resp))
	assert.Contains(t, resp.Error, "bad request")

	// The server hangs up after reporting the error.
	assert.Error(t, ReadFrame(conn, &resp))
}

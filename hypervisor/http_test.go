package hypervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startSocketServer serves handler on a Unix socket and returns its path.
func startSocketServer(t *testing.T, handler http.Handler) string {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "api.sock")
	l, err := net.Listen("unix", sock)
	require.NoError(t, err)

	srv := &http.Server{Handler: handler} //nolint:gosec // test server
	go srv.Serve(l)                       //nolint:errcheck
	t.Cleanup(func() { _ = srv.Close() })
	return sock
}

func TestDoPUT(t *testing.T) {
	type payload struct {
		Name string `json:"name"`
	}
	var gotBody payload
	var gotContentType string
	sock := startSocketServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		require.Equal(t, "/boot-source", r.URL.Path)
		gotContentType = r.Header.Get("Content-Type")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusNoContent)
	}))

	err := DoPUT(context.Background(), sock, "/boot-source", payload{Name: "vmlinux"})
	require.NoError(t, err)
	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, "vmlinux", gotBody.Name)
}

func TestDoPUTFaultMessage(t *testing.T) {
	sock := startSocketServer(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"fault_message": "The requested resource is busy"}`)
	}))

	err := DoPUT(context.Background(), sock, "/drives/rootfs", nil)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Code)
	assert.Contains(t, apiErr.Message, "The requested resource is busy")
}

func TestDoPUTRawBodyFallback(t *testing.T) {
	sock := startSocketServer(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "plain text failure", http.StatusInternalServerError)
	}))

	err := DoPUT(context.Background(), sock, "/vsock", nil)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Contains(t, apiErr.Message, "plain text failure")
}

func TestDoGET(t *testing.T) {
	sock := startSocketServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/", r.URL.Path)
		fmt.Fprint(w, `{"id": "vm-1", "state": "Running"}`)
	}))

	var out struct {
		ID    string `json:"id"`
		State string `json:"state"`
	}
	require.NoError(t, DoGET(context.Background(), sock, "/", &out))
	assert.Equal(t, "vm-1", out.ID)
	assert.Equal(t, "Running", out.State)
}

func TestCheckSocket(t *testing.T) {
	sock := startSocketServer(t, http.NotFoundHandler())
	assert.NoError(t, CheckSocket(sock))
	assert.Error(t, CheckSocket(filepath.Join(t.TempDir(), "missing.sock")))
}

func TestDoWithRetryTransient(t *testing.T) {
	var calls atomic.Int32
	sock := startSocketServer(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	err := DoWithRetry(context.Background(), func() error {
		return DoPUT(context.Background(), sock, "/machine-config", nil)
	})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDoWithRetryTerminal(t *testing.T) {
	var calls atomic.Int32
	sock := startSocketServer(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))

	err := DoWithRetry(context.Background(), func() error {
		return DoPUT(context.Background(), sock, "/machine-config", nil)
	})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "4xx must not be retried")
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(&APIError{Code: http.StatusBadRequest}))
	assert.True(t, IsRetryable(&APIError{Code: http.StatusServiceUnavailable}))
	assert.True(t, IsRetryable(&APIError{Code: http.StatusTooManyRequests}))
	assert.True(t, IsRetryable(errors.New("dial unix: connection refused")))
}

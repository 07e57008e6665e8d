package firecracker

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anroOfCode/clawpot/config"
	"github.com/anroOfCode/clawpot/hypervisor"
)

func testDriver(t *testing.T) *Firecracker {
	t.Helper()
	conf := config.DefaultConfig()
	conf.RunDir = t.TempDir()
	conf.LogDir = t.TempDir()
	fc, err := New(conf)
	require.NoError(t, err)
	return fc
}

// apiRecorder is a fake firecracker API that records request order.
type apiRecorder struct {
	mu       sync.Mutex
	paths    []string
	bodies   map[string]json.RawMessage
	rejected string // path that returns 400
}

func (a *apiRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var body json.RawMessage
	_ = json.NewDecoder(r.Body).Decode(&body)
	a.paths = append(a.paths, r.URL.Path)
	if a.bodies == nil {
		a.bodies = map[string]json.RawMessage{}
	}
	a.bodies[r.URL.Path] = body

	if r.URL.Path == a.rejected {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, `{"fault_message": "%s rejected"}`, r.URL.Path)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func startAPI(t *testing.T, rec *apiRecorder) string {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "api.sock")
	l, err := net.Listen("unix", sock)
	require.NoError(t, err)
	srv := &http.Server{Handler: rec} //nolint:gosec // test server
	go srv.Serve(l)                   //nolint:errcheck
	t.Cleanup(func() { _ = srv.Close() })
	return sock
}

func testInstance(sock string) *hypervisor.Instance {
	return &hypervisor.Instance{
		ID:         "vm-test",
		SocketPath: sock,
		VsockPath:  "/run/test/vsock.sock",
		KernelPath: "/assets/vmlinux",
		RootfsPath: "/run/test/rootfs.ext4",
		BootArgs:   "console=ttyS0",
		VCPUs:      2,
		MemoryMiB:  512,
		TapDevice:  "cp-tap4",
		GuestCID:   7,
	}
}

func TestConfigureOrder(t *testing.T) {
	rec := &apiRecorder{}
	sock := startAPI(t, rec)
	fc := testDriver(t)

	require.NoError(t, fc.Configure(context.Background(), testInstance(sock)))
	assert.Equal(t, []string{
		"/machine-config",
		"/boot-source",
		"/drives/rootfs",
		"/network-interfaces/eth0",
		"/vsock",
	}, rec.paths)

	var mc fcMachineConfig
	require.NoError(t, json.Unmarshal(rec.bodies["/machine-config"], &mc))
	assert.Equal(t, 2, mc.VCPUCount)
	assert.Equal(t, int64(512), mc.MemSizeMiB)

	var vs fcVsock
	require.NoError(t, json.Unmarshal(rec.bodies["/vsock"], &vs))
	assert.Equal(t, uint32(7), vs.GuestCID)
	assert.Equal(t, "/run/test/vsock.sock", vs.UDSPath)
}

func TestConfigureSkipsNetworkWithoutTap(t *testing.T) {
	rec := &apiRecorder{}
	sock := startAPI(t, rec)
	fc := testDriver(t)

	inst := testInstance(sock)
	inst.TapDevice = ""
	require.NoError(t, fc.Configure(context.Background(), inst))
	assert.NotContains(t, rec.paths, "/network-interfaces/eth0")
}

func TestConfigureNamesRejectingSubsystem(t *testing.T) {
	rec := &apiRecorder{rejected: "/boot-source"}
	sock := startAPI(t, rec)
	fc := testDriver(t)

	err := fc.Configure(context.Background(), testInstance(sock))
	require.ErrorIs(t, err, hypervisor.ErrConfigurationRejected)
	assert.Contains(t, err.Error(), "boot-source")
	// The sequence stops at the first rejection.
	assert.Equal(t, []string{"/machine-config", "/boot-source"}, rec.paths)
}

func TestStartInstance(t *testing.T) {
	rec := &apiRecorder{}
	sock := startAPI(t, rec)
	fc := testDriver(t)

	require.NoError(t, fc.StartInstance(context.Background(), testInstance(sock)))
	var action fcAction
	require.NoError(t, json.Unmarshal(rec.bodies["/actions"], &action))
	assert.Equal(t, "InstanceStart", action.ActionType)
}

func TestStartInstanceRejected(t *testing.T) {
	rec := &apiRecorder{rejected: "/actions"}
	sock := startAPI(t, rec)
	fc := testDriver(t)

	err := fc.StartInstance(context.Background(), testInstance(sock))
	assert.ErrorIs(t, err, hypervisor.ErrInstanceStartFailed)
}

func TestQueryStatus(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "api.sock")
	l, err := net.Listen("unix", sock)
	require.NoError(t, err)
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { //nolint:gosec
		require.Equal(t, "/", r.URL.Path)
		fmt.Fprint(w, `{"id": "vm-test", "state": "Running", "vmm_version": "1.7.0"}`)
	})}
	go srv.Serve(l) //nolint:errcheck
	t.Cleanup(func() { _ = srv.Close() })

	fc := testDriver(t)
	status, err := fc.QueryStatus(context.Background(), testInstance(sock))
	require.NoError(t, err)
	assert.Equal(t, "vm-test", status.ID)
	assert.Equal(t, "Running", status.State)
	assert.Equal(t, "1.7.0", status.Version)
}

func TestSpawnRejectsExistingSocket(t *testing.T) {
	fc := testDriver(t)
	sock := startAPI(t, &apiRecorder{}) // occupies the socket path

	_, err := fc.Spawn(context.Background(), testInstance(sock))
	assert.ErrorIs(t, err, hypervisor.ErrSpawnFailed)
}

func TestAwaitSocketReadyDeadProcess(t *testing.T) {
	fc := testDriver(t)
	fc.conf.Firecracker.SocketWaitSeconds = 1

	inst := testInstance(filepath.Join(t.TempDir(), "never.sock"))
	// A PID from the far end of the default pid_max range is not in use.
	err := fc.AwaitSocketReady(context.Background(), inst, 1<<22-1)
	assert.ErrorIs(t, err, hypervisor.ErrSocketTimeout)
}

func TestCleanupFilesIdempotent(t *testing.T) {
	fc := testDriver(t)
	inst := testInstance(filepath.Join(t.TempDir(), "api.sock"))
	inst.PIDFile = filepath.Join(t.TempDir(), "fc.pid")
	inst.VsockPath = filepath.Join(t.TempDir(), "vsock.sock")

	fc.CleanupFiles(inst)
	fc.CleanupFiles(inst)
}

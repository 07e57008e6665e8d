package hypervisor

import (
	"context"
	"errors"
)

// Error taxonomy for the bring-up sequence. Each step failure is wrapped
// around one of these so callers can tell transient conditions (socket not
// yet ready) from terminal ones (configuration rejected).
var (
	ErrSpawnFailed           = errors.New("hypervisor process spawn failed")
	ErrSocketTimeout         = errors.New("hypervisor control socket never became ready")
	ErrConfigurationRejected = errors.New("hypervisor rejected configuration")
	ErrInstanceStartFailed   = errors.New("instance start rejected")
)

// Instance describes one microVM handed to the driver: where its control
// socket and vsock UDS live, what to boot, and which host devices to attach.
type Instance struct {
	ID         string
	SocketPath string
	VsockPath  string
	PIDFile    string
	LogPath    string

	KernelPath string
	RootfsPath string
	BootArgs   string

	VCPUs     int
	MemoryMiB int64

	TapDevice string
	GuestCID  uint32
}

// Status is the hypervisor's own view of an instance.
type Status struct {
	ID      string `json:"id"`
	State   string `json:"state"` // "Not started", "Running", "Paused"
	Version string `json:"vmm_version"`
}

// Driver owns the hypervisor process for each VM and speaks its control
// protocol over a private Unix socket. Configuration must happen in a fixed
// order (machine config, boot source, drives, network interfaces, vsock,
// then start); Configure encodes that order as a single composed operation.
type Driver interface {
	// Spawn launches the hypervisor process. The caller owns the returned
	// PID and must eventually pass it to Terminate.
	Spawn(ctx context.Context, inst *Instance) (pid int, err error)

	// AwaitSocketReady polls for the control socket to become connectable.
	// The socket is created asynchronously after spawn; this is the only
	// step in the bring-up sequence that is retried.
	AwaitSocketReady(ctx context.Context, inst *Instance, pid int) error

	// Configure issues the ordered configuration calls. A failure names the
	// rejecting subsystem and wraps ErrConfigurationRejected.
	Configure(ctx context.Context, inst *Instance) error

	// StartInstance transitions the hypervisor from configured to running.
	StartInstance(ctx context.Context, inst *Instance) error

	// Terminate shuts the process down: graceful signal, bounded grace
	// period, then SIGKILL. The process is always reaped.
	Terminate(ctx context.Context, inst *Instance, pid int) error

	// QueryStatus reads the instance state from the control socket.
	QueryStatus(ctx context.Context, inst *Instance) (*Status, error)

	// CleanupFiles removes the control socket, vsock UDS, and PID file.
	// Safe to call when they are already gone.
	CleanupFiles(inst *Instance)
}

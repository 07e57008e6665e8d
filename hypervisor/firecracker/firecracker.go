// Package firecracker drives the Firecracker VMM: it owns the OS process for
// each microVM and speaks the configuration/control API over the per-VM Unix
// socket.
package firecracker

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/anroOfCode/clawpot/config"
	"github.com/anroOfCode/clawpot/hypervisor"
	"github.com/anroOfCode/clawpot/utils"
)

const socketPollInterval = 100 * time.Millisecond

// compile-time interface check.
var _ hypervisor.Driver = (*Firecracker)(nil)

// Firecracker implements hypervisor.Driver using the firecracker VMM.
type Firecracker struct {
	conf *config.Config
}

// New creates a Firecracker driver.
func New(conf *config.Config) (*Firecracker, error) {
	if err := conf.EnsureFCDirs(); err != nil {
		return nil, fmt.Errorf("ensure dirs: %w", err)
	}
	return &Firecracker{conf: conf}, nil
}

// Spawn launches the firecracker process for inst. Fails if the control
// socket path is already in use by a previous instance.
func (fc *Firecracker) Spawn(ctx context.Context, inst *hypervisor.Instance) (int, error) {
	if _, err := os.Stat(inst.SocketPath); err == nil {
		return 0, fmt.Errorf("%w: socket %s already exists", hypervisor.ErrSpawnFailed, inst.SocketPath)
	}

	logFile, _ := os.Create(inst.LogPath) //nolint:gosec // internal log path

	// Plain Command, not CommandContext: the VMM must outlive the create
	// call's context.
	cmd := exec.Command(fc.conf.Firecracker.Binary, //nolint:gosec
		"--api-sock", inst.SocketPath,
		"--id", inst.ID,
	)
	// Own process group: signals to the control plane must not reach the VMM.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if logFile != nil {
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	}

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			_ = logFile.Close()
		}
		return 0, fmt.Errorf("%w: exec %s: %v", hypervisor.ErrSpawnFailed, fc.conf.Firecracker.Binary, err)
	}
	pid := cmd.Process.Pid

	// Reap asynchronously; Terminate only signals, the Wait here collects
	// the exit status exactly once on every path.
	go func() {
		_ = cmd.Wait()
		if logFile != nil {
			_ = logFile.Close()
		}
	}()

	if err := utils.WritePIDFile(inst.PIDFile, pid); err != nil {
		_ = cmd.Process.Kill()
		return 0, fmt.Errorf("%w: write PID file: %v", hypervisor.ErrSpawnFailed, err)
	}
	return pid, nil
}

// AwaitSocketReady polls until the control socket is connectable, the
// process exits, or the configured timeout fires.
func (fc *Firecracker) AwaitSocketReady(ctx context.Context, inst *hypervisor.Instance, pid int) error {
	timeout := time.Duration(fc.conf.Firecracker.SocketWaitSeconds) * time.Second
	err := utils.WaitFor(ctx, timeout, socketPollInterval, func() (bool, error) {
		if !utils.IsProcessAlive(pid) {
			return false, fmt.Errorf("%w: firecracker exited before socket was ready", hypervisor.ErrSocketTimeout)
		}
		return hypervisor.CheckSocket(inst.SocketPath) == nil, nil
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %v", hypervisor.ErrSocketTimeout, inst.SocketPath, err)
	}
	return nil
}

// Terminate shuts the VMM down: SendCtrlAltDel asks the guest to reboot into
// Firecracker's exit path, then SIGTERM → SIGKILL after the grace period.
// The PID is verified against the binary name so a reused PID is never
// signalled.
func (fc *Firecracker) Terminate(ctx context.Context, inst *hypervisor.Instance, pid int) error {
	if err := fc.sendCtrlAltDel(ctx, inst.SocketPath); err != nil {
		log.WithFunc("firecracker.Terminate").Warnf(ctx, "ctrl-alt-del %s: %v", inst.ID, err)
	}
	if !utils.VerifyProcess(pid, filepath.Base(fc.conf.Firecracker.Binary)) {
		return nil
	}
	grace := time.Duration(fc.conf.Firecracker.StopTimeoutSeconds) * time.Second
	return utils.TerminateProcess(ctx, pid, grace)
}

// QueryStatus reads the instance state via GET /.
func (fc *Firecracker) QueryStatus(ctx context.Context, inst *hypervisor.Instance) (*hypervisor.Status, error) {
	var info fcInstanceInfo
	if err := hypervisor.DoGET(ctx, inst.SocketPath, "/", &info); err != nil {
		return nil, err
	}
	return &hypervisor.Status{ID: info.ID, State: info.State, Version: info.VMMVersion}, nil
}

// CleanupFiles removes the control socket, vsock UDS, and PID file.
func (fc *Firecracker) CleanupFiles(inst *hypervisor.Instance) {
	_ = os.Remove(inst.SocketPath)
	_ = os.Remove(inst.VsockPath)
	_ = os.Remove(inst.PIDFile)
}

func (fc *Firecracker) sendCtrlAltDel(ctx context.Context, socketPath string) error {
	return hypervisor.DoPUT(ctx, socketPath, "/actions", fcAction{ActionType: actionSendCtrlAltDel})
}

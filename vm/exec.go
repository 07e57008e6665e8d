package vm

import (
	"context"
	"fmt"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/anroOfCode/clawpot/types"
)

// Exec runs a command inside the guest over the VM's vsock transport and
// waits for the result. Commands on one VM run strictly one at a time: a
// second call blocks on the exec lock until the first finishes or ctx
// expires. On timeout the connection is torn down and the command keeps
// running in the guest; there is no remote cancellation.
func (m *Manager) Exec(ctx context.Context, id, command string, args []string, timeout time.Duration) (*types.ExecResult, error) {
	logger := log.WithFunc("vm.Exec")

	r, ok := m.lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := r.execLock.Lock(ctx); err != nil {
		return nil, err
	}
	defer r.execLock.Unlock(context.TODO()) //nolint:errcheck

	// Check under the exec lock: delete flips the state to stopping before
	// it waits for this lock, so a drained exec cannot race a teardown.
	if state := r.state(); state != types.VMStateRunning {
		return nil, fmt.Errorf("%w: %s is %s", ErrVMNotRunning, id, state)
	}

	client := m.dial(m.conf.FCVMVsockPath(id), m.conf.Network.AgentPort)
	start := time.Now()
	res, err := client.Exec(ctx, command, args, timeout)
	elapsed := time.Since(start)

	fields := map[string]any{
		"command":     command,
		"duration_ms": elapsed.Milliseconds(),
	}
	if err != nil {
		fields["error"] = err.Error()
		m.emit("exec.failed", "exec", id, fields)
		logger.Errorf(ctx, err, "exec %q on %s after %s", command, id, elapsed)
		return nil, err
	}
	fields["exit_code"] = res.ExitCode
	m.emit("exec.finished", "exec", id, fields)
	logger.Debugf(ctx, "exec %q on %s: exit %d in %s", command, id, res.ExitCode, elapsed)
	return res, nil
}

// Ping checks that the guest agent is reachable over vsock. Unlike Exec it
// does not take the exec lock; the handshake carries no command state.
func (m *Manager) Ping(ctx context.Context, id string) error {
	r, ok := m.lookup(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if state := r.state(); state != types.VMStateRunning {
		return fmt.Errorf("%w: %s is %s", ErrVMNotRunning, id, state)
	}
	return m.dial(m.conf.FCVMVsockPath(id), m.conf.Network.AgentPort).Ping(ctx)
}

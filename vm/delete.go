package vm

import (
	"context"
	"os"

	"github.com/projecteru2/core/log"

	"github.com/anroOfCode/clawpot/types"
)

// Delete stops a VM and releases everything it holds. Idempotent: deleting
// an unknown or already-deleted ID succeeds. Teardown is best-effort: a
// guest that ignores the graceful signal is killed and a missing TAP device
// counts as already released, so delete converges instead of wedging.
func (m *Manager) Delete(ctx context.Context, id string) error {
	logger := log.WithFunc("vm.Delete")

	r, ok := m.lookup(id)
	if !ok {
		return nil
	}
	if err := r.lifecycle.Lock(ctx); err != nil {
		return err
	}
	defer r.lifecycle.Unlock(context.TODO()) //nolint:errcheck

	// A concurrent delete may have finished while we waited for the lock.
	if cur, ok := m.lookup(id); !ok || cur != r {
		return nil
	}

	switch r.state() {
	case types.VMStateStopped, types.VMStateNotStarted:
		m.remove(id)
		return nil
	default:
	}

	// A retried delete finds the record already in stopping; re-entering the
	// state would be an illegal self-edge.
	if r.state() != types.VMStateStopping {
		if err := m.setState(ctx, r, types.VMStateStopping); err != nil {
			return err
		}
	}

	// Drain any in-flight exec before the transport disappears. Lock order is
	// lifecycle first, exec second, everywhere.
	if err := r.execLock.Lock(ctx); err != nil {
		return err
	}
	defer r.execLock.Unlock(context.TODO()) //nolint:errcheck

	logger.Infof(ctx, "deleting VM %s", id)
	m.teardown(ctx, r)

	if err := m.setState(ctx, r, types.VMStateStopped); err != nil {
		return err
	}
	m.remove(id)
	m.emit("vm.delete", "vm", id, nil)
	return nil
}

// teardown releases whatever the record currently holds: hypervisor process,
// runtime files, rootfs copy, network lease. Shared by delete and the create
// failure path; a second call is a no-op because clearRuntime drops the
// handles. Errors are logged, not surfaced: teardown always converges.
func (m *Manager) teardown(ctx context.Context, r *record) {
	logger := log.WithFunc("vm.teardown")
	id := r.info.ID
	pid, inst, lease := r.runtime()

	if inst != nil {
		if pid != 0 {
			if err := m.driver.Terminate(ctx, inst, pid); err != nil {
				logger.Errorf(ctx, err, "terminate hypervisor for %s (pid %d)", id, pid)
			}
		}
		m.driver.CleanupFiles(inst)
	}

	if err := os.RemoveAll(m.conf.FCVMRunDir(id)); err != nil {
		logger.Errorf(ctx, err, "remove run dir for %s", id)
	}

	if lease != nil {
		if err := m.network.Release(ctx, lease); err != nil {
			logger.Errorf(ctx, err, "release network lease %s for %s", lease.IP, id)
		} else {
			m.emit("network.release", "network", id, map[string]any{
				"ip":  lease.IP.String(),
				"tap": lease.TapDevice,
			})
		}
	}

	r.clearRuntime()
}

package vm

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/projecteru2/core/log"

	"github.com/anroOfCode/clawpot/hypervisor"
	"github.com/anroOfCode/clawpot/lock/memory"
	"github.com/anroOfCode/clawpot/types"
	"github.com/anroOfCode/clawpot/utils"
)

// Create provisions and boots a new microVM: allocate a network lease, copy
// the base rootfs, spawn the hypervisor, configure it, and start the guest.
// On any failure the record moves to the error state with all resources
// released; the record stays in the registry until deleted so the failure is
// inspectable.
func (m *Manager) Create(ctx context.Context, spec types.VMConfig) (*types.VMInfo, error) {
	logger := log.WithFunc("vm.Create")
	if err := m.validateSpec(spec); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	now := time.Now()
	r := &record{
		lifecycle: memory.New(id + ":lifecycle"),
		execLock:  memory.New(id + ":exec"),
		info: types.VMInfo{
			ID:        id,
			State:     types.VMStateNotStarted,
			Config:    spec,
			CreatedAt: now,
			UpdatedAt: now,
		},
	}

	// Take the lifecycle lock before the record is visible, so a concurrent
	// delete blocks until bring-up settles in running or error.
	if err := r.lifecycle.Lock(ctx); err != nil {
		return nil, err
	}
	defer r.lifecycle.Unlock(context.TODO()) //nolint:errcheck

	m.mu.Lock()
	m.vms[id] = r
	m.mu.Unlock()
	m.emit("vm.create", "vm", id, map[string]any{
		"vcpus":      spec.VCPUs,
		"memory_mib": spec.MemoryMiB,
	})

	logger.Infof(ctx, "creating VM %s (%d vCPU, %d MiB)", id, spec.VCPUs, spec.MemoryMiB)
	if err := m.bringUp(ctx, r); err != nil {
		logger.Errorf(ctx, err, "bring-up failed for %s", id)
		return nil, err
	}

	logger.Infof(ctx, "VM %s is running", id)
	info := r.snapshot()
	return &info, nil
}

func (m *Manager) validateSpec(spec types.VMConfig) error {
	fcConf := m.conf.Firecracker
	if spec.VCPUs <= 0 || spec.VCPUs > fcConf.MaxVCPUs {
		return fmt.Errorf("invalid vcpu count %d (max %d)", spec.VCPUs, fcConf.MaxVCPUs)
	}
	if spec.MemoryMiB <= 0 || spec.MemoryMiB > fcConf.MaxMemoryMiB {
		return fmt.Errorf("invalid memory size %d MiB (max %d)", spec.MemoryMiB, fcConf.MaxMemoryMiB)
	}
	if !utils.ValidFile(fcConf.KernelImagePath) {
		return fmt.Errorf("kernel image %s not found", fcConf.KernelImagePath)
	}
	if !utils.ValidFile(fcConf.RootfsImagePath) {
		return fmt.Errorf("rootfs image %s not found", fcConf.RootfsImagePath)
	}
	return nil
}

// bringUp walks the start sequence. Caller holds the lifecycle lock.
func (m *Manager) bringUp(ctx context.Context, r *record) error {
	id := r.info.ID
	if err := m.setState(ctx, r, types.VMStateStarting); err != nil {
		return err
	}

	fail := func(phase string, err error) error {
		m.teardown(ctx, r)
		_ = m.setState(ctx, r, types.VMStateError)
		return &OpError{ID: id, Phase: phase, Err: err}
	}

	if err := m.conf.EnsureFCVMDirs(id); err != nil {
		return fail("prepare-dirs", err)
	}

	lease, err := m.network.Allocate(ctx)
	if err != nil {
		return fail("allocate-network", err)
	}
	r.setLease(lease)
	m.emit("network.allocate", "network", id, map[string]any{
		"ip":  lease.IP.String(),
		"tap": lease.TapDevice,
		"cid": lease.GuestCID,
	})

	if err := utils.CopyFile(m.conf.Firecracker.RootfsImagePath, m.conf.FCVMRootfsPath(id)); err != nil {
		return fail("prepare-rootfs", err)
	}

	inst := m.buildInstance(id, r.snapshot().Config, lease)
	r.setInstance(inst)

	pid, err := m.driver.Spawn(ctx, inst)
	if err != nil {
		return fail("spawn", err)
	}
	r.setPID(pid)

	if err := m.driver.AwaitSocketReady(ctx, inst, pid); err != nil {
		return fail("await-socket", err)
	}
	if err := m.driver.Configure(ctx, inst); err != nil {
		return fail("configure", err)
	}
	if err := m.driver.StartInstance(ctx, inst); err != nil {
		return fail("start-instance", err)
	}

	return m.setState(ctx, r, types.VMStateRunning)
}

// buildInstance maps a VM record onto the hypervisor's view of it. The kernel
// command line gains the static ip= clause derived from the lease.
func (m *Manager) buildInstance(id string, spec types.VMConfig, lease *types.NetworkLease) *hypervisor.Instance {
	fcConf := m.conf.Firecracker
	return &hypervisor.Instance{
		ID:         id,
		SocketPath: m.conf.FCVMSocketPath(id),
		VsockPath:  m.conf.FCVMVsockPath(id),
		PIDFile:    m.conf.FCVMPIDFile(id),
		LogPath:    m.conf.FCVMProcessLog(id),

		KernelPath: fcConf.KernelImagePath,
		RootfsPath: m.conf.FCVMRootfsPath(id),
		BootArgs:   fcConf.BootArgs + " " + lease.GuestIPBootArg(),

		VCPUs:     spec.VCPUs,
		MemoryMiB: spec.MemoryMiB,

		TapDevice: lease.TapDevice,
		GuestCID:  lease.GuestCID,
	}
}

package firecracker

import (
	"context"
	"fmt"

	"github.com/anroOfCode/clawpot/hypervisor"
)

// Configure issues the configuration sequence in the order the firecracker
// API requires: machine config, boot source, drives, network interfaces,
// vsock. Boot resources must be declared before the instance is started, so
// the order lives here rather than with the caller. The first rejected call
// aborts the sequence with the subsystem named.
func (fc *Firecracker) Configure(ctx context.Context, inst *hypervisor.Instance) error {
	steps := []struct {
		subsystem string
		path      string
		body      any
	}{
		{"machine-config", "/machine-config", fcMachineConfig{
			VCPUCount:  inst.VCPUs,
			MemSizeMiB: inst.MemoryMiB,
		}},
		{"boot-source", "/boot-source", fcBootSource{
			KernelImagePath: inst.KernelPath,
			BootArgs:        inst.BootArgs,
		}},
		{"drives", "/drives/rootfs", fcDrive{
			DriveID:      "rootfs",
			PathOnHost:   inst.RootfsPath,
			IsRootDevice: true,
			IsReadOnly:   false,
		}},
		{"network-interfaces", "/network-interfaces/eth0", fcNetworkInterface{
			IfaceID:     "eth0",
			HostDevName: inst.TapDevice,
		}},
		{"vsock", "/vsock", fcVsock{
			GuestCID: inst.GuestCID,
			UDSPath:  inst.VsockPath,
		}},
	}

	for _, step := range steps {
		if step.subsystem == "network-interfaces" && inst.TapDevice == "" {
			continue
		}
		if err := hypervisor.DoPUT(ctx, inst.SocketPath, step.path, step.body); err != nil {
			return fmt.Errorf("%w: %s: %v", hypervisor.ErrConfigurationRejected, step.subsystem, err)
		}
	}
	return nil
}

// StartInstance issues the InstanceStart action. Failure here means the VM
// never reached running.
func (fc *Firecracker) StartInstance(ctx context.Context, inst *hypervisor.Instance) error {
	if err := hypervisor.DoPUT(ctx, inst.SocketPath, "/actions", fcAction{ActionType: actionInstanceStart}); err != nil {
		return fmt.Errorf("%w: %v", hypervisor.ErrInstanceStartFailed, err)
	}
	return nil
}

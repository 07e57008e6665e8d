package config

import (
	"path/filepath"

	"github.com/anroOfCode/clawpot/utils"
)

// EnsureFCDirs creates all static directories required by the firecracker
// driver. Per-VM runtime and log directories are created on demand via
// EnsureFCVMDirs.
func (c *Config) EnsureFCDirs() error {
	return utils.EnsureDirs(
		c.FCRunDir(),
		c.fcLogDir(),
	)
}

// EnsureFCVMDirs creates per-VM runtime and log directories.
// Called when a VM record is created.
func (c *Config) EnsureFCVMDirs(vmID string) error {
	return utils.EnsureDirs(
		c.FCVMRunDir(vmID),
		c.FCVMLogDir(vmID),
	)
}

// FCRunDir is the parent of all per-VM runtime directories.
func (c *Config) FCRunDir() string { return filepath.Join(c.RunDir, "firecracker") }

// InstanceLock guards the run dir against a second control plane sharing
// the same bridge and address pool.
func (c *Config) InstanceLock() string { return filepath.Join(c.RunDir, "clawpot.lock") }

func (c *Config) FCVMRunDir(vmID string) string {
	return filepath.Join(c.FCRunDir(), vmID)
}

// FCVMSocketPath is the firecracker API Unix socket for one VM.
func (c *Config) FCVMSocketPath(vmID string) string {
	return filepath.Join(c.FCVMRunDir(vmID), "api.sock")
}

// FCVMVsockPath is the host side of firecracker's hybrid vsock device.
// The guest agent is reached through it via the CONNECT handshake.
func (c *Config) FCVMVsockPath(vmID string) string {
	return filepath.Join(c.FCVMRunDir(vmID), "vsock.sock")
}

func (c *Config) FCVMPIDFile(vmID string) string {
	return filepath.Join(c.FCVMRunDir(vmID), "firecracker.pid")
}

// FCVMRootfsPath is the per-VM writable copy of the base rootfs image.
func (c *Config) FCVMRootfsPath(vmID string) string {
	return filepath.Join(c.FCVMRunDir(vmID), "rootfs.ext4")
}

func (c *Config) fcLogDir() string              { return filepath.Join(c.LogDir, "firecracker") }
func (c *Config) FCVMLogDir(vmID string) string { return filepath.Join(c.fcLogDir(), vmID) }
func (c *Config) FCVMProcessLog(vmID string) string {
	return filepath.Join(c.FCVMLogDir(vmID), "firecracker.log")
}

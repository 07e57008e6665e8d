package config

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"

	coretypes "github.com/projecteru2/core/types"
)

// Config holds global clawpot configuration.
type Config struct {
	// RootDir is the base directory for host assets (kernel, rootfs).
	RootDir string `json:"root_dir"`
	// RunDir holds per-VM runtime state (sockets, PID files, rootfs copies).
	RunDir string `json:"run_dir"`
	// LogDir holds per-VM firecracker process logs.
	LogDir string `json:"log_dir"`

	// PoolSize is the goroutine pool size for concurrent operations.
	// Defaults to runtime.NumCPU() if zero.
	PoolSize int `json:"pool_size"`

	Firecracker FirecrackerConfig `json:"firecracker"`
	Network     NetworkConfig     `json:"network"`

	// Log configuration, uses eru core's ServerLogConfig.
	Log coretypes.ServerLogConfig `json:"log"`
}

// FirecrackerConfig describes the hypervisor binary and guest boot assets.
type FirecrackerConfig struct {
	// Binary is the firecracker executable path or name.
	Binary string `json:"binary"`
	// KernelImagePath is the uncompressed kernel booted by every VM.
	KernelImagePath string `json:"kernel_image_path"`
	// RootfsImagePath is the base ext4 image; each VM gets a private copy.
	RootfsImagePath string `json:"rootfs_image_path"`
	// BootArgs is the kernel command line before per-VM ip= clauses.
	BootArgs string `json:"boot_args"`
	// SocketWaitSeconds bounds the wait for the API socket after spawn.
	SocketWaitSeconds int `json:"socket_wait_seconds"`
	// StopTimeoutSeconds is the graceful-shutdown window before SIGKILL.
	StopTimeoutSeconds int `json:"stop_timeout_seconds"`
	// MaxVCPUs and MaxMemoryMiB cap a single VM's resource spec.
	MaxVCPUs     int   `json:"max_vcpus"`
	MaxMemoryMiB int64 `json:"max_memory_mib"`
}

// NetworkConfig describes the shared bridge and the VM address pool.
type NetworkConfig struct {
	// Bridge is the host bridge VM TAP devices are enslaved to.
	Bridge string `json:"bridge"`
	// Subnet is the VM network in CIDR form; the first usable address is
	// the gateway, the rest form the allocation pool.
	Subnet string `json:"subnet"`
	// TapPrefix names per-VM TAP devices: <prefix><n>.
	TapPrefix string `json:"tap_prefix"`
	// AgentPort is the vsock port the guest agent listens on.
	AgentPort uint32 `json:"agent_port"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		RootDir:  "/var/lib/clawpot",
		RunDir:   "/run/clawpot",
		LogDir:   "/var/log/clawpot",
		PoolSize: runtime.NumCPU(),
		Firecracker: FirecrackerConfig{
			Binary:             "firecracker",
			KernelImagePath:    "/var/lib/clawpot/assets/vmlinux",
			RootfsImagePath:    "/var/lib/clawpot/assets/rootfs.ext4",
			BootArgs:           "console=ttyS0 reboot=k panic=1 pci=off",
			SocketWaitSeconds:  5,
			StopTimeoutSeconds: 5,
			MaxVCPUs:           runtime.NumCPU(),
			MaxMemoryMiB:       8192,
		},
		Network: NetworkConfig{
			Bridge:    "clawpot0",
			Subnet:    "192.168.100.0/24",
			TapPrefix: "cp-tap",
			AgentPort: 10051,
		},
		Log: coretypes.ServerLogConfig{
			Level:      "info",
			MaxSize:    500,
			MaxAge:     28,
			MaxBackups: 3,
		},
	}
}

// LoadConfig loads configuration from file, falling back to defaults.
func LoadConfig(path string) (*Config, error) {
	conf := DefaultConfig()
	if path == "" {
		return conf, nil
	}

	data, err := os.ReadFile(path) //nolint:gosec // config path from CLI flag
	if err != nil {
		if os.IsNotExist(err) {
			return conf, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json.Unmarshal(data, conf); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if conf.PoolSize <= 0 {
		conf.PoolSize = runtime.NumCPU()
	}
	return conf, nil
}

package core

import (
	"context"
	"fmt"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/anroOfCode/clawpot/config"
	"github.com/anroOfCode/clawpot/events"
	"github.com/anroOfCode/clawpot/gc"
	"github.com/anroOfCode/clawpot/hypervisor/firecracker"
	"github.com/anroOfCode/clawpot/network"
	"github.com/anroOfCode/clawpot/types"
	"github.com/anroOfCode/clawpot/vm"
)

// BaseHandler provides shared config access for all command handlers.
type BaseHandler struct {
	ConfProvider func() *config.Config
}

// Init returns the command context and validated config in one call.
func (h BaseHandler) Init(cmd *cobra.Command) (context.Context, *config.Config, error) {
	conf, err := h.Conf()
	if err != nil {
		return nil, nil, err
	}
	return CommandContext(cmd), conf, nil
}

// Conf validates and returns the config. All handlers call this first.
func (h BaseHandler) Conf() (*config.Config, error) {
	if h.ConfProvider == nil {
		return nil, fmt.Errorf("config provider is nil")
	}
	conf := h.ConfProvider()
	if conf == nil {
		return nil, fmt.Errorf("config not initialized")
	}
	return conf, nil
}

// CommandContext returns command context, falling back to Background.
func CommandContext(cmd *cobra.Command) context.Context {
	if cmd != nil && cmd.Context() != nil {
		return cmd.Context()
	}
	return context.Background()
}

// InitManager brings up the full control plane: acquire the instance lock,
// sweep stale resources from a previous run, provision the bridge, and build
// the manager on the firecracker driver. The sweep runs only after the lock
// is held, so a second invocation can never reap a live control plane's VMs.
// The caller owns the returned manager and must Close it.
func InitManager(ctx context.Context, conf *config.Config) (*vm.Manager, error) {
	prov, err := network.NewTapProvisioner(&conf.Network)
	if err != nil {
		return nil, fmt.Errorf("init network: %w", err)
	}
	if err := prov.EnsureBridge(ctx); err != nil {
		return nil, fmt.Errorf("ensure bridge: %w", err)
	}

	driver, err := firecracker.New(conf)
	if err != nil {
		return nil, fmt.Errorf("init hypervisor: %w", err)
	}

	mgr, err := vm.NewManager(conf, driver, prov, events.LogSink(256)) //nolint:mnd
	if err != nil {
		return nil, fmt.Errorf("init manager: %w", err)
	}
	gc.NewSweeper(conf).Sweep(ctx)
	return mgr, nil
}

// VMSpecFromFlags builds the resource spec for run commands.
func VMSpecFromFlags(cmd *cobra.Command) (types.VMConfig, error) {
	cpu, _ := cmd.Flags().GetInt("cpu")
	memStr, _ := cmd.Flags().GetString("memory")

	memBytes, err := units.RAMInBytes(memStr)
	if err != nil {
		return types.VMConfig{}, fmt.Errorf("invalid --memory %q: %w", memStr, err)
	}

	return types.VMConfig{
		VCPUs:     cpu,
		MemoryMiB: memBytes >> 20, //nolint:mnd
	}, nil
}

func FormatSize(bytes int64) string {
	return units.BytesSize(float64(bytes))
}

package others

import (
	"fmt"

	"github.com/mdlayher/vsock"
	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	"github.com/anroOfCode/clawpot/agent"
	cmdcore "github.com/anroOfCode/clawpot/cmd/core"
	"github.com/anroOfCode/clawpot/gc"
	"github.com/anroOfCode/clawpot/lock/flock"
	"github.com/anroOfCode/clawpot/version"
)

type Handler struct {
	cmdcore.BaseHandler
}

// Sweep reclaims stale resources. It takes the instance lock first: sweeping
// under a live control plane would reap its VMs.
func (h Handler) Sweep(cmd *cobra.Command, _ []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}

	guard := flock.New(conf.InstanceLock())
	ok, err := guard.TryLock(ctx)
	if err != nil {
		return fmt.Errorf("acquire instance lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("control plane is running, refusing to sweep")
	}
	defer guard.Unlock(ctx) //nolint:errcheck

	gc.NewSweeper(conf).Sweep(ctx)
	log.WithFunc("cmd.sweep").Infof(ctx, "sweep completed")
	return nil
}

// Agent serves guest command execution over vsock. The same binary is shipped
// in the rootfs and started by the guest's init; the host reaches it through
// firecracker's hybrid vsock socket.
func (h Handler) Agent(cmd *cobra.Command, _ []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}

	l, err := vsock.Listen(conf.Network.AgentPort, nil)
	if err != nil {
		return fmt.Errorf("listen on vsock port %d: %w", conf.Network.AgentPort, err)
	}
	log.WithFunc("cmd.agent").Infof(ctx, "agent listening on vsock port %d", conf.Network.AgentPort)
	return agent.Serve(ctx, l)
}

func (h Handler) Version(_ *cobra.Command, _ []string) error {
	fmt.Print(version.String())
	return nil
}

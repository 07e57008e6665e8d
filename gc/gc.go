// Package gc reclaims resources left behind by a previous control plane that
// crashed or was killed: orphaned firecracker processes, stale per-VM runtime
// directories, and TAP devices no longer attached to any VM. The sweep runs
// once at startup, before the manager accepts work; the instance lock
// guarantees the previous owner of these resources is gone.
package gc

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/projecteru2/core/log"
	"github.com/vishvananda/netlink"

	"github.com/anroOfCode/clawpot/config"
	"github.com/anroOfCode/clawpot/utils"
)

// Sweeper scans for and removes stale VM resources.
type Sweeper struct {
	conf *config.Config
}

func NewSweeper(conf *config.Config) *Sweeper {
	return &Sweeper{conf: conf}
}

// Sweep runs all reclamation passes. Each pass is independent and
// best-effort; a failure in one does not stop the others.
func (s *Sweeper) Sweep(ctx context.Context) {
	s.sweepRunDirs(ctx)
	s.sweepTapDevices(ctx)
}

// sweepRunDirs removes every per-VM runtime directory, terminating the
// hypervisor process first if its PID file points at a live firecracker.
// A PID that is alive but belongs to some other binary is a recycled PID
// and must not be signalled.
func (s *Sweeper) sweepRunDirs(ctx context.Context) {
	logger := log.WithFunc("gc.sweepRunDirs")
	base := s.conf.FCRunDir()

	for _, id := range utils.ScanSubdirs(base) {
		pid, err := utils.ReadPIDFile(s.conf.FCVMPIDFile(id))
		if err == nil && utils.VerifyProcess(pid, "firecracker") {
			logger.Infof(ctx, "terminating orphaned firecracker %d (vm %s)", pid, id)
			grace := time.Duration(s.conf.Firecracker.StopTimeoutSeconds) * time.Second
			if err := utils.TerminateProcess(ctx, pid, grace); err != nil {
				logger.Errorf(ctx, err, "terminate orphan %d", pid)
				continue
			}
		}
		for _, err := range utils.RemoveMatching(ctx, base, func(e os.DirEntry) bool {
			return e.Name() == id
		}) {
			logger.Errorf(ctx, err, "reclaim run dir for %s", id)
		}
	}
}

// sweepTapDevices deletes every link carrying the configured TAP prefix.
// The sweep runs before any VM exists, so every match is an orphan.
func (s *Sweeper) sweepTapDevices(ctx context.Context) {
	logger := log.WithFunc("gc.sweepTapDevices")

	links, err := netlink.LinkList()
	if err != nil {
		logger.Errorf(ctx, err, "list links")
		return
	}
	for _, link := range links {
		name := link.Attrs().Name
		if !strings.HasPrefix(name, s.conf.Network.TapPrefix) {
			continue
		}
		if err := netlink.LinkDel(link); err != nil {
			logger.Errorf(ctx, err, "delete orphaned tap %s", name)
			continue
		}
		logger.Infof(ctx, "removed orphaned tap %s", name)
	}
}

package vm

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/anroOfCode/clawpot/agent"
	cmdcore "github.com/anroOfCode/clawpot/cmd/core"
	"github.com/anroOfCode/clawpot/hypervisor"
	"github.com/anroOfCode/clawpot/utils"
)

const defaultExecTimeout = 30 * time.Second

type Handler struct {
	cmdcore.BaseHandler
}

// Run boots VMs and keeps them in the foreground until the context is
// cancelled; teardown happens before the process exits. The manager holds
// the instance lock for the whole session, so only one run command can own
// the bridge and address pool at a time.
func (h Handler) Run(cmd *cobra.Command, _ []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	logger := log.WithFunc("cmd.run")

	spec, err := cmdcore.VMSpecFromFlags(cmd)
	if err != nil {
		return err
	}
	count, _ := cmd.Flags().GetInt("count")
	if count <= 0 {
		count = 1
	}

	mgr, err := cmdcore.InitManager(ctx, conf)
	if err != nil {
		return err
	}
	// Teardown must run even when ctx is already cancelled by the signal.
	defer mgr.Close(context.Background()) //nolint:errcheck

	for i := 0; i < count; i++ {
		info, err := mgr.Create(ctx, spec)
		if err != nil {
			return fmt.Errorf("create VM %d/%d: %w", i+1, count, err)
		}
		logger.Infof(ctx, "VM %s running: ip=%s tap=%s pid=%d", info.ID, info.IP, info.TapDevice, info.PID)
	}

	logger.Infof(ctx, "%d VM(s) up, press Ctrl-C to stop", count)
	<-ctx.Done()
	logger.Info(ctx, "shutting down")
	return nil
}

// vmEntry is one row of the list output, reconstructed from disk state.
type vmEntry struct {
	ID    string `json:"id"`
	PID   int    `json:"pid,omitempty"`
	State string `json:"state"`
}

// List enumerates per-VM runtime directories and reconciles each PID file
// against the live process table. A dead PID means the control plane that
// owned the VM is gone and a sweep is due.
func (h Handler) List(cmd *cobra.Command, _ []string) error {
	_, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}

	var entries []vmEntry
	for _, id := range utils.ScanSubdirs(conf.FCRunDir()) {
		entry := vmEntry{ID: id, State: "stale"}
		if pid, err := utils.ReadPIDFile(conf.FCVMPIDFile(id)); err == nil {
			entry.PID = pid
			if utils.VerifyProcess(pid, "firecracker") {
				entry.State = "running"
			}
		}
		entries = append(entries, entry)
	}

	if !term.IsTerminal(int(os.Stdout.Fd())) {
		enc := json.NewEncoder(os.Stdout)
		return enc.Encode(entries)
	}

	if len(entries) == 0 {
		fmt.Println("No VMs found.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0) //nolint:mnd
	_, _ = fmt.Fprintln(w, "ID\tPID\tSTATE")
	for _, e := range entries {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\n", e.ID, e.PID, e.State)
	}
	w.Flush() //nolint:errcheck,gosec
	return nil
}

// inspectResult combines the hypervisor's and the agent's view of one VM.
type inspectResult struct {
	ID             string             `json:"id"`
	PID            int                `json:"pid,omitempty"`
	Hypervisor     *hypervisor.Status `json:"hypervisor,omitempty"`
	AgentReachable bool               `json:"agent_reachable"`
}

func (h Handler) Inspect(cmd *cobra.Command, args []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	id := args[0]

	result := inspectResult{ID: id}
	if pid, err := utils.ReadPIDFile(conf.FCVMPIDFile(id)); err == nil {
		result.PID = pid
	}

	var status hypervisor.Status
	if err := hypervisor.DoGET(ctx, conf.FCVMSocketPath(id), "/", &status); err == nil {
		result.Hypervisor = &status
	}

	client := agent.NewClient(conf.FCVMVsockPath(id), conf.Network.AgentPort)
	result.AgentReachable = client.Ping(ctx) == nil

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

// Exec runs a command in the guest and relays its output. The guest keeps
// running the command if the timeout fires; only the transport is dropped.
func (h Handler) Exec(cmd *cobra.Command, args []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	id := args[0]

	timeout, _ := cmd.Flags().GetDuration("timeout")
	if timeout <= 0 {
		timeout = defaultExecTimeout
	}

	client := agent.NewClient(conf.FCVMVsockPath(id), conf.Network.AgentPort)
	res, err := client.Exec(ctx, args[1], args[2:], timeout)
	if err != nil {
		return fmt.Errorf("exec on %s: %w", id, err)
	}

	_, _ = os.Stdout.Write(res.Stdout)
	_, _ = os.Stderr.Write(res.Stderr)
	if res.ExitCode != 0 {
		return fmt.Errorf("command exited with code %d", res.ExitCode)
	}
	return nil
}

// RM terminates VM processes found on disk and removes their runtime dirs.
// TAP devices are named after leases held in memory, so reclaiming them is
// the sweep command's job.
func (h Handler) RM(cmd *cobra.Command, args []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	logger := log.WithFunc("cmd.rm")

	grace := time.Duration(conf.Firecracker.StopTimeoutSeconds) * time.Second
	for _, id := range args {
		if pid, err := utils.ReadPIDFile(conf.FCVMPIDFile(id)); err == nil && utils.VerifyProcess(pid, "firecracker") {
			if err := utils.TerminateProcess(ctx, pid, grace); err != nil {
				return fmt.Errorf("terminate %s (pid %d): %w", id, pid, err)
			}
		}
		if err := os.RemoveAll(conf.FCVMRunDir(id)); err != nil {
			return fmt.Errorf("remove run dir for %s: %w", id, err)
		}
		logger.Infof(ctx, "removed VM: %s", id)
	}
	return nil
}

package agent

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"time"
)

// maxExecTime caps any single command inside the guest. The host proxy
// enforces its own, usually shorter, timeout; this is the backstop for
// requests the host has already abandoned.
const maxExecTime = 300 * time.Second

// runCommand executes one request and always produces a response: spawn
// failures and timeouts map to exit code -1 with the reason on stderr, so
// the caller can distinguish them from the command's own failure modes only
// by text, exactly like a shell would report them.
func runCommand(ctx context.Context, req *ExecRequest) *ExecResponse {
	ctx, cancel := context.WithTimeout(ctx, maxExecTime)
	defer cancel()

	cmd := exec.CommandContext(ctx, req.Command, req.Args...) //nolint:gosec // executing arbitrary commands is the agent's job
	if req.WorkingDir != "" {
		cmd.Dir = req.WorkingDir
	}
	if len(req.Env) > 0 {
		// Overrides extend the agent's environment, they do not replace it:
		// the child still needs PATH and the rest of the inherited set.
		cmd.Env = os.Environ()
		for k, v := range req.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	resp := &ExecResponse{
		ID:     req.ID,
		Stdout: stdout.Bytes(),
		Stderr: stderr.Bytes(),
	}
	if cmd.ProcessState != nil {
		resp.ExitCode = cmd.ProcessState.ExitCode()
	}

	switch {
	case err == nil:
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		resp.ExitCode = -1
		resp.Stderr = append(resp.Stderr, []byte("command timed out after "+maxExecTime.String()+"\n")...)
	default:
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			// Spawn failure: the command never ran.
			resp.ExitCode = -1
			resp.Stderr = append(resp.Stderr, []byte("failed to execute command: "+err.Error()+"\n")...)
		}
	}
	return resp
}

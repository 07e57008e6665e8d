package types

// ExecResult is the outcome of one command executed inside a guest.
// ExitCode is the command's own exit status; agent-level failures surface
// as errors, not as an ExecResult.
type ExecResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   []byte `json:"stdout"`
	Stderr   []byte `json:"stderr"`
}

package tools

import (
	"context"
	"os/exec"
	"time"
)

// CommandRunner runs external processes. Tests substitute a fake.
type CommandRunner interface {
	// Run executes name with args in workDir and returns combined output.
	Run(ctx context.Context, workDir string, name string, args ...string) ([]byte, error)
}

// ExecRunner implements CommandRunner using os/exec.
type ExecRunner struct{}

// NewRunner creates a new ExecRunner.
func NewRunner() *ExecRunner {
	return &ExecRunner{}
}

// Run executes a command and returns combined stdout/stderr output. The
// process is killed when ctx ends.
func (r *ExecRunner) Run(ctx context.Context, workDir string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if workDir != "" {
		cmd.Dir = workDir
	}
	cmd.WaitDelay = time.Second
	return cmd.CombinedOutput()
}

var _ CommandRunner = (*ExecRunner)(nil)

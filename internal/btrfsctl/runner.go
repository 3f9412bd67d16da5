package btrfsctl

import (
	"bytes"
	"context"
	"os/exec"

	"github.com/rs/zerolog/log"
)

// Runner abstracts spawning the btrfs binary so the scheduler can be
// driven through a fake in tests instead of a real subprocess.
type Runner interface {
	// Run executes name with args, waits for completion, and returns the
	// captured stdout/stderr separately plus the *exec.ExitError (or any
	// other spawn error) if the process did not succeed.
	Run(ctx context.Context, name string, args ...string) (stdout, stderr string, err error)
}

// ExecRunner runs commands for real via os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) (string, string, error) {
	log.Debug().Str("command", name).Strs("args", args).Msg("Running btrfs subprocess")

	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

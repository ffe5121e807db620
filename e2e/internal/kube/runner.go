// Package kube drives helm and kubectl against the test cluster.
package kube

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// Runner executes an external command and returns its standard output.
type Runner interface {
	Run(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands on the host, optionally from a fixed working directory.
type ExecRunner struct {
	Log *slog.Logger
	Dir string
}

func (r *ExecRunner) Run(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = r.Dir
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}

	r.Log.Debug("--> Executing command", "cmd", cmd.Args)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.Bytes(), fmt.Errorf("failed to run %s: %w: %s", strings.Join(cmd.Args, " "), err, strings.TrimSpace(stderr.String()))
	}
	if stderr.Len() > 0 {
		r.Log.Debug("--> Command wrote to stderr", "cmd", cmd.Args[0], "stderr", strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

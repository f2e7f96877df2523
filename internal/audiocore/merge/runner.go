package merge

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Runner executes ffmpeg. Implementations must honor ctx cancellation.
type Runner interface {
	Run(ctx context.Context, ffmpegPath string, args []string) error
}

// RunnerFunc adapts a function to the Runner interface
type RunnerFunc func(ctx context.Context, ffmpegPath string, args []string) error

// Run calls f
func (f RunnerFunc) Run(ctx context.Context, ffmpegPath string, args []string) error {
	return f(ctx, ffmpegPath, args)
}

// ExecRunner runs ffmpeg as a child process
type ExecRunner struct{}

// Run executes ffmpeg and includes the tail of stderr in the returned error
func (ExecRunner) Run(ctx context.Context, ffmpegPath string, args []string) error {
	cmd := exec.CommandContext(ctx, ffmpegPath, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &CommandError{Err: err, Stderr: lastLines(stderr.String(), 5)}
	}
	return nil
}

// CommandError is returned when ffmpeg exits with an error
type CommandError struct {
	Err    error
	Stderr string
}

func (e *CommandError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("ffmpeg failed: %v", e.Err)
	}
	return fmt.Sprintf("ffmpeg failed: %v: %s", e.Err, e.Stderr)
}

func (e *CommandError) Unwrap() error { return e.Err }

// lastLines keeps the final n non-empty lines, where ffmpeg prints the actual error
func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

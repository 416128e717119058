package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/orrn/printbot/internal/core"
)

// CommandRunner runs an external program and returns its combined output.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec. The process is killed when ctx
// ends.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// runPrintCommand wraps any failure of the command, including a missing
// executable, in core.ErrDispatch.
func runPrintCommand(ctx context.Context, r CommandRunner, name string, args ...string) error {
	out, err := r.Run(ctx, name, args...)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %s: %w", core.ErrDispatch, name, ctxErr)
	}
	if errors.Is(err, exec.ErrNotFound) {
		return fmt.Errorf("%w: %s not found: %v", core.ErrDispatch, name, err)
	}

	msg := strings.TrimSpace(string(out))
	if msg == "" {
		return fmt.Errorf("%w: %s: %v", core.ErrDispatch, name, err)
	}
	return fmt.Errorf("%w: %s: %v: %s", core.ErrDispatch, name, err, msg)
}

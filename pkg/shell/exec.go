package shell

import (
	"context"
	"errors"
	"os/exec"
	"strings"
)

// We prefer to return stderr over the process exit code
type ExitErrorVerbose struct {
	E exec.ExitError
}

func (e ExitErrorVerbose) Error() string {
	if stderr := strings.TrimSpace(string(e.E.Stderr)); stderr != "" {
		return stderr
	}
	return e.E.Error()
}

func (e ExitErrorVerbose) Unwrap() error {
	return &e.E
}

// Run a program to completion, and return its stdout
func Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, ExitErrorVerbose{*exitErr}
		}
		return nil, err
	}
	return out, nil
}

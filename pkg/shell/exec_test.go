package shell

import (
	"context"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRun(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	out, err := Run(context.Background(), "sh", "-c", "echo hello")
	require.NoError(t, err)
	require.Equal(t, "hello\n", string(out))

	_, err = Run(context.Background(), "sh", "-c", "echo 'No such device' >&2; exit 1")
	require.EqualError(t, err, "No such device")
	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr)
	require.Equal(t, 1, exitErr.ExitCode())

	_, err = Run(context.Background(), "sh", "-c", "exit 3")
	require.EqualError(t, err, "exit status 3")
}

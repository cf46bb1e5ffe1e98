package worker

import (
	"bytes"
	"os/exec"
	"sync"
)

// SafeCommand wraps exec.Cmd, and captures stderr so that we can report it if the process dies
type SafeCommand struct {
	*exec.Cmd
	Stderr *lockedBuffer
}

func NewSafeCommand(name string, args ...string) *SafeCommand {
	cmd := exec.Command(name, args...)
	stderr := &lockedBuffer{}
	cmd.Stderr = stderr
	return &SafeCommand{Cmd: cmd, Stderr: stderr}
}

// exec copies stderr on its own goroutine, so we need a lock to read it while the process is alive
type lockedBuffer struct {
	lock sync.Mutex
	buf  bytes.Buffer
}

// Limit the amount of stderr that we hold onto
const maxStderr = 64 * 1024

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.buf.Len()+len(p) > maxStderr {
		b.buf.Reset()
	}
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.buf.String()
}

func (b *lockedBuffer) Len() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.buf.Len()
}

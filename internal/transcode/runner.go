package transcode

import (
	"bytes"
	"context"
	"os/exec"
)

// maxStderr bounds how much encoder output is kept for error reports.
const maxStderr = 16 << 10

// Runner executes an external encoder process and returns its stderr.
type Runner interface {
	Run(ctx context.Context, name string, args []string) (stderr []byte, err error)
}

// ExecRunner runs processes with os/exec. Cancelling ctx kills the process.
type ExecRunner struct{}

// Run implements Runner.
func (ExecRunner) Run(ctx context.Context, name string, args []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	stderr := &tailBuffer{limit: maxStderr}
	cmd.Stderr = stderr
	err := cmd.Run()
	return stderr.Bytes(), err
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	b.buf.Write(p)
	if over := b.buf.Len() - b.limit; over > 0 {
		b.buf.Next(over)
	}
	return n, nil
}

func (b *tailBuffer) Bytes() []byte { return b.buf.Bytes() }

// Package command runs local processes. The marketplace adapters and the
// remote package only ever shell out through the Runner interface, which is
// replaced in tests to avoid needing to run actual commands.
package command // import "github.com/am17an/vastai-llama-bench/command"

import (
	"bytes"
	"context"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/am17an/vastai-llama-bench/utils"
	"golang.org/x/sync/errgroup"
)

// Runner executes local processes.
type Runner interface {
	// Output runs the command and returns its captured standard output.
	// Standard error is folded into the returned error on failure.
	Output(ctx context.Context, name string, arg ...string) (string, error)
	// Stream runs the command with both output streams pumped to w as they
	// are produced. It blocks until the command exits.
	Stream(ctx context.Context, w io.Writer, name string, arg ...string) error
}

// New returns a Runner backed by os/exec.
func New() Runner {
	return &execRunner{}
}

type execRunner struct{}

func (r *execRunner) Output(ctx context.Context, name string, arg ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, arg...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return stdout.String(), utils.MakeError("command `%s` failed: %s: %s", Describe(name, arg...), err, utils.TrimTrailingNewlines(stderr.String()))
	}

	return stdout.String(), nil
}

func (r *execRunner) Stream(ctx context.Context, w io.Writer, name string, arg ...string) error {
	cmd := exec.CommandContext(ctx, name, arg...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return utils.MakeError("couldn't open stdout pipe for `%s`: %s", Describe(name, arg...), err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return utils.MakeError("couldn't open stderr pipe for `%s`: %s", Describe(name, arg...), err)
	}

	if err := cmd.Start(); err != nil {
		return utils.MakeError("couldn't start `%s`: %s", Describe(name, arg...), err)
	}

	// Both pipes write to the same destination, so serialize the writes.
	out := &lockedWriter{w: w}

	pumps, _ := errgroup.WithContext(ctx)
	pumps.Go(func() error {
		_, err := io.Copy(out, stdout)
		return err
	})
	pumps.Go(func() error {
		_, err := io.Copy(out, stderr)
		return err
	})

	// The pipes must be drained before Wait, which closes them.
	pumpErr := pumps.Wait()
	if err := cmd.Wait(); err != nil {
		return utils.MakeError("command `%s` failed: %s", Describe(name, arg...), err)
	}

	return pumpErr
}

// Describe renders a command and its arguments the way it would be typed in a
// shell, for log lines and error messages.
func Describe(name string, arg ...string) string {
	return strings.Join(append([]string{name}, arg...), " ")
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (lw *lockedWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.w.Write(p)
}

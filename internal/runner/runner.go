// Package runner executes external commands. Executor runs a command to
// completion; Streamer starts a long-running command whose output is read
// incrementally and which is torn down with SIGTERM, then SIGKILL.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/h3ow3d/cephtools/internal/log"
)

// DefaultGrace is how long a stopped process gets to exit after SIGTERM.
const DefaultGrace = 5 * time.Second

// stderrLimit bounds the captured standard error of a streamed process.
const stderrLimit = 16 << 10

// Command describes one invocation of an external program.
type Command struct {
	Name  string
	Args  []string
	Dir   string
	Stdin string
}

func (c Command) String() string {
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}

// Result is the captured outcome of a completed command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Executor runs a command to completion. A non-zero exit is reported in
// Result.ExitCode with a nil error; the error is reserved for commands that
// could not be run at all.
type Executor interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// Process is a running command whose standard output is consumed as it is
// produced.
type Process interface {
	Stdout() io.Reader
	// Stop terminates the process if it is still running and reaps it. It is
	// safe to call more than once.
	Stop() error
	// Stderr returns the tail of standard error captured so far. It is
	// complete once Stop has returned.
	Stderr() string
}

// Streamer starts commands as Processes.
type Streamer interface {
	Start(ctx context.Context, cmd Command) (Process, error)
}

// Exec runs commands with os/exec, capturing stdout and stderr.
type Exec struct {
	// Echo prints each command line before running it.
	Echo bool
	// Passthrough sends output to these writers as well as capturing it.
	Stdout, Stderr io.Writer
}

// Run implements Executor.
func (e Exec) Run(ctx context.Context, c Command) (Result, error) {
	if e.Echo {
		log.Cmd(c.Name, c.Args...)
	}
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if c.Stdin != "" {
		cmd.Stdin = strings.NewReader(c.Stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = tee(&stdout, e.Stdout)
	cmd.Stderr = tee(&stderr, e.Stderr)

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return res, nil
	case errors.As(err, &exitErr) && ctx.Err() == nil:
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	case ctx.Err() != nil:
		return res, fmt.Errorf("%s: %w", c.Name, ctx.Err())
	default:
		return res, fmt.Errorf("run %s: %w", c.Name, err)
	}
}

func tee(capture *bytes.Buffer, extra io.Writer) io.Writer {
	if extra == nil {
		return capture
	}
	return io.MultiWriter(capture, extra)
}

// ExecStreamer starts commands with os/exec.
type ExecStreamer struct {
	// Grace is the SIGTERM to SIGKILL delay; zero means DefaultGrace.
	Grace time.Duration
}

// Start implements Streamer. Cancelling ctx stops the process the same way
// Stop does.
func (s ExecStreamer) Start(ctx context.Context, c Command) (Process, error) {
	grace := s.Grace
	if grace <= 0 {
		grace = DefaultGrace
	}

	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.Cancel = func() error { return cmd.Process.Signal(unix.SIGTERM) }
	cmd.WaitDelay = grace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	p := &execProcess{cmd: cmd, cancel: cancel, stdout: stdout}
	cmd.Stderr = &p.stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start %s: %w", c.Name, err)
	}
	log.Debug(fmt.Sprintf("started %s (pid %d)", c, cmd.Process.Pid))
	return p, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	stdout io.Reader
	stderr tailBuffer

	once    sync.Once
	waitErr error
}

func (p *execProcess) Stdout() io.Reader { return p.stdout }

func (p *execProcess) Stderr() string { return strings.TrimSpace(p.stderr.String()) }

// Stop cancels the command context, which sends SIGTERM; Wait then kills the
// process once the grace period has passed.
func (p *execProcess) Stop() error {
	p.once.Do(func() {
		p.cancel()
		err := p.cmd.Wait()
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) || errors.Is(err, context.Canceled) {
			// Exiting on our own signal is the expected outcome.
			err = nil
		}
		p.waitErr = err
	})
	return p.waitErr
}

// tailBuffer keeps the last stderrLimit bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (t *tailBuffer) Write(b []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, b...)
	if over := len(t.buf) - stderrLimit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(b), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

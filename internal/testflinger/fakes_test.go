package testflinger_test

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/h3ow3d/cephtools/internal/runner"
)

// fakeExec records commands and answers them from results, in order.
type fakeExec struct {
	calls   []runner.Command
	results []runner.Result
	err     error
	// jobFiles holds the content of the submitted job file as seen while
	// submit was running.
	jobFiles []string
}

func (f *fakeExec) Run(_ context.Context, c runner.Command) (runner.Result, error) {
	f.calls = append(f.calls, c)
	if len(c.Args) == 2 && c.Args[0] == "submit" {
		data, _ := os.ReadFile(c.Args[1])
		f.jobFiles = append(f.jobFiles, string(data))
	}
	if f.err != nil {
		return runner.Result{}, f.err
	}
	if len(f.results) == 0 {
		return runner.Result{}, nil
	}
	res := f.results[0]
	f.results = f.results[1:]
	return res, nil
}

// fakeProcess serves a fixed stdout and counts Stop calls.
type fakeProcess struct {
	stdout io.Reader
	stderr string

	mu    sync.Mutex
	stops int
	onStop func()
}

func newFakeProcess(lines ...string) *fakeProcess {
	out := strings.Join(lines, "\n")
	if len(lines) > 0 {
		out += "\n"
	}
	return &fakeProcess{stdout: strings.NewReader(out)}
}

func (p *fakeProcess) Stdout() io.Reader { return p.stdout }
func (p *fakeProcess) Stderr() string    { return p.stderr }

func (p *fakeProcess) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stops++
	if p.stops == 1 && p.onStop != nil {
		p.onStop()
	}
	return nil
}

func (p *fakeProcess) stopCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stops
}

// fakeStreamer hands out one process and records the command that asked for it.
type fakeStreamer struct {
	proc  *fakeProcess
	calls []runner.Command
}

func (s *fakeStreamer) Start(_ context.Context, c runner.Command) (runner.Process, error) {
	s.calls = append(s.calls, c)
	return s.proc, nil
}

func banner(jobID string) []string {
	return []string{
		"*** TESTFLINGER SYSTEM RESERVED ***",
		"You can now connect to ubuntu@10.0.0.1",
		"Current time:           [2024-10-16T15:00:00.000000]",
		"Reservation expires at: [2024-10-16T16:00:00.000000]",
		"Reservation will automatically timeout in 3600 seconds",
		"To end the reservation sooner use: testflinger-cli cancel " + jobID,
	}
}

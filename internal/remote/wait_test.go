package remote_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/h3ow3d/cephtools/internal/remote"
	"github.com/h3ow3d/cephtools/internal/runner"
)

// seqExec returns exit codes in order, repeating the last one.
type seqExec struct {
	codes []int
	calls []runner.Command
}

func (s *seqExec) Run(_ context.Context, c runner.Command) (runner.Result, error) {
	s.calls = append(s.calls, c)
	i := min(len(s.calls)-1, len(s.codes)-1)
	return runner.Result{ExitCode: s.codes[i]}, nil
}

func TestWaitReachableRetriesUntilLogin(t *testing.T) {
	defer remote.SetProbeInterval(time.Millisecond)()

	se := &seqExec{codes: []int{255, 255, 0}}
	err := remote.WaitReachable(context.Background(), se, remote.Target{User: "ubuntu", Host: "10.0.0.1"}, time.Minute)
	if err != nil {
		t.Fatalf("WaitReachable: %v", err)
	}
	if len(se.calls) != 3 {
		t.Errorf("attempts = %d, want 3", len(se.calls))
	}
	got := se.calls[0].String()
	if !strings.Contains(got, "BatchMode=yes") || !strings.HasSuffix(got, "ubuntu@10.0.0.1 true") {
		t.Errorf("probe = %q", got)
	}
}

func TestWaitReachableTimeout(t *testing.T) {
	se := &seqExec{codes: []int{255}}
	err := remote.WaitReachable(context.Background(), se, remote.Target{User: "u", Host: "h"}, 0)
	if err == nil || !strings.Contains(err.Error(), "timeout") {
		t.Errorf("err = %v", err)
	}
	if len(se.calls) != 1 {
		t.Errorf("attempts = %d, want 1", len(se.calls))
	}
}

func TestWaitReachableCancelled(t *testing.T) {
	defer remote.SetProbeInterval(time.Hour)()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := remote.WaitReachable(ctx, &seqExec{codes: []int{255}}, remote.Target{User: "u", Host: "h"}, time.Hour)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

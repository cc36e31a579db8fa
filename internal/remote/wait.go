package remote

import (
	"context"
	"fmt"
	"time"

	"github.com/h3ow3d/cephtools/internal/log"
	"github.com/h3ow3d/cephtools/internal/runner"
)

// DefaultWait bounds how long WaitReachable polls.
const DefaultWait = 2 * time.Minute

var probeInterval = 2 * time.Second

func probeArgs(t Target) []string {
	args := []string{"-n", "-o", "BatchMode=yes", "-o", "ConnectTimeout=5"}
	return append(append(args, SSHArgs(t)...), "true")
}

// WaitReachable blocks until a non-interactive ssh login to t succeeds or
// timeout has passed. At least one attempt is always made.
func WaitReachable(ctx context.Context, exec runner.Executor, t Target, timeout time.Duration) error {
	if err := t.validate(); err != nil {
		return err
	}
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		res, err := exec.Run(ctx, runner.Command{Name: "ssh", Args: probeArgs(t)})
		if err != nil {
			return fmt.Errorf("probe ssh %s: %w", t, err)
		}
		if res.ExitCode == 0 {
			return nil
		}
		log.Debug(fmt.Sprintf("ssh %s not ready (attempt %d, exit code %d)", t, attempt, res.ExitCode))
		if !time.Now().Before(deadline) {
			return fmt.Errorf("timeout waiting for ssh on %s after %s", t, timeout)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for ssh on %s: %w", t, ctx.Err())
		case <-ticker.C:
		}
	}
}

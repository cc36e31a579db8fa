// Package remote runs shell scripts on reserved lab machines over ssh.
//
// Lab machines are reprovisioned for every reservation, so host keys are
// neither checked nor recorded.
package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kballard/go-shellquote"

	"github.com/h3ow3d/cephtools/internal/runner"
)

// Target is the login on a remote machine.
type Target struct {
	User string
	Host string
}

func (t Target) String() string { return t.User + "@" + t.Host }

func (t Target) validate() error {
	if t.User == "" || t.Host == "" {
		return fmt.Errorf("invalid ssh target %q: user and host are required", t.String())
	}
	if strings.ContainsAny(t.String(), " \t\n") {
		return fmt.Errorf("invalid ssh target %q: contains whitespace", t.String())
	}
	return nil
}

// SSHArgs returns the ssh arguments that log in to t, without a remote command.
func SSHArgs(t Target) []string {
	return []string{
		"-o", "StrictHostKeyChecking=no",
		"-o", "UserKnownHostsFile=/dev/null",
		t.String(),
	}
}

// SSHCommand returns a shell-ready ssh command line for t.
func SSHCommand(t Target) string {
	return shellquote.Join(append([]string{"ssh"}, SSHArgs(t)...)...)
}

// ExitError reports a remote script that exited non-zero.
type ExitError struct {
	ExitCode int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("remote deployment failed with exit code %d", e.ExitCode)
}

// IsExitError reports whether err carries a remote exit status.
func IsExitError(err error) bool {
	var exitErr *ExitError
	return errors.As(err, &exitErr)
}

// Install streams script to bash on t and waits for it to finish.
func Install(ctx context.Context, exec runner.Executor, t Target, script string) error {
	if err := t.validate(); err != nil {
		return err
	}
	args := append(SSHArgs(t), "bash", "-se")
	res, err := exec.Run(ctx, runner.Command{Name: "ssh", Args: args, Stdin: script})
	if err != nil {
		return fmt.Errorf("ssh %s: %w", t, err)
	}
	if res.ExitCode != 0 {
		return &ExitError{ExitCode: res.ExitCode}
	}
	return nil
}

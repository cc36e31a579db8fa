// Package testflinger reserves lab machines through the testflinger CLI.
//
// A Session submits a reservation job, follows its poll output until the
// reservation banner appears, and can then install cephtools and VMaaS on
// the reserved machine over ssh.
package testflinger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/h3ow3d/cephtools/internal/config"
	"github.com/h3ow3d/cephtools/internal/log"
	"github.com/h3ow3d/cephtools/internal/remote"
	"github.com/h3ow3d/cephtools/internal/runner"
)

// Session drives reservations for one operator identity.
type Session struct {
	settings config.Testflinger
	backend  config.Backend
	exec     runner.Executor
	stream   runner.Streamer

	// Remote runs the ssh install step. Nil uses the session executor.
	Remote runner.Executor
	// ReachableTimeout bounds the wait for ssh before installing. Zero
	// uses remote.DefaultWait.
	ReachableTimeout time.Duration
	// Echo receives each line of poll output. Nil writes it to stdout.
	Echo func(string)
}

// NewSession returns a session using settings for defaults and backend as
// the reserving identity. Zero settings fields take the package defaults.
func NewSession(settings config.Testflinger, backend config.Backend, exec runner.Executor, stream runner.Streamer) *Session {
	if settings.Bin == "" {
		settings.Bin = config.DefaultTestflingerBin
	}
	if settings.Queue == "" {
		settings.Queue = config.DefaultQueue
	}
	if settings.ReserveFor <= 0 {
		settings.ReserveFor = config.DefaultReserveFor
	}
	if settings.DeployReserveFor <= 0 {
		settings.DeployReserveFor = config.DefaultDeployReserveFor
	}
	if settings.StopGrace <= 0 {
		settings.StopGrace = config.DefaultStopGrace
	}
	return &Session{settings: settings, backend: backend, exec: exec, stream: stream}
}

// Settings returns the effective settings of s.
func (s *Session) Settings() config.Testflinger { return s.settings }

func (s *Session) echo(line string) {
	if s.Echo != nil {
		s.Echo(line)
		return
	}
	log.Line(line)
}

// Reserve submits a reservation job for queue and waits until the machine is
// handed over. An empty queue uses the configured default.
func (s *Session) Reserve(ctx context.Context, queue string, reserveFor int) (Details, error) {
	if queue == "" {
		queue = s.settings.Queue
	}
	jobID, err := s.Submit(ctx, queue, reserveFor)
	if err != nil {
		return Details{}, err
	}
	log.Info(fmt.Sprintf("Submitted job %s to reserve %s. Waiting for details.", jobID, queue))

	proc, err := s.stream.Start(ctx, runner.Command{Name: s.settings.Bin, Args: []string{"poll", jobID}})
	if err != nil {
		return Details{}, fmt.Errorf("poll job %s: %w", jobID, err)
	}
	return AwaitReservation(ctx, proc, jobID, queue, s.echo)
}

// Deploy waits for ssh on the reserved machine, then installs cephtools and
// VMaaS on it.
func (s *Session) Deploy(ctx context.Context, d Details) error {
	exec := s.Remote
	if exec == nil {
		exec = s.exec
	}
	wait := s.ReachableTimeout
	if wait <= 0 {
		wait = remote.DefaultWait
	}
	target := remote.Target{User: d.User, Host: d.IP}
	err := remote.WaitReachable(ctx, s.exec, target, wait)
	if err == nil {
		err = remote.Install(ctx, exec, target, DeployScript())
	}
	if err != nil {
		return fmt.Errorf("failed to deploy VMaaS on queue %s (%s): %w", d.Queue, d.IP, err)
	}
	return nil
}

// SSHCommand returns the command line that logs in to the reserved machine.
func SSHCommand(d Details) string {
	return remote.SSHCommand(remote.Target{User: d.User, Host: d.IP})
}

// Summary describes a reservation for the operator, relative to now.
func Summary(d Details, bin string, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Reserved queue %s under job %s. Reservation expires at %s (%s).\n",
		d.Queue, d.JobID, d.ExpiresAt.Format(time.RFC3339), humanize.RelTime(d.ExpiresAt, now, "ago", "from now"))
	fmt.Fprintf(&b, "Connect with: %s\n", SSHCommand(d))
	fmt.Fprintf(&b, "Cancel early with: %s cancel %s\n", bin, d.JobID)
	return b.String()
}

// DeployScript is the script run on a reserved machine to install cephtools
// and bootstrap VMaaS.
func DeployScript() string {
	return strings.Join([]string{
		"set -euxo pipefail",
		"sudo snap install astral-uv --classic",
		"mkdir -p ~/src",
		"cd ~/src",
		"git clone https://github.com/canonical/cephtools.git",
		"cd cephtools/",
		"uv pip install --system --prefix ~/.local .",
		`export PATH="$PATH:$HOME/.local/bin"`,
		"cephtools vmaas install",
		"",
	}, "\n")
}

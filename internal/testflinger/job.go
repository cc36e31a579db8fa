package testflinger

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/h3ow3d/cephtools/internal/config"
	"github.com/h3ow3d/cephtools/internal/runner"
)

// Distro is the image every reservation is provisioned with.
const Distro = "noble"

const submittedLine = "Job submitted successfully!"

var (
	// ErrSubmitFailed is returned when testflinger submit exits non-zero.
	ErrSubmitFailed = errors.New("testflinger submit failed")
	// ErrUnexpectedSubmitOutput is returned when submit succeeds but its
	// output does not carry a job id in the expected shape.
	ErrUnexpectedSubmitOutput = errors.New("unexpected output from testflinger submit")
)

type job struct {
	Tags          []string      `yaml:"tags,omitempty"`
	JobQueue      string        `yaml:"job_queue"`
	ProvisionData provisionData `yaml:"provision_data"`
	ReserveData   reserveData   `yaml:"reserve_data"`
}

type provisionData struct {
	Distro string `yaml:"distro"`
}

type reserveData struct {
	SSHKeys []string `yaml:"ssh_keys"`
	Timeout int      `yaml:"timeout"`
}

// sshKeyRef turns a launchpad account into a testflinger key import reference.
// Accounts that already name their key server are used as given.
func sshKeyRef(account string) string {
	if strings.HasPrefix(account, "lp:") || strings.HasPrefix(account, "gh:") {
		return account
	}
	return "lp:" + account
}

// BuildJob renders the reservation job descriptor for queue.
func BuildJob(b config.Backend, queue string, reserveFor int) ([]byte, error) {
	if strings.TrimSpace(b.LaunchpadAccount) == "" {
		return nil, errors.New("build job: launchpad account is required")
	}
	if err := validateQueue(queue); err != nil {
		return nil, fmt.Errorf("build job: %w", err)
	}
	if reserveFor <= 0 {
		return nil, fmt.Errorf("build job: reservation time must be positive, got %d", reserveFor)
	}

	j := job{
		JobQueue:      queue,
		ProvisionData: provisionData{Distro: Distro},
		ReserveData: reserveData{
			SSHKeys: []string{sshKeyRef(b.LaunchpadAccount)},
			Timeout: reserveFor,
		},
	}
	if b.JobTag != "" {
		j.Tags = []string{b.JobTag}
	}

	var buf bytes.Buffer
	if b.MattermostName != "" {
		name := strings.Join(strings.Fields(b.MattermostName), " ")
		fmt.Fprintf(&buf, "# Ask %s on Mattermost if you have questions\n", name)
	}
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(j); err != nil {
		return nil, fmt.Errorf("encode job: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode job: %w", err)
	}
	return buf.Bytes(), nil
}

func validateQueue(queue string) error {
	if queue == "" {
		return errors.New("queue name is required")
	}
	if strings.ContainsAny(queue, " \t\r\n/") {
		return fmt.Errorf("queue name %q must not contain whitespace or '/'", queue)
	}
	return nil
}

// ParseSubmitOutput extracts the job id from the output of testflinger submit.
// The output must be exactly the confirmation line followed by a line whose
// last field is the job id.
func ParseSubmitOutput(stdout string) (string, error) {
	var lines []string
	for _, line := range strings.Split(stdout, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) != 2 || lines[0] != submittedLine {
		return "", fmt.Errorf("%w:\n%s", ErrUnexpectedSubmitOutput, stdout)
	}
	fields := strings.Fields(lines[1])
	if len(fields) < 2 {
		return "", fmt.Errorf("%w: could not extract job id from %q", ErrUnexpectedSubmitOutput, lines[1])
	}
	return fields[len(fields)-1], nil
}

// writeJob writes the descriptor to a fresh file in dir and returns its path.
func writeJob(dir, queue string, data []byte) (string, error) {
	id := uuid.New()
	path := filepath.Join(dir, fmt.Sprintf("reserve-%s-%s.yaml", queue, hex.EncodeToString(id[:])))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", fmt.Errorf("create job file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("write job file %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("write job file %s: %w", path, err)
	}
	return path, nil
}

// Submit renders and submits a reservation job for queue and returns the job
// id reported by testflinger. The job file is removed before Submit returns.
func (s *Session) Submit(ctx context.Context, queue string, reserveFor int) (string, error) {
	data, err := BuildJob(s.backend, queue, reserveFor)
	if err != nil {
		return "", err
	}
	dir, err := s.jobDir()
	if err != nil {
		return "", err
	}
	path, err := writeJob(dir, queue, data)
	if err != nil {
		return "", err
	}
	defer os.Remove(path)

	res, err := s.exec.Run(ctx, runner.Command{Name: s.settings.Bin, Args: []string{"submit", path}})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrSubmitFailed, err)
	}
	if res.ExitCode != 0 {
		msg := strings.TrimSpace(res.Stderr)
		if msg == "" {
			msg = strings.TrimSpace(res.Stdout)
		}
		if msg == "" {
			return "", fmt.Errorf("%w (exit code %d)", ErrSubmitFailed, res.ExitCode)
		}
		return "", fmt.Errorf("%w: %s", ErrSubmitFailed, msg)
	}
	return ParseSubmitOutput(res.Stdout)
}

func (s *Session) jobDir() (string, error) {
	if s.settings.JobDir != "" {
		return s.settings.JobDir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve job directory: %w", err)
	}
	return home, nil
}

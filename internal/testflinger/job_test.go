package testflinger_test

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/h3ow3d/cephtools/internal/config"
	"github.com/h3ow3d/cephtools/internal/runner"
	"github.com/h3ow3d/cephtools/internal/testflinger"
)

type jobDoc struct {
	Tags          []string `yaml:"tags"`
	JobQueue      string   `yaml:"job_queue"`
	ProvisionData struct {
		Distro string `yaml:"distro"`
	} `yaml:"provision_data"`
	ReserveData struct {
		SSHKeys []string `yaml:"ssh_keys"`
		Timeout int      `yaml:"timeout"`
	} `yaml:"reserve_data"`
}

func decodeJob(t *testing.T, data []byte) jobDoc {
	t.Helper()
	var doc jobDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		t.Fatalf("job is not valid yaml: %v\n%s", err, data)
	}
	return doc
}

func TestBuildJob(t *testing.T) {
	tests := []struct {
		name       string
		backend    config.Backend
		reserveFor int
		wantKey    string
		wantTags   []string
		wantHeader string
	}{
		{
			name:       "minimal",
			backend:    config.Backend{LaunchpadAccount: "alice"},
			reserveFor: 3600,
			wantKey:    "lp:alice",
		},
		{
			name:       "tag and mattermost",
			backend:    config.Backend{LaunchpadAccount: "alice", JobTag: "ceph", MattermostName: "@alice"},
			reserveFor: 7200,
			wantKey:    "lp:alice",
			wantTags:   []string{"ceph"},
			wantHeader: "# Ask @alice on Mattermost if you have questions\n",
		},
		{
			name:       "github key kept",
			backend:    config.Backend{LaunchpadAccount: "gh:alice"},
			reserveFor: 60,
			wantKey:    "gh:alice",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := testflinger.BuildJob(tt.backend, "ceph-qa-1", tt.reserveFor)
			if err != nil {
				t.Fatalf("BuildJob: %v", err)
			}
			doc := decodeJob(t, data)
			if len(doc.ReserveData.SSHKeys) != 1 || doc.ReserveData.SSHKeys[0] != tt.wantKey {
				t.Errorf("ssh_keys = %v, want [%s]", doc.ReserveData.SSHKeys, tt.wantKey)
			}
			if doc.ReserveData.Timeout != tt.reserveFor {
				t.Errorf("timeout = %d, want %d", doc.ReserveData.Timeout, tt.reserveFor)
			}
			if doc.JobQueue != "ceph-qa-1" {
				t.Errorf("job_queue = %q", doc.JobQueue)
			}
			if doc.ProvisionData.Distro != testflinger.Distro {
				t.Errorf("distro = %q", doc.ProvisionData.Distro)
			}
			if strings.Join(doc.Tags, ",") != strings.Join(tt.wantTags, ",") {
				t.Errorf("tags = %v, want %v", doc.Tags, tt.wantTags)
			}
			if tt.wantHeader != "" && !strings.HasPrefix(string(data), tt.wantHeader) {
				t.Errorf("job does not start with %q:\n%s", tt.wantHeader, data)
			}
			if tt.wantHeader == "" && strings.Contains(string(data), "#") {
				t.Errorf("unexpected comment in job:\n%s", data)
			}
		})
	}
}

func TestBuildJobRejectsBadInput(t *testing.T) {
	tests := []struct {
		name       string
		account    string
		queue      string
		reserveFor int
	}{
		{"no account", "", "q", 60},
		{"empty queue", "alice", "", 60},
		{"queue with space", "alice", "a b", 60},
		{"queue with slash", "alice", "../q", 60},
		{"zero reserve", "alice", "q", 0},
		{"negative reserve", "alice", "q", -5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := testflinger.BuildJob(config.Backend{LaunchpadAccount: tt.account}, tt.queue, tt.reserveFor); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestBuildJobMattermostNameStaysOnOneLine(t *testing.T) {
	data, err := testflinger.BuildJob(config.Backend{LaunchpadAccount: "alice", MattermostName: "bob\njob_queue: evil"}, "q", 60)
	if err != nil {
		t.Fatalf("BuildJob: %v", err)
	}
	if doc := decodeJob(t, data); doc.JobQueue != "q" {
		t.Errorf("job_queue = %q, want q", doc.JobQueue)
	}
}

func TestParseSubmitOutputRoundTrip(t *testing.T) {
	for _, id := range []string{"job-1", "5ad5c1e2-8a4d-4b1f-9f0e-0c8b3f0a1d22", "x"} {
		out := "Job submitted successfully!\nJob ID: " + id + "\n"
		got, err := testflinger.ParseSubmitOutput(out)
		if err != nil {
			t.Fatalf("ParseSubmitOutput(%q): %v", out, err)
		}
		if got != id {
			t.Errorf("job id = %q, want %q", got, id)
		}
	}
}

func TestParseSubmitOutputIgnoresBlankLines(t *testing.T) {
	got, err := testflinger.ParseSubmitOutput("\n  Job submitted successfully!  \n\n  Job ID: abc \n\n")
	if err != nil {
		t.Fatalf("ParseSubmitOutput: %v", err)
	}
	if got != "abc" {
		t.Errorf("job id = %q", got)
	}
}

func TestParseSubmitOutputRejectsOtherShapes(t *testing.T) {
	for _, out := range []string{
		"",
		"Job submitted successfully!\n",
		"Something else\nJob ID: abc\n",
		"Job submitted successfully!\nJob ID: abc\nextra\n",
		"Job submitted successfully!\nabc\n",
	} {
		_, err := testflinger.ParseSubmitOutput(out)
		if !errors.Is(err, testflinger.ErrUnexpectedSubmitOutput) {
			t.Errorf("ParseSubmitOutput(%q) err = %v, want ErrUnexpectedSubmitOutput", out, err)
		}
	}
}

func TestParseSubmitOutputErrorIncludesOutput(t *testing.T) {
	_, err := testflinger.ParseSubmitOutput("Queue does not exist\n")
	if err == nil || !strings.Contains(err.Error(), "Queue does not exist") {
		t.Errorf("err = %v, want captured output in message", err)
	}
}

func newSession(t *testing.T, fe *fakeExec, fs *fakeStreamer) *testflinger.Session {
	t.Helper()
	s := testflinger.NewSession(
		config.Testflinger{Bin: "tf", JobDir: t.TempDir()},
		config.Backend{LaunchpadAccount: "alice"},
		fe, fs,
	)
	s.Echo = func(string) {}
	return s
}

func assertDirEmpty(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("job directory not cleaned up: %v", entries)
	}
}

func TestSubmitRemovesJobFile(t *testing.T) {
	tests := []struct {
		name    string
		exec    *fakeExec
		wantErr error
	}{
		{
			name: "success",
			exec: &fakeExec{results: []runner.Result{{Stdout: "Job submitted successfully!\nJob ID: job-1\n"}}},
		},
		{
			name:    "non-zero exit",
			exec:    &fakeExec{results: []runner.Result{{ExitCode: 1, Stderr: "boom"}}},
			wantErr: testflinger.ErrSubmitFailed,
		},
		{
			name:    "bad output",
			exec:    &fakeExec{results: []runner.Result{{Stdout: "nope"}}},
			wantErr: testflinger.ErrUnexpectedSubmitOutput,
		},
		{
			name:    "cannot run",
			exec:    &fakeExec{err: errors.New("executable file not found")},
			wantErr: testflinger.ErrSubmitFailed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSession(t, tt.exec, &fakeStreamer{})
			_, err := s.Submit(context.Background(), "ceph-qa-1", 3600)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			assertDirEmpty(t, s.Settings().JobDir)
			if len(tt.exec.jobFiles) != 1 || tt.exec.jobFiles[0] == "" {
				t.Fatalf("job file was not present while submit ran")
			}
		})
	}
}

func TestSubmitCommandAndJob(t *testing.T) {
	fe := &fakeExec{results: []runner.Result{{Stdout: "Job submitted successfully!\nJob ID: job-1\n"}}}
	s := newSession(t, fe, &fakeStreamer{})

	id, err := s.Submit(context.Background(), "ceph-qa-1", 900)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if id != "job-1" {
		t.Errorf("job id = %q", id)
	}
	c := fe.calls[0]
	if c.Name != "tf" || len(c.Args) != 2 || c.Args[0] != "submit" {
		t.Fatalf("command = %s", c)
	}
	if !strings.HasPrefix(c.Args[1], s.Settings().JobDir+"/reserve-ceph-qa-1-") || !strings.HasSuffix(c.Args[1], ".yaml") {
		t.Errorf("job path = %q", c.Args[1])
	}
	doc := decodeJob(t, []byte(fe.jobFiles[0]))
	if doc.ReserveData.Timeout != 900 || doc.ReserveData.SSHKeys[0] != "lp:alice" {
		t.Errorf("submitted job = %+v", doc)
	}
}

func TestSubmitFailureMessage(t *testing.T) {
	tests := []struct {
		name string
		res  runner.Result
		want string
	}{
		{"stderr preferred", runner.Result{ExitCode: 1, Stderr: " queue closed \n", Stdout: "ignored"}, "testflinger submit failed: queue closed"},
		{"stdout fallback", runner.Result{ExitCode: 1, Stdout: "bad job\n"}, "testflinger submit failed: bad job"},
		{"generic", runner.Result{ExitCode: 2}, "testflinger submit failed (exit code 2)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSession(t, &fakeExec{results: []runner.Result{tt.res}}, &fakeStreamer{})
			_, err := s.Submit(context.Background(), "q", 60)
			if err == nil || err.Error() != tt.want {
				t.Errorf("err = %v, want %q", err, tt.want)
			}
		})
	}
}

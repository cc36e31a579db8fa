package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/h3ow3d/cephtools/internal/state"
)

// BackendFileName is the testflinger identity file kept under the state directory.
const BackendFileName = "testflinger.yaml"

// Backend identifies the operator to the remote lab. Empty optional fields
// are unset.
type Backend struct {
	// LaunchpadAccount is the only ssh credential granted on reserved machines.
	LaunchpadAccount string
	JobTag           string
	MattermostName   string
}

// backendFile is the on-disk shape; nil pointers are written as null.
type backendFile struct {
	LaunchpadAccount *string `yaml:"launchpad_account"`
	JobTag           *string `yaml:"job_tag"`
	MattermostName   *string `yaml:"mattermost_name"`
}

// BackendPath returns the location of the backend file for dirs.
func BackendPath(dirs state.Dirs) string { return dirs.File(BackendFileName) }

// LoadBackend reads the backend file at path.
func LoadBackend(path string) (Backend, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Backend{}, fmt.Errorf("read backend config %s: %w", path, err)
	}

	var raw map[string]*string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Backend{}, fmt.Errorf("parse backend config %s: %w", path, err)
	}
	account, ok := raw["launchpad_account"]
	if !ok {
		return Backend{}, fmt.Errorf("missing required key 'launchpad_account' in %s", path)
	}
	b := Backend{
		LaunchpadAccount: unset(account),
		JobTag:           unset(raw["job_tag"]),
		MattermostName:   unset(raw["mattermost_name"]),
	}
	if b.LaunchpadAccount == "" {
		return Backend{}, fmt.Errorf("incomplete configuration in %s: launchpad_account must be set", path)
	}
	return b, nil
}

// unset maps null, "none" and blank values to "".
func unset(v *string) string {
	if v == nil {
		return ""
	}
	s := strings.TrimSpace(*v)
	if strings.EqualFold(s, "none") {
		return ""
	}
	return s
}

// SaveBackend writes b to path, creating parent directories.
func SaveBackend(path string, b Backend) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create backend config dir: %w", err)
	}
	data, err := yaml.Marshal(backendFile{
		LaunchpadAccount: ptr(b.LaunchpadAccount),
		JobTag:           ptr(b.JobTag),
		MattermostName:   ptr(b.MattermostName),
	})
	if err != nil {
		return fmt.Errorf("encode backend config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write backend config %s: %w", path, err)
	}
	return nil
}

func ptr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// EnsureBackend returns the backend stored at path, or creates it from
// overrides when the file is missing. created reports whether the file was
// written by this call. Overrides are rejected when the file already exists.
func EnsureBackend(path string, overrides Backend) (b Backend, created bool, err error) {
	_, statErr := os.Stat(path)
	switch {
	case statErr == nil:
		if overrides != (Backend{}) {
			return Backend{}, false, fmt.Errorf("%s already exists; remove it or omit config overrides", path)
		}
		b, err = LoadBackend(path)
		return b, false, err
	case !errors.Is(statErr, os.ErrNotExist):
		return Backend{}, false, fmt.Errorf("stat backend config %s: %w", path, statErr)
	}

	if overrides.LaunchpadAccount == "" {
		return Backend{}, false, errors.New("configuration file is missing; provide --launchpad-account")
	}
	if err := SaveBackend(path, overrides); err != nil {
		return Backend{}, false, err
	}
	return overrides, true, nil
}

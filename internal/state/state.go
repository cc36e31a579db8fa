// Package state resolves the directory where cephtools keeps its generated
// files (cephtools.yaml, testflinger.yaml, cloud and credential snapshots).
package state

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnvVar overrides the state directory when set and non-empty.
const EnvVar = "CEPHTOOLS_STATE_HOME"

// Dirs holds the resolved state directory.
type Dirs struct {
	// State is $CEPHTOOLS_STATE_HOME, ~/src/cephtools/state or ~/cephtools/state.
	State string
}

// Default resolves the state directory from the environment without creating it.
// A checkout at ~/src/cephtools is preferred over the ~/cephtools fallback.
func Default() Dirs {
	if v := os.Getenv(EnvVar); v != "" {
		return Dirs{State: ExpandHome(v)}
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return Dirs{State: filepath.Join("cephtools", "state")}
	}
	preferred := filepath.Join(home, "src", "cephtools")
	if info, err := os.Stat(preferred); err == nil && info.IsDir() {
		return Dirs{State: filepath.Join(preferred, "state")}
	}
	return Dirs{State: filepath.Join(home, "cephtools", "state")}
}

// File returns the path of name under the state directory.
func (d Dirs) File(name string) string {
	return filepath.Join(d.State, name)
}

// Ensure creates the state directory with mode 0700 if it does not yet exist.
func (d Dirs) Ensure() error {
	if err := os.MkdirAll(d.State, 0o700); err != nil {
		return fmt.Errorf("create state directory %s: %w", d.State, err)
	}
	return nil
}

// ExpandHome replaces a leading "~" with the user's home directory.
func ExpandHome(p string) string {
	if p != "~" && !hasHomePrefix(p) {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	if p == "~" {
		return home
	}
	return filepath.Join(home, p[2:])
}

func hasHomePrefix(p string) bool {
	return len(p) >= 2 && p[0] == '~' && p[1] == filepath.Separator
}

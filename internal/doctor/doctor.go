// Package doctor checks that the tools cephtools drives are installed and
// that its state directory is usable.
package doctor

import (
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/h3ow3d/cephtools/internal/config"
	"github.com/h3ow3d/cephtools/internal/state"
)

// CheckResult holds the outcome of a single doctor check.
type CheckResult struct {
	Name     string
	OK       bool
	Message  string
	HowToFix string
}

// tools lists the executables cephtools shells out to, with install hints.
var tools = []struct {
	bin  string
	hint string
}{
	{"testflinger", "sudo snap install testflinger-cli"},
	{"ssh", "sudo apt install openssh-client"},
	{"juju", "sudo snap install juju"},
	{"charmcraft", "sudo snap install charmcraft --classic"},
	{"gh", "sudo snap install gh"},
}

// Run performs all checks and returns the results. It never returns an error
// itself; pass/fail is encoded in each CheckResult.
func Run(dirs state.Dirs, testflingerBin string) []CheckResult {
	var results []CheckResult
	for _, t := range tools {
		bin := t.bin
		if bin == "testflinger" && testflingerBin != "" {
			bin = testflingerBin
		}
		results = append(results, checkCommand(t.bin, bin, t.hint))
	}
	results = append(results, checkStateDir(dirs), checkSettings(dirs), checkBackend(dirs))
	return results
}

// Failed reports whether any result did not pass.
func Failed(results []CheckResult) bool {
	for _, r := range results {
		if !r.OK {
			return true
		}
	}
	return false
}

// checkCommand verifies that an executable is on PATH.
func checkCommand(name, bin, hint string) CheckResult {
	path, err := exec.LookPath(bin)
	if err != nil {
		return CheckResult{
			Name:     name,
			OK:       false,
			Message:  fmt.Sprintf("%s not found in PATH", bin),
			HowToFix: hint,
		}
	}
	return CheckResult{Name: name, OK: true, Message: fmt.Sprintf("%s found", path)}
}

func checkStateDir(dirs state.Dirs) CheckResult {
	const name = "state directory"
	if err := dirs.Ensure(); err != nil {
		return CheckResult{
			Name:     name,
			OK:       false,
			Message:  fmt.Sprintf("cannot create state directory: %v", err),
			HowToFix: fmt.Sprintf("Make %s writable or point %s at a writable directory.", dirs.State, state.EnvVar),
		}
	}
	probe, err := os.CreateTemp(dirs.State, ".doctor-*")
	if err != nil {
		return CheckResult{
			Name:     name,
			OK:       false,
			Message:  fmt.Sprintf("state directory is not writable: %v", err),
			HowToFix: fmt.Sprintf("Check the permissions of %s.", dirs.State),
		}
	}
	probe.Close()
	os.Remove(probe.Name())
	return CheckResult{Name: name, OK: true, Message: fmt.Sprintf("%s is writable", dirs.State)}
}

func checkSettings(dirs state.Dirs) CheckResult {
	const name = "settings"
	path := config.Path(dirs)
	if _, err := config.Load(path, false); err != nil {
		return CheckResult{
			Name:     name,
			OK:       false,
			Message:  err.Error(),
			HowToFix: fmt.Sprintf("Fix %s, or remove it to regenerate the defaults.", path),
		}
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return CheckResult{Name: name, OK: true, Message: fmt.Sprintf("%s not present; using defaults", path)}
	}
	return CheckResult{Name: name, OK: true, Message: fmt.Sprintf("%s is valid", path)}
}

func checkBackend(dirs state.Dirs) CheckResult {
	const name = "testflinger identity"
	path := config.BackendPath(dirs)
	b, err := config.LoadBackend(path)
	if err != nil {
		return CheckResult{
			Name:     name,
			OK:       false,
			Message:  err.Error(),
			HowToFix: "Run: cephtools testflinger reserve --launchpad-account <account>",
		}
	}
	return CheckResult{Name: name, OK: true, Message: fmt.Sprintf("reserving as %s", b.LaunchpadAccount)}
}

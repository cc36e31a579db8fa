// Package juju reads deployment state from the juju CLI.
package juju

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/h3ow3d/cephtools/internal/runner"
)

type status struct {
	Applications map[string]struct {
		Units map[string]struct {
			Machine json.RawMessage `json:"machine"`
		} `json:"units"`
	} `json:"applications"`
}

// ApplicationMachines returns the sorted machine numbers hosting units of app
// in model. Units without a numeric machine are skipped.
func ApplicationMachines(ctx context.Context, exec runner.Executor, model, app string) ([]int, error) {
	res, err := exec.Run(ctx, runner.Command{
		Name: "juju",
		Args: []string{"status", "--model", model, "--format", "json"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch Juju status: %w", err)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("failed to fetch Juju status: %s", FailureMessage(res))
	}
	return ParseApplicationMachines([]byte(res.Stdout), app)
}

// ParseApplicationMachines extracts the machines of app from juju status JSON.
func ParseApplicationMachines(data []byte, app string) ([]int, error) {
	var st status
	if len(strings.TrimSpace(string(data))) > 0 {
		if err := json.Unmarshal(data, &st); err != nil {
			return nil, fmt.Errorf("decode juju status: %w", err)
		}
	}
	entry, ok := st.Applications[app]
	if !ok {
		return nil, nil
	}

	seen := make(map[int]bool)
	var machines []int
	for _, unit := range entry.Units {
		n, ok := machineNumber(unit.Machine)
		if !ok || seen[n] {
			continue
		}
		seen[n] = true
		machines = append(machines, n)
	}
	sort.Ints(machines)
	return machines, nil
}

// machineNumber accepts a machine given as a JSON number or a numeric string.
// Container placements such as "0/lxd/1" are not machines.
func machineNumber(raw json.RawMessage) (int, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		s = string(raw)
	}
	s = strings.TrimSpace(s)
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}

// FailureMessage describes a failed juju invocation, preferring stderr.
func FailureMessage(res runner.Result) string {
	if msg := strings.TrimSpace(res.Stderr); msg != "" {
		return msg
	}
	if msg := strings.TrimSpace(res.Stdout); msg != "" {
		return msg
	}
	return fmt.Sprintf("exit code %d", res.ExitCode)
}

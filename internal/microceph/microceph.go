// Package microceph runs microceph commands on every node of a juju-deployed
// MicroCeph cluster.
package microceph

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/kballard/go-shellquote"

	"github.com/h3ow3d/cephtools/internal/juju"
	"github.com/h3ow3d/cephtools/internal/log"
	"github.com/h3ow3d/cephtools/internal/runner"
)

// Application is the juju application name of MicroCeph.
const Application = "microceph"

// ParseNodes validates node numbers given on the command line.
func ParseNodes(values []string) ([]int, error) {
	nodes := make([]int, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			return nil, errors.New("--nodes entries must be non-empty integers")
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("--nodes entries must be integers, got %q", v)
		}
		if n < 0 {
			return nil, errors.New("--nodes entries must be non-negative integers")
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// ResolveNodes returns the override nodes when any are given, otherwise the
// machines hosting MicroCeph in model.
func ResolveNodes(ctx context.Context, exec runner.Executor, override []string, model string) ([]int, error) {
	if len(override) > 0 {
		return ParseNodes(override)
	}
	if model == "" {
		return nil, errors.New("unable to determine Juju model: configure 'juju_model' or provide --nodes")
	}
	nodes, err := juju.ApplicationMachines(ctx, exec, model, Application)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, errors.New("no microceph units found in Juju status: ensure the application is deployed or provide --nodes")
	}
	return nodes, nil
}

// Options controls RunOnAllNodes.
type Options struct {
	Sudo   bool
	DryRun bool
}

// RunOnAllNodes runs command on each node in turn through juju ssh. Every
// node is attempted; failures are reported together afterwards.
func RunOnAllNodes(ctx context.Context, exec runner.Executor, nodes []int, command []string, opts Options) error {
	if len(nodes) == 0 {
		return errors.New("no nodes available to run the command")
	}
	if len(command) == 0 {
		return errors.New("no command to run")
	}
	remote := command
	if opts.Sudo {
		remote = append([]string{"sudo"}, command...)
	}

	var failures []string
	for _, node := range nodes {
		log.Line(fmt.Sprintf("[%d] %s", node, shellquote.Join(remote...)))
		if opts.DryRun {
			continue
		}
		args := append([]string{"ssh", strconv.Itoa(node)}, remote...)
		res, err := exec.Run(ctx, runner.Command{Name: "juju", Args: args})
		if err != nil {
			return fmt.Errorf("juju ssh %d: %w", node, err)
		}
		if res.ExitCode == 0 {
			continue
		}
		line := fmt.Sprintf("- %d: exit code %d", node, res.ExitCode)
		if stderr := strings.TrimSpace(res.Stderr); stderr != "" {
			line += fmt.Sprintf(" (stderr: %s)", stderr)
		}
		failures = append(failures, line)
	}
	if len(failures) > 0 {
		return fmt.Errorf("command failed on one or more nodes:\n%s", strings.Join(failures, "\n"))
	}
	return nil
}

// DiskAdd returns the microceph command that adds disks.
func DiskAdd(diskArgs []string) []string {
	return append([]string{"microceph", "disk", "add"}, diskArgs...)
}

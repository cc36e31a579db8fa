// Package reltool promotes charm revisions between Charmhub channels and
// lists the pull requests that landed between two released revisions.
package reltool

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/gosuri/uitable"

	"github.com/h3ow3d/cephtools/internal/log"
	"github.com/h3ow3d/cephtools/internal/runner"
)

// ReleaseOptions selects what Promote releases.
type ReleaseOptions struct {
	// Source and Target are channels such as "squid/edge" and "squid/beta".
	Source string
	Target string
	// Base is the base channel the revisions are built for, e.g. "24.04".
	Base string
	// Apply performs the release; otherwise Promote only reports the plan.
	Apply bool
}

type charmStatus []struct {
	Mappings []struct {
		Base *struct {
			Channel string `json:"channel"`
		} `json:"base"`
		Releases []struct {
			Channel  string `json:"channel"`
			Revision *int   `json:"revision"`
		} `json:"releases"`
	} `json:"mappings"`
}

// Revisions returns the revisions released to source for base, in the order
// charmcraft status reports them.
func Revisions(status []byte, base, source string) ([]int, error) {
	var st charmStatus
	if err := json.Unmarshal(status, &st); err != nil {
		return nil, fmt.Errorf("decode charmcraft status: %w", err)
	}
	seen := make(map[int]bool)
	var revs []int
	for _, track := range st {
		for _, m := range track.Mappings {
			if m.Base == nil || m.Base.Channel != base {
				continue
			}
			for _, r := range m.Releases {
				if r.Channel != source || r.Revision == nil || seen[*r.Revision] {
					continue
				}
				seen[*r.Revision] = true
				revs = append(revs, *r.Revision)
			}
		}
	}
	return revs, nil
}

func charmcraftStatus(ctx context.Context, exec runner.Executor, charm string) ([]byte, error) {
	res, err := exec.Run(ctx, runner.Command{Name: "charmcraft", Args: []string{"status", charm, "--format", "json"}})
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("charmcraft status exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return []byte(res.Stdout), nil
}

// Promote releases, or with Apply unset reports, the source revisions of each
// charm to the target channel. A failing charm does not stop the others.
func Promote(ctx context.Context, exec runner.Executor, w io.Writer, charms []string, opts ReleaseOptions) error {
	if !opts.Apply {
		log.Skip("Dry run mode: no changes will be made.")
	}

	table := uitable.New()
	table.MaxColWidth = 50
	table.AddRow("CHARM", "REVISION", "TARGET", "RESULT")

	var failed []string
	for _, charm := range charms {
		status, err := charmcraftStatus(ctx, exec, charm)
		if err != nil {
			log.Error(fmt.Sprintf("Could not get status for charm %s: %v", charm, err))
			failed = append(failed, charm)
			continue
		}
		revs, err := Revisions(status, opts.Base, opts.Source)
		if err != nil {
			log.Error(fmt.Sprintf("Could not get status for charm %s: %v", charm, err))
			failed = append(failed, charm)
			continue
		}
		if len(revs) == 0 {
			log.Skip(fmt.Sprintf("%s: nothing released to %s for base %s", charm, opts.Source, opts.Base))
			continue
		}

		for _, rev := range revs {
			if !opts.Apply {
				table.AddRow(charm, rev, opts.Target, "would release")
				continue
			}
			log.Info(fmt.Sprintf("Releasing %s %d to %s", charm, rev, opts.Target))
			res, err := exec.Run(ctx, runner.Command{
				Name: "charmcraft",
				Args: []string{"release", "-r", strconv.Itoa(rev), "-c", opts.Target, charm},
			})
			if err == nil && res.ExitCode != 0 {
				err = fmt.Errorf("exit code %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
			}
			if err != nil {
				log.Error(fmt.Sprintf("Failed to release charm %s revision %d: %v", charm, rev, err))
				table.AddRow(charm, rev, opts.Target, "failed")
				failed = append(failed, fmt.Sprintf("%s revision %d", charm, rev))
				continue
			}
			table.AddRow(charm, rev, opts.Target, "released")
		}
	}

	fmt.Fprintln(w, table)
	if len(failed) > 0 {
		return fmt.Errorf("release incomplete, failed: %s", strings.Join(failed, ", "))
	}
	return nil
}

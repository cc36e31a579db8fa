package reltool

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gosuri/uitable"
	"github.com/klauspost/compress/zip"

	"github.com/h3ow3d/cephtools/internal/juju"
	"github.com/h3ow3d/cephtools/internal/runner"
	"github.com/h3ow3d/cephtools/internal/state"
)

// DownloadDir is where charms are downloaded; the juju snap can only write
// inside its own common directory.
const DownloadDir = "~/snap/juju/common"

const gitInfoFile = "git-info.txt"

// PR is a closed pull request as reported by gh pr list.
type PR struct {
	Number   int       `json:"number"`
	Title    string    `json:"title"`
	URL      string    `json:"url"`
	ClosedAt time.Time `json:"closedAt"`
	Files    []struct {
		Path string `json:"path"`
	} `json:"files"`
}

// ListOptions selects the revisions and repository ListPRs compares.
type ListOptions struct {
	Charm      string
	Source     string
	Target     string
	Base       string
	BaseBranch string
	// Repo is the local checkout gh runs in.
	Repo string
}

var commitDateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05 -0700",
}

// CommitDate reads the commit_date recorded in a charm archive.
func CommitDate(charmPath string) (time.Time, error) {
	zr, err := zip.OpenReader(charmPath)
	if err != nil {
		return time.Time{}, fmt.Errorf("open charm %s: %w", charmPath, err)
	}
	defer zr.Close()

	var entry *zip.File
	for _, zf := range zr.File {
		if zf.Name == gitInfoFile {
			entry = zf
			break
		}
	}
	if entry == nil {
		return time.Time{}, fmt.Errorf("%s not found in %s", gitInfoFile, charmPath)
	}
	f, err := entry.Open()
	if err != nil {
		return time.Time{}, fmt.Errorf("read %s from %s: %w", gitInfoFile, charmPath, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		value, ok := strings.CutPrefix(sc.Text(), "commit_date:")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		for _, layout := range commitDateLayouts {
			if ts, err := time.Parse(layout, value); err == nil {
				return ts, nil
			}
		}
		return time.Time{}, fmt.Errorf("unrecognised commit_date %q in %s", value, charmPath)
	}
	if err := sc.Err(); err != nil {
		return time.Time{}, fmt.Errorf("read %s: %w", gitInfoFile, err)
	}
	return time.Time{}, fmt.Errorf("commit_date not found in %s", gitInfoFile)
}

// DownloadCommitDate downloads the charm released to channel for base and
// returns its commit date. The download is removed afterwards.
func DownloadCommitDate(ctx context.Context, exec runner.Executor, charm, channel, base string) (time.Time, error) {
	dir := state.ExpandHome(DownloadDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return time.Time{}, fmt.Errorf("create download dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "*.charm")
	if err != nil {
		return time.Time{}, fmt.Errorf("create download file: %w", err)
	}
	dest := tmp.Name()
	tmp.Close()
	defer os.Remove(dest)

	res, err := exec.Run(ctx, runner.Command{
		Name: "juju",
		Args: []string{"download", charm, "--channel", channel, "--base", base, "--filepath", dest},
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("juju download %s (%s): %w", charm, channel, err)
	}
	if res.ExitCode != 0 {
		return time.Time{}, fmt.Errorf("juju download %s (%s): %s", charm, channel, juju.FailureMessage(res))
	}
	return CommitDate(dest)
}

// FilterPRs keeps the PRs closed in (start, end] that touch files under the
// charm's directory.
func FilterPRs(prs []PR, charm string, start, end time.Time) []PR {
	prefix := charm + "/"
	var matched []PR
	for _, pr := range prs {
		if !pr.ClosedAt.After(start) || pr.ClosedAt.After(end) {
			continue
		}
		for _, f := range pr.Files {
			if strings.HasPrefix(f.Path, prefix) {
				matched = append(matched, pr)
				break
			}
		}
	}
	return matched
}

func closedPRs(ctx context.Context, exec runner.Executor, baseBranch, repo string) ([]PR, error) {
	res, err := exec.Run(ctx, runner.Command{
		Name: "gh",
		Args: []string{"pr", "list", "--base", baseBranch, "--state", "closed", "--json", "number,url,closedAt,title,files"},
		Dir:  repo,
	})
	if err != nil {
		return nil, fmt.Errorf("gh pr list: %w", err)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("gh pr list: %s", strings.TrimSpace(res.Stderr))
	}
	var prs []PR
	if err := json.Unmarshal([]byte(res.Stdout), &prs); err != nil {
		return nil, fmt.Errorf("decode gh pr list: %w", err)
	}
	return prs, nil
}

// ListPRs writes the PRs for a charm that landed between the revisions
// released to the source and target channels.
func ListPRs(ctx context.Context, exec runner.Executor, w io.Writer, opts ListOptions) error {
	if opts.Charm == "" || opts.BaseBranch == "" {
		return errors.New("list prs: charm and base branch are required")
	}
	repo, err := filepath.Abs(state.ExpandHome(opts.Repo))
	if err != nil {
		return fmt.Errorf("resolve repo path: %w", err)
	}
	start, err := DownloadCommitDate(ctx, exec, opts.Charm, opts.Source, opts.Base)
	if err != nil {
		return err
	}
	end, err := DownloadCommitDate(ctx, exec, opts.Charm, opts.Target, opts.Base)
	if err != nil {
		return err
	}
	prs, err := closedPRs(ctx, exec, opts.BaseBranch, repo)
	if err != nil {
		return err
	}

	table := uitable.New()
	table.MaxColWidth = 60
	table.Wrap = true
	table.AddRow("PR", "TITLE", "CLOSED", "URL")
	for _, pr := range FilterPRs(prs, opts.Charm, start, end) {
		table.AddRow(fmt.Sprintf("#%d", pr.Number), pr.Title, pr.ClosedAt.Format(time.RFC3339), pr.URL)
	}
	fmt.Fprintln(w, table)
	return nil
}

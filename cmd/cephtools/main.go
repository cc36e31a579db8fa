// cephtools – Ceph charm engineering helpers
//
// Usage:
//
//	cephtools testflinger reserve [QUEUE]   – reserve a lab machine
//	cephtools testflinger deploy  [QUEUE]   – reserve a machine and install VMaaS on it
//	cephtools charm-rel SOURCE TARGET BASE CHARM...
//	cephtools list-prs CHARM SOURCE TARGET BASE BASE_BRANCH
//	cephtools microceph disk add DISK_ARGS...
//	cephtools config show
//	cephtools doctor
package main

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"os/signal"
	"slices"
	"strings"
	"time"

	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/h3ow3d/cephtools/internal/config"
	"github.com/h3ow3d/cephtools/internal/doctor"
	"github.com/h3ow3d/cephtools/internal/log"
	"github.com/h3ow3d/cephtools/internal/microceph"
	"github.com/h3ow3d/cephtools/internal/reltool"
	"github.com/h3ow3d/cephtools/internal/runner"
	"github.com/h3ow3d/cephtools/internal/state"
	"github.com/h3ow3d/cephtools/internal/testflinger"
)

// exitInterrupted is the conventional status for a command stopped by SIGINT.
const exitInterrupted = 130

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)

	err := rootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		log.Error(err.Error())
		if errors.Is(err, context.Canceled) {
			os.Exit(exitInterrupted)
		}
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var verbose bool
	root := &cobra.Command{
		Use:   "cephtools",
		Short: "Ceph charm engineering helpers",
		Long: `cephtools wraps testflinger, juju, charmcraft and gh into the workflows
used to test and release the Ceph charms.

Settings are read from cephtools.yaml in the state directory
($CEPHTOOLS_STATE_HOME, ~/src/cephtools/state or ~/cephtools/state).`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			log.SetVerbose(verbose)
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "print debug output")

	root.AddCommand(testflingerCmd(), charmRelCmd(), listPRsCmd(), microcephCmd(), configCmd(), doctorCmd())
	return root
}

// loadSettings reads cephtools.yaml, writing the defaults on first use.
func loadSettings() (state.Dirs, *config.Settings, error) {
	dirs := state.Default()
	settings, err := config.Load(config.Path(dirs), true)
	if err != nil {
		return dirs, nil, err
	}
	return dirs, settings, nil
}

// ── testflinger ───────────────────────────────────────────────────────────────

type reserveFlags struct {
	reserveFor     int
	configPath     string
	account        string
	jobTag         string
	mattermostName string
	testflingerBin string
}

func (f *reserveFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVar(&f.reserveFor, "reserve-for", 0, "reservation duration in seconds (default from settings)")
	cmd.Flags().StringVar(&f.configPath, "config", "", "path to the backend configuration file (default <state>/testflinger.yaml)")
	cmd.Flags().StringVar(&f.account, "launchpad-account", "", "Launchpad account used for ssh access")
	cmd.Flags().StringVar(&f.jobTag, "job-tag", "", "optional job tag to include in submitted jobs")
	cmd.Flags().StringVar(&f.mattermostName, "mattermost-name", "", "optional Mattermost handle to add to job comments")
	cmd.Flags().StringVar(&f.testflingerBin, "testflinger-bin", "", "path to the testflinger CLI binary (default from settings)")
}

func testflingerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "testflinger",
		Short: "Reserve lab machines through testflinger",
	}

	var rf reserveFlags
	reserve := &cobra.Command{
		Use:   "reserve [QUEUE]",
		Short: "Reserve a testflinger queue and print ssh access details",
		Long: `Submits a reservation job, follows its output until the machine is
handed over, then prints how to connect and how to cancel early.

On first use pass --launchpad-account to record the identity granted ssh
access; the command stops after writing the file so it can be reviewed.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReserve(cmd, args, &rf, false)
		},
	}
	rf.register(reserve)

	var df reserveFlags
	deploy := &cobra.Command{
		Use:   "deploy [QUEUE]",
		Short: "Reserve a queue and install cephtools and VMaaS on it",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReserve(cmd, args, &df, true)
		},
	}
	df.register(deploy)

	cmd.AddCommand(reserve, deploy)
	return cmd
}

func runReserve(cmd *cobra.Command, args []string, f *reserveFlags, deploy bool) error {
	if cmd.Flags().Changed("reserve-for") && f.reserveFor <= 0 {
		return errors.New("--reserve-for must be a positive integer")
	}
	dirs, settings, err := loadSettings()
	if err != nil {
		return err
	}

	tf := settings.Testflinger
	if f.testflingerBin != "" {
		tf.Bin = f.testflingerBin
	}
	reserveFor := f.reserveFor
	if reserveFor == 0 {
		reserveFor = tf.ReserveFor
		if deploy {
			reserveFor = tf.DeployReserveFor
		}
	}
	queue := ""
	if len(args) == 1 {
		queue = args[0]
	}

	backendPath := f.configPath
	if backendPath == "" {
		backendPath = config.BackendPath(dirs)
	}
	backend, created, err := config.EnsureBackend(state.ExpandHome(backendPath), config.Backend{
		LaunchpadAccount: f.account,
		JobTag:           f.jobTag,
		MattermostName:   f.mattermostName,
	})
	if err != nil {
		return err
	}
	if created {
		log.Ok(fmt.Sprintf("Wrote testflinger configuration to %s. Review it and rerun the command.", backendPath))
		return nil
	}

	session := testflinger.NewSession(tf, backend, runner.Exec{}, runner.ExecStreamer{Grace: tf.StopGrace})
	session.Remote = runner.Exec{Echo: true, Stdout: os.Stdout, Stderr: os.Stderr}

	ctx := cmd.Context()
	details, err := session.Reserve(ctx, queue, reserveFor)
	if err != nil {
		return err
	}
	printSummary(details, session.Settings().Bin)
	if !deploy {
		return nil
	}

	log.Blank()
	log.Info("Configuring remote environment for VMaaS deployment.")
	if err := session.Deploy(ctx, details); err != nil {
		return err
	}
	log.Ok("Remote deployment succeeded. VMaaS should now be installed.")
	log.Line("Connect with: " + testflinger.SSHCommand(details))
	return nil
}

func printSummary(d testflinger.Details, bin string) {
	log.Blank()
	for _, line := range strings.Split(strings.TrimRight(testflinger.Summary(d, bin, time.Now()), "\n"), "\n") {
		log.Line(line)
	}
}

// ── charm-rel / list-prs ──────────────────────────────────────────────────────

func charmRelCmd() *cobra.Command {
	var apply bool
	cmd := &cobra.Command{
		Use:   "charm-rel SOURCE TARGET BASE CHARM...",
		Short: "Release charm revisions from a source channel to a target channel",
		Long: `Looks up the revisions each charm has released to SOURCE for the given
base channel and releases them to TARGET.

Without --apply only the plan is printed.`,
		Args: cobra.MinimumNArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			return reltool.Promote(cmd.Context(), runner.Exec{}, cmd.OutOrStdout(), args[3:], reltool.ReleaseOptions{
				Source: args[0],
				Target: args[1],
				Base:   args[2],
				Apply:  apply,
			})
		},
	}
	cmd.Flags().BoolVar(&apply, "apply", false, "apply the release; without it a dry run is performed")
	return cmd
}

func listPRsCmd() *cobra.Command {
	var repo string
	cmd := &cobra.Command{
		Use:   "list-prs CHARM SOURCE TARGET BASE BASE_BRANCH",
		Short: "List the PRs for a charm that landed between two released revisions",
		Args:  cobra.ExactArgs(5),
		RunE: func(cmd *cobra.Command, args []string) error {
			return reltool.ListPRs(cmd.Context(), runner.Exec{}, cmd.OutOrStdout(), reltool.ListOptions{
				Charm:      args[0],
				Source:     args[1],
				Target:     args[2],
				Base:       args[3],
				BaseBranch: args[4],
				Repo:       repo,
			})
		},
	}
	cmd.Flags().StringVar(&repo, "repo", ".", "path to the git repository for the charms")
	return cmd
}

// ── microceph ─────────────────────────────────────────────────────────────────

func microcephCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "microceph",
		Short: "MicroCeph cluster helpers",
	}
	disk := &cobra.Command{
		Use:   "disk",
		Short: "MicroCeph disk management helpers",
	}

	var (
		nodes  []string
		noSudo bool
		dryRun bool
	)
	add := &cobra.Command{
		Use:   "add DISK_ARGS...",
		Short: "Add disks to every node in the MicroCeph cluster",
		Long: `Runs "microceph disk add DISK_ARGS..." on every node through juju ssh.

Nodes default to the machines of the microceph application in the configured
juju model. Put DISK_ARGS after "--" when they start with a dash.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, settings, err := loadSettings()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			resolved, err := microceph.ResolveNodes(ctx, runner.Exec{}, nodes, settings.JujuModel)
			if err != nil {
				return err
			}
			exec := runner.Exec{Stdout: os.Stdout, Stderr: os.Stderr}
			return microceph.RunOnAllNodes(ctx, exec, resolved, microceph.DiskAdd(args), microceph.Options{
				Sudo:   !noSudo,
				DryRun: dryRun,
			})
		},
	}
	add.Flags().StringSliceVar(&nodes, "nodes", nil, "override the node list (repeatable or comma separated)")
	add.Flags().BoolVar(&noSudo, "no-sudo", false, "run microceph without sudo on the remote hosts")
	add.Flags().BoolVar(&dryRun, "dry-run", false, "only print the commands that would be executed")

	disk.AddCommand(add)
	cmd.AddCommand(disk)
	return cmd
}

// ── config ────────────────────────────────────────────────────────────────────

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect cephtools settings",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dirs, settings, err := loadSettings()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), settingsTable(dirs, settings))
			return nil
		},
	})
	return cmd
}

func settingsTable(dirs state.Dirs, s *config.Settings) *uitable.Table {
	table := uitable.New()
	table.MaxColWidth = 80
	table.AddRow("KEY", "VALUE")
	table.AddRow("state_dir", dirs.State)
	table.AddRow("terraform_root", s.TerraformRoot)
	table.AddRow("juju_model", s.JujuModel)
	table.AddRow("testflinger.bin", s.Testflinger.Bin)
	table.AddRow("testflinger.queue", s.Testflinger.Queue)
	table.AddRow("testflinger.reserve_for", s.Testflinger.ReserveFor)
	table.AddRow("testflinger.deploy_reserve_for", s.Testflinger.DeployReserveFor)
	table.AddRow("testflinger.job_dir", s.Testflinger.JobDir)
	table.AddRow("testflinger.stop_grace", s.Testflinger.StopGrace)
	for _, k := range slices.Sorted(maps.Keys(s.VMaaS)) {
		table.AddRow("vmaas."+k, s.VMaaS[k])
	}
	return table
}

// ── doctor ────────────────────────────────────────────────────────────────────

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check that the tools cephtools drives are installed",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			dirs := state.Default()
			bin := ""
			if settings, err := config.Load(config.Path(dirs), false); err == nil {
				bin = settings.Testflinger.Bin
			}
			results := doctor.Run(dirs, bin)
			for _, r := range results {
				if r.OK {
					log.Ok(fmt.Sprintf("%s: %s", r.Name, r.Message))
					continue
				}
				log.Error(fmt.Sprintf("%s: %s", r.Name, r.Message))
				for _, line := range strings.Split(r.HowToFix, "\n") {
					log.Line("    " + line)
				}
			}
			if doctor.Failed(results) {
				return errors.New("some checks failed")
			}
			return nil
		},
	}
}

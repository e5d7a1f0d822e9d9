package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/roach88/crossdevice/internal/harness"
)

// SimulateOptions holds flags for the simulate command.
type SimulateOptions struct {
	*RootOptions
	ShowTrace bool
}

// ScenarioResult is the outcome of one scenario.
type ScenarioResult struct {
	Name   string               `json:"name"`
	Path   string               `json:"path"`
	Pass   bool                 `json:"pass"`
	Errors []string             `json:"errors,omitempty"`
	Trace  []harness.TraceEvent `json:"trace,omitempty"`
}

// SimulateResult summarizes a simulate run.
type SimulateResult struct {
	Scenarios []ScenarioResult `json:"scenarios"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Total     int              `json:"total"`
}

// NewSimulateCommand creates the simulate command.
func NewSimulateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SimulateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "simulate <scenario.yaml|dir>...",
		Short: "Run scenarios against an in-memory engine",
		Long: `Run scenario files against a freshly wired engine.

Each scenario gets its own in-memory database, a manual clock and
sequential IDs. A directory argument runs every *.yaml file in it.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (missing or invalid scenario file)

Examples:
  crossdevice simulate ./scenarios/crisis.yaml
  crossdevice simulate ./scenarios --trace
  crossdevice simulate ./scenarios --format json`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(opts, args, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.ShowTrace, "trace", false, "include the event trace of every scenario")

	return cmd
}

func runSimulate(opts *SimulateOptions, args []string, cmd *cobra.Command) error {
	paths, err := scenarioPaths(args)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to find scenarios", err)
	}
	if len(paths) == 0 {
		return NewExitError(ExitCommandError, "no scenario files found")
	}

	out := opts.formatter(cmd)
	logger := opts.Logger()
	summary := SimulateResult{Scenarios: []ScenarioResult{}}
	for _, path := range paths {
		s, err := harness.LoadScenario(path)
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("failed to load %s", path), err)
		}
		out.VerboseLog("running %s (%s)", s.Name, path)

		res, err := harness.Run(cmd.Context(), s,
			harness.WithLogger(logger.Named(s.Name)),
			harness.WithStoreDriver(opts.driver()),
		)
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("failed to run %s", s.Name), err)
		}

		sr := ScenarioResult{Name: s.Name, Path: path, Pass: res.Pass, Errors: res.Errors}
		if opts.ShowTrace {
			sr.Trace = res.Trace
		}
		summary.Scenarios = append(summary.Scenarios, sr)
		summary.Total++
		if res.Pass {
			summary.Passed++
		} else {
			summary.Failed++
		}
	}

	if out.JSON() {
		if err := out.Success(summary); err != nil {
			return err
		}
	} else {
		printSimulateText(cmd, summary)
	}
	if summary.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d scenarios failed", summary.Failed, summary.Total))
	}
	return nil
}

// scenarioPaths expands directory arguments to their YAML files.
func scenarioPaths(args []string) ([]string, error) {
	var paths []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			paths = append(paths, arg)
			continue
		}
		matches, err := filepath.Glob(filepath.Join(arg, "*.yaml"))
		if err != nil {
			return nil, err
		}
		sort.Strings(matches)
		paths = append(paths, matches...)
	}
	return paths, nil
}

func printSimulateText(cmd *cobra.Command, summary SimulateResult) {
	w := cmd.OutOrStdout()
	for _, sr := range summary.Scenarios {
		status := "PASS"
		if !sr.Pass {
			status = "FAIL"
		}
		fmt.Fprintf(w, "%s  %s\n", status, sr.Name)
		for _, e := range sr.Errors {
			fmt.Fprintf(w, "      %s\n", e)
		}
		for _, ev := range sr.Trace {
			fmt.Fprintf(w, "      [%d] step %d %s %s\n", ev.Seq, ev.Step, ev.Kind, renderFields(ev))
		}
	}
	fmt.Fprintf(w, "\n%d passed, %d failed, %d total\n", summary.Passed, summary.Failed, summary.Total)
}

func renderFields(ev harness.TraceEvent) string {
	if len(ev.Fields) == 0 {
		return ""
	}
	data, err := ev.Fields.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("%v", ev.Fields)
	}
	return string(data)
}

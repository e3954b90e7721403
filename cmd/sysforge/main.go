package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"sysforge/internal/blueprint"
	"sysforge/internal/config"
	"sysforge/internal/harness"
	"sysforge/internal/journal"
	"sysforge/internal/orchestrator"
	"sysforge/internal/preflight"
	"sysforge/internal/validation"
	"sysforge/internal/watch"
)

var (
	// Global flags
	configPath string
	verbose    bool

	cfg    *config.Config
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "sysforge",
	Short: "sysforge - validation-tiered system generation",
	Long: `sysforge builds component systems from declarative blueprints.

A blueprint names components, the streams binding their ports, and the
external resources they require. Before anything runs, sysforge probes
every declared dependency, then validates the document through four
tiers (framework, component logic, system integration, semantics),
healing repairable failures along the way. Only a fully validated
system is wired up and executed.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		logger, err = buildLogger(cfg.Logging)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// runCmd drives a blueprint through the full pipeline
var runCmd = &cobra.Command{
	Use:   "run [blueprint]",
	Short: "Validate a blueprint and run the resulting system",
	Long: `Processes a blueprint through the full pipeline:
  1. Preflight: probe every declared external dependency
  2. Validate: the four tiers, healing repairable failures
  3. Execute: build, wire, and run the components until the sources
     drain or a signal arrives

The run is recorded in the journal when journaling is enabled.`,
	Args: cobra.ExactArgs(1),
	RunE: runSystem,
}

// validateCmd runs the tiers without executing anything
var validateCmd = &cobra.Command{
	Use:   "validate [blueprint]",
	Short: "Run the validation tiers without executing the system",
	Long: `Validates a blueprint through all four tiers, healing repairable
failures, and reports the per-tier outcome. The system is not built.

Example:
  sysforge validate pipeline.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: validateBlueprint,
}

// preflightCmd probes external dependencies only
var preflightCmd = &cobra.Command{
	Use:   "preflight [blueprint]",
	Short: "Probe the blueprint's external dependencies",
	Long: `Probes every external dependency the blueprint declares: databases
are opened and pinged, services dialed, credentials checked. All probes
run even when early ones fail, so the output is the complete picture.`,
	Args: cobra.ExactArgs(1),
	RunE: preflightBlueprint,
}

// watchCmd revalidates on every change to the blueprint file
var watchCmd = &cobra.Command{
	Use:   "watch [blueprint]",
	Short: "Revalidate a blueprint whenever it changes on disk",
	Long: `Watches the blueprint file and re-runs the validation tiers after
every settled write. Rapid write bursts are debounced into a single
revalidation. Runs until interrupted.`,
	Args: cobra.ExactArgs(1),
	RunE: watchBlueprint,
}

// historyCmd reads the run journal
var historyCmd = &cobra.Command{
	Use:   "history [run-id]",
	Short: "List journaled runs or inspect one run",
	Long: `Without arguments, lists recent runs from the journal, newest first.
With a run id, shows that run's tier outcomes and final component
states.

Examples:
  sysforge history
  sysforge history 3f1c9a52-61f4-4f9e-9c3b-8d5c2f7b1a0e`,
	Args: cobra.MaximumNArgs(1),
	RunE: showHistory,
}

var historyLimit int

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "sysforge.yaml", "Configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum runs to list")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(preflightCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(historyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildLogger constructs the zap logger from configuration. --verbose
// forces debug level regardless of the configured one.
func buildLogger(lc config.LoggingConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if !lc.JSON {
		zc = zap.NewDevelopmentConfig()
	}
	level, err := zapcore.ParseLevel(lc.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	if verbose {
		level = zapcore.DebugLevel
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// signalContext returns a context cancelled by SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			logger.Info("shutdown signal received")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

// newOrchestrator builds the orchestrator, attaching the journal when
// enabled. The returned cleanup closes whatever was opened.
func newOrchestrator() (*orchestrator.Orchestrator, func(), error) {
	var opts []orchestrator.Option
	cleanup := func() {}

	if cfg.Journal.Enabled {
		j, err := journal.Open(cfg.Journal.Path, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open journal: %w", err)
		}
		opts = append(opts, orchestrator.WithJournal(j))
		cleanup = func() { _ = j.Close() }
	}
	return orchestrator.New(cfg, logger, opts...), cleanup, nil
}

// runSystem executes the full pipeline for one blueprint
func runSystem(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(context.Background())
	defer cancel()

	bp, err := blueprint.Load(args[0])
	if err != nil {
		return err
	}

	orch, cleanup, err := newOrchestrator()
	if err != nil {
		return err
	}
	defer cleanup()

	report, err := orch.Run(ctx, bp)
	printRunReport(report)
	if err != nil {
		return fmt.Errorf("run failed: %w", err)
	}
	return nil
}

// validateBlueprint runs the tiers and reports, nothing more
func validateBlueprint(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(context.Background())
	defer cancel()

	orch := orchestrator.New(cfg, logger)
	report, err := orch.LoadAndValidate(ctx, args[0])
	if report != nil {
		printTiers(report.Outcomes)
	}
	if err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	if report.Healed() {
		fmt.Println("Blueprint valid after healing")
	} else {
		fmt.Println("Blueprint valid")
	}
	return nil
}

// preflightBlueprint probes dependencies and reports every outcome
func preflightBlueprint(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(context.Background())
	defer cancel()

	bp, err := blueprint.Load(args[0])
	if err != nil {
		return err
	}

	orch := orchestrator.New(cfg, logger)
	report := orch.Preflight(ctx, bp)
	if len(report.Results) == 0 {
		fmt.Println("Blueprint declares no external dependencies")
		return nil
	}

	fmt.Println("Preflight:")
	printPreflight(report)
	if !report.Available() {
		return &preflight.UnavailableError{Report: report}
	}
	return nil
}

// watchBlueprint revalidates the file until interrupted
func watchBlueprint(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(context.Background())
	defer cancel()

	orch := orchestrator.New(cfg, logger)
	revalidate := func(ctx context.Context, path string) error {
		report, err := orch.LoadAndValidate(ctx, path)
		if report != nil {
			printTiers(report.Outcomes)
		}
		if err != nil {
			fmt.Printf("✗ %s: %v\n", path, err)
			return err
		}
		fmt.Printf("✓ %s validated\n", path)
		return nil
	}

	w, err := watch.New(args[0], revalidate, watch.Config{Debounce: cfg.GetWatchDebounce()}, logger)
	if err != nil {
		return err
	}
	if err := w.Start(ctx); err != nil {
		return err
	}
	defer w.Stop()

	// Validate once up front so a broken document is reported before
	// the first edit.
	_ = revalidate(ctx, args[0])

	fmt.Println("Watching for changes. Press Ctrl+C to stop.")
	<-ctx.Done()

	stats := w.Stats()
	fmt.Printf("Observed %d events, %d revalidations (%d failed)\n",
		stats.Events, stats.Revalidations, stats.Failures)
	return nil
}

// showHistory lists runs or details one of them
func showHistory(cmd *cobra.Command, args []string) error {
	j, err := journal.Open(cfg.Journal.Path, logger)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	defer j.Close()

	ctx := context.Background()
	if len(args) == 1 {
		return showRun(ctx, j, args[0])
	}

	runs, err := j.Runs(ctx, historyLimit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No recorded runs")
		return nil
	}
	for _, run := range runs {
		fmt.Printf("%s  %s  %-24s %s\n",
			run.ID, run.StartedAt.Format(time.RFC3339), run.Blueprint, run.Outcome)
	}
	return nil
}

func showRun(ctx context.Context, j *journal.Journal, runID string) error {
	tiers, err := j.TierResults(ctx, runID)
	if err != nil {
		return err
	}
	states, err := j.FinalStates(ctx, runID)
	if err != nil {
		return err
	}
	if len(tiers) == 0 && len(states) == 0 {
		return fmt.Errorf("no journal entries for run %s", runID)
	}

	for _, tier := range tiers {
		line := fmt.Sprintf("%s L%d %s", mark(tier.Passed), int(tier.Level), tier.Name)
		if tier.Healed {
			line += fmt.Sprintf(" (healed after %d attempts)", tier.HealingAttempts)
		}
		fmt.Println(line)
		for _, msg := range tier.Errors {
			fmt.Printf("    %s\n", msg)
		}
	}
	for _, st := range states {
		line := fmt.Sprintf("%s %s: %s", mark(st.State == string(harness.StateStopped)), st.Component, st.State)
		if st.Fault != "" {
			line += fmt.Sprintf(" (%s)", st.Fault)
		}
		fmt.Println(line)
	}
	return nil
}

func printRunReport(report *orchestrator.RunReport) {
	fmt.Printf("Run %s (%s)\n", report.RunID, report.Blueprint)
	if report.Preflight != nil && len(report.Preflight.Results) > 0 {
		fmt.Println("Preflight:")
		printPreflight(report.Preflight)
	}
	printTiers(report.Tiers)

	if len(report.Snapshot.Components) > 0 {
		fmt.Println("Final component states:")
		for _, cs := range report.Snapshot.Components {
			line := fmt.Sprintf("  %s %s: %s", mark(cs.State == harness.StateStopped), cs.Name, cs.State)
			if cs.Fault != "" {
				line += fmt.Sprintf(" (%s)", cs.Fault)
			}
			fmt.Println(line)
		}
	}
	for _, warning := range report.Snapshot.Warnings {
		fmt.Printf("  warning: %s\n", warning)
	}
	fmt.Printf("Took %s\n", report.Duration.Round(time.Millisecond))
}

func printPreflight(report *preflight.Report) {
	for _, res := range report.Results {
		fmt.Printf("  %s %s (%s)\n", mark(res.Available), res.Spec, res.Detail)
	}
}

func printTiers(tiers []validation.TierOutcome) {
	if len(tiers) == 0 {
		return
	}
	fmt.Println("Validation:")
	for _, tier := range tiers {
		line := fmt.Sprintf("  %s L%d %s", mark(tier.Result.Passed), int(tier.Level), tier.Name)
		if tier.Healed {
			line += fmt.Sprintf(" (healed after %d attempts)", len(tier.Attempts))
		}
		fmt.Println(line)
		if !tier.Result.Passed {
			for _, issue := range tier.Result.Issues {
				fmt.Printf("      %s\n", issue.String())
			}
		}
	}
}

func mark(ok bool) string {
	if ok {
		return "✓"
	}
	return "✗"
}

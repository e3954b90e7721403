// Package orchestrator drives a blueprint through the full pipeline:
// preflight dependency probes, the four validation tiers with healing,
// then building, wiring, and running the system in a harness. Each Run
// gets fresh pipeline and harness state, so concurrent runs share only
// the immutable inputs.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sysforge/internal/blueprint"
	"sysforge/internal/config"
	"sysforge/internal/harness"
	"sysforge/internal/journal"
	"sysforge/internal/preflight"
	"sysforge/internal/stream"
	"sysforge/internal/validation"
)

// Orchestrator owns the long-lived collaborators: configuration, the
// component registry, the dependency checker, and the optional journal.
type Orchestrator struct {
	config     *config.Config
	logger     *zap.Logger
	registry   *harness.Registry
	checker    *preflight.Checker
	journal    *journal.Journal
	strategies []validation.Strategy
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithRegistry replaces the component registry used for building and for
// the framework tier's type checks.
func WithRegistry(reg *harness.Registry) Option {
	return func(o *Orchestrator) {
		if reg != nil {
			o.registry = reg
		}
	}
}

// WithJournal enables run persistence through the given journal.
func WithJournal(j *journal.Journal) Option {
	return func(o *Orchestrator) {
		o.journal = j
	}
}

// WithChecker replaces the preflight dependency checker.
func WithChecker(c *preflight.Checker) Option {
	return func(o *Orchestrator) {
		if c != nil {
			o.checker = c
		}
	}
}

// WithStrategies replaces the default healing strategy set.
func WithStrategies(strategies ...validation.Strategy) Option {
	return func(o *Orchestrator) {
		o.strategies = strategies
	}
}

// New creates an orchestrator. Nil config or logger fall back to defaults.
func New(cfg *config.Config, logger *zap.Logger, opts ...Option) *Orchestrator {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	o := &Orchestrator{
		config:   cfg,
		logger:   logger,
		registry: harness.DefaultRegistry(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.checker == nil {
		o.checker = preflight.NewChecker(preflight.CheckerConfig{
			ProbeTimeout: cfg.GetProbeTimeout(),
			Parallelism:  cfg.Preflight.Parallelism,
		}, logger)
	}
	return o
}

// RunReport aggregates everything one run produced.
type RunReport struct {
	RunID     string
	Blueprint string
	Preflight *preflight.Report
	Tiers     []validation.TierOutcome
	Healed    bool
	Snapshot  harness.Snapshot
	Duration  time.Duration
}

// Preflight probes the blueprint's declared external dependencies and
// returns the full report, every failure enumerated.
func (o *Orchestrator) Preflight(ctx context.Context, bp *blueprint.SystemBlueprint) *preflight.Report {
	return o.checker.Check(ctx, bp.ExternalDependencies())
}

// Validate runs the validation tiers with healing and returns the report
// together with the pipeline error, if any. The report's Blueprint is the
// healed document when healing took place.
func (o *Orchestrator) Validate(ctx context.Context, bp *blueprint.SystemBlueprint) (*validation.Report, error) {
	return o.newPipeline().Run(ctx, bp)
}

// LoadAndValidate loads a blueprint document from disk and validates it.
// It matches the watch package's revalidation callback shape.
func (o *Orchestrator) LoadAndValidate(ctx context.Context, path string) (*validation.Report, error) {
	bp, err := blueprint.Load(path)
	if err != nil {
		return nil, err
	}
	return o.Validate(ctx, bp)
}

// Run drives a blueprint through preflight, validation, and execution.
// A preflight failure aborts before any tier executes; a tier failure or
// exhausted healing aborts before the harness is built. The report is
// always returned so callers can inspect partial progress.
func (o *Orchestrator) Run(ctx context.Context, bp *blueprint.SystemBlueprint) (*RunReport, error) {
	runID := uuid.NewString()
	logger := o.logger.With(zap.String("run_id", runID))
	report := &RunReport{RunID: runID, Blueprint: bp.Name}
	start := time.Now()
	defer func() {
		report.Duration = time.Since(start)
	}()

	o.journalStart(runID, bp.Name)
	logger.Info("run starting",
		zap.String("system", bp.Name),
		zap.Int("components", len(bp.Components)))

	// Everything before the system is live shares one startup budget.
	stageCtx, cancelStage := context.WithTimeout(ctx, o.config.GetStartTimeout())
	defer cancelStage()

	report.Preflight = o.checker.Check(stageCtx, bp.ExternalDependencies())
	if !report.Preflight.Available() {
		err := &preflight.UnavailableError{Report: report.Preflight}
		o.journalFinish(runID, "preflight_failed", err, harness.Snapshot{})
		logger.Error("preflight failed", zap.Int("failed", len(report.Preflight.Failed())))
		return report, fmt.Errorf("preflight: %w", err)
	}

	vreport, verr := o.newPipeline().Run(stageCtx, bp)
	report.Tiers = vreport.Outcomes
	report.Healed = vreport.Healed()
	o.journalTiers(runID, vreport.Outcomes)
	if verr != nil {
		o.journalFinish(runID, "validation_failed", verr, harness.Snapshot{})
		return report, fmt.Errorf("validation: %w", verr)
	}
	validated := vreport.Blueprint

	h := harness.New(o.registry, o.newCodec(), o.harnessConfig(), logger)
	if err := h.Build(validated); err != nil {
		o.journalFinish(runID, "build_failed", err, h.Snapshot())
		return report, fmt.Errorf("build: %w", err)
	}
	if err := h.Wire(); err != nil {
		o.journalFinish(runID, "wire_failed", err, h.Snapshot())
		return report, fmt.Errorf("wire: %w", err)
	}
	if err := h.Start(ctx); err != nil {
		o.journalFinish(runID, "start_failed", err, h.Snapshot())
		return report, fmt.Errorf("start: %w", err)
	}

	waitErr := h.Wait(ctx)
	// Stop gets its own context: a cancelled run still deserves the
	// staged shutdown, bounded by the harness's own timeouts.
	stopErr := h.Stop(context.Background())
	report.Snapshot = h.Snapshot()

	outcome := "completed"
	var runErr error
	switch {
	case waitErr != nil:
		outcome = "cancelled"
		runErr = fmt.Errorf("awaiting completion: %w", waitErr)
	case stopErr != nil:
		outcome = "forced_shutdown"
		runErr = fmt.Errorf("shutdown: %w", stopErr)
	case snapshotHasFaults(report.Snapshot):
		outcome = "completed_with_faults"
	}

	o.journalFinish(runID, outcome, runErr, report.Snapshot)
	logger.Info("run finished",
		zap.String("outcome", outcome),
		zap.Duration("took", time.Since(start)))
	return report, runErr
}

func (o *Orchestrator) newPipeline() *validation.Pipeline {
	limits := o.integrationLimits()

	coordinator := validation.NewCoordinator(validation.CoordinatorConfig{
		MaxAttempts: o.config.Healing.MaxAttempts,
		Backoff:     o.config.GetHealingBackoff(),
	}, o.logger)
	if len(o.strategies) > 0 {
		for _, s := range o.strategies {
			coordinator.Register(s)
		}
	} else {
		validation.RegisterDefaultStrategies(coordinator, limits)
	}

	tiers := validation.DefaultTiers(o.registry, limits, o.logger)
	return validation.NewPipeline(tiers, coordinator, o.config.Healing.MaxAttempts, o.logger)
}

func (o *Orchestrator) integrationLimits() validation.IntegrationLimits {
	return validation.IntegrationLimits{
		MaxBufferSize:          o.config.Stream.MaxBuffer,
		MaxStreamsPerComponent: o.config.Harness.MaxStreamsPerComponent,
	}
}

func (o *Orchestrator) newCodec() *stream.Codec {
	return stream.NewCodec(stream.CodecConfig{
		CompressAbove: o.config.Stream.CompressAbove,
	})
}

func (o *Orchestrator) harnessConfig() harness.Config {
	return harness.Config{
		StopTimeout:    o.config.GetStopTimeout(),
		ForceGrace:     o.config.GetForceGrace(),
		HealthInterval: o.config.GetHealthInterval(),
	}
}

func snapshotHasFaults(snap harness.Snapshot) bool {
	for _, cs := range snap.Components {
		if cs.State == harness.StateErrored {
			return true
		}
	}
	return false
}

// Journal writes never fail a run; they degrade to warnings. They also
// use their own context so a cancelled run still gets its final record.

func (o *Orchestrator) journalStart(runID, name string) {
	if o.journal == nil {
		return
	}
	if err := o.journal.RecordRunStart(context.Background(), runID, name); err != nil {
		o.logger.Warn("journal write failed", zap.Error(err))
	}
}

func (o *Orchestrator) journalTiers(runID string, outcomes []validation.TierOutcome) {
	if o.journal == nil {
		return
	}
	for _, outcome := range outcomes {
		if err := o.journal.RecordTierResult(context.Background(), runID, outcome); err != nil {
			o.logger.Warn("journal write failed", zap.Error(err))
			return
		}
	}
}

func (o *Orchestrator) journalFinish(runID, outcome string, runErr error, snap harness.Snapshot) {
	if o.journal == nil {
		return
	}
	if err := o.journal.FinishRun(context.Background(), runID, outcome, runErr, snap); err != nil {
		o.logger.Warn("journal write failed", zap.Error(err))
	}
}

package validation

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"sysforge/internal/blueprint"
)

// TierOutcome records one tier's pass over the blueprint, including any
// healing session it triggered.
type TierOutcome struct {
	Level    Level
	Name     string
	Result   Result
	Healed   bool
	Attempts []Attempt
}

// Report is the outcome of a full pipeline run. Blueprint is the final
// blueprint, which differs from the input when a tier was healed.
type Report struct {
	Blueprint *blueprint.SystemBlueprint
	Outcomes  []TierOutcome
	Duration  time.Duration
}

// Healed reports whether any tier needed healing to pass.
func (r *Report) Healed() bool {
	for _, o := range r.Outcomes {
		if o.Healed {
			return true
		}
	}
	return false
}

// Pipeline runs the validation tiers in level order. A framework
// failure aborts immediately; later tier failures go through the
// healing coordinator, and the healed blueprint carries forward into
// the remaining tiers.
type Pipeline struct {
	tiers       []TierValidator
	coordinator *Coordinator
	maxAttempts int
	logger      *zap.Logger
}

// DefaultTiers builds the standard four-tier ladder.
func DefaultTiers(types TypeChecker, limits IntegrationLimits, logger *zap.Logger) []TierValidator {
	return []TierValidator{
		NewFrameworkValidator(types, logger),
		NewLogicValidator(logger),
		NewIntegrationValidator(limits, logger),
		NewSemanticValidator(logger),
	}
}

// NewPipeline assembles a pipeline. Tiers are run in Level order no
// matter how they are passed in. maxAttempts at or below zero defers to
// the coordinator's configured default; a blueprint may override it via
// its healing.max_attempts option.
func NewPipeline(tiers []TierValidator, coordinator *Coordinator, maxAttempts int, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if coordinator == nil {
		coordinator = NewCoordinator(DefaultCoordinatorConfig(), logger)
	}
	sorted := append([]TierValidator(nil), tiers...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Level() < sorted[j].Level() })
	return &Pipeline{
		tiers:       sorted,
		coordinator: coordinator,
		maxAttempts: maxAttempts,
		logger:      logger,
	}
}

// Run validates the blueprint through every tier and returns the final
// report. The returned error is nil only when all tiers pass, healed or
// not. The report is always returned, including on failure, so callers
// can show per-tier results.
func (p *Pipeline) Run(ctx context.Context, bp *blueprint.SystemBlueprint) (*Report, error) {
	start := time.Now()
	report := &Report{Blueprint: bp}
	current := bp

	maxAttempts := p.maxAttempts
	if v, ok := current.IntOption("healing", "max_attempts"); ok && v > 0 {
		maxAttempts = v
	}

	for _, tier := range p.tiers {
		result := tier.Validate(ctx, current)
		outcome := TierOutcome{Level: tier.Level(), Name: tier.Name(), Result: result}

		if result.Passed {
			report.Outcomes = append(report.Outcomes, outcome)
			p.logger.Debug("tier passed",
				zap.Stringer("level", tier.Level()),
				zap.Duration("took", result.Duration))
			continue
		}

		if tier.Level() == LevelFramework {
			report.Outcomes = append(report.Outcomes, outcome)
			report.Duration = time.Since(start)
			p.logger.Error("framework validation failed, aborting",
				zap.Int("issues", len(result.Issues)))
			return report, &TierFailureError{Level: LevelFramework, Result: result}
		}

		p.logger.Warn("tier failed, healing",
			zap.Stringer("level", tier.Level()),
			zap.Int("issues", len(result.Issues)))

		healed, err := p.coordinator.Heal(ctx, current, result, tier, maxAttempts)
		outcome.Attempts = healed.Attempts
		if err != nil {
			report.Outcomes = append(report.Outcomes, outcome)
			report.Duration = time.Since(start)
			return report, fmt.Errorf("healing %s tier: %w", tier.Level(), err)
		}
		if !healed.Success {
			outcome.Result = healed.FinalResult
			report.Outcomes = append(report.Outcomes, outcome)
			report.Duration = time.Since(start)
			return report, &ExhaustedError{
				Level:    tier.Level(),
				Attempts: len(healed.Attempts),
				Result:   healed.FinalResult,
			}
		}

		outcome.Healed = true
		outcome.Result = healed.FinalResult
		report.Outcomes = append(report.Outcomes, outcome)
		current = healed.Blueprint
		report.Blueprint = current
	}

	report.Duration = time.Since(start)
	return report, nil
}

package validation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"sysforge/internal/blueprint"
)

// Capability names the kind of repair a healing strategy performs.
type Capability string

const (
	// CapabilityPatchLogic repairs a component's logic source in place.
	CapabilityPatchLogic Capability = "/ast_patch"
	// CapabilityRegenBindings regenerates the binding configuration.
	CapabilityRegenBindings Capability = "/config_regen"
	// CapabilityRewriteSystem rewrites system wiring to restore meaning.
	CapabilityRewriteSystem Capability = "/semantic_rewrite"
)

// CapabilityForLevel maps a failing tier to the repair it needs. The
// framework tier maps to nothing: its failures are fatal.
func CapabilityForLevel(l Level) (Capability, bool) {
	switch l {
	case LevelComponentLogic:
		return CapabilityPatchLogic, true
	case LevelSystemIntegration:
		return CapabilityRegenBindings, true
	case LevelSemantic:
		return CapabilityRewriteSystem, true
	default:
		return "", false
	}
}

// Strategy attempts to repair a blueprint so that a failed tier passes.
// Apply returns a new blueprint and must leave the input untouched.
type Strategy interface {
	// Capability returns the repair kind this strategy performs.
	Capability() Capability

	// Name returns a human-readable name for this strategy.
	Name() string

	// Apply produces a repaired blueprint for the given tier failure.
	// It returns an error when the failure is outside what the strategy
	// can mend; the coordinator counts that as a spent attempt.
	Apply(ctx context.Context, bp *blueprint.SystemBlueprint, failure Result) (*blueprint.SystemBlueprint, error)
}

// Attempt records one healing round.
type Attempt struct {
	Number   int
	Strategy Capability
	Error    string
	Passed   bool
	Duration time.Duration
}

// Outcome reports a completed healing session. Success is set only when
// a repaired blueprint passed re-validation of the failing tier.
type Outcome struct {
	Success     bool
	FinalResult Result
	Attempts    []Attempt
	Blueprint   *blueprint.SystemBlueprint
	RecoveredAt time.Time
}

// CoordinatorConfig configures the healing behavior.
type CoordinatorConfig struct {
	MaxAttempts int
	Backoff     time.Duration
}

// DefaultCoordinatorConfig returns default configuration.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		MaxAttempts: 3,
		Backoff:     500 * time.Millisecond,
	}
}

// Coordinator owns the registered strategies and drives the
// repair/re-validate loop for a failing tier.
type Coordinator struct {
	mu         sync.RWMutex
	strategies map[Capability]Strategy

	maxAttempts int
	backoff     time.Duration
	logger      *zap.Logger
}

// NewCoordinator creates a coordinator with no strategies registered.
func NewCoordinator(cfg CoordinatorConfig, logger *zap.Logger) *Coordinator {
	def := DefaultCoordinatorConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = def.Backoff
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		strategies:  make(map[Capability]Strategy),
		maxAttempts: cfg.MaxAttempts,
		backoff:     cfg.Backoff,
		logger:      logger,
	}
}

// Register adds a strategy, replacing any prior one for the capability.
func (c *Coordinator) Register(s Strategy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.strategies[s.Capability()] = s
}

func (c *Coordinator) strategyFor(capability Capability) (Strategy, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.strategies[capability]
	return s, ok
}

// Heal repairs a tier failure: apply the strategy for the tier's
// capability, re-validate, and repeat until the tier passes or attempts
// run out. maxAttempts at or below zero uses the configured default.
// Exhaustion is reported through the outcome, not as an error; errors
// mean healing could not run at all.
func (c *Coordinator) Heal(ctx context.Context, bp *blueprint.SystemBlueprint, failure Result, tier TierValidator, maxAttempts int) (Outcome, error) {
	outcome := Outcome{FinalResult: failure, Blueprint: bp}

	capability, ok := CapabilityForLevel(failure.Level)
	if !ok {
		return outcome, fmt.Errorf("%s failures are not healable", failure.Level)
	}
	strat, ok := c.strategyFor(capability)
	if !ok {
		return outcome, fmt.Errorf("no strategy registered for capability %s", capability)
	}
	if maxAttempts <= 0 {
		maxAttempts = c.maxAttempts
	}

	c.logger.Info("healing started",
		zap.Stringer("level", failure.Level),
		zap.String("strategy", strat.Name()),
		zap.Int("max_attempts", maxAttempts),
		zap.Int("issues", len(failure.Issues)))

	current := bp
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		backoff := c.backoff * time.Duration(attempt)
		select {
		case <-ctx.Done():
			return outcome, ctx.Err()
		case <-time.After(backoff):
		}

		start := time.Now()
		a := Attempt{Number: attempt, Strategy: capability}

		repaired, err := strat.Apply(ctx, current, outcome.FinalResult)
		if err != nil {
			a.Error = err.Error()
			a.Duration = time.Since(start)
			outcome.Attempts = append(outcome.Attempts, a)
			c.logger.Warn("healing attempt could not apply",
				zap.Int("attempt", attempt),
				zap.Stringer("level", failure.Level),
				zap.Error(err))
			continue
		}

		result := tier.Validate(ctx, repaired)
		a.Passed = result.Passed
		a.Duration = time.Since(start)
		outcome.Attempts = append(outcome.Attempts, a)
		outcome.FinalResult = result
		current = repaired

		if result.Passed {
			outcome.Success = true
			outcome.Blueprint = repaired
			outcome.RecoveredAt = time.Now()
			c.logger.Info("healing recovered tier",
				zap.Stringer("level", failure.Level),
				zap.Int("attempts", attempt))
			return outcome, nil
		}

		c.logger.Debug("healing attempt did not converge",
			zap.Int("attempt", attempt),
			zap.Int("remaining_issues", len(result.Issues)))
	}

	c.logger.Warn("healing exhausted",
		zap.Stringer("level", failure.Level),
		zap.Int("attempts", len(outcome.Attempts)))
	return outcome, nil
}

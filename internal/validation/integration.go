package validation

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"sysforge/internal/blueprint"
)

// IntegrationLimits bounds the wiring graph. Zero values fall back to
// the defaults, which mirror the runtime configuration.
type IntegrationLimits struct {
	MaxBufferSize          int
	MaxStreamsPerComponent int
}

// DefaultIntegrationLimits returns the standard graph bounds.
func DefaultIntegrationLimits() IntegrationLimits {
	return IntegrationLimits{
		MaxBufferSize:          1024,
		MaxStreamsPerComponent: 32,
	}
}

// IntegrationValidator is the third tier. It checks the bindings that
// join components: endpoint ports must exist, an input endpoint accepts
// at most one binding, no component feeds itself, and the graph stays
// inside the configured limits. Failures here are healed by
// regenerating the binding configuration.
type IntegrationValidator struct {
	limits IntegrationLimits
	logger *zap.Logger
}

// NewIntegrationValidator creates the system-integration tier.
func NewIntegrationValidator(limits IntegrationLimits, logger *zap.Logger) *IntegrationValidator {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultIntegrationLimits()
	if limits.MaxBufferSize <= 0 {
		limits.MaxBufferSize = def.MaxBufferSize
	}
	if limits.MaxStreamsPerComponent <= 0 {
		limits.MaxStreamsPerComponent = def.MaxStreamsPerComponent
	}
	return &IntegrationValidator{limits: limits, logger: logger}
}

// Level returns the tier this validator implements.
func (v *IntegrationValidator) Level() Level { return LevelSystemIntegration }

// Name returns a human-readable name for this validator.
func (v *IntegrationValidator) Name() string { return "system-integration" }

// Validate checks every binding and reports all violations.
func (v *IntegrationValidator) Validate(ctx context.Context, bp *blueprint.SystemBlueprint) Result {
	start := time.Now()
	var issues []Issue

	boundTargets := make(map[string]bool)
	for _, b := range bp.Bindings {
		issues = append(issues, v.checkBinding(bp, b)...)

		target := b.Target.String()
		if boundTargets[target] {
			issues = append(issues, Issue{
				Level:     LevelSystemIntegration,
				Code:      CodeTargetConflict,
				Component: b.Target.Component,
				Port:      b.Target.Port,
				Message:   fmt.Sprintf("input endpoint %s accepts at most one binding", target),
			})
		}
		boundTargets[target] = true
	}

	for _, name := range bp.ComponentNames() {
		streams := len(bp.BindingsInto(name)) + len(bp.BindingsFrom(name))
		if streams > v.limits.MaxStreamsPerComponent {
			issues = append(issues, Issue{
				Level:     LevelSystemIntegration,
				Code:      CodeFanoutExceeded,
				Component: name,
				Message: fmt.Sprintf("component touches %d streams, limit is %d",
					streams, v.limits.MaxStreamsPerComponent),
			})
		}
	}

	v.logger.Debug("system-integration tier complete",
		zap.Int("bindings", len(bp.Bindings)),
		zap.Int("issues", len(issues)))
	return newResult(LevelSystemIntegration, issues, start)
}

func (v *IntegrationValidator) checkBinding(bp *blueprint.SystemBlueprint, b blueprint.Binding) []Issue {
	var issues []Issue

	if src, ok := bp.Component(b.Source.Component); ok && !src.HasOutput(b.Source.Port) {
		issues = append(issues, Issue{
			Level:     LevelSystemIntegration,
			Code:      CodeUnknownSourcePort,
			Component: b.Source.Component,
			Port:      b.Source.Port,
			Message:   fmt.Sprintf("component declares no output port %q", b.Source.Port),
		})
	}
	if tgt, ok := bp.Component(b.Target.Component); ok && !tgt.HasInput(b.Target.Port) {
		issues = append(issues, Issue{
			Level:     LevelSystemIntegration,
			Code:      CodeUnknownTargetPort,
			Component: b.Target.Component,
			Port:      b.Target.Port,
			Message:   fmt.Sprintf("component declares no input port %q", b.Target.Port),
		})
	}
	if b.Source.Component == b.Target.Component {
		issues = append(issues, Issue{
			Level:     LevelSystemIntegration,
			Code:      CodeSelfLoop,
			Component: b.Source.Component,
			Message:   fmt.Sprintf("binding %s connects a component to itself", b),
		})
	}
	if b.BufferSize > v.limits.MaxBufferSize {
		issues = append(issues, Issue{
			Level:     LevelSystemIntegration,
			Code:      CodeBufferTooLarge,
			Component: b.Target.Component,
			Port:      b.Target.Port,
			Message: fmt.Sprintf("binding %s buffer %d exceeds limit %d",
				b, b.BufferSize, v.limits.MaxBufferSize),
		})
	}
	return issues
}

package validation

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"sysforge/internal/blueprint"
)

// TypeChecker reports whether the runtime can build a component type.
// This is an interface so the validator does not import the component
// registry directly.
type TypeChecker interface {
	Supports(t blueprint.ComponentType) bool
}

// FrameworkValidator is the first tier. It checks that the runtime can
// host the blueprint at all: the system is non-empty, every component
// type has a registered factory, stream buffers are positive, and
// external dependency declarations carry locators. Anything it flags
// means the runtime cannot even construct the system, so its failures
// are fatal. Per-component contracts live in the later, healable tiers.
type FrameworkValidator struct {
	types  TypeChecker
	logger *zap.Logger
}

// NewFrameworkValidator creates the framework tier. A nil checker skips
// the factory-availability check.
func NewFrameworkValidator(types TypeChecker, logger *zap.Logger) *FrameworkValidator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FrameworkValidator{types: types, logger: logger}
}

// Level returns the tier this validator implements.
func (v *FrameworkValidator) Level() Level { return LevelFramework }

// Name returns a human-readable name for this validator.
func (v *FrameworkValidator) Name() string { return "framework" }

// Validate checks the whole blueprint and reports every violation.
func (v *FrameworkValidator) Validate(ctx context.Context, bp *blueprint.SystemBlueprint) Result {
	start := time.Now()
	var issues []Issue

	if len(bp.Components) == 0 {
		issues = append(issues, Issue{
			Level:   LevelFramework,
			Code:    CodeEmptySystem,
			Message: "blueprint declares no components",
		})
		return newResult(LevelFramework, issues, start)
	}

	for _, name := range bp.ComponentNames() {
		spec := bp.Components[name]
		issues = append(issues, v.checkComponent(spec)...)
	}

	for i, b := range bp.Bindings {
		if b.BufferSize <= 0 {
			issues = append(issues, Issue{
				Level:   LevelFramework,
				Code:    CodeZeroBuffer,
				Port:    b.Target.String(),
				Message: fmt.Sprintf("binding %d has buffer size %d, want positive", i, b.BufferSize),
			})
		}
	}

	v.logger.Debug("framework tier complete",
		zap.Int("components", len(bp.Components)),
		zap.Int("issues", len(issues)))
	return newResult(LevelFramework, issues, start)
}

func (v *FrameworkValidator) checkComponent(spec blueprint.ComponentSpec) []Issue {
	var issues []Issue

	add := func(code, port, format string, args ...any) {
		issues = append(issues, Issue{
			Level:     LevelFramework,
			Code:      code,
			Component: spec.Name,
			Port:      port,
			Message:   fmt.Sprintf(format, args...),
		})
	}

	if v.types != nil && !v.types.Supports(spec.Type) {
		add(CodeUnsupportedType, "", "no factory registered for type %q", spec.Type)
		return issues
	}

	for _, dep := range spec.Requires {
		if dep.Locator == "" {
			add(CodeEmptyLocator, "", "dependency of kind %q has no locator", dep.Kind)
		}
	}

	return issues
}

// Package validation implements the tiered blueprint validator and the
// healing coordinator that repairs failing blueprints between tiers.
// Tiers run strictly in order: framework, component logic, system
// integration, semantic. A framework failure is fatal; the later tiers
// hand their failures to a healing strategy and re-validate.
package validation

import (
	"context"
	"fmt"
	"time"

	"sysforge/internal/blueprint"
)

// Level identifies one tier of the validation ladder.
type Level int

const (
	// LevelFramework checks that every component fits the runtime's
	// component model. Failures here are fatal and never healed.
	LevelFramework Level = iota + 1
	// LevelComponentLogic checks each component in isolation.
	LevelComponentLogic
	// LevelSystemIntegration checks bindings across components.
	LevelSystemIntegration
	// LevelSemantic checks system-level meaning via Datalog rules.
	LevelSemantic
)

func (l Level) String() string {
	switch l {
	case LevelFramework:
		return "framework"
	case LevelComponentLogic:
		return "component-logic"
	case LevelSystemIntegration:
		return "system-integration"
	case LevelSemantic:
		return "semantic"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// failureLabel phrases a tier failure for error messages.
func failureLabel(l Level) string {
	switch l {
	case LevelFramework:
		return "framework validation failed"
	case LevelComponentLogic:
		return "component logic invalid"
	case LevelSystemIntegration:
		return "system integration invalid"
	case LevelSemantic:
		return "semantic inconsistency"
	default:
		return fmt.Sprintf("validation level %d failed", int(l))
	}
}

// Issue codes, grouped by the tier that reports them.
const (
	// Framework tier.
	CodeEmptySystem     = "empty_system"
	CodeUnsupportedType = "unsupported_component_type"
	CodeZeroBuffer      = "zero_buffer"
	CodeEmptyLocator    = "empty_dependency_locator"

	// Component logic tier.
	CodeMissingInput    = "missing_input"
	CodeMissingOutput   = "missing_output"
	CodeUnexpectedInput = "unexpected_input"
	CodeUnexpectedOut   = "unexpected_output"
	CodeMissingLogic    = "missing_logic"
	CodeUnexpectedLogic = "unexpected_logic"
	CodeLogicSyntax     = "logic_syntax_error"
	CodeLogicContract   = "logic_contract_violation"
	CodeForbiddenImport = "logic_forbidden_import"
	CodeLogicCompile    = "logic_compile_failed"
	CodeEmptyPort       = "empty_port"
	CodeDuplicatePort   = "duplicate_port"
	CodeInvalidConfig   = "invalid_config"

	// System integration tier.
	CodeUnknownSourcePort = "unknown_source_port"
	CodeUnknownTargetPort = "unknown_target_port"
	CodeTargetConflict    = "target_conflict"
	CodeSelfLoop          = "self_loop"
	CodeBufferTooLarge    = "buffer_too_large"
	CodeFanoutExceeded    = "fanout_exceeded"

	// Semantic tier.
	CodeUnfedConsumer      = "unfed_consumer"
	CodeDeadSource         = "dead_source"
	CodeInvertedDependency = "inverted_dependency"
)

// Issue describes a single contract violation found by a tier.
type Issue struct {
	// Level is the tier that reported the issue.
	Level Level

	// Code classifies the violation for healing strategies.
	Code string

	// Component names the offending component, when one is implicated.
	Component string

	// Port names the offending port or endpoint, when one is implicated.
	Port string

	// Message is a human-readable description.
	Message string
}

func (i Issue) String() string {
	where := i.Component
	if i.Port != "" {
		where = where + "." + i.Port
	}
	if where == "" {
		return fmt.Sprintf("[%s] %s", i.Code, i.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", i.Code, where, i.Message)
}

// Result captures the outcome of one tier's pass over a blueprint.
type Result struct {
	Level     Level
	Passed    bool
	Issues    []Issue
	Duration  time.Duration
	Timestamp time.Time
}

// FirstIssue returns the first reported issue, or nil if the tier passed.
func (r Result) FirstIssue() *Issue {
	if len(r.Issues) == 0 {
		return nil
	}
	return &r.Issues[0]
}

// newResult stamps a tier outcome; a tier passes when it found no issues.
func newResult(level Level, issues []Issue, start time.Time) Result {
	return Result{
		Level:     level,
		Passed:    len(issues) == 0,
		Issues:    issues,
		Duration:  time.Since(start),
		Timestamp: time.Now(),
	}
}

// TierValidator checks one level of the blueprint contract.
// Validators inspect the blueprint without mutating it.
type TierValidator interface {
	// Level returns the tier this validator implements.
	Level() Level

	// Name returns a human-readable name for this validator.
	Name() string

	// Validate runs every check of the tier and reports all violations,
	// not just the first.
	Validate(ctx context.Context, bp *blueprint.SystemBlueprint) Result
}

// TierFailureError reports a tier that failed without a healing path,
// either because the tier is fatal or because no strategy was available.
type TierFailureError struct {
	Level  Level
	Result Result
}

func (e *TierFailureError) Error() string {
	msg := fmt.Sprintf("%s: %d issue(s)", failureLabel(e.Level), len(e.Result.Issues))
	if first := e.Result.FirstIssue(); first != nil {
		msg += fmt.Sprintf(" (first: %s)", first)
	}
	return msg
}

// ExhaustedError reports that healing ran out of attempts with the tier
// still failing.
type ExhaustedError struct {
	Level    Level
	Attempts int
	Result   Result
}

func (e *ExhaustedError) Error() string {
	msg := fmt.Sprintf("healing exhausted after %d attempt(s): %s", e.Attempts, failureLabel(e.Level))
	if first := e.Result.FirstIssue(); first != nil {
		msg += fmt.Sprintf(" (last: %s)", first)
	}
	return msg
}

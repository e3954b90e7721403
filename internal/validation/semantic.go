package validation

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"sysforge/internal/blueprint"
	"sysforge/internal/facts"
)

// semanticProgram is the Datalog model of system-level meaning. The
// blueprint is asserted as component/2, binding/4 and depends_on/2
// facts; the rules derive the inconsistencies the tier reports.
const semanticProgram = `
Decl component(Name, Type).
Decl binding(Src, SrcPort, Tgt, TgtPort).
Decl depends_on(A, B).

fed(C) :- binding(_, _, C, _).
bound_out(C) :- binding(C, _, _, _).

unfed_consumer(C) :- component(C, /sink), !fed(C).
unfed_consumer(C) :- component(C, /store), !fed(C).
dead_source(C) :- component(C, /source), !bound_out(C).

inverted_dependency(A, B) :- depends_on(A, B), binding(A, _, B, _).
`

// SemanticValidator is the fourth tier. It checks that the system as a
// whole makes sense: every sink and store is fed, every source is
// consumed, and data flows in the same direction as the declared
// startup dependencies. The checks run as Datalog rules so that adding
// a new consistency rule never touches Go control flow. Failures here
// are healed by rewriting the blueprint's wiring.
type SemanticValidator struct {
	logger *zap.Logger
}

// NewSemanticValidator creates the semantic tier.
func NewSemanticValidator(logger *zap.Logger) *SemanticValidator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SemanticValidator{logger: logger}
}

// Level returns the tier this validator implements.
func (v *SemanticValidator) Level() Level { return LevelSemantic }

// Name returns a human-readable name for this validator.
func (v *SemanticValidator) Name() string { return "semantic" }

// Validate asserts the blueprint as facts, evaluates the consistency
// rules, and converts every derived violation into an issue.
func (v *SemanticValidator) Validate(ctx context.Context, bp *blueprint.SystemBlueprint) Result {
	start := time.Now()

	eng := facts.New(v.logger)
	if err := v.loadBlueprint(eng, bp); err != nil {
		return newResult(LevelSemantic, []Issue{{
			Level:   LevelSemantic,
			Code:    "semantic_engine_failure",
			Message: err.Error(),
		}}, start)
	}

	var issues []Issue
	issues = append(issues, v.deriveIssues(eng, "unfed_consumer", CodeUnfedConsumer,
		"consumer has no inbound binding")...)
	issues = append(issues, v.deriveIssues(eng, "dead_source", CodeDeadSource,
		"source output is never consumed")...)
	issues = append(issues, v.deriveInversions(eng)...)

	// Derived facts come back in store order; sort for stable reports.
	sort.Slice(issues, func(i, j int) bool {
		if issues[i].Code != issues[j].Code {
			return issues[i].Code < issues[j].Code
		}
		if issues[i].Component != issues[j].Component {
			return issues[i].Component < issues[j].Component
		}
		return issues[i].Message < issues[j].Message
	})

	v.logger.Debug("semantic tier complete",
		zap.Int("facts", eng.FactCount()),
		zap.Int("issues", len(issues)))
	return newResult(LevelSemantic, issues, start)
}

func (v *SemanticValidator) loadBlueprint(eng *facts.Engine, bp *blueprint.SystemBlueprint) error {
	if err := eng.LoadProgram(semanticProgram); err != nil {
		return err
	}
	for _, name := range bp.ComponentNames() {
		spec := bp.Components[name]
		if err := eng.Add("component", name, "/"+string(spec.Type)); err != nil {
			return err
		}
		for _, dep := range spec.Dependencies {
			if err := eng.Add("depends_on", name, dep); err != nil {
				return err
			}
		}
	}
	for _, b := range bp.Bindings {
		err := eng.Add("binding", b.Source.Component, b.Source.Port, b.Target.Component, b.Target.Port)
		if err != nil {
			return err
		}
	}
	return eng.Evaluate()
}

// deriveIssues maps every tuple of a unary violation predicate to an issue.
func (v *SemanticValidator) deriveIssues(eng *facts.Engine, pred, code, message string) []Issue {
	rows, err := eng.Facts(pred)
	if err != nil {
		v.logger.Warn("derived predicate unreadable", zap.String("predicate", pred), zap.Error(err))
		return nil
	}
	var issues []Issue
	for _, row := range rows {
		name, ok := row[0].(string)
		if !ok {
			continue
		}
		issues = append(issues, Issue{
			Level:     LevelSemantic,
			Code:      code,
			Component: name,
			Message:   message,
		})
	}
	return issues
}

func (v *SemanticValidator) deriveInversions(eng *facts.Engine) []Issue {
	rows, err := eng.Facts("inverted_dependency")
	if err != nil {
		v.logger.Warn("derived predicate unreadable",
			zap.String("predicate", "inverted_dependency"), zap.Error(err))
		return nil
	}
	var issues []Issue
	for _, row := range rows {
		a, okA := row[0].(string)
		b, okB := row[1].(string)
		if !okA || !okB {
			continue
		}
		issues = append(issues, Issue{
			Level:     LevelSemantic,
			Code:      CodeInvertedDependency,
			Component: a,
			Message:   fmt.Sprintf("depends on %s for startup yet feeds data into it", b),
		})
	}
	return issues
}

package validation

import (
	"context"
	"errors"
	"testing"
	"time"

	"sysforge/internal/blueprint"
)

func testPipeline(t *testing.T) *Pipeline {
	t.Helper()
	coord := NewCoordinator(CoordinatorConfig{MaxAttempts: 3, Backoff: time.Millisecond}, nil)
	RegisterDefaultStrategies(coord, IntegrationLimits{})
	return NewPipeline(DefaultTiers(allTypes, IntegrationLimits{}, nil), coord, 0, nil)
}

func TestPipelinePassesCleanBlueprint(t *testing.T) {
	p := testPipeline(t)
	bp := healthyBlueprint(t)

	report, err := p.Run(context.Background(), bp)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(report.Outcomes) != 4 {
		t.Fatalf("expected all 4 tiers to run, got %d", len(report.Outcomes))
	}
	for _, o := range report.Outcomes {
		if !o.Result.Passed || o.Healed {
			t.Errorf("tier %s: passed=%v healed=%v", o.Name, o.Result.Passed, o.Healed)
		}
	}
	if report.Healed() {
		t.Error("clean blueprint must not report healing")
	}
	if report.Blueprint != bp {
		t.Error("clean run must hand back the input blueprint")
	}
}

func TestPipelineHealsBrokenLogicThenPasses(t *testing.T) {
	p := testPipeline(t)
	specs := healthySpecs()
	delete(specs[1].Config, "logic")
	bp := mustBlueprint(t, specs, healthyBindings(t))

	report, err := p.Run(context.Background(), bp)
	if err != nil {
		t.Fatalf("expected healing to recover the run: %v", err)
	}
	if !report.Healed() {
		t.Fatal("report must record that healing ran")
	}

	var logicOutcome *TierOutcome
	for i := range report.Outcomes {
		if report.Outcomes[i].Level == LevelComponentLogic {
			logicOutcome = &report.Outcomes[i]
		}
	}
	if logicOutcome == nil || !logicOutcome.Healed {
		t.Fatalf("component-logic tier not recorded as healed: %+v", report.Outcomes)
	}
	if len(logicOutcome.Attempts) != 1 {
		t.Errorf("identity patch should land in one attempt, got %d", len(logicOutcome.Attempts))
	}
	if !logicOutcome.Result.Passed {
		t.Error("recorded result must be the passing re-validation")
	}

	if _, ok := report.Blueprint.Components["upper"].LogicSource(); !ok {
		t.Error("final blueprint lacks the installed logic")
	}
	if _, ok := bp.Components["upper"].LogicSource(); ok {
		t.Error("input blueprint was mutated")
	}
}

func TestPipelineHealsMissingPortThenPasses(t *testing.T) {
	p := testPipeline(t)
	specs := healthySpecs()
	specs[1].Outputs = nil
	bp := mustBlueprint(t, specs, healthyBindings(t))

	report, err := p.Run(context.Background(), bp)
	if err != nil {
		t.Fatalf("expected the port repair to recover the run: %v", err)
	}
	if len(report.Outcomes) != 4 {
		t.Fatalf("expected all 4 tiers to run after healing, got %d", len(report.Outcomes))
	}

	var logicOutcome *TierOutcome
	for i := range report.Outcomes {
		if report.Outcomes[i].Level == LevelComponentLogic {
			logicOutcome = &report.Outcomes[i]
		}
	}
	if logicOutcome == nil || !logicOutcome.Healed {
		t.Fatalf("component-logic tier not recorded as healed: %+v", report.Outcomes)
	}
	if len(logicOutcome.Attempts) != 1 {
		t.Errorf("port repair should land in one attempt, got %d", len(logicOutcome.Attempts))
	}

	if got := report.Blueprint.Components["upper"].Outputs; len(got) != 1 || got[0] != "out" {
		t.Errorf("final blueprint missing the added output port: %v", got)
	}
	if len(bp.Components["upper"].Outputs) != 0 {
		t.Error("input blueprint was mutated")
	}
}

func TestPipelineCarriesHealedBlueprintForward(t *testing.T) {
	p := testPipeline(t)
	specs := healthySpecs()
	delete(specs[1].Config, "logic")
	specs = append(specs, blueprint.ComponentSpec{
		Name:   "archive",
		Type:   blueprint.TypeStore,
		Inputs: []string{"in"},
	})
	bp := mustBlueprint(t, specs, healthyBindings(t))

	report, err := p.Run(context.Background(), bp)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	healedLevels := map[Level]bool{}
	for _, o := range report.Outcomes {
		if o.Healed {
			healedLevels[o.Level] = true
		}
	}
	if !healedLevels[LevelComponentLogic] || !healedLevels[LevelSemantic] {
		t.Fatalf("expected logic and semantic tiers healed, got %+v", report.Outcomes)
	}

	if _, ok := report.Blueprint.Components["upper"].LogicSource(); !ok {
		t.Error("logic repair lost while healing later tiers")
	}
	if len(report.Blueprint.BindingsInto("archive")) != 1 {
		t.Error("semantic repair missing from final blueprint")
	}
}

func TestPipelineAbortsOnFrameworkFailure(t *testing.T) {
	types := stubTypes{missing: map[blueprint.ComponentType]bool{blueprint.TypeTransform: true}}
	coord := NewCoordinator(CoordinatorConfig{MaxAttempts: 3, Backoff: time.Millisecond}, nil)
	RegisterDefaultStrategies(coord, IntegrationLimits{})
	p := NewPipeline(DefaultTiers(types, IntegrationLimits{}, nil), coord, 0, nil)

	report, err := p.Run(context.Background(), healthyBlueprint(t))

	var tf *TierFailureError
	if !errors.As(err, &tf) {
		t.Fatalf("expected TierFailureError, got %v", err)
	}
	if tf.Level != LevelFramework {
		t.Errorf("failure level = %v, want framework", tf.Level)
	}
	if len(report.Outcomes) != 1 {
		t.Errorf("later tiers must not run after a framework failure, got %d outcomes", len(report.Outcomes))
	}
}

func TestPipelineReportsExhaustion(t *testing.T) {
	p := testPipeline(t)
	specs := []blueprint.ComponentSpec{
		{Name: "feed", Type: blueprint.TypeSource, Outputs: []string{"out"}},
	}
	bp, err := blueprint.New("orphan-system", specs, nil,
		map[string]any{"healing": map[string]any{"max_attempts": 2}})
	if err != nil {
		t.Fatalf("blueprint.New: %v", err)
	}

	report, runErr := p.Run(context.Background(), bp)

	var ex *ExhaustedError
	if !errors.As(runErr, &ex) {
		t.Fatalf("expected ExhaustedError, got %v", runErr)
	}
	if ex.Level != LevelSemantic {
		t.Errorf("exhausted level = %v, want semantic", ex.Level)
	}
	if ex.Attempts != 2 {
		t.Errorf("blueprint max_attempts override ignored: %d attempts", ex.Attempts)
	}
	if ex.Result.Passed {
		t.Error("exhaustion must carry the still-failing result")
	}

	last := report.Outcomes[len(report.Outcomes)-1]
	if last.Level != LevelSemantic || last.Result.Passed {
		t.Errorf("last outcome should be the failing semantic tier: %+v", last)
	}
}

func TestPipelineExhaustionListsEveryBrokenComponent(t *testing.T) {
	p := testPipeline(t)
	broken := "func Process(input string) (string, error) {"
	var specs []blueprint.ComponentSpec
	for _, name := range []string{"alpha", "beta", "gamma"} {
		specs = append(specs, blueprint.ComponentSpec{
			Name:    name,
			Type:    blueprint.TypeTransform,
			Inputs:  []string{"in"},
			Outputs: []string{"out"},
			Config:  map[string]any{"logic": broken},
		})
	}
	bp := mustBlueprint(t, specs, nil)

	report, runErr := p.Run(context.Background(), bp)

	var ex *ExhaustedError
	if !errors.As(runErr, &ex) {
		t.Fatalf("expected ExhaustedError, got %v", runErr)
	}
	if ex.Level != LevelComponentLogic {
		t.Errorf("exhausted level = %v, want component logic", ex.Level)
	}
	if ex.Attempts != 3 {
		t.Errorf("expected the full attempt budget spent, got %d", ex.Attempts)
	}
	for _, name := range []string{"alpha", "beta", "gamma"} {
		requireIssue(t, ex.Result, CodeLogicSyntax, name)
	}

	last := report.Outcomes[len(report.Outcomes)-1]
	if last.Level != LevelComponentLogic || last.Result.Passed || last.Healed {
		t.Errorf("last outcome should be the failing logic tier: %+v", last)
	}
	for _, a := range last.Attempts {
		if a.Error == "" {
			t.Errorf("attempt %d recorded no error for an unrepairable failure", a.Number)
		}
	}
}

func TestPipelineRunsTiersInLevelOrder(t *testing.T) {
	coord := NewCoordinator(CoordinatorConfig{MaxAttempts: 1, Backoff: time.Millisecond}, nil)
	RegisterDefaultStrategies(coord, IntegrationLimits{})
	// Deliberately shuffled tier slice.
	tiers := []TierValidator{
		NewSemanticValidator(nil),
		NewFrameworkValidator(allTypes, nil),
		NewIntegrationValidator(IntegrationLimits{}, nil),
		NewLogicValidator(nil),
	}
	p := NewPipeline(tiers, coord, 0, nil)

	report, err := p.Run(context.Background(), healthyBlueprint(t))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []Level{LevelFramework, LevelComponentLogic, LevelSystemIntegration, LevelSemantic}
	for i, o := range report.Outcomes {
		if o.Level != want[i] {
			t.Fatalf("tier %d ran at level %v, want %v", i, o.Level, want[i])
		}
	}
}

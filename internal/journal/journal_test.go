package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"sysforge/internal/blueprint"
	"sysforge/internal/harness"
	"sysforge/internal/validation"
)

func openTestJournal(t *testing.T) (*Journal, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(path, nil)
	if err != nil {
		t.Fatalf("opening journal: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j, path
}

func TestOpenIsIdempotent(t *testing.T) {
	j, path := openTestJournal(t)
	if err := j.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	again, err := Open(path, nil)
	if err != nil {
		t.Fatalf("reopening journal: %v", err)
	}
	defer again.Close()

	runs, err := again.Runs(context.Background(), 0)
	if err != nil {
		t.Fatalf("listing runs: %v", err)
	}
	if len(runs) != 0 {
		t.Fatalf("fresh journal should have no runs, got %d", len(runs))
	}
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	if _, err := Open("", nil); err == nil {
		t.Fatal("expected an error for an empty path")
	}
}

func TestRecordFullRunRoundTrip(t *testing.T) {
	j, _ := openTestJournal(t)
	ctx := context.Background()

	const runID = "run-0001"
	if err := j.RecordRunStart(ctx, runID, "sensor-pipeline"); err != nil {
		t.Fatalf("run start: %v", err)
	}

	passed := validation.TierOutcome{
		Level: validation.LevelFramework,
		Name:  "framework",
		Result: validation.Result{
			Level:    validation.LevelFramework,
			Passed:   true,
			Duration: 12 * time.Millisecond,
		},
	}
	if err := j.RecordTierResult(ctx, runID, passed); err != nil {
		t.Fatalf("tier result: %v", err)
	}

	healed := validation.TierOutcome{
		Level:  validation.LevelComponentLogic,
		Name:   "component-logic",
		Healed: true,
		Result: validation.Result{
			Level:  validation.LevelComponentLogic,
			Passed: true,
			Issues: []validation.Issue{
				{Level: validation.LevelComponentLogic, Code: validation.CodeLogicSyntax, Component: "parser", Message: "unbalanced braces"},
				{Level: validation.LevelComponentLogic, Code: validation.CodeMissingLogic, Component: "mapper", Message: "transform has no logic body"},
			},
			Duration: 40 * time.Millisecond,
		},
		Attempts: []validation.Attempt{
			{Number: 1, Strategy: validation.CapabilityPatchLogic, Passed: true},
		},
	}
	if err := j.RecordTierResult(ctx, runID, healed); err != nil {
		t.Fatalf("tier result: %v", err)
	}

	snap := harness.Snapshot{
		System: "sensor-pipeline",
		Components: []harness.ComponentStatus{
			{Name: "feed", Type: blueprint.TypeSource, State: harness.StateStopped},
			{Name: "tail", Type: blueprint.TypeSink, State: harness.StateErrored, Fault: "forced shutdown"},
		},
	}
	if err := j.FinishRun(ctx, runID, "completed", nil, snap); err != nil {
		t.Fatalf("finish run: %v", err)
	}

	runs, err := j.Runs(ctx, 10)
	if err != nil {
		t.Fatalf("listing runs: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("runs = %d, want 1", len(runs))
	}
	run := runs[0]
	if run.ID != runID || run.Blueprint != "sensor-pipeline" || run.Outcome != "completed" || run.Error != "" {
		t.Fatalf("unexpected run row: %+v", run)
	}
	if run.StartedAt.IsZero() || run.FinishedAt.IsZero() {
		t.Fatalf("run timestamps missing: %+v", run)
	}

	tiers, err := j.TierResults(ctx, runID)
	if err != nil {
		t.Fatalf("listing tiers: %v", err)
	}
	if len(tiers) != 2 {
		t.Fatalf("tiers = %d, want 2", len(tiers))
	}
	if tiers[0].Level != validation.LevelFramework || !tiers[0].Passed || tiers[0].Healed {
		t.Fatalf("unexpected framework row: %+v", tiers[0])
	}
	logicRow := tiers[1]
	if logicRow.Level != validation.LevelComponentLogic || !logicRow.Healed || logicRow.HealingAttempts != 1 {
		t.Fatalf("unexpected logic row: %+v", logicRow)
	}
	if len(logicRow.Errors) != 2 {
		t.Fatalf("logic row errors = %v, want 2 entries", logicRow.Errors)
	}
	if logicRow.Duration != 40*time.Millisecond {
		t.Fatalf("logic row duration = %v", logicRow.Duration)
	}

	states, err := j.FinalStates(ctx, runID)
	if err != nil {
		t.Fatalf("listing states: %v", err)
	}
	if len(states) != 2 {
		t.Fatalf("states = %d, want 2", len(states))
	}
	if states[0].Component != "feed" || states[0].State != string(harness.StateStopped) {
		t.Fatalf("unexpected feed state: %+v", states[0])
	}
	if states[1].Component != "tail" || states[1].Fault != "forced shutdown" {
		t.Fatalf("unexpected tail state: %+v", states[1])
	}
}

func TestRunsNewestFirstWithLimit(t *testing.T) {
	j, _ := openTestJournal(t)
	ctx := context.Background()

	for _, id := range []string{"run-a", "run-b", "run-c"} {
		if err := j.RecordRunStart(ctx, id, "bp"); err != nil {
			t.Fatalf("run start %s: %v", id, err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	runs, err := j.Runs(ctx, 2)
	if err != nil {
		t.Fatalf("listing runs: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("runs = %d, want 2", len(runs))
	}
	if runs[0].ID != "run-c" || runs[1].ID != "run-b" {
		t.Fatalf("unexpected order: %s, %s", runs[0].ID, runs[1].ID)
	}
}

func TestFinishRunRecordsFailure(t *testing.T) {
	j, _ := openTestJournal(t)
	ctx := context.Background()

	if err := j.RecordRunStart(ctx, "run-x", "bp"); err != nil {
		t.Fatalf("run start: %v", err)
	}
	failure := &validation.TierFailureError{
		Level: validation.LevelFramework,
		Result: validation.Result{
			Level:  validation.LevelFramework,
			Issues: []validation.Issue{{Code: validation.CodeUnsupportedType, Component: "ghost", Message: "no factory"}},
		},
	}
	if err := j.FinishRun(ctx, "run-x", "validation_failed", failure, harness.Snapshot{}); err != nil {
		t.Fatalf("finish run: %v", err)
	}

	runs, err := j.Runs(ctx, 1)
	if err != nil {
		t.Fatalf("listing runs: %v", err)
	}
	if runs[0].Outcome != "validation_failed" || runs[0].Error == "" {
		t.Fatalf("failure not recorded: %+v", runs[0])
	}
}

package orchestrator

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"sysforge/internal/blueprint"
	"sysforge/internal/config"
	"sysforge/internal/harness"
	"sysforge/internal/journal"
	"sysforge/internal/preflight"
	"sysforge/internal/validation"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// testConfig shrinks the timing knobs so runs finish in milliseconds.
func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Healing.Backoff = "1ms"
	cfg.Harness.StopTimeout = "2s"
	cfg.Harness.ForceGrace = "500ms"
	cfg.Harness.HealthInterval = "50ms"
	return cfg
}

// pipelineBlueprint builds a three-stage system. relayConfig is the
// transform's configuration, so tests can leave the logic out or plant
// a broken body.
func pipelineBlueprint(t *testing.T, relayConfig map[string]any) *blueprint.SystemBlueprint {
	t.Helper()
	bp, err := blueprint.New("orchestrated-pipeline", []blueprint.ComponentSpec{
		{
			Name:    "feed",
			Type:    blueprint.TypeSource,
			Outputs: []string{"out"},
			Config:  map[string]any{"count": 2, "payload": "tick"},
		},
		{
			Name:         "relay",
			Type:         blueprint.TypeTransform,
			Inputs:       []string{"in"},
			Outputs:      []string{"out"},
			Dependencies: []string{"feed"},
			Config:       relayConfig,
		},
		{
			Name:         "tail",
			Type:         blueprint.TypeSink,
			Inputs:       []string{"in"},
			Dependencies: []string{"relay"},
		},
	}, []blueprint.Binding{
		{
			Source:     blueprint.Endpoint{Component: "feed", Port: "out"},
			Target:     blueprint.Endpoint{Component: "relay", Port: "in"},
			BufferSize: 4,
		},
		{
			Source:     blueprint.Endpoint{Component: "relay", Port: "out"},
			Target:     blueprint.Endpoint{Component: "tail", Port: "in"},
			BufferSize: 4,
		},
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return bp
}

// The transform has no logic body, which fails the component-logic tier.
// Healing installs the identity body, the tier re-passes, and the run
// proceeds through execution to a clean stop.
func TestRunHealsMissingLogicAndCompletes(t *testing.T) {
	o := New(testConfig(), zap.NewNop())
	bp := pipelineBlueprint(t, nil)

	report, err := o.Run(context.Background(), bp)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if report.RunID == "" {
		t.Error("report carries no run id")
	}
	if !report.Preflight.Available() {
		t.Errorf("preflight failed: %+v", report.Preflight.Failed())
	}
	if !report.Healed {
		t.Error("run should report that healing took place")
	}

	var levels []validation.Level
	for _, tier := range report.Tiers {
		levels = append(levels, tier.Level)
	}
	want := []validation.Level{
		validation.LevelFramework,
		validation.LevelComponentLogic,
		validation.LevelSystemIntegration,
		validation.LevelSemantic,
	}
	if diff := cmp.Diff(want, levels); diff != "" {
		t.Fatalf("tier levels mismatch (-want +got):\n%s", diff)
	}

	logicTier := report.Tiers[1]
	if !logicTier.Healed {
		t.Error("component-logic tier should be marked healed")
	}
	if len(logicTier.Attempts) != 1 {
		t.Errorf("healing attempts = %d, want 1", len(logicTier.Attempts))
	}
	if !logicTier.Result.Passed {
		t.Error("healed tier should carry a passing result")
	}

	for _, cs := range report.Snapshot.Components {
		if cs.State != harness.StateStopped {
			t.Errorf("component %s finished %s (fault %q), want %s",
				cs.Name, cs.State, cs.Fault, harness.StateStopped)
		}
	}
	for _, ss := range report.Snapshot.Streams {
		if !ss.Closed {
			t.Errorf("stream %s still open after the run", ss.Name)
		}
		if ss.Sent != 2 || ss.Received != 2 {
			t.Errorf("stream %s moved %d/%d envelopes, want 2/2", ss.Name, ss.Sent, ss.Received)
		}
	}
	if report.Duration <= 0 {
		t.Error("report duration not recorded")
	}
}

// closedPort returns an address that was just released, so connecting to
// it fails immediately.
func closedPort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func TestRunAbortsWhenPreflightFails(t *testing.T) {
	bp, err := blueprint.New("needs-upstream", []blueprint.ComponentSpec{
		{
			Name:    "feed",
			Type:    blueprint.TypeSource,
			Outputs: []string{"out"},
			Config:  map[string]any{"count": 1},
			Requires: []blueprint.DependencySpec{
				{Kind: blueprint.KindService, Locator: closedPort(t)},
			},
		},
		{
			Name:   "tail",
			Type:   blueprint.TypeSink,
			Inputs: []string{"in"},
		},
	}, []blueprint.Binding{
		{
			Source:     blueprint.Endpoint{Component: "feed", Port: "out"},
			Target:     blueprint.Endpoint{Component: "tail", Port: "in"},
			BufferSize: 4,
		},
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	o := New(testConfig(), zap.NewNop())
	report, err := o.Run(context.Background(), bp)
	if err == nil {
		t.Fatal("Run succeeded despite an unreachable dependency")
	}

	var unavailable *preflight.UnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("error %v is not an UnavailableError", err)
	}
	if got := len(unavailable.Report.Failed()); got != 1 {
		t.Errorf("failed probes = %d, want 1", got)
	}
	if len(report.Tiers) != 0 {
		t.Errorf("%d tiers ran after a failed preflight, want none", len(report.Tiers))
	}
	if len(report.Snapshot.Components) != 0 {
		t.Error("snapshot shows components although nothing was built")
	}
}

// A syntax error inside the logic body has no mechanical repair, so the
// strategy declines every attempt and the pipeline reports exhaustion.
func TestRunStopsWhenHealingIsExhausted(t *testing.T) {
	cfg := testConfig()
	cfg.Healing.MaxAttempts = 2
	o := New(cfg, zap.NewNop())
	bp := pipelineBlueprint(t, map[string]any{
		"logic": "func Process(input string) (string, error) { return",
	})

	report, err := o.Run(context.Background(), bp)
	if err == nil {
		t.Fatal("Run succeeded despite unhealable logic")
	}

	var exhausted *validation.ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("error %v is not an ExhaustedError", err)
	}
	if exhausted.Level != validation.LevelComponentLogic {
		t.Errorf("exhausted at %s, want %s", exhausted.Level, validation.LevelComponentLogic)
	}
	if exhausted.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", exhausted.Attempts)
	}

	// Framework passed, component-logic failed, nothing after it ran.
	if len(report.Tiers) != 2 {
		t.Fatalf("%d tier outcomes, want 2", len(report.Tiers))
	}
	if report.Healed {
		t.Error("run reports healing although the tier never recovered")
	}
	if len(report.Snapshot.Components) != 0 {
		t.Error("snapshot shows components although the harness never built")
	}
}

func TestRunWritesJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.db")
	j, err := journal.Open(path, zap.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { j.Close() })

	o := New(testConfig(), zap.NewNop(), WithJournal(j))
	report, err := o.Run(context.Background(), pipelineBlueprint(t, nil))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	ctx := context.Background()
	runs, err := j.Runs(ctx, 10)
	if err != nil {
		t.Fatalf("Runs: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("journal holds %d runs, want 1", len(runs))
	}
	if runs[0].ID != report.RunID {
		t.Errorf("journal run id = %s, want %s", runs[0].ID, report.RunID)
	}
	if runs[0].Outcome != "completed" {
		t.Errorf("journal outcome = %q, want %q", runs[0].Outcome, "completed")
	}
	if runs[0].Blueprint != "orchestrated-pipeline" {
		t.Errorf("journal blueprint = %q", runs[0].Blueprint)
	}

	tiers, err := j.TierResults(ctx, report.RunID)
	if err != nil {
		t.Fatalf("TierResults: %v", err)
	}
	if len(tiers) != 4 {
		t.Fatalf("journal holds %d tier rows, want 4", len(tiers))
	}
	healed := 0
	for _, tier := range tiers {
		if !tier.Passed {
			t.Errorf("tier %s recorded as failed", tier.Name)
		}
		if tier.Healed {
			healed++
		}
	}
	if healed != 1 {
		t.Errorf("%d healed tiers recorded, want 1", healed)
	}

	states, err := j.FinalStates(ctx, report.RunID)
	if err != nil {
		t.Fatalf("FinalStates: %v", err)
	}
	if len(states) != 3 {
		t.Fatalf("journal holds %d final states, want 3", len(states))
	}
	for _, st := range states {
		if st.State != string(harness.StateStopped) {
			t.Errorf("component %s recorded as %s", st.Component, st.State)
		}
	}
}

func TestValidateAloneDoesNotExecute(t *testing.T) {
	o := New(testConfig(), zap.NewNop())
	bp := pipelineBlueprint(t, nil)

	report, err := o.Validate(context.Background(), bp)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !report.Healed() {
		t.Error("validation should have healed the missing logic")
	}
	if report.Blueprint == bp {
		t.Error("healed blueprint should be a new document")
	}
	if _, ok := report.Blueprint.Components["relay"].LogicSource(); !ok {
		t.Error("healed blueprint is missing the installed logic body")
	}
	// The input document stays untouched.
	if _, ok := bp.Components["relay"].LogicSource(); ok {
		t.Error("original blueprint was mutated by healing")
	}
}

func TestLoadAndValidateFromDisk(t *testing.T) {
	doc := `
name: disk-system
components:
  feed:
    type: source
    outputs: [out]
    config:
      count: 1
  tail:
    type: sink
    inputs: [in]
bindings:
  - source: feed.out
    target: tail.in
`
	path := filepath.Join(t.TempDir(), "system.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	o := New(testConfig(), zap.NewNop())
	report, err := o.LoadAndValidate(context.Background(), path)
	if err != nil {
		t.Fatalf("LoadAndValidate: %v", err)
	}
	if len(report.Outcomes) != 4 {
		t.Errorf("%d tier outcomes, want 4", len(report.Outcomes))
	}
	if report.Healed() {
		t.Error("a well-formed document should not need healing")
	}

	if _, err := o.LoadAndValidate(context.Background(), filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("missing file should fail to load")
	}
}

func TestPreflightReportsEveryProbe(t *testing.T) {
	t.Setenv("ORCH_TEST_TOKEN", "present")
	bp, err := blueprint.New("probe-mix", []blueprint.ComponentSpec{
		{
			Name:    "feed",
			Type:    blueprint.TypeSource,
			Outputs: []string{"out"},
			Requires: []blueprint.DependencySpec{
				{Kind: blueprint.KindCredential, Locator: "env:ORCH_TEST_TOKEN"},
				{Kind: blueprint.KindService, Locator: closedPort(t)},
			},
		},
		{
			Name:   "tail",
			Type:   blueprint.TypeSink,
			Inputs: []string{"in"},
		},
	}, []blueprint.Binding{
		{
			Source:     blueprint.Endpoint{Component: "feed", Port: "out"},
			Target:     blueprint.Endpoint{Component: "tail", Port: "in"},
			BufferSize: 4,
		},
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	o := New(testConfig(), zap.NewNop())
	report := o.Preflight(context.Background(), bp)
	if len(report.Results) != 2 {
		t.Fatalf("%d probe results, want 2", len(report.Results))
	}
	if report.Available() {
		t.Error("report available despite a dead service")
	}
	if got := len(report.Failed()); got != 1 {
		t.Errorf("failed probes = %d, want 1", got)
	}
}

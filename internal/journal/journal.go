// Package journal persists run outcomes to a local sqlite database: one
// row per run, one per tier result, one per final component state. It is
// optional; the orchestrator writes through it only when enabled in the
// configuration.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"sysforge/internal/harness"
	"sysforge/internal/validation"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		blueprint TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		finished_at DATETIME,
		outcome TEXT NOT NULL DEFAULT 'running',
		error TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS tier_results (
		run_id TEXT NOT NULL,
		level INTEGER NOT NULL,
		name TEXT NOT NULL,
		passed INTEGER NOT NULL,
		errors TEXT NOT NULL DEFAULT '',
		healed INTEGER NOT NULL DEFAULT 0,
		healing_attempts INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS final_states (
		run_id TEXT NOT NULL,
		component TEXT NOT NULL,
		state TEXT NOT NULL,
		fault TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tier_results_run ON tier_results(run_id)`,
	`CREATE INDEX IF NOT EXISTS idx_final_states_run ON final_states(run_id)`,
}

// Journal is an append-mostly record of orchestrator runs.
type Journal struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens the journal database, creating it and its schema as needed.
// The schema statements are idempotent, so reopening an existing journal
// is safe.
func Open(path string, logger *zap.Logger) (*Journal, error) {
	if path == "" {
		return nil, errors.New("journal path is empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening journal database: %w", err)
	}
	// A single connection keeps in-memory journals alive and sidesteps
	// sqlite writer contention.
	db.SetMaxOpenConns(1)

	for _, stmt := range schemaStatements {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("creating journal schema: %w", err)
		}
	}

	logger.Debug("journal opened", zap.String("path", path))
	return &Journal{db: db, logger: logger}, nil
}

// RecordRunStart opens a run row in the 'running' outcome.
func (j *Journal) RecordRunStart(ctx context.Context, runID, blueprintName string) error {
	_, err := j.db.ExecContext(ctx,
		"INSERT INTO runs (id, blueprint, started_at) VALUES (?, ?, ?)",
		runID, blueprintName, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("recording run start: %w", err)
	}
	return nil
}

// RecordTierResult appends one validation tier outcome to the run.
func (j *Journal) RecordTierResult(ctx context.Context, runID string, outcome validation.TierOutcome) error {
	issues := make([]string, 0, len(outcome.Result.Issues))
	for _, issue := range outcome.Result.Issues {
		issues = append(issues, issue.String())
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO tier_results (run_id, level, name, passed, errors, healed, healing_attempts, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, int(outcome.Level), outcome.Name, outcome.Result.Passed,
		strings.Join(issues, "\n"), outcome.Healed, len(outcome.Attempts),
		outcome.Result.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("recording tier result: %w", err)
	}
	return nil
}

// FinishRun closes out the run row and records the final component states
// from the snapshot.
func (j *Journal) FinishRun(ctx context.Context, runID, outcome string, runErr error, snap harness.Snapshot) error {
	errText := ""
	if runErr != nil {
		errText = runErr.Error()
	}
	if _, err := j.db.ExecContext(ctx,
		"UPDATE runs SET finished_at = ?, outcome = ?, error = ? WHERE id = ?",
		time.Now().UTC(), outcome, errText, runID); err != nil {
		return fmt.Errorf("finishing run: %w", err)
	}

	for _, cs := range snap.Components {
		if _, err := j.db.ExecContext(ctx,
			"INSERT INTO final_states (run_id, component, state, fault) VALUES (?, ?, ?, ?)",
			runID, cs.Name, string(cs.State), cs.Fault); err != nil {
			return fmt.Errorf("recording final state of %s: %w", cs.Name, err)
		}
	}
	return nil
}

// Close releases the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// RunRecord is one row of the runs table.
type RunRecord struct {
	ID         string
	Blueprint  string
	StartedAt  time.Time
	FinishedAt time.Time
	Outcome    string
	Error      string
}

// Runs lists recorded runs, newest first. A non-positive limit defaults
// to 50.
func (j *Journal) Runs(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx,
		"SELECT id, blueprint, started_at, finished_at, outcome, error FROM runs ORDER BY started_at DESC LIMIT ?",
		limit)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var rec RunRecord
		var finished sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.Blueprint, &rec.StartedAt, &finished, &rec.Outcome, &rec.Error); err != nil {
			j.logger.Warn("skipping unreadable run row", zap.Error(err))
			continue
		}
		if finished.Valid {
			rec.FinishedAt = finished.Time
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// TierRecord is one row of the tier_results table.
type TierRecord struct {
	RunID           string
	Level           validation.Level
	Name            string
	Passed          bool
	Errors          []string
	Healed          bool
	HealingAttempts int
	Duration        time.Duration
}

// TierResults lists the tier outcomes of one run in level order.
func (j *Journal) TierResults(ctx context.Context, runID string) ([]TierRecord, error) {
	rows, err := j.db.QueryContext(ctx,
		"SELECT run_id, level, name, passed, errors, healed, healing_attempts, duration_ms FROM tier_results WHERE run_id = ? ORDER BY level",
		runID)
	if err != nil {
		return nil, fmt.Errorf("listing tier results: %w", err)
	}
	defer rows.Close()

	var out []TierRecord
	for rows.Next() {
		var rec TierRecord
		var level int
		var errText string
		var durMS int64
		if err := rows.Scan(&rec.RunID, &level, &rec.Name, &rec.Passed, &errText, &rec.Healed, &rec.HealingAttempts, &durMS); err != nil {
			j.logger.Warn("skipping unreadable tier row", zap.Error(err))
			continue
		}
		rec.Level = validation.Level(level)
		if errText != "" {
			rec.Errors = strings.Split(errText, "\n")
		}
		rec.Duration = time.Duration(durMS) * time.Millisecond
		out = append(out, rec)
	}
	return out, rows.Err()
}

// FinalState is one row of the final_states table.
type FinalState struct {
	RunID     string
	Component string
	State     string
	Fault     string
}

// FinalStates lists the terminal component states of one run.
func (j *Journal) FinalStates(ctx context.Context, runID string) ([]FinalState, error) {
	rows, err := j.db.QueryContext(ctx,
		"SELECT run_id, component, state, fault FROM final_states WHERE run_id = ? ORDER BY component",
		runID)
	if err != nil {
		return nil, fmt.Errorf("listing final states: %w", err)
	}
	defer rows.Close()

	var out []FinalState
	for rows.Next() {
		var rec FinalState
		if err := rows.Scan(&rec.RunID, &rec.Component, &rec.State, &rec.Fault); err != nil {
			j.logger.Warn("skipping unreadable state row", zap.Error(err))
			continue
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

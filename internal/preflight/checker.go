// Package preflight verifies external preconditions before any validation
// tier runs: databases reachable, services accepting connections, credentials
// present. Every probe does real work; there is no mock or degraded path, and
// a failed report aborts the pipeline outright.
package preflight

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"sysforge/internal/blueprint"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	// Database probe drivers: postgres via pgx, everything else via the
	// pure-Go sqlite driver.
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// ProbeResult records the outcome of a single dependency probe.
type ProbeResult struct {
	Spec      blueprint.DependencySpec
	Available bool
	Detail    string
	Latency   time.Duration
}

// Report enumerates every probe outcome for one preflight check. All declared
// dependencies are probed even when early ones fail, so the caller sees the
// complete failure set at once.
type Report struct {
	Results   []ProbeResult
	CheckedAt time.Time
}

// Available reports whether every probe succeeded.
func (r *Report) Available() bool {
	for _, res := range r.Results {
		if !res.Available {
			return false
		}
	}
	return true
}

// Failed returns the probes that did not succeed.
func (r *Report) Failed() []ProbeResult {
	var failed []ProbeResult
	for _, res := range r.Results {
		if !res.Available {
			failed = append(failed, res)
		}
	}
	return failed
}

// UnavailableError is the hard preflight failure: one or more declared
// dependencies could not be reached. It carries the full report.
type UnavailableError struct {
	Report *Report
}

func (e *UnavailableError) Error() string {
	failed := e.Report.Failed()
	parts := make([]string, 0, len(failed))
	for _, res := range failed {
		parts = append(parts, fmt.Sprintf("%s (%s)", res.Spec, res.Detail))
	}
	return fmt.Sprintf("%d of %d dependencies unavailable: %s",
		len(failed), len(e.Report.Results), strings.Join(parts, "; "))
}

// CheckerConfig bounds probe execution.
type CheckerConfig struct {
	ProbeTimeout time.Duration
	Parallelism  int
}

// DefaultCheckerConfig returns the default probe bounds.
func DefaultCheckerConfig() CheckerConfig {
	return CheckerConfig{
		ProbeTimeout: 5 * time.Second,
		Parallelism:  4,
	}
}

// Checker performs dependency probes.
type Checker struct {
	cfg    CheckerConfig
	logger *zap.Logger
}

// NewChecker creates a Checker. A nil logger is replaced with a no-op.
func NewChecker(cfg CheckerConfig, logger *zap.Logger) *Checker {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultCheckerConfig().ProbeTimeout
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = DefaultCheckerConfig().Parallelism
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{cfg: cfg, logger: logger}
}

// Check probes every declared dependency in parallel and returns the full
// report. Individual probe failures never abort the sweep; each goroutine
// records its own slot and returns nil so all failures are collected.
func (c *Checker) Check(ctx context.Context, deps []blueprint.DependencySpec) *Report {
	report := &Report{
		Results:   make([]ProbeResult, len(deps)),
		CheckedAt: time.Now(),
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(c.cfg.Parallelism)
	for i, dep := range deps {
		i, dep := i, dep
		eg.Go(func() error {
			report.Results[i] = c.probe(egCtx, dep)
			return nil
		})
	}
	_ = eg.Wait()

	for _, res := range report.Results {
		if res.Available {
			c.logger.Debug("dependency probe ok",
				zap.String("kind", string(res.Spec.Kind)),
				zap.String("locator", res.Spec.Locator),
				zap.Duration("latency", res.Latency))
		} else {
			c.logger.Warn("dependency probe failed",
				zap.String("kind", string(res.Spec.Kind)),
				zap.String("locator", res.Spec.Locator),
				zap.String("detail", res.Detail))
		}
	}
	return report
}

func (c *Checker) probe(ctx context.Context, spec blueprint.DependencySpec) ProbeResult {
	start := time.Now()

	var detail string
	var err error
	switch spec.Kind {
	case blueprint.KindDatabase:
		detail, err = c.probeDatabase(ctx, spec.Locator)
	case blueprint.KindService:
		detail, err = c.probeService(ctx, spec.Locator)
	case blueprint.KindCredential:
		detail, err = c.probeCredential(spec.Locator)
	default:
		err = fmt.Errorf("unknown dependency kind %q", spec.Kind)
	}

	res := ProbeResult{
		Spec:      spec,
		Available: err == nil,
		Detail:    detail,
		Latency:   time.Since(start),
	}
	if err != nil {
		res.Detail = err.Error()
	}
	return res
}

// probeDatabase opens and pings the database behind the locator. Postgres
// URLs go through the pgx driver; anything else is treated as a sqlite DSN.
// A sqlite file that does not exist counts as unavailable rather than being
// silently created by the ping.
func (c *Checker) probeDatabase(ctx context.Context, locator string) (string, error) {
	driver := "sqlite"
	if strings.HasPrefix(locator, "postgres://") || strings.HasPrefix(locator, "postgresql://") {
		driver = "pgx"
	} else if !isMemorySQLite(locator) {
		path := strings.TrimPrefix(locator, "file:")
		if idx := strings.IndexByte(path, '?'); idx >= 0 {
			path = path[:idx]
		}
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("sqlite database %s: %w", path, err)
		}
	}

	db, err := sql.Open(driver, locator)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", driver, err)
	}
	defer db.Close()

	pingCtx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return "", fmt.Errorf("ping: %w", err)
	}
	return driver + " ping ok", nil
}

func isMemorySQLite(locator string) bool {
	return locator == ":memory:" || strings.Contains(locator, "mode=memory")
}

// probeService checks reachability: an HTTP(S) locator must answer a request
// (any status counts — this is a connectivity probe, not a health contract);
// anything else is dialed as host:port.
func (c *Checker) probeService(ctx context.Context, locator string) (string, error) {
	if strings.HasPrefix(locator, "http://") || strings.HasPrefix(locator, "https://") {
		reqCtx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, locator, nil)
		if err != nil {
			return "", fmt.Errorf("build request: %w", err)
		}
		resp, err := (&http.Client{Timeout: c.cfg.ProbeTimeout}).Do(req)
		if err != nil {
			return "", fmt.Errorf("request: %w", err)
		}
		defer resp.Body.Close()
		return fmt.Sprintf("HTTP %d", resp.StatusCode), nil
	}

	conn, err := net.DialTimeout("tcp", locator, c.cfg.ProbeTimeout)
	if err != nil {
		return "", fmt.Errorf("dial: %w", err)
	}
	_ = conn.Close()
	return "tcp dial ok", nil
}

// probeCredential verifies a credential is present: file:/path must be a
// regular file, anything else names an environment variable that must be
// non-empty.
func (c *Checker) probeCredential(locator string) (string, error) {
	if strings.HasPrefix(locator, "file:") {
		path := strings.TrimPrefix(locator, "file:")
		info, err := os.Stat(path)
		if err != nil {
			return "", fmt.Errorf("credential file: %w", err)
		}
		if info.IsDir() {
			return "", fmt.Errorf("credential file %s is a directory", path)
		}
		return "file present", nil
	}

	name := strings.TrimPrefix(locator, "env:")
	if v, ok := os.LookupEnv(name); !ok || v == "" {
		return "", fmt.Errorf("environment variable %s not set", name)
	}
	return "env var set", nil
}

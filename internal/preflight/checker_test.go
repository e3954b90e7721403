package preflight

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"sysforge/internal/blueprint"
)

func testChecker() *Checker {
	cfg := DefaultCheckerConfig()
	cfg.ProbeTimeout = 2 * time.Second
	return NewChecker(cfg, nil)
}

func TestCheckSQLiteDatabase(t *testing.T) {
	c := testChecker()

	path := filepath.Join(t.TempDir(), "app.db")
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatalf("write db file: %v", err)
	}

	report := c.Check(context.Background(), []blueprint.DependencySpec{
		{Kind: blueprint.KindDatabase, Locator: path},
	})
	if !report.Available() {
		t.Fatalf("sqlite probe failed: %+v", report.Results)
	}
}

func TestCheckSQLiteDatabaseMissingFile(t *testing.T) {
	c := testChecker()

	report := c.Check(context.Background(), []blueprint.DependencySpec{
		{Kind: blueprint.KindDatabase, Locator: filepath.Join(t.TempDir(), "missing.db")},
	})
	if report.Available() {
		t.Fatal("probe passed for a database file that does not exist")
	}
}

func TestCheckPostgresUnreachable(t *testing.T) {
	cfg := DefaultCheckerConfig()
	cfg.ProbeTimeout = 1 * time.Second
	c := NewChecker(cfg, nil)

	report := c.Check(context.Background(), []blueprint.DependencySpec{
		{Kind: blueprint.KindDatabase, Locator: "postgres://nobody@127.0.0.1:1/none"},
	})
	if report.Available() {
		t.Fatal("probe passed against a closed postgres port")
	}
}

func TestCheckServiceTCP(t *testing.T) {
	c := testChecker()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	defer ln.Close()

	report := c.Check(context.Background(), []blueprint.DependencySpec{
		{Kind: blueprint.KindService, Locator: addr},
	})
	if !report.Available() {
		t.Fatalf("tcp probe failed against live listener: %+v", report.Results)
	}

	ln.Close()
	report = c.Check(context.Background(), []blueprint.DependencySpec{
		{Kind: blueprint.KindService, Locator: addr},
	})
	if report.Available() {
		t.Fatal("tcp probe passed against a closed port")
	}
}

func TestCheckServiceHTTP(t *testing.T) {
	c := testChecker()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	report := c.Check(context.Background(), []blueprint.DependencySpec{
		{Kind: blueprint.KindService, Locator: srv.URL},
	})
	// Connectivity probe: any HTTP answer counts as reachable.
	if !report.Available() {
		t.Fatalf("http probe failed against a responding server: %+v", report.Results)
	}
}

func TestCheckCredential(t *testing.T) {
	c := testChecker()

	t.Setenv("SYSFORGE_TEST_TOKEN", "sekrit")
	path := filepath.Join(t.TempDir(), "key.pem")
	if err := os.WriteFile(path, []byte("key"), 0600); err != nil {
		t.Fatalf("write key file: %v", err)
	}

	report := c.Check(context.Background(), []blueprint.DependencySpec{
		{Kind: blueprint.KindCredential, Locator: "SYSFORGE_TEST_TOKEN"},
		{Kind: blueprint.KindCredential, Locator: "env:SYSFORGE_TEST_TOKEN"},
		{Kind: blueprint.KindCredential, Locator: "file:" + path},
	})
	if !report.Available() {
		t.Fatalf("credential probes failed: %+v", report.Results)
	}

	report = c.Check(context.Background(), []blueprint.DependencySpec{
		{Kind: blueprint.KindCredential, Locator: "SYSFORGE_TEST_ABSENT"},
		{Kind: blueprint.KindCredential, Locator: "file:" + filepath.Join(t.TempDir(), "nope")},
	})
	if len(report.Failed()) != 2 {
		t.Fatalf("Failed() = %d results, want 2", len(report.Failed()))
	}
}

func TestCheckEnumeratesEveryFailure(t *testing.T) {
	c := testChecker()

	report := c.Check(context.Background(), []blueprint.DependencySpec{
		{Kind: blueprint.KindCredential, Locator: "SYSFORGE_TEST_A"},
		{Kind: blueprint.KindCredential, Locator: "SYSFORGE_TEST_B"},
		{Kind: "teapot", Locator: "anything"},
	})

	if got := len(report.Failed()); got != 3 {
		t.Fatalf("Failed() = %d results, want all 3", got)
	}

	err := &UnavailableError{Report: report}
	msg := err.Error()
	for _, want := range []string{"SYSFORGE_TEST_A", "SYSFORGE_TEST_B", "teapot"} {
		if !strings.Contains(msg, want) {
			t.Errorf("UnavailableError %q does not mention %s", msg, want)
		}
	}
}

func TestCheckNoDependencies(t *testing.T) {
	c := testChecker()
	report := c.Check(context.Background(), nil)
	if !report.Available() {
		t.Fatal("empty dependency set should be trivially available")
	}
}

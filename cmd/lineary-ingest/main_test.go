package main

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/48Nauts-Operator/lineary-ingest/internal/backfill"
)

var twoSessions = strings.Join([]string{
	`{"sessionId":"A","role":"user","text":"fix bug"}`,
	`{"sessionId":"A","role":"assistant","text":"done"}`,
	`{"sessionId":"B","role":"user","text":"add test"}`,
}, "\n") + "\n"

// isolateEnv clears every setting Load reads and points the run at a fresh
// in-memory index with no pacing.
func isolateEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"INGEST_CONFIG", "KNOWLEDGE_URL", "KNOWLEDGE_API_TOKEN",
		"INGEST_TIMEOUT", "INGEST_MAX_ATTEMPTS", "INGEST_BACKOFF_BASE", "INGEST_BACKOFF_MAX",
		"INGEST_ROOT", "INGEST_PATTERN", "INGEST_SETTLE_DELAY", "INGEST_EVENT_DELAY",
		"INGEST_RESCAN_CRON", "INGEST_MAX_MESSAGES", "INDEX_DSN", "DATABASE_URL",
		"NATS_URL", "NATS_TOKEN", "SLACK_BOT_TOKEN", "SLACK_CHANNEL",
		"INGEST_PORT", "LOG_LEVEL", "LOG_FORMAT",
	} {
		t.Setenv(key, "")
	}
	t.Setenv("INDEX_DRIVER", "memory")
	t.Setenv("INGEST_FILE_DELAY", "0s")
	t.Setenv("INGEST_DELIVERY_DELAY", "0s")
}

type fakeStore struct {
	mu     sync.Mutex
	titles []string
}

func (f *fakeStore) handler(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title string `json:"title"`
	}
	json.NewDecoder(r.Body).Decode(&body)
	f.mu.Lock()
	f.titles = append(f.titles, body.Title)
	n := len(f.titles)
	f.mu.Unlock()
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{"id": n})
}

func (f *fakeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.titles)
}

func writeTranscript(t *testing.T, root, project, name string) string {
	t.Helper()
	path := filepath.Join(root, project, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(twoSessions), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCmd()
	stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestVersionCmd(t *testing.T) {
	out, _, err := run(t, "version")
	if err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if !strings.Contains(out, "lineary-ingest dev") || !strings.Contains(out, "commit: none") {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestVersionCmdWithCustomValues(t *testing.T) {
	origVersion, origCommit, origDate := Version, Commit, Date
	Version, Commit, Date = "1.0.0", "abc123", "2026-01-01"
	defer func() { Version, Commit, Date = origVersion, origCommit, origDate }()

	out, _, err := run(t, "version")
	if err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if !strings.Contains(out, "lineary-ingest 1.0.0 (commit: abc123, built: 2026-01-01)") {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestRootCmdHelp(t *testing.T) {
	out, _, err := run(t, "--help")
	if err != nil {
		t.Fatalf("help failed: %v", err)
	}
	for _, sub := range []string{"watch", "backfill", "import", "version"} {
		if !strings.Contains(out, sub) {
			t.Errorf("help missing subcommand %q", sub)
		}
	}
}

func TestImportRequiresFileArg(t *testing.T) {
	isolateEnv(t)
	if _, _, err := run(t, "import"); err == nil {
		t.Fatal("expected error without file argument")
	}
}

func TestBackfill_RequiresKnowledgeURL(t *testing.T) {
	isolateEnv(t)
	_, _, err := run(t, "backfill", "--root", t.TempDir())
	if err == nil || !strings.Contains(err.Error(), "KNOWLEDGE_URL") {
		t.Fatalf("expected KNOWLEDGE_URL error, got %v", err)
	}
}

func TestBackfill_BadConfig(t *testing.T) {
	isolateEnv(t)
	t.Setenv("LOG_LEVEL", "chatty")
	_, _, err := run(t, "backfill", "--dry-run")
	if err == nil || !strings.Contains(err.Error(), "config: validation failed") {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestBackfill_DeliversAndWritesReport(t *testing.T) {
	isolateEnv(t)
	store := &fakeStore{}
	srv := httptest.NewServer(http.HandlerFunc(store.handler))
	defer srv.Close()
	t.Setenv("KNOWLEDGE_URL", srv.URL)

	root := t.TempDir()
	writeTranscript(t, root, "alpha", "s1.jsonl")
	writeTranscript(t, root, "beta", "s2.jsonl")
	reportPath := filepath.Join(t.TempDir(), "out", "report.json")

	out, _, err := run(t, "backfill", "--root", root, "--project", "alpha", "--report", reportPath)
	if err != nil {
		t.Fatalf("backfill failed: %v", err)
	}
	if !strings.Contains(out, "Imported: 2") {
		t.Errorf("summary missing import count:\n%s", out)
	}
	if store.count() != 2 {
		t.Errorf("store received %d writes, want 2", store.count())
	}

	rep, err := backfill.LoadReport(reportPath)
	if err != nil {
		t.Fatalf("LoadReport: %v", err)
	}
	if rep.Mode != backfill.ModeBatch || rep.Imported != 2 || rep.Sources["beta"] != nil {
		t.Errorf("report = %+v", rep)
	}
}

func TestBackfill_DryRunWithoutURL(t *testing.T) {
	isolateEnv(t)
	root := t.TempDir()
	writeTranscript(t, root, "alpha", "s1.jsonl")

	out, _, err := run(t, "backfill", "--root", root, "--dry-run")
	if err != nil {
		t.Fatalf("dry run failed: %v", err)
	}
	if !strings.Contains(out, "Would import: 2") {
		t.Errorf("unexpected summary:\n%s", out)
	}
}

func TestBackfill_MissingRoot(t *testing.T) {
	isolateEnv(t)
	_, _, err := run(t, "backfill", "--dry-run", "--root", filepath.Join(t.TempDir(), "nope"))
	if err == nil {
		t.Fatal("expected error for missing root")
	}
}

func TestImport_SingleFile(t *testing.T) {
	isolateEnv(t)
	store := &fakeStore{}
	srv := httptest.NewServer(http.HandlerFunc(store.handler))
	defer srv.Close()
	t.Setenv("KNOWLEDGE_URL", srv.URL)

	path := writeTranscript(t, t.TempDir(), "alpha", "s1.jsonl")
	out, _, err := run(t, "import", path)
	if err != nil {
		t.Fatalf("import failed: %v", err)
	}
	if !strings.Contains(out, "Ingest Summary (import)") || store.count() != 2 {
		t.Errorf("writes=%d summary:\n%s", store.count(), out)
	}
}

func TestImport_MissingFileFails(t *testing.T) {
	isolateEnv(t)
	_, _, err := run(t, "import", "--dry-run", filepath.Join(t.TempDir(), "missing.jsonl"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestSetupLogging(t *testing.T) {
	defer slog.SetDefault(slog.Default())

	var buf bytes.Buffer
	logger := setupLogging(&buf, "warn", "auto")
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info record should be filtered at warn level")
	}
	// A buffer is not a terminal, so auto means JSON.
	if !strings.Contains(out, `"msg":"shown"`) {
		t.Errorf("expected JSON output, got %q", out)
	}

	buf.Reset()
	setupLogging(&buf, "debug", "text").Debug("details")
	if !strings.Contains(buf.String(), "msg=details") {
		t.Errorf("expected text output, got %q", buf.String())
	}
}

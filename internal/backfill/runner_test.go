package backfill

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/48Nauts-Operator/lineary-ingest/internal/fingerprint"
	"github.com/48Nauts-Operator/lineary-ingest/internal/hermes"
	"github.com/48Nauts-Operator/lineary-ingest/internal/knowledge"
)

// fakeStore is a knowledge store that answers 409 for content it already holds.
type fakeStore struct {
	mu       sync.Mutex
	items    map[string]knowledge.Payload
	requests int
}

func newFakeStore(t *testing.T) (*fakeStore, *httptest.Server) {
	t.Helper()
	fs := &fakeStore{items: make(map[string]knowledge.Payload)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p knowledge.Payload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		fs.mu.Lock()
		defer fs.mu.Unlock()
		fs.requests++
		if _, ok := fs.items[p.Metadata.ContentHash]; ok {
			w.WriteHeader(http.StatusConflict)
			return
		}
		fs.items[p.Metadata.ContentHash] = p
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, `{"id":"k-%d"}`, len(fs.items))
	}))
	t.Cleanup(srv.Close)
	return fs, srv
}

func (fs *fakeStore) count() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return len(fs.items)
}

func (fs *fakeStore) requestCount() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.requests
}

func (fs *fakeStore) payloads() []knowledge.Payload {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	var out []knowledge.Payload
	for _, p := range fs.items {
		out = append(out, p)
	}
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newClient(url string, idx fingerprint.Index) *knowledge.Client {
	return knowledge.NewClient(knowledge.Config{
		URL:         url,
		Timeout:     2 * time.Second,
		MaxAttempts: 2,
		Sleeper:     knowledge.SleeperFunc(func(context.Context, time.Duration) error { return nil }),
	}, idx, testLogger())
}

func writeFile(t *testing.T, path string, lines ...string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

var scenario = []string{
	`{"sessionId":"A","role":"user","text":"fix bug"}`,
	`{"sessionId":"A","role":"assistant","text":"done"}`,
	`{"sessionId":"B","role":"user","text":"add test"}`,
}

func TestRun_IdempotentRerun(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "app", "s.jsonl"), scenario...)

	store, srv := newFakeStore(t)
	idx := fingerprint.NewMemory()
	r := NewRunner(Config{Root: root}, newClient(srv.URL, idx), testLogger())

	first, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if first.Imported != 2 || first.Skipped != 0 || first.Failed != 0 {
		t.Errorf("first run imported=%d skipped=%d failed=%d, want 2/0/0", first.Imported, first.Skipped, first.Failed)
	}

	second, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.Imported != 0 || second.Skipped != 2 {
		t.Errorf("second run imported=%d skipped=%d, want 0/2", second.Imported, second.Skipped)
	}
	if store.count() != 2 || store.requestCount() != 2 {
		t.Errorf("store holds %d items after %d requests, want 2 and 2", store.count(), store.requestCount())
	}
}

func TestRun_RestartWithEmptyIndexStillDeduplicates(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "app", "s.jsonl"), scenario...)

	store, srv := newFakeStore(t)
	if _, err := NewRunner(Config{Root: root}, newClient(srv.URL, fingerprint.NewMemory()), testLogger()).Run(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}

	rep, err := NewRunner(Config{Root: root}, newClient(srv.URL, fingerprint.NewMemory()), testLogger()).Run(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if rep.Imported != 0 || rep.Skipped != 2 {
		t.Errorf("imported=%d skipped=%d, want 0/2", rep.Imported, rep.Skipped)
	}
	if store.count() != 2 {
		t.Errorf("store holds %d items, want 2", store.count())
	}
}

func TestRun_ContentDedupAcrossFiles(t *testing.T) {
	root := t.TempDir()
	line := `{"sessionId":"S","role":"user","text":"same content"}`
	writeFile(t, filepath.Join(root, "alpha", "one.jsonl"), line)
	writeFile(t, filepath.Join(root, "beta", "copy.jsonl"), line)

	store, srv := newFakeStore(t)
	rep, err := NewRunner(Config{Root: root}, newClient(srv.URL, fingerprint.NewMemory()), testLogger()).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Imported != 1 || rep.Skipped != 1 {
		t.Errorf("imported=%d skipped=%d, want 1/1", rep.Imported, rep.Skipped)
	}
	if rep.Sources["alpha"].Imported != 1 || rep.Sources["beta"].Skipped != 1 {
		t.Errorf("per-source counts: alpha=%+v beta=%+v", rep.Sources["alpha"], rep.Sources["beta"])
	}
	if store.count() != 1 {
		t.Errorf("store holds %d items, want 1", store.count())
	}
}

func TestRun_PartialFailureIsolation(t *testing.T) {
	root := t.TempDir()
	for i := 0; i < 9; i++ {
		writeFile(t, filepath.Join(root, "proj", fmt.Sprintf("good-%d.jsonl", i)),
			fmt.Sprintf(`{"sessionId":"s%d","role":"user","text":"message %d"}`, i, i))
	}
	writeFile(t, filepath.Join(root, "proj", "bad.jsonl"), "this is not json", "{still not")

	_, srv := newFakeStore(t)
	rep, err := NewRunner(Config{Root: root}, newClient(srv.URL, fingerprint.NewMemory()), testLogger()).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Files != 10 || rep.FileErrors != 1 {
		t.Errorf("files=%d file_errors=%d, want 10/1", rep.Files, rep.FileErrors)
	}
	if rep.Imported != 9 {
		t.Errorf("imported=%d, want 9", rep.Imported)
	}
	if len(rep.Errors) != 1 || !strings.Contains(rep.Errors[0], "bad.jsonl") {
		t.Errorf("errors = %v", rep.Errors)
	}
}

func TestRun_FailedDeliveriesCounted(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "app", "s.jsonl"), scenario...)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	idx := fingerprint.NewMemory()
	rep, err := NewRunner(Config{Root: root}, newClient(srv.URL, idx), testLogger()).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Failed != 2 || rep.Imported != 0 {
		t.Errorf("failed=%d imported=%d, want 2/0", rep.Failed, rep.Imported)
	}
	if n, _ := idx.Count(context.Background()); n != 0 {
		t.Errorf("index holds %d hashes after failures, want 0", n)
	}
}

func TestRun_CancelledReportsInterrupted(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "app", "s.jsonl"), scenario...)

	_, srv := newFakeStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rep, err := NewRunner(Config{Root: root}, newClient(srv.URL, fingerprint.NewMemory()), testLogger()).Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !rep.Interrupted || rep.Files != 0 {
		t.Errorf("interrupted=%v files=%d, want true/0", rep.Interrupted, rep.Files)
	}
	if rep.FinishedAt.IsZero() {
		t.Error("FinishedAt should be set on an interrupted run")
	}
}

func TestRun_DryRunSendsNothing(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "app", "s.jsonl"), scenario...)

	store, srv := newFakeStore(t)
	idx := fingerprint.NewMemory()
	rep, err := NewRunner(Config{Root: root, DryRun: true}, newClient(srv.URL, idx), testLogger()).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !rep.DryRun || rep.Imported != 2 {
		t.Errorf("dry_run=%v imported=%d, want true/2", rep.DryRun, rep.Imported)
	}
	if n := store.requestCount(); n != 0 {
		t.Errorf("store received %d requests during a dry run", n)
	}
	if n, _ := idx.Count(context.Background()); n != 0 {
		t.Errorf("dry run recorded %d hashes", n)
	}
	if !strings.Contains(rep.Summary(), "Would import: 2") {
		t.Errorf("summary should describe a dry run:\n%s", rep.Summary())
	}
}

func TestRun_ProjectFilter(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "keep", "a.jsonl"), `{"sessionId":"K","role":"user","text":"keep"}`)
	writeFile(t, filepath.Join(root, "skip", "b.jsonl"), `{"sessionId":"S","role":"user","text":"skip"}`)

	_, srv := newFakeStore(t)
	rep, err := NewRunner(Config{Root: root, Projects: []string{"keep"}}, newClient(srv.URL, fingerprint.NewMemory()), testLogger()).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Files != 1 || rep.Sources["skip"] != nil {
		t.Errorf("files=%d sources=%v", rep.Files, rep.SourceNames())
	}
}

func TestRun_MissingRoot(t *testing.T) {
	_, srv := newFakeStore(t)
	_, err := NewRunner(Config{Root: filepath.Join(t.TempDir(), "nope")}, newClient(srv.URL, fingerprint.NewMemory()), testLogger()).Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "discover files") {
		t.Errorf("expected discovery error, got %v", err)
	}
}

func TestImport_SingleFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proj", "s.jsonl")
	writeFile(t, path, scenario...)

	store, srv := newFakeStore(t)
	r := NewRunner(Config{}, newClient(srv.URL, fingerprint.NewMemory()), testLogger())

	rep, err := r.Import(context.Background(), path)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if rep.Mode != ModeImport || rep.Imported != 2 || rep.Files != 1 {
		t.Errorf("report = %+v", rep)
	}
	for _, item := range store.payloads() {
		if item.Metadata.Adapter != "import" || item.Metadata.Project != "proj" {
			t.Errorf("item metadata = %+v", item.Metadata)
		}
	}
}

func TestImport_MissingFile(t *testing.T) {
	_, srv := newFakeStore(t)
	r := NewRunner(Config{}, newClient(srv.URL, fingerprint.NewMemory()), testLogger())

	rep, err := r.Import(context.Background(), filepath.Join(t.TempDir(), "gone.jsonl"))
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if rep.FileErrors != 1 || rep.Imported != 0 {
		t.Errorf("file_errors=%d imported=%d, want 1/0", rep.FileErrors, rep.Imported)
	}
}

type recordingPoster struct {
	texts []string
	err   error
}

func (p *recordingPoster) PostSummary(_ context.Context, text string) error {
	p.texts = append(p.texts, text)
	return p.err
}

type recordingPublisher struct {
	mu       sync.Mutex
	subjects []string
}

func (p *recordingPublisher) Publish(subject string, _ any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	return nil
}

func TestRun_Sinks(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "app", "s.jsonl"), scenario...)

	_, srv := newFakeStore(t)
	r := NewRunner(Config{Root: root}, newClient(srv.URL, fingerprint.NewMemory()), testLogger())
	poster := &recordingPoster{}
	pub := &recordingPublisher{}
	r.SetPoster(poster)
	r.SetPublisher(pub)

	if _, err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(poster.texts) != 1 || !strings.Contains(poster.texts[0], "2 imported") {
		t.Errorf("posted = %q", poster.texts)
	}
	want := []string{
		hermes.SubjectConversationPrefix + "delivered",
		hermes.SubjectConversationPrefix + "delivered",
		hermes.SubjectRunCompleted,
	}
	if strings.Join(pub.subjects, ",") != strings.Join(want, ",") {
		t.Errorf("subjects = %v, want %v", pub.subjects, want)
	}
}

func TestRun_SlackFailureIsNotFatal(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "app", "s.jsonl"), scenario...)

	_, srv := newFakeStore(t)
	r := NewRunner(Config{Root: root}, newClient(srv.URL, fingerprint.NewMemory()), testLogger())
	r.SetPoster(&recordingPoster{err: fmt.Errorf("slack down")})

	rep, err := r.Run(context.Background())
	if err != nil || rep.Imported != 2 {
		t.Errorf("rep=%+v err=%v", rep, err)
	}
}

package backfill

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/48Nauts-Operator/lineary-ingest/internal/source"
)

// Counts tallies conversations and files for a run or for one source.
type Counts struct {
	Total       int `json:"total"`
	Imported    int `json:"imported"`
	Skipped     int `json:"skipped"`
	Failed      int `json:"failed"`
	Files       int `json:"files"`
	FileErrors  int `json:"file_errors"`
	ParseErrors int `json:"parse_errors"`
}

func (c *Counts) add(fr source.FileResult) {
	c.Files++
	if fr.Err != nil {
		c.FileErrors++
	}
	c.Total += fr.Conversations
	c.Imported += fr.Delivered
	c.Skipped += fr.Duplicates
	c.Failed += fr.Failed
	c.ParseErrors += fr.ParseErrors
}

// Report is the outcome of one batch or import run. Counts are partitioned
// by source (project label) in Sources.
type Report struct {
	RunID       string             `json:"run_id"`
	Mode        string             `json:"mode"`
	Root        string             `json:"root,omitempty"`
	StartedAt   time.Time          `json:"started_at"`
	FinishedAt  time.Time          `json:"finished_at"`
	DryRun      bool               `json:"dry_run"`
	Interrupted bool               `json:"interrupted"`
	Counts                         // inlined totals
	Sources     map[string]*Counts `json:"sources"`
	Errors      []string           `json:"errors,omitempty"`
}

func newReport(mode, root string, dryRun bool) *Report {
	return &Report{
		RunID:     uuid.New().String(),
		Mode:      mode,
		Root:      root,
		StartedAt: time.Now().UTC(),
		DryRun:    dryRun,
		Sources:   make(map[string]*Counts),
	}
}

// Add folds one file's result into the totals and its source's counts.
func (r *Report) Add(fr source.FileResult) {
	r.Counts.add(fr)
	src := r.Sources[fr.Project]
	if src == nil {
		src = &Counts{}
		r.Sources[fr.Project] = src
	}
	src.add(fr)
	if fr.Err != nil {
		r.Errors = append(r.Errors, fr.Err.Error())
	}
}

// Duration is the wall time of the run.
func (r *Report) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return time.Since(r.StartedAt)
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// SourceNames returns the source labels in sorted order.
func (r *Report) SourceNames() []string {
	names := make([]string, 0, len(r.Sources))
	for name := range r.Sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Summary renders the report for a terminal.
func (r *Report) Summary() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "\n=== Ingest Summary (%s) ===\n", r.Mode)
	fmt.Fprintf(&sb, "Run: %s\n", r.RunID)
	fmt.Fprintf(&sb, "Files: %d (%d errors)\n", r.Files, r.FileErrors)
	fmt.Fprintf(&sb, "Conversations: %d\n", r.Total)
	if r.DryRun {
		fmt.Fprintf(&sb, "Would import: %d\n", r.Imported)
	} else {
		fmt.Fprintf(&sb, "Imported: %d\n", r.Imported)
	}
	fmt.Fprintf(&sb, "Skipped (duplicate): %d\n", r.Skipped)
	fmt.Fprintf(&sb, "Failed: %d\n", r.Failed)
	fmt.Fprintf(&sb, "Parse errors: %d\n", r.ParseErrors)
	fmt.Fprintf(&sb, "Duration: %s\n", r.Duration().Round(time.Millisecond))

	if len(r.Sources) > 0 {
		sb.WriteString("Sources:\n")
		for _, name := range r.SourceNames() {
			c := r.Sources[name]
			fmt.Fprintf(&sb, "  %s: %d imported, %d skipped, %d failed (%d files)\n",
				name, c.Imported, c.Skipped, c.Failed, c.Files)
		}
	}
	if r.DryRun {
		sb.WriteString("Mode: DRY RUN (nothing delivered)\n")
	}
	if r.Interrupted {
		sb.WriteString("Interrupted: run stopped before all files were processed\n")
	}
	return sb.String()
}

// SlackText renders the report as Slack mrkdwn.
func (r *Report) SlackText() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "*Transcript ingest summary* (%s", r.Mode)
	if r.DryRun {
		sb.WriteString(", dry run")
	}
	if r.Interrupted {
		sb.WriteString(", interrupted")
	}
	sb.WriteString(")\n")
	fmt.Fprintf(&sb, "%d imported, %d skipped, %d failed across %d files",
		r.Imported, r.Skipped, r.Failed, r.Files)
	if r.FileErrors > 0 {
		fmt.Fprintf(&sb, " (%d file errors)", r.FileErrors)
	}
	sb.WriteString("\n")
	for _, name := range r.SourceNames() {
		c := r.Sources[name]
		fmt.Fprintf(&sb, "  - *%s*: %d imported, %d skipped", name, c.Imported, c.Skipped)
		if c.Failed > 0 {
			fmt.Fprintf(&sb, ", %d failed", c.Failed)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// Save writes the report as indented JSON, creating parent directories.
func (r *Report) Save(path string) error {
	p := expandHome(path)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	return os.WriteFile(p, data, 0o644)
}

// LoadReport reads a report written by Save.
func LoadReport(path string) (*Report, error) {
	data, err := os.ReadFile(expandHome(path))
	if err != nil {
		return nil, fmt.Errorf("read report: %w", err)
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse report: %w", err)
	}
	if r.Sources == nil {
		r.Sources = make(map[string]*Counts)
	}
	return &r, nil
}

func expandHome(path string) string {
	if len(path) > 1 && path[0] == '~' && path[1] == '/' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

// Package backfill runs one-shot batch and single-file ingests and reports
// what happened.
package backfill

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/48Nauts-Operator/lineary-ingest/internal/hermes"
	"github.com/48Nauts-Operator/lineary-ingest/internal/knowledge"
	"github.com/48Nauts-Operator/lineary-ingest/internal/source"
	"github.com/48Nauts-Operator/lineary-ingest/internal/transcript"
)

const (
	ModeBatch  = "batch"
	ModeImport = "import"
)

// Config holds the backfill command configuration.
type Config struct {
	Root          string
	Pattern       string
	Projects      []string // restrict to these project labels
	FileDelay     time.Duration
	DeliveryDelay time.Duration
	MaxMessages   int
	DryRun        bool // parse and fingerprint only
}

// SummaryPoster is satisfied by *slack.Poster.
type SummaryPoster interface {
	PostSummary(ctx context.Context, text string) error
}

// Runner orchestrates a sequential batch run.
type Runner struct {
	cfg       Config
	proc      *source.Processor
	poster    SummaryPoster
	publisher hermes.Publisher
	logger    *slog.Logger
}

// NewRunner creates a backfill runner. In dry-run mode the client is only
// consulted for fingerprints; nothing is sent to the store.
func NewRunner(cfg Config, client *knowledge.Client, logger *slog.Logger) *Runner {
	var d source.Deliverer = client
	if cfg.DryRun {
		d = preview{client: client}
	}
	proc := source.NewProcessor(source.ProcessorConfig{MaxMessages: cfg.MaxMessages}, d, logger)
	return &Runner{cfg: cfg, proc: proc, logger: logger}
}

// SetPoster posts each run summary through p.
func (r *Runner) SetPoster(p SummaryPoster) { r.poster = p }

// SetPublisher emits conversation and run events through p.
// Dry runs publish only the run event.
func (r *Runner) SetPublisher(p hermes.Publisher) {
	r.publisher = p
	if !r.cfg.DryRun {
		r.proc.Observe(hermes.ConversationObserver(p, r.logger))
	}
}

// Run scans the root and processes every matching file. The report is
// returned even when ctx is cancelled part way; only discovery failures
// return an error.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	scanner := &source.Scanner{
		Root:     expandHome(r.cfg.Root),
		Pattern:  r.cfg.Pattern,
		Projects: r.cfg.Projects,
		Logger:   r.logger,
	}
	projects, err := scanner.Scan()
	if err != nil {
		return nil, fmt.Errorf("discover files: %w", err)
	}

	rep := newReport(ModeBatch, scanner.Root, r.cfg.DryRun)
	files := 0
	for _, p := range projects {
		files += len(p.Units)
	}
	r.logger.Info("files discovered", "projects", len(projects), "files", files, "dry_run", r.cfg.DryRun)

	pace := source.Delay(r.cfg.DeliveryDelay)
	first := true

loop:
	for _, p := range projects {
		r.logger.Info("processing project", "project", p.Name, "files", len(p.Units))
		for _, u := range p.Units {
			if ctx.Err() != nil {
				rep.Interrupted = true
				break loop
			}
			if !first && r.cfg.FileDelay > 0 {
				if err := knowledge.ContextSleeper.Sleep(ctx, r.cfg.FileDelay); err != nil {
					rep.Interrupted = true
					break loop
				}
			}
			first = false

			fr := r.proc.Process(ctx, u, pace)
			rep.Add(fr)
			if fr.Interrupted {
				rep.Interrupted = true
				break loop
			}
		}
	}

	r.finish(ctx, rep)
	return rep, nil
}

// Import processes a single explicit file. A missing or unreadable file is
// recorded as a file error in the report.
func (r *Runner) Import(ctx context.Context, path string) (*Report, error) {
	rep := newReport(ModeImport, "", r.cfg.DryRun)
	fr := source.NewImporter(r.proc).Import(ctx, expandHome(path))
	rep.Add(fr)
	rep.Interrupted = fr.Interrupted
	r.finish(ctx, rep)
	return rep, nil
}

func (r *Runner) finish(ctx context.Context, rep *Report) {
	rep.FinishedAt = time.Now().UTC()

	r.logger.Info("run complete",
		"run_id", rep.RunID,
		"mode", rep.Mode,
		"files", rep.Files,
		"file_errors", rep.FileErrors,
		"imported", rep.Imported,
		"skipped", rep.Skipped,
		"failed", rep.Failed,
		"parse_errors", rep.ParseErrors,
		"interrupted", rep.Interrupted,
		"dry_run", rep.DryRun,
	)

	// Sinks still get the report after cancellation.
	sinkCtx := context.WithoutCancel(ctx)
	r.postSummary(sinkCtx, rep)
	if r.publisher != nil {
		if err := r.publisher.Publish(hermes.SubjectRunCompleted, rep); err != nil {
			r.logger.Warn("failed to publish run report", "error", err)
		}
	}
}

// postSummary posts the run summary to Slack. If Slack is not configured, it
// logs the summary instead.
func (r *Runner) postSummary(ctx context.Context, rep *Report) {
	if rep.Files == 0 {
		return
	}
	text := rep.SlackText()

	if r.poster == nil {
		r.logger.Debug("run summary (no Slack configured)", "summary", text)
		return
	}
	if err := r.poster.PostSummary(ctx, text); err != nil {
		r.logger.Warn("failed to post run summary to Slack, logging instead",
			"error", err,
			"summary", text,
		)
	}
}

// preview reports what a delivery would do without sending anything.
type preview struct {
	client *knowledge.Client
}

func (p preview) Deliver(ctx context.Context, conv transcript.Conversation) knowledge.Result {
	hash, seen := p.client.Seen(ctx, conv)
	if seen {
		return knowledge.Result{Outcome: knowledge.Duplicate, Hash: hash}
	}
	return knowledge.Result{Outcome: knowledge.Delivered, Hash: hash}
}

// Package source turns files on disk into delivered conversations: a
// continuous watcher, a batch scanner and a single-file importer share one
// Processor.
package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/48Nauts-Operator/lineary-ingest/internal/knowledge"
	"github.com/48Nauts-Operator/lineary-ingest/internal/transcript"
)

// Adapter labels, carried into titles, tags and metadata.
const (
	AdapterWatcher = "watcher"
	AdapterBatch   = "batch"
	AdapterImport  = "import"
)

// Unit is one raw file plus the labels it is delivered under.
type Unit struct {
	Path         string
	Project      string
	Adapter      string
	DiscoveredAt time.Time
}

// NewUnit labels a file with its immediate parent directory as project.
func NewUnit(path, adapter string) Unit {
	return Unit{Path: path, Project: ProjectOf(path), Adapter: adapter, DiscoveredAt: time.Now().UTC()}
}

// ProjectOf returns the name of the file's parent directory.
func ProjectOf(path string) string {
	return filepath.Base(filepath.Dir(path))
}

// ReadError is a unit that could not be opened or read.
type ReadError struct {
	Path string
	Err  error
}

func (e *ReadError) Error() string { return fmt.Sprintf("read %s: %v", e.Path, e.Err) }

func (e *ReadError) Unwrap() error { return e.Err }

// Deliverer is satisfied by *knowledge.Client.
type Deliverer interface {
	Deliver(ctx context.Context, conv transcript.Conversation) knowledge.Result
}

// Pacer runs between deliveries of one file. A non-nil error stops the file.
type Pacer func(ctx context.Context) error

// Delay returns a Pacer that waits d, or nil when d is zero.
func Delay(d time.Duration) Pacer {
	if d <= 0 {
		return nil
	}
	return func(ctx context.Context) error {
		return knowledge.ContextSleeper.Sleep(ctx, d)
	}
}

// Observer sees every terminal conversation outcome.
type Observer func(ctx context.Context, conv transcript.Conversation, res knowledge.Result)

// FileResult counts what happened to one unit.
type FileResult struct {
	Path          string
	Project       string
	Conversations int
	Delivered     int
	Duplicates    int
	Failed        int
	ParseErrors   int
	Dropped       int

	// Err is a file-level error: the unit was unreadable or nothing in it parsed.
	Err error
	// Interrupted is set when cancellation stopped the file part way.
	Interrupted bool
}

// ProcessorConfig bounds parsing.
type ProcessorConfig struct {
	MaxMessages  int
	MaxLineBytes int
}

// Processor parses a unit and delivers its conversations in order.
type Processor struct {
	cfg       ProcessorConfig
	deliverer Deliverer
	observers []Observer
	logger    *slog.Logger
	now       func() time.Time
}

func NewProcessor(cfg ProcessorConfig, d Deliverer, logger *slog.Logger) *Processor {
	return &Processor{
		cfg:       cfg,
		deliverer: d,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Observe registers fn for every delivery outcome.
func (p *Processor) Observe(fn Observer) {
	p.observers = append(p.observers, fn)
}

// Process reads, parses and delivers one unit. It never panics on bad input;
// problems are reported in the FileResult.
func (p *Processor) Process(ctx context.Context, u Unit, pace Pacer) FileResult {
	fr := FileResult{Path: u.Path, Project: u.Project}

	f, err := os.Open(u.Path)
	if err != nil {
		fr.Err = &ReadError{Path: u.Path, Err: err}
		p.logger.Warn("cannot open file", "path", u.Path, "error", err)
		return fr
	}
	defer f.Close()

	if !u.DiscoveredAt.IsZero() {
		p.logger.Debug("processing file", "path", u.Path, "adapter", u.Adapter, "waited", p.now().Sub(u.DiscoveredAt))
	}

	res, err := transcript.Parse(f, transcript.Options{
		Path:         u.Path,
		Project:      u.Project,
		Adapter:      u.Adapter,
		CapturedAt:   p.now(),
		Shape:        transcript.ShapeOf(u.Path),
		MaxMessages:  p.cfg.MaxMessages,
		MaxLineBytes: p.cfg.MaxLineBytes,
	})
	if err != nil {
		var pe *transcript.ParseError
		if errors.As(err, &pe) {
			fr.Err = err
		} else {
			fr.Err = &ReadError{Path: u.Path, Err: err}
		}
		p.logger.Warn("cannot parse file", "path", u.Path, "error", err)
		return fr
	}

	fr.Conversations = len(res.Conversations)
	fr.ParseErrors = res.ParseErrors
	fr.Dropped = res.Dropped
	if res.ParseErrors > 0 {
		p.logger.Warn("skipped malformed records", "path", u.Path, "count", res.ParseErrors)
	}

	for i, conv := range res.Conversations {
		if i > 0 && pace != nil {
			if err := pace(ctx); err != nil {
				fr.Interrupted = true
				break
			}
		}
		if ctx.Err() != nil {
			fr.Interrupted = true
			break
		}

		out := p.deliverer.Deliver(ctx, conv)
		switch out.Outcome {
		case knowledge.Delivered:
			fr.Delivered++
			p.logger.Info("conversation delivered",
				"session_id", conv.SessionID,
				"project", conv.Project,
				"messages", len(conv.Messages),
				"id", out.ID,
				"attempts", out.Attempts,
			)
		case knowledge.Duplicate:
			fr.Duplicates++
			p.logger.Debug("conversation already stored", "session_id", conv.SessionID, "hash", out.Hash)
		default:
			fr.Failed++
			p.logger.Error("conversation delivery failed",
				"session_id", conv.SessionID,
				"path", u.Path,
				"attempts", out.Attempts,
				"error", out.Err,
			)
		}

		for _, fn := range p.observers {
			fn(ctx, conv, out)
		}
	}

	return fr
}

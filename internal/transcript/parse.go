package transcript

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"
)

// Shape selects the parse strategy for a unit.
type Shape int

const (
	// ShapeLines is line-delimited JSON, one record per line.
	ShapeLines Shape = iota
	// ShapeDocument is a single JSON document holding one or more conversations.
	ShapeDocument
)

func (s Shape) String() string {
	if s == ShapeDocument {
		return "document"
	}
	return "lines"
}

// ShapeOf picks the strategy from the file suffix.
func ShapeOf(path string) Shape {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return ShapeDocument
	}
	return ShapeLines
}

const (
	// TitleLength is the display length of derived titles, in runes.
	TitleLength = 80

	defaultMaxLineBytes = 64 * 1024 * 1024
)

// ErrUnparsable reports a unit from which nothing could be decoded.
var ErrUnparsable = errors.New("unparsable unit")

// ParseError describes input that could not be interpreted as a conversation.
// Line is zero for file-level errors.
type ParseError struct {
	Path string
	Line int
	Err  error
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("parse %s:%d: %v", e.Path, e.Line, e.Err)
	}
	return fmt.Sprintf("parse %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Options carries the origin of a unit and the segmentation limits.
type Options struct {
	Path       string
	Project    string
	Adapter    string
	CapturedAt time.Time
	Shape      Shape

	// MaxMessages truncates longer conversations; zero disables truncation.
	MaxMessages int
	// MaxLineBytes bounds a single JSONL line; longer lines count as parse errors.
	MaxLineBytes int
}

func (o Options) origin() Origin {
	return Origin{Path: o.Path, Adapter: o.Adapter, CapturedAt: o.CapturedAt}
}

// Parse reads one unit and segments it into conversations.
// Malformed lines are counted in Result.ParseErrors; a unit where nothing
// decodes yields a *ParseError wrapping ErrUnparsable.
func Parse(r io.Reader, opts Options) (*Result, error) {
	if opts.CapturedAt.IsZero() {
		opts.CapturedAt = time.Now().UTC()
	}
	if opts.MaxLineBytes <= 0 {
		opts.MaxLineBytes = defaultMaxLineBytes
	}

	seg := newSegmenter(opts)
	var err error
	switch opts.Shape {
	case ShapeDocument:
		err = parseDocument(r, seg)
	default:
		err = parseLines(r, seg)
	}
	if err != nil {
		return nil, err
	}
	return seg.result(), nil
}

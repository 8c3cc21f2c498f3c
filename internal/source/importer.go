package source

import (
	"context"
	"errors"
	"os"
	"path/filepath"
)

// Importer processes one explicitly named file without pacing.
type Importer struct {
	proc *Processor
}

func NewImporter(proc *Processor) *Importer {
	return &Importer{proc: proc}
}

// Import delivers the conversations in path. A missing or unreadable file is
// reported as a *ReadError in FileResult.Err.
func (im *Importer) Import(ctx context.Context, path string) FileResult {
	abs, err := filepath.Abs(path)
	if err == nil {
		path = abs
	}

	info, err := os.Stat(path)
	if err != nil {
		return FileResult{Path: path, Project: ProjectOf(path), Err: &ReadError{Path: path, Err: err}}
	}
	if info.IsDir() {
		return FileResult{Path: path, Project: ProjectOf(path),
			Err: &ReadError{Path: path, Err: errors.New("is a directory")}}
	}

	return im.proc.Process(ctx, NewUnit(path, AdapterImport), nil)
}

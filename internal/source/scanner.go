package source

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
)

const DefaultPattern = "*.jsonl"

// Project is the set of units sharing a parent directory.
type Project struct {
	Name  string
	Units []Unit
}

// Scanner enumerates a root directory for a batch run.
type Scanner struct {
	Root     string
	Pattern  string
	Projects []string // empty means all
	Logger   *slog.Logger
}

type scanned struct {
	unit Unit
	size int64
}

// Scan walks the root and returns matching files grouped by project. Projects
// are sorted by name; files within a project smallest first, ties by path.
func (s *Scanner) Scan() ([]Project, error) {
	pattern := s.Pattern
	if pattern == "" {
		pattern = DefaultPattern
	}
	if _, err := filepath.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}

	info, err := os.Stat(s.Root)
	if err != nil {
		return nil, fmt.Errorf("scan root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("scan root %s: not a directory", s.Root)
	}

	filter := make(map[string]bool, len(s.Projects))
	for _, p := range s.Projects {
		filter[p] = true
	}

	groups := make(map[string][]scanned)
	err = filepath.WalkDir(s.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == s.Root {
				return err
			}
			s.logger().Warn("skipping unreadable path", "path", path, "error", err)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if ok, _ := filepath.Match(pattern, d.Name()); !ok {
			return nil
		}

		u := NewUnit(path, AdapterBatch)
		if len(filter) > 0 && !filter[u.Project] {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			s.logger().Warn("skipping file", "path", path, "error", err)
			return nil
		}
		groups[u.Project] = append(groups[u.Project], scanned{unit: u, size: fi.Size()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", s.Root, err)
	}

	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)

	projects := make([]Project, 0, len(names))
	for _, name := range names {
		files := groups[name]
		sort.Slice(files, func(i, j int) bool {
			if files[i].size != files[j].size {
				return files[i].size < files[j].size
			}
			return files[i].unit.Path < files[j].unit.Path
		})
		p := Project{Name: name, Units: make([]Unit, len(files))}
		for i, f := range files {
			p.Units[i] = f.unit
		}
		projects = append(projects, p)
	}
	return projects, nil
}

func (s *Scanner) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

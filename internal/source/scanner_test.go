package source

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func unitPaths(units []Unit) []string {
	var out []string
	for _, u := range units {
		out = append(out, filepath.Base(u.Path))
	}
	return out
}

func TestScan_GroupsAndOrders(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "beta", "x.jsonl"), twoSessions...)
	writeFile(t, filepath.Join(root, "alpha", "big.jsonl"), twoSessions...)
	writeFile(t, filepath.Join(root, "alpha", "small.jsonl"), twoSessions[0])
	writeFile(t, filepath.Join(root, "alpha", "notes.txt"), "ignored")

	s := &Scanner{Root: root, Logger: testLogger()}
	projects, err := s.Scan()
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(projects) != 2 {
		t.Fatalf("got %d projects, want 2", len(projects))
	}
	if projects[0].Name != "alpha" || projects[1].Name != "beta" {
		t.Errorf("project order = %s, %s", projects[0].Name, projects[1].Name)
	}
	if got := strings.Join(unitPaths(projects[0].Units), ","); got != "small.jsonl,big.jsonl" {
		t.Errorf("alpha files = %s, want small first", got)
	}
	for _, u := range projects[0].Units {
		if u.Project != "alpha" || u.Adapter != AdapterBatch {
			t.Errorf("unit labels = %q/%q", u.Project, u.Adapter)
		}
	}
}

func TestScan_TiesByPath(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "p", "b.jsonl"), twoSessions[0])
	writeFile(t, filepath.Join(root, "p", "a.jsonl"), twoSessions[0])

	projects, err := (&Scanner{Root: root}).Scan()
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if got := strings.Join(unitPaths(projects[0].Units), ","); got != "a.jsonl,b.jsonl" {
		t.Errorf("files = %s, want a before b", got)
	}
}

func TestScan_ProjectFilter(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "keep", "1.jsonl"), twoSessions...)
	writeFile(t, filepath.Join(root, "drop", "2.jsonl"), twoSessions...)

	projects, err := (&Scanner{Root: root, Projects: []string{"keep"}}).Scan()
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(projects) != 1 || projects[0].Name != "keep" {
		t.Errorf("projects = %+v, want only keep", projects)
	}
}

func TestScan_CustomPattern(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "p", "export.json"), `{"messages":[]}`)
	writeFile(t, filepath.Join(root, "p", "s.jsonl"), twoSessions...)

	projects, err := (&Scanner{Root: root, Pattern: "*.json"}).Scan()
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(projects) != 1 || len(projects[0].Units) != 1 || filepath.Base(projects[0].Units[0].Path) != "export.json" {
		t.Errorf("projects = %+v, want only export.json", projects)
	}
}

func TestScan_Errors(t *testing.T) {
	_, err := (&Scanner{Root: filepath.Join(t.TempDir(), "missing")}).Scan()
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing root: got %v", err)
	}

	_, err = (&Scanner{Root: t.TempDir(), Pattern: "[bad"}).Scan()
	if err == nil || !strings.Contains(err.Error(), "invalid pattern") {
		t.Errorf("bad pattern: got %v", err)
	}

	file := filepath.Join(t.TempDir(), "f.jsonl")
	writeFile(t, file, twoSessions...)
	_, err = (&Scanner{Root: file}).Scan()
	if err == nil || !strings.Contains(err.Error(), "not a directory") {
		t.Errorf("file root: got %v", err)
	}
}

func TestImporter_Import(t *testing.T) {
	path := filepath.Join(t.TempDir(), "myproj", "session.jsonl")
	writeFile(t, path, twoSessions...)

	d := newFakeDeliverer()
	im := NewImporter(NewProcessor(ProcessorConfig{}, d, testLogger()))
	fr := im.Import(context.Background(), path)
	if fr.Err != nil {
		t.Fatalf("Import: %v", fr.Err)
	}
	if fr.Delivered != 2 || fr.Project != "myproj" {
		t.Errorf("result = %+v", fr)
	}
	if d.delivered[0].Adapter != AdapterImport {
		t.Errorf("Adapter = %q, want import", d.delivered[0].Adapter)
	}
}

func TestImporter_Errors(t *testing.T) {
	im := NewImporter(NewProcessor(ProcessorConfig{}, newFakeDeliverer(), testLogger()))

	var re *ReadError
	fr := im.Import(context.Background(), filepath.Join(t.TempDir(), "gone.jsonl"))
	if !errors.As(fr.Err, &re) {
		t.Errorf("missing file: got %v", fr.Err)
	}

	fr = im.Import(context.Background(), t.TempDir())
	if !errors.As(fr.Err, &re) || !strings.Contains(fr.Err.Error(), "is a directory") {
		t.Errorf("directory: got %v", fr.Err)
	}
}

package source

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
)

const defaultSettleDelay = 2 * time.Second

// cronParser accepts 5-field expressions and descriptors such as "@every 10m".
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSchedule reports whether expr is a usable rescan schedule.
func ValidateSchedule(expr string) error {
	if expr == "" {
		return nil
	}
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("rescan schedule %q: %w", expr, err)
	}
	return nil
}

// WatcherConfig controls the continuous source.
type WatcherConfig struct {
	Root     string
	Suffixes []string // default .jsonl

	// SettleDelay is how long a path must be quiet before it is read.
	SettleDelay time.Duration
	// EventDelay paces consecutive files.
	EventDelay time.Duration
	// RescanSchedule re-sweeps the tree on a cron schedule; empty disables it.
	RescanSchedule string
}

// Stats are the watcher's running counters.
type Stats struct {
	StartedAt     time.Time `json:"started_at"`
	Files         int       `json:"files"`
	FileErrors    int       `json:"file_errors"`
	Conversations int       `json:"conversations"`
	Delivered     int       `json:"delivered"`
	Duplicates    int       `json:"duplicates"`
	Failed        int       `json:"failed"`
	ParseErrors   int       `json:"parse_errors"`
	Queued        int       `json:"queued"`
	Rescans       int       `json:"rescans"`
	LastFile      string    `json:"last_file,omitempty"`
	LastFileAt    time.Time `json:"last_file_at,omitzero"`
}

type stamp struct {
	size    int64
	modTime time.Time
}

// Watcher follows a directory tree and processes files as they change.
// Processing is strictly serial: one worker drains a coalescing queue.
type Watcher struct {
	cfg    WatcherConfig
	proc   *Processor
	logger *slog.Logger

	fsw *fsnotify.Watcher

	mu      sync.Mutex
	timers  map[string]*time.Timer
	queue   []string
	queued  map[string]bool
	seen    map[string]stamp
	stats   Stats
	wake    chan struct{}
	stopped bool
}

func NewWatcher(cfg WatcherConfig, proc *Processor, logger *slog.Logger) *Watcher {
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = defaultSettleDelay
	}
	if len(cfg.Suffixes) == 0 {
		cfg.Suffixes = []string{".jsonl"}
	}
	return &Watcher{
		cfg:    cfg,
		proc:   proc,
		logger: logger,
		timers: make(map[string]*time.Timer),
		queued: make(map[string]bool),
		seen:   make(map[string]stamp),
		wake:   make(chan struct{}, 1),
	}
}

// Stats returns a snapshot of the counters.
func (w *Watcher) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.stats
	s.Queued = len(w.queue)
	return s
}

// Run watches until ctx is cancelled. The file being processed at that point
// is finished before Run returns; queued files are left for the next start.
func (w *Watcher) Run(ctx context.Context) error {
	info, err := os.Stat(w.cfg.Root)
	if err != nil {
		return fmt.Errorf("watch root: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("watch root %s: not a directory", w.cfg.Root)
	}
	if err := ValidateSchedule(w.cfg.RescanSchedule); err != nil {
		return err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fs watcher: %w", err)
	}
	defer fsw.Close()
	w.fsw = fsw

	if err := w.addTree(w.cfg.Root); err != nil {
		return err
	}

	var sched *cron.Cron
	if w.cfg.RescanSchedule != "" {
		sched = cron.New(cron.WithParser(cronParser))
		if _, err := sched.AddFunc(w.cfg.RescanSchedule, w.rescan); err != nil {
			return fmt.Errorf("schedule rescan: %w", err)
		}
	}

	w.mu.Lock()
	w.stats.StartedAt = time.Now().UTC()
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		w.work(ctx)
	}()

	w.logger.Info("watching for transcripts",
		"root", w.cfg.Root,
		"suffixes", w.cfg.Suffixes,
		"settle_delay", w.cfg.SettleDelay,
		"rescan", w.cfg.RescanSchedule,
	)
	// Only the startup sweep queues without waiting for files to settle.
	w.sweep(w.cfg.Root, false, w.enqueue)

	if sched != nil {
		sched.Start()
		defer sched.Stop()
	}

	events, errs := fsw.Events, fsw.Errors
	for {
		select {
		case <-ctx.Done():
			w.shutdown()
			<-done
			s := w.Stats()
			w.logger.Info("watcher stopped",
				"files", s.Files,
				"delivered", s.Delivered,
				"duplicates", s.Duplicates,
				"failed", s.Failed,
				"queued", s.Queued,
			)
			return nil
		case ev, ok := <-events:
			if !ok {
				w.shutdown()
				<-done
				return errors.New("fs watcher closed")
			}
			w.handle(ev)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			// Overflow means events were dropped; a sweep recovers them.
			w.logger.Warn("fs watcher error", "error", err)
			w.sweep(w.cfg.Root, true, w.debounce)
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return
	}

	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.addTree(ev.Name); err != nil {
				w.logger.Warn("cannot watch new directory", "path", ev.Name, "error", err)
			}
			// Files written before the watch was added produce no events.
			w.sweep(ev.Name, false, w.debounce)
			return
		}
	}

	if w.matches(ev.Name) {
		w.debounce(ev.Name)
	}
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return fmt.Errorf("walk %s: %w", root, err)
			}
			w.logger.Warn("skipping unreadable directory", "path", path, "error", err)
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.fsw.Add(path); err != nil {
			if path == root {
				return fmt.Errorf("watch %s: %w", path, err)
			}
			w.logger.Warn("cannot watch directory", "path", path, "error", err)
		}
		return nil
	})
}

func (w *Watcher) matches(path string) bool {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") {
		return false
	}
	for _, s := range w.cfg.Suffixes {
		if strings.HasSuffix(name, s) {
			return true
		}
	}
	return false
}

// debounce restarts the settle timer for path; the file is queued once it
// has been quiet for SettleDelay.
func (w *Watcher) debounce(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if t, ok := w.timers[path]; ok {
		t.Reset(w.cfg.SettleDelay)
		return
	}
	w.timers[path] = time.AfterFunc(w.cfg.SettleDelay, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()
		w.enqueue(path)
	})
}

func (w *Watcher) rescan() {
	w.mu.Lock()
	w.stats.Rescans++
	w.mu.Unlock()
	w.sweep(w.cfg.Root, true, w.debounce)
}

// sweep hands matching files under dir to schedule. With onlyChanged, files
// whose size and mtime match the last processed state are skipped. Sweeps
// that run while files may still be written schedule through debounce.
func (w *Watcher) sweep(dir string, onlyChanged bool, schedule func(string)) {
	n := 0
	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !w.matches(path) {
			return nil
		}
		if onlyChanged {
			info, err := d.Info()
			if err != nil {
				return nil
			}
			w.mu.Lock()
			st, ok := w.seen[path]
			w.mu.Unlock()
			if ok && st.size == info.Size() && st.modTime.Equal(info.ModTime()) {
				return nil
			}
		}
		schedule(path)
		n++
		return nil
	})
	if n > 0 {
		w.logger.Info("sweep found files", "dir", dir, "files", n)
	}
}

func (w *Watcher) enqueue(path string) {
	w.mu.Lock()
	if w.stopped || w.queued[path] {
		w.mu.Unlock()
		return
	}
	w.queued[path] = true
	w.queue = append(w.queue, path)
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Watcher) next() (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) == 0 {
		return "", false
	}
	path := w.queue[0]
	w.queue = w.queue[1:]
	delete(w.queued, path)
	return path, true
}

func (w *Watcher) shutdown() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	for path, t := range w.timers {
		t.Stop()
		delete(w.timers, path)
	}
}

func (w *Watcher) work(ctx context.Context) {
	for {
		path, ok := w.next()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-w.wake:
				continue
			}
		}
		if ctx.Err() != nil {
			return
		}

		w.process(context.WithoutCancel(ctx), path)

		if w.cfg.EventDelay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.cfg.EventDelay):
			}
		}
	}
}

func (w *Watcher) process(ctx context.Context, path string) {
	info, statErr := os.Stat(path)
	fr := w.proc.Process(ctx, NewUnit(path, AdapterWatcher), nil)

	w.mu.Lock()
	if statErr == nil && fr.Err == nil {
		w.seen[path] = stamp{size: info.Size(), modTime: info.ModTime()}
	}
	w.stats.Files++
	if fr.Err != nil {
		w.stats.FileErrors++
	}
	w.stats.Conversations += fr.Conversations
	w.stats.Delivered += fr.Delivered
	w.stats.Duplicates += fr.Duplicates
	w.stats.Failed += fr.Failed
	w.stats.ParseErrors += fr.ParseErrors
	w.stats.LastFile = path
	w.stats.LastFileAt = time.Now().UTC()
	s := w.stats
	s.Queued = len(w.queue)
	w.mu.Unlock()

	w.logger.Info("file processed",
		"path", path,
		"project", fr.Project,
		"conversations", fr.Conversations,
		"delivered", fr.Delivered,
		"duplicates", fr.Duplicates,
		"failed", fr.Failed,
		"parse_errors", fr.ParseErrors,
		"file_error", fr.Err,
		"total_delivered", s.Delivered,
		"queued", s.Queued,
	)
}

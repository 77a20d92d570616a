// Package watcher keeps a collection in step with directories on disk: new
// and modified files are ingested, removed files have their chunks deleted.
package watcher

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/hyperjump/kura/internal/indexer"
)

const defaultDebounce = 400 * time.Millisecond

// Sink receives file changes.
type Sink interface {
	IndexFile(ctx context.Context, path string) error
	RemoveFile(ctx context.Context, path string) error
}

// PipelineSink feeds file changes into an ingest pipeline.
type PipelineSink struct {
	Pipeline   *indexer.Pipeline
	Extensions []string
}

// IndexFile ingests path; unchanged files are skipped by the pipeline.
func (s PipelineSink) IndexFile(ctx context.Context, path string) error {
	_, err := s.Pipeline.IngestFile(ctx, path, s.Extensions)
	return err
}

// RemoveFile deletes the chunks of path. A file that was never ingested is
// not an error.
func (s PipelineSink) RemoveFile(ctx context.Context, path string) error {
	err := s.Pipeline.RemoveFile(ctx, path)
	if errors.Is(err, indexer.ErrNotIngested) {
		return nil
	}
	return err
}

// Watcher watches root directories and forwards debounced file events to a Sink.
type Watcher struct {
	sink       Sink
	extensions []string
	recursive  bool
	debounce   time.Duration
	logger     *zap.Logger

	mu        sync.Mutex
	ctx       context.Context
	roots     []string
	rootPaths map[string][]string // root -> watched directories under it
	pending   map[string]*time.Timer
	watcher   *fsnotify.Watcher
	started   bool
	done      chan struct{}
	stopOnce  sync.Once
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithExtensions limits events to files with these extensions. Empty means all files.
func WithExtensions(exts []string) Option {
	return func(w *Watcher) { w.extensions = exts }
}

// WithRecursive controls whether subdirectories are watched. Default true.
func WithRecursive(recursive bool) Option {
	return func(w *Watcher) { w.recursive = recursive }
}

// WithDebounce sets how long a file must be quiet before it is indexed.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// New creates a watcher over roots.
func New(roots []string, sink Sink, opts ...Option) *Watcher {
	w := &Watcher{
		sink:      sink,
		recursive: true,
		debounce:  defaultDebounce,
		logger:    zap.NewNop(),
		ctx:       context.Background(),
		roots:     append([]string(nil), roots...),
		rootPaths: make(map[string][]string),
		pending:   make(map[string]*time.Timer),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start begins watching. Missing roots are created. The watcher runs until
// ctx is cancelled or Stop is called; ctx is also passed to the sink.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return nil
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.watcher = fw
	w.ctx = ctx
	for _, root := range w.roots {
		if err := w.addRootLocked(root); err != nil {
			_ = fw.Close()
			w.watcher = nil
			return err
		}
	}
	w.started = true
	w.logger.Info("Watcher started",
		zap.Strings("roots", w.roots),
		zap.Strings("extensions", w.extensions),
		zap.Bool("recursive", w.recursive))
	go w.run(ctx, fw)
	return nil
}

func (w *Watcher) run(ctx context.Context, fw *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return
		case <-w.done:
			return
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	path := ev.Name
	if !w.underRoot(path) {
		return
	}
	w.logger.Debug("Watcher event", zap.String("op", ev.Op.String()), zap.String("path", path))
	switch {
	case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
		info, err := os.Stat(path)
		if err == nil && info.IsDir() {
			w.handleNewDirectory(path)
			return
		}
		if matchExtension(path, w.extensions) {
			w.schedule(path)
		}
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		w.cancel(path)
		if matchExtension(path, w.extensions) {
			w.remove(path)
		}
	}
}

// handleNewDirectory watches a directory that appeared under a root and
// indexes the files already inside it.
func (w *Watcher) handleNewDirectory(dir string) {
	w.mu.Lock()
	fw := w.watcher
	w.mu.Unlock()
	if fw == nil {
		return
	}
	if w.recursive {
		_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if err := fw.Add(path); err != nil {
					w.logger.Debug("Watcher failed to add directory", zap.String("path", path), zap.Error(err))
				}
			}
			return nil
		})
	} else if err := fw.Add(dir); err != nil {
		w.logger.Debug("Watcher failed to add directory", zap.String("path", dir), zap.Error(err))
	}
	w.syncDirectory(dir)
}

func (w *Watcher) underRoot(path string) bool {
	w.mu.Lock()
	roots := append([]string(nil), w.roots...)
	w.mu.Unlock()
	clean := filepath.Clean(path)
	for _, root := range roots {
		if inDir(filepath.Clean(root), clean) {
			return true
		}
	}
	return false
}

func inDir(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func matchExtension(path string, extensions []string) bool {
	if len(extensions) == 0 {
		return true
	}
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	for _, e := range extensions {
		if strings.TrimPrefix(strings.ToLower(e), ".") == ext {
			return true
		}
	}
	return false
}

// schedule indexes path once it has been quiet for the debounce interval.
func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Stop()
	}
	w.pending[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		w.index(path)
	})
}

func (w *Watcher) cancel(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Stop()
		delete(w.pending, path)
	}
}

func (w *Watcher) context() context.Context {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ctx
}

func (w *Watcher) index(path string) {
	if err := w.sink.IndexFile(w.context(), path); err != nil {
		w.logger.Warn("Watcher index failed", zap.String("path", path), zap.Error(err))
		return
	}
	w.logger.Debug("Watcher indexed file", zap.String("path", path))
}

func (w *Watcher) remove(path string) {
	if err := w.sink.RemoveFile(w.context(), path); err != nil {
		w.logger.Warn("Watcher remove failed", zap.String("path", path), zap.Error(err))
	}
}

// AddDirectory adds a root and optionally indexes the files already in it,
// in the background.
func (w *Watcher) AddDirectory(root string, syncExisting bool) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	abs = filepath.Clean(abs)
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher == nil {
		return nil
	}
	for _, r := range w.roots {
		if filepath.Clean(r) == abs {
			return nil
		}
	}
	if err := w.addRootLocked(abs); err != nil {
		return err
	}
	w.roots = append(w.roots, abs)
	w.logger.Info("Watch directory added", zap.String("path", abs), zap.Bool("sync_existing", syncExisting))
	if syncExisting {
		go w.syncDirectory(abs)
	}
	return nil
}

func (w *Watcher) addRootLocked(root string) error {
	root = filepath.Clean(root)
	if _, err := os.Stat(root); os.IsNotExist(err) {
		if err := os.MkdirAll(root, 0o755); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}
	if !w.recursive {
		if err := w.watcher.Add(root); err != nil {
			return err
		}
		w.rootPaths[root] = []string{root}
		return nil
	}
	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.watcher.Add(path); err != nil {
			return err
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return err
	}
	w.rootPaths[root] = paths
	return nil
}

func (w *Watcher) syncDirectory(root string) {
	w.logger.Debug("Watcher syncing directory", zap.String("root", root))
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if !w.recursive && filepath.Dir(path) != filepath.Clean(root) {
			return nil
		}
		if matchExtension(path, w.extensions) {
			w.index(path)
		}
		return nil
	})
}

// RemoveDirectory stops watching root. Chunks already ingested from it stay.
func (w *Watcher) RemoveDirectory(root string) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	abs = filepath.Clean(abs)
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher == nil {
		return nil
	}
	idx := -1
	for i, r := range w.roots {
		if filepath.Clean(r) == abs {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}
	for _, p := range w.rootPaths[abs] {
		_ = w.watcher.Remove(p)
	}
	delete(w.rootPaths, abs)
	w.roots = append(w.roots[:idx], w.roots[idx+1:]...)
	w.logger.Info("Watch directory removed", zap.String("path", abs))
	return nil
}

// Directories returns the watched roots.
func (w *Watcher) Directories() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.roots...)
}

// SyncExistingFiles indexes every matching file under each root. Call it
// after Start to pick up files that predate the watcher.
func (w *Watcher) SyncExistingFiles() {
	for _, root := range w.Directories() {
		w.syncDirectory(root)
	}
}

// Stop stops the watcher and cancels pending index timers.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
	_ = w.watcher.Close()
	w.watcher = nil
	w.started = false
	w.mu.Unlock()
	w.stopOnce.Do(func() { close(w.done) })
}

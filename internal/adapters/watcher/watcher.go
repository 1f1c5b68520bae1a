// Package watcher watches drop folders and reports files once they have
// finished arriving.
package watcher

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Event represents a file that settled in a watched directory, or one
// that went away.
type Event struct {
	Path      string
	Operation Operation
	Size      int64 // Size when the file settled; zero for deletes
}

// Operation represents the type of file operation.
type Operation int

// File operation types.
const (
	OpCreate Operation = iota
	OpModify
	OpDelete
)

// String returns the string representation of the operation.
func (o Operation) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Handler is called for every settled event. Calls are sequential.
type Handler func(ctx context.Context, event Event) error

// pendingEvent is a path waiting to settle.
type pendingEvent struct {
	seen time.Time // last activity
	op   Operation
	size int64 // size at the last settle check, -1 before the first one
}

// Watcher watches directories for accepted files. A path is reported
// once it has been quiet for the debounce interval and its size did not
// change between two checks, so files still being copied are held back.
// Events are handed to the handler one at a time by a single worker.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	handler   Handler
	logger    *slog.Logger
	paths     []string
	debounce  time.Duration
	accept    func(name string) bool

	mu      sync.Mutex
	pending map[string]*pendingEvent
	busy    map[string]bool // paths with a queued or running handler
	queue   chan Event

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// Config holds watcher configuration.
type Config struct {
	Paths    []string
	Debounce time.Duration
	// Accept filters file names. Nil accepts every file; hidden files are
	// always ignored.
	Accept func(name string) bool
	// QueueSize bounds settled events waiting for the handler.
	QueueSize int
}

// New creates a new file watcher.
func New(cfg Config, handler Handler, logger *slog.Logger) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if cfg.Debounce <= 0 {
		cfg.Debounce = 500 * time.Millisecond
	}
	if cfg.Accept == nil {
		cfg.Accept = func(string) bool { return true }
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}

	return &Watcher{
		fsWatcher: fsWatcher,
		handler:   handler,
		logger:    logger,
		paths:     cfg.Paths,
		debounce:  cfg.Debounce,
		accept:    cfg.Accept,
		pending:   make(map[string]*pendingEvent),
		busy:      make(map[string]bool),
		queue:     make(chan Event, cfg.QueueSize),
	}, nil
}

// Start starts watching the configured paths. Files already present are
// reported as created once they settle.
func (w *Watcher) Start(ctx context.Context) error {
	ctx, w.cancel = context.WithCancel(ctx)

	watched := 0
	for _, path := range w.paths {
		absPath, err := filepath.Abs(path)
		if err != nil {
			w.logger.Warn("invalid watch path", "path", path, "error", err)
			continue
		}
		if err := w.fsWatcher.Add(absPath); err != nil {
			w.logger.Warn("failed to watch path", "path", absPath, "error", err)
			continue
		}
		w.logger.Info("watching directory", "path", absPath)
		w.scan(absPath)
		watched++
	}
	if watched == 0 && len(w.paths) > 0 {
		w.cancel()
		return errors.New("no watch path could be added")
	}

	w.wg.Add(3)
	go w.eventLoop(ctx)
	go w.settleLoop(ctx)
	go w.worker(ctx)
	return nil
}

// Stop stops watching and waits for a running handler to return.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		if w.cancel != nil {
			w.cancel()
		}
		err = w.fsWatcher.Close()
		w.wg.Wait()
	})
	return err
}

func (w *Watcher) eventLoop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			w.logger.Debug("file event", "path", event.Name, "op", event.Op.String())
			w.enqueue(event.Name, fsnotifyOpToOperation(event.Op), time.Now())

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("watcher error", "error", err)
		}
	}
}

// scan queues the accepted files already present in dir.
func (w *Watcher) scan(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		w.logger.Warn("failed to scan watch path", "path", dir, "error", err)
		return
	}
	now := time.Now()
	for _, e := range entries {
		if e.Type().IsRegular() {
			w.enqueue(filepath.Join(dir, e.Name()), OpCreate, now)
		}
	}
}

// enqueue records activity on path when the file is relevant.
func (w *Watcher) enqueue(path string, op Operation, now time.Time) {
	if !w.relevant(path) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	existing, ok := w.pending[path]
	if !ok {
		w.pending[path] = &pendingEvent{seen: now, op: op, size: -1}
		return
	}
	existing.seen = now
	w.updatePendingEvent(existing, op)
}

func (w *Watcher) relevant(path string) bool {
	name := filepath.Base(path)
	if name == "" || name == "." || strings.HasPrefix(name, ".") {
		return false
	}
	return w.accept(name)
}

// updatePendingEvent merges a new operation into a pending one. A
// delete wins; a file recreated after a delete is a create again.
func (w *Watcher) updatePendingEvent(existing *pendingEvent, next Operation) {
	switch {
	case existing.op == OpDelete && next == OpCreate:
		existing.op = OpCreate
		existing.size = -1
	case next == OpDelete:
		existing.op = OpDelete
	}
}

func (w *Watcher) settleLoop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(max(w.debounce/4, 10*time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			w.settle(now)
		}
	}
}

// settle queues the pending paths that have been quiet for the debounce
// interval and whose size held still since the previous check.
func (w *Watcher) settle(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for path, p := range w.pending {
		if now.Sub(p.seen) < w.debounce || w.busy[path] {
			continue
		}

		event := Event{Path: path, Operation: p.op}
		if p.op != OpDelete {
			info, err := os.Stat(path)
			if err != nil {
				if !errors.Is(err, fs.ErrNotExist) {
					w.logger.Warn("failed to stat dropped file", "path", path, "error", err)
				}
				delete(w.pending, path)
				continue
			}
			if info.Size() != p.size {
				p.size = info.Size()
				p.seen = now
				continue
			}
			event.Size = p.size
		}

		select {
		case w.queue <- event:
			delete(w.pending, path)
			w.busy[path] = true
		default:
			// Queue full; retry on a later tick.
		}
	}
}

func (w *Watcher) worker(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-w.queue:
			w.logger.Info("processing file event",
				"path", e.Path,
				"operation", e.Operation.String(),
				"size", e.Size,
			)
			if err := w.handler(ctx, e); err != nil {
				w.logger.Error("handler error",
					"path", e.Path,
					"operation", e.Operation.String(),
					"error", err,
				)
			}
			w.mu.Lock()
			delete(w.busy, e.Path)
			w.mu.Unlock()
		}
	}
}

// fsnotifyOpToOperation converts fsnotify.Op to our Operation type.
func fsnotifyOpToOperation(op fsnotify.Op) Operation {
	switch {
	case op.Has(fsnotify.Remove), op.Has(fsnotify.Rename):
		// A rename is seen on the old name only; the file left the folder.
		return OpDelete
	case op.Has(fsnotify.Create):
		return OpCreate
	default:
		return OpModify
	}
}

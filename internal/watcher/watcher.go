// Package watcher monitors a single directory for new and changed files,
// combining an OS-level notification source with a periodic rescan so that
// events are never missed even when the notification source drops or
// coalesces them (network-mounted directories in particular deliver
// unreliable inotify/FSEvents streams).
package watcher

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/filebridge/engine/internal/core"
)

// fileState is the stable metadata recorded for one directory entry between
// rescans, used to distinguish creates from writes during a poll.
type fileState struct {
	size    int64
	modTime time.Time
}

// Watcher monitors a single WatchDirectory and emits FileEvents on Events().
// It is safe for concurrent use.
type Watcher struct {
	dir      string
	interval time.Duration
	logger   *slog.Logger

	events chan core.FileEvent
	done   chan struct{}
	ready  chan struct{}

	mu       sync.Mutex
	snapshot map[string]fileState
	wg       sync.WaitGroup

	stopOnce sync.Once
}

// New creates a Watcher over dir, rescanning every interval in addition to
// reacting to OS filesystem notifications. Passing interval <= 0 is invalid;
// callers should derive it from WatchProfile.PollingIntervalSeconds.
func New(dir string, interval time.Duration, logger *slog.Logger) *Watcher {
	return &Watcher{
		dir:      dir,
		interval: interval,
		logger:   logger,
		events:   make(chan core.FileEvent, 256),
		done:     make(chan struct{}),
		ready:    make(chan struct{}),
		snapshot: make(map[string]fileState),
	}
}

// Start begins monitoring in a background goroutine and returns immediately.
// Start may be called only once per Watcher.
func (w *Watcher) Start(ctx context.Context) error {
	w.wg.Add(1)
	go w.run(ctx)
	return nil
}

// Stop signals the watcher to cease monitoring and blocks until the
// background goroutine exits. The Events channel is closed after Stop
// returns. Stop is idempotent.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.wg.Wait()
		close(w.events)
	})
}

// Events returns the channel on which FileEvents are delivered. It is
// closed when Stop returns.
func (w *Watcher) Events() <-chan core.FileEvent {
	return w.events
}

// Ready returns a channel closed once the initial directory snapshot has
// been taken, letting tests avoid missed-event races.
func (w *Watcher) Ready() <-chan struct{} {
	return w.ready
}

// Scan performs one synchronous rescan of the directory, running an event
// for every file currently in it (Created if new since the last known
// state, Changed otherwise, including files that did not change), plus any
// deletes for observability, through handle, and returns the number of
// calls to handle that reported true. It is the manual-scan operation of
// spec §4.A/§6: unlike the background notification/polling paths, which
// hand events to the async Events() channel for pumpEvents to admit later,
// Scan runs handle synchronously so its caller can report exactly how many
// of the candidates it found were actually admitted, not merely diffed.
func (w *Watcher) Scan(handle func(core.FileEvent) bool) int {
	w.mu.Lock()
	current := w.scanDir()
	events := diffEvents(w.snapshot, current, core.SourceManualScan)
	now := time.Now().UTC()
	for path, cur := range current {
		if prev, existed := w.snapshot[path]; existed && prev == cur {
			events = append(events, core.FileEvent{FilePath: path, EventType: core.EventChanged, DetectionMethod: core.SourceManualScan, Timestamp: now})
		}
	}
	w.snapshot = current
	w.mu.Unlock()

	admitted := 0
	for _, evt := range events {
		if handle(evt) {
			admitted++
		}
	}
	return admitted
}

func (w *Watcher) run(ctx context.Context) {
	defer w.wg.Done()

	w.mu.Lock()
	w.snapshot = w.scanDir()
	w.mu.Unlock()
	close(w.ready)

	notifier, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn("watcher: cannot create OS notifier, falling back to polling only",
			slog.String("dir", w.dir), slog.Any("error", err))
		w.pollOnly(ctx)
		return
	}
	defer notifier.Close()

	if err := notifier.Add(w.dir); err != nil {
		w.logger.Warn("watcher: cannot watch directory, falling back to polling only",
			slog.String("dir", w.dir), slog.Any("error", err))
		w.pollOnly(ctx)
		return
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ctx.Done():
			return
		case ev, ok := <-notifier.Events:
			if !ok {
				return
			}
			w.handleNotifyEvent(ev)
		case err, ok := <-notifier.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher: OS notifier error",
				slog.String("dir", w.dir), slog.Any("error", err))
		case <-ticker.C:
			w.rescan()
		}
	}
}

// pollOnly is the degraded-mode loop used when the OS notification source
// could not be established; it still satisfies §4.A's requirement that the
// watcher function (at reduced timeliness) without kernel-level support.
func (w *Watcher) pollOnly(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.rescan()
		}
	}
}

// handleNotifyEvent reacts to a single fsnotify event by rescanning the
// directory. The engine does not trust the notification's own detail (name,
// op) for correctness — only that *something* changed — and instead diffs
// a fresh snapshot, which is what actually determines created vs. changed
// vs. deleted and keeps both detection paths converging on one code path.
func (w *Watcher) handleNotifyEvent(ev fsnotify.Event) {
	if filepath.Dir(ev.Name) != w.dir && ev.Name != w.dir {
		return
	}
	w.mu.Lock()
	current := w.scanDir()
	w.diff(w.snapshot, current, core.SourceFileSystemEvent)
	w.snapshot = current
	w.mu.Unlock()
}

func (w *Watcher) rescan() {
	w.mu.Lock()
	current := w.scanDir()
	w.diff(w.snapshot, current, core.SourcePolling)
	w.snapshot = current
	w.mu.Unlock()
}

// scanDir lists the immediate (non-recursive) file children of dir and
// returns a path→fileState snapshot. A directory that does not exist
// yields an empty snapshot rather than an error, so a profile can be
// installed before its target directory is created.
func (w *Watcher) scanDir() map[string]fileState {
	result := make(map[string]fileState)

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return result
	}

	for _, e := range entries {
		if e.IsDir() {
			continue // non-recursive per spec
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		path := filepath.Join(w.dir, e.Name())
		result[path] = fileState{size: info.Size(), modTime: info.ModTime()}
	}

	return result
}

// diff compares the previous snapshot against current and emits a
// FileEvent on the Events() channel for each create, change, or delete,
// tagged with source. It must be called with w.mu held. It returns the
// number of events emitted.
func (w *Watcher) diff(old, current map[string]fileState, source core.DetectionSource) int {
	n := 0
	for _, evt := range diffEvents(old, current, source) {
		w.emit(evt.FilePath, evt.EventType, evt.DetectionMethod)
		n++
	}
	return n
}

// diffEvents compares the previous snapshot against current and returns a
// FileEvent for each create, change, or delete, tagged with source, without
// touching the Events() channel. Deletes are included for observability
// (spec's design notes: "do not launch on delete") — admission drops them
// rather than the diff itself filtering them out.
func diffEvents(old, current map[string]fileState, source core.DetectionSource) []core.FileEvent {
	var events []core.FileEvent
	now := time.Now().UTC()
	for path, cur := range current {
		prev, existed := old[path]
		if !existed {
			events = append(events, core.FileEvent{FilePath: path, EventType: core.EventCreated, DetectionMethod: source, Timestamp: now})
		} else if cur.modTime != prev.modTime || cur.size != prev.size {
			events = append(events, core.FileEvent{FilePath: path, EventType: core.EventChanged, DetectionMethod: source, Timestamp: now})
		}
	}
	for path := range old {
		if _, ok := current[path]; !ok {
			events = append(events, core.FileEvent{FilePath: path, EventType: core.EventDeleted, DetectionMethod: source, Timestamp: now})
		}
	}
	return events
}

func (w *Watcher) emit(path string, kind core.EventKind, source core.DetectionSource) {
	evt := core.FileEvent{
		FilePath:        path,
		EventType:       kind,
		DetectionMethod: source,
		Timestamp:       time.Now().UTC(),
	}

	select {
	case w.events <- evt:
	default:
		w.logger.Warn("watcher: event channel full, dropping event",
			slog.String("path", path), slog.String("kind", string(kind)))
	}
}

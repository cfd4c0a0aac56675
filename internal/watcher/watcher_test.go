package watcher_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/filebridge/engine/internal/core"
	"github.com/filebridge/engine/internal/watcher"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func drain(t *testing.T, ch <-chan core.FileEvent, timeout time.Duration) []core.FileEvent {
	t.Helper()
	var got []core.FileEvent
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return got
			}
			got = append(got, ev)
		case <-deadline:
			return got
		}
	}
}

func TestWatcher_DetectsCreatedFile(t *testing.T) {
	dir := t.TempDir()
	w := watcher.New(dir, 20*time.Millisecond, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()
	<-w.Ready()

	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	events := drain(t, w.Events(), 500*time.Millisecond)
	found := false
	for _, ev := range events {
		if ev.EventType == core.EventCreated && filepath.Base(ev.FilePath) == "a.txt" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a Created event for a.txt, got %+v", events)
	}
}

func acceptAll(core.FileEvent) bool { return true }

func TestWatcher_Scan_ReturnsHandledCount(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "one.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	w := watcher.New(dir, time.Hour, testLogger())

	n := w.Scan(acceptAll)
	if n != 1 {
		t.Fatalf("Scan() = %d, want 1", n)
	}

	// A second scan with no changes still hands the unchanged file to handle.
	n = w.Scan(acceptAll)
	if n != 1 {
		t.Fatalf("second Scan() = %d, want 1", n)
	}
}

// TestWatcher_Scan_ReturnsOnlyHandledCount asserts that Scan reports the
// count of candidates for which handle returned true, not the raw number
// of diffed candidates it found — callers (the engine's admission filter)
// may reject some of what the watcher discovers.
func TestWatcher_Scan_ReturnsOnlyHandledCount(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "one.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "two.txt"), []byte("y"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	w := watcher.New(dir, time.Hour, testLogger())

	rejectAll := func(core.FileEvent) bool { return false }
	n := w.Scan(rejectAll)
	if n != 0 {
		t.Fatalf("Scan() with a rejecting handler = %d, want 0 even though 2 candidates were found", n)
	}
}

func TestWatcher_NonRecursive(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "subdir")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(sub, "nested.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write nested file: %v", err)
	}
	w := watcher.New(dir, time.Hour, testLogger())

	if n := w.Scan(acceptAll); n != 0 {
		t.Fatalf("Scan() = %d, want 0 (nested files must be ignored)", n)
	}
}

func TestWatcher_MissingDirectoryScansEmpty(t *testing.T) {
	w := watcher.New(filepath.Join(t.TempDir(), "missing"), time.Hour, testLogger())
	if n := w.Scan(acceptAll); n != 0 {
		t.Fatalf("Scan() on missing directory = %d, want 0", n)
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	w := watcher.New(dir, time.Hour, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	w.Stop()
	w.Stop() // must not panic
}

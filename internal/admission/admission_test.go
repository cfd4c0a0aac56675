package admission_test

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/filebridge/engine/internal/admission"
	"github.com/filebridge/engine/internal/core"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeQueue struct {
	enqueued []core.FileEvent
	full     bool
}

func (q *fakeQueue) TryEnqueue(evt core.FileEvent) bool {
	if q.full {
		return false
	}
	q.enqueued = append(q.enqueued, evt)
	return true
}

func baseProfile() core.WatchProfile {
	return core.WatchProfile{
		Name:                   "p",
		WatchDirectory:         "/data",
		PollingIntervalSeconds: 30,
		ExecutablePath:         "/bin/x",
	}
}

func TestFilter_AdmitsNewFile(t *testing.T) {
	q := &fakeQueue{}
	f := admission.New(baseProfile(), core.NewActiveFileSet(), core.NewCooldownMap(), q, testLogger())

	ok := f.Admit(core.FileEvent{FilePath: "/data/a.txt", EventType: core.EventCreated, Timestamp: time.Now()})
	if !ok {
		t.Fatal("expected admission")
	}
	if len(q.enqueued) != 1 {
		t.Fatalf("len(enqueued) = %d, want 1", len(q.enqueued))
	}
}

func TestFilter_RejectsDeletes(t *testing.T) {
	q := &fakeQueue{}
	f := admission.New(baseProfile(), core.NewActiveFileSet(), core.NewCooldownMap(), q, testLogger())

	if f.Admit(core.FileEvent{FilePath: "/data/a.txt", EventType: core.EventDeleted, Timestamp: time.Now()}) {
		t.Fatal("expected delete events to be rejected")
	}
}

func TestFilter_RejectsIgnoredExtension(t *testing.T) {
	profile := baseProfile()
	profile.IgnoreExtensions = []string{".tmp"}
	q := &fakeQueue{}
	f := admission.New(profile, core.NewActiveFileSet(), core.NewCooldownMap(), q, testLogger())

	if f.Admit(core.FileEvent{FilePath: "/data/a.tmp", EventType: core.EventCreated, Timestamp: time.Now()}) {
		t.Fatal("expected .tmp file to be rejected")
	}
}

func TestFilter_DedupsActiveFile(t *testing.T) {
	q := &fakeQueue{}
	f := admission.New(baseProfile(), core.NewActiveFileSet(), core.NewCooldownMap(), q, testLogger())

	evt := core.FileEvent{FilePath: "/data/a.txt", EventType: core.EventCreated, Timestamp: time.Now()}
	if !f.Admit(evt) {
		t.Fatal("first admission should succeed")
	}
	if f.Admit(evt) {
		t.Fatal("second admission of the same active file should be rejected")
	}
}

func TestFilter_RespectsCooldown(t *testing.T) {
	cooldowns := core.NewCooldownMap()
	cooldowns.Set("/data/a.txt", time.Now().UTC())
	q := &fakeQueue{}
	f := admission.New(baseProfile(), core.NewActiveFileSet(), cooldowns, q, testLogger())

	if f.Admit(core.FileEvent{FilePath: "/data/a.txt", EventType: core.EventChanged, Timestamp: time.Now()}) {
		t.Fatal("expected cooldown to reject re-admission")
	}
}

func TestFilter_ManualScanBypassesCooldown(t *testing.T) {
	cooldowns := core.NewCooldownMap()
	cooldowns.Set("/data/a.txt", time.Now().UTC())
	q := &fakeQueue{}
	f := admission.New(baseProfile(), core.NewActiveFileSet(), cooldowns, q, testLogger())

	ok := f.Admit(core.FileEvent{FilePath: "/data/a.txt", EventType: core.EventChanged, DetectionMethod: core.SourceManualScan, Timestamp: time.Now()})
	if !ok {
		t.Fatal("expected manual scan to bypass cooldown")
	}
}

func TestFilter_MarkerFileResolution(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "report.csv")
	if err := os.WriteFile(target, []byte("x"), 0o644); err != nil {
		t.Fatalf("write target: %v", err)
	}
	marker := target + ".done"
	if err := os.WriteFile(marker, nil, 0o644); err != nil {
		t.Fatalf("write marker: %v", err)
	}

	profile := baseProfile()
	profile.WatchDirectory = dir
	profile.MarkerFilePatterns = []string{"*.done"}
	q := &fakeQueue{}
	f := admission.New(profile, core.NewActiveFileSet(), core.NewCooldownMap(), q, testLogger())

	if f.Admit(core.FileEvent{FilePath: filepath.Join(dir, "report.csv"), EventType: core.EventCreated, Timestamp: time.Now()}) {
		t.Fatal("non-marker file must not be admitted when marker patterns are configured")
	}

	ok := f.Admit(core.FileEvent{FilePath: marker, EventType: core.EventCreated, Timestamp: time.Now()})
	if !ok {
		t.Fatal("expected marker file to be admitted")
	}
	if len(q.enqueued) != 1 || q.enqueued[0].FilePath != target {
		t.Fatalf("expected resolved target %s, got %+v", target, q.enqueued)
	}
}

func TestFilter_RejectsDanglingMarker(t *testing.T) {
	dir := t.TempDir()
	// "foo.csv.ready" has no corresponding "foo.csv" on disk.
	marker := filepath.Join(dir, "foo.csv.ready")
	if err := os.WriteFile(marker, nil, 0o644); err != nil {
		t.Fatalf("write marker: %v", err)
	}

	profile := baseProfile()
	profile.WatchDirectory = dir
	profile.MarkerFilePatterns = []string{"*.ready"}
	q := &fakeQueue{}
	active := core.NewActiveFileSet()
	f := admission.New(profile, active, core.NewCooldownMap(), q, testLogger())

	if f.Admit(core.FileEvent{FilePath: marker, EventType: core.EventCreated, Timestamp: time.Now()}) {
		t.Fatal("expected dangling marker (no matching target on disk) to be rejected")
	}
	if len(q.enqueued) != 0 {
		t.Fatalf("expected nothing enqueued for dangling marker, got %+v", q.enqueued)
	}
	if active.Len() != 0 {
		t.Fatal("expected active set to remain empty for dangling marker")
	}
}

func TestFilter_RollsBackActiveSetOnFullQueue(t *testing.T) {
	q := &fakeQueue{full: true}
	active := core.NewActiveFileSet()
	f := admission.New(baseProfile(), active, core.NewCooldownMap(), q, testLogger())

	if f.Admit(core.FileEvent{FilePath: "/data/a.txt", EventType: core.EventCreated, Timestamp: time.Now()}) {
		t.Fatal("expected admission to fail when queue is full")
	}
	if active.Contains("/data/a.txt") {
		t.Fatal("expected active-set reservation to be rolled back on full queue")
	}
}

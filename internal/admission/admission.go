// Package admission implements the filter pipeline (spec §4.B) that decides
// whether a FileEvent discovered by the watcher is allowed onto the work
// queue for readiness checking and launch.
package admission

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/filebridge/engine/internal/core"
)

// Queue is the narrow interface the admission filter enqueues onto. It is
// satisfied by *workqueue.Queue.
type Queue interface {
	TryEnqueue(evt core.FileEvent) bool
}

// Filter applies the admission pipeline for a single WatchProfile.
type Filter struct {
	profile   core.WatchProfile
	active    *core.ActiveFileSet
	cooldowns *core.CooldownMap
	queue     Queue
	logger    *slog.Logger
}

// New creates a Filter for profile, reading and mutating the given shared
// bookkeeping sets and enqueuing admitted events onto queue.
func New(profile core.WatchProfile, active *core.ActiveFileSet, cooldowns *core.CooldownMap, queue Queue, logger *slog.Logger) *Filter {
	return &Filter{
		profile:   profile,
		active:    active,
		cooldowns: cooldowns,
		queue:     queue,
		logger:    logger,
	}
}

// Admit runs evt through the filter pipeline. It returns true if the event
// was enqueued for processing.
func (f *Filter) Admit(evt core.FileEvent) bool {
	// Deletes are never launch candidates — per spec design notes, a
	// deleted file can never satisfy the readiness gate and is only
	// useful for observability, which the watcher already logs.
	if evt.EventType == core.EventDeleted {
		return false
	}

	target, ok := f.resolveTarget(evt.FilePath)
	if !ok {
		return false
	}

	if f.hasIgnoredExtension(target) {
		return false
	}

	horizon := f.profile.CooldownHorizon()
	if evt.DetectionMethod != core.SourceManualScan && f.cooldowns.Active(target, horizon, time.Now().UTC()) {
		return false
	}

	if !f.active.TryAdd(target) {
		// Already queued or in flight; this is the dedup invariant of §3.
		return false
	}

	admitted := core.FileEvent{
		FilePath:        target,
		EventType:       evt.EventType,
		DetectionMethod: evt.DetectionMethod,
		Timestamp:       evt.Timestamp,
	}

	if !f.queue.TryEnqueue(admitted) {
		// Queue is full: roll back the active-set reservation so the
		// target can be retried on a future scan instead of being
		// silently stuck as "active" forever.
		f.active.Remove(target)
		f.logger.Warn("admission: work queue full, dropping event",
			slog.String("profile", f.profile.Name),
			slog.String("path", target),
		)
		return false
	}

	return true
}

// resolveTarget applies marker-file resolution (spec §4.B): when the
// profile declares MarkerFilePatterns, only a path matching one of those
// "*.SUFFIX" patterns is admitted, and the resolved target is the marker's
// directory-joined basename with the suffix stripped. Step 3 of §4.B
// requires the resolved target to exist on disk before admission; a
// marker with no corresponding target (e.g. "foo.csv.ready" with no
// "foo.csv") is rejected here rather than being enqueued to fail the
// readiness gate later. With no marker patterns configured, the path
// itself is the target and is assumed to exist (it is the file the
// watcher just observed).
func (f *Filter) resolveTarget(path string) (string, bool) {
	if len(f.profile.MarkerFilePatterns) == 0 {
		return path, true
	}

	base := filepath.Base(path)
	for _, pattern := range f.profile.MarkerFilePatterns {
		suffix := strings.TrimPrefix(pattern, "*")
		if suffix == pattern {
			continue // malformed pattern, not of the form "*.SUFFIX"
		}
		if strings.HasSuffix(strings.ToLower(base), strings.ToLower(suffix)) {
			stripped := base[:len(base)-len(suffix)]
			target := filepath.Join(filepath.Dir(path), stripped)
			if _, err := os.Stat(target); err != nil {
				return "", false
			}
			return target, true
		}
	}
	return "", false
}

// hasIgnoredExtension reports whether path's extension matches one of the
// profile's IgnoreExtensions, case-insensitively and with the leading dot
// optional in configuration.
func (f *Filter) hasIgnoredExtension(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, ignored := range f.profile.IgnoreExtensions {
		ignored = strings.ToLower(ignored)
		if !strings.HasPrefix(ignored, ".") {
			ignored = "." + ignored
		}
		if ext == ignored {
			return true
		}
	}
	return false
}

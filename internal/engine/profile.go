// Package engine implements the Config Manager (SPEC_FULL.md §2): it owns
// the map of profile name to running engine instance, installs and tears
// down the watcher/admission/queue/readiness/launcher chain (spec §4.A–4.E)
// for each WatchProfile, and drains workers for the log sink (§4.F).
package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/filebridge/engine/internal/admission"
	"github.com/filebridge/engine/internal/core"
	"github.com/filebridge/engine/internal/launcher"
	"github.com/filebridge/engine/internal/logsink"
	"github.com/filebridge/engine/internal/readiness"
	"github.com/filebridge/engine/internal/watcher"
	"github.com/filebridge/engine/internal/workqueue"
)

// drainTimeout bounds how long teardown waits for in-flight workers to finish
// processing the work queue before the profile's context is cancelled out
// from under them.
const drainTimeout = 5 * time.Second

// profileInstance is one running (watcher, admission, queue, readiness,
// launcher) chain for a single installed WatchProfile.
type profileInstance struct {
	profile core.WatchProfile

	watcher *watcher.Watcher
	queue   *workqueue.Queue
	filter  *admission.Filter
	gate    *readiness.Gate
	launch  *launcher.Launcher

	active    *core.ActiveFileSet
	cooldowns *core.CooldownMap
	running   *core.RunningProcessSet

	sink   *logsink.Sink
	logger *slog.Logger

	cancel    context.CancelFunc
	workersWG chan struct{} // closed when all workers have returned
}

// install constructs and starts every component for profile. If the
// profile's WatchDirectory does not exist, the watcher still starts (it
// scans an empty directory until the directory appears) — per spec §3
// an installed profile with a missing directory stays idle and logged,
// it is not a fatal installation error.
func install(ctx context.Context, profile core.WatchProfile, sink *logsink.Sink, logger *slog.Logger) *profileInstance {
	ctx, cancel := context.WithCancel(ctx)

	log := logger.With(slog.String("profile", profile.Name))

	active := core.NewActiveFileSet()
	cooldowns := core.NewCooldownMap()
	running := core.NewRunningProcessSet()

	q := workqueue.New()
	w := watcher.New(profile.WatchDirectory, time.Duration(profile.PollingIntervalSeconds)*time.Second, log)
	filter := admission.New(profile, active, cooldowns, q, log)
	gate := readiness.New(time.Duration(profile.SizeCheckIntervalMs)*time.Millisecond, profile.SizeStabilityCheckCount)
	l := launcher.New(profile, running, log)

	pi := &profileInstance{
		profile:   profile,
		watcher:   w,
		queue:     q,
		filter:    filter,
		gate:      gate,
		launch:    l,
		active:    active,
		cooldowns: cooldowns,
		running:   running,
		sink:      sink,
		logger:    log,
		cancel:    cancel,
		workersWG: make(chan struct{}),
	}

	if err := w.Start(ctx); err != nil {
		log.Error("engine: watcher failed to start", slog.Any("error", err))
	}

	workerCount := profile.MaxConcurrentProcesses
	if workerCount <= 0 {
		workerCount = 4
	}

	done := make(chan struct{}, workerCount)
	for i := 0; i < workerCount; i++ {
		go func() {
			pi.worker(ctx)
			done <- struct{}{}
		}()
	}
	go func() {
		for i := 0; i < workerCount; i++ {
			<-done
		}
		close(pi.workersWG)
	}()

	go pi.pumpEvents(ctx)

	go func() {
		ticker := time.NewTicker(time.Duration(profile.PollingIntervalSeconds) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				cooldowns.GC(profile.CooldownHorizon(), now.UTC())
			}
		}
	}()

	return pi
}

// pumpEvents reads FileEvents from the watcher and runs them through the
// admission filter, which enqueues accepted events onto the work queue.
func (pi *profileInstance) pumpEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-pi.watcher.Events():
			if !ok {
				return
			}
			pi.logEvent(evt)
			pi.filter.Admit(evt)
		}
	}
}

// worker pulls admitted events off the queue, waits for readiness, and
// launches the configured process. It always removes the target from the
// active set and records cooldown completion on a successful dispatch,
// regardless of how the attempt ends, per spec §3's dedup invariant.
func (pi *profileInstance) worker(ctx context.Context) {
	for evt := range pi.queue.Dequeue() {
		pi.process(ctx, evt)
	}
}

func (pi *profileInstance) process(ctx context.Context, evt core.FileEvent) {
	defer pi.active.Remove(evt.FilePath)

	if err := pi.gate.Wait(ctx, evt.FilePath); err != nil {
		switch {
		case errors.Is(err, readiness.ErrGone):
			// Existence-miss: skip silently, no log, no cooldown (§4.D).
		case errors.Is(err, readiness.ErrLocked):
			// Retryable: no log, no cooldown (§4.D).
		default:
			// Stability ceiling elapsed (or an unrecognized gate
			// failure): the one readiness outcome §4.D requires a log
			// for, classified as WatcherError per §7's error taxonomy.
			pi.logger.Warn("engine: file did not become ready",
				slog.String("path", evt.FilePath), slog.Any("error", err))
			pi.logWatcherError(evt.FilePath, err)
		}
		return
	}

	if err := pi.launch.Launch(ctx, evt.FilePath); err != nil {
		pi.logger.Error("engine: launch failed",
			slog.String("path", evt.FilePath), slog.Any("error", err))
		pi.logProcessError(evt.FilePath, err)
		return
	}

	pi.cooldowns.Set(evt.FilePath, time.Now().UTC())
	pi.logProcessLaunch(evt.FilePath)
}

func (pi *profileInstance) logEvent(evt core.FileEvent) {
	if pi.sink == nil {
		return
	}
	_ = pi.sink.Append(core.LogEntry{
		Timestamp: evt.Timestamp,
		Kind:      core.LogFileEvent,
		Message:   "file event detected",
		Details: map[string]any{
			"path":            evt.FilePath,
			"eventType":       string(evt.EventType),
			"detectionMethod": string(evt.DetectionMethod),
			"profile":         pi.profile.Name,
		},
	})
}

func (pi *profileInstance) logProcessLaunch(path string) {
	if pi.sink == nil {
		return
	}
	_ = pi.sink.Append(core.LogEntry{
		Timestamp: time.Now().UTC(),
		Kind:      core.LogProcessLaunch,
		Message:   "process launched",
		Details: map[string]any{
			"path":    path,
			"profile": pi.profile.Name,
		},
	})
}

func (pi *profileInstance) logWatcherError(path string, cause error) {
	if pi.sink == nil {
		return
	}
	_ = pi.sink.Append(core.LogEntry{
		Timestamp: time.Now().UTC(),
		Kind:      core.LogWatcherError,
		Message:   cause.Error(),
		Details: map[string]any{
			"path":    path,
			"profile": pi.profile.Name,
		},
	})
}

func (pi *profileInstance) logProcessError(path string, cause error) {
	if pi.sink == nil {
		return
	}
	_ = pi.sink.Append(core.LogEntry{
		Timestamp: time.Now().UTC(),
		Kind:      core.LogProcessError,
		Message:   cause.Error(),
		Details: map[string]any{
			"path":    path,
			"profile": pi.profile.Name,
		},
	})
}

// teardown stops the watcher, closes the work queue, waits up to
// drainTimeout for workers to finish, then cancels the profile context
// (force-terminating any launcher operation still in flight) regardless
// of whether the drain completed in time.
func (pi *profileInstance) teardown() {
	pi.watcher.Stop()
	pi.queue.Close()

	select {
	case <-pi.workersWG:
	case <-time.After(drainTimeout):
		pi.logger.Warn("engine: worker drain timed out, forcing shutdown")
	}

	pi.cancel()
}

// scan performs the manual-scan operation of spec §4.A/§6: it runs the
// profile's watcher synchronously and, for every event the watcher finds,
// logs it and runs it through the admission filter exactly as pumpEvents
// would for a background detection. It returns the number admitted, not
// the number of candidates the watcher found — a file already active or
// rejected by the filter (an ignored extension, a non-marker file) is found
// but not counted here. Cooldown does not reject these events, since they
// carry the manual-scan detection source.
func (pi *profileInstance) scan() int {
	return pi.watcher.Scan(func(evt core.FileEvent) bool {
		pi.logEvent(evt)
		return pi.filter.Admit(evt)
	})
}

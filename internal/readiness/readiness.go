// Package readiness implements the readiness/stability gate (spec §4.D)
// that a file must pass before the launcher will spawn a process against
// it: the file must still exist, must not be exclusively locked by its
// writer, and (when the profile configures it) must report the same size
// across a run of consecutive samples.
package readiness

import (
	"context"
	"errors"
	"os"
	"time"
)

// Ceiling is the hard upper bound on how long the gate will wait for a
// single file to become ready before giving up, per spec §4.D.
const Ceiling = 30 * time.Second

// ErrGone is returned when path never appears (or disappears mid-check)
// within the ceiling. Per spec §4.D this is an existence-miss: the caller
// must treat it silently (no log, no cooldown) since the watcher will
// simply rediscover the file if it shows up later.
var ErrGone = errors.New("readiness: file does not exist")

// ErrLocked is returned when path is still held open for exclusive write
// when the ceiling elapses. Per spec §4.D this is retryable: the caller
// must not log it and must not set a cooldown.
var ErrLocked = errors.New("readiness: file is locked for exclusive write")

// ErrUnstable is returned when path's size never stabilizes (stops
// changing across stabilityCount consecutive samples) within the
// ceiling. Per spec §4.D this is the one readiness failure the caller
// must log, as a warning.
var ErrUnstable = errors.New("readiness: file size did not stabilize before the ceiling elapsed")

// Gate evaluates readiness for one WatchProfile's files.
type Gate struct {
	sizeCheckInterval time.Duration
	stabilityCount    int
}

// New creates a Gate from the profile's size-check configuration. A zero
// sizeCheckInterval or stabilityCount disables the stability sampling loop
// entirely (existence and lock checks still apply).
func New(sizeCheckInterval time.Duration, stabilityCount int) *Gate {
	return &Gate{sizeCheckInterval: sizeCheckInterval, stabilityCount: stabilityCount}
}

// Wait blocks until path is ready to be handed to the launcher, the
// context is cancelled, or the 30-second ceiling elapses. It returns nil
// only when the file is confirmed ready. A failure here never touches the
// cooldown map — per spec, a file that never stabilizes must still be
// reconsidered on the next rescan, not suppressed.
func (g *Gate) Wait(ctx context.Context, path string) error {
	deadline := time.Now().Add(Ceiling)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	if err := g.waitExists(ctx, path); err != nil {
		return err
	}
	if err := g.waitUnlocked(ctx, path); err != nil {
		return err
	}
	if g.sizeCheckInterval > 0 && g.stabilityCount > 0 {
		if err := g.waitStableSize(ctx, path); err != nil {
			return err
		}
	}
	return nil
}

func (g *Gate) waitExists(ctx context.Context, path string) error {
	for {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ErrGone
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// waitUnlocked probes for exclusive access by attempting to open the file
// for read-write without creating it. On platforms/filesystems where this
// never fails for a concurrently-written file (most POSIX filesystems
// don't enforce mandatory locking), this check degrades to a best-effort
// no-op and the stability-sampling loop below is what actually catches an
// in-progress write.
func (g *Gate) waitUnlocked(ctx context.Context, path string) error {
	for {
		f, err := os.OpenFile(path, os.O_RDWR, 0)
		if err == nil {
			f.Close()
			return nil
		}
		if os.IsNotExist(err) {
			return nil // disappeared; treated as unlocked, the size-stability loop (when enabled) then reports ErrGone
		}
		if !os.IsPermission(err) {
			return nil // any other error (including "file busy") is non-fatal here
		}
		select {
		case <-ctx.Done():
			return ErrLocked
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (g *Gate) waitStableSize(ctx context.Context, path string) error {
	var lastSize int64 = -1
	consecutive := 0

	ticker := time.NewTicker(g.sizeCheckInterval)
	defer ticker.Stop()

	for {
		info, err := os.Stat(path)
		if err != nil {
			return ErrGone
		}
		if info.Size() == lastSize {
			consecutive++
		} else {
			consecutive = 1
			lastSize = info.Size()
		}
		if consecutive >= g.stabilityCount {
			return nil
		}

		select {
		case <-ctx.Done():
			return ErrUnstable
		case <-ticker.C:
		}
	}
}

// Package launcher implements the bounded-concurrency process launcher
// (spec §4.E): it tokenizes the profile's argument template, substitutes
// {FilePath}/{FolderPath}, and spawns the configured executable under a
// counting semaphore, capturing its stdout/stderr and releasing the
// semaphore asynchronously when the child exits.
package launcher

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/filebridge/engine/internal/core"
)

// Launcher spawns child processes for one WatchProfile under a bounded
// concurrency limit.
type Launcher struct {
	profile core.WatchProfile
	running *core.RunningProcessSet
	logger  *slog.Logger

	// permits is a counting semaphore: a buffered channel of the
	// profile's MaxConcurrentProcesses capacity. nil means unbounded.
	permits chan struct{}
}

// New creates a Launcher for profile. running is the shared bookkeeping
// set the launcher adds to and removes from as children start and exit.
func New(profile core.WatchProfile, running *core.RunningProcessSet, logger *slog.Logger) *Launcher {
	l := &Launcher{profile: profile, running: running, logger: logger}
	if profile.MaxConcurrentProcesses > 0 {
		l.permits = make(chan struct{}, profile.MaxConcurrentProcesses)
	}
	return l
}

// Launch blocks until a concurrency permit is available (or ctx is
// cancelled), then starts the configured executable against targetPath.
// It returns once the child has started; the child's exit is handled
// asynchronously and releases the permit. Launch does not wait for the
// child to finish.
func (l *Launcher) Launch(ctx context.Context, targetPath string) error {
	if l.permits != nil {
		select {
		case l.permits <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	correlationID := uuid.NewString()
	args, err := l.buildArgs(targetPath)
	if err != nil {
		l.releasePermit()
		return fmt.Errorf("launcher: %w", err)
	}

	cmd := exec.CommandContext(ctx, l.profile.ExecutablePath, args...)
	cmd.Dir = l.workingDir()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		l.releasePermit()
		return fmt.Errorf("launcher: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		l.releasePermit()
		return fmt.Errorf("launcher: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		l.releasePermit()
		return fmt.Errorf("launcher: start %q: %w", l.profile.ExecutablePath, err)
	}

	proc := &core.RunningProcess{
		PID:       cmd.Process.Pid,
		FilePath:  targetPath,
		StartedAt: time.Now().UTC(),
		Cmd:       cmd,
	}
	l.running.Add(proc)

	l.logger.Info("launcher: process started",
		slog.String("profile", l.profile.Name),
		slog.String("path", targetPath),
		slog.Int("pid", proc.PID),
		slog.String("correlation_id", correlationID),
	)

	go l.captureStream(stdout, targetPath, correlationID, slog.LevelDebug)
	go l.captureStream(stderr, targetPath, correlationID, slog.LevelError)

	go l.awaitExit(cmd, proc, correlationID)

	return nil
}

// awaitExit waits for the child to exit, then releases the concurrency
// permit and removes the process from the running set exactly once. This
// runs in its own goroutine so Launch never blocks on the child's
// lifetime.
func (l *Launcher) awaitExit(cmd *exec.Cmd, proc *core.RunningProcess, correlationID string) {
	err := cmd.Wait()
	l.running.Remove(proc.PID)
	l.releasePermit()

	if err != nil {
		l.logger.Warn("launcher: process exited with error",
			slog.String("profile", l.profile.Name),
			slog.String("path", proc.FilePath),
			slog.Int("pid", proc.PID),
			slog.String("correlation_id", correlationID),
			slog.Any("error", err),
		)
		return
	}
	l.logger.Info("launcher: process exited",
		slog.String("profile", l.profile.Name),
		slog.String("path", proc.FilePath),
		slog.Int("pid", proc.PID),
		slog.String("correlation_id", correlationID),
	)
}

// workingDir returns the executable's own directory, per spec §4.E's
// child configuration ("working directory = the directory of the
// executable"). Falls back to the current process's working directory
// when the executable's directory is indeterminable.
func (l *Launcher) workingDir() string {
	dir := filepath.Dir(l.profile.ExecutablePath)
	if dir != "" && dir != "." {
		return dir
	}
	if wd, err := os.Getwd(); err == nil {
		return wd
	}
	return dir
}

func (l *Launcher) releasePermit() {
	if l.permits != nil {
		<-l.permits
	}
}

// captureStream scans r line by line, forwarding each line to the
// structured logger at level. It returns when r is closed (the child has
// exited or the pipe was otherwise torn down).
func (l *Launcher) captureStream(r io.Reader, targetPath, correlationID string, level slog.Level) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		l.logger.Log(context.Background(), level, "launcher: child output",
			slog.String("path", targetPath),
			slog.String("correlation_id", correlationID),
			slog.String("line", scanner.Text()),
		)
	}
}

// buildArgs tokenizes the profile's argument template, respecting quoted
// spans, and substitutes {FilePath} and {FolderPath} in each resulting
// token.
func (l *Launcher) buildArgs(targetPath string) ([]string, error) {
	tokens, err := tokenize(l.profile.Arguments)
	if err != nil {
		return nil, err
	}

	folder := filepath.Dir(targetPath)
	for i, tok := range tokens {
		tok = strings.ReplaceAll(tok, "{FilePath}", targetPath)
		tok = strings.ReplaceAll(tok, "{FolderPath}", folder)
		tokens[i] = tok
	}
	return tokens, nil
}

// tokenize splits a template string on whitespace, treating double-quoted
// spans as single tokens (quotes themselves are stripped). An unterminated
// quote is an error.
func tokenize(s string) ([]string, error) {
	var tokens []string
	var cur strings.Builder
	inQuotes := false
	hasToken := false

	flush := func() {
		if hasToken {
			tokens = append(tokens, cur.String())
			cur.Reset()
			hasToken = false
		}
	}

	for _, r := range s {
		switch {
		case r == '"':
			inQuotes = !inQuotes
			hasToken = true
		case unicode.IsSpace(r) && !inQuotes:
			flush()
		default:
			cur.WriteRune(r)
			hasToken = true
		}
	}
	if inQuotes {
		return nil, fmt.Errorf("unterminated quote in argument template %q", s)
	}
	flush()
	return tokens, nil
}

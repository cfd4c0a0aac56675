package launcher_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/filebridge/engine/internal/core"
	"github.com/filebridge/engine/internal/launcher"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitForCount(t *testing.T, running *core.RunningProcessSet, want int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if running.Len() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("running process count never reached %d, stuck at %d", want, running.Len())
}

func TestLauncher_LaunchesAndTracksProcess(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "a.txt")
	os.WriteFile(target, []byte("x"), 0o644)

	profile := core.WatchProfile{
		Name:           "p",
		ExecutablePath: "/bin/sh",
		Arguments:      `-c "exit 0"`,
	}
	running := core.NewRunningProcessSet()
	l := launcher.New(profile, running, testLogger())

	if err := l.Launch(context.Background(), target); err != nil {
		t.Fatalf("Launch: %v", err)
	}

	waitForCount(t, running, 0, 2*time.Second)
}

func TestLauncher_SubstitutesFilePathToken(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "a.txt")
	os.WriteFile(target, []byte("x"), 0o644)

	out := filepath.Join(dir, "out.txt")
	profile := core.WatchProfile{
		Name:           "p",
		ExecutablePath: "/bin/sh",
		Arguments:      `-c "echo {FilePath} > ` + out + `"`,
	}
	running := core.NewRunningProcessSet()
	l := launcher.New(profile, running, testLogger())

	if err := l.Launch(context.Background(), target); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	waitForCount(t, running, 0, 2*time.Second)

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if got := string(data); got != target+"\n" {
		t.Fatalf("output = %q, want %q", got, target+"\n")
	}
}

func TestLauncher_WorkingDirectoryIsExecutableDir(t *testing.T) {
	execDir := t.TempDir()
	targetDir := t.TempDir()

	script := filepath.Join(execDir, "run.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\npwd > cwd.txt\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	target := filepath.Join(targetDir, "a.txt")
	os.WriteFile(target, []byte("x"), 0o644)

	profile := core.WatchProfile{
		Name:           "p",
		ExecutablePath: script,
	}
	running := core.NewRunningProcessSet()
	l := launcher.New(profile, running, testLogger())

	if err := l.Launch(context.Background(), target); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	waitForCount(t, running, 0, 2*time.Second)

	cwdFile := filepath.Join(execDir, "cwd.txt")
	data, err := os.ReadFile(cwdFile)
	if err != nil {
		t.Fatalf("expected cwd.txt in executable's directory %s: %v", execDir, err)
	}
	got := strings.TrimSpace(string(data))
	want, _ := filepath.EvalSymlinks(execDir)
	gotResolved, _ := filepath.EvalSymlinks(got)
	if gotResolved != want {
		t.Fatalf("working directory = %q, want %q (executable's own directory, not target's %q)", got, execDir, targetDir)
	}
}

func TestLauncher_BoundsConcurrency(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "a.txt")
	os.WriteFile(target, []byte("x"), 0o644)

	profile := core.WatchProfile{
		Name:                   "p",
		ExecutablePath:         "/bin/sh",
		Arguments:              `-c "sleep 0.2"`,
		MaxConcurrentProcesses: 1,
	}
	running := core.NewRunningProcessSet()
	l := launcher.New(profile, running, testLogger())

	if err := l.Launch(context.Background(), target); err != nil {
		t.Fatalf("first Launch: %v", err)
	}
	waitForCount(t, running, 1, time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := l.Launch(ctx, target); err == nil {
		t.Fatal("expected second Launch to block past the short deadline and return an error")
	}
}

package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/filebridge/engine/internal/config"
	"github.com/filebridge/engine/internal/core"
	"github.com/filebridge/engine/internal/logsink"
)

// Manager is the Config Manager of SPEC_FULL.md §2: it owns every
// installed profile's running instance and drives live config reload.
type Manager struct {
	sink   *logsink.Sink
	logger *slog.Logger

	mu        sync.Mutex
	instances map[string]*profileInstance
	ctx       context.Context
}

// NewManager creates a Manager that installs profile instances against
// the given context (profiles are torn down when ctx is cancelled) and
// logs every FileEvent/ProcessLaunch/ProcessError through sink.
func NewManager(ctx context.Context, sink *logsink.Sink, logger *slog.Logger) *Manager {
	return &Manager{
		sink:      sink,
		logger:    logger,
		instances: make(map[string]*profileInstance),
		ctx:       ctx,
	}
}

// Load reads the JSON config document at path and reconciles the set of
// installed profiles against it: profiles present in the new document but
// not currently installed are installed; profiles installed but absent
// from the new document are removed; a profile present in both is left
// running unchanged unless its definition differs, in which case it is
// replaced (WatchProfile is immutable once installed per spec §3).
func (m *Manager) Load(path string) error {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return fmt.Errorf("engine: load config: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	wanted := make(map[string]core.WatchProfile, len(cfg.Apps))
	for _, p := range cfg.Apps {
		wanted[p.Name] = p
	}

	for name, inst := range m.instances {
		p, stillWanted := wanted[name]
		if !stillWanted || !sameProfile(p, inst.profile) {
			inst.teardown()
			delete(m.instances, name)
		}
	}

	for name, p := range wanted {
		if _, exists := m.instances[name]; exists {
			continue
		}
		m.instances[name] = install(m.ctx, p, m.sink, m.logger)
	}

	return nil
}

func sameProfile(a, b core.WatchProfile) bool {
	if len(a.IgnoreExtensions) != len(b.IgnoreExtensions) || len(a.MarkerFilePatterns) != len(b.MarkerFilePatterns) {
		return false
	}
	for i := range a.IgnoreExtensions {
		if a.IgnoreExtensions[i] != b.IgnoreExtensions[i] {
			return false
		}
	}
	for i := range a.MarkerFilePatterns {
		if a.MarkerFilePatterns[i] != b.MarkerFilePatterns[i] {
			return false
		}
	}
	return a.Name == b.Name &&
		a.WatchDirectory == b.WatchDirectory &&
		a.PollingIntervalSeconds == b.PollingIntervalSeconds &&
		a.ExecutablePath == b.ExecutablePath &&
		a.Arguments == b.Arguments &&
		a.SizeCheckIntervalMs == b.SizeCheckIntervalMs &&
		a.SizeStabilityCheckCount == b.SizeStabilityCheckCount &&
		a.MaxConcurrentProcesses == b.MaxConcurrentProcesses
}

// Install adds a single profile without reading it from a config file,
// used by the admin API (SPEC_FULL.md DOMAIN STACK) to provision a
// profile at runtime.
func (m *Manager) Install(p core.WatchProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.instances[p.Name]; exists {
		return fmt.Errorf("engine: profile %q is already installed", p.Name)
	}
	if p.PollingIntervalSeconds < 1 || p.SizeCheckIntervalMs < 0 || p.SizeStabilityCheckCount < 0 || p.MaxConcurrentProcesses < 0 {
		return fmt.Errorf("engine: profile %q has an out-of-range numeric field", p.Name)
	}
	m.instances[p.Name] = install(m.ctx, p, m.sink, m.logger)
	return nil
}

// Remove tears down and forgets the named profile.
func (m *Manager) Remove(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[name]
	if !ok {
		return fmt.Errorf("engine: no such profile %q", name)
	}
	inst.teardown()
	delete(m.instances, name)
	return nil
}

// Scan triggers an immediate manual rescan of the named profile's
// directory (spec §6) and returns the number of files the admission filter
// accepted.
func (m *Manager) Scan(name string) (int, error) {
	m.mu.Lock()
	inst, ok := m.instances[name]
	m.mu.Unlock()

	if !ok {
		return 0, fmt.Errorf("engine: no such profile %q", name)
	}
	return inst.scan(), nil
}

// Profiles returns the WatchProfile of every currently installed profile.
func (m *Manager) Profiles() []core.WatchProfile {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]core.WatchProfile, 0, len(m.instances))
	for _, inst := range m.instances {
		out = append(out, inst.profile)
	}
	return out
}

// Shutdown tears down every installed profile. Call once during process
// shutdown, after which the Manager must not be used again.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, inst := range m.instances {
		inst.teardown()
		delete(m.instances, name)
	}
}

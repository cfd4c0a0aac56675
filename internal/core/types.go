// Package core defines the shared data model of the file-bridge engine:
// the per-event record that flows through the pipeline, the watch profile
// that configures one instance of it, and the concurrent bookkeeping sets
// (active files, cooldowns, running processes) that the admission filter,
// readiness gate, and launcher all read and mutate.
package core

import "time"

// EventKind is the kind of filesystem change a FileEvent reports.
type EventKind string

const (
	EventCreated EventKind = "Created"
	EventChanged EventKind = "Changed"
	EventDeleted EventKind = "Deleted"
)

// DetectionSource identifies which half of the hybrid watcher produced a
// FileEvent.
type DetectionSource string

const (
	SourceFileSystemEvent DetectionSource = "FileSystemEvent"
	SourcePolling         DetectionSource = "Polling"
	SourceManualScan      DetectionSource = "ManualScan"
)

// FileEvent is a single candidate notification produced by the Watcher and
// carried through admission, the work queue, and the readiness gate.
type FileEvent struct {
	// FilePath is the absolute target path.
	FilePath string
	// EventType is one of EventCreated, EventChanged, EventDeleted.
	EventType EventKind
	// DetectionMethod records which half of the watcher produced this event.
	DetectionMethod DetectionSource
	// Timestamp is the UTC time the event was observed.
	Timestamp time.Time
}

// WatchProfile is the unit of configuration for one independent
// (directory → executable) engine instance. It is immutable once installed;
// replacing a profile means deleting it and adding a new one.
type WatchProfile struct {
	// Name is a unique, non-empty identifier for this profile.
	Name string `json:"Name" yaml:"Name"`

	// WatchDirectory is the absolute directory this profile monitors. It
	// must exist when the profile is installed, or the profile is logged as
	// an error and stays idle.
	WatchDirectory string `json:"WatchDirectory" yaml:"WatchDirectory"`

	// PollingIntervalSeconds is the rescan cadence; must be ≥ 1.
	PollingIntervalSeconds int `json:"PollingIntervalSeconds" yaml:"PollingIntervalSeconds"`

	// ExecutablePath is the child process to spawn for each admitted file.
	ExecutablePath string `json:"ExecutablePath" yaml:"ExecutablePath"`

	// Arguments is the argument template string. May embed {FilePath} and
	// {FolderPath}, which are substituted per-token after tokenization.
	Arguments string `json:"Arguments" yaml:"Arguments"`

	// IgnoreExtensions is the set of suffixes (dot optional, case
	// insensitive) that exclude a candidate from admission.
	IgnoreExtensions []string `json:"IgnoreExtensions" yaml:"IgnoreExtensions"`

	// MarkerFilePatterns is a sequence of "*.SUFFIX" patterns. When
	// non-empty, only files matching one of these patterns are admitted,
	// and the admitted target is the marker's basename with the suffix
	// stripped.
	MarkerFilePatterns []string `json:"MarkerFilePatterns" yaml:"MarkerFilePatterns"`

	// SizeCheckIntervalMs is the sampling interval for the size-stability
	// check. 0 disables the check.
	SizeCheckIntervalMs int `json:"SizeCheckIntervalMs" yaml:"SizeCheckIntervalMs"`

	// SizeStabilityCheckCount is the number of consecutive equal-size
	// samples required before a file is declared stable. 0 disables the
	// check.
	SizeStabilityCheckCount int `json:"SizeStabilityCheckCount" yaml:"SizeStabilityCheckCount"`

	// MaxConcurrentProcesses bounds the number of in-flight children for
	// this profile. 0 means unbounded.
	MaxConcurrentProcesses int `json:"MaxConcurrentProcesses" yaml:"MaxConcurrentProcesses"`
}

// CooldownHorizon returns the duration after a successful dispatch during
// which the same target path is suppressed from automatic re-admission:
// max(pollingInterval×2, 60s), per the source heuristic this engine carries
// forward unchanged.
func (p WatchProfile) CooldownHorizon() time.Duration {
	interval := time.Duration(p.PollingIntervalSeconds) * time.Second * 2
	if interval < 60*time.Second {
		return 60 * time.Second
	}
	return interval
}

// LogKind enumerates the taxonomy of entries the log sink accepts.
type LogKind string

const (
	LogFileEvent      LogKind = "FileEvent"
	LogProcessLaunch  LogKind = "ProcessLaunch"
	LogProcessError   LogKind = "ProcessError"
	LogWatcherError   LogKind = "WatcherError"
)

// LogEntry is one durable record appended to the log sink and optionally
// streamed to live subscribers.
type LogEntry struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Kind      LogKind        `json:"logType"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
}

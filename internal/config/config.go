// Package config loads and validates the FileBridge engine's JSON
// configuration document: a top-level Apps array of WatchProfile entries.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/filebridge/engine/internal/core"
)

const (
	defaultPollingIntervalSeconds = 30
	defaultLogRetentionDays       = 30
	defaultMaxLogsPerFile         = 10000
	defaultSizeCheckIntervalMs    = 100
	defaultSizeStabilityCount     = 2
	defaultLogDirectory           = "logs"
)

// Config is the top-level configuration document for the FileBridge
// engine.
type Config struct {
	// Apps is the list of watch profiles the engine should install.
	Apps []core.WatchProfile `json:"Apps"`

	// LogDirectory is the root directory the log sink writes its
	// date-partitioned JSON files into. Defaults to "logs".
	LogDirectory string `json:"LogDirectory"`

	// LogRetentionDays is the number of days a log file is kept before
	// the retention sweep deletes it. Defaults to 30.
	LogRetentionDays int `json:"LogRetentionDays"`

	// MaxLogsPerFile bounds the number of entries written to a single
	// date-partitioned log file before a new numbered file is opened.
	// Defaults to 10000.
	MaxLogsPerFile int `json:"MaxLogsPerFile"`
}

// LoadConfig reads the JSON document at path, unmarshals it into
// Config, applies defaults, and validates every profile. It returns a
// typed error describing every problem found, not just the first.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// applyDefaults fills in zero-value optional fields with sensible
// defaults, both at the document level and per WatchProfile. An explicit
// 0 in the document cannot be told apart from an absent field, so a
// configured SizeCheckIntervalMs or SizeStabilityCheckCount of 0 is also
// replaced by its default: the size-stability check cannot be disabled
// through the configuration file.
func applyDefaults(cfg *Config) {
	if cfg.LogDirectory == "" {
		cfg.LogDirectory = defaultLogDirectory
	}
	if cfg.LogRetentionDays == 0 {
		cfg.LogRetentionDays = defaultLogRetentionDays
	}
	if cfg.MaxLogsPerFile == 0 {
		cfg.MaxLogsPerFile = defaultMaxLogsPerFile
	}
	for i := range cfg.Apps {
		p := &cfg.Apps[i]
		if p.PollingIntervalSeconds == 0 {
			p.PollingIntervalSeconds = defaultPollingIntervalSeconds
		}
		if p.SizeCheckIntervalMs == 0 {
			p.SizeCheckIntervalMs = defaultSizeCheckIntervalMs
		}
		if p.SizeStabilityCheckCount == 0 {
			p.SizeStabilityCheckCount = defaultSizeStabilityCount
		}
	}
}

// validate checks that every profile has the fields spec §3 requires
// and that numeric fields fall within allowed bounds. It does not
// check WatchDirectory existence — a missing directory leaves a
// profile installed-but-idle per §3, it is not a configuration error.
func validate(cfg *Config) error {
	var errs []error

	seen := make(map[string]bool, len(cfg.Apps))
	for i, p := range cfg.Apps {
		prefix := fmt.Sprintf("Apps[%d]", i)

		if p.Name == "" {
			errs = append(errs, fmt.Errorf("%s: Name is required", prefix))
		} else if seen[p.Name] {
			errs = append(errs, fmt.Errorf("%s: Name %q is not unique", prefix, p.Name))
		} else {
			seen[p.Name] = true
		}

		if p.WatchDirectory == "" {
			errs = append(errs, fmt.Errorf("%s: WatchDirectory is required", prefix))
		}
		if p.ExecutablePath == "" {
			errs = append(errs, fmt.Errorf("%s: ExecutablePath is required", prefix))
		}
		if p.PollingIntervalSeconds < 1 {
			errs = append(errs, fmt.Errorf("%s: PollingIntervalSeconds must be >= 1, got %d", prefix, p.PollingIntervalSeconds))
		}
		if p.SizeCheckIntervalMs < 0 {
			errs = append(errs, fmt.Errorf("%s: SizeCheckIntervalMs must be >= 0, got %d", prefix, p.SizeCheckIntervalMs))
		}
		if p.SizeStabilityCheckCount < 0 {
			errs = append(errs, fmt.Errorf("%s: SizeStabilityCheckCount must be >= 0, got %d", prefix, p.SizeStabilityCheckCount))
		}
		if p.MaxConcurrentProcesses < 0 {
			errs = append(errs, fmt.Errorf("%s: MaxConcurrentProcesses must be >= 0, got %d", prefix, p.MaxConcurrentProcesses))
		}
	}

	return errors.Join(errs...)
}

package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

// ValidationResult splits validation problems into fatals, which must stop
// the command, and warnings, which were corrected in place.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

// HasFatals reports whether any fatal problem was found.
func (r ValidationResult) HasFatals() bool {
	return len(r.Fatals) > 0
}

// Validate checks the config, clamps out-of-range values, logs every problem
// as a warning, and returns all of them.
func (c *Config) Validate() []error {
	result := c.ValidateTiered()
	errs := append(append([]error(nil), result.Fatals...), result.Warnings...)
	for _, err := range errs {
		slog.Warn("config validation", "error", err)
	}
	return errs
}

// ValidateTiered checks the config and classifies each problem.
func (c *Config) ValidateTiered() ValidationResult {
	var r ValidationResult

	if c.TempDir != "" {
		info, err := os.Stat(c.TempDir)
		if err != nil {
			r.Fatals = append(r.Fatals, fmt.Errorf("temp_dir %q: %w", c.TempDir, err))
		} else if !info.IsDir() {
			r.Fatals = append(r.Fatals, fmt.Errorf("temp_dir %q is not a directory", c.TempDir))
		}
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error), using info", c.LogLevel))
		c.LogLevel = "info"
	}

	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_format %q is not valid (use text or json), using text", c.LogFormat))
		c.LogFormat = "text"
	}

	if c.ResolveWorkers < 1 {
		r.Warnings = append(r.Warnings, fmt.Errorf("resolve_workers %d is below minimum 1, clamping", c.ResolveWorkers))
		c.ResolveWorkers = 1
	} else if c.ResolveWorkers > 16 {
		r.Warnings = append(r.Warnings, fmt.Errorf("resolve_workers %d exceeds maximum 16, clamping", c.ResolveWorkers))
		c.ResolveWorkers = 16
	}

	if c.ResolveQueueSize < 1 {
		r.Warnings = append(r.Warnings, fmt.Errorf("resolve_queue_size %d is below minimum 1, clamping", c.ResolveQueueSize))
		c.ResolveQueueSize = 1
	} else if c.ResolveQueueSize > 1024 {
		r.Warnings = append(r.Warnings, fmt.Errorf("resolve_queue_size %d exceeds maximum 1024, clamping", c.ResolveQueueSize))
		c.ResolveQueueSize = 1024
	}

	if c.MinFreeDiskMB < 0 {
		r.Warnings = append(r.Warnings, fmt.Errorf("min_free_disk_mb %d is negative, clamping to 0", c.MinFreeDiskMB))
		c.MinFreeDiskMB = 0
	}

	if c.JournalPath != "" && c.LogFile != "" && c.JournalPath == c.LogFile {
		r.Fatals = append(r.Fatals, fmt.Errorf("journal_path and log_file must differ (%q)", c.JournalPath))
	}

	return r
}

package patching

import (
	"fmt"
	"os"

	"github.com/shirou/gopsutil/v3/disk"
)

// PreflightOptions configures the checks run before a database is patched.
type PreflightOptions struct {
	TempDir        string
	DatabaseSize   uint64 // bytes; the snapshot copy needs this much
	MinFreeBytes   uint64 // headroom beyond the snapshot
	CheckDiskSpace bool
}

// PreflightResult captures the outcome of all pre-flight checks.
type PreflightResult struct {
	OK     bool
	Checks []PreflightCheck
}

// PreflightCheck is one individual check result.
type PreflightCheck struct {
	Name    string
	Passed  bool
	Message string
}

type diskUsageFunc func(path string) (*disk.UsageStat, error)

// RunPreflight runs all enabled pre-flight checks and returns a combined result.
func RunPreflight(opts PreflightOptions) PreflightResult {
	return runPreflight(opts, disk.Usage)
}

func runPreflight(opts PreflightOptions, usage diskUsageFunc) PreflightResult {
	result := PreflightResult{OK: true}

	check := checkTempDir(opts.TempDir)
	result.Checks = append(result.Checks, check)
	if !check.Passed {
		result.OK = false
		return result
	}

	if opts.CheckDiskSpace {
		check := checkDiskSpace(usage, opts.TempDir, opts.DatabaseSize+opts.MinFreeBytes)
		result.Checks = append(result.Checks, check)
		if !check.Passed {
			result.OK = false
		}
	}

	return result
}

// FirstError returns the first failed check as an ErrPreflightFailed, or nil if all passed.
func (r PreflightResult) FirstError() error {
	for _, check := range r.Checks {
		if !check.Passed {
			return &ErrPreflightFailed{Check: check.Name, Message: check.Message}
		}
	}
	return nil
}

func checkTempDir(dir string) PreflightCheck {
	check := PreflightCheck{Name: "temp_dir"}

	info, err := os.Stat(dir)
	if err != nil {
		check.Message = fmt.Sprintf("temp directory unavailable: %v", err)
		return check
	}
	if !info.IsDir() {
		check.Message = fmt.Sprintf("%s is not a directory", dir)
		return check
	}

	check.Passed = true
	check.Message = dir
	return check
}

func checkDiskSpace(usage diskUsageFunc, dir string, required uint64) PreflightCheck {
	check := PreflightCheck{Name: "disk_space"}

	stat, err := usage(dir)
	if err != nil {
		check.Message = fmt.Sprintf("failed to check disk space on %s: %v", dir, err)
		return check
	}

	if stat.Free < required {
		check.Message = fmt.Sprintf("insufficient disk space on %s: %s free, %s required",
			dir, formatBytes(stat.Free), formatBytes(required))
		return check
	}

	check.Passed = true
	check.Message = fmt.Sprintf("%s free on %s", formatBytes(stat.Free), dir)
	return check
}

func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

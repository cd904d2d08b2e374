package patching

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/breeze-rmm/msipatch/internal/audit"
	"github.com/breeze-rmm/msipatch/internal/logging"
	"github.com/breeze-rmm/msipatch/internal/msi"
)

// IgnoreErrors is the default tolerance mask used when applying transforms.
const IgnoreErrors = msi.ErrorAddExistingRow | msi.ErrorAddExistingTable |
	msi.ErrorDelMissingRow | msi.ErrorDelMissingTable | msi.ErrorUpdateMissingRow

// Applicator applies the applicable patches in its catalog directly to a
// product database. Each transform is committed as soon as it applies; a
// later failure does not roll earlier transforms back.
type Applicator struct {
	db        *msi.Database
	sequencer *Sequencer

	tempDir   string
	minFree   uint64
	tolerance msi.TransformErrors
	journal   *audit.Logger
	log       *slog.Logger
	diskUsage diskUsageFunc

	stopped *TransformFault
}

// ApplicatorOption configures an Applicator.
type ApplicatorOption func(*Applicator)

// WithTempDir sets where the database snapshot and extracted transforms are written.
func WithTempDir(dir string) ApplicatorOption {
	return func(a *Applicator) { a.tempDir = dir }
}

// WithJournal records apply progress in journal.
func WithJournal(journal *audit.Logger) ApplicatorOption {
	return func(a *Applicator) { a.journal = journal }
}

// WithMinFreeBytes requires n bytes of free space in the temp directory beyond
// the size of the database snapshot.
func WithMinFreeBytes(n uint64) ApplicatorOption {
	return func(a *Applicator) { a.minFree = n }
}

// WithApplicatorLogger replaces the component logger.
func WithApplicatorLogger(logger *slog.Logger) ApplicatorOption {
	return func(a *Applicator) {
		if logger != nil {
			a.log = logger
		}
	}
}

// WithTolerance replaces IgnoreErrors as the set of suppressed transform faults.
func WithTolerance(mask msi.TransformErrors) ApplicatorOption {
	return func(a *Applicator) { a.tolerance = mask }
}

// NewApplicator returns an Applicator patching db, asking svc which patches apply.
func NewApplicator(db *msi.Database, svc ApplicabilityService, opts ...ApplicatorOption) (*Applicator, error) {
	if db == nil {
		return nil, &ArgumentError{Name: "db", Message: "must not be nil"}
	}

	a := &Applicator{
		db:        db,
		tempDir:   os.TempDir(),
		tolerance: IgnoreErrors,
		log:       log,
	}
	for _, opt := range opts {
		opt(a)
	}

	a.sequencer = NewSequencer(svc, msi.Inspector{}, WithLogger(a.log))
	a.sequencer.OnInapplicable(func(ev InapplicablePatch) {
		details := map[string]any{}
		if ev.Err != nil {
			details["error"] = ev.Err.Error()
		}
		a.journal.Log(audit.EventPatchInapplicable, ev.Patch, "", details)
	})
	return a, nil
}

// Add records path as a candidate if it is a patch package.
func (a *Applicator) Add(path string) (bool, error) {
	return a.sequencer.Add(path, true)
}

// OnInapplicable registers fn to receive candidates rejected during Apply.
func (a *Applicator) OnInapplicable(fn InapplicableFunc) {
	a.sequencer.OnInapplicable(fn)
}

// Apply resolves the catalog against a snapshot of the database and applies
// every valid, non-internal transform of each applicable patch in order,
// committing after each one.
//
// A transform fault outside the tolerance mask stops the run. With
// throwOnError it is returned as a *TransformFault; otherwise it is logged and
// journaled and Apply returns nil. Commit and structural failures are always
// returned.
func (a *Applicator) Apply(throwOnError bool) error {
	if a.db.Closed() || a.db.ReadOnly() {
		return &ArgumentError{Name: "db", Message: "database must be open for writing"}
	}
	start := time.Now()
	a.stopped = nil

	if err := a.preflight(); err != nil {
		return err
	}

	applicable, err := a.resolve()
	if err != nil {
		return err
	}

	a.log.Info("applying patches", "database", a.db.Path(), "patches", len(applicable))
	a.journal.Log(audit.EventApplyStarted, "", "", map[string]any{
		"database": a.db.Path(),
		"patches":  len(applicable),
	})

	committed := 0
	for _, entry := range applicable {
		n, err := a.applyPatch(entry)
		committed += n
		if err == nil {
			continue
		}

		var fault *TransformFault
		if !errors.As(err, &fault) {
			return err
		}
		a.journal.Log(audit.EventTransformFault, fault.Patch, fault.Transform, map[string]any{
			"error": fault.Err.Error(),
		})
		if throwOnError {
			return err
		}
		a.log.Error("transform failed, remaining patches skipped",
			"patch", fault.Patch,
			"transform", fault.Transform,
			"committed", committed,
			"error", fault.Err)
		a.journal.Log(audit.EventApplyCompleted, "", "", map[string]any{
			"committed": committed,
			"stopped":   true,
		})
		a.stopped = fault
		return nil
	}

	a.log.Info("patches applied",
		"database", a.db.Path(),
		"committed", committed,
		"durationMs", time.Since(start).Milliseconds())
	a.journal.Log(audit.EventApplyCompleted, "", "", map[string]any{
		"committed": committed,
	})
	return nil
}

// Stopped returns the fault that ended the last Apply early when it was
// called with throwOnError false, or nil if every applicable patch was applied.
func (a *Applicator) Stopped() *TransformFault {
	return a.stopped
}

func (a *Applicator) preflight() error {
	info, err := os.Stat(a.db.Path())
	if err != nil {
		return fmt.Errorf("stat database: %w", err)
	}

	opts := PreflightOptions{
		TempDir:        a.tempDir,
		DatabaseSize:   uint64(info.Size()),
		MinFreeBytes:   a.minFree,
		CheckDiskSpace: true,
	}

	var result PreflightResult
	if a.diskUsage != nil {
		result = runPreflight(opts, a.diskUsage)
	} else {
		result = RunPreflight(opts)
	}
	for _, check := range result.Checks {
		a.log.Debug("preflight check", "check", check.Name, "passed", check.Passed, "message", check.Message)
	}
	return result.FirstError()
}

// resolve copies the database to a private read-only snapshot, resolves the
// catalog against the snapshot's path, and removes the snapshot.
func (a *Applicator) resolve() ([]PatchSequence, error) {
	copyPath, err := a.snapshot()
	if err != nil {
		return nil, err
	}

	snapshot, err := msi.OpenDatabase(copyPath, msi.ModeReadOnly)
	if err != nil {
		tryDelete(a.log, copyPath)
		return nil, fmt.Errorf("open database snapshot: %w", err)
	}
	snapshot.DeleteOnClose(copyPath)
	defer func() {
		if err := snapshot.Close(); err != nil {
			a.log.Debug("database snapshot cleanup failed", "path", copyPath, "error", err)
		}
	}()

	return a.sequencer.GetApplicablePatches(snapshot.Path(), "", msi.ContextNone)
}

func (a *Applicator) snapshot() (string, error) {
	src, err := os.Open(a.db.Path())
	if err != nil {
		return "", fmt.Errorf("open database for snapshot: %w", err)
	}
	defer src.Close()

	dst, err := os.CreateTemp(a.tempDir, "msipatch-db-*.msi")
	if err != nil {
		return "", fmt.Errorf("create database snapshot: %w", err)
	}

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		tryDelete(a.log, dst.Name())
		return "", fmt.Errorf("copy database snapshot: %w", err)
	}
	if err := dst.Close(); err != nil {
		tryDelete(a.log, dst.Name())
		return "", fmt.Errorf("close database snapshot: %w", err)
	}
	return dst.Name(), nil
}

// applyPatch applies the valid transforms of one patch and returns how many
// were committed.
func (a *Applicator) applyPatch(entry PatchSequence) (int, error) {
	patch, err := msi.OpenPatch(entry.Patch)
	if err != nil {
		return 0, &StructuralError{Op: "open patch", Path: entry.Patch, Err: err}
	}
	defer patch.Close()

	logger := logging.WithPatch(a.log, entry.Patch)
	committed := 0
	for _, name := range patch.ValidTransforms(a.db) {
		if strings.HasPrefix(name, msi.InternalTransformPrefix) {
			continue
		}
		if err := a.applyTransform(patch, name); err != nil {
			return committed, err
		}
		committed++

		logger.Debug("transform committed", "transform", name, "sequence", entry.Sequence)
		a.journal.Log(audit.EventTransformCommitted, entry.Patch, name, map[string]any{
			"sequence": entry.Sequence,
		})
	}
	return committed, nil
}

func (a *Applicator) applyTransform(patch *msi.PatchPackage, name string) error {
	temp, err := os.CreateTemp(a.tempDir, "msipatch-*.mst")
	if err != nil {
		return fmt.Errorf("create transform file: %w", err)
	}
	tempPath := temp.Name()
	temp.Close()
	defer tryDelete(a.log, tempPath)

	if err := patch.ExtractTransform(name, tempPath); err != nil {
		return &StructuralError{Op: "extract transform", Path: patch.Path(), Err: err}
	}

	if err := a.db.ApplyTransform(tempPath, a.tolerance); err != nil {
		var te *msi.TransformError
		if errors.As(err, &te) {
			return &TransformFault{Patch: patch.Path(), Transform: name, Err: err}
		}
		return &StructuralError{Op: "apply transform", Path: patch.Path(), Err: err}
	}

	if err := a.db.Commit(); err != nil {
		return fmt.Errorf("commit transform %q from %s: %w", name, patch.Path(), err)
	}
	return nil
}

func tryDelete(logger *slog.Logger, path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Debug("temp file cleanup failed", "path", path, "error", err)
	}
}

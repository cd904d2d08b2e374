package patching

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/breeze-rmm/msipatch/internal/audit"
	"github.com/breeze-rmm/msipatch/internal/msi"
	"github.com/breeze-rmm/msipatch/internal/msi/msitest"
)

const (
	patchCode1 = "{0C000000-0000-0000-0000-000000000001}"
	patchCode2 = "{0C000000-0000-0000-0000-000000000002}"
)

// fixedOrder is an applicability service that accepts every candidate in the
// order given, regardless of catalog order.
type fixedOrder []string

func (f fixedOrder) DetermineApplicablePatches(string, []string, msi.RejectFunc, string, msi.UserContexts) ([]string, error) {
	return append([]string(nil), f...), nil
}

type applyFixture struct {
	dir     string
	tempDir string
	dbPath  string
	db      *msi.Database
}

func newApplyFixture(t *testing.T) *applyFixture {
	t.Helper()
	dir := t.TempDir()
	tempDir := filepath.Join(dir, "tmp")
	if err := os.Mkdir(tempDir, 0700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	dbPath := msitest.Database(t, dir, "product.msi", msitest.ProductCode, "1.0.0", map[string]*msi.Table{
		"Feature": {Columns: []string{"Feature", "Title"}, Keys: 1, Rows: [][]string{{"Main", "Main feature"}}},
	})
	db, err := msi.OpenDatabase(dbPath, msi.ModeTransact)
	if err != nil {
		t.Fatalf("OpenDatabase: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return &applyFixture{dir: dir, tempDir: tempDir, dbPath: dbPath, db: db}
}

func (f *applyFixture) applicator(t *testing.T, svc ApplicabilityService, opts ...ApplicatorOption) *Applicator {
	t.Helper()
	opts = append([]ApplicatorOption{WithTempDir(f.tempDir)}, opts...)
	a, err := NewApplicator(f.db, svc, opts...)
	if err != nil {
		t.Fatalf("NewApplicator: %v", err)
	}
	a.diskUsage = plentyOfDisk
	return a
}

func (f *applyFixture) committedRow(t *testing.T, table string, key ...string) ([]string, bool) {
	t.Helper()
	db, err := msi.OpenDatabase(f.dbPath, msi.ModeReadOnly)
	if err != nil {
		t.Fatalf("reopen database: %v", err)
	}
	defer db.Close()
	return db.Row(table, key...)
}

func plentyOfDisk(string) (*disk.UsageStat, error) {
	return &disk.UsageStat{Free: 1 << 40}, nil
}

func addShortcutTable() []msi.TransformOp {
	return []msi.TransformOp{
		{Op: msi.OpAddTable, Table: "Shortcut", Columns: []string{"Shortcut", "Target"}, Keys: 1},
		{Op: msi.OpAddRow, Table: "Shortcut", Row: []string{"Start", "Main"}},
	}
}

func addShortcutRow() []msi.TransformOp {
	return []msi.TransformOp{
		{Op: msi.OpAddRow, Table: "Shortcut", Row: []string{"Desktop", "Main"}},
	}
}

func TestNewApplicatorRequiresDatabase(t *testing.T) {
	_, err := NewApplicator(nil, fixedOrder(nil))
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("err = %v, want ErrInvalidArgument", err)
	}
}

func TestApplyRequiresWritableDatabase(t *testing.T) {
	f := newApplyFixture(t)
	ro, err := msi.OpenDatabase(f.dbPath, msi.ModeReadOnly)
	if err != nil {
		t.Fatalf("OpenDatabase: %v", err)
	}
	defer ro.Close()

	a, err := NewApplicator(ro, fixedOrder(nil))
	if err != nil {
		t.Fatalf("NewApplicator: %v", err)
	}
	if err := a.Apply(true); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("Apply on read-only db = %v, want ErrInvalidArgument", err)
	}

	f.db.Close()
	if err := f.applicator(t, fixedOrder(nil)).Apply(true); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("Apply on closed db = %v, want ErrInvalidArgument", err)
	}
}

func TestApplyCommitsAndSkipsInternalTransforms(t *testing.T) {
	f := newApplyFixture(t)
	patch := msitest.SimplePatch(t, f.dir, "p1.msp", patchCode1, msitest.ProductCode, addShortcutTable()...)

	a := f.applicator(t, msi.NewInstaller(nil))
	if added, err := a.Add(patch); err != nil || !added {
		t.Fatalf("Add = %v, %v", added, err)
	}

	// the internal transform targets a table that does not exist, so it
	// would fault if it were applied
	if err := a.Apply(true); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if a.Stopped() != nil {
		t.Fatalf("Stopped() = %v after a complete run", a.Stopped())
	}

	row, ok := f.committedRow(t, "Shortcut", "Start")
	if !ok {
		t.Fatal("transform was not committed")
	}
	if diff := cmp.Diff([]string{"Start", "Main"}, row); diff != "" {
		t.Fatalf("row mismatch (-want +got):\n%s", diff)
	}

	entries, err := os.ReadDir(f.tempDir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("temp files left behind: %v", entries)
	}
}

func TestApplyAddNonPatchIsIgnored(t *testing.T) {
	f := newApplyFixture(t)
	text := msitest.File(t, f.dir, "notes.txt", "not a patch")

	a := f.applicator(t, msi.NewInstaller(nil))
	added, err := a.Add(text)
	if err != nil || added {
		t.Fatalf("Add(text) = %v, %v; want false, nil", added, err)
	}
}

func TestApplyToleratesExistingRowWithAuthoredValue(t *testing.T) {
	f := newApplyFixture(t)
	patch := msitest.SimplePatch(t, f.dir, "p1.msp", patchCode1, msitest.ProductCode,
		msi.TransformOp{Op: msi.OpAddRow, Table: "Feature", Row: []string{"Main", "Patched title"}},
	)

	a := f.applicator(t, msi.NewInstaller(nil))
	if _, err := a.Add(patch); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := a.Apply(true); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	row, _ := f.committedRow(t, "Feature", "Main")
	if diff := cmp.Diff([]string{"Main", "Patched title"}, row); diff != "" {
		t.Fatalf("row mismatch (-want +got):\n%s", diff)
	}
}

func TestApplyOrderMatters(t *testing.T) {
	t.Run("table before rows", func(t *testing.T) {
		f := newApplyFixture(t)
		p1 := msitest.SimplePatch(t, f.dir, "p1.msp", patchCode1, msitest.ProductCode, addShortcutTable()...)
		p2 := msitest.SimplePatch(t, f.dir, "p2.msp", patchCode2, msitest.ProductCode, addShortcutRow()...)

		a := f.applicator(t, fixedOrder{p1, p2})
		a.Add(p1)
		a.Add(p2)
		if err := a.Apply(true); err != nil {
			t.Fatalf("Apply: %v", err)
		}
		if _, ok := f.committedRow(t, "Shortcut", "Desktop"); !ok {
			t.Fatal("second patch not committed")
		}
	})

	t.Run("rows before table", func(t *testing.T) {
		f := newApplyFixture(t)
		p1 := msitest.SimplePatch(t, f.dir, "p1.msp", patchCode1, msitest.ProductCode, addShortcutTable()...)
		p2 := msitest.SimplePatch(t, f.dir, "p2.msp", patchCode2, msitest.ProductCode, addShortcutRow()...)

		a := f.applicator(t, fixedOrder{p2, p1})
		a.Add(p1)
		a.Add(p2)
		err := a.Apply(true)

		var fault *TransformFault
		if !errors.As(err, &fault) {
			t.Fatalf("Apply = %v, want TransformFault", err)
		}
		if fault.Patch != p2 || fault.Transform != "RTM.1" {
			t.Fatalf("fault = %+v", fault)
		}
		var te *msi.TransformError
		if !errors.As(err, &te) || te.Kind != msi.ErrorTableMissing {
			t.Fatalf("expected TableMissing transform error, got %v", err)
		}
		if _, ok := f.committedRow(t, "Shortcut", "Start"); ok {
			t.Fatal("patch after the fault was applied")
		}
	})
}

func TestApplyWithoutThrowStopsAndJournals(t *testing.T) {
	f := newApplyFixture(t)
	p1 := msitest.SimplePatch(t, f.dir, "p1.msp", patchCode1, msitest.ProductCode,
		msi.TransformOp{Op: msi.OpAddRow, Table: "Feature", Row: []string{"Extra", "Extra"}},
	)
	p2 := msitest.SimplePatch(t, f.dir, "p2.msp", patchCode2, msitest.ProductCode, addShortcutRow()...)

	journal, err := audit.NewLogger(filepath.Join(f.dir, "journal.jsonl"))
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	a := f.applicator(t, fixedOrder{p1, p2}, WithJournal(journal))
	a.Add(p1)
	a.Add(p2)

	if err := a.Apply(false); err != nil {
		t.Fatalf("Apply(false) = %v, want nil", err)
	}
	journal.Close()

	if fault := a.Stopped(); fault == nil || fault.Patch != p2 {
		t.Fatalf("Stopped() = %v, want fault in %s", fault, p2)
	}

	if _, ok := f.committedRow(t, "Feature", "Extra"); !ok {
		t.Fatal("transform committed before the fault was rolled back")
	}

	entries, err := audit.ReadEntries(journal.Path())
	if err != nil {
		t.Fatalf("ReadEntries: %v", err)
	}
	var events []string
	for _, e := range entries {
		events = append(events, e.EventType)
	}
	want := []string{
		audit.EventApplyStarted,
		audit.EventTransformCommitted,
		audit.EventTransformFault,
		audit.EventApplyCompleted,
	}
	if diff := cmp.Diff(want, events); diff != "" {
		t.Fatalf("journal events mismatch (-want +got):\n%s", diff)
	}
	if entries[2].Patch != p2 || entries[2].Transform != "RTM.1" {
		t.Fatalf("fault entry = %+v", entries[2])
	}
	if _, err := audit.Verify(journal.Path()); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestApplyReportsInapplicablePatches(t *testing.T) {
	f := newApplyFixture(t)
	good := msitest.SimplePatch(t, f.dir, "good.msp", patchCode1, msitest.ProductCode, addShortcutTable()...)
	other := msitest.SimplePatch(t, f.dir, "other.msp", patchCode2, msitest.OtherProductCode, addShortcutTable()...)

	a := f.applicator(t, msi.NewInstaller(nil))
	var rejected []InapplicablePatch
	a.OnInapplicable(func(ev InapplicablePatch) { rejected = append(rejected, ev) })
	a.Add(good)
	a.Add(other)

	if err := a.Apply(true); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if len(rejected) != 1 || rejected[0].Patch != other {
		t.Fatalf("rejected = %+v", rejected)
	}
	if !errors.Is(rejected[0].Err, msi.ErrNotApplicable) {
		t.Fatalf("rejection reason = %v", rejected[0].Err)
	}
	if filepath.Dir(rejected[0].Product) != f.tempDir {
		t.Fatalf("resolution ran against %s, want a snapshot in %s", rejected[0].Product, f.tempDir)
	}
}

func TestApplyStructuralFailure(t *testing.T) {
	tests := []struct {
		name  string
		write func(t *testing.T, dir string) string
	}{
		{"unreadable package", func(t *testing.T, dir string) string {
			return msitest.File(t, dir, "bogus.msp", "not a patch")
		}},
		{"corrupt transform stream", func(t *testing.T, dir string) string {
			path := filepath.Join(dir, "corrupt.msp")
			m := msi.Manifest{
				PatchCode:  patchCode1,
				Targets:    []string{msitest.ProductCode},
				Transforms: []msi.TransformEntry{{Name: "RTM.1"}},
			}
			if err := msi.WritePatch(path, m, map[string][]byte{"RTM.1": []byte("ops: [unterminated")}); err != nil {
				t.Fatalf("WritePatch: %v", err)
			}
			return path
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newApplyFixture(t)
			bogus := tt.write(t, f.dir)

			a := f.applicator(t, fixedOrder{bogus})
			err := a.Apply(false)

			var se *StructuralError
			if !errors.As(err, &se) || se.Path != bogus {
				t.Fatalf("Apply = %v, want StructuralError for %s", err, bogus)
			}

			entries, err := os.ReadDir(f.tempDir)
			if err != nil {
				t.Fatalf("ReadDir: %v", err)
			}
			if len(entries) != 0 {
				t.Fatalf("temp files left behind: %v", entries)
			}
		})
	}
}

func TestApplyPreflightFailure(t *testing.T) {
	f := newApplyFixture(t)
	a := f.applicator(t, fixedOrder(nil), WithMinFreeBytes(1<<20))
	a.diskUsage = func(string) (*disk.UsageStat, error) {
		return &disk.UsageStat{Free: 1024}, nil
	}

	err := a.Apply(true)
	var pf *ErrPreflightFailed
	if !errors.As(err, &pf) || pf.Check != "disk_space" {
		t.Fatalf("Apply = %v, want disk_space preflight failure", err)
	}
}

func TestApplyWithToleranceOption(t *testing.T) {
	f := newApplyFixture(t)
	patch := msitest.SimplePatch(t, f.dir, "p1.msp", patchCode1, msitest.ProductCode,
		msi.TransformOp{Op: msi.OpAddRow, Table: "Feature", Row: []string{"Main", "Patched title"}},
	)

	a := f.applicator(t, fixedOrder{patch}, WithTolerance(0))
	a.Add(patch)

	var fault *TransformFault
	if err := a.Apply(true); !errors.As(err, &fault) {
		t.Fatalf("Apply with empty mask = %v, want TransformFault", err)
	}
}

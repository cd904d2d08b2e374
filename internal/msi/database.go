package msi

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/breeze-rmm/msipatch/internal/logging"
)

var log = logging.L("msi")

// OpenMode controls whether a database may be committed.
type OpenMode int

const (
	ModeReadOnly OpenMode = iota
	ModeTransact
)

var (
	ErrReadOnly = errors.New("database is open read-only")
	ErrClosed   = errors.New("database is closed")
)

// Table is a keyed set of rows. The first Keys columns form the primary key.
type Table struct {
	Columns []string   `yaml:"columns"`
	Keys    int        `yaml:"keys"`
	Rows    [][]string `yaml:"rows,omitempty"`
}

type databaseFile struct {
	Tables map[string]*Table `yaml:"tables"`
}

// Database is an installation database loaded in memory. Changes made by
// ApplyTransform are staged until Commit writes them back to the file.
type Database struct {
	path          string
	mode          OpenMode
	tables        map[string]*Table
	deleteOnClose []string
	closed        bool
}

// OpenDatabase loads the database at path.
func OpenDatabase(path string, mode OpenMode) (*Database, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}

	var f databaseFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse database %s: %w", path, err)
	}
	if f.Tables == nil {
		return nil, fmt.Errorf("parse database %s: no tables", path)
	}
	for name, t := range f.Tables {
		if t == nil {
			return nil, fmt.Errorf("parse database %s: table %s: empty definition", path, name)
		}
		if err := t.validate(); err != nil {
			return nil, fmt.Errorf("parse database %s: table %s: %w", path, name, err)
		}
	}

	return &Database{path: path, mode: mode, tables: f.Tables}, nil
}

// WriteDatabase writes tables to path, keeping the permissions of any file
// it replaces.
func WriteDatabase(path string, tables map[string]*Table) error {
	data, err := yaml.Marshal(databaseFile{Tables: tables})
	if err != nil {
		return fmt.Errorf("encode database: %w", err)
	}

	// Write then rename so a reader never sees a half-written file.
	tmp, err := os.CreateTemp(filepath.Dir(path), ".msipatch-db-*")
	if err != nil {
		return fmt.Errorf("create database temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	mode := os.FileMode(0644)
	if fi, err := os.Stat(path); err == nil {
		mode = fi.Mode().Perm()
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod database temp file: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write database: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync database: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close database temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace database: %w", err)
	}
	return nil
}

// Path returns the file backing the database.
func (d *Database) Path() string { return d.path }

// ReadOnly reports whether Commit is disallowed.
func (d *Database) ReadOnly() bool { return d.mode == ModeReadOnly }

// Closed reports whether Close has been called.
func (d *Database) Closed() bool { return d.closed }

// Property returns a value from the Property table, or "" when absent.
func (d *Database) Property(name string) string {
	t, ok := d.tables["Property"]
	if !ok || len(t.Columns) < 2 {
		return ""
	}
	if i := t.find([]string{name}); i >= 0 {
		return t.Rows[i][1]
	}
	return ""
}

// ProductCode returns the ProductCode property.
func (d *Database) ProductCode() string { return d.Property("ProductCode") }

// ProductVersion returns the ProductVersion property.
func (d *Database) ProductVersion() string { return d.Property("ProductVersion") }

// TableNames returns the table names in sorted order.
func (d *Database) TableNames() []string {
	names := make([]string, 0, len(d.tables))
	for name := range d.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Table returns a copy of the named table.
func (d *Database) Table(name string) (Table, bool) {
	t, ok := d.tables[name]
	if !ok {
		return Table{}, false
	}
	return *t.clone(), true
}

// Row returns the row of table whose primary key equals key.
func (d *Database) Row(table string, key ...string) ([]string, bool) {
	t, ok := d.tables[table]
	if !ok {
		return nil, false
	}
	i := t.find(key)
	if i < 0 {
		return nil, false
	}
	return append([]string(nil), t.Rows[i]...), true
}

// ApplyTransform stages the transform file at path. Faults whose kind is in
// mask are suppressed. A transform is applied entirely or not at all.
func (d *Database) ApplyTransform(path string, mask TransformErrors) error {
	if d.closed {
		return ErrClosed
	}

	t, err := LoadTransform(path)
	if err != nil {
		return err
	}

	tables, err := t.apply(d.tables, mask)
	if err != nil {
		return err
	}
	d.tables = tables
	return nil
}

// Commit writes staged changes back to the database file.
func (d *Database) Commit() error {
	if d.closed {
		return ErrClosed
	}
	if d.mode == ModeReadOnly {
		return ErrReadOnly
	}
	return WriteDatabase(d.path, d.tables)
}

// DeleteOnClose schedules path for removal when the database is closed.
func (d *Database) DeleteOnClose(path string) {
	d.deleteOnClose = append(d.deleteOnClose, path)
}

// Close releases the database and removes any files scheduled by DeleteOnClose.
// Uncommitted changes are discarded.
func (d *Database) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	d.tables = nil

	var errs []error
	for _, path := range d.deleteOnClose {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	d.deleteOnClose = nil
	return errors.Join(errs...)
}

func (t *Table) validate() error {
	if len(t.Columns) == 0 {
		return errors.New("no columns")
	}
	if t.Keys < 1 || t.Keys > len(t.Columns) {
		return fmt.Errorf("key count %d out of range", t.Keys)
	}
	for i, row := range t.Rows {
		if len(row) != len(t.Columns) {
			return fmt.Errorf("row %d has %d fields, want %d", i, len(row), len(t.Columns))
		}
	}
	return nil
}

func (t *Table) find(key []string) int {
	if len(key) != t.Keys {
		return -1
	}
	for i, row := range t.Rows {
		match := true
		for k := 0; k < t.Keys; k++ {
			if row[k] != key[k] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

func (t *Table) clone() *Table {
	c := &Table{
		Columns: append([]string(nil), t.Columns...),
		Keys:    t.Keys,
		Rows:    make([][]string, len(t.Rows)),
	}
	for i, row := range t.Rows {
		c.Rows[i] = append([]string(nil), row...)
	}
	return c
}

func sameColumns(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

package msi

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// TransformErrors identifies the faults a transform can raise while being
// applied. The first five kinds may be suppressed through a mask; the rest are
// always reported.
type TransformErrors int

const (
	ErrorAddExistingRow TransformErrors = 1 << iota
	ErrorDelMissingRow
	ErrorAddExistingTable
	ErrorDelMissingTable
	ErrorUpdateMissingRow

	ErrorTableMissing TransformErrors = 1 << (iota + 3)
	ErrorColumnMismatch
	ErrorBadOperation
)

// Maskable is every fault kind that a mask can suppress.
const Maskable = ErrorAddExistingRow | ErrorDelMissingRow | ErrorAddExistingTable |
	ErrorDelMissingTable | ErrorUpdateMissingRow

var transformErrorNames = []struct {
	kind TransformErrors
	name string
}{
	{ErrorAddExistingRow, "AddExistingRow"},
	{ErrorDelMissingRow, "DelMissingRow"},
	{ErrorAddExistingTable, "AddExistingTable"},
	{ErrorDelMissingTable, "DelMissingTable"},
	{ErrorUpdateMissingRow, "UpdateMissingRow"},
	{ErrorTableMissing, "TableMissing"},
	{ErrorColumnMismatch, "ColumnMismatch"},
	{ErrorBadOperation, "BadOperation"},
}

func (e TransformErrors) String() string {
	if e == 0 {
		return "None"
	}
	var parts []string
	for _, n := range transformErrorNames {
		if e&n.kind != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// Transform operation names.
const (
	OpAddTable  = "addTable"
	OpDropTable = "dropTable"
	OpAddRow    = "addRow"
	OpDeleteRow = "deleteRow"
	OpUpdateRow = "updateRow"
)

// TransformOp is one schema or data change.
type TransformOp struct {
	Op      string   `yaml:"op"`
	Table   string   `yaml:"table"`
	Columns []string `yaml:"columns,omitempty"`
	Keys    int      `yaml:"keys,omitempty"`
	Row     []string `yaml:"row,omitempty"`
	Key     []string `yaml:"key,omitempty"`
}

// Transform is an ordered list of changes to a database.
type Transform struct {
	Ops []TransformOp `yaml:"ops"`
}

// TransformError is a fault raised by a transform operation.
type TransformError struct {
	Kind  TransformErrors
	Index int
	Op    string
	Table string
	Key   []string
}

func (e *TransformError) Error() string {
	if len(e.Key) > 0 {
		return fmt.Sprintf("transform op %d (%s %s [%s]): %s", e.Index, e.Op, e.Table, strings.Join(e.Key, ", "), e.Kind)
	}
	return fmt.Sprintf("transform op %d (%s %s): %s", e.Index, e.Op, e.Table, e.Kind)
}

// LoadTransform reads a transform file.
func LoadTransform(path string) (*Transform, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open transform %s: %w", path, err)
	}
	return DecodeTransform(data)
}

// DecodeTransform parses a transform stream.
func DecodeTransform(data []byte) (*Transform, error) {
	var t Transform
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse transform: %w", err)
	}
	return &t, nil
}

// EncodeTransform serializes ops as a transform stream.
func EncodeTransform(ops ...TransformOp) ([]byte, error) {
	return yaml.Marshal(Transform{Ops: ops})
}

// apply runs every op against a copy of tables and returns the copy. The
// original map is untouched when a fault is returned.
func (t *Transform) apply(tables map[string]*Table, mask TransformErrors) (map[string]*Table, error) {
	mask &= Maskable

	out := make(map[string]*Table, len(tables))
	for name, table := range tables {
		out[name] = table.clone()
	}

	for i, op := range t.Ops {
		fault := func(kind TransformErrors, key []string) error {
			return &TransformError{Kind: kind, Index: i, Op: op.Op, Table: op.Table, Key: key}
		}

		if op.Table == "" {
			return nil, fault(ErrorBadOperation, nil)
		}

		switch op.Op {
		case OpAddTable:
			nt := &Table{Columns: append([]string(nil), op.Columns...), Keys: op.Keys}
			if err := nt.validate(); err != nil {
				return nil, fault(ErrorBadOperation, nil)
			}
			if existing, ok := out[op.Table]; ok {
				if !sameColumns(existing.Columns, nt.Columns) || existing.Keys != nt.Keys {
					return nil, fault(ErrorColumnMismatch, nil)
				}
				if mask&ErrorAddExistingTable == 0 {
					return nil, fault(ErrorAddExistingTable, nil)
				}
				continue
			}
			out[op.Table] = nt

		case OpDropTable:
			if _, ok := out[op.Table]; !ok {
				if mask&ErrorDelMissingTable == 0 {
					return nil, fault(ErrorDelMissingTable, nil)
				}
				continue
			}
			delete(out, op.Table)

		case OpAddRow:
			table, ok := out[op.Table]
			if !ok {
				return nil, fault(ErrorTableMissing, nil)
			}
			if len(op.Row) != len(table.Columns) {
				return nil, fault(ErrorColumnMismatch, nil)
			}
			key := op.Row[:table.Keys]
			row := append([]string(nil), op.Row...)
			if idx := table.find(key); idx >= 0 {
				if mask&ErrorAddExistingRow == 0 {
					return nil, fault(ErrorAddExistingRow, key)
				}
				// The authored values win over the existing row.
				table.Rows[idx] = row
				continue
			}
			table.Rows = append(table.Rows, row)

		case OpDeleteRow:
			table, ok := out[op.Table]
			if !ok {
				return nil, fault(ErrorTableMissing, op.Key)
			}
			if len(op.Key) != table.Keys {
				return nil, fault(ErrorColumnMismatch, op.Key)
			}
			idx := table.find(op.Key)
			if idx < 0 {
				if mask&ErrorDelMissingRow == 0 {
					return nil, fault(ErrorDelMissingRow, op.Key)
				}
				continue
			}
			table.Rows = append(table.Rows[:idx], table.Rows[idx+1:]...)

		case OpUpdateRow:
			table, ok := out[op.Table]
			if !ok {
				return nil, fault(ErrorTableMissing, nil)
			}
			if len(op.Row) != len(table.Columns) {
				return nil, fault(ErrorColumnMismatch, nil)
			}
			key := op.Row[:table.Keys]
			idx := table.find(key)
			if idx < 0 {
				if mask&ErrorUpdateMissingRow == 0 {
					return nil, fault(ErrorUpdateMissingRow, key)
				}
				continue
			}
			table.Rows[idx] = append([]string(nil), op.Row...)

		default:
			return nil, fault(ErrorBadOperation, nil)
		}
	}

	return out, nil
}

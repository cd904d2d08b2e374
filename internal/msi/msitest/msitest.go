// Package msitest writes databases, patches and patch descriptions for tests.
package msitest

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/breeze-rmm/msipatch/internal/msi"
)

// Product codes used across tests.
const (
	ProductCode      = "{11111111-2222-3333-4444-555555555555}"
	OtherProductCode = "{AAAAAAAA-BBBB-CCCC-DDDD-EEEEEEEEEEEE}"
)

// Database writes a product database at dir/name with a Property table holding
// productCode and version, plus any extra tables.
func Database(t testing.TB, dir, name, productCode, version string, tables map[string]*msi.Table) string {
	t.Helper()

	all := map[string]*msi.Table{
		"Property": {
			Columns: []string{"Property", "Value"},
			Keys:    1,
			Rows: [][]string{
				{"ProductCode", productCode},
				{"ProductVersion", version},
			},
		},
	}
	for tname, table := range tables {
		all[tname] = table
	}

	path := filepath.Join(dir, name)
	if err := msi.WriteDatabase(path, all); err != nil {
		t.Fatalf("write database: %v", err)
	}
	return path
}

// Patch writes a patch package at dir/name. Each transform in transforms is
// encoded into a stream; m.Transforms is filled in from the map keys in sorted
// order when left empty.
func Patch(t testing.TB, dir, name string, m msi.Manifest, transforms map[string][]msi.TransformOp) string {
	t.Helper()

	streams := make(map[string][]byte, len(transforms))
	for tname, ops := range transforms {
		data, err := msi.EncodeTransform(ops...)
		if err != nil {
			t.Fatalf("encode transform %s: %v", tname, err)
		}
		streams[tname] = data
	}

	if len(m.Transforms) == 0 {
		for _, tname := range sortedKeys(transforms) {
			m.Transforms = append(m.Transforms, msi.TransformEntry{Name: tname})
		}
	}

	path := filepath.Join(dir, name)
	if err := msi.WritePatch(path, m, streams); err != nil {
		t.Fatalf("write patch: %v", err)
	}
	return path
}

// SimplePatch writes a patch targeting productCode with one authored
// transform "RTM.1" holding ops and a patch-internal "#RTM.1" transform whose
// changes must never reach the database.
func SimplePatch(t testing.TB, dir, name, patchCode, productCode string, ops ...msi.TransformOp) string {
	t.Helper()

	m := msi.Manifest{
		PatchCode: patchCode,
		Targets:   []string{productCode},
		Transforms: []msi.TransformEntry{
			{Name: "RTM.1"},
			{Name: "#RTM.1"},
		},
	}
	return Patch(t, dir, name, m, map[string][]msi.TransformOp{
		"RTM.1": ops,
		"#RTM.1": {
			{Op: msi.OpAddRow, Table: "MsiPatchInternal", Row: []string{patchCode}},
		},
	})
}

// PatchXML writes a patch description document at dir/name.
func PatchXML(t testing.TB, dir, name, patchCode string, targets []string, family, sequence string, obsoletes ...string) string {
	t.Helper()

	var b strings.Builder
	fmt.Fprintf(&b, "<?xml version=\"1.0\" encoding=\"utf-8\"?>\n")
	fmt.Fprintf(&b, "<MsiPatch xmlns=%q SchemaVersion=\"1.0.0.0\" PatchGUID=%q>\n", msi.PatchApplicabilityNamespace, patchCode)
	for _, target := range targets {
		fmt.Fprintf(&b, "  <TargetProductCode Validate=\"true\">%s</TargetProductCode>\n", target)
	}
	for _, code := range obsoletes {
		fmt.Fprintf(&b, "  <ObsoletedPatch>%s</ObsoletedPatch>\n", code)
	}
	if sequence != "" {
		fmt.Fprintf(&b, "  <SequenceData>\n    <PatchFamily>%s</PatchFamily>\n    <Sequence>%s</Sequence>\n  </SequenceData>\n", family, sequence)
	}
	b.WriteString("</MsiPatch>\n")

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		t.Fatalf("write patch xml: %v", err)
	}
	return path
}

// File writes arbitrary content at dir/name.
func File(t testing.TB, dir, name, content string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	return path
}

func sortedKeys(m map[string][]msi.TransformOp) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

package patching

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"golang.org/x/text/cases"

	"github.com/breeze-rmm/msipatch/internal/logging"
)

var log = logging.L("patching")

// Catalog is the insertion-ordered set of candidate patch paths, compared
// case-insensitively, together with the union of the product codes those
// candidates declare they target.
type Catalog struct {
	inspector PatchInspector
	fold      cases.Caser

	patches []string
	index   map[string]struct{}

	targets     []string
	targetIndex map[string]struct{}
}

// NewCatalog returns an empty catalog that inspects candidates with inspector.
func NewCatalog(inspector PatchInspector) *Catalog {
	return &Catalog{
		inspector:   inspector,
		fold:        cases.Fold(),
		index:       make(map[string]struct{}),
		targetIndex: make(map[string]struct{}),
	}
}

// Add records path as a candidate. It returns false without error when
// validatePatch is set and path is not a patch package; a path already in the
// catalog is reported as added and left in its original position.
func (c *Catalog) Add(path string, validatePatch bool) (bool, error) {
	if path == "" {
		return false, &ArgumentError{Name: "path", Message: "must not be empty"}
	}

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, &NotFoundError{Path: path, Err: err}
		}
		return false, fmt.Errorf("stat %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return false, &NotFoundError{Path: path}
	}

	isPatch := c.inspector.IsPatch(path)
	if validatePatch && !isPatch {
		log.Debug("skipping file that is not a patch package", "patch", path)
		return false, nil
	}

	key := c.fold.String(path)
	if _, ok := c.index[key]; ok {
		return true, nil
	}
	c.index[key] = struct{}{}
	c.patches = append(c.patches, path)

	c.addTargets(path, isPatch)
	return true, nil
}

func (c *Catalog) addTargets(path string, isPatch bool) {
	var (
		targets []string
		err     error
	)
	if isPatch {
		targets, err = c.inspector.PatchTargets(path)
	} else {
		targets, err = c.inspector.DescriptionTargets(path)
	}
	if err != nil {
		log.Debug("no target product codes read from candidate", "patch", path, "error", err)
		return
	}

	for _, code := range targets {
		code = strings.TrimSpace(code)
		if code == "" {
			continue
		}
		key := c.fold.String(code)
		if _, ok := c.targetIndex[key]; ok {
			continue
		}
		c.targetIndex[key] = struct{}{}
		c.targets = append(c.targets, code)
	}
}

// Patches returns a copy of the candidate paths in insertion order.
func (c *Catalog) Patches() []string {
	return append([]string(nil), c.patches...)
}

// TargetProductCodes returns a copy of every product code targeted by a
// candidate, in the order first seen.
func (c *Catalog) TargetProductCodes() []string {
	return append([]string(nil), c.targets...)
}

// Len returns the number of candidates.
func (c *Catalog) Len() int { return len(c.patches) }

package msi

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
)

var (
	ErrNotApplicable  = errors.New("patch is not applicable")
	ErrUnknownProduct = errors.New("product is not installed")
	ErrInvalidContext = errors.New("user context is not valid for a package path")
)

// RejectFunc receives each candidate patch that is not applicable, with the reason.
type RejectFunc func(patch string, err error)

// NotApplicableError explains why a patch was rejected for a product.
type NotApplicableError struct {
	Product string
	Reason  string
}

func (e *NotApplicableError) Error() string {
	return fmt.Sprintf("patch is not applicable to %s: %s", e.Product, e.Reason)
}

func (e *NotApplicableError) Is(target error) bool { return target == ErrNotApplicable }

// Installer determines which patches apply to a product and in what order.
// Installed products are looked up in Registry; package paths are opened
// directly.
type Installer struct {
	Registry *Registry
}

// NewInstaller returns an Installer resolving product codes through registry.
func NewInstaller(registry *Registry) *Installer {
	return &Installer{Registry: registry}
}

type candidate struct {
	path     string
	index    int
	code     string
	family   string
	sequence *semver.Version

	targets       []string
	targetVersion string
	obsoletes     []string

	// per-product constraints from patch descriptions, keyed by normalized code
	targetVersions map[string]string
}

// DetermineApplicablePatches filters patches down to those applicable to
// product and returns them in application order. onRejected is called once for
// every other candidate before returning. product is either a product code of
// an installed product or the path of a product database; for a path, context
// must be ContextNone. The returned slice is never nil.
func (i *Installer) DetermineApplicablePatches(product string, patches []string, onRejected RejectFunc, userSID string, context UserContexts) ([]string, error) {
	if onRejected == nil {
		onRejected = func(string, error) {}
	}

	dbPath, err := i.resolveTarget(product, userSID, context)
	if err != nil {
		return nil, err
	}

	db, err := OpenDatabase(dbPath, ModeReadOnly)
	if err != nil {
		return nil, err
	}
	productCode := db.ProductCode()
	productVersion := db.ProductVersion()
	db.Close()

	if productCode == "" {
		return nil, fmt.Errorf("database %s has no ProductCode property", dbPath)
	}

	var accepted []*candidate
	for idx, path := range patches {
		c, err := loadCandidate(path, idx)
		if err != nil {
			onRejected(path, err)
			continue
		}

		if err := c.check(productCode, productVersion); err != nil {
			onRejected(path, err)
			continue
		}

		if dup := findCode(accepted, c.code); dup != nil {
			onRejected(path, &NotApplicableError{Product: productCode, Reason: fmt.Sprintf("duplicate of patch %s", dup.path)})
			continue
		}

		accepted = append(accepted, c)
	}

	applicable := make([]*candidate, 0, len(accepted))
	for _, c := range accepted {
		if by := obsoletedBy(accepted, c); by != nil {
			onRejected(c.path, &NotApplicableError{Product: productCode, Reason: fmt.Sprintf("obsoleted by patch %s", by.code)})
			continue
		}
		applicable = append(applicable, c)
	}

	sort.SliceStable(applicable, func(a, b int) bool {
		return applicable[a].before(applicable[b])
	})

	out := make([]string, 0, len(applicable))
	for _, c := range applicable {
		out = append(out, c.path)
	}

	log.Debug("patch applicability determined",
		"product", productCode,
		"candidates", len(patches),
		"applicable", len(out))
	return out, nil
}

func (i *Installer) resolveTarget(product, userSID string, context UserContexts) (string, error) {
	if !IsProductCode(product) {
		if context != ContextNone {
			return "", fmt.Errorf("%w: %s", ErrInvalidContext, context)
		}
		return product, nil
	}

	installs := i.Registry.Products(product, userSID, context)
	if len(installs) == 0 {
		return "", fmt.Errorf("%w: %s", ErrUnknownProduct, product)
	}
	return installs[0].LocalPackage, nil
}

func loadCandidate(path string, index int) (*candidate, error) {
	ft, err := DetectFileType(path)
	if err != nil {
		return nil, err
	}

	c := &candidate{path: path, index: index}
	var sequence string

	switch ft {
	case FileTypePatch:
		m, err := ReadManifest(path)
		if err != nil {
			return nil, err
		}
		c.code = m.PatchCode
		c.family = m.Family
		c.targets = m.Targets
		c.targetVersion = m.TargetVersion
		c.obsoletes = m.Obsoletes
		sequence = m.Sequence

	case FileTypePatchXML:
		f, err := openXML(path)
		if err != nil {
			return nil, err
		}
		c.code = f.PatchGUID
		c.targets = f.TargetProductCodes
		for _, tp := range f.TargetProducts {
			if tp.TargetProductCode == "" {
				continue
			}
			c.targets = append(c.targets, tp.TargetProductCode)
			constraint, err := tp.TargetVersion.Constraint()
			if err != nil {
				return nil, fmt.Errorf("%s: target %s: %w", path, tp.TargetProductCode, err)
			}
			if constraint != "" {
				if c.targetVersions == nil {
					c.targetVersions = make(map[string]string)
				}
				c.targetVersions[NormalizeProductCode(tp.TargetProductCode)] = constraint
			}
		}
		c.obsoletes = f.ObsoletedPatches
		if len(f.SequenceData) > 0 {
			c.family = f.SequenceData[0].PatchFamily
			sequence = f.SequenceData[0].Sequence
		}

	default:
		return nil, fmt.Errorf("%s is a %s, not a patch or patch description", path, ft)
	}

	if sequence != "" {
		v, err := semver.NewVersion(sequence)
		if err != nil {
			log.Debug("ignoring unparsable patch sequence", "patch", path, "sequence", sequence, "error", err)
		} else {
			c.sequence = v
		}
	}
	return c, nil
}

func (c *candidate) check(productCode, productVersion string) error {
	if !containsCode(c.targets, productCode) {
		return &NotApplicableError{Product: productCode, Reason: "product is not a declared target"}
	}
	want := c.targetVersion
	if v, ok := c.targetVersions[NormalizeProductCode(productCode)]; ok {
		want = v
	}
	if want == "" {
		return nil
	}

	constraint, err := semver.NewConstraint(want)
	if err != nil {
		return fmt.Errorf("target version constraint %q: %w", want, err)
	}
	version, err := semver.NewVersion(productVersion)
	if err != nil {
		return &NotApplicableError{Product: productCode, Reason: fmt.Sprintf("product version %q is not comparable", productVersion)}
	}
	if !constraint.Check(version) {
		return &NotApplicableError{Product: productCode, Reason: fmt.Sprintf("product version %s does not satisfy %s", version, want)}
	}
	return nil
}

// before orders sequenced patches by family then sequence, ahead of
// unsequenced patches, which keep their catalog order.
func (c *candidate) before(o *candidate) bool {
	switch {
	case c.sequence != nil && o.sequence == nil:
		return true
	case c.sequence == nil && o.sequence != nil:
		return false
	case c.sequence == nil:
		return c.index < o.index
	}

	if f := strings.Compare(strings.ToLower(c.family), strings.ToLower(o.family)); f != 0 {
		return f < 0
	}
	if cmp := c.sequence.Compare(o.sequence); cmp != 0 {
		return cmp < 0
	}
	return c.index < o.index
}

func findCode(cs []*candidate, code string) *candidate {
	if code == "" {
		return nil
	}
	for _, c := range cs {
		if SameCode(c.code, code) {
			return c
		}
	}
	return nil
}

func obsoletedBy(cs []*candidate, target *candidate) *candidate {
	if target.code == "" {
		return nil
	}
	for _, c := range cs {
		if c != target && containsCode(c.obsoletes, target.code) {
			return c
		}
	}
	return nil
}

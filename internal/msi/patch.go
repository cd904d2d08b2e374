package msi

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"
)

const (
	manifestName = "manifest.yaml"
	transformDir = "transforms/"

	// PatchKind is the manifest kind of a patch package.
	PatchKind = "patch"

	// InternalTransformPrefix marks transforms that hold patch bookkeeping
	// rather than authored changes.
	InternalTransformPrefix = "#"
)

var ErrNotPatch = errors.New("not a patch package")

// Manifest describes a patch package: what it targets and which transforms it carries.
type Manifest struct {
	Kind          string           `yaml:"kind"`
	PatchCode     string           `yaml:"patchCode"`
	DisplayName   string           `yaml:"displayName,omitempty"`
	Family        string           `yaml:"family,omitempty"`
	Sequence      string           `yaml:"sequence,omitempty"`
	Targets       []string         `yaml:"targets"`
	TargetVersion string           `yaml:"targetVersion,omitempty"`
	Obsoletes     []string         `yaml:"obsoletes,omitempty"`
	Transforms    []TransformEntry `yaml:"transforms"`
}

// TransformEntry names a transform stream and the products it is valid for.
// An empty Targets list means the manifest's targets.
type TransformEntry struct {
	Name    string   `yaml:"name"`
	Targets []string `yaml:"targets,omitempty"`
}

// PatchPackage is an opened patch. The container is a zstd-compressed tar
// whose first entry is manifest.yaml, followed by transforms/<name> streams.
type PatchPackage struct {
	path     string
	manifest Manifest
	streams  map[string][]byte
}

// OpenPatch reads the patch package at path.
func OpenPatch(path string) (*PatchPackage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open patch %s: %w", path, err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("open patch %s: %w", path, err)
	}
	defer zr.Close()

	p := &PatchPackage{path: path, streams: make(map[string][]byte)}
	tr := tar.NewReader(zr)

	hdr, err := tr.Next()
	if err != nil {
		return nil, fmt.Errorf("open patch %s: %w: %v", path, ErrNotPatch, err)
	}
	if p.manifest, err = decodeManifest(hdr, tr); err != nil {
		return nil, fmt.Errorf("open patch %s: %w", path, err)
	}

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read patch %s: %w", path, err)
		}
		if hdr.Typeflag != tar.TypeReg || !strings.HasPrefix(hdr.Name, transformDir) {
			continue
		}

		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("read patch %s stream %s: %w", path, hdr.Name, err)
		}
		p.streams[strings.TrimPrefix(hdr.Name, transformDir)] = data
	}

	return p, nil
}

// ReadManifest reads only the manifest of the patch package at path.
func ReadManifest(path string) (Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return Manifest{}, err
	}
	defer f.Close()
	return readManifest(f)
}

func readManifest(r io.Reader) (Manifest, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return Manifest{}, err
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	hdr, err := tr.Next()
	if err != nil {
		return Manifest{}, fmt.Errorf("%w: %v", ErrNotPatch, err)
	}
	return decodeManifest(hdr, tr)
}

func decodeManifest(hdr *tar.Header, r io.Reader) (Manifest, error) {
	if hdr.Name != manifestName {
		return Manifest{}, fmt.Errorf("%w: first entry is %q", ErrNotPatch, hdr.Name)
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return Manifest{}, err
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("%w: manifest: %v", ErrNotPatch, err)
	}
	if m.Kind != PatchKind {
		return Manifest{}, fmt.Errorf("%w: manifest kind %q", ErrNotPatch, m.Kind)
	}
	return m, nil
}

// Path returns the package file path.
func (p *PatchPackage) Path() string { return p.path }

// Manifest returns the package manifest.
func (p *PatchPackage) Manifest() Manifest { return p.manifest }

// TargetProductCodes returns the product codes the patch declares it updates.
func (p *PatchPackage) TargetProductCodes() []string {
	return append([]string(nil), p.manifest.Targets...)
}

// ValidTransforms returns, in manifest order, the transforms that apply to
// the product stored in db. Transforms declared for other products are left out.
func (p *PatchPackage) ValidTransforms(db *Database) []string {
	productCode := db.ProductCode()

	var names []string
	for _, entry := range p.manifest.Transforms {
		if _, ok := p.streams[entry.Name]; !ok {
			continue
		}
		targets := entry.Targets
		if len(targets) == 0 {
			targets = p.manifest.Targets
		}
		if containsCode(targets, productCode) {
			names = append(names, entry.Name)
		}
	}
	return names
}

// ExtractTransform writes the named transform stream to dest.
func (p *PatchPackage) ExtractTransform(name, dest string) error {
	data, ok := p.streams[name]
	if !ok {
		return fmt.Errorf("patch %s has no transform %q", p.path, name)
	}
	if err := os.WriteFile(dest, data, 0600); err != nil {
		return fmt.Errorf("extract transform %s: %w", name, err)
	}
	return nil
}

// Close releases the package.
func (p *PatchPackage) Close() error {
	p.streams = nil
	return nil
}

// WritePatch builds a patch package at path from a manifest and its transform
// streams. Streams are written in manifest order, then any extras by name.
func WritePatch(path string, m Manifest, streams map[string][]byte) error {
	if m.Kind == "" {
		m.Kind = PatchKind
	}
	manifest, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}

	var raw bytes.Buffer
	tw := tar.NewWriter(&raw)
	write := func(name string, data []byte) error {
		if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0600, Size: int64(len(data)), Typeflag: tar.TypeReg}); err != nil {
			return err
		}
		_, err := tw.Write(data)
		return err
	}

	if err := write(manifestName, manifest); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}

	written := make(map[string]bool, len(streams))
	for _, entry := range m.Transforms {
		data, ok := streams[entry.Name]
		if !ok || written[entry.Name] {
			continue
		}
		if err := write(transformDir+entry.Name, data); err != nil {
			return fmt.Errorf("write transform %s: %w", entry.Name, err)
		}
		written[entry.Name] = true
	}

	extra := make([]string, 0, len(streams))
	for name := range streams {
		if !written[name] {
			extra = append(extra, name)
		}
	}
	sort.Strings(extra)
	for _, name := range extra {
		if err := write(transformDir+name, streams[name]); err != nil {
			return fmt.Errorf("write transform %s: %w", name, err)
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("close patch archive: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("create patch %s: %w", path, err)
	}
	zw, err := zstd.NewWriter(f)
	if err != nil {
		f.Close()
		return fmt.Errorf("create patch %s: %w", path, err)
	}
	if _, err := zw.Write(raw.Bytes()); err != nil {
		zw.Close()
		f.Close()
		return fmt.Errorf("write patch %s: %w", path, err)
	}
	if err := zw.Close(); err != nil {
		f.Close()
		return fmt.Errorf("write patch %s: %w", path, err)
	}
	return f.Close()
}

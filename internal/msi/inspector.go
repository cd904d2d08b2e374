package msi

// Inspector answers catalog questions about candidate files using the
// package formats in this package.
type Inspector struct{}

// IsPatch reports whether path is a patch package.
func (Inspector) IsPatch(path string) bool { return IsPatch(path) }

// PatchTargets returns the target product codes listed in a patch manifest.
func (Inspector) PatchTargets(path string) ([]string, error) {
	m, err := ReadManifest(path)
	if err != nil {
		return nil, err
	}
	return m.Targets, nil
}

// DescriptionTargets returns the target product codes of a patch description document.
func (Inspector) DescriptionTargets(path string) ([]string, error) {
	return PatchXMLTargets(path)
}

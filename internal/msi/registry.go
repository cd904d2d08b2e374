package msi

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ProductInstallation is one installed instance of a product.
type ProductInstallation struct {
	ProductCode  string       `yaml:"productCode"`
	UserSID      string       `yaml:"userSid,omitempty"`
	Context      UserContexts `yaml:"context"`
	LocalPackage string       `yaml:"localPackage"`
}

// Registry lists installed products and the cached database of each.
type Registry struct {
	products []ProductInstallation
}

type registryFile struct {
	Products []ProductInstallation `yaml:"products"`
}

// NewRegistry returns a registry holding the given installations.
func NewRegistry(products ...ProductInstallation) *Registry {
	return &Registry{products: append([]ProductInstallation(nil), products...)}
}

// LoadRegistry reads a YAML registry file.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read product registry: %w", err)
	}

	var f registryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse product registry %s: %w", path, err)
	}

	for i, p := range f.Products {
		if !IsProductCode(p.ProductCode) {
			return nil, fmt.Errorf("product registry %s: entry %d: invalid product code %q", path, i, p.ProductCode)
		}
		switch p.Context {
		case ContextUserManaged, ContextUserUnmanaged, ContextMachine:
		default:
			return nil, fmt.Errorf("product registry %s: entry %d: context must be exactly one of usermanaged, userunmanaged, machine", path, i)
		}
		if p.LocalPackage == "" {
			return nil, fmt.Errorf("product registry %s: entry %d: localPackage is required", path, i)
		}
		if !filepath.IsAbs(p.LocalPackage) {
			f.Products[i].LocalPackage = filepath.Join(filepath.Dir(path), p.LocalPackage)
		}
	}

	return &Registry{products: f.Products}, nil
}

// Products returns the installations of productCode visible for userSID in
// any of the given contexts, in registry order. ContextNone is treated as
// ContextAll. An empty userSID or WorldSID matches every user; machine
// installations match any userSID.
func (r *Registry) Products(productCode, userSID string, context UserContexts) []ProductInstallation {
	if r == nil {
		return nil
	}
	if context == ContextNone {
		context = ContextAll
	}

	var out []ProductInstallation
	for _, p := range r.products {
		if !SameCode(p.ProductCode, productCode) || p.Context&context == 0 {
			continue
		}
		if p.Context != ContextMachine && userSID != "" && !strings.EqualFold(userSID, WorldSID) &&
			!strings.EqualFold(userSID, p.UserSID) {
			continue
		}
		out = append(out, p)
	}
	return out
}

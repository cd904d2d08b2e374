package msi

import (
	"strings"

	"github.com/google/uuid"
)

// IsProductCode reports whether s is a product code (a GUID, braced or not)
// rather than a path to a product database.
func IsProductCode(s string) bool {
	s = strings.TrimSpace(s)
	if len(s) != 36 && len(s) != 38 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}

// NormalizeProductCode returns the upper-case braced form of a GUID. Values that
// do not parse are returned trimmed but otherwise unchanged.
func NormalizeProductCode(s string) string {
	s = strings.TrimSpace(s)
	u, err := uuid.Parse(s)
	if err != nil {
		return s
	}
	return "{" + strings.ToUpper(u.String()) + "}"
}

// SameCode compares two product or patch codes ignoring case and braces.
func SameCode(a, b string) bool {
	return strings.EqualFold(NormalizeProductCode(a), NormalizeProductCode(b))
}

func containsCode(codes []string, code string) bool {
	for _, c := range codes {
		if SameCode(c, code) {
			return true
		}
	}
	return false
}

package msi

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// UserContexts selects which installation contexts of a product are considered.
// Values are flags and may be combined.
type UserContexts int

const (
	ContextNone          UserContexts = 0
	ContextUserManaged   UserContexts = 1
	ContextUserUnmanaged UserContexts = 2
	ContextMachine       UserContexts = 4
	ContextAll                        = ContextUserManaged | ContextUserUnmanaged | ContextMachine
)

// WorldSID matches installations for every user.
const WorldSID = "s-1-1-0"

var contextNames = []struct {
	name string
	ctx  UserContexts
}{
	{"usermanaged", ContextUserManaged},
	{"userunmanaged", ContextUserUnmanaged},
	{"machine", ContextMachine},
}

func (c UserContexts) String() string {
	switch c {
	case ContextNone:
		return "none"
	case ContextAll:
		return "all"
	}

	var parts []string
	for _, n := range contextNames {
		if c&n.ctx != 0 {
			parts = append(parts, n.name)
		}
	}
	if rest := c &^ ContextAll; rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%x", int(rest)))
	}
	return strings.Join(parts, ",")
}

// ParseUserContexts parses a comma separated list of context names
// ("none", "all", "usermanaged", "userunmanaged", "machine").
func ParseUserContexts(s string) (UserContexts, error) {
	var result UserContexts
	for _, part := range strings.Split(s, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		switch part {
		case "", "none":
			continue
		case "all":
			result |= ContextAll
			continue
		}

		found := false
		for _, n := range contextNames {
			if n.name == part {
				result |= n.ctx
				found = true
				break
			}
		}
		if !found {
			return ContextNone, fmt.Errorf("unknown user context %q", part)
		}
	}
	return result, nil
}

// UnmarshalYAML accepts either a context name list or a numeric flag value.
func (c *UserContexts) UnmarshalYAML(value *yaml.Node) error {
	var n int
	if err := value.Decode(&n); err == nil {
		*c = UserContexts(n)
		return nil
	}

	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseUserContexts(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// MarshalYAML writes the context by name.
func (c UserContexts) MarshalYAML() (any, error) {
	return c.String(), nil
}

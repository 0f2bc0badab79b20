package rbac

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	// ErrUnknownRole indicates the role name is not in the catalog.
	ErrUnknownRole = errors.New("unknown role")

	// ErrInvalidCapability indicates a capability string that does not
	// match the dotted-segment format.
	ErrInvalidCapability = errors.New("invalid capability format")
)

// capabilityPattern matches dotted lowercase segments with an optional
// trailing wildcard segment, e.g. "chat.completions" or "models.*".
// A bare "*" is also accepted.
var capabilityPattern = regexp.MustCompile(`^(\*|[a-z0-9_-]+(\.[a-z0-9_-]+)*(\.\*)?)$`)

// RoleDefinition is a single role as declared in the catalog file.
type RoleDefinition struct {
	Level        int      `yaml:"level"`
	Description  string   `yaml:"description"`
	Capabilities []string `yaml:"capabilities"`
}

// catalogFile is the on-disk shape of the role catalog.
type catalogFile struct {
	Roles map[string]RoleDefinition `yaml:"roles"`
}

// Catalog holds the loaded role definitions and the effective
// capability set per role after level inheritance is applied.
//
// Inheritance is by level: a role receives the capabilities of every
// role with a strictly lower level in addition to its own. A role
// holding "*" collapses to just that wildcard.
type Catalog struct {
	roles     map[string]RoleDefinition
	effective map[string][]string
}

// LoadCatalog reads role definitions from a YAML file and resolves
// inheritance.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading role catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog builds a catalog from raw YAML.
func ParseCatalog(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing role catalog: %w", err)
	}
	if len(file.Roles) == 0 {
		return nil, errors.New("role catalog defines no roles")
	}

	for name, def := range file.Roles {
		for _, cap := range def.Capabilities {
			if !ValidCapability(cap) {
				return nil, fmt.Errorf("role %q capability %q: %w", name, cap, ErrInvalidCapability)
			}
		}
	}

	c := &Catalog{
		roles:     file.Roles,
		effective: make(map[string][]string, len(file.Roles)),
	}
	for name := range file.Roles {
		c.effective[name] = c.resolve(name)
	}
	return c, nil
}

// resolve computes the effective capability set for a role, including
// everything inherited from lower-level roles.
func (c *Catalog) resolve(name string) []string {
	def := c.roles[name]
	seen := make(map[string]struct{})

	for other, otherDef := range c.roles {
		if other != name && otherDef.Level >= def.Level {
			continue
		}
		for _, cap := range otherDef.Capabilities {
			seen[cap] = struct{}{}
		}
	}
	for _, cap := range def.Capabilities {
		seen[cap] = struct{}{}
	}

	if _, ok := seen["*"]; ok {
		return []string{"*"}
	}

	caps := make([]string, 0, len(seen))
	for cap := range seen {
		caps = append(caps, cap)
	}
	sort.Strings(caps)
	return caps
}

// Capabilities returns the effective capability set of a role. The
// returned slice is a copy.
func (c *Catalog) Capabilities(role string) ([]string, error) {
	caps, ok := c.effective[role]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRole, role)
	}
	out := make([]string, len(caps))
	copy(out, caps)
	return out, nil
}

// Expand merges the effective capability sets of several roles into a
// single sorted, deduplicated list. Unknown roles are an error.
func (c *Catalog) Expand(roles []string) ([]string, error) {
	seen := make(map[string]struct{})
	for _, role := range roles {
		caps, ok := c.effective[role]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownRole, role)
		}
		for _, cap := range caps {
			seen[cap] = struct{}{}
		}
	}

	if _, ok := seen["*"]; ok {
		return []string{"*"}, nil
	}

	out := make([]string, 0, len(seen))
	for cap := range seen {
		out = append(out, cap)
	}
	sort.Strings(out)
	return out, nil
}

// Has reports whether the catalog defines the named role.
func (c *Catalog) Has(role string) bool {
	_, ok := c.roles[role]
	return ok
}

// Level returns the numeric level of a role.
func (c *Catalog) Level(role string) (int, error) {
	def, ok := c.roles[role]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownRole, role)
	}
	return def.Level, nil
}

// Names returns all role names sorted alphabetically.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.roles))
	for name := range c.roles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidCapability reports whether a capability string is well formed:
// lowercase dotted segments with at most one trailing "*" segment, or
// the bare wildcard "*".
func ValidCapability(cap string) bool {
	if strings.Contains(cap, "..") {
		return false
	}
	return capabilityPattern.MatchString(cap)
}

package policy

import (
	"sort"

	"github.com/org/authcore/pkg/models"
)

// Schema is a set of permissions with structural duplicates suppressed.
type Schema struct {
	perms []models.Permission
	seen  map[string]bool
}

// NewSchema builds a schema from perms, dropping duplicates.
func NewSchema(perms ...models.Permission) *Schema {
	s := &Schema{seen: make(map[string]bool, len(perms))}
	for _, p := range perms {
		s.Add(p)
	}
	return s
}

// ParseSchema builds a schema from "action:resource" strings.
func ParseSchema(perms []string) (*Schema, error) {
	s := NewSchema()
	for _, raw := range perms {
		p, err := models.ParsePermission(raw)
		if err != nil {
			return nil, err
		}
		s.Add(p)
	}
	return s, nil
}

// Add inserts p unless a structurally equal permission is already present.
// It reports whether p was added.
func (s *Schema) Add(p models.Permission) bool {
	k := p.Key()
	if s.seen[k] {
		return false
	}
	s.seen[k] = true
	s.perms = append(s.perms, p)
	return true
}

func (s *Schema) Len() int { return len(s.perms) }

// Permissions returns the members in insertion order.
func (s *Schema) Permissions() []models.Permission {
	out := make([]models.Permission, len(s.perms))
	copy(out, s.perms)
	return out
}

// Strings returns the "action:resource" form of each member, sorted and unique.
func (s *Schema) Strings() []string {
	set := make(map[string]bool, len(s.perms))
	out := make([]string, 0, len(s.perms))
	for _, p := range s.perms {
		str := p.String()
		if !set[str] {
			set[str] = true
			out = append(out, str)
		}
	}
	sort.Strings(out)
	return out
}

// Allows reports whether any member matches required.
func (s *Schema) Allows(required string) bool {
	req, err := models.ParsePermission(required)
	if err != nil {
		return false
	}
	for _, p := range s.perms {
		if matchPermission(p, req) {
			return true
		}
	}
	return false
}

// AllowsWith is Allows with condition checks: a member carrying conditions
// matches only if every condition equals the corresponding request attribute.
func (s *Schema) AllowsWith(required string, attrs map[string]string) bool {
	req, err := models.ParsePermission(required)
	if err != nil {
		return false
	}
	for _, p := range s.perms {
		if !matchPermission(p, req) {
			continue
		}
		if conditionsHold(p.Conditions, attrs) {
			return true
		}
	}
	return false
}

func conditionsHold(conds, attrs map[string]string) bool {
	for k, want := range conds {
		if got, ok := attrs[k]; !ok || got != want {
			return false
		}
	}
	return true
}

// Union returns a new schema holding the members of s followed by the
// members of others, duplicates suppressed.
func (s *Schema) Union(others ...*Schema) *Schema {
	out := NewSchema(s.perms...)
	for _, o := range others {
		if o == nil {
			continue
		}
		for _, p := range o.perms {
			out.Add(p)
		}
	}
	return out
}

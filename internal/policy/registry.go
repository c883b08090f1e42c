package policy

import (
	"fmt"
	"sync"

	"github.com/org/authcore/pkg/models"
)

// DefaultRoles are the built-in role templates. Deployments override or extend
// them through configuration.
var DefaultRoles = map[string][]string{
	"admin":     {"*:*"},
	"physician": {"read:patient", "write:patient", "read:observation", "write:observation", "read:medication", "write:medication"},
	"nurse":     {"read:patient", "read:observation", "write:observation", "read:medication"},
	"patient":   {"read:own_record"},
	"auditor":   {"read:audit", "read:security_event"},
	"service":   {"read:patient", "read:observation"},
}

// Registry maps role names to default permission schemas.
type Registry struct {
	mu    sync.RWMutex
	roles map[string]*Schema
}

// NewRegistry builds a registry from DefaultRoles with overrides applied on top.
// An override replaces the role template entirely.
func NewRegistry(overrides map[string][]string) (*Registry, error) {
	r := &Registry{roles: make(map[string]*Schema)}
	if err := r.Load(overrides); err != nil {
		return nil, err
	}
	return r, nil
}

// Load rebuilds the templates from DefaultRoles plus overrides.
// On error the previous templates are kept.
func (r *Registry) Load(overrides map[string][]string) error {
	roles := make(map[string]*Schema, len(DefaultRoles)+len(overrides))
	for name, perms := range DefaultRoles {
		s, err := ParseSchema(perms)
		if err != nil {
			return fmt.Errorf("role %s: %w", name, err)
		}
		roles[name] = s
	}
	for name, perms := range overrides {
		s, err := ParseSchema(perms)
		if err != nil {
			return fmt.Errorf("role %s: %w", name, err)
		}
		roles[name] = s
	}
	r.mu.Lock()
	r.roles = roles
	r.mu.Unlock()
	return nil
}

// Role returns the template for role, or an empty schema for unknown roles.
func (r *Registry) Role(role string) *Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.roles[role]; ok {
		return s.Union()
	}
	return NewSchema()
}

// Resolve returns the union of the role template and the actor's own grants.
func (r *Registry) Resolve(role string, grants []models.Permission) *Schema {
	return r.Role(role).Union(NewSchema(grants...))
}

// Roles returns the known role names.
func (r *Registry) Roles() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.roles))
	for name := range r.roles {
		out = append(out, name)
	}
	return out
}

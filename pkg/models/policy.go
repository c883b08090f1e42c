package models

import (
	"errors"
	"sort"
	"strings"
)

// Common actions used by role templates.
const (
	ActionRead   = "read"
	ActionWrite  = "write"
	ActionDelete = "delete"
	ActionAdmin  = "admin"
	Wildcard     = "*"
)

// Permission grants Action on Resource, optionally restricted by Conditions.
type Permission struct {
	Action     string            `json:"action" yaml:"action"`
	Resource   string            `json:"resource" yaml:"resource"`
	Conditions map[string]string `json:"conditions,omitempty" yaml:"conditions,omitempty"`
}

// ErrBadPermission is returned for strings that are not "action:resource".
var ErrBadPermission = errors.New("permission must have the form action:resource")

// ParsePermission parses "action:resource".
func ParsePermission(s string) (Permission, error) {
	action, resource, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || action == "" || resource == "" {
		return Permission{}, ErrBadPermission
	}
	return Permission{Action: action, Resource: resource}, nil
}

// String renders the permission as "action:resource".
func (p Permission) String() string {
	return p.Action + ":" + p.Resource
}

// Key is a canonical form used for structural equality, including conditions.
func (p Permission) Key() string {
	if len(p.Conditions) == 0 {
		return p.String()
	}
	keys := make([]string, 0, len(p.Conditions))
	for k := range p.Conditions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(p.String())
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(p.Conditions[k])
	}
	b.WriteByte('}')
	return b.String()
}

// Equal reports structural equality.
func (p Permission) Equal(o Permission) bool {
	return p.Key() == o.Key()
}

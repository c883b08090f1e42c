// Package policy evaluates granted permissions against requested
// "action:resource" pairs. It performs no I/O.
package policy

import (
	"github.com/org/authcore/pkg/models"
)

// elevated lists the actions an "admin" grant implies on the same resource.
var elevated = map[string]bool{
	models.ActionRead:   true,
	models.ActionWrite:  true,
	models.ActionDelete: true,
}

// Matches reports whether granted covers required ("action:resource").
// Action and resource are matched independently: the action matches when it is
// equal, "*", or "admin" over read/write/delete; the resource matches when it is
// equal or "*". Conditions on granted are not consulted here.
func Matches(granted models.Permission, required string) bool {
	req, err := models.ParsePermission(required)
	if err != nil {
		return false
	}
	return matchPermission(granted, req)
}

func matchPermission(granted, req models.Permission) bool {
	return actionMatches(granted.Action, req.Action) && resourceMatches(granted.Resource, req.Resource)
}

func actionMatches(granted, requested string) bool {
	switch {
	case granted == requested:
		return true
	case granted == models.Wildcard:
		return true
	case granted == models.ActionAdmin:
		return elevated[requested]
	}
	return false
}

func resourceMatches(granted, requested string) bool {
	return granted == requested || granted == models.Wildcard
}

// MatchesString is Matches for a granted permission in string form.
// Malformed grants never match.
func MatchesString(granted, required string) bool {
	g, err := models.ParsePermission(granted)
	if err != nil {
		return false
	}
	return Matches(g, required)
}

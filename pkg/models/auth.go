package models

import "time"

// SecurityLevel is an ordered clearance tag carried by credentials and sessions.
type SecurityLevel string

const (
	LevelLow      SecurityLevel = "low"
	LevelMedium   SecurityLevel = "medium"
	LevelHigh     SecurityLevel = "high"
	LevelCritical SecurityLevel = "critical"
)

var securityLevelRank = map[SecurityLevel]int{
	LevelLow:      1,
	LevelMedium:   2,
	LevelHigh:     3,
	LevelCritical: 4,
}

// Valid reports whether l is one of the known levels.
func (l SecurityLevel) Valid() bool {
	_, ok := securityLevelRank[l]
	return ok
}

// AtLeast reports whether l is the same as or above min. Unknown levels never qualify.
func (l SecurityLevel) AtLeast(min SecurityLevel) bool {
	r, ok := securityLevelRank[l]
	if !ok {
		return false
	}
	return r >= securityLevelRank[min]
}

// ParseSecurityLevel returns the level named by s, or def when s is empty.
func ParseSecurityLevel(s string, def SecurityLevel) (SecurityLevel, bool) {
	if s == "" {
		return def, true
	}
	l := SecurityLevel(s)
	return l, l.Valid()
}

// AuthEvent is one authentication outcome reported by the caller that performed the login.
type AuthEvent struct {
	ActorID         string    `json:"actor_id"`
	Success         bool      `json:"success"`
	Address         string    `json:"address"`
	ClientSignature string    `json:"client_signature,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// AccessEvent is one resource access made by an authenticated actor.
type AccessEvent struct {
	ActorID      string         `json:"actor_id"`
	ResourceType string         `json:"resource_type"`
	Action       string         `json:"action"`
	Address      string         `json:"address"`
	Timestamp    time.Time      `json:"timestamp"`
	Details      map[string]any `json:"details,omitempty"`
}

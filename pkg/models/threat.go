package models

import "time"

// ThreatCategory classifies a detected security event.
type ThreatCategory string

const (
	ThreatBruteForce          ThreatCategory = "brute_force"
	ThreatPrivilegeEscalation ThreatCategory = "privilege_escalation"
	ThreatDataExfiltration    ThreatCategory = "data_exfiltration"
	ThreatSuspiciousAccess    ThreatCategory = "suspicious_access"
	ThreatRateLimitAbuse      ThreatCategory = "rate_limit_abuse"
	ThreatAnomalousBehavior   ThreatCategory = "anomalous_behavior"
	ThreatAccountTakeover     ThreatCategory = "account_takeover"
)

// Severity is the threat level of a security event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ResponseAction is one step of the automated response chain.
type ResponseAction string

const (
	ActionLog          ResponseAction = "log"
	ActionMonitor      ResponseAction = "monitor"
	ActionAlert        ResponseAction = "alert"
	ActionBlockSource  ResponseAction = "block_source"
	ActionDisableActor ResponseAction = "disable_actor"
	ActionNotifyAdmin  ResponseAction = "notify_admin"
)

// SecurityEvent is emitted by the threat detection engine.
type SecurityEvent struct {
	ID          string           `json:"event_id"`
	Timestamp   time.Time        `json:"timestamp"`
	Category    ThreatCategory   `json:"category"`
	Severity    Severity         `json:"severity"`
	ActorID     string           `json:"actor_id,omitempty"`
	Address     string           `json:"address,omitempty"`
	Description string           `json:"description"`
	Details     map[string]any   `json:"details,omitempty"`
	Resolved    bool             `json:"resolved"`
	Actions     []ResponseAction `json:"actions,omitempty"`
}

// BehavioralProfile is the historical access pattern of one actor.
// Addresses and Clients are kept most-recent-last and bounded by the engine.
type BehavioralProfile struct {
	ActorID     string       `json:"actor_id"`
	Hours       map[int]bool `json:"hours"`
	Addresses   []string     `json:"addresses"`
	Clients     []string     `json:"clients"`
	Successes   int64        `json:"successes"`
	Failures    int64        `json:"failures"`
	LastUpdated time.Time    `json:"last_updated"`
}

// AddressReputation aggregates what the engine has seen from one source address.
type AddressReputation struct {
	Address   string    `json:"address"`
	Failures  int64     `json:"failures"`
	Successes int64     `json:"successes"`
	Events    int64     `json:"events"`
	Blocked   bool      `json:"blocked"`
	LastSeen  time.Time `json:"last_seen"`
}

package models

import "time"

// AuditCategory groups audit events for compliance queries.
type AuditCategory string

const (
	CategoryAuthentication AuditCategory = "authentication"
	CategoryAuthorization  AuditCategory = "authorization"
	CategoryDataAccess     AuditCategory = "data_access"
	CategoryConfiguration  AuditCategory = "configuration"
	CategorySystem         AuditCategory = "system"
	CategoryCompliance     AuditCategory = "compliance"
	CategorySecurity       AuditCategory = "security"
)

// AuditLevel is the severity of an audit event.
type AuditLevel string

const (
	AuditDebug    AuditLevel = "debug"
	AuditInfo     AuditLevel = "info"
	AuditWarning  AuditLevel = "warning"
	AuditError    AuditLevel = "error"
	AuditCritical AuditLevel = "critical"
)

// AuditEvent is one append-only audit record. Secret values must never be placed in it.
type AuditEvent struct {
	ID           string         `json:"event_id"`
	Timestamp    time.Time      `json:"timestamp"`
	Level        AuditLevel     `json:"level"`
	Category     AuditCategory  `json:"category"`
	ActorID      string         `json:"actor_id,omitempty"`
	UserID       string         `json:"user_id,omitempty"`
	SessionID    string         `json:"session_id,omitempty"`
	ResourceType string         `json:"resource_type,omitempty"`
	ResourceID   string         `json:"resource_id,omitempty"`
	Address      string         `json:"address,omitempty"`
	UserAgent    string         `json:"user_agent,omitempty"`
	Message      string         `json:"message"`
	Success      bool           `json:"success"`
	ErrorCode    string         `json:"error_code,omitempty"`
	RiskScore    *float64       `json:"risk_score,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
}

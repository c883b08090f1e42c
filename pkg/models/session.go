package models

import "time"

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionActive     SessionStatus = "active"
	SessionExpired    SessionStatus = "expired"
	SessionTerminated SessionStatus = "terminated"
	SessionLocked     SessionStatus = "locked"
)

// Session is a live session record owned by the session manager.
type Session struct {
	ID                string            `json:"id"`
	ActorID           string            `json:"actor_id"`
	CreatedAt         time.Time         `json:"created_at"`
	LastActivity      time.Time         `json:"last_activity"`
	ExpiresAt         time.Time         `json:"expires_at"`
	Status            SessionStatus     `json:"status"`
	Address           string            `json:"address,omitempty"`
	UserAgent         string            `json:"user_agent,omitempty"`
	DeviceFingerprint string            `json:"device_fingerprint,omitempty"`
	SecurityLevel     SecurityLevel     `json:"security_level"`
	MFAVerified       bool              `json:"mfa_verified"`
	ActivityCount     int64             `json:"activity_count"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	StatusReason      string            `json:"status_reason,omitempty"`
}

// ExpiredAt reports whether the session is past its expiry at t.
func (s *Session) ExpiredAt(t time.Time) bool {
	return !t.Before(s.ExpiresAt)
}

// Clone returns a deep copy safe to hand to callers.
func (s *Session) Clone() *Session {
	c := *s
	if s.Metadata != nil {
		c.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

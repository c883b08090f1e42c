package audit

import (
	"context"
	"fmt"

	"github.com/org/authcore/internal/core"
	"github.com/org/authcore/pkg/models"
)

// LogAuthentication records a login, token or session decision.
func (l *Logger) LogAuthentication(ctx context.Context, actorID, sessionID, address, userAgent string, success bool, cause error) error {
	ev := &models.AuditEvent{
		Category:  models.CategoryAuthentication,
		Level:     models.AuditInfo,
		ActorID:   actorID,
		UserID:    actorID,
		SessionID: sessionID,
		Address:   address,
		UserAgent: userAgent,
		Success:   success,
		Message:   "authentication succeeded",
	}
	if !success {
		ev.Level = models.AuditWarning
		ev.Message = "authentication failed"
		applyCause(ev, cause)
	}
	return l.Log(ctx, ev)
}

// LogAuthorization records a permission check.
func (l *Logger) LogAuthorization(ctx context.Context, actorID, sessionID, required string, allowed bool, cause error) error {
	ev := &models.AuditEvent{
		Category:  models.CategoryAuthorization,
		Level:     models.AuditInfo,
		ActorID:   actorID,
		SessionID: sessionID,
		Success:   allowed,
		Message:   fmt.Sprintf("permission %s granted", required),
		Details:   map[string]any{"required": required},
	}
	if !allowed {
		ev.Level = models.AuditWarning
		ev.Message = fmt.Sprintf("permission %s denied", required)
		applyCause(ev, cause)
	}
	return l.Log(ctx, ev)
}

// LogDataAccess records access to a protected resource.
func (l *Logger) LogDataAccess(ctx context.Context, actorID, resourceType, resourceID, action string, success bool) error {
	return l.Log(ctx, &models.AuditEvent{
		Category:     models.CategoryDataAccess,
		Level:        models.AuditInfo,
		ActorID:      actorID,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Success:      success,
		Message:      fmt.Sprintf("%s %s", action, resourceType),
		Details:      map[string]any{"action": action},
	})
}

// LogConfigChange records an applied or rejected configuration change.
func (l *Logger) LogConfigChange(ctx context.Context, actorID, source string, applied bool, cause error) error {
	ev := &models.AuditEvent{
		Category: models.CategoryConfiguration,
		Level:    models.AuditInfo,
		ActorID:  actorID,
		Success:  applied,
		Message:  "configuration applied",
		Details:  map[string]any{"source": source},
	}
	if !applied {
		ev.Level = models.AuditError
		ev.Message = "configuration rejected"
		applyCause(ev, cause)
	}
	return l.Log(ctx, ev)
}

var severityRisk = map[models.Severity]float64{
	models.SeverityInfo:     0.1,
	models.SeverityLow:      0.25,
	models.SeverityMedium:   0.5,
	models.SeverityHigh:     0.75,
	models.SeverityCritical: 1,
}

var severityLevel = map[models.Severity]models.AuditLevel{
	models.SeverityInfo:     models.AuditInfo,
	models.SeverityLow:      models.AuditInfo,
	models.SeverityMedium:   models.AuditWarning,
	models.SeverityHigh:     models.AuditError,
	models.SeverityCritical: models.AuditCritical,
}

// LogSecurityEvent records a detected threat.
func (l *Logger) LogSecurityEvent(ctx context.Context, se *models.SecurityEvent) error {
	risk := severityRisk[se.Severity]
	actions := make([]string, len(se.Actions))
	for i, a := range se.Actions {
		actions[i] = string(a)
	}
	return l.Log(ctx, &models.AuditEvent{
		Category:  models.CategorySecurity,
		Level:     severityLevel[se.Severity],
		ActorID:   se.ActorID,
		Address:   se.Address,
		Message:   se.Description,
		Success:   false,
		ErrorCode: string(se.Category),
		RiskScore: &risk,
		Details: map[string]any{
			"security_event_id": se.ID,
			"severity":          string(se.Severity),
			"actions":           actions,
		},
	})
}

// applyCause records the error kind and the full internal message; the
// HTTP layer only ever returns the generic text.
func applyCause(ev *models.AuditEvent, cause error) {
	if cause == nil {
		return
	}
	ev.ErrorCode = string(core.KindOf(cause))
	if ev.Details == nil {
		ev.Details = map[string]any{}
	}
	ev.Details["error"] = cause.Error()
}

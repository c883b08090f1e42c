package guard

import (
	"context"
	"time"

	"github.com/org/authcore/internal/auth"
	"github.com/org/authcore/internal/session"
	"github.com/org/authcore/pkg/models"
)

// Verify checks a bearer credential: signature and timing, then that the
// actor is not disabled and that the bound session is still usable.
func (g *Guard) Verify(ctx context.Context, token string) (*auth.AccessClaims, error) {
	ts, err := g.tokenService()
	if err != nil {
		return nil, err
	}
	claims, err := ts.VerifyAccessToken(ctx, token)
	if err != nil {
		g.logAuth(ctx, "", "", "", "", false, err)
		return nil, err
	}
	if err := g.threat.CheckAllowed(claims.Subject, ""); err != nil {
		g.logAuth(ctx, claims.Subject, claims.SessionID, "", "", false, err)
		return nil, err
	}
	if claims.SessionID != "" {
		s, err := g.sessions.Check(claims.SessionID)
		if err == nil && s.ActorID != claims.Subject {
			err = errSessionMismatch(claims.SessionID)
		}
		if err != nil {
			g.logAuth(ctx, claims.Subject, claims.SessionID, "", "", false, err)
			return nil, err
		}
	}
	return claims, nil
}

// HasPermission reports whether claims grant required ("action:resource")
// and records the decision.
func (g *Guard) HasPermission(ctx context.Context, claims *auth.AccessClaims, required string) bool {
	allowed := auth.HasPermission(claims, required)
	var cause error
	if !allowed {
		cause = auth.RequirePermission(claims, required)
	}
	actor, sid := "", ""
	if claims != nil {
		actor, sid = claims.Subject, claims.SessionID
	}
	if err := g.audit.LogAuthorization(ctx, actor, sid, required, allowed, cause); err != nil {
		g.log.Error().Err(err).Msg("audit write failed")
	}
	return allowed
}

// CreateSession opens a session for actorID unless the actor or its address
// is blocked.
func (g *Guard) CreateSession(ctx context.Context, actorID string, ttl time.Duration, sc session.Context) (*models.Session, error) {
	if err := g.threat.CheckAllowed(actorID, sc.Address); err != nil {
		g.logAuth(ctx, actorID, "", sc.Address, sc.UserAgent, false, err)
		return nil, err
	}
	s, err := g.sessions.Create(actorID, ttl, sc)
	if err != nil {
		g.logAuth(ctx, actorID, "", sc.Address, sc.UserAgent, false, err)
		return nil, err
	}
	g.logAuth(ctx, actorID, s.ID, sc.Address, sc.UserAgent, true, nil)
	return s, nil
}

// TouchSession records activity on a session. A disabled actor or blocked
// address fails closed.
func (g *Guard) TouchSession(ctx context.Context, id, address string) (*models.Session, error) {
	s, err := g.sessions.Check(id)
	if err != nil {
		return nil, err
	}
	if err := g.threat.CheckAllowed(s.ActorID, address); err != nil {
		g.logAuth(ctx, s.ActorID, id, address, "", false, err)
		return nil, err
	}
	return g.sessions.Touch(id, address)
}

// RecordAuthEvent audits an authentication outcome and feeds it to the
// threat engine. Sessions of an actor disabled by the response are ended.
func (g *Guard) RecordAuthEvent(ctx context.Context, ev models.AuthEvent) ([]models.SecurityEvent, error) {
	var cause error
	if !ev.Success {
		cause = auth.ErrBadCredentials
	}
	g.logAuth(ctx, ev.ActorID, "", ev.Address, ev.ClientSignature, ev.Success, cause)
	events, err := g.threat.RecordAuth(ctx, ev)
	g.enforce(ev.ActorID, events)
	return events, err
}

// RecordAccessEvent audits a resource access and feeds it to the threat engine.
func (g *Guard) RecordAccessEvent(ctx context.Context, ev models.AccessEvent) ([]models.SecurityEvent, error) {
	resourceID, _ := ev.Details["resource_id"].(string)
	if err := g.audit.LogDataAccess(ctx, ev.ActorID, ev.ResourceType, resourceID, ev.Action, true); err != nil {
		g.log.Error().Err(err).Msg("audit write failed")
	}
	events, err := g.threat.RecordAccess(ctx, ev)
	g.enforce(ev.ActorID, events)
	return events, err
}

// enforce terminates the sessions of an actor the response chain disabled.
func (g *Guard) enforce(actorID string, events []models.SecurityEvent) {
	if len(events) == 0 || actorID == "" {
		return
	}
	if err := g.threat.CheckAllowed(actorID, ""); err != nil {
		if n := g.sessions.TerminateAll(actorID, "actor disabled"); n > 0 {
			g.log.Warn().Str("actor", actorID).Int("sessions", n).Msg("sessions of disabled actor terminated")
		}
	}
}

func (g *Guard) logAuth(ctx context.Context, actor, sid, addr, ua string, ok bool, cause error) {
	if err := g.audit.LogAuthentication(ctx, actor, sid, addr, ua, ok, cause); err != nil {
		g.log.Error().Err(err).Msg("audit write failed")
	}
}

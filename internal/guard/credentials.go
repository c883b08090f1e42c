package guard

import (
	"context"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/org/authcore/internal/auth"
	"github.com/org/authcore/internal/core"
	"github.com/org/authcore/internal/session"
	"github.com/org/authcore/pkg/models"
)

// Session metadata keys carrying the claim template for Refresh.
const (
	metaRole        = "role"
	metaPermissions = "permissions"
	metaOrgID       = "org_id"
	metaDepartment  = "department"
	metaLevel       = "security_level"
)

// CredentialRequest describes who credentials are issued to.
type CredentialRequest struct {
	ActorID       string
	Role          string
	Grants        []string
	OrgID         string
	Department    string
	SecurityLevel models.SecurityLevel
	SessionTTL    time.Duration
	Session       session.Context
}

// Credentials is an access/refresh pair bound to a new session.
type Credentials struct {
	AccessToken  string             `json:"access_token"`
	RefreshToken string             `json:"refresh_token"`
	TokenType    string             `json:"token_type"`
	ExpiresAt    time.Time          `json:"expires_at"`
	SessionID    string             `json:"session_id"`
	Claims       *auth.AccessClaims `json:"-"`
}

func errSessionMismatch(sid string) error {
	return core.E(core.KindSessionNotFound, "actor_mismatch", "session belongs to another actor").With("session", sid)
}

// IssueCredentials resolves the actor's permissions from its role and
// grants, opens a session and issues a credential pair bound to it.
func (g *Guard) IssueCredentials(ctx context.Context, req CredentialRequest) (*Credentials, error) {
	ts, err := g.tokenService()
	if err != nil {
		return nil, err
	}
	grants := make([]models.Permission, 0, len(req.Grants))
	for _, s := range req.Grants {
		p, err := models.ParsePermission(s)
		if err != nil {
			return nil, core.Wrap(core.KindPermissionDenied, "bad_grant", err).With("grant", s)
		}
		grants = append(grants, p)
	}
	perms := g.roles.Resolve(req.Role, grants).Strings()
	level, ok := models.ParseSecurityLevel(string(req.SecurityLevel), models.LevelMedium)
	if !ok {
		return nil, core.Errorf(core.KindPermissionDenied, "unknown_level", "unknown security level %q", req.SecurityLevel)
	}

	sc := req.Session
	sc.SecurityLevel = level
	sc.Metadata = map[string]string{
		metaRole:        req.Role,
		metaPermissions: strings.Join(perms, ","),
		metaOrgID:       req.OrgID,
		metaDepartment:  req.Department,
		metaLevel:       string(level),
	}
	for k, v := range req.Session.Metadata {
		if _, reserved := sc.Metadata[k]; !reserved {
			sc.Metadata[k] = v
		}
	}
	sess, err := g.CreateSession(ctx, req.ActorID, req.SessionTTL, sc)
	if err != nil {
		return nil, err
	}

	creds, err := g.issuePair(ctx, ts, auth.AccessRequest{
		Subject:       req.ActorID,
		Role:          req.Role,
		Permissions:   perms,
		OrgID:         req.OrgID,
		Department:    req.Department,
		SecurityLevel: level,
		SessionID:     sess.ID,
	})
	if err != nil {
		_ = g.sessions.Terminate(sess.ID, "credential issuance failed")
		return nil, err
	}
	return creds, nil
}

func (g *Guard) issuePair(ctx context.Context, ts *auth.TokenService, req auth.AccessRequest) (*Credentials, error) {
	access, claims, err := ts.IssueAccessToken(ctx, req)
	if err != nil {
		return nil, err
	}
	refresh, err := ts.IssueRefreshToken(ctx, req.Subject, req.SessionID)
	if err != nil {
		return nil, err
	}
	return &Credentials{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresAt:    claims.ExpiresAt.Time,
		SessionID:    req.SessionID,
		Claims:       claims,
	}, nil
}

// LoginRequest is a service-account login.
type LoginRequest struct {
	AccountID       string
	Secret          string
	TOTP            string
	Address         string
	UserAgent       string
	ClientSignature string
}

// Login authenticates a service account and issues credentials. Every
// attempt feeds the threat engine; a blocked address or disabled account
// fails with ThreatBlocked before the secret is checked.
func (g *Guard) Login(ctx context.Context, req LoginRequest) (*Credentials, error) {
	if err := g.threat.CheckAllowed(req.AccountID, req.Address); err != nil {
		g.logAuth(ctx, req.AccountID, "", req.Address, req.UserAgent, false, err)
		return nil, err
	}
	ev := models.AuthEvent{ActorID: req.AccountID, Address: req.Address, ClientSignature: req.ClientSignature, Timestamp: g.now()}

	acct, err := g.accounts.Authenticate(ctx, req.AccountID, req.Secret)
	mfa := false
	if err == nil && g.Config().RequireMFA {
		err = g.checkTOTP(ctx, req.AccountID, req.TOTP)
		mfa = err == nil
	}
	if err != nil {
		if _, rerr := g.threat.RecordAuth(ctx, ev); rerr != nil {
			g.log.Error().Err(rerr).Msg("threat response incomplete")
		}
		g.logAuth(ctx, req.AccountID, "", req.Address, req.UserAgent, false, err)
		return nil, err
	}

	ev.Success = true
	events, rerr := g.threat.RecordAuth(ctx, ev)
	if rerr != nil {
		g.log.Error().Err(rerr).Msg("threat response incomplete")
	}
	g.enforce(acct.ID, events)
	if err := g.threat.CheckAllowed(acct.ID, req.Address); err != nil {
		g.logAuth(ctx, acct.ID, "", req.Address, req.UserAgent, false, err)
		return nil, err
	}

	return g.IssueCredentials(ctx, CredentialRequest{
		ActorID:       acct.ID,
		Role:          acct.Role,
		Grants:        acct.Permissions,
		OrgID:         acct.OrgID,
		Department:    acct.Department,
		SecurityLevel: acct.SecurityLevel,
		Session: session.Context{
			Address:           req.Address,
			UserAgent:         req.UserAgent,
			DeviceFingerprint: req.ClientSignature,
			MFAVerified:       mfa,
		},
	})
}

// Refresh exchanges a refresh credential for a new pair on the same session.
func (g *Guard) Refresh(ctx context.Context, refreshToken, address string) (*Credentials, error) {
	ts, err := g.tokenService()
	if err != nil {
		return nil, err
	}
	subject, sid, err := ts.VerifyRefreshToken(ctx, refreshToken)
	if err != nil {
		g.logAuth(ctx, "", "", address, "", false, err)
		return nil, err
	}
	if err := g.threat.CheckAllowed(subject, address); err != nil {
		g.logAuth(ctx, subject, sid, address, "", false, err)
		return nil, err
	}
	s, err := g.sessions.Touch(sid, address)
	if err == nil && s.ActorID != subject {
		err = errSessionMismatch(sid)
	}
	if err != nil {
		g.logAuth(ctx, subject, sid, address, "", false, err)
		return nil, core.Wrap(core.KindRefreshInvalid, "session", err)
	}

	var perms []string
	if p := s.Metadata[metaPermissions]; p != "" {
		perms = strings.Split(p, ",")
	}
	creds, err := g.issuePair(ctx, ts, auth.AccessRequest{
		Subject:       subject,
		Role:          s.Metadata[metaRole],
		Permissions:   perms,
		OrgID:         s.Metadata[metaOrgID],
		Department:    s.Metadata[metaDepartment],
		SecurityLevel: models.SecurityLevel(s.Metadata[metaLevel]),
		SessionID:     sid,
	})
	if err != nil {
		return nil, err
	}
	g.logAuth(ctx, subject, sid, address, "", true, nil)
	return creds, nil
}

// Logout terminates the session. Credentials bound to it stop verifying.
func (g *Guard) Logout(ctx context.Context, sessionID, reason string) error {
	s, err := g.sessions.Get(sessionID)
	if err != nil {
		return err
	}
	if reason == "" {
		reason = "logout"
	}
	if err := g.sessions.Terminate(sessionID, reason); err != nil {
		return err
	}
	g.logAuth(ctx, s.ActorID, sessionID, "", "", true, nil)
	return nil
}

// EnrollMFA creates a TOTP secret for actorID, stores it restricted in the
// credential store and returns the key for provisioning.
func (g *Guard) EnrollMFA(ctx context.Context, actorID string) (*otp.Key, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      g.Config().Token.Issuer,
		AccountName: actorID,
		Period:      session.TOTPOptions.Period,
		Digits:      session.TOTPOptions.Digits,
		Algorithm:   session.TOTPOptions.Algorithm,
	})
	if err != nil {
		return nil, err
	}
	if err := g.secrets.Store(ctx, mfaPrefix+actorID, []byte(key.Secret()), models.ClassRestricted); err != nil {
		return nil, err
	}
	if err := g.audit.LogConfigChange(ctx, actorID, "mfa_enrollment", true, nil); err != nil {
		g.log.Error().Err(err).Msg("audit write failed")
	}
	return key, nil
}

// VerifyMFA checks a TOTP code for the session's actor and marks the
// session MFA-verified.
func (g *Guard) VerifyMFA(ctx context.Context, sessionID, code string) error {
	s, err := g.sessions.Check(sessionID)
	if err != nil {
		return err
	}
	secret, err := g.secrets.Retrieve(ctx, mfaPrefix+s.ActorID)
	if err != nil {
		return core.Wrap(core.KindPermissionDenied, "mfa_not_enrolled", err)
	}
	err = g.sessions.VerifyMFA(sessionID, string(secret), code)
	g.logAuth(ctx, s.ActorID, sessionID, "", "", err == nil, err)
	return err
}

func (g *Guard) checkTOTP(ctx context.Context, actorID, code string) error {
	secret, err := g.secrets.Retrieve(ctx, mfaPrefix+actorID)
	if err != nil {
		return core.Wrap(core.KindPermissionDenied, "mfa_not_enrolled", err)
	}
	if !session.ValidateTOTP(string(secret), code, g.now()) {
		return core.E(core.KindPermissionDenied, "mfa", "invalid MFA code")
	}
	return nil
}

package api

import (
	"net/http"
	"time"

	"github.com/org/authcore/internal/auth"
	"github.com/org/authcore/internal/guard"
	"github.com/org/authcore/internal/session"
	"github.com/org/authcore/pkg/models"
)

type credentialsResponse struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type"`
	ExpiresIn    int       `json:"expires_in"`
	ExpiresAt    time.Time `json:"expires_at"`
	SessionID    string    `json:"session_id"`
}

func newCredentialsResponse(c *guard.Credentials) credentialsResponse {
	return credentialsResponse{
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		TokenType:    c.TokenType,
		ExpiresIn:    int(time.Until(c.ExpiresAt).Seconds()),
		ExpiresAt:    c.ExpiresAt,
		SessionID:    c.SessionID,
	}
}

func parseTTL(s string) (time.Duration, bool) {
	if s == "" {
		return 0, true
	}
	d, err := time.ParseDuration(s)
	return d, err == nil && d >= 0
}

// LoginHandler handles POST /v1/auth/login
func (s *Server) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountID string `json:"account_id"`
		Secret    string `json:"secret"`
		TOTP      string `json:"totp"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AccountID == "" || req.Secret == "" {
		writeError(w, http.StatusBadRequest, "account_id and secret are required")
		return
	}

	creds, err := s.guard.Login(r.Context(), guard.LoginRequest{
		AccountID:       req.AccountID,
		Secret:          req.Secret,
		TOTP:            req.TOTP,
		Address:         clientIP(r),
		UserAgent:       r.UserAgent(),
		ClientSignature: r.Header.Get("X-Client-Signature"),
	})
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newCredentialsResponse(creds))
}

// RefreshHandler handles POST /v1/auth/refresh
func (s *Server) RefreshHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := decodeJSON(r, &req); err != nil || req.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "refresh_token is required")
		return
	}
	creds, err := s.guard.Refresh(r.Context(), req.RefreshToken, clientIP(r))
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newCredentialsResponse(creds))
}

// VerifyHandler handles GET /v1/auth/verify
func (s *Server) VerifyHandler(w http.ResponseWriter, r *http.Request) {
	c := claimsFromCtx(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"subject":        c.Subject,
		"role":           c.Role,
		"permissions":    c.Permissions,
		"org_id":         c.OrgID,
		"department":     c.Department,
		"security_level": c.SecurityLevel,
		"session_id":     c.SessionID,
		"expires_at":     c.ExpiresAt.Time,
	})
}

// CheckPermissionHandler handles POST /v1/auth/check
func (s *Server) CheckPermissionHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Permission    string `json:"permission"`
		SecurityLevel string `json:"security_level"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Permission == "" {
		writeError(w, http.StatusBadRequest, "permission is required")
		return
	}
	c := claimsFromCtx(r.Context())
	allowed := s.guard.HasPermission(r.Context(), c, req.Permission)
	if allowed && req.SecurityLevel != "" {
		level, ok := models.ParseSecurityLevel(req.SecurityLevel, models.LevelLow)
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown security level")
			return
		}
		allowed = auth.RequireSecurityLevel(c, level) == nil
	}
	writeJSON(w, http.StatusOK, map[string]any{"allowed": allowed})
}

// LogoutHandler handles POST /v1/auth/logout. It ends the caller's session.
func (s *Server) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	c := claimsFromCtx(r.Context())
	if c.SessionID == "" {
		writeError(w, http.StatusBadRequest, "credential is not bound to a session")
		return
	}
	if err := s.guard.Logout(r.Context(), c.SessionID, "logout"); err != nil {
		writeCoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// MFAEnrollHandler handles POST /v1/auth/mfa/enroll for the caller.
func (s *Server) MFAEnrollHandler(w http.ResponseWriter, r *http.Request) {
	key, err := s.guard.EnrollMFA(r.Context(), claimsFromCtx(r.Context()).Subject)
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"secret": key.Secret(),
		"url":    key.URL(),
	})
}

// MFAVerifyHandler handles POST /v1/auth/mfa/verify
func (s *Server) MFAVerifyHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Code == "" {
		writeError(w, http.StatusBadRequest, "code is required")
		return
	}
	c := claimsFromCtx(r.Context())
	if err := s.guard.VerifyMFA(r.Context(), c.SessionID, req.Code); err != nil {
		writeCoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// IssueCredentialsHandler handles POST /v1/auth/credentials. Upstream
// identity providers use it to mint credentials for an authenticated user.
func (s *Server) IssueCredentialsHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ActorID       string   `json:"actor_id"`
		Role          string   `json:"role"`
		Permissions   []string `json:"permissions"`
		OrgID         string   `json:"org_id"`
		Department    string   `json:"department"`
		SecurityLevel string   `json:"security_level"`
		SessionTTL    string   `json:"session_ttl"`
		Address       string   `json:"address"`
		UserAgent     string   `json:"user_agent"`
		MFAVerified   bool     `json:"mfa_verified"`
	}
	if err := decodeJSON(r, &req); err != nil || req.ActorID == "" {
		writeError(w, http.StatusBadRequest, "actor_id is required")
		return
	}
	ttl, ok := parseTTL(req.SessionTTL)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid session_ttl")
		return
	}

	creds, err := s.guard.IssueCredentials(r.Context(), guard.CredentialRequest{
		ActorID:       req.ActorID,
		Role:          req.Role,
		Grants:        req.Permissions,
		OrgID:         req.OrgID,
		Department:    req.Department,
		SecurityLevel: models.SecurityLevel(req.SecurityLevel),
		SessionTTL:    ttl,
		Session: session.Context{
			Address:     req.Address,
			UserAgent:   req.UserAgent,
			MFAVerified: req.MFAVerified,
		},
	})
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newCredentialsResponse(creds))
}

// AccountCreateHandler handles POST /v1/auth/accounts
func (s *Server) AccountCreateHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name          string   `json:"name"`
		Role          string   `json:"role"`
		Permissions   []string `json:"permissions"`
		OrgID         string   `json:"org_id"`
		Department    string   `json:"department"`
		SecurityLevel string   `json:"security_level"`
		SecretTTL     string   `json:"secret_ttl"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	ttl, ok := parseTTL(req.SecretTTL)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid secret_ttl")
		return
	}
	for _, p := range req.Permissions {
		if _, err := models.ParsePermission(p); err != nil {
			writeError(w, http.StatusBadRequest, "invalid permission "+p)
			return
		}
	}

	acct, secret, err := s.guard.CreateAccount(r.Context(), claimsFromCtx(r.Context()).Subject, auth.Account{
		Name:          req.Name,
		Role:          req.Role,
		Permissions:   req.Permissions,
		OrgID:         req.OrgID,
		Department:    req.Department,
		SecurityLevel: models.SecurityLevel(req.SecurityLevel),
	}, ttl)
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"account_id": acct.ID,
		"name":       acct.Name,
		"role":       acct.Role,
		"secret":     secret,
	})
}

package api

import (
	"encoding/base64"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/org/authcore/internal/auth"
	"github.com/org/authcore/internal/crypto"
)

// rootAccountName is the admin service account created by init.
const rootAccountName = "root"

// InitHandler handles POST /v1/sys/init. The shares and the root account
// secret are returned once.
func (s *Server) InitHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	shares, err := s.guard.Init(ctx)
	if err != nil {
		writeCoreError(w, err)
		return
	}
	defer func() {
		for _, sh := range shares {
			crypto.Zero(sh)
		}
	}()

	encoded := make([]string, len(shares))
	for i, sh := range shares {
		encoded[i] = base64.StdEncoding.EncodeToString(sh)
	}
	resp := map[string]any{
		"keys_base64": encoded,
		"threshold":   s.guard.Config().UnsealThreshold,
		"initialized": true,
	}
	// The shares cannot be shown again, so a failed root account still
	// returns them.
	acct, secret, err := s.guard.CreateAccount(ctx, "system", auth.Account{Name: rootAccountName, Role: "admin"}, 0)
	if err != nil {
		s.log.Error().Err(err).Msg("creating root account")
	} else {
		resp["root_account_id"] = acct.ID
		resp["root_secret"] = secret
	}
	writeJSON(w, http.StatusOK, resp)
}

// SealStatusHandler handles GET /v1/sys/seal-status
func (s *Server) SealStatusHandler(w http.ResponseWriter, r *http.Request) {
	st, err := s.guard.SealStatus(r.Context())
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// UnsealHandler handles POST /v1/sys/unseal
func (s *Server) UnsealHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key string `json:"key"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	share, err := base64.StdEncoding.DecodeString(req.Key)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid key encoding (must be base64)")
		return
	}
	defer crypto.Zero(share)

	if _, err := s.guard.Unseal(r.Context(), share); err != nil {
		writeCoreError(w, err)
		return
	}
	s.SealStatusHandler(w, r)
}

// SealHandler handles PUT /v1/sys/seal
func (s *Server) SealHandler(w http.ResponseWriter, r *http.Request) {
	s.guard.Seal()
	s.log.Warn().Str("by", claimsFromCtx(r.Context()).Subject).Msg("security core sealed")
	writeJSON(w, http.StatusOK, map[string]any{"sealed": true})
}

// RotateHandler handles POST /v1/sys/rotate
func (s *Server) RotateHandler(w http.ResponseWriter, r *http.Request) {
	names, err := s.guard.RotateSecrets(r.Context(), claimsFromCtx(r.Context()).Subject)
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rotated": names})
}

// HealthHandler handles GET /v1/sys/health
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	st, err := s.guard.SealStatus(r.Context())
	if err != nil {
		writeCoreError(w, err)
		return
	}
	code := http.StatusOK
	if st.Sealed {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"initialized": st.Initialized,
		"sealed":      st.Sealed,
		"sessions":    s.guard.Sessions().ActiveCount(),
	})
}

// RoleListHandler handles GET /v1/sys/roles
func (s *Server) RoleListHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"roles": s.guard.Roles().Roles()})
}

// RoleReadHandler handles GET /v1/sys/roles/{name}
func (s *Server) RoleReadHandler(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	schema := s.guard.Roles().Role(name)
	if schema.Len() == 0 {
		writeError(w, http.StatusNotFound, "role not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"name": name, "permissions": schema.Strings()})
}

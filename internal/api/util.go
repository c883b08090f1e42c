package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/org/authcore/internal/core"
	"github.com/org/authcore/internal/guard"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func decodeJSON(r *http.Request, dst any) error {
	return json.NewDecoder(r.Body).Decode(dst)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"errors":[%q]}`, msg)
}

var kindStatus = map[core.Kind]int{
	core.KindConfigInvalid:             http.StatusBadRequest,
	core.KindTokenExpired:              http.StatusUnauthorized,
	core.KindTokenInvalid:              http.StatusUnauthorized,
	core.KindRefreshInvalid:            http.StatusUnauthorized,
	core.KindPermissionDenied:          http.StatusForbidden,
	core.KindSecurityLevelInsufficient: http.StatusForbidden,
	core.KindSessionCapacityExceeded:   http.StatusConflict,
	core.KindSessionNotFound:           http.StatusUnauthorized,
	core.KindSessionLocked:             http.StatusLocked,
	core.KindSecretNotFound:            http.StatusNotFound,
	core.KindDecryptionFailed:          http.StatusInternalServerError,
	core.KindRateLimited:               http.StatusTooManyRequests,
	core.KindThreatBlocked:             http.StatusForbidden,
	core.KindTimeout:                   http.StatusGatewayTimeout,
	core.KindSealed:                    http.StatusServiceUnavailable,
	core.KindInternal:                  http.StatusInternalServerError,
}

// writeCoreError maps err to a status code and writes only its public message.
func writeCoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, guard.ErrAlreadyInitialized) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	kind := core.KindOf(err)
	code, ok := kindStatus[kind]
	if !ok {
		code = http.StatusInternalServerError
	}
	if kind == core.KindTokenExpired || kind == core.KindTokenInvalid {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	}
	writeError(w, code, core.PublicMessage(err))
}

package auth

import (
	"github.com/org/authcore/internal/core"
	"github.com/org/authcore/internal/policy"
	"github.com/org/authcore/pkg/models"
)

// HasPermission evaluates required ("action:resource") against the
// permissions embedded in claims.
func HasPermission(claims *AccessClaims, required string) bool {
	if claims == nil {
		return false
	}
	for _, p := range claims.Permissions {
		if policy.MatchesString(p, required) {
			return true
		}
	}
	return false
}

// RequirePermission is HasPermission returning PermissionDenied on failure.
func RequirePermission(claims *AccessClaims, required string) error {
	if HasPermission(claims, required) {
		return nil
	}
	e := core.Errorf(core.KindPermissionDenied, "", "missing permission %s", required)
	if claims != nil {
		e = e.With("subject", claims.Subject)
	}
	return e
}

// RequireSecurityLevel fails with SecurityLevelInsufficient when the
// credential's level is below min.
func RequireSecurityLevel(claims *AccessClaims, min models.SecurityLevel) error {
	if claims != nil && claims.SecurityLevel.AtLeast(min) {
		return nil
	}
	got := models.SecurityLevel("")
	if claims != nil {
		got = claims.SecurityLevel
	}
	return core.Errorf(core.KindSecurityLevelInsufficient, "", "security level %q below required %q", got, min)
}

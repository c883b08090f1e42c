package core

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for callers and the HTTP layer.
type Kind string

const (
	KindConfigInvalid             Kind = "config_invalid"
	KindTokenExpired              Kind = "token_expired"
	KindTokenInvalid              Kind = "token_invalid"
	KindRefreshInvalid            Kind = "refresh_invalid"
	KindPermissionDenied          Kind = "permission_denied"
	KindSecurityLevelInsufficient Kind = "security_level_insufficient"
	KindSessionCapacityExceeded   Kind = "session_capacity_exceeded"
	KindSessionNotFound           Kind = "session_not_found"
	KindSessionLocked             Kind = "session_locked"
	KindSecretNotFound            Kind = "secret_not_found"
	KindDecryptionFailed          Kind = "decryption_failed"
	KindRateLimited               Kind = "rate_limited"
	KindThreatBlocked             Kind = "threat_blocked"
	KindTimeout                   Kind = "timeout"
	KindSealed                    Kind = "sealed"
	KindInternal                  Kind = "internal"
)

// Error is the typed failure returned by every security-core component.
// Message and Context are for logs and the audit trail only.
type Error struct {
	Kind    Kind
	Reason  string
	Message string
	Context map[string]string
	Err     error
}

// E builds an *Error.
func E(kind Kind, reason, msg string) *Error {
	return &Error{Kind: kind, Reason: reason, Message: msg}
}

// Wrap builds an *Error around a cause.
func Wrap(kind Kind, reason string, err error) *Error {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &Error{Kind: kind, Reason: reason, Message: msg, Err: err}
}

func (e *Error) Error() string {
	s := string(e.Kind)
	if e.Reason != "" {
		s += "(" + e.Reason + ")"
	}
	if e.Message != "" {
		s += ": " + e.Message
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind, and on Reason too when the target carries one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Reason == "" || t.Reason == e.Reason
}

// With returns a copy of e with k=v added to its context.
func (e *Error) With(k, v string) *Error {
	c := *e
	c.Context = make(map[string]string, len(e.Context)+1)
	for kk, vv := range e.Context {
		c.Context[kk] = vv
	}
	c.Context[k] = v
	return &c
}

// Sentinels for errors.Is checks.
var (
	ErrConfigInvalid             = &Error{Kind: KindConfigInvalid}
	ErrTokenExpired              = &Error{Kind: KindTokenExpired}
	ErrTokenInvalid              = &Error{Kind: KindTokenInvalid}
	ErrTokenMalformed            = &Error{Kind: KindTokenInvalid, Reason: "malformed"}
	ErrMissingClaim              = &Error{Kind: KindTokenInvalid, Reason: "missing_claim"}
	ErrWrongTokenType            = &Error{Kind: KindTokenInvalid, Reason: "wrong_type"}
	ErrRefreshInvalid            = &Error{Kind: KindRefreshInvalid}
	ErrPermissionDenied          = &Error{Kind: KindPermissionDenied}
	ErrSecurityLevelInsufficient = &Error{Kind: KindSecurityLevelInsufficient}
	ErrSessionCapacityExceeded   = &Error{Kind: KindSessionCapacityExceeded}
	ErrSessionNotFound           = &Error{Kind: KindSessionNotFound}
	ErrSessionLocked             = &Error{Kind: KindSessionLocked}
	ErrSecretNotFound            = &Error{Kind: KindSecretNotFound}
	ErrDecryptionFailed          = &Error{Kind: KindDecryptionFailed}
	ErrRateLimited               = &Error{Kind: KindRateLimited}
	ErrThreatBlocked             = &Error{Kind: KindThreatBlocked}
	ErrTimeout                   = &Error{Kind: KindTimeout}
	ErrSealed                    = &Error{Kind: KindSealed}
)

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

var publicMessages = map[Kind]string{
	KindConfigInvalid:             "invalid configuration",
	KindTokenExpired:              "credential expired",
	KindTokenInvalid:              "invalid credential",
	KindRefreshInvalid:            "invalid refresh credential",
	KindPermissionDenied:          "permission denied",
	KindSecurityLevelInsufficient: "permission denied",
	KindSessionCapacityExceeded:   "too many active sessions",
	KindSessionNotFound:           "session not found",
	KindSessionLocked:             "session locked",
	KindSecretNotFound:            "not found",
	KindDecryptionFailed:          "internal error",
	KindRateLimited:               "rate limit exceeded",
	KindThreatBlocked:             "access blocked",
	KindTimeout:                   "request timed out",
	KindSealed:                    "service is sealed",
	KindInternal:                  "internal error",
}

// PublicMessage is the generic text safe to return to untrusted callers.
func PublicMessage(err error) string {
	return publicMessages[KindOf(err)]
}

// Errorf is shorthand for E with a formatted message.
func Errorf(kind Kind, reason, format string, args ...any) *Error {
	return E(kind, reason, fmt.Sprintf(format, args...))
}

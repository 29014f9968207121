// Package adminauth decides whether a caller may run privileged progress
// operations (mission lock/unlock, deletes, telemetry reports).
//
// Two credentials are accepted in the adminCode field: the shared admin code,
// and, when a token key is configured, a signed operator token minted by
// MintToken. Tokens carry the operator name so privileged calls can be
// attributed in logs.
package adminauth

import (
	"crypto/subtle"
	"errors"
	"strings"
	"time"

	"github.com/gorilla/securecookie"
)

// DefaultCode is the shared admin code used when none is configured.
const DefaultCode = "CONSPIRACY_ADMIN"

// SharedOperator is the operator name reported for the shared admin code.
const SharedOperator = "admin"

const tokenName = "conspiracy-pass-operator"

var (
	// ErrMissing means no admin credential was presented (400).
	ErrMissing = errors.New("adminauth: admin code missing")
	// ErrInvalid means a credential was presented but is not valid (403).
	ErrInvalid = errors.New("adminauth: admin code invalid")
	// ErrTokensDisabled is returned by MintToken when no token key is set.
	ErrTokensDisabled = errors.New("adminauth: operator tokens are not configured")
)

type operatorToken struct {
	Operator string `json:"op"`
	IssuedAt int64  `json:"iat"`
}

// Authorizer validates admin credentials.
type Authorizer struct {
	code   []byte
	tokens *securecookie.SecureCookie
}

// New returns an Authorizer for the shared code. A blank code falls back to
// DefaultCode. tokenKey enables operator tokens; tokens older than maxAge are
// rejected.
func New(code string, tokenKey []byte, maxAge time.Duration) *Authorizer {
	if strings.TrimSpace(code) == "" {
		code = DefaultCode
	}
	a := &Authorizer{code: []byte(code)}
	if len(tokenKey) > 0 {
		sc := securecookie.New(tokenKey, nil)
		sc.SetSerializer(securecookie.JSONEncoder{})
		if maxAge > 0 {
			sc.MaxAge(int(maxAge / time.Second))
		}
		a.tokens = sc
	}
	return a
}

// TokensEnabled reports whether operator tokens are accepted.
func (a *Authorizer) TokensEnabled() bool { return a.tokens != nil }

// Check returns nil when presented is a valid credential, ErrMissing when it
// is blank, and ErrInvalid otherwise.
func (a *Authorizer) Check(presented string) error {
	_, err := a.Operator(presented)
	return err
}

// Operator validates presented and returns who it identifies.
func (a *Authorizer) Operator(presented string) (string, error) {
	if presented == "" {
		return "", ErrMissing
	}
	if a.IsAdmin(presented) {
		return SharedOperator, nil
	}
	if a.tokens != nil {
		var tok operatorToken
		if err := a.tokens.Decode(tokenName, presented, &tok); err == nil && tok.Operator != "" {
			return tok.Operator, nil
		}
	}
	return "", ErrInvalid
}

// IsAdmin reports whether code equals the shared admin code.
func (a *Authorizer) IsAdmin(code string) bool {
	return subtle.ConstantTimeCompare([]byte(code), a.code) == 1
}

// MintToken issues a signed token naming operator.
func (a *Authorizer) MintToken(operator string, now time.Time) (string, error) {
	if a.tokens == nil {
		return "", ErrTokensDisabled
	}
	operator = strings.TrimSpace(operator)
	if operator == "" {
		return "", errors.New("adminauth: operator name is required")
	}
	return a.tokens.Encode(tokenName, operatorToken{Operator: operator, IssuedAt: now.Unix()})
}

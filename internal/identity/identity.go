// Package identity turns bearer tokens into connection-scoped claims and
// extracts the numeric user id from them.
package identity

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claim names checked for the user id, in order.
const (
	ClaimNameID           = "nameid"
	ClaimNameIdentifier   = "http://schemas.xmlsoap.org/ws/2005/05/identity/claims/nameidentifier"
	ClaimSubject          = "sub"
	accessTokenQueryParam = "access_token"
)

var userIDClaims = []string{ClaimNameID, ClaimNameIdentifier, ClaimSubject}

// ErrNoUserID is returned when no usable user id claim is present.
var ErrNoUserID = errors.New("identity: missing or non-numeric user id claim")

// Claims are the identity claims attached to one connection.
type Claims map[string]any

// UserID returns the first positive numeric user id found in the claims.
func (c Claims) UserID() (int64, error) {
	for _, name := range userIDClaims {
		raw, ok := c[name]
		if !ok {
			continue
		}
		id, err := parseUserID(raw)
		if err != nil {
			return 0, fmt.Errorf("%w: %s=%v", ErrNoUserID, name, raw)
		}
		return id, nil
	}
	return 0, ErrNoUserID
}

func parseUserID(raw any) (int64, error) {
	var id int64
	switch v := raw.(type) {
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, err
		}
		id = parsed
	case float64:
		if v != float64(int64(v)) {
			return 0, fmt.Errorf("not an integer")
		}
		id = int64(v)
	case int64:
		id = v
	case int:
		id = int64(v)
	default:
		return 0, fmt.Errorf("unsupported type %T", raw)
	}
	if id <= 0 {
		return 0, fmt.Errorf("not positive")
	}
	return id, nil
}

// Verifier validates HS256 bearer tokens.
type Verifier struct {
	key []byte
	now func() time.Time
}

// NewVerifier returns nil when key is empty, meaning tokens are not verified
// and every connection starts without identity.
func NewVerifier(key string) *Verifier {
	if strings.TrimSpace(key) == "" {
		return nil
	}
	return &Verifier{key: []byte(key), now: time.Now}
}

// Verify parses and validates token, returning its claims.
func (v *Verifier) Verify(token string) (Claims, error) {
	if v == nil {
		return nil, errors.New("identity: verifier is not configured")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("identity: token is required")
	}

	parsed := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, parsed, func(*jwt.Token) (any, error) {
		return v.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}
	return Claims(parsed), nil
}

// FromRequest verifies the bearer token carried by r, either in the
// Authorization header or in the access_token query parameter.
func (v *Verifier) FromRequest(r *http.Request) (Claims, error) {
	return v.Verify(TokenFromRequest(r))
}

// TokenFromRequest extracts the raw bearer token from r.
func TokenFromRequest(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if scheme, token, ok := strings.Cut(auth, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	// ブラウザはWebSocketのハンドシェイクにヘッダーを付けられないため
	return r.URL.Query().Get(accessTokenQueryParam)
}

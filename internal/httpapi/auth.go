package httpapi

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultAudience = "regsync"

	ScopeAdmin              = "admin"
	ScopeRegistriesRead     = "registries:read"
	ScopeRegistriesWrite    = "registries:write"
	ScopeHarvestTrigger     = "harvest:trigger"
	ScopeEntriesRead        = "entries:read"
	ScopeEntriesWrite       = "entries:write"
	ScopeOperationsPurge    = "operations:purge"
	ScopeIntegrityRead      = "integrity:read"
	ScopeIntegrityWrite     = "integrity:write"
	ScopePluginsRead        = "plugins:read"
	ScopePluginsWrite       = "plugins:write"
	ScopeFormatsRead        = "formats:read"
	ScopeFormatsWrite       = "formats:write"
	ScopeNotificationsRead  = "notifications:read"
	ScopeNotificationsWrite = "notifications:write"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// Claims are the bearer token claims accepted by the /v1 API.
type Claims struct {
	Scopes []string `json:"scopes"`
	jwt.RegisteredClaims
}

type tokenClaims struct {
	Subject string
	Scopes  map[string]struct{}
}

func authorizeBearer(authHeader, secret, audience, requiredScope string, now time.Time) (tokenClaims, *authError) {
	claims, err := parseBearer(authHeader, secret, audience, now)
	if err != nil {
		return tokenClaims{}, err
	}
	if requiredScope != "" && !hasAnyScope(claims.Scopes, requiredScope, ScopeAdmin) {
		return tokenClaims{}, &authError{
			status:  http.StatusForbidden,
			code:    "forbidden",
			message: "missing required scope: " + requiredScope,
		}
	}
	return claims, nil
}

func parseBearer(authHeader, secret, audience string, now time.Time) (tokenClaims, *authError) {
	raw, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok {
		return tokenClaims{}, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "missing or invalid bearer token"}
	}
	parsed, err := jwt.ParseWithClaims(strings.TrimSpace(raw), &Claims{}, func(token *jwt.Token) (any, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		message := "invalid token"
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			message = "token expired"
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			message = "jwt signature mismatch"
		case errors.Is(err, jwt.ErrTokenInvalidAudience):
			message = "invalid aud claim"
		case errors.Is(err, jwt.ErrTokenMalformed):
			message = "invalid jwt format"
		}
		return tokenClaims{}, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: message}
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return tokenClaims{}, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "invalid token claims"}
	}
	if claims.Subject == "" {
		return tokenClaims{}, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "missing sub claim"}
	}
	scopes := parseScopes(claims.Scopes)
	if len(scopes) == 0 {
		return tokenClaims{}, &authError{status: http.StatusForbidden, code: "forbidden", message: "no scopes granted"}
	}
	return tokenClaims{Subject: claims.Subject, Scopes: scopes}, nil
}

func parseScopes(raw []string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, item := range raw {
		for _, scope := range strings.Fields(item) {
			out[scope] = struct{}{}
		}
	}
	return out
}

func hasAnyScope(scopes map[string]struct{}, required ...string) bool {
	for _, scope := range required {
		if _, ok := scopes[scope]; ok {
			return true
		}
	}
	return false
}

// IssueToken signs a bearer token for the /v1 API.
func IssueToken(secret, audience, subject string, scopes []string, ttl time.Duration, now time.Time) (string, error) {
	if audience == "" {
		audience = defaultAudience
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return token.SignedString([]byte(secret))
}

// verifyPeer checks the basic credentials peers send when harvesting. No
// configured username means the peer endpoints are open.
func verifyPeer(r *http.Request, username, password string) *authError {
	if username == "" {
		return nil
	}
	gotUser, gotPass, ok := r.BasicAuth()
	if !ok {
		return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "missing peer credentials"}
	}
	userOK := subtle.ConstantTimeCompare([]byte(gotUser), []byte(username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(gotPass), []byte(password)) == 1
	if !userOK || !passOK {
		return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "invalid peer credentials"}
	}
	return nil
}

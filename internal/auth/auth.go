// Package auth verifies caller identity for the settlement API.
//
// Authentication model:
//   - Webhooks: no bearer auth, the payload signature is the credential
//   - User endpoints: HS256 bearer token issued by the marketplace session
//     service; the subject claim is the user id
//   - Admin endpoints: shared operator secret in X-Admin-Secret
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mbd888/promptsettle/internal/apierr"
)

// Errors
var (
	ErrMissingToken = apierr.New(apierr.KindAuth, "unauthorized", "bearer token required")
	ErrInvalidToken = apierr.New(apierr.KindAuth, "invalid_token", "invalid or expired token")
	ErrAdminOnly    = apierr.New(apierr.KindAuth, "admin_required", "admin secret required")
)

// Issuer is the iss claim of tokens minted by this service's tooling.
const Issuer = "promptsettle"

// Claims are the session token claims. Subject carries the user id.
type Claims struct {
	Role string `json:"role,omitempty"`

	jwt.RegisteredClaims
}

// Verifier checks session tokens.
type Verifier struct {
	secret []byte
	leeway time.Duration
}

// NewVerifier creates a verifier for HMAC secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret), leeway: 5 * time.Second}
}

// Verify parses token and returns its claims. Tokens without an expiry or
// subject are rejected.
func (v *Verifier) Verify(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	c, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(c.Subject) == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return c, nil
}

// Sign mints a token for userID. Production tokens come from the session
// service; this serves operator tooling and tests.
func (v *Verifier) Sign(userID string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", errors.New("user id required")
	}
	now := time.Now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-5 * time.Second)),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

func bearerToken(v string) string {
	parts := strings.SplitN(strings.TrimSpace(v), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

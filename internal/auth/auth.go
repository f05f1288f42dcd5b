// Package auth verifies the HS256 bearer tokens carried by platform,
// operator, signer and admin callers.
package auth

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"

	"github.com/dwarvesf/escrow-settlement/internal/consts"
	"github.com/dwarvesf/escrow-settlement/internal/view"
)

const (
	Issuer = "escrow-settlement"

	claimsKey = "auth_claims"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
	ErrInvalidRole  = errors.New("unknown role")
	ErrForbidden    = errors.New("role not allowed for this endpoint")
)

var knownRoles = map[string]struct{}{
	consts.ROLE_SIGNER:   {},
	consts.ROLE_OPERATOR: {},
	consts.ROLE_ADMIN:    {},
	consts.ROLE_PLATFORM: {},
}

// Claims identify the caller. Address is the signer's wallet address and
// is only set for signer and admin tokens.
type Claims struct {
	Role    string `json:"role"`
	Address string `json:"address,omitempty"`
	jwt.RegisteredClaims
}

// Issue signs a token for subject. It is used by ops tooling and tests.
func Issue(secret, subject, role, address string, ttl time.Duration, now time.Time) (string, error) {
	if _, ok := knownRoles[role]; !ok {
		return "", ErrInvalidRole
	}
	claims := Claims{
		Role:    role,
		Address: address,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// Parse verifies signature, issuer and expiry.
func Parse(secret, token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidToken, err.Error())
	}
	if !parsed.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	if _, ok := knownRoles[claims.Role]; !ok {
		return nil, ErrInvalidRole
	}
	return claims, nil
}

func abort(c *gin.Context, status int, err error) {
	c.AbortWithStatusJSON(status, view.CreateResponse[any](nil, err, nil, http.StatusText(status)))
}

// Authenticate requires a valid bearer token and stores its claims on the
// request context.
func Authenticate(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, found := strings.CutPrefix(header, "Bearer ")
		if !found || strings.TrimSpace(token) == "" {
			abort(c, http.StatusUnauthorized, ErrMissingToken)
			return
		}

		claims, err := Parse(secret, strings.TrimSpace(token))
		if err != nil {
			abort(c, http.StatusUnauthorized, err)
			return
		}

		c.Set(claimsKey, claims)
		c.Next()
	}
}

// RequireRoles lets through callers holding one of roles. Admins pass every
// role check.
func RequireRoles(roles ...string) gin.HandlerFunc {
	allowed := map[string]struct{}{consts.ROLE_ADMIN: {}}
	for _, r := range roles {
		allowed[r] = struct{}{}
	}
	return func(c *gin.Context) {
		claims := ClaimsFrom(c)
		if claims == nil {
			abort(c, http.StatusUnauthorized, ErrMissingToken)
			return
		}
		if _, ok := allowed[claims.Role]; !ok {
			abort(c, http.StatusForbidden, ErrForbidden)
			return
		}
		c.Next()
	}
}

func ClaimsFrom(c *gin.Context) *Claims {
	v, ok := c.Get(claimsKey)
	if !ok {
		return nil
	}
	claims, _ := v.(*Claims)
	return claims
}

// Actor names the caller in ledger entries.
func Actor(c *gin.Context) string {
	if claims := ClaimsFrom(c); claims != nil {
		return claims.Role + ":" + claims.Subject
	}
	return "anonymous"
}

// Address returns the caller's wallet address, empty when the token has none.
func Address(c *gin.Context) string {
	if claims := ClaimsFrom(c); claims != nil {
		return claims.Address
	}
	return ""
}

// WithClaims stores claims directly. Handler tests use it in place of a
// signed token.
func WithClaims(claims *Claims) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(claimsKey, claims)
		c.Next()
	}
}

// Package auth verifies the bearer tokens that guard the ledger's admin routes.
package auth

import (
	"errors"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/ledger/backend/internal/infrastructure/config"
)

// DefaultAdminPermission is required by the admin routes when none is configured
const DefaultAdminPermission = "ledger:admin"

var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrExpiredToken     = errors.New("token has expired")
	ErrTokenNotYetValid = errors.New("token is not yet valid")
	ErrMissingSubject   = errors.New("token has no subject")
	ErrTokenRevoked     = errors.New("token has been revoked")
	ErrMissingToken     = errors.New("no token presented")
)

// Claims are the registered claims plus the caller's permissions
type Claims struct {
	jwt.RegisteredClaims
	Permissions []string `json:"permissions,omitempty"`
}

// HasPermission reports whether the token grants permission
func (c *Claims) HasPermission(permission string) bool {
	return slices.Contains(c.Permissions, permission)
}

// JWTService signs and verifies HS256 tokens
type JWTService struct {
	secret          []byte
	issuer          string
	adminPermission string
	now             func() time.Time
}

// NewJWTService creates a JWTService from configuration
func NewJWTService(cfg config.JWTConfig) *JWTService {
	perm := cfg.AdminPermission
	if perm == "" {
		perm = DefaultAdminPermission
	}
	return &JWTService{
		secret:          []byte(cfg.Secret),
		issuer:          cfg.Issuer,
		adminPermission: perm,
		now:             time.Now,
	}
}

// AdminPermission is the permission the admin routes require
func (s *JWTService) AdminPermission() string {
	return s.adminPermission
}

// Issue signs a token for subject. Operators use it to mint admin tokens.
func (s *JWTService) Issue(subject string, permissions []string, ttl time.Duration) (string, error) {
	now := s.now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   subject,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Permissions: permissions,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Verify parses tokenString and checks its signature, lifetime and issuer
func (s *JWTService) Verify(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, opts...)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrExpiredToken
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return nil, ErrTokenNotYetValid
	case err != nil:
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, ErrMissingSubject
	}
	return claims, nil
}

// Package jwt authenticates HS256 bearer tokens.
package jwt

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tjfontaine/erp-mcp-gateway/internal/core/domain"
	"github.com/tjfontaine/erp-mcp-gateway/internal/pkg/config"
)

// DefaultLeeway tolerates clock skew on exp and nbf.
const DefaultLeeway = 30 * time.Second

// Claims carries the gateway identity. The subject is the user id.
type Claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
}

// Provider implements ports.AuthProvider for signed tokens.
type Provider struct {
	secret []byte
	parser *jwt.Parser
}

// NewProvider creates a provider from cfg. The secret is required.
func NewProvider(cfg config.JWTConfig) (*Provider, error) {
	if cfg.Secret == "" {
		return nil, errors.New("jwt secret is required")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(DefaultLeeway),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return &Provider{secret: []byte(cfg.Secret), parser: jwt.NewParser(opts...)}, nil
}

// Authenticate validates token and returns its subject and roles.
func (p *Provider) Authenticate(ctx context.Context, token string) (*domain.Identity, error) {
	if token == "" {
		return nil, errors.New("token is empty")
	}

	var claims Claims
	parsed, err := p.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return p.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !parsed.Valid {
		return nil, errors.New("token is invalid")
	}
	if claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}

	return &domain.Identity{UserID: claims.Subject, Roles: slices.Clone(claims.Roles)}, nil
}

// Issue signs a token for identity valid for ttl. Used by the keygen command
// and tests.
func Issue(cfg config.JWTConfig, identity domain.Identity, ttl time.Duration) (string, error) {
	if cfg.Secret == "" {
		return "", errors.New("jwt secret is required")
	}
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.UserID,
			Issuer:    cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Roles: identity.Roles,
	}
	if cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{cfg.Audience}
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.Secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

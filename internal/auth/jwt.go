// Streamgate - Real-Time Event Distribution Gateway
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/streamgate

package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the JWT claims Streamgate issues and validates.
type Claims struct {
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	jwt.RegisteredClaims
}

// JWTConfig configures the bearer-token strategy.
type JWTConfig struct {
	// Secret signs and verifies tokens (HS256). Minimum 32 characters.
	Secret string

	// Issuer and Audience are enforced on validation when non-empty.
	Issuer   string
	Audience string

	// ClockSkew is the tolerance applied to exp/nbf/iat checks.
	ClockSkew time.Duration

	// TokenTTL bounds tokens issued by GenerateToken.
	TokenTTL time.Duration
}

// JWTManager creates and validates bearer tokens using HMAC-SHA256.
type JWTManager struct {
	secret   []byte
	issuer   string
	audience string
	skew     time.Duration
	ttl      time.Duration
}

// NewJWTManager creates a token manager from the given config.
// The secret must be at least 32 characters.
func NewJWTManager(cfg JWTConfig) (*JWTManager, error) {
	if len(cfg.Secret) < 32 {
		return nil, fmt.Errorf("jwt secret must be at least 32 characters, got %d", len(cfg.Secret))
	}
	ttl := cfg.TokenTTL
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	skew := cfg.ClockSkew
	if skew == 0 {
		skew = 30 * time.Second
	}
	return &JWTManager{
		secret:   []byte(cfg.Secret),
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		skew:     skew,
		ttl:      ttl,
	}, nil
}

// GenerateToken signs a token for the given subject.
// Used by operational tooling and tests; production tokens normally come
// from an external issuer sharing the same secret.
func (m *JWTManager) GenerateToken(userID string, roles, permissions []string) (string, error) {
	now := time.Now()
	claims := &Claims{
		Roles:       roles,
		Permissions: permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    m.issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	if m.audience != "" {
		claims.Audience = jwt.ClaimStrings{m.audience}
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken verifies signature, expiry, issuer, and audience, with the
// configured clock skew tolerance, and returns the claims.
func (m *JWTManager) ValidateToken(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(m.skew),
		jwt.WithExpirationRequired(),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}
	if m.audience != "" {
		opts = append(opts, jwt.WithAudience(m.audience))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return m.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("token is not valid")
	}
	return claims, nil
}

// JWTProvider implements Provider for bearer tokens.
type JWTProvider struct {
	manager *JWTManager
}

// NewJWTProvider creates the bearer-token strategy.
func NewJWTProvider(manager *JWTManager) *JWTProvider {
	return &JWTProvider{manager: manager}
}

// Authenticate validates the credential's bearer token.
func (p *JWTProvider) Authenticate(_ context.Context, cred Credential) (*Context, error) {
	if cred.BearerToken == "" {
		return nil, ErrNoCredentials
	}

	claims, err := p.manager.ValidateToken(cred.BearerToken)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, &Error{Strategy: p.Name(), Reason: "token expired", Err: ErrExpiredCredentials}
		}
		return nil, &Error{Strategy: p.Name(), Reason: "token rejected", Err: ErrInvalidCredentials}
	}

	var expiry time.Time
	if claims.ExpiresAt != nil {
		expiry = claims.ExpiresAt.Time
	}
	return &Context{
		UserID:      claims.Subject,
		Roles:       claims.Roles,
		Permissions: claims.Permissions,
		ExpiresAt:   expiry,
	}, nil
}

// Name returns the strategy name.
func (p *JWTProvider) Name() string {
	return "jwt"
}

// Priority places bearer tokens ahead of API keys.
func (p *JWTProvider) Priority() int {
	return 10
}

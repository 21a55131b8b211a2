// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package auth validates inbound bearer tokens against a provider's JWKS.
package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// Claims are the token claims the broker acts on.
type Claims struct {
	// Subject is the authenticated account id.
	Subject string

	// WorkspaceID comes from the configured workspace claim, when present.
	WorkspaceID string

	// Custom holds all remaining non-standard claims.
	Custom map[string]any
}

// Validator verifies bearer tokens. The JWKS is cached and auto-refreshed
// to follow provider key rotation.
type Validator struct {
	jwksURL        string
	cache          *jwk.Cache
	issuer         string
	audience       string
	workspaceClaim string
}

// Option configures a Validator.
type Option func(*Validator)

// WithIssuer pins the expected iss claim.
func WithIssuer(issuer string) Option {
	return func(v *Validator) { v.issuer = issuer }
}

// WithAudience pins the expected aud claim.
func WithAudience(audience string) Option {
	return func(v *Validator) { v.audience = audience }
}

// WithWorkspaceClaim names the claim carrying the workspace id. Defaults to
// "workspace_id".
func WithWorkspaceClaim(name string) Option {
	return func(v *Validator) { v.workspaceClaim = name }
}

// NewValidator creates a validator over the given JWKS endpoint. The key
// set is fetched eagerly so a misconfigured URL fails at startup, then
// refreshed in the background.
func NewValidator(ctx context.Context, jwksURL string, opts ...Option) (*Validator, error) {
	if jwksURL == "" {
		return nil, fmt.Errorf("jwks url is required")
	}

	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(15*time.Minute)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}
	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS from %s: %w", jwksURL, err)
	}

	v := &Validator{
		jwksURL:        jwksURL,
		cache:          cache,
		workspaceClaim: "workspace_id",
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// ValidateToken verifies the token's signature, expiry, and the configured
// issuer/audience, and extracts the broker's claims.
func (v *Validator) ValidateToken(ctx context.Context, tokenString string) (*Claims, error) {
	keyset, err := v.cache.Get(ctx, v.jwksURL)
	if err != nil {
		return nil, fmt.Errorf("failed to get JWKS: %w", err)
	}

	parseOpts := []jwt.ParseOption{
		jwt.WithKeySet(keyset),
		jwt.WithValidate(true),
	}
	if v.issuer != "" {
		parseOpts = append(parseOpts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		parseOpts = append(parseOpts, jwt.WithAudience(v.audience))
	}

	token, err := jwt.Parse([]byte(tokenString), parseOpts...)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims := &Claims{
		Subject: token.Subject(),
		Custom:  make(map[string]any),
	}
	if raw, ok := token.Get(v.workspaceClaim); ok {
		if s, ok := raw.(string); ok {
			claims.WorkspaceID = s
		}
	}

	standard := map[string]bool{
		"sub": true, "iss": true, "aud": true,
		"exp": true, "iat": true, "nbf": true, "jti": true,
		v.workspaceClaim: true,
	}
	for iter := token.Iterate(ctx); iter.Next(ctx); {
		pair := iter.Pair()
		key := pair.Key.(string)
		if !standard[key] {
			claims.Custom[key] = pair.Value
		}
	}
	return claims, nil
}

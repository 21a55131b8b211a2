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

package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

type contextKey string

const claimsContextKey contextKey = "claims"

// BearerToken extracts the bearer token from an Authorization header.
func BearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	token := strings.TrimPrefix(header, "Bearer ")
	if token == header || token == "" {
		return "", false
	}
	return token, true
}

// WriteUnauthorized replies 401 with the challenge header OAuth clients use
// to discover the protected-resource metadata.
func WriteUnauthorized(w http.ResponseWriter, description, resourceMetadataURL string) {
	challenge := fmt.Sprintf(
		`Bearer error="unauthorized", error_description=%q, resource_metadata=%q`,
		description, resourceMetadataURL,
	)
	w.Header().Set("WWW-Authenticate", challenge)
	http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
}

// Middleware enforces bearer auth and stores claims on the request context.
func (v *Validator) Middleware(resourceMetadataURL string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := BearerToken(r)
			if !ok {
				WriteUnauthorized(w, "Missing or malformed Authorization header", resourceMetadataURL)
				return
			}
			claims, err := v.ValidateToken(r.Context(), token)
			if err != nil {
				WriteUnauthorized(w, err.Error(), resourceMetadataURL)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

// WithClaims stores claims on a context.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey, claims)
}

// ClaimsFromContext returns the claims set by the middleware, or nil.
func ClaimsFromContext(ctx context.Context) *Claims {
	if claims, ok := ctx.Value(claimsContextKey).(*Claims); ok {
		return claims
	}
	return nil
}

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

// Package auth validates bearer JWTs for the flowline HTTP surface.
package auth

import (
	"context"
	"errors"
	"slices"
)

var (
	// ErrUnauthorized is returned when a request carries no usable token.
	ErrUnauthorized = errors.New("unauthorized: authentication required")

	// ErrForbidden is returned when the caller lacks a required role.
	ErrForbidden = errors.New("forbidden: insufficient permissions")

	// ErrInvalidToken is returned when a token fails validation.
	ErrInvalidToken = errors.New("invalid token")
)

type contextKey string

const claimsContextKey contextKey = "flowline_auth_claims"

// Claims are the validated identity of a caller.
type Claims struct {
	Subject string   `json:"sub"`
	Email   string   `json:"email,omitempty"`
	Role    string   `json:"role,omitempty"`
	Roles   []string `json:"roles,omitempty"`

	// Custom holds every other non-registered claim.
	Custom map[string]any `json:"-"`
}

// HasAnyRole reports whether the caller holds one of roles, either as its
// single role claim or within its roles list.
func (c *Claims) HasAnyRole(roles ...string) bool {
	if c == nil {
		return false
	}
	for _, r := range roles {
		if c.Role == r || slices.Contains(c.Roles, r) {
			return true
		}
	}
	return false
}

func (c *Claims) GetStringClaim(key string) string {
	if c == nil || c.Custom == nil {
		return ""
	}
	s, _ := c.Custom[key].(string)
	return s
}

func ContextWithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey, claims)
}

// ClaimsFromContext returns the claims stored by the middleware, or nil.
func ClaimsFromContext(ctx context.Context) *Claims {
	claims, _ := ctx.Value(claimsContextKey).(*Claims)
	return claims
}

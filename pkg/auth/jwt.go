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
	"errors"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// DefaultRefreshInterval is the minimum JWKS refresh interval.
const DefaultRefreshInterval = 15 * time.Minute

// Config selects how tokens are verified: against a JWKS endpoint or with a
// shared HMAC secret.
type Config struct {
	JWKSURL         string
	Secret          string
	Issuer          string
	Audience        string
	RefreshInterval time.Duration
}

// Validator verifies signed JWTs.
type Validator struct {
	cfg    Config
	cache  *jwk.Cache
	cancel context.CancelFunc
}

// NewValidator creates a validator. With a JWKS URL the key set is fetched
// once up front and refreshed in the background.
func NewValidator(ctx context.Context, cfg Config) (*Validator, error) {
	if cfg.JWKSURL == "" && cfg.Secret == "" {
		return nil, errors.New("either a JWKS URL or a secret is required")
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	v := &Validator{cfg: cfg}
	if cfg.JWKSURL == "" {
		return v, nil
	}

	cacheCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cache := jwk.NewCache(cacheCtx)
	if err := cache.Register(cfg.JWKSURL, jwk.WithMinRefreshInterval(cfg.RefreshInterval)); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}
	if _, err := cache.Refresh(ctx, cfg.JWKSURL); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to fetch JWKS from %s: %w", cfg.JWKSURL, err)
	}
	v.cache = cache
	v.cancel = cancel
	return v, nil
}

// Validate parses token and checks its signature, expiry, issuer and
// audience.
func (v *Validator) Validate(ctx context.Context, token string) (*Claims, error) {
	opts := []jwt.ParseOption{jwt.WithValidate(true)}
	if v.cache != nil {
		keyset, err := v.cache.Get(ctx, v.cfg.JWKSURL)
		if err != nil {
			return nil, fmt.Errorf("failed to get JWKS: %w", err)
		}
		opts = append(opts, jwt.WithKeySet(keyset))
	} else {
		opts = append(opts, jwt.WithKey(jwa.HS256, []byte(v.cfg.Secret)))
	}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}
	if v.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.cfg.Audience))
	}

	tok, err := jwt.Parse([]byte(token), opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claimsOf(tok), nil
}

var registered = map[string]bool{
	"sub": true, "email": true, "role": true, "roles": true,
	"iss": true, "aud": true, "exp": true, "iat": true, "nbf": true, "jti": true,
}

func claimsOf(tok jwt.Token) *Claims {
	claims := &Claims{Subject: tok.Subject(), Custom: make(map[string]any)}
	for key, val := range tok.PrivateClaims() {
		switch key {
		case "email":
			claims.Email, _ = val.(string)
		case "role":
			claims.Role, _ = val.(string)
		case "roles":
			if list, ok := val.([]any); ok {
				for _, r := range list {
					if s, ok := r.(string); ok {
						claims.Roles = append(claims.Roles, s)
					}
				}
			}
		default:
			if !registered[key] {
				claims.Custom[key] = val
			}
		}
	}
	return claims
}

// Close stops the background JWKS refresh.
func (v *Validator) Close() {
	if v.cancel != nil {
		v.cancel()
	}
}

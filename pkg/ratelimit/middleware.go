// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ratelimit

import (
	"encoding/json"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"

	"github.com/kadirpekel/flowline/pkg/auth"
)

// IdentifierFunc names the caller of a request. An empty identifier skips
// the limit.
type IdentifierFunc func(r *http.Request) string

// CallerIdentifier uses the token subject when the request was
// authenticated, and the client address otherwise.
func CallerIdentifier(r *http.Request) string {
	if claims := auth.GetClaims(r); claims != nil && claims.Subject != "" {
		return "sub:" + claims.Subject
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "addr:" + host
}

// Middleware rejects requests over quota with 429 and a Retry-After header.
// Admitted responses carry X-RateLimit headers for the tightest rule. A
// failing store lets requests through.
func Middleware(l *Limiter, identify IdentifierFunc) func(http.Handler) http.Handler {
	if identify == nil {
		identify = CallerIdentifier
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := identify(r)
			if id == "" {
				next.ServeHTTP(w, r)
				return
			}

			result, err := l.Take(r.Context(), id)
			if err != nil {
				slog.Error("Rate limit check failed", "error", err, "caller", id)
				next.ServeHTTP(w, r)
				return
			}
			setHeaders(w, result)
			if !result.Allowed {
				slog.Debug("Rate limited", "caller", id, "reason", result.Reason)
				writeLimited(w, result)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func setHeaders(w http.ResponseWriter, result *Result) {
	u := result.tightest()
	if u == nil {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(u.Limit, 10))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(u.Remaining, 10))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(u.WindowEnd.Unix(), 10))
}

func writeLimited(w http.ResponseWriter, result *Result) {
	seconds := int64(math.Ceil(result.RetryAfter.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.FormatInt(seconds, 10))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":             result.Reason,
		"code":              "rate_limited",
		"retryAfterSeconds": seconds,
		"usage":             result.Usages,
	})
}

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

// Package ratelimit enforces fixed-window quotas per caller.
//
// Each rule counts admissions in its own window. A request is admitted only
// when every rule has room; rejected requests are not counted.
//
//	limiter, _ := ratelimit.New([]ratelimit.Rule{
//		{Window: ratelimit.WindowMinute, Limit: 30},
//		{Window: ratelimit.WindowDay, Limit: 1000},
//	}, ratelimit.NewMemoryStore())
//	router.Use(ratelimit.Middleware(limiter, ratelimit.CallerIdentifier))
package ratelimit

import (
	"fmt"
	"time"
)

// Window is the length of a counting window.
type Window string

const (
	WindowSecond Window = "second"
	WindowMinute Window = "minute"
	WindowHour   Window = "hour"
	WindowDay    Window = "day"
)

// Duration returns the length of the window.
func (w Window) Duration() time.Duration {
	switch w {
	case WindowSecond:
		return time.Second
	case WindowMinute:
		return time.Minute
	case WindowHour:
		return time.Hour
	case WindowDay:
		return 24 * time.Hour
	default:
		return 0
	}
}

// ParseWindow converts a config string to a Window.
func ParseWindow(s string) (Window, error) {
	w := Window(s)
	if w.Duration() == 0 {
		return "", fmt.Errorf("invalid window %q (valid: second, minute, hour, day)", s)
	}
	return w, nil
}

// Rule admits at most Limit requests per Window.
type Rule struct {
	Window Window
	Limit  int64
}

// Usage is the state of one rule for one caller.
type Usage struct {
	Window    Window    `json:"window"`
	Current   int64     `json:"current"`
	Limit     int64     `json:"limit"`
	Remaining int64     `json:"remaining"`
	WindowEnd time.Time `json:"windowEnd"`
}

// Result is the outcome of Take.
type Result struct {
	Allowed bool    `json:"allowed"`
	Reason  string  `json:"reason,omitempty"`
	Usages  []Usage `json:"usages"`
	// RetryAfter is set when the request was rejected: the time until the
	// earliest exhausted window resets.
	RetryAfter time.Duration `json:"retryAfter,omitempty"`
}

// Usage returns the usage of the rule with window w.
func (r *Result) Usage(w Window) *Usage {
	for i := range r.Usages {
		if r.Usages[i].Window == w {
			return &r.Usages[i]
		}
	}
	return nil
}

// tightest is the usage with the fewest remaining admissions.
func (r *Result) tightest() *Usage {
	var out *Usage
	for i := range r.Usages {
		u := &r.Usages[i]
		if out == nil || u.Remaining < out.Remaining {
			out = u
		}
	}
	return out
}

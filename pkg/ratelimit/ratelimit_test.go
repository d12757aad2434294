package ratelimit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/flowline/pkg/auth"
	"github.com/kadirpekel/flowline/pkg/config"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time           { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newLimiter(t *testing.T, rules ...Rule) (*Limiter, *clock) {
	t.Helper()
	l, err := New(rules, NewMemoryStore())
	require.NoError(t, err)
	c := &clock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	l.now = c.now
	return l, c
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, NewMemoryStore())
	assert.Error(t, err)
	_, err = New([]Rule{{Window: WindowMinute, Limit: 1}}, nil)
	assert.Error(t, err)
	_, err = New([]Rule{{Window: "fortnight", Limit: 1}}, NewMemoryStore())
	assert.Error(t, err)
	_, err = New([]Rule{{Window: WindowMinute, Limit: 0}}, NewMemoryStore())
	assert.Error(t, err)
}

func TestTake_CountLimit(t *testing.T) {
	l, c := newLimiter(t, Rule{Window: WindowMinute, Limit: 3})
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		res, err := l.Take(ctx, "alice")
		require.NoError(t, err)
		require.True(t, res.Allowed, "request %d", i)
		assert.Equal(t, i, res.Usage(WindowMinute).Current)
		assert.Equal(t, 3-i, res.Usage(WindowMinute).Remaining)
	}

	res, err := l.Take(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Contains(t, res.Reason, "3 runs per minute")
	assert.Equal(t, time.Minute, res.RetryAfter)
	assert.Equal(t, int64(3), res.Usage(WindowMinute).Current, "rejected requests are not counted")

	res, err = l.Take(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, res.Allowed, "callers are counted separately")

	c.advance(time.Minute)
	res, err = l.Take(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(1), res.Usage(WindowMinute).Current)
}

func TestTake_MultipleWindows(t *testing.T) {
	l, c := newLimiter(t,
		Rule{Window: WindowSecond, Limit: 2},
		Rule{Window: WindowHour, Limit: 3},
	)
	ctx := context.Background()

	for range 2 {
		res, err := l.Take(ctx, "alice")
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}
	res, err := l.Take(ctx, "alice")
	require.NoError(t, err)
	require.False(t, res.Allowed)
	assert.Equal(t, time.Second, res.RetryAfter)

	c.advance(time.Second)
	res, err = l.Take(ctx, "alice")
	require.NoError(t, err)
	require.True(t, res.Allowed)
	assert.Equal(t, int64(0), res.Usage(WindowHour).Remaining)

	c.advance(time.Second)
	res, err = l.Take(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Contains(t, res.Reason, "per hour")
	assert.Greater(t, res.RetryAfter, 59*time.Minute)
}

func TestUsageAndReset(t *testing.T) {
	l, _ := newLimiter(t, Rule{Window: WindowDay, Limit: 5})
	ctx := context.Background()

	_, err := l.Take(ctx, "alice")
	require.NoError(t, err)
	usages, err := l.Usage(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, usages, 1)
	assert.Equal(t, int64(1), usages[0].Current)

	require.NoError(t, l.Reset(ctx, "alice"))
	usages, err = l.Usage(ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, usages[0].Current)

	_, err = l.Take(ctx, "")
	assert.Error(t, err)
}

func TestMemoryStore_DeleteExpired(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	_, _, err := s.Increment(ctx, "a", WindowSecond, 1, now)
	require.NoError(t, err)
	_, _, err = s.Increment(ctx, "a", WindowDay, 1, now)
	require.NoError(t, err)
	require.Equal(t, 2, s.Len())

	require.NoError(t, s.DeleteExpired(ctx, now.Add(time.Minute)))
	assert.Equal(t, 1, s.Len())
}

func TestFromConfig(t *testing.T) {
	l, err := FromConfig(&config.RateLimitConfig{})
	require.NoError(t, err)
	assert.Nil(t, l)

	l, err = FromConfig(&config.RateLimitConfig{
		Enabled: true,
		Limits:  []config.RateLimitRule{{Window: "minute", Limit: 10}},
	})
	require.NoError(t, err)
	require.NotNil(t, l)
	assert.Equal(t, []Rule{{Window: WindowMinute, Limit: 10}}, l.rules)

	_, err = FromConfig(&config.RateLimitConfig{
		Enabled: true,
		Limits:  []config.RateLimitRule{{Window: "week", Limit: 10}},
	})
	assert.Error(t, err)
}

func TestMiddleware(t *testing.T) {
	l, _ := newLimiter(t, Rule{Window: WindowMinute, Limit: 1})
	h := Middleware(l, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	req := httptest.NewRequest(http.MethodPost, "/workflows/x/start", nil)
	req.RemoteAddr = "10.0.0.1:5000"

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	var body struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "rate_limited", body.Code)
	assert.NotEmpty(t, body.Error)

	other := httptest.NewRequest(http.MethodPost, "/workflows/x/start", nil)
	other.RemoteAddr = "10.0.0.2:5000"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, other)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestCallerIdentifier(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.7:1234"
	assert.Equal(t, "addr:192.0.2.7", CallerIdentifier(req))

	req = req.WithContext(auth.ContextWithClaims(req.Context(), &auth.Claims{Subject: "user-1"}))
	assert.Equal(t, "sub:user-1", CallerIdentifier(req))
}

package ratelimit

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clock is a manually advanced time source
type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(cfg *Config) (*Limiter, *clock) {
	l := NewLimiter(cfg)
	c := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l.now = c.now
	return l, c
}

func TestTokenBucket_TakeAndRefill(t *testing.T) {
	start := time.Now()
	bucket := newTokenBucket(3, 1.0, start)

	for i := 0; i < 3; i++ {
		assert.True(t, bucket.take(start), "request %d", i+1)
	}
	assert.False(t, bucket.take(start))

	assert.True(t, bucket.take(start.Add(1100*time.Millisecond)))
	assert.False(t, bucket.take(start.Add(1200*time.Millisecond)))
}

func TestTokenBucket_ResetAt(t *testing.T) {
	start := time.Now()
	bucket := newTokenBucket(10, 2.0, start)
	for i := 0; i < 4; i++ {
		bucket.take(start)
	}
	assert.Equal(t, start.Add(2*time.Second), bucket.resetAt(start))
}

func TestMatch(t *testing.T) {
	rules := DefaultRules()

	tests := []struct {
		path, method, want string
	}{
		{"/tasks", "POST", "/tasks"},
		{"/tasks/abc/execute", "POST", "/tasks/*/execute"},
		{"/tasks/abc/execute/stream", "POST", "/tasks/*/execute/stream"},
		{"/tasks/abc/stages/stage_1_idea/optimize", "POST", "/tasks/*/stages/*/optimize"},
		{"/tasks/abc/chapters/def/optimize", "POST", "/tasks/*/chapters/*/optimize"},
		{"/tasks/abc/pause", "POST", "/tasks/"},
		{"/tasks/abc/prompts", "PUT", "/tasks/"},
		{"/health", "GET", "/health"},
		{"/tasks/abc", "GET", ""},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rule := Match(tt.path, tt.method, rules)
			if tt.want == "" {
				assert.Nil(t, rule)
				return
			}
			require.NotNil(t, rule)
			assert.Equal(t, tt.want, rule.Pattern)
		})
	}
}

func TestLimiter_SharesBucketAcrossTasks(t *testing.T) {
	l, _ := newTestLimiter(&Config{
		Enabled: true,
		Rules:   []Rule{{Pattern: "/tasks/*/execute", Method: "POST", Limit: 2, Window: time.Hour}},
	})
	defer l.Stop()

	ok, _ := l.Allow("1.2.3.4", "/tasks/a/execute", "POST")
	assert.True(t, ok)
	ok, _ = l.Allow("1.2.3.4", "/tasks/b/execute", "POST")
	assert.True(t, ok)
	ok, info := l.Allow("1.2.3.4", "/tasks/c/execute", "POST")
	assert.False(t, ok)
	assert.Equal(t, 2, info.Limit)
	assert.Equal(t, 0, info.Remaining)
	assert.Greater(t, info.RetryAfter, time.Duration(0))

	// Another client has its own bucket
	ok, _ = l.Allow("5.6.7.8", "/tasks/a/execute", "POST")
	assert.True(t, ok)
}

func TestLimiter_DefaultLimitAndRefill(t *testing.T) {
	l, c := newTestLimiter(&Config{Enabled: true, DefaultLimit: 60, DefaultWindow: time.Minute})
	defer l.Stop()

	for i := 0; i < 60; i++ {
		ok, _ := l.Allow("client", "/tasks", "GET")
		require.True(t, ok, "request %d", i+1)
	}
	ok, _ := l.Allow("client", "/tasks", "GET")
	assert.False(t, ok)

	c.advance(time.Second)
	ok, _ = l.Allow("client", "/tasks", "GET")
	assert.True(t, ok)
}

func TestLimiter_UnlimitedAndWhitelist(t *testing.T) {
	l, _ := newTestLimiter(&Config{
		Enabled:      true,
		DefaultLimit: 1, DefaultWindow: time.Hour,
		Whitelist: map[string]bool{"10.0.0.1": true},
		Rules:     DefaultRules(),
	})
	defer l.Stop()

	for i := 0; i < 5; i++ {
		ok, _ := l.Allow("client", "/health", "GET")
		assert.True(t, ok)
		ok, _ = l.Allow("10.0.0.1", "/tasks/x", "GET")
		assert.True(t, ok)
	}
}

func TestLimiter_Disabled(t *testing.T) {
	l := NewLimiter(&Config{Enabled: false})
	defer l.Stop()

	for i := 0; i < 100; i++ {
		ok, info := l.Allow("client", "/tasks", "POST")
		require.True(t, ok)
		assert.Equal(t, 0, info.Limit)
	}
}

func TestLimiter_Cleanup(t *testing.T) {
	l, c := newTestLimiter(&Config{Enabled: true, DefaultLimit: 10, DefaultWindow: time.Minute, IdleTTL: time.Minute})
	defer l.Stop()

	l.Allow("old", "/tasks", "GET")
	c.advance(2 * time.Minute)
	l.Allow("fresh", "/tasks", "GET")

	l.cleanup()
	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Len(t, l.buckets, 1)
}

func TestLimiter_Concurrent(t *testing.T) {
	l := NewLimiter(&Config{Enabled: true, DefaultLimit: 50, DefaultWindow: time.Hour})
	defer l.Stop()

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := l.Allow("client", "/tasks", "GET"); ok {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(50), allowed.Load())
}

func TestLoadConfig_Env(t *testing.T) {
	t.Setenv("RATE_LIMIT_DEFAULT_LIMIT", "42")
	t.Setenv("RATE_LIMIT_WHITELIST", "1.1.1.1, 2.2.2.2")

	cfg := LoadConfig()
	assert.True(t, cfg.Enabled)
	assert.Equal(t, 42, cfg.DefaultLimit)
	assert.True(t, cfg.Whitelist["2.2.2.2"])

	t.Setenv("RATE_LIMIT_ENABLED", "false")
	assert.False(t, LoadConfig().Enabled)
}

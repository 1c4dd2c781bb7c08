package httpmiddleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

func TestSimpleTokenBucket(t *testing.T) {
	l := NewSimpleTokenBucket(3, 60)
	now := time.Date(2026, time.October, 19, 9, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if ok, _ := l.Allow(ctx, "ip"); !ok {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if ok, _ := l.Allow(ctx, "ip"); ok {
		t.Error("4th request should be denied")
	}
	if ok, _ := l.Allow(ctx, "other"); !ok {
		t.Error("other key has its own bucket")
	}

	now = now.Add(time.Minute) // refill is capped at capacity
	for i := 0; i < 3; i++ {
		if ok, _ := l.Allow(ctx, "ip"); !ok {
			t.Fatalf("refilled request %d should be allowed", i+1)
		}
	}
	if ok, _ := l.Allow(ctx, "ip"); ok {
		t.Error("bucket should be empty again")
	}
}

func TestRedisWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	l := NewRedisWindow(client, "test", 2, time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := l.Allow(ctx, "R1")
		if err != nil {
			t.Fatalf("allow: %v", err)
		}
		if !ok {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if ok, _ := l.Allow(ctx, "R1"); ok {
		t.Error("3rd request should be denied")
	}
	if ttl := mr.TTL("test:R1"); ttl <= 0 || ttl > time.Minute {
		t.Errorf("ttl = %s, want within one minute", ttl)
	}

	mr.FastForward(time.Minute + time.Second)
	if ok, _ := l.Allow(ctx, "R1"); !ok {
		t.Error("request after window should be allowed")
	}
}

func TestRedisWindowRearmsMissingTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	l := NewRedisWindow(client, "test", 2, time.Minute)
	ctx := context.Background()

	// A counter over the limit left without an expiry by an earlier failed EXPIRE.
	if err := mr.Set("test:R1", "5"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if ok, err := l.Allow(ctx, "R1"); err != nil || ok {
		t.Fatalf("allow = %v, %v; want denied", ok, err)
	}
	if ttl := mr.TTL("test:R1"); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("ttl = %s, want re-armed within one minute", ttl)
	}

	mr.FastForward(time.Minute + time.Second)
	if ok, _ := l.Allow(ctx, "R1"); !ok {
		t.Error("request after the re-armed window should be allowed")
	}
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string) (bool, error) {
	return false, errors.New("redis down")
}

func TestLimitMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/limited", Limit(NewSimpleTokenBucket(1, 1), ClientIP, nil), func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/open", Limit(failingLimiter{}, ClientIP, nil), func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func(path string) int {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec.Code
	}
	if code := do("/limited"); code != http.StatusOK {
		t.Errorf("first = %d, want 200", code)
	}
	if code := do("/limited"); code != http.StatusTooManyRequests {
		t.Errorf("second = %d, want 429", code)
	}
	if code := do("/open"); code != http.StatusOK {
		t.Errorf("limiter failure = %d, want 200", code)
	}
}

package httpmiddleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func limiterAt(capacity, perMinute int, at time.Time) (*Limiter, *time.Time) {
	l := NewLimiter(capacity, perMinute)
	now := at
	l.now = func() time.Time { return now }
	return l, &now
}

func TestAllowExhaustsBurstThenRefills(t *testing.T) {
	start := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
	l, now := limiterAt(3, 60, start)

	for i := 0; i < 3; i++ {
		if !l.allow("device-1") {
			t.Fatalf("request %d denied inside burst capacity", i)
		}
	}
	if l.allow("device-1") {
		t.Fatal("request allowed past an empty bucket")
	}

	// 60/min refills one token per second.
	*now = start.Add(time.Second)
	if !l.allow("device-1") {
		t.Error("request denied after refill")
	}
	if l.allow("device-1") {
		t.Error("refill granted more than elapsed time allows")
	}
}

func TestAllowIsolatesKeys(t *testing.T) {
	l, _ := limiterAt(1, 60, time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC))

	if !l.allow("device-1") {
		t.Fatal("first device denied")
	}
	if l.allow("device-1") {
		t.Fatal("device-1 allowed past its bucket")
	}
	// One device draining its bucket must not affect another.
	if !l.allow("device-2") {
		t.Error("device-2 starved by device-1's traffic")
	}
}

func TestPruneDropsIdleBuckets(t *testing.T) {
	start := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
	l, now := limiterAt(2, 60, start)

	l.allow("device-1")
	l.allow("device-2")

	*now = start.Add(pruneAfter + time.Minute)
	l.allow("device-3")

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.buckets["device-1"]; ok {
		t.Error("idle bucket survived pruning")
	}
	if _, ok := l.buckets["device-3"]; !ok {
		t.Error("active bucket pruned")
	}
}

func TestByFallsBackToClientIP(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l, _ := limiterAt(1, 60, time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC))

	r := gin.New()
	r.GET("/ping", l.By(func(c *gin.Context) string { return "" }), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	send := func() int {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.RemoteAddr = "10.0.0.9:1234"
		r.ServeHTTP(w, req)
		return w.Code
	}
	if code := send(); code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", code)
	}
	// Same source address shares the fallback bucket.
	if code := send(); code != http.StatusTooManyRequests {
		t.Errorf("second request status = %d, want 429", code)
	}
}

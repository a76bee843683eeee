package server_test

import (
	"net/http"
	"net/http/httptest"
	"runtime"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/chaintrail/chaintrail/internal/server"
)

func limitedRouter(rps, burst int) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(server.RateLimiter(rps, burst))
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	return r
}

func pingFrom(r *gin.Engine, addr string) int {
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.RemoteAddr = addr
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w.Code
}

func TestRateLimiter_throttlesBeyondBurst(t *testing.T) {
	r := limitedRouter(1, 2)

	if code := pingFrom(r, "203.0.113.5:1000"); code != http.StatusOK {
		t.Fatalf("first request: status %d", code)
	}
	if code := pingFrom(r, "203.0.113.5:1000"); code != http.StatusOK {
		t.Fatalf("second request within burst: status %d", code)
	}
	if code := pingFrom(r, "203.0.113.5:1000"); code != http.StatusTooManyRequests {
		t.Errorf("over-burst request: status %d, want 429", code)
	}
}

func TestRateLimiter_bucketsArePerClient(t *testing.T) {
	r := limitedRouter(1, 1)

	if code := pingFrom(r, "203.0.113.5:1000"); code != http.StatusOK {
		t.Fatalf("first client: status %d", code)
	}
	if code := pingFrom(r, "203.0.113.5:1000"); code != http.StatusTooManyRequests {
		t.Fatalf("first client over burst: status %d", code)
	}
	// A different address gets a fresh bucket.
	if code := pingFrom(r, "198.51.100.7:2000"); code != http.StatusOK {
		t.Errorf("second client: status %d, want 200", code)
	}
}

func TestRateLimiter_spawnsNoGoroutine(t *testing.T) {
	before := runtime.NumGoroutine()
	for i := 0; i < 50; i++ {
		_ = server.RateLimiter(10, 20)
	}
	if after := runtime.NumGoroutine(); after > before {
		t.Errorf("constructing limiters grew goroutines from %d to %d", before, after)
	}
}

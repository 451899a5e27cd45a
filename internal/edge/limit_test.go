package edge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientKey(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{RPS: 1, Burst: 1, TrustHeader: "X-Forwarded-For"})

	t.Run("socket fallback", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = "10.0.0.9:1234"
		if got := rl.clientKey(r); got != "10.0.0.9" {
			t.Fatalf("clientKey = %q, want 10.0.0.9", got)
		}
	})

	t.Run("trusted header wins", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = "10.0.0.9:1234"
		r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
		if got := rl.clientKey(r); got != "203.0.113.7" {
			t.Fatalf("clientKey = %q, want the first forwarded entry", got)
		}
	})

	t.Run("garbage header falls back to socket", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = "10.0.0.9:1234"
		r.Header.Set("X-Forwarded-For", "not-an-ip")
		if got := rl.clientKey(r); got != "10.0.0.9" {
			t.Fatalf("clientKey = %q, want 10.0.0.9", got)
		}
	})

	t.Run("untrusted deployment ignores the header", func(t *testing.T) {
		plain := newRateLimiter(RateLimitConfig{RPS: 1, Burst: 1})
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = "10.0.0.9:1234"
		r.Header.Set("X-Forwarded-For", "203.0.113.7")
		if got := plain.clientKey(r); got != "10.0.0.9" {
			t.Fatalf("clientKey = %q, want the socket address", got)
		}
	})
}

func TestRateLimitMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	t.Run("burst then 429", func(t *testing.T) {
		rl := newRateLimiter(RateLimitConfig{Enable: true, RPS: 1, Burst: 2})
		h := rl.middleware(ok)
		codes := make([]int, 0, 3)
		var last *httptest.ResponseRecorder
		for i := 0; i < 3; i++ {
			rec := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = "198.51.100.4:9999"
			h.ServeHTTP(rec, r)
			codes = append(codes, rec.Code)
			last = rec
		}
		if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
			t.Fatalf("codes = %v, want [200 200 429]", codes)
		}
		if got := last.Header().Get("Retry-After"); got != "1" {
			t.Fatalf("Retry-After = %q, want 1", got)
		}
	})

	t.Run("clients are limited independently", func(t *testing.T) {
		rl := newRateLimiter(RateLimitConfig{Enable: true, RPS: 1, Burst: 1})
		h := rl.middleware(ok)
		for i, addr := range []string{"198.51.100.4:1", "198.51.100.5:1", "198.51.100.6:1"} {
			rec := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = addr
			h.ServeHTTP(rec, r)
			if rec.Code != http.StatusOK {
				t.Fatalf("client %d got %d, want 200", i, rec.Code)
			}
		}
	})

	t.Run("allowlisted client is never limited", func(t *testing.T) {
		rl := newRateLimiter(RateLimitConfig{Enable: true, RPS: 1, Burst: 1, Allow: []string{"192.0.2.10"}})
		h := rl.middleware(ok)
		for i := 0; i < 10; i++ {
			rec := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = "192.0.2.10:5555"
			h.ServeHTTP(rec, r)
			if rec.Code != http.StatusOK {
				t.Fatalf("request %d got %d, want 200", i, rec.Code)
			}
		}
	})
}

func TestConcurrencyLimit(t *testing.T) {
	t.Run("zero means unlimited", func(t *testing.T) {
		h := concurrencyLimit(0, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want the pass-through handler to run", rec.Code)
		}
	})

	t.Run("full semaphore refuses a dead client", func(t *testing.T) {
		blocker := make(chan struct{})
		inside := make(chan struct{})
		done := make(chan struct{})
		h := concurrencyLimit(1, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			close(inside)
			<-blocker
			w.WriteHeader(http.StatusOK)
		}))

		go func() {
			defer close(done)
			h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
		}()
		<-inside

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx))
		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("status = %d, want 503", rec.Code)
		}

		close(blocker)
		<-done

		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("freed slot got %d, want 200", rec.Code)
		}
	})
}

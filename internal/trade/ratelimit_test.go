package trade

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRateLimiter_PerClient(t *testing.T) {
	rl := NewRateLimiter(1, 2)
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	h := rl.Middleware(ok)

	call := func(addr string) int {
		req := httptest.NewRequest("GET", "/api/v1/markets", nil)
		req.RemoteAddr = addr
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w.Code
	}

	for i := 0; i < 2; i++ {
		if code := call("10.0.0.1:5000"); code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, code)
		}
	}
	// Same host on another port shares the bucket.
	if code := call("10.0.0.1:5001"); code != http.StatusTooManyRequests {
		t.Errorf("expected 429 after the burst, got %d", code)
	}
	if code := call("10.0.0.2:5000"); code != http.StatusOK {
		t.Errorf("expected another client to be unaffected, got %d", code)
	}
}

func TestClientKey(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "192.0.2.7:1234"
	if got := clientKey(req); got != "192.0.2.7" {
		t.Errorf("expected host only, got %s", got)
	}
	req.RemoteAddr = "192.0.2.7"
	if got := clientKey(req); got != "192.0.2.7" {
		t.Errorf("expected raw address, got %s", got)
	}
}

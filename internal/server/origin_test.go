package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestOriginPolicyCheckOrigin(t *testing.T) {
	policy, err := NewOriginPolicy([]string{"https://Viewer.Example.com", " "})
	if err != nil {
		t.Fatalf("NewOriginPolicy error: %v", err)
	}
	cases := []struct {
		name   string
		origin string
		host   string
		want   bool
	}{
		{name: "no origin", origin: "", host: "relay.example.com", want: true},
		{name: "configured", origin: "https://viewer.example.com", host: "relay.example.com", want: true},
		{name: "same origin", origin: "http://relay.example.com", host: "relay.example.com", want: true},
		{name: "foreign", origin: "https://evil.example.com", host: "relay.example.com", want: false},
		{name: "malformed", origin: "viewer.example.com", host: "relay.example.com", want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ws", nil)
			req.Host = tc.host
			if tc.origin != "" {
				req.Header.Set("Origin", tc.origin)
			}
			if got := policy.CheckOrigin(req); got != tc.want {
				t.Fatalf("CheckOrigin(%q) = %v, want %v", tc.origin, got, tc.want)
			}
		})
	}
}

func TestOriginPolicyWildcard(t *testing.T) {
	policy, err := NewOriginPolicy([]string{"*"})
	if err != nil {
		t.Fatalf("NewOriginPolicy error: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Origin", "https://anywhere.example.org")
	if !policy.CheckOrigin(req) {
		t.Fatal("expected wildcard to allow every origin")
	}
}

func TestNewOriginPolicyRejectsInvalid(t *testing.T) {
	if _, err := NewOriginPolicy([]string{"not-an-origin"}); err == nil {
		t.Fatal("expected error for origin without scheme")
	}
}

func TestCORSMiddleware(t *testing.T) {
	policy, err := NewOriginPolicy([]string{"https://viewer.example.com"})
	if err != nil {
		t.Fatalf("NewOriginPolicy error: %v", err)
	}
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	handler := corsMiddleware(policy, nil, next)

	req := httptest.NewRequest(http.MethodGet, "/api/streams", nil)
	req.Header.Set("Origin", "https://viewer.example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Header().Get("Access-Control-Allow-Origin") != "https://viewer.example.com" {
		t.Fatalf("expected allowed origin to pass, got %d %q", rec.Code, rec.Header().Get("Access-Control-Allow-Origin"))
	}

	req = httptest.NewRequest(http.MethodOptions, "/api/events", nil)
	req.Header.Set("Origin", "https://viewer.example.com")
	req.Header.Set("Access-Control-Request-Headers", "X-Request-Id")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent || rec.Header().Get("Access-Control-Allow-Headers") != "X-Request-Id" {
		t.Fatalf("unexpected preflight response %d %v", rec.Code, rec.Header())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/streams", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}

	// Socket paths are left to the gateway.
	req = httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected /ws to bypass CORS, got %d", rec.Code)
	}
}

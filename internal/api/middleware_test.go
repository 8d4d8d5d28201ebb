package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/promontage/montage-agent/internal/composition"
	"github.com/promontage/montage-agent/internal/failure"
	"github.com/promontage/montage-agent/internal/history"
	"github.com/promontage/montage-agent/internal/processing"
	"github.com/promontage/montage-agent/internal/session"
)

func TestIsAllowedOrigin(t *testing.T) {
	allowed := []string{
		"http://localhost:3000",
		"http://localhost",
		"http://127.0.0.1:5173",
		"http://127.0.0.1",
		"http://[::1]:8080",
		"https://web.telegram.org",
		"https://webk.telegram.org",
		"https://telegram.org",
		"https://web.telegram.org:443",
		"https://a--b.telegram.org",
	}

	for _, origin := range allowed {
		if !isAllowedOrigin(origin, nil) {
			t.Errorf("isAllowedOrigin(%q) = false, want true", origin)
		}
	}

	denied := []string{
		"https://evil.com",
		"http://web.telegram.org",
		"https://telegram.org.evil.com",
		"https://web.telegram.org.evil.com",
		"https://eviltelegram.org",
		"http://192.168.1.1:3000",
		"",
		"ftp://localhost:3000",
		"http://localhost:not-a-port",
		"http://localhost:3000/path",
		"https://-bad.telegram.org",
		"https://bad-.telegram.org",
		"https://web.telegram.org:3000/path",
	}

	for _, origin := range denied {
		if isAllowedOrigin(origin, nil) {
			t.Errorf("isAllowedOrigin(%q) = true, want false", origin)
		}
	}
}

func TestIsAllowedOrigin_Extra(t *testing.T) {
	extra := []string{"https://montage.example.com/"}
	if !isAllowedOrigin("https://montage.example.com", extra) {
		t.Error("configured origin should be allowed")
	}
	if isAllowedOrigin("https://other.example.com", extra) {
		t.Error("unconfigured origin should be denied")
	}
}

func TestIsLoopbackRemoteAddr(t *testing.T) {
	cases := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1:12345", true},
		{"[::1]:12345", true},
		{"::1", true},
		{"[::1]", true},
		{"127.0.0.1", true},
		{"8.8.8.8:12345", false},
		{"192.168.1.1:8080", false},
		{"not-an-ip:1234", false},
		{"", false},
		{"garbage", false},
	}

	for _, tc := range cases {
		if got := isLoopbackRemoteAddr(tc.addr); got != tc.want {
			t.Errorf("isLoopbackRemoteAddr(%q) = %v, want %v", tc.addr, got, tc.want)
		}
	}
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestCORSAllowlist_AllowedOrigin(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://web.telegram.org")
	rr := httptest.NewRecorder()

	CORSAllowlist()(okHandler()).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://web.telegram.org" {
		t.Errorf("ACAO = %q, want %q", got, "https://web.telegram.org")
	}
	if got := rr.Header().Get("Vary"); got != "Origin" {
		t.Errorf("Vary = %q, want %q", got, "Origin")
	}
}

func TestCORSAllowlist_DeniedOrigin_GET(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://evil.com")
	rr := httptest.NewRecorder()

	CORSAllowlist()(okHandler()).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (request still served, just no ACAO)", rr.Code, http.StatusOK)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("ACAO = %q, want empty for denied origin", got)
	}
}

func TestCORSAllowlist_DeniedOrigin_Preflight(t *testing.T) {
	handler := CORSAllowlist()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called for denied preflight")
	}))

	req := httptest.NewRequest(http.MethodOptions, "/sessions/x/result", nil)
	req.Header.Set("Origin", "https://evil.com")
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want %d for denied preflight", rr.Code, http.StatusForbidden)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("ACAO = %q, want empty for denied preflight", got)
	}
}

func TestCORSAllowlist_Preflight(t *testing.T) {
	handler := CORSAllowlist()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called for preflight")
	}))

	req := httptest.NewRequest(http.MethodOptions, "/sessions/x/video", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	req.Header.Set("Access-Control-Request-Headers", "range,authorization")
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusNoContent)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("ACAO = %q, want %q", got, "http://localhost:3000")
	}

	allowHeaders := rr.Header().Get("Access-Control-Allow-Headers")
	for _, h := range []string{"Range", "If-Range", "Content-Type", "Authorization", "X-Request-Id"} {
		if !containsHeader(allowHeaders, h) {
			t.Errorf("Access-Control-Allow-Headers missing %q, got %q", h, allowHeaders)
		}
	}

	exposeHeaders := rr.Header().Get("Access-Control-Expose-Headers")
	for _, h := range []string{"Content-Range", "Accept-Ranges", "Content-Length", "Content-Disposition", "ETag"} {
		if !containsHeader(exposeHeaders, h) {
			t.Errorf("Access-Control-Expose-Headers missing %q, got %q", h, exposeHeaders)
		}
	}

	allowMethods := rr.Header().Get("Access-Control-Allow-Methods")
	for _, m := range []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"} {
		if !containsHeader(allowMethods, m) {
			t.Errorf("Access-Control-Allow-Methods missing %q, got %q", m, allowMethods)
		}
	}
}

func TestCORSAllowlist_NoOrigin(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()

	CORSAllowlist()(okHandler()).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("ACAO = %q, want empty when no Origin header", got)
	}
}

func TestCORSAllowlist_VaryIsAdditive(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rr := httptest.NewRecorder()
	rr.Header().Set("Vary", "Accept-Encoding")

	CORSAllowlist()(okHandler()).ServeHTTP(rr, req)

	vary := rr.Header().Values("Vary")
	if len(vary) != 2 || vary[0] != "Accept-Encoding" || vary[1] != "Origin" {
		t.Errorf("Vary = %v, want [Accept-Encoding Origin]", vary)
	}
}

func containsHeader(headerVal, target string) bool {
	for _, part := range strings.Split(headerVal, ",") {
		if strings.TrimSpace(part) == target {
			return true
		}
	}
	return false
}

func TestLoopbackGuard_Rejects_NonLoopback(t *testing.T) {
	handler := LoopbackGuard()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called for non-loopback")
	}))

	req := httptest.NewRequest(http.MethodGet, "/sessions/x/result", nil)
	req.RemoteAddr = "8.8.8.8:12345"
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusForbidden)
	}
	body := decodeJSONBody(t, rr)
	if code, ok := body["code"].(string); !ok || code != "FORBIDDEN" {
		t.Errorf("error code = %v, want FORBIDDEN", body["code"])
	}
}

func TestLoopbackGuard_Allows_Loopback(t *testing.T) {
	called := false
	handler := LoopbackGuard()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/sessions/x/result", nil)
	req.RemoteAddr = "127.0.0.1:54321"
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if !called || rr.Code != http.StatusOK {
		t.Fatalf("called = %v, status = %d", called, rr.Code)
	}
}

type fakeTokens struct {
	token string
	err   error
}

func (f fakeTokens) GetConfig(_ context.Context, key string) (string, error) {
	if key != history.ConfigAuthToken {
		return "", nil
	}
	return f.token, f.err
}

func TestAuthMiddleware(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	tests := []struct {
		name   string
		tokens fakeTokens
		header string
		query  string
		want   int
	}{
		{"bearer ok", fakeTokens{token: "secret"}, "Bearer secret", "", http.StatusOK},
		{"query ok", fakeTokens{token: "secret"}, "", "access_token=secret", http.StatusOK},
		{"missing", fakeTokens{token: "secret"}, "", "", http.StatusUnauthorized},
		{"wrong scheme", fakeTokens{token: "secret"}, "Basic secret", "", http.StatusUnauthorized},
		{"wrong token", fakeTokens{token: "secret"}, "Bearer nope", "", http.StatusUnauthorized},
		{"store error", fakeTokens{err: errors.New("db down")}, "Bearer secret", "", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/runs?"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()

			AuthMiddleware(tt.tokens, logger)(okHandler()).ServeHTTP(rr, req)

			if rr.Code != tt.want {
				t.Errorf("status = %d, want %d", rr.Code, tt.want)
			}
		})
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	handler := RequestIDMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = r.Context().Value(RequestIDKey).(string)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if seen == "" || rr.Header().Get("X-Request-Id") != seen {
		t.Fatalf("request id = %q, header = %q", seen, rr.Header().Get("X-Request-Id"))
	}

	const given = "6f1c1f4e-7d1a-4d43-9d6b-2b6f0f7b1a11"
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-Id", given)
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if seen != given {
		t.Errorf("request id = %q, want caller's %q", seen, given)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handler := RecoveryMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusInternalServerError)
	}
}

func TestFailureResponse(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantErr  string
		wantKind failure.Kind
	}{
		{"not found", session.ErrNotFound, http.StatusNotFound, "NOT_FOUND", ""},
		{"closed", session.ErrClosed, http.StatusGone, "SESSION_CLOSED", ""},
		{"already processing", processing.ErrAlreadyProcessing, http.StatusConflict, "ALREADY_PROCESSING", failure.KindValidation},
		{"mode locked", composition.ErrModeLocked, http.StatusConflict, "MODE_LOCKED", failure.KindValidation},
		{"no result", session.ErrNoResult, http.StatusNotFound, "NO_RESULT", failure.KindValidation},
		{"validation", failure.Validation("bad ratio"), http.StatusBadRequest, "VALIDATION_ERROR", failure.KindValidation},
		{"asset", failure.AssetFetch(nil, "avatar gone"), http.StatusBadGateway, "ASSET_FETCH_FAILED", failure.KindAssetFetch},
		{"backend", failure.BackendUnavailable(nil, "down"), http.StatusServiceUnavailable, "BACKEND_UNAVAILABLE", failure.KindBackendUnavailable},
		{"environment", failure.UnsupportedEnvironment("no ffmpeg"), http.StatusNotImplemented, "UNSUPPORTED_ENVIRONMENT", failure.KindUnsupportedEnvironment},
		{"unclassified", errors.New("disk full"), http.StatusInternalServerError, "INTERNAL_ERROR", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, resp := failureResponse(tt.err)
			if status != tt.wantCode || resp.Code != tt.wantErr || resp.Kind != tt.wantKind {
				t.Errorf("failureResponse() = %d %s %s, want %d %s %s",
					status, resp.Code, resp.Kind, tt.wantCode, tt.wantErr, tt.wantKind)
			}
			if tt.wantKind != "" && resp.Hint == "" {
				t.Error("classified failure should carry a hint")
			}
		})
	}
}

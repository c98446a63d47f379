package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tjfontaine/erp-mcp-gateway/internal/core/ports"
)

// =============================================================================
// RateLimitHeadersMiddleware Tests
// =============================================================================

func TestRateLimitHeadersMiddleware(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		RecordRateLimit(r.Context(), &ports.RateLimitInfo{Limit: 100, Remaining: 0, ResetAt: 1704067200})
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	RateLimitHeadersMiddleware(handler).ServeHTTP(rec, httptest.NewRequest("POST", "/tools/call", nil))

	checkHeader(t, rec, "x-ratelimit-limit-requests", "100")
	checkHeader(t, rec, "x-ratelimit-remaining-requests", "0")
	checkHeader(t, rec, "x-ratelimit-reset-requests", "1704067200")
}

func TestRateLimitHeadersMiddleware_NoRateLimits(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	rec := httptest.NewRecorder()
	RateLimitHeadersMiddleware(handler).ServeHTTP(rec, httptest.NewRequest("GET", "/tools", nil))

	for _, h := range []string{"x-ratelimit-limit-requests", "x-ratelimit-remaining-requests"} {
		if v := rec.Header().Get(h); v != "" {
			t.Errorf("expected no %s header, got %q", h, v)
		}
	}
}

func TestRecordRateLimit_LastWins(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		RecordRateLimit(r.Context(), &ports.RateLimitInfo{Limit: 10, Remaining: 9})
		RecordRateLimit(r.Context(), &ports.RateLimitInfo{Limit: 10, Remaining: 8})
		if got := GetRateLimits(r.Context()); got == nil || got.Remaining != 8 {
			t.Errorf("GetRateLimits() = %+v, want remaining 8", got)
		}
		w.WriteHeader(http.StatusTooManyRequests)
	})

	rec := httptest.NewRecorder()
	RateLimitHeadersMiddleware(handler).ServeHTTP(rec, httptest.NewRequest("POST", "/", nil))
	checkHeader(t, rec, "x-ratelimit-remaining-requests", "8")
}

func TestRecordRateLimit_OutsideMiddleware(t *testing.T) {
	ctx := context.Background()
	RecordRateLimit(ctx, &ports.RateLimitInfo{Limit: 1})
	if GetRateLimits(ctx) != nil {
		t.Error("expected nil rate limits without middleware")
	}
}

func checkHeader(t *testing.T, rec *httptest.ResponseRecorder, header, want string) {
	t.Helper()
	if got := rec.Header().Get(header); got != want {
		t.Errorf("header %s = %q, want %q", header, got, want)
	}
}

// =============================================================================
// RequestIDMiddleware Tests
// =============================================================================

func TestRequestIDMiddleware(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetRequestID(r.Context()) == "" {
			t.Error("Expected request ID in context")
		}
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	RequestIDMiddleware(handler).ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	if rec.Header().Get(RequestIDHeader) == "" {
		t.Error("Expected X-Request-ID header to be set")
	}
}

func TestRequestIDMiddleware_KeepsClientID(t *testing.T) {
	const clientID = "6f1c2a4e-8d3b-4f5a-9c7e-2b1d0e3f4a5b"
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := GetRequestID(r.Context()); got != clientID {
			t.Errorf("request id = %q, want %q", got, clientID)
		}
	})

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set(RequestIDHeader, clientID)
	rec := httptest.NewRecorder()
	RequestIDMiddleware(handler).ServeHTTP(rec, req)
	checkHeader(t, rec, RequestIDHeader, clientID)

	req = httptest.NewRequest("GET", "/", nil)
	req.Header.Set(RequestIDHeader, "not a uuid; rm -rf")
	rec = httptest.NewRecorder()
	RequestIDMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})).ServeHTTP(rec, req)
	if rec.Header().Get(RequestIDHeader) == "not a uuid; rm -rf" {
		t.Error("malformed client request id should be replaced")
	}
}

func TestGetRequestID_NotSet(t *testing.T) {
	if id := GetRequestID(context.Background()); id != "" {
		t.Errorf("Expected empty string, got %q", id)
	}
}

// =============================================================================
// TimeoutMiddleware Tests
// =============================================================================

func TestTimeoutMiddleware(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := r.Context().Deadline(); !ok {
			t.Error("Expected context to have deadline")
		}
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	TimeoutMiddleware(30*time.Second)(handler).ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, rec.Code)
	}
}

func TestTimeoutMiddleware_ContextCancelled(t *testing.T) {
	contextCancelled := false
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
			contextCancelled = true
		case <-time.After(100 * time.Millisecond):
		}
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	TimeoutMiddleware(10*time.Millisecond)(handler).ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	if !contextCancelled {
		t.Error("Expected context to be cancelled due to timeout")
	}
}

func TestTimeoutMiddleware_Disabled(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := r.Context().Deadline(); ok {
			t.Error("Expected no deadline when timeout is zero")
		}
	})
	TimeoutMiddleware(0)(handler).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
}

// =============================================================================
// CredentialsMiddleware Tests
// =============================================================================

func TestCredentialsMiddleware(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{"bearer", map[string]string{"Authorization": "Bearer key-123"}, "key-123"},
		{"lowercase bearer", map[string]string{"Authorization": "bearer key-123"}, "key-123"},
		{"raw authorization", map[string]string{"Authorization": "key-123"}, "key-123"},
		{"api key header", map[string]string{APIKeyHeader: "key-456"}, "key-456"},
		{"authorization wins", map[string]string{"Authorization": "Bearer a", APIKeyHeader: "b"}, "a"},
		{"none", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = Credentials(r.Context())
			})
			req := httptest.NewRequest("POST", "/tools/call", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			CredentialsMiddleware(handler).ServeHTTP(rec, req)

			if got != tt.want {
				t.Errorf("Credentials() = %q, want %q", got, tt.want)
			}
			if rec.Code != http.StatusOK {
				t.Errorf("middleware must not reject, got status %d", rec.Code)
			}
		})
	}
}

// =============================================================================
// LoggingMiddleware Tests
// =============================================================================

func TestLoggingMiddleware(t *testing.T) {
	var buf strings.Builder
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	testHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		AddLogField(r.Context(), "tool", "get_customer")
		AddLogField(r.Context(), "ignored", "")
		AddError(r.Context(), errors.New("backend down"))
		AddError(r.Context(), nil)
		w.WriteHeader(http.StatusBadGateway)
	})

	rec := httptest.NewRecorder()
	RequestIDMiddleware(LoggingMiddleware(logger)(testHandler)).ServeHTTP(rec, httptest.NewRequest("GET", "/test-path", nil))

	output := buf.String()
	for _, want := range []string{"request started", "request completed", "/test-path", "tool=get_customer", `error="backend down"`, "level=WARN", "status=502"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in log output:\n%s", want, output)
		}
	}
	if strings.Contains(output, "ignored") {
		t.Error("empty log fields should be skipped")
	}
}

func TestAddLogField_NoContext(t *testing.T) {
	AddLogField(context.Background(), "key", "value")
}

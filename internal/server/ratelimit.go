package server

import (
	"context"
	"net/http"
	"strconv"
	"sync"

	"github.com/tjfontaine/erp-mcp-gateway/internal/core/ports"
)

// rateLimitContextKey is the context key for the request's rate limit slot.
type rateLimitContextKey struct{}

type rateLimitSlot struct {
	mu   sync.Mutex
	info *ports.RateLimitInfo
}

// RecordRateLimit stores the latest bucket state for the current request.
// It is the pipeline's rate limit hook; outside RateLimitHeadersMiddleware it
// does nothing.
func RecordRateLimit(ctx context.Context, info *ports.RateLimitInfo) {
	slot, ok := ctx.Value(rateLimitContextKey{}).(*rateLimitSlot)
	if !ok || info == nil {
		return
	}
	cp := *info
	slot.mu.Lock()
	slot.info = &cp
	slot.mu.Unlock()
}

// GetRateLimits returns the bucket state recorded for the request, or nil.
func GetRateLimits(ctx context.Context) *ports.RateLimitInfo {
	slot, ok := ctx.Value(rateLimitContextKey{}).(*rateLimitSlot)
	if !ok {
		return nil
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	return slot.info
}

// RateLimitHeadersMiddleware writes x-ratelimit-* headers from the bucket
// state recorded while the request ran.
func RateLimitHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), rateLimitContextKey{}, &rateLimitSlot{})
		wrapped := &rateLimitResponseWriter{ResponseWriter: w, ctx: ctx}
		next.ServeHTTP(wrapped, r.WithContext(ctx))
	})
}

type rateLimitResponseWriter struct {
	http.ResponseWriter
	ctx          context.Context
	wroteHeaders bool
}

func (rw *rateLimitResponseWriter) WriteHeader(code int) {
	rw.writeRateLimitHeaders()
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *rateLimitResponseWriter) Write(b []byte) (int, error) {
	rw.writeRateLimitHeaders()
	return rw.ResponseWriter.Write(b)
}

func (rw *rateLimitResponseWriter) writeRateLimitHeaders() {
	if rw.wroteHeaders {
		return
	}
	rw.wroteHeaders = true

	rl := GetRateLimits(rw.ctx)
	if rl == nil || rl.Limit <= 0 {
		return
	}
	h := rw.Header()
	h.Set("x-ratelimit-limit-requests", strconv.Itoa(rl.Limit))
	h.Set("x-ratelimit-remaining-requests", strconv.Itoa(rl.Remaining))
	if rl.ResetAt > 0 {
		h.Set("x-ratelimit-reset-requests", strconv.FormatInt(rl.ResetAt, 10))
	}
}

package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/sungwon/push-worker/internal/logger"
)

func TestCorrelationIDMiddleware(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"generated", ""},
		{"propagated", "corr-123"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			h := CorrelationIDMiddleware(zerolog.Nop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = logger.CorrelationIDFromContext(r.Context())
			}))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("X-Correlation-ID", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if seen == "" {
				t.Fatal("expected correlation id in context")
			}
			if tt.header != "" && seen != tt.header {
				t.Errorf("expected %q, got %q", tt.header, seen)
			}
			if rec.Header().Get("X-Correlation-ID") != seen {
				t.Errorf("response header %q does not match context id %q", rec.Header().Get("X-Correlation-ID"), seen)
			}
		})
	}
}

func TestRecoverMiddleware(t *testing.T) {
	h := RecoverMiddleware(zerolog.Nop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", rec.Code)
	}
}

func TestStatusWriter_FirstStatusWins(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := &statusWriter{ResponseWriter: rec, status: http.StatusOK}

	sw.WriteHeader(http.StatusTeapot)
	sw.WriteHeader(http.StatusInternalServerError)

	if sw.status != http.StatusTeapot {
		t.Errorf("expected 418, got %d", sw.status)
	}
}

func TestRoutePattern(t *testing.T) {
	var got string
	r := chi.NewRouter()
	r.Get("/items/{id}", func(w http.ResponseWriter, req *http.Request) {
		got = routePattern(req)
	})
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/items/42", nil))

	if got != "/items/{id}" {
		t.Errorf("expected route pattern /items/{id}, got %q", got)
	}

	bare := httptest.NewRequest(http.MethodGet, "/nowhere", nil)
	if p := routePattern(bare); p != "unmatched" {
		t.Errorf("expected unmatched, got %q", p)
	}
}

func TestStatusWriter_CountsBytes(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := &statusWriter{ResponseWriter: rec, status: http.StatusOK}

	sw.Write([]byte("hello "))
	sw.Write([]byte("world"))
	sw.WriteHeader(http.StatusTeapot)

	if sw.written != 11 {
		t.Errorf("expected 11 bytes, got %d", sw.written)
	}
	if sw.status != http.StatusOK {
		t.Errorf("status after body write must stay 200, got %d", sw.status)
	}
}

func TestLoggingMiddleware_RecordsRecoveredPanicAs500(t *testing.T) {
	r := chi.NewRouter()
	r.Use(LoggingMiddleware(zerolog.Nop()))
	r.Use(RecoverMiddleware(zerolog.Nop()))
	r.Get("/boom", func(http.ResponseWriter, *http.Request) { panic("boom") })

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", rec.Code)
	}
}

package downstream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sungwon/push-worker/internal/auth"
)

func TestTemplateClient_Render(t *testing.T) {
	var gotPath string
	var gotBody renderRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"title":"Hi Ada","body":"You have 3 new messages"}`))
	}))
	defer srv.Close()

	c := NewTemplateClient(TemplateConfig{BaseURL: srv.URL + "/", Language: "en"}, NewHTTPClient(TransportConfig{}))
	out, err := c.Render(context.Background(), "welcome push", map[string]any{"name": "Ada", "count": 3})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}

	if gotPath != "/api/v1/templates/welcome push/render" {
		t.Errorf("path = %q", gotPath)
	}
	if gotBody.Language != "en" {
		t.Errorf("language = %q, want en", gotBody.Language)
	}
	if gotBody.Params["name"] != "Ada" {
		t.Errorf("params[name] = %v, want Ada", gotBody.Params["name"])
	}
	if out.Title != "Hi Ada" || out.Body != "You have 3 new messages" {
		t.Errorf("Render() = %+v", out)
	}
}

func TestTemplateClient_ErrorClassification(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		wantPermanent bool
	}{
		{name: "not found", status: http.StatusNotFound, body: "unknown template", wantPermanent: true},
		{name: "bad request", status: http.StatusBadRequest, body: "missing param", wantPermanent: true},
		{name: "rate limited", status: http.StatusTooManyRequests, body: "slow down"},
		{name: "server error", status: http.StatusInternalServerError, body: "boom"},
		{name: "unavailable", status: http.StatusServiceUnavailable, body: "maintenance"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, tt.body, tt.status)
			}))
			defer srv.Close()

			c := NewTemplateClient(TemplateConfig{BaseURL: srv.URL}, NewHTTPClient(TransportConfig{}))
			_, err := c.Render(context.Background(), "code", nil)

			var de *Error
			if !errors.As(err, &de) {
				t.Fatalf("Render() error = %v, want *Error", err)
			}
			if de.StatusCode != tt.status {
				t.Errorf("StatusCode = %d, want %d", de.StatusCode, tt.status)
			}
			if de.Permanent != tt.wantPermanent {
				t.Errorf("Permanent = %v, want %v", de.Permanent, tt.wantPermanent)
			}
			if de.Service != "template" {
				t.Errorf("Service = %q, want template", de.Service)
			}
		})
	}
}

func TestTemplateClient_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewTemplateClient(TemplateConfig{BaseURL: srv.URL, Timeout: 50 * time.Millisecond}, NewHTTPClient(TransportConfig{}))

	start := time.Now()
	_, err := c.Render(context.Background(), "code", nil)
	if err == nil {
		t.Fatal("Render() expected timeout error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Render() error = %v, want deadline exceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Render() took %v, timeout not applied", elapsed)
	}
}

func TestTemplateClient_EmptyContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewTemplateClient(TemplateConfig{BaseURL: srv.URL}, NewHTTPClient(TransportConfig{}))
	if _, err := c.Render(context.Background(), "code", nil); err == nil {
		t.Fatal("Render() expected error for empty content")
	}
}

func TestPushClient_SendSigned(t *testing.T) {
	tokens := auth.NewTokenService(auth.TokenConfig{
		SigningKey: "push-gateway-secret-at-least-32-chars",
		Audience:   "push-gateway",
	})

	var gotReq pushRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/push" {
			t.Errorf("path = %q", r.URL.Path)
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		claims, err := tokens.ValidateServiceToken(token)
		if err != nil {
			t.Errorf("ValidateServiceToken() error = %v", err)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if claims.Scope != "push:send" {
			t.Errorf("scope = %q", claims.Scope)
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotReq)
		_, _ = w.Write([]byte(`{"message_id":"msg-42"}`))
	}))
	defer srv.Close()

	c := NewPushClient(PushConfig{
		BaseURL: srv.URL,
		Auth: auth.TokenConfig{
			SigningKey: "push-gateway-secret-at-least-32-chars",
			Audience:   "push-gateway",
		},
	}, NewHTTPClient(TransportConfig{}))

	conf, err := c.Send(context.Background(), "device-token", &Rendered{Title: "t", Body: "b", Data: map[string]any{"k": "v"}})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if conf.MessageID != "msg-42" {
		t.Errorf("MessageID = %q, want msg-42", conf.MessageID)
	}
	if gotReq.Token != "device-token" || gotReq.Title != "t" || gotReq.Body != "b" {
		t.Errorf("request = %+v", gotReq)
	}
	if gotReq.Data["k"] != "v" {
		t.Errorf("data = %v", gotReq.Data)
	}
}

func TestPushClient_UnsignedWithoutKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h := r.Header.Get("Authorization"); h != "" {
			t.Errorf("Authorization = %q, want none", h)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := NewPushClient(PushConfig{BaseURL: srv.URL}, NewHTTPClient(TransportConfig{}))
	if _, err := c.Send(context.Background(), "device-token", &Rendered{Title: "t"}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
}

func TestPushClient_GatewayRejects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unregistered device", http.StatusGone)
	}))
	defer srv.Close()

	c := NewPushClient(PushConfig{BaseURL: srv.URL}, NewHTTPClient(TransportConfig{}))
	_, err := c.Send(context.Background(), "stale-token", &Rendered{Title: "t"})
	if !IsPermanent(err) {
		t.Errorf("Send() error = %v, want permanent", err)
	}
}

func TestPushClient_NilContent(t *testing.T) {
	c := NewPushClient(PushConfig{BaseURL: "http://unused"}, NewHTTPClient(TransportConfig{}))
	if _, err := c.Send(context.Background(), "device-token", nil); err == nil {
		t.Fatal("Send() expected error for nil content")
	}
}

func TestHTTPClient_SharedConcurrently(t *testing.T) {
	var inFlight, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		inFlight.Add(-1)
		_, _ = w.Write([]byte(`{"title":"t","body":"b"}`))
	}))
	defer srv.Close()

	c := NewTemplateClient(TemplateConfig{BaseURL: srv.URL}, NewHTTPClient(TransportConfig{}))

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Render(context.Background(), "code", nil); err != nil {
				t.Errorf("Render() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if peak.Load() < 2 {
		t.Errorf("peak concurrent requests = %d, calls were serialized", peak.Load())
	}
}

func TestClassifyHTTPError(t *testing.T) {
	if ClassifyHTTPError("push", http.StatusOK, nil) != nil {
		t.Error("2xx must not produce an error")
	}

	long := strings.Repeat("x", 2000)
	de := ClassifyHTTPError("push", http.StatusBadGateway, []byte(long))
	if len(de.Message) != 512 {
		t.Errorf("message length = %d, want 512", len(de.Message))
	}
	if de.Permanent {
		t.Error("502 must be transient")
	}
	if !strings.Contains(de.Error(), "status 502") {
		t.Errorf("Error() = %q", de.Error())
	}
}

package message

import (
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"
)

const validPayload = `{
	"trace_id": "trace-1",
	"user_id": "user-1",
	"template_code": "welcome_push",
	"recipient": "device-token-abc",
	"idempotency_key": "idem-1",
	"name": "Ada",
	"count": 3,
	"meta": {"plan": "pro"}
}`

func TestParse_Valid(t *testing.T) {
	msg, err := Parse([]byte(validPayload))
	if err != nil {
		t.Fatalf("Parse() unexpected error: %v", err)
	}

	if msg.TraceID != "trace-1" {
		t.Errorf("TraceID = %q, want %q", msg.TraceID, "trace-1")
	}
	if msg.UserID != "user-1" {
		t.Errorf("UserID = %q, want %q", msg.UserID, "user-1")
	}
	if msg.TemplateCode != "welcome_push" {
		t.Errorf("TemplateCode = %q, want %q", msg.TemplateCode, "welcome_push")
	}
	if msg.Recipient != "device-token-abc" {
		t.Errorf("Recipient = %q, want %q", msg.Recipient, "device-token-abc")
	}
	if msg.IdempotencyKey != "idem-1" {
		t.Errorf("IdempotencyKey = %q, want %q", msg.IdempotencyKey, "idem-1")
	}

	if len(msg.Params) != 3 {
		t.Fatalf("len(Params) = %d, want 3", len(msg.Params))
	}
	if msg.Params["name"] != "Ada" {
		t.Errorf("Params[name] = %v, want Ada", msg.Params["name"])
	}
	if n, ok := msg.Params["count"].(json.Number); !ok || n.String() != "3" {
		t.Errorf("Params[count] = %#v, want json.Number(3)", msg.Params["count"])
	}
	if _, ok := msg.Params["trace_id"]; ok {
		t.Error("named field trace_id must not appear in Params")
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name      string
		payload   string
		wantField string
	}{
		{name: "not json", payload: `not-json{`},
		{name: "json array", payload: `[1,2,3]`},
		{name: "json null", payload: `null`, wantField: "trace_id,user_id,template_code,recipient,idempotency_key"},
		{name: "empty object", payload: `{}`, wantField: "trace_id,user_id,template_code,recipient,idempotency_key"},
		{
			name:      "missing idempotency key",
			payload:   `{"trace_id":"t","user_id":"u","template_code":"c","recipient":"r"}`,
			wantField: "idempotency_key",
		},
		{
			name:      "empty recipient",
			payload:   `{"trace_id":"t","user_id":"u","template_code":"c","recipient":"","idempotency_key":"k"}`,
			wantField: "recipient",
		},
		{
			name:      "wrong type for user id",
			payload:   `{"trace_id":"t","user_id":42,"template_code":"c","recipient":"r","idempotency_key":"k"}`,
			wantField: "user_id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Parse([]byte(tt.payload))
			if err == nil {
				t.Fatalf("Parse() = %+v, want error", msg)
			}

			var pe *ParseError
			if !errors.As(err, &pe) {
				t.Fatalf("Parse() error type = %T, want *ParseError", err)
			}
			if tt.wantField != "" && pe.Field != tt.wantField {
				t.Errorf("ParseError.Field = %q, want %q", pe.Field, tt.wantField)
			}
		})
	}
}

func TestNotification_MarshalRoundTrip(t *testing.T) {
	msg, err := Parse([]byte(validPayload))
	if err != nil {
		t.Fatalf("Parse() unexpected error: %v", err)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal() unexpected error: %v", err)
	}

	var flat map[string]any
	if err := json.Unmarshal(data, &flat); err != nil {
		t.Fatalf("Unmarshal() unexpected error: %v", err)
	}
	if flat["name"] != "Ada" {
		t.Errorf("flat[name] = %v, want Ada (params must be top-level)", flat["name"])
	}
	if flat["idempotency_key"] != "idem-1" {
		t.Errorf("flat[idempotency_key] = %v, want idem-1", flat["idempotency_key"])
	}

	again, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse(re-marshaled) unexpected error: %v", err)
	}
	if again.TraceID != msg.TraceID || again.Recipient != msg.Recipient {
		t.Errorf("re-parsed message differs: %+v vs %+v", again, msg)
	}
}

func TestNewDLQMessage_PreservesOriginalAndTimestamp(t *testing.T) {
	msg, err := Parse([]byte(validPayload))
	if err != nil {
		t.Fatalf("Parse() unexpected error: %v", err)
	}

	loc := time.FixedZone("UTC+9", 9*60*60)
	failedAt := time.Date(2026, 3, 4, 14, 5, 6, 123456789, loc)

	dlq := NewDLQMessage(msg, "template render failed", failedAt)
	if dlq.OriginalMessage != msg {
		t.Error("OriginalMessage must reference the parsed notification")
	}
	if dlq.FailedAt.Location() != time.UTC {
		t.Errorf("FailedAt location = %v, want UTC", dlq.FailedAt.Location())
	}
	if dlq.FailedAt.Nanosecond() != 123000000 {
		t.Errorf("FailedAt nanos = %d, want 123000000", dlq.FailedAt.Nanosecond())
	}

	data, err := json.Marshal(dlq)
	if err != nil {
		t.Fatalf("Marshal() unexpected error: %v", err)
	}

	var wire struct {
		OriginalMessage map[string]any `json:"original_message"`
		FailureReason   string         `json:"failure_reason"`
		FailedAt        string         `json:"failed_at"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		t.Fatalf("Unmarshal() unexpected error: %v", err)
	}

	if wire.FailedAt != "2026-03-04T05:05:06.123Z" {
		t.Errorf("failed_at = %q, want %q", wire.FailedAt, "2026-03-04T05:05:06.123Z")
	}
	if !regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}\.\d{3}Z$`).MatchString(wire.FailedAt) {
		t.Errorf("failed_at %q is not millisecond RFC3339 UTC", wire.FailedAt)
	}
	if wire.FailureReason != "template render failed" {
		t.Errorf("failure_reason = %q", wire.FailureReason)
	}

	wantOriginal := map[string]any{
		"trace_id":        "trace-1",
		"user_id":         "user-1",
		"template_code":   "welcome_push",
		"recipient":       "device-token-abc",
		"idempotency_key": "idem-1",
		"name":            "Ada",
	}
	for k, want := range wantOriginal {
		if got := wire.OriginalMessage[k]; got != want {
			t.Errorf("original_message[%s] = %v, want %v", k, got, want)
		}
	}

	var decoded DLQMessage
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal(DLQMessage) unexpected error: %v", err)
	}
	if !decoded.FailedAt.Equal(dlq.FailedAt) {
		t.Errorf("decoded FailedAt = %v, want %v", decoded.FailedAt, dlq.FailedAt)
	}
	if decoded.OriginalMessage.IdempotencyKey != "idem-1" {
		t.Errorf("decoded idempotency key = %q", decoded.OriginalMessage.IdempotencyKey)
	}
}

package main

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/sungwon/push-worker/internal/message"
)

// parseParams decodes the --params flag into template parameters.
func parseParams(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	var params map[string]any
	if err := dec.Decode(&params); err != nil {
		return nil, fmt.Errorf("--params must be a JSON object: %w", err)
	}
	return params, nil
}

// buildNotification fills one notification for the seq-th send. A fixed
// --key is suffixed with seq when more than one notification is sent so each
// gets its own idempotency key.
func buildNotification(cfg sendConfig, params map[string]any, seq int) *message.Notification {
	key := cfg.key
	switch {
	case key == "":
		key = uuid.NewString()
	case cfg.count > 1:
		key = fmt.Sprintf("%s-%d", key, seq)
	}

	traceID := cfg.traceID
	if traceID == "" {
		traceID = uuid.NewString()
	}

	return &message.Notification{
		TraceID:        traceID,
		UserID:         cfg.user,
		TemplateCode:   cfg.template,
		Recipient:      cfg.recipient,
		IdempotencyKey: key,
		Params:         params,
	}
}

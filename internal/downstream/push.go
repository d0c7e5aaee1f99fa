package downstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sungwon/push-worker/internal/auth"
	"github.com/sungwon/push-worker/internal/metrics"
)

const servicePush = "push"

// Confirmation is the push gateway's acknowledgment of a delivery.
type Confirmation struct {
	MessageID string `json:"message_id"`
}

// PushSender delivers rendered content to a recipient device.
type PushSender interface {
	Send(ctx context.Context, recipient string, content *Rendered) (*Confirmation, error)
}

// PushConfig configures the push gateway client.
type PushConfig struct {
	BaseURL string           `mapstructure:"base_url"`
	Timeout time.Duration    `mapstructure:"timeout"`
	Auth    auth.TokenConfig `mapstructure:"auth"`
}

// PushClient calls POST {base}/api/v1/push.
type PushClient struct {
	baseURL string
	timeout time.Duration
	tokens  *auth.TokenService
	client  HTTPClient
}

// NewPushClient creates a PushClient. Requests are signed when
// cfg.Auth.SigningKey is set.
func NewPushClient(cfg PushConfig, client HTTPClient) *PushClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &PushClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		timeout: timeout,
		tokens:  auth.NewTokenService(cfg.Auth),
		client:  client,
	}
}

type pushRequest struct {
	Token string         `json:"token"`
	Title string         `json:"title"`
	Body  string         `json:"body"`
	Data  map[string]any `json:"data,omitempty"`
}

// Send implements PushSender.
func (c *PushClient) Send(ctx context.Context, recipient string, content *Rendered) (conf *Confirmation, err error) {
	start := time.Now()
	defer func() {
		metrics.DownstreamDuration.WithLabelValues(servicePush).Observe(time.Since(start).Seconds())
		metrics.DownstreamRequestsTotal.WithLabelValues(servicePush, resultLabel(err)).Inc()
	}()

	if content == nil {
		return nil, errors.New("push: no content")
	}

	body, err := json.Marshal(pushRequest{
		Token: recipient,
		Title: content.Title,
		Body:  content.Body,
		Data:  content.Data,
	})
	if err != nil {
		return nil, fmt.Errorf("push: marshal request: %w", err)
	}

	headers := map[string]string{
		"Content-Type": "application/json",
		"Accept":       "application/json",
	}
	if c.tokens.Enabled() {
		token, err := c.tokens.GenerateServiceToken("push-worker", "push:send")
		if err != nil {
			return nil, fmt.Errorf("push: %w", err)
		}
		headers["Authorization"] = "Bearer " + token
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.client.Do(ctx, &HTTPRequest{
		Method:  "POST",
		URL:     c.baseURL + "/api/v1/push",
		Headers: headers,
		Body:    body,
	})
	if err != nil {
		return nil, fmt.Errorf("push: send request: %w", err)
	}
	if de := ClassifyHTTPError(servicePush, resp.StatusCode, resp.Body); de != nil {
		return nil, de
	}

	var out Confirmation
	if len(resp.Body) > 0 {
		if err := json.Unmarshal(resp.Body, &out); err != nil {
			return nil, fmt.Errorf("push: decode response: %w", err)
		}
	}
	return &out, nil
}

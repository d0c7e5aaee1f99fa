package downstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/sungwon/push-worker/internal/metrics"
)

const serviceTemplate = "template"

// Rendered is the content produced by the template service.
type Rendered struct {
	Title string         `json:"title"`
	Body  string         `json:"body"`
	Data  map[string]any `json:"data,omitempty"`
}

// TemplateRenderer renders a template code with parameters.
type TemplateRenderer interface {
	Render(ctx context.Context, code string, params map[string]any) (*Rendered, error)
}

// TemplateConfig configures the template service client.
type TemplateConfig struct {
	BaseURL  string        `mapstructure:"base_url"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Language string        `mapstructure:"language"`
}

// TemplateClient calls POST {base}/api/v1/templates/{code}/render.
type TemplateClient struct {
	baseURL  string
	timeout  time.Duration
	language string
	client   HTTPClient
}

// NewTemplateClient creates a TemplateClient.
func NewTemplateClient(cfg TemplateConfig, client HTTPClient) *TemplateClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &TemplateClient{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		timeout:  timeout,
		language: cfg.Language,
		client:   client,
	}
}

type renderRequest struct {
	Params   map[string]any `json:"params"`
	Language string         `json:"language,omitempty"`
}

// Render implements TemplateRenderer.
func (c *TemplateClient) Render(ctx context.Context, code string, params map[string]any) (rendered *Rendered, err error) {
	start := time.Now()
	defer func() {
		metrics.DownstreamDuration.WithLabelValues(serviceTemplate).Observe(time.Since(start).Seconds())
		metrics.DownstreamRequestsTotal.WithLabelValues(serviceTemplate, resultLabel(err)).Inc()
	}()

	if params == nil {
		params = map[string]any{}
	}
	body, err := json.Marshal(renderRequest{Params: params, Language: c.language})
	if err != nil {
		return nil, fmt.Errorf("template: marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.client.Do(ctx, &HTTPRequest{
		Method: "POST",
		URL:    fmt.Sprintf("%s/api/v1/templates/%s/render", c.baseURL, url.PathEscape(code)),
		Headers: map[string]string{
			"Content-Type": "application/json",
			"Accept":       "application/json",
		},
		Body: body,
	})
	if err != nil {
		return nil, fmt.Errorf("template: render %s: %w", code, err)
	}
	if de := ClassifyHTTPError(serviceTemplate, resp.StatusCode, resp.Body); de != nil {
		return nil, de
	}

	var out Rendered
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, fmt.Errorf("template: decode response: %w", err)
	}
	if out.Title == "" && out.Body == "" {
		return nil, errors.New("template: empty rendered content")
	}
	return &out, nil
}

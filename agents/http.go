package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/aixgo-dev/conductor/agent"
	"github.com/aixgo-dev/conductor/pkg/config"
	"github.com/aixgo-dev/conductor/pkg/security"
)

const (
	defaultHTTPTimeout = 30 * time.Second
	defaultHealthPath  = "/health"
	maxResponseSize    = 10 << 20
)

// StatusError is a non-2xx response from a remote worker.
type StatusError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote worker %s returned %d %s: %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode), e.Body)
}

// Retryable reports whether the status is worth another attempt: request
// timeouts, throttling and server errors.
func (e *StatusError) Retryable() bool {
	return e.StatusCode == http.StatusRequestTimeout ||
		e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode >= 500
}

// HTTP forwards tasks to a remote worker as JSON POST requests and returns
// the decoded JSON response.
type HTTP struct {
	*BaseAgent
	endpoint   string
	healthURL  string
	headers    map[string]string
	httpClient *http.Client
}

func init() {
	Register("http", func(cfg config.AgentConfig) (agent.Agent, error) {
		endpoint, err := settingString(cfg.Settings, "url")
		if err != nil {
			return nil, err
		}
		timeout, err := settingDuration(cfg.Settings, "timeout")
		if err != nil {
			return nil, err
		}
		healthPath, err := settingString(cfg.Settings, "health_path")
		if err != nil {
			return nil, err
		}
		headers := make(map[string]string)
		if raw, ok := cfg.Settings["headers"].(map[string]any); ok {
			for k, v := range raw {
				headers[k] = fmt.Sprint(v)
			}
		}
		opts := HTTPOptions{
			Timeout:    timeout,
			HealthPath: healthPath,
			Headers:    headers,
		}
		if restricted, _ := cfg.Settings["restrict_network"].(bool); restricted {
			guard := security.DefaultURLConfig()
			if hosts, ok := cfg.Settings["allowed_hosts"].([]any); ok {
				for _, h := range hosts {
					guard.AllowedHosts = append(guard.AllowedHosts, fmt.Sprint(h))
				}
			}
			opts.Guard = security.NewURLGuard(guard)
		}
		return NewHTTP(cfg.Name, cfg.Role, endpoint, opts)
	})
}

// HTTPOptions tunes an HTTP worker.
type HTTPOptions struct {
	Timeout    time.Duration
	HealthPath string
	Headers    map[string]string
	Transport  http.RoundTripper

	// Guard, when set, vets the endpoint up front and every dial after.
	Guard *security.URLGuard
}

// NewHTTP validates endpoint and creates the worker.
func NewHTTP(name, role, endpoint string, opts HTTPOptions) (*HTTP, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("http agent %s: url is required", name)
	}
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("invalid URL scheme: %s (only http/https allowed)", parsed.Scheme)
	}

	if opts.Guard != nil {
		if err := opts.Guard.ValidateURL(endpoint); err != nil {
			return nil, fmt.Errorf("http agent %s: %w", name, err)
		}
	}

	if opts.Timeout <= 0 {
		opts.Timeout = defaultHTTPTimeout
	}
	if opts.HealthPath == "" {
		opts.HealthPath = defaultHealthPath
	}
	transport := opts.Transport
	switch {
	case transport != nil:
	case opts.Guard != nil:
		transport = opts.Guard.Transport()
	default:
		transport = http.DefaultTransport
	}

	health := *parsed
	health.Path = opts.HealthPath
	health.RawQuery = ""

	return &HTTP{
		BaseAgent: NewBaseAgent(name, role),
		endpoint:  endpoint,
		healthURL: health.String(),
		headers:   opts.Headers,
		httpClient: &http.Client{
			Timeout:   opts.Timeout,
			Transport: otelhttp.NewTransport(transport),
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}, nil
}

type httpTaskRequest struct {
	TaskID   string         `json:"task_id"`
	Type     string         `json:"type"`
	Priority int            `json:"priority,omitempty"`
	Input    map[string]any `json:"input"`
}

func (h *HTTP) Execute(ctx context.Context, task *agent.Task) (any, error) {
	body, err := json.Marshal(httpTaskRequest{
		TaskID:   task.ID,
		Type:     task.Type,
		Priority: task.Priority,
		Input:    task.Input,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal task: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range h.headers {
		req.Header.Set(k, v)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{
			URL:        h.endpoint,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(data)),
		}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}

// Probe implements agent.HealthProber with a GET on the health path.
func (h *HTTP) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.healthURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return &StatusError{URL: h.healthURL, StatusCode: resp.StatusCode}
	}
	return nil
}

// Package chat is a small multi-vendor chat-completion client. A Client is bound to one model
// from the supported catalog and submits non-streaming completion requests to the vendor
// serving that model.
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/felixgeelhaar/fortify/ratelimit"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Role is the author of a Message.
type Role string

// Message roles.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of a completion request.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Invocation is a single completion request. An empty Model means the client's configured model.
type Invocation struct {
	Model    string
	Messages []Message
	Stream   bool
}

// Config carries the settings a Client is constructed from.
type Config struct {
	Model  string
	APIKey string
}

// Validate reports whether the model is part of the catalog and a credential is present.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Model) == "" {
		return &ConfigError{Field: "model", Reason: "model is required"}
	}
	if _, ok := LookupModel(c.Model); !ok {
		return &ConfigError{Field: "model", Reason: fmt.Sprintf("unsupported model: %s", c.Model)}
	}
	if strings.TrimSpace(c.APIKey) == "" {
		return &ConfigError{Field: "api key", Reason: "api key is required"}
	}
	return nil
}

// Client submits completions for one model. It is safe for concurrent use.
type Client struct {
	model      Model
	apiKey     string
	baseURL    string
	httpClient *http.Client
	limiter    limiter
	tracer     trace.Tracer
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

type limiter interface {
	Allow(ctx context.Context, key string) bool
}

const (
	anthropicVersion   = "2023-06-01"
	anthropicMaxTokens = 4096

	maxErrorBody    = 4096
	maxResponseBody = 4 << 20
)

var (
	errNoChoices   = errors.New("no choices in response")
	errNoContent   = errors.New("no content in response")
	errRateLimited = errors.New("rate limit exceeded")
	errTooLarge    = errors.New("response too large")
)

// WithBaseURL replaces the vendor base URL, e.g. to target a proxy or a test server.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

// WithHTTPClient sets the HTTP client used for vendor requests.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithRateLimit allows at most rate requests per second with the given burst. Requests over the
// limit fail immediately instead of waiting.
func WithRateLimit(rate, burst int) Option {
	return func(c *Client) {
		if rate <= 0 {
			return
		}
		if burst <= 0 {
			burst = rate
		}
		c.limiter = ratelimit.New(&ratelimit.Config{
			Rate:     rate,
			Burst:    burst,
			Interval: time.Second,
		})
	}
}

// WithTracerProvider sets the provider of the tracer that records one span per completion.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Client) {
		c.tracer = tp.Tracer(instrumentationName)
	}
}

// WithLogger sets the logger of the client.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger.With(slog.String("package", "chat"))
	}
}

const instrumentationName = "github.com/amidabuddha/unichat-mcp-server/chat"

// NewClient validates cfg and returns a Client for its model. A *ConfigError is returned when
// the configuration is unusable.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	model, _ := LookupModel(cfg.Model)

	c := &Client{
		model:      model,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{},
		tracer:     otel.GetTracerProvider().Tracer(instrumentationName),
		logger:     slog.Default().With(slog.String("package", "chat")),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Model returns the catalog entry the client is bound to.
func (c *Client) Model() Model {
	return c.model
}

// Complete submits inv and returns the text of the first choice. Every failure is a
// *BackendError. No retries are made.
func (c *Client) Complete(ctx context.Context, inv Invocation) (string, error) {
	model := c.model
	if inv.Model != "" && inv.Model != c.model.Name {
		m, ok := LookupModel(inv.Model)
		if !ok {
			return "", &BackendError{Model: inv.Model, Err: fmt.Errorf("unsupported model: %s", inv.Model)}
		}
		model = m
	}
	if inv.Stream {
		return "", &BackendError{Model: model.Name, Err: errors.New("streaming is not supported")}
	}

	ctx, span := c.tracer.Start(ctx, "chat.complete",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("chat.vendor", string(model.Vendor)),
			attribute.String("chat.model", model.Name),
			attribute.Int("chat.messages", len(inv.Messages)),
		),
	)
	defer span.End()

	start := time.Now()
	text, err := c.complete(ctx, model, inv.Messages)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Error("completion failed",
			slog.String("model", model.Name),
			slog.String("err", err.Error()))
		return "", &BackendError{Model: model.Name, Err: err}
	}
	span.SetStatus(codes.Ok, "")

	c.logger.Debug("completion finished",
		slog.String("model", model.Name),
		slog.Duration("took", time.Since(start)))

	return text, nil
}

func (c *Client) complete(ctx context.Context, model Model, messages []Message) (string, error) {
	if c.limiter != nil && !c.limiter.Allow(ctx, string(model.Vendor)) {
		return "", errRateLimited
	}

	switch model.Vendor {
	case VendorAnthropic:
		return c.completeAnthropic(ctx, model, messages)
	case VendorOpenAI, VendorMistral, VendorXAI, VendorGemini, VendorDeepSeek:
		return c.completeOpenAI(ctx, model, messages)
	default:
		return "", fmt.Errorf("unknown vendor: %s", model.Vendor)
	}
}

func (c *Client) endpointURL(v Vendor) string {
	ep := vendorEndpoints[v]
	base := ep.baseURL
	if c.baseURL != "" {
		base = c.baseURL
	}
	return strings.TrimRight(base, "/") + ep.path
}

func (c *Client) postJSON(ctx context.Context, url string, payload any, header http.Header) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        url,
			Body:       strings.TrimSpace(string(buf)),
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBody+1))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if len(buf) > maxResponseBody {
		return nil, fmt.Errorf("%w: more than %d bytes", errTooLarge, maxResponseBody)
	}
	return buf, nil
}

// Package completion talks to an OpenAI-compatible chat completions endpoint with
// local key validation, bounded retries, optional rate limiting and SSE streaming.
package completion

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

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/time/rate"

	"PakningChat/internal/backend"
	"PakningChat/internal/chaterr"
	"PakningChat/internal/persona"
	"PakningChat/internal/retry"
	"PakningChat/internal/session"
)

const (
	DefaultBaseURL = "https://openrouter.ai/api/v1"
	DefaultModel   = "qwen/qwq-32b:free"
	DefaultTitle   = "PAKNING R1 Chatbot"
	DefaultTimeout = 60 * time.Second

	// MaxResponseSize bounds non-streamed response bodies
	MaxResponseSize = 10 << 20

	pingMaxTokens = 20
)

// Params are the per-request sampling parameters
type Params struct {
	Model       string
	Temperature float64
	MaxTokens   int
}

// ParamsFor takes sampling parameters from a mode. An empty model means the client default.
func ParamsFor(m persona.Mode, model string) Params {
	return Params{Model: model, Temperature: m.Sampling.Temperature, MaxTokens: m.Sampling.MaxTokens}
}

// Options configures a Client
type Options struct {
	BaseURL           string
	APIKey            string
	Model             string
	Referer           string
	Title             string
	Timeout           time.Duration
	HistoryWindow     int
	RequestsPerMinute int
	Retry             retry.Policy

	HTTPClient *http.Client
	Logger     *slog.Logger
	Tracer     trace.Tracer
	Meter      metric.Meter
}

// Client is safe for concurrent use
type Client struct {
	baseURL string
	apiKey  string
	model   string
	referer string
	title   string
	window  int
	policy  retry.Policy

	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
	tracer     trace.Tracer
	meter      metric.Meter

	duration metric.Float64Histogram
	retries  metric.Int64Counter
}

// New builds a client, filling defaults for empty options
func New(opts Options) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		apiKey:     strings.TrimSpace(opts.APIKey),
		model:      opts.Model,
		referer:    opts.Referer,
		title:      opts.Title,
		window:     opts.HistoryWindow,
		policy:     opts.Retry,
		httpClient: opts.HTTPClient,
		logger:     opts.Logger,
		tracer:     opts.Tracer,
		meter:      opts.Meter,
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.model == "" {
		c.model = DefaultModel
	}
	if c.title == "" {
		c.title = DefaultTitle
	}
	if c.httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		c.httpClient = &http.Client{Timeout: timeout}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.tracer == nil {
		c.tracer = tracenoop.NewTracerProvider().Tracer("completion")
	}
	if c.meter == nil {
		c.meter = metricnoop.NewMeterProvider().Meter("completion")
	}
	if opts.RequestsPerMinute > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(float64(opts.RequestsPerMinute)/60), opts.RequestsPerMinute)
	}

	var err error
	c.duration, err = c.meter.Float64Histogram(
		"http.client.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
	)
	if err != nil {
		c.logger.Warn("failed to create duration histogram", "error", err)
	}
	c.retries, err = c.meter.Int64Counter(
		"llm.retries",
		metric.WithDescription("Completion attempts retried after a retryable failure"),
	)
	if err != nil {
		c.logger.Warn("failed to create retry counter", "error", err)
	}
	return c
}

// Model returns the default model
func (c *Client) Model() string { return c.model }

// Complete sends history and returns the first choice's message content
func (c *Client) Complete(ctx context.Context, history []session.Message, p Params) (string, error) {
	ctx, span := c.tracer.Start(ctx, "chat_completion")
	defer span.End()

	if err := ValidateAPIKey(c.apiKey); err != nil {
		authErr := chaterr.Auth("complete", err)
		recordSpanError(span, authErr)
		return "", authErr
	}

	body, model, err := c.requestBody(history, p, false)
	if err != nil {
		return "", err
	}
	span.SetAttributes(
		attribute.String("llm.model", model),
		attribute.Int("llm.messages", len(history)),
	)

	var text string
	attempts := 0
	start := time.Now()
	err = retry.Do(ctx, c.retryPolicy(ctx), chaterr.Retryable, func(ctx context.Context, attempt int) error {
		attempts = attempt
		var err error
		text, err = c.completeOnce(ctx, body)
		if err != nil {
			c.logger.Warn("chat completion attempt failed", "attempt", attempt, "model", model, "error", err)
		}
		return err
	})
	span.SetAttributes(attribute.Int("llm.attempts", attempts))
	if err != nil {
		recordSpanError(span, err)
		c.logger.Error("chat completion failed", "model", model, "attempts", attempts, "error", err)
		return "", err
	}

	c.logger.Info("chat completion succeeded",
		"model", model,
		"attempts", attempts,
		"duration_ms", time.Since(start).Milliseconds(),
		"response_chars", len(text),
	)
	return text, nil
}

// Ping sends a tiny request without retries to check connectivity and credentials
func (c *Client) Ping(ctx context.Context) error {
	if err := ValidateAPIKey(c.apiKey); err != nil {
		return chaterr.Auth("ping", err)
	}
	history := []session.Message{{Role: session.RoleUser, Content: "Hello"}}
	body, _, err := c.requestBody(history, Params{Temperature: 0.7, MaxTokens: pingMaxTokens}, false)
	if err != nil {
		return err
	}
	_, err = c.completeOnce(ctx, body)
	return err
}

func (c *Client) retryPolicy(ctx context.Context) retry.Policy {
	p := c.policy
	p.OnRetry = func(attempt int, delay time.Duration, err error) {
		c.logger.Info("retrying chat completion", "retry", attempt, "delay_ms", delay.Milliseconds(), "error", err)
		if c.retries != nil {
			c.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("error.kind", chaterr.KindOf(err).String())))
		}
	}
	return p
}

func (c *Client) requestBody(history []session.Message, p Params, stream bool) ([]byte, string, error) {
	model := p.Model
	if model == "" {
		model = c.model
	}
	reqBody := backend.OpenAIRequest{
		Model:       model,
		Messages:    toWire(TrimHistory(history, c.window)),
		Temperature: p.Temperature,
		MaxTokens:   p.MaxTokens,
		Stream:      stream,
	}
	data, err := json.Marshal(reqBody)
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal request: %w", err)
	}
	return data, model, nil
}

// send performs one HTTP round trip and classifies non-2xx statuses
func (c *Client) send(ctx context.Context, op string, body []byte, stream bool) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Title", c.title)
	if c.referer != "" {
		req.Header.Set("HTTP-Referer", c.referer)
	}
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if c.duration != nil {
		c.duration.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.Bool("stream", stream)))
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, chaterr.Transient(op, fmt.Errorf("failed to send request: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return nil, statusError(op, resp.StatusCode, data)
	}
	return resp, nil
}

func (c *Client) completeOnce(ctx context.Context, body []byte) (string, error) {
	resp, err := c.send(ctx, "complete", body, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	data, err := readResponse(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", chaterr.Transient("complete", err)
	}

	var apiResp backend.OpenAIResponse
	if err := json.Unmarshal(data, &apiResp); err != nil {
		return "", chaterr.Protocol("complete", fmt.Errorf("failed to unmarshal response: %w", err))
	}
	text, ok := apiResp.FirstContent()
	if !ok || text == "" {
		return "", chaterr.Protocol("complete", errors.New("response has no choices[0].message.content"))
	}

	c.recordUsage(ctx, apiResp.Usage)
	return text, nil
}

// recordUsage turns the numeric fields of the usage block into llm.usage.* counters
func (c *Client) recordUsage(ctx context.Context, usage map[string]interface{}) {
	for key, value := range usage {
		n, ok := value.(float64)
		if !ok {
			continue
		}
		counter, err := c.meter.Int64Counter(
			fmt.Sprintf("llm.usage.%s", key),
			metric.WithDescription(fmt.Sprintf("LLM usage metric: %s", key)),
		)
		if err != nil {
			c.logger.Warn("failed to create counter", "key", key, "error", err)
			continue
		}
		counter.Add(ctx, int64(n))
	}
}

// statusError maps an HTTP status to an error kind: 401 and 403 are auth failures,
// everything else is transient.
func statusError(op string, status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	var apiErr backend.OpenAIErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		msg = apiErr.Error.Message
	}
	if msg == "" {
		msg = http.StatusText(status)
	}

	kind := chaterr.KindTransient
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		kind = chaterr.KindAuth
	}
	return &chaterr.Error{Kind: kind, Op: op, Status: status, Err: errors.New(msg)}
}

func readResponse(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if len(data) > MaxResponseSize {
		return nil, fmt.Errorf("response exceeded maximum size of %d bytes", MaxResponseSize)
	}
	return data, nil
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.SetAttributes(attribute.String("error.kind", chaterr.KindOf(err).String()))
}

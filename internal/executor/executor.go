// Package executor performs call plans against the resource API. Every
// outcome, including transport failures and undecodable bodies, is folded
// into a single [Result]; Execute never returns an error.
package executor

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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nugget/apiloop/internal/callplan"
	"github.com/nugget/apiloop/internal/config"
	"github.com/nugget/apiloop/internal/httpkit"
)

// DefaultMaxResponseBytes caps how much of a response body is read.
const DefaultMaxResponseBytes = 4 << 20

// Result is the normalized outcome of executing one plan.
type Result struct {
	Success        bool              `json:"success"`
	Data           any               `json:"data,omitempty"`
	Error          string            `json:"error,omitempty"`
	HTTPStatus     int               `json:"http_status"`
	HTTPStatusText string            `json:"http_status_text,omitempty"`
	ExecutionTime  time.Duration     `json:"execution_time"`
	RequestURL     string            `json:"request_url"`
	NetworkError   bool              `json:"network_error"`
	Plan           callplan.CallPlan `json:"plan"`
}

// Config holds executor settings.
type Config struct {
	BaseURL          string
	Token            string
	Timeout          time.Duration
	MaxResponseBytes int64
}

// Executor sends plans to the resource API.
type Executor struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
	tracer trace.Tracer
}

// Option configures an Executor.
type Option func(*Executor)

// WithHTTPClient replaces the default client. The client must not retry
// on its own.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Executor) { e.client = c }
}

// WithTracer sets the tracer used for execution spans.
func WithTracer(t trace.Tracer) Option {
	return func(e *Executor) { e.tracer = t }
}

// New creates an executor. Requests time out through their context, so
// the underlying client carries no timeout of its own.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Executor {
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = DefaultMaxResponseBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{
		cfg:    cfg,
		client: httpkit.NewClient(httpkit.WithTimeout(0)),
		logger: logger.With("component", "executor"),
		tracer: otel.Tracer("github.com/nugget/apiloop/internal/executor"),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Execute performs exactly one request for plan and describes the outcome.
func (e *Executor) Execute(ctx context.Context, plan callplan.CallPlan) *Result {
	ctx, span := e.tracer.Start(ctx, "executor.Execute",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", plan.Method),
			attribute.String("url.path", plan.Endpoint),
		),
	)
	defer span.End()

	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	res := &Result{
		Plan:       plan,
		RequestURL: e.URL(plan),
	}

	start := time.Now()
	e.do(ctx, plan, res)
	res.ExecutionTime = time.Since(start)

	span.SetAttributes(
		attribute.Int("http.response.status_code", res.HTTPStatus),
		attribute.Bool("apiloop.network_error", res.NetworkError),
	)
	if res.Success {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, res.Error)
	}

	e.logger.Debug("call executed",
		"method", plan.Method,
		"url", res.RequestURL,
		"status", res.HTTPStatus,
		"success", res.Success,
		"network_error", res.NetworkError,
		"elapsed", res.ExecutionTime.Round(time.Millisecond),
	)
	return res
}

// Ping checks that the resource API answers HTTP at all. Any response,
// including 401 or 404, counts as reachable; only transport failures
// are reported.
func (e *Executor) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, e.cfg.BaseURL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if e.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+e.cfg.Token)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return errors.New(transportError(err))
	}
	httpkit.DrainAndClose(resp.Body, 4096)
	return nil
}

// URL resolves the full request URL for plan. GET params are appended as
// a query string in plan order.
func (e *Executor) URL(plan callplan.CallPlan) string {
	u := strings.TrimRight(e.cfg.BaseURL, "/") + plan.Endpoint
	if plan.Method == http.MethodGet && len(plan.Params) > 0 {
		if q := plan.Params.Encode(); q != "" {
			u += "?" + q
		}
	}
	return u
}

func (e *Executor) do(ctx context.Context, plan callplan.CallPlan, res *Result) {
	var body io.Reader
	payload := plan.Payload()
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			res.NetworkError = true
			res.Error = fmt.Sprintf("encode request body: %v", err)
			return
		}
		e.logger.Log(ctx, config.LevelTrace, "request payload", "url", res.RequestURL, "body", string(data))
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, plan.Method, res.RequestURL, body)
	if err != nil {
		// No response was obtained, so this takes the transport failure shape.
		res.NetworkError = true
		res.Error = fmt.Sprintf("build request: %v", err)
		return
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if e.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+e.cfg.Token)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		res.NetworkError = true
		res.Error = transportError(err)
		return
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	res.HTTPStatus = resp.StatusCode
	res.HTTPStatusText = statusText(resp)

	raw, truncated, err := readBody(resp.Body, e.cfg.MaxResponseBytes)
	if err != nil {
		res.NetworkError = true
		res.Error = fmt.Sprintf("read response body: %v", transportError(err))
		return
	}
	e.logger.Log(ctx, config.LevelTrace, "response payload", "url", res.RequestURL, "status", resp.StatusCode, "body", string(raw))

	contentType := resp.Header.Get("Content-Type")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		res.Data = decodeLenient(contentType, raw)
		res.Error = fmt.Sprintf("HTTP %d: %s", res.HTTPStatus, res.HTTPStatusText)
		return
	}

	if truncated {
		res.Data = string(raw)
		res.Error = fmt.Sprintf("decode response: body exceeds %d bytes", e.cfg.MaxResponseBytes)
		return
	}

	data, err := decode(contentType, raw)
	if err != nil {
		res.Data = string(raw)
		res.Error = fmt.Sprintf("decode response: %v", err)
		return
	}
	res.Data = data
	res.Success = true
}

// statusText prefers the reason phrase the server sent.
func statusText(resp *http.Response) string {
	if _, text, ok := strings.Cut(resp.Status, " "); ok && text != "" {
		return text
	}
	return http.StatusText(resp.StatusCode)
}

func readBody(r io.Reader, limit int64) ([]byte, bool, error) {
	raw, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(raw)) > limit {
		return raw[:limit], true, nil
	}
	return raw, false, nil
}

// transportError renders err for the model. Deadline and cancellation
// are spelled out since the wrapped form only says "context deadline
// exceeded".
func transportError(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "request timeout: " + err.Error()
	case errors.Is(err, context.Canceled):
		return "request cancelled: " + err.Error()
	}
	return err.Error()
}

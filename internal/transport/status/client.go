// Package status implements the HTTP client for the backend task status
// endpoint. It serves both polling and the final result fetch.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/genprogress/internal/progress"
	"github.com/JakeFAU/genprogress/internal/transport"
)

const (
	defaultTimeout = 15 * time.Second
	maxBody        = 16 << 20
	tracerName     = "github.com/JakeFAU/genprogress/internal/transport/status"
)

// Limiter throttles requests to the backend.
type Limiter interface {
	Wait(ctx context.Context, url string) error
}

// Options configures a Client.
type Options struct {
	BaseURL string
	// Path is the status path template; defaults to transport.DefaultStatusPath.
	Path string
	// ResultPath optionally points result fetches at a different endpoint.
	ResultPath string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
	// Limiter is optional; every status and result request waits on it.
	Limiter Limiter
	Logger  *zap.Logger
}

// Client fetches task status reports.
type Client struct {
	status  transport.Endpoint
	result  transport.Endpoint
	apiKey  string
	http    *http.Client
	limiter Limiter
	logger  *zap.Logger
	tracer  trace.Tracer
}

// New builds a Client.
func New(opts Options) (*Client, error) {
	if opts.Path == "" {
		opts.Path = transport.DefaultStatusPath
	}
	if opts.ResultPath == "" {
		opts.ResultPath = opts.Path
	}
	statusEP, err := transport.NewEndpoint(opts.BaseURL, opts.Path)
	if err != nil {
		return nil, err
	}
	resultEP, err := transport.NewEndpoint(opts.BaseURL, opts.ResultPath)
	if err != nil {
		return nil, err
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Client{
		status:  statusEP,
		result:  resultEP,
		apiKey:  opts.APIKey,
		http:    opts.HTTPClient,
		limiter: opts.Limiter,
		logger:  opts.Logger,
		tracer:  otel.Tracer(tracerName),
	}, nil
}

// Status implements progress.StatusSource.
func (c *Client) Status(ctx context.Context, taskID string) (progress.StatusReport, error) {
	return c.fetch(ctx, "status", c.status.URL(taskID))
}

// Result implements tracker.ResultSource.
func (c *Client) Result(ctx context.Context, taskID string) (progress.StatusReport, error) {
	return c.fetch(ctx, "result", c.result.URL(taskID))
}

func (c *Client) fetch(ctx context.Context, op, url string) (progress.StatusReport, error) {
	ctx, span := c.tracer.Start(ctx, "backend."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("url.full", url)),
	)
	defer span.End()

	report, err := c.do(ctx, op, url)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return progress.StatusReport{}, err
	}
	span.SetAttributes(attribute.String("task.status", string(report.Status)))
	return report, nil
}

func (c *Client) do(ctx context.Context, op, url string) (progress.StatusReport, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, url); err != nil {
			return progress.StatusReport{}, fmt.Errorf("%s request: %w", op, err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return progress.StatusReport{}, fmt.Errorf("build %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	transport.Decorate(req.Header, c.apiKey)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		return progress.StatusReport{}, fmt.Errorf("%s request: %w", op, err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("close status body", zap.Error(cerr))
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return progress.StatusReport{}, fmt.Errorf("read %s body: %w", op, err)
	}
	if resp.StatusCode != http.StatusOK {
		snippet := body
		if len(snippet) > 512 {
			snippet = snippet[:512]
		}
		return progress.StatusReport{}, &transport.StatusError{Op: op, Code: resp.StatusCode, Body: string(snippet)}
	}
	return decodeReport(body)
}

type wireReport struct {
	Status   progress.TaskStatus   `json:"status"`
	Result   map[string]any        `json:"result"`
	Error    *progress.ErrorDetail `json:"error"`
	Progress json.RawMessage       `json:"progress"`
}

func decodeReport(body []byte) (progress.StatusReport, error) {
	var w wireReport
	if err := json.Unmarshal(body, &w); err != nil {
		return progress.StatusReport{}, fmt.Errorf("decode status: %w", err)
	}
	if !w.Status.Valid() {
		return progress.StatusReport{}, fmt.Errorf("decode status: unknown status %q", w.Status)
	}
	report := progress.StatusReport{Status: w.Status, Result: w.Result, Error: w.Error}
	if len(w.Progress) > 0 && string(w.Progress) != "null" {
		evt, err := progress.ParseEvent(w.Progress)
		if err != nil {
			return progress.StatusReport{}, fmt.Errorf("decode status progress: %w", err)
		}
		report.Progress = &evt
	}
	return report, nil
}

package sse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/genprogress/internal/progress"
	"github.com/JakeFAU/genprogress/internal/transport"
)

// ErrClosed is returned by Recv after Close.
var ErrClosed = errors.New("sse stream closed")

// Options configures a Client.
type Options struct {
	BaseURL string
	// Path is the stream path template; defaults to transport.DefaultStreamPath.
	Path   string
	APIKey string
	// HTTPClient must not set a Timeout, which would cut long streams.
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client opens SSE progress streams.
type Client struct {
	endpoint transport.Endpoint
	apiKey   string
	http     *http.Client
	logger   *zap.Logger
}

// New builds a Client.
func New(opts Options) (*Client, error) {
	if opts.Path == "" {
		opts.Path = transport.DefaultStreamPath
	}
	ep, err := transport.NewEndpoint(opts.BaseURL, opts.Path)
	if err != nil {
		return nil, err
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Client{endpoint: ep, apiKey: opts.APIKey, http: opts.HTTPClient, logger: opts.Logger}, nil
}

// Open connects to the stream of taskID. The stream lives until Close, the
// server ends it, or ctx is cancelled.
func (c *Client) Open(ctx context.Context, taskID string) (progress.Stream, error) {
	ctx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint.URL(taskID), nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	transport.Decorate(req.Header, c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("connect stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		_ = resp.Body.Close()
		cancel()
		return nil, &transport.StatusError{Op: "open stream", Code: resp.StatusCode, Body: string(body)}
	}
	c.logger.Debug("progress stream connected", zap.String("task_id", taskID))
	return &stream{body: resp.Body, reader: NewReader(resp.Body), cancel: cancel, closed: make(chan struct{})}, nil
}

type stream struct {
	body   io.ReadCloser
	reader *Reader
	cancel context.CancelFunc

	once   sync.Once
	closed chan struct{}
}

// Recv returns the data of the next frame. Cancelling ctx closes the stream.
func (s *stream) Recv(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	frame, err := s.reader.Next()
	if err == nil {
		return frame.Data, nil
	}
	select {
	case <-s.closed:
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, ErrClosed
	default:
	}
	if errors.Is(err, io.EOF) {
		return nil, io.EOF
	}
	return nil, fmt.Errorf("read stream: %w", err)
}

// Close releases the connection; it is safe to call repeatedly.
func (s *stream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.closed)
		s.cancel()
		err = s.body.Close()
	})
	return err
}

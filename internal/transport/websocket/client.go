// Package websocket implements the WebSocket push transport. Each text
// message on the socket is one progress payload.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/JakeFAU/genprogress/internal/progress"
	"github.com/JakeFAU/genprogress/internal/transport"
)

const (
	defaultDialTimeout = 10 * time.Second
	defaultReadLimit   = 4 << 20
)

// ErrClosed is returned by Recv after Close.
var ErrClosed = errors.New("websocket stream closed")

// Options configures a Client.
type Options struct {
	// BaseURL may use http(s) or ws(s); http schemes are mapped to ws.
	BaseURL     string
	Path        string
	APIKey      string
	DialTimeout time.Duration
	HTTPClient  *http.Client
	Logger      *zap.Logger
}

// Client dials WebSocket progress streams.
type Client struct {
	endpoint    transport.Endpoint
	apiKey      string
	dialTimeout time.Duration
	http        *http.Client
	logger      *zap.Logger
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
	switch ep.Scheme() {
	case "http":
		ep = ep.WithScheme("ws")
	case "https":
		ep = ep.WithScheme("wss")
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported websocket scheme %q", ep.Scheme())
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Client{
		endpoint:    ep,
		apiKey:      opts.APIKey,
		dialTimeout: opts.DialTimeout,
		http:        opts.HTTPClient,
		logger:      opts.Logger,
	}, nil
}

// Open dials the socket for taskID.
func (c *Client) Open(ctx context.Context, taskID string) (progress.Stream, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()

	header := http.Header{}
	transport.Decorate(header, c.apiKey)
	conn, _, err := websocket.Dial(dialCtx, c.endpoint.URL(taskID), &websocket.DialOptions{
		HTTPClient: c.http,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("dial websocket: %w", err)
	}
	conn.SetReadLimit(defaultReadLimit)
	c.logger.Debug("progress websocket connected", zap.String("task_id", taskID))

	connCtx, connCancel := context.WithCancel(context.WithoutCancel(ctx))
	return &stream{conn: conn, ctx: connCtx, cancel: connCancel, logger: c.logger}, nil
}

type stream struct {
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger
	once   sync.Once
}

// Recv reads the next text message. A normal closure maps to io.EOF.
func (s *stream) Recv(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, s.cancel)
	defer stop()

	for {
		typ, data, err := s.conn.Read(s.ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return nil, io.EOF
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if s.ctx.Err() != nil {
				return nil, ErrClosed
			}
			return nil, fmt.Errorf("read websocket: %w", err)
		}
		if typ != websocket.MessageText {
			s.logger.Debug("ignoring non-text websocket message")
			continue
		}
		return data, nil
	}
}

// Close tears the connection down without waiting for the peer's close
// frame, so a peer that stopped reading cannot stall it. Repeated calls are
// no-ops.
func (s *stream) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.conn.CloseNow()
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
	})
	return err
}

package realtime

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is one open realtime session. Writes are safe for concurrent use;
// Events must have a single consumer.
type Conn interface {
	UpdateSession(cfg *SessionConfig) error
	AppendAudio(audio []byte) error
	CreateResponse() error

	// Events yields server events in arrival order. It stops after yielding
	// a read error, or when the connection is closed.
	Events() iter.Seq2[*ServerEvent, error]

	Close() error
}

type Options struct {
	URL    string
	Model  string
	APIKey string

	DialTimeout  time.Duration
	WriteTimeout time.Duration

	Logger *slog.Logger
}

// Client dials realtime sessions.
type Client struct {
	opts   Options
	dialer websocket.Dialer
}

func NewClient(opts Options) *Client {
	if opts.URL == "" {
		opts.URL = DefaultURL
	}
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Client{
		opts:   opts,
		dialer: websocket.Dialer{HandshakeTimeout: opts.DialTimeout},
	}
}

// Dial opens a session. A rejected handshake returns *Error with HTTPStatus set.
func (c *Client) Dial(ctx context.Context) (Conn, error) {
	target, err := c.endpoint()
	if err != nil {
		return nil, err
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+c.opts.APIKey)
	headers.Set("OpenAI-Beta", "realtime=v1")

	ctx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	defer cancel()

	ws, resp, err := c.dialer.DialContext(ctx, target, headers)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return nil, &Error{
				Code:       "connection_failed",
				Message:    err.Error(),
				HTTPStatus: resp.StatusCode,
			}
		}
		return nil, fmt.Errorf("realtime: dial: %w", err)
	}
	return newWebSocketConn(ws, c.opts.WriteTimeout, c.opts.Logger), nil
}

func (c *Client) endpoint() (string, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return "", fmt.Errorf("realtime: bad url %q: %w", c.opts.URL, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("realtime: unsupported url scheme %q", u.Scheme)
	}
	q := u.Query()
	if q.Get("model") == "" {
		q.Set("model", c.opts.Model)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

package rpc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"provisiond/pkg/logging"
)

// ErrNotConnected is returned by Reply while the client is between
// connections.
var ErrNotConnected = errors.New("not connected to controller")

// Client is the worker side of the bus. It keeps one connection to the
// controller, redialing after failures, and runs handlers per method.
type Client struct {
	endpoint string
	token    string
	retry    time.Duration
	log      *zap.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	handlers map[string]HandlerFunc
}

// NewClient builds a client for controller (http or https base URL)
// consuming exchange.
func NewClient(controller, exchange, token string, log *zap.Logger) (*Client, error) {
	u, err := url.Parse(controller)
	if err != nil {
		return nil, fmt.Errorf("invalid controller url %q: %w", controller, err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	}
	u.Path = "/api/v1/ws/worker"
	q := u.Query()
	q.Set("exchange", exchange)
	u.RawQuery = q.Encode()
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		endpoint: u.String(),
		token:    token,
		retry:    5 * time.Second,
		log:      log.Named("rpc-client"),
		handlers: map[string]HandlerFunc{},
	}, nil
}

// On registers fn for envelopes with the given method. Register before Run.
func (c *Client) On(method string, fn HandlerFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[method] = fn
}

// Run connects and serves until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warn("controller connection lost, retrying", zap.Duration("in", c.retry), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.retry):
		}
	}
}

func (c *Client) session(ctx context.Context) error {
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.endpoint, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return fmt.Errorf("dial %s (status=%d): %w", c.endpoint, status, err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.log.Info("connected to controller", zap.String("url", c.endpoint))

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		var msg Envelope
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		c.mu.Lock()
		fn := c.handlers[msg.Method]
		c.mu.Unlock()
		if fn == nil {
			c.log.Warn("no handler", zap.String(logging.FieldMethod, msg.Method))
			continue
		}
		go func(msg Envelope) {
			if err := fn(ctx, msg); err != nil {
				c.log.Error("handler failed", zap.String(logging.FieldMethod, msg.Method), zap.String(logging.FieldTaskUUID, msg.TaskUUID()), zap.Error(err))
			}
		}(msg)
	}
}

// Reply sends args to the controller under method, normally the respond_to
// of the request being answered.
func (c *Client) Reply(_ context.Context, method string, args map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(Envelope{Method: method, Args: args})
}

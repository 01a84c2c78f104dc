// Package producer submits traffic events to a relay hub over a websocket.
package producer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"httprelay/internal/codec"
	"httprelay/internal/logging"
	"httprelay/internal/types"
)

var ErrClosed = errors.New("producer closed")

type Options struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	Header           http.Header
	Logger           *slog.Logger
}

type Client struct {
	conn         *websocket.Conn
	logger       *slog.Logger
	writeTimeout time.Duration

	writeMu sync.Mutex
	closing atomic.Bool
	done    chan struct{}
	once    sync.Once
	err     error
}

func Dial(ctx context.Context, url string, opts Options) (*Client, error) {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	dialer := websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, opts.Header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	c := &Client{
		conn:         conn,
		logger:       opts.Logger,
		writeTimeout: opts.WriteTimeout,
		done:         make(chan struct{}),
	}
	go c.drain()
	return c, nil
}

// drain discards inbound frames (the hub echoes our own events back) so
// control frames keep being processed.
func (c *Client) drain() {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if c.closing.Load() {
				err = ErrClosed
			}
			c.shutdown(err)
			return
		}
	}
}

func (c *Client) shutdown(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
		_ = c.conn.Close()
	})
}

// Done is closed when the connection has ended.
func (c *Client) Done() <-chan struct{} { return c.done }

// Send submits a raw payload on channel. The hub validates it; an invalid
// payload is dropped there without closing this connection.
func (c *Client) Send(ctx context.Context, channel types.Channel, payload []byte) error {
	msg, err := codec.EncodeFrame(channel, payload)
	if err != nil {
		return err
	}
	return c.write(ctx, msg)
}

func (c *Client) SendRequest(ctx context.Context, ev *types.RequestEvent) error {
	return c.Publish(ctx, ev)
}

func (c *Client) SendResponse(ctx context.Context, ev *types.ResponseEvent) error {
	return c.Publish(ctx, ev)
}

// Publish encodes ev and submits it on its channel.
func (c *Client) Publish(ctx context.Context, ev types.TrafficEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode %s %s: %w", ev.Channel(), ev.EventID(), err)
	}
	return c.Send(ctx, ev.Channel(), payload)
}

func (c *Client) write(ctx context.Context, msg []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		c.shutdown(err)
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (c *Client) Close() error {
	c.closing.Store(true)
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.shutdown(ErrClosed)
	return nil
}

// Err reports why the connection ended, or nil while it is open.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

package hub

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Sink is the outbound half of a participant's transport.
type Sink interface {
	WriteFrame(ctx context.Context, msg []byte) error
	Close() error
}

// Conn is a registered participant. The hub does not distinguish producers
// from observers.
type Conn struct {
	id          string
	sink        Sink
	connectedAt time.Time

	queue  chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	sent    atomic.Int64
	dropped atomic.Int64

	errMu sync.Mutex
	err   error
}

func (c *Conn) ID() string             { return c.id }
func (c *Conn) ConnectedAt() time.Time { return c.connectedAt }
func (c *Conn) FramesSent() int64      { return c.sent.Load() }
func (c *Conn) FramesDropped() int64   { return c.dropped.Load() }

// Done is closed once the connection's writer has stopped and its sink is closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err reports why the hub removed the connection, if it did so on its own.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Conn) setErr(err error) {
	c.errMu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.errMu.Unlock()
}

// enqueue never blocks. Callers hold the hub lock, which makes the hub the
// only sender on queue.
func (c *Conn) enqueue(msg []byte, policy OverflowPolicy) bool {
	select {
	case c.queue <- msg:
		return true
	default:
	}
	if policy == DisconnectOnOverflow {
		return false
	}
	select {
	case <-c.queue:
		c.dropped.Add(1)
	default:
	}
	select {
	case c.queue <- msg:
	default:
		c.dropped.Add(1)
	}
	return true
}

func (c *Conn) writeLoop(h *Hub) {
	defer func() {
		_ = c.sink.Close()
		close(c.done)
	}()
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg := <-c.queue:
			ctx, cancel := context.WithTimeout(c.ctx, h.opts.WriteTimeout)
			err := c.sink.WriteFrame(ctx, msg)
			cancel()
			if err != nil {
				if c.ctx.Err() == nil {
					c.setErr(err)
					h.logger.Warn("write failed, dropping connection", "conn", c.id, "error", err)
					h.Disconnect(c)
				}
				return
			}
			c.sent.Add(1)
		}
	}
}

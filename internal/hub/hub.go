// Package hub is the relay: every valid event submitted by any participant is
// forwarded verbatim to every registered participant. It keeps no history.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"httprelay/internal/codec"
	"httprelay/internal/logging"
	"httprelay/internal/types"
)

type OverflowPolicy string

const (
	// DropOldest discards the oldest queued frame to make room.
	DropOldest OverflowPolicy = "drop-oldest"
	// DisconnectOnOverflow removes a participant whose queue is full.
	DisconnectOnOverflow OverflowPolicy = "disconnect"
)

func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch OverflowPolicy(s) {
	case DropOldest, "":
		return DropOldest, nil
	case DisconnectOnOverflow:
		return DisconnectOnOverflow, nil
	}
	return "", fmt.Errorf("unknown overflow policy %q", s)
}

type Options struct {
	// QueueSize bounds each participant's outbound queue.
	QueueSize int
	Overflow  OverflowPolicy
	// WriteTimeout bounds a single frame write to one participant.
	WriteTimeout time.Duration
	// SelfEcho delivers a submission back to the connection that sent it.
	SelfEcho bool
}

func DefaultOptions() Options {
	return Options{
		QueueSize:    256,
		Overflow:     DropOldest,
		WriteTimeout: 5 * time.Second,
		SelfEcho:     true,
	}
}

type Stats struct {
	Connections int   `json:"connections"`
	Submitted   int64 `json:"submitted"`
	Forwarded   int64 `json:"forwarded"`
	Malformed   int64 `json:"malformed"`
	Dropped     int64 `json:"dropped"`
	Overflowed  int64 `json:"overflowed"`
}

type Hub struct {
	opts   Options
	logger *slog.Logger
	tracer trace.Tracer

	mu     sync.Mutex
	conns  map[string]*Conn
	closed bool

	submitted  atomic.Int64
	forwarded  atomic.Int64
	malformed  atomic.Int64
	overflowed atomic.Int64
	// dropped accumulates per-connection drops of connections already removed.
	dropped atomic.Int64
}

func New(opts Options, logger *slog.Logger) *Hub {
	def := DefaultOptions()
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	if opts.Overflow == "" {
		opts.Overflow = def.Overflow
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = def.WriteTimeout
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Hub{
		opts:   opts,
		logger: logger,
		tracer: otel.Tracer("httprelay/hub"),
		conns:  make(map[string]*Conn),
	}
}

// Connect registers sink as a participant. The participant is greeted with a
// connect frame carrying its id.
func (h *Hub) Connect(sink Sink) (*Conn, error) {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		id:          uuid.NewString(),
		sink:        sink,
		connectedAt: time.Now(),
		queue:       make(chan []byte, h.opts.QueueSize),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		cancel()
		return nil, ErrHubClosed
	}
	h.conns[c.id] = c
	n := len(h.conns)
	if greet, err := greeting(c.id); err == nil {
		c.enqueue(greet, h.opts.Overflow)
	}
	h.mu.Unlock()

	go c.writeLoop(h)
	h.logger.Info("participant connected", "conn", c.id, "connections", n)
	return c, nil
}

func greeting(id string) ([]byte, error) {
	payload, err := json.Marshal(map[string]string{"id": id})
	if err != nil {
		return nil, err
	}
	return codec.EncodeFrame(types.ChannelConnect, payload)
}

// Disconnect removes c from the broadcast set. Frames still queued for c are
// discarded. Calling it more than once is harmless.
func (h *Hub) Disconnect(c *Conn) {
	if c == nil {
		return
	}
	h.mu.Lock()
	removed := h.removeLocked(c)
	n := len(h.conns)
	h.mu.Unlock()
	if removed {
		h.logger.Info("participant disconnected", "conn", c.id, "connections", n)
	}
}

func (h *Hub) removeLocked(c *Conn) bool {
	if cur, ok := h.conns[c.id]; !ok || cur != c {
		return false
	}
	delete(h.conns, c.id)
	c.cancel()
	h.dropped.Add(c.dropped.Load() + int64(len(c.queue)))
	return true
}

// Submit validates payload against channel's schema and forwards it to every
// participant. A nil sender is an anonymous producer, as used by the HTTP
// submit endpoint. Malformed payloads are logged and dropped; the returned
// error wraps ErrMalformedPayload and is never fatal to the hub.
func (h *Hub) Submit(ctx context.Context, sender *Conn, channel types.Channel, payload []byte) error {
	_, span := h.tracer.Start(ctx, "hub.Submit", trace.WithAttributes(
		attribute.String("relay.channel", string(channel)),
		attribute.Int("relay.payload_bytes", len(payload)),
	))
	defer span.End()

	senderID := ""
	if sender != nil {
		senderID = sender.id
	}

	if err := codec.Validate(channel, payload); err != nil {
		h.malformed.Add(1)
		h.logger.Warn("dropping event", "conn", senderID, "channel", channel, "error", err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if !channel.Traffic() {
		// Lifecycle frames are generated by the hub itself, never relayed.
		return nil
	}

	msg, err := codec.EncodeFrame(channel, payload)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHubClosed
	}
	if sender != nil {
		if cur, ok := h.conns[sender.id]; !ok || cur != sender {
			return ErrNotConnected
		}
	}
	h.submitted.Add(1)

	var delivered int
	for _, c := range h.conns {
		if c == sender && !h.opts.SelfEcho {
			continue
		}
		if !c.enqueue(msg, h.opts.Overflow) {
			h.overflowed.Add(1)
			c.setErr(ErrQueueOverflow)
			h.removeLocked(c)
			h.logger.Warn("participant queue overflow, disconnecting", "conn", c.id)
			continue
		}
		delivered++
	}
	h.forwarded.Add(int64(delivered))
	span.SetAttributes(attribute.Int("relay.delivered", delivered))
	h.logger.Debug("event forwarded", "conn", senderID, "channel", channel, "delivered", delivered)
	return nil
}

func (h *Hub) Stats() Stats {
	h.mu.Lock()
	n := len(h.conns)
	dropped := h.dropped.Load()
	for _, c := range h.conns {
		dropped += c.dropped.Load()
	}
	h.mu.Unlock()
	return Stats{
		Connections: n,
		Submitted:   h.submitted.Load(),
		Forwarded:   h.forwarded.Load(),
		Malformed:   h.malformed.Load(),
		Dropped:     dropped,
		Overflowed:  h.overflowed.Load(),
	}
}

// Len returns the number of registered participants.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Close disconnects every participant and rejects further use.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	for _, c := range conns {
		h.removeLocked(c)
	}
	h.mu.Unlock()
	h.logger.Info("hub closed", "disconnected", len(conns))
}

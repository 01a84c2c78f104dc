// Package observer connects to a relay hub and feeds every relayed event
// into a session-owned store.
package observer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"httprelay/internal/codec"
	"httprelay/internal/logging"
	"httprelay/internal/store"
	"httprelay/internal/types"
)

// ErrConnectionLost is returned by Run when the transport fails. The
// session's store stays valid and readable.
var ErrConnectionLost = errors.New("connection lost")

type Status int

const (
	Connecting Status = iota
	Connected
	Disconnected
)

func (s Status) String() string {
	switch s {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return "connecting"
	}
}

type Options struct {
	HandshakeTimeout time.Duration
	Header           http.Header
	Logger           *slog.Logger
	// OnStatus is called on every status transition.
	OnStatus func(Status)
	// Store receives the events. A new store is created when nil.
	Store *store.Store
}

type Session struct {
	conn   *websocket.Conn
	store  *store.Store
	logger *slog.Logger

	onStatus func(Status)
	mu       sync.Mutex
	status   Status
	connID   string
}

// Dial opens a websocket to the hub at url (ws:// or wss://).
func Dial(ctx context.Context, url string, opts Options) (*Session, error) {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Store == nil {
		opts.Store = store.New(store.WithLogger(opts.Logger))
	}
	s := &Session{store: opts.Store, logger: opts.Logger, onStatus: opts.OnStatus}
	if s.onStatus != nil {
		s.onStatus(Connecting)
	}

	dialer := websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, opts.Header)
	if err != nil {
		s.setStatus(Disconnected)
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	s.conn = conn
	return s, nil
}

func (s *Session) Store() *store.Store { return s.store }

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// ConnID is the id the hub assigned to this session, once greeted.
func (s *Session) ConnID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connID
}

func (s *Session) setStatus(st Status) {
	s.mu.Lock()
	changed := s.status != st
	s.status = st
	fn := s.onStatus
	s.mu.Unlock()
	if fn != nil && changed {
		fn(st)
	}
}

// Run applies relayed events to the store until ctx is done or the
// connection fails. Events are applied one at a time in delivery order.
func (s *Session) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = s.conn.Close()
	})
	defer stop()
	defer s.setStatus(Disconnected)

	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return fmt.Errorf("%w: closed by hub", ErrConnectionLost)
			}
			return fmt.Errorf("%w: %v", ErrConnectionLost, err)
		}
		s.handle(msg)
	}
}

func (s *Session) handle(msg []byte) {
	f, err := codec.DecodeFrame(msg)
	if err != nil {
		s.logger.Warn("dropping undecodable frame", "error", err)
		return
	}
	switch f.Channel {
	case types.ChannelConnect:
		var hello struct {
			ID string `json:"id"`
		}
		_ = json.Unmarshal(f.Payload, &hello)
		s.mu.Lock()
		s.connID = hello.ID
		s.mu.Unlock()
		s.setStatus(Connected)
		return
	case types.ChannelDisconnect:
		s.setStatus(Disconnected)
		return
	}

	ev, err := codec.Parse(f.Channel, f.Payload)
	if err != nil {
		s.logger.Warn("dropping event", "channel", f.Channel, "error", err)
		return
	}
	s.store.Apply(ev)
}

// Close tears down the connection without waiting for Run.
func (s *Session) Close() error {
	return s.conn.Close()
}

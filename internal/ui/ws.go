package ui

import (
	"context"
	"errors"
	"net/http"

	"github.com/coder/websocket"

	"httprelay/internal/codec"
	"httprelay/internal/hub"
)

type wsSink struct {
	conn *websocket.Conn
}

func (s wsSink) WriteFrame(ctx context.Context, msg []byte) error {
	return s.conn.Write(ctx, websocket.MessageText, msg)
}

func (s wsSink) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}

// handleWebSocket serves producers and observers alike. Every frame read
// from the socket is submitted to the hub; every frame the hub forwards is
// written back.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{
		OriginPatterns:     s.opts.OriginPatterns,
		InsecureSkipVerify: len(s.opts.OriginPatterns) == 0,
	}
	ws, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	ws.SetReadLimit(s.opts.MaxMessageBytes)

	conn, err := s.hub.Connect(wsSink{conn: ws})
	if err != nil {
		_ = ws.Close(websocket.StatusGoingAway, err.Error())
		return
	}
	defer s.hub.Disconnect(conn)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		select {
		case <-conn.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	log := s.logger.With("conn", conn.ID(), "remote_addr", r.RemoteAddr)
	for {
		_, msg, err := ws.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && ctx.Err() == nil {
				log.Debug("websocket read ended", "error", err)
			}
			return
		}
		f, err := codec.DecodeFrame(msg)
		if err != nil {
			log.Warn("dropping undecodable frame", "error", err)
			continue
		}
		err = s.hub.Submit(ctx, conn, f.Channel, f.Payload)
		if errors.Is(err, hub.ErrNotConnected) || errors.Is(err, hub.ErrHubClosed) {
			return
		}
	}
}

package ui

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"httprelay/internal/codec"
)

// sseSink hands frames to the request goroutine, which owns the writer.
type sseSink struct {
	frames chan []byte
	closed chan struct{}
	once   sync.Once
}

func newSSESink() *sseSink {
	return &sseSink{frames: make(chan []byte), closed: make(chan struct{})}
}

func (s *sseSink) WriteFrame(ctx context.Context, msg []byte) error {
	select {
	case s.frames <- msg:
		return nil
	case <-s.closed:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *sseSink) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sink := newSSESink()
	conn, err := s.hub.Connect(sink)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	defer s.hub.Disconnect(conn)
	defer sink.Close()

	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case msg := <-sink.frames:
			f, err := codec.DecodeFrame(msg)
			if err != nil {
				continue
			}
			writeEvent(w, string(f.Channel), f.Payload)
			flusher.Flush()
		case <-conn.Done():
			return
		case <-r.Context().Done():
			return
		}
	}
}

// writeEvent emits one SSE event; multi-line data becomes one data: line each.
func writeEvent(w io.Writer, event string, data []byte) {
	fmt.Fprintf(w, "event: %s\n", event)
	for _, line := range splitLines(data) {
		fmt.Fprintf(w, "data: %s\n", line)
	}
	fmt.Fprint(w, "\n")
}

// splitLines breaks data at CRLF, CR or LF. SSE clients end a line at any
// of the three, so none may reach the stream inside a data: line.
func splitLines(data []byte) [][]byte {
	var lines [][]byte
	for {
		i := bytes.IndexAny(data, "\r\n")
		if i < 0 {
			return append(lines, data)
		}
		lines = append(lines, data[:i])
		if data[i] == '\r' && i+1 < len(data) && data[i+1] == '\n' {
			i++
		}
		data = data[i+1:]
	}
}

package ui

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"httprelay/internal/codec"
	"httprelay/internal/hub"
	"httprelay/internal/types"
)

func newTestServer(t *testing.T, opts hub.Options) (*httptest.Server, *hub.Hub) {
	t.Helper()
	h := hub.New(opts, nil)
	srv := httptest.NewServer(NewServer(h, DefaultOptions(), nil))
	t.Cleanup(func() {
		h.Close()
		srv.Close()
	})
	return srv, h
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	c, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.CloseNow() })

	f := readFrame(t, c)
	require.Equal(t, types.ChannelConnect, f.Channel)
	return c
}

func readFrame(t *testing.T, c *websocket.Conn) types.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, msg, err := c.Read(ctx)
	require.NoError(t, err)
	f, err := codec.DecodeFrame(msg)
	require.NoError(t, err)
	return f
}

func send(t *testing.T, c *websocket.Conn, ch types.Channel, payload string) {
	t.Helper()
	msg, err := codec.EncodeFrame(ch, []byte(payload))
	require.NoError(t, err)
	require.NoError(t, c.Write(context.Background(), websocket.MessageText, msg))
}

func TestWebSocket_RelayAndSelfEcho(t *testing.T) {
	srv, _ := newTestServer(t, hub.DefaultOptions())

	producer := dial(t, srv)
	observer := dial(t, srv)

	send(t, producer, types.ChannelRequest, `{"id":"r1","method":"GET","endpoint":"/a"}`)
	send(t, producer, types.ChannelResponse, `{"id":"r1","body":"done"}`)

	for _, c := range []*websocket.Conn{observer, producer} {
		f := readFrame(t, c)
		assert.Equal(t, types.ChannelRequest, f.Channel)
		assert.JSONEq(t, `{"id":"r1","method":"GET","endpoint":"/a"}`, string(f.Payload))

		f = readFrame(t, c)
		assert.Equal(t, types.ChannelResponse, f.Channel)
	}
}

func TestWebSocket_MalformedPayloadIsDropped(t *testing.T) {
	srv, h := newTestServer(t, hub.DefaultOptions())

	producer := dial(t, srv)
	observer := dial(t, srv)

	require.NoError(t, producer.Write(context.Background(), websocket.MessageText, []byte(`garbage`)))
	send(t, producer, types.ChannelRequest, `{"id":"bad","method":"GET"}`)
	send(t, producer, types.ChannelRequest, `{"id":"D","method":"GET","endpoint":"/d"}`)

	f := readFrame(t, observer)
	assert.Equal(t, types.ChannelRequest, f.Channel)
	assert.Contains(t, string(f.Payload), `"D"`)

	assert.Equal(t, int64(1), h.Stats().Malformed)
	assert.Equal(t, 2, h.Len())
}

func TestWebSocket_DisconnectLeavesOthersConnected(t *testing.T) {
	srv, h := newTestServer(t, hub.DefaultOptions())

	gone := dial(t, srv)
	observer := dial(t, srv)
	require.Eventually(t, func() bool { return h.Len() == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, gone.Close(websocket.StatusNormalClosure, ""))
	require.Eventually(t, func() bool { return h.Len() == 1 }, time.Second, 5*time.Millisecond)

	resp, err := http.Post(srv.URL+"/api/submit/request", "application/json",
		strings.NewReader(`{"id":"x","method":"GET","endpoint":"/x"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	f := readFrame(t, observer)
	assert.Contains(t, string(f.Payload), `"x"`)
}

func TestSubmit_StatusCodes(t *testing.T) {
	srv, _ := newTestServer(t, hub.DefaultOptions())

	tests := []struct {
		name    string
		channel string
		body    string
		want    int
	}{
		{"valid request", "request", `{"id":"a","method":"GET","endpoint":"/"}`, http.StatusAccepted},
		{"valid response", "response", `{"id":"a"}`, http.StatusAccepted},
		{"malformed", "request", `{"id":"a"}`, http.StatusBadRequest},
		{"lifecycle channel", "connect", `{}`, http.StatusNotFound},
		{"unknown channel", "message", `{}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(srv.URL+"/api/submit/"+tt.channel, "application/json", strings.NewReader(tt.body))
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestEvents_StreamsFramesAsSSE(t *testing.T) {
	srv, h := newTestServer(t, hub.DefaultOptions())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return h.Len() == 1 }, time.Second, 5*time.Millisecond)
	payload := "{\n  \"id\": \"s1\",\n  \"method\": \"GET\",\n  \"endpoint\": \"/s\"\n}"
	require.NoError(t, h.Submit(context.Background(), nil, types.ChannelRequest, []byte(payload)))

	type event struct {
		name string
		data []string
	}
	var events []event
	var cur event
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() && len(events) < 2 {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			cur.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = append(cur.data, strings.TrimPrefix(line, "data: "))
		case line == "":
			events = append(events, cur)
			cur = event{}
		}
	}
	require.Len(t, events, 2)
	assert.Equal(t, "connect", events[0].name)
	assert.Equal(t, "request", events[1].name)
	assert.Equal(t, payload, strings.Join(events[1].data, "\n"))
}

func TestWriteEvent_SplitsEveryLineTerminator(t *testing.T) {
	tests := []struct {
		name string
		data string
		want string
	}{
		{"single line", `{"id":"a"}`, "event: request\ndata: {\"id\":\"a\"}\n\n"},
		{"empty", ``, "event: request\ndata: \n\n"},
		{"lf", "{\n}", "event: request\ndata: {\ndata: }\n\n"},
		{"crlf", "{\r\n}", "event: request\ndata: {\ndata: }\n\n"},
		{"bare cr", "{\r\"id\":\"a\"}", "event: request\ndata: {\ndata: \"id\":\"a\"}\n\n"},
		{"cr then crlf", "{\r\r\n}", "event: request\ndata: {\ndata: \ndata: }\n\n"},
		{"trailing cr", "{}\r", "event: request\ndata: {}\ndata: \n\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			writeEvent(&buf, "request", []byte(tt.data))
			assert.Equal(t, tt.want, buf.String())
			assert.NotContains(t, strings.TrimSuffix(buf.String(), "\n\n"), "\r")
		})
	}
}

func TestStatsAndHealth(t *testing.T) {
	srv, _ := newTestServer(t, hub.DefaultOptions())
	dial(t, srv)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	var stats hub.Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, 1, stats.Connections)
}

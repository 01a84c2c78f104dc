package proxy

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"httprelay/internal/codec"
	"httprelay/internal/types"
)

type fakePublisher struct {
	mu     sync.Mutex
	events []types.TrafficEvent
}

func (f *fakePublisher) Publish(_ context.Context, ev types.TrafficEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakePublisher) snapshot() []types.TrafficEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.TrafficEvent(nil), f.events...)
}

func proxiedClient(t *testing.T, p *Proxy) *http.Client {
	t.Helper()
	srv := httptest.NewServer(p)
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(u)},
		Timeout:   5 * time.Second,
	}
}

func TestProxy_CapturesRequestAndResponse(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Echo", string(body))
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"created":true}`)
	}))
	defer backend.Close()

	pub := &fakePublisher{}
	client := proxiedClient(t, NewProxy(pub, DefaultOptions(), nil))

	resp, err := client.Post(backend.URL+"/orders?page=2", "application/json", strings.NewReader(`{"qty":3}`))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, `{"created":true}`, string(body))
	assert.Equal(t, `{"qty":3}`, resp.Header.Get("X-Echo"), "backend must receive the full request body")

	events := pub.snapshot()
	require.Len(t, events, 2)

	req, ok := events[0].(*types.RequestEvent)
	require.True(t, ok)
	assert.Equal(t, "POST", req.Method)
	assert.Equal(t, "/orders", req.Endpoint)
	assert.Equal(t, backend.URL+"/orders?page=2", req.URL)
	assert.Equal(t, backend.URL, req.APIURL)
	assert.JSONEq(t, `{"qty":3}`, string(req.Body))
	assert.JSONEq(t, `{"page":["2"]}`, string(req.QueryParameters))

	res, ok := events[1].(*types.ResponseEvent)
	require.True(t, ok)
	assert.Equal(t, req.ID, res.ID)
	require.NotNil(t, res.OK)
	assert.True(t, *res.OK)
	assert.False(t, *res.Redirect)
	assert.JSONEq(t, `{"created":true}`, string(res.Body))
	require.NotNil(t, res.BodyBytes)
	assert.Equal(t, int64(len(`{"created":true}`)), *res.BodyBytes)
	assert.JSONEq(t, `201`, string(res.Extra["status"]))

	var headers map[string]string
	require.NoError(t, json.Unmarshal(res.Headers, &headers))
	assert.Equal(t, "application/json", headers["content-type"])

	// Captured events pass the relay's own schema checks.
	for _, ev := range events {
		payload, err := json.Marshal(ev)
		require.NoError(t, err)
		assert.NoError(t, codec.Validate(ev.Channel(), payload))
	}
}

func TestProxy_TruncatesLargeBodiesButForwardsThemWhole(t *testing.T) {
	big := strings.Repeat("a", 64)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, big)
	}))
	defer backend.Close()

	pub := &fakePublisher{}
	client := proxiedClient(t, NewProxy(pub, Options{MaxBodyBytes: 16}, nil))

	resp, err := client.Get(backend.URL + "/big")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, big, string(body))

	events := pub.snapshot()
	require.Len(t, events, 2)
	res := events[1].(*types.ResponseEvent)
	assert.JSONEq(t, `"`+big[:16]+`"`, string(res.Body))
	assert.JSONEq(t, `true`, string(res.Extra["bodyTruncated"]))
	require.NotNil(t, res.BodyBytes)
	assert.Equal(t, int64(64), *res.BodyBytes)
}

func TestProxy_UpstreamFailureStillCompletesThePair(t *testing.T) {
	backend := httptest.NewServer(http.NotFoundHandler())
	addr := backend.URL
	backend.Close()

	pub := &fakePublisher{}
	client := proxiedClient(t, NewProxy(pub, DefaultOptions(), nil))

	resp, err := client.Get(addr + "/gone")
	if err == nil {
		resp.Body.Close()
	}

	require.Eventually(t, func() bool { return len(pub.snapshot()) == 2 }, 2*time.Second, 5*time.Millisecond)
	events := pub.snapshot()
	res := events[1].(*types.ResponseEvent)
	assert.Equal(t, events[0].EventID(), res.ID)
	require.NotNil(t, res.OK)
	assert.False(t, *res.OK)
	assert.Contains(t, res.Extra, "error")
}

func TestEncodeBody(t *testing.T) {
	raw, extra := encodeBody([]byte(`{"a":1}`), false, nil)
	assert.JSONEq(t, `{"a":1}`, string(raw))
	assert.Nil(t, extra)

	raw, _ = encodeBody([]byte("plain text"), false, nil)
	assert.JSONEq(t, `"plain text"`, string(raw))

	raw, extra = encodeBody([]byte{0xff, 0xfe, 0x00}, false, nil)
	assert.JSONEq(t, `"//4A"`, string(raw))
	assert.JSONEq(t, `"base64"`, string(extra["bodyEncoding"]))

	raw, extra = encodeBody(nil, false, nil)
	assert.Nil(t, raw)
	assert.Nil(t, extra)
}

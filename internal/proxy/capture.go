package proxy

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"

	"httprelay/internal/types"
)

func requestEvent(id string, r *http.Request, limit int64) (*types.RequestEvent, error) {
	ev := &types.RequestEvent{
		ID:       id,
		Method:   r.Method,
		Endpoint: r.URL.Path,
		URL:      r.URL.String(),
		APIURL:   r.URL.Scheme + "://" + r.URL.Host,
	}
	if ev.Endpoint == "" {
		ev.Endpoint = "/"
	}
	if q := r.URL.Query(); len(q) > 0 {
		raw, err := json.Marshal(q)
		if err != nil {
			return nil, err
		}
		ev.QueryParameters = raw
	}
	if r.Body != nil && r.Body != http.NoBody {
		body, truncated, rc, err := peekBody(r.Body, limit)
		if err != nil {
			return nil, err
		}
		r.Body = rc
		ev.Body, ev.Extra = encodeBody(body, truncated, ev.Extra)
	}
	return ev, nil
}

func responseEvent(id string, resp *http.Response, limit int64) (*types.ResponseEvent, error) {
	headers, err := json.Marshal(flattenHeader(resp.Header))
	if err != nil {
		return nil, err
	}
	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	redirect := resp.StatusCode >= 300 && resp.StatusCode < 400
	ev := &types.ResponseEvent{
		ID:       id,
		Headers:  headers,
		OK:       &ok,
		Redirect: &redirect,
		Extra: map[string]json.RawMessage{
			"status": json.RawMessage(jsonInt(int64(resp.StatusCode))),
		},
	}

	var n int64 = -1
	if resp.Body != nil && resp.Body != http.NoBody {
		body, truncated, rc, err := peekBody(resp.Body, limit)
		if err != nil {
			return nil, err
		}
		resp.Body = rc
		ev.Body, ev.Extra = encodeBody(body, truncated, ev.Extra)
		if !truncated {
			n = int64(len(body))
		}
	} else {
		n = 0
	}
	if resp.ContentLength >= 0 {
		n = resp.ContentLength
	}
	if n >= 0 {
		ev.BodyBytes = &n
	}
	return ev, nil
}

func failedResponseEvent(id string, cause error) *types.ResponseEvent {
	ok, redirect := false, false
	msg := "upstream request failed"
	if cause != nil {
		msg = cause.Error()
	}
	errRaw, _ := json.Marshal(msg)
	return &types.ResponseEvent{
		ID:       id,
		OK:       &ok,
		Redirect: &redirect,
		Extra:    map[string]json.RawMessage{"error": errRaw},
	}
}

// peekBody reads up to limit bytes and returns a reader that replays them
// followed by whatever was left unread.
func peekBody(body io.ReadCloser, limit int64) ([]byte, bool, io.ReadCloser, error) {
	buf, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return nil, false, body, err
	}
	truncated := int64(len(buf)) > limit
	rc := readCloser{Reader: io.MultiReader(bytes.NewReader(buf), body), Closer: body}
	if truncated {
		buf = buf[:limit]
	}
	return buf, truncated, rc, nil
}

type readCloser struct {
	io.Reader
	io.Closer
}

// encodeBody keeps JSON bodies as JSON, wraps text as a JSON string and
// base64-encodes anything else.
func encodeBody(b []byte, truncated bool, extra map[string]json.RawMessage) (json.RawMessage, map[string]json.RawMessage) {
	if len(b) == 0 {
		return nil, extra
	}
	set := func(k string, v json.RawMessage) {
		if extra == nil {
			extra = make(map[string]json.RawMessage)
		}
		extra[k] = v
	}
	if truncated {
		set("bodyTruncated", json.RawMessage(`true`))
	}
	if !truncated && json.Valid(b) {
		return json.RawMessage(bytes.Clone(b)), extra
	}
	if utf8.Valid(b) {
		raw, _ := json.Marshal(string(b))
		return raw, extra
	}
	raw, _ := json.Marshal(base64.StdEncoding.EncodeToString(b))
	set("bodyEncoding", json.RawMessage(`"base64"`))
	return raw, extra
}

func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[strings.ToLower(k)] = strings.Join(v, ", ")
	}
	return out
}

func jsonInt(n int64) []byte {
	b, _ := json.Marshal(n)
	return b
}

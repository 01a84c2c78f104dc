package types

import (
	"encoding/json"
)

type Channel string

const (
	ChannelRequest    Channel = "request"
	ChannelResponse   Channel = "response"
	ChannelConnect    Channel = "connect"
	ChannelDisconnect Channel = "disconnect"
)

// Traffic reports whether the channel carries a correlation payload.
func (c Channel) Traffic() bool {
	return c == ChannelRequest || c == ChannelResponse
}

func (c Channel) Valid() bool {
	switch c {
	case ChannelRequest, ChannelResponse, ChannelConnect, ChannelDisconnect:
		return true
	}
	return false
}

// Frame is the envelope carried by one websocket text message.
type Frame struct {
	Channel Channel         `json:"channel"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type KV struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// TrafficEvent is either a *RequestEvent or a *ResponseEvent.
type TrafficEvent interface {
	EventID() string
	Channel() Channel
	trafficEvent()
}

type RequestEvent struct {
	ID              string          `json:"id"`
	Method          string          `json:"method"`
	Endpoint        string          `json:"endpoint"`
	URL             string          `json:"url,omitempty"`
	APIURL          string          `json:"apiUrl,omitempty"`
	Body            json.RawMessage `json:"body,omitempty"`
	QueryParameters json.RawMessage `json:"queryParameters,omitempty"`

	// Extra holds fields outside the known schema, passed through untouched.
	Extra map[string]json.RawMessage `json:"-"`
}

func (e *RequestEvent) EventID() string  { return e.ID }
func (e *RequestEvent) Channel() Channel { return ChannelRequest }
func (*RequestEvent) trafficEvent()      {}

type ResponseEvent struct {
	ID        string          `json:"id"`
	Body      json.RawMessage `json:"body,omitempty"`
	BodyBytes *int64          `json:"bodyBytes,omitempty"`
	Headers   json.RawMessage `json:"headers,omitempty"`
	OK        *bool           `json:"ok,omitempty"`
	Redirect  *bool           `json:"redirect,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// BodySize reports the body size carried in bodyBytes. Producers send either
// a count or the raw bytes as an array; values that fit neither typed slot
// live in Extra.
func (e *ResponseEvent) BodySize() (int64, bool) {
	if e.BodyBytes != nil {
		return *e.BodyBytes, true
	}
	raw, ok := e.Extra["bodyBytes"]
	if !ok || isNull(raw) {
		return 0, false
	}
	var arr []json.RawMessage
	if json.Unmarshal(raw, &arr) == nil {
		return int64(len(arr)), true
	}
	var f float64
	if json.Unmarshal(raw, &f) == nil && f >= 0 {
		return int64(f), true
	}
	return 0, false
}

func (e *ResponseEvent) EventID() string  { return e.ID }
func (e *ResponseEvent) Channel() Channel { return ChannelResponse }
func (*ResponseEvent) trafficEvent()      {}

type PairState int

const (
	Pending PairState = iota
	Completed
)

func (s PairState) String() string {
	if s == Completed {
		return "completed"
	}
	return "pending"
}

// TrafficPair correlates one request with at most one response.
type TrafficPair struct {
	ID       string         `json:"id"`
	Request  RequestEvent   `json:"request"`
	Response *ResponseEvent `json:"response,omitempty"`
}

func (p TrafficPair) State() PairState {
	if p.Response != nil {
		return Completed
	}
	return Pending
}

var KnownMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"}

// IsKnownMethod is a rendering hint only; unknown methods are legal.
func IsKnownMethod(m string) bool {
	for _, k := range KnownMethods {
		if k == m {
			return true
		}
	}
	return false
}

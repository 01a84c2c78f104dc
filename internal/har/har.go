package har

import (
	"encoding/json"
	"net/url"
	"sort"
	"strings"
	"time"

	"httprelay/internal/types"
)

type Document struct {
	Log Log `json:"log"`
}

type Log struct {
	Version string  `json:"version"`
	Creator Creator `json:"creator"`
	Entries []Entry `json:"entries"`
}

type Creator struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type Entry struct {
	StartedDateTime time.Time `json:"startedDateTime"`
	Time            int64     `json:"time"` // ms, unknown for relayed traffic
	Request         Req       `json:"request"`
	Response        Resp      `json:"response"`
	Comment         string    `json:"comment,omitempty"`
}

type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type PostData struct {
	MimeType string `json:"mimeType"`
	Text     string `json:"text"`
}

type Content struct {
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
	Text     string `json:"text,omitempty"`
}

type Req struct {
	Method      string    `json:"method"`
	URL         string    `json:"url"`
	HTTPVersion string    `json:"httpVersion"`
	Headers     []Header  `json:"headers"`
	QueryString []Header  `json:"queryString"`
	PostData    *PostData `json:"postData,omitempty"`
}

type Resp struct {
	Status      int      `json:"status"`
	StatusText  string   `json:"statusText"`
	HTTPVersion string   `json:"httpVersion"`
	Headers     []Header `json:"headers"`
	Content     Content  `json:"content"`
	RedirectURL string   `json:"redirectURL"`
}

// FromPairs exports pairs in the order given. Pending pairs get status 0,
// the HAR convention for a request with no response.
func FromPairs(pairs []types.TrafficPair, at time.Time) Document {
	out := Document{
		Log: Log{
			Version: "1.2",
			Creator: Creator{Name: "httprelay", Version: "0.1"},
			Entries: make([]Entry, 0, len(pairs)),
		},
	}
	for _, p := range pairs {
		e := Entry{
			StartedDateTime: at,
			Time:            -1,
			Request: Req{
				Method:      p.Request.Method,
				URL:         requestURL(p.Request),
				HTTPVersion: "HTTP/1.1",
				Headers:     []Header{},
				QueryString: toQuery(p.Request.QueryParameters),
			},
			Response: Resp{
				HTTPVersion: "HTTP/1.1",
				Headers:     []Header{},
			},
			Comment: p.ID,
		}
		if text := bodyText(p.Request.Body); text != "" {
			e.Request.PostData = &PostData{MimeType: mimeOf(p.Request.Body), Text: text}
		}
		if r := p.Response; r != nil {
			e.Response.Status = statusOf(r)
			e.Response.Headers = toH(r.Headers)
			e.Response.Content = Content{
				Size:     bodySize(r),
				MimeType: mimeOf(r.Body),
				Text:     bodyText(r.Body),
			}
		}
		out.Log.Entries = append(out.Log.Entries, e)
	}
	return out
}

func requestURL(r types.RequestEvent) string {
	if r.URL != "" {
		return r.URL
	}
	return strings.TrimSuffix(r.APIURL, "/") + r.Endpoint
}

// statusOf prefers an explicit status field and falls back to the ok and
// redirect flags.
func statusOf(r *types.ResponseEvent) int {
	if raw, ok := r.Extra["status"]; ok {
		var n int
		if json.Unmarshal(raw, &n) == nil {
			return n
		}
	}
	switch {
	case r.OK != nil && *r.OK:
		return 200
	case r.Redirect != nil && *r.Redirect:
		return 302
	case r.OK != nil:
		return 500
	}
	return 200
}

func bodySize(r *types.ResponseEvent) int64 {
	if n, ok := r.BodySize(); ok {
		return n
	}
	return int64(len(bodyText(r.Body)))
}

// bodyText unwraps JSON strings and keeps other JSON values as-is.
func bodyText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	return string(raw)
}

func mimeOf(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return "text/plain"
	}
	return "application/json"
}

func toH(raw json.RawMessage) []Header {
	out := []Header{}
	if len(raw) == 0 {
		return out
	}
	var flat map[string]any
	if err := json.Unmarshal(raw, &flat); err != nil {
		var kvs []types.KV
		if json.Unmarshal(raw, &kvs) == nil {
			for _, kv := range kvs {
				out = append(out, Header{Name: kv.Key, Value: kv.Value})
			}
		}
		return out
	}
	for k, v := range flat {
		switch vv := v.(type) {
		case string:
			out = append(out, Header{Name: k, Value: vv})
		case []any:
			for _, item := range vv {
				if s, ok := item.(string); ok {
					out = append(out, Header{Name: k, Value: s})
				}
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func toQuery(raw json.RawMessage) []Header {
	out := []Header{}
	if len(raw) == 0 {
		return out
	}
	var multi url.Values
	if json.Unmarshal(raw, &multi) == nil {
		for k, vs := range multi {
			for _, v := range vs {
				out = append(out, Header{Name: k, Value: v})
			}
		}
	} else {
		var single map[string]string
		if json.Unmarshal(raw, &single) != nil {
			return out
		}
		for k, v := range single {
			out = append(out, Header{Name: k, Value: v})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Value < out[j].Value
	})
	return out
}

package types

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// fieldDecoder binds one known JSON member to its typed slot. decode reports
// false when the value does not fit; optional members that do not fit stay
// in Extra and are written back verbatim.
type fieldDecoder struct {
	name     string
	required bool
	decode   func(json.RawMessage) bool
}

func (e *RequestEvent) UnmarshalJSON(b []byte) error {
	var ev RequestEvent
	extra, err := decodeObject(b, []fieldDecoder{
		{name: "id", required: true, decode: decodeValue(&ev.ID)},
		{name: "method", required: true, decode: decodeValue(&ev.Method)},
		{name: "endpoint", required: true, decode: decodeValue(&ev.Endpoint)},
		{name: "url", decode: decodeValue(&ev.URL)},
		{name: "apiUrl", decode: decodeValue(&ev.APIURL)},
		{name: "body", decode: rawValue(&ev.Body)},
		{name: "queryParameters", decode: rawValue(&ev.QueryParameters)},
	})
	if err != nil {
		return err
	}
	ev.Extra = extra
	*e = ev
	return nil
}

func (e RequestEvent) MarshalJSON() ([]byte, error) {
	type plain RequestEvent
	return withExtra(plain(e), e.Extra)
}

func (e *ResponseEvent) UnmarshalJSON(b []byte) error {
	var ev ResponseEvent
	extra, err := decodeObject(b, []fieldDecoder{
		{name: "id", required: true, decode: decodeValue(&ev.ID)},
		{name: "body", decode: rawValue(&ev.Body)},
		{name: "bodyBytes", decode: decodeValue(&ev.BodyBytes)},
		{name: "headers", decode: rawValue(&ev.Headers)},
		{name: "ok", decode: decodeValue(&ev.OK)},
		{name: "redirect", decode: decodeValue(&ev.Redirect)},
	})
	if err != nil {
		return err
	}
	ev.Extra = extra
	*e = ev
	return nil
}

func (e ResponseEvent) MarshalJSON() ([]byte, error) {
	type plain ResponseEvent
	return withExtra(plain(e), e.Extra)
}

func decodeObject(b []byte, fields []fieldDecoder) (map[string]json.RawMessage, error) {
	var all map[string]json.RawMessage
	if err := json.Unmarshal(b, &all); err != nil {
		return nil, err
	}
	if all == nil {
		return nil, errors.New("event is not an object")
	}
	for _, f := range fields {
		raw, ok := all[f.name]
		if !ok {
			continue
		}
		if f.decode(raw) {
			delete(all, f.name)
			continue
		}
		if f.required {
			return nil, fmt.Errorf("field %q: unexpected value %s", f.name, raw)
		}
	}
	if len(all) == 0 {
		return nil, nil
	}
	return all, nil
}

func decodeValue[T any](dst *T) func(json.RawMessage) bool {
	return func(raw json.RawMessage) bool {
		if isNull(raw) {
			return false
		}
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return false
		}
		*dst = v
		return true
	}
}

func rawValue(dst *json.RawMessage) func(json.RawMessage) bool {
	return func(raw json.RawMessage) bool {
		*dst = append(json.RawMessage(nil), raw...)
		return true
	}
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// withExtra encodes v and merges extra in. Known fields win on collision.
func withExtra(v any, extra map[string]json.RawMessage) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil || len(extra) == 0 {
		return b, err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(b, &all); err != nil {
		return nil, err
	}
	for k, raw := range extra {
		if _, ok := all[k]; !ok {
			all[k] = raw
		}
	}
	return json.Marshal(all)
}

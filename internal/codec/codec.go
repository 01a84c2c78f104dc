// Package codec is the parse boundary for relay frames. Payloads are checked
// against a JSON Schema per channel before anything else looks at them.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"httprelay/internal/types"
)

var (
	// ErrMalformedPayload is returned for any payload that fails schema parsing.
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrUnknownChannel is returned for frames on a channel the relay does not route.
	ErrUnknownChannel = errors.New("unknown channel")
)

const requestSchema = `{
	"type": "object",
	"required": ["id", "method", "endpoint"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"method": {"type": "string"},
		"endpoint": {"type": "string"}
	}
}`

const responseSchema = `{
	"type": "object",
	"required": ["id"],
	"properties": {
		"id": {"type": "string", "minLength": 1}
	}
}`

var schemas = map[types.Channel]*jsonschema.Schema{
	types.ChannelRequest:  mustCompile("request.json", requestSchema),
	types.ChannelResponse: mustCompile("response.json", responseSchema),
}

func mustCompile(name, src string) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource(name, strings.NewReader(src)); err != nil {
		panic(fmt.Sprintf("codec: add schema %s: %v", name, err))
	}
	s, err := compiler.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("codec: compile schema %s: %v", name, err))
	}
	return s
}

// Validate checks payload against the schema for channel. Lifecycle channels
// carry no payload contract and always validate.
func Validate(channel types.Channel, payload []byte) error {
	if !channel.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownChannel, channel)
	}
	schema, ok := schemas[channel]
	if !ok {
		return nil
	}
	if !utf8.Valid(payload) {
		return fmt.Errorf("%w: %s payload is not valid UTF-8", ErrMalformedPayload, channel)
	}
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedPayload, channel, err)
	}
	if err := schema.Validate(doc); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return fmt.Errorf("%w: %s: %s", ErrMalformedPayload, channel, describe(verr))
		}
		return fmt.Errorf("%w: %s: %v", ErrMalformedPayload, channel, err)
	}
	return nil
}

// describe flattens the innermost validation causes into one line.
func describe(err *jsonschema.ValidationError) string {
	if len(err.Causes) == 0 {
		loc := err.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		return loc + ": " + err.Message
	}
	parts := make([]string, 0, len(err.Causes))
	for _, c := range err.Causes {
		parts = append(parts, describe(c))
	}
	return strings.Join(parts, "; ")
}

func ParseRequest(payload []byte) (*types.RequestEvent, error) {
	if err := Validate(types.ChannelRequest, payload); err != nil {
		return nil, err
	}
	var ev types.RequestEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("%w: request: %v", ErrMalformedPayload, err)
	}
	return &ev, nil
}

func ParseResponse(payload []byte) (*types.ResponseEvent, error) {
	if err := Validate(types.ChannelResponse, payload); err != nil {
		return nil, err
	}
	var ev types.ResponseEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("%w: response: %v", ErrMalformedPayload, err)
	}
	return &ev, nil
}

// Parse decodes a traffic payload. Lifecycle channels are rejected with
// ErrUnknownChannel since they carry no event.
func Parse(channel types.Channel, payload []byte) (types.TrafficEvent, error) {
	switch channel {
	case types.ChannelRequest:
		return ParseRequest(payload)
	case types.ChannelResponse:
		return ParseResponse(payload)
	default:
		return nil, fmt.Errorf("%w: %q carries no traffic event", ErrUnknownChannel, channel)
	}
}

// DecodeFrame unwraps a wire message. The payload is not validated here.
func DecodeFrame(msg []byte) (types.Frame, error) {
	var f types.Frame
	if err := json.Unmarshal(msg, &f); err != nil {
		return types.Frame{}, fmt.Errorf("%w: frame: %v", ErrMalformedPayload, err)
	}
	if f.Channel == "" {
		return types.Frame{}, fmt.Errorf("%w: frame has no channel", ErrMalformedPayload)
	}
	return f, nil
}

// EncodeFrame wraps payload without re-encoding it, so the bytes an observer
// sees are exactly the bytes the producer submitted.
func EncodeFrame(channel types.Channel, payload []byte) ([]byte, error) {
	name, err := json.Marshal(string(channel))
	if err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		return []byte(`{"channel":` + string(name) + `}`), nil
	}
	buf := make([]byte, 0, len(name)+len(payload)+24)
	buf = append(buf, `{"channel":`...)
	buf = append(buf, name...)
	buf = append(buf, `,"payload":`...)
	buf = append(buf, payload...)
	buf = append(buf, '}')
	return buf, nil
}

// EncodeEvent marshals ev and wraps it in a frame on its own channel.
func EncodeEvent(ev types.TrafficEvent) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return EncodeFrame(ev.Channel(), payload)
}

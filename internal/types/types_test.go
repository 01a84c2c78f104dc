package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestEventPreservesUnknownFields(t *testing.T) {
	in := `{"id":"a1","method":"GET","endpoint":"/users","traceId":"t-9","tags":["x"]}`

	var ev RequestEvent
	require.NoError(t, json.Unmarshal([]byte(in), &ev))

	assert.Equal(t, "a1", ev.ID)
	assert.Equal(t, "GET", ev.Method)
	require.Len(t, ev.Extra, 2)
	assert.JSONEq(t, `"t-9"`, string(ev.Extra["traceId"]))

	out, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.JSONEq(t, in, string(out))
}

func TestResponseEventExtraDoesNotOverrideKnownFields(t *testing.T) {
	ok := true
	ev := ResponseEvent{
		ID:    "a1",
		OK:    &ok,
		Extra: map[string]json.RawMessage{"ok": json.RawMessage(`false`), "status": json.RawMessage(`201`)},
	}

	out, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"a1","ok":true,"status":201}`, string(out))
}

func TestResponseEventLooseOptionalFields(t *testing.T) {
	var ev ResponseEvent
	require.NoError(t, json.Unmarshal([]byte(`{"id":"a","bodyBytes":[1,2,3],"ok":null,"redirect":"no"}`), &ev))

	assert.Nil(t, ev.BodyBytes)
	assert.Nil(t, ev.OK)
	assert.Nil(t, ev.Redirect)
	assert.JSONEq(t, `null`, string(ev.Extra["ok"]))

	n, ok := ev.BodySize()
	require.True(t, ok)
	assert.Equal(t, int64(3), n)
}

func TestResponseEventBodySize(t *testing.T) {
	tests := []struct {
		in     string
		want   int64
		wantOK bool
	}{
		{`{"id":"a","bodyBytes":12}`, 12, true},
		{`{"id":"a","bodyBytes":2.5}`, 2, true},
		{`{"id":"a","bodyBytes":[]}`, 0, true},
		{`{"id":"a","bodyBytes":null}`, 0, false},
		{`{"id":"a","bodyBytes":"big"}`, 0, false},
		{`{"id":"a"}`, 0, false},
	}
	for _, tt := range tests {
		var ev ResponseEvent
		require.NoError(t, json.Unmarshal([]byte(tt.in), &ev), tt.in)
		n, ok := ev.BodySize()
		assert.Equal(t, tt.wantOK, ok, tt.in)
		assert.Equal(t, tt.want, n, tt.in)
	}
}

func TestRequiredFieldsMustFit(t *testing.T) {
	var req RequestEvent
	assert.Error(t, json.Unmarshal([]byte(`{"id":5,"method":"GET","endpoint":"/"}`), &req))

	var resp ResponseEvent
	assert.Error(t, json.Unmarshal([]byte(`null`), &resp))
}

func TestTrafficPairState(t *testing.T) {
	p := TrafficPair{ID: "a", Request: RequestEvent{ID: "a"}}
	assert.Equal(t, Pending, p.State())

	p.Response = &ResponseEvent{ID: "a"}
	assert.Equal(t, Completed, p.State())
	assert.Equal(t, "completed", p.State().String())
}

func TestChannel(t *testing.T) {
	assert.True(t, ChannelRequest.Traffic())
	assert.True(t, ChannelResponse.Traffic())
	assert.False(t, ChannelConnect.Traffic())
	assert.True(t, ChannelDisconnect.Valid())
	assert.False(t, Channel("message").Valid())
}

func TestIsKnownMethod(t *testing.T) {
	assert.True(t, IsKnownMethod("PATCH"))
	assert.False(t, IsKnownMethod("PURGE"))
}

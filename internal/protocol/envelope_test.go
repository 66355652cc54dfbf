package protocol

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Kinds(t *testing.T) {
	tests := []struct {
		name string
		line string
		kind Kind
	}{
		{"request", `{"jsonrpc":"2.0","id":"a","method":"tools/list"}`, KindRequest},
		{"numeric id request", `{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{}}`, KindRequest},
		{"notification", `{"jsonrpc":"2.0","method":"notifications/progress","params":{"p":1}}`, KindNotification},
		{"null id is a notification", `{"jsonrpc":"2.0","id":null,"method":"ping"}`, KindNotification},
		{"result response", `{"jsonrpc":"2.0","id":"a","result":{"ok":true}}`, KindResponse},
		{"null result response", `{"jsonrpc":"2.0","id":"a","result":null}`, KindResponse},
		{"error response", `{"jsonrpc":"2.0","id":"a","error":{"code":-32601,"message":"nope"}}`, KindResponse},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			env, err := Parse([]byte(test.line))
			require.NoError(t, err)
			assert.Equal(t, test.kind, env.Kind())
		})
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"empty", ``},
		{"not json", `hello world`},
		{"wrong version", `{"jsonrpc":"1.0","id":"a","method":"x"}`},
		{"result and error", `{"jsonrpc":"2.0","id":"a","result":{},"error":{"code":1,"message":"x"}}`},
		{"response without result", `{"jsonrpc":"2.0","id":"a"}`},
		{"nothing", `{"jsonrpc":"2.0"}`},
		{"bad id", `{"jsonrpc":"2.0","id":{"x":1},"method":"x"}`},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := Parse([]byte(test.line))
			assert.Error(t, err)
		})
	}
}

func TestParse_LegacyVersionKey(t *testing.T) {
	env, err := Parse([]byte(`{"version":"2.0","id":"x","result":{"msg":"hi"}}`))
	require.NoError(t, err)
	assert.Equal(t, Version, env.JSONRPC)
	assert.Equal(t, KindResponse, env.Kind())
	assert.JSONEq(t, `{"msg":"hi"}`, string(env.Result))
}

func TestParse_MissingVersion(t *testing.T) {
	env, err := Parse([]byte(`{"id":"x","result":{"ok":true}}`))
	require.NoError(t, err)
	assert.Equal(t, Version, env.JSONRPC)
	assert.Equal(t, KindResponse, env.Kind())

	env, err = Parse([]byte(`{"method":"notifications/progress","params":{"p":1}}`))
	require.NoError(t, err)
	assert.Equal(t, KindNotification, env.Kind())

	_, err = Parse([]byte(`{"id":"x"}`))
	assert.Error(t, err, "the shape is still checked")
}

func TestMarshalLine(t *testing.T) {
	params := json.RawMessage(`{"name":"echo","arguments":{"msg":"line1\nline2"}}`)
	env := NewRequest("abc", MethodToolsCall, params)

	line, err := MarshalLine(env)
	require.NoError(t, err)

	assert.Equal(t, byte('\n'), line[len(line)-1])
	assert.Equal(t, 1, bytes.Count(line, []byte("\n")), "payload newlines must be escaped")

	parsed, err := Parse(line)
	require.NoError(t, err)
	assert.Equal(t, "abc", parsed.ID.Value())
	assert.Equal(t, MethodToolsCall, parsed.Method)
	assert.JSONEq(t, string(params), string(parsed.Params))
}

func TestNotificationOmitsID(t *testing.T) {
	data, err := Marshal(NewNotification("notifications/initialized", nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","method":"notifications/initialized"}`, string(data))
}

func TestIDKey_DistinguishesTypes(t *testing.T) {
	assert.NotEqual(t, IDKey(mcp.NewRequestId("1")), IDKey(mcp.NewRequestId(int64(1))))

	env, err := Parse([]byte(`{"jsonrpc":"2.0","id":"k","result":{}}`))
	require.NoError(t, err)
	assert.Equal(t, IDKey(mcp.NewRequestId("k")), env.Key())
}

func TestNewErrorResponse(t *testing.T) {
	id := mcp.NewRequestId(int64(3))
	data, err := Marshal(NewErrorResponse(&id, mcp.INVALID_REQUEST, "bad"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":3,"error":{"code":-32600,"message":"bad"}}`, string(data))

	rpcErr := &RPCError{Code: -32000, Message: "tool failed"}
	assert.EqualError(t, rpcErr, "json-rpc error -32000: tool failed")
}

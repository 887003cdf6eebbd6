package mcp

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

func TestEncodeDecodeRequest(t *testing.T) {
	id, err := jsonrpc.MakeID(float64(1))
	if err != nil {
		t.Fatalf("MakeID failed: %v", err)
	}

	req := &jsonrpc.Request{
		ID:     id,
		Method: "tools/call",
		Params: json.RawMessage(`{"name":"bigquery_query","arguments":{"sql":"SELECT 1"}}`),
	}

	encoded, err := EncodeMessage(req)
	if err != nil {
		t.Fatalf("EncodeMessage failed: %v", err)
	}

	decoded, err := DecodeMessage(encoded)
	if err != nil {
		t.Fatalf("DecodeMessage failed: %v", err)
	}

	decodedReq, ok := decoded.(*jsonrpc.Request)
	if !ok {
		t.Fatalf("expected *jsonrpc.Request, got %T", decoded)
	}
	if decodedReq.Method != "tools/call" {
		t.Errorf("expected method 'tools/call', got %q", decodedReq.Method)
	}
}

func TestDecodeMessage_InvalidJSON(t *testing.T) {
	if _, err := DecodeMessage([]byte(`{not json`)); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestDecodeMessage_Empty(t *testing.T) {
	for _, in := range [][]byte{nil, []byte("  \n\t")} {
		if _, err := DecodeMessage(in); !errors.Is(err, ErrEmptyMessage) {
			t.Errorf("DecodeMessage(%q) error = %v, want ErrEmptyMessage", in, err)
		}
	}
	if _, err := WrapMessage(nil, ClientToServer); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("WrapMessage(nil) error = %v, want ErrEmptyMessage", err)
	}
}

func TestWrapMessage(t *testing.T) {
	raw := []byte(`{"jsonrpc":"2.0","id":7,"method":"initialize","params":{}}`)

	msg, err := WrapMessage(raw, ClientToServer)
	if err != nil {
		t.Fatalf("WrapMessage failed: %v", err)
	}

	if !msg.IsRequest() || !msg.IsCall() {
		t.Error("expected a call request")
	}
	if msg.IsNotification() {
		t.Error("request with id reported as notification")
	}
	if !msg.IsInitialize() {
		t.Errorf("IsInitialize() = false for method %q", msg.Method())
	}
	if msg.Direction != ClientToServer {
		t.Errorf("Direction = %v, want %v", msg.Direction, ClientToServer)
	}
	if msg.Timestamp.IsZero() {
		t.Error("Timestamp not set")
	}
}

func TestWrapMessage_Notification(t *testing.T) {
	raw := []byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)

	msg, err := WrapMessage(raw, ClientToServer)
	if err != nil {
		t.Fatalf("WrapMessage failed: %v", err)
	}
	if !msg.IsNotification() {
		t.Error("expected notification")
	}
	if msg.IsCall() {
		t.Error("notification reported as call")
	}
}

func TestMessage_ResponseHasNoMethod(t *testing.T) {
	id, _ := jsonrpc.MakeID(float64(3))
	msg := &Message{Decoded: &jsonrpc.Response{ID: id, Result: json.RawMessage(`{}`)}}

	if !msg.IsResponse() {
		t.Error("expected response")
	}
	if msg.Method() != "" {
		t.Errorf("Method() = %q, want empty", msg.Method())
	}
	if msg.Request() != nil {
		t.Error("Request() should be nil for a response")
	}
}

func TestIDKey_DistinguishesTypes(t *testing.T) {
	numID, _ := jsonrpc.MakeID(float64(1))
	strID, _ := jsonrpc.MakeID("1")

	if IDKey(numID) == IDKey(strID) {
		t.Errorf("IDKey collision between numeric and string ids: %q", IDKey(numID))
	}
	again, _ := jsonrpc.MakeID(float64(1))
	if IDKey(numID) != IDKey(again) {
		t.Error("IDKey not stable for equal ids")
	}
}

func TestDirection_String(t *testing.T) {
	tests := []struct {
		dir  Direction
		want string
	}{
		{ClientToServer, "client->server"},
		{ServerToClient, "server->client"},
		{Direction(9), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.dir.String(); got != tt.want {
			t.Errorf("Direction(%d).String() = %q, want %q", tt.dir, got, tt.want)
		}
	}
}

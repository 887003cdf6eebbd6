package mcp

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// ErrEmptyMessage is returned when there are no bytes to decode.
var ErrEmptyMessage = errors.New("empty jsonrpc message")

// EncodeMessage writes msg in JSON-RPC 2.0 wire format.
func EncodeMessage(msg jsonrpc.Message) ([]byte, error) {
	data, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return nil, fmt.Errorf("encode jsonrpc message: %w", err)
	}
	return data, nil
}

// DecodeMessage parses one JSON-RPC envelope into a *jsonrpc.Request or
// *jsonrpc.Response.
func DecodeMessage(data []byte) (jsonrpc.Message, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrEmptyMessage
	}
	msg, err := jsonrpc.DecodeMessage(data)
	if err != nil {
		return nil, fmt.Errorf("decode jsonrpc message: %w", err)
	}
	return msg, nil
}

// WrapMessage decodes raw and stamps it with dir and the receive time.
func WrapMessage(raw []byte, dir Direction) (*Message, error) {
	decoded, err := DecodeMessage(raw)
	if err != nil {
		return nil, err
	}
	return &Message{
		Raw:       raw,
		Direction: dir,
		Decoded:   decoded,
		Timestamp: time.Now(),
	}, nil
}

// IDKey returns a map key for id that keeps the number 1 and the string "1"
// apart.
func IDKey(id jsonrpc.ID) string {
	raw := id.Raw()
	return fmt.Sprintf("%T:%v", raw, raw)
}

// Package mcp provides MCP message types and JSON-RPC codec utilities
// for the gateway's transports.
package mcp

import (
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// Direction indicates the flow direction of a message through the gateway.
type Direction int

const (
	// ClientToServer indicates a message flowing from a client to the protocol server.
	ClientToServer Direction = iota
	// ServerToClient indicates a message flowing from the protocol server to a client.
	ServerToClient
)

// String returns the string representation of the Direction.
func (d Direction) String() string {
	switch d {
	case ClientToServer:
		return "client->server"
	case ServerToClient:
		return "server->client"
	default:
		return "unknown"
	}
}

// Message wraps a decoded JSON-RPC message with transport metadata.
// It keeps the raw bytes alongside the decoded form so that handlers can
// log or echo the original payload without re-encoding it.
type Message struct {
	// Raw contains the original bytes of the message.
	Raw []byte

	// Direction indicates whether this message is flowing from
	// client to server or server to client.
	Direction Direction

	// Decoded contains the parsed JSON-RPC message.
	// The concrete type is either *jsonrpc.Request or *jsonrpc.Response.
	Decoded jsonrpc.Message

	// Timestamp records when the message was received by the gateway.
	Timestamp time.Time

	// SessionID is the gateway session the message was received on.
	// Empty until the transport has associated a session.
	SessionID string
}

// IsRequest returns true if the message is a JSON-RPC request or notification.
func (m *Message) IsRequest() bool {
	if m.Decoded == nil {
		return false
	}
	_, ok := m.Decoded.(*jsonrpc.Request)
	return ok
}

// IsCall returns true if the message is a JSON-RPC request that expects a response.
func (m *Message) IsCall() bool {
	req := m.Request()
	return req != nil && req.IsCall()
}

// IsNotification returns true if the message is a request without an ID.
func (m *Message) IsNotification() bool {
	req := m.Request()
	return req != nil && !req.IsCall()
}

// IsResponse returns true if the message is a JSON-RPC response.
func (m *Message) IsResponse() bool {
	if m.Decoded == nil {
		return false
	}
	_, ok := m.Decoded.(*jsonrpc.Response)
	return ok
}

// Method returns the method name if this is a request, empty string otherwise.
func (m *Message) Method() string {
	req := m.Request()
	if req == nil {
		return ""
	}
	return req.Method
}

// IsInitialize returns true if this is an initialize request.
func (m *Message) IsInitialize() bool {
	return m.Method() == MethodInitialize
}

// Request returns the underlying Request if this is a request message.
// Returns nil if this is not a request.
func (m *Message) Request() *jsonrpc.Request {
	if m.Decoded == nil {
		return nil
	}
	req, _ := m.Decoded.(*jsonrpc.Request)
	return req
}

// MethodInitialize is the MCP lifecycle method that opens a protocol session.
const MethodInitialize = "initialize"

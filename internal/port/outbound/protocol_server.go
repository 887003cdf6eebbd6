// Package outbound defines the outbound port interfaces for the gateway.
// Outbound adapters (the MCP protocol server bridge, stores) implement these.
package outbound

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// ProtocolServer is the MCP protocol core the gateway forwards admitted
// messages to. The gateway never interprets message contents beyond the
// method name.
type ProtocolServer interface {
	// ServeStdio runs the server over the process's stdin/stdout.
	// Blocks until the context is cancelled or the pipe closes.
	ServeStdio(ctx context.Context) error

	// Handle forwards one message for sessionID. For calls it returns the
	// server's response; for notifications and client responses it returns
	// a nil message.
	Handle(ctx context.Context, sessionID string, msg jsonrpc.Message) (jsonrpc.Message, error)

	// CloseSession releases protocol state held for sessionID.
	// Unknown ids are ignored.
	CloseSession(sessionID string)
}

// NotificationSource is implemented by protocol servers that push
// server-initiated messages (notifications, sampling requests) to a session.
type NotificationSource interface {
	// OnNotification registers the function called for every
	// server-initiated message. Only one handler is kept.
	OnNotification(fn func(sessionID string, msg jsonrpc.Message))
}

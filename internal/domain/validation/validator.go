package validation

import (
	"github.com/gcp-mcp/gcp-mcp-server/pkg/mcp"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// MessageValidator validates MCP messages for JSON-RPC compliance
// and checks request methods against an allow-list.
type MessageValidator struct {
	allowMethod func(string) bool
}

// NewMessageValidator creates a new MessageValidator.
// allowMethod decides whether a request method may be forwarded; when nil,
// IsValidMCPMethod is used.
func NewMessageValidator(allowMethod func(string) bool) *MessageValidator {
	if allowMethod == nil {
		allowMethod = IsValidMCPMethod
	}
	return &MessageValidator{allowMethod: allowMethod}
}

// Validate checks if the message is a valid JSON-RPC/MCP message.
// Returns nil if valid, or a *ValidationError if invalid.
//
// Validation rules:
// - Message must have a non-nil Decoded field (parse error if nil)
// - Requests and notifications must have a non-empty, allow-listed Method
// - Responses must have ID and either Result or Error (not both, not neither)
func (v *MessageValidator) Validate(msg *mcp.Message) error {
	if msg == nil || msg.Decoded == nil {
		return NewValidationError(ErrCodeParseError, "Parse error")
	}

	switch m := msg.Decoded.(type) {
	case *jsonrpc.Request:
		return v.validateRequest(m)

	case *jsonrpc.Response:
		return v.validateResponse(m)

	default:
		return NewValidationError(ErrCodeInvalidRequest, "Invalid Request")
	}
}

// validateRequest validates a JSON-RPC request or notification.
// In the MCP SDK, a notification is a Request with nil ID.
func (v *MessageValidator) validateRequest(req *jsonrpc.Request) error {
	if req.Method == "" {
		return NewValidationError(ErrCodeInvalidRequest, "Invalid Request")
	}

	if !v.allowMethod(req.Method) {
		return NewValidationError(ErrCodeMethodNotFound, "Method not found")
	}

	return nil
}

// validateResponse validates a JSON-RPC response.
func (v *MessageValidator) validateResponse(resp *jsonrpc.Response) error {
	if !resp.ID.IsValid() {
		return NewValidationError(ErrCodeInvalidRequest, "Invalid Request")
	}

	hasResult := resp.Result != nil
	hasError := resp.Error != nil

	if hasResult == hasError {
		return NewValidationError(ErrCodeInvalidRequest, "Invalid Request")
	}

	return nil
}

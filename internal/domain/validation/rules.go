package validation

import (
	"regexp"
	"sync"
)

// MaxMethodNameLength bounds JSON-RPC method names accepted from clients.
const MaxMethodNameLength = 128

// methodNamePattern accepts MCP-style method names such as "tools/call" or
// "notifications/resources/list_changed".
var methodNamePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*(/[a-zA-Z][a-zA-Z0-9_]*)*$`)

// ValidMCPMethods contains all valid MCP method names.
// Unknown methods are rejected with ErrCodeMethodNotFound before they reach
// the protocol server.
//
// Reference: https://modelcontextprotocol.io/specification/2025-06-18
var ValidMCPMethods = map[string]bool{
	// Lifecycle
	"initialize":                true,
	"notifications/initialized": true,
	"ping":                      true,

	// Tools
	"tools/list": true,
	"tools/call": true,

	// Resources
	"resources/list":           true,
	"resources/read":           true,
	"resources/templates/list": true,
	"resources/subscribe":      true,
	"resources/unsubscribe":    true,

	// Prompts
	"prompts/list": true,
	"prompts/get":  true,

	// Completion
	"completion/complete": true,

	// Logging
	"logging/setLevel": true,

	// Notifications
	"notifications/cancelled":              true,
	"notifications/progress":               true,
	"notifications/message":                true,
	"notifications/resources/updated":      true,
	"notifications/resources/list_changed": true,
	"notifications/tools/list_changed":     true,
	"notifications/prompts/list_changed":   true,
	"notifications/roots/list_changed":     true,
}

// IsValidMCPMethod returns true if the method is a valid MCP method.
// MCP method names are case-sensitive.
func IsValidMCPMethod(method string) bool {
	return ValidMCPMethods[method]
}

// IsWellFormedMethodName reports whether name is syntactically acceptable,
// independent of whether it is allow-listed.
func IsWellFormedMethodName(name string) bool {
	if name == "" || len(name) > MaxMethodNameLength {
		return false
	}
	return methodNamePattern.MatchString(name)
}

// MethodAllowList is the set of JSON-RPC methods a deployment accepts:
// the MCP methods plus any deployment-specific extensions.
type MethodAllowList struct {
	mu    sync.RWMutex
	extra map[string]struct{}
}

// NewMethodAllowList creates an allow-list of the MCP methods plus extra.
// Malformed extra names are ignored.
func NewMethodAllowList(extra ...string) *MethodAllowList {
	l := &MethodAllowList{extra: make(map[string]struct{}, len(extra))}
	for _, name := range extra {
		l.Add(name)
	}
	return l
}

// Add allow-lists an additional method name. It reports whether the name
// was well formed and therefore added.
func (l *MethodAllowList) Add(name string) bool {
	if !IsWellFormedMethodName(name) {
		return false
	}
	l.mu.Lock()
	l.extra[name] = struct{}{}
	l.mu.Unlock()
	return true
}

// Allows reports whether name is well formed and allow-listed.
func (l *MethodAllowList) Allows(name string) bool {
	if !IsWellFormedMethodName(name) {
		return false
	}
	if IsValidMCPMethod(name) {
		return true
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.extra[name]
	return ok
}

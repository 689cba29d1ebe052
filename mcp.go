package mcp

import (
	"context"
	"iter"
)

// ServerTransport provides the server-side communication layer in the MCP protocol.
type ServerTransport interface {
	// Sessions returns an iterator that yields new client sessions as they are initiated.
	// Each yielded Session represents a unique client connection. The implementation must
	// guarantee that each session ID is unique across all active connections.
	//
	// The implementation should exit the iteration when the Shutdown method is called.
	Sessions() iter.Seq[Session]

	// Shutdown gracefully shuts down the ServerTransport to clean up resources. The implementations should not
	// close the Sessions it produced, the caller already does that before calling this method. The caller
	// is guaranteed to call this method only once.
	Shutdown(ctx context.Context) error
}

// Session represents a bidirectional communication channel between server and client.
type Session interface {
	// ID returns the unique identifier for this session.
	ID() string

	// Send transmits a message to the client.
	Send(ctx context.Context, msg JSONRPCMessage) error

	// Messages returns an iterator that yields messages received from the client.
	// The implementations should exit the iteration if the session is closed by either side.
	Messages() iter.Seq[JSONRPCMessage]

	// Stop stops the session and releases its resources.
	// The caller is guaranteed to call this method once.
	Stop()
}

// PromptServer defines the interface for serving prompts in the MCP protocol.
type PromptServer interface {
	// ListPrompts returns the available prompts.
	ListPrompts(context.Context, ListPromptsParams) (ListPromptResult, error)

	// GetPrompt renders a specific prompt by name with the given arguments.
	// Returns error if the prompt is not found or the arguments are invalid.
	GetPrompt(context.Context, GetPromptParams) (GetPromptResult, error)
}

// ToolServer defines the interface for serving tools in the MCP protocol.
type ToolServer interface {
	// ListTools returns the available tools.
	ListTools(context.Context, ListToolsParams) (ListToolsResult, error)

	// CallTool executes a specific tool with the given arguments.
	// Returns error if the tool is not found, arguments are invalid or execution fails.
	CallTool(context.Context, CallToolParams) (CallToolResult, error)
}

// LogHandler handles the logging/setLevel request of a session.
type LogHandler interface {
	// SetLogLevel records the minimum severity level requested by the client. The notify
	// func sends notifications/message events to the session that made the request.
	SetLogLevel(ctx context.Context, level LogLevel, notify LogNotifier) error
}

// SessionBinder is an optional interface for server implementations that keep state per
// session. BindSession is called before the first message of a session is dispatched and
// UnbindSession after the session has stopped. Implementations can look up the calling
// session inside a handler with SessionIDFromContext.
type SessionBinder interface {
	BindSession(sessionID string)
	UnbindSession(sessionID string)
}

// LogNotifier sends a notifications/message event to the client of the current session.
type LogNotifier func(ctx context.Context, params LogParams) error

type sessionIDKey struct{}

// ContextWithSessionID returns a copy of ctx carrying the given session ID.
func ContextWithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, sessionID)
}

// SessionIDFromContext returns the ID of the session a request arrived on, or an empty
// string if ctx does not carry one.
func SessionIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(sessionIDKey{}).(string)
	return id
}

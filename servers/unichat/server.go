// Package unichat implements an MCP server that forwards a single chat tool and four code
// prompts to a chat-completion backend.
package unichat

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/amidabuddha/unichat-mcp-server"
	"github.com/amidabuddha/unichat-mcp-server/chat"
)

// Backend submits a completion and returns its text.
type Backend interface {
	Complete(ctx context.Context, inv chat.Invocation) (string, error)
}

// State is the lifecycle state of the server or of one of its sessions.
type State int

// States.
const (
	StateUninitialized State = iota
	StateReady
	StateClosed
)

// Server implements mcp.ToolServer, mcp.PromptServer and mcp.LogHandler on top of a Backend.
// It also implements mcp.SessionBinder to track the sessions it serves, handlers called with a
// session ID that is not bound fail.
type Server struct {
	backend Backend
	model   string
	logger  *slog.Logger

	closed   atomic.Bool
	mu       sync.Mutex
	sessions map[string]*session
}

// Option configures a Server.
type Option func(*Server)

type session struct {
	level atomic.Int32
}

const analysisRequest = "Please provide your analysis."

// WithModel sets the model identifier carried by every invocation. Without it the backend uses
// its own model.
func WithModel(model string) Option {
	return func(s *Server) {
		s.model = model
	}
}

// WithLogger sets the logger of the server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger.With(slog.String("package", "unichat"))
	}
}

// NewServer creates a Ready server that completes through backend.
func NewServer(backend Backend, opts ...Option) (*Server, error) {
	if backend == nil {
		return nil, &Error{Kind: ConfigurationError, Message: "backend must not be nil"}
	}
	s := &Server{
		backend:  backend,
		logger:   slog.Default().With(slog.String("package", "unichat")),
		sessions: make(map[string]*session),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// State returns StateReady until Close is called.
func (s *Server) State() State {
	if s.closed.Load() {
		return StateClosed
	}
	return StateReady
}

// SessionState reports the state of the session with the given ID.
func (s *Server) SessionState(sessionID string) State {
	if s.closed.Load() {
		return StateClosed
	}
	if s.session(sessionID) != nil {
		return StateReady
	}
	return StateUninitialized
}

// SessionLogLevel returns the log level last requested by the session.
func (s *Server) SessionLogLevel(sessionID string) (mcp.LogLevel, bool) {
	sess := s.session(sessionID)
	if sess == nil {
		return 0, false
	}
	return mcp.LogLevel(sess.level.Load()), true
}

// Close moves the server to StateClosed, every following request fails.
func (s *Server) Close() {
	s.closed.Store(true)

	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.sessions)
}

// BindSession implements mcp.SessionBinder interface.
func (s *Server) BindSession(sessionID string) {
	if s.closed.Load() {
		return
	}
	sess := &session{}
	sess.level.Store(int32(mcp.LogLevelInfo))

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sessionID] = sess
	s.logger.Debug("session bound", slog.String("sessionID", sessionID))
}

// UnbindSession implements mcp.SessionBinder interface.
func (s *Server) UnbindSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	s.logger.Debug("session closed", slog.String("sessionID", sessionID))
}

func (s *Server) session(sessionID string) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[sessionID]
}

// ready fails for a closed server, and for requests of a session that is not bound. Requests
// without a session ID come from direct callers and are served.
func (s *Server) ready(ctx context.Context) error {
	if s.closed.Load() {
		return errServerClosed
	}
	id := mcp.SessionIDFromContext(ctx)
	if id != "" && s.session(id) == nil {
		return errSessionClosed
	}
	return nil
}

// complete submits the two messages and formats the reply. Backend failures are returned as
// BackendError, formatting failures degrade into the returned content.
func (s *Server) complete(ctx context.Context, messages []chat.Message) (mcp.Content, error) {
	raw, err := s.backend.Complete(ctx, chat.Invocation{
		Model:    s.model,
		Messages: messages,
		Stream:   false,
	})
	if err != nil {
		var uErr *Error
		if errors.As(err, &uErr) {
			return mcp.Content{}, err
		}
		return mcp.Content{}, &Error{Kind: BackendError, Message: err.Error(), Err: err}
	}

	content, fErr := formatResponse(raw)
	if fErr != nil {
		s.logger.Error("failed to format response", slog.String("err", fErr.Error()))
	}
	return content, nil
}

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ServerOption represents the options for the server.
type ServerOption func(*Server)

// Server implements a Model Context Protocol (MCP) server. It accepts sessions from a
// ServerTransport, performs the initialization handshake with each client and dispatches
// the client's requests to the configured server implementations.
//
// Requests of one session are handled one at a time, in arrival order. Sessions are served
// concurrently with each other.
type Server struct {
	info         Info
	instructions string
	capabilities ServerCapabilities
	transport    ServerTransport

	promptServer PromptServer
	toolServer   ToolServer
	logHandler   LogHandler
	binders      []SessionBinder

	sendTimeout time.Duration

	logger         *slog.Logger
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	telemetry      telemetry

	onClientConnected    func(string, Info)
	onClientDisconnected func(string)

	sessionsWaitGroup *sync.WaitGroup
	shutdownOnce      *sync.Once

	done chan struct{}
}

type serverSession struct {
	session   Session
	logger    *slog.Logger
	telemetry telemetry

	serverCap    ServerCapabilities
	serverInfo   Info
	instructions string
	sendTimeout  time.Duration

	promptServer PromptServer
	toolServer   ToolServer
	logHandler   LogHandler

	onInitialized func(Info)
}

var defaultServerSendTimeout = 30 * time.Second

var errSessionNotInitialized = JSONRPCError{
	Code:    jsonRPCInvalidRequestCode,
	Message: "session is not initialized",
}

// NewServer creates a new Model Context Protocol (MCP) server with the specified configuration.
// The capabilities announced to clients are derived from the server implementations set
// through the options.
func NewServer(info Info, transport ServerTransport, options ...ServerOption) Server {
	s := Server{
		info:              info,
		transport:         transport,
		logger:            slog.Default(),
		tracerProvider:    otel.GetTracerProvider(),
		meterProvider:     otel.GetMeterProvider(),
		sessionsWaitGroup: &sync.WaitGroup{},
		shutdownOnce:      &sync.Once{},
		done:              make(chan struct{}),
	}
	for _, opt := range options {
		opt(&s)
	}
	if s.sendTimeout == 0 {
		s.sendTimeout = defaultServerSendTimeout
	}
	s.telemetry = newTelemetry(s.tracerProvider, s.meterProvider)

	// Prepares the server's capabilities based on the provided server implementations.

	if s.promptServer != nil {
		s.capabilities.Prompts = &PromptsCapability{}
	}
	if s.toolServer != nil {
		s.capabilities.Tools = &ToolsCapability{}
	}
	if s.logHandler != nil {
		s.capabilities.Logging = &LoggingCapability{}
	}

	// The same implementation is commonly registered for several roles, bind it once.
	for _, impl := range []any{s.promptServer, s.toolServer, s.logHandler} {
		b, ok := impl.(SessionBinder)
		if !ok {
			continue
		}
		dup := false
		for _, existing := range s.binders {
			if existing == b {
				dup = true
				break
			}
		}
		if !dup {
			s.binders = append(s.binders, b)
		}
	}

	return s
}

// WithPromptServer returns a ServerOption that configures the prompt server implementation.
func WithPromptServer(srv PromptServer) ServerOption {
	return func(s *Server) {
		s.promptServer = srv
	}
}

// WithToolServer returns a ServerOption that configures the tool server implementation.
func WithToolServer(srv ToolServer) ServerOption {
	return func(s *Server) {
		s.toolServer = srv
	}
}

// WithLogHandler returns a ServerOption that configures the log handler implementation.
func WithLogHandler(handler LogHandler) ServerOption {
	return func(s *Server) {
		s.logHandler = handler
	}
}

// WithInstructions returns a ServerOption that configures the server instructions.
func WithInstructions(instructions string) ServerOption {
	return func(s *Server) {
		s.instructions = instructions
	}
}

// WithServerSendTimeout returns a ServerOption that configures the server's send timeout.
func WithServerSendTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.sendTimeout = timeout
	}
}

// WithServerOnClientConnected sets the callback for when a client completes the
// initialization handshake. The callback's parameters are the session ID and the client's Info.
func WithServerOnClientConnected(onClientConnected func(string, Info)) ServerOption {
	return func(s *Server) {
		s.onClientConnected = onClientConnected
	}
}

// WithServerOnClientDisconnected sets the callback for when a session ends.
// The callback's parameter is the ID of the session.
func WithServerOnClientDisconnected(onClientDisconnected func(string)) ServerOption {
	return func(s *Server) {
		s.onClientDisconnected = onClientDisconnected
	}
}

// WithServerLogger sets the logger for the server.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger.With(
			slog.String("package", "mcp"),
			slog.String("component", "server"),
		)
	}
}

// WithServerTracerProvider sets the tracer provider used to trace dispatched requests.
// Defaults to the global provider.
func WithServerTracerProvider(tp trace.TracerProvider) ServerOption {
	return func(s *Server) {
		s.tracerProvider = tp
	}
}

// WithServerMeterProvider sets the meter provider used to record request metrics.
// Defaults to the global provider.
func WithServerMeterProvider(mp metric.MeterProvider) ServerOption {
	return func(s *Server) {
		s.meterProvider = mp
	}
}

// Capabilities returns the capabilities the server announces during initialization.
func (s Server) Capabilities() ServerCapabilities {
	return s.capabilities
}

// Serve accepts sessions from the transport and serves each of them in its own goroutine.
//
// Serve blocks until the transport stops yielding sessions, which happens once Shutdown is called.
func (s Server) Serve() {
	// This loop would break when the transport is closed.
	for sess := range s.transport.Sessions() {
		ss := serverSession{
			session:      sess,
			logger:       s.logger.With(slog.String("sessionID", sess.ID())),
			telemetry:    s.telemetry,
			serverCap:    s.capabilities,
			serverInfo:   s.info,
			instructions: s.instructions,
			sendTimeout:  s.sendTimeout,
			promptServer: s.promptServer,
			toolServer:   s.toolServer,
			logHandler:   s.logHandler,
		}
		if s.onClientConnected != nil {
			ss.onInitialized = func(client Info) {
				s.onClientConnected(sess.ID(), client)
			}
		}

		s.sessionsWaitGroup.Add(1)
		go func() {
			defer s.sessionsWaitGroup.Done()
			s.serveSession(ss)
		}()
	}
}

// Shutdown gracefully shuts down the server by stopping all active sessions and then the transport.
// It returns an error if the context is cancelled before the shutdown completes.
func (s Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		close(s.done)
	})

	sessionsDone := make(chan struct{})
	go func() {
		s.sessionsWaitGroup.Wait()
		close(sessionsDone)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to wait for sessions: %w", ctx.Err())
	case <-sessionsDone:
	}

	// Close the transport so the Sessions loop in Serve breaks.
	if err := s.transport.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown transport: %w", err)
	}

	return nil
}

func (s Server) serveSession(ss serverSession) {
	id := ss.session.ID()
	for _, b := range s.binders {
		b.BindSession(id)
	}

	// Handlers get a context that is cancelled when the server shuts down.
	ctx, cancel := context.WithCancel(context.Background())
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		ss.start(ctx)
	}()

	select {
	case <-s.done:
	case <-loopDone:
	}
	cancel()
	ss.session.Stop()
	<-loopDone

	for _, b := range s.binders {
		b.UnbindSession(id)
	}
	if s.onClientDisconnected != nil {
		s.onClientDisconnected(id)
	}
	ss.logger.Info("session closed")
}

func (s serverSession) start(ctx context.Context) {
	// Until the client sent a successful initialize request, only ping and initialize are served.
	initialized := false

	// This loop breaks when the session is closed.
	for msg := range s.session.Messages() {
		if msg.JSONRPC != JSONRPCVersion {
			s.logger.Info("failed to handle message",
				slog.String("method", msg.Method),
				slog.String("err", "invalid jsonrpc version"))
			if msg.ID != "" {
				s.reply(msg.ID, nil, JSONRPCError{
					Code:    jsonRPCInvalidRequestCode,
					Message: fmt.Sprintf("unsupported jsonrpc version %q", msg.JSONRPC),
				})
			}
			continue
		}

		switch msg.Method {
		case methodPing:
			s.reply(msg.ID, struct{}{}, nil)
		case methodInitialize:
			if s.handleInitializeRequest(msg) {
				initialized = true
			}
		case methodNotificationsInitialized:
			s.logger.Debug("client initialized")
		case methodNotificationsCancelled:
			// Requests run to completion before the next message is read, so by the time
			// a cancellation is read its request has already been answered.
		case MethodPromptsList, MethodPromptsGet, MethodToolsList, MethodToolsCall, MethodLoggingSetLevel:
			if !initialized {
				s.reply(msg.ID, nil, errSessionNotInitialized)
				continue
			}
			s.handleServerImplementationMessage(ctx, msg)
		case "":
			// The server never sends requests, so responses from the client are unexpected.
			s.logger.Debug("ignoring response from client", slog.String("id", string(msg.ID)))
		default:
			if msg.ID == "" {
				s.logger.Debug("ignoring notification", slog.String("method", msg.Method))
				continue
			}
			s.reply(msg.ID, nil, JSONRPCError{
				Code:    jsonRPCMethodNotFoundCode,
				Message: fmt.Sprintf("method not found: %s", msg.Method),
			})
		}
	}
}

// handleInitializeRequest answers the initialize request and reports whether the handshake succeeded.
func (s serverSession) handleInitializeRequest(msg JSONRPCMessage) bool {
	res, client, err := s.initializationHandshake(msg)
	if err != nil {
		s.logger.Info("invalid initialization request", slog.String("err", err.Error()))
		s.reply(msg.ID, nil, err)
		return false
	}

	s.logger.Info("client connected",
		slog.String("client", client.Name),
		slog.String("clientVersion", client.Version))

	s.reply(msg.ID, res, nil)

	if s.onInitialized != nil {
		s.onInitialized(client)
	}
	return true
}

func (s serverSession) initializationHandshake(msg JSONRPCMessage) (initializeResult, Info, error) {
	var params initializeParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return initializeResult{}, Info{}, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Sprintf("failed to unmarshal params: %s", err.Error()),
		}
	}

	// The server speaks a single revision. It answers with that revision and leaves it to the
	// client to disconnect if it cannot use it.
	if params.ProtocolVersion != ProtocolVersion {
		s.logger.Info("client requested a different protocol version",
			slog.String("requested", params.ProtocolVersion),
			slog.String("supported", ProtocolVersion))
	}

	return initializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    s.serverCap,
		ServerInfo:      s.serverInfo,
		Instructions:    s.instructions,
	}, params.ClientInfo, nil
}

func (s serverSession) handleServerImplementationMessage(ctx context.Context, msg JSONRPCMessage) {
	ctx = ContextWithSessionID(ctx, s.session.ID())
	ctx, finish := s.telemetry.start(ctx, msg.Method, s.session.ID())

	var result any
	var err error

	switch msg.Method {
	case MethodPromptsList:
		result, err = s.callListPrompts(ctx, msg)
	case MethodPromptsGet:
		result, err = s.callGetPrompt(ctx, msg)
	case MethodToolsList:
		result, err = s.callListTools(ctx, msg)
	case MethodToolsCall:
		result, err = s.callCallTool(ctx, msg)
	case MethodLoggingSetLevel:
		result, err = s.callSetLogLevel(ctx, msg)
	}

	finish(err)

	if err != nil {
		s.logger.Error("failed to call server implementation",
			slog.String("method", msg.Method),
			slog.String("err", err.Error()))
	}

	s.reply(msg.ID, result, err)
}

// reply sends the response for the request with the given ID. Any error that is not a
// JSONRPCError is reported to the client as an internal error carrying the error's text.
func (s serverSession) reply(msgID RequestID, result any, err error) {
	resMsg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      msgID,
	}

	if err != nil {
		resMsg.Error = toJSONRPCError(err)
	} else {
		resBs, mErr := json.Marshal(result)
		if mErr != nil {
			s.logger.Error("failed to marshal result", slog.String("err", mErr.Error()))
			resMsg.Error = &JSONRPCError{
				Code:    jsonRPCInternalErrorCode,
				Message: fmt.Sprintf("failed to marshal result: %s", mErr.Error()),
			}
		} else {
			resMsg.Result = resBs
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
	defer cancel()

	if err := s.session.Send(ctx, resMsg); err != nil {
		s.logger.Error("failed to send result", slog.String("err", err.Error()))
	}
}

func (s serverSession) notifyLog(ctx context.Context, params LogParams) error {
	paramsBs, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to marshal log params: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.sendTimeout)
	defer cancel()

	return s.session.Send(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  MethodNotificationsMessage,
		Params:  paramsBs,
	})
}

func toJSONRPCError(err error) *JSONRPCError {
	var jsonErr JSONRPCError
	if errors.As(err, &jsonErr) {
		return &jsonErr
	}
	return &JSONRPCError{
		Code:    jsonRPCInternalErrorCode,
		Message: err.Error(),
	}
}

// unmarshalParams decodes optional request params. Absent params decode into the zero value.
func unmarshalParams(msg JSONRPCMessage, v any) error {
	if len(msg.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(msg.Params, v); err != nil {
		return JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Sprintf("failed to unmarshal params: %s", err.Error()),
		}
	}
	return nil
}

func (s serverSession) callListPrompts(ctx context.Context, msg JSONRPCMessage) (ListPromptResult, error) {
	if s.promptServer == nil {
		return ListPromptResult{}, JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: "prompts not supported by server",
		}
	}

	var params ListPromptsParams
	if err := unmarshalParams(msg, &params); err != nil {
		return ListPromptResult{}, err
	}

	return s.promptServer.ListPrompts(ctx, params)
}

func (s serverSession) callGetPrompt(ctx context.Context, msg JSONRPCMessage) (GetPromptResult, error) {
	if s.promptServer == nil {
		return GetPromptResult{}, JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: "prompts not supported by server",
		}
	}

	var params GetPromptParams
	if err := unmarshalParams(msg, &params); err != nil {
		return GetPromptResult{}, err
	}

	return s.promptServer.GetPrompt(ctx, params)
}

func (s serverSession) callListTools(ctx context.Context, msg JSONRPCMessage) (ListToolsResult, error) {
	if s.toolServer == nil {
		return ListToolsResult{}, JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: "tools not supported by server",
		}
	}

	var params ListToolsParams
	if err := unmarshalParams(msg, &params); err != nil {
		return ListToolsResult{}, err
	}

	return s.toolServer.ListTools(ctx, params)
}

func (s serverSession) callCallTool(ctx context.Context, msg JSONRPCMessage) (CallToolResult, error) {
	if s.toolServer == nil {
		return CallToolResult{}, JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: "tools not supported by server",
		}
	}

	var params CallToolParams
	if err := unmarshalParams(msg, &params); err != nil {
		return CallToolResult{}, err
	}

	return s.toolServer.CallTool(ctx, params)
}

func (s serverSession) callSetLogLevel(ctx context.Context, msg JSONRPCMessage) (struct{}, error) {
	if s.logHandler == nil {
		return struct{}{}, JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: "logging not supported by server",
		}
	}

	var params SetLogLevelParams
	if len(msg.Params) == 0 {
		return struct{}{}, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: "missing params",
		}
	}
	if err := unmarshalParams(msg, &params); err != nil {
		return struct{}{}, err
	}

	if err := s.logHandler.SetLogLevel(ctx, params.Level, s.notifyLog); err != nil {
		return struct{}{}, err
	}

	return struct{}{}, nil
}

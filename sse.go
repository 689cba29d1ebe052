package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// SSEServer implements the HTTP transport: a GET request on the HandleSSE handler opens a
// Server-Sent Events stream that carries server-to-client messages, and POST requests on the
// HandleMessage handler deliver client-to-server messages.
//
// The first event of every stream is an "endpoint" event holding the URL the client must
// POST to, which carries the session ID as the sessionId query parameter. A POST without the
// parameter is routed to the most recently opened session.
//
// The handlers are framework-agnostic http.Handlers. Instances must be created with
// NewSSEServer.
type SSEServer struct {
	messageURL string
	logger     *slog.Logger

	sessions         chan sseServerSession
	removedSessions  chan string
	receivedMessages chan sseSessionMessage

	done     chan struct{}
	doneOnce *sync.Once
	closed   chan struct{}
}

// SSEServerOption represents the options for the SSEServer.
type SSEServerOption func(*SSEServer)

type sseServerSession struct {
	id           string
	sess         *sse.Session
	sendMsgs     chan sseServerSessionSendMsg
	receivedMsgs chan JSONRPCMessage
	logger       *slog.Logger

	// disconnected is closed when the client goes away.
	disconnected chan struct{}
	done         chan struct{}
	stopOnce     *sync.Once
	sendClosed   chan struct{}
}

type sseSessionMessage struct {
	sessID string
	msg    JSONRPCMessage
	errs   chan<- error
}

type sseServerSessionSendMsg struct {
	msg  *sse.Message
	errs chan<- error
}

const sessionIDParam = "sessionId"

var (
	errSessionNotFound    = errors.New("session not found")
	errNoSession          = errors.New("SSE connection not established")
	errSSEServerShutdown  = errors.New("server is shutting down")
	errSSESessionIsClosed = errors.New("session is closed")
)

// NewSSEServer creates a new SSE server that tells clients to POST their messages to
// messageURL. The returned SSEServer must be shut down with Shutdown when no longer needed.
func NewSSEServer(messageURL string, options ...SSEServerOption) SSEServer {
	s := SSEServer{
		messageURL:       messageURL,
		logger:           slog.Default(),
		sessions:         make(chan sseServerSession, 5),
		removedSessions:  make(chan string),
		receivedMessages: make(chan sseSessionMessage),
		done:             make(chan struct{}),
		doneOnce:         &sync.Once{},
		closed:           make(chan struct{}),
	}
	for _, opt := range options {
		opt(&s)
	}
	return s
}

// WithSSEServerLogger sets the logger of the SSE server.
func WithSSEServerLogger(logger *slog.Logger) SSEServerOption {
	return func(s *SSEServer) {
		s.logger = logger.With(
			slog.String("package", "mcp"),
			slog.String("component", "sse"),
		)
	}
}

// Sessions returns an iterator over sessions opened through HandleSSE. It also routes the
// messages received by HandleMessage to their session.
func (s SSEServer) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		defer close(s.closed)

		// Store all active sessions in a map for easy lookup when we receive a new message.
		sessionsMap := make(map[string]sseServerSession)
		latest := ""

		for {
			select {
			case <-s.done:
				return
			case sess := <-s.sessions:
				sessionsMap[sess.id] = sess
				latest = sess.id

				if !yield(sess) {
					return
				}
			case sessID := <-s.removedSessions:
				delete(sessionsMap, sessID)
				if latest == sessID {
					latest = ""
				}
			case msg := <-s.receivedMessages:
				sessID := msg.sessID
				if sessID == "" {
					sessID = latest
				}
				session, ok := sessionsMap[sessID]
				if !ok {
					if msg.sessID == "" {
						msg.errs <- errNoSession
					} else {
						msg.errs <- errSessionNotFound
					}
					continue
				}

				// A full buffer must not hold up routing for the other sessions.
				select {
				case session.receivedMsgs <- msg.msg:
					msg.errs <- nil
				default:
					go session.deliver(msg)
				}
			}
		}
	}
}

// Shutdown gracefully shuts down the SSE server, ending the Sessions iteration.
func (s SSEServer) Shutdown(ctx context.Context) error {
	s.doneOnce.Do(func() {
		close(s.done)
	})

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close SSE server: %w", ctx.Err())
	case <-s.closed:
	}
	return nil
}

// HandleSSE returns an http.Handler for managing SSE connections over GET requests.
// The handler upgrades HTTP connections to SSE, assigns unique session IDs, and
// provides clients with their message endpoints. The connection remains active until
// either the client disconnects or the session is stopped.
func (s SSEServer) HandleSSE() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := sse.Upgrade(w, r)
		if err != nil {
			nErr := fmt.Errorf("failed to upgrade session: %w", err)
			s.logger.Error("failed to upgrade session", slog.String("err", nErr.Error()))
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}

		sessID := uuid.New().String()

		// Use the type "endpoint" to indicate the endpoint URL.
		msg := sse.Message{
			Type: sse.Type("endpoint"),
		}
		msg.AppendData(fmt.Sprintf("%s?%s=%s", s.messageURL, sessionIDParam, sessID))
		if err := sess.Send(&msg); err != nil {
			s.logger.Error("failed to write endpoint event", slog.String("err", err.Error()))
			return
		}
		if err := sess.Flush(); err != nil {
			s.logger.Error("failed to flush endpoint event", slog.String("err", err.Error()))
			return
		}

		srvSession := sseServerSession{
			id:           sessID,
			sess:         sess,
			logger:       s.logger.With(slog.String("sessionID", sessID)),
			sendMsgs:     make(chan sseServerSessionSendMsg, 5),
			receivedMsgs: make(chan JSONRPCMessage, 5),
			disconnected: make(chan struct{}),
			done:         make(chan struct{}),
			stopOnce:     &sync.Once{},
			sendClosed:   make(chan struct{}),
		}

		go srvSession.processSendMessages()
		defer srvSession.Stop()

		// Feed the sessions channel that is consumed in the Sessions loop.
		select {
		case <-s.done:
			return
		case <-r.Context().Done():
			return
		case s.sessions <- srvSession:
		}

		srvSession.logger.Info("SSE session opened")

		// Block until the session ends, so the connection is left open.
		select {
		case <-r.Context().Done():
			// Ends the session's Messages iteration, the server then stops the session.
			close(srvSession.disconnected)
			select {
			case <-srvSession.done:
			case <-s.done:
			}
		case <-srvSession.done:
		case <-s.done:
		}

		// Notify the main loop that this session is closed.
		select {
		case s.removedSessions <- sessID:
		case <-s.done:
		}
	})
}

// HandleMessage returns an http.Handler for processing client messages sent via POST
// requests. The body must hold one JSON-RPC message. It is routed to the session named by
// the sessionId query parameter, or to the most recently opened session when the parameter
// is absent. The handler answers 202 once the message is queued; the response to a request
// travels over the SSE stream.
func (s SSEServer) HandleMessage() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		sessID := r.URL.Query().Get(sessionIDParam)

		var msg JSONRPCMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			nErr := fmt.Errorf("failed to decode message: %w", err)
			s.logger.Warn("failed to decode message", slog.String("err", nErr.Error()))
			http.Error(w, nErr.Error(), http.StatusBadRequest)
			return
		}

		errs := make(chan error, 1)

		// Feed the receivedMessages channel so the Sessions loop can route it to the correct session.
		select {
		case <-s.done:
			http.Error(w, errSSEServerShutdown.Error(), http.StatusServiceUnavailable)
			return
		case <-r.Context().Done():
			return
		case s.receivedMessages <- sseSessionMessage{sessID: sessID, msg: msg, errs: errs}:
		}

		var err error
		select {
		case <-s.done:
			err = errSSEServerShutdown
		case <-r.Context().Done():
			return
		case err = <-errs:
		}

		switch {
		case err == nil:
			w.WriteHeader(http.StatusAccepted)
			_, _ = w.Write([]byte("Accepted"))
		case errors.Is(err, errSessionNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, errSSEServerShutdown):
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
		default:
			s.logger.Warn("failed to route message", slog.String("err", err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
}

func (s sseServerSession) ID() string { return s.id }

func (s sseServerSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	sseMsg := &sse.Message{
		Type: sse.Type("message"),
	}
	sseMsg.AppendData(string(msgBs))

	errs := make(chan error, 1)

	// Queue the message so only the sender goroutine writes to the stream.
	select {
	case s.sendMsgs <- sseServerSessionSendMsg{sseMsg, errs}:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		s.logger.Warn("session is closed while sending message", slog.String("message", string(msgBs)))
		return errSSESessionIsClosed
	}

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return errSSESessionIsClosed
	}
}

func (s sseServerSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		for {
			select {
			case msg := <-s.receivedMsgs:
				if !yield(msg) {
					return
				}
			case <-s.disconnected:
				return
			case <-s.done:
				return
			}
		}
	}
}

func (s sseServerSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
	<-s.sendClosed
}

func (s sseServerSession) deliver(msg sseSessionMessage) {
	select {
	case s.receivedMsgs <- msg.msg:
		msg.errs <- nil
	case <-s.disconnected:
		msg.errs <- errSSESessionIsClosed
	case <-s.done:
		msg.errs <- errSSESessionIsClosed
	}
}

func (s sseServerSession) processSendMessages() {
	defer close(s.sendClosed)

	for {
		select {
		case sm := <-s.sendMsgs:
			err := s.sess.Send(sm.msg)
			if err == nil {
				err = s.sess.Flush()
			}
			if err != nil {
				s.logger.Warn("failed to send message", slog.String("err", err.Error()))
			}
			sm.errs <- err
		case <-s.done:
			return
		}
	}
}

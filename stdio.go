package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// StdIO implements the local-stream transport: JSON-RPC messages are exchanged as
// newline-delimited JSON over a reader/writer pair, usually the process's stdin and stdout.
// It serves exactly one session, which ends when the reader reaches EOF or the session is
// stopped.
//
// Instances must be created with NewStdIO.
type StdIO struct {
	sess   stdIOSession
	closed chan struct{}
}

// StdIOOption represents the options for the StdIO transport.
type StdIOOption func(*StdIO)

type stdIOSession struct {
	id     string
	reader io.Reader
	writer io.Writer
	logger *slog.Logger

	writeMessages chan stdIOMessage
	done          chan struct{}
	stopOnce      *sync.Once
	writeClosed   chan struct{}
}

type stdIOMessage struct {
	msg  []byte
	errs chan error
}

// NewStdIO creates a new StdIO instance configured with the provided reader and writer.
func NewStdIO(reader io.Reader, writer io.Writer, options ...StdIOOption) StdIO {
	s := StdIO{
		sess: stdIOSession{
			id:            uuid.New().String(),
			reader:        reader,
			writer:        writer,
			logger:        slog.Default(),
			writeMessages: make(chan stdIOMessage),
			done:          make(chan struct{}),
			stopOnce:      &sync.Once{},
			writeClosed:   make(chan struct{}),
		},
		closed: make(chan struct{}),
	}
	for _, opt := range options {
		opt(&s)
	}
	return s
}

// WithStdIOLogger sets the logger of the transport.
func WithStdIOLogger(logger *slog.Logger) StdIOOption {
	return func(s *StdIO) {
		s.sess.logger = logger.With(
			slog.String("package", "mcp"),
			slog.String("component", "stdio"),
		)
	}
}

// Sessions implements the ServerTransport interface by yielding the single session and
// waiting until it is stopped.
func (s StdIO) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		defer close(s.closed)

		go s.sess.processWriteMessages()

		// The session belongs to the caller once yielded, it is never stopped here.
		if !yield(s.sess) {
			return
		}
		<-s.sess.done
	}
}

// Shutdown implements the ServerTransport interface by waiting for the Sessions loop to end.
func (s StdIO) Shutdown(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close stdio transport: %w", ctx.Err())
	case <-s.closed:
	}
	return nil
}

func (s stdIOSession) ID() string {
	return s.id
}

func (s stdIOSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return s.write(ctx, msgBs)
}

// parseErrorResponse is the reply to a line that is not JSON. Its id must be null, which
// JSONRPCMessage omits.
type parseErrorResponse struct {
	JSONRPC string       `json:"jsonrpc"`
	ID      *RequestID   `json:"id"`
	Error   JSONRPCError `json:"error"`
}

func (s stdIOSession) sendParseError(ctx context.Context, cause error) error {
	msgBs, err := json.Marshal(parseErrorResponse{
		JSONRPC: JSONRPCVersion,
		Error: JSONRPCError{
			Code:    jsonRPCParseErrorCode,
			Message: "Parse error",
			Data:    map[string]any{"error": cause.Error()},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to marshal parse error: %w", err)
	}
	return s.write(ctx, msgBs)
}

func (s stdIOSession) write(ctx context.Context, msgBs []byte) error {
	// Append newline to maintain message framing protocol
	msgBs = append(msgBs, '\n')

	ioMsg := stdIOMessage{
		msg:  msgBs,
		errs: make(chan error, 1),
	}

	// Queue the message so only the writer goroutine touches the writer.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		s.logger.Warn("session is closed while sending message", slog.String("message", string(msgBs)))
		return nil
	case s.writeMessages <- ioMsg:
	}

	select {
	case err := <-ioMsg.errs:
		if err != nil {
			return fmt.Errorf("failed to write message: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return nil
	}
}

func (s stdIOSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		type lineWithErr struct {
			line string
			err  error
		}

		// A single reader goroutine feeds the lines, so done can be observed while a read blocks.
		lines := make(chan lineWithErr)
		go func() {
			// Use bufio.Reader instead of bufio.Scanner to avoid max token size errors.
			reader := bufio.NewReader(s.reader)
			for {
				line, err := reader.ReadString('\n')
				if line != "" {
					select {
					case <-s.done:
						return
					case lines <- lineWithErr{line: strings.TrimRight(line, "\r\n")}:
					}
				}
				if err != nil {
					select {
					case <-s.done:
					case lines <- lineWithErr{err: err}:
					}
					return
				}
			}
		}()

		for {
			var lwe lineWithErr
			select {
			case <-s.done:
				return
			case lwe = <-lines:
			}

			if lwe.err != nil {
				if !errors.Is(lwe.err, io.EOF) {
					s.logger.Error("failed to read message", slog.String("err", lwe.err.Error()))
				}
				return
			}

			if strings.TrimSpace(lwe.line) == "" {
				continue
			}

			var msg JSONRPCMessage
			if err := json.Unmarshal([]byte(lwe.line), &msg); err != nil {
				s.logger.Error("failed to unmarshal message", slog.String("err", err.Error()))
				if err := s.sendParseError(context.Background(), err); err != nil {
					s.logger.Error("failed to send parse error", slog.String("err", err.Error()))
				}
				continue
			}

			// We stop iteration if yield returns false
			if !yield(msg) {
				return
			}
		}
	}
}

func (s stdIOSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
	<-s.writeClosed
}

func (s stdIOSession) processWriteMessages() {
	defer close(s.writeClosed)

	for {
		var msg stdIOMessage
		select {
		case <-s.done:
			return
		case msg = <-s.writeMessages:
		}

		_, err := s.writer.Write(msg.msg)

		msg.errs <- err
	}
}

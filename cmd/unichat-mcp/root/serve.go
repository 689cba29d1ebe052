package root

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/amidabuddha/unichat-mcp-server"
	"github.com/amidabuddha/unichat-mcp-server/chat"
	"github.com/amidabuddha/unichat-mcp-server/internal/paramstore"
	"github.com/amidabuddha/unichat-mcp-server/servers/unichat"
)

const shutdownTimeout = 10 * time.Second

func runStdio(cmd *cobra.Command, opts *options) error {
	logger, slogger, closeLog := newLogger(opts.logLevel, opts.logFile, cmd.ErrOrStderr())
	defer closeLog()

	handlers, err := newHandlers(cmd.Context(), opts, slogger)
	if err != nil {
		return err
	}
	defer handlers.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	transport := mcp.NewStdIO(cmd.InOrStdin(), cmd.OutOrStdout(), mcp.WithStdIOLogger(slogger))
	srv := newMCPServer(transport, handlers, slogger, func(string) {
		// The host closed stdin, there is nothing left to serve.
		cancel()
	})

	logger.WithField("model", opts.model).Info("serving MCP over stdio")
	return serveUntilDone(ctx, srv, logger)
}

func runSSE(cmd *cobra.Command, opts *options) error {
	logger, slogger, closeLog := newLogger(opts.logLevel, opts.logFile, cmd.ErrOrStderr())
	defer closeLog()

	handlers, err := newHandlers(cmd.Context(), opts, slogger)
	if err != nil {
		return err
	}
	defer handlers.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	messageURL := strings.TrimRight(opts.baseURL, "/") + "/message"
	transport := mcp.NewSSEServer(messageURL, mcp.WithSSEServerLogger(slogger))
	srv := newMCPServer(transport, handlers, slogger, func(sessionID string) {
		if opts.singleSession {
			logger.WithField("sessionID", sessionID).Info("session closed; shutting down")
			cancel()
		}
	})

	mux := http.NewServeMux()
	mux.Handle("/sse", transport.HandleSSE())
	mux.Handle("/message", transport.HandleMessage())

	httpSrv := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(opts.port)),
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
	}

	listenErr := make(chan error, 1)
	go func() {
		logger.WithField("addr", httpSrv.Addr).Info("serving MCP over SSE")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErr <- err
			cancel()
		}
	}()

	serveErr := serveUntilDone(ctx, srv, logger)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("failed to shutdown http server")
	}

	select {
	case err := <-listenErr:
		return fmt.Errorf("http server: %w", err)
	default:
	}
	return serveErr
}

// newHandlers resolves the credential, validates the configuration and returns the handler set.
// Nothing is served when it fails.
func newHandlers(ctx context.Context, opts *options, logger *slog.Logger) (*unichat.Server, error) {
	apiKey := strings.TrimSpace(opts.apiKey)
	if apiKey == "" && strings.TrimSpace(opts.apiKeyParam) != "" {
		store, err := paramstore.NewFromEnvironment(ctx)
		if err != nil {
			return nil, err
		}
		if apiKey, err = paramstore.Token(ctx, store, opts.apiKeyParam); err != nil {
			return nil, err
		}
	}

	chatOpts := []chat.Option{
		chat.WithLogger(logger),
		chat.WithRateLimit(opts.rateLimit, opts.rateBurst),
	}
	if opts.apiBaseURL != "" {
		chatOpts = append(chatOpts, chat.WithBaseURL(opts.apiBaseURL))
	}
	client, err := chat.NewClient(chat.Config{Model: opts.model, APIKey: apiKey}, chatOpts...)
	if err != nil {
		return nil, err
	}

	return unichat.NewServer(client,
		unichat.WithModel(opts.model),
		unichat.WithLogger(logger),
	)
}

func newMCPServer(
	transport mcp.ServerTransport,
	handlers *unichat.Server,
	logger *slog.Logger,
	onDisconnected func(string),
) mcp.Server {
	return mcp.NewServer(mcp.Info{Name: serverName, Version: Version}, transport,
		mcp.WithToolServer(handlers),
		mcp.WithPromptServer(handlers),
		mcp.WithLogHandler(handlers),
		mcp.WithServerLogger(logger),
		mcp.WithServerOnClientConnected(func(sessionID string, client mcp.Info) {
			logger.Info("client connected",
				slog.String("sessionID", sessionID),
				slog.String("client", client.Name),
				slog.String("clientVersion", client.Version))
		}),
		mcp.WithServerOnClientDisconnected(onDisconnected),
	)
}

// serveUntilDone serves until ctx is cancelled, then shuts the server down.
func serveUntilDone(ctx context.Context, srv mcp.Server, logger *logrus.Logger) error {
	serveDone := make(chan struct{})
	go func() {
		defer close(serveDone)
		srv.Serve()
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	<-serveDone
	return nil
}

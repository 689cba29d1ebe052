package unichat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/amidabuddha/unichat-mcp-server"
)

// LoggerName is the logger name carried by the notifications of this server.
const LoggerName = "unichat-mcp-server"

// SetLogLevel implements mcp.LogHandler interface.
// The level is recorded for the calling session and echoed back as a debug notification. The
// level does not change what the other handlers do.
func (s *Server) SetLogLevel(ctx context.Context, level mcp.LogLevel, notify mcp.LogNotifier) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if sess := s.session(mcp.SessionIDFromContext(ctx)); sess != nil {
		sess.level.Store(int32(level))
	}

	data, err := json.Marshal(fmt.Sprintf("Logging level set to: %s", level))
	if err != nil {
		return fmt.Errorf("failed to marshal log data: %w", err)
	}
	if notify == nil {
		return nil
	}
	if err := notify(ctx, mcp.LogParams{
		Level:  mcp.LogLevelDebug,
		Logger: LoggerName,
		Data:   data,
	}); err != nil {
		s.logger.Warn("failed to send log notification", slog.String("err", err.Error()))
	}
	return nil
}

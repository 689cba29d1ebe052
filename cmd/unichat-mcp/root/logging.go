package root

import (
	"context"
	"io"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// newLogger configures a logrus logger writing to stderr, and to logFile when set, and returns
// a slog.Logger on top of it for the library packages. The returned func closes the log file.
func newLogger(level, logFile string, stderr io.Writer) (*logrus.Logger, *slog.Logger, func()) {
	logger := logrus.New()
	logger.SetOutput(stderr)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	lvl, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		lvl = logrus.InfoLevel
		if strings.TrimSpace(level) != "" {
			logger.WithField("level", level).Warn("unknown log level; using info")
		}
	}
	logger.SetLevel(lvl)

	closeFn := func() {}
	if lf := strings.TrimSpace(logFile); lf != "" {
		// Expand ~/ paths
		if strings.HasPrefix(lf, "~") {
			if home, err := os.UserHomeDir(); err == nil {
				lf = filepath.Join(home, strings.TrimPrefix(lf, "~"))
			}
		}
		if err := os.MkdirAll(filepath.Dir(lf), 0o755); err != nil {
			logger.WithError(err).Warn("failed to create directory for LOG_FILE; using stderr only")
		} else if f, err := os.OpenFile(lf, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err != nil {
			logger.WithError(err).Warn("failed to open LOG_FILE; using stderr only")
		} else {
			logger.SetOutput(io.MultiWriter(stderr, f))
			logger.WithField("file", lf).Info("logging to file enabled")
			closeFn = func() { _ = f.Close() }
		}
	}

	return logger, slog.New(&logrusHandler{logger: logger}), closeFn
}

// logrusHandler is a slog.Handler that emits records through a logrus logger, so library and
// command logs share one format and destination.
type logrusHandler struct {
	logger *logrus.Logger
	fields logrus.Fields
	group  string
}

func (h *logrusHandler) Enabled(_ context.Context, level slog.Level) bool {
	return h.logger.IsLevelEnabled(logrusLevel(level))
}

func (h *logrusHandler) Handle(_ context.Context, r slog.Record) error {
	fields := make(logrus.Fields, len(h.fields)+r.NumAttrs())
	maps.Copy(fields, h.fields)
	r.Attrs(func(a slog.Attr) bool {
		addAttr(fields, h.group, a)
		return true
	})

	entry := h.logger.WithFields(fields)
	if !r.Time.IsZero() {
		entry = entry.WithTime(r.Time)
	}
	entry.Log(logrusLevel(r.Level), r.Message)
	return nil
}

func (h *logrusHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	fields := make(logrus.Fields, len(h.fields)+len(attrs))
	maps.Copy(fields, h.fields)
	for _, a := range attrs {
		addAttr(fields, h.group, a)
	}
	return &logrusHandler{logger: h.logger, fields: fields, group: h.group}
}

func (h *logrusHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	group := name
	if h.group != "" {
		group = h.group + "." + name
	}
	return &logrusHandler{logger: h.logger, fields: h.fields, group: group}
}

func addAttr(fields logrus.Fields, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	key := a.Key
	if prefix != "" && key != "" {
		key = prefix + "." + key
	} else if key == "" {
		key = prefix
	}
	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			addAttr(fields, key, ga)
		}
		return
	}
	fields[key] = a.Value.Any()
}

func logrusLevel(level slog.Level) logrus.Level {
	switch {
	case level >= slog.LevelError:
		return logrus.ErrorLevel
	case level >= slog.LevelWarn:
		return logrus.WarnLevel
	case level >= slog.LevelInfo:
		return logrus.InfoLevel
	default:
		return logrus.DebugLevel
	}
}

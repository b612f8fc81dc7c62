// Package logging wraps zap the way the rest of the ecosystem does:
// level and encoding are read once at startup, and the rest of the
// module logs through a package-level singleton rather than threading a
// logger through every call.
package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is a thin zap wrapper with a few domain-flavored field helpers.
type Logger struct {
	*zap.Logger
}

var global = noop()

func noop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// Init builds the process-wide logger from LOG_LEVEL and LOG_FORMAT
// environment variables ("debug"/"info"/"warn"/"error", "json"/"console"),
// defaulting to info/json. Call once at process startup.
func Init() error {
	level := strings.ToLower(os.Getenv("LOG_LEVEL"))
	if level == "" {
		level = "info"
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT"))
	if format == "" {
		format = "json"
	}

	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return err
	}

	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    format,
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "message",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	built, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return err
	}
	global = &Logger{Logger: built}
	return nil
}

// L returns the process-wide logger. Before Init is called, it is a
// no-op sink, so packages can log during early startup without a nil check.
func L() *Logger { return global }

// WithDoc scopes a logger to a document id.
func (l *Logger) WithDoc(docID string) *zap.Logger {
	return l.With(zap.String("doc_id", docID))
}

// WithConn scopes a logger to a connection id.
func (l *Logger) WithConn(connID string) *zap.Logger {
	return l.With(zap.String("conn_id", connID))
}

// WithPeer scopes a logger to a peer id.
func (l *Logger) WithPeer(peerID string) *zap.Logger {
	return l.With(zap.String("peer_id", peerID))
}

// WithErr attaches an error field.
func (l *Logger) WithErr(err error) *zap.Logger {
	return l.With(zap.Error(err))
}

// Sync flushes buffered log entries; call during shutdown.
func Sync() error {
	return global.Logger.Sync()
}

// Package logging provides structured logging with zap.
package logging

import (
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	globalLogger atomic.Pointer[zap.Logger]
	globalLevel  = zap.NewAtomicLevel()
)

// Config holds logging configuration.
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json, console
	OutputPath string // stdout, stderr, or file path
}

// Init initializes the global logger.
func Init(cfg Config) error {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var config zap.Config
	if cfg.Format == "console" {
		config = zap.NewDevelopmentConfig()
	} else {
		config = zap.NewProductionConfig()
	}

	globalLevel.SetLevel(level)
	config.Level = globalLevel
	if cfg.OutputPath != "" {
		config.OutputPaths = []string{cfg.OutputPath}
		config.ErrorOutputPaths = []string{cfg.OutputPath}
	}

	logger, err := config.Build(zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		return err
	}

	globalLogger.Store(logger)
	return nil
}

// Sync flushes any buffered log entries.
func Sync() error {
	if logger := globalLogger.Load(); logger != nil {
		return logger.Sync()
	}
	return nil
}

// SetLevel changes the global log level at runtime.
func SetLevel(level string) {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return
	}
	globalLevel.SetLevel(l)
}

// L returns the global logger, building a production logger on first use
// if Init has not been called. Safe for concurrent use.
func L() *zap.Logger {
	if logger := globalLogger.Load(); logger != nil {
		return logger
	}
	logger, err := zap.NewProduction()
	if err != nil {
		logger = zap.NewNop()
	}
	if !globalLogger.CompareAndSwap(nil, logger) {
		logger.Sync()
	}
	return globalLogger.Load()
}

// Field helpers shared by the bridge and the local stream server.

func Session(id string) zap.Field { return zap.String("session", id) }
func Ino(ino uint64) zap.Field { return zap.Uint64("ino", ino) }
func Path(p string) zap.Field { return zap.String("path", p) }
func StreamID(id uint32) zap.Field { return zap.Uint32("stream_id", id) }
func ClipDataID(id uint32) zap.Field { return zap.Uint32("clip_data_id", id) }
func ListIndex(i int) zap.Field { return zap.Int("list_index", i) }
func Generation(seq uint64) zap.Field { return zap.Uint64("generation", seq) }
func Kind(k string) zap.Field { return zap.String("kind", k) }
func Duration(d time.Duration) zap.Field { return zap.Duration("duration", d) }

// responseWriter wraps http.ResponseWriter to capture the status.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware logs each request to the metrics and diagnostics endpoints.
func Middleware(logger *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rw.status),
			Duration(time.Since(start)),
		)
	})
}

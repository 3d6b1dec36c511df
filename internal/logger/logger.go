package logger

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"example.com/h2drain/internal/config"
)

// LogFields carries structured key/value pairs attached to a log entry.
type LogFields map[string]interface{}

// reopenableWriter is an io.Writer whose target file can be swapped under a lock,
// so SIGHUP log rotation never races with concurrent log writes.
type reopenableWriter struct {
	mu     sync.Mutex
	target string
	out    io.Writer
	file   *os.File
}

func openTarget(target string) (*reopenableWriter, error) {
	w := &reopenableWriter{target: target}
	switch target {
	case "stdout":
		w.out = os.Stdout
	case "stderr":
		w.out = os.Stderr
	default:
		f, err := os.OpenFile(target, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", target, err)
		}
		w.out = f
		w.file = f
	}
	return w, nil
}

func (w *reopenableWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.out.Write(p)
}

func (w *reopenableWriter) reopen() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	_ = w.file.Close()
	f, err := os.OpenFile(w.target, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		w.out = os.Stderr
		w.file = nil
		return fmt.Errorf("failed to reopen log file %s: %w", w.target, err)
	}
	w.out = f
	w.file = f
	return nil
}

func (w *reopenableWriter) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
		w.out = io.Discard
	}
}

// Logger writes JSON error and access logs through zerolog.
// Child loggers created by With share the parent's outputs.
type Logger struct {
	errorLog  zerolog.Logger
	accessLog *zerolog.Logger

	errorOut  *reopenableWriter
	accessOut *reopenableWriter
}

func init() {
	zerolog.TimeFieldFormat = "2006-01-02T15:04:05.000Z07:00"
	zerolog.TimestampFieldName = "ts"
	zerolog.MessageFieldName = "msg"
}

// NewLogger creates a Logger from a defaulted logging configuration.
func NewLogger(cfg *config.LoggingConfig) (*Logger, error) {
	if cfg == nil {
		return nil, fmt.Errorf("logging configuration cannot be nil")
	}

	errTarget := "stderr"
	if cfg.ErrorLog != nil && cfg.ErrorLog.Target != "" {
		errTarget = cfg.ErrorLog.Target
	}
	errOut, err := openTarget(errTarget)
	if err != nil {
		return nil, fmt.Errorf("error log: %w", err)
	}

	l := &Logger{
		errorLog: zerolog.New(errOut).Level(levelFor(cfg.LogLevel)).With().Timestamp().Logger(),
		errorOut: errOut,
	}

	if cfg.AccessLog != nil && (cfg.AccessLog.Enabled == nil || *cfg.AccessLog.Enabled) {
		accTarget := cfg.AccessLog.Target
		if accTarget == "" {
			accTarget = "stdout"
		}
		accOut, err := openTarget(accTarget)
		if err != nil {
			errOut.close()
			return nil, fmt.Errorf("access log: %w", err)
		}
		acc := zerolog.New(accOut).With().Timestamp().Logger()
		l.accessLog = &acc
		l.accessOut = accOut
	}
	return l, nil
}

// NewTestLogger returns a DEBUG-level logger writing both streams to w.
// A nil w discards everything.
func NewTestLogger(w io.Writer) *Logger {
	if w == nil {
		w = io.Discard
	}
	acc := zerolog.New(w).With().Timestamp().Str("log", "access").Logger()
	return &Logger{
		errorLog:  zerolog.New(w).Level(zerolog.DebugLevel).With().Timestamp().Logger(),
		accessLog: &acc,
	}
}

// NewDiscardLogger returns a logger that drops every entry.
func NewDiscardLogger() *Logger {
	return &Logger{errorLog: zerolog.Nop()}
}

func levelFor(level config.LogLevel) zerolog.Level {
	switch level {
	case config.LogLevelDebug:
		return zerolog.DebugLevel
	case config.LogLevelWarning:
		return zerolog.WarnLevel
	case config.LogLevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// With returns a child logger that adds fields to every error-log entry.
func (l *Logger) With(fields LogFields) *Logger {
	child := *l
	child.errorLog = l.errorLog.With().Fields(map[string]interface{}(fields)).Logger()
	return &child
}

func (l *Logger) log(ev *zerolog.Event, msg string, fields []LogFields) {
	for _, f := range fields {
		ev = ev.Fields(map[string]interface{}(f))
	}
	ev.Msg(msg)
}

func (l *Logger) Debug(msg string, fields ...LogFields) { l.log(l.errorLog.Debug(), msg, fields) }
func (l *Logger) Info(msg string, fields ...LogFields)  { l.log(l.errorLog.Info(), msg, fields) }
func (l *Logger) Warn(msg string, fields ...LogFields)  { l.log(l.errorLog.Warn(), msg, fields) }
func (l *Logger) Error(msg string, fields ...LogFields) { l.log(l.errorLog.Error(), msg, fields) }

// Access writes one access log entry for a completed stream.
func (l *Logger) Access(req *http.Request, streamID uint32, status int, responseBytes int64, duration time.Duration) {
	if l.accessLog == nil || req == nil {
		return
	}
	host, port, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		host, port = req.RemoteAddr, "0"
	}
	ev := l.accessLog.Log().
		Str("remote_addr", host).
		Str("remote_port", port).
		Str("protocol", req.Proto).
		Str("method", req.Method).
		Str("uri", req.RequestURI).
		Int("status", status).
		Int64("resp_bytes", responseBytes).
		Int64("duration_ms", duration.Milliseconds()).
		Uint32("h2_stream_id", streamID)
	if ua := req.UserAgent(); ua != "" {
		ev = ev.Str("user_agent", ua)
	}
	if ref := req.Referer(); ref != "" {
		ev = ev.Str("referer", ref)
	}
	ev.Send()
}

// CloseLogFiles closes any open log files. Called once during process shutdown.
func (l *Logger) CloseLogFiles() {
	if l.errorOut != nil {
		l.errorOut.close()
	}
	if l.accessOut != nil {
		l.accessOut.close()
	}
}

// ReopenLogFiles closes and reopens file-based targets (SIGHUP log rotation).
// Standard stream targets are left alone.
func (l *Logger) ReopenLogFiles() error {
	var firstErr error
	for _, w := range []*reopenableWriter{l.errorOut, l.accessOut} {
		if w == nil {
			continue
		}
		if err := w.reopen(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Package fixedresponse provides a handler that answers every request with a
// configured response, optionally after a delay. It is the handler used to
// exercise connection draining.
package fixedresponse

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"example.com/h2drain/internal/config"
	"example.com/h2drain/internal/http2"
	"example.com/h2drain/internal/logger"
	"example.com/h2drain/internal/server"
)

// HandlerType is the handler_type name used in routing configuration.
const HandlerType = "FixedResponse"

// Config is the handler_config of a FixedResponse route.
type Config struct {
	StatusCode  int               `json:"status_code,omitempty"`
	Body        string            `json:"body,omitempty"`
	ContentType string            `json:"content_type,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	// Delay holds the response back. The wait ends early if the stream is cancelled.
	Delay config.Duration `json:"delay,omitempty"`
	// EchoRequestBody replaces Body with the request body.
	EchoRequestBody bool `json:"echo_request_body,omitempty"`
}

// Handler serves the configured response.
type Handler struct {
	cfg Config
	log *logger.Logger
}

var _ server.HandlerFactory = New

// New parses handlerCfg and returns a Handler. An empty config answers 200 with no body.
func New(handlerCfg json.RawMessage, lg *logger.Logger) (http2.Handler, error) {
	if lg == nil {
		lg = logger.NewDiscardLogger()
	}
	cfg := Config{StatusCode: http.StatusOK}
	if len(handlerCfg) > 0 {
		if err := json.Unmarshal(handlerCfg, &cfg); err != nil {
			return nil, fmt.Errorf("%s: invalid handler_config: %w", HandlerType, err)
		}
	}
	if cfg.StatusCode == 0 {
		cfg.StatusCode = http.StatusOK
	}
	if cfg.StatusCode < 200 || cfg.StatusCode > 599 {
		return nil, fmt.Errorf("%s: status_code %d out of range 200-599", HandlerType, cfg.StatusCode)
	}
	if cfg.Delay < 0 {
		return nil, fmt.Errorf("%s: delay must not be negative", HandlerType)
	}
	for name := range cfg.Headers {
		if name == "" || strings.HasPrefix(name, ":") {
			return nil, fmt.Errorf("%s: invalid header name %q", HandlerType, name)
		}
	}
	if cfg.ContentType == "" && (cfg.Body != "" || cfg.EchoRequestBody) {
		cfg.ContentType = "text/plain; charset=utf-8"
	}
	return &Handler{cfg: cfg, log: lg}, nil
}

// ServeHTTP2 writes the configured response.
func (h *Handler) ServeHTTP2(w http2.StreamWriter, req *http.Request) {
	body := []byte(h.cfg.Body)
	if h.cfg.EchoRequestBody && req.Body != nil {
		b, err := io.ReadAll(req.Body)
		if err != nil {
			h.log.Debug("Failed to read request body", logger.LogFields{"stream_id": w.ID(), "error": err.Error()})
			return
		}
		body = b
	}

	if d := h.cfg.Delay.Value(); d > 0 {
		timer := time.NewTimer(d)
		select {
		case <-timer.C:
		case <-w.Context().Done():
			timer.Stop()
			h.log.Debug("Stream cancelled during response delay", logger.LogFields{
				"stream_id": w.ID(),
				"cause":     fmt.Sprint(context.Cause(w.Context())),
			})
			return
		}
	}

	headers := []http2.HeaderField{{Name: ":status", Value: strconv.Itoa(h.cfg.StatusCode)}}
	if h.cfg.ContentType != "" {
		headers = append(headers, http2.HeaderField{Name: "content-type", Value: h.cfg.ContentType})
	}
	headers = append(headers, http2.HeaderField{Name: "content-length", Value: strconv.Itoa(len(body))})
	for name, value := range h.cfg.Headers {
		headers = append(headers, http2.HeaderField{Name: strings.ToLower(name), Value: value})
	}

	if req.Method == http.MethodHead || len(body) == 0 {
		if err := w.SendHeaders(headers, true); err != nil {
			h.log.Debug("Failed to send response headers", logger.LogFields{"stream_id": w.ID(), "error": err.Error()})
		}
		return
	}
	if err := w.SendHeaders(headers, false); err != nil {
		h.log.Debug("Failed to send response headers", logger.LogFields{"stream_id": w.ID(), "error": err.Error()})
		return
	}
	if _, err := w.WriteData(body, true); err != nil {
		h.log.Debug("Failed to send response body", logger.LogFields{"stream_id": w.ID(), "error": err.Error()})
	}
}

package http2

import (
	"context"
	"net/http"
)

// HeaderField represents a single HTTP header field (name-value pair).
// This is used by the StreamWriter interface.
type HeaderField struct {
	Name  string
	Value string
}

// StreamWriter defines the interface for handlers to write HTTP/2 responses.
// Once the connection has been closed every method returns an error wrapping
// ErrConnClosed; handlers must stop writing rather than retry.
type StreamWriter interface {
	// SendHeaders sends response headers. They must include ":status".
	// If endStream is true, this also signals the end of the response body.
	SendHeaders(headers []HeaderField, endStream bool) error

	// WriteData sends a chunk of the response body.
	// If endStream is true, this is the final chunk.
	WriteData(p []byte, endStream bool) (n int, err error)

	// WriteTrailers sends trailing headers. This implicitly ends the stream.
	WriteTrailers(trailers []HeaderField) error

	// ID returns the stream's identifier.
	ID() uint32

	// Context returns the stream's context. It is cancelled when the peer resets
	// the stream or the connection is closed.
	Context() context.Context
}

// Handler serves one request stream. The stream is unregistered from the
// connection when ServeHTTP2 returns; a response that was not ended is ended then.
type Handler interface {
	ServeHTTP2(w StreamWriter, req *http.Request)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(w StreamWriter, req *http.Request)

// ServeHTTP2 calls f(w, req).
func (f HandlerFunc) ServeHTTP2(w StreamWriter, req *http.Request) { f(w, req) }

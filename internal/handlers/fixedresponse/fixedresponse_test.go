package fixedresponse

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/h2drain/internal/http2"
	"example.com/h2drain/internal/logger"
)

type mockStreamWriter struct {
	ctx     context.Context
	headers []http2.HeaderField
	body    []byte
	ended   bool
}

func newMockStreamWriter() *mockStreamWriter {
	return &mockStreamWriter{ctx: context.Background()}
}

func (m *mockStreamWriter) SendHeaders(h []http2.HeaderField, endStream bool) error {
	m.headers = append(m.headers, h...)
	m.ended = endStream
	return nil
}

func (m *mockStreamWriter) WriteData(p []byte, endStream bool) (int, error) {
	m.body = append(m.body, p...)
	m.ended = endStream
	return len(p), nil
}

func (m *mockStreamWriter) WriteTrailers([]http2.HeaderField) error { m.ended = true; return nil }
func (m *mockStreamWriter) ID() uint32                              { return 1 }
func (m *mockStreamWriter) Context() context.Context                { return m.ctx }

func (m *mockStreamWriter) header(name string) string {
	for _, h := range m.headers {
		if h.Name == name {
			return h.Value
		}
	}
	return ""
}

func newHandler(t *testing.T, cfg string) http2.Handler {
	t.Helper()
	h, err := New(json.RawMessage(cfg), logger.NewDiscardLogger())
	require.NoError(t, err)
	return h
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  string
		err  string
	}{
		{"bad json", `{`, "invalid handler_config"},
		{"status too low", `{"status_code": 101}`, "out of range"},
		{"status too high", `{"status_code": 600}`, "out of range"},
		{"negative delay", `{"delay": "-1s"}`, "negative"},
		{"bad delay", `{"delay": "soon"}`, "invalid handler_config"},
		{"pseudo header", `{"headers": {":status": "200"}}`, "invalid header name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(json.RawMessage(tt.cfg), nil)
			assert.ErrorContains(t, err, tt.err)
		})
	}
}

func TestServeHTTP2_Defaults(t *testing.T) {
	h := newHandler(t, "")
	w := newMockStreamWriter()
	h.ServeHTTP2(w, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, "200", w.header(":status"))
	assert.Equal(t, "0", w.header("content-length"))
	assert.Empty(t, w.body)
	assert.True(t, w.ended)
}

func TestServeHTTP2_ConfiguredResponse(t *testing.T) {
	h := newHandler(t, `{"status_code": 201, "body": "created", "content_type": "text/x-test", "headers": {"X-Trace": "abc"}}`)
	w := newMockStreamWriter()
	h.ServeHTTP2(w, httptest.NewRequest(http.MethodPost, "/items", nil))

	assert.Equal(t, ":status", w.headers[0].Name)
	assert.Equal(t, "201", w.header(":status"))
	assert.Equal(t, "text/x-test", w.header("content-type"))
	assert.Equal(t, "7", w.header("content-length"))
	assert.Equal(t, "abc", w.header("x-trace"))
	assert.Equal(t, "created", string(w.body))
	assert.True(t, w.ended)
}

func TestServeHTTP2_HeadOmitsBody(t *testing.T) {
	h := newHandler(t, `{"body": "hello"}`)
	w := newMockStreamWriter()
	h.ServeHTTP2(w, httptest.NewRequest(http.MethodHead, "/", nil))

	assert.Equal(t, "5", w.header("content-length"))
	assert.Empty(t, w.body)
	assert.True(t, w.ended)
}

func TestServeHTTP2_EchoRequestBody(t *testing.T) {
	h := newHandler(t, `{"echo_request_body": true}`)
	w := newMockStreamWriter()
	h.ServeHTTP2(w, httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader("ping")))

	assert.Equal(t, "text/plain; charset=utf-8", w.header("content-type"))
	assert.Equal(t, "ping", string(w.body))
}

func TestServeHTTP2_Delay(t *testing.T) {
	h := newHandler(t, `{"body": "late", "delay": "50ms"}`)
	w := newMockStreamWriter()
	start := time.Now()
	h.ServeHTTP2(w, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, "late", string(w.body))
}

func TestServeHTTP2_DelayObservesCancellation(t *testing.T) {
	h := newHandler(t, `{"body": "never", "delay": "1m"}`)
	w := newMockStreamWriter()
	ctx, cancel := context.WithCancel(context.Background())
	w.ctx = ctx

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.ServeHTTP2(w, httptest.NewRequest(http.MethodGet, "/", nil))
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not return after stream cancellation")
	}
	assert.Empty(t, w.headers)
	assert.Empty(t, w.body)
}

package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/h2drain/internal/http2"
	"example.com/h2drain/internal/logger"
	"example.com/h2drain/internal/server"
)

// recordingStream is an http2.StreamWriter that keeps everything written to it.
type recordingStream struct {
	mu        sync.Mutex
	id        uint32
	headers   []http2.HeaderField
	body      []byte
	ended     bool
	headerErr error
	dataErr   error
}

func (r *recordingStream) SendHeaders(h []http2.HeaderField, endStream bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.headerErr != nil {
		return r.headerErr
	}
	r.headers = append(r.headers, h...)
	r.ended = endStream
	return nil
}

func (r *recordingStream) WriteData(p []byte, endStream bool) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dataErr != nil {
		return 0, r.dataErr
	}
	r.body = append(r.body, p...)
	r.ended = endStream
	return len(p), nil
}

func (r *recordingStream) WriteTrailers(t []http2.HeaderField) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended = true
	return nil
}

func (r *recordingStream) ID() uint32               { return r.id }
func (r *recordingStream) Context() context.Context { return context.Background() }

func (r *recordingStream) header(name string) string {
	for _, h := range r.headers {
		if h.Name == name {
			return h.Value
		}
	}
	return ""
}

func TestPrefersJSON(t *testing.T) {
	tests := []struct {
		name   string
		accept string
		want   bool
	}{
		{"empty", "", false},
		{"json only", "application/json", true},
		{"json first", "application/json, text/html", true},
		{"html first same q", "text/html, application/json", false},
		{"json higher q", "text/html;q=0.8, application/json", true},
		{"json lower q", "application/json;q=0.5, text/html", false},
		{"wildcard only", "*/*", false},
		{"json beats wildcard", "*/*, application/json", true},
		{"application wildcard", "application/*", false},
		{"json q zero", "application/json;q=0, text/html;q=0.1", false},
		{"malformed q", "application/json;q=foo", false},
		{"case insensitive", "Application/JSON", true},
		{"params before q", "application/json; charset=utf-8; q=0.9, text/html;q=0.8", true},
		{"browser", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, server.PrefersJSON(tt.accept), "Accept: %q", tt.accept)
		})
	}
}

func TestWriteErrorResponse_HTML(t *testing.T) {
	rs := &recordingStream{id: 5}
	req := httptest.NewRequest(http.MethodGet, "/missing", nil)
	req.Header.Set("Accept", "text/html")

	err := server.WriteErrorResponse(rs, http.StatusNotFound, req, "<b>gone</b>", logger.NewDiscardLogger())
	require.NoError(t, err)

	assert.Equal(t, "404", rs.header(":status"))
	assert.Equal(t, ":status", rs.headers[0].Name)
	assert.Equal(t, "text/html; charset=utf-8", rs.header("content-type"))
	assert.Equal(t, strconv.Itoa(len(rs.body)), rs.header("content-length"))
	assert.Equal(t, "no-cache, no-store, must-revalidate", rs.header("cache-control"))
	assert.True(t, rs.ended)

	body := string(rs.body)
	assert.Contains(t, body, "<title>404 Not Found</title>")
	assert.Contains(t, body, "&lt;b&gt;gone&lt;/b&gt;")
	assert.NotContains(t, body, "<b>gone</b>")
}

func TestWriteErrorResponse_JSON(t *testing.T) {
	rs := &recordingStream{id: 1}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept", "application/json")

	require.NoError(t, server.WriteErrorResponse(rs, http.StatusServiceUnavailable, req, "draining", nil))

	assert.Equal(t, "503", rs.header(":status"))
	assert.Equal(t, "application/json; charset=utf-8", rs.header("content-type"))

	var got server.ErrorResponseJSON
	require.NoError(t, json.Unmarshal(rs.body, &got))
	assert.Equal(t, server.ErrorDetail{StatusCode: 503, Message: "Service Unavailable", Detail: "draining"}, got.Error)
}

func TestWriteErrorResponse_UnknownStatus(t *testing.T) {
	rs := &recordingStream{id: 1}
	require.NoError(t, server.WriteErrorResponse(rs, 599, nil, "", nil))
	assert.Equal(t, "599", rs.header(":status"))
	assert.True(t, strings.Contains(string(rs.body), "<title>599 Error</title>"), "body: %s", rs.body)
}

func TestWriteErrorResponse_WriteFailures(t *testing.T) {
	t.Run("headers", func(t *testing.T) {
		rs := &recordingStream{id: 7, headerErr: http2.ErrConnClosed}
		err := server.WriteErrorResponse(rs, http.StatusInternalServerError, nil, "", nil)
		require.Error(t, err)
		assert.True(t, errors.Is(err, http2.ErrConnClosed))
		assert.Contains(t, err.Error(), "stream 7")
	})
	t.Run("body", func(t *testing.T) {
		rs := &recordingStream{id: 9, dataErr: errors.New("boom")}
		err := server.WriteErrorResponse(rs, http.StatusBadRequest, nil, "", nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "error response body")
	})
}

func TestGenerateHTMLResponseBody(t *testing.T) {
	body := string(server.GenerateHTMLResponseBody("T<1>", "H&", "<i>raw</i>"))
	assert.Equal(t, "<html><head><title>T&lt;1&gt;</title></head><body><h1>H&amp;</h1><p><i>raw</i></p></body></html>", body)
}

func TestHandlerRegistry(t *testing.T) {
	reg := server.NewHandlerRegistry()
	factory := func(cfg json.RawMessage, lg *logger.Logger) (http2.Handler, error) {
		return http2.HandlerFunc(func(w http2.StreamWriter, req *http.Request) {}), nil
	}

	require.NoError(t, reg.Register("Fixed", factory))
	assert.Error(t, reg.Register("Fixed", factory), "duplicate registration")
	assert.Error(t, reg.Register("Nil", nil))

	_, ok := reg.GetFactory("Fixed")
	assert.True(t, ok)
	_, ok = reg.GetFactory("Other")
	assert.False(t, ok)

	h, err := reg.CreateHandler("Fixed", nil, logger.NewDiscardLogger())
	require.NoError(t, err)
	assert.NotNil(t, h)

	_, err = reg.CreateHandler("Other", nil, logger.NewDiscardLogger())
	assert.ErrorContains(t, err, "no handler factory")

	_, err = reg.CreateHandler("Fixed", nil, nil)
	assert.ErrorContains(t, err, "logger cannot be nil")
}

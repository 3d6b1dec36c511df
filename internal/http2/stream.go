package http2

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/http2/hpack"

	"example.com/h2drain/internal/logger"
)

// requestBody is the request body pipe for one stream. The connection's reader
// goroutine writes DATA payloads into it; the handler reads them. Every byte the
// handler consumes is reported through onConsumed so the connection can refund
// flow-control credit to the peer.
type requestBody struct {
	mu           sync.Mutex
	buf          bytes.Buffer
	remoteClosed bool  // END_STREAM received
	readerClosed bool  // handler called Close
	err          error // stream reset or connection closed
	notify       chan struct{}
	onConsumed   func(n int)
}

func newRequestBody(onConsumed func(n int)) *requestBody {
	return &requestBody{notify: make(chan struct{}, 1), onConsumed: onConsumed}
}

func (b *requestBody) signal() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// write appends p. Data arriving after the handler closed the body is dropped
// and its credit refunded at once.
func (b *requestBody) write(p []byte) {
	b.mu.Lock()
	if b.readerClosed || b.err != nil {
		b.mu.Unlock()
		if len(p) > 0 && b.onConsumed != nil {
			b.onConsumed(len(p))
		}
		return
	}
	b.buf.Write(p)
	b.mu.Unlock()
	b.signal()
}

// closeRemote records END_STREAM from the peer.
func (b *requestBody) closeRemote() {
	b.mu.Lock()
	b.remoteClosed = true
	b.mu.Unlock()
	b.signal()
}

// fail makes pending and future reads return err.
func (b *requestBody) fail(err error) {
	b.mu.Lock()
	if b.err == nil {
		b.err = err
	}
	b.mu.Unlock()
	b.signal()
}

func (b *requestBody) isRemoteClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.remoteClosed
}

func (b *requestBody) Read(p []byte) (int, error) {
	for {
		b.mu.Lock()
		if b.buf.Len() > 0 {
			n, _ := b.buf.Read(p)
			b.mu.Unlock()
			if n > 0 && b.onConsumed != nil {
				b.onConsumed(n)
			}
			return n, nil
		}
		if b.err != nil {
			err := b.err
			b.mu.Unlock()
			return 0, err
		}
		if b.remoteClosed || b.readerClosed {
			b.mu.Unlock()
			return 0, io.EOF
		}
		b.mu.Unlock()
		<-b.notify
	}
}

// Close discards unread data and refunds its credit.
func (b *requestBody) Close() error {
	b.mu.Lock()
	b.readerClosed = true
	unread := b.buf.Len()
	b.buf.Reset()
	b.mu.Unlock()
	if unread > 0 && b.onConsumed != nil {
		b.onConsumed(unread)
	}
	b.signal()
	return nil
}

// stream is the server side of one client-initiated request. It implements StreamWriter.
type stream struct {
	id     uint32
	conn   *Connection
	ctx    context.Context
	cancel context.CancelCauseFunc
	body   *requestBody

	mu           sync.Mutex
	headersSent  bool
	ended        bool
	status       int
	bytesWritten int64

	startedAt time.Time
}

func newStream(c *Connection, id uint32) *stream {
	ctx, cancel := context.WithCancelCause(c.ctx)
	s := &stream{
		id:        id,
		conn:      c,
		ctx:       ctx,
		cancel:    cancel,
		startedAt: time.Now(),
	}
	s.body = newRequestBody(func(n int) { c.refundWindow(s, n) })
	return s
}

// ID returns the stream's identifier.
func (s *stream) ID() uint32 { return s.id }

// Context returns the stream's context.
func (s *stream) Context() context.Context { return s.ctx }

// writableLocked returns an error if the stream may not send any more frames.
// Caller holds s.mu.
func (s *stream) writableLocked() error {
	if s.ended {
		return fmt.Errorf("stream %d: response already ended", s.id)
	}
	if s.ctx.Err() != nil {
		cause := context.Cause(s.ctx)
		if errors.Is(cause, ErrConnClosed) {
			return ErrConnClosed
		}
		return NewStreamErrorWithCause(s.id, ErrCodeCancel, "stream was reset", cause)
	}
	return nil
}

// SendHeaders sends the response header block.
func (s *stream) SendHeaders(headers []HeaderField, endStream bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writableLocked(); err != nil {
		return err
	}
	if s.headersSent {
		return fmt.Errorf("stream %d: headers already sent", s.id)
	}
	status := 0
	fields := make([]hpack.HeaderField, 0, len(headers))
	for _, h := range headers {
		name := strings.ToLower(h.Name)
		if name == ":status" {
			code, err := strconv.Atoi(h.Value)
			if err != nil || code < 100 || code > 999 {
				return fmt.Errorf("stream %d: invalid :status %q", s.id, h.Value)
			}
			status = code
			// :status must come first in the block.
			fields = append([]hpack.HeaderField{{Name: name, Value: h.Value}}, fields...)
			continue
		}
		fields = append(fields, hpack.HeaderField{Name: name, Value: h.Value})
	}
	if status == 0 {
		return fmt.Errorf("stream %d: response headers missing :status", s.id)
	}

	if err := s.conn.writeHeaders(s.id, fields, endStream); err != nil {
		s.ended = true
		return err
	}
	s.headersSent = true
	s.status = status
	if endStream {
		s.ended = true
	}
	return nil
}

// WriteData sends p as one or more DATA frames no larger than the peer's
// SETTINGS_MAX_FRAME_SIZE. An empty p with endStream sends an empty END_STREAM frame.
func (s *stream) WriteData(p []byte, endStream bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writableLocked(); err != nil {
		return 0, err
	}
	if !s.headersSent {
		return 0, fmt.Errorf("stream %d: WriteData before SendHeaders", s.id)
	}

	written := 0
	maxChunk := int(s.conn.peerMaxFrameSize.Load())
	for {
		chunk := p[written:]
		if len(chunk) > maxChunk {
			chunk = chunk[:maxChunk]
		}
		last := written+len(chunk) == len(p)
		var flags Flags
		if last && endStream {
			flags = FlagDataEndStream
		}
		f := &DataFrame{FrameHeader: FrameHeader{Type: FrameData, Flags: flags, StreamID: s.id}, Data: chunk}
		if err := s.conn.WriteFrame(f); err != nil {
			s.ended = true
			return written, err
		}
		written += len(chunk)
		s.bytesWritten += int64(len(chunk))
		if last {
			break
		}
	}
	if endStream {
		s.ended = true
	}
	return written, nil
}

// WriteTrailers sends a trailing header block with END_STREAM.
func (s *stream) WriteTrailers(trailers []HeaderField) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writableLocked(); err != nil {
		return err
	}
	if !s.headersSent {
		return fmt.Errorf("stream %d: WriteTrailers before SendHeaders", s.id)
	}
	fields := make([]hpack.HeaderField, 0, len(trailers))
	for _, h := range trailers {
		if strings.HasPrefix(h.Name, ":") {
			return fmt.Errorf("stream %d: pseudo-header %q not allowed in trailers", s.id, h.Name)
		}
		fields = append(fields, hpack.HeaderField{Name: strings.ToLower(h.Name), Value: h.Value})
	}
	err := s.conn.writeHeaders(s.id, fields, true)
	s.ended = true
	return err
}

// finishResponse ends a response the handler left open. A handler that sent
// nothing gets an empty 200.
func (s *stream) finishResponse() {
	s.mu.Lock()
	ended, headersSent := s.ended, s.headersSent
	s.mu.Unlock()
	if ended || s.ctx.Err() != nil {
		return
	}
	var err error
	if !headersSent {
		err = s.SendHeaders([]HeaderField{{Name: ":status", Value: "200"}}, true)
	} else {
		_, err = s.WriteData(nil, true)
	}
	if err != nil {
		s.conn.log.Debug("Could not end response after handler returned", logger.LogFields{"stream_id": s.id, "error": err.Error()})
	}
}

// reset cancels the stream after the peer sent RST_STREAM.
func (s *stream) reset(code ErrorCode) {
	err := NewStreamError(s.id, code, "stream reset by peer")
	s.cancel(err)
	s.body.fail(err)
}

// run executes the handler on the calling goroutine and unregisters the stream
// once its last frame has been written or has failed.
func (s *stream) run(h Handler, req *http.Request) {
	defer s.conn.streamHandlerDone(s, req)
	defer func() {
		if r := recover(); r != nil {
			s.conn.log.Error("Panic in stream handler", logger.LogFields{
				"stream_id": s.id,
				"panic":     fmt.Sprint(r),
				"stack":     string(debug.Stack()),
			})
			s.mu.Lock()
			headersSent, ended := s.headersSent, s.ended
			s.mu.Unlock()
			switch {
			case ended:
			case !headersSent:
				_ = s.SendHeaders([]HeaderField{{Name: ":status", Value: "500"}}, true)
			default:
				s.mu.Lock()
				s.ended = true
				s.mu.Unlock()
				_ = s.conn.WriteFrame(GenerateRSTStreamFrame(s.id, ErrCodeInternalError, nil))
			}
		}
	}()
	h.ServeHTTP2(s, req)
	s.finishResponse()
}

// buildRequest turns a decoded request header block into an *http.Request.
// Violations are returned as a *StreamError with PROTOCOL_ERROR.
func buildRequest(id uint32, fields []hpack.HeaderField, remoteAddr string) (*http.Request, error) {
	var method, path, scheme, authority string
	header := make(http.Header)
	seenRegular := false

	for _, hf := range fields {
		if hf.Name != strings.ToLower(hf.Name) {
			return nil, NewStreamError(id, ErrCodeProtocolError, fmt.Sprintf("header field name %q is not lowercase", hf.Name))
		}
		if strings.HasPrefix(hf.Name, ":") {
			if seenRegular {
				return nil, NewStreamError(id, ErrCodeProtocolError, fmt.Sprintf("pseudo-header %s after regular header", hf.Name))
			}
			var dst *string
			switch hf.Name {
			case ":method":
				dst = &method
			case ":path":
				dst = &path
			case ":scheme":
				dst = &scheme
			case ":authority":
				dst = &authority
			default:
				return nil, NewStreamError(id, ErrCodeProtocolError, fmt.Sprintf("unknown pseudo-header %s", hf.Name))
			}
			if *dst != "" {
				return nil, NewStreamError(id, ErrCodeProtocolError, fmt.Sprintf("duplicate pseudo-header %s", hf.Name))
			}
			*dst = hf.Value
			continue
		}
		seenRegular = true
		switch hf.Name {
		case "connection", "proxy-connection", "keep-alive", "upgrade", "transfer-encoding":
			return nil, NewStreamError(id, ErrCodeProtocolError, fmt.Sprintf("connection-specific header %s not allowed", hf.Name))
		case "te":
			if hf.Value != "trailers" {
				return nil, NewStreamError(id, ErrCodeProtocolError, "te header must be \"trailers\"")
			}
		}
		header.Add(hf.Name, hf.Value)
	}

	if method == "" || path == "" || (method != http.MethodConnect && scheme == "") {
		return nil, NewStreamError(id, ErrCodeProtocolError, "missing required pseudo-header")
	}
	u, err := url.ParseRequestURI(path)
	if err != nil {
		return nil, NewStreamErrorWithCause(id, ErrCodeProtocolError, "invalid :path", err)
	}
	u.Scheme = scheme
	u.Host = authority
	if authority == "" {
		authority = header.Get("Host")
	}

	req := &http.Request{
		Method:        method,
		URL:           u,
		Proto:         "HTTP/2.0",
		ProtoMajor:    2,
		ProtoMinor:    0,
		Header:        header,
		Host:          authority,
		RemoteAddr:    remoteAddr,
		RequestURI:    path,
		ContentLength: -1,
	}
	if cl := header.Get("Content-Length"); cl != "" {
		n, err := strconv.ParseInt(cl, 10, 64)
		if err != nil || n < 0 {
			return nil, NewStreamError(id, ErrCodeProtocolError, fmt.Sprintf("invalid content-length %q", cl))
		}
		req.ContentLength = n
	}
	return req, nil
}

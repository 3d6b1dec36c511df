package http2

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/http2/hpack"

	"example.com/h2drain/internal/logger"
	"example.com/h2drain/internal/metrics"
)

// ClientPreface is the connection preface every HTTP/2 client sends first.
const ClientPreface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

const (
	// DefaultServerMaxConcurrentStreams is advertised when the config leaves it unset.
	DefaultServerMaxConcurrentStreams uint32 = 100
	// maxHeaderBlockSize caps one assembled request header block.
	maxHeaderBlockSize = 64 << 10
)

// ConnectionConfig holds the per-connection settings taken from server config.
type ConnectionConfig struct {
	GracePeriod          time.Duration
	GoAwayErrorCode      ErrorCode
	MaxConcurrentStreams uint32
	// WriteTimeout bounds each frame write. Zero disables the deadline.
	WriteTimeout time.Duration
}

// Connection serves one server-side HTTP/2 connection. A single goroutine reads
// frames; handlers run on their own goroutines and share one locked write path
// with control frames and the ShutdownController.
type Connection struct {
	id         string
	netConn    net.Conn
	remoteAddr string
	br         *bufio.Reader
	log        *logger.Logger
	handler    Handler
	cfg        ConnectionConfig
	metrics    *metrics.Recorder

	ctx    context.Context
	cancel context.CancelCauseFunc

	writeMu   sync.Mutex // guards bw, the HPACK encoder and frame ordering
	bw        *bufio.Writer
	hpack     *HpackAdapter
	closed    atomic.Bool
	closeOnce sync.Once

	tracker  *StreamTracker
	shutdown *ShutdownController

	// prefaceSent is closed once the server SETTINGS frame was written or the
	// reader gave up before writing it.
	prefaceSent chan struct{}
	prefaceOnce sync.Once

	streamsMu sync.Mutex
	streams   map[uint32]*stream

	peerMaxFrameSize atomic.Uint32

	// Reader goroutine only.
	highestPeerStreamID uint32
	hdrStreamID         uint32
	hdrBlock            []byte
	hdrEndStream        bool
}

// NewConnection wraps nc. Serve must be called to run it.
func NewConnection(nc net.Conn, lg *logger.Logger, handler Handler, cfg ConnectionConfig, rec *metrics.Recorder) *Connection {
	if lg == nil {
		lg = logger.NewDiscardLogger()
	}
	if cfg.MaxConcurrentStreams == 0 {
		cfg.MaxConcurrentStreams = DefaultServerMaxConcurrentStreams
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	c := &Connection{
		id:          uuid.NewString(),
		netConn:     nc,
		remoteAddr:  nc.RemoteAddr().String(),
		br:          bufio.NewReaderSize(nc, int(DefaultMaxFrameSize)+FrameHeaderLen),
		bw:          bufio.NewWriterSize(nc, int(DefaultMaxFrameSize)+FrameHeaderLen),
		handler:     handler,
		cfg:         cfg,
		metrics:     rec,
		ctx:         ctx,
		cancel:      cancel,
		hpack:       NewHpackAdapter(DefaultHeaderTableSize),
		tracker:     NewStreamTracker(),
		streams:     make(map[uint32]*stream),
		prefaceSent: make(chan struct{}),
	}
	c.log = lg.With(logger.LogFields{"conn_id": c.id, "remote_addr": c.remoteAddr})
	c.peerMaxFrameSize.Store(DefaultMaxFrameSize)
	c.shutdown = NewShutdownController(c, c.tracker, ShutdownConfig{
		GracePeriod: cfg.GracePeriod,
		ErrorCode:   cfg.GoAwayErrorCode,
		Ready:       c.prefaceSent,
	}, c.log, rec)
	return c
}

// ID returns the connection's log identifier.
func (c *Connection) ID() string { return c.id }

// State returns the connection's shutdown state.
func (c *Connection) State() ShutdownState { return c.shutdown.State() }

// Done is closed once the connection has reached Closed or Aborted.
func (c *Connection) Done() <-chan struct{} { return c.shutdown.Done() }

// LastStreamID reports the last stream id this connection announced in GOAWAY.
func (c *Connection) LastStreamID() (uint32, bool) { return c.shutdown.LastStreamID() }

// OnShutdownRequested starts a graceful shutdown without blocking.
func (c *Connection) OnShutdownRequested() { c.shutdown.Begin() }

// Shutdown starts a graceful shutdown and waits for a terminal state or ctx.
func (c *Connection) Shutdown(ctx context.Context) (ShutdownState, error) {
	return c.shutdown.RequestShutdown(ctx)
}

// StopAcceptingStreams makes newly arriving HEADERS be refused.
func (c *Connection) StopAcceptingStreams() { c.tracker.StopAccepting() }

// Serve reads the client preface and then frames until the connection reaches
// a terminal state. Cancelling ctx aborts the connection. It returns nil after
// a clean close and the abort cause otherwise; a drain cut short by the grace
// period returns ErrGracePeriodExpired.
func (c *Connection) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		c.shutdown.Abort(fmt.Errorf("serve context done: %w", context.Cause(ctx)))
	})
	defer stop()

	c.log.Debug("Connection accepted")
	err := c.readLoop()
	c.markPrefaceSent()
	if err != nil {
		c.handleReadError(err)
	}
	<-c.shutdown.Done()
	return c.shutdown.Err()
}

func (c *Connection) markPrefaceSent() {
	c.prefaceOnce.Do(func() { close(c.prefaceSent) })
}

func (c *Connection) readLoop() error {
	preface := make([]byte, len(ClientPreface))
	if _, err := io.ReadFull(c.br, preface); err != nil {
		return err
	}
	if !bytes.Equal(preface, []byte(ClientPreface)) {
		return NewConnectionError(ErrCodeProtocolError, "invalid client connection preface")
	}

	err := c.WriteFrame(&SettingsFrame{
		FrameHeader: FrameHeader{Type: FrameSettings},
		Settings: []Setting{
			{ID: SettingMaxConcurrentStreams, Value: c.cfg.MaxConcurrentStreams},
			{ID: SettingEnablePush, Value: 0},
		},
	})
	if err != nil {
		return err
	}
	c.markPrefaceSent()

	first := true
	for {
		frame, err := ReadFrame(c.br, DefaultMaxFrameSize)
		if err != nil {
			var se *StreamError
			if errors.As(err, &se) {
				c.sendRSTStreamFrame(se.StreamID, se.Code)
				continue
			}
			return err
		}
		if first {
			first = false
			if frame.Header().Type != FrameSettings {
				return NewConnectionError(ErrCodeProtocolError, fmt.Sprintf("first frame from client was %s, not SETTINGS", frame.Header().Type))
			}
		}
		if err := c.processFrame(frame); err != nil {
			var se *StreamError
			if errors.As(err, &se) {
				c.sendRSTStreamFrame(se.StreamID, se.Code)
				continue
			}
			return err
		}
	}
}

// handleReadError routes the reader's terminal error to the shutdown controller.
func (c *Connection) handleReadError(err error) {
	var ce *ConnectionError
	switch {
	case errors.As(err, &ce):
		c.log.Warn("Connection error", logger.LogFields{"error_code": ce.Code.String(), "error": ce.Error()})
		c.shutdown.Abort(ce)
	case c.closed.Load():
		// Our own Close unblocked the reader.
	default:
		if errors.Is(err, io.EOF) {
			c.log.Debug("Peer closed the connection")
		} else {
			c.log.Debug("Read failed", logger.LogFields{"error": err.Error()})
		}
		c.shutdown.TransportLost(err)
	}
}

func (c *Connection) processFrame(frame Frame) error {
	fh := frame.Header()
	if c.hdrStreamID != 0 {
		if cf, ok := frame.(*ContinuationFrame); ok && fh.StreamID == c.hdrStreamID {
			return c.processContinuationFrame(cf)
		}
		return NewConnectionError(ErrCodeProtocolError,
			fmt.Sprintf("expected CONTINUATION for stream %d, got %s on stream %d", c.hdrStreamID, fh.Type, fh.StreamID))
	}

	switch f := frame.(type) {
	case *SettingsFrame:
		return c.processSettingsFrame(f)
	case *PingFrame:
		if f.Flags&FlagPingAck != 0 {
			return nil
		}
		return c.WriteFrame(&PingFrame{FrameHeader: FrameHeader{Type: FramePing, Flags: FlagPingAck}, OpaqueData: f.OpaqueData})
	case *HeadersFrame:
		return c.processHeadersFrame(f)
	case *ContinuationFrame:
		return NewConnectionError(ErrCodeProtocolError, fmt.Sprintf("unexpected CONTINUATION on stream %d", fh.StreamID))
	case *DataFrame:
		return c.processDataFrame(f)
	case *RSTStreamFrame:
		if s, ok := c.getStream(f.StreamID); ok {
			s.reset(f.ErrorCode)
			c.log.Debug("Stream reset by peer", logger.LogFields{"stream_id": f.StreamID, "error_code": f.ErrorCode.String()})
		}
		return nil
	case *GoAwayFrame:
		c.log.Info("GOAWAY received from peer", logger.LogFields{
			"last_stream_id": f.LastStreamID,
			"error_code":     f.ErrorCode.String(),
		})
		c.shutdown.Begin()
		return nil
	default:
		// WINDOW_UPDATE, PRIORITY and unknown frame types are accepted and ignored.
		return nil
	}
}

func (c *Connection) processSettingsFrame(f *SettingsFrame) error {
	if f.Flags&FlagSettingsAck != 0 {
		return nil
	}
	for _, s := range f.Settings {
		switch s.ID {
		case SettingMaxFrameSize:
			if s.Value < MinAllowedFrameSize || s.Value > MaxAllowedFrameSize {
				return NewConnectionError(ErrCodeProtocolError, fmt.Sprintf("invalid SETTINGS_MAX_FRAME_SIZE %d", s.Value))
			}
			c.peerMaxFrameSize.Store(s.Value)
		case SettingInitialWindowSize:
			if s.Value > MaxStreamID {
				return NewConnectionError(ErrCodeFlowControlError, fmt.Sprintf("invalid SETTINGS_INITIAL_WINDOW_SIZE %d", s.Value))
			}
		case SettingEnablePush:
			if s.Value > 1 {
				return NewConnectionError(ErrCodeProtocolError, fmt.Sprintf("invalid SETTINGS_ENABLE_PUSH %d", s.Value))
			}
		case SettingHeaderTableSize:
			c.writeMu.Lock()
			c.hpack.SetEncoderMaxTableSize(s.Value)
			c.writeMu.Unlock()
		}
	}
	return c.WriteFrame(&SettingsFrame{FrameHeader: FrameHeader{Type: FrameSettings, Flags: FlagSettingsAck}})
}

func (c *Connection) processHeadersFrame(f *HeadersFrame) error {
	if f.StreamID%2 == 0 {
		return NewConnectionError(ErrCodeProtocolError, fmt.Sprintf("HEADERS on server-initiated stream id %d", f.StreamID))
	}
	endStream := f.Flags&FlagHeadersEndStream != 0
	if f.Flags&FlagHeadersEndHeaders != 0 {
		return c.handleIncomingCompleteHeaders(f.StreamID, f.HeaderBlockFragment, endStream)
	}
	if len(f.HeaderBlockFragment) > maxHeaderBlockSize {
		return NewConnectionError(ErrCodeEnhanceYourCalm, "request header block too large")
	}
	c.hdrStreamID = f.StreamID
	c.hdrEndStream = endStream
	c.hdrBlock = append(c.hdrBlock[:0], f.HeaderBlockFragment...)
	return nil
}

func (c *Connection) processContinuationFrame(f *ContinuationFrame) error {
	if len(c.hdrBlock)+len(f.HeaderBlockFragment) > maxHeaderBlockSize {
		return NewConnectionError(ErrCodeEnhanceYourCalm, "request header block too large")
	}
	c.hdrBlock = append(c.hdrBlock, f.HeaderBlockFragment...)
	if f.Flags&FlagContinuationEndHeaders == 0 {
		return nil
	}
	id, block, endStream := c.hdrStreamID, c.hdrBlock, c.hdrEndStream
	c.resetHeaderAssemblyState()
	return c.handleIncomingCompleteHeaders(id, block, endStream)
}

func (c *Connection) resetHeaderAssemblyState() {
	c.hdrStreamID = 0
	c.hdrEndStream = false
	c.hdrBlock = c.hdrBlock[:0]
}

// handleIncomingCompleteHeaders decodes a complete header block and either
// starts a new stream, applies trailers to an open one, or refuses it.
func (c *Connection) handleIncomingCompleteHeaders(id uint32, block []byte, endStream bool) error {
	// Decode before anything else: the HPACK table must see every block,
	// including those of refused streams.
	fields, err := c.hpack.Decode(block)
	if err != nil {
		return err
	}

	if s, ok := c.getStream(id); ok {
		if !endStream {
			return NewStreamError(id, ErrCodeProtocolError, "trailers without END_STREAM")
		}
		s.body.closeRemote()
		return nil
	}
	if id > c.highestPeerStreamID {
		c.highestPeerStreamID = id
	}

	if err := c.tracker.Register(id); err != nil {
		switch {
		case errors.Is(err, ErrStreamRefused):
			c.metrics.StreamRefused(context.Background(), "draining")
			c.log.Debug("Refusing stream after shutdown began", logger.LogFields{"stream_id": id})
		case errors.Is(err, ErrStreamIDNotIncreasing):
			c.log.Debug("Stream id not increasing", logger.LogFields{"stream_id": id, "error": err.Error()})
		}
		return err
	}
	if uint32(c.tracker.Len()) > c.cfg.MaxConcurrentStreams {
		c.tracker.Unregister(id)
		c.metrics.StreamRefused(context.Background(), "max_concurrent_streams")
		return NewStreamError(id, ErrCodeRefusedStream, "too many concurrent streams")
	}

	req, err := buildRequest(id, fields, c.remoteAddr)
	if err != nil {
		c.tracker.Unregister(id)
		return err
	}

	s := newStream(c, id)
	req = req.WithContext(s.ctx)
	req.Body = s.body
	if endStream {
		s.body.closeRemote()
		req.ContentLength = 0
		req.Body = http.NoBody
	}
	c.streamsMu.Lock()
	c.streams[id] = s
	c.streamsMu.Unlock()

	go s.run(c.handler, req)
	return nil
}

func (c *Connection) processDataFrame(f *DataFrame) error {
	flowLen := int(f.Length)
	padding := flowLen - len(f.Data)

	s, ok := c.getStream(f.StreamID)
	if !ok {
		if f.StreamID > c.highestPeerStreamID {
			return NewConnectionError(ErrCodeProtocolError, fmt.Sprintf("DATA on idle stream %d", f.StreamID))
		}
		c.sendWindowUpdateFrame(0, uint32(flowLen))
		return NewStreamError(f.StreamID, ErrCodeStreamClosed, "DATA on closed stream")
	}
	if s.body.isRemoteClosed() {
		c.sendWindowUpdateFrame(0, uint32(flowLen))
		return NewStreamError(f.StreamID, ErrCodeStreamClosed, "DATA after END_STREAM")
	}
	if padding > 0 {
		c.refundWindow(s, padding)
	}
	s.body.write(f.Data)
	if f.Flags&FlagDataEndStream != 0 {
		s.body.closeRemote()
	}
	return nil
}

// refundWindow returns n bytes of receive credit for the connection and, while
// the peer may still send on it, for the stream.
func (c *Connection) refundWindow(s *stream, n int) {
	if n <= 0 {
		return
	}
	c.sendWindowUpdateFrame(0, uint32(n))
	if !s.body.isRemoteClosed() {
		c.sendWindowUpdateFrame(s.id, uint32(n))
	}
}

func (c *Connection) sendWindowUpdateFrame(streamID, increment uint32) {
	if increment == 0 {
		return
	}
	err := c.WriteFrame(&WindowUpdateFrame{
		FrameHeader:         FrameHeader{Type: FrameWindowUpdate, StreamID: streamID},
		WindowSizeIncrement: increment,
	})
	if err != nil && !errors.Is(err, ErrConnClosed) {
		c.log.Debug("WINDOW_UPDATE write failed", logger.LogFields{"stream_id": streamID, "error": err.Error()})
	}
}

func (c *Connection) sendRSTStreamFrame(streamID uint32, code ErrorCode) {
	if err := c.WriteFrame(GenerateRSTStreamFrame(streamID, code, nil)); err != nil && !errors.Is(err, ErrConnClosed) {
		c.log.Debug("RST_STREAM write failed", logger.LogFields{"stream_id": streamID, "error": err.Error()})
	}
}

func (c *Connection) getStream(id uint32) (*stream, bool) {
	c.streamsMu.Lock()
	defer c.streamsMu.Unlock()
	s, ok := c.streams[id]
	return s, ok
}

// streamHandlerDone removes s once its handler has returned and its last frame
// has been written. Unregistering may complete a drain.
func (c *Connection) streamHandlerDone(s *stream, req *http.Request) {
	c.streamsMu.Lock()
	delete(c.streams, s.id)
	c.streamsMu.Unlock()

	c.tracker.Unregister(s.id)
	s.cancel(context.Canceled)
	s.body.fail(io.ErrClosedPipe)

	s.mu.Lock()
	status, written := s.status, s.bytesWritten
	s.mu.Unlock()
	c.log.Access(req, s.id, status, written, time.Since(s.startedAt))
}

// WriteFrame writes one frame and flushes it. It returns an error wrapping
// ErrConnClosed once the transport has been closed.
func (c *Connection) WriteFrame(f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeFrameLocked(f)
}

func (c *Connection) writeFrameLocked(f Frame) error {
	if err := c.writeFrameNoFlushLocked(f); err != nil {
		return err
	}
	return c.flushLocked()
}

func (c *Connection) writeFrameNoFlushLocked(f Frame) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	if c.cfg.WriteTimeout > 0 {
		_ = c.netConn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	if err := WriteFrame(c.bw, f); err != nil {
		return c.writeError(err)
	}
	return nil
}

func (c *Connection) flushLocked() error {
	if err := c.bw.Flush(); err != nil {
		return c.writeError(err)
	}
	return nil
}

func (c *Connection) writeError(err error) error {
	if c.closed.Load() {
		return fmt.Errorf("%w: %v", ErrConnClosed, err)
	}
	return fmt.Errorf("writing frame: %w", err)
}

// writeHeaders encodes fields and writes them as HEADERS plus CONTINUATION
// frames. Encoding and writing happen under one hold of the write lock so header
// blocks reach the wire in encoder order and are never interleaved.
func (c *Connection) writeHeaders(streamID uint32, fields []hpack.HeaderField, endStream bool) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed.Load() {
		return ErrConnClosed
	}
	block, err := c.hpack.Encode(fields)
	if err != nil {
		return err
	}

	maxChunk := int(c.peerMaxFrameSize.Load())
	first := true
	for first || len(block) > 0 {
		chunk := block
		if len(chunk) > maxChunk {
			chunk = chunk[:maxChunk]
		}
		block = block[len(chunk):]
		last := len(block) == 0

		var f Frame
		if first {
			var flags Flags
			if endStream {
				flags |= FlagHeadersEndStream
			}
			if last {
				flags |= FlagHeadersEndHeaders
			}
			f = &HeadersFrame{FrameHeader: FrameHeader{Type: FrameHeaders, Flags: flags, StreamID: streamID}, HeaderBlockFragment: chunk}
			first = false
		} else {
			var flags Flags
			if last {
				flags = FlagContinuationEndHeaders
			}
			f = &ContinuationFrame{FrameHeader: FrameHeader{Type: FrameContinuation, Flags: flags, StreamID: streamID}, HeaderBlockFragment: chunk}
		}
		if err := c.writeFrameNoFlushLocked(f); err != nil {
			return err
		}
	}
	return c.flushLocked()
}

// Close tears down the transport. A clean close flushes pending output first; a
// forced close discards it and resets the TCP connection where possible. Only
// the first call has an effect.
func (c *Connection) Close(mode CloseMode) error {
	var err error
	c.closeOnce.Do(func() {
		if mode == CloseClean {
			c.writeMu.Lock()
			_ = c.bw.Flush()
			c.closed.Store(true)
			err = c.netConn.Close()
			c.writeMu.Unlock()
		} else {
			c.closed.Store(true)
			if lc, ok := c.netConn.(interface{ SetLinger(sec int) error }); ok {
				_ = lc.SetLinger(0)
			}
			err = c.netConn.Close()
		}

		c.cancel(ErrConnClosed)
		c.streamsMu.Lock()
		for _, s := range c.streams {
			s.body.fail(ErrConnClosed)
		}
		c.streamsMu.Unlock()
		c.log.Debug("Transport closed", logger.LogFields{"mode": mode.String()})
	})
	return err
}

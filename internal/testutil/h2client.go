// Package testutil holds an HTTP/2 prior-knowledge client used by server and
// end-to-end tests. It is built on the golang.org/x/net/http2 Framer so tests
// exercise the server against an independent frame implementation.
package testutil

import (
	"bytes"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// DefaultFrameTimeout bounds every wait for a frame from the server.
const DefaultFrameTimeout = 5 * time.Second

// Frame is a copy of one frame read from the server.
type Frame struct {
	Type         http2.FrameType
	Flags        http2.Flags
	Length       uint32
	StreamID     uint32
	EndStream    bool
	Data         []byte
	Headers      []hpack.HeaderField
	ErrCode      http2.ErrCode
	LastStreamID uint32
	Increment    uint32
	Ack          bool
}

// Header returns the value of the first header field called name.
func (f Frame) Header(name string) string {
	for _, hf := range f.Headers {
		if hf.Name == name {
			return hf.Value
		}
	}
	return ""
}

// Response is a collected stream response.
type Response struct {
	StreamID uint32
	Status   string
	Headers  []hpack.HeaderField
	Body     []byte
	// Reset is set when the stream ended with RST_STREAM instead of END_STREAM.
	Reset   bool
	ErrCode http2.ErrCode
}

// H2Client is a minimal HTTP/2 client. Frames are read by a background goroutine
// and handed out in order by Next; frames skipped by ReadResponse are kept and
// returned by later calls.
type H2Client struct {
	t       testing.TB
	conn    net.Conn
	fr      *http2.Framer
	wmu     sync.Mutex
	enc     *hpack.Encoder
	encBuf  bytes.Buffer
	frames  chan Frame
	pending []Frame
	Timeout time.Duration
}

// DialH2 connects to addr over TCP and performs the connection handshake.
func DialH2(t testing.TB, addr string) *H2Client {
	t.Helper()
	nc, err := net.DialTimeout("tcp", addr, DefaultFrameTimeout)
	require.NoError(t, err, "dialing %s", addr)
	c := NewH2Client(t, nc)
	c.Handshake()
	return c
}

// NewH2Client wraps an established transport. The transport is closed at test cleanup.
func NewH2Client(t testing.TB, nc net.Conn) *H2Client {
	c := &H2Client{t: t, conn: nc, frames: make(chan Frame, 128), Timeout: DefaultFrameTimeout}
	c.fr = http2.NewFramer(nc, nc)
	c.fr.ReadMetaHeaders = hpack.NewDecoder(4096, nil)
	c.enc = hpack.NewEncoder(&c.encBuf)
	go c.readLoop()
	t.Cleanup(func() { _ = nc.Close() })
	return c
}

func (c *H2Client) readLoop() {
	defer close(c.frames)
	for {
		f, err := c.fr.ReadFrame()
		if err != nil {
			return
		}
		fh := f.Header()
		rf := Frame{Type: fh.Type, Flags: fh.Flags, Length: fh.Length, StreamID: fh.StreamID}
		switch f := f.(type) {
		case *http2.MetaHeadersFrame:
			rf.EndStream = f.StreamEnded()
			rf.Headers = append([]hpack.HeaderField(nil), f.Fields...)
		case *http2.DataFrame:
			rf.EndStream = f.StreamEnded()
			rf.Data = append([]byte(nil), f.Data()...)
		case *http2.RSTStreamFrame:
			rf.ErrCode = f.ErrCode
		case *http2.GoAwayFrame:
			rf.ErrCode = f.ErrCode
			rf.LastStreamID = f.LastStreamID
			rf.Data = append([]byte(nil), f.DebugData()...)
		case *http2.WindowUpdateFrame:
			rf.Increment = f.Increment
		case *http2.SettingsFrame:
			rf.Ack = f.IsAck()
		case *http2.PingFrame:
			rf.Ack = f.IsAck()
			rf.Data = append([]byte(nil), f.Data[:]...)
		}
		c.frames <- rf
	}
}

// Conn returns the underlying transport.
func (c *H2Client) Conn() net.Conn { return c.conn }

// Handshake sends the client preface and SETTINGS, then consumes the server's
// SETTINGS and the ACK of ours.
func (c *H2Client) Handshake() {
	c.t.Helper()
	c.write(func() error {
		if _, err := c.conn.Write([]byte(http2.ClientPreface)); err != nil {
			return err
		}
		return c.fr.WriteSettings()
	})
	settings := c.Expect(http2.FrameSettings)
	require.False(c.t, settings.Ack, "first server frame must be its SETTINGS")
	ack := c.Expect(http2.FrameSettings)
	require.True(c.t, ack.Ack, "expected SETTINGS ACK")
}

func (c *H2Client) write(fn func() error) {
	c.t.Helper()
	c.wmu.Lock()
	defer c.wmu.Unlock()
	require.NoError(c.t, fn())
}

// SendRequest opens streamID with a request for path on host example.test.
func (c *H2Client) SendRequest(streamID uint32, method, path string, endStream bool, extra ...hpack.HeaderField) {
	c.t.Helper()
	c.write(func() error {
		c.encBuf.Reset()
		fields := append([]hpack.HeaderField{
			{Name: ":method", Value: method},
			{Name: ":scheme", Value: "http"},
			{Name: ":authority", Value: "example.test"},
			{Name: ":path", Value: path},
		}, extra...)
		for _, hf := range fields {
			if err := c.enc.WriteField(hf); err != nil {
				return err
			}
		}
		return c.fr.WriteHeaders(http2.HeadersFrameParam{
			StreamID:      streamID,
			BlockFragment: c.encBuf.Bytes(),
			EndStream:     endStream,
			EndHeaders:    true,
		})
	})
}

// SendData writes a DATA frame.
func (c *H2Client) SendData(streamID uint32, data []byte, endStream bool) {
	c.t.Helper()
	c.write(func() error { return c.fr.WriteData(streamID, endStream, data) })
}

// SendPing writes a PING frame.
func (c *H2Client) SendPing(data [8]byte) {
	c.t.Helper()
	c.write(func() error { return c.fr.WritePing(false, data) })
}

// SendGoAway writes a GOAWAY frame with no debug data.
func (c *H2Client) SendGoAway(lastStreamID uint32, code http2.ErrCode) {
	c.t.Helper()
	c.write(func() error { return c.fr.WriteGoAway(lastStreamID, code, nil) })
}

// SendRSTStream writes a RST_STREAM frame.
func (c *H2Client) SendRSTStream(streamID uint32, code http2.ErrCode) {
	c.t.Helper()
	c.write(func() error { return c.fr.WriteRSTStream(streamID, code) })
}

// Next returns the next frame, or ok=false once the server closed the transport.
func (c *H2Client) Next() (Frame, bool) {
	c.t.Helper()
	if len(c.pending) > 0 {
		f := c.pending[0]
		c.pending = c.pending[1:]
		return f, true
	}
	select {
	case f, ok := <-c.frames:
		return f, ok
	case <-time.After(c.Timeout):
		c.t.Fatalf("timed out after %v waiting for a frame from the server", c.Timeout)
		return Frame{}, false
	}
}

// Expect skips WINDOW_UPDATE frames and returns the next frame, which must be of type want.
func (c *H2Client) Expect(want http2.FrameType) Frame {
	c.t.Helper()
	for {
		f, ok := c.Next()
		require.True(c.t, ok, "connection closed while waiting for %s", want)
		if f.Type == http2.FrameWindowUpdate && want != http2.FrameWindowUpdate {
			continue
		}
		require.Equal(c.t, want, f.Type, "unexpected frame %+v", f)
		return f
	}
}

// ExpectGoAway returns the next GOAWAY frame, keeping any other frames for later.
func (c *H2Client) ExpectGoAway() Frame {
	c.t.Helper()
	var skipped []Frame
	defer func() { c.pending = append(skipped, c.pending...) }()
	for {
		f, ok := c.Next()
		require.True(c.t, ok, "connection closed while waiting for GOAWAY")
		if f.Type == http2.FrameGoAway {
			return f
		}
		if f.Type != http2.FrameWindowUpdate {
			skipped = append(skipped, f)
		}
	}
}

// ReadResponse collects the response on streamID until END_STREAM or RST_STREAM.
// Frames for other streams are kept for later calls.
func (c *H2Client) ReadResponse(streamID uint32) Response {
	c.t.Helper()
	resp := Response{StreamID: streamID}
	var skipped []Frame
	defer func() { c.pending = append(skipped, c.pending...) }()
	for {
		f, ok := c.Next()
		require.True(c.t, ok, "connection closed before stream %d finished", streamID)
		if f.StreamID != streamID || f.Type == http2.FrameWindowUpdate {
			if f.Type != http2.FrameWindowUpdate {
				skipped = append(skipped, f)
			}
			continue
		}
		switch f.Type {
		case http2.FrameHeaders:
			if resp.Status == "" {
				resp.Status = f.Header(":status")
			}
			resp.Headers = append(resp.Headers, f.Headers...)
		case http2.FrameData:
			resp.Body = append(resp.Body, f.Data...)
		case http2.FrameRSTStream:
			resp.Reset = true
			resp.ErrCode = f.ErrCode
			return resp
		}
		if f.EndStream {
			return resp
		}
	}
}

// ExpectClosed reads until the server closes the transport and returns every
// frame seen on the way, including any kept from earlier calls.
func (c *H2Client) ExpectClosed() []Frame {
	c.t.Helper()
	var seen []Frame
	for {
		f, ok := c.Next()
		if !ok {
			return seen
		}
		seen = append(seen, f)
	}
}

// Close closes the transport.
func (c *H2Client) Close() error { return c.conn.Close() }

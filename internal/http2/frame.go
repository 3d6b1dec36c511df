package http2

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// FrameType represents an HTTP/2 frame type.
type FrameType uint8

const (
	// FrameData is for DATA frames (0x0).
	FrameData FrameType = 0x0
	// FrameHeaders is for HEADERS frames (0x1).
	FrameHeaders FrameType = 0x1
	// FramePriority is for PRIORITY frames (0x2).
	FramePriority FrameType = 0x2
	// FrameRSTStream is for RST_STREAM frames (0x3).
	FrameRSTStream FrameType = 0x3
	// FrameSettings is for SETTINGS frames (0x4).
	FrameSettings FrameType = 0x4
	// FramePushPromise is for PUSH_PROMISE frames (0x5).
	FramePushPromise FrameType = 0x5
	// FramePing is for PING frames (0x6).
	FramePing FrameType = 0x6
	// FrameGoAway is for GOAWAY frames (0x7).
	FrameGoAway FrameType = 0x7
	// FrameWindowUpdate is for WINDOW_UPDATE frames (0x8).
	FrameWindowUpdate FrameType = 0x8
	// FrameContinuation is for CONTINUATION frames (0x9).
	FrameContinuation FrameType = 0x9
)

// String returns the string representation of the FrameType.
func (t FrameType) String() string {
	switch t {
	case FrameData:
		return "DATA"
	case FrameHeaders:
		return "HEADERS"
	case FramePriority:
		return "PRIORITY"
	case FrameRSTStream:
		return "RST_STREAM"
	case FrameSettings:
		return "SETTINGS"
	case FramePushPromise:
		return "PUSH_PROMISE"
	case FramePing:
		return "PING"
	case FrameGoAway:
		return "GOAWAY"
	case FrameWindowUpdate:
		return "WINDOW_UPDATE"
	case FrameContinuation:
		return "CONTINUATION"
	default:
		return fmt.Sprintf("UNKNOWN_FRAME_TYPE_%d", uint8(t))
	}
}

// Flags represents flags for an HTTP/2 frame.
type Flags uint8

// Frame header flags
const (
	// FlagDataEndStream indicates that this DATA frame is the last from the sender.
	FlagDataEndStream Flags = 0x1
	// FlagDataPadded indicates that this DATA frame is padded.
	FlagDataPadded Flags = 0x8

	// FlagHeadersEndStream indicates that this HEADERS frame is the last from the sender.
	FlagHeadersEndStream Flags = 0x1
	// FlagHeadersEndHeaders indicates that this HEADERS frame contains an entire block of header fields.
	FlagHeadersEndHeaders Flags = 0x4
	// FlagHeadersPadded indicates that this HEADERS frame is padded.
	FlagHeadersPadded Flags = 0x8
	// FlagHeadersPriority indicates that this HEADERS frame includes priority information.
	FlagHeadersPriority Flags = 0x20

	// FlagSettingsAck acknowledges the peer's SETTINGS frame.
	FlagSettingsAck Flags = 0x1

	// FlagPingAck indicates that this PING frame is an acknowledgment.
	FlagPingAck Flags = 0x1

	// FlagContinuationEndHeaders indicates that this CONTINUATION frame contains the end of a header block.
	FlagContinuationEndHeaders Flags = 0x4
)

// SettingID represents a SETTINGS parameter identifier.
type SettingID uint16

// SETTINGS parameters from RFC 7540 Section 6.5.2.
const (
	SettingHeaderTableSize      SettingID = 0x1
	SettingEnablePush           SettingID = 0x2
	SettingMaxConcurrentStreams SettingID = 0x3
	SettingInitialWindowSize    SettingID = 0x4
	SettingMaxFrameSize         SettingID = 0x5
	SettingMaxHeaderListSize    SettingID = 0x6
)

// String returns the string representation of the SettingID.
func (s SettingID) String() string {
	switch s {
	case SettingHeaderTableSize:
		return "SETTINGS_HEADER_TABLE_SIZE"
	case SettingEnablePush:
		return "SETTINGS_ENABLE_PUSH"
	case SettingMaxConcurrentStreams:
		return "SETTINGS_MAX_CONCURRENT_STREAMS"
	case SettingInitialWindowSize:
		return "SETTINGS_INITIAL_WINDOW_SIZE"
	case SettingMaxFrameSize:
		return "SETTINGS_MAX_FRAME_SIZE"
	case SettingMaxHeaderListSize:
		return "SETTINGS_MAX_HEADER_LIST_SIZE"
	default:
		return fmt.Sprintf("UNKNOWN_SETTING_ID_%d", uint16(s))
	}
}

const (
	// DefaultMaxFrameSize is the SETTINGS_MAX_FRAME_SIZE every endpoint starts with.
	DefaultMaxFrameSize uint32 = 16384
	MaxAllowedFrameSize uint32 = (1 << 24) - 1
	MinAllowedFrameSize uint32 = 16384

	// FrameHeaderLen is the length of the HTTP/2 frame header.
	FrameHeaderLen = 9

	// DefaultInitialWindowSize is the default initial window size for flow control.
	DefaultInitialWindowSize uint32 = 65535

	// MaxStreamID is the largest 31-bit stream identifier.
	MaxStreamID uint32 = 1<<31 - 1

	streamIDMask = 0x7FFFFFFF
)

// FrameHeader represents the 9-octet header common to all frames.
type FrameHeader struct {
	Length   uint32    // 24 bits
	Type     FrameType // 8 bits
	Flags    Flags     // 8 bits
	StreamID uint32    // 31 bits (R is 1 bit, masked out)
}

// parseFrameHeader decodes the first FrameHeaderLen bytes of b.
func parseFrameHeader(b []byte) FrameHeader {
	return FrameHeader{
		Length:   uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2]),
		Type:     FrameType(b[3]),
		Flags:    Flags(b[4]),
		StreamID: binary.BigEndian.Uint32(b[5:9]) & streamIDMask,
	}
}

// appendFrameHeader appends the 9-octet encoding of fh to dst with the R bit cleared.
func appendFrameHeader(dst []byte, fh FrameHeader) []byte {
	dst = append(dst, byte(fh.Length>>16), byte(fh.Length>>8), byte(fh.Length), byte(fh.Type), byte(fh.Flags))
	return binary.BigEndian.AppendUint32(dst, fh.StreamID&streamIDMask)
}

// ReadFrameHeader reads a frame header from r.
func ReadFrameHeader(r io.Reader) (FrameHeader, error) {
	var raw [FrameHeaderLen]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		return FrameHeader{}, err
	}
	return parseFrameHeader(raw[:]), nil
}

// WriteTo serializes the frame header to w.
func (fh *FrameHeader) WriteTo(w io.Writer) (int64, error) {
	buf := appendFrameHeader(make([]byte, 0, FrameHeaderLen), *fh)
	n, err := w.Write(buf)
	return int64(n), err
}

// Frame is the interface for all HTTP/2 frames.
type Frame interface {
	Header() *FrameHeader
	ParsePayload(r io.Reader, header FrameHeader) error
	WritePayload(w io.Writer) (int64, error)
	PayloadLen() uint32
}

// readPadded reads the whole payload and splits it into a fixed prefix of prefixLen
// bytes and the body, stripping the pad-length octet and padding when padded is set.
func readPadded(r io.Reader, header FrameHeader, padded bool, prefixLen uint32) (prefix, body []byte, err error) {
	payload := make([]byte, header.Length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, nil, fmt.Errorf("reading %s payload: %w", header.Type, err)
	}
	if !padded {
		if uint32(len(payload)) < prefixLen {
			return nil, nil, NewConnectionError(ErrCodeFrameSizeError,
				fmt.Sprintf("%s payload of %d bytes too short", header.Type, len(payload)))
		}
		return payload[:prefixLen], payload[prefixLen:], nil
	}
	if len(payload) == 0 {
		return nil, nil, NewConnectionError(ErrCodeFrameSizeError,
			fmt.Sprintf("padded %s frame on stream %d has no pad length", header.Type, header.StreamID))
	}
	padLen := uint32(payload[0])
	rest := payload[1:]
	if padLen+prefixLen > uint32(len(rest)) {
		return nil, nil, NewConnectionError(ErrCodeProtocolError,
			fmt.Sprintf("%s frame on stream %d: pad length %d exceeds payload", header.Type, header.StreamID, padLen))
	}
	return rest[:prefixLen], rest[prefixLen : uint32(len(rest))-padLen], nil
}

// DataFrame represents an HTTP/2 DATA frame.
// RFC 7540, Section 6.1. Padding is stripped on read and never written.
type DataFrame struct {
	FrameHeader
	Data []byte
}

func (f *DataFrame) Header() *FrameHeader { return &f.FrameHeader }

func (f *DataFrame) ParsePayload(r io.Reader, header FrameHeader) error {
	f.FrameHeader = header
	if header.StreamID == 0 {
		return NewConnectionError(ErrCodeProtocolError, "received DATA on stream 0")
	}
	_, body, err := readPadded(r, header, header.Flags&FlagDataPadded != 0, 0)
	if err != nil {
		return err
	}
	f.Data = body
	return nil
}

func (f *DataFrame) WritePayload(w io.Writer) (int64, error) {
	n, err := w.Write(f.Data)
	return int64(n), err
}

func (f *DataFrame) PayloadLen() uint32 { return uint32(len(f.Data)) }

// HeadersFrame represents an HTTP/2 HEADERS frame.
// RFC 7540, Section 6.2. Priority fields are read and discarded.
type HeadersFrame struct {
	FrameHeader
	HeaderBlockFragment []byte
}

func (f *HeadersFrame) Header() *FrameHeader { return &f.FrameHeader }

func (f *HeadersFrame) ParsePayload(r io.Reader, header FrameHeader) error {
	f.FrameHeader = header
	if header.StreamID == 0 {
		return NewConnectionError(ErrCodeProtocolError, "received HEADERS on stream 0")
	}
	var prefixLen uint32
	if header.Flags&FlagHeadersPriority != 0 {
		prefixLen = 5
	}
	_, body, err := readPadded(r, header, header.Flags&FlagHeadersPadded != 0, prefixLen)
	if err != nil {
		return err
	}
	f.HeaderBlockFragment = body
	return nil
}

func (f *HeadersFrame) WritePayload(w io.Writer) (int64, error) {
	n, err := w.Write(f.HeaderBlockFragment)
	return int64(n), err
}

func (f *HeadersFrame) PayloadLen() uint32 { return uint32(len(f.HeaderBlockFragment)) }

// RSTStreamFrame represents an HTTP/2 RST_STREAM frame.
// RFC 7540, Section 6.4
type RSTStreamFrame struct {
	FrameHeader
	ErrorCode ErrorCode
}

func (f *RSTStreamFrame) Header() *FrameHeader { return &f.FrameHeader }

func (f *RSTStreamFrame) ParsePayload(r io.Reader, header FrameHeader) error {
	f.FrameHeader = header
	if header.StreamID == 0 {
		return NewConnectionError(ErrCodeProtocolError, "received RST_STREAM on stream 0")
	}
	if f.Length != 4 {
		return NewConnectionError(ErrCodeFrameSizeError, fmt.Sprintf("RST_STREAM frame payload must be 4 bytes, got %d", f.Length))
	}
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return fmt.Errorf("reading RST_STREAM error code: %w", err)
	}
	f.ErrorCode = ErrorCode(binary.BigEndian.Uint32(buf[:]))
	return nil
}

func (f *RSTStreamFrame) WritePayload(w io.Writer) (int64, error) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(f.ErrorCode))
	n, err := w.Write(buf[:])
	return int64(n), err
}

func (f *RSTStreamFrame) PayloadLen() uint32 { return 4 }

// Setting represents a single setting in a SETTINGS frame.
type Setting struct {
	ID    SettingID
	Value uint32
}

const settingEntrySize = 6 // 2 bytes for ID, 4 bytes for Value

// SettingsFrame represents an HTTP/2 SETTINGS frame.
// RFC 7540, Section 6.5
type SettingsFrame struct {
	FrameHeader
	Settings []Setting
}

func (f *SettingsFrame) Header() *FrameHeader { return &f.FrameHeader }

func (f *SettingsFrame) ParsePayload(r io.Reader, header FrameHeader) error {
	f.FrameHeader = header
	if header.StreamID != 0 {
		return NewConnectionError(ErrCodeProtocolError, fmt.Sprintf("SETTINGS frame on stream %d", header.StreamID))
	}
	if f.Flags&FlagSettingsAck != 0 && f.Length != 0 {
		return NewConnectionError(ErrCodeFrameSizeError, fmt.Sprintf("SETTINGS ACK frame must have a payload length of 0, got %d", f.Length))
	}
	if f.Length%settingEntrySize != 0 {
		return NewConnectionError(ErrCodeFrameSizeError, fmt.Sprintf("SETTINGS frame payload length %d is not a multiple of %d", f.Length, settingEntrySize))
	}
	buf := make([]byte, f.Length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("reading SETTINGS payload: %w", err)
	}
	f.Settings = make([]Setting, 0, len(buf)/settingEntrySize)
	for off := 0; off < len(buf); off += settingEntrySize {
		f.Settings = append(f.Settings, Setting{
			ID:    SettingID(binary.BigEndian.Uint16(buf[off : off+2])),
			Value: binary.BigEndian.Uint32(buf[off+2 : off+6]),
		})
	}
	return nil
}

func (f *SettingsFrame) WritePayload(w io.Writer) (int64, error) {
	if f.Flags&FlagSettingsAck != 0 {
		return 0, nil
	}
	buf := make([]byte, 0, len(f.Settings)*settingEntrySize)
	for _, s := range f.Settings {
		buf = binary.BigEndian.AppendUint16(buf, uint16(s.ID))
		buf = binary.BigEndian.AppendUint32(buf, s.Value)
	}
	n, err := w.Write(buf)
	return int64(n), err
}

func (f *SettingsFrame) PayloadLen() uint32 {
	if f.Flags&FlagSettingsAck != 0 {
		return 0
	}
	return uint32(len(f.Settings) * settingEntrySize)
}

// PingFrame represents an HTTP/2 PING frame.
// RFC 7540, Section 6.7
type PingFrame struct {
	FrameHeader
	OpaqueData [8]byte
}

func (f *PingFrame) Header() *FrameHeader { return &f.FrameHeader }

func (f *PingFrame) ParsePayload(r io.Reader, header FrameHeader) error {
	f.FrameHeader = header
	if header.StreamID != 0 {
		return NewConnectionError(ErrCodeProtocolError, fmt.Sprintf("PING frame on stream %d", header.StreamID))
	}
	if f.Length != 8 {
		return NewConnectionError(ErrCodeFrameSizeError, fmt.Sprintf("PING frame payload must be 8 bytes, got %d", f.Length))
	}
	if _, err := io.ReadFull(r, f.OpaqueData[:]); err != nil {
		return fmt.Errorf("reading PING opaque data: %w", err)
	}
	return nil
}

func (f *PingFrame) WritePayload(w io.Writer) (int64, error) {
	n, err := w.Write(f.OpaqueData[:])
	return int64(n), err
}

func (f *PingFrame) PayloadLen() uint32 { return 8 }

// WindowUpdateFrame represents an HTTP/2 WINDOW_UPDATE frame.
// RFC 7540, Section 6.9
type WindowUpdateFrame struct {
	FrameHeader
	WindowSizeIncrement uint32 // 31 bits (R is 1 bit)
}

func (f *WindowUpdateFrame) Header() *FrameHeader { return &f.FrameHeader }

func (f *WindowUpdateFrame) ParsePayload(r io.Reader, header FrameHeader) error {
	f.FrameHeader = header
	if f.Length != 4 {
		return NewConnectionError(ErrCodeFrameSizeError, fmt.Sprintf("WINDOW_UPDATE frame payload must be 4 bytes, got %d", f.Length))
	}
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return fmt.Errorf("reading WINDOW_UPDATE increment: %w", err)
	}
	f.WindowSizeIncrement = binary.BigEndian.Uint32(buf[:]) & streamIDMask
	return nil
}

func (f *WindowUpdateFrame) WritePayload(w io.Writer) (int64, error) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], f.WindowSizeIncrement&streamIDMask)
	n, err := w.Write(buf[:])
	return int64(n), err
}

func (f *WindowUpdateFrame) PayloadLen() uint32 { return 4 }

// ContinuationFrame represents an HTTP/2 CONTINUATION frame.
// RFC 7540, Section 6.10
type ContinuationFrame struct {
	FrameHeader
	HeaderBlockFragment []byte
}

func (f *ContinuationFrame) Header() *FrameHeader { return &f.FrameHeader }

func (f *ContinuationFrame) ParsePayload(r io.Reader, header FrameHeader) error {
	f.FrameHeader = header
	if header.StreamID == 0 {
		return NewConnectionError(ErrCodeProtocolError, "received CONTINUATION on stream 0")
	}
	f.HeaderBlockFragment = make([]byte, f.Length)
	if _, err := io.ReadFull(r, f.HeaderBlockFragment); err != nil {
		return fmt.Errorf("reading CONTINUATION header block fragment: %w", err)
	}
	return nil
}

func (f *ContinuationFrame) WritePayload(w io.Writer) (int64, error) {
	n, err := w.Write(f.HeaderBlockFragment)
	return int64(n), err
}

func (f *ContinuationFrame) PayloadLen() uint32 { return uint32(len(f.HeaderBlockFragment)) }

// UnknownFrame holds a frame this server reads but does not act on
// (PRIORITY, PUSH_PROMISE and extension types). The payload is kept opaque.
type UnknownFrame struct {
	FrameHeader
	Payload []byte
}

func (f *UnknownFrame) Header() *FrameHeader { return &f.FrameHeader }

func (f *UnknownFrame) ParsePayload(r io.Reader, header FrameHeader) error {
	f.FrameHeader = header
	f.Payload = make([]byte, f.Length)
	if _, err := io.ReadFull(r, f.Payload); err != nil {
		return fmt.Errorf("reading %s payload: %w", header.Type, err)
	}
	return nil
}

func (f *UnknownFrame) WritePayload(w io.Writer) (int64, error) {
	n, err := w.Write(f.Payload)
	return int64(n), err
}

func (f *UnknownFrame) PayloadLen() uint32 { return uint32(len(f.Payload)) }

// ReadFrame reads one full frame from r. Frames whose declared length exceeds
// maxFrameSize are rejected with FRAME_SIZE_ERROR before any payload is read.
// A truncated header is returned as the underlying read error (io.EOF or
// io.ErrUnexpectedEOF); a truncated payload is wrapped with the frame type.
func ReadFrame(r io.Reader, maxFrameSize uint32) (Frame, error) {
	fh, err := ReadFrameHeader(r)
	if err != nil {
		return nil, err
	}
	if fh.Length > maxFrameSize {
		return nil, NewConnectionError(ErrCodeFrameSizeError,
			fmt.Sprintf("%s frame length %d exceeds maximum %d", fh.Type, fh.Length, maxFrameSize))
	}

	var frame Frame
	switch fh.Type {
	case FrameData:
		frame = &DataFrame{}
	case FrameHeaders:
		frame = &HeadersFrame{}
	case FrameRSTStream:
		frame = &RSTStreamFrame{}
	case FrameSettings:
		frame = &SettingsFrame{}
	case FramePing:
		frame = &PingFrame{}
	case FrameGoAway:
		frame = &GoAwayFrame{}
	case FrameWindowUpdate:
		frame = &WindowUpdateFrame{}
	case FrameContinuation:
		frame = &ContinuationFrame{}
	default:
		frame = &UnknownFrame{}
	}

	if err := frame.ParsePayload(r, fh); err != nil {
		var ce *ConnectionError
		var se *StreamError
		if errors.As(err, &ce) || errors.As(err, &se) {
			return nil, err
		}
		return nil, fmt.Errorf("parsing %s payload: %w", fh.Type, err)
	}
	return frame, nil
}

// WriteFrame writes a full frame to w. The header length is taken from PayloadLen.
func WriteFrame(w io.Writer, f Frame) error {
	header := f.Header()
	header.Length = f.PayloadLen()

	if _, err := header.WriteTo(w); err != nil {
		return fmt.Errorf("writing frame header for %s (length %d): %w", header.Type, header.Length, err)
	}
	written, err := f.WritePayload(w)
	if err != nil {
		return fmt.Errorf("writing %s payload (declared length %d): %w", header.Type, header.Length, err)
	}
	if uint32(written) != header.Length {
		return fmt.Errorf("internal: %s payload length mismatch: declared %d, wrote %d", header.Type, header.Length, written)
	}
	return nil
}

package http2

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	// GoAwayPayloadLen is the only payload length this server sends or accepts:
	// last stream id plus error code, no debug data.
	GoAwayPayloadLen = 8
	// GoAwayFrameLen is the full encoded size of a GOAWAY frame.
	GoAwayFrameLen = FrameHeaderLen + GoAwayPayloadLen
)

// GoAwayFrame represents an HTTP/2 GOAWAY frame (RFC 7540, Section 6.8).
// It applies to the whole connection, so its header stream id is always 0.
type GoAwayFrame struct {
	FrameHeader
	LastStreamID uint32 // 31 bits (R is 1 bit)
	ErrorCode    ErrorCode
}

// NewGoAwayFrame builds a GOAWAY frame with a fully initialized header.
func NewGoAwayFrame(lastStreamID uint32, code ErrorCode) *GoAwayFrame {
	return &GoAwayFrame{
		FrameHeader:  FrameHeader{Length: GoAwayPayloadLen, Type: FrameGoAway},
		LastStreamID: lastStreamID & streamIDMask,
		ErrorCode:    code,
	}
}

func (f *GoAwayFrame) Header() *FrameHeader { return &f.FrameHeader }

// ParsePayload applies the same rules as DecodeGoAway to a frame read from a stream.
func (f *GoAwayFrame) ParsePayload(r io.Reader, header FrameHeader) error {
	f.FrameHeader = header
	if err := validateGoAwayHeader(header); err != nil {
		return err
	}
	var payload [GoAwayPayloadLen]byte
	if _, err := io.ReadFull(r, payload[:]); err != nil {
		return fmt.Errorf("reading GOAWAY payload: %w", err)
	}
	f.LastStreamID, f.ErrorCode = parseGoAwayPayload(payload[:])
	return nil
}

func (f *GoAwayFrame) WritePayload(w io.Writer) (int64, error) {
	n, err := w.Write(appendGoAwayPayload(make([]byte, 0, GoAwayPayloadLen), f.LastStreamID, f.ErrorCode))
	return int64(n), err
}

func (f *GoAwayFrame) PayloadLen() uint32 { return GoAwayPayloadLen }

func (f *GoAwayFrame) String() string {
	return fmt.Sprintf("GOAWAY last_stream_id=%d error_code=%s", f.LastStreamID, f.ErrorCode)
}

// EncodeGoAway returns the 17-byte wire encoding of f. Only LastStreamID and
// ErrorCode are taken from f; length, type, flags and stream id are fixed.
func EncodeGoAway(f *GoAwayFrame) []byte {
	return AppendGoAway(make([]byte, 0, GoAwayFrameLen), f)
}

// AppendGoAway appends the wire encoding of f to dst and returns the extended slice.
func AppendGoAway(dst []byte, f *GoAwayFrame) []byte {
	dst = appendFrameHeader(dst, FrameHeader{Length: GoAwayPayloadLen, Type: FrameGoAway})
	return appendGoAwayPayload(dst, f.LastStreamID, f.ErrorCode)
}

// DecodeGoAway decodes one GOAWAY frame from the front of b.
//
// When b is too short to decide, it returns ErrNeedMoreData and need reports how
// many more bytes are required before the next attempt can make progress. Once
// the 9-byte header is available it is validated before the payload is awaited,
// so a bad header fails immediately with a *ConnectionError: FRAME_SIZE_ERROR
// for a length other than 8, PROTOCOL_ERROR for a wrong type or non-zero
// stream id. On success consumed is GoAwayFrameLen; bytes after it belong to
// later frames and are left alone.
func DecodeGoAway(b []byte) (f *GoAwayFrame, consumed int, need int, err error) {
	if len(b) < FrameHeaderLen {
		return nil, 0, FrameHeaderLen - len(b), ErrNeedMoreData
	}
	header := parseFrameHeader(b)
	if header.Type != FrameGoAway {
		return nil, 0, 0, NewConnectionError(ErrCodeProtocolError,
			fmt.Sprintf("expected GOAWAY frame, got %s", header.Type))
	}
	if err := validateGoAwayHeader(header); err != nil {
		return nil, 0, 0, err
	}
	if len(b) < GoAwayFrameLen {
		return nil, 0, GoAwayFrameLen - len(b), ErrNeedMoreData
	}
	f = &GoAwayFrame{FrameHeader: header}
	f.LastStreamID, f.ErrorCode = parseGoAwayPayload(b[FrameHeaderLen:GoAwayFrameLen])
	return f, GoAwayFrameLen, 0, nil
}

func validateGoAwayHeader(header FrameHeader) error {
	if header.Length != GoAwayPayloadLen {
		return NewConnectionError(ErrCodeFrameSizeError,
			fmt.Sprintf("GOAWAY frame payload must be %d bytes, got %d", GoAwayPayloadLen, header.Length))
	}
	if header.StreamID != 0 {
		return NewConnectionError(ErrCodeProtocolError,
			fmt.Sprintf("GOAWAY frame on stream %d", header.StreamID))
	}
	return nil
}

func parseGoAwayPayload(p []byte) (uint32, ErrorCode) {
	return binary.BigEndian.Uint32(p[0:4]) & streamIDMask, ErrorCode(binary.BigEndian.Uint32(p[4:8]))
}

func appendGoAwayPayload(dst []byte, lastStreamID uint32, code ErrorCode) []byte {
	dst = binary.BigEndian.AppendUint32(dst, lastStreamID&streamIDMask)
	return binary.BigEndian.AppendUint32(dst, uint32(code))
}

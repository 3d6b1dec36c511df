package http2

import (
	"bytes"
	"fmt"

	"golang.org/x/net/http2/hpack"
)

// DefaultHeaderTableSize is the HPACK dynamic table size both directions start with.
const DefaultHeaderTableSize uint32 = 4096

// HpackAdapter pairs one hpack.Encoder and one hpack.Decoder for a connection.
//
// The encoder's dynamic table changes with every block it emits, so blocks must
// reach the wire in the order they were encoded. Connection calls Encode only
// while holding its write lock. Decode is only called from the reader goroutine.
type HpackAdapter struct {
	encoder   *hpack.Encoder
	encodeBuf bytes.Buffer
	decoder   *hpack.Decoder
}

// NewHpackAdapter creates an adapter whose tables start at tableSize bytes.
func NewHpackAdapter(tableSize uint32) *HpackAdapter {
	h := &HpackAdapter{}
	h.encoder = hpack.NewEncoder(&h.encodeBuf)
	h.encoder.SetMaxDynamicTableSize(tableSize)
	h.decoder = hpack.NewDecoder(tableSize, nil)
	return h
}

// SetEncoderMaxTableSize applies the peer's SETTINGS_HEADER_TABLE_SIZE.
func (h *HpackAdapter) SetEncoderMaxTableSize(n uint32) {
	h.encoder.SetMaxDynamicTableSizeLimit(n)
}

// Encode returns the HPACK encoding of fields. The returned slice is a copy.
func (h *HpackAdapter) Encode(fields []hpack.HeaderField) ([]byte, error) {
	h.encodeBuf.Reset()
	for _, f := range fields {
		if err := h.encoder.WriteField(f); err != nil {
			return nil, fmt.Errorf("hpack: encoding %q: %w", f.Name, err)
		}
	}
	return bytes.Clone(h.encodeBuf.Bytes()), nil
}

// Decode decodes one complete header block (HEADERS plus any CONTINUATION fragments).
// Any error leaves the decoder's table unusable and must be treated as a
// connection error of type COMPRESSION_ERROR.
func (h *HpackAdapter) Decode(block []byte) ([]hpack.HeaderField, error) {
	fields, err := h.decoder.DecodeFull(block)
	if err != nil {
		return nil, NewConnectionErrorWithCause(ErrCodeCompressionError, "decoding header block", err)
	}
	return fields, nil
}

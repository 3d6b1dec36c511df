package http2

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorCode_String(t *testing.T) {
	tests := []struct {
		name string
		e    ErrorCode
		want string
	}{
		{"NoError", ErrCodeNoError, "NO_ERROR"},
		{"ProtocolError", ErrCodeProtocolError, "PROTOCOL_ERROR"},
		{"InternalError", ErrCodeInternalError, "INTERNAL_ERROR"},
		{"FlowControlError", ErrCodeFlowControlError, "FLOW_CONTROL_ERROR"},
		{"SettingsTimeout", ErrCodeSettingsTimeout, "SETTINGS_TIMEOUT"},
		{"StreamClosed", ErrCodeStreamClosed, "STREAM_CLOSED"},
		{"FrameSizeError", ErrCodeFrameSizeError, "FRAME_SIZE_ERROR"},
		{"RefusedStream", ErrCodeRefusedStream, "REFUSED_STREAM"},
		{"Cancel", ErrCodeCancel, "CANCEL"},
		{"CompressionError", ErrCodeCompressionError, "COMPRESSION_ERROR"},
		{"ConnectError", ErrCodeConnectError, "CONNECT_ERROR"},
		{"EnhanceYourCalm", ErrCodeEnhanceYourCalm, "ENHANCE_YOUR_CALM"},
		{"InadequateSecurity", ErrCodeInadequateSecurity, "INADEQUATE_SECURITY"},
		{"HTTP11Required", ErrCodeHTTP11Required, "HTTP_1_1_REQUIRED"},
		{"UnknownErrorCode", ErrorCode(0xff), "UNKNOWN_ERROR_CODE_255"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.e.String(); got != tt.want {
				t.Errorf("ErrorCode.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseErrorCode(t *testing.T) {
	tests := []struct {
		in      string
		want    ErrorCode
		wantErr bool
	}{
		{"NO_ERROR", ErrCodeNoError, false},
		{"no_error", ErrCodeNoError, false},
		{" ENHANCE_YOUR_CALM ", ErrCodeEnhanceYourCalm, false},
		{"HTTP_1_1_REQUIRED", ErrCodeHTTP11Required, false},
		{"NOT_A_CODE", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseErrorCode(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseErrorCode(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseErrorCode(%q) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestStreamError(t *testing.T) {
	baseErr := errors.New("underlying cause")

	tests := []struct {
		name      string
		streamID  uint32
		code      ErrorCode
		msg       string
		cause     error
		wantError string
	}{
		{
			name:      "simple stream error",
			streamID:  1,
			code:      ErrCodeProtocolError,
			msg:       "invalid frame",
			wantError: "stream error on stream 1: invalid frame (code PROTOCOL_ERROR)",
		},
		{
			name:      "stream error with cause",
			streamID:  3,
			code:      ErrCodeInternalError,
			msg:       "handler panic",
			cause:     baseErr,
			wantError: "stream error on stream 3: handler panic (code INTERNAL_ERROR): underlying cause",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var err *StreamError
			if tt.cause != nil {
				err = NewStreamErrorWithCause(tt.streamID, tt.code, tt.msg, tt.cause)
			} else {
				err = NewStreamError(tt.streamID, tt.code, tt.msg)
			}
			if got := err.Error(); got != tt.wantError {
				t.Errorf("StreamError.Error() = %q, want %q", got, tt.wantError)
			}
			if got := errors.Unwrap(err); got != tt.cause {
				t.Errorf("StreamError.Unwrap() = %v, want %v", got, tt.cause)
			}
		})
	}
}

func TestConnectionError(t *testing.T) {
	baseErr := errors.New("underlying connection issue")

	err := NewConnectionError(ErrCodeProtocolError, "bad preface")
	if got, want := err.Error(), "connection error: bad preface (code PROTOCOL_ERROR)"; got != want {
		t.Errorf("ConnectionError.Error() = %q, want %q", got, want)
	}
	if errors.Unwrap(err) != nil {
		t.Errorf("ConnectionError.Unwrap() = %v, want nil", errors.Unwrap(err))
	}

	withCause := NewConnectionErrorWithCause(ErrCodeCompressionError, "decoding header block", baseErr)
	if got, want := withCause.Error(), "connection error: decoding header block (code COMPRESSION_ERROR): underlying connection issue"; got != want {
		t.Errorf("ConnectionError.Error() = %q, want %q", got, want)
	}
	if !errors.Is(withCause, baseErr) {
		t.Error("errors.Is(withCause, baseErr) = false, want true")
	}

	var ce *ConnectionError
	if !errors.As(fmt.Errorf("wrapped: %w", withCause), &ce) || ce.Code != ErrCodeCompressionError {
		t.Errorf("errors.As through wrapping failed, got %v", ce)
	}
}

func TestSentinelsThroughStreamErrors(t *testing.T) {
	refused := NewStreamErrorWithCause(5, ErrCodeRefusedStream, "late", ErrStreamRefused)
	if !errors.Is(refused, ErrStreamRefused) {
		t.Error("refused stream error does not match ErrStreamRefused")
	}
	if errors.Is(refused, ErrStreamIDNotIncreasing) {
		t.Error("refused stream error unexpectedly matches ErrStreamIDNotIncreasing")
	}
}

func TestGenerateRSTStreamFrame(t *testing.T) {
	t.Run("explicit code", func(t *testing.T) {
		f := GenerateRSTStreamFrame(7, ErrCodeCancel, nil)
		if f.StreamID != 7 || f.ErrorCode != ErrCodeCancel || f.Type != FrameRSTStream || f.Length != 4 {
			t.Errorf("unexpected frame %+v", f)
		}
	})
	t.Run("stream error overrides", func(t *testing.T) {
		se := NewStreamError(9, ErrCodeRefusedStream, "refused")
		f := GenerateRSTStreamFrame(1, ErrCodeInternalError, fmt.Errorf("wrapped: %w", se))
		if f.StreamID != 9 || f.ErrorCode != ErrCodeRefusedStream {
			t.Errorf("got stream %d code %s, want 9 REFUSED_STREAM", f.StreamID, f.ErrorCode)
		}
	})
	t.Run("non stream error keeps arguments", func(t *testing.T) {
		f := GenerateRSTStreamFrame(3, ErrCodeProtocolError, errors.New("other"))
		if f.StreamID != 3 || f.ErrorCode != ErrCodeProtocolError {
			t.Errorf("got stream %d code %s, want 3 PROTOCOL_ERROR", f.StreamID, f.ErrorCode)
		}
	})
}

package player

import (
	"encoding/binary"
	"unicode/utf8"

	"github.com/pkg/errors"
)

// Wire constants.
const (
	// HeaderSize is the size of the frame header: u16 payload length, u16 message type.
	HeaderSize = 4
	// MaxPayloadSize is the largest payload the 16-bit length field can describe.
	MaxPayloadSize = 0xFFFF
	// ErrorMessageID is the reserved message type of error messages.
	ErrorMessageID uint16 = 0

	errorMessageFixedSize = 4
	maxReasonSize         = MaxPayloadSize - errorMessageFixedSize
)

// ErrShortFrame is returned by DecodeFrame when the input does not hold a complete frame.
var ErrShortFrame = errors.New("player: short frame")

// Header is the fixed frame header. Integers are little-endian on the wire.
type Header struct {
	PayloadLen  uint16
	MessageType uint16
}

// EncodeHeader writes h into the first HeaderSize bytes of b.
func EncodeHeader(b []byte, h Header) {
	binary.LittleEndian.PutUint16(b[0:2], h.PayloadLen)
	binary.LittleEndian.PutUint16(b[2:4], h.MessageType)
}

// DecodeHeader reads a header from the first HeaderSize bytes of b.
func DecodeHeader(b []byte) Header {
	return Header{
		PayloadLen:  binary.LittleEndian.Uint16(b[0:2]),
		MessageType: binary.LittleEndian.Uint16(b[2:4]),
	}
}

// EncodeFrame builds a complete frame. It fails with ErrResponseTooLarge
// when payload exceeds MaxPayloadSize.
func EncodeFrame(messageType uint16, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, errors.WithStack(ErrResponseTooLarge)
	}
	frame := make([]byte, HeaderSize+len(payload))
	EncodeHeader(frame, Header{PayloadLen: uint16(len(payload)), MessageType: messageType})
	copy(frame[HeaderSize:], payload)
	return frame, nil
}

// DecodeFrame decodes the frame at the front of b and returns its header,
// its payload, and the number of bytes consumed.
func DecodeFrame(b []byte) (Header, []byte, int, error) {
	if len(b) < HeaderSize {
		return Header{}, nil, 0, ErrShortFrame
	}
	h := DecodeHeader(b)
	end := HeaderSize + int(h.PayloadLen)
	if len(b) < end {
		return Header{}, nil, 0, ErrShortFrame
	}
	payload := make([]byte, h.PayloadLen)
	copy(payload, b[HeaderSize:end])
	return h, payload, end, nil
}

// ErrorMessage is the body of a frame with type ErrorMessageID.
//
// Outbound it reports a failure of message Target; inbound a non-OK status
// asks this side to shut the connection down.
type ErrorMessage struct {
	Target uint16
	Status Status
	Reason string
}

// Encode returns the wire body. Reasons longer than fits in one frame are
// truncated on a rune boundary.
func (m ErrorMessage) Encode() []byte {
	reason := truncateReason(m.Reason)
	b := make([]byte, errorMessageFixedSize+len(reason))
	binary.LittleEndian.PutUint16(b[0:2], m.Target)
	binary.LittleEndian.PutUint16(b[2:4], uint16(m.Status))
	copy(b[errorMessageFixedSize:], reason)
	return b
}

// DecodeErrorMessage parses an error message body.
func DecodeErrorMessage(b []byte) (ErrorMessage, error) {
	if len(b) < errorMessageFixedSize {
		return ErrorMessage{}, errors.WithStack(ErrMalformedErrorMessage)
	}
	return ErrorMessage{
		Target: binary.LittleEndian.Uint16(b[0:2]),
		Status: Status(binary.LittleEndian.Uint16(b[2:4])),
		Reason: string(b[errorMessageFixedSize:]),
	}, nil
}

func truncateReason(reason string) string {
	if len(reason) <= maxReasonSize {
		return reason
	}
	cut := maxReasonSize
	for cut > 0 && !utf8.RuneStart(reason[cut]) {
		cut--
	}
	return reason[:cut]
}

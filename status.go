package player

import (
	"fmt"

	"github.com/pkg/errors"
)

// Status is the 16-bit status code carried by an error message.
// Zero means success; built-in failures occupy the top of the range and
// handlers are free to use any other value.
type Status uint16

// Built-in statuses.
const (
	StatusOK                   Status = 0
	StatusInternalError        Status = 0xFFFF
	StatusEndOfStream          Status = 0xFFFE
	StatusNotFound             Status = 0xFFFD
	StatusRequestTooLarge      Status = 0xFFFC
	StatusResponseTooLarge     Status = 0xFFFB
	StatusJunkAfterPacket      Status = 0xFFFA
	StatusForbidden            Status = 0xFFF9
	StatusAuthorizationFailure Status = 0xFFF8
)

var statusNames = map[Status]string{
	StatusOK:                   "ok",
	StatusInternalError:        "internal error",
	StatusEndOfStream:          "end of stream",
	StatusNotFound:             "not found",
	StatusRequestTooLarge:      "request too large",
	StatusResponseTooLarge:     "response too large",
	StatusJunkAfterPacket:      "junk after packet",
	StatusForbidden:            "forbidden",
	StatusAuthorizationFailure: "authorization failure",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", uint16(s))
}

// ProtocolError is a per-message failure with a status and a reason the peer
// can read. Handlers return it (possibly wrapped) to choose what the peer sees.
type ProtocolError struct {
	Status Status
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("player: %s: %s", e.Status, e.Reason)
}

// NewProtocolError returns a ProtocolError annotated with a stack trace.
func NewProtocolError(status Status, reason string) error {
	return errors.WithStack(&ProtocolError{Status: status, Reason: reason})
}

// Failures raised by the protocol layer itself.
var (
	// ErrRequestTooLarge is reported when a header declares a payload at or above the registry limit.
	ErrRequestTooLarge = &ProtocolError{Status: StatusRequestTooLarge, Reason: "Request too large"}
	// ErrResponseTooLarge is reported when an outbound payload does not fit the 16-bit length field.
	ErrResponseTooLarge = &ProtocolError{Status: StatusResponseTooLarge, Reason: "Response packet too large"}
	// ErrUnknownProtocol is reported when no handler matches a message type.
	ErrUnknownProtocol = &ProtocolError{Status: StatusNotFound, Reason: "Unknown protocol"}
	// ErrMalformedErrorMessage is reported when an error message body is shorter than its fixed part.
	ErrMalformedErrorMessage = &ProtocolError{Status: StatusEndOfStream, Reason: "Malformed error message"}
)

// AsProtocolError extracts the ProtocolError from err's chain.
func AsProtocolError(err error) (*ProtocolError, bool) {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// StatusOf returns the status a failure should be reported with.
// Unclassified errors map to StatusInternalError.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	if pe, ok := AsProtocolError(err); ok {
		return pe.Status
	}
	return StatusInternalError
}

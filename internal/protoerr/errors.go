// Package protoerr holds the typed errors the layers use to cross package
// boundaries without losing the CoAP response code they must surface as
// (§7's error taxonomy).
package protoerr

import (
	"fmt"

	"github.com/coreway/coap"
)

// ProtocolError is malformed framing, a reserved field or a token/MID
// mismatch: the driver answers with RST carrying the offending MID.
type ProtocolError struct {
	Reason string
	MID    uint16
	HasMID bool
}

func (e *ProtocolError) Error() string { return fmt.Sprintf("protocol error: %s", e.Reason) }

// NewProtocolError builds a ProtocolError with a known MID.
func NewProtocolError(reason string, mid uint16) *ProtocolError {
	return &ProtocolError{Reason: reason, MID: mid, HasMID: true}
}

// InternalError is a handler fault or layer-level constraint violation
// (Entity-Incomplete, Content-Format change mid-block...): the driver
// synthesises a response carrying Code and Payload.
type InternalError struct {
	Reason  string
	Code    coap.Code
	Payload []byte
}

func (e *InternalError) Error() string { return fmt.Sprintf("internal error: %s (%s)", e.Reason, e.Code) }

// NewInternalError builds an InternalError with a textual payload.
func NewInternalError(reason string, code coap.Code) *InternalError {
	return &InternalError{Reason: reason, Code: code, Payload: []byte(reason)}
}

// ObserveError is a subscription-breaking condition (Content-Format changed,
// resource became non-observable): the driver delivers it as a CON
// notification with Code, then evicts the subscription.
type ObserveError struct {
	Reason string
	Code   coap.Code
}

func (e *ObserveError) Error() string { return fmt.Sprintf("observe error: %s (%s)", e.Reason, e.Code) }

// NewObserveError builds an ObserveError.
func NewObserveError(reason string, code coap.Code) *ObserveError {
	return &ObserveError{Reason: reason, Code: code}
}

// PongError is an unmatched empty message: the classic CoAP ping pattern.
// If the unmatched message was Confirmable, the driver replies RST.
type PongError struct {
	WasConfirmable bool
	MID            uint16
}

func (e *PongError) Error() string { return "unmatched empty message (ping)" }

// NewPongError builds a PongError.
func NewPongError(wasConfirmable bool, mid uint16) *PongError {
	return &PongError{WasConfirmable: wasConfirmable, MID: mid}
}

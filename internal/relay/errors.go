package relay

import (
	"errors"
	"fmt"
)

// ErrEmptyReply means the model finished with nothing sendable.
var ErrEmptyReply = errors.New("model produced an empty reply")

// MalformedTriggerError is an update that lacks the fields needed to
// store or answer it. It is logged and dropped.
type MalformedTriggerError struct {
	UpdateID int64
	Reason   string
}

// Error implements the error interface.
func (e *MalformedTriggerError) Error() string {
	return fmt.Sprintf("malformed update %d: %s", e.UpdateID, e.Reason)
}

// DeliveryError is a reply the transport did not accept. Nothing is
// persisted for it.
type DeliveryError struct {
	ChatID  int64
	ReplyTo int64
	Err     error
}

// Error implements the error interface.
func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver reply to %d/%d: %v", e.ChatID, e.ReplyTo, e.Err)
}

// Unwrap returns the transport error.
func (e *DeliveryError) Unwrap() error { return e.Err }

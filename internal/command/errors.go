package command

import (
	"errors"
	"fmt"
)

// Reason identifies which check rejected a dispatch.
type Reason int

const (
	ReasonHandler Reason = iota
	ReasonIgnoredChannel
	ReasonDisabled
	ReasonMissingPermission
)

// String returns the metric label for the reason.
func (r Reason) String() string {
	switch r {
	case ReasonIgnoredChannel:
		return "ignoredChannel"
	case ReasonDisabled:
		return "disabled"
	case ReasonMissingPermission:
		return "missingPermission"
	case ReasonHandler:
		return "handler"
	default:
		return "unknown"
	}
}

// unknownErrorMessage is shown for errors that carry no user-facing text.
const unknownErrorMessage = "An unknown error occurred"

// DispatchError is an error whose message is safe to show in chat.
type DispatchError struct {
	Reason  Reason
	Message string
}

func (e *DispatchError) Error() string {
	return e.Message
}

// Errorf creates a user-facing error for command handlers.
func Errorf(format string, args ...any) error {
	return &DispatchError{Reason: ReasonHandler, Message: fmt.Sprintf(format, args...)}
}

func errIgnoredChannel() error {
	return &DispatchError{Reason: ReasonIgnoredChannel, Message: "Commands cannot be executed in this channel."}
}

func errDisabled() error {
	return &DispatchError{Reason: ReasonDisabled, Message: "Command not enabled!"}
}

func errMissingPermission(required fmt.Stringer) error {
	return &DispatchError{
		Reason:  ReasonMissingPermission,
		Message: "**Required Permission**: `" + required.String() + "`",
	}
}

// userMessage extracts the text to show for err. Only DispatchError text is
// shown as is; anything else falls back to a generic message.
func userMessage(err error) string {
	var dispatchErr *DispatchError
	if errors.As(err, &dispatchErr) && dispatchErr.Message != "" {
		return dispatchErr.Message
	}

	return unknownErrorMessage
}

package chat

import "errors"

var (
	// ErrInvalidIdentity means the connection has no usable user id.
	ErrInvalidIdentity = errors.New("invalid identity")
	// ErrInvalidParticipants means a conversation was named by a
	// non-positive or malformed pair of user ids.
	ErrInvalidParticipants = errors.New("invalid participants")
	// ErrInvalidMessage means a malformed SendMessage payload.
	ErrInvalidMessage = errors.New("invalid message")
	// ErrNotFound means the referenced connection or message does not exist.
	ErrNotFound = errors.New("not found")
	// ErrTransientIO means persistence or transport failed during an
	// otherwise valid operation.
	ErrTransientIO = errors.New("transient i/o error")
)

// Wire codes returned by Code.
const (
	CodeInvalidIdentity     = "invalid_identity"
	CodeInvalidParticipants = "invalid_participants"
	CodeInvalidMessage      = "invalid_message"
	CodeNotFound            = "not_found"
	CodeTransientIO         = "transient_io"
	CodeInternal            = "internal"
)

// Code maps err to a stable wire code. A nil error has no code.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidIdentity):
		return CodeInvalidIdentity
	case errors.Is(err, ErrInvalidParticipants):
		return CodeInvalidParticipants
	case errors.Is(err, ErrInvalidMessage):
		return CodeInvalidMessage
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrTransientIO):
		return CodeTransientIO
	default:
		return CodeInternal
	}
}

// IsValidation reports whether err belongs to the client-caused class that
// is logged and dropped without broadcasting.
func IsValidation(err error) bool {
	switch Code(err) {
	case CodeInvalidIdentity, CodeInvalidParticipants, CodeInvalidMessage, CodeNotFound:
		return true
	}
	return false
}

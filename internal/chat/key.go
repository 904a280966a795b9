package chat

import (
	"fmt"
	"strconv"
	"strings"
)

// UserID identifies a user. Valid ids are positive.
type UserID = int64

// ConversationKey is the canonical, order-independent name of a two-party
// conversation. Low < High always holds for keys built by NewConversationKey.
type ConversationKey struct {
	Low  UserID
	High UserID
}

// NewConversationKey canonicalizes the pair (a, b). Both ids must be
// positive and distinct.
func NewConversationKey(a, b UserID) (ConversationKey, error) {
	if a <= 0 || b <= 0 {
		return ConversationKey{}, fmt.Errorf("%w: %d and %d must be positive", ErrInvalidParticipants, a, b)
	}
	if a == b {
		return ConversationKey{}, fmt.Errorf("%w: a conversation needs two distinct users, got %d twice", ErrInvalidParticipants, a)
	}
	if a > b {
		a, b = b, a
	}
	return ConversationKey{Low: a, High: b}, nil
}

// ParseConversationKey parses the "<low>-<high>" form produced by String.
func ParseConversationKey(s string) (ConversationKey, error) {
	lo, hi, ok := strings.Cut(s, "-")
	if !ok {
		return ConversationKey{}, fmt.Errorf("%w: malformed key %q", ErrInvalidParticipants, s)
	}
	a, err := strconv.ParseInt(lo, 10, 64)
	if err != nil {
		return ConversationKey{}, fmt.Errorf("%w: malformed key %q", ErrInvalidParticipants, s)
	}
	b, err := strconv.ParseInt(hi, 10, 64)
	if err != nil {
		return ConversationKey{}, fmt.Errorf("%w: malformed key %q", ErrInvalidParticipants, s)
	}
	return NewConversationKey(a, b)
}

func (k ConversationKey) String() string {
	return strconv.FormatInt(k.Low, 10) + "-" + strconv.FormatInt(k.High, 10)
}

// Has reports whether id is one of the two participants.
func (k ConversationKey) Has(id UserID) bool {
	return id == k.Low || id == k.High
}

// MarshalText implements encoding.TextMarshaler.
func (k ConversationKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *ConversationKey) UnmarshalText(text []byte) error {
	parsed, err := ParseConversationKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

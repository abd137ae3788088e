package types

import (
	"errors"

	"github.com/google/uuid"
)

const (
	// MaxUserIDLength bounds the caller-supplied display identity.
	MaxUserIDLength = 100
	// MaxTextLength bounds message text on the wire and in storage.
	MaxTextLength = 4000
)

var (
	ErrInvalidUserID    = errors.New("user ID must be 1-100 characters")
	ErrInvalidText      = errors.New("text must be 1-4000 characters")
	ErrInvalidMessageID = errors.New("message ID must be a well-formed UUID")
)

// ValidateUserID checks the display identity supplied at connection time.
func ValidateUserID(userID string) error {
	if len(userID) < 1 || len(userID) > MaxUserIDLength {
		return ErrInvalidUserID
	}
	return nil
}

// ValidateText checks message text length bounds.
func ValidateText(text string) error {
	if len(text) < 1 || len(text) > MaxTextLength {
		return ErrInvalidText
	}
	return nil
}

// ValidateMessageID checks that a caller-supplied message ID is a UUID.
func ValidateMessageID(id string) error {
	if uuid.Validate(id) != nil {
		return ErrInvalidMessageID
	}
	return nil
}

package types

import (
	"fmt"
	"time"
)

// ParseError reports a malformed or schema-invalid inbound frame. Raw holds
// a truncated excerpt of the offending payload for diagnosis.
type ParseError struct {
	Raw     string
	Message string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error: %s", e.Message)
}

// RateLimitedError reports an admission rejection by the rate limiter.
type RateLimitedError struct {
	UserID     string
	RetryAfter time.Duration
	Message    string
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: %s", e.Message)
}

// StorageError reports a failed durable-log operation.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s failed: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// SyncError reports an external-store batch that failed after all retries.
// The affected messages remain unsynced and eligible for the next pass.
type SyncError struct {
	FailedCount int
	Message     string
	Err         error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync failed for %d messages: %s", e.FailedCount, e.Message)
}

func (e *SyncError) Unwrap() error { return e.Err }

// RoomNotFoundError is reserved for lookup-miss conditions at the boundary
// layer. No current code path produces it.
type RoomNotFoundError struct {
	RoomID string
}

func (e *RoomNotFoundError) Error() string {
	return fmt.Sprintf("room not found: %s", e.RoomID)
}

// MessageNotFoundError is reserved for lookup-miss conditions at the boundary
// layer. No current code path produces it.
type MessageNotFoundError struct {
	MessageID string
}

func (e *MessageNotFoundError) Error() string {
	return fmt.Sprintf("message not found: %s", e.MessageID)
}

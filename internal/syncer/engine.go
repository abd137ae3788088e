// Package syncer drains a room's unsynced message backlog into an external
// durable store with bounded retry, rescheduling itself through the room's
// deferred-wake alarm while backlog remains.
package syncer

import (
	"context"
	"log"
	"time"

	"roomcast/pkg/types"
)

const (
	// batchSize bounds how many unsynced messages one pass pulls.
	batchSize = 100
	// maxRetries bounds upsert retries after the initial attempt.
	maxRetries = 3
	// initialBackoff is the first retry delay; it doubles per retry.
	initialBackoff = 100 * time.Millisecond
)

// MessageLog is the slice of the durable log the engine needs.
type MessageLog interface {
	UnsyncedMessages(ctx context.Context, limit int) ([]types.Message, error)
	MarkSynced(ctx context.Context, ids []string) error
	SetAlarm(delay time.Duration) error
}

// ExternalStore persists message batches outside the room's local log.
// UpsertBatch must be idempotent by message ID so retries after partial
// success are safe.
type ExternalStore interface {
	UpsertBatch(ctx context.Context, messages []types.Message) error
}

// Engine flushes one room's backlog. A nil store degrades sync to an
// immediate local durability confirmation.
type Engine struct {
	log   MessageLog
	store ExternalStore
}

// NewEngine creates an engine for one room's log. store may be nil when no
// external store is configured.
func NewEngine(log MessageLog, store ExternalStore) *Engine {
	return &Engine{log: log, store: store}
}

// Sync runs one pass: pull up to 100 unsynced messages and upsert them.
// Returns the number of messages synced. On retry exhaustion the batch
// stays unsynced and a *types.SyncError is returned.
func (e *Engine) Sync(ctx context.Context) (int, error) {
	unsynced, err := e.log.UnsyncedMessages(ctx, batchSize)
	if err != nil {
		return 0, err
	}
	if len(unsynced) == 0 {
		return 0, nil
	}

	ids := make([]string, len(unsynced))
	for i, msg := range unsynced {
		ids[i] = msg.ID
	}

	if e.store == nil {
		if err := e.log.MarkSynced(ctx, ids); err != nil {
			return 0, err
		}
		return len(unsynced), nil
	}

	if err := e.upsertWithRetry(ctx, unsynced); err != nil {
		return 0, err
	}

	if err := e.log.MarkSynced(ctx, ids); err != nil {
		return 0, err
	}
	return len(unsynced), nil
}

// SyncAndReschedule runs one pass and re-arms the deferred wake only while
// backlog remains; an empty backlog lets the room go idle until the next
// message arrival re-arms it.
func (e *Engine) SyncAndReschedule(ctx context.Context, interval time.Duration) error {
	synced, err := e.Sync(ctx)
	if err != nil {
		log.Printf("Sync pass failed: %v", err)
	} else if synced > 0 {
		log.Printf("Sync pass complete: %d messages", synced)
	}

	remaining, remErr := e.log.UnsyncedMessages(ctx, 1)
	if remErr != nil {
		return remErr
	}
	if len(remaining) > 0 {
		if alarmErr := e.log.SetAlarm(interval); alarmErr != nil {
			return alarmErr
		}
	}
	return err
}

func (e *Engine) upsertWithRetry(ctx context.Context, messages []types.Message) error {
	backoff := initialBackoff
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return &types.SyncError{FailedCount: len(messages), Message: "sync cancelled", Err: ctx.Err()}
			}
			backoff *= 2
		}

		lastErr = e.store.UpsertBatch(ctx, messages)
		if lastErr == nil {
			return nil
		}
		log.Printf("External upsert attempt %d failed for %d messages: %v", attempt+1, len(messages), lastErr)
	}

	return &types.SyncError{
		FailedCount: len(messages),
		Message:     "external store upsert exhausted retries",
		Err:         lastErr,
	}
}

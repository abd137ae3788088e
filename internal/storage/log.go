package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"roomcast/pkg/types"
)

const (
	// DefaultHistoryLimit is the history page size used when none is given.
	DefaultHistoryLimit = 50
	// MaxHistoryLimit caps any requested history page.
	MaxHistoryLimit = 100
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	room_id TEXT NOT NULL,
	id      TEXT NOT NULL,
	user_id TEXT NOT NULL,
	text    TEXT NOT NULL,
	ts      INTEGER NOT NULL,
	synced  INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (room_id, id)
);
CREATE INDEX IF NOT EXISTS idx_messages_room_ts ON messages(room_id, ts);
CREATE INDEX IF NOT EXISTS idx_messages_unsynced ON messages(room_id, ts) WHERE synced = 0;
CREATE TABLE IF NOT EXISTS room_settings (
	room_id     TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	is_private  INTEGER NOT NULL,
	max_members INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS alarms (
	room_id TEXT PRIMARY KEY,
	wake_at INTEGER NOT NULL
);
`

// Log is one room's view of the durable store. The owning coordinator is the
// only writer; HTTP read paths query concurrently.
type Log struct {
	manager *Manager
	roomID  string
	alarm   *AlarmScheduler
}

// NewLog creates a room-scoped log. onAlarm runs when a deferred wake
// requested through SetAlarm fires.
func NewLog(manager *Manager, roomID string, onAlarm func()) *Log {
	l := &Log{
		manager: manager,
		roomID:  roomID,
	}
	l.alarm = newAlarmScheduler(manager, roomID, onAlarm)
	return l
}

// RoomID returns the room key this log is bound to.
func (l *Log) RoomID() string { return l.roomID }

// Initialize applies the schema and re-arms any persisted deferred wake.
// Idempotent, called on every coordinator startup.
func (l *Log) Initialize(ctx context.Context) error {
	err := l.manager.executeWrite(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, schema)
		return err
	})
	if err != nil {
		return &types.StorageError{Op: "initialize", Err: err}
	}
	if err := l.alarm.Restore(ctx); err != nil {
		return &types.StorageError{Op: "initialize", Err: err}
	}
	return nil
}

// InsertMessage appends one message. Duplicate IDs are no-ops, so retried
// sends never double-store.
func (l *Log) InsertMessage(ctx context.Context, msg types.Message) error {
	err := l.manager.executeWrite(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`INSERT OR IGNORE INTO messages (room_id, id, user_id, text, ts, synced) VALUES (?, ?, ?, ?, ?, ?)`,
			l.roomID, msg.ID, msg.UserID, msg.Text, msg.TS, boolToInt(msg.Synced),
		)
		return err
	})
	if err != nil {
		return &types.StorageError{Op: "insertMessage", Err: err}
	}
	return nil
}

// RecentMessages returns the most recent messages in chronological order
// (oldest first) for history replay. The limit is clamped to 1..100 and
// defaults to 50 when non-positive.
func (l *Log) RecentMessages(ctx context.Context, limit int) ([]types.Message, error) {
	limit = clampLimit(limit)

	rows, err := l.manager.db.QueryContext(ctx,
		`SELECT id, user_id, text, ts, synced FROM messages WHERE room_id = ? ORDER BY ts DESC, rowid DESC LIMIT ?`,
		l.roomID, limit,
	)
	if err != nil {
		return nil, &types.StorageError{Op: "recentMessages", Err: err}
	}
	defer func() { _ = rows.Close() }()

	messages, err := l.scanMessages(rows)
	if err != nil {
		return nil, &types.StorageError{Op: "recentMessages", Err: err}
	}

	// Query returns newest first; history replay wants oldest first.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// UnsyncedMessages returns the oldest-first page of entries awaiting
// external sync.
func (l *Log) UnsyncedMessages(ctx context.Context, limit int) ([]types.Message, error) {
	limit = clampLimit(limit)

	rows, err := l.manager.db.QueryContext(ctx,
		`SELECT id, user_id, text, ts, synced FROM messages WHERE room_id = ? AND synced = 0 ORDER BY ts, rowid LIMIT ?`,
		l.roomID, limit,
	)
	if err != nil {
		return nil, &types.StorageError{Op: "unsyncedMessages", Err: err}
	}
	defer func() { _ = rows.Close() }()

	messages, err := l.scanMessages(rows)
	if err != nil {
		return nil, &types.StorageError{Op: "unsyncedMessages", Err: err}
	}
	return messages, nil
}

// MarkSynced flags the given messages as persisted externally. Idempotent;
// empty input is a no-op.
func (l *Log) MarkSynced(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	err := l.manager.executeWrite(func(db *sql.DB) error {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
		args := make([]interface{}, 0, len(ids)+1)
		args = append(args, l.roomID)
		for _, id := range ids {
			args = append(args, id)
		}
		_, err := db.ExecContext(ctx,
			`UPDATE messages SET synced = 1 WHERE room_id = ? AND id IN (`+placeholders+`)`,
			args...,
		)
		return err
	})
	if err != nil {
		return &types.StorageError{Op: "markSynced", Err: err}
	}
	return nil
}

// Settings returns the stored settings record, or nil when the room has
// none.
func (l *Log) Settings(ctx context.Context) (*types.RoomSettings, error) {
	row := l.manager.db.QueryRowContext(ctx,
		`SELECT name, is_private, max_members FROM room_settings WHERE room_id = ?`,
		l.roomID,
	)

	var s types.RoomSettings
	var isPrivate int
	err := row.Scan(&s.Name, &isPrivate, &s.MaxMembers)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &types.StorageError{Op: "settings", Err: err}
	}
	s.IsPrivate = isPrivate == 1
	return &s, nil
}

// SetSettings stores or replaces the settings record.
func (l *Log) SetSettings(ctx context.Context, s types.RoomSettings) error {
	err := l.manager.executeWrite(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`INSERT OR REPLACE INTO room_settings (room_id, name, is_private, max_members) VALUES (?, ?, ?, ?)`,
			l.roomID, s.Name, boolToInt(s.IsPrivate), s.MaxMembers,
		)
		return err
	})
	if err != nil {
		return &types.StorageError{Op: "setSettings", Err: err}
	}
	return nil
}

// SetAlarm requests a deferred wake at now+delay. Requests made while one is
// pending coalesce into a no-op, so message bursts never stack wake-ups.
func (l *Log) SetAlarm(delay time.Duration) error {
	return l.alarm.Set(delay)
}

// StopAlarm cancels the in-process timer without clearing the persisted
// wake, so a restart re-arms it.
func (l *Log) StopAlarm() {
	l.alarm.Stop()
}

// DeleteAll irreversibly wipes this room's messages, settings, and pending
// alarm. Administrative/test use.
func (l *Log) DeleteAll(ctx context.Context) error {
	l.alarm.Stop()
	err := l.manager.executeWrite(func(db *sql.DB) error {
		for _, stmt := range []string{
			`DELETE FROM messages WHERE room_id = ?`,
			`DELETE FROM room_settings WHERE room_id = ?`,
			`DELETE FROM alarms WHERE room_id = ?`,
		} {
			if _, err := db.ExecContext(ctx, stmt, l.roomID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return &types.StorageError{Op: "deleteAll", Err: err}
	}
	return nil
}

func (l *Log) scanMessages(rows *sql.Rows) ([]types.Message, error) {
	var messages []types.Message
	for rows.Next() {
		var msg types.Message
		var synced int
		if err := rows.Scan(&msg.ID, &msg.UserID, &msg.Text, &msg.TS, &synced); err != nil {
			return nil, err
		}
		msg.RoomID = l.roomID
		msg.Synced = synced == 1
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		return MaxHistoryLimit
	}
	return limit
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

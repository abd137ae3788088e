package types

import "time"

// Message is the durable unit of chat history. IDs are caller-supplied UUIDs
// and insertion is idempotent, so a message is uniquely identified by ID alone.
type Message struct {
	ID     string `json:"id"`
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
	Text   string `json:"text"`
	TS     int64  `json:"ts"` // milliseconds since epoch
	Synced bool   `json:"synced"`
}

// RoomSettings is the optional per-room settings record.
type RoomSettings struct {
	Name       string `json:"name"`
	IsPrivate  bool   `json:"isPrivate"`
	MaxMembers int    `json:"maxMembers"`
}

// DefaultRoomSettings is returned when a room has no stored settings.
func DefaultRoomSettings() RoomSettings {
	return RoomSettings{
		Name:       "Unnamed Room",
		IsPrivate:  false,
		MaxMembers: 100,
	}
}

// PresenceEntry tracks one user's ephemeral membership in a presence shard.
// JoinedAt is preserved across refreshes; only LastSeen moves.
type PresenceEntry struct {
	UserID   string `json:"userId"`
	JoinedAt int64  `json:"joinedAt"`
	LastSeen int64  `json:"lastSeen"`
}

// NowMillis returns the current time in milliseconds since epoch, the unit
// used for all timestamps on the wire and in storage.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

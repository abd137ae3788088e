package syncer

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"roomcast/pkg/types"
)

const upsertQuery = `
INSERT INTO messages (id, room_id, user_id, text, ts)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO NOTHING`

const createTableQuery = `
CREATE TABLE IF NOT EXISTS messages (
	id      TEXT PRIMARY KEY,
	room_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	text    TEXT NOT NULL,
	ts      BIGINT NOT NULL
)`

// PostgresStore is the production ExternalStore: a batched, conflict-ignoring
// upsert into Postgres keyed by message ID.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to the external store and ensures the target
// table exists.
func NewPostgresStore(ctx context.Context, url string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if _, err := pool.Exec(ctx, createTableQuery); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ensure messages table: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// UpsertBatch inserts the messages, ignoring IDs that already exist, so a
// retry after partial success never duplicates rows.
func (s *PostgresStore) UpsertBatch(ctx context.Context, messages []types.Message) error {
	batch := &pgx.Batch{}
	for _, msg := range messages {
		batch.Queue(upsertQuery, msg.ID, msg.RoomID, msg.UserID, msg.Text, msg.TS)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer func() { _ = results.Close() }()

	for range messages {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("batch upsert failed: %w", err)
		}
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

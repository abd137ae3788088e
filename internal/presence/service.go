package presence

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"roomcast/pkg/types"
)

const (
	// NumShards is the fixed shard count per room.
	NumShards = 4
	// DefaultTTL evicts entries after this much inactivity.
	DefaultTTL = 60 * time.Second
	// DefaultSweepInterval drives the self-rescheduled expiry sweep.
	DefaultSweepInterval = 30 * time.Second
)

// ShardIndex maps a user to one of the NumShards partitions. Pure function:
// the same user always lands on the same shard.
func ShardIndex(userID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return int(h.Sum32() % NumShards)
}

// ShardKey names one shard of one room.
func ShardKey(roomID string, index int) string {
	return fmt.Sprintf("%s:presence:%d", roomID, index)
}

// ShardKeyFor names the shard owning (roomID, userID).
func ShardKeyFor(roomID, userID string) string {
	return ShardKey(roomID, ShardIndex(userID))
}

// Service is the room-facing surface over the shard actors. It is the one
// piece of state shared across rooms; shards are created lazily and live
// until Close.
type Service struct {
	checkpoint    Checkpoint
	ttl           time.Duration
	sweepInterval time.Duration

	mu     sync.Mutex
	shards map[string]*Shard
}

// NewService creates a presence service. checkpoint may be nil, leaving
// shards memory-only. Non-positive durations fall back to the defaults.
func NewService(checkpoint Checkpoint, ttl, sweepInterval time.Duration) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	return &Service{
		checkpoint:    checkpoint,
		ttl:           ttl,
		sweepInterval: sweepInterval,
		shards:        make(map[string]*Shard),
	}
}

// ShardByKey returns the shard for an explicit shard key, creating it on
// first contact. Used by the internal RPC handler.
func (s *Service) ShardByKey(key string) *Shard {
	s.mu.Lock()
	defer s.mu.Unlock()

	shard, ok := s.shards[key]
	if !ok {
		shard = NewShard(key, s.ttl, s.sweepInterval, s.checkpoint)
		s.shards[key] = shard
	}
	return shard
}

// Join registers userID as present in roomID.
func (s *Service) Join(ctx context.Context, roomID, userID string) error {
	return s.ShardByKey(ShardKeyFor(roomID, userID)).Join(ctx, userID)
}

// Heartbeat refreshes userID's presence in roomID if it exists.
func (s *Service) Heartbeat(ctx context.Context, roomID, userID string) error {
	return s.ShardByKey(ShardKeyFor(roomID, userID)).Heartbeat(ctx, userID)
}

// Leave removes userID's presence from roomID.
func (s *Service) Leave(ctx context.Context, roomID, userID string) error {
	return s.ShardByKey(ShardKeyFor(roomID, userID)).Leave(ctx, userID)
}

// OnlineUsers fans out to all shards of the room in parallel and
// concatenates the results. Duplicates are impossible since a user maps to
// exactly one shard. Presence is best-effort: failure degrades to an empty
// list and never blocks messaging.
func (s *Service) OnlineUsers(ctx context.Context, roomID string) ([]string, int) {
	perShard := make([][]types.PresenceEntry, NumShards)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < NumShards; i++ {
		i := i
		g.Go(func() error {
			entries, err := s.ShardByKey(ShardKey(roomID, i)).Online(gctx)
			if err != nil {
				return err
			}
			perShard[i] = entries
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return []string{}, 0
	}

	var users []string
	for _, entries := range perShard {
		for _, entry := range entries {
			users = append(users, entry.UserID)
		}
	}
	if users == nil {
		users = []string{}
	}
	return users, len(users)
}

// OnlineCount sums the shard counts for one room, degrading to zero on
// failure.
func (s *Service) OnlineCount(ctx context.Context, roomID string) int {
	counts := make([]int, NumShards)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < NumShards; i++ {
		i := i
		g.Go(func() error {
			count, err := s.ShardByKey(ShardKey(roomID, i)).Count(gctx)
			if err != nil {
				return err
			}
			counts[i] = count
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0
	}

	total := 0
	for _, count := range counts {
		total += count
	}
	return total
}

// Close stops all shard actors.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, shard := range s.shards {
		shard.Stop()
	}
	s.shards = make(map[string]*Shard)
}

// Package presence tracks ephemeral room membership across a fixed set of
// independent shard actors, spreading join/heartbeat/leave traffic for a
// busy room instead of funneling it through one aggregation point.
package presence

import (
	"context"
	"errors"
	"log"
	"time"

	"roomcast/pkg/types"
)

// ErrShardStopped is returned for requests against a stopped shard.
var ErrShardStopped = errors.New("presence shard stopped")

const checkpointTimeout = 2 * time.Second

type opKind int

const (
	opJoin opKind = iota
	opHeartbeat
	opLeave
	opOnline
	opCount
)

type shardRequest struct {
	kind   opKind
	userID string
	reply  chan shardReply
}

type shardReply struct {
	entries []types.PresenceEntry
	count   int
}

// Shard is a single-writer actor owning one partition of a room's presence
// map. All access goes through its request channel, so distinct shards run
// concurrently while each shard's state stays race-free.
type Shard struct {
	key        string
	ttl        time.Duration
	sweepEvery time.Duration
	checkpoint Checkpoint

	requests chan shardRequest
	done     chan struct{}

	// Loop-owned state, touched only by run.
	entries map[string]*types.PresenceEntry
}

// NewShard creates and starts a shard actor. When a checkpoint store is
// configured the shard eagerly reloads its entries and sweeps expired ones
// before serving, so membership survives restarts.
func NewShard(key string, ttl, sweepEvery time.Duration, checkpoint Checkpoint) *Shard {
	s := &Shard{
		key:        key,
		ttl:        ttl,
		sweepEvery: sweepEvery,
		checkpoint: checkpoint,
		requests:   make(chan shardRequest, 64),
		done:       make(chan struct{}),
		entries:    make(map[string]*types.PresenceEntry),
	}

	s.reload()
	s.sweep(types.NowMillis())

	go s.run()

	return s
}

// Key returns the shard identifier.
func (s *Shard) Key() string { return s.key }

// Join creates or refreshes the caller's entry, preserving the original
// JoinedAt on refresh.
func (s *Shard) Join(ctx context.Context, userID string) error {
	_, err := s.request(ctx, shardRequest{kind: opJoin, userID: userID, reply: make(chan shardReply, 1)})
	return err
}

// Heartbeat refreshes LastSeen only when an entry exists.
func (s *Shard) Heartbeat(ctx context.Context, userID string) error {
	_, err := s.request(ctx, shardRequest{kind: opHeartbeat, userID: userID, reply: make(chan shardReply, 1)})
	return err
}

// Leave deletes the caller's entry.
func (s *Shard) Leave(ctx context.Context, userID string) error {
	_, err := s.request(ctx, shardRequest{kind: opLeave, userID: userID, reply: make(chan shardReply, 1)})
	return err
}

// Online returns the non-expired entries, sweeping stale ones first.
func (s *Shard) Online(ctx context.Context) ([]types.PresenceEntry, error) {
	reply, err := s.request(ctx, shardRequest{kind: opOnline, reply: make(chan shardReply, 1)})
	if err != nil {
		return nil, err
	}
	return reply.entries, nil
}

// Count returns the number of non-expired entries.
func (s *Shard) Count(ctx context.Context) (int, error) {
	reply, err := s.request(ctx, shardRequest{kind: opCount, reply: make(chan shardReply, 1)})
	if err != nil {
		return 0, err
	}
	return reply.count, nil
}

// Stop terminates the actor. Pending requests fail with ErrShardStopped.
func (s *Shard) Stop() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

func (s *Shard) request(ctx context.Context, req shardRequest) (shardReply, error) {
	select {
	case s.requests <- req:
	case <-ctx.Done():
		return shardReply{}, ctx.Err()
	case <-s.done:
		return shardReply{}, ErrShardStopped
	}

	select {
	case reply := <-req.reply:
		return reply, nil
	case <-ctx.Done():
		return shardReply{}, ctx.Err()
	case <-s.done:
		return shardReply{}, ErrShardStopped
	}
}

func (s *Shard) run() {
	// The sweep timer self-reschedules only while the shard is non-empty;
	// the next join re-arms it after a drain.
	sweepTimer := time.NewTimer(s.sweepEvery)
	if len(s.entries) == 0 {
		if !sweepTimer.Stop() {
			<-sweepTimer.C
		}
	}
	armed := len(s.entries) > 0

	for {
		select {
		case req := <-s.requests:
			s.handle(req)
			if !armed && len(s.entries) > 0 {
				sweepTimer.Reset(s.sweepEvery)
				armed = true
			}

		case <-sweepTimer.C:
			s.sweep(types.NowMillis())
			if len(s.entries) > 0 {
				sweepTimer.Reset(s.sweepEvery)
			} else {
				armed = false
			}

		case <-s.done:
			if armed {
				sweepTimer.Stop()
			}
			return
		}
	}
}

func (s *Shard) handle(req shardRequest) {
	now := types.NowMillis()

	switch req.kind {
	case opJoin:
		joinedAt := now
		if existing, ok := s.entries[req.userID]; ok {
			joinedAt = existing.JoinedAt
		}
		s.entries[req.userID] = &types.PresenceEntry{
			UserID:   req.userID,
			JoinedAt: joinedAt,
			LastSeen: now,
		}
		s.persist()

	case opHeartbeat:
		if existing, ok := s.entries[req.userID]; ok {
			existing.LastSeen = now
			s.persist()
		}

	case opLeave:
		if _, ok := s.entries[req.userID]; ok {
			delete(s.entries, req.userID)
			s.persist()
		}

	case opOnline:
		s.sweep(now)
		entries := make([]types.PresenceEntry, 0, len(s.entries))
		for _, entry := range s.entries {
			entries = append(entries, *entry)
		}
		req.reply <- shardReply{entries: entries}
		return

	case opCount:
		s.sweep(now)
		req.reply <- shardReply{count: len(s.entries)}
		return
	}

	req.reply <- shardReply{}
}

// sweep evicts entries idle past the TTL.
func (s *Shard) sweep(now int64) {
	changed := false
	for userID, entry := range s.entries {
		if now-entry.LastSeen > s.ttl.Milliseconds() {
			delete(s.entries, userID)
			changed = true
		}
	}
	if changed {
		s.persist()
	}
}

func (s *Shard) persist() {
	if s.checkpoint == nil {
		return
	}

	snapshot := make(map[string]types.PresenceEntry, len(s.entries))
	for userID, entry := range s.entries {
		snapshot[userID] = *entry
	}

	ctx, cancel := context.WithTimeout(context.Background(), checkpointTimeout)
	defer cancel()
	if err := s.checkpoint.Save(ctx, s.key, snapshot); err != nil {
		log.Printf("Presence checkpoint save failed for shard %s: %v", s.key, err)
	}
}

func (s *Shard) reload() {
	if s.checkpoint == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), checkpointTimeout)
	defer cancel()
	stored, err := s.checkpoint.Load(ctx, s.key)
	if err != nil {
		log.Printf("Presence checkpoint load failed for shard %s: %v", s.key, err)
		return
	}
	for userID, entry := range stored {
		e := entry
		s.entries[userID] = &e
	}
}

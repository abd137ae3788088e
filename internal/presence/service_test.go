package presence

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"
)

func TestShardIndex_DeterministicAndBounded(t *testing.T) {
	for i := 0; i < 200; i++ {
		userID := fmt.Sprintf("user-%d", i)
		idx := ShardIndex(userID)
		if idx < 0 || idx >= NumShards {
			t.Fatalf("Shard index out of range for %s: %d", userID, idx)
		}
		if idx != ShardIndex(userID) {
			t.Fatalf("Shard index not deterministic for %s", userID)
		}
	}
}

func TestShardKey_Format(t *testing.T) {
	if got := ShardKey("lobby", 2); got != "lobby:presence:2" {
		t.Errorf("Expected lobby:presence:2, got %s", got)
	}
	key := ShardKeyFor("lobby", "alice")
	if key != ShardKey("lobby", ShardIndex("alice")) {
		t.Errorf("ShardKeyFor inconsistent with ShardIndex: %s", key)
	}
}

func TestService_OnlineUsersFansOutAllShards(t *testing.T) {
	service := NewService(nil, time.Minute, time.Minute)
	defer service.Close()
	ctx := context.Background()

	// Enough users to land on multiple shards.
	var want []string
	for i := 0; i < 12; i++ {
		userID := fmt.Sprintf("user-%d", i)
		want = append(want, userID)
		if err := service.Join(ctx, "lobby", userID); err != nil {
			t.Fatalf("Join failed: %v", err)
		}
	}

	users, count := service.OnlineUsers(ctx, "lobby")
	if count != len(want) {
		t.Fatalf("Expected %d online, got %d", len(want), count)
	}

	sort.Strings(users)
	sort.Strings(want)
	for i := range want {
		if users[i] != want[i] {
			t.Fatalf("Online users mismatch at %d: %s != %s", i, users[i], want[i])
		}
	}

	if got := service.OnlineCount(ctx, "lobby"); got != count {
		t.Errorf("OnlineCount disagrees with OnlineUsers: %d != %d", got, count)
	}
}

func TestService_OnlineUsersEmptyRoom(t *testing.T) {
	service := NewService(nil, time.Minute, time.Minute)
	defer service.Close()

	users, count := service.OnlineUsers(context.Background(), "empty")
	if users == nil {
		t.Error("Expected empty slice, not nil")
	}
	if len(users) != 0 || count != 0 {
		t.Errorf("Expected empty room, got %v (%d)", users, count)
	}
}

func TestService_LeaveRemovesUser(t *testing.T) {
	service := NewService(nil, time.Minute, time.Minute)
	defer service.Close()
	ctx := context.Background()

	if err := service.Join(ctx, "lobby", "alice"); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if err := service.Leave(ctx, "lobby", "alice"); err != nil {
		t.Fatalf("Leave failed: %v", err)
	}

	_, count := service.OnlineUsers(ctx, "lobby")
	if count != 0 {
		t.Errorf("Expected empty room after leave, got %d", count)
	}
}

func TestService_RoomsIsolated(t *testing.T) {
	service := NewService(nil, time.Minute, time.Minute)
	defer service.Close()
	ctx := context.Background()

	if err := service.Join(ctx, "room1", "alice"); err != nil {
		t.Fatalf("Join failed: %v", err)
	}

	_, count := service.OnlineUsers(ctx, "room2")
	if count != 0 {
		t.Errorf("Expected room2 empty, got %d", count)
	}
}

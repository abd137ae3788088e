package room

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	gws "github.com/gorilla/websocket"

	"roomcast/internal/presence"
	"roomcast/internal/protocol"
	"roomcast/internal/storage"
	"roomcast/internal/websocket"
)

func newTestCoordinator(t *testing.T, cfg Config) *Coordinator {
	t.Helper()

	manager, err := storage.NewManager(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	t.Cleanup(func() { _ = manager.Close() })

	presenceSvc := presence.NewService(nil, time.Minute, time.Minute)
	t.Cleanup(presenceSvc.Close)

	coord := NewCoordinator("room1", manager, nil, presenceSvc, cfg)
	t.Cleanup(coord.Stop)
	return coord
}

func newRoomConnection(t *testing.T, userID string) (*websocket.Connection, *gws.Conn, func()) {
	t.Helper()

	upgrader := gws.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	connCh := make(chan *websocket.Connection, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		socket, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		connCh <- websocket.NewConnection(socket, userID)
	}))

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := gws.DefaultDialer.Dial(url, nil)
	if err != nil {
		srv.Close()
		t.Fatalf("Failed to dial test server: %v", err)
	}

	var conn *websocket.Connection
	select {
	case conn = <-connCh:
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for server-side connection")
	}

	cleanup := func() {
		_ = client.Close()
		_ = conn.Close(websocket.CloseCodeNormal, "")
		srv.Close()
	}
	return conn, client, cleanup
}

func readEvent(t *testing.T, client *gws.Conn) map[string]interface{} {
	t.Helper()
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	var event map[string]interface{}
	if err := client.ReadJSON(&event); err != nil {
		t.Fatalf("Failed to read event: %v", err)
	}
	return event
}

func expectNoEvent(t *testing.T, client *gws.Conn) {
	t.Helper()
	_ = client.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var event map[string]interface{}
	if err := client.ReadJSON(&event); err == nil {
		t.Fatalf("Expected no event, got %v", event)
	}
}

func sendFrame(coord *Coordinator, conn *websocket.Connection, raw string) {
	coord.HandleFrame(conn, []byte(raw))
}

func sendMessageFrame(coord *Coordinator, conn *websocket.Connection, msgID, text string) {
	sendFrame(coord, conn, `{"tag":"SendMessage","msgId":"`+msgID+`","text":"`+text+`"}`)
}

func TestCoordinator_SendMessageAckAndBroadcast(t *testing.T) {
	coord := newTestCoordinator(t, DefaultConfig())
	ctx := context.Background()

	connA, clientA, cleanupA := newRoomConnection(t, "alice")
	defer cleanupA()
	connB, clientB, cleanupB := newRoomConnection(t, "bob")
	defer cleanupB()

	if err := coord.Connect(ctx, connA); err != nil {
		t.Fatalf("Connect alice failed: %v", err)
	}
	if err := coord.Connect(ctx, connB); err != nil {
		t.Fatalf("Connect bob failed: %v", err)
	}

	// Alice sees bob join; bob joined an empty room so sees nothing yet.
	joined := readEvent(t, clientA)
	if joined["tag"] != protocol.TagUserJoined || joined["userId"] != "bob" {
		t.Fatalf("Expected UserJoined bob at alice, got %v", joined)
	}

	msgID := uuid.NewString()
	sendMessageFrame(coord, connA, msgID, "hello room")

	ack := readEvent(t, clientA)
	if ack["tag"] != protocol.TagAck || ack["msgId"] != msgID || ack["ok"] != true {
		t.Fatalf("Expected Ack for %s at sender, got %v", msgID, ack)
	}

	broadcast := readEvent(t, clientB)
	if broadcast["tag"] != protocol.TagMessage || broadcast["msgId"] != msgID {
		t.Fatalf("Expected Message broadcast at bob, got %v", broadcast)
	}
	if broadcast["userId"] != "alice" || broadcast["text"] != "hello room" {
		t.Errorf("Broadcast payload mismatch: %v", broadcast)
	}

	// The sender gets the ack only, never its own broadcast copy.
	expectNoEvent(t, clientA)
}

func TestCoordinator_HistoryReplayBeforeLive(t *testing.T) {
	coord := newTestCoordinator(t, DefaultConfig())
	ctx := context.Background()

	connA, clientA, cleanupA := newRoomConnection(t, "alice")
	defer cleanupA()
	if err := coord.Connect(ctx, connA); err != nil {
		t.Fatalf("Connect alice failed: %v", err)
	}

	first := uuid.NewString()
	second := uuid.NewString()
	sendMessageFrame(coord, connA, first, "first")
	sendMessageFrame(coord, connA, second, "second")
	readEvent(t, clientA) // ack first
	readEvent(t, clientA) // ack second

	connB, clientB, cleanupB := newRoomConnection(t, "bob")
	defer cleanupB()
	if err := coord.Connect(ctx, connB); err != nil {
		t.Fatalf("Connect bob failed: %v", err)
	}

	// Bob replays both messages oldest first before anything live.
	replay1 := readEvent(t, clientB)
	replay2 := readEvent(t, clientB)
	if replay1["msgId"] != first || replay2["msgId"] != second {
		t.Fatalf("Expected replay [%s %s], got [%v %v]", first, second, replay1["msgId"], replay2["msgId"])
	}

	sendMessageFrame(coord, connA, uuid.NewString(), "live")
	live := readEvent(t, clientB)
	if live["tag"] != protocol.TagMessage || live["text"] != "live" {
		t.Fatalf("Expected live message after replay, got %v", live)
	}
}

func TestCoordinator_DuplicateMessageStoredOnce(t *testing.T) {
	coord := newTestCoordinator(t, DefaultConfig())
	ctx := context.Background()

	connA, clientA, cleanupA := newRoomConnection(t, "alice")
	defer cleanupA()
	if err := coord.Connect(ctx, connA); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	msgID := uuid.NewString()
	sendMessageFrame(coord, connA, msgID, "retry me")
	sendMessageFrame(coord, connA, msgID, "retry me")
	readEvent(t, clientA)
	readEvent(t, clientA)

	messages, err := coord.RecentMessages(ctx, 10)
	if err != nil {
		t.Fatalf("RecentMessages failed: %v", err)
	}
	if len(messages) != 1 {
		t.Errorf("Expected duplicate send stored once, got %d messages", len(messages))
	}
}

func TestCoordinator_ParseErrorIsolated(t *testing.T) {
	coord := newTestCoordinator(t, DefaultConfig())
	ctx := context.Background()

	connA, clientA, cleanupA := newRoomConnection(t, "alice")
	defer cleanupA()
	connB, clientB, cleanupB := newRoomConnection(t, "bob")
	defer cleanupB()

	if err := coord.Connect(ctx, connA); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := coord.Connect(ctx, connB); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	readEvent(t, clientA) // bob joined

	sendFrame(coord, connB, `{definitely not json`)

	errEvent := readEvent(t, clientB)
	if errEvent["tag"] != protocol.TagError || errEvent["code"] != protocol.CodeParseError {
		t.Fatalf("Expected PARSE_ERROR at sender, got %v", errEvent)
	}

	// The room keeps serving, and the next thing alice sees is the typing
	// signal: the parse error never reached other participants.
	sendFrame(coord, connB, `{"tag":"Typing","isTyping":true}`)
	typing := readEvent(t, clientA)
	if typing["tag"] != protocol.TagUserTyping || typing["userId"] != "bob" {
		t.Fatalf("Expected room alive after parse error, got %v", typing)
	}
}

func TestCoordinator_RateLimited(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimitMax = 1
	cfg.RateLimitWindow = time.Minute
	coord := newTestCoordinator(t, cfg)
	ctx := context.Background()

	connA, clientA, cleanupA := newRoomConnection(t, "alice")
	defer cleanupA()
	if err := coord.Connect(ctx, connA); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	sendMessageFrame(coord, connA, uuid.NewString(), "one")
	ack := readEvent(t, clientA)
	if ack["tag"] != protocol.TagAck {
		t.Fatalf("Expected Ack for first send, got %v", ack)
	}

	sendMessageFrame(coord, connA, uuid.NewString(), "two")
	rejected := readEvent(t, clientA)
	if rejected["tag"] != protocol.TagError || rejected["code"] != protocol.CodeRateLimited {
		t.Fatalf("Expected RATE_LIMITED, got %v", rejected)
	}

	// The rejected message is never stored or broadcast.
	messages, err := coord.RecentMessages(ctx, 10)
	if err != nil {
		t.Fatalf("RecentMessages failed: %v", err)
	}
	if len(messages) != 1 {
		t.Errorf("Expected only the admitted message stored, got %d", len(messages))
	}
}

func TestCoordinator_TypingNeverPersisted(t *testing.T) {
	coord := newTestCoordinator(t, DefaultConfig())
	ctx := context.Background()

	connA, _, cleanupA := newRoomConnection(t, "alice")
	defer cleanupA()
	connB, clientB, cleanupB := newRoomConnection(t, "bob")
	defer cleanupB()

	if err := coord.Connect(ctx, connA); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := coord.Connect(ctx, connB); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	sendFrame(coord, connA, `{"tag":"Typing","isTyping":true}`)
	typing := readEvent(t, clientB)
	if typing["tag"] != protocol.TagUserTyping || typing["isTyping"] != true {
		t.Fatalf("Expected UserTyping at bob, got %v", typing)
	}

	messages, err := coord.RecentMessages(ctx, 10)
	if err != nil {
		t.Fatalf("RecentMessages failed: %v", err)
	}
	if len(messages) != 0 {
		t.Errorf("Typing signals must not be stored, got %d messages", len(messages))
	}
}

func TestCoordinator_DisconnectAnnouncesUserLeft(t *testing.T) {
	coord := newTestCoordinator(t, DefaultConfig())
	ctx := context.Background()

	connA, clientA, cleanupA := newRoomConnection(t, "alice")
	defer cleanupA()
	connB, _, cleanupB := newRoomConnection(t, "bob")
	defer cleanupB()

	if err := coord.Connect(ctx, connA); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := coord.Connect(ctx, connB); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	readEvent(t, clientA) // bob joined

	coord.Disconnect(connB)

	left := readEvent(t, clientA)
	if left["tag"] != protocol.TagUserLeft || left["userId"] != "bob" {
		t.Fatalf("Expected UserLeft bob, got %v", left)
	}

	// Presence is released along with the registry slot.
	deadline := time.Now().Add(2 * time.Second)
	for {
		users, _ := coord.OnlineUsers(ctx)
		if len(users) == 1 && users[0] == "alice" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Expected only alice present, got %v", users)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCoordinator_PresenceTracksJoin(t *testing.T) {
	coord := newTestCoordinator(t, DefaultConfig())
	ctx := context.Background()

	connA, _, cleanupA := newRoomConnection(t, "alice")
	defer cleanupA()
	if err := coord.Connect(ctx, connA); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	users, count := coord.OnlineUsers(ctx)
	if count != 1 || len(users) != 1 || users[0] != "alice" {
		t.Errorf("Expected presence [alice], got %v (%d)", users, count)
	}
}

func TestCoordinator_RehydrateSilently(t *testing.T) {
	coord := newTestCoordinator(t, DefaultConfig())
	ctx := context.Background()

	connA, clientA, cleanupA := newRoomConnection(t, "alice")
	defer cleanupA()
	connB, clientB, cleanupB := newRoomConnection(t, "bob")
	defer cleanupB()

	if err := coord.Rehydrate(ctx, []*websocket.Connection{connA, connB}); err != nil {
		t.Fatalf("Rehydrate failed: %v", err)
	}

	if coord.ConnectionCount() != 2 {
		t.Errorf("Expected 2 rehydrated connections, got %d", coord.ConnectionCount())
	}
	_, count := coord.OnlineUsers(ctx)
	if count != 2 {
		t.Errorf("Expected presence rebuilt for 2 users, got %d", count)
	}

	// Live traffic flows immediately, and the typing signal is the first
	// thing bob ever receives: rehydration produced no replay and no join
	// announcements.
	sendFrame(coord, connA, `{"tag":"Typing","isTyping":true}`)
	typing := readEvent(t, clientB)
	if typing["tag"] != protocol.TagUserTyping {
		t.Fatalf("Expected UserTyping after rehydrate, got %v", typing)
	}
	expectNoEvent(t, clientA)
}

func TestCoordinator_LocalOnlyMessagesStoredSynced(t *testing.T) {
	// No external store configured: the local append is the durability
	// boundary and nothing waits in the backlog.
	coord := newTestCoordinator(t, DefaultConfig())
	ctx := context.Background()

	connA, clientA, cleanupA := newRoomConnection(t, "alice")
	defer cleanupA()
	if err := coord.Connect(ctx, connA); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	sendMessageFrame(coord, connA, uuid.NewString(), "local")
	readEvent(t, clientA)

	messages, err := coord.RecentMessages(ctx, 10)
	if err != nil {
		t.Fatalf("RecentMessages failed: %v", err)
	}
	if len(messages) != 1 || !messages[0].Synced {
		t.Errorf("Expected message stored synced without external store, got %+v", messages)
	}
}

func TestCoordinator_SettingsDefaulted(t *testing.T) {
	coord := newTestCoordinator(t, DefaultConfig())

	// Force initialization through a connect.
	connA, _, cleanupA := newRoomConnection(t, "alice")
	defer cleanupA()
	if err := coord.Connect(context.Background(), connA); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	settings, err := coord.Settings(context.Background())
	if err != nil {
		t.Fatalf("Settings failed: %v", err)
	}
	if settings.Name != "Unnamed Room" || settings.IsPrivate || settings.MaxMembers != 100 {
		t.Errorf("Expected defaulted settings, got %+v", settings)
	}
}

func TestManager_GetReturnsSameCoordinator(t *testing.T) {
	storageManager, err := storage.NewManager(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	t.Cleanup(func() { _ = storageManager.Close() })

	presenceSvc := presence.NewService(nil, time.Minute, time.Minute)
	t.Cleanup(presenceSvc.Close)

	manager := NewManager(storageManager, nil, presenceSvc, DefaultConfig())
	t.Cleanup(manager.Stop)

	a := manager.Get("room1")
	b := manager.Get("room1")
	if a != b {
		t.Error("Expected one live coordinator per room key")
	}
	if manager.Get("room2") == a {
		t.Error("Expected distinct coordinators for distinct rooms")
	}
	if manager.RoomCount() != 2 {
		t.Errorf("Expected 2 rooms, got %d", manager.RoomCount())
	}

	if _, ok := manager.Lookup("room1"); !ok {
		t.Error("Expected lookup to find existing room")
	}
	if _, ok := manager.Lookup("ghost"); ok {
		t.Error("Expected lookup miss for unknown room")
	}
}

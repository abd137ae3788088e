// Package room implements the per-room actor. Each coordinator serializes
// all connection lifecycle and message handling for one room through a
// single event loop, so the hub, rate limiter, and message log need no
// cross-room coordination. The hosting layer guarantees at most one live
// coordinator per room key.
package room

import (
	"context"
	"errors"
	"log"
	"time"

	"roomcast/internal/hub"
	"roomcast/internal/presence"
	"roomcast/internal/protocol"
	"roomcast/internal/ratelimit"
	"roomcast/internal/storage"
	"roomcast/internal/syncer"
	"roomcast/internal/websocket"
	"roomcast/pkg/types"
)

const (
	eventBuffer     = 256
	presenceTimeout = 2 * time.Second
	opTimeout       = 10 * time.Second
)

// Config carries per-room tunables.
type Config struct {
	RateLimitMax    int
	RateLimitWindow time.Duration
	// SyncDelay is the deferred wake requested after a message arrival.
	SyncDelay time.Duration
	// SyncInterval is the reschedule delay while backlog remains.
	SyncInterval time.Duration
}

// DefaultConfig returns the production tunables.
func DefaultConfig() Config {
	return Config{
		RateLimitMax:    ratelimit.DefaultMaxPerWindow,
		RateLimitWindow: ratelimit.DefaultWindow,
		SyncDelay:       5 * time.Second,
		SyncInterval:    5 * time.Second,
	}
}

type event interface{}

type connectEvent struct {
	conn   *websocket.Connection
	result chan error
}

type frameEvent struct {
	conn *websocket.Connection
	data []byte
}

type disconnectEvent struct {
	conn *websocket.Connection
}

type alarmEvent struct{}

type rehydrateEvent struct {
	conns  []*websocket.Connection
	result chan struct{}
}

// Coordinator is the single-writer actor for one room.
type Coordinator struct {
	roomID   string
	cfg      Config
	hub      *hub.Hub
	limiter  *ratelimit.Limiter
	roomLog  *storage.Log
	engine   *syncer.Engine
	presence *presence.Service

	hasExternalStore bool

	events chan event
	done   chan struct{}

	// Loop-owned: the one-time initialization flag. First contact runs
	// Initialize; a failure leaves the room rejecting traffic until the
	// next contact retries.
	initialized bool
}

// NewCoordinator creates and starts the actor for roomID. external may be
// nil when no external store is configured; messages are then stored
// already-synced and sync passes degrade to local confirmation.
func NewCoordinator(roomID string, store *storage.Manager, external syncer.ExternalStore, presenceSvc *presence.Service, cfg Config) *Coordinator {
	c := &Coordinator{
		roomID:           roomID,
		cfg:              cfg,
		hub:              hub.NewHub(),
		limiter:          ratelimit.NewLimiter(cfg.RateLimitMax, cfg.RateLimitWindow),
		presence:         presenceSvc,
		hasExternalStore: external != nil,
		events:           make(chan event, eventBuffer),
		done:             make(chan struct{}),
	}
	c.roomLog = storage.NewLog(store, roomID, c.notifyAlarm)
	c.engine = syncer.NewEngine(c.roomLog, external)

	go c.run()

	return c
}

// RoomID returns the room key.
func (c *Coordinator) RoomID() string { return c.roomID }

// Connect registers a new participant connection: history replay to the new
// connection only, UserJoined to everyone else, presence join.
func (c *Coordinator) Connect(ctx context.Context, conn *websocket.Connection) error {
	result := make(chan error, 1)
	if err := c.enqueue(ctx, connectEvent{conn: conn, result: result}); err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrRoomStopped
	}
}

// HandleFrame queues one inbound frame. Frames from one connection are
// processed in arrival order.
func (c *Coordinator) HandleFrame(conn *websocket.Connection, data []byte) {
	if err := c.enqueue(context.Background(), frameEvent{conn: conn, data: data}); err != nil {
		log.Printf("Dropping frame for room %s: %v", c.roomID, err)
	}
}

// Disconnect removes a departed connection and announces UserLeft.
func (c *Coordinator) Disconnect(conn *websocket.Connection) {
	if err := c.enqueue(context.Background(), disconnectEvent{conn: conn}); err != nil {
		log.Printf("Dropping disconnect for room %s: %v", c.roomID, err)
	}
}

// Rehydrate re-registers surviving connections after a coordinator restart,
// rebuilding hub and presence state from each connection's identity tag
// without re-announcing UserJoined.
func (c *Coordinator) Rehydrate(ctx context.Context, conns []*websocket.Connection) error {
	result := make(chan struct{}, 1)
	if err := c.enqueue(ctx, rehydrateEvent{conns: conns, result: result}); err != nil {
		return err
	}
	select {
	case <-result:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrRoomStopped
	}
}

// RecentMessages serves the history query surface.
func (c *Coordinator) RecentMessages(ctx context.Context, limit int) ([]types.Message, error) {
	return c.roomLog.RecentMessages(ctx, limit)
}

// Settings returns the room settings, defaulted when unset.
func (c *Coordinator) Settings(ctx context.Context) (types.RoomSettings, error) {
	stored, err := c.roomLog.Settings(ctx)
	if err != nil {
		return types.RoomSettings{}, err
	}
	if stored == nil {
		return types.DefaultRoomSettings(), nil
	}
	return *stored, nil
}

// OnlineUsers returns the durable presence view for this room.
func (c *Coordinator) OnlineUsers(ctx context.Context) ([]string, int) {
	return c.presence.OnlineUsers(ctx, c.roomID)
}

// ConnectionCount reports live connections in this coordinator's hub.
func (c *Coordinator) ConnectionCount() int {
	return c.hub.ConnectionCount()
}

// Stop terminates the actor and closes all connections.
func (c *Coordinator) Stop() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

func (c *Coordinator) enqueue(ctx context.Context, ev event) error {
	select {
	case c.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrRoomStopped
	}
}

// notifyAlarm is invoked by the storage alarm timer goroutine.
func (c *Coordinator) notifyAlarm() {
	select {
	case c.events <- alarmEvent{}:
	case <-c.done:
	}
}

func (c *Coordinator) run() {
	for {
		select {
		case ev := <-c.events:
			c.dispatch(ev)
		case <-c.done:
			c.roomLog.StopAlarm()
			c.hub.CloseAll(websocket.CloseCodeNormal, "Server shutdown")
			return
		}
	}
}

// dispatch handles one event. Handler failures are converted to an Error
// event for the originating connection; nothing here terminates the actor.
func (c *Coordinator) dispatch(ev event) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	switch e := ev.(type) {
	case connectEvent:
		if err := c.ensureInitialized(ctx); err != nil {
			e.result <- err
			return
		}
		c.handleConnect(ctx, e.conn)
		e.result <- nil

	case frameEvent:
		if err := c.ensureInitialized(ctx); err != nil {
			c.sendError(e.conn, protocol.CodeInternal, "Room unavailable")
			return
		}
		c.handleFrame(ctx, e.conn, e.data)

	case disconnectEvent:
		c.handleDisconnect(ctx, e.conn)

	case alarmEvent:
		if err := c.ensureInitialized(ctx); err != nil {
			log.Printf("Skipping sync for uninitialized room %s: %v", c.roomID, err)
			return
		}
		if err := c.engine.SyncAndReschedule(ctx, c.cfg.SyncInterval); err != nil {
			log.Printf("Sync tick failed for room %s: %v", c.roomID, err)
		}

	case rehydrateEvent:
		if err := c.ensureInitialized(ctx); err != nil {
			log.Printf("Rehydration for room %s with uninitialized storage: %v", c.roomID, err)
		}
		for _, conn := range e.conns {
			c.hub.Register(conn)
			c.presenceJoin(conn.UserID())
		}
		e.result <- struct{}{}
	}
}

// ensureInitialized runs one-time setup, retried on every contact after a
// failure so a transient storage fault does not wedge the room forever.
func (c *Coordinator) ensureInitialized(ctx context.Context) error {
	if c.initialized {
		return nil
	}
	if err := c.roomLog.Initialize(ctx); err != nil {
		log.Printf("Room %s initialization failed: %v", c.roomID, err)
		return err
	}
	c.initialized = true
	return nil
}

func (c *Coordinator) handleConnect(ctx context.Context, conn *websocket.Connection) {
	c.hub.Register(conn)

	// History replay goes to the new connection before any live broadcast
	// can reach it; read failures degrade to an empty replay.
	history, err := c.roomLog.RecentMessages(ctx, storage.DefaultHistoryLimit)
	if err != nil {
		log.Printf("History replay unavailable for room %s: %v", c.roomID, err)
		history = nil
	}
	for _, msg := range history {
		if sendErr := conn.Send(protocol.NewMessageEvent(msg.ID, msg.UserID, msg.Text, msg.TS)); sendErr != nil {
			log.Printf("History replay to user %s interrupted: %v", conn.UserID(), sendErr)
			break
		}
	}

	c.hub.Broadcast(protocol.NewUserJoinedEvent(conn.UserID(), types.NowMillis()), conn.UserID())
	c.presenceJoin(conn.UserID())
}

func (c *Coordinator) handleFrame(ctx context.Context, conn *websocket.Connection, data []byte) {
	msg, parseErr := protocol.Decode(data)
	if parseErr != nil {
		log.Printf("Parse error from user %s in room %s: %s (raw: %q)",
			conn.UserID(), c.roomID, parseErr.Message, parseErr.Raw)
		c.sendError(conn, protocol.CodeParseError, "Invalid message format")
		return
	}

	var err error
	switch m := msg.(type) {
	case protocol.SendMessage:
		err = c.handleSendMessage(ctx, conn, m)
	case protocol.Typing:
		c.hub.Broadcast(protocol.NewUserTypingEvent(conn.UserID(), m.IsTyping), conn.UserID())
	case protocol.JoinRoom:
		c.hub.Broadcast(protocol.NewUserJoinedEvent(conn.UserID(), types.NowMillis()), conn.UserID())
	}

	if err != nil {
		log.Printf("Handler failure for user %s in room %s: %v", conn.UserID(), c.roomID, err)
		c.sendError(conn, protocol.CodeInternal, "Internal error")
	}
}

func (c *Coordinator) handleSendMessage(ctx context.Context, conn *websocket.Connection, m protocol.SendMessage) error {
	if err := c.limiter.Check(conn.UserID()); err != nil {
		log.Printf("Rate limited user %s in room %s", conn.UserID(), c.roomID)
		message := "rate limited"
		var rateErr *types.RateLimitedError
		if errors.As(err, &rateErr) {
			message = rateErr.Message
		}
		c.sendError(conn, protocol.CodeRateLimited, message)
		return nil
	}

	msg := types.Message{
		ID:     m.MsgID,
		RoomID: c.roomID,
		UserID: conn.UserID(),
		Text:   m.Text,
		TS:     types.NowMillis(),
		// Without an external store the local append is the durability
		// boundary, so the message is stored already synced.
		Synced: !c.hasExternalStore,
	}

	// The log write is the durability-defining step; broadcast afterwards
	// is best-effort notification.
	if err := c.roomLog.InsertMessage(ctx, msg); err != nil {
		return err
	}

	c.hub.Broadcast(protocol.NewMessageEvent(msg.ID, msg.UserID, msg.Text, msg.TS), conn.UserID())

	if err := conn.Send(protocol.NewAckEvent(m.MsgID, true)); err != nil {
		log.Printf("Ack to user %s failed: %v", conn.UserID(), err)
	}

	if err := c.roomLog.SetAlarm(c.cfg.SyncDelay); err != nil {
		log.Printf("Failed to arm sync wake for room %s: %v", c.roomID, err)
	}

	c.presenceHeartbeat(conn.UserID())
	return nil
}

func (c *Coordinator) handleDisconnect(ctx context.Context, conn *websocket.Connection) {
	c.hub.Unregister(conn)

	pctx, cancel := context.WithTimeout(ctx, presenceTimeout)
	defer cancel()
	if err := c.presence.Leave(pctx, c.roomID, conn.UserID()); err != nil {
		log.Printf("Presence leave failed for user %s in room %s: %v", conn.UserID(), c.roomID, err)
	}

	c.hub.Broadcast(protocol.NewUserLeftEvent(conn.UserID(), types.NowMillis()), "")
}

func (c *Coordinator) sendError(conn *websocket.Connection, code, message string) {
	if err := conn.Send(protocol.NewErrorEvent(code, message)); err != nil {
		log.Printf("Failed to send %s to user %s: %v", code, conn.UserID(), err)
	}
}

// presenceJoin and presenceHeartbeat are best-effort: presence never blocks
// messaging.
func (c *Coordinator) presenceJoin(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	if err := c.presence.Join(ctx, c.roomID, userID); err != nil {
		log.Printf("Presence join failed for user %s in room %s: %v", userID, c.roomID, err)
	}
}

func (c *Coordinator) presenceHeartbeat(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	if err := c.presence.Heartbeat(ctx, c.roomID, userID); err != nil {
		log.Printf("Presence heartbeat failed for user %s in room %s: %v", userID, c.roomID, err)
	}
}

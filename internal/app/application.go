// Package app wires all components together and owns their lifecycle.
package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"roomcast/internal/config"
	"roomcast/internal/presence"
	"roomcast/internal/room"
	"roomcast/internal/server"
	"roomcast/internal/storage"
	"roomcast/internal/syncer"
)

// Application coordinates all system components. Initialization follows
// dependency order: storage, external store, presence, rooms, HTTP.
type Application struct {
	config     *config.Config
	storage    *storage.Manager
	external   *syncer.PostgresStore
	redis      *redis.Client
	presence   *presence.Service
	rooms      *room.Manager
	httpServer *http.Server
}

// NewApplication builds and wires every component. The external store and
// Redis checkpoint are optional: when unconfigured, sync degrades to local
// confirmation and presence runs memory-only.
func NewApplication(ctx context.Context, cfg *config.Config) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	storageManager, err := storage.NewManager(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	var externalStore *syncer.PostgresStore
	// The room coordinators take the external store as an interface; a nil
	// pointer must not be wrapped into a non-nil interface value.
	var externalRef syncer.ExternalStore
	if cfg.Sync.PostgresURL != "" {
		externalStore, err = syncer.NewPostgresStore(ctx, cfg.Sync.PostgresURL)
		if err != nil {
			storageManager.Close()
			return nil, fmt.Errorf("failed to connect external store: %w", err)
		}
		externalRef = externalStore
	} else {
		log.Println("No external store configured; messages are confirmed locally")
	}

	var redisClient *redis.Client
	var checkpoint presence.Checkpoint
	if cfg.Presence.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.Presence.RedisAddr})
		checkpoint = presence.NewRedisCheckpoint(redisClient)
	} else {
		log.Println("No presence checkpoint configured; presence is memory-only")
	}

	presenceService := presence.NewService(checkpoint, cfg.Presence.TTL, cfg.Presence.SweepInterval)

	rooms := room.NewManager(storageManager, externalRef, presenceService, room.Config{
		RateLimitMax:    cfg.RateLimit.MaxPerWindow,
		RateLimitWindow: cfg.RateLimit.Window,
		SyncDelay:       cfg.Sync.Delay,
		SyncInterval:    cfg.Sync.Interval,
	})

	apiServer := server.NewServer(rooms, presence.NewHandler(presenceService),
		cfg.WebSocket.ReadTimeout, cfg.WebSocket.PingInterval)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      apiServer,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:     cfg,
		storage:    storageManager,
		external:   externalStore,
		redis:      redisClient,
		presence:   presenceService,
		rooms:      rooms,
		httpServer: httpServer,
	}, nil
}

// Start begins serving. Returns once the listener is up or startup failed.
func (app *Application) Start(ctx context.Context) error {
	log.Printf("Starting roomcast on %s", app.httpServer.Addr)

	serverErrCh := make(chan error, 1)
	go func() {
		if err := app.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	select {
	case err := <-serverErrCh:
		return err
	case <-time.After(100 * time.Millisecond):
		log.Printf("roomcast started")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop shuts components down in reverse dependency order: HTTP first so no
// new connections arrive, then rooms, presence, and the stores.
func (app *Application) Stop(ctx context.Context) error {
	log.Printf("Shutting down roomcast")

	if err := app.httpServer.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	app.rooms.Stop()
	app.presence.Close()

	if app.external != nil {
		app.external.Close()
	}
	if app.redis != nil {
		if err := app.redis.Close(); err != nil {
			log.Printf("Redis shutdown error: %v", err)
		}
	}
	if err := app.storage.Close(); err != nil {
		log.Printf("Storage shutdown error: %v", err)
	}

	log.Printf("roomcast shutdown complete")
	return nil
}

// Addr returns the server address for external connections.
func (app *Application) Addr() string {
	return app.httpServer.Addr
}

// Package app assembles the bridge: storage, Play gateway, Matrix client,
// reply queue, supervisor, and the operator command surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"maunium.net/go/mautrix/event"

	"github.com/bdobrica/playbridge/internal/bridge/commands"
	"github.com/bdobrica/playbridge/internal/bridge/config"
	"github.com/bdobrica/playbridge/internal/bridge/matrixio"
	"github.com/bdobrica/playbridge/internal/bridge/playapi"
	"github.com/bdobrica/playbridge/internal/bridge/replyqueue"
	"github.com/bdobrica/playbridge/internal/bridge/store"
	"github.com/bdobrica/playbridge/internal/bridge/supervisor"
)

// App is the assembled bridge process.
type App struct {
	config  *config.Config
	store   *store.Store
	gateway *playapi.Gateway
	matrix  *matrixio.Client
	queue   *replyqueue.Queue
	sup     *supervisor.Supervisor
	router  *commands.Router
	health  *HealthServer
}

// New wires the bridge from its configuration.
func New(cfg *config.Config) (*App, error) {
	slog.Info("opening database", "path", cfg.DatabasePath)
	st, err := store.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	slog.Info("authenticating with Google Play")
	gateway, err := playapi.New(context.Background(), cfg.ServiceAccountKeyPath)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to initialize Play gateway: %w", err)
	}

	slog.Info("connecting to Matrix", "homeserver", cfg.Homeserver)
	matrixClient, err := matrixio.New(&matrixio.Config{
		Homeserver:  cfg.Homeserver,
		UserID:      cfg.UserID,
		AccessToken: cfg.AccessToken,
		AdminRooms:  cfg.AdminRooms,
		DB:          st.DB(),
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to initialize Matrix client: %w", err)
	}

	// The sink and queue need the supervisor for room mapping and stats,
	// and the supervisor needs them back; the closures resolve the cycle by
	// binding late.
	var sup *supervisor.Supervisor

	sink := matrixio.NewBridgeSink(gateway, st, matrixClient, func(pkg string) (string, bool) {
		return sup.RoomFor(pkg)
	})

	queue := replyqueue.New(gateway, sink, func(pkg string) replyqueue.Counters {
		if c := sup.CountersFor(pkg); c != nil {
			return c
		}
		return nil
	})

	sup = supervisor.New(gateway, st, sink, queue)

	router := commands.NewRouter(cfg.CommandPrefix)
	handlers := commands.NewHandlers(commands.HandlersConfig{
		Controller: sup,
		Queue:      queue,
		Prefix:     cfg.CommandPrefix,
	})
	handlers.RegisterAll(router)

	var health *HealthServer
	if cfg.HTTPAddr != "" {
		health = NewHealthServer(cfg.HTTPAddr, sup, st)
		slog.Info("health server configured", "addr", cfg.HTTPAddr)
	}

	return &App{
		config:  cfg,
		store:   st,
		gateway: gateway,
		matrix:  matrixClient,
		queue:   queue,
		sup:     sup,
		router:  router,
		health:  health,
	}, nil
}

// Run starts the bridge and blocks until SIGINT/SIGTERM.
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if a.health != nil {
		if err := a.health.Start(ctx); err != nil {
			slog.Warn("health server failed to start; continuing without it", "err", err)
		}
	}

	slog.Info("starting Matrix sync")
	if err := a.matrix.Start(ctx, a.handleMessage); err != nil {
		return fmt.Errorf("failed to start Matrix client: %w", err)
	}

	a.sup.Start()

	// Register apps from the file; a bad entry is reported, the rest still
	// come up.
	if a.config.AppsFile != "" {
		apps, err := config.LoadApps(a.config.AppsFile)
		if err != nil {
			return fmt.Errorf("failed to load apps file: %w", err)
		}
		for _, app := range apps {
			if err := a.sup.Register(ctx, app.Registration()); err != nil {
				slog.Error("failed to register app from file",
					"package", app.Package, "err", err)
			}
		}
	}

	for _, roomID := range a.config.AdminRooms {
		if err := a.matrix.SendNotice(roomID,
			"✅ Play review bridge started. Type "+a.config.CommandPrefix+"help for commands."); err != nil {
			slog.Warn("failed to send startup notice", "room", roomID, "err", err)
		}
	}

	slog.Info("playbridge is running; press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down")
	return nil
}

// Stop tears the bridge down: pollers stop, the reply queue gets its final
// drain, then the Matrix client and database close.
func (a *App) Stop() {
	a.sup.Shutdown()

	slog.Info("stopping Matrix client")
	a.matrix.Stop()

	if a.health != nil {
		slog.Info("stopping health server")
		a.health.Stop()
	}

	slog.Info("closing database")
	a.store.Close()
}

// handleMessage routes operator messages from accepted rooms.
func (a *App) handleMessage(ctx context.Context, evt *event.Event) {
	roomID := evt.RoomID.String()
	if !a.roomAccepted(roomID) {
		return
	}

	// Enforce the sender allowlist when configured.
	if len(a.config.AdminSenders) > 0 &&
		!slices.Contains(a.config.AdminSenders, evt.Sender.String()) {
		return
	}

	msgContent := evt.Content.AsMessage()
	if msgContent == nil {
		return
	}

	response, err := a.router.Route(ctx, msgContent.Body, evt)
	if err != nil {
		if errors.Is(err, commands.ErrNotACommand) {
			return // ordinary chat
		}
		if sendErr := a.matrix.ReplyToMessage(roomID, evt.ID.String(),
			fmt.Sprintf("❌ Error: %s", err)); sendErr != nil {
			slog.Error("failed to send error reply", "room", roomID, "err", sendErr)
		}
		return
	}

	if response != "" {
		if err := a.matrix.SendNotice(roomID, response); err != nil {
			slog.Error("failed to send response", "room", roomID, "err", err)
		}
	}
}

// roomAccepted reports whether commands are processed from this room:
// configured admin rooms plus every bridged review room.
func (a *App) roomAccepted(roomID string) bool {
	if slices.Contains(a.config.AdminRooms, roomID) {
		return true
	}
	_, ok := a.sup.PackageForRoom(roomID)
	return ok
}

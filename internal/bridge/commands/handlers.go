package commands

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"maunium.net/go/mautrix/event"

	"github.com/bdobrica/playbridge/common/version"
	"github.com/bdobrica/playbridge/internal/bridge/supervisor"
)

// Controller is the slice of the supervisor's control surface the command
// handlers drive.
type Controller interface {
	Register(ctx context.Context, reg supervisor.Registration) error
	Unregister(pkg string) error
	Pause()
	Resume()
	Paused() bool
	Stats() supervisor.Snapshot
	Registrations() []supervisor.Registration
	PackageForRoom(roomID string) (string, bool)
}

// ReplyQueue is the outbound queue replies are handed to.
type ReplyQueue interface {
	Enqueue(pkg, reviewID, replyText, originEventID, originRoomID, senderID string) error
}

// HandlersConfig wires the handlers' dependencies.
type HandlersConfig struct {
	Controller Controller
	Queue      ReplyQueue
	Prefix     string
}

// Handlers implements the operator commands.
type Handlers struct {
	controller Controller
	queue      ReplyQueue
	prefix     string
}

// NewHandlers creates the command handlers.
func NewHandlers(cfg HandlersConfig) *Handlers {
	return &Handlers{
		controller: cfg.Controller,
		queue:      cfg.Queue,
		prefix:     cfg.Prefix,
	}
}

// RegisterAll attaches every handler to the router.
func (h *Handlers) RegisterAll(r *Router) {
	r.Register("help", h.HandleHelp)
	r.Register("version", h.HandleVersion)
	r.Register("ping", h.HandlePing)
	r.Register("addapp", h.HandleAddApp)
	r.Register("removeapp", h.HandleRemoveApp)
	r.Register("apps", h.HandleApps)
	r.Register("stats", h.HandleStats)
	r.Register("pause", h.HandlePause)
	r.Register("resume", h.HandleResume)
	r.Register("reply", h.HandleReply)
}

// HandleHelp lists the available commands.
func (h *Handlers) HandleHelp(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	p := h.prefix
	return strings.Join([]string{
		"Available commands:",
		p + "addapp <package> [--room <roomId>] [--interval <dur>] [--max <n>] [--lookback <days>] - bridge an app's reviews",
		p + "removeapp <package> - stop bridging an app",
		p + "apps - list bridged apps",
		p + "stats [package] - show per-package statistics",
		p + "pause / " + p + "resume - suspend or restart polling",
		p + "reply <reviewId> <text...> - post a developer reply",
		p + "ping / " + p + "version / " + p + "help",
	}, "\n"), nil
}

// HandleVersion reports the build version.
func (h *Handlers) HandleVersion(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	return "playbridge " + version.Info(), nil
}

// HandlePing answers pong.
func (h *Handlers) HandlePing(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	return "pong", nil
}

// HandleAddApp registers a package. The target room defaults to the room
// the command was issued in.
func (h *Handlers) HandleAddApp(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	pkg, ok := cmd.GetArg(0)
	if !ok {
		return "", fmt.Errorf("usage: %saddapp <package> [--room <roomId>]", h.prefix)
	}

	roomID := cmd.GetFlag("room", evt.RoomID.String())

	interval := time.Minute
	if v := cmd.GetFlag("interval", ""); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return "", fmt.Errorf("invalid --interval %q: %w", v, err)
		}
		interval = d
	}

	maxReviews := 0
	if v := cmd.GetFlag("max", ""); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return "", fmt.Errorf("invalid --max %q: %w", v, err)
		}
		maxReviews = n
	}

	lookback := 0
	if v := cmd.GetFlag("lookback", ""); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return "", fmt.Errorf("invalid --lookback %q: %w", v, err)
		}
		lookback = n
	}

	err := h.controller.Register(ctx, supervisor.Registration{
		PackageName:       pkg,
		MatrixRoomID:      roomID,
		PollInterval:      interval,
		MaxReviewsPerPoll: maxReviews,
		LookbackDays:      lookback,
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("✅ Now bridging %s into %s", pkg, roomID), nil
}

// HandleRemoveApp unregisters a package.
func (h *Handlers) HandleRemoveApp(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	pkg, ok := cmd.GetArg(0)
	if !ok {
		return "", fmt.Errorf("usage: %sremoveapp <package>", h.prefix)
	}
	if err := h.controller.Unregister(pkg); err != nil {
		return "", err
	}
	return fmt.Sprintf("✅ Stopped bridging %s", pkg), nil
}

// HandleApps lists the active registrations.
func (h *Handlers) HandleApps(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	regs := h.controller.Registrations()
	if len(regs) == 0 {
		return "No apps bridged. Use " + h.prefix + "addapp to add one.", nil
	}
	var b strings.Builder
	b.WriteString("Bridged apps:\n")
	for _, reg := range regs {
		fmt.Fprintf(&b, "%s → %s (every %s, lookback %dd)\n",
			reg.PackageName, reg.MatrixRoomID, reg.PollInterval, reg.LookbackDays)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// HandleStats reports per-package counters plus queue depth.
func (h *Handlers) HandleStats(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	snap := h.controller.Stats()
	filter, _ := cmd.GetArg(0)

	var b strings.Builder
	shown := 0
	for _, p := range snap.Packages {
		if filter != "" && p.Registration.PackageName != filter {
			continue
		}
		shown++
		state := "active"
		if !p.Active {
			state = "stopped"
		}
		lastPoll := "never"
		if !p.Stats.LastPollAt.IsZero() {
			lastPoll = p.Stats.LastPollAt.Format(time.RFC3339)
		}
		fmt.Fprintf(&b, "%s (%s): processed=%d new=%d updated=%d replies=%d errors=%d lastPoll=%s\n",
			p.Registration.PackageName, state,
			p.Stats.TotalProcessed, p.Stats.NewReviews, p.Stats.UpdatedReviews,
			p.Stats.RepliesSent, p.Stats.Errors, lastPoll)
	}
	if shown == 0 {
		if filter != "" {
			return "", fmt.Errorf("no stats for package %s", filter)
		}
		b.WriteString("No packages registered.\n")
	}

	fmt.Fprintf(&b, "reply queue depth: %d", snap.QueueDepth)
	if !snap.GatewayReady {
		b.WriteString("\n⚠️ Play gateway is unready (authentication failure)")
	}
	if snap.Paused {
		b.WriteString("\n⏸ polling is paused")
	}
	return b.String(), nil
}

// HandlePause suspends all pollers. Queued replies continue to drain.
func (h *Handlers) HandlePause(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	if h.controller.Paused() {
		return "Polling is already paused.", nil
	}
	h.controller.Pause()
	return "⏸ Polling paused. Queued replies still flow; " + h.prefix + "resume to restart.", nil
}

// HandleResume restarts the pollers from their retained watermarks.
func (h *Handlers) HandleResume(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	if !h.controller.Paused() {
		return "Polling is not paused.", nil
	}
	h.controller.Resume()
	return "▶ Polling resumed.", nil
}

// HandleReply queues a developer reply for the review. The package is taken
// from --package, falling back to the app bridged into the room the command
// was issued in.
func (h *Handlers) HandleReply(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	reviewID, ok := cmd.GetArg(0)
	if !ok {
		return "", fmt.Errorf("usage: %sreply <reviewId> <text...>", h.prefix)
	}
	text := cmd.ArgsFrom(1)
	if text == "" {
		return "", fmt.Errorf("reply text must not be empty")
	}

	pkg := cmd.GetFlag("package", "")
	if pkg == "" {
		var found bool
		pkg, found = h.controller.PackageForRoom(evt.RoomID.String())
		if !found {
			return "", fmt.Errorf("no app is bridged into this room; pass --package")
		}
	}

	err := h.queue.Enqueue(pkg, reviewID, text, evt.ID.String(), evt.RoomID.String(), evt.Sender.String())
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("📤 Reply queued for review %s; you'll get a notice once Play accepts it.", reviewID), nil
}

package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/bdobrica/playbridge/common/version"
	"github.com/bdobrica/playbridge/internal/bridge/supervisor"
)

// HealthServer exposes /health and /status. Optional; the bridge runs
// without it when HTTPAddr is empty.
type HealthServer struct {
	addr      string
	stats     statsProvider
	reviews   reviewCounter
	startedAt time.Time
	server    *http.Server
	mux       *http.ServeMux
}

// statsProvider is the minimal interface the health server needs from the
// supervisor.
type statsProvider interface {
	Stats() supervisor.Snapshot
}

// reviewCounter is the minimal interface it needs from the store.
type reviewCounter interface {
	ReviewCount(ctx context.Context) (int, error)
}

// healthResponse is returned by GET /health.
type healthResponse struct {
	Status       string `json:"status"`
	Version      string `json:"version"`
	Commit       string `json:"commit"`
	GatewayReady bool   `json:"gateway_ready"`
}

// statusResponse is returned by GET /status.
type statusResponse struct {
	Status       string                       `json:"status"`
	Version      string                       `json:"version"`
	Commit       string                       `json:"commit"`
	BuildTime    string                       `json:"build_time"`
	StartedAt    time.Time                    `json:"started_at"`
	UptimeSecs   float64                      `json:"uptime_seconds"`
	GatewayReady bool                         `json:"gateway_ready"`
	Paused       bool                         `json:"paused"`
	QueueDepth   int                          `json:"queue_depth"`
	KnownReviews int                          `json:"known_reviews"`
	Packages     map[string]packageStatusJSON `json:"packages"`
}

type packageStatusJSON struct {
	Room   string                 `json:"room"`
	Active bool                   `json:"active"`
	Stats  supervisor.StatsValues `json:"stats"`
}

// NewHealthServer creates and configures the HTTP server (does not start it).
func NewHealthServer(addr string, stats statsProvider, reviews reviewCounter) *HealthServer {
	mux := http.NewServeMux()
	hs := &HealthServer{
		addr:      addr,
		stats:     stats,
		reviews:   reviews,
		startedAt: time.Now(),
		mux:       mux,
	}
	mux.HandleFunc("/health", hs.handleHealth)
	mux.HandleFunc("/status", hs.handleStatus)
	return hs
}

// ServeHTTP implements http.Handler so the server can be tested with
// httptest.NewRecorder.
func (h *HealthServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// Start begins listening in the background. Blocks until the listener is
// established so the caller knows the port is open before returning.
func (h *HealthServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("health server: listen %s: %w", h.addr, err)
	}

	h.server = &http.Server{
		Handler:      h,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("health server listening", "addr", ln.Addr().String())
		if err := h.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("health server stopped", "err", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.server.Shutdown(shutdownCtx); err != nil {
			slog.Warn("health server shutdown error", "err", err)
		}
	}()

	return nil
}

// Stop shuts down the HTTP server.
func (h *HealthServer) Stop() {
	if h.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.server.Shutdown(ctx); err != nil {
		slog.Warn("health server shutdown error", "err", err)
	}
}

func (h *HealthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := h.stats.Stats()
	writeJSON(w, http.StatusOK, healthResponse{
		Status:       "ok",
		Version:      version.Version,
		Commit:       version.GitCommit,
		GatewayReady: snap.GatewayReady,
	})
}

func (h *HealthServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := h.stats.Stats()

	known := 0
	if h.reviews != nil {
		if n, err := h.reviews.ReviewCount(r.Context()); err == nil {
			known = n
		}
	}

	pkgs := make(map[string]packageStatusJSON, len(snap.Packages))
	for _, p := range snap.Packages {
		pkgs[p.Registration.PackageName] = packageStatusJSON{
			Room:   p.Registration.MatrixRoomID,
			Active: p.Active,
			Stats:  p.Stats,
		}
	}

	writeJSON(w, http.StatusOK, statusResponse{
		Status:       "ok",
		Version:      version.Version,
		Commit:       version.GitCommit,
		BuildTime:    version.BuildTime,
		StartedAt:    h.startedAt,
		UptimeSecs:   time.Since(h.startedAt).Seconds(),
		GatewayReady: snap.GatewayReady,
		Paused:       snap.Paused,
		QueueDepth:   snap.QueueDepth,
		KnownReviews: known,
		Packages:     pkgs,
	})
}

// writeJSON serialises v as JSON and writes it to w with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("health: failed to encode JSON response", "err", err)
	}
}

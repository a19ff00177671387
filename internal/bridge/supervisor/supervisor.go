// Package supervisor owns the lifecycle of the bridge's moving parts: one
// poller per registered application, the reply-queue drainer, and the
// per-package registry of watermarks and statistics. It is the only writer
// of component state; everything lives in a single registry under one mutex
// so register/unregister cannot race across structures.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/bdobrica/playbridge/common/retry"
	"github.com/bdobrica/playbridge/internal/bridge/playapi"
	"github.com/bdobrica/playbridge/internal/bridge/poller"
)

// maxLookbackDays caps the initial watermark window: Play hides reviews
// older than seven days from both list and reply.
const maxLookbackDays = 7

// clock abstracts time.Now for tests.
type clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Gateway is the slice of the Play gateway the supervisor consumes, wide
// enough to hand to pollers.
type Gateway interface {
	poller.ReviewLister
	TestConnection(ctx context.Context, pkg string) error
	Ready() bool
	Close()
}

// ReplyDrainer is the slice of the reply queue the supervisor drives.
type ReplyDrainer interface {
	Run(ctx context.Context)
	DrainOnce(ctx context.Context)
	Depth() int
}

// Registration describes one bridged application. Immutable while its
// poller runs.
type Registration struct {
	PackageName       string
	MatrixRoomID      string
	PollInterval      time.Duration
	MaxReviewsPerPoll int
	LookbackDays      int
}

// packageState is the registry entry: registration, watermark, stats, and
// the running poller's handle. The watermark lives here — not in the poller
// — so pause/resume keeps its position. Re-registration after Unregister
// creates a new entry with a fresh watermark.
type packageState struct {
	reg    Registration
	stats  *PackageStats
	poller *poller.Poller

	mu        sync.Mutex // guards watermark
	watermark time.Time

	active bool
	cancel context.CancelFunc
	done   chan struct{}
}

// Watermark implements poller.Cursor.
func (st *packageState) Watermark() time.Time {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.watermark
}

// Advance implements poller.Cursor.
func (st *packageState) Advance(t time.Time) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if t.After(st.watermark) {
		st.watermark = t
	}
}

// Supervisor is the bridge's control plane.
type Supervisor struct {
	gateway Gateway
	index   poller.ReviewIndex
	sink    poller.Sink
	queue   ReplyDrainer
	clk     clock

	mu       sync.Mutex
	packages map[string]*packageState
	paused   bool

	ctx       context.Context
	cancel    context.CancelFunc
	queueDone chan struct{}
	started   bool
}

// New creates an idle supervisor. Call Start to launch the reply drainer,
// then Register per application.
func New(gateway Gateway, index poller.ReviewIndex, sink poller.Sink, queue ReplyDrainer) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		gateway:  gateway,
		index:    index,
		sink:     sink,
		queue:    queue,
		clk:      realClock{},
		packages: make(map[string]*packageState),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the reply-queue drainer. Idempotent.
func (s *Supervisor) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.queueDone = make(chan struct{})
	go func() {
		defer close(s.queueDone)
		s.queue.Run(s.ctx)
	}()
	slog.Info("supervisor: reply drainer started")
}

// Register verifies credentials and package access, initializes stats and
// the watermark, and starts the poller. Fails loudly when the connection
// test fails so a bad registration never sits silent.
func (s *Supervisor) Register(ctx context.Context, reg Registration) error {
	if reg.PackageName == "" {
		return fmt.Errorf("package name must not be empty")
	}
	if reg.MatrixRoomID == "" {
		return fmt.Errorf("matrix room id must not be empty")
	}
	if reg.PollInterval <= 0 {
		reg.PollInterval = time.Minute
	}
	if reg.MaxReviewsPerPoll <= 0 {
		reg.MaxReviewsPerPoll = 100
	}
	if reg.LookbackDays <= 0 || reg.LookbackDays > maxLookbackDays {
		reg.LookbackDays = maxLookbackDays
	}

	s.mu.Lock()
	if st, ok := s.packages[reg.PackageName]; ok && st.active {
		s.mu.Unlock()
		return fmt.Errorf("package %s is already registered", reg.PackageName)
	}
	s.mu.Unlock()

	// Probe outside the lock: the connection test is a network call.
	// Transient upstream trouble gets a short retry budget; auth failures
	// surface immediately.
	err := retry.Do(ctx, retry.Config{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		ShouldRetry: func(err error) bool {
			switch playapi.KindOf(err) {
			case playapi.KindAPI, playapi.KindClient, playapi.KindRateLimit:
				return true
			}
			return false
		},
	}, func() error {
		return s.gateway.TestConnection(ctx, reg.PackageName)
	})
	if err != nil {
		return fmt.Errorf("connection test for %s failed: %w", reg.PackageName, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.packages[reg.PackageName]; ok && st.active {
		return fmt.Errorf("package %s is already registered", reg.PackageName)
	}

	st := &packageState{
		reg:       reg,
		stats:     &PackageStats{},
		watermark: s.clk.Now().Add(-time.Duration(reg.LookbackDays) * 24 * time.Hour),
	}
	st.poller = poller.New(poller.Config{
		PackageName:       reg.PackageName,
		Interval:          reg.PollInterval,
		MaxReviewsPerPoll: reg.MaxReviewsPerPoll,
	}, s.gateway, s.index, s.sink, st, st.stats)

	s.packages[reg.PackageName] = st
	if s.paused {
		// Registered but idle; Resume starts the poller.
		st.active = true
	} else {
		s.startPollerLocked(st)
	}

	slog.Info("supervisor: package registered",
		"package", reg.PackageName, "room", reg.MatrixRoomID,
		"interval", reg.PollInterval, "lookbackDays", reg.LookbackDays)
	return nil
}

// Unregister stops the package's poller. Stats are retained for reporting;
// a later Register for the same package starts fresh.
func (s *Supervisor) Unregister(pkg string) error {
	s.mu.Lock()
	st, ok := s.packages[pkg]
	if !ok || !st.active {
		s.mu.Unlock()
		return fmt.Errorf("package %s is not registered", pkg)
	}
	s.stopPollerLocked(st)
	st.active = false
	s.mu.Unlock()

	slog.Info("supervisor: package unregistered", "package", pkg)
	return nil
}

// Pause stops all poller timers. The reply drainer keeps running so replies
// already queued still flow.
func (s *Supervisor) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused {
		return
	}
	s.paused = true
	for _, st := range s.packages {
		if st.active {
			s.stopPollerLocked(st)
		}
	}
	slog.Info("supervisor: polling paused")
}

// Resume restarts pollers for all registered packages from their retained
// watermarks.
func (s *Supervisor) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.paused {
		return
	}
	s.paused = false
	for _, st := range s.packages {
		if st.active {
			s.startPollerLocked(st)
		}
	}
	slog.Info("supervisor: polling resumed")
}

// Paused reports whether polling is currently paused.
func (s *Supervisor) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Shutdown stops all pollers, runs a final synchronous drain so replies
// queued moments before shutdown are attempted once, and releases the
// gateway.
func (s *Supervisor) Shutdown() {
	s.cancel()

	s.mu.Lock()
	for _, st := range s.packages {
		if st.active {
			s.stopPollerLocked(st)
		}
	}
	started := s.started
	queueDone := s.queueDone
	s.mu.Unlock()

	if started {
		<-queueDone
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s.queue.DrainOnce(drainCtx)

	s.gateway.Close()
	slog.Info("supervisor: shut down")
}

// startPollerLocked launches st's poller. Caller holds s.mu.
func (s *Supervisor) startPollerLocked(st *packageState) {
	ctx, cancel := context.WithCancel(s.ctx)
	st.active = true
	st.cancel = cancel
	st.done = make(chan struct{})
	done := st.done
	go func() {
		defer close(done)
		st.poller.Run(ctx)
	}()
}

// stopPollerLocked cancels st's poller and waits for it to exit so a
// subsequent start cannot overlap. Caller holds s.mu.
func (s *Supervisor) stopPollerLocked(st *packageState) {
	if st.cancel == nil {
		return
	}
	st.cancel()
	<-st.done
	st.cancel = nil
	st.done = nil
}

// CountersFor resolves the per-package counters for the reply queue.
// Returns nil for unknown packages.
func (s *Supervisor) CountersFor(pkg string) *PackageStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.packages[pkg]; ok {
		return st.stats
	}
	return nil
}

// RoomFor returns the Matrix room a package bridges into.
func (s *Supervisor) RoomFor(pkg string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.packages[pkg]; ok && st.active {
		return st.reg.MatrixRoomID, true
	}
	return "", false
}

// PackageForRoom resolves the registered package bridged into a room.
func (s *Supervisor) PackageForRoom(roomID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for pkg, st := range s.packages {
		if st.active && st.reg.MatrixRoomID == roomID {
			return pkg, true
		}
	}
	return "", false
}

// Registrations returns the active registrations, sorted by package name.
func (s *Supervisor) Registrations() []Registration {
	s.mu.Lock()
	defer s.mu.Unlock()
	regs := make([]Registration, 0, len(s.packages))
	for _, st := range s.packages {
		if st.active {
			regs = append(regs, st.reg)
		}
	}
	sort.Slice(regs, func(i, j int) bool { return regs[i].PackageName < regs[j].PackageName })
	return regs
}

// PackageSnapshot is one package's slice of a stats snapshot.
type PackageSnapshot struct {
	Registration Registration
	Stats        StatsValues
	Watermark    time.Time
	Active       bool
}

// Snapshot is a consistent copy of all package stats plus queue depth and
// gateway readiness.
type Snapshot struct {
	Packages     []PackageSnapshot
	QueueDepth   int
	GatewayReady bool
	Paused       bool
}

// Stats returns a consistent snapshot for reporting.
func (s *Supervisor) Stats() Snapshot {
	s.mu.Lock()
	pkgs := make([]PackageSnapshot, 0, len(s.packages))
	for _, st := range s.packages {
		st.mu.Lock()
		wm := st.watermark
		st.mu.Unlock()
		pkgs = append(pkgs, PackageSnapshot{
			Registration: st.reg,
			Stats:        st.stats.Snapshot(),
			Watermark:    wm,
			Active:       st.active,
		})
	}
	paused := s.paused
	s.mu.Unlock()

	sort.Slice(pkgs, func(i, j int) bool {
		return pkgs[i].Registration.PackageName < pkgs[j].Registration.PackageName
	})
	return Snapshot{
		Packages:     pkgs,
		QueueDepth:   s.queue.Depth(),
		GatewayReady: s.gateway.Ready(),
		Paused:       paused,
	}
}

// Package poller implements the per-application review poll loop: fetch
// reviews modified since the package watermark, classify each against the
// durable index, and hand new or changed reviews to the Matrix side.
package poller

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/bdobrica/playbridge/internal/bridge/playapi"
	"github.com/bdobrica/playbridge/internal/bridge/store"
)

// pageSize is the per-call fetch size; Play caps list calls at 100.
const pageSize = 100

// clock abstracts time.Now/time.After for tests.
type clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// ReviewLister is the slice of the Play gateway the poller consumes.
type ReviewLister interface {
	ListReviews(ctx context.Context, pkg string, maxResults int64, token, translationLang string) ([]playapi.Review, string, error)
}

// ReviewIndex is the slice of the durable store the poller consumes.
type ReviewIndex interface {
	GetReview(ctx context.Context, reviewID string) (*store.ReviewEntry, error)
	PutReview(ctx context.Context, entry *store.ReviewEntry) error
}

// Sink receives new and updated reviews on the Matrix side.
type Sink interface {
	DeliverReview(ctx context.Context, reviewID, packageName string) error
	EnsureVirtualUser(ctx context.Context, reviewID, authorName string) error
}

// Cursor exposes the package watermark. The supervisor owns the value so it
// survives poller restarts (pause/resume).
type Cursor interface {
	Watermark() time.Time
	Advance(t time.Time)
}

// Counters records per-package statistics. Implemented by the supervisor's
// package state.
type Counters interface {
	MarkPoll(at time.Time)
	AddProcessed(n int)
	AddNew(n int)
	AddUpdated(n int)
	AddErrors(n int)
}

// Config describes one polling worker.
type Config struct {
	PackageName       string
	Interval          time.Duration
	MaxReviewsPerPoll int
}

// Poller drives the poll loop for a single registered application.
type Poller struct {
	cfg      Config
	gateway  ReviewLister
	index    ReviewIndex
	sink     Sink
	cursor   Cursor
	counters Counters
	clk      clock

	// inFlight guards against overlapping ticks: a tick that fires while the
	// previous one is still running is skipped, not queued.
	inFlight atomic.Bool
}

// New creates a poller. Interval and MaxReviewsPerPoll fall back to one
// minute and 100 when unset.
func New(cfg Config, gateway ReviewLister, index ReviewIndex, sink Sink, cursor Cursor, counters Counters) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.MaxReviewsPerPoll <= 0 {
		cfg.MaxReviewsPerPoll = pageSize
	}
	return &Poller{
		cfg:      cfg,
		gateway:  gateway,
		index:    index,
		sink:     sink,
		cursor:   cursor,
		counters: counters,
		clk:      realClock{},
	}
}

// Run polls immediately, then on every interval until ctx is cancelled.
// Ticks are scheduled regardless of whether the previous tick finished;
// overlap is prevented by skipping, so a slow upstream delays coverage
// instead of stacking requests.
func (p *Poller) Run(ctx context.Context) {
	p.tickAsync(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("poller: stopped", "package", p.cfg.PackageName)
			return
		case <-p.clk.After(p.cfg.Interval):
			p.tickAsync(ctx)
		}
	}
}

// tickAsync runs one tick in the background unless one is already running.
func (p *Poller) tickAsync(ctx context.Context) {
	if !p.inFlight.CompareAndSwap(false, true) {
		slog.Debug("poller: previous tick still running, skipping",
			"package", p.cfg.PackageName)
		return
	}
	go func() {
		defer p.inFlight.Store(false)
		if err := p.poll(ctx); err != nil {
			slog.Warn("poller: poll failed", "package", p.cfg.PackageName, "err", err)
		}
	}()
}

// RunOnce executes a single synchronous poll, honoring the same overlap
// guard as the timer path. An overlapping call returns nil without polling.
func (p *Poller) RunOnce(ctx context.Context) error {
	if !p.inFlight.CompareAndSwap(false, true) {
		return nil
	}
	defer p.inFlight.Store(false)
	return p.poll(ctx)
}

// poll is one complete tick: fetch, classify, dispatch, advance watermark.
//
// The watermark advances to the tick's start time — not its end — and only
// after the upstream fetch succeeded, so reviews modified mid-poll are
// re-covered by the next tick and an upstream failure re-covers the whole
// window.
func (p *Poller) poll(ctx context.Context) error {
	tickStart := p.clk.Now()
	p.counters.MarkPoll(tickStart)
	watermark := p.cursor.Watermark()

	collected, err := p.fetchSince(ctx, watermark)
	if err != nil {
		if playapi.KindOf(err) == playapi.KindRateLimit {
			// Absorbed: the watermark stays put and the next scheduled tick
			// re-covers the window. The server's hint is logged only; the
			// tick interval is not adjusted to it.
			slog.Info("poller: rate limited, deferring to next tick",
				"package", p.cfg.PackageName, "retryAfter", playapi.RetryAfterOf(err))
			return nil
		}
		p.counters.AddErrors(1)
		return err
	}

	for _, r := range collected {
		if ctx.Err() != nil {
			break
		}
		p.process(ctx, r)
	}

	// A tick cancelled at shutdown exits before advancing the watermark so
	// the next run re-covers the window.
	if err := ctx.Err(); err != nil {
		return err
	}
	p.cursor.Advance(tickStart)
	return nil
}

// fetchSince walks Play pages newest-first and returns reviews with
// lastModifiedAt >= watermark, up to MaxReviewsPerPoll. Play orders by
// modification time descending, so the first review older than the watermark
// proves no further matches exist.
//
// The boundary is inclusive: the API's seconds-granularity timestamps can
// coincide exactly with the previous tick's start, and a half-open interval
// would drop those reviews.
func (p *Poller) fetchSince(ctx context.Context, watermark time.Time) ([]playapi.Review, error) {
	var collected []playapi.Review
	token := ""

	for {
		remaining := p.cfg.MaxReviewsPerPoll - len(collected)
		if remaining <= 0 {
			return collected, nil
		}
		size := int64(min(remaining, pageSize))

		reviews, next, err := p.gateway.ListReviews(ctx, p.cfg.PackageName, size, token, "")
		if err != nil {
			return nil, err
		}

		for _, r := range reviews {
			if r.LastModifiedAt.Before(watermark) {
				return collected, nil
			}
			collected = append(collected, r)
			if len(collected) >= p.cfg.MaxReviewsPerPoll {
				return collected, nil
			}
		}

		if next == "" {
			return collected, nil
		}
		token = next
	}
}

// process classifies one review and dispatches it. Failures are isolated to
// the review: they count as package errors and the poll carries on.
func (p *Poller) process(ctx context.Context, r playapi.Review) {
	if r.ReviewID == "" {
		slog.Warn("poller: dropping review with empty id", "package", p.cfg.PackageName)
		return
	}

	p.counters.AddProcessed(1)

	known, err := p.index.GetReview(ctx, r.ReviewID)
	if err != nil {
		slog.Error("poller: review index lookup failed",
			"package", p.cfg.PackageName, "review", r.ReviewID, "err", err)
		p.counters.AddErrors(1)
		return
	}

	isNew := known == nil
	if !isNew && !known.LastModifiedAt.Before(r.LastModifiedAt) {
		// Unchanged: already seen at this modification time or newer.
		return
	}

	entry := &store.ReviewEntry{
		ReviewID:       r.ReviewID,
		PackageName:    r.PackageName,
		LastModifiedAt: r.LastModifiedAt,
		HasReply:       r.HasReply,
	}
	if err := p.index.PutReview(ctx, entry); err != nil {
		slog.Error("poller: failed to persist review",
			"package", p.cfg.PackageName, "review", r.ReviewID, "err", err)
		p.counters.AddErrors(1)
		return
	}

	if isNew {
		p.counters.AddNew(1)
		if err := p.sink.EnsureVirtualUser(ctx, r.ReviewID, r.AuthorName); err != nil {
			slog.Warn("poller: virtual user creation failed",
				"package", p.cfg.PackageName, "review", r.ReviewID, "err", err)
			p.counters.AddErrors(1)
			return
		}
	} else {
		p.counters.AddUpdated(1)
	}

	if err := p.sink.DeliverReview(ctx, r.ReviewID, r.PackageName); err != nil {
		slog.Warn("poller: review delivery failed",
			"package", p.cfg.PackageName, "review", r.ReviewID, "err", err)
		p.counters.AddErrors(1)
	}
}

// Package replyqueue implements the outbound half of the bridge: a
// process-wide FIFO of pending developer replies drained by a single
// periodic worker. Replies survive transient Play failures through a bounded
// retry budget; they are deliberately NOT persisted — a crash forfeits
// un-sent replies and the operator re-issues the Matrix message. Persisting
// them would trade that for an exactly-once posting problem the Play API
// offers no help with.
package replyqueue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/bdobrica/playbridge/internal/bridge/playapi"
)

const (
	// drainInterval is how often the drainer wakes.
	drainInterval = 30 * time.Second

	// maxAttempts bounds dispatch tries per reply: one initial try plus
	// three retries.
	maxAttempts = 4
)

// clock abstracts time.Now/time.After for tests.
type clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Replier is the slice of the Play gateway the queue consumes.
type Replier interface {
	ReplyToReview(ctx context.Context, pkg, reviewID, replyText string) error
}

// ResultNotifier reports the final outcome of each reply back to the
// originating Matrix room. Best-effort: the queue never retries it.
type ResultNotifier interface {
	NotifyReplyResult(ctx context.Context, originRoomID string, success bool, errText string)
}

// Counters is the per-package stats slice the queue updates.
type Counters interface {
	AddRepliesSent(n int)
	AddErrors(n int)
}

// PendingReply is one queued developer reply with its retry metadata.
type PendingReply struct {
	ID            string // correlation id for logs
	PackageName   string
	ReviewID      string
	ReplyText     string
	OriginRoomID  string
	OriginEventID string
	SenderID      string
	FirstQueuedAt time.Time
	Attempts      int
}

// Queue is the FIFO plus its drainer. Enqueue is non-blocking; the drainer
// processes entries sequentially, which is what makes replies to the same
// review land in enqueue order.
type Queue struct {
	gateway  Replier
	notifier ResultNotifier
	statsFor func(pkg string) Counters
	clk      clock
	interval time.Duration

	mu    sync.Mutex
	items []*PendingReply

	// notBefore is the shared earliest-next-call gate, set from 429
	// retry-after hints and consulted before every gateway call.
	notBefore atomic.Int64 // unix nanoseconds
}

// New creates a queue draining every 30 seconds. statsFor resolves the
// per-package counters; it may return nil for unknown packages.
func New(gateway Replier, notifier ResultNotifier, statsFor func(pkg string) Counters) *Queue {
	return newWithClock(gateway, notifier, statsFor, realClock{}, drainInterval)
}

func newWithClock(gateway Replier, notifier ResultNotifier, statsFor func(pkg string) Counters, clk clock, interval time.Duration) *Queue {
	return &Queue{
		gateway:  gateway,
		notifier: notifier,
		statsFor: statsFor,
		clk:      clk,
		interval: interval,
	}
}

// Enqueue appends a reply to the queue. It fails only on obviously
// malformed input; everything else is deferred to the drainer.
func (q *Queue) Enqueue(pkg, reviewID, replyText, originEventID, originRoomID, senderID string) error {
	if pkg == "" || reviewID == "" {
		return fmt.Errorf("package name and review id must not be empty")
	}
	if replyText == "" {
		return fmt.Errorf("reply text must not be empty")
	}

	item := &PendingReply{
		ID:            uuid.NewString(),
		PackageName:   pkg,
		ReviewID:      reviewID,
		ReplyText:     replyText,
		OriginRoomID:  originRoomID,
		OriginEventID: originEventID,
		SenderID:      senderID,
		FirstQueuedAt: q.clk.Now(),
	}

	q.mu.Lock()
	q.items = append(q.items, item)
	depth := len(q.items)
	q.mu.Unlock()

	slog.Debug("replyqueue: enqueued",
		"reply", item.ID, "package", pkg, "review", reviewID, "depth", depth)
	return nil
}

// Depth returns the number of replies currently waiting.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Run drains on every interval until ctx is cancelled. The caller is
// expected to invoke a final DrainOnce after cancellation so replies queued
// moments before shutdown get one attempt.
func (q *Queue) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			slog.Info("replyqueue: drainer stopped")
			return
		case <-q.clk.After(q.interval):
			q.DrainOnce(ctx)
		}
	}
}

// DrainOnce snapshots the queue and processes the snapshot sequentially.
// Entries that fail with budget remaining re-enter the live queue and are
// picked up by a later drain. Cancellation is honored between entries, never
// mid-entry; unprocessed entries return to the queue.
func (q *Queue) DrainOnce(ctx context.Context) {
	q.mu.Lock()
	batch := q.items
	q.items = nil
	q.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	slog.Debug("replyqueue: draining", "entries", len(batch))

	for i, item := range batch {
		if err := q.waitGate(ctx); err != nil {
			q.requeueFront(batch[i:])
			return
		}
		q.dispatch(ctx, item)
	}
}

// waitGate blocks until the shared earliest-next-call timestamp has passed.
func (q *Queue) waitGate(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	gate := time.Unix(0, q.notBefore.Load())
	wait := gate.Sub(q.clk.Now())
	if wait <= 0 {
		return nil
	}
	slog.Debug("replyqueue: waiting for rate-limit gate", "wait", wait)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-q.clk.After(wait):
		return nil
	}
}

// dispatch attempts one reply and settles its outcome: success notification,
// re-enqueue, or terminal failure notification.
func (q *Queue) dispatch(ctx context.Context, item *PendingReply) {
	err := q.gateway.ReplyToReview(ctx, item.PackageName, item.ReviewID, item.ReplyText)
	if err == nil {
		if c := q.statsFor(item.PackageName); c != nil {
			c.AddRepliesSent(1)
		}
		q.notifier.NotifyReplyResult(ctx, item.OriginRoomID, true, "")
		slog.Info("replyqueue: reply sent",
			"reply", item.ID, "package", item.PackageName, "review", item.ReviewID,
			"attempts", item.Attempts+1)
		return
	}

	item.Attempts++
	kind := playapi.KindOf(err)

	if kind == playapi.KindRateLimit {
		delay := playapi.RetryAfterOf(err)
		gate := q.clk.Now().Add(delay).UnixNano()
		// Keep the furthest gate; concurrent 429s must not shrink it.
		for {
			cur := q.notBefore.Load()
			if gate <= cur || q.notBefore.CompareAndSwap(cur, gate) {
				break
			}
		}
	}

	// Non-retryable kinds get a single attempt: a reply to a review that
	// aged out of the window (or bad credentials) will not improve with
	// repetition.
	budget := maxAttempts
	if !isRetryable(kind) {
		budget = 1
	}

	if item.Attempts < budget {
		item.FirstQueuedAt = q.clk.Now()
		q.mu.Lock()
		q.items = append(q.items, item)
		q.mu.Unlock()
		slog.Warn("replyqueue: reply failed, will retry",
			"reply", item.ID, "package", item.PackageName, "review", item.ReviewID,
			"attempt", item.Attempts, "kind", kind, "err", err)
		return
	}

	if c := q.statsFor(item.PackageName); c != nil {
		c.AddErrors(1)
	}
	q.notifier.NotifyReplyResult(ctx, item.OriginRoomID, false, err.Error())
	slog.Error("replyqueue: reply abandoned",
		"reply", item.ID, "package", item.PackageName, "review", item.ReviewID,
		"attempts", item.Attempts, "kind", kind, "err", err)
}

// requeueFront returns unprocessed snapshot entries to the head of the
// queue, preserving their order ahead of anything enqueued meanwhile.
func (q *Queue) requeueFront(entries []*PendingReply) {
	if len(entries) == 0 {
		return
	}
	q.mu.Lock()
	q.items = append(append([]*PendingReply{}, entries...), q.items...)
	q.mu.Unlock()
}

func isRetryable(kind playapi.Kind) bool {
	switch kind {
	case playapi.KindRateLimit, playapi.KindAPI, playapi.KindClient:
		return true
	}
	return false
}

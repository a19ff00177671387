// Package playapi wraps the Google Play Developer API's Reviews resource
// behind a small semantic surface: list, get, reply, and a credential probe.
// It normalizes the API's nested review shape, classifies failures into a
// structured taxonomy, and enforces a client-side minimum spacing between
// outgoing calls.
package playapi

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/androidpublisher/v3"
	"google.golang.org/api/option"
)

const (
	// minCallInterval is the client-side floor between any two outgoing
	// calls from one gateway. It is not a substitute for 429 handling.
	minCallInterval = 100 * time.Millisecond

	// defaultCallTimeout applies when the caller's context carries no
	// deadline of its own.
	defaultCallTimeout = 30 * time.Second

	// maxPageSize is the Play-side cap on reviews per list call.
	maxPageSize = 100
)

// clock abstracts time.Now/time.After so tests can drive the pacing logic.
type clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Gateway is a thin semantic wrapper over the Play Reviews resource.
// All methods are safe for concurrent use; concurrent callers are serialized
// by the call-spacing gate.
type Gateway struct {
	svc         *androidpublisher.Service
	callTimeout time.Duration
	clk         clock

	mu       sync.Mutex // guards lastCall
	lastCall time.Time

	// ready flips to false on the first AUTH failure and stays false until
	// Reset. Every call fails fast while unready.
	ready atomic.Bool
}

// New authenticates with a service-account JSON key and returns a ready
// gateway. The key needs the androidpublisher scope.
func New(ctx context.Context, keyPath string) (*Gateway, error) {
	data, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read service account key: %w", err)
	}

	cfg, err := google.JWTConfigFromJSON(data, androidpublisher.AndroidpublisherScope)
	if err != nil {
		return nil, fmt.Errorf("failed to parse service account key: %w", err)
	}

	svc, err := androidpublisher.NewService(ctx, option.WithHTTPClient(cfg.Client(ctx)))
	if err != nil {
		return nil, fmt.Errorf("failed to create androidpublisher service: %w", err)
	}

	return NewWithService(svc), nil
}

// NewWithService wraps an already-constructed androidpublisher service.
// Tests use this with an httptest-backed service.
func NewWithService(svc *androidpublisher.Service) *Gateway {
	g := &Gateway{
		svc:         svc,
		callTimeout: defaultCallTimeout,
		clk:         realClock{},
	}
	g.ready.Store(true)
	return g
}

// Ready reports whether the gateway considers its credentials usable.
func (g *Gateway) Ready() bool {
	return g.ready.Load()
}

// Reset clears the unready flag after the operator has fixed credentials.
// The underlying OAuth2 token source refreshes lazily on the next call.
func (g *Gateway) Reset() {
	g.ready.Store(true)
	slog.Info("playapi: gateway reset, credentials will be re-verified on next call")
}

// Close marks the gateway unready. There is no transport state to release;
// in-flight calls complete normally.
func (g *Gateway) Close() {
	g.ready.Store(false)
}

// ListReviews fetches one page of reviews for the package, newest first by
// modification time. maxResults is clamped to the API's limit of 100;
// continuation via the returned opaque token. translationLang is optional.
func (g *Gateway) ListReviews(ctx context.Context, pkg string, maxResults int64, token, translationLang string) ([]Review, string, error) {
	if pkg == "" {
		return nil, "", &Error{Kind: KindValidation, Msg: "package name must not be empty"}
	}
	if maxResults < 1 {
		maxResults = 1
	}
	if maxResults > maxPageSize {
		maxResults = maxPageSize
	}

	ctx, cancel, err := g.prepare(ctx)
	if err != nil {
		return nil, "", err
	}
	defer cancel()

	call := g.svc.Reviews.List(pkg).MaxResults(maxResults).Context(ctx)
	if token != "" {
		call = call.Token(token)
	}
	if translationLang != "" {
		call = call.TranslationLanguage(translationLang)
	}

	resp, err := call.Do()
	if err != nil {
		return nil, "", g.fail("list reviews", err)
	}

	reviews := make([]Review, 0, len(resp.Reviews))
	for _, raw := range resp.Reviews {
		if raw == nil {
			continue
		}
		reviews = append(reviews, normalizeReview(pkg, raw))
	}

	next := ""
	if resp.TokenPagination != nil {
		next = resp.TokenPagination.NextPageToken
	}
	return reviews, next, nil
}

// GetReview fetches a single review. A review that aged out of the 7-day
// window (or never existed) returns (nil, nil), not an error.
func (g *Gateway) GetReview(ctx context.Context, pkg, reviewID string) (*Review, error) {
	if pkg == "" || reviewID == "" {
		return nil, &Error{Kind: KindValidation, Msg: "package name and review id must not be empty"}
	}

	ctx, cancel, err := g.prepare(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	raw, err := g.svc.Reviews.Get(pkg, reviewID).Context(ctx).Do()
	if err != nil {
		gwErr := g.fail("get review", err)
		if KindOf(gwErr) == KindNotFound {
			return nil, nil
		}
		return nil, gwErr
	}

	r := normalizeReview(pkg, raw)
	return &r, nil
}

// ReplyToReview posts (or overwrites) the developer response on a review.
// The operation is idempotent on the server side.
func (g *Gateway) ReplyToReview(ctx context.Context, pkg, reviewID, replyText string) error {
	if pkg == "" || reviewID == "" {
		return &Error{Kind: KindValidation, Msg: "package name and review id must not be empty"}
	}
	if replyText == "" {
		return &Error{Kind: KindValidation, Msg: "reply text must not be empty"}
	}

	ctx, cancel, err := g.prepare(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	req := &androidpublisher.ReviewsReplyRequest{ReplyText: replyText}
	if _, err := g.svc.Reviews.Reply(pkg, reviewID, req).Context(ctx).Do(); err != nil {
		return g.fail("reply to review", err)
	}
	return nil
}

// TestConnection issues a minimal list call; success proves both the
// credentials and access to the package.
func (g *Gateway) TestConnection(ctx context.Context, pkg string) error {
	_, _, err := g.ListReviews(ctx, pkg, 1, "", "")
	return err
}

// prepare runs the pre-call checks shared by every operation: the unready
// fast-fail, the 100 ms spacing gate, and the default deadline.
func (g *Gateway) prepare(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if !g.ready.Load() {
		return nil, nil, &Error{Kind: KindAuth, Msg: "gateway is unready after an authentication failure"}
	}

	if err := g.pace(ctx); err != nil {
		return nil, nil, err
	}

	if _, ok := ctx.Deadline(); !ok {
		ctx, cancel := context.WithTimeout(ctx, g.callTimeout)
		return ctx, cancel, nil
	}
	return ctx, func() {}, nil
}

// pace blocks until at least minCallInterval has elapsed since the previous
// call from this gateway. The lock is held across the wait so concurrent
// callers line up instead of stampeding after a shared sleep.
func (g *Gateway) pace(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clk.Now()
	if !g.lastCall.IsZero() {
		if wait := minCallInterval - now.Sub(g.lastCall); wait > 0 {
			select {
			case <-ctx.Done():
				return &Error{Kind: KindClient, Msg: "cancelled while waiting for call slot", wrapped: ctx.Err()}
			case <-g.clk.After(wait):
			}
		}
	}
	g.lastCall = g.clk.Now()
	return nil
}

// fail classifies a raw error and handles the AUTH side effect.
func (g *Gateway) fail(op string, err error) error {
	gwErr := classify(op, err)
	if gwErr.Kind == KindAuth {
		if g.ready.CompareAndSwap(true, false) {
			slog.Error("playapi: authentication failure, gateway flipped unready", "op", op, "err", err)
		}
	}
	return gwErr
}

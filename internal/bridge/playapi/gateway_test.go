package playapi_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"google.golang.org/api/androidpublisher/v3"
	"google.golang.org/api/option"

	"github.com/bdobrica/playbridge/internal/bridge/playapi"
)

// newTestGateway builds a gateway whose androidpublisher service talks to the
// given handler instead of Google.
func newTestGateway(t *testing.T, handler http.Handler) *playapi.Gateway {
	t.Helper()

	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	svc, err := androidpublisher.NewService(context.Background(),
		option.WithEndpoint(ts.URL),
		option.WithoutAuthentication(),
	)
	if err != nil {
		t.Fatalf("failed to create test service: %v", err)
	}

	return playapi.NewWithService(svc)
}

const listResponse = `{
	"reviews": [
		{
			"reviewId": "rv1",
			"authorName": "",
			"comments": [
				{"userComment": {"text": "nice", "starRating": 5, "lastModified": {"seconds": "1704189600"}}}
			]
		},
		{
			"reviewId": "rv2",
			"authorName": "Bob",
			"comments": [
				{"userComment": {"text": "meh", "starRating": 2, "lastModified": {"seconds": "1704186000"}}},
				{"developerComment": {"text": "sorry to hear", "lastModified": {"seconds": "1704187000"}}}
			]
		}
	],
	"tokenPagination": {"nextPageToken": "tok2"}
}`

func TestListReviews(t *testing.T) {
	gw := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/reviews") {
			http.NotFound(w, r)
			return
		}
		if got := r.URL.Query().Get("maxResults"); got != "50" {
			t.Errorf("maxResults: got %q, want %q", got, "50")
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(listResponse))
	}))

	reviews, next, err := gw.ListReviews(context.Background(), "com.ex.app", 50, "", "")
	if err != nil {
		t.Fatalf("ListReviews: %v", err)
	}
	if len(reviews) != 2 {
		t.Fatalf("expected 2 reviews, got %d", len(reviews))
	}
	if next != "tok2" {
		t.Errorf("next token: got %q, want %q", next, "tok2")
	}

	first := reviews[0]
	if first.ReviewID != "rv1" || first.AuthorName != playapi.AnonymousAuthor {
		t.Errorf("first review: got %q by %q", first.ReviewID, first.AuthorName)
	}
	if !first.LastModifiedAt.Equal(time.Unix(1704189600, 0).UTC()) {
		t.Errorf("first review timestamp: got %v", first.LastModifiedAt)
	}

	second := reviews[1]
	if !second.HasReply || second.DeveloperReply == nil || second.DeveloperReply.Text != "sorry to hear" {
		t.Errorf("second review should carry the developer reply, got %+v", second.DeveloperReply)
	}
}

func TestListReviews_ClampsMaxResults(t *testing.T) {
	gw := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("maxResults"); got != "100" {
			t.Errorf("maxResults: got %q, want clamped %q", got, "100")
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"reviews": []}`))
	}))

	if _, _, err := gw.ListReviews(context.Background(), "com.ex.app", 500, "", ""); err != nil {
		t.Fatalf("ListReviews: %v", err)
	}
}

func TestListReviews_AuthFailureFlipsUnready(t *testing.T) {
	var hits atomic.Int32
	gw := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, `{"error": {"code": 401, "message": "invalid credentials"}}`, http.StatusUnauthorized)
	}))

	_, _, err := gw.ListReviews(context.Background(), "com.ex.app", 10, "", "")
	if playapi.KindOf(err) != playapi.KindAuth {
		t.Fatalf("expected AUTH, got %v", err)
	}
	if gw.Ready() {
		t.Fatal("gateway should be unready after AUTH failure")
	}

	// Subsequent calls fail fast without reaching the server.
	before := hits.Load()
	_, _, err = gw.ListReviews(context.Background(), "com.ex.app", 10, "", "")
	if playapi.KindOf(err) != playapi.KindAuth {
		t.Fatalf("expected fast AUTH failure, got %v", err)
	}
	if hits.Load() != before {
		t.Error("unready gateway should not issue HTTP calls")
	}

	gw.Reset()
	if !gw.Ready() {
		t.Fatal("Reset should restore readiness")
	}
}

func TestGetReview_NotFoundYieldsNil(t *testing.T) {
	gw := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": {"code": 404, "message": "gone"}}`, http.StatusNotFound)
	}))

	r, err := gw.GetReview(context.Background(), "com.ex.app", "rv-gone")
	if err != nil {
		t.Fatalf("expected nil error for 404, got %v", err)
	}
	if r != nil {
		t.Fatalf("expected nil review for 404, got %+v", r)
	}
}

func TestGetReview(t *testing.T) {
	gw := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"reviewId": "rv1",
			"authorName": "Alice",
			"comments": [{"userComment": {"text": "good", "starRating": 4, "lastModified": {"seconds": "1704189600"}}}]
		}`))
	}))

	r, err := gw.GetReview(context.Background(), "com.ex.app", "rv1")
	if err != nil {
		t.Fatalf("GetReview: %v", err)
	}
	if r == nil || r.ReviewID != "rv1" || r.StarRating != 4 {
		t.Fatalf("unexpected review: %+v", r)
	}
}

func TestReplyToReview_RateLimit(t *testing.T) {
	gw := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "2")
		http.Error(w, `{"error": {"code": 429, "message": "quota"}}`, http.StatusTooManyRequests)
	}))

	err := gw.ReplyToReview(context.Background(), "com.ex.app", "rv1", "thanks")
	if playapi.KindOf(err) != playapi.KindRateLimit {
		t.Fatalf("expected RATE_LIMIT, got %v", err)
	}
	if got := playapi.RetryAfterOf(err); got != 2*time.Second {
		t.Errorf("RetryAfter: got %v, want 2s", got)
	}

	var gwErr *playapi.Error
	if !errors.As(err, &gwErr) || !gwErr.Retryable() {
		t.Error("rate-limit errors must be retryable")
	}
}

func TestReplyToReview_Validation(t *testing.T) {
	gw := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("validation failures must not reach the server")
	}))

	if err := gw.ReplyToReview(context.Background(), "com.ex.app", "", "text"); playapi.KindOf(err) != playapi.KindValidation {
		t.Errorf("empty review id: got %v", err)
	}
	if err := gw.ReplyToReview(context.Background(), "com.ex.app", "rv1", ""); playapi.KindOf(err) != playapi.KindValidation {
		t.Errorf("empty text: got %v", err)
	}
}

func TestTestConnection(t *testing.T) {
	gw := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("maxResults"); got != "1" {
			t.Errorf("maxResults: got %q, want %q", got, "1")
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"reviews": []}`))
	}))

	if err := gw.TestConnection(context.Background(), "com.ex.app"); err != nil {
		t.Fatalf("TestConnection: %v", err)
	}
}

func TestCallSpacing(t *testing.T) {
	gw := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"reviews": []}`))
	}))

	ctx := context.Background()
	if _, _, err := gw.ListReviews(ctx, "com.ex.app", 1, "", ""); err != nil {
		t.Fatalf("first call: %v", err)
	}
	start := time.Now()
	if _, _, err := gw.ListReviews(ctx, "com.ex.app", 1, "", ""); err != nil {
		t.Fatalf("second call: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Errorf("consecutive calls spaced %v, want >= 100ms", elapsed)
	}
}

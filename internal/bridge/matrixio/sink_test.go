package matrixio_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bdobrica/playbridge/internal/bridge/matrixio"
	"github.com/bdobrica/playbridge/internal/bridge/playapi"
)

type fakeFetcher struct {
	review *playapi.Review
	err    error
}

func (f *fakeFetcher) GetReview(ctx context.Context, pkg, reviewID string) (*playapi.Review, error) {
	return f.review, f.err
}

type fakeUsers struct {
	created map[string]string
	nameErr error
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{created: make(map[string]string)}
}

func (u *fakeUsers) EnsureVirtualUser(ctx context.Context, reviewID, displayName string) (bool, error) {
	if _, ok := u.created[reviewID]; ok {
		return false, nil
	}
	u.created[reviewID] = displayName
	return true, nil
}

func (u *fakeUsers) GetVirtualUserName(ctx context.Context, reviewID string) (string, error) {
	if u.nameErr != nil {
		return "", u.nameErr
	}
	return u.created[reviewID], nil
}

type fakeMessenger struct {
	formatted []sentMessage
	notices   []sentMessage
	sendErr   error
}

type sentMessage struct {
	roomID string
	body   string
}

func (m *fakeMessenger) SendFormattedMessage(roomID, html, plaintext string) error {
	if m.sendErr != nil {
		return m.sendErr
	}
	m.formatted = append(m.formatted, sentMessage{roomID: roomID, body: plaintext})
	return nil
}

func (m *fakeMessenger) SendNotice(roomID, message string) error {
	if m.sendErr != nil {
		return m.sendErr
	}
	m.notices = append(m.notices, sentMessage{roomID: roomID, body: message})
	return nil
}

func sampleReview() *playapi.Review {
	return &playapi.Review{
		ReviewID:       "rv1",
		PackageName:    "com.ex.app",
		AuthorName:     "Alice",
		StarRating:     4,
		Text:           "pretty good",
		LastModifiedAt: time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC),
	}
}

func roomMap(pkg string) (string, bool) {
	if pkg == "com.ex.app" {
		return "!reviews:example.org", true
	}
	return "", false
}

func TestDeliverReview(t *testing.T) {
	fetcher := &fakeFetcher{review: sampleReview()}
	users := newFakeUsers()
	users.created["rv1"] = "Alice (Play)"
	messenger := &fakeMessenger{}
	sink := matrixio.NewBridgeSink(fetcher, users, messenger, roomMap)

	if err := sink.DeliverReview(context.Background(), "rv1", "com.ex.app"); err != nil {
		t.Fatalf("DeliverReview: %v", err)
	}

	if len(messenger.formatted) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messenger.formatted))
	}
	msg := messenger.formatted[0]
	if msg.roomID != "!reviews:example.org" {
		t.Errorf("room: got %q", msg.roomID)
	}
	if !strings.Contains(msg.body, "★★★★☆") {
		t.Errorf("body should render the star rating, got %q", msg.body)
	}
	if !strings.Contains(msg.body, "Alice (Play)") {
		t.Errorf("body should use the virtual user name, got %q", msg.body)
	}
	if !strings.Contains(msg.body, "pretty good") {
		t.Errorf("body should contain the review text, got %q", msg.body)
	}
}

func TestDeliverReview_UnmappedPackage(t *testing.T) {
	sink := matrixio.NewBridgeSink(&fakeFetcher{review: sampleReview()}, newFakeUsers(), &fakeMessenger{}, roomMap)
	if err := sink.DeliverReview(context.Background(), "rv1", "com.unknown"); err == nil {
		t.Fatal("expected error for unmapped package")
	}
}

func TestDeliverReview_AgedOut(t *testing.T) {
	sink := matrixio.NewBridgeSink(&fakeFetcher{review: nil}, newFakeUsers(), &fakeMessenger{}, roomMap)
	if err := sink.DeliverReview(context.Background(), "rv1", "com.ex.app"); err == nil {
		t.Fatal("expected error when the review is no longer visible")
	}
}

func TestDeliverReview_FallsBackToAuthorName(t *testing.T) {
	users := newFakeUsers()
	users.nameErr = errors.New("db hiccup")
	messenger := &fakeMessenger{}
	sink := matrixio.NewBridgeSink(&fakeFetcher{review: sampleReview()}, users, messenger, roomMap)

	if err := sink.DeliverReview(context.Background(), "rv1", "com.ex.app"); err != nil {
		t.Fatalf("DeliverReview: %v", err)
	}
	if !strings.Contains(messenger.formatted[0].body, "Alice") {
		t.Errorf("body should fall back to the author name, got %q", messenger.formatted[0].body)
	}
}

func TestEnsureVirtualUser_Idempotent(t *testing.T) {
	users := newFakeUsers()
	sink := matrixio.NewBridgeSink(&fakeFetcher{}, users, &fakeMessenger{}, roomMap)

	if err := sink.EnsureVirtualUser(context.Background(), "rv1", "Alice"); err != nil {
		t.Fatalf("EnsureVirtualUser: %v", err)
	}
	if err := sink.EnsureVirtualUser(context.Background(), "rv1", "Alice"); err != nil {
		t.Fatalf("EnsureVirtualUser (repeat): %v", err)
	}
	if len(users.created) != 1 {
		t.Errorf("expected exactly one virtual user, got %d", len(users.created))
	}
}

func TestNotifyReplyResult(t *testing.T) {
	messenger := &fakeMessenger{}
	sink := matrixio.NewBridgeSink(&fakeFetcher{}, newFakeUsers(), messenger, roomMap)

	sink.NotifyReplyResult(context.Background(), "!r:h", true, "")
	sink.NotifyReplyResult(context.Background(), "!r:h", false, "RATE_LIMIT: quota exceeded")

	if len(messenger.notices) != 2 {
		t.Fatalf("expected 2 notices, got %d", len(messenger.notices))
	}
	if !strings.Contains(messenger.notices[0].body, "✅") {
		t.Errorf("success notice: got %q", messenger.notices[0].body)
	}
	if !strings.Contains(messenger.notices[1].body, "RATE_LIMIT: quota exceeded") {
		t.Errorf("failure notice should carry the error text, got %q", messenger.notices[1].body)
	}
}

func TestNotifyReplyResult_SendFailureIsSwallowed(t *testing.T) {
	messenger := &fakeMessenger{sendErr: errors.New("homeserver down")}
	sink := matrixio.NewBridgeSink(&fakeFetcher{}, newFakeUsers(), messenger, roomMap)

	// Must not panic or propagate: best-effort by contract.
	sink.NotifyReplyResult(context.Background(), "!r:h", true, "")
}

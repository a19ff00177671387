package store_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/bdobrica/playbridge/internal/bridge/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "playbridge-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp db file: %v", err)
	}
	f.Close()

	s, err := store.New(f.Name())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	return s
}

func TestPutAndGetReview(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	modified := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)
	entry := &store.ReviewEntry{
		ReviewID:       "rv1",
		PackageName:    "com.ex.app",
		LastModifiedAt: modified,
		HasReply:       false,
	}
	if err := s.PutReview(ctx, entry); err != nil {
		t.Fatalf("PutReview: %v", err)
	}

	got, err := s.GetReview(ctx, "rv1")
	if err != nil {
		t.Fatalf("GetReview: %v", err)
	}
	if got == nil {
		t.Fatal("expected entry, got nil")
	}
	if got.PackageName != "com.ex.app" {
		t.Errorf("PackageName: got %q", got.PackageName)
	}
	if !got.LastModifiedAt.Equal(modified) {
		t.Errorf("LastModifiedAt: got %v, want %v", got.LastModifiedAt, modified)
	}
	if got.HasReply {
		t.Error("HasReply: got true, want false")
	}
}

func TestGetReview_Missing(t *testing.T) {
	s := newTestStore(t)

	got, err := s.GetReview(context.Background(), "never-seen")
	if err != nil {
		t.Fatalf("GetReview: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for unknown review, got %+v", got)
	}
}

func TestPutReview_Overwrite(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)
	second := first.Add(time.Hour)

	if err := s.PutReview(ctx, &store.ReviewEntry{
		ReviewID: "rv1", PackageName: "com.ex.app", LastModifiedAt: first,
	}); err != nil {
		t.Fatalf("first PutReview: %v", err)
	}
	if err := s.PutReview(ctx, &store.ReviewEntry{
		ReviewID: "rv1", PackageName: "com.ex.app", LastModifiedAt: second, HasReply: true,
	}); err != nil {
		t.Fatalf("second PutReview: %v", err)
	}

	got, err := s.GetReview(ctx, "rv1")
	if err != nil {
		t.Fatalf("GetReview: %v", err)
	}
	if !got.LastModifiedAt.Equal(second) {
		t.Errorf("LastModifiedAt: got %v, want %v", got.LastModifiedAt, second)
	}
	if !got.HasReply {
		t.Error("HasReply: got false, want true")
	}

	n, err := s.CountReviewsByPackage(ctx, "com.ex.app")
	if err != nil {
		t.Fatalf("CountReviewsByPackage: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 row after overwrite, got %d", n)
	}
}

func TestPutReview_EmptyID(t *testing.T) {
	s := newTestStore(t)
	if err := s.PutReview(context.Background(), &store.ReviewEntry{PackageName: "com.ex.app"}); err == nil {
		t.Fatal("expected error for empty review id")
	}
}

func TestListReviewsByPackage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)
	for i, id := range []string{"rv1", "rv2", "rv3"} {
		if err := s.PutReview(ctx, &store.ReviewEntry{
			ReviewID:       id,
			PackageName:    "com.ex.app",
			LastModifiedAt: base.Add(time.Duration(i) * time.Hour),
		}); err != nil {
			t.Fatalf("PutReview(%s): %v", id, err)
		}
	}
	if err := s.PutReview(ctx, &store.ReviewEntry{
		ReviewID: "other", PackageName: "com.other.app", LastModifiedAt: base,
	}); err != nil {
		t.Fatalf("PutReview(other): %v", err)
	}

	entries, err := s.ListReviewsByPackage(ctx, "com.ex.app")
	if err != nil {
		t.Fatalf("ListReviewsByPackage: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	// Most recently modified first.
	if entries[0].ReviewID != "rv3" || entries[2].ReviewID != "rv1" {
		t.Errorf("unexpected order: %s, %s, %s",
			entries[0].ReviewID, entries[1].ReviewID, entries[2].ReviewID)
	}

	total, err := s.ReviewCount(ctx)
	if err != nil {
		t.Fatalf("ReviewCount: %v", err)
	}
	if total != 4 {
		t.Errorf("ReviewCount: got %d, want 4", total)
	}
}

func TestEnsureVirtualUser_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.EnsureVirtualUser(ctx, "rv1", "Alice")
	if err != nil {
		t.Fatalf("EnsureVirtualUser: %v", err)
	}
	if !created {
		t.Fatal("first call should create the record")
	}

	created, err = s.EnsureVirtualUser(ctx, "rv1", "Alice Again")
	if err != nil {
		t.Fatalf("EnsureVirtualUser (repeat): %v", err)
	}
	if created {
		t.Fatal("second call must not recreate the record")
	}

	name, err := s.GetVirtualUserName(ctx, "rv1")
	if err != nil {
		t.Fatalf("GetVirtualUserName: %v", err)
	}
	if name != "Alice" {
		t.Errorf("display name: got %q, want first-write %q", name, "Alice")
	}
}

func TestGetVirtualUserName_Missing(t *testing.T) {
	s := newTestStore(t)
	name, err := s.GetVirtualUserName(context.Background(), "rv-none")
	if err != nil {
		t.Fatalf("GetVirtualUserName: %v", err)
	}
	if name != "" {
		t.Errorf("expected empty name, got %q", name)
	}
}

package playapi

import (
	"testing"
	"time"

	"google.golang.org/api/androidpublisher/v3"
)

func TestNormalizeReview(t *testing.T) {
	raw := &androidpublisher.Review{
		ReviewId:   "rv1",
		AuthorName: "Alice",
		Comments: []*androidpublisher.Comment{
			{
				UserComment: &androidpublisher.UserComment{
					Text:             "nice app",
					StarRating:       5,
					LastModified:     &androidpublisher.Timestamp{Seconds: 1704189600},
					Device:           "oriole",
					AndroidOsVersion: 34,
					AppVersionName:   "2.1.0",
				},
			},
			{
				DeveloperComment: &androidpublisher.DeveloperComment{
					Text:         "thanks!",
					LastModified: &androidpublisher.Timestamp{Seconds: 1704193200},
				},
			},
		},
	}

	r := normalizeReview("com.ex.app", raw)

	if r.ReviewID != "rv1" || r.PackageName != "com.ex.app" {
		t.Errorf("identity: got %q/%q", r.ReviewID, r.PackageName)
	}
	if r.AuthorName != "Alice" {
		t.Errorf("AuthorName: got %q", r.AuthorName)
	}
	if r.StarRating != 5 || r.Text != "nice app" {
		t.Errorf("content: got %d/%q", r.StarRating, r.Text)
	}
	want := time.Unix(1704189600, 0).UTC()
	if !r.LastModifiedAt.Equal(want) {
		t.Errorf("LastModifiedAt: got %v, want %v", r.LastModifiedAt, want)
	}
	if !r.CreatedAt.Equal(r.LastModifiedAt) {
		t.Error("CreatedAt should mirror LastModifiedAt")
	}
	if !r.HasReply || r.DeveloperReply == nil {
		t.Fatal("expected developer reply")
	}
	if r.DeveloperReply.Text != "thanks!" {
		t.Errorf("DeveloperReply.Text: got %q", r.DeveloperReply.Text)
	}
	if r.Device != "oriole" || r.AndroidVersion != 34 || r.AppVersionName != "2.1.0" {
		t.Errorf("device metadata: got %q/%d/%q", r.Device, r.AndroidVersion, r.AppVersionName)
	}
}

func TestNormalizeReview_Defaults(t *testing.T) {
	raw := &androidpublisher.Review{
		ReviewId: "rv2",
		Comments: []*androidpublisher.Comment{
			{UserComment: &androidpublisher.UserComment{}},
		},
	}

	r := normalizeReview("com.ex.app", raw)

	if r.AuthorName != AnonymousAuthor {
		t.Errorf("AuthorName: got %q, want %q", r.AuthorName, AnonymousAuthor)
	}
	if r.StarRating != 0 {
		t.Errorf("StarRating: got %d, want 0", r.StarRating)
	}
	epoch := time.Unix(0, 0).UTC()
	if !r.LastModifiedAt.Equal(epoch) {
		t.Errorf("missing timestamp should decode to epoch, got %v", r.LastModifiedAt)
	}
	if r.HasReply || r.DeveloperReply != nil {
		t.Error("expected no developer reply")
	}
}

func TestNormalizeReview_NoComments(t *testing.T) {
	r := normalizeReview("com.ex.app", &androidpublisher.Review{ReviewId: "rv3"})
	if r.ReviewID != "rv3" {
		t.Errorf("ReviewID: got %q", r.ReviewID)
	}
	if r.AuthorName != AnonymousAuthor {
		t.Errorf("AuthorName: got %q", r.AuthorName)
	}
	if !r.LastModifiedAt.Equal(time.Unix(0, 0).UTC()) {
		t.Errorf("expected epoch timestamp, got %v", r.LastModifiedAt)
	}
}

package playapi

import (
	"time"

	"google.golang.org/api/androidpublisher/v3"
)

// Review is the normalized form of a Play review, flattened from the API's
// comments[0] nesting. Records with an empty ReviewID must never be forwarded
// downstream; the poller drops them.
type Review struct {
	ReviewID       string
	PackageName    string
	AuthorName     string
	StarRating     int
	Text           string
	CreatedAt      time.Time
	LastModifiedAt time.Time
	HasReply       bool
	DeveloperReply *DeveloperReply

	// Optional device metadata, empty/zero when the API omits it.
	Device         string
	AndroidVersion int64
	AppVersionName string
}

// DeveloperReply is the publisher's response attached to a review.
type DeveloperReply struct {
	Text string
	At   time.Time
}

// AnonymousAuthor substitutes for reviews published without a visible name.
const AnonymousAuthor = "Anonymous"

// normalizeReview flattens a raw androidpublisher review into a Review.
//
// The user comment lives in comments[0]; a developer comment, when present,
// occupies a later slot. Timestamps arrive as epoch seconds; zero or missing
// values decode to the epoch and are emitted as-is — downstream tolerates
// them. The API exposes no distinct creation time, so CreatedAt mirrors the
// user comment's last-modified timestamp.
func normalizeReview(pkg string, raw *androidpublisher.Review) Review {
	r := Review{
		ReviewID:    raw.ReviewId,
		PackageName: pkg,
		AuthorName:  raw.AuthorName,
	}
	if r.AuthorName == "" {
		r.AuthorName = AnonymousAuthor
	}

	for i, c := range raw.Comments {
		if c == nil {
			continue
		}
		if i == 0 && c.UserComment != nil {
			uc := c.UserComment
			r.StarRating = int(uc.StarRating)
			r.Text = uc.Text
			r.LastModifiedAt = timestampToTime(uc.LastModified)
			r.CreatedAt = r.LastModifiedAt
			r.Device = uc.Device
			r.AndroidVersion = uc.AndroidOsVersion
			r.AppVersionName = uc.AppVersionName
			continue
		}
		if c.DeveloperComment != nil {
			dc := c.DeveloperComment
			r.HasReply = true
			r.DeveloperReply = &DeveloperReply{
				Text: dc.Text,
				At:   timestampToTime(dc.LastModified),
			}
		}
	}

	return r
}

// timestampToTime converts the API's {seconds, nanos} timestamp. A nil or
// zero timestamp yields the epoch rather than an error.
func timestampToTime(ts *androidpublisher.Timestamp) time.Time {
	if ts == nil {
		return time.Unix(0, 0).UTC()
	}
	return time.Unix(ts.Seconds, ts.Nanos).UTC()
}

package matrixio

import (
	"fmt"
	"html"
	"strings"

	"github.com/bdobrica/playbridge/internal/bridge/playapi"
)

// FormatReview renders a review as a Matrix message pair: plain-text body
// plus an HTML variant for clients that support formatted messages.
func FormatReview(r *playapi.Review, displayName string) (plaintext, htmlBody string) {
	if displayName == "" {
		displayName = r.AuthorName
	}

	stars := renderStars(r.StarRating)

	var plain strings.Builder
	fmt.Fprintf(&plain, "%s %s", stars, displayName)
	if !r.LastModifiedAt.IsZero() {
		fmt.Fprintf(&plain, " (%s)", r.LastModifiedAt.Format("2006-01-02 15:04"))
	}
	if r.Text != "" {
		fmt.Fprintf(&plain, "\n%s", r.Text)
	}
	if meta := deviceLine(r); meta != "" {
		fmt.Fprintf(&plain, "\n%s", meta)
	}
	if r.DeveloperReply != nil {
		fmt.Fprintf(&plain, "\n↳ developer reply: %s", r.DeveloperReply.Text)
	}

	var h strings.Builder
	fmt.Fprintf(&h, "<b>%s</b> %s", stars, html.EscapeString(displayName))
	if !r.LastModifiedAt.IsZero() {
		fmt.Fprintf(&h, " <i>(%s)</i>", r.LastModifiedAt.Format("2006-01-02 15:04"))
	}
	if r.Text != "" {
		fmt.Fprintf(&h, "<br/>%s", html.EscapeString(r.Text))
	}
	if meta := deviceLine(r); meta != "" {
		fmt.Fprintf(&h, "<br/><i>%s</i>", html.EscapeString(meta))
	}
	if r.DeveloperReply != nil {
		fmt.Fprintf(&h, "<br/><blockquote>%s</blockquote>", html.EscapeString(r.DeveloperReply.Text))
	}

	return plain.String(), h.String()
}

// renderStars draws the 1-5 rating. A rating of 0 (malformed upstream data)
// renders as five empty stars rather than being hidden.
func renderStars(rating int) string {
	if rating < 0 {
		rating = 0
	}
	if rating > 5 {
		rating = 5
	}
	return strings.Repeat("★", rating) + strings.Repeat("☆", 5-rating)
}

// deviceLine summarizes the optional device metadata, or returns "".
func deviceLine(r *playapi.Review) string {
	var parts []string
	if r.Device != "" {
		parts = append(parts, r.Device)
	}
	if r.AndroidVersion > 0 {
		parts = append(parts, fmt.Sprintf("Android API %d", r.AndroidVersion))
	}
	if r.AppVersionName != "" {
		parts = append(parts, "app "+r.AppVersionName)
	}
	return strings.Join(parts, " · ")
}

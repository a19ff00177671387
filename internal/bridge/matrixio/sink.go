package matrixio

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bdobrica/playbridge/internal/bridge/playapi"
)

// ReviewFetcher is the slice of the Play gateway the sink needs to resolve
// a review id into displayable content.
type ReviewFetcher interface {
	GetReview(ctx context.Context, pkg, reviewID string) (*playapi.Review, error)
}

// VirtualUsers is the durable registry of per-reviewer virtual identities.
type VirtualUsers interface {
	EnsureVirtualUser(ctx context.Context, reviewID, displayName string) (bool, error)
	GetVirtualUserName(ctx context.Context, reviewID string) (string, error)
}

// Messenger is the slice of the Matrix client the sink sends through.
type Messenger interface {
	SendFormattedMessage(roomID, html, plaintext string) error
	SendNotice(roomID, message string) error
}

// RoomResolver maps a package to its bridged Matrix room.
type RoomResolver func(pkg string) (roomID string, ok bool)

// BridgeSink posts reviews and reply outcomes into Matrix rooms. It is the
// bridge's implementation of the sink the poller and reply queue depend on.
type BridgeSink struct {
	fetcher   ReviewFetcher
	users     VirtualUsers
	messenger Messenger
	roomFor   RoomResolver
}

// NewBridgeSink wires a sink from its collaborators.
func NewBridgeSink(fetcher ReviewFetcher, users VirtualUsers, messenger Messenger, roomFor RoomResolver) *BridgeSink {
	return &BridgeSink{
		fetcher:   fetcher,
		users:     users,
		messenger: messenger,
		roomFor:   roomFor,
	}
}

// DeliverReview fetches the review's current content and posts it to the
// package's room as the reviewer's virtual user.
func (s *BridgeSink) DeliverReview(ctx context.Context, reviewID, pkg string) error {
	roomID, ok := s.roomFor(pkg)
	if !ok {
		return fmt.Errorf("no room mapped for package %s", pkg)
	}

	review, err := s.fetcher.GetReview(ctx, pkg, reviewID)
	if err != nil {
		return fmt.Errorf("failed to fetch review %s: %w", reviewID, err)
	}
	if review == nil {
		// Aged out of the 7-day window between the poll and the delivery.
		return fmt.Errorf("review %s is no longer visible", reviewID)
	}

	displayName, err := s.users.GetVirtualUserName(ctx, reviewID)
	if err != nil {
		slog.Warn("matrixio: virtual user lookup failed, using author name",
			"review", reviewID, "err", err)
		displayName = ""
	}

	plain, htmlBody := FormatReview(review, displayName)
	if err := s.messenger.SendFormattedMessage(roomID, htmlBody, plain); err != nil {
		return fmt.Errorf("failed to post review %s to %s: %w", reviewID, roomID, err)
	}

	slog.Info("matrixio: review delivered",
		"review", reviewID, "package", pkg, "room", roomID)
	return nil
}

// EnsureVirtualUser records the reviewer's virtual identity. Idempotent:
// later sightings of the same review, including after a restart, are no-ops.
func (s *BridgeSink) EnsureVirtualUser(ctx context.Context, reviewID, authorName string) error {
	created, err := s.users.EnsureVirtualUser(ctx, reviewID, authorName)
	if err != nil {
		return fmt.Errorf("failed to ensure virtual user for %s: %w", reviewID, err)
	}
	if created {
		slog.Info("matrixio: virtual user created", "review", reviewID, "name", authorName)
	}
	return nil
}

// NotifyReplyResult posts the reply outcome to the originating room.
// Best-effort: send failures are logged and never retried.
func (s *BridgeSink) NotifyReplyResult(ctx context.Context, originRoomID string, success bool, errText string) {
	var msg string
	if success {
		msg = "✅ Reply posted to Google Play."
	} else {
		msg = "❌ Reply failed: " + errText
	}
	if err := s.messenger.SendNotice(originRoomID, msg); err != nil {
		slog.Warn("matrixio: failed to notify reply result",
			"room", originRoomID, "success", success, "err", err)
	}
}

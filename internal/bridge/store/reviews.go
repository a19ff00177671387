package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ReviewEntry is the durable record the bridge keeps per review. It carries
// just enough to classify later sightings: the last modification seen and
// whether a developer reply existed at that point.
type ReviewEntry struct {
	ReviewID       string
	PackageName    string
	LastModifiedAt time.Time
	HasReply       bool
	FirstSeenAt    time.Time
	UpdatedAt      time.Time
}

// GetReview retrieves a review entry by ID. Returns (nil, nil) when the
// review has never been seen.
func (s *Store) GetReview(ctx context.Context, reviewID string) (*ReviewEntry, error) {
	entry := &ReviewEntry{}
	var lastModified, firstSeen, updated int64
	err := s.db.QueryRowContext(ctx, `
		SELECT review_id, package_name, last_modified_at, has_reply, first_seen_at, updated_at
		FROM reviews
		WHERE review_id = ?
	`, reviewID).Scan(
		&entry.ReviewID, &entry.PackageName, &lastModified,
		&entry.HasReply, &firstSeen, &updated,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get review: %w", err)
	}

	entry.LastModifiedAt = time.Unix(lastModified, 0).UTC()
	entry.FirstSeenAt = time.Unix(firstSeen, 0).UTC()
	entry.UpdatedAt = time.Unix(updated, 0).UTC()
	return entry, nil
}

// PutReview inserts a new entry or overwrites an existing one. The caller
// decides when an overwrite is warranted (strictly newer modification); the
// store applies it unconditionally.
func (s *Store) PutReview(ctx context.Context, entry *ReviewEntry) error {
	if entry.ReviewID == "" {
		return fmt.Errorf("review id must not be empty")
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reviews (review_id, package_name, last_modified_at, has_reply, first_seen_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(review_id) DO UPDATE SET
			package_name = excluded.package_name,
			last_modified_at = excluded.last_modified_at,
			has_reply = excluded.has_reply,
			updated_at = excluded.updated_at
	`, entry.ReviewID, entry.PackageName, entry.LastModifiedAt.Unix(),
		entry.HasReply, now.Unix(), now.Unix())

	if err != nil {
		return fmt.Errorf("failed to put review: %w", err)
	}
	return nil
}

// ListReviewsByPackage returns all known entries for a package, most recently
// modified first.
func (s *Store) ListReviewsByPackage(ctx context.Context, pkg string) ([]*ReviewEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT review_id, package_name, last_modified_at, has_reply, first_seen_at, updated_at
		FROM reviews
		WHERE package_name = ?
		ORDER BY last_modified_at DESC
	`, pkg)
	if err != nil {
		return nil, fmt.Errorf("failed to list reviews: %w", err)
	}
	defer rows.Close()

	var entries []*ReviewEntry
	for rows.Next() {
		entry := &ReviewEntry{}
		var lastModified, firstSeen, updated int64
		if err := rows.Scan(
			&entry.ReviewID, &entry.PackageName, &lastModified,
			&entry.HasReply, &firstSeen, &updated,
		); err != nil {
			return nil, fmt.Errorf("failed to scan review: %w", err)
		}
		entry.LastModifiedAt = time.Unix(lastModified, 0).UTC()
		entry.FirstSeenAt = time.Unix(firstSeen, 0).UTC()
		entry.UpdatedAt = time.Unix(updated, 0).UTC()
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating reviews: %w", err)
	}
	return entries, nil
}

// CountReviewsByPackage returns the number of known reviews for a package.
func (s *Store) CountReviewsByPackage(ctx context.Context, pkg string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM reviews WHERE package_name = ?", pkg).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count reviews: %w", err)
	}
	return n, nil
}

// ReviewCount returns the total number of known reviews across all packages.
func (s *Store) ReviewCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM reviews").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count reviews: %w", err)
	}
	return n, nil
}

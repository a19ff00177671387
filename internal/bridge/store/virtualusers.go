package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// EnsureVirtualUser records the virtual user for a review's author. Returns
// true when this call created the record, false when one already existed —
// including records surviving from a previous process lifetime, which is what
// keeps virtual-user creation at-most-once across restarts.
func (s *Store) EnsureVirtualUser(ctx context.Context, reviewID, displayName string) (bool, error) {
	if reviewID == "" {
		return false, fmt.Errorf("review id must not be empty")
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO virtual_users (review_id, display_name, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(review_id) DO NOTHING
	`, reviewID, displayName, time.Now().UTC().Unix())
	if err != nil {
		return false, fmt.Errorf("failed to ensure virtual user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// GetVirtualUserName returns the display name recorded for a review's
// virtual user, or ("", nil) when none exists.
func (s *Store) GetVirtualUserName(ctx context.Context, reviewID string) (string, error) {
	var name string
	err := s.db.QueryRowContext(ctx,
		"SELECT display_name FROM virtual_users WHERE review_id = ?", reviewID).Scan(&name)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get virtual user: %w", err)
	}
	return name, nil
}

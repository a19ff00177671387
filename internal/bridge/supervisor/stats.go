package supervisor

import (
	"sync"
	"time"
)

// PackageStats holds the monotonic per-package counters. The owning poller
// and the reply-queue drainer are the only writers; reads go through
// Snapshot.
type PackageStats struct {
	mu             sync.Mutex
	totalProcessed int
	newReviews     int
	updatedReviews int
	repliesSent    int
	errors         int
	lastPollAt     time.Time
}

// MarkPoll records a poll attempt, successful or not.
func (s *PackageStats) MarkPoll(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPollAt = at
}

// AddProcessed counts reviews examined during polls, including unchanged ones.
func (s *PackageStats) AddProcessed(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalProcessed += n
}

// AddNew counts first-sighted reviews.
func (s *PackageStats) AddNew(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.newReviews += n
}

// AddUpdated counts reviews re-delivered for a newer modification.
func (s *PackageStats) AddUpdated(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updatedReviews += n
}

// AddRepliesSent counts developer replies accepted by Play.
func (s *PackageStats) AddRepliesSent(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.repliesSent += n
}

// AddErrors counts dispatch and upstream failures.
func (s *PackageStats) AddErrors(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors += n
}

// StatsValues is a point-in-time copy of the counters.
type StatsValues struct {
	TotalProcessed int       `json:"total_processed"`
	NewReviews     int       `json:"new_reviews"`
	UpdatedReviews int       `json:"updated_reviews"`
	RepliesSent    int       `json:"replies_sent"`
	Errors         int       `json:"errors"`
	LastPollAt     time.Time `json:"last_poll_at"`
}

// Snapshot returns a consistent copy of the counters.
func (s *PackageStats) Snapshot() StatsValues {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StatsValues{
		TotalProcessed: s.totalProcessed,
		NewReviews:     s.newReviews,
		UpdatedReviews: s.updatedReviews,
		RepliesSent:    s.repliesSent,
		Errors:         s.errors,
		LastPollAt:     s.lastPollAt,
	}
}

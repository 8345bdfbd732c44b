package uploader

import (
	"sync"
	"time"
)

// Stats tracks chunk send metrics of one transfer.
type Stats struct {
	sum            time.Duration
	finishedChunks int64
	attempts       int64
	mu             sync.Mutex
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{}
}

// Update records the duration of an accepted chunk, retries included.
func (s *Stats) Update(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sum += d
	s.finishedChunks++
}

// AddAttempt counts one request sent, whatever its outcome.
func (s *Stats) AddAttempt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
}

// Average returns the average duration of accepted chunks.
func (s *Stats) Average() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finishedChunks == 0 {
		return 0
	}
	return s.sum / time.Duration(s.finishedChunks)
}

// FinishedCount returns the number of accepted chunks.
func (s *Stats) FinishedCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishedChunks
}

// Attempts returns the number of requests sent.
func (s *Stats) Attempts() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// FailedAttempts returns how many requests did not end with an accepted chunk.
func (s *Stats) FailedAttempts() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attempts < s.finishedChunks {
		return 0
	}
	return s.attempts - s.finishedChunks
}

// TotalDuration returns the sum of all accepted chunk durations.
func (s *Stats) TotalDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sum
}

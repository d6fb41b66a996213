// Package velocity loads a card's recent tap history for frequency and
// location checks.
package velocity

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/tapguard/internal/domain"
)

// Lookback is the longest window any check needs.
const Lookback = 24 * time.Hour

// Service reads tap history from the repository.
type Service struct {
	repo domain.Repository
}

// NewService creates a new velocity service.
func NewService(repo domain.Repository) *Service {
	return &Service{repo: repo}
}

// Load returns the card's taps from the last 24 hours before now.
// The current tap is not included; it has not been logged yet.
func (s *Service) Load(ctx context.Context, cardUID string, now time.Time) (*Window, error) {
	if cardUID == "" {
		return nil, fmt.Errorf("card uid is required")
	}

	taps, err := s.repo.ListRecentTaps(ctx, cardUID, now.Add(-Lookback))
	if err != nil {
		return nil, fmt.Errorf("failed to load recent taps: %w", err)
	}
	return &Window{now: now, taps: taps}, nil
}

// Window is a snapshot of a card's recent taps, newest first.
type Window struct {
	now  time.Time
	taps []*domain.TapHistory
}

// NewWindow builds a window from already loaded taps.
func NewWindow(now time.Time, taps []*domain.TapHistory) *Window {
	return &Window{now: now, taps: taps}
}

// Within returns the taps no older than d.
func (w *Window) Within(d time.Duration) []*domain.TapHistory {
	cutoff := w.now.Add(-d)
	var out []*domain.TapHistory
	for _, t := range w.taps {
		if !t.CreatedAt.Before(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

// Count returns the number of taps no older than d.
func (w *Window) Count(d time.Duration) int {
	return len(w.Within(d))
}

package groups

import (
	"context"
	"time"
)

const defaultReapInterval = 30 * time.Second

// ReapExpired releases every allocation whose expires-at has passed.
// Returns the count released.
func (s *Service) ReapExpired(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	touched := make(map[string]bool)
	for _, a := range s.allocations {
		if a.Expired(now) {
			a.ReleasedAt = &now
			count++
			touched[a.GroupID] = true
		}
	}
	for groupID := range touched {
		s.recordAllocationsOpenLocked(groupID)
	}
	return count
}

// Run ticks ReapExpired on a fixed interval until ctx is cancelled,
// mirroring the ticker-worker shape used by cmd/fleetd's stale-
// reservation sweep and internal/buildqueue's scheduling loop.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(defaultReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.ReapExpired(time.Now()); n > 0 {
				s.logger.WithContext(ctx).WithField("count", n).Info("reaped expired allocations")
			}
		}
	}
}

package service

import (
	"context"
	"log"
	"time"
)

type SweepStats struct {
	Expired   int
	Abandoned int
	Skipped   int
}

// Sweep runs one expiry pass and one abandon pass. Sessions past their TTL
// become expired; sessions still inside the TTL but idle beyond abandonAfter
// become abandoned. Both transitions are compare-and-swap on an active
// status, so re-running over already-closed sessions is a no-op.
func (s *Service) Sweep(ctx context.Context, abandonAfter time.Duration) (SweepStats, error) {
	now := time.Now().UTC()
	stats := SweepStats{}

	expirable, err := s.repo.ListExpiryCandidates(ctx, now, 500)
	if err != nil {
		return stats, err
	}
	for _, sess := range expirable {
		ok, err := s.repo.ExpireSession(ctx, sess.ID, now)
		if err != nil {
			log.Printf("[sweeper] WARN: failed to expire session %s: %v", sess.ID, err)
			stats.Skipped++
			continue
		}
		if ok {
			stats.Expired++
		}
	}

	if abandonAfter > 0 {
		idle, err := s.repo.ListIdleCandidates(ctx, now.Add(-abandonAfter), 500)
		if err != nil {
			return stats, err
		}
		for _, sess := range idle {
			ok, err := s.repo.AbandonSession(ctx, sess.ID, now)
			if err != nil {
				log.Printf("[sweeper] WARN: failed to abandon session %s: %v", sess.ID, err)
				stats.Skipped++
				continue
			}
			if ok {
				stats.Abandoned++
			}
		}
	}

	return stats, nil
}

// RunSweeper loops Sweep on a fixed interval until the context is cancelled.
// A cycle in flight finishes before the loop exits.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration, abandonAfter time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Printf("[sweeper] running every %s (abandon after %s)", interval, abandonAfter)
	for {
		select {
		case <-ctx.Done():
			log.Println("[sweeper] stopped")
			return
		case <-ticker.C:
			stats, err := s.Sweep(ctx, abandonAfter)
			if err != nil {
				log.Printf("[sweeper] WARN: sweep failed: %v", err)
				continue
			}
			if stats.Expired > 0 || stats.Abandoned > 0 || stats.Skipped > 0 {
				log.Printf("[sweeper] expired=%d abandoned=%d skipped=%d", stats.Expired, stats.Abandoned, stats.Skipped)
			}
		}
	}
}

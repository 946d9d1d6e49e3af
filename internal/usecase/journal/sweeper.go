package journal

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper prunes aged journal rows on a cron schedule.
type Sweeper struct {
	store     *Store
	retention time.Duration
	cron      *cron.Cron
	logger    *slog.Logger
}

// NewSweeper creates a sweeper that deletes rows older than retention,
// running at the given cron schedule (e.g. "@hourly").
func NewSweeper(store *Store, retention time.Duration, schedule string, logger *slog.Logger) (*Sweeper, error) {
	s := &Sweeper{
		store:     store,
		retention: retention,
		cron:      cron.New(),
		logger:    logger,
	}
	if _, err := s.cron.AddFunc(schedule, s.sweep); err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins scheduled sweeping.
func (s *Sweeper) Start() {
	s.cron.Start()
	s.logger.Info("journal sweeper started", "retention", s.retention)
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Sweeper) sweep() {
	cutoff := time.Now().Add(-s.retention)
	n, err := s.store.Prune(context.Background(), cutoff)
	if err != nil {
		s.logger.Error("journal sweep failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("journal sweep pruned records", "count", n)
	}
}

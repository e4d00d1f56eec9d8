package lifecycle

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// PurgeStore is the subset of the store the sweeper needs. These are the
// only irreversible operations in the system.
type PurgeStore interface {
	PurgeDeletedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	PurgeStaleBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// SweeperConfig controls retention.
type SweeperConfig struct {
	// PurgeAfterDays is the soft-delete retention window. 0 disables
	// purging entirely.
	PurgeAfterDays int
	// StaleAfterDays enables the secondary criterion: active records whose
	// last explicit read is older than this are destroyed. Defaults to 0
	// (off) because it can remove correct-but-rarely-queried data; enabling
	// it is an explicit operator opt-in.
	StaleAfterDays int
	// Schedule is a cron expression for periodic sweeps. Empty means the
	// sweep runs only once, at service start.
	Schedule string
}

// Sweeper runs the retention purge. Failures are logged, never surfaced to
// request flow.
type Sweeper struct {
	store  PurgeStore
	cfg    SweeperConfig
	logger *slog.Logger
	cron   *cron.Cron
	now    func() time.Time
}

// NewSweeper creates a Sweeper with the given retention configuration.
func NewSweeper(store PurgeStore, cfg SweeperConfig) *Sweeper {
	return &Sweeper{
		store:  store,
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
	}
}

// Start runs one sweep immediately and, if a schedule is configured,
// registers the periodic sweep. Stop() releases the scheduler.
func (s *Sweeper) Start(ctx context.Context) error {
	s.Sweep(ctx)

	if s.cfg.Schedule == "" {
		return nil
	}

	s.cron = cron.New()
	_, err := s.cron.AddFunc(s.cfg.Schedule, func() {
		s.Sweep(context.Background())
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the periodic schedule, waiting for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// Sweep applies the retention criteria once. Every purge is logged with its
// count and criteria so destroyed data leaves an audit trail.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := s.now()

	if s.cfg.PurgeAfterDays > 0 {
		cutoff := now.AddDate(0, 0, -s.cfg.PurgeAfterDays)
		n, err := s.store.PurgeDeletedBefore(ctx, cutoff)
		if err != nil {
			s.logger.Error("retention sweep failed", "criteria", "deleted", "error", err)
		} else if n > 0 {
			s.logger.Info("purged soft-deleted records",
				"count", n, "criteria", "deleted_at", "retention_days", s.cfg.PurgeAfterDays)
		}
	}

	if s.cfg.StaleAfterDays > 0 {
		cutoff := now.AddDate(0, 0, -s.cfg.StaleAfterDays)
		n, err := s.store.PurgeStaleBefore(ctx, cutoff)
		if err != nil {
			s.logger.Error("retention sweep failed", "criteria", "stale", "error", err)
		} else if n > 0 {
			s.logger.Info("purged stale records",
				"count", n, "criteria", "last_accessed_at", "staleness_days", s.cfg.StaleAfterDays)
		}
	}
}

package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/calnotify/calnotify/internal/model"
	"github.com/calnotify/calnotify/internal/store"
)

// Scheduler drives one reconciliation pass per active user every poll
// interval. Users are fanned out over a bounded worker pool with a
// per-user deadline, so one slow calendar cannot stall the rest and the
// tick loop itself never blocks on any single user.
type Scheduler struct {
	reconciler    *Reconciler
	users         *store.UserStore
	ledger        *store.NotificationStore
	clock         Clock
	interval      time.Duration
	lookahead     time.Duration
	userTimeout   time.Duration
	maxConcurrent int
	logger        zerolog.Logger
}

// SchedulerConfig holds parameters for creating a Scheduler.
type SchedulerConfig struct {
	Reconciler    *Reconciler
	Users         *store.UserStore
	Ledger        *store.NotificationStore
	Clock         Clock
	Interval      time.Duration
	Lookahead     time.Duration
	UserTimeout   time.Duration
	MaxConcurrent int
	Logger        zerolog.Logger
}

func New(cfg SchedulerConfig) *Scheduler {
	return &Scheduler{
		reconciler:    cfg.Reconciler,
		users:         cfg.Users,
		ledger:        cfg.Ledger,
		clock:         cfg.Clock,
		interval:      cfg.Interval,
		lookahead:     cfg.Lookahead,
		userTimeout:   cfg.UserTimeout,
		maxConcurrent: cfg.MaxConcurrent,
		logger:        cfg.Logger.With().Str("component", "scheduler").Logger(),
	}
}

// Run starts the loop. Blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.tick(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	cycleID := uuid.NewString()[:8]
	logger := s.logger.With().Str("cycle_id", cycleID).Logger()

	users, err := s.users.ListActive()
	if err != nil {
		logger.Error().Err(err).Msg("list active users failed, cycle skipped")
		return
	}

	sem := make(chan struct{}, s.maxConcurrent)
	var wg sync.WaitGroup

	for _, user := range users {
		wg.Add(1)
		sem <- struct{}{}
		go func(u *model.User) {
			defer wg.Done()
			defer func() { <-sem }()
			s.reconcileOne(ctx, u, logger)
		}(user)
	}
	wg.Wait()

	// Records for long-past occurrences can never match a due window again.
	if pruned, err := s.ledger.PruneBefore(s.clock.Now().Add(-s.lookahead)); err != nil {
		logger.Error().Err(err).Msg("prune ledger failed")
	} else if pruned > 0 {
		logger.Debug().Int64("pruned", pruned).Msg("ledger pruned")
	}

	logger.Debug().Int("users", len(users)).Msg("cycle complete")
}

// reconcileOne contains a single user's failures. Errors are logged and
// dropped here; nothing a user's cycle does can abort the loop or leak
// into another user's cycle.
func (s *Scheduler) reconcileOne(ctx context.Context, user *model.User, logger zerolog.Logger) {
	uctx, cancel := context.WithTimeout(ctx, s.userTimeout)
	defer cancel()

	if err := s.reconciler.ReconcileUser(uctx, user); err != nil {
		switch {
		case model.IsAuth(err):
			logger.Warn().Err(err).Int64("user_id", user.ID).Msg("auth failed for user cycle")
		case model.IsTransient(err):
			logger.Warn().Err(err).Int64("user_id", user.ID).Msg("user cycle deferred to next interval")
		default:
			logger.Error().Err(err).Int64("user_id", user.ID).Msg("user cycle failed")
		}
	}
}

package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/calnotify/calnotify/internal/google"
	"github.com/calnotify/calnotify/internal/model"
	"github.com/calnotify/calnotify/internal/store"
)

// Notifier delivers a single reminder.
type Notifier interface {
	Notify(ctx context.Context, user *model.User, occ model.Occurrence) error
}

// Reconciler runs one user's cycle: fetch the window, decide which
// occurrences are due now, reserve them in the ledger, and deliver.
// The ledger reservation is the only cross-cycle coordination point, so
// overlapping cycles and concurrent instances cannot double-send.
type Reconciler struct {
	fetcher       google.Fetcher
	notifier      Notifier
	users         *store.UserStore
	ledger        *store.NotificationStore
	clock         Clock
	pollInterval  time.Duration
	lookahead     time.Duration
	authThreshold int
	logger        zerolog.Logger
}

// ReconcilerConfig holds parameters for creating a Reconciler.
type ReconcilerConfig struct {
	Fetcher       google.Fetcher
	Notifier      Notifier
	Users         *store.UserStore
	Ledger        *store.NotificationStore
	Clock         Clock
	PollInterval  time.Duration
	Lookahead     time.Duration
	AuthThreshold int
	Logger        zerolog.Logger
}

func NewReconciler(cfg ReconcilerConfig) *Reconciler {
	return &Reconciler{
		fetcher:       cfg.Fetcher,
		notifier:      cfg.Notifier,
		users:         cfg.Users,
		ledger:        cfg.Ledger,
		clock:         cfg.Clock,
		pollInterval:  cfg.PollInterval,
		lookahead:     cfg.Lookahead,
		authThreshold: cfg.AuthThreshold,
		logger:        cfg.Logger.With().Str("component", "reconciler").Logger(),
	}
}

// ReconcileUser runs one cycle for one user. Steps execute strictly in
// order: fetch, pending sweep, due computation, reserve, notify, finalize.
// Any store error aborts the cycle with no partial writes; pending rows
// left behind are resolved by the next cycle.
func (r *Reconciler) ReconcileUser(ctx context.Context, user *model.User) error {
	now := r.clock.Now()

	occs, err := r.fetcher.FetchWindow(ctx, user.ID, now, now.Add(r.lookahead))
	if err != nil {
		if model.IsAuth(err) {
			deactivated, derr := r.users.RecordAuthFailure(user.ID, r.authThreshold)
			if derr != nil {
				r.logger.Error().Err(derr).Int64("user_id", user.ID).Msg("record auth failure")
			}
			if deactivated {
				r.logger.Warn().Int64("user_id", user.ID).Msg("user deactivated after repeated auth failures")
			}
		}
		return err
	}

	if err := r.users.ResetAuthFailures(user.ID); err != nil {
		r.logger.Error().Err(err).Int64("user_id", user.ID).Msg("reset auth failures")
	}

	// Reservations from a crashed or timed-out cycle are re-driven first,
	// through the same record. At-least-once to the notifier, at-most-one
	// logical notification.
	if err := r.resolvePending(ctx, user, occs, now); err != nil {
		return err
	}

	for _, occ := range occs {
		dueAt := occ.Start.Add(-user.LeadTime)

		// Due this cycle iff dueAt <= now < dueAt + pollInterval. The
		// half-open window tolerates tick jitter; anything whose window
		// already closed (e.g. discovered after downtime) is never sent.
		if now.Before(dueAt) || !now.Before(dueAt.Add(r.pollInterval)) {
			continue
		}

		key := occ.Key(user.ID, user.LeadTime)
		reserved, err := r.ledger.Reserve(key, now)
		if err != nil {
			return err
		}
		if !reserved {
			continue // already handled by an earlier cycle or another instance
		}

		r.deliver(ctx, user, occ, key)
	}

	return nil
}

// deliver attempts delivery for a reservation we own and finalizes the
// record. On transient exhaustion the record stays pending so the next
// cycle retries through it.
func (r *Reconciler) deliver(ctx context.Context, user *model.User, occ model.Occurrence, key model.NotificationKey) {
	err := r.notifier.Notify(ctx, user, occ)
	switch {
	case err == nil:
		if ferr := r.ledger.Finalize(key, model.StatusSent, r.clock.Now()); ferr != nil {
			r.logger.Error().Err(ferr).Stringer("key", key).Msg("finalize sent")
			return
		}
		r.logger.Info().Int64("user_id", user.ID).Str("event_id", occ.EventID).
			Time("start", occ.Start).Msg("reminder sent")
	case model.IsPermanentDelivery(err):
		if ferr := r.ledger.Finalize(key, model.StatusFailedPermanent, r.clock.Now()); ferr != nil {
			r.logger.Error().Err(ferr).Stringer("key", key).Msg("finalize failed_permanent")
			return
		}
		r.logger.Warn().Err(err).Int64("user_id", user.ID).Str("event_id", occ.EventID).
			Msg("delivery permanently failed")
	default:
		r.logger.Error().Err(err).Int64("user_id", user.ID).Str("event_id", occ.EventID).
			Msg("delivery failed, reservation left pending")
	}
}

// resolvePending retries deliveries whose reservation exists but never
// finalized. A pending row whose occurrence is still in the fetched window
// is retried; one whose start has already passed is closed out, since a
// reminder after the meeting began is noise.
func (r *Reconciler) resolvePending(ctx context.Context, user *model.User, occs []model.Occurrence, now time.Time) error {
	pending, err := r.ledger.ListPending(user.ID)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	type occKey struct {
		eventID string
		start   int64
	}
	byKey := make(map[occKey]model.Occurrence, len(occs))
	for _, occ := range occs {
		byKey[occKey{occ.EventID, occ.Start.Unix()}] = occ
	}

	for _, rec := range pending {
		occ, found := byKey[occKey{rec.Key.EventID, rec.Key.Start.Unix()}]
		if found {
			r.deliver(ctx, user, occ, rec.Key)
			continue
		}
		if rec.Key.Start.Before(now) {
			if err := r.ledger.Finalize(rec.Key, model.StatusFailedPermanent, now); err != nil {
				return err
			}
			r.logger.Warn().Stringer("key", rec.Key).Msg("stale pending reservation closed")
		}
		// Otherwise keep waiting: the event may have been missing from this
		// fetch transiently and will match a later cycle.
	}

	return nil
}

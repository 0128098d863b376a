package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"campusrun/internal/config"
	"campusrun/internal/domain"
	"campusrun/internal/ports"
)

// Engine owns the task assignment state machine:
//
//	pending -> offer_pending(r) -> accepted
//	                            -> offer_pending(next)   (decline / expiry)
//	                            -> cancelled             (pool exhausted)
//
// At most one runner ever holds a pending offer for a task. Every transition
// of the assignment goes through a compare-and-set against the state the
// engine last read, so concurrent escalations cannot both commit.
type Engine struct {
	Store      ports.TaskStore
	Directory  ports.RunnerDirectory
	Caller     ports.CallerNotifier
	Dispatcher Dispatcher
	Filter     EligibilityFilter
	Ranking    RankingPolicy

	DecisionWindow time.Duration

	// Now is replaceable in tests.
	Now func() time.Time
}

func New(store ports.TaskStore, dir ports.RunnerDirectory, offers ports.OfferNotifier, caller ports.CallerNotifier, cfg config.Match) *Engine {
	return &Engine{
		Store:     store,
		Directory: dir,
		Caller:    caller,
		Dispatcher: Dispatcher{
			Notifier:   offers,
			Store:      store,
			RetryDelay: cfg.DispatchRetryDelay,
		},
		Filter: EligibilityFilter{
			ServiceRadiusMeters: cfg.ServiceRadiusMeters,
			LocationFreshness:   cfg.LocationFreshness,
		},
		Ranking:        RankingPolicy{Directory: dir},
		DecisionWindow: cfg.DecisionWindow,
		Now:            time.Now,
	}
}

func snapshot(t *domain.Task) ports.AssignmentState {
	return ports.AssignmentState{
		Status:          t.Status,
		AssignedRunner:  t.AssignedRunner,
		AssignedAt:      t.AssignedAt,
		DeclinedRunners: t.DeclinedRunners,
		Escalations:     t.Escalations,
		CancelReason:    t.CancelReason,
	}
}

func apply(t *domain.Task, st ports.AssignmentState) {
	t.Status = st.Status
	t.AssignedRunner = st.AssignedRunner
	t.AssignedAt = st.AssignedAt
	t.DeclinedRunners = st.DeclinedRunners
	t.Escalations = st.Escalations
	t.CancelReason = st.CancelReason
}

// Assign runs the create path for a task: filter, rank, offer to the top
// candidate. Safe to retry; a task that already holds a live offer or reached
// a terminal status is returned unchanged.
func (e *Engine) Assign(ctx context.Context, taskID string) (*domain.Task, error) {
	t, err := e.Store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	switch {
	case t.Terminal():
		return t, nil
	case t.Status == domain.StatusOfferPending:
		if t.OfferExpired(e.Now(), e.DecisionWindow) {
			return e.escalateFrom(ctx, t, t.AssignedRunner)
		}
		return t, nil
	}

	return e.offerNext(ctx, t, snapshot(t), t.DeclinedRunners, t.Escalations)
}

// Accept records the offer holder's acceptance. Expiry strictly dominates a
// late accept: once the decision window has elapsed the accept is rejected
// with domain.ErrOfferExpired and the task escalates instead.
func (e *Engine) Accept(ctx context.Context, taskID, runnerID string) (*domain.Task, error) {
	t, err := e.Store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	if t.Status == domain.StatusAccepted && t.AssignedRunner == runnerID {
		return t, nil
	}
	if t.Status != domain.StatusOfferPending {
		return t, domain.ErrTaskClosed
	}
	if t.AssignedRunner != runnerID {
		return t, domain.ErrNotOfferHolder
	}

	if t.OfferExpired(e.Now(), e.DecisionWindow) {
		if _, escErr := e.escalateFrom(ctx, t, runnerID); escErr != nil && !errors.Is(escErr, domain.ErrConflict) {
			log.Ctx(ctx).Error().Err(escErr).Str("task", t.ID).Msg("escalation after expired accept failed")
		}
		return t, domain.ErrOfferExpired
	}

	expect := snapshot(t)
	next := expect
	next.Status = domain.StatusAccepted
	if err := e.Store.SwapAssignment(ctx, t.ID, expect, next); err != nil {
		return t, err
	}
	apply(t, next)

	if err := e.Caller.TaskResolved(ctx, t); err != nil {
		return t, fmt.Errorf("notify caller of acceptance: %w", err)
	}
	return t, nil
}

// Decline records an explicit refusal by the offer holder and escalates to
// the next-ranked candidate, or cancels when the pool is exhausted.
func (e *Engine) Decline(ctx context.Context, taskID, runnerID string) (*domain.Task, error) {
	t, err := e.Store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	// The decline already took effect if the runner is in the declined set.
	if t.HasDeclined(runnerID) {
		return t, nil
	}
	if t.Status != domain.StatusOfferPending {
		return t, domain.ErrTaskClosed
	}
	if t.AssignedRunner != runnerID {
		return t, domain.ErrNotOfferHolder
	}

	return e.escalateFrom(ctx, t, runnerID)
}

// CheckExpiry lazily enforces the decision window: if the task's pending
// offer has expired it escalates, otherwise it is a no-op. Invoked by the
// sweeper and usable by any read path.
func (e *Engine) CheckExpiry(ctx context.Context, taskID string) (*domain.Task, error) {
	t, err := e.Store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !t.OfferExpired(e.Now(), e.DecisionWindow) {
		return t, nil
	}
	return e.escalateFrom(ctx, t, t.AssignedRunner)
}

// escalateFrom moves the offer off fromRunner in a single compare-and-set:
// the runner joins the declined set and the task goes straight to the next
// candidate's offer, or to cancelled when nobody is left.
func (e *Engine) escalateFrom(ctx context.Context, t *domain.Task, fromRunner string) (*domain.Task, error) {
	declined := append(append([]string(nil), t.DeclinedRunners...), fromRunner)
	return e.offerNext(ctx, t, snapshot(t), declined, t.Escalations+1)
}

func (e *Engine) offerNext(ctx context.Context, t *domain.Task, expect ports.AssignmentState, declined []string, escalations int) (*domain.Task, error) {
	if t.Origin == nil {
		return e.cancel(ctx, t, expect, declined, escalations, domain.CancelNoOriginLocation)
	}

	pool, err := e.Directory.OnlineRunners(ctx)
	if err != nil {
		return t, fmt.Errorf("list online runners: %w", err)
	}

	// Filter against the declined set as it will be persisted, not as it was
	// when the task was last read.
	probe := *t
	probe.DeclinedRunners = declined
	eligible := e.Filter.Eligible(&probe, pool, e.Now())
	if len(eligible) == 0 {
		return e.cancel(ctx, t, expect, declined, escalations, domain.CancelNoEligibleRunner)
	}

	ranked, err := e.Ranking.Rank(ctx, t, eligible)
	if err != nil {
		return t, fmt.Errorf("rank candidates: %w", err)
	}
	top := ranked[0].Runner

	next := ports.AssignmentState{
		Status:          domain.StatusOfferPending,
		AssignedRunner:  top.ID,
		AssignedAt:      e.Now(),
		DeclinedRunners: declined,
		Escalations:     escalations,
	}
	if err := e.Store.SwapAssignment(ctx, t.ID, expect, next); err != nil {
		return t, err
	}
	apply(t, next)

	log.Ctx(ctx).Info().
		Str("task", t.ID).
		Str("runner", top.ID).
		Int("affinity", ranked[0].Affinity).
		Float64("distance_m", ranked[0].DistanceMeters).
		Int("escalations", escalations).
		Msg("offer issued")

	status, err := e.Dispatcher.Dispatch(ctx, t, top.ID)
	switch {
	case errors.Is(err, domain.ErrVerificationFailed):
		// Loud by contract: the state diverged after an apparent success.
		log.Ctx(ctx).Error().Err(err).Str("task", t.ID).Msg("assignment verification failed")
		return t, err
	case err != nil:
		return e.rollback(ctx, t, next, declined, escalations, err)
	case status.Cancellation():
		// The delivery side resolved the task as unassignable.
		return e.cancel(ctx, t, next, declined, escalations, domain.CancelNoEligibleRunner)
	}

	return t, nil
}

// rollback returns a task whose offer could not be delivered to a
// re-rankable pending state. The declined set is kept so the failed
// escalation is not retried against the same runner history from scratch.
func (e *Engine) rollback(ctx context.Context, t *domain.Task, expect ports.AssignmentState, declined []string, escalations int, cause error) (*domain.Task, error) {
	next := ports.AssignmentState{
		Status:          domain.StatusPending,
		DeclinedRunners: declined,
		Escalations:     escalations,
	}
	if err := e.Store.SwapAssignment(ctx, t.ID, expect, next); err != nil {
		return t, fmt.Errorf("rollback after dispatch failure: %w (dispatch: %w)", err, cause)
	}
	apply(t, next)
	return t, cause
}

func (e *Engine) cancel(ctx context.Context, t *domain.Task, expect ports.AssignmentState, declined []string, escalations int, reason domain.CancelReason) (*domain.Task, error) {
	next := ports.AssignmentState{
		Status:          domain.StatusCancelled,
		DeclinedRunners: declined,
		Escalations:     escalations,
		CancelReason:    reason,
	}
	if err := e.Store.SwapAssignment(ctx, t.ID, expect, next); err != nil {
		return t, err
	}
	apply(t, next)

	log.Ctx(ctx).Info().
		Str("task", t.ID).
		Str("reason", string(reason)).
		Msg("task cancelled by assignment engine")

	if err := e.Caller.TaskResolved(ctx, t); err != nil {
		return t, fmt.Errorf("notify caller of cancellation: %w", err)
	}
	return t, nil
}

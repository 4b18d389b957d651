// Package callback correlates asynchronously delivered external responses
// with the suspended pipeline run that asked for them.
package callback

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stanstork/ocms-cron/internal/errs"
	"github.com/stanstork/ocms-cron/internal/models"
)

// Store is the durable correlation table.
type Store interface {
	Insert(ctx context.Context, cb models.PendingCallback) (bool, error)
	Resolve(ctx context.Context, requestID, token, ownerID string, now time.Time) (bool, error)
	Finish(ctx context.Context, requestID string, status models.CallbackStatus, token string, now time.Time) error
	ClaimResolved(ctx context.Context, ownerID string) ([]models.PendingCallback, error)
	ExpireStale(ctx context.Context, now time.Time) (int64, error)
}

// Outcome is handed to a continuation exactly once: either a token or an error.
type Outcome struct {
	Token string
	Err   error
}

type Continuation func(Outcome)

type entry struct {
	requestID string
	jobName   string
	expiresAt time.Time
	cont      Continuation
}

func (e *entry) live(now time.Time) bool {
	return now.Before(e.expiresAt)
}

// Registry keeps continuations in process memory and mirrors every entry in
// Store. Each entry is claimed with a single atomic map operation, so calls
// for different request ids never wait on each other.
type Registry struct {
	entries sync.Map // request id -> *entry
	store   Store
	owner   string
	now     func() time.Time
	logger  zerolog.Logger
}

type Option func(*Registry)

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func NewRegistry(store Store, owner string, logger zerolog.Logger, opts ...Option) *Registry {
	r := &Registry{
		store:  store,
		owner:  owner,
		now:    time.Now,
		logger: logger.With().Str("component", "callback_registry").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register parks cont under requestID until Resolve or the sweeper hands it
// an outcome. A live entry with the same id is a caller bug and is rejected.
func (r *Registry) Register(ctx context.Context, requestID, jobName string, cont Continuation, ttl time.Duration) error {
	if requestID == "" || cont == nil || ttl <= 0 {
		return errs.Newf(errs.KindDataIntegrity, "callback.register", "request id, continuation and positive ttl are required")
	}
	now := r.now()
	e := &entry{requestID: requestID, jobName: jobName, expiresAt: now.Add(ttl), cont: cont}

	if existing, loaded := r.entries.LoadOrStore(requestID, e); loaded {
		old := existing.(*entry)
		if old.live(now) {
			return errs.Newf(errs.KindDataIntegrity, "callback.register", "request id %s is already pending", requestID)
		}
		if r.entries.CompareAndDelete(requestID, old) {
			r.expire(ctx, old, now)
		}
		if _, loaded := r.entries.LoadOrStore(requestID, e); loaded {
			return errs.Newf(errs.KindDataIntegrity, "callback.register", "request id %s is already pending", requestID)
		}
	}

	inserted, err := r.store.Insert(ctx, models.PendingCallback{
		RequestID:    requestID,
		JobName:      jobName,
		OwnerID:      r.owner,
		Status:       models.CallbackPending,
		RegisteredAt: now,
		ExpiresAt:    e.expiresAt,
	})
	if err != nil {
		r.entries.CompareAndDelete(requestID, e)
		return errs.E(errs.KindTransientInfra, "callback.register", err)
	}
	if !inserted {
		r.entries.CompareAndDelete(requestID, e)
		return errs.Newf(errs.KindDataIntegrity, "callback.register", "request id %s was used before", requestID)
	}

	r.logger.Debug().Str("request_id", requestID).Str("job", jobName).Time("expires_at", e.expiresAt).Msg("callback registered")
	return nil
}

// Resolve delivers token to the continuation waiting on requestID. Unknown,
// expired and duplicate deliveries return false with a warning; Resolve never
// panics.
func (r *Registry) Resolve(ctx context.Context, requestID, token string) bool {
	now := r.now()
	log := r.logger.With().Str("request_id", requestID).Logger()

	v, ok := r.entries.LoadAndDelete(requestID)
	if !ok {
		// The continuation may live in another instance.
		handed, err := r.store.Resolve(ctx, requestID, token, r.owner, now)
		if err != nil {
			log.Warn().Err(err).Msg("callback could not be recorded")
			return false
		}
		if handed {
			log.Info().Msg("callback recorded for the owning instance")
			return true
		}
		log.Warn().Msg("callback for unknown, expired or already resolved request id")
		return false
	}

	e := v.(*entry)
	if !e.live(now) {
		r.expire(ctx, e, now)
		log.Warn().Time("expired_at", e.expiresAt).Msg("callback arrived after expiry")
		return false
	}

	if err := r.store.Finish(ctx, requestID, models.CallbackCompleted, token, now); err != nil {
		log.Warn().Err(err).Msg("failed to persist callback completion")
	}
	out := Outcome{Token: token}
	if token == "" {
		out = Outcome{Err: errs.Newf(errs.KindExternalService, "callback.resolve", "empty token for %s", requestID)}
	}
	r.invoke(e, out)
	log.Info().Str("job", e.jobName).Msg("callback resolved")
	return true
}

// Cancel drops a registration without invoking its continuation.
func (r *Registry) Cancel(ctx context.Context, requestID string) {
	if _, ok := r.entries.LoadAndDelete(requestID); !ok {
		return
	}
	if err := r.store.Finish(ctx, requestID, models.CallbackCancelled, "", r.now()); err != nil {
		r.logger.Warn().Err(err).Str("request_id", requestID).Msg("failed to persist callback cancellation")
	}
}

// Expire times out requestID now, as the sweeper would once its ttl has
// passed. It reports false when the entry was already claimed, in which case
// the claimer delivers the outcome.
func (r *Registry) Expire(ctx context.Context, requestID string) bool {
	v, ok := r.entries.LoadAndDelete(requestID)
	if !ok {
		return false
	}
	r.expire(ctx, v.(*entry), r.now())
	return true
}

// SweepExpired delivers tokens recorded by other instances for local
// continuations, then fails every local entry past its ttl with a timeout.
// It returns the number of entries timed out here.
func (r *Registry) SweepExpired(ctx context.Context) int {
	claimed, err := r.store.ClaimResolved(ctx, r.owner)
	if err != nil {
		r.logger.Warn().Err(err).Msg("failed to claim callbacks resolved elsewhere")
	}
	for _, cb := range claimed {
		v, ok := r.entries.LoadAndDelete(cb.RequestID)
		if !ok {
			r.logger.Warn().Str("request_id", cb.RequestID).Msg("callback resolved elsewhere has no local continuation")
			continue
		}
		r.invoke(v.(*entry), Outcome{Token: cb.Token})
	}

	now := r.now()
	expired := 0
	r.entries.Range(func(key, value interface{}) bool {
		e := value.(*entry)
		if !e.live(now) && r.entries.CompareAndDelete(key, value) {
			r.expire(ctx, e, now)
			expired++
		}
		return true
	})

	if n, err := r.store.ExpireStale(ctx, now); err != nil {
		r.logger.Warn().Err(err).Msg("failed to expire stale callbacks")
	} else if n > 0 {
		r.logger.Warn().Int64("count", n).Msg("expired callbacks with no live owner")
	}
	return expired
}

// Pending counts registrations held by this instance.
func (r *Registry) Pending() int {
	n := 0
	r.entries.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

func (r *Registry) expire(ctx context.Context, e *entry, now time.Time) {
	if err := r.store.Finish(ctx, e.requestID, models.CallbackTimeout, "", now); err != nil {
		r.logger.Warn().Err(err).Str("request_id", e.requestID).Msg("failed to persist callback timeout")
	}
	r.logger.Warn().Str("request_id", e.requestID).Str("job", e.jobName).Msg("callback timed out")
	r.invoke(e, Outcome{Err: errs.E(errs.KindExternalService, "callback.sweep",
		fmt.Errorf("no callback for %s before %s", e.requestID, e.expiresAt.Format(time.RFC3339)))})
}

func (r *Registry) invoke(e *entry, out Outcome) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().Str("request_id", e.requestID).Interface("panic", rec).Msg("callback continuation panicked")
		}
	}()
	e.cont(out)
}

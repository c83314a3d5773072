package rollover

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/platinummonkey/tally/pkg/async"
	"github.com/platinummonkey/tally/pkg/observability"
	"github.com/platinummonkey/tally/pkg/storage"
	"github.com/platinummonkey/tally/pkg/subscriptions"
	"github.com/platinummonkey/tally/pkg/tiers"
	"github.com/sirupsen/logrus"
)

// Report summarizes one rollover or expiry run
type Report struct {
	Job       string        `json:"job"`
	Processed int           `json:"processed"`
	Failed    int           `json:"failed"`
	Duration  time.Duration `json:"duration"`
}

// Runner applies due rollovers and expiries. Each account commits on its
// own, so an interrupted run leaves only whole transitions behind.
type Runner struct {
	store   storage.Store
	catalog tiers.Catalog
	workers int
	log     logrus.FieldLogger
	metrics *observability.Metrics
}

// Option configures a Runner
type Option func(*Runner)

// WithWorkers sets the number of concurrent claimers
func WithWorkers(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.workers = n
		}
	}
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(r *Runner) { r.log = log }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// NewRunner creates a runner with 4 workers by default
func NewRunner(store storage.Store, catalog tiers.Catalog, opts ...Option) *Runner {
	r := &Runner{
		store:   store,
		catalog: catalog,
		workers: 4,
		log:     logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RunRollover refreshes every subscription whose period ended before now
func (r *Runner) RunRollover(ctx context.Context, now time.Time) (Report, error) {
	return r.run(ctx, storage.ClaimRollover, now)
}

// RunExpiry downgrades every subscription whose term ended before now
func (r *Runner) RunExpiry(ctx context.Context, now time.Time) (Report, error) {
	return r.run(ctx, storage.ClaimExpiry, now)
}

// accountSet is shared by the workers of one run
type accountSet struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func (s *accountSet) add(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		return false
	}
	s.ids[id] = struct{}{}
	return true
}

func (s *accountSet) list() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.ids))
	for id := range s.ids {
		out = append(out, id)
	}
	return out
}

func (r *Runner) run(ctx context.Context, kind storage.ClaimKind, now time.Time) (Report, error) {
	start := time.Now()
	report := Report{Job: string(kind)}
	log := r.log.WithField("job", kind)

	def, err := r.catalog.DefaultTier(ctx)
	if err != nil {
		return report, &subscriptions.ConfigurationError{Message: "default tier unavailable", Err: err}
	}

	var (
		mu       sync.Mutex
		excluded = &accountSet{ids: map[string]struct{}{}}
		done     = &accountSet{ids: map[string]struct{}{}}
	)
	count := func(ok bool) {
		mu.Lock()
		defer mu.Unlock()
		if ok {
			report.Processed++
		} else {
			report.Failed++
		}
	}

	errs := async.Workers(ctx, r.workers, string(kind), func(ctx context.Context, worker int) error {
		for {
			if err := ctx.Err(); err != nil {
				return err
			}

			var account string
			claim := storage.Claim{Kind: kind, Now: now, DefaultTierID: def.ID, Exclude: excluded.list()}
			claimed, err := r.store.ClaimNext(ctx, claim, func(tx storage.Tx, sub *subscriptions.Subscription) error {
				account = sub.AccountID
				return r.apply(ctx, kind, tx, sub, def, now)
			})
			if !claimed {
				return err
			}
			if err != nil {
				// a concurrent worker may have claimed the account before it was excluded
				if excluded.add(account) {
					count(false)
					log.WithError(err).WithField("account_id", account).Warn("transition failed, skipping account for this run")
				}
				continue
			}
			if !done.add(account) {
				// the row is still due after being processed; stop claiming it
				excluded.add(account)
				log.WithField("account_id", account).Error("account still due after transition")
				continue
			}
			count(true)
			if kind == storage.ClaimExpiry {
				r.metrics.ObserveTransition(string(subscriptions.ReasonExpired))
			}
		}
	})

	report.Duration = time.Since(start)
	r.metrics.ObserveJob(string(kind), report.Processed, report.Failed, report.Duration)
	log.WithFields(logrus.Fields{
		"processed": report.Processed,
		"failed":    report.Failed,
		"duration":  report.Duration,
	}).Info("job finished")

	if len(errs) > 0 {
		return report, fmt.Errorf("%s run incomplete: %w", kind, errors.Join(errs...))
	}
	return report, nil
}

func (r *Runner) apply(ctx context.Context, kind storage.ClaimKind, tx storage.Tx, sub *subscriptions.Subscription, def *tiers.Tier, now time.Time) error {
	isDefault := sub.TierID == def.ID
	switch kind {
	case storage.ClaimRollover:
		if !subscriptions.NeedsRollover(sub, isDefault, now) {
			return nil
		}
		_, err := ApplyRollover(ctx, tx, sub, now)
		return err
	case storage.ClaimExpiry:
		if !subscriptions.NeedsExpiry(sub, isDefault, now) {
			return nil
		}
		_, err := ApplyExpiry(ctx, tx, sub, def, now)
		return err
	}
	return fmt.Errorf("unknown claim kind %q", kind)
}

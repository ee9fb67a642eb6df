// Package dedup guards inserts against duplicate sales and heals duplicates
// already in the store.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/singleflight"

	"vanityhub/ledger/internal/domain"
	"vanityhub/ledger/internal/events"
	"vanityhub/ledger/internal/lock"
	"vanityhub/ledger/internal/logger"
	"vanityhub/ledger/internal/matching"
	"vanityhub/ledger/internal/metrics"
	"vanityhub/ledger/internal/reconcile"
	"vanityhub/ledger/internal/store"
)

const cleanupFlightKey = "cleanup"

type Options struct {
	Finder   *matching.Finder
	Scorer   *reconcile.Scorer
	Locker   lock.Locker
	LockTTL  time.Duration
	Notifier *events.Notifier
	Metrics  *metrics.LedgerMetrics
	Logger   *logger.Logger
	Now      func() time.Time
}

type Orchestrator struct {
	store    *store.EventStore
	finder   *matching.Finder
	scorer   *reconcile.Scorer
	locker   lock.Locker
	lockTTL  time.Duration
	notifier *events.Notifier
	metrics  *metrics.LedgerMetrics
	log      *logger.Logger
	now      func() time.Time

	// gate: inserts hold it shared, cleanup holds it exclusively so an insert
	// never checks for duplicates against a store mid-rewrite.
	gate     sync.RWMutex
	flight   singleflight.Group
	pending  sync.WaitGroup
	bootOnce sync.Once
}

func New(s *store.EventStore, opts Options) *Orchestrator {
	if opts.Finder == nil {
		opts.Finder = matching.New(matching.Options{})
	}
	if opts.Scorer == nil {
		opts.Scorer = reconcile.New()
	}
	if opts.Locker == nil {
		opts.Locker = lock.NewMemory()
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = lock.DefaultTTL
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Orchestrator{
		store:    s,
		finder:   opts.Finder,
		scorer:   opts.Scorer,
		locker:   opts.Locker,
		lockTTL:  opts.LockTTL,
		notifier: opts.Notifier,
		metrics:  opts.Metrics,
		log:      opts.Logger,
		now:      opts.Now,
	}
}

// TryInsert persists candidate unless a same-type sale for the same booking
// already exists, in which case the existing canonical sale is returned and
// inserted is false.
func (o *Orchestrator) TryInsert(ctx context.Context, candidate domain.LedgerEvent) (domain.LedgerEvent, bool, error) {
	o.gate.RLock()
	defer o.gate.RUnlock()

	if existing, err := o.store.Get(candidate.ID); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return domain.LedgerEvent{}, false, err
	}

	key := candidate.IdentityRef.Key()
	if key == "" {
		return o.insert(ctx, candidate)
	}

	started := time.Now()
	lease, err := o.locker.Acquire(ctx, key, o.lockTTL)
	if err != nil {
		o.metrics.IncInsert(metrics.InsertFailed)
		return domain.LedgerEvent{}, false, fmt.Errorf("identity %s: %w", key, err)
	}
	o.metrics.ObserveLockWait(time.Since(started))
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			o.log.Warn(o.log.WithIdentity(ctx, key), "release identity lock failed: "+err.Error())
		}
	}()

	target := matching.TargetFromEvent(candidate)
	target.CompositeType = candidate.CompositeType
	matches := o.finder.FindCandidates(o.store.All(), target)
	if len(matches) == 0 {
		return o.insert(ctx, candidate)
	}

	existing := matches[0]
	if len(matches) > 1 {
		// Already inconsistent: answer with the sale cleanup will keep.
		if res, err := o.scorer.Reconcile(matches); err == nil {
			existing = pick(matches, res.Keep.ID)
		}
		o.scheduleCleanup(ctx)
	}

	o.metrics.IncInsert(metrics.InsertDuplicate)
	o.log.Info(o.log.WithFields(ctx, map[string]any{
		"identity":    key,
		"candidate":   candidate.ID,
		"existing_id": existing.ID,
		"channel":     candidate.OriginationChannel,
	}), "duplicate sale blocked")
	o.notifier.Notify(ctx, events.SaleDuplicateBlocked, existing.ID, map[string]any{
		"existingId":         existing.ID,
		"candidateId":        candidate.ID,
		"identity":           key,
		"compositeType":      candidate.CompositeType,
		"originationChannel": candidate.OriginationChannel,
	})
	return existing, false, nil
}

func (o *Orchestrator) insert(ctx context.Context, e domain.LedgerEvent) (domain.LedgerEvent, bool, error) {
	now := o.now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = e.CreatedAt
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = e.CreatedAt
	}
	if err := o.store.Insert(ctx, e); err != nil {
		o.metrics.IncInsert(metrics.InsertFailed)
		return domain.LedgerEvent{}, false, err
	}
	o.metrics.IncInsert(metrics.InsertCreated)
	o.notifier.Notify(ctx, events.SaleCreated, e.ID, e)
	return e, true, nil
}

// CleanupAll reconciles every duplicate group in the store and returns the
// number of events removed. All groups are applied in one store write, and
// nothing is written when there is nothing to do.
func (o *Orchestrator) CleanupAll(ctx context.Context) (int, error) {
	o.gate.Lock()
	defer o.gate.Unlock()

	started := time.Now()
	defer func() { o.metrics.ObserveCleanup(time.Since(started)) }()

	var (
		keep   []domain.LedgerEvent
		remove []string
		errs   error
		groups int
	)
	for _, g := range o.finder.Groups(o.store.All()) {
		if !g.Reconcilable() {
			continue
		}
		res, err := o.scorer.Reconcile(g.Members)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("reconcile group %s: %w", g.Members[0].ID, err))
			continue
		}
		groups++
		keep = append(keep, res.Keep)
		for _, r := range res.Remove {
			remove = append(remove, r.ID)
		}
		o.log.Debug(o.log.WithFields(ctx, map[string]any{
			"keep":    res.Keep.ID,
			"removed": len(res.Remove),
			"rule":    res.Rule,
		}), "duplicate group reconciled")
	}

	if len(remove) == 0 {
		return 0, errs
	}
	if err := o.store.Apply(ctx, keep, remove); err != nil {
		return 0, multierr.Append(errs, fmt.Errorf("apply cleanup: %w", err))
	}

	o.metrics.AddRemoved(len(remove))
	for _, k := range keep {
		o.notifier.Notify(ctx, events.SaleUpdated, k.ID, k)
	}
	for _, id := range remove {
		o.notifier.Notify(ctx, events.SaleDeleted, id, map[string]string{"id": id})
	}
	o.notifier.Notify(ctx, events.CleanupCompleted, "", map[string]int{
		"groups":  groups,
		"removed": len(remove),
	})
	o.log.Info(o.log.WithFields(ctx, map[string]any{"groups": groups, "removed": len(remove)}), "duplicate cleanup completed")
	return len(remove), errs
}

// Modify updates one stored event. It waits for a running cleanup and reads
// the event again under the store's write lock, so it never overwrites an
// enrichment.
func (o *Orchestrator) Modify(ctx context.Context, id string, fn func(domain.LedgerEvent) (domain.LedgerEvent, error)) (domain.LedgerEvent, error) {
	o.gate.RLock()
	defer o.gate.RUnlock()
	return o.store.Modify(ctx, id, fn)
}

// Remove deletes one stored event outside of any running cleanup.
func (o *Orchestrator) Remove(ctx context.Context, id string) error {
	o.gate.RLock()
	defer o.gate.RUnlock()
	return o.store.Delete(ctx, id)
}

// Bootstrap runs the initial cleanup once per orchestrator; later calls are no-ops.
func (o *Orchestrator) Bootstrap(ctx context.Context) (int, error) {
	var (
		removed int
		err     error
	)
	o.bootOnce.Do(func() {
		removed, err = o.CleanupAll(ctx)
	})
	return removed, err
}

// Wait blocks until cleanups scheduled by TryInsert have finished.
func (o *Orchestrator) Wait() {
	o.pending.Wait()
}

func (o *Orchestrator) scheduleCleanup(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	o.pending.Add(1)
	go func() {
		defer o.pending.Done()
		_, err, _ := o.flight.Do(cleanupFlightKey, func() (any, error) {
			return o.CleanupAll(ctx)
		})
		if err != nil {
			o.log.Error(ctx, "scheduled cleanup failed", err)
		}
	}()
}

func pick(events []domain.LedgerEvent, id string) domain.LedgerEvent {
	for _, e := range events {
		if e.ID == id {
			return e
		}
	}
	return events[0]
}

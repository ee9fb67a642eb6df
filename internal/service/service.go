package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"vanityhub/ledger/internal/cache"
	"vanityhub/ledger/internal/consolidate"
	"vanityhub/ledger/internal/dedup"
	"vanityhub/ledger/internal/display"
	"vanityhub/ledger/internal/domain"
	"vanityhub/ledger/internal/events"
	"vanityhub/ledger/internal/logger"
	"vanityhub/ledger/internal/store"
	"vanityhub/ledger/internal/xid"
)

const defaultProjectionTTL = 10 * time.Minute

type Params struct {
	Store        *store.EventStore
	Orchestrator *dedup.Orchestrator
	Consolidator *consolidate.Consolidator
	Notifier     *events.Notifier
	Cache        cache.ProjectionCache
	CacheTTL     time.Duration
	Logger       *logger.Logger
	Now          func() time.Time
}

type Service struct {
	store        *store.EventStore
	orchestrator *dedup.Orchestrator
	consolidator *consolidate.Consolidator
	notifier     *events.Notifier
	cache        cache.ProjectionCache
	cacheTTL     time.Duration
	log          *logger.Logger
	now          func() time.Time

	initMu sync.Mutex
}

func New(p Params) (*Service, error) {
	if p.Store == nil {
		return nil, errors.New("event store required")
	}
	if p.Logger == nil {
		p.Logger = logger.Nop()
	}
	if p.Now == nil {
		p.Now = time.Now
	}
	if p.Orchestrator == nil {
		p.Orchestrator = dedup.New(p.Store, dedup.Options{Notifier: p.Notifier, Logger: p.Logger, Now: p.Now})
	}
	if p.Consolidator == nil {
		p.Consolidator = consolidate.New(consolidate.WithClock(p.Now))
	}
	if p.Cache == nil {
		p.Cache = cache.NoopProjectionCache{}
	}
	if p.CacheTTL <= 0 {
		p.CacheTTL = defaultProjectionTTL
	}
	return &Service{
		store:        p.Store,
		orchestrator: p.Orchestrator,
		consolidator: p.Consolidator,
		notifier:     p.Notifier,
		cache:        p.Cache,
		cacheTTL:     p.CacheTTL,
		log:          p.Logger,
		now:          p.Now,
	}, nil
}

// Init loads the store and runs the bootstrap cleanup. Calling it again is a no-op.
func (s *Service) Init(ctx context.Context) error {
	s.initMu.Lock()
	defer s.initMu.Unlock()

	if !s.store.Loaded() {
		if err := s.store.Load(ctx); err != nil {
			return err
		}
		s.log.Info(s.log.WithField(ctx, "events", s.store.Len()), "event store loaded")
	}
	removed, err := s.orchestrator.Bootstrap(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap cleanup: %w", err)
	}
	if removed > 0 {
		s.log.Info(s.log.WithField(ctx, "removed", removed), "bootstrap cleanup merged duplicates")
	}
	return nil
}

// Create consolidates a booking into one sale and stores it unless a sale of
// the same type already exists for the booking.
func (s *Service) Create(ctx context.Context, req domain.CreateSaleRequest) (domain.SaleResponse, error) {
	if req.Channel != "" && !req.Channel.Valid() {
		return domain.SaleResponse{}, &consolidate.InvalidBookingError{
			BookingID: req.Booking.ID,
			Reason:    fmt.Sprintf("unknown channel %q", req.Channel),
		}
	}
	booking := req.Booking
	if req.Channel != "" {
		booking.Channel = req.Channel
	}

	candidate, err := s.consolidator.Build(booking, req.DiscountPercentage)
	if err != nil {
		return domain.SaleResponse{}, err
	}
	sale, inserted, err := s.orchestrator.TryInsert(ctx, candidate)
	if err != nil {
		return domain.SaleResponse{}, err
	}
	return domain.SaleResponse{Sale: sale, Duplicate: !inserted}, nil
}

// Record stores a sale written directly by an origination channel, through
// the same duplicate guard as Create.
func (s *Service) Record(ctx context.Context, e domain.LedgerEvent) (domain.SaleResponse, error) {
	e = e.Clone()
	e.ID = strings.TrimSpace(e.ID)
	if e.ID == "" {
		e.ID = xid.New("sale")
	}
	if e.OriginationChannel == "" {
		e.OriginationChannel = domain.ChannelManual
	}
	if !e.OriginationChannel.Valid() {
		return domain.SaleResponse{}, fmt.Errorf("%w: unknown channel %q", store.ErrInvalidEvent, e.OriginationChannel)
	}
	if e.CompositeType != "" && !e.CompositeType.Valid() {
		return domain.SaleResponse{}, fmt.Errorf("%w: unknown composite type %q", store.ErrInvalidEvent, e.CompositeType)
	}
	if e.Status == "" {
		e.Status = domain.StatusCompleted
	}
	e.Amount = domain.Round2(e.Amount)
	e.InferCompositeType()
	e.FillSplit()
	if err := e.CheckInvariants(); err != nil {
		return domain.SaleResponse{}, fmt.Errorf("%w: %w", store.ErrInvalidEvent, err)
	}

	sale, inserted, err := s.orchestrator.TryInsert(ctx, e)
	if err != nil {
		return domain.SaleResponse{}, err
	}
	return domain.SaleResponse{Sale: sale, Duplicate: !inserted}, nil
}

// Update applies a partial update. When amount changes without an explicit
// split, the split is derived again from line items or the composite type.
func (s *Service) Update(ctx context.Context, id string, fields domain.UpdateFields) (domain.LedgerEvent, error) {
	next, err := s.orchestrator.Modify(ctx, id, func(current domain.LedgerEvent) (domain.LedgerEvent, error) {
		next := current.Clone()
		applyFields(&next, fields)

		explicitSplit := fields.ServiceAmount != nil || fields.ProductAmount != nil
		if fields.Amount != nil && !explicitSplit {
			rederiveSplit(&next, current)
		} else if fields.LineItems != nil && !explicitSplit {
			next.ServiceAmount, next.ProductAmount = nil, nil
			next.FillSplit()
		}
		next.UpdatedAt = s.advance(current.UpdatedAt)

		if !next.CompositeType.Valid() || !next.OriginationChannel.Valid() {
			return domain.LedgerEvent{}, fmt.Errorf("%w: unknown channel or composite type", store.ErrInvalidEvent)
		}
		if err := next.CheckInvariants(); err != nil {
			return domain.LedgerEvent{}, fmt.Errorf("%w: %w", store.ErrInvalidEvent, err)
		}
		return next, nil
	})
	if err != nil {
		return domain.LedgerEvent{}, err
	}

	s.log.Info(s.log.WithEventID(ctx, id), "sale updated")
	s.notifier.Notify(ctx, events.SaleUpdated, id, next)
	return next, nil
}

func (s *Service) Remove(ctx context.Context, id string) error {
	if err := s.orchestrator.Remove(ctx, id); err != nil {
		return err
	}
	s.log.Info(s.log.WithEventID(ctx, id), "sale removed")
	s.notifier.Notify(ctx, events.SaleDeleted, id, map[string]string{"id": id})
	return nil
}

func (s *Service) Get(_ context.Context, id string) (domain.LedgerEvent, error) {
	return s.store.Get(id)
}

func (s *Service) Filter(_ context.Context, f domain.Filter) ([]domain.LedgerEvent, error) {
	if !s.store.Loaded() {
		return nil, store.ErrNotOpen
	}
	return s.store.Filter(f), nil
}

func (s *Service) CleanupAll(ctx context.Context) (int, error) {
	return s.orchestrator.CleanupAll(ctx)
}

// Project returns the display breakdown of a stored sale. Cache failures only
// cost a recomputation.
func (s *Service) Project(ctx context.Context, id string) (display.Breakdown, error) {
	e, err := s.store.Get(id)
	if err != nil {
		return display.Breakdown{}, err
	}
	key := cache.Key(e)
	if cached, ok, err := s.cache.Get(ctx, key); err != nil {
		s.log.Warn(s.log.WithEventID(ctx, id), "projection cache read failed: "+err.Error())
	} else if ok && cached != nil {
		return *cached, nil
	}

	out := display.ProjectEvent(e)
	if err := s.cache.Set(ctx, key, &out, s.cacheTTL); err != nil {
		s.log.Warn(s.log.WithEventID(ctx, id), "projection cache write failed: "+err.Error())
	}
	return out, nil
}

// ProjectRaw projects an arbitrary, possibly malformed, JSON record.
func (s *Service) ProjectRaw(raw []byte) display.Breakdown {
	return display.ProjectJSON(raw)
}

// Wait blocks until background cleanups and async notifications are done.
func (s *Service) Wait() {
	s.orchestrator.Wait()
	s.notifier.Wait()
}

func (s *Service) advance(prev time.Time) time.Time {
	now := s.now().UTC()
	if now.After(prev) {
		return now
	}
	return prev.Add(time.Millisecond)
}

func applyFields(e *domain.LedgerEvent, f domain.UpdateFields) {
	if f.OccurredAt != nil {
		e.OccurredAt = f.OccurredAt.UTC()
	}
	if f.ExternalBookingCode != nil {
		e.ExternalBookingCode = strings.TrimSpace(*f.ExternalBookingCode)
	}
	if f.ClientID != nil {
		e.ClientID = *f.ClientID
	}
	if f.StaffID != nil {
		e.StaffID = *f.StaffID
	}
	if f.OriginationChannel != nil {
		e.OriginationChannel = *f.OriginationChannel
	}
	if f.Amount != nil {
		e.Amount = domain.Round2(*f.Amount)
	}
	if f.ServiceAmount != nil {
		e.ServiceAmount = domain.Money(*f.ServiceAmount)
	}
	if f.ProductAmount != nil {
		e.ProductAmount = domain.Money(*f.ProductAmount)
	}
	if f.OriginalServiceAmount != nil {
		e.OriginalServiceAmount = domain.Money(*f.OriginalServiceAmount)
	}
	if f.DiscountPercentage != nil {
		pct := *f.DiscountPercentage
		e.DiscountPercentage = &pct
	}
	if f.DiscountAmount != nil {
		e.DiscountAmount = domain.Money(*f.DiscountAmount)
	}
	if f.LineItems != nil {
		e.LineItems = append([]domain.LineItem(nil), f.LineItems...)
	}
	if f.Description != nil {
		e.Description = *f.Description
	}
	if len(f.Metadata) > 0 {
		merged := e.Metadata.Clone()
		if merged == nil {
			merged = domain.Metadata{}
		}
		for k, v := range f.Metadata {
			if v == nil {
				delete(merged, k)
				continue
			}
			merged[k] = v
		}
		e.Metadata = merged
	}
	if f.Status != nil {
		e.Status = *f.Status
	}
}

// rederiveSplit drops a split that no longer adds up to amount. A
// consolidated sale keeps its product share when it still fits.
func rederiveSplit(e *domain.LedgerEvent, prev domain.LedgerEvent) {
	if service, product, ok := e.LineTotals(); ok {
		e.ServiceAmount = domain.Money(service)
		e.ProductAmount = domain.Money(product)
		return
	}
	switch e.CompositeType {
	case domain.CompositeProductOnly:
		e.ServiceAmount = domain.Money(decimal.Zero)
		e.ProductAmount = domain.Money(e.Amount)
	case domain.CompositeConsolidated:
		_, product := prev.Split()
		if product.GreaterThan(e.Amount) {
			product = decimal.Zero
		}
		e.ProductAmount = domain.Money(product)
		e.ServiceAmount = domain.Money(e.Amount.Sub(product))
	default:
		e.ServiceAmount = domain.Money(e.Amount)
		e.ProductAmount = domain.Money(decimal.Zero)
	}
}

package memory

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"vanityhub/ledger/internal/domain"
)

// Backend keeps the persisted collection in process memory. It is the default
// for development and the backend used by tests, which can inject failures.
type Backend struct {
	mu      sync.Mutex
	events  []domain.LedgerEvent
	saves   int
	loadErr error
	saveErr error
}

func New(seed ...domain.LedgerEvent) *Backend {
	b := &Backend{}
	for _, e := range seed {
		b.events = append(b.events, e.Clone())
	}
	return b
}

// NewSeeded returns a backend with a small demo ledger, including one pair of
// channel duplicates that bootstrap cleanup will merge.
func NewSeeded() *Backend {
	day := time.Now().UTC().Truncate(24 * time.Hour).Add(-24 * time.Hour)
	at := func(h, m, s int) time.Time {
		return day.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(s)*time.Second)
	}
	money := func(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

	return New(
		domain.LedgerEvent{
			ID:                 "sale-demo-1",
			OccurredAt:         at(10, 0, 0),
			CreatedAt:          at(10, 45, 0),
			UpdatedAt:          at(10, 45, 0),
			IdentityRef:        &domain.IdentityRef{Kind: "appointment", ID: "appt-demo-1"},
			ClientID:           "client-ayu",
			StaffID:            "staff-rina",
			OriginationChannel: domain.ChannelPOS,
			CompositeType:      domain.CompositeServiceOnly,
			Amount:             money(50),
			Description:        "Haircut & Blowdry",
			Status:             domain.StatusCompleted,
		},
		domain.LedgerEvent{
			ID:                 "sale-demo-2",
			OccurredAt:         at(10, 0, 0),
			CreatedAt:          at(10, 45, 2),
			UpdatedAt:          at(10, 45, 2),
			IdentityRef:        &domain.IdentityRef{Kind: "appointment", ID: "appt-demo-1"},
			ClientID:           "client-ayu",
			OriginationChannel: domain.ChannelCalendar,
			CompositeType:      domain.CompositeServiceOnly,
			Amount:             money(40),
			Status:             domain.StatusCompleted,
		},
		domain.LedgerEvent{
			ID:                 "sale-demo-3",
			OccurredAt:         at(13, 30, 0),
			CreatedAt:          at(14, 20, 0),
			UpdatedAt:          at(14, 20, 0),
			ClientID:           "client-dewi",
			OriginationChannel: domain.ChannelPOS,
			CompositeType:      domain.CompositeProductOnly,
			Amount:             money(24),
			ServiceAmount:      domain.Money(decimal.Zero),
			ProductAmount:      domain.Money(money(24)),
			LineItems: []domain.LineItem{{
				ID:         "li-demo-3",
				Name:       "Argan Hair Oil",
				Quantity:   2,
				UnitPrice:  money(12),
				TotalPrice: money(24),
				Kind:       domain.LineItemProduct,
			}},
			Description: "1 product",
			Status:      domain.StatusCompleted,
		},
	)
}

func (b *Backend) Load(_ context.Context) ([]domain.LedgerEvent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.loadErr != nil {
		return nil, b.loadErr
	}
	return cloneAll(b.events), nil
}

func (b *Backend) Save(_ context.Context, events []domain.LedgerEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.saveErr != nil {
		return b.saveErr
	}
	b.events = cloneAll(events)
	b.saves++
	return nil
}

// Saves counts successful Save calls.
func (b *Backend) Saves() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.saves
}

func (b *Backend) FailLoads(err error) {
	b.mu.Lock()
	b.loadErr = err
	b.mu.Unlock()
}

func (b *Backend) FailSaves(err error) {
	b.mu.Lock()
	b.saveErr = err
	b.mu.Unlock()
}

// Snapshot returns what is currently persisted.
func (b *Backend) Snapshot() []domain.LedgerEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return cloneAll(b.events)
}

func cloneAll(events []domain.LedgerEvent) []domain.LedgerEvent {
	out := make([]domain.LedgerEvent, len(events))
	for i, e := range events {
		out[i] = e.Clone()
	}
	return out
}

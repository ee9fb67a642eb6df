package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"vanityhub/ledger/internal/cache"
	"vanityhub/ledger/internal/consolidate"
	"vanityhub/ledger/internal/domain"
	"vanityhub/ledger/internal/events"
	"vanityhub/ledger/internal/store"
	"vanityhub/ledger/internal/store/memory"
)

var testNow = time.Date(2026, 5, 4, 16, 0, 0, 0, time.UTC)

type testHarness struct {
	svc      *Service
	backend  *memory.Backend
	recorder *events.Recorder
	cache    *cache.MemoryProjectionCache
}

func newTestService(t *testing.T, seed ...domain.LedgerEvent) testHarness {
	t.Helper()
	backend := memory.New(seed...)
	recorder := &events.Recorder{}
	projections := cache.NewMemoryProjectionCache()
	clock := func() time.Time { return testNow }
	svc, err := New(Params{
		Store:        store.New(backend),
		Consolidator: consolidate.New(consolidate.WithClock(clock)),
		Notifier:     events.NewNotifier(recorder, events.NotifierOptions{}),
		Cache:        projections,
		Now:          clock,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if err := svc.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	return testHarness{svc: svc, backend: backend, recorder: recorder, cache: projections}
}

func dec(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func ptr[T any](v T) *T { return &v }

func booking(id string) domain.Booking {
	return domain.Booking{
		ID:       id,
		ClientID: "client-ayu",
		StaffID:  "staff-rina",
		Location: "Kemang",
		Service:  &domain.ServiceLine{Name: "Balayage", Price: dec("50")},
	}
}

func TestInitMergesSeededDuplicatesOnce(t *testing.T) {
	backend := memory.NewSeeded()
	svc, err := New(Params{Store: store.New(backend)})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	ctx := context.Background()
	if err := svc.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := svc.Get(ctx, "sale-demo-2"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected calendar duplicate to be removed, got %v", err)
	}
	if _, err := svc.Get(ctx, "sale-demo-1"); err != nil {
		t.Fatalf("expected richer sale to survive: %v", err)
	}
	saves := backend.Saves()
	if err := svc.Init(ctx); err != nil {
		t.Fatalf("second init: %v", err)
	}
	if backend.Saves() != saves {
		t.Fatalf("expected second init to write nothing")
	}
}

func TestCreateIsIdempotentPerBooking(t *testing.T) {
	h := newTestService(t)
	ctx := context.Background()
	req := domain.CreateSaleRequest{Booking: booking("appt-123"), DiscountPercentage: ptr(dec("20"))}

	first, err := h.svc.Create(ctx, req)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if first.Duplicate {
		t.Fatalf("first create must not be a duplicate")
	}
	if first.Sale.Amount.StringFixed(2) != "40.00" {
		t.Fatalf("expected 40.00, got %s", first.Sale.Amount.StringFixed(2))
	}

	second, err := h.svc.Create(ctx, req)
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if !second.Duplicate || second.Sale.ID != first.Sale.ID {
		t.Fatalf("expected the original sale back, got %+v", second)
	}
	if n := len(h.backend.Snapshot()); n != 1 {
		t.Fatalf("expected 1 stored sale, got %d", n)
	}
	if h.recorder.Count(events.SaleCreated) != 1 || h.recorder.Count(events.SaleDuplicateBlocked) != 1 {
		t.Fatalf("unexpected events %v", h.recorder.Types())
	}
}

func TestCreateServiceAndProductSalesAreIndependent(t *testing.T) {
	h := newTestService(t)
	ctx := context.Background()

	if _, err := h.svc.Create(ctx, domain.CreateSaleRequest{Booking: booking("appt-7")}); err != nil {
		t.Fatalf("service sale: %v", err)
	}
	productOnly := domain.Booking{
		ID:       "appt-7",
		ClientID: "client-ayu",
		Products: []domain.ProductLine{{Name: "Argan oil", Price: dec("12.50"), Quantity: 2}},
	}
	resp, err := h.svc.Create(ctx, domain.CreateSaleRequest{Booking: productOnly})
	if err != nil {
		t.Fatalf("product sale: %v", err)
	}
	if resp.Duplicate {
		t.Fatalf("product sale must not be blocked by the service sale")
	}
	if n := len(h.backend.Snapshot()); n != 2 {
		t.Fatalf("expected 2 stored sales, got %d", n)
	}
}

func TestCreateRejectsInvalidBooking(t *testing.T) {
	h := newTestService(t)
	_, err := h.svc.Create(context.Background(), domain.CreateSaleRequest{
		Booking: domain.Booking{ID: "appt-empty", ClientID: "client-ayu"},
	})
	if !errors.Is(err, consolidate.ErrInvalidBooking) {
		t.Fatalf("expected invalid booking, got %v", err)
	}
	if n := len(h.backend.Snapshot()); n != 0 {
		t.Fatalf("expected nothing stored, got %d", n)
	}

	_, err = h.svc.Create(context.Background(), domain.CreateSaleRequest{Booking: booking("appt-1"), Channel: "fax"})
	if !errors.Is(err, consolidate.ErrInvalidBooking) {
		t.Fatalf("expected unknown channel to be rejected, got %v", err)
	}
}

func TestCreateAppliesRequestChannel(t *testing.T) {
	h := newTestService(t)
	resp, err := h.svc.Create(context.Background(), domain.CreateSaleRequest{
		Booking: booking("appt-8"),
		Channel: domain.ChannelPortal,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if resp.Sale.OriginationChannel != domain.ChannelPortal {
		t.Fatalf("expected portal channel, got %s", resp.Sale.OriginationChannel)
	}
}

func TestRecordGoesThroughInsertGuard(t *testing.T) {
	h := newTestService(t)
	ctx := context.Background()
	created, err := h.svc.Create(ctx, domain.CreateSaleRequest{Booking: booking("appt-9")})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	resp, err := h.svc.Record(ctx, domain.LedgerEvent{
		IdentityRef:        &domain.IdentityRef{Kind: consolidate.IdentityKindAppointment, ID: "appt-9"},
		ClientID:           "client-ayu",
		OriginationChannel: domain.ChannelCalendar,
		Amount:             dec("50"),
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if !resp.Duplicate || resp.Sale.ID != created.Sale.ID {
		t.Fatalf("expected calendar write to be blocked, got %+v", resp)
	}
}

func TestRecordFillsDefaults(t *testing.T) {
	h := newTestService(t)
	resp, err := h.svc.Record(context.Background(), domain.LedgerEvent{
		ClientID: "walk-in",
		Amount:   dec("18.456"),
		LineItems: []domain.LineItem{{
			ID: "li-1", Name: "Shampoo", Quantity: 1, Kind: domain.LineItemProduct,
			UnitPrice: dec("18.46"), TotalPrice: dec("18.46"),
		}},
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	sale := resp.Sale
	if sale.ID == "" {
		t.Fatalf("expected generated id")
	}
	if sale.OriginationChannel != domain.ChannelManual || sale.Status != domain.StatusCompleted {
		t.Fatalf("unexpected defaults channel=%s status=%s", sale.OriginationChannel, sale.Status)
	}
	if sale.CompositeType != domain.CompositeProductOnly {
		t.Fatalf("expected product-only, got %s", sale.CompositeType)
	}
	if sale.Amount.String() != "18.46" || sale.ProductAmount.String() != "18.46" {
		t.Fatalf("unexpected amounts %s / %s", sale.Amount, sale.ProductAmount)
	}
}

func TestRecordRejectsBrokenSplit(t *testing.T) {
	h := newTestService(t)
	_, err := h.svc.Record(context.Background(), domain.LedgerEvent{
		ClientID:      "walk-in",
		Amount:        dec("50"),
		ServiceAmount: ptr(dec("30")),
		ProductAmount: ptr(dec("5")),
	})
	if !errors.Is(err, store.ErrInvalidEvent) {
		t.Fatalf("expected invalid event, got %v", err)
	}
}

func TestUpdateRederivesSplit(t *testing.T) {
	h := newTestService(t)
	ctx := context.Background()
	resp, err := h.svc.Record(ctx, domain.LedgerEvent{ID: "sale-1", ClientID: "walk-in", Amount: dec("50")})
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	updated, err := h.svc.Update(ctx, "sale-1", domain.UpdateFields{
		Amount:   ptr(dec("45")),
		Metadata: domain.Metadata{"note": "price corrected"},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.ServiceAmount.String() != "45" || updated.ProductAmount.String() != "0" {
		t.Fatalf("expected split 45/0, got %s/%s", updated.ServiceAmount, updated.ProductAmount)
	}
	if !updated.UpdatedAt.After(resp.Sale.UpdatedAt) {
		t.Fatalf("expected updatedAt to advance")
	}
	if !updated.CreatedAt.Equal(resp.Sale.CreatedAt) {
		t.Fatalf("createdAt must not change")
	}
	if v, _ := updated.Metadata.String("note"); v != "price corrected" {
		t.Fatalf("expected merged metadata, got %v", updated.Metadata)
	}
	if h.recorder.Count(events.SaleUpdated) != 1 {
		t.Fatalf("expected a sale.updated event")
	}
}

func TestUpdateRejectsInvariantViolation(t *testing.T) {
	h := newTestService(t)
	ctx := context.Background()
	if _, err := h.svc.Record(ctx, domain.LedgerEvent{ID: "sale-1", ClientID: "walk-in", Amount: dec("50")}); err != nil {
		t.Fatalf("record: %v", err)
	}
	_, err := h.svc.Update(ctx, "sale-1", domain.UpdateFields{ServiceAmount: ptr(dec("10"))})
	if !errors.Is(err, store.ErrInvalidEvent) {
		t.Fatalf("expected invalid event, got %v", err)
	}
	stored, _ := h.svc.Get(ctx, "sale-1")
	if stored.ServiceAmount.String() != "50" {
		t.Fatalf("rejected update must leave the sale untouched, got %s", stored.ServiceAmount)
	}
}

func TestConcurrentUpdatesAllLand(t *testing.T) {
	h := newTestService(t)
	ctx := context.Background()
	if _, err := h.svc.Record(ctx, domain.LedgerEvent{ID: "sale-1", ClientID: "walk-in", Amount: dec("50")}); err != nil {
		t.Fatalf("record: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key := fmt.Sprintf("note-%d", i)
			if _, err := h.svc.Update(ctx, "sale-1", domain.UpdateFields{Metadata: domain.Metadata{key: "x"}}); err != nil {
				t.Errorf("update %s: %v", key, err)
			}
		}()
	}
	wg.Wait()

	stored, err := h.svc.Get(ctx, "sale-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	for i := 0; i < 10; i++ {
		if _, ok := stored.Metadata[fmt.Sprintf("note-%d", i)]; !ok {
			t.Fatalf("update note-%d was lost: %v", i, stored.Metadata)
		}
	}
	if h.recorder.Count(events.SaleUpdated) != 10 {
		t.Fatalf("expected 10 sale.updated events, got %d", h.recorder.Count(events.SaleUpdated))
	}
}

func TestUpdateAndRemoveMissing(t *testing.T) {
	h := newTestService(t)
	ctx := context.Background()
	if _, err := h.svc.Update(ctx, "nope", domain.UpdateFields{}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found on update, got %v", err)
	}
	if err := h.svc.Remove(ctx, "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found on remove, got %v", err)
	}
	if len(h.recorder.Envelopes()) != 0 {
		t.Fatalf("failed mutations must not publish")
	}
}

func TestRemovePublishes(t *testing.T) {
	h := newTestService(t)
	ctx := context.Background()
	if _, err := h.svc.Record(ctx, domain.LedgerEvent{ID: "sale-1", ClientID: "walk-in", Amount: dec("50")}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := h.svc.Remove(ctx, "sale-1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := h.svc.Get(ctx, "sale-1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected sale gone, got %v", err)
	}
	if h.recorder.Count(events.SaleDeleted) != 1 {
		t.Fatalf("expected a sale.deleted event")
	}
}

func TestFilterByClient(t *testing.T) {
	h := newTestService(t)
	ctx := context.Background()
	for _, id := range []string{"appt-1", "appt-2"} {
		if _, err := h.svc.Create(ctx, domain.CreateSaleRequest{Booking: booking(id)}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	if _, err := h.svc.Record(ctx, domain.LedgerEvent{ClientID: "client-dewi", Amount: dec("20")}); err != nil {
		t.Fatalf("record: %v", err)
	}
	got, err := h.svc.Filter(ctx, domain.Filter{ClientID: "client-ayu"})
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 sales for client-ayu, got %d", len(got))
	}
	limited, _ := h.svc.Filter(ctx, domain.Filter{Limit: 1})
	if len(limited) != 1 {
		t.Fatalf("expected limit to apply, got %d", len(limited))
	}
}

func TestCleanupAllThroughService(t *testing.T) {
	base := testNow.Add(-48 * time.Hour)
	ref := &domain.IdentityRef{Kind: "appointment", ID: "appt-123"}
	h := newTestService(t)
	// seed past the insert guard to get a duplicate pair
	for i, created := range []time.Time{base, base.Add(24 * time.Hour)} {
		e := domain.LedgerEvent{
			ID: []string{"older", "newer"}[i], OccurredAt: base, CreatedAt: created, UpdatedAt: created,
			IdentityRef: ref, ClientID: "client-ayu", OriginationChannel: domain.ChannelPOS,
			CompositeType: domain.CompositeServiceOnly, Amount: dec("50"),
		}
		if err := h.svc.store.Insert(context.Background(), e); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	removed, err := h.svc.CleanupAll(context.Background())
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if _, err := h.svc.Get(context.Background(), "newer"); err != nil {
		t.Fatalf("expected later sale to survive: %v", err)
	}
	again, err := h.svc.CleanupAll(context.Background())
	if err != nil || again != 0 {
		t.Fatalf("expected idempotent cleanup, got %d %v", again, err)
	}
}

func TestProjectUsesCache(t *testing.T) {
	h := newTestService(t)
	ctx := context.Background()
	resp, err := h.svc.Create(ctx, domain.CreateSaleRequest{Booking: booking("appt-5"), DiscountPercentage: ptr(dec("20"))})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	out, err := h.svc.Project(ctx, resp.Sale.ID)
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	if out.FinalAmount != "40.00" || out.OriginalAmount != "50.00" || out.DiscountLabel != "20% off" {
		t.Fatalf("unexpected breakdown %+v", out)
	}
	cached, ok, _ := h.cache.Get(ctx, cache.Key(resp.Sale))
	if !ok || cached.FinalAmount != "40.00" {
		t.Fatalf("expected breakdown to be cached")
	}

	if _, err := h.svc.Project(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestProjectRawNeverFails(t *testing.T) {
	h := newTestService(t)
	out := h.svc.ProjectRaw([]byte(`{"amount": "abc", "lineItems": 7`))
	if out.FinalAmount != "0.00" {
		t.Fatalf("expected zero projection, got %+v", out)
	}
}

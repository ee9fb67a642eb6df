package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"vanityhub/ledger/internal/domain"
	"vanityhub/ledger/internal/store"
)

func TestSQLiteBackendBacksEventStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	b, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })

	ctx := context.Background()
	s := store.New(b)
	if err := s.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}

	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	e := domain.LedgerEvent{
		ID:                 "sale-1",
		OccurredAt:         now,
		CreatedAt:          now,
		UpdatedAt:          now,
		IdentityRef:        &domain.IdentityRef{Kind: "appointment", ID: "appt-1"},
		OriginationChannel: domain.ChannelPortal,
		CompositeType:      domain.CompositeServiceOnly,
		Amount:             decimal.RequireFromString("65.00"),
		Metadata:           domain.Metadata{"bookingCode": "VH-1"},
	}
	if err := s.Insert(ctx, e); err != nil {
		t.Fatalf("insert: %v", err)
	}

	reloaded := store.New(b)
	if err := reloaded.Load(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}
	got, err := reloaded.Get("sale-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.IdentityRef.Key() != "appointment:appt-1" || !got.Amount.Equal(decimal.NewFromInt(65)) {
		t.Fatalf("unexpected reloaded event %+v", got)
	}
	if codes := got.Metadata.BookingCodes(); len(codes) != 1 || codes[0] != "VH-1" {
		t.Fatalf("expected metadata to round-trip, got %v", got.Metadata)
	}
	if !got.CreatedAt.Equal(now) {
		t.Fatalf("expected createdAt %s, got %s", now, got.CreatedAt)
	}

	if err := reloaded.Delete(ctx, "sale-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	events, err := b.Load(ctx)
	if err != nil {
		t.Fatalf("load after delete: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected empty table, got %d rows", len(events))
	}
}

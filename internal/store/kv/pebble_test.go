package kv

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"vanityhub/ledger/internal/domain"
)

func TestPebbleBackendSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	b, err := OpenPebble(dir)
	if err != nil {
		t.Fatalf("pebble open: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })

	ctx := context.Background()
	base := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)
	events := []domain.LedgerEvent{
		{ID: "b", CreatedAt: base.Add(time.Minute), Amount: decimal.RequireFromString("40.00"), CompositeType: domain.CompositeServiceOnly},
		{ID: "a", CreatedAt: base, Amount: decimal.RequireFromString("50.00"), CompositeType: domain.CompositeServiceOnly},
	}
	if err := b.Save(ctx, events); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := b.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 2 || loaded[0].ID != "a" || loaded[1].ID != "b" {
		t.Fatalf("expected createdAt order [a b], got %+v", loaded)
	}
	if !loaded[1].Amount.Equal(decimal.NewFromInt(40)) {
		t.Fatalf("unexpected amount %s", loaded[1].Amount)
	}

	// dropping "a" from the collection deletes its key
	if err := b.Save(ctx, loaded[1:]); err != nil {
		t.Fatalf("second save: %v", err)
	}
	loaded, err = b.Load(ctx)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(loaded) != 1 || loaded[0].ID != "b" {
		t.Fatalf("expected only b to remain, got %+v", loaded)
	}
}

func TestPebbleBackendSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	b, err := OpenPebble(dir)
	if err != nil {
		t.Fatalf("pebble open: %v", err)
	}
	ctx := context.Background()
	if err := b.Save(ctx, []domain.LedgerEvent{{ID: "x", Amount: decimal.NewFromInt(5)}}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := OpenPebble(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = reopened.Close() })
	loaded, err := reopened.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 1 || loaded[0].ID != "x" {
		t.Fatalf("expected persisted event, got %+v", loaded)
	}
}

package kv

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/cockroachdb/pebble"

	"vanityhub/ledger/internal/domain"
)

var (
	eventPrefix = []byte("event/")
	eventUpper  = []byte("event0") // '0' sorts right after '/'
)

// PebbleBackend keeps one key per ledger event in an embedded Pebble database.
type PebbleBackend struct {
	db *pebble.DB
}

func OpenPebble(dir string) (*PebbleBackend, error) {
	db, err := pebble.Open(filepath.Clean(dir), &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("pebble open: %w", err)
	}
	return &PebbleBackend{db: db}, nil
}

func (p *PebbleBackend) Close() error { return p.db.Close() }

func eventKey(id string) []byte {
	return append(append([]byte(nil), eventPrefix...), id...)
}

func (p *PebbleBackend) scan(fn func(key, value []byte) error) error {
	it, err := p.db.NewIter(&pebble.IterOptions{LowerBound: eventPrefix, UpperBound: eventUpper})
	if err != nil {
		return err
	}
	defer it.Close()
	for it.First(); it.Valid(); it.Next() {
		k := append([]byte(nil), it.Key()...)
		v := append([]byte(nil), it.Value()...)
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return it.Error()
}

func (p *PebbleBackend) Load(_ context.Context) ([]domain.LedgerEvent, error) {
	var events []domain.LedgerEvent
	err := p.scan(func(_, value []byte) error {
		var e domain.LedgerEvent
		if err := json.Unmarshal(value, &e); err != nil {
			return fmt.Errorf("decode ledger event: %w", err)
		}
		events = append(events, e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].CreatedAt.Equal(events[j].CreatedAt) {
			return events[i].ID < events[j].ID
		}
		return events[i].CreatedAt.Before(events[j].CreatedAt)
	})
	return events, nil
}

// Save applies all changes in one synced batch.
func (p *PebbleBackend) Save(_ context.Context, events []domain.LedgerEvent) error {
	stored := map[string][]byte{}
	if err := p.scan(func(key, value []byte) error {
		stored[string(key)] = value
		return nil
	}); err != nil {
		return err
	}

	wb := p.db.NewBatch()
	defer wb.Close()
	for _, e := range events {
		value, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode ledger event %s: %w", e.ID, err)
		}
		key := eventKey(e.ID)
		prev, exists := stored[string(key)]
		delete(stored, string(key))
		if exists && bytes.Equal(prev, value) {
			continue
		}
		if err := wb.Set(key, value, nil); err != nil {
			return err
		}
	}
	for key := range stored {
		if err := wb.Delete([]byte(key), nil); err != nil {
			return err
		}
	}
	if wb.Empty() {
		return nil
	}
	return wb.Commit(pebble.Sync)
}

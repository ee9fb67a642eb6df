package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"vanityhub/ledger/internal/domain"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidEvent = errors.New("invalid ledger event")
	ErrDuplicateID  = errors.New("duplicate event id")
	ErrNotOpen      = errors.New("event store not loaded")
	ErrConflict     = errors.New("concurrent write conflict")
)

// Backend is the durable side of the store. Save receives the complete
// collection and must either persist all of it or nothing.
type Backend interface {
	Load(ctx context.Context) ([]domain.LedgerEvent, error)
	Save(ctx context.Context, events []domain.LedgerEvent) error
}

// EventStore is the authoritative in-memory collection of ledger events.
// Mutations are staged on a copy and only become visible after Save succeeds.
type EventStore struct {
	backend Backend

	writeMu sync.Mutex
	mu      sync.RWMutex
	events  []domain.LedgerEvent
	index   map[string]int
	loaded  bool
}

func New(backend Backend) *EventStore {
	return &EventStore{backend: backend, index: map[string]int{}}
}

func (s *EventStore) Load(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	events, err := s.backend.Load(ctx)
	if err != nil {
		return fmt.Errorf("load events: %w", err)
	}
	next := make([]domain.LedgerEvent, 0, len(events))
	seen := make(map[string]struct{}, len(events))
	for _, e := range events {
		if e.ID == "" {
			return fmt.Errorf("load events: %w: missing id", ErrInvalidEvent)
		}
		if _, dup := seen[e.ID]; dup {
			return fmt.Errorf("load events: %w: %s", ErrDuplicateID, e.ID)
		}
		seen[e.ID] = struct{}{}
		next = append(next, e.Clone())
	}
	s.swap(next)
	return nil
}

func (s *EventStore) Loaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loaded
}

func (s *EventStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// All returns a deep copy of every event in insertion order.
func (s *EventStore) All() []domain.LedgerEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.LedgerEvent, len(s.events))
	for i, e := range s.events {
		out[i] = e.Clone()
	}
	return out
}

func (s *EventStore) Get(id string) (domain.LedgerEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.loaded {
		return domain.LedgerEvent{}, ErrNotOpen
	}
	idx, ok := s.index[id]
	if !ok {
		return domain.LedgerEvent{}, ErrNotFound
	}
	return s.events[idx].Clone(), nil
}

// Filter returns matching events ordered by occurredAt, newest first.
func (s *EventStore) Filter(f domain.Filter) []domain.LedgerEvent {
	s.mu.RLock()
	out := make([]domain.LedgerEvent, 0, 32)
	for _, e := range s.events {
		if f.Matches(e) {
			out = append(out, e.Clone())
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].OccurredAt.After(out[j].OccurredAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

func (s *EventStore) Insert(ctx context.Context, e domain.LedgerEvent) error {
	if e.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidEvent)
	}
	return s.mutate(ctx, func(cur []domain.LedgerEvent, index map[string]int) ([]domain.LedgerEvent, error) {
		if _, exists := index[e.ID]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateID, e.ID)
		}
		return append(cur, e.Clone()), nil
	})
}

// Replace overwrites an existing event, keeping its position.
func (s *EventStore) Replace(ctx context.Context, e domain.LedgerEvent) error {
	return s.Apply(ctx, []domain.LedgerEvent{e}, nil)
}

// Modify replaces one event with fn's result. fn sees the current version and
// no other write can land between the read and the replacement.
func (s *EventStore) Modify(ctx context.Context, id string, fn func(domain.LedgerEvent) (domain.LedgerEvent, error)) (domain.LedgerEvent, error) {
	var out domain.LedgerEvent
	err := s.mutate(ctx, func(cur []domain.LedgerEvent, index map[string]int) ([]domain.LedgerEvent, error) {
		idx, ok := index[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		next, err := fn(cur[idx].Clone())
		if err != nil {
			return nil, err
		}
		if next.ID != id {
			return nil, fmt.Errorf("%w: id %s cannot change to %s", ErrInvalidEvent, id, next.ID)
		}
		cur[idx] = next.Clone()
		out = next
		return cur, nil
	})
	if err != nil {
		return domain.LedgerEvent{}, err
	}
	return out, nil
}

func (s *EventStore) Delete(ctx context.Context, id string) error {
	return s.Apply(ctx, nil, []string{id})
}

// Apply writes enriched events and removes the given ids as one transaction.
// Every id must exist; otherwise nothing is written.
func (s *EventStore) Apply(ctx context.Context, keep []domain.LedgerEvent, remove []string) error {
	return s.mutate(ctx, func(cur []domain.LedgerEvent, index map[string]int) ([]domain.LedgerEvent, error) {
		for _, e := range keep {
			idx, ok := index[e.ID]
			if !ok {
				return nil, fmt.Errorf("%w: %s", ErrNotFound, e.ID)
			}
			cur[idx] = e.Clone()
		}
		drop := make(map[string]struct{}, len(remove))
		for _, id := range remove {
			if _, ok := index[id]; !ok {
				return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
			}
			drop[id] = struct{}{}
		}
		if len(drop) == 0 {
			return cur, nil
		}
		next := cur[:0]
		for _, e := range cur {
			if _, gone := drop[e.ID]; !gone {
				next = append(next, e)
			}
		}
		return next, nil
	})
}

func (s *EventStore) mutate(ctx context.Context, fn func([]domain.LedgerEvent, map[string]int) ([]domain.LedgerEvent, error)) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	if !s.loaded {
		s.mu.RUnlock()
		return ErrNotOpen
	}
	staged := make([]domain.LedgerEvent, len(s.events), len(s.events)+1)
	copy(staged, s.events)
	index := make(map[string]int, len(s.index))
	for k, v := range s.index {
		index[k] = v
	}
	s.mu.RUnlock()

	next, err := fn(staged, index)
	if err != nil {
		return err
	}
	if err := s.backend.Save(ctx, next); err != nil {
		return fmt.Errorf("save events: %w", err)
	}
	s.swap(next)
	return nil
}

func (s *EventStore) swap(next []domain.LedgerEvent) {
	index := make(map[string]int, len(next))
	for i, e := range next {
		index[e.ID] = i
	}
	s.mu.Lock()
	s.events = next
	s.index = index
	s.loaded = true
	s.mu.Unlock()
}

package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	redis "github.com/redis/go-redis/v9"

	"vanityhub/ledger/internal/domain"
)

const defaultKey = "ledger:events"

// Backend stores the ledger as a Redis hash keyed by event id. Writes go
// through MULTI/EXEC so a Save is applied whole.
type Backend struct {
	client *redis.Client
	key    string
}

func New(client *redis.Client, key string) *Backend {
	if key == "" {
		key = defaultKey
	}
	return &Backend{client: client, key: key}
}

func (b *Backend) Load(ctx context.Context) ([]domain.LedgerEvent, error) {
	raw, err := b.client.HGetAll(ctx, b.key).Result()
	if err != nil {
		return nil, err
	}
	events := make([]domain.LedgerEvent, 0, len(raw))
	for id, payload := range raw {
		var e domain.LedgerEvent
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			return nil, fmt.Errorf("decode ledger event %s: %w", id, err)
		}
		events = append(events, e)
	}
	sort.Slice(events, func(i, j int) bool {
		if events[i].CreatedAt.Equal(events[j].CreatedAt) {
			return events[i].ID < events[j].ID
		}
		return events[i].CreatedAt.Before(events[j].CreatedAt)
	})
	return events, nil
}

func (b *Backend) Save(ctx context.Context, events []domain.LedgerEvent) error {
	stored, err := b.client.HGetAll(ctx, b.key).Result()
	if err != nil {
		return err
	}

	changed := make(map[string]any, len(events))
	for _, e := range events {
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode ledger event %s: %w", e.ID, err)
		}
		prev, exists := stored[e.ID]
		delete(stored, e.ID)
		if exists && prev == string(payload) {
			continue
		}
		changed[e.ID] = string(payload)
	}
	removed := make([]string, 0, len(stored))
	for id := range stored {
		removed = append(removed, id)
	}
	if len(changed) == 0 && len(removed) == 0 {
		return nil
	}

	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(changed) > 0 {
			pipe.HSet(ctx, b.key, changed)
		}
		if len(removed) > 0 {
			pipe.HDel(ctx, b.key, removed...)
		}
		return nil
	})
	return err
}

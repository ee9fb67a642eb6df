package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"vanityhub/ledger/internal/domain"
)

//go:embed schema.sql
var schemaSQL string

// Backend stores the ledger in a single SQLite file, for single-node installs
// and the ledgerctl tool.
type Backend struct {
	db *sql.DB
}

// Open creates or opens the database at path and applies the schema.
func Open(path string) (*Backend, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect sqlite: %w", err)
	}

	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Backend{db: db}, nil
}

func (b *Backend) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *Backend) Load(ctx context.Context) ([]domain.LedgerEvent, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT payload FROM ledger_events ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.LedgerEvent
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var e domain.LedgerEvent
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			return nil, fmt.Errorf("decode ledger event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Save rewrites only rows whose payload changed and deletes the rest, in one transaction.
func (b *Backend) Save(ctx context.Context, events []domain.LedgerEvent) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stored := map[string]string{}
	rows, err := tx.QueryContext(ctx, `SELECT id, payload FROM ledger_events`)
	if err != nil {
		return err
	}
	for rows.Next() {
		var id, payload string
		if err := rows.Scan(&id, &payload); err != nil {
			rows.Close()
			return err
		}
		stored[id] = payload
	}
	if err := rows.Close(); err != nil {
		return err
	}

	for _, e := range events {
		raw, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode ledger event %s: %w", e.ID, err)
		}
		payload := string(raw)
		prev, exists := stored[e.ID]
		delete(stored, e.ID)
		if exists && prev == payload {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO ledger_events (id, created_at, payload) VALUES (?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET created_at = excluded.created_at, payload = excluded.payload
		`, e.ID, e.CreatedAt.UnixNano(), payload); err != nil {
			return err
		}
	}
	for id := range stored {
		if _, err := tx.ExecContext(ctx, `DELETE FROM ledger_events WHERE id = ?`, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

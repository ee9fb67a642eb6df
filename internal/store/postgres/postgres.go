package postgres

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"vanityhub/ledger/internal/domain"
	"vanityhub/ledger/internal/store"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Backend persists ledger events as JSONB rows, one per event.
type Backend struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Backend, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Backend{db: db}, nil
}

// Migrate applies the embedded goose migrations.
func Migrate(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}

func (b *Backend) Close() error {
	return b.db.Close()
}

func (b *Backend) Load(ctx context.Context) ([]domain.LedgerEvent, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT payload
		FROM ledger_events
		ORDER BY created_at, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]domain.LedgerEvent, 0, 256)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var e domain.LedgerEvent
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, fmt.Errorf("decode ledger event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// Save reconciles the table with the given collection inside one serializable
// transaction: new or changed rows are upserted, missing rows deleted.
func (b *Backend) Save(ctx context.Context, events []domain.LedgerEvent) error {
	tx, err := b.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stored, err := loadVersions(ctx, tx)
	if err != nil {
		return err
	}

	keep := make(map[string]struct{}, len(events))
	for _, e := range events {
		keep[e.ID] = struct{}{}
		if at, ok := stored[e.ID]; ok && at.Equal(e.UpdatedAt.Truncate(time.Microsecond)) {
			continue
		}
		if err := upsert(ctx, tx, e); err != nil {
			return err
		}
	}

	for id := range stored {
		if _, ok := keep[id]; ok {
			continue
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM ledger_events WHERE id = $1`, id); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		if isSerializationFailure(err) {
			return fmt.Errorf("commit ledger events: %w", store.ErrConflict)
		}
		return err
	}
	return nil
}

func loadVersions(ctx context.Context, tx *sql.Tx) (map[string]time.Time, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id, updated_at FROM ledger_events`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]time.Time, 256)
	for rows.Next() {
		var id string
		var updatedAt time.Time
		if err := rows.Scan(&id, &updatedAt); err != nil {
			return nil, err
		}
		out[id] = updatedAt
	}
	return out, rows.Err()
}

func upsert(ctx context.Context, tx *sql.Tx, e domain.LedgerEvent) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode ledger event %s: %w", e.ID, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_events (id, identity_key, composite_type, client_id, amount, occurred_at, created_at, updated_at, payload)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (id)
		DO UPDATE SET
			identity_key = EXCLUDED.identity_key,
			composite_type = EXCLUDED.composite_type,
			client_id = EXCLUDED.client_id,
			amount = EXCLUDED.amount,
			occurred_at = EXCLUDED.occurred_at,
			updated_at = EXCLUDED.updated_at,
			payload = EXCLUDED.payload
	`, e.ID, e.IdentityRef.Key(), string(e.CompositeType), e.ClientID, domain.Round2(e.Amount).String(),
		e.OccurredAt, e.CreatedAt, e.UpdatedAt, string(payload))
	return err
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001"
	}
	return false
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dunamismax/unwatermark/internal/domain"
	_ "github.com/lib/pq"
)

const removalSchemaSQL = `
CREATE TABLE IF NOT EXISTS removals (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	source_type TEXT NOT NULL,
	source_url TEXT NOT NULL DEFAULT '',
	object_key TEXT NOT NULL DEFAULT '',
	remote_job_id TEXT NOT NULL DEFAULT '',
	output_url TEXT NOT NULL DEFAULT '',
	result_key TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	webhook_url TEXT NOT NULL DEFAULT '',
	export JSONB NOT NULL DEFAULT '{}',
	polls INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS usage_logs (
	id BIGSERIAL PRIMARY KEY,
	user_id TEXT NOT NULL,
	removal_id TEXT NOT NULL,
	input_bytes BIGINT NOT NULL,
	output_bytes BIGINT NOT NULL,
	polls INTEGER NOT NULL,
	cached BOOLEAN NOT NULL,
	compute_time_ms BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
`

const selectRemovalSQL = `SELECT id, user_id, status, source_type, source_url, object_key, remote_job_id,
	output_url, result_key, error, webhook_url, export, polls, created_at, updated_at
 FROM removals`

type PostgresRemovalStore struct {
	db *sql.DB
}

var (
	_ RemovalStore = (*PostgresRemovalStore)(nil)
	_ UsageStore   = (*PostgresRemovalStore)(nil)
)

func NewPostgresRemovalStore(ctx context.Context, dsn string) (*PostgresRemovalStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &PostgresRemovalStore{db: db}
	if err := store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresRemovalStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, removalSchemaSQL); err != nil {
		return fmt.Errorf("ensure removals schema: %w", err)
	}
	return nil
}

func (s *PostgresRemovalStore) Close() error {
	return s.db.Close()
}

func (s *PostgresRemovalStore) Create(ctx context.Context, r domain.Removal) error {
	exportJSON, err := json.Marshal(r.Export)
	if err != nil {
		return fmt.Errorf("marshal export options: %w", err)
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO removals (id, user_id, status, source_type, source_url, object_key, remote_job_id,
			output_url, result_key, error, webhook_url, export, polls, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		r.ID,
		r.UserID,
		r.Status,
		r.SourceType,
		r.SourceURL,
		r.ObjectKey,
		r.RemoteJobID,
		r.OutputURL,
		r.ResultKey,
		r.Error,
		r.WebhookURL,
		exportJSON,
		r.Polls,
		r.CreatedAt,
		r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert removal: %w", err)
	}
	return nil
}

func (s *PostgresRemovalStore) Get(ctx context.Context, id string) (domain.Removal, bool, error) {
	return scanRemoval(s.db.QueryRowContext(ctx, selectRemovalSQL+` WHERE id = $1`, id))
}

// Update runs fn against a row locked for the duration of the transaction.
func (s *PostgresRemovalStore) Update(ctx context.Context, id string, fn func(*domain.Removal)) (domain.Removal, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Removal{}, fmt.Errorf("begin removal update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	r, ok, err := scanRemoval(tx.QueryRowContext(ctx, selectRemovalSQL+` WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return domain.Removal{}, err
	}
	if !ok {
		return domain.Removal{}, ErrRemovalNotFound
	}

	fn(&r)
	r.ID = id
	r.UpdatedAt = time.Now().UTC()

	exportJSON, err := json.Marshal(r.Export)
	if err != nil {
		return domain.Removal{}, fmt.Errorf("marshal export options: %w", err)
	}

	_, err = tx.ExecContext(
		ctx,
		`UPDATE removals
		 SET status = $1, remote_job_id = $2, output_url = $3, result_key = $4, error = $5,
		     export = $6, polls = $7, updated_at = $8
		 WHERE id = $9`,
		r.Status,
		r.RemoteJobID,
		r.OutputURL,
		r.ResultKey,
		r.Error,
		exportJSON,
		r.Polls,
		r.UpdatedAt,
		id,
	)
	if err != nil {
		return domain.Removal{}, fmt.Errorf("update removal: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Removal{}, fmt.Errorf("commit removal update: %w", err)
	}
	return r, nil
}

func (s *PostgresRemovalStore) CreateUsageLog(ctx context.Context, usage domain.UsageLog) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO usage_logs (user_id, removal_id, input_bytes, output_bytes, polls, cached, compute_time_ms, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		usage.UserID,
		usage.RemovalID,
		usage.InputBytes,
		usage.OutputBytes,
		usage.Polls,
		usage.Cached,
		usage.ComputeTimeMS,
		usage.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert usage log: %w", err)
	}
	return nil
}

func scanRemoval(row *sql.Row) (domain.Removal, bool, error) {
	var (
		r          domain.Removal
		exportJSON []byte
	)
	if err := row.Scan(
		&r.ID,
		&r.UserID,
		&r.Status,
		&r.SourceType,
		&r.SourceURL,
		&r.ObjectKey,
		&r.RemoteJobID,
		&r.OutputURL,
		&r.ResultKey,
		&r.Error,
		&r.WebhookURL,
		&exportJSON,
		&r.Polls,
		&r.CreatedAt,
		&r.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Removal{}, false, nil
		}
		return domain.Removal{}, false, fmt.Errorf("query removal: %w", err)
	}

	if err := json.Unmarshal(exportJSON, &r.Export); err != nil {
		return domain.Removal{}, false, fmt.Errorf("unmarshal export options: %w", err)
	}
	return r, true, nil
}

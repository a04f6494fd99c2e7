package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/codedogQBY/nimbus-sub000/common"
	"github.com/codedogQBY/nimbus-sub000/interfaces"
	_ "github.com/lib/pq"
)

// Schema creates the descriptor table when it does not exist.
const Schema = `
CREATE TABLE IF NOT EXISTS storage_sources (
	id           TEXT PRIMARY KEY,
	name         TEXT NOT NULL,
	kind         TEXT NOT NULL,
	config       JSONB NOT NULL DEFAULT '{}'::jsonb,
	priority     INTEGER NOT NULL DEFAULT 0,
	quota_limit  BIGINT NOT NULL DEFAULT 0,
	quota_used   BIGINT NOT NULL DEFAULT 0 CHECK (quota_used >= 0),
	is_active    BOOLEAN NOT NULL DEFAULT TRUE,
	bulk_capable BOOLEAN,
	cdn_capable  BOOLEAN,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

const selectColumns = `id, name, kind, config, priority, quota_limit, quota_used, is_active, bulk_capable, cdn_capable`

// PostgresStore reads descriptors from and writes quota usage to PostgreSQL.
type PostgresStore struct {
	db  *sql.DB
	log *slog.Logger
}

// PostgresOpts tunes how NewPostgresStore connects.
type PostgresOpts struct {
	// ConnectTimeout bounds the retries of the initial ping. Defaults to 30s.
	ConnectTimeout time.Duration
	// Migrate creates the schema when set.
	Migrate bool
}

// NewPostgresStore opens the database and pings it with exponential backoff.
func NewPostgresStore(ctx context.Context, dsn string, opts PostgresOpts, log *slog.Logger) (*PostgresStore, error) {
	log = common.LoggerOrDefault(log)
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = timeout

	err = backoff.RetryNotify(func() error {
		return db.PingContext(ctx)
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		log.Warn("Database not reachable, retrying", "err", err, slog.Duration("next", next))
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &PostgresStore{db: db, log: log}
	if opts.Migrate {
		if err := s.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}
	return s, nil
}

// Migrate creates the storage_sources table.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDescriptor(row rowScanner) (interfaces.SourceDescriptor, error) {
	var (
		d         interfaces.SourceDescriptor
		kind      string
		config    []byte
		bulk, cdn sql.NullBool
	)
	if err := row.Scan(&d.ID, &d.Name, &kind, &config, &d.Priority, &d.QuotaLimit, &d.QuotaUsed, &d.IsActive, &bulk, &cdn); err != nil {
		return d, err
	}
	d.Kind = interfaces.SourceKind(kind)
	d.Config = json.RawMessage(config)
	if bulk.Valid {
		d.BulkCapable = &bulk.Bool
	}
	if cdn.Valid {
		d.CDNCapable = &cdn.Bool
	}
	return d, nil
}

func (s *PostgresStore) ListActive(ctx context.Context) ([]interfaces.SourceDescriptor, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM storage_sources WHERE is_active ORDER BY priority DESC, name, id`)
	if err != nil {
		return nil, fmt.Errorf("query sources: %w", err)
	}
	defer rows.Close()

	var out []interfaces.SourceDescriptor
	for rows.Next() {
		d, err := scanDescriptor(rows)
		if err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sources: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*interfaces.SourceDescriptor, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM storage_sources WHERE id = $1 AND is_active`, id)
	d, err := scanDescriptor(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrSourceNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query source %s: %w", id, err)
	}
	return &d, nil
}

// Put inserts or replaces a descriptor. Used by seeding and tests; the
// admin surface owning descriptors writes the table directly.
func (s *PostgresStore) Put(ctx context.Context, d interfaces.SourceDescriptor) error {
	config := []byte(d.Config)
	if len(config) == 0 {
		config = []byte("{}")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO storage_sources (id, name, kind, config, priority, quota_limit, quota_used, is_active, bulk_capable, cdn_capable)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, kind = EXCLUDED.kind, config = EXCLUDED.config,
			priority = EXCLUDED.priority, quota_limit = EXCLUDED.quota_limit,
			quota_used = EXCLUDED.quota_used, is_active = EXCLUDED.is_active,
			bulk_capable = EXCLUDED.bulk_capable, cdn_capable = EXCLUDED.cdn_capable,
			updated_at = NOW()`,
		d.ID, d.Name, string(d.Kind), config, d.Priority, d.QuotaLimit, d.QuotaUsed, d.IsActive,
		nullBool(d.BulkCapable), nullBool(d.CDNCapable))
	if err != nil {
		return fmt.Errorf("upsert source %s: %w", d.ID, err)
	}
	return nil
}

func nullBool(b *bool) sql.NullBool {
	if b == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *b, Valid: true}
}

// AdjustUsed atomically adds delta to quota_used, clamping at zero. The
// previous value is read in the same statement to report whether the clamp
// applied.
func (s *PostgresStore) AdjustUsed(ctx context.Context, id string, delta int64) (int64, bool, error) {
	var used int64
	var clamped bool
	err := s.db.QueryRowContext(ctx, `
		WITH prev AS (
			SELECT quota_used FROM storage_sources WHERE id = $1 FOR UPDATE
		)
		UPDATE storage_sources s
		SET quota_used = GREATEST(prev.quota_used + $2, 0), updated_at = NOW()
		FROM prev
		WHERE s.id = $1
		RETURNING s.quota_used, (prev.quota_used + $2) < 0`, id, delta).Scan(&used, &clamped)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, fmt.Errorf("%w: %s", interfaces.ErrSourceNotFound, id)
	}
	if err != nil {
		return 0, false, fmt.Errorf("update quota of %s: %w", id, err)
	}
	return used, clamped, nil
}

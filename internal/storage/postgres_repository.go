package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"bitriver-relay/internal/events"
	"bitriver-relay/internal/stream"
)

// ErrPostgresUnavailable is returned when the repository has no open pool.
var ErrPostgresUnavailable = errors.New("postgres repository unavailable")

const schemaSQL = `
CREATE TABLE IF NOT EXISTS relay_events (
	id          TEXT PRIMARY KEY,
	type        TEXT NOT NULL,
	stream_id   INTEGER NOT NULL,
	session_id  TEXT NOT NULL DEFAULT '',
	client_id   TEXT NOT NULL DEFAULT '',
	kind        TEXT NOT NULL DEFAULT '',
	resource_id TEXT NOT NULL DEFAULT '',
	detail      TEXT NOT NULL DEFAULT '',
	occurred_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS relay_events_stream_time ON relay_events (stream_id, occurred_at DESC);
`

// PostgresRepository stores the audit trail in the relay_events table.
type PostgresRepository struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
}

// NewPostgresRepository opens a pool for dsn and creates the events table
// when it does not exist.
func NewPostgresRepository(ctx context.Context, dsn string, opts ...Option) (*PostgresRepository, error) {
	cfg := newPostgresConfig(dsn, opts...)
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	repo := &PostgresRepository{pool: pool, cfg: cfg}
	if err := repo.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		_, err := conn.Exec(ctx, schemaSQL)
		return err
	}); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create events table: %w", err)
	}
	return repo, nil
}

// withConn acquires a connection under the acquire timeout and runs fn with
// the same deadline.
func (r *PostgresRepository) withConn(ctx context.Context, fn func(context.Context, *pgxpool.Conn) error) error {
	if r == nil || r.pool == nil {
		return ErrPostgresUnavailable
	}
	if r.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.AcquireTimeout)
		defer cancel()
	}
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire postgres connection: %w", err)
	}
	defer conn.Release()
	return fn(ctx, conn)
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		return conn.Ping(ctx)
	})
}

// Append inserts evt. Redelivered events are ignored by ID.
func (r *PostgresRepository) Append(ctx context.Context, evt events.Event) error {
	if err := validateEvent(evt); err != nil {
		return err
	}
	occurred := evt.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now()
	}
	return r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		_, err := conn.Exec(ctx, `
INSERT INTO relay_events (id, type, stream_id, session_id, client_id, kind, resource_id, detail, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (id) DO NOTHING`,
			evt.ID, string(evt.Type), int(evt.StreamID), evt.SessionID, evt.ClientID, evt.Kind, evt.ResourceID, evt.Detail, occurred.UTC())
		if err != nil {
			return fmt.Errorf("insert event %s: %w", evt.ID, err)
		}
		return nil
	})
}

func (r *PostgresRepository) Recent(ctx context.Context, filter Filter) ([]events.Event, error) {
	query := `SELECT id, type, stream_id, session_id, client_id, kind, resource_id, detail, occurred_at FROM relay_events`
	args := []any{}
	if filter.StreamID != nil {
		query += ` WHERE stream_id = $1`
		args = append(args, int(*filter.StreamID))
	}
	query += fmt.Sprintf(` ORDER BY occurred_at DESC, id DESC LIMIT %d`, filter.limit())

	var out []events.Event
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("query events: %w", err)
		}
		out, err = pgx.CollectRows(rows, scanEvent)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func scanEvent(row pgx.CollectableRow) (events.Event, error) {
	var (
		evt      events.Event
		typ      string
		streamID int
	)
	if err := row.Scan(&evt.ID, &typ, &streamID, &evt.SessionID, &evt.ClientID, &evt.Kind, &evt.ResourceID, &evt.Detail, &evt.OccurredAt); err != nil {
		return events.Event{}, fmt.Errorf("scan event: %w", err)
	}
	evt.Type = events.Type(typ)
	evt.StreamID = stream.ID(streamID)
	evt.OccurredAt = evt.OccurredAt.UTC()
	return evt, nil
}

func (r *PostgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

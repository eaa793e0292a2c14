// Command migrate-events copies the JSON session event log into the Postgres
// event store. Events already present in Postgres are skipped, so the
// command can be re-run after a partial import.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"bitriver-relay/internal/events"
	"bitriver-relay/internal/storage"
)

func main() {
	jsonPath := flag.String("json", "data/events.json", "path to the JSON event store to migrate")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	dsn := firstNonEmpty(*postgresDSN, os.Getenv("BITRIVER_RELAY_POSTGRES_DSN"), os.Getenv("DATABASE_URL"))
	if dsn == "" {
		logger.Error("postgres DSN required", "hint", "set --postgres-dsn, BITRIVER_RELAY_POSTGRES_DSN, or DATABASE_URL")
		os.Exit(1)
	}

	source, err := storage.NewJSONRepository(*jsonPath)
	if err != nil {
		logger.Error("failed to open JSON event store", "error", err)
		os.Exit(1)
	}
	list := source.All()
	logger.Info("loaded JSON event store", "path", *jsonPath, "events", len(list))

	ctx := context.Background()
	target, err := storage.NewPostgresRepository(ctx, dsn)
	if err != nil {
		logger.Error("failed to open postgres event store", "error", err)
		os.Exit(1)
	}
	defer func() { _ = target.Close(context.Background()) }()

	if err := migrate(ctx, target, list); err != nil {
		logger.Error("failed to import events", "error", err)
		os.Exit(1)
	}
	if err := verify(ctx, dsn, list); err != nil {
		logger.Error("verification failed", "error", err)
		os.Exit(1)
	}
	logger.Info("migration completed", "events", len(list))
}

// migrate appends list in order. The store ignores IDs it already holds.
func migrate(ctx context.Context, target storage.Repository, list []events.Event) error {
	for i, evt := range list {
		if err := target.Append(ctx, evt); err != nil {
			return fmt.Errorf("event %d (%s): %w", i, evt.ID, err)
		}
	}
	return nil
}

func verify(ctx context.Context, dsn string, list []events.Event) error {
	if len(list) == 0 {
		return nil
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("open verification connection: %w", err)
	}
	defer pool.Close()

	ids := make([]string, 0, len(list))
	for _, evt := range list {
		ids = append(ids, evt.ID)
	}
	var found int
	if err := pool.QueryRow(ctx, "SELECT COUNT(*) FROM relay_events WHERE id = ANY($1)", ids).Scan(&found); err != nil {
		return fmt.Errorf("count migrated events: %w", err)
	}
	if found != len(ids) {
		return fmt.Errorf("expected %d events in postgres, found %d", len(ids), found)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

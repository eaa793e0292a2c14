package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"bitriver-relay/internal/events"
	"bitriver-relay/internal/observability/logging"
	"bitriver-relay/internal/stream"
)

func newTestEvent(i int, streamID stream.ID) events.Event {
	return events.Event{
		ID:         fmt.Sprintf("evt-%03d", i),
		Type:       events.SessionAuthenticated,
		StreamID:   streamID,
		SessionID:  "session",
		ClientID:   fmt.Sprintf("client-%d", i),
		OccurredAt: time.Date(2024, 1, 1, 0, 0, i, 0, time.UTC),
	}
}

func newJSONRepository(t *testing.T, opts ...Option) (*JSONRepository, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data", "events.json")
	repo, err := NewJSONRepository(path, opts...)
	if err != nil {
		t.Fatalf("NewJSONRepository returned error: %v", err)
	}
	return repo, path
}

func TestJSONRepositoryAppendAndRecent(t *testing.T) {
	ctx := context.Background()
	repo, path := newJSONRepository(t)
	for i := 1; i <= 4; i++ {
		streamID := stream.ID(1)
		if i%2 == 0 {
			streamID = 2
		}
		if err := repo.Append(ctx, newTestEvent(i, streamID)); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	all, err := repo.Recent(ctx, Filter{})
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(all) != 4 || all[0].ID != "evt-004" || all[3].ID != "evt-001" {
		t.Fatalf("expected newest first, got %+v", all)
	}

	id := stream.ID(2)
	filtered, err := repo.Recent(ctx, Filter{StreamID: &id, Limit: 1})
	if err != nil {
		t.Fatalf("Recent filtered: %v", err)
	}
	if len(filtered) != 1 || filtered[0].ID != "evt-004" {
		t.Fatalf("unexpected filtered result %+v", filtered)
	}

	reloaded, err := NewJSONRepository(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	again, _ := reloaded.Recent(ctx, Filter{})
	if len(again) != 4 || !again[0].OccurredAt.Equal(all[0].OccurredAt) {
		t.Fatalf("expected events to survive reload, got %+v", again)
	}
}

func TestJSONRepositoryIgnoresDuplicates(t *testing.T) {
	ctx := context.Background()
	repo, _ := newJSONRepository(t)
	evt := newTestEvent(1, 1)
	for i := 0; i < 2; i++ {
		if err := repo.Append(ctx, evt); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	got, _ := repo.Recent(ctx, Filter{})
	if len(got) != 1 {
		t.Fatalf("expected one event, got %d", len(got))
	}
}

func TestJSONRepositoryTrimsOldest(t *testing.T) {
	ctx := context.Background()
	repo, path := newJSONRepository(t, WithMaxEvents(3))
	for i := 1; i <= 5; i++ {
		if err := repo.Append(ctx, newTestEvent(i, 1)); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}
	got, _ := repo.Recent(ctx, Filter{})
	if len(got) != 3 || got[2].ID != "evt-003" {
		t.Fatalf("expected the three newest events, got %+v", got)
	}
	if all := repo.All(); len(all) != 3 || all[0].ID != "evt-003" || all[2].ID != "evt-005" {
		t.Fatalf("expected All to return oldest first, got %+v", all)
	}

	reloaded, err := NewJSONRepository(path, WithMaxEvents(3))
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if again, _ := reloaded.Recent(ctx, Filter{}); len(again) != 3 {
		t.Fatalf("expected the file to hold three events, got %d", len(again))
	}
	// A trimmed ID may be appended again.
	if err := reloaded.Append(ctx, newTestEvent(1, 1)); err != nil {
		t.Fatalf("Append trimmed id: %v", err)
	}
}

func TestJSONRepositoryPersistFailureKeepsState(t *testing.T) {
	ctx := context.Background()
	repo, _ := newJSONRepository(t)
	if err := repo.Append(ctx, newTestEvent(1, 1)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	repo.persistOverride = func([]events.Event) error { return errors.New("disk full") }
	if err := repo.Append(ctx, newTestEvent(2, 1)); err == nil {
		t.Fatal("expected persist failure")
	}
	got, _ := repo.Recent(ctx, Filter{})
	if len(got) != 1 {
		t.Fatalf("expected the failed event to be discarded, got %+v", got)
	}
}

func TestJSONRepositoryRejectsInvalid(t *testing.T) {
	repo, _ := newJSONRepository(t)
	if err := repo.Append(context.Background(), events.Event{Type: events.SessionClosed}); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
	if err := repo.Append(context.Background(), events.Event{ID: "x"}); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
}

func TestJSONRepositoryCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.json")
	if err := os.WriteFile(path, []byte("{broken"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := NewJSONRepository(path); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestFilterLimit(t *testing.T) {
	cases := map[int]int{0: DefaultRecentLimit, -3: DefaultRecentLimit, 7: 7, MaxRecentLimit + 1: MaxRecentLimit}
	for in, want := range cases {
		if got := (Filter{Limit: in}).limit(); got != want {
			t.Fatalf("limit(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestEventWorkerPersistsQueueEvents(t *testing.T) {
	queue := events.NewMemoryQueue(16)
	repo, _ := newJSONRepository(t)
	worker := NewEventWorker(repo, queue, logging.Discard(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		worker.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for i := 1; ; i++ {
		// The worker subscribes asynchronously; keep publishing until it
		// has seen something.
		if err := queue.Publish(ctx, newTestEvent(i, 1)); err != nil {
			t.Fatalf("Publish: %v", err)
		}
		got, _ := repo.Recent(ctx, Filter{})
		if len(got) > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("worker did not persist any event")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after cancellation")
	}
}

func TestEventWorkerSkipsFailures(t *testing.T) {
	queue := events.NewMemoryQueue(16)
	repo, _ := newJSONRepository(t)
	worker := NewEventWorker(repo, queue, logging.Discard(), nil)
	ctx := context.Background()
	worker.persist(ctx, events.Event{})
	worker.persist(ctx, newTestEvent(1, 1))
	if got, _ := repo.Recent(ctx, Filter{}); len(got) != 1 {
		t.Fatalf("expected one persisted event, got %d", len(got))
	}
}

func TestEventWorkerStopsWhenQueueCloses(t *testing.T) {
	queue := events.NewMemoryQueue(1)
	worker := NewEventWorker(NopRepository{}, queue, logging.Discard(), nil)
	done := make(chan struct{})
	go func() {
		worker.Run(context.Background())
		close(done)
	}()
	_ = queue.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after queue close")
	}
}

func TestNewPostgresRepositoryRequiresDSN(t *testing.T) {
	if _, err := NewPostgresRepository(context.Background(), " "); err == nil {
		t.Fatal("expected an error for an empty dsn")
	}
}

func TestPostgresOptions(t *testing.T) {
	cfg := newPostgresConfig("postgres://localhost/relay",
		WithPostgresPoolLimits(8, 2),
		WithPostgresAcquireTimeout(time.Second),
		WithPostgresPoolDurations(time.Hour, time.Minute, 30*time.Second),
		WithPostgresApplicationName("  relay  "),
		WithMaxEvents(5),
		nil,
	)
	if cfg.MaxConnections != 8 || cfg.MinConnections != 2 {
		t.Fatalf("unexpected pool limits %d/%d", cfg.MaxConnections, cfg.MinConnections)
	}
	if cfg.AcquireTimeout != time.Second || cfg.MaxConnLifetime != time.Hour || cfg.MaxConnIdleTime != time.Minute || cfg.HealthCheckInterval != 30*time.Second {
		t.Fatalf("unexpected durations %+v", cfg)
	}
	if cfg.ApplicationName != "relay" {
		t.Fatalf("unexpected application name %q", cfg.ApplicationName)
	}

	defaults := newPostgresConfig("dsn", WithPostgresAcquireTimeout(0))
	if defaults.AcquireTimeout != defaultPostgresAcquireTimeout || defaults.MinConnections != -1 {
		t.Fatalf("unexpected defaults %+v", defaults)
	}
}

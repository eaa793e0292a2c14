package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"bitriver-relay/internal/events"
)

const defaultMaxEvents = 10000

// JSONRepository keeps the audit trail in memory and rewrites a JSON file on
// every append. It suits single-node deployments.
type JSONRepository struct {
	mu        sync.RWMutex
	filePath  string
	maxEvents int
	events    []events.Event
	ids       map[string]struct{}

	persistOverride func([]events.Event) error
}

type jsonDataset struct {
	Events []events.Event `json:"events"`
}

// NewJSONRepository loads path, creating it on the first append when it
// does not exist yet.
func NewJSONRepository(path string, opts ...Option) (*JSONRepository, error) {
	if path == "" {
		return nil, fmt.Errorf("json store path required")
	}
	repo := &JSONRepository{filePath: path, maxEvents: defaultMaxEvents, ids: make(map[string]struct{})}
	for _, opt := range opts {
		if opt != nil {
			opt.applyJSON(repo)
		}
	}
	if err := repo.load(); err != nil {
		return nil, err
	}
	return repo, nil
}

func (r *JSONRepository) load() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(r.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	file, err := os.Open(r.filePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	} else if err != nil {
		return fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	var data jsonDataset
	if err := json.NewDecoder(file).Decode(&data); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decode store file: %w", err)
	}
	r.events = data.Events
	r.trimLocked()
	for _, evt := range r.events {
		r.ids[evt.ID] = struct{}{}
	}
	return nil
}

func (r *JSONRepository) Ping(context.Context) error {
	_, err := os.Stat(filepath.Dir(r.filePath))
	return err
}

// Append stores evt unless an event with the same ID is already present.
func (r *JSONRepository) Append(ctx context.Context, evt events.Event) error {
	if err := validateEvent(evt); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.ids[evt.ID]; dup {
		return nil
	}

	next := append(r.events[:len(r.events):len(r.events)], evt)
	if err := r.persistLocked(next); err != nil {
		return err
	}
	r.events = next
	r.ids[evt.ID] = struct{}{}
	r.trimLocked()
	return nil
}

func (r *JSONRepository) trimLocked() {
	if excess := len(r.events) - r.maxEvents; excess > 0 {
		for _, evt := range r.events[:excess] {
			delete(r.ids, evt.ID)
		}
		r.events = append([]events.Event(nil), r.events[excess:]...)
	}
}

func (r *JSONRepository) Recent(ctx context.Context, filter Filter) ([]events.Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	limit := filter.limit()
	out := make([]events.Event, 0, min(limit, len(r.events)))
	for i := len(r.events) - 1; i >= 0 && len(out) < limit; i-- {
		if filter.matches(r.events[i]) {
			out = append(out, r.events[i])
		}
	}
	return out, nil
}

// All returns every stored event, oldest first.
func (r *JSONRepository) All() []events.Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]events.Event(nil), r.events...)
}

func (r *JSONRepository) Close(context.Context) error { return nil }

func (r *JSONRepository) persistLocked(data []events.Event) error {
	if excess := len(data) - r.maxEvents; excess > 0 {
		data = data[excess:]
	}
	if r.persistOverride != nil {
		return r.persistOverride(data)
	}

	dir := filepath.Dir(r.filePath)
	tmpFile, err := os.CreateTemp(dir, "events-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(jsonDataset{Events: data}); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}
	if err := os.Rename(tmpPath, r.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/opchain/pkg/schema"
)

// MemoryStore is a process-local Store used by tests and by the CLI when
// no database path is configured. Values are copied in and out so callers
// never share memory with the store.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	chains  map[string][]byte
	events  []*Event
	nextID  int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		chains:  make(map[string][]byte),
	}
}

func (m *MemoryStore) Migrate(context.Context) error { return nil }
func (m *MemoryStore) Close() error                  { return nil }

func (m *MemoryStore) CreateRecord(_ context.Context, rec *Record) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	rec.CreatedAt = timeOrNow(rec.CreatedAt)
	rec.UpdatedAt = rec.CreatedAt

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[rec.ID]; exists {
		return "", schema.NewErrorf(schema.ErrCodeConflict, "job %q already exists", rec.ID)
	}
	m.records[rec.ID] = copyRecord(rec)
	return rec.ID, nil
}

func (m *MemoryStore) UpdateRecord(_ context.Context, id string, patch RecordPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return storeNotFound("job", id)
	}
	patch.Apply(rec)
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) GetRecord(_ context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, storeNotFound("job", id)
	}
	return copyRecord(rec), nil
}

func (m *MemoryStore) ListRecords(_ context.Context, filter RecordFilter) ([]*Record, error) {
	m.mu.RLock()
	var out []*Record
	for _, rec := range m.records {
		if filter.Type != "" && rec.Type != filter.Type {
			continue
		}
		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, rec.Status) {
			continue
		}
		out = append(out, copyRecord(rec))
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return page(out, filter.Limit, filter.Offset), nil
}

func (m *MemoryStore) DeleteRecord(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[id]; !ok {
		return storeNotFound("job", id)
	}
	delete(m.records, id)
	return nil
}

func (m *MemoryStore) SaveChain(_ context.Context, def *schema.ChainDefinition) error {
	if def.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "chain id is required")
	}
	data, err := def.ToJSON()
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chains[def.ID] = data
	return nil
}

func (m *MemoryStore) GetChain(_ context.Context, id string) (*schema.ChainDefinition, error) {
	m.mu.RLock()
	data, ok := m.chains[id]
	m.mu.RUnlock()
	if !ok {
		return nil, storeNotFound("chain", id)
	}
	return schema.ChainFromJSON(data)
}

func (m *MemoryStore) ListChains(_ context.Context, filter ChainFilter) ([]*schema.ChainDefinition, error) {
	m.mu.RLock()
	blobs := make([][]byte, 0, len(m.chains))
	for _, data := range m.chains {
		blobs = append(blobs, data)
	}
	m.mu.RUnlock()

	var out []*schema.ChainDefinition
	for _, data := range blobs {
		def, err := schema.ChainFromJSON(data)
		if err != nil {
			return nil, err
		}
		if filter.Status != nil && def.Status != *filter.Status {
			continue
		}
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return page(out, filter.Limit, 0), nil
}

func (m *MemoryStore) DeleteChain(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.chains[id]; !ok {
		return storeNotFound("chain", id)
	}
	delete(m.chains, id)
	return nil
}

func (m *MemoryStore) AppendEvent(_ context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var seq int64
	for _, e := range m.events {
		if e.StreamID == event.StreamID && e.Sequence > seq {
			seq = e.Sequence
		}
	}
	m.nextID++
	event.ID = m.nextID
	event.Sequence = seq + 1
	event.Timestamp = timeOrNow(event.Timestamp)

	cp := *event
	cp.Payload = slices.Clone(event.Payload)
	m.events = append(m.events, &cp)
	return nil
}

func (m *MemoryStore) GetEvents(_ context.Context, streamID string, since int64) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Event
	for _, e := range m.events {
		if e.StreamID == streamID && e.Sequence > since {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) GetEventsByType(_ context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Event
	for _, e := range m.events {
		if e.Type != eventType ||
			(filter.StreamID != "" && e.StreamID != filter.StreamID) ||
			(filter.StepID != "" && e.StepID != filter.StepID) ||
			(filter.Since != nil && e.Timestamp.Before(*filter.Since)) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return page(out, filter.Limit, 0), nil
}

func copyRecord(r *Record) *Record {
	cp := *r
	cp.Payload = slices.Clone(r.Payload)
	cp.Result = slices.Clone(r.Result)
	cp.Metadata = slices.Clone(r.Metadata)
	return &cp
}

func page[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

var _ Store = (*MemoryStore)(nil)

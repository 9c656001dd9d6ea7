package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pulsewatch/engine/internal/common/urlutil"
	"github.com/pulsewatch/engine/pkg/types"
)

// MemoryStore is a mutex-guarded in-memory Store. It backs tests and
// development runs without DATABASE_URL; semantics match the Redis
// store exactly.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*types.MonitoredURL
	byURL   map[string]string // normalized url key -> id
	byName  map[string]string // name -> id
	records map[string][]*types.ProbeResult
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*types.MonitoredURL),
		byURL:   make(map[string]string),
		byName:  make(map[string]string),
		records: make(map[string][]*types.ProbeResult),
	}
}

func cloneEntry(m *types.MonitoredURL) *types.MonitoredURL {
	out := *m
	out.History = append([]int64(nil), m.History...)
	out.Dependencies = append([]string(nil), m.Dependencies...)
	if m.AuthConfig != nil {
		auth := *m.AuthConfig
		out.AuthConfig = &auth
	}
	return &out
}

func (s *MemoryStore) Insert(ctx context.Context, entry *types.MonitoredURL) (*types.MonitoredURL, error) {
	normalized, err := urlutil.Normalize(entry.URL)
	if err != nil {
		return nil, err
	}
	urlKey := urlutil.NormalizedKey(normalized)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byURL[urlKey]; exists {
		return nil, ErrConflict
	}
	if _, exists := s.byName[entry.Name]; exists {
		return nil, ErrConflict
	}

	stored := cloneEntry(entry)
	s.entries[stored.ID] = stored
	s.byURL[urlKey] = stored.ID
	s.byName[stored.Name] = stored.ID
	return cloneEntry(stored), nil
}

func (s *MemoryStore) Update(ctx context.Context, id string, patch Patch) (*types.MonitoredURL, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.entries[id]
	if !ok {
		return nil, ErrNotFound
	}

	oldKey := mustURLKey(current.URL)
	oldName := current.Name

	next := cloneEntry(current)
	applyPatch(next, patch, time.Now().UTC())

	newKey := oldKey
	if patch.URL != nil {
		normalized, err := urlutil.Normalize(next.URL)
		if err != nil {
			return nil, err
		}
		newKey = urlutil.NormalizedKey(normalized)
		if owner, exists := s.byURL[newKey]; exists && owner != id {
			return nil, ErrConflict
		}
	}
	if patch.Name != nil {
		if owner, exists := s.byName[next.Name]; exists && owner != id {
			return nil, ErrConflict
		}
	}

	if newKey != oldKey {
		delete(s.byURL, oldKey)
		s.byURL[newKey] = id
	}
	if next.Name != oldName {
		delete(s.byName, oldName)
		s.byName[next.Name] = id
	}
	s.entries[id] = next
	return cloneEntry(next), nil
}

func (s *MemoryStore) FindByID(ctx context.Context, id string) (*types.MonitoredURL, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneEntry(entry), nil
}

func (s *MemoryStore) FindAll(ctx context.Context, filter Filter) ([]*types.MonitoredURL, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*types.MonitoredURL, 0, len(s.entries))
	for _, entry := range s.entries {
		if filter.Matches(entry) {
			out = append(out, cloneEntry(entry))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.byURL, mustURLKey(entry.URL))
	delete(s.byName, entry.Name)
	delete(s.entries, id)
	delete(s.records, id)
	return nil
}

func (s *MemoryStore) AppendHistory(ctx context.Context, id string, latencyMs int64, fields StatusFields, expectedVersion int64) (*types.MonitoredURL, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	if entry.Version != expectedVersion {
		return nil, ErrVersionConflict
	}

	entry.History = appendSample(entry.History, latencyMs)
	entry.Status = fields.Status
	entry.Latency = fields.Latency
	entry.HTTPStatus = fields.HTTPStatus
	entry.StatusMessage = fields.StatusMessage
	entry.LastChecked = fields.LastChecked
	entry.UpdatedAt = time.Now().UTC()
	entry.Version++
	return cloneEntry(entry), nil
}

func (s *MemoryStore) AppendProbeRecord(ctx context.Context, result *types.ProbeResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *result
	records := append([]*types.ProbeResult{&copied}, s.records[result.URLID]...)
	if len(records) > MaxProbeRecords {
		records = records[:MaxProbeRecords]
	}
	s.records[result.URLID] = records
	return nil
}

func (s *MemoryStore) ProbeHistory(ctx context.Context, id string, limit int) ([]*types.ProbeResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := s.records[id]
	if limit <= 0 || limit > len(records) {
		limit = len(records)
	}
	out := make([]*types.ProbeResult, limit)
	for i := 0; i < limit; i++ {
		copied := *records[i]
		out[i] = &copied
	}
	return out, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

// mustURLKey assumes the stored URL already passed normalization.
func mustURLKey(rawURL string) string {
	normalized, err := urlutil.Normalize(rawURL)
	if err != nil {
		return rawURL
	}
	return urlutil.NormalizedKey(normalized)
}

package usage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore is a simple in-process ledger for local/dev use.
type InMemoryStore struct {
	mu        sync.RWMutex
	records   []Record
	bySession map[string]struct{}
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{bySession: make(map[string]struct{})}
}

func (s *InMemoryStore) Record(_ context.Context, rec Record) error {
	rec = normalize(rec)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bySession[rec.SessionID]; ok {
		return nil
	}
	s.bySession[rec.SessionID] = struct{}{}
	s.records = append(s.records, rec)
	return nil
}

func (s *InMemoryStore) Totals(_ context.Context) ([]ModelTotal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byModel := make(map[string]*ModelTotal)
	for _, r := range s.records {
		t, ok := byModel[r.Model]
		if !ok {
			t = &ModelTotal{Model: r.Model}
			byModel[r.Model] = t
		}
		t.Sessions++
		t.PromptTokens += r.PromptTokens
		t.CompletionTokens += r.CompletionTokens
		t.TotalTokens += r.TotalTokens
	}
	out := make([]ModelTotal, 0, len(byModel))
	for _, t := range byModel {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out, nil
}

func (s *InMemoryStore) Recent(_ context.Context, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.records) {
		limit = len(s.records)
	}
	out := make([]Record, 0, limit)
	for i := len(s.records) - 1; i >= len(s.records)-limit; i-- {
		out = append(out, s.records[i])
	}
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }

func normalize(rec Record) Record {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.Model == "" {
		rec.Model = "unknown"
	}
	if rec.TotalTokens == 0 {
		rec.TotalTokens = rec.PromptTokens + rec.CompletionTokens
	}
	return rec
}

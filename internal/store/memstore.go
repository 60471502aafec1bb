package store

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/outpost-dev/selfmod/common/arangodb"
	"github.com/outpost-dev/selfmod/internal/model"
)

// memStore is the in-memory Store selected for NODE_ENV=dev/test. Its
// full-text pass is a naive token-overlap ranking, which is enough to
// preserve the two-pass recall semantics without a running database.
type memStore struct {
	mu        sync.Mutex
	memories  []model.Memory
	generated []model.GeneratedCallRecord
	logs      []model.IterationLog
	usage     []model.UsageSummary
}

// NewInMemory builds the dev/test Store.
func NewInMemory() Store {
	return &memStore{}
}

func (s *memStore) Connect(ctx context.Context) error    { return nil }
func (s *memStore) Disconnect(ctx context.Context) error { return nil }

func (s *memStore) InsertMemory(ctx context.Context, m model.Memory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memories = append(s.memories, m)
	return nil
}

func (s *memStore) GetMemory(ctx context.Context, id string) (model.Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.memories {
		if m.ID == id {
			return m, nil
		}
	}
	return model.Memory{}, arangodb.ErrNotFound
}

func (s *memStore) SetMemoryPinned(ctx context.Context, id string, pinned bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.memories {
		if s.memories[i].ID == id {
			s.memories[i].Pinned = pinned
			return nil
		}
	}
	return arangodb.ErrNotFound
}

func (s *memStore) ListMemories(ctx context.Context, opts ListMemoriesOptions) ([]model.Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.Memory, 0, len(s.memories))
	for _, m := range s.memories {
		if opts.Pinned != nil && m.Pinned != *opts.Pinned {
			continue
		}
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (s *memStore) SearchMemories(ctx context.Context, query string, limit int) ([]model.Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return nil, nil
	}

	type scored struct {
		m     model.Memory
		score int
	}
	var hits []scored
	for _, m := range s.memories {
		text := strings.ToLower(m.Content + " " + m.Summary)
		score := 0
		for _, t := range terms {
			if strings.Contains(text, t) {
				score++
			}
		}
		if score > 0 {
			hits = append(hits, scored{m: m, score: score})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].m.CreatedAt.After(hits[j].m.CreatedAt)
	})

	var out []model.Memory
	for _, h := range hits {
		out = append(out, h.m)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *memStore) InsertGenerated(ctx context.Context, rec model.GeneratedCallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generated = append(s.generated, sanitizeGenerated(rec))
	return nil
}

func (s *memStore) ListGeneratedByIteration(ctx context.Context, iterationID int64) ([]model.GeneratedCallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.GeneratedCallRecord
	for _, r := range s.generated {
		if r.IterationID == iterationID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memStore) InsertIterationLog(ctx context.Context, log model.IterationLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, log)
	return nil
}

func (s *memStore) InsertUsage(ctx context.Context, summary model.UsageSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage = append(s.usage, summary)
	return nil
}

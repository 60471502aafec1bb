package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/outpost-dev/selfmod/common/arangodb"
	"github.com/outpost-dev/selfmod/internal/model"
)

// arangoStore persists records in ArangoDB document collections. Memory
// full-text search goes through the ArangoSearch view created at connect
// time.
type arangoStore struct {
	client arangodb.Client
}

// NewArango builds the production Store on top of the shared ArangoDB client.
func NewArango(client arangodb.Client) Store {
	return &arangoStore{client: client}
}

func (s *arangoStore) Connect(ctx context.Context) error {
	start := time.Now()

	if err := s.client.EnsureDatabase(ctx); err != nil {
		return fmt.Errorf("store connect: %w", err)
	}
	if err := s.client.EnsureCollections(ctx); err != nil {
		return fmt.Errorf("store connect: %w", err)
	}
	if err := s.client.EnsureSearchView(ctx); err != nil {
		return fmt.Errorf("store connect: %w", err)
	}

	slog.InfoContext(ctx, "store connected",
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}

func (s *arangoStore) Disconnect(ctx context.Context) error {
	return s.client.Close()
}

// memoryDoc is the persisted shape of a Memory; _key mirrors ID so lookups
// and pin updates can address documents directly.
type memoryDoc struct {
	Key       string    `json:"_key"`
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Summary   string    `json:"summary"`
	Pinned    bool      `json:"pinned"`
	CreatedAt time.Time `json:"createdAt"`
}

func (d memoryDoc) toModel() model.Memory {
	return model.Memory{ID: d.ID, Content: d.Content, Summary: d.Summary, Pinned: d.Pinned, CreatedAt: d.CreatedAt}
}

func (s *arangoStore) InsertMemory(ctx context.Context, m model.Memory) error {
	doc := memoryDoc{
		Key:       m.ID,
		ID:        m.ID,
		Content:   m.Content,
		Summary:   m.Summary,
		Pinned:    m.Pinned,
		CreatedAt: m.CreatedAt,
	}
	return s.client.InsertDocument(ctx, arangodb.CollectionMemories, doc)
}

func (s *arangoStore) GetMemory(ctx context.Context, id string) (model.Memory, error) {
	const aql = `FOR m IN memories FILTER m.id == @id LIMIT 1 RETURN m`

	var found *model.Memory
	err := s.client.Query(ctx, aql, map[string]any{"id": id}, func(decode func(out any) error) error {
		var doc memoryDoc
		if err := decode(&doc); err != nil {
			return err
		}
		m := doc.toModel()
		found = &m
		return nil
	})
	if err != nil {
		return model.Memory{}, fmt.Errorf("get memory: %w", err)
	}
	if found == nil {
		return model.Memory{}, arangodb.ErrNotFound
	}
	return *found, nil
}

func (s *arangoStore) SetMemoryPinned(ctx context.Context, id string, pinned bool) error {
	return s.client.UpdateDocument(ctx, arangodb.CollectionMemories, id, map[string]any{"pinned": pinned})
}

func (s *arangoStore) ListMemories(ctx context.Context, opts ListMemoriesOptions) ([]model.Memory, error) {
	aql := `FOR m IN memories`
	bindVars := map[string]any{}
	if opts.Pinned != nil {
		aql += ` FILTER m.pinned == @pinned`
		bindVars["pinned"] = *opts.Pinned
	}
	aql += ` SORT m.createdAt DESC`
	if opts.Limit > 0 {
		aql += ` LIMIT @limit`
		bindVars["limit"] = opts.Limit
	}
	aql += ` RETURN m`

	var out []model.Memory
	err := s.client.Query(ctx, aql, bindVars, func(decode func(out any) error) error {
		var doc memoryDoc
		if err := decode(&doc); err != nil {
			return err
		}
		out = append(out, doc.toModel())
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	return out, nil
}

func (s *arangoStore) SearchMemories(ctx context.Context, query string, limit int) ([]model.Memory, error) {
	const aql = `
		FOR m IN memory_search
			SEARCH ANALYZER(PHRASE(m.content, @query) OR PHRASE(m.summary, @query) OR
				TOKENS(@query, "text_en") ANY IN m.content OR
				TOKENS(@query, "text_en") ANY IN m.summary, "text_en")
			SORT BM25(m) DESC
			LIMIT @limit
			RETURN m`

	var out []model.Memory
	err := s.client.Query(ctx, aql, map[string]any{"query": query, "limit": limit}, func(decode func(out any) error) error {
		var doc memoryDoc
		if err := decode(&doc); err != nil {
			return err
		}
		out = append(out, doc.toModel())
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("search memories: %w", err)
	}
	return out, nil
}

func (s *arangoStore) InsertGenerated(ctx context.Context, rec model.GeneratedCallRecord) error {
	return s.client.InsertDocument(ctx, arangodb.CollectionGenerated, sanitizeGenerated(rec))
}

func (s *arangoStore) ListGeneratedByIteration(ctx context.Context, iterationID int64) ([]model.GeneratedCallRecord, error) {
	const aql = `FOR g IN generated FILTER g.iterationId == @iterationId SORT g.timestamp ASC RETURN g`

	var out []model.GeneratedCallRecord
	err := s.client.Query(ctx, aql, map[string]any{"iterationId": iterationID}, func(decode func(out any) error) error {
		var rec model.GeneratedCallRecord
		if err := decode(&rec); err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list generated records: %w", err)
	}
	return out, nil
}

func (s *arangoStore) InsertIterationLog(ctx context.Context, log model.IterationLog) error {
	return s.client.InsertDocument(ctx, arangodb.CollectionIterLogs, log)
}

func (s *arangoStore) InsertUsage(ctx context.Context, summary model.UsageSummary) error {
	return s.client.InsertDocument(ctx, arangodb.CollectionUsage, summary)
}

// Package typesense wraps the Typesense search client with the small surface
// memory recall needs: one collection of memory documents, upsert-on-write,
// and ranked full-text search.
package typesense

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/typesense/typesense-go/v4/typesense"
	"github.com/typesense/typesense-go/v4/typesense/api"
	"github.com/typesense/typesense-go/v4/typesense/api/pointer"
)

const collectionName = "memories"

// Document is one memory as indexed for search.
type Document struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	Summary   string `json:"summary"`
	Pinned    bool   `json:"pinned"`
	CreatedAt int64  `json:"created_at"`
}

// Hit is one ranked search result; only the document id is kept.
type Hit struct {
	ID string
}

type Client interface {
	EnsureCollection(ctx context.Context) error
	Upsert(ctx context.Context, doc Document) error
	Search(ctx context.Context, query string, limit int) ([]Hit, error)
}

type Config struct {
	URL    string
	APIKey string
}

func (c Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("typesense URL is required")
	}
	if c.APIKey == "" {
		return fmt.Errorf("typesense API key is required")
	}
	return nil
}

type client struct {
	ts *typesense.Client
}

func New(cfg Config) (Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("typesense config: %w", err)
	}

	ts := typesense.NewClient(
		typesense.WithServer(cfg.URL),
		typesense.WithAPIKey(cfg.APIKey),
		typesense.WithConnectionTimeout(10*time.Second),
	)

	return &client{ts: ts}, nil
}

func (c *client) EnsureCollection(ctx context.Context) error {
	if _, err := c.ts.Collection(collectionName).Retrieve(ctx); err == nil {
		return nil
	}

	schema := &api.CollectionSchema{
		Name: collectionName,
		Fields: []api.Field{
			{Name: "content", Type: "string"},
			{Name: "summary", Type: "string"},
			{Name: "pinned", Type: "bool", Facet: pointer.True()},
			{Name: "created_at", Type: "int64", Sort: pointer.True()},
		},
		DefaultSortingField: pointer.String("created_at"),
	}

	if _, err := c.ts.Collections().Create(ctx, schema); err != nil {
		return fmt.Errorf("create typesense collection: %w", err)
	}

	slog.InfoContext(ctx, "typesense collection created", "collection", collectionName)
	return nil
}

func (c *client) Upsert(ctx context.Context, doc Document) error {
	if _, err := c.ts.Collection(collectionName).Documents().Upsert(ctx, doc, nil); err != nil {
		return fmt.Errorf("upsert typesense document: %w", err)
	}
	return nil
}

// Search runs a ranked full-text query over content and summary.
func (c *client) Search(ctx context.Context, query string, limit int) ([]Hit, error) {
	start := time.Now()

	params := &api.SearchCollectionParams{
		Q:       pointer.String(query),
		QueryBy: pointer.String("content,summary"),
		PerPage: pointer.Int(limit),
	}

	result, err := c.ts.Collection(collectionName).Documents().Search(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("typesense search: %w", err)
	}

	var hits []Hit
	if result.Hits != nil {
		for _, h := range *result.Hits {
			if h.Document == nil {
				continue
			}
			id, ok := (*h.Document)["id"].(string)
			if !ok {
				continue
			}
			hits = append(hits, Hit{ID: id})
		}
	}

	slog.DebugContext(ctx, "typesense search completed",
		"query_len", len(query),
		"hits", len(hits),
		"duration_ms", time.Since(start).Milliseconds())
	return hits, nil
}

// Package arangodb wraps the ArangoDB driver with the narrow document-store
// surface the agent needs: collection/index bootstrap, inserts, updates, and
// AQL queries over the durable record collections.
package arangodb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/arangodb/go-driver/v2/arangodb"
	"github.com/arangodb/go-driver/v2/arangodb/shared"
	"github.com/arangodb/go-driver/v2/connection"
	"github.com/arangodb/go-driver/v2/utils"
)

var ErrNotFound = errors.New("document not found")

type Client interface {
	// Setup operations
	EnsureDatabase(ctx context.Context) error
	EnsureCollections(ctx context.Context) error
	EnsureSearchView(ctx context.Context) error

	// Document operations
	InsertDocument(ctx context.Context, collection string, doc any) error
	UpdateDocument(ctx context.Context, collection, key string, patch any) error

	// Query executes an AQL query and calls read once per result row.
	Query(ctx context.Context, aql string, bindVars map[string]any, read func(decode func(out any) error) error) error

	// Utility
	Close() error
}

type Config struct {
	URL      string
	Username string
	Password string
	Database string
}

func (c Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("arangodb URL is required")
	}
	if c.Username == "" {
		return fmt.Errorf("arangodb username is required")
	}
	if c.Database == "" {
		return fmt.Errorf("arangodb database name is required")
	}
	return nil
}

type client struct {
	conn         connection.Connection
	arangoClient arangodb.Client
	db           arangodb.Database
	cfg          Config
}

func New(ctx context.Context, cfg Config) (Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("arangodb config: %w", err)
	}

	endpoint := connection.NewRoundRobinEndpoints([]string{cfg.URL}) // round robins from the urls. we just have one for now
	conn := connection.NewHttp2Connection(connection.DefaultHTTP2ConfigurationWrapper(endpoint, true))

	auth := connection.NewBasicAuth(cfg.Username, cfg.Password)
	if err := conn.SetAuthentication(auth); err != nil {
		return nil, fmt.Errorf("arangodb auth: %w", err)
	}

	arangoClient := arangodb.NewClient(conn)

	c := &client{
		conn:         conn,
		arangoClient: arangoClient,
		cfg:          cfg,
	}

	return c, nil
}

func (c *client) Close() error {
	return nil
}

func (c *client) EnsureDatabase(ctx context.Context) error {
	start := time.Now()

	exists, err := c.arangoClient.DatabaseExists(ctx, c.cfg.Database)
	if err != nil {
		return fmt.Errorf("check database exists: %w", err)
	}

	if !exists {
		_, err = c.arangoClient.CreateDatabase(ctx, c.cfg.Database, nil)
		if err != nil {
			return fmt.Errorf("create database: %w", err)
		}
		slog.InfoContext(ctx, "arangodb database created",
			"database", c.cfg.Database,
			"duration_ms", time.Since(start).Milliseconds())
	}

	db, err := c.arangoClient.GetDatabase(ctx, c.cfg.Database, nil)
	if err != nil {
		return fmt.Errorf("get database: %w", err)
	}
	c.db = db

	return nil
}

func (c *client) EnsureCollections(ctx context.Context) error {
	if c.db == nil {
		return fmt.Errorf("database not initialized, call EnsureDatabase first")
	}

	collections := []string{CollectionMemories, CollectionGenerated, CollectionIterLogs, CollectionUsage}
	for _, name := range collections {
		if err := c.ensureCollection(ctx, name); err != nil {
			return err
		}
	}

	if err := c.ensureIndexes(ctx); err != nil {
		return fmt.Errorf("ensure indexes: %w", err)
	}

	return nil
}

func (c *client) ensureCollection(ctx context.Context, name string) error {
	exists, err := c.db.CollectionExists(ctx, name)
	if err != nil {
		return fmt.Errorf("check collection %s exists: %w", name, err)
	}

	if !exists {
		colType := arangodb.CollectionTypeDocument
		props := &arangodb.CreateCollectionPropertiesV2{Type: &colType}

		_, err = c.db.CreateCollectionV2(ctx, name, props)
		if err != nil {
			return fmt.Errorf("create collection %s: %w", name, err)
		}
		slog.InfoContext(ctx, "arangodb collection created", "collection", name)
	}

	return nil
}

// ensureIndexes creates the indexes the context-assembly and recall queries
// depend on: memories by (pinned, createdAt) and (createdAt), generated-call
// records by (timestamp) and (iterationId), iteration logs by (createdAt).
func (c *client) ensureIndexes(ctx context.Context) error {
	type indexSpec struct {
		collection string
		name       string
		fields     []string
	}

	specs := []indexSpec{
		{CollectionMemories, "idx_pinned_created", []string{"pinned", "createdAt"}},
		{CollectionMemories, "idx_created", []string{"createdAt"}},
		{CollectionGenerated, "idx_created", []string{"timestamp"}},
		{CollectionGenerated, "idx_iteration", []string{"iterationId"}},
		{CollectionIterLogs, "idx_created", []string{"createdAt"}},
	}

	for _, spec := range specs {
		col, err := c.db.GetCollection(ctx, spec.collection, nil)
		if err != nil {
			return fmt.Errorf("get collection %s: %w", spec.collection, err)
		}

		_, isNew, err := col.EnsurePersistentIndex(ctx, spec.fields, &arangodb.CreatePersistentIndexOptions{
			Name: spec.name,
		})
		if err != nil {
			return fmt.Errorf("ensure index %s on %s: %w", spec.name, spec.collection, err)
		}
		if isNew {
			slog.InfoContext(ctx, "arangodb index created",
				"collection", spec.collection,
				"index", spec.name)
		}
	}

	return nil
}

// EnsureSearchView creates the ArangoSearch view over memories' content and
// summary fields, which backs the first pass of full-text recall when no
// Typesense instance is configured.
func (c *client) EnsureSearchView(ctx context.Context) error {
	if c.db == nil {
		return fmt.Errorf("database not initialized, call EnsureDatabase first")
	}

	exists, err := c.db.ViewExists(ctx, ViewMemorySearch)
	if err != nil {
		return fmt.Errorf("check view exists: %w", err)
	}
	if exists {
		return nil
	}

	props := &arangodb.ArangoSearchViewProperties{
		Links: arangodb.ArangoSearchLinks{
			CollectionMemories: arangodb.ArangoSearchElementProperties{
				Analyzers:        []string{"text_en"},
				IncludeAllFields: utils.NewType(false),
				Fields: arangodb.ArangoSearchFields{
					"content": arangodb.ArangoSearchElementProperties{},
					"summary": arangodb.ArangoSearchElementProperties{},
				},
			},
		},
	}

	if _, err := c.db.CreateArangoSearchView(ctx, ViewMemorySearch, props); err != nil {
		return fmt.Errorf("create search view: %w", err)
	}

	slog.InfoContext(ctx, "arangodb search view created", "view", ViewMemorySearch)
	return nil
}

func (c *client) InsertDocument(ctx context.Context, collection string, doc any) error {
	if c.db == nil {
		return fmt.Errorf("database not initialized")
	}

	start := time.Now()
	col, err := c.db.GetCollection(ctx, collection, nil)
	if err != nil {
		return fmt.Errorf("get collection %s: %w", collection, err)
	}

	if _, err := col.CreateDocument(ctx, doc); err != nil {
		return fmt.Errorf("create document in %s: %w", collection, err)
	}

	slog.DebugContext(ctx, "arangodb document inserted",
		"collection", collection,
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}

func (c *client) UpdateDocument(ctx context.Context, collection, key string, patch any) error {
	if c.db == nil {
		return fmt.Errorf("database not initialized")
	}

	col, err := c.db.GetCollection(ctx, collection, nil)
	if err != nil {
		return fmt.Errorf("get collection %s: %w", collection, err)
	}

	if _, err := col.UpdateDocument(ctx, key, patch); err != nil {
		if shared.IsNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("update document %s/%s: %w", collection, key, err)
	}
	return nil
}

// Query executes aql and invokes read once per row; read receives a decode
// callback bound to the current row.
func (c *client) Query(ctx context.Context, aql string, bindVars map[string]any, read func(decode func(out any) error) error) error {
	if c.db == nil {
		return fmt.Errorf("database not initialized")
	}

	start := time.Now()
	cursor, err := c.db.Query(ctx, aql, &arangodb.QueryOptions{
		BindVars: bindVars,
	})
	if err != nil {
		return fmt.Errorf("execute query: %w", err)
	}
	defer cursor.Close()

	rows := 0
	for cursor.HasMore() {
		decode := func(out any) error {
			_, err := cursor.ReadDocument(ctx, out)
			return err
		}
		if err := read(decode); err != nil {
			return err
		}
		rows++
	}

	slog.DebugContext(ctx, "arangodb query completed",
		"rows", rows,
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}

package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"github.com/outpost-dev/selfmod/common/arangodb"
	"github.com/outpost-dev/selfmod/common/id"
	"github.com/outpost-dev/selfmod/common/llm"
	"github.com/outpost-dev/selfmod/common/logger"
	"github.com/outpost-dev/selfmod/common/otel"
	"github.com/outpost-dev/selfmod/common/typesense"
	"github.com/outpost-dev/selfmod/core/config"
	"github.com/outpost-dev/selfmod/internal/brain"
	"github.com/outpost-dev/selfmod/internal/cihost"
	"github.com/outpost-dev/selfmod/internal/driver"
	"github.com/outpost-dev/selfmod/internal/gitx"
	"github.com/outpost-dev/selfmod/internal/indexer"
	"github.com/outpost-dev/selfmod/internal/memory"
	"github.com/outpost-dev/selfmod/internal/model"
	"github.com/outpost-dev/selfmod/internal/modelcall"
	"github.com/outpost-dev/selfmod/internal/redisx"
	"github.com/outpost-dev/selfmod/internal/store"
	"github.com/outpost-dev/selfmod/internal/tools"
)

func main() {
	ctx := context.Background()

	_ = godotenv.Load() // optional .env for local development

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		slog.ErrorContext(ctx, "invalid configuration", "error", err)
		os.Exit(1)
	}

	telemetry, err := otel.Setup(ctx, cfg.OTel)
	if err != nil {
		slog.ErrorContext(ctx, "failed to set up telemetry", "error", err)
		os.Exit(1)
	}
	if telemetry != nil {
		defer func() {
			if err := telemetry.Shutdown(ctx); err != nil {
				slog.WarnContext(ctx, "telemetry shutdown failed", "error", err)
			}
		}()
	}

	logger.Setup(cfg)

	slog.InfoContext(ctx, "selfmod agent starting",
		"env", cfg.Env,
		"repo", cfg.GitHostOwner+"/"+cfg.GitHostRepo,
		"workspace", cfg.WorkspacePath)

	if err := id.Init(1); err != nil {
		slog.ErrorContext(ctx, "failed to initialize id generator", "error", err)
		os.Exit(1)
	}

	st, err := buildStore(ctx, cfg)
	if err != nil {
		slog.ErrorContext(ctx, "failed to build store", "error", err)
		os.Exit(1)
	}
	if err := st.Connect(ctx); err != nil {
		slog.ErrorContext(ctx, "failed to connect store", "error", err)
		os.Exit(1)
	}

	lock, backoffs := buildCoordination(ctx, cfg)

	client, err := llm.NewClient(cfg.AnthropicAPIKey, llm.RetryConfig{
		MaxRetries:     cfg.Retries.MaxAPIRetries,
		InitialBackoff: cfg.Retries.InitialBackoff,
		MaxBackoff:     cfg.Retries.MaxBackoff,
	}, llm.WithBackoffStore(backoffs))
	if err != nil {
		slog.ErrorContext(ctx, "failed to create model client", "error", err)
		os.Exit(1)
	}

	host, err := cihost.NewGitLab(cihost.Config{
		BaseURL: cfg.GitHostURL,
		Token:   cfg.GitHostToken,
		Owner:   cfg.GitHostOwner,
		Repo:    cfg.GitHostRepo,
		Author:  cfg.AgentPrefix,
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to create code host client", "error", err)
		os.Exit(1)
	}

	ix := indexer.New(cfg.WorkspacePath)

	// The workspace repo handle exists only after the driver clones;
	// closures below read it lazily.
	var repo *gitx.Repo

	// Memory depends on a summarizer backed by the caller, and the caller's
	// planner context depends on memory; the cycle is broken by capturing
	// the service pointer lazily in the source closures.
	var mem *memory.Service

	caller := modelcall.New(client, cfg, st, brain.SystemPrompts(), modelcall.Sources{
		Codebase: func(ctx context.Context) (string, error) {
			snap, err := ix.Snapshot(ctx)
			if err != nil {
				return "", err
			}
			return snap.Context(), nil
		},
		Memory: func(ctx context.Context) (string, error) {
			if mem == nil {
				return "", nil
			}
			return mem.Context(ctx)
		},
		GitLog: func(ctx context.Context) (string, error) {
			if repo == nil {
				return "", nil
			}
			return repo.RecentLog(10)
		},
		Coverage: func(ctx context.Context) (string, error) {
			return host.LatestMainCoverage(ctx)
		},
	})

	memOpts := []memory.Option{}
	if cfg.Typesense.URL != "" {
		ts, err := typesense.New(typesense.Config{URL: cfg.Typesense.URL, APIKey: cfg.Typesense.APIKey})
		if err != nil {
			slog.ErrorContext(ctx, "failed to create search index client", "error", err)
			os.Exit(1)
		}
		if err := ts.EnsureCollection(ctx); err != nil {
			slog.ErrorContext(ctx, "failed to ensure search collection", "error", err)
			os.Exit(1)
		}
		memOpts = append(memOpts, memory.WithSearchIndex(ts))
	}
	mem = memory.New(st, modelcall.NewSummarizer(caller), memOpts...)

	brainDeps := brain.Deps{
		Caller: caller,
		Phases: cfg.Phases,
		NewRegistry: func() *tools.Registry {
			return tools.NewRegistry(tools.Deps{
				Root:   cfg.WorkspacePath,
				Repo:   repo,
				Index:  ix,
				Memory: mem,
			})
		},
	}

	d := driver.New(driver.Deps{
		Cfg:     cfg,
		Store:   st,
		Memory:  mem,
		Host:    host,
		CI:      cihost.NewWatcher(host, cfg.CI),
		Planner: brain.NewPlanner(brainDeps),
		NewBuilder: func(plan model.Plan) driver.Builder {
			return brain.NewBuilder(brainDeps, plan)
		},
		Reflector: brain.NewReflector(caller, mem),
		Lock:      lock,
		NewWorkspace: func(ctx context.Context) (driver.Workspace, error) {
			r, err := gitx.CloneFresh(ctx, gitx.CloneOptions{
				RemoteURL:      remoteURL(cfg),
				Token:          cfg.GitHostToken,
				Dir:            cfg.WorkspacePath,
				CommitterName:  cfg.AgentPrefix,
				CommitterEmail: cfg.AgentPrefix + "@users.noreply",
			})
			if err != nil {
				return nil, err
			}
			repo = r
			return r, nil
		},
		Buffer: logger.Buffer(),
		RefreshIndex: func(ctx context.Context) error {
			_, err := ix.Refresh(ctx)
			return err
		},
	})

	if err := d.Run(ctx); err != nil {
		slog.ErrorContext(ctx, "agent run failed", "error", err)
		os.Exit(1)
	}

	slog.InfoContext(ctx, "agent run completed")
}

func buildStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	if cfg.IsProduction() {
		client, err := arangodb.New(ctx, arangodb.Config{
			URL:      cfg.Store.URL,
			Username: cfg.Store.Username,
			Password: cfg.Store.Password,
			Database: cfg.Store.Database,
		})
		if err != nil {
			return nil, err
		}
		return store.NewArango(client), nil
	}
	slog.InfoContext(ctx, "using in-memory store", "env", cfg.Env)
	return store.NewInMemory(), nil
}

// buildCoordination selects the Redis-backed run lock and backoff store
// when a Redis URL is configured, or the in-process fallbacks otherwise.
func buildCoordination(ctx context.Context, cfg config.Config) (redisx.Lock, redisx.BackoffStore) {
	if cfg.Redis.URL == "" {
		slog.InfoContext(ctx, "no redis configured; using in-process run lock")
		return redisx.NewProcessLock(), redisx.NewMemBackoffStore()
	}

	client, err := redisx.NewClient(ctx, cfg.Redis.URL)
	if err != nil {
		slog.WarnContext(ctx, "redis unavailable, falling back to in-process lock", "error", err)
		return redisx.NewProcessLock(), redisx.NewMemBackoffStore()
	}
	return redisx.NewLock(client, cfg.AgentPrefix), redisx.NewBackoffStore(client)
}

func remoteURL(cfg config.Config) string {
	base := cfg.GitHostURL
	if base == "" {
		base = "https://gitlab.com"
	}
	return base + "/" + cfg.GitHostOwner + "/" + cfg.GitHostRepo + ".git"
}

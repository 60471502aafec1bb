// Package memory is the agent's cross-iteration learning substrate:
// summarize-on-write durable notes with pinned "notes to self" and a
// two-pass recall (full-text search, then regex fallback).
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/outpost-dev/selfmod/common/id"
	"github.com/outpost-dev/selfmod/common/logger"
	"github.com/outpost-dev/selfmod/common/typesense"
	"github.com/outpost-dev/selfmod/internal/model"
	"github.com/outpost-dev/selfmod/internal/store"
)

// EmptyContext is returned by Context when no memories exist at all.
const EmptyContext = "No memories yet. This is your first run."

const recallLimit = 5

// Summarizer is the narrow model capability this package depends on instead
// of the full model client, breaking the Driver <-> Memory <-> Model Client
// cycle. The Driver wires one backed by the model client at startup.
type Summarizer interface {
	Summarize(ctx context.Context, text string) (string, error)
	SummarizeBatch(ctx context.Context, texts []string) ([]string, error)
}

// Service owns memory writes and reads. The Typesense index is optional:
// when absent, the store's own full-text pass serves recall's first pass.
type Service struct {
	store       store.Store
	search      typesense.Client
	summarizer  Summarizer
	tokenBudget int

	now func() time.Time
}

type Option func(*Service)

// WithSearchIndex attaches a Typesense index kept in sync on writes.
func WithSearchIndex(ts typesense.Client) Option {
	return func(s *Service) { s.search = ts }
}

// WithTokenBudget overrides the soft token budget for Context.
func WithTokenBudget(tokens int) Option {
	return func(s *Service) { s.tokenBudget = tokens }
}

func withClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func New(st store.Store, summarizer Summarizer, opts ...Option) *Service {
	s := &Service{
		store:       st,
		summarizer:  summarizer,
		tokenBudget: 2000,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store persists an unpinned past memory with a model-generated summary.
func (s *Service) Store(ctx context.Context, content string) (model.Memory, error) {
	return s.write(ctx, content, false)
}

// Pin persists a pinned note to self, visible in every context until
// explicitly dismissed.
func (s *Service) Pin(ctx context.Context, content string) (model.Memory, error) {
	return s.write(ctx, content, true)
}

func (s *Service) write(ctx context.Context, content string, pinned bool) (model.Memory, error) {
	summary, err := s.summarizer.Summarize(ctx, content)
	if err != nil {
		return model.Memory{}, fmt.Errorf("summarize memory: %w", err)
	}

	m, err := model.NewMemory(strconv.FormatInt(id.New(), 10), content, summary, pinned, s.now())
	if err != nil {
		return model.Memory{}, err
	}

	if err := s.store.InsertMemory(ctx, m); err != nil {
		return model.Memory{}, fmt.Errorf("persist memory: %w", err)
	}
	s.index(ctx, m)

	slog.DebugContext(ctx, "memory stored",
		"memory_id", m.ID,
		"pinned", pinned,
		"summary", logger.Truncate(summary, 80))
	return m, nil
}

// StoreMany persists several unpinned memories in one batch-summarized pass.
// The batch path halves summarization cost; a single entry degrades to the
// single-call path.
func (s *Service) StoreMany(ctx context.Context, contents []string) ([]model.Memory, error) {
	switch len(contents) {
	case 0:
		return nil, nil
	case 1:
		m, err := s.Store(ctx, contents[0])
		if err != nil {
			return nil, err
		}
		return []model.Memory{m}, nil
	}

	summaries, err := s.summarizer.SummarizeBatch(ctx, contents)
	if err != nil {
		return nil, fmt.Errorf("batch summarize memories: %w", err)
	}
	if len(summaries) != len(contents) {
		return nil, fmt.Errorf("batch summarize returned %d summaries for %d memories", len(summaries), len(contents))
	}

	out := make([]model.Memory, 0, len(contents))
	for i, content := range contents {
		m, err := model.NewMemory(strconv.FormatInt(id.New(), 10), content, summaries[i], false, s.now())
		if err != nil {
			return out, err
		}
		if err := s.store.InsertMemory(ctx, m); err != nil {
			return out, fmt.Errorf("persist memory: %w", err)
		}
		s.index(ctx, m)
		out = append(out, m)
	}
	return out, nil
}

// Unpin dismisses a note to self; pinned only ever moves true->false here.
func (s *Service) Unpin(ctx context.Context, memoryID string) error {
	if err := s.store.SetMemoryPinned(ctx, memoryID, false); err != nil {
		return fmt.Errorf("unpin memory %s: %w", memoryID, err)
	}
	return nil
}

// Get returns the full content of one memory, for on-demand retrieval of
// entries whose context line only showed the summary.
func (s *Service) Get(ctx context.Context, memoryID string) (model.Memory, error) {
	return s.store.GetMemory(ctx, memoryID)
}

func (s *Service) index(ctx context.Context, m model.Memory) {
	if s.search == nil {
		return
	}
	err := s.search.Upsert(ctx, typesense.Document{
		ID:        m.ID,
		Content:   m.Content,
		Summary:   m.Summary,
		Pinned:    m.Pinned,
		CreatedAt: m.CreatedAt.Unix(),
	})
	if err != nil {
		slog.WarnContext(ctx, "memory search index update failed", "memory_id", m.ID, "error", err)
	}
}

// Context assembles the "past memories" context string: all pinned notes
// first (always included), then unpinned summaries newest-first until the
// soft token budget (chars/4) runs out.
func (s *Service) Context(ctx context.Context) (string, error) {
	pinnedOnly := true
	pinned, err := s.store.ListMemories(ctx, store.ListMemoriesOptions{Pinned: &pinnedOnly})
	if err != nil {
		return "", fmt.Errorf("list pinned memories: %w", err)
	}

	unpinnedOnly := false
	past, err := s.store.ListMemories(ctx, store.ListMemoriesOptions{Pinned: &unpinnedOnly})
	if err != nil {
		return "", fmt.Errorf("list past memories: %w", err)
	}

	if len(pinned) == 0 && len(past) == 0 {
		return EmptyContext, nil
	}

	var b strings.Builder
	if len(pinned) > 0 {
		b.WriteString("## Notes to self\n")
		for _, m := range pinned {
			b.WriteString(contextLine(m))
		}
	}

	if len(past) > 0 {
		header := "## Past\n"
		used := estimateTokens(b.String()) + estimateTokens(header)
		wroteHeader := false
		for _, m := range past {
			line := contextLine(m)
			if used+estimateTokens(line) > s.tokenBudget {
				break
			}
			if !wroteHeader {
				if b.Len() > 0 {
					b.WriteString("\n")
				}
				b.WriteString(header)
				wroteHeader = true
			}
			b.WriteString(line)
			used += estimateTokens(line)
		}
	}

	return strings.TrimRight(b.String(), "\n"), nil
}

func contextLine(m model.Memory) string {
	return fmt.Sprintf("- (%s) [%s] %s\n", m.ID, m.CreatedAt.Format("2006-01-02 15:04"), m.Summary)
}

// estimateTokens provides a rough token count estimate (4 chars per token).
func estimateTokens(s string) int {
	return len(s) / 4
}

// Recall answers a query in two passes: ranked full-text search first
// (Typesense when configured, the store's own index otherwise), then a
// regex fallback over summary+content with the query's metacharacters
// escaped. At most five results.
func (s *Service) Recall(ctx context.Context, query string) (string, error) {
	hits, err := s.fullTextPass(ctx, query)
	if err != nil {
		slog.WarnContext(ctx, "memory full-text pass failed, falling back to regex",
			"query", logger.Truncate(query, 60), "error", err)
		hits = nil
	}

	if len(hits) == 0 {
		hits, err = s.regexPass(ctx, query)
		if err != nil {
			return "", err
		}
	}

	if len(hits) == 0 {
		return fmt.Sprintf("No memories matching %q.", query), nil
	}

	var b strings.Builder
	for _, m := range hits {
		b.WriteString(contextLine(m))
		b.WriteString("  ")
		b.WriteString(strings.ReplaceAll(strings.TrimSpace(m.Content), "\n", "\n  "))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (s *Service) fullTextPass(ctx context.Context, query string) ([]model.Memory, error) {
	if s.search != nil {
		tsHits, err := s.search.Search(ctx, query, recallLimit)
		if err != nil {
			return nil, err
		}
		var out []model.Memory
		for _, h := range tsHits {
			m, err := s.store.GetMemory(ctx, h.ID)
			if err != nil {
				slog.WarnContext(ctx, "search hit missing from store", "memory_id", h.ID, "error", err)
				continue
			}
			out = append(out, m)
		}
		return out, nil
	}
	return s.store.SearchMemories(ctx, query, recallLimit)
}

func (s *Service) regexPass(ctx context.Context, query string) ([]model.Memory, error) {
	re, err := regexp.Compile("(?i)" + regexp.QuoteMeta(query))
	if err != nil {
		return nil, fmt.Errorf("compile recall pattern: %w", err)
	}

	all, err := s.store.ListMemories(ctx, store.ListMemoriesOptions{})
	if err != nil {
		return nil, fmt.Errorf("list memories for recall: %w", err)
	}

	var out []model.Memory
	for _, m := range all {
		if re.MatchString(m.Summary) || re.MatchString(m.Content) {
			out = append(out, m)
			if len(out) >= recallLimit {
				break
			}
		}
	}
	return out, nil
}

package memory

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/outpost-dev/selfmod/common/id"
	"github.com/outpost-dev/selfmod/internal/store"
)

type fakeSummarizer struct {
	calls      int
	batchCalls int
}

func (f *fakeSummarizer) Summarize(ctx context.Context, text string) (string, error) {
	f.calls++
	return "summary: " + firstLine(text), nil
}

func (f *fakeSummarizer) SummarizeBatch(ctx context.Context, texts []string) ([]string, error) {
	f.batchCalls++
	out := make([]string, len(texts))
	for i, t := range texts {
		out[i] = "summary: " + firstLine(t)
	}
	return out, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func newService(t *testing.T, opts ...Option) (*Service, *fakeSummarizer) {
	t.Helper()
	if err := id.Init(1); err != nil {
		t.Fatal(err)
	}
	sum := &fakeSummarizer{}
	return New(store.NewInMemory(), sum, opts...), sum
}

func TestContext_NoMemories(t *testing.T) {
	s, _ := newService(t)
	got, err := s.Context(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got != "No memories yet. This is your first run." {
		t.Errorf("empty context = %q", got)
	}
}

func TestContext_PinnedAlwaysIncluded_PastUnderBudget(t *testing.T) {
	clock := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	s, _ := newService(t, WithTokenBudget(60), withClock(func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}))
	ctx := context.Background()

	if _, err := s.Pin(ctx, "always check CI twice"); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		if _, err := s.Store(ctx, fmt.Sprintf("past event number %d with some detail", i)); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.Context(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if !strings.HasPrefix(got, "## Notes to self\n") {
		t.Errorf("context should lead with pinned notes, got %q", got)
	}
	if !strings.Contains(got, "always check CI twice") {
		t.Error("pinned summary missing from context")
	}

	pastCount := strings.Count(got, "past event number")
	if pastCount == 0 || pastCount == 10 {
		t.Errorf("budget should include some but not all past entries, got %d", pastCount)
	}

	// Newest past entry wins the budget race.
	if !strings.Contains(got, "past event number 9") {
		t.Error("newest past entry should appear first")
	}
}

func TestRecall_FullTextThenRegexFallback(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()

	if _, err := s.Store(ctx, "merged the branch selfmod-agent/add-tests after one fix"); err != nil {
		t.Fatal(err)
	}

	// Full-text pass hits on plain terms.
	got, err := s.Recall(ctx, "merged branch")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got, "add-tests") {
		t.Errorf("full-text recall missed: %q", got)
	}

	// The fallback escapes regex metacharacters, so a slashed branch name
	// matches literally instead of blowing up compilation.
	hits, err := s.regexPass(ctx, "selfmod-agent/add-tests")
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 {
		t.Fatalf("regex fallback hits = %d, want 1", len(hits))
	}

	got, err = s.Recall(ctx, "nothing matches this at all zzz")
	if err != nil {
		t.Fatal(err)
	}
	want := `No memories matching "nothing matches this at all zzz".`
	if got != want {
		t.Errorf("no-hit recall = %q, want %q", got, want)
	}
}

func TestStoreMany_UsesBatchSummarization(t *testing.T) {
	s, sum := newService(t)
	ctx := context.Background()

	ms, err := s.StoreMany(ctx, []string{"lesson one", "lesson two", "lesson three"})
	if err != nil {
		t.Fatal(err)
	}
	if len(ms) != 3 {
		t.Fatalf("got %d memories, want 3", len(ms))
	}
	if sum.batchCalls != 1 {
		t.Errorf("batch summarizer calls = %d, want 1", sum.batchCalls)
	}
	if sum.calls != 0 {
		t.Errorf("single summarizer calls = %d, want 0", sum.calls)
	}
	for _, m := range ms {
		if m.Summary == "" {
			t.Error("memory with empty summary persisted")
		}
		if m.Pinned {
			t.Error("StoreMany should write unpinned memories")
		}
	}
}

func TestUnpin_MakesNoteInvisibleInNotes(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()

	m, err := s.Pin(ctx, "temporary goal")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Unpin(ctx, m.ID); err != nil {
		t.Fatal(err)
	}

	got, err := s.Context(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(got, "## Notes to self") {
		t.Errorf("unpinned note still shown as note to self: %q", got)
	}
	if !strings.Contains(got, "temporary goal") {
		t.Errorf("unpinned note should remain as past memory: %q", got)
	}
}

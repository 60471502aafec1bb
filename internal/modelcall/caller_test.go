package modelcall

import (
	"context"
	"math"
	"strings"
	"testing"

	"github.com/outpost-dev/selfmod/common/id"
	"github.com/outpost-dev/selfmod/common/llm"
	"github.com/outpost-dev/selfmod/common/logger"
	"github.com/outpost-dev/selfmod/core/config"
	"github.com/outpost-dev/selfmod/internal/store"
)

type fakeClient struct {
	calls      []llm.Request
	batchCalls [][]llm.BatchRequest
	usage      llm.Usage
}

func (f *fakeClient) Call(ctx context.Context, req llm.Request) (*llm.Response, error) {
	f.calls = append(f.calls, req)
	return &llm.Response{
		Message:    llm.NewAssistantMessage(llm.NewTextBlock("ok")),
		Usage:      f.usage,
		StopReason: "end_turn",
	}, nil
}

func (f *fakeClient) CallBatch(ctx context.Context, reqs []llm.BatchRequest) ([]llm.BatchResult, error) {
	f.batchCalls = append(f.batchCalls, reqs)
	out := make([]llm.BatchResult, len(reqs))
	for i, r := range reqs {
		out[i] = llm.BatchResult{
			CustomID: r.CustomID,
			Response: &llm.Response{
				Message:    llm.NewAssistantMessage(llm.NewTextBlock("ok")),
				Usage:      f.usage,
				StopReason: "end_turn",
			},
		}
	}
	return out, nil
}

func newCaller(t *testing.T, client llm.Client, st store.Store) *Caller {
	t.Helper()
	if err := id.Init(1); err != nil {
		t.Fatal(err)
	}
	cfg := config.Config{
		Phases: map[config.Phase]config.PhaseConfig{
			config.PhasePlanner:    {Model: "claude-sonnet-4-5-20250514", MaxTokens: 1024},
			config.PhaseSummarizer: {Model: "claude-haiku-4-5-20251001", MaxTokens: 256},
		},
		Summarization: config.SummarizationConfig{ProtectedTurns: 1, ToolResultMaxChars: 100, AssistantMaxChars: 2000},
	}
	prompts := map[config.Phase]string{
		config.PhasePlanner:    "You plan changes.",
		config.PhaseSummarizer: SummarizerPrompt,
	}
	return New(client, cfg, st, prompts, Sources{
		Memory: func(ctx context.Context) (string, error) { return "No memories yet.", nil },
	})
}

func TestCall_RecordsCostAndIterationID(t *testing.T) {
	client := &fakeClient{usage: llm.Usage{InputTokens: 1000, OutputTokens: 500}}
	st := store.NewInMemory()
	c := newCaller(t, client, st)

	ctx := logger.WithLogFields(context.Background(), logger.LogFields{IterationID: logger.Ptr(int64(7))})
	if _, err := c.Call(ctx, config.PhasePlanner, []llm.Message{llm.NewUserMessage(llm.NewTextBlock("plan"))}, nil); err != nil {
		t.Fatal(err)
	}

	recs, err := st.ListGeneratedByIteration(ctx, 7)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	rec := recs[0]
	want := llm.ComputeCost("claude-sonnet-4-5-20250514", client.usage, false)
	if math.Abs(rec.CostUSD-want) > 1e-12 {
		t.Errorf("cost = %v, want %v", rec.CostUSD, want)
	}
	if rec.Batch {
		t.Error("single call should not be flagged batch")
	}
	if rec.Phase != config.PhasePlanner {
		t.Errorf("phase = %s", rec.Phase)
	}
}

func TestCall_SystemBlocksPerPhase(t *testing.T) {
	client := &fakeClient{}
	c := newCaller(t, client, store.NewInMemory())
	ctx := context.Background()

	if _, err := c.Call(ctx, config.PhasePlanner, []llm.Message{llm.NewUserMessage(llm.NewTextBlock("x"))}, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Call(ctx, config.PhaseSummarizer, []llm.Message{llm.NewUserMessage(llm.NewTextBlock("x"))}, nil); err != nil {
		t.Fatal(err)
	}

	planner := client.calls[0]
	foundMemory := false
	for _, b := range planner.System {
		if strings.Contains(b.Text, "No memories yet") {
			foundMemory = true
		}
		if !b.CacheControl {
			t.Error("system blocks should be cache-tagged")
		}
	}
	if !foundMemory {
		t.Error("planner system context should include memories")
	}

	summarizer := client.calls[1]
	for _, b := range summarizer.System {
		if strings.Contains(b.Text, "No memories yet") {
			t.Error("summarizer should not receive memory context")
		}
	}
}

func TestCall_CompressesOldToolResults(t *testing.T) {
	client := &fakeClient{}
	c := newCaller(t, client, store.NewInMemory())
	ctx := context.Background()

	big := strings.Repeat("line\n", 200)
	msgs := []llm.Message{
		llm.NewUserMessage(llm.NewTextBlock("start")),
		llm.NewAssistantMessage(llm.NewToolUseBlock("t1", "read_file", []byte(`{"path":"src/a.ts"}`))),
		llm.NewUserMessage(llm.NewToolResultBlock("t1", big, false)),
		llm.NewAssistantMessage(llm.NewToolUseBlock("t2", "read_file", []byte(`{"path":"src/b.ts"}`))),
		llm.NewUserMessage(llm.NewToolResultBlock("t2", big, false)),
	}

	if _, err := c.Call(ctx, config.PhasePlanner, msgs, nil); err != nil {
		t.Fatal(err)
	}

	sent := client.calls[0].Messages
	if sent[2].Blocks[0].Content == big {
		t.Error("old tool result should be compressed before the call")
	}
	if sent[4].Blocks[0].Content != big {
		t.Error("protected-turn tool result must be untouched")
	}
}

func TestCallBatch_RecordsHalvedCostPerRow(t *testing.T) {
	usage := llm.Usage{InputTokens: 2000, OutputTokens: 1000}
	client := &fakeClient{usage: usage}
	st := store.NewInMemory()
	c := newCaller(t, client, st)

	ctx := logger.WithLogFields(context.Background(), logger.LogFields{IterationID: logger.Ptr(int64(9))})
	lists := [][]llm.Message{
		{llm.NewUserMessage(llm.NewTextBlock("one"))},
		{llm.NewUserMessage(llm.NewTextBlock("two"))},
	}
	resps, err := c.CallBatch(ctx, config.PhaseSummarizer, lists)
	if err != nil {
		t.Fatal(err)
	}
	if len(resps) != 2 {
		t.Fatalf("got %d responses, want 2", len(resps))
	}

	recs, err := st.ListGeneratedByIteration(ctx, 9)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}

	normal := llm.ComputeCost("claude-haiku-4-5-20251001", usage, false)
	var total float64
	for _, rec := range recs {
		if !rec.Batch {
			t.Error("batch rows must be flagged batch=true")
		}
		total += rec.CostUSD
	}
	if math.Abs(total-normal) > 1e-12 {
		t.Errorf("summed batch cost = %v, want %v (C*0.5 per row, two rows)", total, normal)
	}
}

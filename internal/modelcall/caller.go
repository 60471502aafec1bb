// Package modelcall is the phase-aware layer over the raw provider client:
// it assembles each phase's system context, compresses the running dialog,
// prices the returned usage, and persists a GeneratedCallRecord per call.
package modelcall

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/outpost-dev/selfmod/common/id"
	"github.com/outpost-dev/selfmod/common/llm"
	"github.com/outpost-dev/selfmod/common/logger"
	"github.com/outpost-dev/selfmod/core/config"
	"github.com/outpost-dev/selfmod/internal/compression"
	"github.com/outpost-dev/selfmod/internal/model"
	"github.com/outpost-dev/selfmod/internal/store"
)

// Sources supplies the dynamic system-context blocks. Each func may be nil
// when the corresponding context is unavailable; failures degrade to an
// omitted block rather than a failed call.
type Sources struct {
	Codebase func(ctx context.Context) (string, error)
	Memory   func(ctx context.Context) (string, error)
	GitLog   func(ctx context.Context) (string, error)
	Coverage func(ctx context.Context) (string, error)
}

// Caller executes model calls for a phase. One Caller serves the whole
// process; the iteration id is read from the calling context's log fields.
type Caller struct {
	client  llm.Client
	cfg     config.Config
	store   store.Store
	prompts map[config.Phase]string
	sources Sources

	now func() time.Time
}

func New(client llm.Client, cfg config.Config, st store.Store, prompts map[config.Phase]string, sources Sources) *Caller {
	return &Caller{
		client:  client,
		cfg:     cfg,
		store:   st,
		prompts: prompts,
		sources: sources,
		now:     time.Now,
	}
}

// Call runs one model call for a phase: system context assembly, dialog
// compression (except for the memory and summarizer phases, whose inputs
// are single short messages), the provider call, and best-effort recording.
func (c *Caller) Call(ctx context.Context, phase config.Phase, messages []llm.Message, tools []llm.Tool) (*llm.Response, error) {
	pc, ok := c.cfg.Phases[phase]
	if !ok {
		return nil, fmt.Errorf("no configuration for phase %q", phase)
	}

	req := llm.Request{
		Model:       pc.Model,
		MaxTokens:   pc.MaxTokens,
		System:      c.systemBlocks(ctx, phase),
		Messages:    c.maybeCompress(phase, messages),
		Tools:       tools,
		Temperature: pc.Temperature,
	}

	resp, err := c.client.Call(ctx, req)
	if err != nil {
		return nil, err
	}

	c.record(ctx, phase, req, resp, false)
	return resp, nil
}

// CallBatch submits one request per message list through the provider's
// batch endpoint and returns responses in input order. Each response is
// recorded with the batch flag (and the batch discount) applied.
func (c *Caller) CallBatch(ctx context.Context, phase config.Phase, messageLists [][]llm.Message) ([]*llm.Response, error) {
	pc, ok := c.cfg.Phases[phase]
	if !ok {
		return nil, fmt.Errorf("no configuration for phase %q", phase)
	}

	ts := c.now().UnixMilli()
	reqs := make([]llm.BatchRequest, len(messageLists))
	for i, msgs := range messageLists {
		reqs[i] = llm.BatchRequest{
			CustomID: fmt.Sprintf("req-%d-%d", ts, i),
			Request: llm.Request{
				Model:       pc.Model,
				MaxTokens:   pc.MaxTokens,
				System:      c.systemBlocks(ctx, phase),
				Messages:    c.maybeCompress(phase, msgs),
				Tools:       nil,
				Temperature: pc.Temperature,
			},
		}
	}

	results, err := c.client.CallBatch(ctx, reqs)
	if err != nil {
		return nil, err
	}

	out := make([]*llm.Response, len(results))
	for i, res := range results {
		out[i] = res.Response
		c.record(ctx, phase, reqs[i].Request, res.Response, true)
	}
	return out, nil
}

func (c *Caller) maybeCompress(phase config.Phase, messages []llm.Message) []llm.Message {
	if phase == config.PhaseMemory || phase == config.PhaseSummarizer {
		return messages
	}
	return compression.Compress(messages, c.cfg.Summarization)
}

// systemBlocks assembles the phase's system context: the phase prompt, the
// codebase snapshot (planner, builder, and fixer phases), and memory + git log +
// coverage (planner only). Every block is tagged cacheable.
func (c *Caller) systemBlocks(ctx context.Context, phase config.Phase) []llm.SystemBlock {
	var blocks []llm.SystemBlock
	if prompt, ok := c.prompts[phase]; ok && prompt != "" {
		blocks = append(blocks, llm.SystemBlock{Text: prompt, CacheControl: true})
	}

	addSource := func(label string, source func(ctx context.Context) (string, error)) {
		if source == nil {
			return
		}
		text, err := source(ctx)
		if err != nil {
			slog.WarnContext(ctx, "system context source failed", "source", label, "error", err)
			return
		}
		if text == "" {
			return
		}
		blocks = append(blocks, llm.SystemBlock{Text: "# " + label + "\n\n" + text, CacheControl: true})
	}

	if phase == config.PhasePlanner || phase == config.PhaseBuilder || phase == config.PhaseFixer {
		addSource("Codebase", c.sources.Codebase)
	}
	if phase == config.PhasePlanner {
		addSource("Memories", c.sources.Memory)
		addSource("Recent commits", c.sources.GitLog)
		addSource("Latest main coverage", c.sources.Coverage)
	}
	return blocks
}

// record persists a GeneratedCallRecord, best-effort: a store failure is
// logged and swallowed so accounting can never abort an iteration.
func (c *Caller) record(ctx context.Context, phase config.Phase, req llm.Request, resp *llm.Response, batch bool) {
	if resp == nil {
		return
	}

	var iterationID int64
	if fields := logger.GetLogFields(ctx); fields.IterationID != nil {
		iterationID = *fields.IterationID
	}

	rec := model.GeneratedCallRecord{
		ID:          strconv.FormatInt(id.New(), 10),
		Phase:       phase,
		Model:       req.Model,
		IterationID: iterationID,
		Usage:       resp.Usage,
		CostUSD:     llm.ComputeCost(req.Model, resp.Usage, batch),
		Batch:       batch,
		StopReason:  resp.StopReason,
		Timestamp:   c.now(),
	}
	rec.SerializedSystem = marshalOrNil(ctx, req.System)
	rec.SerializedMessages = marshalOrNil(ctx, req.Messages)
	rec.SerializedResponse = marshalOrNil(ctx, resp.Message)

	if err := c.store.InsertGenerated(ctx, rec); err != nil {
		slog.WarnContext(ctx, "recording model call failed",
			"phase", string(phase),
			"record_id", rec.ID,
			"error", err)
		return
	}

	slog.DebugContext(ctx, "model call recorded",
		"phase", string(phase),
		"model", req.Model,
		"cost_usd", rec.CostUSD,
		"batch", batch)
}

func marshalOrNil(ctx context.Context, v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		slog.WarnContext(ctx, "serializing call payload failed", "error", err)
		return nil
	}
	return raw
}

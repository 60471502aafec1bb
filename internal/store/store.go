// Package store is the persistence boundary for the agent's durable records:
// memories, generated-call records, iteration logs, and usage summaries. Two
// implementations exist behind the same interface: an ArangoDB-backed one for
// production and an in-memory one selected for dev/test.
package store

import (
	"context"
	"encoding/json"

	"github.com/outpost-dev/selfmod/common/llm"
	"github.com/outpost-dev/selfmod/internal/model"
)

// ListMemoriesOptions narrows ListMemories. A nil Pinned means both pinned
// and unpinned; Limit <= 0 means no limit. Results are always newest-first.
type ListMemoriesOptions struct {
	Pinned *bool
	Limit  int
}

type Store interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	InsertMemory(ctx context.Context, m model.Memory) error
	GetMemory(ctx context.Context, id string) (model.Memory, error)
	SetMemoryPinned(ctx context.Context, id string, pinned bool) error
	ListMemories(ctx context.Context, opts ListMemoriesOptions) ([]model.Memory, error)
	// SearchMemories is the store's own full-text pass over content+summary,
	// ranked by relevance.
	SearchMemories(ctx context.Context, query string, limit int) ([]model.Memory, error)

	InsertGenerated(ctx context.Context, rec model.GeneratedCallRecord) error
	ListGeneratedByIteration(ctx context.Context, iterationID int64) ([]model.GeneratedCallRecord, error)

	InsertIterationLog(ctx context.Context, log model.IterationLog) error
	InsertUsage(ctx context.Context, summary model.UsageSummary) error
}

// sanitizeGenerated strips provider-opaque thinking-block signatures from the
// record's serialized messages and response before persistence. The signature
// only matters while the live session echoes blocks back to the provider;
// keeping it durably would persist an opaque credential-like token for no
// reason. Applied by every Store implementation on InsertGenerated.
func sanitizeGenerated(rec model.GeneratedCallRecord) model.GeneratedCallRecord {
	rec.SerializedMessages = stripSignatures(rec.SerializedMessages)
	rec.SerializedResponse = stripSignatures(rec.SerializedResponse)
	return rec
}

func stripSignatures(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}

	var msgs []llm.Message
	if err := json.Unmarshal(raw, &msgs); err == nil {
		out, err := json.Marshal(model.StripThinkingSignatures(msgs))
		if err == nil {
			return out
		}
		return raw
	}

	var msg llm.Message
	if err := json.Unmarshal(raw, &msg); err == nil {
		stripped := model.StripThinkingSignatures([]llm.Message{msg})
		out, err := json.Marshal(stripped[0])
		if err == nil {
			return out
		}
	}
	return raw
}

package model

import (
	"encoding/json"
	"time"

	"github.com/outpost-dev/selfmod/common/llm"
	"github.com/outpost-dev/selfmod/core/config"
)

// GeneratedCallRecord is one row per language-model call: everything needed
// to reconstruct the call for audit, cost review, or replay. Thinking
// blocks' opaque Signature field is stripped from SerializedResponse before
// this record is persisted — the provider only needs it echoed back within
// the live session, not kept forever.
type GeneratedCallRecord struct {
	ID          string      `json:"id"`
	Phase       config.Phase `json:"phase"`
	Model       string      `json:"model"`
	IterationID int64       `json:"iterationId"`

	SerializedSystem   json.RawMessage `json:"serializedSystem"`
	SerializedMessages json.RawMessage `json:"serializedMessages"`
	SerializedResponse json.RawMessage `json:"serializedResponse"`

	Usage      llm.Usage `json:"usage"`
	CostUSD    float64   `json:"costUsd"`
	Batch      bool      `json:"batch"`
	StopReason string    `json:"stopReason"`
	Timestamp  time.Time `json:"timestamp"`
}

// StripThinkingSignatures returns a copy of msgs with every thinking block's
// Signature cleared, suitable for persistence.
func StripThinkingSignatures(msgs []llm.Message) []llm.Message {
	out := make([]llm.Message, len(msgs))
	for i, m := range msgs {
		blocks := make([]llm.Block, len(m.Blocks))
		for j, b := range m.Blocks {
			if b.Type == llm.BlockThinking {
				b.Signature = ""
			}
			blocks[j] = b
		}
		out[i] = llm.Message{Role: m.Role, Blocks: blocks}
	}
	return out
}

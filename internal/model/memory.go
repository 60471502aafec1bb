package model

import (
	"errors"
	"time"
)

// ErrEmptySummary guards Memory's non-empty-summary invariant.
var ErrEmptySummary = errors.New("memory: summary must be non-empty")

// Memory is one durable note the agent has chosen to keep across iterations.
// Summary is model-generated at write time and is the only form shown in
// "past memories" context; Content is the full text, retrievable on demand.
// Pinned entries are notes to self, visible until explicitly unpinned —
// Pinned only ever moves true->false via an explicit unpin, never the
// reverse from a later Store call.
type Memory struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Summary   string    `json:"summary"`
	Pinned    bool      `json:"pinned"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewMemory validates the summary invariant before construction.
func NewMemory(id, content, summary string, pinned bool, createdAt time.Time) (Memory, error) {
	if summary == "" {
		return Memory{}, ErrEmptySummary
	}
	return Memory{ID: id, Content: content, Summary: summary, Pinned: pinned, CreatedAt: createdAt}, nil
}

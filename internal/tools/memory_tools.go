package tools

import (
	"context"
	"encoding/json"
	"fmt"
)

type noteToSelfInput struct {
	Content string `json:"content" jsonschema:"description=The note to pin; stays visible in every future context until dismissed"`
}

type dismissNoteInput struct {
	ID string `json:"id" jsonschema:"description=The id of the pinned note to dismiss"`
}

type recallMemoryInput struct {
	Query string `json:"query" jsonschema:"description=What to search past memories for"`
}

func (r *Registry) registerMemoryTools() {
	r.register("note_to_self",
		"Pin a note that stays visible in every future context until you dismiss it. Use for goals and constraints that span iterations.",
		&noteToSelfInput{}, r.noteToSelfTool)

	r.register("dismiss_note",
		"Dismiss a pinned note once it no longer applies.",
		&dismissNoteInput{}, r.dismissNoteTool)

	r.register("recall_memory",
		"Search past memories by full text. Returns up to five matches with their full content.",
		&recallMemoryInput{}, r.recallMemoryTool)
}

func (r *Registry) noteToSelfTool(ctx context.Context, input json.RawMessage) Result {
	in, err := decode[noteToSelfInput](input)
	if err != nil {
		return errorResult("%v", err)
	}
	if in.Content == "" {
		return errorResult("content is required")
	}
	if r.deps.Memory == nil {
		return errorResult("no memory service attached to this session")
	}

	m, err := r.deps.Memory.Pin(ctx, in.Content)
	if err != nil {
		return errorResult("pin note: %v", err)
	}
	return Result{Content: fmt.Sprintf("Pinned note (%s): %s", m.ID, m.Summary)}
}

func (r *Registry) dismissNoteTool(ctx context.Context, input json.RawMessage) Result {
	in, err := decode[dismissNoteInput](input)
	if err != nil {
		return errorResult("%v", err)
	}
	if in.ID == "" {
		return errorResult("id is required")
	}
	if r.deps.Memory == nil {
		return errorResult("no memory service attached to this session")
	}

	if err := r.deps.Memory.Unpin(ctx, in.ID); err != nil {
		return errorResult("dismiss note: %v", err)
	}
	return Result{Content: fmt.Sprintf("Dismissed note %s.", in.ID)}
}

func (r *Registry) recallMemoryTool(ctx context.Context, input json.RawMessage) Result {
	in, err := decode[recallMemoryInput](input)
	if err != nil {
		return errorResult("%v", err)
	}
	if in.Query == "" {
		return errorResult("query is required")
	}
	if r.deps.Memory == nil {
		return errorResult("no memory service attached to this session")
	}

	out, err := r.deps.Memory.Recall(ctx, in.Query)
	if err != nil {
		return errorResult("recall: %v", err)
	}
	return Result{Content: out}
}

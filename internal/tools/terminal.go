package tools

import (
	"context"
	"encoding/json"
)

// submitPlanInput is the planner's terminal payload; the session hands the
// raw input back to the phase wrapper, which decodes it into a Plan.
type submitPlanInput struct {
	Title          string `json:"title" jsonschema:"description=Short imperative title; becomes the branch slug and commit message"`
	Description    string `json:"description" jsonschema:"description=What the change accomplishes and why"`
	Implementation string `json:"implementation" jsonschema:"description=Concrete implementation notes: files to touch and how"`
}

func (r *Registry) registerTerminalTools() {
	r.register("submit_plan",
		"Submit the final plan for this iteration. Call exactly once, when the plan is complete.",
		&submitPlanInput{}, r.submitPlanTool)

	r.register("done",
		"Signal that every edit for this change has been recorded.",
		nil, r.doneTool)
}

func (r *Registry) submitPlanTool(ctx context.Context, input json.RawMessage) Result {
	in, err := decode[submitPlanInput](input)
	if err != nil {
		return errorResult("%v", err)
	}
	if in.Title == "" {
		return errorResult("title is required")
	}
	if in.Implementation == "" {
		return errorResult("implementation is required")
	}
	return Result{Content: "Plan recorded."}
}

func (r *Registry) doneTool(ctx context.Context, _ json.RawMessage) Result {
	return Result{Content: "Done."}
}

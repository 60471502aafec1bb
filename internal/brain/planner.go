// Package brain holds the phase-specific instantiations of the generic
// agent session: planner, builder/fixer, and reflector. Each is a thin
// configuration of one Session; the loop itself lives in internal/session.
package brain

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/outpost-dev/selfmod/common/llm"
	"github.com/outpost-dev/selfmod/common/logger"
	"github.com/outpost-dev/selfmod/core/config"
	"github.com/outpost-dev/selfmod/internal/model"
	"github.com/outpost-dev/selfmod/internal/session"
	"github.com/outpost-dev/selfmod/internal/tools"
)

// Deps is what every phase needs: the model-call layer, phase configs, and
// a factory for per-session tool registries (regions and turn state must
// not leak between sessions).
type Deps struct {
	Caller      session.Caller
	Phases      map[config.Phase]config.PhaseConfig
	NewRegistry func() *tools.Registry
}

// Planner produces one Plan per invocation through a submit_plan-terminated
// session.
type Planner struct {
	deps Deps
}

func NewPlanner(deps Deps) *Planner {
	return &Planner{deps: deps}
}

// Plan runs the planning session and parses the submitted plan.
func (p *Planner) Plan(ctx context.Context) (model.Plan, error) {
	start := time.Now()
	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "selfmod.brain.planner"})

	pc := p.deps.Phases[config.PhasePlanner]
	sess := session.New(session.Config{
		Phase:        config.PhasePlanner,
		Tools:        plannerTools,
		TerminalTool: "submit_plan",
		MaxTurns:     pc.MaxTurns,
		SoftBudget:   pc.SoftBudget,
		HardBudget:   pc.HardBudget,
	}, p.deps.Caller, p.deps.NewRegistry())

	outcome, err := sess.Run(ctx, llm.NewUserMessage(llm.NewTextBlock(
		"Decide the next change to make to this repository and submit a plan for it.")))
	if err != nil {
		return model.Plan{}, fmt.Errorf("planning session: %w", err)
	}
	if len(outcome.TerminalInput) == 0 {
		return model.Plan{}, fmt.Errorf("planning session ended without a submitted plan")
	}

	var plan model.Plan
	if err := json.Unmarshal(outcome.TerminalInput, &plan); err != nil {
		return model.Plan{}, fmt.Errorf("parse submitted plan: %w", err)
	}
	if plan.Title == "" {
		return model.Plan{}, fmt.Errorf("submitted plan has no title")
	}

	slog.InfoContext(ctx, "plan produced",
		"title", plan.Title,
		"duration_ms", time.Since(start).Milliseconds())
	return plan, nil
}

package brain

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/outpost-dev/selfmod/common/llm"
	"github.com/outpost-dev/selfmod/common/logger"
	"github.com/outpost-dev/selfmod/core/config"
	"github.com/outpost-dev/selfmod/internal/model"
	"github.com/outpost-dev/selfmod/internal/session"
)

// Builder drives the building session for one plan, plus the fix sessions
// that follow CI failures. One Builder spans all attempts for a plan so the
// session's full history covers the whole story for reflection.
type Builder struct {
	deps Deps
	plan model.Plan
	sess *session.Session
}

func NewBuilder(deps Deps, plan model.Plan) *Builder {
	pc := deps.Phases[config.PhaseBuilder]
	sess := session.New(session.Config{
		Phase:             config.PhaseBuilder,
		Tools:             builderTools,
		TerminalTool:      "done",
		MaxTurns:          pc.MaxTurns,
		AllowImplicitDone: true,
		SoftBudget:        pc.SoftBudget,
		HardBudget:        pc.HardBudget,
	}, deps.Caller, deps.NewRegistry())

	return &Builder{deps: deps, plan: plan, sess: sess}
}

// Build runs the initial building session and returns the accumulated
// edits. A partial result (turn budget ran out mid-change) comes back with
// the session's warning attached.
func (b *Builder) Build(ctx context.Context) ([]model.EditOperation, error) {
	start := time.Now()
	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "selfmod.brain.builder"})

	outcome, err := b.sess.Run(ctx, llm.NewUserMessage(llm.NewTextBlock(b.buildPrompt())))
	if err != nil {
		return nil, fmt.Errorf("building session: %w", err)
	}
	if outcome.Warning != "" {
		slog.WarnContext(ctx, "building session returned partial progress", "warning", outcome.Warning)
	}

	slog.InfoContext(ctx, "building session finished",
		"edits", len(outcome.Edits),
		"duration_ms", time.Since(start).Milliseconds())
	return outcome.Edits, nil
}

func (b *Builder) buildPrompt() string {
	return fmt.Sprintf(`Implement the following approved plan.

## %s

%s

## Implementation notes

%s`, b.plan.Title, b.plan.Description, b.plan.Implementation)
}

// Fix rebuilds the session from a fresh failure prompt that restates the
// plan and includes the CI error verbatim. The accumulated edit list is
// reset; fullHistory is preserved. The fixer's turn budget is its own
// config entry, separate from the builder's.
func (b *Builder) Fix(ctx context.Context, lastError string) ([]model.EditOperation, error) {
	start := time.Now()
	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "selfmod.brain.fixer"})

	pc := b.deps.Phases[config.PhaseFixer]
	b.sess.Reset(session.Config{
		Phase:             config.PhaseFixer,
		Tools:             builderTools,
		TerminalTool:      "done",
		MaxTurns:          pc.MaxTurns,
		AllowImplicitDone: true,
		SoftBudget:        pc.SoftBudget,
		HardBudget:        pc.HardBudget,
	})

	outcome, err := b.sess.Run(ctx, llm.NewUserMessage(llm.NewTextBlock(b.fixPrompt(lastError))))
	if err != nil {
		return nil, fmt.Errorf("fixing session: %w", err)
	}
	if outcome.Warning != "" {
		slog.WarnContext(ctx, "fixing session returned partial progress", "warning", outcome.Warning)
	}

	slog.InfoContext(ctx, "fixing session finished",
		"edits", len(outcome.Edits),
		"duration_ms", time.Since(start).Milliseconds())
	return outcome.Edits, nil
}

func (b *Builder) fixPrompt(lastError string) string {
	return fmt.Sprintf(`The change you shipped for the plan below failed.

## Original plan: %s

%s

## Implementation notes

%s

## Failure output

%s

The branch still contains your previous commits. Diagnose the failure, then record the edits that fix it.`,
		b.plan.Title, b.plan.Description, b.plan.Implementation, lastError)
}

// FullHistory exposes the uncompressed transcript across build and fix
// sessions, for reflection.
func (b *Builder) FullHistory() []llm.Message {
	return b.sess.FullHistory()
}

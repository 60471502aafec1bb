package brain

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/outpost-dev/selfmod/common/llm"
	"github.com/outpost-dev/selfmod/common/logger"
	"github.com/outpost-dev/selfmod/core/config"
	"github.com/outpost-dev/selfmod/internal/memory"
	"github.com/outpost-dev/selfmod/internal/model"
	"github.com/outpost-dev/selfmod/internal/session"
)

// maxReflectionLogLines bounds how much of the iteration log reaches the
// reflection prompt.
const maxReflectionLogLines = 60

// Reflector distills lessons from a finished iteration into memories.
// Reflection is opportunistic: every failure here is logged and swallowed
// by the caller.
type Reflector struct {
	caller session.Caller
	memory *memory.Service
}

// ReflectionInput is what the reflector sees about the iteration.
type ReflectionInput struct {
	Plan     model.Plan
	Outcome  string // e.g. "merged after 2 attempts", "gave up: <error>"
	LogLines []string
}

func NewReflector(caller session.Caller, mem *memory.Service) *Reflector {
	return &Reflector{caller: caller, memory: mem}
}

// Reflect asks the model for lessons and stores each as a memory; multiple
// lessons go through the batch summarization path.
func (r *Reflector) Reflect(ctx context.Context, input ReflectionInput) error {
	start := time.Now()
	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "selfmod.brain.reflector"})

	resp, err := r.caller.Call(ctx, config.PhaseReflect, []llm.Message{
		llm.NewUserMessage(llm.NewTextBlock(r.prompt(input))),
	}, nil)
	if err != nil {
		return fmt.Errorf("reflection call: %w", err)
	}

	var lessons []string
	for _, line := range strings.Split(resp.Message.Text(), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lessons = append(lessons, "Lesson: "+line)
		}
		if len(lessons) == 3 {
			break
		}
	}
	if len(lessons) == 0 {
		slog.InfoContext(ctx, "reflection produced no lessons")
		return nil
	}

	if _, err := r.memory.StoreMany(ctx, lessons); err != nil {
		return fmt.Errorf("store reflection lessons: %w", err)
	}

	slog.InfoContext(ctx, "reflection stored",
		"lessons", len(lessons),
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}

func (r *Reflector) prompt(input ReflectionInput) string {
	logLines := input.LogLines
	if len(logLines) > maxReflectionLogLines {
		logLines = logLines[len(logLines)-maxReflectionLogLines:]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "## Plan: %s\n\n%s\n\n## Outcome\n\n%s\n", input.Plan.Title, input.Plan.Description, input.Outcome)
	if len(logLines) > 0 {
		b.WriteString("\n## Iteration log (tail)\n\n")
		b.WriteString(strings.Join(logLines, "\n"))
	}
	return b.String()
}

package session_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/outpost-dev/selfmod/common/llm"
	"github.com/outpost-dev/selfmod/core/config"
	"github.com/outpost-dev/selfmod/internal/model"
	"github.com/outpost-dev/selfmod/internal/session"
	"github.com/outpost-dev/selfmod/internal/tools"
)

// scriptedCaller replays a fixed sequence of assistant responses and
// records what it was called with.
type scriptedCaller struct {
	responses []*llm.Response
	calls     [][]llm.Message
	toolSets  [][]llm.Tool
}

func (c *scriptedCaller) Call(ctx context.Context, phase config.Phase, messages []llm.Message, defs []llm.Tool) (*llm.Response, error) {
	c.calls = append(c.calls, append([]llm.Message(nil), messages...))
	c.toolSets = append(c.toolSets, defs)
	if len(c.responses) == 0 {
		return nil, fmt.Errorf("scripted caller exhausted")
	}
	resp := c.responses[0]
	c.responses = c.responses[1:]
	return resp, nil
}

func toolUse(id, name string, args map[string]any) llm.Message {
	raw, err := json.Marshal(args)
	Expect(err).NotTo(HaveOccurred())
	return llm.NewAssistantMessage(llm.NewToolUseBlock(id, name, raw))
}

func respond(msgs ...llm.Message) []*llm.Response {
	out := make([]*llm.Response, len(msgs))
	for i, m := range msgs {
		out[i] = &llm.Response{Message: m, Usage: llm.Usage{InputTokens: 10, OutputTokens: 10}, StopReason: "tool_use"}
	}
	return out
}

var _ = Describe("Session", func() {
	var (
		root     string
		registry *tools.Registry
		ctx      context.Context
	)

	builderConfig := func() session.Config {
		return session.Config{
			Phase:             config.PhaseBuilder,
			Tools:             []string{"read_file", "edit_file", "create_file", "delete_file", "done"},
			TerminalTool:      "done",
			MaxTurns:          5,
			AllowImplicitDone: true,
		}
	}

	BeforeEach(func() {
		ctx = context.Background()
		root = GinkgoT().TempDir()
		Expect(os.MkdirAll(filepath.Join(root, "src"), 0o755)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(root, "src", "config.ts"), []byte("export const port = 8080\n"), 0o644)).To(Succeed())
		registry = tools.NewRegistry(tools.Deps{Root: root})
	})

	It("accumulates edits and returns them when the terminal tool fires", func() {
		caller := &scriptedCaller{responses: respond(
			toolUse("t1", "create_file", map[string]any{"path": "src/foo.test.ts", "content": "test"}),
			toolUse("t2", "done", nil),
		)}

		s := session.New(builderConfig(), caller, registry)
		outcome, err := s.Run(ctx, llm.NewUserMessage(llm.NewTextBlock("build it")))

		Expect(err).NotTo(HaveOccurred())
		Expect(outcome.Edits).To(HaveLen(1))
		Expect(outcome.Edits[0].Kind).To(Equal(model.EditCreate))
		Expect(outcome.Edits[0].Path).To(Equal("src/foo.test.ts"))
	})

	It("sends every tool result back with matching ids and a turn hint", func() {
		caller := &scriptedCaller{responses: respond(
			llm.NewAssistantMessage(
				llm.NewToolUseBlock("t1", "read_file", json.RawMessage(`{"path":"src/config.ts"}`)),
				llm.NewToolUseBlock("t2", "read_file", json.RawMessage(`{"path":"missing.ts"}`)),
			),
			toolUse("t3", "done", nil),
		)}

		s := session.New(builderConfig(), caller, registry)
		_, err := s.Run(ctx, llm.NewUserMessage(llm.NewTextBlock("go")))
		Expect(err).NotTo(HaveOccurred())

		// The second call's message list ends with the first turn's results.
		second := caller.calls[1]
		last := second[len(second)-1]
		Expect(last.Role).To(Equal(llm.RoleUser))
		Expect(last.Blocks).To(HaveLen(2))
		Expect(last.Blocks[0].ToolResultID).To(Equal("t1"))
		Expect(last.Blocks[0].IsError).To(BeFalse())
		Expect(last.Blocks[1].ToolResultID).To(Equal("t2"))
		Expect(last.Blocks[1].IsError).To(BeTrue(), "missing file must surface as an error result, not end the session")
		Expect(last.Blocks[1].Content).To(ContainSubstring("(Turn 1 of 5 — hard limit. Call done when ready.)"))
	})

	It("fails the session when the model calls no tools and has no progress", func() {
		caller := &scriptedCaller{responses: respond(
			llm.NewAssistantMessage(llm.NewTextBlock("I think I'm done?")),
		)}

		s := session.New(builderConfig(), caller, registry)
		_, err := s.Run(ctx, llm.NewUserMessage(llm.NewTextBlock("go")))
		Expect(err).To(MatchError(session.ErrNoToolUse))
	})

	It("treats a tool-free response as done once edits exist", func() {
		caller := &scriptedCaller{responses: respond(
			toolUse("t1", "create_file", map[string]any{"path": "src/a.ts", "content": "x"}),
			llm.NewAssistantMessage(llm.NewTextBlock("All edits are in place.")),
		)}

		s := session.New(builderConfig(), caller, registry)
		outcome, err := s.Run(ctx, llm.NewUserMessage(llm.NewTextBlock("go")))
		Expect(err).NotTo(HaveOccurred())
		Expect(outcome.Edits).To(HaveLen(1))
		Expect(outcome.FinalText).To(ContainSubstring("in place"))
	})

	It("returns partial edits with a warning when the turn budget runs out", func() {
		cfg := builderConfig()
		cfg.MaxTurns = 2
		caller := &scriptedCaller{responses: respond(
			toolUse("t1", "create_file", map[string]any{"path": "src/a.ts", "content": "x"}),
			toolUse("t2", "read_file", map[string]any{"path": "src/config.ts"}),
		)}

		s := session.New(cfg, caller, registry)
		outcome, err := s.Run(ctx, llm.NewUserMessage(llm.NewTextBlock("go")))
		Expect(err).NotTo(HaveOccurred())
		Expect(outcome.Edits).To(HaveLen(1))
		Expect(outcome.Warning).To(ContainSubstring("turn budget"))
	})

	It("errors when the turn budget runs out with no edits", func() {
		cfg := builderConfig()
		cfg.MaxTurns = 2
		caller := &scriptedCaller{responses: respond(
			toolUse("t1", "read_file", map[string]any{"path": "src/config.ts"}),
			toolUse("t2", "read_file", map[string]any{"path": "src/config.ts", "startLine": 1}),
		)}

		s := session.New(cfg, caller, registry)
		_, err := s.Run(ctx, llm.NewUserMessage(llm.NewTextBlock("go")))
		Expect(err).To(MatchError(session.ErrTurnBudget))
	})

	It("aborts on a doom loop of identical single tool calls", func() {
		cfg := builderConfig()
		cfg.MaxTurns = 10
		cfg.DoomLoopThreshold = 3
		same := func(id string) llm.Message {
			return toolUse(id, "read_file", map[string]any{"path": "src/config.ts"})
		}
		caller := &scriptedCaller{responses: respond(same("t1"), same("t2"), same("t3"))}

		s := session.New(cfg, caller, registry)
		_, err := s.Run(ctx, llm.NewUserMessage(llm.NewTextBlock("go")))
		Expect(err).To(MatchError(session.ErrDoomLoop))
	})

	It("captures the terminal tool's input for the planner", func() {
		cfg := session.Config{
			Phase:        config.PhasePlanner,
			Tools:        []string{"read_file", "submit_plan"},
			TerminalTool: "submit_plan",
			MaxTurns:     3,
		}
		caller := &scriptedCaller{responses: respond(
			toolUse("t1", "submit_plan", map[string]any{
				"title":          "add-tests",
				"description":    "Add test coverage",
				"implementation": "Add tests to config.ts",
			}),
		)}

		s := session.New(cfg, caller, registry)
		outcome, err := s.Run(ctx, llm.NewUserMessage(llm.NewTextBlock("plan")))
		Expect(err).NotTo(HaveOccurred())

		var plan model.Plan
		Expect(json.Unmarshal(outcome.TerminalInput, &plan)).To(Succeed())
		Expect(plan.Title).To(Equal("add-tests"))
		Expect(plan.Implementation).To(Equal("Add tests to config.ts"))
	})

	It("rejects an invalid terminal call and lets the model retry", func() {
		cfg := session.Config{
			Phase:        config.PhasePlanner,
			Tools:        []string{"submit_plan"},
			TerminalTool: "submit_plan",
			MaxTurns:     3,
		}
		caller := &scriptedCaller{responses: respond(
			toolUse("t1", "submit_plan", map[string]any{"title": ""}),
			toolUse("t2", "submit_plan", map[string]any{
				"title": "fix", "description": "d", "implementation": "i",
			}),
		)}

		s := session.New(cfg, caller, registry)
		outcome, err := s.Run(ctx, llm.NewUserMessage(llm.NewTextBlock("plan")))
		Expect(err).NotTo(HaveOccurred())
		Expect(string(outcome.TerminalInput)).To(ContainSubstring(`"fix"`))
	})

	It("discards edits on Reset but keeps the full history", func() {
		caller := &scriptedCaller{responses: respond(
			toolUse("t1", "create_file", map[string]any{"path": "src/a.ts", "content": "x"}),
			toolUse("t2", "done", nil),
			toolUse("t3", "edit_file", map[string]any{"path": "src/config.ts", "oldString": "8080", "newString": "9090"}),
			toolUse("t4", "done", nil),
		)}

		s := session.New(builderConfig(), caller, registry)
		first, err := s.Run(ctx, llm.NewUserMessage(llm.NewTextBlock("build")))
		Expect(err).NotTo(HaveOccurred())
		Expect(first.Edits).To(HaveLen(1))

		historyBefore := len(s.FullHistory())
		s.Reset(session.Config{
			Phase:             config.PhaseFixer,
			Tools:             []string{"read_file", "edit_file", "done"},
			TerminalTool:      "done",
			MaxTurns:          3,
			AllowImplicitDone: true,
		})

		second, err := s.Run(ctx, llm.NewUserMessage(llm.NewTextBlock("CI failed: FAIL src/a.test.ts")))
		Expect(err).NotTo(HaveOccurred())
		Expect(second.Edits).To(HaveLen(1))
		Expect(second.Edits[0].Kind).To(Equal(model.EditReplace), "fix-path edits must not include the first run's")

		// The fixer's first call starts from a fresh message list.
		fixerFirst := caller.calls[2]
		Expect(fixerFirst).To(HaveLen(1))
		Expect(fixerFirst[0].Blocks[0].Text).To(ContainSubstring("CI failed"))

		Expect(len(s.FullHistory())).To(BeNumerically(">", historyBefore))
	})
})

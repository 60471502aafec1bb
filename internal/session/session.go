// Package session implements the generic bounded-turn tool-use loop. Every
// phase (planner, builder, fixer, reflector) is the same state machine
// configured with different tools, terminal predicates, and budgets; there
// is exactly one loop implementation.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/outpost-dev/selfmod/common/llm"
	"github.com/outpost-dev/selfmod/common/logger"
	"github.com/outpost-dev/selfmod/core/config"
	"github.com/outpost-dev/selfmod/internal/model"
	"github.com/outpost-dev/selfmod/internal/tools"
)

// Structural failures: these end the session, unlike tool errors, which are
// fed back to the model as error results.
var (
	ErrNoToolUse  = errors.New("model did not call any tools")
	ErrTurnBudget = errors.New("turn budget exhausted with no progress")
	ErrDoomLoop   = errors.New("doom loop detected: identical tool call repeated")
)

// Caller is the slice of the model-call layer the loop needs.
type Caller interface {
	Call(ctx context.Context, phase config.Phase, messages []llm.Message, tools []llm.Tool) (*llm.Response, error)
}

// Config parameterizes one session.
type Config struct {
	Phase        config.Phase
	Tools        []string
	TerminalTool string // empty = a text-only phase; the first tool-free response ends the session
	MaxTurns     int
	// AllowImplicitDone treats a tool-free response as termination when
	// edits have already been accumulated (builder behavior).
	AllowImplicitDone bool
	SoftBudget        int
	HardBudget        int
	DoomLoopThreshold int
}

// sanitize returns a copy of c with zero or negative fields replaced by
// safe defaults, so callers only set what is phase-specific.
func sanitize(c Config) Config {
	if c.MaxTurns <= 0 {
		c.MaxTurns = 40
	}
	if c.SoftBudget <= 0 {
		c.SoftBudget = 120_000
	}
	if c.HardBudget <= 0 {
		c.HardBudget = 160_000
	}
	if c.HardBudget < c.SoftBudget {
		c.HardBudget = c.SoftBudget
	}
	if c.DoomLoopThreshold <= 0 {
		c.DoomLoopThreshold = 3
	}
	return c
}

// Outcome is a completed session's accumulated value.
type Outcome struct {
	Edits         []model.EditOperation
	TerminalInput json.RawMessage // the terminal tool's raw input (e.g. submit_plan arguments)
	FinalText     string
	Warning       string
}

// Session owns one running message list. fullHistory is never compressed
// and survives Reset, for reflection and persistence.
type Session struct {
	current  Config
	caller   Caller
	registry *tools.Registry

	messages    []llm.Message
	fullHistory []llm.Message
	edits       []model.EditOperation
	usedTokens  int64
}

func New(cfg Config, caller Caller, registry *tools.Registry) *Session {
	return &Session{current: sanitize(cfg), caller: caller, registry: registry}
}

// Reset rebuilds the session for the fix path: the running message list and
// accumulated edits are discarded and the config swapped (the fixer's turn
// budget is separate from the builder's), while fullHistory is preserved.
func (s *Session) Reset(cfg Config) {
	s.current = sanitize(cfg)
	s.messages = nil
	s.edits = nil
	s.usedTokens = 0
}

// FullHistory returns every message ever exchanged in this session,
// including those discarded by Reset.
func (s *Session) FullHistory() []llm.Message {
	return s.fullHistory
}

// toolCallRecord tracks a tool invocation for doom loop detection.
type toolCallRecord struct {
	name string
	args string
}

// Run drives the loop until a terminal tool fires, the model stops calling
// tools, or a budget runs out.
func (s *Session) Run(ctx context.Context, initial ...llm.Message) (*Outcome, error) {
	cfg := s.current
	sc := logger.StartSpan(ctx, "session."+string(cfg.Phase))
	defer sc.End()
	ctx = logger.WithLogFields(sc.Context(), logger.LogFields{
		Phase:     logger.Ptr(string(cfg.Phase)),
		Component: "selfmod.session",
	})

	s.push(initial...)

	start := time.Now()
	softNudged := false
	var recentCalls []toolCallRecord

	for turn := 1; turn <= cfg.MaxTurns; turn++ {
		if s.usedTokens >= int64(cfg.HardBudget) {
			return s.forceSynthesis(ctx, cfg, turn)
		}
		if !softNudged && s.usedTokens > int64(cfg.SoftBudget)*80/100 {
			softNudged = true
			s.push(llm.NewUserMessage(llm.NewTextBlock(
				"You have used most of your budget. If the remaining work is small, finish it now and wrap up; otherwise wrap up with what you have.")))
		}

		s.registry.BeginTurn(turn)

		resp, err := s.caller.Call(ctx, cfg.Phase, s.messages, s.registry.Definitions(cfg.Tools))
		if err != nil {
			return nil, fmt.Errorf("session call on turn %d: %w", turn, err)
		}
		s.usedTokens += resp.Usage.InputTokens + resp.Usage.OutputTokens
		s.push(resp.Message)

		toolUses := resp.Message.ToolUseBlocks()
		if len(toolUses) == 0 {
			if cfg.AllowImplicitDone && len(s.edits) > 0 {
				slog.InfoContext(ctx, "session done implicitly",
					"turns", turn, "edits", len(s.edits))
				return &Outcome{Edits: s.edits, FinalText: resp.Message.Text()}, nil
			}
			if cfg.TerminalTool == "" {
				return &Outcome{FinalText: resp.Message.Text()}, nil
			}
			return nil, fmt.Errorf("turn %d: %w", turn, ErrNoToolUse)
		}

		if len(toolUses) == 1 {
			tu := toolUses[0]
			recentCalls = append(recentCalls, toolCallRecord{name: tu.ToolName, args: normalizeArgs(tu.ToolInput)})
			if len(recentCalls) > cfg.DoomLoopThreshold {
				recentCalls = recentCalls[1:]
			}
			if len(recentCalls) == cfg.DoomLoopThreshold && allIdentical(recentCalls) {
				slog.WarnContext(ctx, "session doom loop detected",
					"tool", tu.ToolName, "turn", turn)
				return nil, fmt.Errorf("tool %s repeated %d times: %w", tu.ToolName, cfg.DoomLoopThreshold, ErrDoomLoop)
			}
		} else {
			// Multiple tool calls in one turn is evidence of progress.
			recentCalls = nil
		}

		// Execute sequentially in declaration order so later tools in the
		// same turn observe earlier side effects.
		results := make([]llm.Block, 0, len(toolUses))
		terminalHit := false
		var terminalInput json.RawMessage
		for _, tu := range toolUses {
			res := s.registry.Execute(ctx, tu.ToolName, tu.ToolInput)
			if res.Edit != nil && !res.IsError {
				s.edits = append(s.edits, *res.Edit)
			}
			if tu.ToolName == cfg.TerminalTool && !res.IsError {
				terminalHit = true
				terminalInput = tu.ToolInput
			}
			results = append(results, llm.NewToolResultBlock(tu.ToolUseID, res.Content, res.IsError))
		}

		if terminalHit {
			s.push(llm.NewUserMessage(results...))
			slog.InfoContext(ctx, "session completed",
				"turns", turn,
				"edits", len(s.edits),
				"tokens", s.usedTokens,
				"duration_ms", time.Since(start).Milliseconds())
			return &Outcome{
				Edits:         s.edits,
				TerminalInput: terminalInput,
				FinalText:     resp.Message.Text(),
			}, nil
		}

		if cfg.TerminalTool != "" {
			last := &results[len(results)-1]
			last.Content += fmt.Sprintf("\n\n(Turn %d of %d — hard limit. Call %s when ready.)", turn, cfg.MaxTurns, cfg.TerminalTool)
		}
		s.push(llm.NewUserMessage(results...))
	}

	if len(s.edits) > 0 {
		slog.WarnContext(ctx, "session turn budget exhausted with partial progress",
			"edits", len(s.edits))
		return &Outcome{
			Edits:   s.edits,
			Warning: fmt.Sprintf("turn budget (%d) exhausted; returning %d accumulated edits", cfg.MaxTurns, len(s.edits)),
		}, nil
	}
	return nil, fmt.Errorf("after %d turns: %w", cfg.MaxTurns, ErrTurnBudget)
}

// forceSynthesis runs one final tools-disabled call to extract a text
// answer once the hard token limit is reached.
func (s *Session) forceSynthesis(ctx context.Context, cfg Config, turn int) (*Outcome, error) {
	slog.WarnContext(ctx, "session hard token limit reached, forcing synthesis",
		"tokens", s.usedTokens, "turn", turn)

	s.push(llm.NewUserMessage(llm.NewTextBlock(
		"Token limit reached. Summarize the state of your work now; no further tool calls are possible.")))

	resp, err := s.caller.Call(ctx, cfg.Phase, s.messages, nil)
	if err != nil {
		return nil, fmt.Errorf("forced synthesis: %w", err)
	}
	s.push(resp.Message)

	warning := fmt.Sprintf("hard token limit (%d) reached on turn %d", cfg.HardBudget, turn)
	if len(s.edits) == 0 && cfg.TerminalTool != "" && !cfg.AllowImplicitDone {
		return nil, fmt.Errorf("%s with no progress: %w", warning, ErrTurnBudget)
	}
	return &Outcome{Edits: s.edits, FinalText: resp.Message.Text(), Warning: warning}, nil
}

func (s *Session) push(msgs ...llm.Message) {
	s.messages = append(s.messages, msgs...)
	s.fullHistory = append(s.fullHistory, msgs...)
}

// normalizeArgs normalizes JSON arguments for comparison.
func normalizeArgs(args json.RawMessage) string {
	var v any
	if err := json.Unmarshal(args, &v); err != nil {
		return string(args)
	}
	normalized, err := json.Marshal(v)
	if err != nil {
		return string(args)
	}
	return string(normalized)
}

// allIdentical checks if all tool calls in the slice are identical.
func allIdentical(calls []toolCallRecord) bool {
	if len(calls) == 0 {
		return false
	}
	first := calls[0]
	for _, c := range calls[1:] {
		if c.name != first.name || c.args != first.args {
			return false
		}
	}
	return true
}

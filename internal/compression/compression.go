// Package compression shrinks a growing tool-use dialog before every
// builder/planner/fixer call: old, bulky tool results are replaced with
// short semantic summaries (or, under the hard-redact policy, an explicit
// "you no longer have this" marker), while the most recent turns are left
// untouched so the model can still see what it just did.
package compression

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/outpost-dev/selfmod/common/llm"
	"github.com/outpost-dev/selfmod/common/logger"
	"github.com/outpost-dev/selfmod/core/config"
)

// memoryTools are kept verbatim regardless of size: the spec calls their
// output "tiny and useful", and compressing a note-to-self would defeat its
// purpose.
var memoryTools = map[string]bool{
	"note_to_self":  true,
	"dismiss_note":  true,
	"recall_memory": true,
}

type toolCall struct {
	name  string
	input json.RawMessage
}

// Compress returns a copy of messages with every tool_result and assistant
// text block outside the last cfg.ProtectedTurns turns shrunk according to
// cfg's policy. The last cfg.ProtectedTurns turns are returned unchanged.
func Compress(messages []llm.Message, cfg config.SummarizationConfig) []llm.Message {
	turns := turnIndices(messages)
	maxTurn := 0
	for _, t := range turns {
		if t > maxTurn {
			maxTurn = t
		}
	}
	protectedFloor := maxTurn - cfg.ProtectedTurns

	toolOf := make(map[string]toolCall)
	out := make([]llm.Message, len(messages))

	for i, msg := range messages {
		for _, b := range msg.Blocks {
			if b.Type == llm.BlockToolUse {
				toolOf[b.ToolUseID] = toolCall{name: b.ToolName, input: b.ToolInput}
			}
		}

		if turns[i] > protectedFloor {
			out[i] = msg
			continue
		}

		blocks := make([]llm.Block, len(msg.Blocks))
		for j, b := range msg.Blocks {
			switch {
			case b.Type == llm.BlockToolResult:
				tc := toolOf[b.ToolResultID]
				if shouldCompress(tc.name, b.Content, cfg) {
					if cfg.HardRedact {
						b.Content = hardRedact(tc.name, tc.input)
					} else {
						b.Content = compressToolResult(tc.name, tc.input, b.Content)
					}
				}
			case b.Type == llm.BlockText && msg.Role == llm.RoleAssistant:
				if len(b.Text) > cfg.AssistantMaxChars {
					b.Text = logger.Truncate(b.Text, cfg.AssistantMaxChars)
				}
			}
			blocks[j] = b
		}
		out[i] = llm.Message{Role: msg.Role, Blocks: blocks}
	}
	return out
}

// turnIndices assigns each message the turn number of the assistant message
// that opened it: the initial user prompt is turn 0; an assistant message
// increments the turn counter and is itself tagged with the new value; the
// following user message (carrying that assistant's tool results) shares
// the same turn number.
func turnIndices(messages []llm.Message) []int {
	turns := make([]int, len(messages))
	turn := 0
	for i, msg := range messages {
		if msg.Role == llm.RoleAssistant {
			turn++
		}
		turns[i] = turn
	}
	return turns
}

func shouldCompress(toolName, content string, cfg config.SummarizationConfig) bool {
	if memoryTools[toolName] {
		return false
	}
	return len(content) > cfg.ToolResultMaxChars
}

// compressToolResult produces the short-horizon summary line for one tool
// result. It is idempotent: re-applying it to its own output (already a
// bracketed marker) returns that marker unchanged.
func compressToolResult(toolName string, input json.RawMessage, content string) string {
	if isMarker(content) {
		return content
	}

	switch toolName {
	case "read_file":
		path := field(input, "path")
		return fmt.Sprintf("[Previously read %s (%d lines)]", path, lineCount(content))
	case "grep_search", "file_search":
		query := logger.Truncate(field(input, "query"), 60)
		return fmt.Sprintf("[%d matches for %q]", lineCount(content), query)
	case "list_directory", "git_diff", "codebase_context", "codebase_diff":
		return fmt.Sprintf("[%s: %d lines]", toolName, lineCount(content))
	default:
		if memoryTools[toolName] {
			return content
		}
		return logger.Truncate(content, 100) + "[...compressed]"
	}
}

// hardRedact produces the variant used when hallucination risk is high:
// an explicit statement that the content is gone, naming the resource
// where one is known.
func hardRedact(toolName string, input json.RawMessage) string {
	if path := field(input, "path"); path != "" {
		return fmt.Sprintf("[Content of %s was removed from context — you do NOT know what this file contains. Re-read it if needed.]", path)
	}
	return fmt.Sprintf("[Result of %s was removed from context — you do NOT know what it returned. Re-run it if needed.]", toolName)
}

func isMarker(content string) bool {
	return strings.HasPrefix(content, "[") && strings.HasSuffix(content, "]")
}

func lineCount(content string) int {
	if content == "" {
		return 0
	}
	n := strings.Count(content, "\n")
	if !strings.HasSuffix(content, "\n") {
		n++
	}
	return n
}

func field(input json.RawMessage, key string) string {
	if len(input) == 0 {
		return ""
	}
	var m map[string]any
	if err := json.Unmarshal(input, &m); err != nil {
		return ""
	}
	v, ok := m[key].(string)
	if !ok {
		return ""
	}
	return v
}

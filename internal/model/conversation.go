package model

import (
	"fmt"

	"github.com/outpost-dev/selfmod/common/llm"
)

// ValidateConversation checks the one conversation-wide invariant: every
// ToolResult block's ToolUseID must reference a ToolUse block that appeared
// earlier in the same message sequence.
func ValidateConversation(messages []llm.Message) error {
	seen := make(map[string]bool)
	for i, msg := range messages {
		for _, b := range msg.Blocks {
			switch b.Type {
			case llm.BlockToolUse:
				seen[b.ToolUseID] = true
			case llm.BlockToolResult:
				if !seen[b.ToolResultID] {
					return fmt.Errorf("message %d: tool_result %q references no prior tool_use", i, b.ToolResultID)
				}
			}
		}
	}
	return nil
}

package compression

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/outpost-dev/selfmod/common/llm"
	"github.com/outpost-dev/selfmod/core/config"
)

func defaultCfg() config.SummarizationConfig {
	return config.SummarizationConfig{
		ProtectedTurns:     2,
		ToolResultMaxChars: 1500,
		AssistantMaxChars:  2000,
	}
}

func readFileTurn(toolUseID, path, content string) (llm.Message, llm.Message) {
	input, _ := json.Marshal(map[string]string{"path": path})
	assistant := llm.NewAssistantMessage(llm.NewToolUseBlock(toolUseID, "read_file", input))
	user := llm.NewUserMessage(llm.NewToolResultBlock(toolUseID, content, false))
	return assistant, user
}

func TestCompress_TenTurnDialog_OnlyOldBigToolResultCompressed(t *testing.T) {
	var messages []llm.Message
	messages = append(messages, llm.NewUserMessage(llm.NewTextBlock("please add tests")))

	bigFile := strings.Repeat("line\n", 5000)

	for turn := 1; turn <= 10; turn++ {
		var a, u llm.Message
		if turn == 2 {
			a, u = readFileTurn("t2", "src/a.ts", bigFile)
		} else {
			a, u = readFileTurn(turnID(turn), "src/small.ts", "small content")
		}
		messages = append(messages, a, u)
	}

	out := Compress(messages, defaultCfg())

	// turn 2's tool result (index 4: msg0=prompt, then pairs at 1,2 / 3,4 / ...)
	turn2Result := out[4].Blocks[0].Content
	if turn2Result != "[Previously read src/a.ts (5000 lines)]" {
		t.Fatalf("turn2 result = %q, want compressed marker", turn2Result)
	}

	// last two turns (9 and 10) must be byte-identical to the input.
	lastTwoStart := len(messages) - 4
	for i := lastTwoStart; i < len(messages); i++ {
		if out[i].Text() != messages[i].Text() {
			t.Fatalf("message %d text changed, want unchanged", i)
		}
		for j, b := range out[i].Blocks {
			if b.Content != messages[i].Blocks[j].Content {
				t.Fatalf("message %d block %d content changed: got %q want %q", i, j, b.Content, messages[i].Blocks[j].Content)
			}
		}
	}
}

func turnID(turn int) string {
	return fmt.Sprintf("t%d", turn)
}

func TestCompress_ToolUseResultPairingPreserved(t *testing.T) {
	messages := []llm.Message{
		llm.NewUserMessage(llm.NewTextBlock("go")),
	}
	for turn := 1; turn <= 5; turn++ {
		a, u := readFileTurn(turnID(turn), "src/x.ts", strings.Repeat("x", 2000))
		messages = append(messages, a, u)
	}

	out := Compress(messages, defaultCfg())

	for _, msg := range out {
		for _, b := range msg.Blocks {
			if b.Type == llm.BlockToolResult {
				found := false
				for _, earlier := range out {
					for _, eb := range earlier.Blocks {
						if eb.Type == llm.BlockToolUse && eb.ToolUseID == b.ToolResultID {
							found = true
						}
					}
				}
				if !found {
					t.Fatalf("tool_result %q has no matching tool_use", b.ToolResultID)
				}
			}
		}
	}
}

func TestCompressToolResult_Idempotent(t *testing.T) {
	input, _ := json.Marshal(map[string]string{"path": "src/a.ts"})
	first := compressToolResult("read_file", input, strings.Repeat("line\n", 500))
	second := compressToolResult("read_file", input, first)
	if first != second {
		t.Fatalf("not idempotent: first=%q second=%q", first, second)
	}
}

func TestCompressToolResult_MemoryToolsKeptVerbatim(t *testing.T) {
	content := strings.Repeat("important note ", 200)
	got := compressToolResult("note_to_self", nil, content)
	if got != content {
		t.Fatalf("memory tool content altered")
	}
}

func TestCompress_AssistantTextTruncatedOutsideProtectedWindow(t *testing.T) {
	longText := strings.Repeat("a", 3000)
	messages := []llm.Message{
		llm.NewUserMessage(llm.NewTextBlock("go")),
		llm.NewAssistantMessage(llm.NewTextBlock(longText)),
		llm.NewUserMessage(llm.NewTextBlock("ok")),
	}
	for turn := 2; turn <= 5; turn++ {
		a, u := readFileTurn(turnID(turn), "src/x.ts", "small")
		messages = append(messages, a, u)
	}

	out := Compress(messages, defaultCfg())

	gotLen := len(out[1].Blocks[0].Text)
	if gotLen >= len(longText) {
		t.Fatalf("assistant text not truncated: len=%d", gotLen)
	}
}

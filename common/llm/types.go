// Package llm wraps the Anthropic Messages API with the block-level fidelity
// the agent loop needs: system blocks with cache control, tool_use/tool_result
// content blocks, opaque thinking-block signatures, and cache-aware usage.
package llm

import "encoding/json"

// Role is who produced a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// BlockType tags the kind of content a message block carries.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
	BlockThinking   BlockType = "thinking"
)

// Block is one typed content block within a turn. Exactly the fields for
// its Type are meaningful; the rest are zero.
type Block struct {
	Type BlockType

	// BlockText
	Text string

	// BlockToolUse
	ToolUseID string
	ToolName  string
	ToolInput json.RawMessage

	// BlockToolResult
	ToolResultID string
	Content      string
	IsError      bool

	// BlockThinking. Signature is an opaque provider token; it is stripped
	// before persistence (see internal/store) but kept in the live
	// in-memory conversation since the provider requires it echoed back.
	Signature string
}

func NewTextBlock(text string) Block { return Block{Type: BlockText, Text: text} }

func NewToolUseBlock(id, name string, input json.RawMessage) Block {
	return Block{Type: BlockToolUse, ToolUseID: id, ToolName: name, ToolInput: input}
}

func NewToolResultBlock(toolUseID, content string, isError bool) Block {
	return Block{Type: BlockToolResult, ToolResultID: toolUseID, Content: content, IsError: isError}
}

// Message is one turn: a role and an ordered list of content blocks.
type Message struct {
	Role   Role
	Blocks []Block
}

func NewUserMessage(blocks ...Block) Message {
	return Message{Role: RoleUser, Blocks: blocks}
}

func NewAssistantMessage(blocks ...Block) Message {
	return Message{Role: RoleAssistant, Blocks: blocks}
}

// ToolUseBlocks returns every tool_use block in the message, in order.
func (m Message) ToolUseBlocks() []Block {
	var out []Block
	for _, b := range m.Blocks {
		if b.Type == BlockToolUse {
			out = append(out, b)
		}
	}
	return out
}

// Text concatenates every text block's content.
func (m Message) Text() string {
	var out string
	for _, b := range m.Blocks {
		if b.Type == BlockText {
			out += b.Text
		}
	}
	return out
}

// SystemBlock is one block of the system prompt. CacheControl marks it
// ephemeral-cacheable where the provider supports it.
type SystemBlock struct {
	Text         string
	CacheControl bool
}

// Tool declares one callable tool's name, description, and input schema.
// Properties is a JSON-Schema properties object (typically reflected from a
// typed input struct); Required lists the mandatory property names.
type Tool struct {
	Name        string
	Description string
	Properties  any
	Required    []string
}

// Usage is the cache-aware token accounting the provider returns per call.
type Usage struct {
	InputTokens        int64
	OutputTokens       int64
	CacheReadTokens    int64
	CacheWrite5mTokens int64
	CacheWrite1hTokens int64
}

// Request is one call to the model: system context, running messages, and
// the tool set available this turn.
type Request struct {
	Model       string
	MaxTokens   int
	System      []SystemBlock
	Messages    []Message
	Tools       []Tool
	Temperature *float64
	Thinking    bool
}

// BatchRequest pairs a Request with the custom_id used to correlate it
// back to its caller once the batch completes.
type BatchRequest struct {
	CustomID string
	Request  Request
}

// Response is the model's reply: the assistant message, usage, and the
// provider's raw stop reason.
type Response struct {
	Message    Message
	Usage      Usage
	StopReason string
}

// BatchResult is one row of a completed batch: either a Response or an
// error string from the provider, keyed by the submitted CustomID.
type BatchResult struct {
	CustomID string
	Response *Response
	Err      error
}

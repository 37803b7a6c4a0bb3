// Package llm defines the provider-agnostic interface for chat-completion backends.
package llm

import (
	"context"
	"strings"
)

// Provider is the abstraction over any chat-completion backend.
type Provider interface {
	// SendMessage sends a conversation to the model and returns its reply.
	SendMessage(ctx context.Context, req *Request) (*Response, error)
	// Name returns the provider identifier (e.g. "openai").
	Name() string
}

// Request is one inference call: system instructions, history and tool schemas.
type Request struct {
	// Model overrides the provider's default model. Empty = provider default.
	Model        string
	SystemPrompt string
	Messages     []Message
	MaxTokens    int
	Tools        []ToolDefinition // nil = no tool use
}

// ToolDefinition describes a tool the model can invoke.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// Message is a single turn in the conversation.
// Either Content (plain text) or ContentBlocks (structured) is set, not both.
type Message struct {
	Role          Role
	Content       string
	ContentBlocks []ContentBlock
}

// TextContent returns the concatenated text of all text blocks,
// or Content when the message carries no blocks.
func (m *Message) TextContent() string {
	if len(m.ContentBlocks) == 0 {
		return m.Content
	}
	var sb strings.Builder
	for _, b := range m.ContentBlocks {
		if b.Type == BlockText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// Block types.
const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// ContentBlock is a tagged union representing a piece of message content.
// The Type field determines which other fields are meaningful.
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`
	// InputError is set when the model's arguments could not be decoded,
	// even after repair. Input is nil in that case.
	InputError string `json:"input_error,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// TextBlock creates a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// ToolUseBlock creates a tool_use content block.
func ToolUseBlock(id, name string, input map[string]any) ContentBlock {
	return ContentBlock{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

// ToolResultBlock creates a tool_result content block.
func ToolResultBlock(toolUseID, content string, isError bool) ContentBlock {
	return ContentBlock{Type: BlockToolResult, ToolUseID: toolUseID, Text: content, IsError: isError}
}

// Role identifies who sent a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Stop reasons, normalized across providers.
const (
	StopEndTurn   = "end_turn"
	StopToolUse   = "tool_use"
	StopMaxTokens = "max_tokens"
)

// Response is what the model returns.
type Response struct {
	Content       string // Concatenated text content.
	ContentBlocks []ContentBlock
	Usage         Usage
	StopReason    string
}

// HasToolUse reports whether the reply requests tool execution.
// Some compatible backends report "stop" alongside tool calls, so the
// blocks are checked as well.
func (r *Response) HasToolUse() bool {
	return r.StopReason == StopToolUse || len(r.ToolUseBlocks()) > 0
}

// ToolUseBlocks returns only the tool_use blocks of the reply, in order.
func (r *Response) ToolUseBlocks() []ContentBlock {
	var blocks []ContentBlock
	for _, b := range r.ContentBlocks {
		if b.Type == BlockToolUse {
			blocks = append(blocks, b)
		}
	}
	return blocks
}

// Text returns the reply text. Structured replies have their text parts
// concatenated in order.
func (r *Response) Text() string {
	if r == nil {
		return ""
	}
	if len(r.ContentBlocks) == 0 {
		return r.Content
	}
	m := Message{Role: RoleAssistant, ContentBlocks: r.ContentBlocks}
	return m.TextContent()
}

// Usage tracks token consumption.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

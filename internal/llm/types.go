// Package llm implements the provider gateway: token estimation,
// conversation truncation, rate limiting, retry, and normalization of
// provider responses into provider-agnostic content blocks.
package llm

import (
	"strings"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// BlockType identifies the kind of a content block.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// Block is a provider-agnostic content block. Exactly one group of
// fields is meaningful depending on Type.
type Block struct {
	Type BlockType `json:"type"`

	// Text is set for text blocks.
	Text string `json:"text,omitempty"`

	// ID, Name and Input are set for tool_use blocks.
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// ToolUseID, Content and IsError are set for tool_result blocks.
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// TextBlock builds a text content block.
func TextBlock(text string) Block {
	return Block{Type: BlockText, Text: text}
}

// ToolResultBlock builds a tool_result content block answering the
// tool_use block identified by toolUseID.
func ToolResultBlock(toolUseID, content string, isError bool) Block {
	return Block{Type: BlockToolResult, ToolUseID: toolUseID, Content: content, IsError: isError}
}

// Message represents a chat message as a list of content blocks.
// The system prompt is carried separately, not as a message.
type Message struct {
	Role    Role    `json:"role"`
	Content []Block `json:"content"`
}

// UserMessage builds a plain-text user message.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: []Block{TextBlock(text)}}
}

// AssistantMessage builds a plain-text assistant message.
func AssistantMessage(text string) Message {
	return Message{Role: RoleAssistant, Content: []Block{TextBlock(text)}}
}

// Text returns the concatenation of the message's text blocks.
func (m Message) Text() string {
	var b strings.Builder
	for _, blk := range m.Content {
		if blk.Type == BlockText {
			b.WriteString(blk.Text)
		}
	}
	return b.String()
}

// ToolCall is one model-requested tool invocation, extracted from a
// tool_use block.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// CacheControl marks a tool definition as cacheable by the provider.
// This is a performance hint only; behavior must be identical if the
// provider ignores it.
type CacheControl struct {
	Type string `json:"type"`
	TTL  string `json:"ttl,omitempty"`
}

// EphemeralCache returns the standard 5-minute ephemeral cache hint.
func EphemeralCache() *CacheControl {
	return &CacheControl{Type: "ephemeral", TTL: "5m"}
}

// ToolSchema is a model-facing tool definition.
type ToolSchema struct {
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	InputSchema  map[string]any `json:"input_schema"`
	CacheControl *CacheControl  `json:"cache_control,omitempty"`
}

// Usage is token accounting for one provider call, or accumulated
// across a whole run. Counters only ever increase.
type Usage struct {
	InputTokens         int `json:"input_tokens"`
	OutputTokens        int `json:"output_tokens"`
	CacheCreationTokens int `json:"cache_creation_tokens"`
	CacheReadTokens     int `json:"cache_read_tokens"`
}

// Add accumulates another usage sample into u.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheCreationTokens += other.CacheCreationTokens
	u.CacheReadTokens += other.CacheReadTokens
}

// Response is the normalized, provider-agnostic result of one call.
type Response struct {
	Content    []Block
	StopReason string
	Usage      Usage
	Model      string
}

// Text returns the concatenation of the response's text blocks.
func (r *Response) Text() string {
	var b strings.Builder
	for _, blk := range r.Content {
		if blk.Type == BlockText {
			b.WriteString(blk.Text)
		}
	}
	return b.String()
}

// ToolCalls extracts the response's tool_use blocks in order.
func (r *Response) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, blk := range r.Content {
		if blk.Type != BlockToolUse {
			continue
		}
		args := blk.Input
		if args == nil {
			args = map[string]any{}
		}
		calls = append(calls, ToolCall{ID: blk.ID, Name: blk.Name, Args: args})
	}
	return calls
}

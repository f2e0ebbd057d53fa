package llm

import (
	"encoding/json"
	"fmt"
)

// Estimator approximates token counts for rate-limit accounting and
// truncation decisions. Estimates are not exact counts and callers
// must not assume exactness.
type Estimator interface {
	Estimate(text string) int
}

// HeuristicEstimator estimates tokens with a Unicode-aware character
// weighting: ASCII runs at ~4 chars per token, non-ASCII (CJK,
// Cyrillic, emoji) conservatively at ~1 char per token.
type HeuristicEstimator struct{}

// Estimate implements Estimator.
func (HeuristicEstimator) Estimate(text string) int {
	weight := 0
	for _, r := range text {
		if r <= 127 {
			weight++
		} else {
			weight += 4
		}
	}
	return (weight + 3) / 4
}

// MessageTooLongError reports a single message whose estimated token
// count exceeds the per-message ceiling. It is raised before the
// message ever joins a conversation.
type MessageTooLongError struct {
	Tokens int
	Limit  int
}

// Error implements the error interface.
func (e *MessageTooLongError) Error() string {
	return fmt.Sprintf("message exceeds token limit: ~%d tokens (limit %d)", e.Tokens, e.Limit)
}

// ValidateMessageTokens rejects a single new message whose estimated
// token count exceeds maxTokens.
func ValidateMessageTokens(est Estimator, text string, maxTokens int) error {
	n := est.Estimate(text)
	if n > maxTokens {
		return &MessageTooLongError{Tokens: n, Limit: maxTokens}
	}
	return nil
}

// estimateMessage sums the estimated tokens of every block in a message.
func estimateMessage(est Estimator, m Message) int {
	total := 0
	for _, blk := range m.Content {
		switch blk.Type {
		case BlockText:
			total += est.Estimate(blk.Text)
		case BlockToolResult:
			total += est.Estimate(blk.Content)
		case BlockToolUse:
			total += est.Estimate(blk.Name)
			if len(blk.Input) > 0 {
				if raw, err := json.Marshal(blk.Input); err == nil {
					total += est.Estimate(string(raw))
				}
			}
		}
	}
	return total
}

// estimateTools sums the estimated tokens of the tool definitions as
// they go out on the wire (name, description, schema JSON).
func estimateTools(est Estimator, tools []ToolSchema) int {
	total := 0
	for _, t := range tools {
		total += est.Estimate(t.Name)
		total += est.Estimate(t.Description)
		if raw, err := json.Marshal(t.InputSchema); err == nil {
			total += est.Estimate(string(raw))
		}
	}
	return total
}

// estimateConversation is the full estimated cost of one provider call.
func estimateConversation(est Estimator, system string, messages []Message, tools []ToolSchema) int {
	total := est.Estimate(system) + estimateTools(est, tools)
	for _, m := range messages {
		total += estimateMessage(est, m)
	}
	return total
}

// TruncateConversation keeps the longest suffix of messages whose
// estimated token sum, together with the system prompt, tool schemas,
// and response headroom, fits within maxConversationTokens. Messages
// older than the cutoff are dropped; ordering is preserved and a
// conversation that already fits is returned unchanged.
func TruncateConversation(est Estimator, messages []Message, system string, tools []ToolSchema, maxConversationTokens, headroom int) []Message {
	if len(messages) == 0 {
		return messages
	}

	available := maxConversationTokens - headroom - est.Estimate(system) - estimateTools(est, tools)
	if available <= 0 {
		return nil
	}

	total := 0
	cutoff := len(messages)
	for i := len(messages) - 1; i >= 0; i-- {
		total += estimateMessage(est, messages[i])
		if total > available {
			break
		}
		cutoff = i
	}

	if cutoff == 0 {
		return messages
	}
	return messages[cutoff:]
}

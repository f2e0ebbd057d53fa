package llm

import (
	"errors"
	"strings"
	"testing"
)

func TestHeuristicEstimator(t *testing.T) {
	est := HeuristicEstimator{}

	tests := []struct {
		name string
		text string
		want int
	}{
		{"empty", "", 0},
		{"single char", "a", 1},
		{"four ascii", "abcd", 1},
		{"five ascii", "abcde", 2},
		{"ascii sentence", strings.Repeat("a", 40), 10},
		{"cjk counts one char per token", "日本語", 3},
		{"mixed", "hi 日本", 3}, // 3 ascii + 2*4 = 11 → 3
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := est.Estimate(tt.text); got != tt.want {
				t.Errorf("Estimate(%q) = %d, want %d", tt.text, got, tt.want)
			}
		})
	}
}

func TestValidateMessageTokens(t *testing.T) {
	est := HeuristicEstimator{}

	// 8000 ascii chars is exactly 2000 tokens: at the limit, allowed.
	if err := ValidateMessageTokens(est, strings.Repeat("a", 8000), 2000); err != nil {
		t.Errorf("message at limit rejected: %v", err)
	}

	// One more char tips it over.
	err := ValidateMessageTokens(est, strings.Repeat("a", 8001), 2000)
	if err == nil {
		t.Fatal("expected error for message over limit")
	}
	var tooLong *MessageTooLongError
	if !errors.As(err, &tooLong) {
		t.Fatalf("expected MessageTooLongError, got %T", err)
	}
	if tooLong.Tokens != 2001 || tooLong.Limit != 2000 {
		t.Errorf("got Tokens=%d Limit=%d, want 2001/2000", tooLong.Tokens, tooLong.Limit)
	}
}

func TestEstimateMessageCoversAllBlockTypes(t *testing.T) {
	est := HeuristicEstimator{}

	msg := Message{Role: RoleAssistant, Content: []Block{
		TextBlock("hello there"),
		{Type: BlockToolUse, ID: "t1", Name: "list_appointments", Input: map[string]any{"status": "scheduled"}},
		ToolResultBlock("t1", "two appointments found", false),
	}}

	if got := estimateMessage(est, msg); got <= 0 {
		t.Errorf("estimateMessage = %d, want > 0", got)
	}

	// A message with a tool_use block must cost more than the same
	// message without it.
	without := Message{Role: RoleAssistant, Content: msg.Content[:1]}
	if estimateMessage(est, msg) <= estimateMessage(est, without) {
		t.Error("tool blocks did not contribute to estimate")
	}
}

func TestTruncateConversation(t *testing.T) {
	est := HeuristicEstimator{}

	// Each message is 100 ascii chars = 25 tokens.
	mk := func(n int) []Message {
		msgs := make([]Message, n)
		for i := range msgs {
			msgs[i] = UserMessage(strings.Repeat("x", 100))
		}
		return msgs
	}

	t.Run("fits unchanged", func(t *testing.T) {
		msgs := mk(4)
		got := TruncateConversation(est, msgs, "", nil, 1000, 0)
		if len(got) != 4 {
			t.Errorf("got %d messages, want 4", len(got))
		}
	})

	t.Run("keeps longest suffix", func(t *testing.T) {
		// Budget for exactly 2 messages (50 tokens).
		msgs := mk(5)
		got := TruncateConversation(est, msgs, "", nil, 50, 0)
		if len(got) != 2 {
			t.Fatalf("got %d messages, want 2", len(got))
		}
		// Suffix identity: the kept messages are the last ones.
		if &got[0] != &msgs[3] {
			t.Error("kept messages are not the trailing suffix")
		}
	})

	t.Run("headroom and system reduce budget", func(t *testing.T) {
		msgs := mk(5)
		// 125 total budget, 25 headroom, system is 100 chars = 25
		// tokens: 75 left, fits 3 messages.
		got := TruncateConversation(est, msgs, strings.Repeat("s", 100), nil, 125, 25)
		if len(got) != 3 {
			t.Errorf("got %d messages, want 3", len(got))
		}
	})

	t.Run("no budget at all", func(t *testing.T) {
		got := TruncateConversation(est, mk(2), "", nil, 10, 20)
		if got != nil {
			t.Errorf("got %d messages, want nil", len(got))
		}
	})

	t.Run("empty input", func(t *testing.T) {
		if got := TruncateConversation(est, nil, "", nil, 100, 0); len(got) != 0 {
			t.Errorf("got %d messages, want 0", len(got))
		}
	})
}

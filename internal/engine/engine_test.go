package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/caregent/caregent/internal/appointments"
	"github.com/caregent/caregent/internal/llm"
	"github.com/caregent/caregent/internal/session"
	"github.com/caregent/caregent/internal/tools"
	"github.com/caregent/caregent/internal/verify"
)

// step is one scripted provider response.
type step struct {
	resp *llm.Response
	err  error
}

// fakeProvider replays a script of responses and records every
// request it receives.
type fakeProvider struct {
	steps      []step
	calls      int
	systems    []string
	histories  [][]llm.Message
	repeatLast bool
	// onCall, when set, runs before each scripted response.
	onCall func()
}

func (f *fakeProvider) CreateMessage(_ context.Context, system string, messages []llm.Message, _ []llm.ToolSchema) (*llm.Response, error) {
	if f.onCall != nil {
		f.onCall()
	}
	f.systems = append(f.systems, system)
	hist := append([]llm.Message(nil), messages...)
	f.histories = append(f.histories, hist)

	i := f.calls
	if i >= len(f.steps) {
		if !f.repeatLast || len(f.steps) == 0 {
			return nil, errors.New("fake provider script exhausted")
		}
		i = len(f.steps) - 1
	}
	f.calls++
	s := f.steps[i]
	return s.resp, s.err
}

func (f *fakeProvider) ValidateMessage(text string) error {
	return llm.ValidateMessageTokens(llm.HeuristicEstimator{}, text, 2000)
}

func textResp(text string) *llm.Response {
	return &llm.Response{
		Content:    []llm.Block{llm.TextBlock(text)},
		StopReason: "end_turn",
		Usage:      llm.Usage{InputTokens: 10, OutputTokens: 5},
	}
}

func toolResp(id, name string, args map[string]any) *llm.Response {
	return &llm.Response{
		Content: []llm.Block{
			llm.TextBlock("One moment."),
			{Type: llm.BlockToolUse, ID: id, Name: name, Input: args},
		},
		StopReason: "tool_use",
		Usage:      llm.Usage{InputTokens: 20, OutputTokens: 10},
	}
}

type fixture struct {
	provider *fakeProvider
	store    session.Store
	engine   *Engine
}

func newFixture(t *testing.T, steps []step) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := session.NewStore(session.DriverMemory)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	registry := tools.NewDefaultRegistry(
		verify.NewStaticDirectory(verify.TestPatients()),
		appointments.NewInMemoryService(),
		logger,
	)
	provider := &fakeProvider{steps: steps}
	return &fixture{
		provider: provider,
		store:    store,
		engine:   New(provider, registry, store, nil, "test-model", 10, 3, logger),
	}
}

func TestGreetingEndsWithoutTools(t *testing.T) {
	f := newFixture(t, []step{
		{resp: textResp("Hello! To get started, please share your full name, phone number, and date of birth.")},
	})

	reply, err := f.engine.Process(context.Background(), "hello", "")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply.Response, "name") || !strings.Contains(reply.Response, "date of birth") {
		t.Errorf("greeting response = %q", reply.Response)
	}
	if reply.SessionID == "" {
		t.Error("no session id returned")
	}
	if reply.Metadata.Error != "" {
		t.Errorf("error tag = %q", reply.Metadata.Error)
	}

	sess, err := f.store.Get(context.Background(), reply.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	if sess.Verified {
		t.Error("fresh session verified")
	}
	if len(sess.History) != 2 {
		t.Errorf("history length = %d, want 2 (user + assistant)", len(sess.History))
	}
}

func TestVerificationFlow(t *testing.T) {
	f := newFixture(t, []step{
		{resp: toolResp("toolu_1", tools.ToolVerifyPatient, map[string]any{
			"name":          "John Smith",
			"phone":         "555-123-4567",
			"date_of_birth": "1980-01-01",
		})},
		{resp: textResp("You're verified, John. How can I help with your appointments?")},
	})

	reply, err := f.engine.Process(context.Background(), "I'm John Smith, 555-123-4567, born 1980-01-01", "")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply.Response, "verified") {
		t.Errorf("response = %q", reply.Response)
	}

	sess, _ := f.store.Get(context.Background(), reply.SessionID)
	if !sess.Verified || sess.PatientID != "PATIENT_001" {
		t.Errorf("session = %+v, want verified PATIENT_001", sess)
	}

	// The second provider call must carry the verification tool
	// result answering toolu_1.
	if len(f.provider.histories) != 2 {
		t.Fatalf("provider calls = %d, want 2", len(f.provider.histories))
	}
	last := f.provider.histories[1][len(f.provider.histories[1])-1]
	if last.Role != llm.RoleUser || len(last.Content) != 1 {
		t.Fatalf("last message = %+v", last)
	}
	blk := last.Content[0]
	if blk.Type != llm.BlockToolResult || blk.ToolUseID != "toolu_1" || blk.IsError {
		t.Errorf("tool result = %+v", blk)
	}
	if !strings.Contains(blk.Content, "Identity verified successfully") {
		t.Errorf("tool result content = %q", blk.Content)
	}

	// The second system prompt reflects the verified state.
	if !strings.Contains(f.provider.systems[1], "Patient verified: YES (Patient ID: PATIENT_001)") {
		t.Errorf("system prompt after verification = %q", f.provider.systems[1])
	}
	if !strings.Contains(f.provider.systems[0], "Patient verified: NO") {
		t.Errorf("initial system prompt = %q", f.provider.systems[0])
	}
}

func TestGatedToolWhileUnverified(t *testing.T) {
	f := newFixture(t, []step{
		{resp: toolResp("toolu_1", tools.ToolListAppointments, nil)},
		{resp: textResp("I need to verify your identity first. Please share your name, phone, and date of birth.")},
	})

	reply, err := f.engine.Process(context.Background(), "show my appointments", "")
	if err != nil {
		t.Fatal(err)
	}

	// No appointment data in the reply, and the model saw the fixed
	// verify-first refusal.
	if strings.Contains(reply.Response, "APT_") {
		t.Errorf("unverified reply leaked appointment data: %q", reply.Response)
	}
	last := f.provider.histories[1][len(f.provider.histories[1])-1]
	if !strings.Contains(last.Content[0].Content, "verify the patient's identity first") {
		t.Errorf("refusal content = %q", last.Content[0].Content)
	}
	if last.Content[0].IsError {
		t.Error("gated refusal flagged as error")
	}
}

func TestVerifiedListFlow(t *testing.T) {
	f := newFixture(t, []step{
		{resp: toolResp("toolu_1", tools.ToolListAppointments, nil)},
		{resp: textResp("You have two upcoming appointments.")},
	})

	sess, _ := f.store.GetOrCreate(context.Background(), "")
	sess.SetVerified("PATIENT_001")
	f.store.Save(context.Background(), sess)

	reply, err := f.engine.Process(context.Background(), "show my appointments", sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if reply.Metadata.Error != "" {
		t.Errorf("error tag = %q", reply.Metadata.Error)
	}

	last := f.provider.histories[1][len(f.provider.histories[1])-1]
	content := last.Content[0].Content
	if !strings.Contains(content, "APT_001") || !strings.Contains(content, "APT_002") {
		t.Errorf("list result missing appointments: %q", content)
	}
}

func TestMaxTurnsForcesEnd(t *testing.T) {
	f := newFixture(t, []step{
		{resp: toolResp("toolu_1", tools.ToolListAppointments, nil)},
	})
	f.provider.repeatLast = true

	sess, _ := f.store.GetOrCreate(context.Background(), "")
	sess.SetVerified("PATIENT_001")
	f.store.Save(context.Background(), sess)

	reply, err := f.engine.Process(context.Background(), "loop forever", sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if reply.Response != noticeMaxTurns {
		t.Errorf("response = %q", reply.Response)
	}
	if reply.Metadata.Error != "max_turns" {
		t.Errorf("error tag = %q", reply.Metadata.Error)
	}
	if f.provider.calls != 10 {
		t.Errorf("provider calls = %d, want 10", f.provider.calls)
	}
}

func TestRateLimitRecovery(t *testing.T) {
	f := newFixture(t, []step{
		{err: &llm.APIError{StatusCode: 429, Body: "rate_limit_error"}},
		{resp: textResp("Sorry for the wait. How can I help?")},
	})

	reply, err := f.engine.Process(context.Background(), "hello", "")
	if err != nil {
		t.Fatal(err)
	}
	if reply.Metadata.Error != "" {
		t.Errorf("recovered run carries error tag %q", reply.Metadata.Error)
	}
	if !strings.Contains(reply.Response, "How can I help") {
		t.Errorf("response = %q", reply.Response)
	}

	// The retry notice was injected into history before the retry.
	second := f.provider.histories[1]
	found := false
	for _, m := range second {
		if m.Role == llm.RoleAssistant && m.Text() == noticeHighDemand {
			found = true
		}
	}
	if !found {
		t.Error("high-demand notice missing from retried history")
	}
}

func TestRateLimitExhaustsRetryBudget(t *testing.T) {
	f := newFixture(t, []step{
		{err: &llm.APIError{StatusCode: 429, Body: "rate_limit_error"}},
	})
	f.provider.repeatLast = true

	reply, err := f.engine.Process(context.Background(), "hello", "")
	if err != nil {
		t.Fatal(err)
	}
	if reply.Response != noticeHighDemand {
		t.Errorf("response = %q", reply.Response)
	}
	if reply.Metadata.Error != "rate_limit" {
		t.Errorf("error tag = %q", reply.Metadata.Error)
	}
	// Initial attempt plus three budgeted retries.
	if f.provider.calls != 4 {
		t.Errorf("provider calls = %d, want 4", f.provider.calls)
	}
}

func TestContextLengthTruncatesHistory(t *testing.T) {
	f := newFixture(t, []step{
		{err: errors.New("prompt exceeds context window token limit")},
		{resp: textResp("Continuing with a shorter context.")},
	})

	// Seed a long history so truncation has something to cut.
	sess, _ := f.store.GetOrCreate(context.Background(), "")
	for i := 0; i < 20; i++ {
		sess.Append(llm.UserMessage("earlier message"), llm.AssistantMessage("earlier reply"))
	}
	f.store.Save(context.Background(), sess)

	reply, err := f.engine.Process(context.Background(), "one more thing", sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if reply.Metadata.Error != "" {
		t.Errorf("error tag = %q", reply.Metadata.Error)
	}

	// Retry history: last 10 survivors plus the truncation notice.
	second := f.provider.histories[1]
	if len(second) != 11 {
		t.Errorf("retried history length = %d, want 11", len(second))
	}
	if second[len(second)-1].Text() != noticeTruncated {
		t.Errorf("last retried message = %q", second[len(second)-1].Text())
	}
}

func TestUnclassifiedErrorApologizes(t *testing.T) {
	f := newFixture(t, []step{
		{err: errors.New("unexpected EOF")},
	})

	reply, err := f.engine.Process(context.Background(), "hello", "")
	if err != nil {
		t.Fatal(err)
	}
	if reply.Response != apologyGeneric {
		t.Errorf("response = %q", reply.Response)
	}
	if reply.Metadata.Error != "error" {
		t.Errorf("error tag = %q", reply.Metadata.Error)
	}
	if f.provider.calls != 1 {
		t.Errorf("provider calls = %d, want 1 (no retry)", f.provider.calls)
	}
}

func TestSessionGoneDuringVerification(t *testing.T) {
	f := newFixture(t, []step{
		{resp: toolResp("toolu_1", tools.ToolVerifyPatient, map[string]any{
			"name":          "John Smith",
			"phone":         "555-123-4567",
			"date_of_birth": "1980-01-01",
		})},
	})

	sess, _ := f.store.GetOrCreate(context.Background(), "")

	// The session disappears between the model's tool call and the
	// verification state.
	f.store.Delete(context.Background(), sess.ID)
	snapshot := *sess
	result := f.engine.controller.Run(context.Background(), &snapshot, "verify me")

	if result.Response != apologyGeneric {
		t.Errorf("response = %q", result.Response)
	}
	if result.ErrorTag != "session_not_found" {
		t.Errorf("error tag = %q", result.ErrorTag)
	}
}

func TestProcessDoesNotResurrectDeadSession(t *testing.T) {
	f := newFixture(t, []step{
		{resp: toolResp("toolu_1", tools.ToolVerifyPatient, map[string]any{
			"name":          "John Smith",
			"phone":         "555-123-4567",
			"date_of_birth": "1980-01-01",
		})},
	})

	sess, _ := f.store.GetOrCreate(context.Background(), "")

	// The session expires while the model call is in flight.
	f.provider.onCall = func() {
		f.store.Delete(context.Background(), sess.ID)
	}

	reply, err := f.engine.Process(context.Background(), "verify me", sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if reply.Metadata.Error != "session_not_found" {
		t.Fatalf("error tag = %q", reply.Metadata.Error)
	}

	// Processing must not have written the dead session back with a
	// fresh expiry.
	if _, err := f.store.Get(context.Background(), sess.ID); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("Get after fatal run = %v, want ErrNotFound", err)
	}
}

func TestCanceledContextEndsRun(t *testing.T) {
	f := newFixture(t, nil)
	sess, _ := f.store.GetOrCreate(context.Background(), "")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result := f.engine.controller.Run(ctx, sess, "hello")

	if result.Response != apologyGeneric {
		t.Errorf("response = %q", result.Response)
	}
	if result.ErrorTag != "canceled" {
		t.Errorf("error tag = %q", result.ErrorTag)
	}
	if f.provider.calls != 0 {
		t.Errorf("provider calls = %d, want 0", f.provider.calls)
	}
}

func TestProcessRejectsOversizedMessage(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.engine.Process(context.Background(), strings.Repeat("a", 9000), "")
	var tooLong *llm.MessageTooLongError
	if !errors.As(err, &tooLong) {
		t.Fatalf("err = %v, want MessageTooLongError", err)
	}
	if f.provider.calls != 0 {
		t.Error("provider called despite pre-flight rejection")
	}
}

func TestProcessUnknownSession(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.engine.Process(context.Background(), "hello", "00000000-0000-0000-0000-000000000000")
	if !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want errorClass
	}{
		{"api 429", &llm.APIError{StatusCode: 429}, classRateLimit},
		{"rate limit text", errors.New("anthropic rate limit exceeded"), classRateLimit},
		{"token text", errors.New("too many tokens in prompt"), classContext},
		{"context text", errors.New("context window exceeded"), classContext},
		{"session gone", errors.New("verification: session not found"), classFatal},
		{"other", errors.New("connection refused"), classUnknown},
		{"canceled", fmt.Errorf("create message: %w", context.Canceled), classUnknown},
		{"deadline", context.DeadlineExceeded, classUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classify(tt.err); got != tt.want {
				t.Errorf("classify(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

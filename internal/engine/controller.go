package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caregent/caregent/internal/llm"
	"github.com/caregent/caregent/internal/session"
	"github.com/caregent/caregent/internal/tools"
)

const (
	defaultMaxTurns        = 10
	defaultMaxErrorRetries = 3

	// truncateKeep is how much history survives a context-length
	// recovery.
	truncateKeep = 10

	noticeHighDemand = "I'm experiencing high demand. Let me try again in a moment..."
	noticeTruncated  = "Our conversation has become quite long. I'll continue with a shortened context to help you better."
	noticeMaxTurns   = "I wasn't able to complete that request within a reasonable number of steps. Please try again."
	apologyGeneric   = "I apologize, but I encountered an error. Please try rephrasing your request."
)

// errorClass buckets a turn failure for the recovery path.
type errorClass int

const (
	classUnknown errorClass = iota
	classRateLimit
	classContext
	classFatal
)

func (c errorClass) String() string {
	switch c {
	case classRateLimit:
		return "rate_limit"
	case classContext:
		return "context_length"
	case classFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// classify buckets an error by its message content and, for provider
// errors, its status code.
func classify(err error) errorClass {
	// A dead context reads as "context canceled", which must not be
	// mistaken for a context-length failure.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return classUnknown
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "session not found") {
		return classFatal
	}

	var apiErr *llm.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == 429 {
		return classRateLimit
	}
	if strings.Contains(msg, "rate limit") || strings.Contains(msg, "rate_limit") {
		return classRateLimit
	}
	if strings.Contains(msg, "token") || strings.Contains(msg, "context") {
		return classContext
	}
	return classUnknown
}

// Result is one run's outcome. The caller folds History and Patient
// back into the stored session.
type Result struct {
	Response string
	Usage    llm.Usage
	Patient  PatientInfo
	// ErrorTag names the failure class when the run ended on the
	// error path; empty on clean runs.
	ErrorTag string
}

// Controller drives one conversation run through the state machine.
type Controller struct {
	provider llm.Provider
	registry *tools.Registry
	store    session.Store
	logger   *slog.Logger

	maxTurns        int
	maxErrorRetries int

	// now is a test seam for the system prompt timestamp.
	now func() time.Time
}

// NewController wires a turn controller. Zero ceilings fall back to
// the defaults (10 turns, 3 error retries).
func NewController(provider llm.Provider, registry *tools.Registry, store session.Store, maxTurns, maxErrorRetries int, logger *slog.Logger) *Controller {
	if maxTurns <= 0 {
		maxTurns = defaultMaxTurns
	}
	if maxErrorRetries <= 0 {
		maxErrorRetries = defaultMaxErrorRetries
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		provider:        provider,
		registry:        registry,
		store:           store,
		logger:          logger,
		maxTurns:        maxTurns,
		maxErrorRetries: maxErrorRetries,
		now:             time.Now,
	}
}

// Run executes one conversation run: append the user message, then
// loop through the state machine until END. The session must be a
// run-local snapshot; Run mutates its history and verification state
// and the caller persists it afterward.
func (c *Controller) Run(ctx context.Context, sess *session.Session, userMessage string) *Result {
	sess.Append(llm.UserMessage(userMessage))

	var (
		state   = StateAgent
		result  = &Result{}
		pending []llm.ToolCall
		lastErr error
		turns   int
		retries int
	)

	for state != StateEnd {
		if ctx.Err() != nil {
			result.Response = apologyGeneric
			result.ErrorTag = "canceled"
			break
		}
		c.logger.Debug("turn state", "state", state.String(), "session_id", sess.ID, "turns", turns)

		switch state {
		case StateAgent:
			if turns >= c.maxTurns {
				c.logger.Warn("turn ceiling reached", "session_id", sess.ID, "turns", turns)
				result.Response = noticeMaxTurns
				result.ErrorTag = "max_turns"
				state = StateEnd
				continue
			}
			turns++

			prompt := systemPrompt(sess.Verified, sess.PatientID, c.now())
			resp, err := c.provider.CreateMessage(ctx, prompt, sess.History, c.registry.Schemas())
			if err != nil {
				lastErr = err
				state = StateError
				continue
			}
			result.Usage.Add(resp.Usage)
			sess.Append(llm.Message{Role: llm.RoleAssistant, Content: resp.Content})

			pending = resp.ToolCalls()
			if len(pending) == 0 {
				result.Response = resp.Text()
				state = StateEnd
				continue
			}
			if c.needsVerification(pending, sess) {
				state = StateVerify
			} else {
				state = StateTools
			}

		case StateTools:
			sess.Append(c.executePending(ctx, pending, sess))
			pending = nil
			state = StateAgent

		case StateVerify:
			// The session may have expired mid-run; verification
			// must not proceed against a dead session.
			if _, err := c.store.Get(ctx, sess.ID); err != nil {
				if errors.Is(err, session.ErrNotFound) {
					lastErr = fmt.Errorf("verification: %w", session.ErrNotFound)
				} else {
					lastErr = fmt.Errorf("verification session check: %w", err)
				}
				state = StateError
				continue
			}
			sess.Append(c.executePending(ctx, pending, sess))
			pending = nil
			state = StateAgent

		case StateError:
			state = c.recover(sess, lastErr, &retries, result)
			lastErr = nil
		}
	}

	result.Patient = PatientInfo{
		PatientID:      sess.PatientID,
		Verified:       sess.Verified,
		FailedAttempts: sess.FailedAttempts,
	}
	return result
}

// needsVerification routes a batch of tool calls through the
// verification state when it contains the verification tool, or any
// gated tool while the session is unverified.
func (c *Controller) needsVerification(calls []llm.ToolCall, sess *session.Session) bool {
	for _, call := range calls {
		if call.Name == tools.ToolVerifyPatient {
			return true
		}
		if t, ok := c.registry.Get(call.Name); ok && t.Gated && !sess.Verified {
			return true
		}
	}
	return false
}

// executePending runs every pending tool call and answers them all in
// a single user message of tool_result blocks, preserving call order.
func (c *Controller) executePending(ctx context.Context, calls []llm.ToolCall, sess *session.Session) llm.Message {
	blocks := make([]llm.Block, 0, len(calls))
	for _, call := range calls {
		blocks = append(blocks, c.registry.Execute(ctx, call, sess))
	}
	return llm.Message{Role: llm.RoleUser, Content: blocks}
}

// recover implements the error state: classify the failure, spend
// retry budget on the recoverable classes, and otherwise end the run
// with an apology.
func (c *Controller) recover(sess *session.Session, err error, retries *int, result *Result) State {
	class := classify(err)
	c.logger.Error("turn error",
		"session_id", sess.ID,
		"class", class,
		"retries", *retries,
		"error", err,
	)

	switch class {
	case classFatal:
		result.Response = apologyGeneric
		result.ErrorTag = "session_not_found"
		return StateEnd

	case classRateLimit:
		*retries++
		if *retries > c.maxErrorRetries {
			result.Response = noticeHighDemand
			result.ErrorTag = "rate_limit"
			return StateEnd
		}
		sess.Append(llm.AssistantMessage(noticeHighDemand))
		return StateAgent

	case classContext:
		*retries++
		if *retries > c.maxErrorRetries {
			result.Response = apologyGeneric
			result.ErrorTag = "context_length"
			return StateEnd
		}
		if len(sess.History) > truncateKeep {
			sess.History = sess.History[len(sess.History)-truncateKeep:]
		}
		sess.Append(llm.AssistantMessage(noticeTruncated))
		return StateAgent

	default:
		result.Response = apologyGeneric
		result.ErrorTag = "error"
		return StateEnd
	}
}

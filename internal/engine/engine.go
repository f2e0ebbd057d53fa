package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/caregent/caregent/internal/llm"
	"github.com/caregent/caregent/internal/session"
	"github.com/caregent/caregent/internal/tools"
)

// UsageRecorder receives per-run token accounting. The sqlite usage
// store satisfies this; a nil recorder disables recording.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, sessionID, model string, u llm.Usage) error
}

// Metadata is the accounting attached to every reply.
type Metadata struct {
	TotalInputTokens    int    `json:"total_input_tokens"`
	TotalOutputTokens   int    `json:"total_output_tokens"`
	CacheCreationTokens int    `json:"cache_creation_tokens"`
	CacheReadTokens     int    `json:"cache_read_tokens"`
	Error               string `json:"error,omitempty"`
}

// Reply is the outcome of processing one user message.
type Reply struct {
	Response  string   `json:"response"`
	SessionID string   `json:"session_id"`
	Metadata  Metadata `json:"metadata"`
}

// Engine is the conversation entry point: it owns session loading and
// persistence around each turn-controller run.
type Engine struct {
	provider   llm.Provider
	controller *Controller
	store      session.Store
	recorder   UsageRecorder
	model      string
	logger     *slog.Logger
}

// New assembles an engine. recorder may be nil.
func New(provider llm.Provider, registry *tools.Registry, store session.Store, recorder UsageRecorder, model string, maxTurns, maxErrorRetries int, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		provider:   provider,
		controller: NewController(provider, registry, store, maxTurns, maxErrorRetries, logger),
		store:      store,
		recorder:   recorder,
		model:      model,
		logger:     logger,
	}
}

// Process handles one user message for the given session, creating a
// session when sessionID is empty. The only errors it returns are the
// pre-flight ones a caller can act on: an oversized message
// (*llm.MessageTooLongError) and an unknown or expired session id
// (session.ErrNotFound). Everything that goes wrong after that point
// degrades to an apologetic response inside the reply.
func (e *Engine) Process(ctx context.Context, message, sessionID string) (*Reply, error) {
	if err := e.provider.ValidateMessage(message); err != nil {
		return nil, err
	}

	sess, err := e.store.GetOrCreate(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	result := e.controller.Run(ctx, sess, message)

	if result.ErrorTag == "session_not_found" {
		// The session died mid-run; saving would resurrect it with a
		// fresh expiry.
		e.logger.Warn("session gone mid-run, not persisted", "session_id", sess.ID)
	} else {
		sess.Touch()
		if err := e.store.Save(ctx, sess); err != nil {
			// The run completed; losing persistence degrades the next
			// turn but this reply is still valid.
			e.logger.Error("save session failed", "session_id", sess.ID, "error", err)
		}
	}

	if e.recorder != nil {
		if err := e.recorder.RecordUsage(ctx, sess.ID, e.model, result.Usage); err != nil {
			e.logger.Error("record usage failed", "session_id", sess.ID, "error", err)
		}
	}

	e.logger.Info("message processed",
		"session_id", sess.ID,
		"verified", result.Patient.Verified,
		"input_tokens", result.Usage.InputTokens,
		"output_tokens", result.Usage.OutputTokens,
		"error_tag", result.ErrorTag,
	)

	return &Reply{
		Response:  result.Response,
		SessionID: sess.ID,
		Metadata: Metadata{
			TotalInputTokens:    result.Usage.InputTokens,
			TotalOutputTokens:   result.Usage.OutputTokens,
			CacheCreationTokens: result.Usage.CacheCreationTokens,
			CacheReadTokens:     result.Usage.CacheReadTokens,
			Error:               result.ErrorTag,
		},
	}, nil
}

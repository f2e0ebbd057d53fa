// Package session holds per-conversation state: history, verification
// status, and activity timestamps, behind a pluggable store.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/caregent/caregent/internal/llm"
)

var (
	// ErrNotFound means the session id is unknown or has expired.
	ErrNotFound = errors.New("session not found")

	// ErrInvalidConfig means the store factory was missing a
	// required option for the chosen driver.
	ErrInvalidConfig = errors.New("invalid session store config")

	// ErrInvalidDriver means the configured driver name is unknown.
	ErrInvalidDriver = errors.New("invalid session store driver")
)

// Session is one conversation's state. PatientID is set only after
// verification succeeds; raw identity fields are never stored here.
type Session struct {
	ID             string        `json:"id"`
	PatientID      string        `json:"patient_id,omitempty"`
	Verified       bool          `json:"verified"`
	FailedAttempts int           `json:"failed_attempts"`
	History        []llm.Message `json:"history"`
	CreatedAt      time.Time     `json:"created_at"`
	LastActivity   time.Time     `json:"last_activity"`
}

// NewSession creates an unverified session with a fresh UUIDv7 id.
func NewSession() *Session {
	now := time.Now().UTC()
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return &Session{
		ID:           id.String(),
		CreatedAt:    now,
		LastActivity: now,
	}
}

// Touch records activity, postponing expiry.
func (s *Session) Touch() {
	s.LastActivity = time.Now().UTC()
}

// SetVerified marks the session verified for the given patient and
// resets the failure counter.
func (s *Session) SetVerified(patientID string) {
	s.Verified = true
	s.PatientID = patientID
	s.FailedAttempts = 0
}

// RecordFailedAttempt counts one failed verification attempt.
func (s *Session) RecordFailedAttempt() {
	s.FailedAttempts++
}

// Append adds messages to the conversation history.
func (s *Session) Append(msgs ...llm.Message) {
	s.History = append(s.History, msgs...)
}

// Stats is a point-in-time census of the store.
type Stats struct {
	Active   int `json:"active"`
	Verified int `json:"verified"`
}

// Store persists sessions. Implementations expire sessions after the
// configured inactivity timeout.
type Store interface {
	// GetOrCreate returns the session with the given id, or a brand
	// new one when id is empty. An unknown or expired id yields
	// ErrNotFound.
	GetOrCreate(ctx context.Context, id string) (*Session, error)

	// Get returns the session with the given id, or ErrNotFound.
	Get(ctx context.Context, id string) (*Session, error)

	// Save persists the session and refreshes its expiry.
	Save(ctx context.Context, s *Session) error

	// Delete removes the session. Deleting an absent session is not
	// an error.
	Delete(ctx context.Context, id string) error

	// Stats counts live sessions.
	Stats(ctx context.Context) (Stats, error)

	// Close releases store resources.
	Close() error
}

package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/caregent/caregent/internal/llm"
)

func newTestStore(t *testing.T, timeout time.Duration) *memoryStore {
	t.Helper()
	store, err := NewStore(DriverMemory, WithTimeout(timeout))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store.(*memoryStore)
}

func TestNewSession(t *testing.T) {
	s := NewSession()
	if s.ID == "" {
		t.Fatal("session has no id")
	}
	if s.Verified || s.PatientID != "" || s.FailedAttempts != 0 {
		t.Errorf("new session not pristine: %+v", s)
	}
	if NewSession().ID == s.ID {
		t.Error("session ids are not unique")
	}
}

func TestSessionMutators(t *testing.T) {
	s := NewSession()

	s.RecordFailedAttempt()
	s.RecordFailedAttempt()
	if s.FailedAttempts != 2 {
		t.Errorf("FailedAttempts = %d, want 2", s.FailedAttempts)
	}

	s.SetVerified("PATIENT_001")
	if !s.Verified || s.PatientID != "PATIENT_001" {
		t.Errorf("after SetVerified: %+v", s)
	}
	if s.FailedAttempts != 0 {
		t.Error("SetVerified did not reset the failure counter")
	}

	before := s.LastActivity
	time.Sleep(time.Millisecond)
	s.Touch()
	if !s.LastActivity.After(before) {
		t.Error("Touch did not advance LastActivity")
	}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	store := newTestStore(t, time.Hour)
	ctx := context.Background()

	sess, err := store.GetOrCreate(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	sess.Append(llm.UserMessage("hello"), llm.AssistantMessage("hi there"))
	sess.SetVerified("PATIENT_002")
	if err := store.Save(ctx, sess); err != nil {
		t.Fatal(err)
	}

	got, err := store.Get(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Verified || got.PatientID != "PATIENT_002" {
		t.Errorf("loaded session lost verification: %+v", got)
	}
	if len(got.History) != 2 || got.History[0].Text() != "hello" {
		t.Errorf("loaded history = %+v", got.History)
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	store := newTestStore(t, time.Hour)
	ctx := context.Background()

	sess, _ := store.GetOrCreate(ctx, "")
	sess.Append(llm.UserMessage("one"))
	store.Save(ctx, sess)

	a, _ := store.Get(ctx, sess.ID)
	a.Append(llm.UserMessage("two"))
	a.Verified = true

	b, _ := store.Get(ctx, sess.ID)
	if len(b.History) != 1 || b.Verified {
		t.Error("mutating a loaded session leaked into the store")
	}
}

func TestMemoryStoreNotFound(t *testing.T) {
	store := newTestStore(t, time.Hour)

	_, err := store.Get(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	_, err = store.GetOrCreate(context.Background(), "also-nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetOrCreate with unknown id: err = %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	store := newTestStore(t, 30*time.Minute)
	ctx := context.Background()

	sess, _ := store.GetOrCreate(ctx, "")

	// Jump past the inactivity timeout.
	store.now = func() time.Time { return time.Now().Add(31 * time.Minute) }

	if _, err := store.Get(ctx, sess.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expired session still retrievable: %v", err)
	}
}

func TestMemoryStoreStats(t *testing.T) {
	store := newTestStore(t, time.Hour)
	ctx := context.Background()

	a, _ := store.GetOrCreate(ctx, "")
	a.SetVerified("PATIENT_001")
	store.Save(ctx, a)
	store.GetOrCreate(ctx, "")

	st, err := store.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Active != 2 || st.Verified != 1 {
		t.Errorf("Stats = %+v, want {Active:2 Verified:1}", st)
	}
}

func TestNewStoreInvalid(t *testing.T) {
	if _, err := NewStore(DriverRedis); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("redis without client: err = %v, want ErrInvalidConfig", err)
	}
	if _, err := NewStore("bogus"); !errors.Is(err, ErrInvalidDriver) {
		t.Errorf("unknown driver: err = %v, want ErrInvalidDriver", err)
	}
}

// Package verify implements privacy-preserving patient identity
// verification. Identity fields are validated, normalized, and hashed
// into a fixed lookup key; raw identity data is never stored and a
// failed lookup never reveals which field was wrong.
package verify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"
)

// Info is one verification attempt's identity fields as supplied by
// the caller, before normalization.
type Info struct {
	Name        string
	Phone       string
	DateOfBirth string
}

var (
	nameRe  = regexp.MustCompile(`^[a-zA-Z\s\-'\.]+$`)
	phoneRe = regexp.MustCompile(`^\d{3}-\d{3}-\d{4}$`)
	dobRe   = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
)

// Validate checks the identity fields for well-formedness before any
// lookup happens. The error messages describe format problems only;
// they never say whether an identity exists.
func (in Info) Validate() error {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return fmt.Errorf("name cannot be empty")
	}
	if len(strings.Fields(name)) < 2 {
		return fmt.Errorf("please provide both first and last name")
	}
	if !nameRe.MatchString(name) {
		return fmt.Errorf("name can only contain letters, spaces, hyphens, apostrophes, and periods")
	}

	if !phoneRe.MatchString(in.Phone) {
		return fmt.Errorf("phone must be in xxx-xxx-xxxx format")
	}

	if !dobRe.MatchString(in.DateOfBirth) {
		return fmt.Errorf("date of birth must be in YYYY-MM-DD format")
	}
	dob, err := time.Parse("2006-01-02", in.DateOfBirth)
	if err != nil {
		return fmt.Errorf("date of birth must be a valid calendar date")
	}
	now := time.Now()
	if dob.After(now) {
		return fmt.Errorf("date of birth cannot be in the future")
	}
	if now.Sub(dob) > 150*365*24*time.Hour {
		return fmt.Errorf("date of birth seems too far in the past")
	}
	return nil
}

// LookupKey derives the deterministic verification key: normalize each
// field, join, and take the first 16 hex characters of the SHA-256.
// Equal identities produce equal keys regardless of formatting noise.
func (in Info) LookupKey() string {
	name := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(in.Name)), " ", "_")

	var digits strings.Builder
	for _, r := range in.Phone {
		if unicode.IsDigit(r) {
			digits.WriteRune(r)
		}
	}
	phone := digits.String()
	if len(phone) > 10 {
		phone = phone[len(phone)-10:]
	}

	dob := strings.NewReplacer("/", "-", ".", "-").Replace(in.DateOfBirth)

	sum := sha256.Sum256([]byte(name + "_" + phone + "_" + dob))
	return hex.EncodeToString(sum[:])[:16]
}

// Verifier resolves identity fields to a patient ID. Implementations
// may back onto an EHR system; the static directory below serves
// development and tests.
type Verifier interface {
	// Verify returns the patient ID for a matching identity, or
	// ("", false) when no patient matches. It never explains why a
	// lookup failed.
	Verify(ctx context.Context, info Info) (string, bool)
}

// Patient is one directory entry.
type Patient struct {
	ID          string
	Name        string
	Phone       string
	DateOfBirth string
}

// StaticDirectory is a Verifier over a fixed patient roster, indexed
// by lookup key at construction so raw identity fields are not
// consulted during verification.
type StaticDirectory struct {
	byKey map[string]Patient
}

// NewStaticDirectory builds a directory from the given roster.
func NewStaticDirectory(patients []Patient) *StaticDirectory {
	d := &StaticDirectory{byKey: make(map[string]Patient, len(patients))}
	for _, p := range patients {
		key := Info{Name: p.Name, Phone: p.Phone, DateOfBirth: p.DateOfBirth}.LookupKey()
		d.byKey[key] = p
	}
	return d
}

// TestPatients is the development roster.
func TestPatients() []Patient {
	return []Patient{
		{ID: "PATIENT_001", Name: "John Smith", Phone: "555-123-4567", DateOfBirth: "1980-01-01"},
		{ID: "PATIENT_002", Name: "Jane Doe", Phone: "555-987-6543", DateOfBirth: "1985-05-15"},
		{ID: "PATIENT_003", Name: "Mike Johnson", Phone: "555-555-1234", DateOfBirth: "1975-12-25"},
		{ID: "PATIENT_004", Name: "Sarah Wilson", Phone: "555-444-3333", DateOfBirth: "1990-08-30"},
	}
}

// Verify implements Verifier.
func (d *StaticDirectory) Verify(_ context.Context, info Info) (string, bool) {
	p, ok := d.byKey[info.LookupKey()]
	if !ok {
		return "", false
	}
	return p.ID, true
}

// Package appointments manages per-patient appointment records and
// their status lifecycle.
package appointments

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Status is an appointment's lifecycle state. Transitions are
// scheduled to confirmed on confirmation and scheduled or confirmed
// to cancelled on cancellation; cancelled is terminal.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusConfirmed Status = "confirmed"
	StatusCancelled Status = "cancelled"
)

// Appointment is one appointment record.
type Appointment struct {
	ID        string    `json:"id"`
	PatientID string    `json:"patient_id"`
	DateTime  time.Time `json:"date_time"`
	Provider  string    `json:"provider"`
	Type      string    `json:"appointment_type"`
	Status    Status    `json:"status"`
	Location  string    `json:"location"`
}

// Service is the appointment backend the tools dispatch into. All
// operations are scoped to a patient ID; an appointment belonging to
// another patient behaves exactly like one that does not exist.
type Service interface {
	// List returns the patient's future appointments in
	// chronological order.
	List(ctx context.Context, patientID string) ([]Appointment, error)

	// Confirm moves a scheduled appointment to confirmed. It reports
	// false when the appointment is missing, belongs to another
	// patient, or is not in the scheduled state.
	Confirm(ctx context.Context, patientID, appointmentID string) (bool, error)

	// Cancel moves a scheduled or confirmed appointment to
	// cancelled. It reports false when the appointment is missing,
	// belongs to another patient, or is already cancelled.
	Cancel(ctx context.Context, patientID, appointmentID string) (bool, error)
}

// InMemoryService is a Service over a seeded in-memory table, for
// development and tests.
type InMemoryService struct {
	mu           sync.Mutex
	appointments []Appointment

	// now is a test seam for the future-only listing filter.
	now func() time.Time
}

// NewInMemoryService creates a service pre-seeded with mock data for
// the development patient roster.
func NewInMemoryService() *InMemoryService {
	return &InMemoryService{
		appointments: mockAppointments(time.Now()),
		now:          time.Now,
	}
}

// mockAppointments seeds one future week of appointments relative to
// now so the data never goes stale.
func mockAppointments(now time.Time) []Appointment {
	base := now.AddDate(0, 1, 0)
	at := func(days, hour int) time.Time {
		d := base.AddDate(0, 0, days)
		return time.Date(d.Year(), d.Month(), d.Day(), hour, 0, 0, 0, time.UTC)
	}

	return []Appointment{
		{
			ID:        "APT_001",
			PatientID: "PATIENT_001",
			DateTime:  at(1, 9),
			Provider:  "Dr. Sarah Johnson",
			Type:      "Annual Physical",
			Status:    StatusScheduled,
			Location:  "Main Clinic - Room 101",
		},
		{
			ID:        "APT_002",
			PatientID: "PATIENT_001",
			DateTime:  at(7, 14),
			Provider:  "Dr. Mike Chen",
			Type:      "Follow-up",
			Status:    StatusScheduled,
			Location:  "Main Clinic - Room 205",
		},
		{
			ID:        "APT_003",
			PatientID: "PATIENT_002",
			DateTime:  at(2, 10),
			Provider:  "Dr. Emily Davis",
			Type:      "Consultation",
			Status:    StatusConfirmed,
			Location:  "West Clinic - Room 301",
		},
		{
			ID:        "APT_004",
			PatientID: "PATIENT_003",
			DateTime:  at(5, 11),
			Provider:  "Dr. Lisa Brown",
			Type:      "Lab Results Review",
			Status:    StatusScheduled,
			Location:  "Main Clinic - Room 150",
		},
		{
			ID:        "APT_005",
			PatientID: "PATIENT_004",
			DateTime:  at(3, 15),
			Provider:  "Dr. Robert Taylor",
			Type:      "Specialist Referral",
			Status:    StatusScheduled,
			Location:  "East Clinic - Room 402",
		},
	}
}

// List implements Service.
func (s *InMemoryService) List(_ context.Context, patientID string) ([]Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var out []Appointment
	for _, apt := range s.appointments {
		if apt.PatientID == patientID && apt.DateTime.After(now) {
			out = append(out, apt)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DateTime.Before(out[j].DateTime) })
	return out, nil
}

// Confirm implements Service.
func (s *InMemoryService) Confirm(_ context.Context, patientID, appointmentID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	apt := s.find(patientID, appointmentID)
	if apt == nil || apt.Status != StatusScheduled {
		return false, nil
	}
	apt.Status = StatusConfirmed
	return true, nil
}

// Cancel implements Service.
func (s *InMemoryService) Cancel(_ context.Context, patientID, appointmentID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	apt := s.find(patientID, appointmentID)
	if apt == nil || (apt.Status != StatusScheduled && apt.Status != StatusConfirmed) {
		return false, nil
	}
	apt.Status = StatusCancelled
	return true, nil
}

func (s *InMemoryService) find(patientID, appointmentID string) *Appointment {
	for i := range s.appointments {
		if s.appointments[i].PatientID == patientID && s.appointments[i].ID == appointmentID {
			return &s.appointments[i]
		}
	}
	return nil
}

package tools

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/caregent/caregent/internal/appointments"
	"github.com/caregent/caregent/internal/session"
	"github.com/caregent/caregent/internal/verify"
)

const (
	ToolListAppointments   = "list_appointments"
	ToolConfirmAppointment = "confirm_appointment"
	ToolCancelAppointment  = "cancel_appointment"
)

var appointmentIDRe = regexp.MustCompile(`^APT_[0-9]{3}$`)

func appointmentIDArg(args map[string]any) (string, error) {
	id, err := stringArg(args, "appointment_id")
	if err != nil {
		return "", err
	}
	if !appointmentIDRe.MatchString(id) {
		return "", fmt.Errorf("appointment_id must match APT_NNN (e.g., APT_001)")
	}
	return id, nil
}

var appointmentIDSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"appointment_id": map[string]any{
			"type":        "string",
			"description": "The exact appointment ID (e.g., APT_001, APT_002)",
			"pattern":     "^APT_[0-9]{3}$",
		},
	},
	"required": []string{"appointment_id"},
}

// ListAppointmentsTool builds the gated appointment listing tool.
func ListAppointmentsTool(svc appointments.Service) Tool {
	return Tool{
		Name: ToolListAppointments,
		Description: `List all upcoming appointments for the verified patient.

PREREQUISITE: Patient must be verified first using verify_patient tool.

Parameters: None (uses verified patient's information automatically)

Response Format: Returns a formatted list showing:
- Appointment ID (e.g., APT_001) - needed for confirm/cancel actions
- Date and time in readable format
- Provider name
- Appointment type (Annual Physical, Follow-up, etc.)
- Current status (scheduled, confirmed, cancelled)
- Location/room information

Important Notes:
- Shows appointments in chronological order
- Only shows future appointments, not past ones`,
		Gated: true,
		Handler: func(ctx context.Context, _ map[string]any, sess *session.Session) (string, error) {
			apts, err := svc.List(ctx, sess.PatientID)
			if err != nil {
				return "", fmt.Errorf("list appointments: %w", err)
			}
			if len(apts) == 0 {
				return "The patient has no upcoming appointments scheduled.", nil
			}

			var b strings.Builder
			b.WriteString("Here are the patient's upcoming appointments:\n\n")
			for _, apt := range apts {
				fmt.Fprintf(&b, "%s - %s\n", apt.ID, apt.DateTime.Format("Monday, January 2, 2006 at 3:04 PM"))
				fmt.Fprintf(&b, "   Provider: %s\n", apt.Provider)
				fmt.Fprintf(&b, "   Type: %s\n", apt.Type)
				fmt.Fprintf(&b, "   Status: %s\n", apt.Status)
				fmt.Fprintf(&b, "   Location: %s\n\n", apt.Location)
			}
			b.WriteString("The patient can confirm or cancel any scheduled appointment by providing the appointment ID.")
			return b.String(), nil
		},
	}
}

// ConfirmAppointmentTool builds the gated confirmation tool.
func ConfirmAppointmentTool(svc appointments.Service) Tool {
	return Tool{
		Name: ToolConfirmAppointment,
		Description: `Confirm a scheduled appointment for the verified patient.

PREREQUISITE: Patient must be verified first using verify_patient tool.

Purpose: Change appointment status from 'scheduled' to 'confirmed'

Required Information:
- appointment_id: The exact appointment ID (e.g., APT_001, APT_002)

Important Notes:
- Only works with 'scheduled' appointments (not already confirmed or cancelled)
- Can retrieve appointment IDs from list_appointments tool first
- Patient does not need to specify the id explicitly if they can identify the appointment in another way
- Cannot confirm appointments for other patients (enforced by verification)`,
		InputSchema: appointmentIDSchema,
		Gated:       true,
		Handler: func(ctx context.Context, args map[string]any, sess *session.Session) (string, error) {
			id, err := appointmentIDArg(args)
			if err != nil {
				return "", err
			}
			ok, err := svc.Confirm(ctx, sess.PatientID, id)
			if err != nil {
				return "", fmt.Errorf("confirm appointment: %w", err)
			}
			if !ok {
				return fmt.Sprintf("Unable to confirm appointment %s. It may not exist, already be confirmed, or be cancelled.", id), nil
			}
			return fmt.Sprintf("Appointment %s has been confirmed successfully!", id), nil
		},
	}
}

// CancelAppointmentTool builds the gated cancellation tool.
func CancelAppointmentTool(svc appointments.Service) Tool {
	return Tool{
		Name: ToolCancelAppointment,
		Description: `Cancel a scheduled or confirmed appointment for the verified patient.

PREREQUISITE: Patient must be verified first using verify_patient tool.

Purpose: Cancel an existing appointment (scheduled or confirmed status)

Required Information:
- appointment_id: The exact appointment ID (e.g., APT_001, APT_002)

Important Notes:
- Works with both 'scheduled' and 'confirmed' appointments
- Cannot cancel appointments that are already cancelled
- Can retrieve appointment IDs from list_appointments tool first
- Patient does not need to specify the id explicitly if they can identify the appointment in another way
- Cancelled appointments cannot be un-cancelled (would need to reschedule)`,
		InputSchema: appointmentIDSchema,
		Gated:       true,
		Handler: func(ctx context.Context, args map[string]any, sess *session.Session) (string, error) {
			id, err := appointmentIDArg(args)
			if err != nil {
				return "", err
			}
			ok, err := svc.Cancel(ctx, sess.PatientID, id)
			if err != nil {
				return "", fmt.Errorf("cancel appointment: %w", err)
			}
			if !ok {
				return fmt.Sprintf("Unable to cancel appointment %s. It may not exist or already be cancelled.", id), nil
			}
			return fmt.Sprintf("Appointment %s has been cancelled successfully.", id), nil
		},
	}
}

// NewDefaultRegistry wires the standard tool set: identity
// verification plus the three gated appointment tools.
func NewDefaultRegistry(verifier verify.Verifier, svc appointments.Service, logger *slog.Logger) *Registry {
	r := NewRegistry(logger)
	r.Register(VerifyPatientTool(verifier))
	r.Register(ListAppointmentsTool(svc))
	r.Register(ConfirmAppointmentTool(svc))
	r.Register(CancelAppointmentTool(svc))
	return r
}

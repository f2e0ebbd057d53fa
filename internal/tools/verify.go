package tools

import (
	"context"

	"github.com/caregent/caregent/internal/session"
	"github.com/caregent/caregent/internal/verify"
)

// ToolVerifyPatient is the identity verification tool name. The turn
// controller routes calls to it through the verification state.
const ToolVerifyPatient = "verify_patient"

const (
	verifySuccess       = "Identity verified successfully! You can now access your appointment information."
	verifyFailure       = "Unable to verify your identity. Please check your information and try again."
	alreadyVerifiedNote = "You have already been verified. Please use the appointment tools to access your appointment information."
)

// VerifyPatientTool builds the identity verification tool bound to a
// patient directory. It is the only ungated tool: it must be callable
// before the session is verified.
func VerifyPatientTool(verifier verify.Verifier) Tool {
	return Tool{
		Name: ToolVerifyPatient,
		Description: `Verify a patient's identity before providing any appointment information.

CRITICAL: This tool MUST be called before any appointment-related actions.

Required Information:
- name: Patient's full legal name (first and last name, exactly as in medical records)
- phone: Patient's primary phone number (any format: xxx-xxx-xxxx, (xxx) xxx-xxxx, or xxxxxxxxxx)
- date_of_birth: Patient's birth date in YYYY-MM-DD format (e.g., 1980-01-01)

Success Response: Returns confirmation message and enables appointment tools.
Failure Response: Returns error message asking to check information.

Important Notes:
- Phone number format must be xxx-xxx-xxxx (US format)
- Date format must be YYYY-MM-DD
- Name matching is case-insensitive
- Only call this tool ONCE per conversation unless verification fails`,
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name": map[string]any{
					"type":        "string",
					"description": "Patient's full legal name (first and last name)",
				},
				"phone": map[string]any{
					"type":        "string",
					"description": "Patient's phone number in xxx-xxx-xxxx format",
				},
				"date_of_birth": map[string]any{
					"type":        "string",
					"description": "Patient's date of birth in YYYY-MM-DD format",
				},
			},
			"required": []string{"name", "phone", "date_of_birth"},
		},
		Handler: func(ctx context.Context, args map[string]any, sess *session.Session) (string, error) {
			if sess.Verified && sess.PatientID != "" {
				return alreadyVerifiedNote, nil
			}

			name, err := stringArg(args, "name")
			if err != nil {
				return "", err
			}
			phone, err := stringArg(args, "phone")
			if err != nil {
				return "", err
			}
			dob, err := stringArg(args, "date_of_birth")
			if err != nil {
				return "", err
			}

			info := verify.Info{Name: name, Phone: phone, DateOfBirth: dob}
			if err := info.Validate(); err != nil {
				return "", err
			}

			patientID, ok := verifier.Verify(ctx, info)
			if !ok {
				sess.RecordFailedAttempt()
				return verifyFailure, nil
			}
			sess.SetVerified(patientID)
			return verifySuccess, nil
		},
	}
}

package engine

import (
	"fmt"
	"strings"
	"time"
)

const basePrompt = `You are a helpful healthcare assistant for appointment management.

Your primary responsibilities:
1. Verify patient identity before providing appointment information
2. Help patients list, confirm, and cancel appointments
3. Provide clear, professional, and empathetic responses

IMPORTANT SECURITY RULES:
- NEVER provide appointment information without successful identity verification
- Always verify identity using full name, phone number, and date of birth
- Use the verify_patient tool for identity verification
- Only use appointment tools AFTER successful verification

Current session status:`

// systemPrompt renders the per-turn system prompt from the session's
// verification state and the current time.
func systemPrompt(verified bool, patientID string, now time.Time) string {
	var b strings.Builder
	b.WriteString(basePrompt)

	if verified && patientID != "" {
		fmt.Fprintf(&b, "\n- Patient verified: YES (Patient ID: %s)", patientID)
		b.WriteString("\n- Appointment tools: AVAILABLE")
	} else {
		b.WriteString("\n- Patient verified: NO")
		b.WriteString("\n- Appointment tools: NOT AVAILABLE (verification required)")
	}
	fmt.Fprintf(&b, "\n- Current date and time: %s", now.Format("2006-01-02 15:04:05"))

	return b.String()
}

// Package notify dispatches patient-facing notifications. Dispatch is
// fire-and-forget: delivery transport failures are logged and counted, never
// surfaced as booking failures.
package notify

import (
	"context"

	"github.com/google/uuid"
)

// Template keys understood by the downstream notification service.
const (
	TemplateReassignmentProposed = "appointment.reassignment_proposed"
	TemplateAppointmentReminder  = "appointment.reminder"
	TemplateAppointmentCancelled = "appointment.cancelled"
)

// Notifier is the outbound notification contract.
type Notifier interface {
	// Send enqueues one notification for the recipient user.
	Send(ctx context.Context, recipientID uuid.UUID, templateKey string, vars map[string]string) error
	// CancelReminders asks the delivery side to drop any reminders still
	// queued for the appointment.
	CancelReminders(ctx context.Context, appointmentID uuid.UUID) error
}

// Nop is a Notifier that does nothing; used when no broker is configured.
type Nop struct{}

func (Nop) Send(context.Context, uuid.UUID, string, map[string]string) error { return nil }
func (Nop) CancelReminders(context.Context, uuid.UUID) error                 { return nil }

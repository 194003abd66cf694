package schedule

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/medidesk/clinic-scheduling/internal/notify"
)

var ErrCancellationNotAllowed = errors.New("appointment cannot be cancelled")

// Actor is the user attempting a cancellation. Admin roles bypass clinic
// policy entirely.
type Actor struct {
	UserID uuid.UUID
	Role   string
}

const (
	RoleAdmin       = "admin"
	RoleClinicAdmin = "clinic_admin"
	RolePatient     = "patient"
)

func (a Actor) isAdmin() bool {
	return a.Role == RoleAdmin || a.Role == RoleClinicAdmin
}

// CancellationDecision is the outcome of a policy check.
type CancellationDecision struct {
	Allowed bool
	IsLate  bool
	Fee     float64
	Reason  string
}

// CancellationPolicyEvaluator decides whether a cancellation is permitted
// and what late fee applies, then performs it.
type CancellationPolicyEvaluator struct {
	repo     Repository
	notifier notify.Notifier
	clock    Clock
	log      *zap.Logger
}

func NewCancellationPolicyEvaluator(repo Repository, notifier notify.Notifier, clock Clock, log *zap.Logger) *CancellationPolicyEvaluator {
	return &CancellationPolicyEvaluator{
		repo:     repo,
		notifier: notifier,
		clock:    clock,
		log:      log,
	}
}

// CanCancel evaluates the clinic's active policy for the actor. Admins are
// always allowed with no fee; terminal appointments are never cancellable;
// a clinic without an active policy allows unconditionally at zero fee.
func (e *CancellationPolicyEvaluator) CanCancel(ctx context.Context, appt *Appointment, actor Actor) (CancellationDecision, error) {
	if appt.Status == StatusCancelled || appt.Status == StatusCompleted {
		return CancellationDecision{Reason: "appointment is already " + string(appt.Status)}, nil
	}

	if actor.isAdmin() {
		return CancellationDecision{Allowed: true}, nil
	}

	policy, err := e.repo.GetActiveCancellationPolicy(ctx, appt.ClinicID)
	if err != nil {
		return CancellationDecision{}, fmt.Errorf("load cancellation policy: %w", err)
	}
	if policy == nil {
		return CancellationDecision{Allowed: true}, nil
	}

	hoursUntil := appt.StartTime.Sub(e.clock.Now()).Hours()
	if hoursUntil < float64(policy.LateThresholdHours) {
		return CancellationDecision{
			Allowed: true,
			IsLate:  true,
			Fee:     policy.LateFee,
			Reason:  fmt.Sprintf("less than %dh before start", policy.LateThresholdHours),
		}, nil
	}

	return CancellationDecision{Allowed: true}, nil
}

// ProcessCancel re-validates, cancels the appointment with the computed fee,
// and asks the notification side to drop any reminders still queued for it.
func (e *CancellationPolicyEvaluator) ProcessCancel(ctx context.Context, appointmentID uuid.UUID, reason string, actor Actor) (*Appointment, error) {
	appt, err := e.repo.GetAppointmentByID(ctx, appointmentID)
	if err != nil {
		return nil, err
	}

	decision, err := e.CanCancel(ctx, appt, actor)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		return nil, fmt.Errorf("%w: %s", ErrCancellationNotAllowed, decision.Reason)
	}

	var cancelled *Appointment
	err = e.repo.WithTx(ctx, func(tx Repository) error {
		cancelled, err = tx.CancelAppointment(ctx, appt.ID, reason, decision.Fee, decision.IsLate, e.clock.Now())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("cancel appointment: %w", err)
	}

	if err := e.notifier.CancelReminders(ctx, appt.ID); err != nil {
		e.log.Warn("cancel pending reminders",
			zap.String("appointment_id", appt.ID.String()),
			zap.Error(err),
		)
	}

	e.log.Info("appointment cancelled",
		zap.String("appointment_id", appt.ID.String()),
		zap.String("actor_role", actor.Role),
		zap.Bool("late", decision.IsLate),
		zap.Float64("fee", decision.Fee),
	)
	logEvent(ctx, e.repo, e.clock, e.log, EventAppointmentCancelled, &appt.ID, nil, map[string]any{
		"reason":     reason,
		"actor_role": actor.Role,
		"late":       decision.IsLate,
		"fee":        decision.Fee,
	})

	return cancelled, nil
}

package schedule

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/medidesk/clinic-scheduling/internal/metrics"
	"github.com/medidesk/clinic-scheduling/internal/notify"
)

// LateApprovalPolicy decides what happens when a patient approval arrives
// after the parent bulk operation was cancelled.
type LateApprovalPolicy string

const (
	// LateApprovalReject refuses approvals against a cancelled operation.
	LateApprovalReject LateApprovalPolicy = "reject"
	// LateApprovalHonor still moves the appointment.
	LateApprovalHonor LateApprovalPolicy = "honor"
)

var (
	ErrReassignmentState  = errors.New("reassignment is not awaiting a patient response")
	ErrOperationCancelled = errors.New("parent bulk operation was cancelled")
)

const (
	responseAutoApproved = "auto_approved"
	responseApproved     = "approved"
)

// ReassignmentOrchestrator moves one appointment to a new doctor and/or
// time. When only the doctor changes the move auto-completes; a time change
// opens an asynchronous patient-approval workflow that resumes through
// Approve or Reject, possibly days later. No thread blocks in between: the
// state lives in the reassignment row.
type ReassignmentOrchestrator struct {
	repo               Repository
	distribution       *DistributionEngine
	availability       *AvailabilityResolver
	notifier           notify.Notifier
	locker             BookingLocker
	clock              Clock
	log                *zap.Logger
	metrics            *metrics.Metrics
	lateApprovalPolicy LateApprovalPolicy
	suggestionWindow   int // days
}

func NewReassignmentOrchestrator(
	repo Repository,
	distribution *DistributionEngine,
	availability *AvailabilityResolver,
	notifier notify.Notifier,
	locker BookingLocker,
	clock Clock,
	log *zap.Logger,
	m *metrics.Metrics,
	lateApprovalPolicy LateApprovalPolicy,
	suggestionWindowDays int,
) *ReassignmentOrchestrator {
	if suggestionWindowDays <= 0 {
		suggestionWindowDays = 7
	}
	if lateApprovalPolicy == "" {
		lateApprovalPolicy = LateApprovalReject
	}
	return &ReassignmentOrchestrator{
		repo:               repo,
		distribution:       distribution,
		availability:       availability,
		notifier:           notifier,
		locker:             locker,
		clock:              clock,
		log:                log,
		metrics:            m,
		lateApprovalPolicy: lateApprovalPolicy,
		suggestionWindow:   suggestionWindowDays,
	}
}

// Reassign moves the appointment to newDoctorID (or a doctor found by the
// distribution engine, same specialty, original doctor excluded) at
// newStart (or the original time). An unchanged time auto-approves: the
// appointment is confirmed under the new doctor and no notification goes
// out. A changed time notifies the patient and parks the reassignment in
// patient_notified.
func (o *ReassignmentOrchestrator) Reassign(
	ctx context.Context,
	appt *Appointment,
	op *BulkCancellationOperation,
	newDoctorID *uuid.UUID,
	newStart *time.Time,
) (*AppointmentReassignment, error) {
	originalDoctor, err := o.repo.GetDoctorByID(ctx, appt.DoctorID)
	if err != nil {
		return nil, fmt.Errorf("load original doctor: %w", err)
	}

	var newDoctor *Doctor
	if newDoctorID != nil {
		newDoctor, err = o.repo.GetDoctorByID(ctx, *newDoctorID)
		if err != nil {
			return nil, fmt.Errorf("load new doctor: %w", err)
		}
	} else {
		newDoctor, err = o.distribution.BestDoctorExcluding(ctx, appt.ClinicID, appt.StartTime, originalDoctor.Specialty, originalDoctor.ID)
		if err != nil {
			return nil, err
		}
		if newDoctor == nil {
			return nil, ErrNoAvailableDoctor
		}
	}

	originalStart := appt.StartTime.Truncate(time.Minute)
	finalStart := originalStart
	if newStart != nil {
		finalStart = newStart.Truncate(time.Minute)
	}
	timeChanged := !finalStart.Equal(originalStart)
	finalEnd := finalStart.Add(time.Duration(newDoctor.SlotDurationMinutes) * time.Minute)

	reassignment := &AppointmentReassignment{
		ID:                uuid.New(),
		BulkOperationID:   op.ID,
		AppointmentID:     appt.ID,
		OriginalDoctorID:  originalDoctor.ID,
		NewDoctorID:       newDoctor.ID,
		OriginalStartTime: originalStart,
		NewStartTime:      finalStart,
		Status:            ReassignmentPending,
	}

	err = o.locker.WithBookingLock(ctx, newDoctor.ID, finalStart, func(lockCtx context.Context) error {
		return o.repo.WithTx(lockCtx, func(tx Repository) error {
			if err := tx.CreateReassignment(lockCtx, reassignment); err != nil {
				return fmt.Errorf("create reassignment: %w", err)
			}

			if !timeChanged {
				if err := o.validateSlot(lockCtx, tx, newDoctor, finalStart, appt.ID); err != nil {
					return err
				}
				if _, err := tx.UpdateAppointmentSchedule(lockCtx, appt.ID, newDoctor.ID, finalStart, finalEnd, StatusConfirmed); err != nil {
					return fmt.Errorf("move appointment: %w", err)
				}
				resp := responseAutoApproved
				if _, err := tx.UpdateReassignmentStatus(lockCtx, reassignment.ID, ReassignmentPending, ReassignmentCompleted, &resp); err != nil {
					return fmt.Errorf("complete reassignment: %w", err)
				}
				reassignment.Status = ReassignmentCompleted
				reassignment.PatientResponse = &resp
			} else {
				if _, err := tx.UpdateReassignmentStatus(lockCtx, reassignment.ID, ReassignmentPending, ReassignmentPatientNotified, nil); err != nil {
					return fmt.Errorf("mark patient notified: %w", err)
				}
				reassignment.Status = ReassignmentPatientNotified
			}

			// Tentative counter; Stats recomputes authoritative numbers.
			return tx.AddBulkOperationCounts(lockCtx, op.ID, 1, 0, 0)
		})
	})
	if err != nil {
		if errors.Is(err, ErrLockNotAcquired) {
			return nil, ErrBookingContended
		}
		return nil, err
	}

	if timeChanged {
		o.notifyPatient(ctx, appt, originalDoctor, newDoctor, originalStart, finalStart, reassignment.ID)
		if o.metrics != nil {
			o.metrics.Reassignments.WithLabelValues("notified").Inc()
		}
	} else if o.metrics != nil {
		o.metrics.Reassignments.WithLabelValues("auto_approved").Inc()
	}

	logEvent(ctx, o.repo, o.clock, o.log, EventAppointmentReassigned, &appt.ID, &op.ID, map[string]any{
		"reassignment_id": reassignment.ID.String(),
		"from_doctor_id":  originalDoctor.ID.String(),
		"to_doctor_id":    newDoctor.ID.String(),
		"time_changed":    timeChanged,
	})

	return reassignment, nil
}

// Approve finalizes a patient-approved reassignment: the appointment moves
// to the new doctor and time, status confirmed, and the reassignment
// completes. Approvals against a cancelled bulk operation follow the
// configured late-approval policy.
func (o *ReassignmentOrchestrator) Approve(ctx context.Context, reassignmentID uuid.UUID) (*AppointmentReassignment, error) {
	r, err := o.repo.GetReassignmentByID(ctx, reassignmentID)
	if err != nil {
		return nil, err
	}
	if r.Status != ReassignmentPatientNotified {
		return nil, ErrReassignmentState
	}

	op, err := o.repo.GetBulkOperationByID(ctx, r.BulkOperationID)
	if err != nil {
		return nil, fmt.Errorf("load bulk operation: %w", err)
	}
	if op.Status == OperationCancelled && o.lateApprovalPolicy == LateApprovalReject {
		return nil, ErrOperationCancelled
	}

	newDoctor, err := o.repo.GetDoctorByID(ctx, r.NewDoctorID)
	if err != nil {
		return nil, fmt.Errorf("load new doctor: %w", err)
	}
	finalEnd := r.NewStartTime.Add(time.Duration(newDoctor.SlotDurationMinutes) * time.Minute)

	err = o.locker.WithBookingLock(ctx, newDoctor.ID, r.NewStartTime, func(lockCtx context.Context) error {
		return o.repo.WithTx(lockCtx, func(tx Repository) error {
			if err := o.validateSlot(lockCtx, tx, newDoctor, r.NewStartTime, r.AppointmentID); err != nil {
				return err
			}
			if _, err := tx.UpdateAppointmentSchedule(lockCtx, r.AppointmentID, newDoctor.ID, r.NewStartTime, finalEnd, StatusConfirmed); err != nil {
				return fmt.Errorf("move appointment: %w", err)
			}
			resp := responseApproved
			if _, err := tx.UpdateReassignmentStatus(lockCtx, r.ID, ReassignmentPatientNotified, ReassignmentPatientApproved, &resp); err != nil {
				return fmt.Errorf("record approval: %w", err)
			}
			if _, err := tx.UpdateReassignmentStatus(lockCtx, r.ID, ReassignmentPatientApproved, ReassignmentCompleted, nil); err != nil {
				return fmt.Errorf("complete reassignment: %w", err)
			}
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, ErrLockNotAcquired) {
			return nil, ErrBookingContended
		}
		return nil, err
	}

	if o.metrics != nil {
		o.metrics.Reassignments.WithLabelValues("approved").Inc()
	}
	logEvent(ctx, o.repo, o.clock, o.log, EventAppointmentReassigned, &r.AppointmentID, &r.BulkOperationID, map[string]any{
		"reassignment_id": r.ID.String(),
		"response":        responseApproved,
	})

	return o.repo.GetReassignmentByID(ctx, r.ID)
}

// Reject records the patient's refusal and cancels the original
// appointment; the parent operation's cancelled counter takes over the seat
// the tentative reassigned counter held.
func (o *ReassignmentOrchestrator) Reject(ctx context.Context, reassignmentID uuid.UUID, reason string) (*AppointmentReassignment, error) {
	r, err := o.repo.GetReassignmentByID(ctx, reassignmentID)
	if err != nil {
		return nil, err
	}
	if r.Status != ReassignmentPatientNotified {
		return nil, ErrReassignmentState
	}

	err = o.repo.WithTx(ctx, func(tx Repository) error {
		if _, err := tx.UpdateReassignmentStatus(ctx, r.ID, ReassignmentPatientNotified, ReassignmentPatientRejected, &reason); err != nil {
			return fmt.Errorf("record rejection: %w", err)
		}
		if _, err := tx.CancelAppointment(ctx, r.AppointmentID, reason, 0, false, o.clock.Now()); err != nil {
			return fmt.Errorf("cancel appointment: %w", err)
		}
		return tx.AddBulkOperationCounts(ctx, r.BulkOperationID, -1, 1, 0)
	})
	if err != nil {
		return nil, err
	}

	if o.metrics != nil {
		o.metrics.Reassignments.WithLabelValues("rejected").Inc()
	}
	logEvent(ctx, o.repo, o.clock, o.log, EventAppointmentCancelled, &r.AppointmentID, &r.BulkOperationID, map[string]any{
		"reassignment_id": r.ID.String(),
		"reason":          reason,
	})

	return o.repo.GetReassignmentByID(ctx, r.ID)
}

// CandidateSuggestion describes one alternative doctor for a reassignment.
type CandidateSuggestion struct {
	Doctor                  Doctor
	CurrentWorkload         int
	AvailableAtOriginalTime bool
	AlternativeSlots        []Slot
}

// SuggestCandidates lists doctors who could take the appointment: those
// free at the exact original time first; when nobody is, it scans each
// candidate up to the suggestion window forward and returns alternative
// slots alongside current workloads.
func (o *ReassignmentOrchestrator) SuggestCandidates(ctx context.Context, appt *Appointment) ([]CandidateSuggestion, error) {
	originalDoctor, err := o.repo.GetDoctorByID(ctx, appt.DoctorID)
	if err != nil {
		return nil, fmt.Errorf("load original doctor: %w", err)
	}

	doctors, err := o.repo.ListBookableDoctors(ctx, appt.ClinicID)
	if err != nil {
		return nil, fmt.Errorf("list doctors: %w", err)
	}

	var candidates []*Doctor
	for i := range doctors {
		doc := &doctors[i]
		if doc.ID == originalDoctor.ID || !doc.MatchesSpecialty(originalDoctor.Specialty) {
			continue
		}
		candidates = append(candidates, doc)
	}

	var atOriginal []CandidateSuggestion
	for _, doc := range candidates {
		available, err := o.availability.IsAvailable(ctx, doc, appt.StartTime)
		if err != nil {
			return nil, err
		}
		if !available {
			continue
		}
		workload, err := o.repo.CountActiveAppointmentsOn(ctx, doc.ID, DateOnly(appt.StartTime))
		if err != nil {
			return nil, err
		}
		if workload >= doc.MaxDailyAppointments {
			continue
		}
		atOriginal = append(atOriginal, CandidateSuggestion{
			Doctor:                  *doc,
			CurrentWorkload:         workload,
			AvailableAtOriginalTime: true,
		})
	}
	if len(atOriginal) > 0 {
		return atOriginal, nil
	}

	const maxAlternatives = 3
	var withAlternatives []CandidateSuggestion
	for _, doc := range candidates {
		workload, err := o.repo.CountActiveAppointmentsOn(ctx, doc.ID, DateOnly(appt.StartTime))
		if err != nil {
			return nil, err
		}

		var alternatives []Slot
		day := DateOnly(appt.StartTime)
		for d := 0; d < o.suggestionWindow && len(alternatives) < maxAlternatives; d++ {
			day = day.AddDate(0, 0, 1)
			slots, err := o.availability.AvailableSlots(ctx, doc, day)
			if err != nil {
				return nil, err
			}
			for _, s := range slots {
				alternatives = append(alternatives, s)
				if len(alternatives) >= maxAlternatives {
					break
				}
			}
		}
		if len(alternatives) == 0 {
			continue
		}
		withAlternatives = append(withAlternatives, CandidateSuggestion{
			Doctor:           *doc,
			CurrentWorkload:  workload,
			AlternativeSlots: alternatives,
		})
	}

	return withAlternatives, nil
}

// validateSlot re-checks the double-booking and daily-cap invariants inside
// the transaction. selfID excludes the appointment being moved from the
// occupancy check so a doctor-only change does not collide with itself.
func (o *ReassignmentOrchestrator) validateSlot(ctx context.Context, tx Repository, doctor *Doctor, start time.Time, selfID uuid.UUID) error {
	existing, err := tx.GetActiveAppointmentAt(ctx, doctor.ID, start)
	if err == nil && existing.ID != selfID {
		return ErrSlotTaken
	}
	if err != nil && !errors.Is(err, ErrAppointmentNotFound) {
		return fmt.Errorf("check occupied slot: %w", err)
	}

	booked, err := tx.CountActiveAppointmentsOn(ctx, doctor.ID, DateOnly(start))
	if err != nil {
		return fmt.Errorf("count bookings: %w", err)
	}
	if booked >= doctor.MaxDailyAppointments {
		return ErrDailyCapReached
	}
	return nil
}

func (o *ReassignmentOrchestrator) notifyPatient(
	ctx context.Context,
	appt *Appointment,
	oldDoctor, newDoctor *Doctor,
	oldStart, newStart time.Time,
	reassignmentID uuid.UUID,
) {
	vars := map[string]string{
		"reassignment_id": reassignmentID.String(),
		"old_doctor":      oldDoctor.Name,
		"new_doctor":      newDoctor.Name,
		"old_time":        oldStart.Format(time.RFC3339),
		"new_time":        newStart.Format(time.RFC3339),
		"approve_path":    "/reassignments/" + reassignmentID.String() + "/approve",
		"reject_path":     "/reassignments/" + reassignmentID.String() + "/reject",
		"duration_min":    strconv.Itoa(newDoctor.SlotDurationMinutes),
	}
	if err := o.notifier.Send(ctx, appt.PatientID, notify.TemplateReassignmentProposed, vars); err != nil {
		if o.metrics != nil {
			o.metrics.NotificationsDropped.Inc()
		}
		o.log.Warn("reassignment notification failed",
			zap.String("reassignment_id", reassignmentID.String()),
			zap.String("appointment_id", appt.ID.String()),
			zap.Error(err),
		)
	}
}

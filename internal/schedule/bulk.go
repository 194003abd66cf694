package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/medidesk/clinic-scheduling/internal/metrics"
)

var (
	ErrInvalidDateRange    = errors.New("invalid date range")
	ErrOperationNotPending = errors.New("bulk operation has already been started")
	ErrOperationCompleted  = errors.New("bulk operation is already completed")
)

const cancelReasonDoctorUnavailable = "doctor unavailable, no reassignment possible"

// AffectedAppointment is one appointment a bulk cancellation would touch.
type AffectedAppointment struct {
	ID          uuid.UUID
	PatientName string
	StartTime   time.Time
	ServiceID   *uuid.UUID
}

// DoctorWorkload pairs a doctor with today's booked count, for operator
// visibility in previews.
type DoctorWorkload struct {
	Doctor          Doctor
	CurrentWorkload int
}

// PreviewReport estimates the impact of taking a doctor off the schedule
// without mutating anything.
type PreviewReport struct {
	TotalAppointments           int
	AppointmentsByDate          map[string][]AffectedAppointment
	PotentiallyAvailableDoctors []DoctorWorkload
	EstimatedSuccessRate        float64
}

// OperationStats recomputes counts from the child reassignments, the source
// of truth; the operation row's counters are tentative and may drift under
// partial failures.
type OperationStats struct {
	Total            int
	Reassigned       int
	Cancelled        int
	Failed           int
	AwaitingResponse int
}

type CreateBulkParams struct {
	ClinicID    uuid.UUID
	DoctorID    uuid.UUID
	InitiatedBy uuid.UUID
	StartDate   time.Time
	EndDate     time.Time
	Reason      string
}

// BulkOperationCoordinator drives mass reassignment when a doctor becomes
// unavailable for a date range. Execution is transactional per appointment,
// never as one giant transaction: one appointment's failure can never abort
// the batch.
type BulkOperationCoordinator struct {
	repo         Repository
	orchestrator *ReassignmentOrchestrator
	distribution *DistributionEngine
	clock        Clock
	log          *zap.Logger
	metrics      *metrics.Metrics
}

func NewBulkOperationCoordinator(
	repo Repository,
	orchestrator *ReassignmentOrchestrator,
	distribution *DistributionEngine,
	clock Clock,
	log *zap.Logger,
	m *metrics.Metrics,
) *BulkOperationCoordinator {
	return &BulkOperationCoordinator{
		repo:         repo,
		orchestrator: orchestrator,
		distribution: distribution,
		clock:        clock,
		log:          log,
		metrics:      m,
	}
}

// Preview reports the appointments a bulk cancellation would affect, grouped
// by date, plus same-specialty doctors and an estimated reassignment success
// rate based on exact-time availability.
func (c *BulkOperationCoordinator) Preview(ctx context.Context, doctorID uuid.UUID, startDate, endDate time.Time) (*PreviewReport, error) {
	if endDate.Before(startDate) {
		return nil, ErrInvalidDateRange
	}

	doctor, err := c.repo.GetDoctorByID(ctx, doctorID)
	if err != nil {
		return nil, fmt.Errorf("load doctor: %w", err)
	}

	affected, err := c.affectedAppointments(ctx, doctorID, startDate, endDate)
	if err != nil {
		return nil, err
	}

	report := &PreviewReport{
		TotalAppointments:  len(affected),
		AppointmentsByDate: make(map[string][]AffectedAppointment),
	}

	reassignable := 0
	for i := range affected {
		appt := &affected[i]

		patientName := ""
		if patient, err := c.repo.GetPatientByID(ctx, appt.PatientID); err == nil {
			patientName = patient.Name
		}

		key := DateOnly(appt.StartTime).Format("2006-01-02")
		report.AppointmentsByDate[key] = append(report.AppointmentsByDate[key], AffectedAppointment{
			ID:          appt.ID,
			PatientName: patientName,
			StartTime:   appt.StartTime,
			ServiceID:   appt.ServiceID,
		})

		alternative, err := c.distribution.BestDoctorExcluding(ctx, appt.ClinicID, appt.StartTime, doctor.Specialty, doctor.ID)
		if err != nil {
			return nil, err
		}
		if alternative != nil {
			reassignable++
		}
	}

	if report.TotalAppointments > 0 {
		report.EstimatedSuccessRate = float64(reassignable) / float64(report.TotalAppointments) * 100
	} else {
		report.EstimatedSuccessRate = 100
	}

	doctors, err := c.repo.ListBookableDoctors(ctx, doctor.ClinicID)
	if err != nil {
		return nil, fmt.Errorf("list doctors: %w", err)
	}
	today := DateOnly(c.clock.Now())
	for i := range doctors {
		candidate := doctors[i]
		if candidate.ID == doctor.ID || !candidate.MatchesSpecialty(doctor.Specialty) {
			continue
		}
		workload, err := c.repo.CountActiveAppointmentsOn(ctx, candidate.ID, today)
		if err != nil {
			return nil, err
		}
		report.PotentiallyAvailableDoctors = append(report.PotentiallyAvailableDoctors, DoctorWorkload{
			Doctor:          candidate,
			CurrentWorkload: workload,
		})
	}

	return report, nil
}

// Create persists a pending operation with the precomputed affected count.
func (c *BulkOperationCoordinator) Create(ctx context.Context, params CreateBulkParams) (*BulkCancellationOperation, error) {
	if params.EndDate.Before(params.StartDate) {
		return nil, ErrInvalidDateRange
	}
	if _, err := c.repo.GetDoctorByID(ctx, params.DoctorID); err != nil {
		return nil, fmt.Errorf("load doctor: %w", err)
	}

	affected, err := c.affectedAppointments(ctx, params.DoctorID, params.StartDate, params.EndDate)
	if err != nil {
		return nil, err
	}

	op := &BulkCancellationOperation{
		ID:                uuid.New(),
		ClinicID:          params.ClinicID,
		DoctorID:          params.DoctorID,
		InitiatedBy:       params.InitiatedBy,
		StartDate:         DateOnly(params.StartDate),
		EndDate:           DateOnly(params.EndDate),
		Reason:            params.Reason,
		Status:            OperationPending,
		TotalAppointments: len(affected),
	}
	if err := c.repo.CreateBulkOperation(ctx, op); err != nil {
		return nil, fmt.Errorf("create bulk operation: %w", err)
	}
	return op, nil
}

// Execute runs the operation: blocks the doctor with an unavailability
// period, then reassigns each affected appointment through the
// orchestrator. A failed reassignment cancels that single appointment,
// counts it as failed, and the batch continues. Appointments are processed
// sequentially so the running counters stay consistent.
func (c *BulkOperationCoordinator) Execute(ctx context.Context, operationID uuid.UUID) (*BulkCancellationOperation, error) {
	op, err := c.repo.GetBulkOperationByID(ctx, operationID)
	if err != nil {
		return nil, err
	}

	op, err = c.repo.UpdateBulkOperationStatus(ctx, op.ID, OperationPending, OperationInProgress)
	if err != nil {
		if errors.Is(err, ErrStatusConflict) {
			return nil, ErrOperationNotPending
		}
		return nil, fmt.Errorf("start operation: %w", err)
	}

	if c.metrics != nil {
		c.metrics.BulkOperationsActive.Inc()
		defer c.metrics.BulkOperationsActive.Dec()
	}
	started := c.clock.Now()

	period := &UnavailabilityPeriod{
		ID:              uuid.New(),
		DoctorID:        op.DoctorID,
		StartDate:       op.StartDate,
		EndDate:         op.EndDate,
		Reason:          op.Reason,
		BulkOperationID: &op.ID,
	}
	if err := c.repo.CreateUnavailabilityPeriod(ctx, period); err != nil {
		// Operation-level failure: abort the whole operation.
		if _, stErr := c.repo.UpdateBulkOperationStatus(ctx, op.ID, OperationInProgress, OperationCancelled); stErr != nil {
			c.log.Error("mark aborted operation cancelled",
				zap.String("operation_id", op.ID.String()),
				zap.Error(stErr),
			)
		}
		return nil, fmt.Errorf("create unavailability period: %w", err)
	}

	affected, err := c.affectedAppointments(ctx, op.DoctorID, op.StartDate, op.EndDate)
	if err != nil {
		return nil, err
	}

	for i := range affected {
		appt := &affected[i]
		_, err := c.orchestrator.Reassign(ctx, appt, op, nil, nil)
		if err == nil {
			continue
		}

		// Per-appointment failure: cancel this one, count it, move on.
		c.log.Warn("reassignment failed, cancelling appointment",
			zap.String("operation_id", op.ID.String()),
			zap.String("appointment_id", appt.ID.String()),
			zap.String("doctor_id", op.DoctorID.String()),
			zap.Error(err),
		)
		if _, cErr := c.repo.CancelAppointment(ctx, appt.ID, cancelReasonDoctorUnavailable, 0, false, c.clock.Now()); cErr != nil {
			c.log.Error("cancel unreassignable appointment",
				zap.String("operation_id", op.ID.String()),
				zap.String("appointment_id", appt.ID.String()),
				zap.Error(cErr),
			)
		}
		if cErr := c.repo.AddBulkOperationCounts(ctx, op.ID, 0, 0, 1); cErr != nil {
			c.log.Error("increment failed counter",
				zap.String("operation_id", op.ID.String()),
				zap.Error(cErr),
			)
		}
	}

	op, err = c.repo.UpdateBulkOperationStatus(ctx, op.ID, OperationInProgress, OperationCompleted)
	if err != nil {
		return nil, fmt.Errorf("complete operation: %w", err)
	}

	if c.metrics != nil {
		c.metrics.BulkOperationsRun.Inc()
		c.metrics.BulkExecuteDuration.Observe(c.clock.Now().Sub(started).Seconds())
	}
	c.log.Info("bulk operation executed",
		zap.String("operation_id", op.ID.String()),
		zap.String("doctor_id", op.DoctorID.String()),
		zap.Int("total", op.TotalAppointments),
	)
	logEvent(ctx, c.repo, c.clock, c.log, EventBulkOperationExecuted, nil, &op.ID, map[string]any{
		"doctor_id": op.DoctorID.String(),
		"total":     op.TotalAppointments,
	})

	return op, nil
}

// Cancel stops an operation that has not completed. Child reassignments
// still awaiting a patient response are failed with an operation_cancelled
// note; later-arriving approvals are then subject to the orchestrator's
// late-approval policy.
func (c *BulkOperationCoordinator) Cancel(ctx context.Context, operationID uuid.UUID) (*BulkCancellationOperation, error) {
	op, err := c.repo.GetBulkOperationByID(ctx, operationID)
	if err != nil {
		return nil, err
	}
	if op.Status == OperationCompleted {
		return nil, ErrOperationCompleted
	}
	if op.Status == OperationCancelled {
		return op, nil
	}

	children, err := c.repo.ListReassignmentsByOperation(ctx, op.ID)
	if err != nil {
		return nil, fmt.Errorf("list reassignments: %w", err)
	}
	note := "operation_cancelled"
	for i := range children {
		r := &children[i]
		if r.Status != ReassignmentPending && r.Status != ReassignmentPatientNotified {
			continue
		}
		if _, err := c.repo.UpdateReassignmentStatus(ctx, r.ID, r.Status, ReassignmentFailed, &note); err != nil {
			c.log.Warn("fail pending reassignment",
				zap.String("operation_id", op.ID.String()),
				zap.String("reassignment_id", r.ID.String()),
				zap.Error(err),
			)
		}
	}

	op, err = c.repo.UpdateBulkOperationStatus(ctx, op.ID, op.Status, OperationCancelled)
	if err != nil {
		return nil, fmt.Errorf("cancel operation: %w", err)
	}
	return op, nil
}

// Stats groups child reassignments by status. completed counts as
// reassigned, patient_rejected as cancelled, failed as failed; pending and
// patient_notified are still awaiting a response.
func (c *BulkOperationCoordinator) Stats(ctx context.Context, operationID uuid.UUID) (*OperationStats, error) {
	op, err := c.repo.GetBulkOperationByID(ctx, operationID)
	if err != nil {
		return nil, err
	}

	children, err := c.repo.ListReassignmentsByOperation(ctx, op.ID)
	if err != nil {
		return nil, fmt.Errorf("list reassignments: %w", err)
	}

	stats := &OperationStats{Total: op.TotalAppointments}
	for _, r := range children {
		switch r.Status {
		case ReassignmentCompleted:
			stats.Reassigned++
		case ReassignmentPatientRejected:
			stats.Cancelled++
		case ReassignmentFailed:
			stats.Failed++
		case ReassignmentPending, ReassignmentPatientNotified, ReassignmentPatientApproved:
			stats.AwaitingResponse++
		}
	}
	// Appointments cancelled without a reassignment record count as failed.
	if recorded := stats.Reassigned + stats.Cancelled + stats.Failed + stats.AwaitingResponse; recorded < stats.Total {
		stats.Failed += stats.Total - recorded
	}

	return stats, nil
}

func (c *BulkOperationCoordinator) affectedAppointments(ctx context.Context, doctorID uuid.UUID, startDate, endDate time.Time) ([]Appointment, error) {
	from := DateOnly(startDate)
	to := DateOnly(endDate).AddDate(0, 0, 1)
	affected, err := c.repo.ListAppointmentsInRange(ctx, doctorID, from, to, []AppointmentStatus{StatusPending, StatusConfirmed})
	if err != nil {
		return nil, fmt.Errorf("list affected appointments: %w", err)
	}
	return affected, nil
}

package schedule

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrPatientNotFound      = errors.New("patient not found")
	ErrDoctorNotFound       = errors.New("doctor not found")
	ErrAppointmentNotFound  = errors.New("appointment not found")
	ErrOperationNotFound    = errors.New("bulk operation not found")
	ErrReassignmentNotFound = errors.New("reassignment not found")

	// ErrStatusConflict is returned by the optimistic status-transition
	// updates when the row is no longer in the expected from-status.
	ErrStatusConflict = errors.New("status transition conflict")
)

// Repository contains all persistence interactions needed by the engine.
//
// WithTx runs fn against a transactional view of the repository; every
// appointment mutation that must re-validate the double-booking and daily
// cap invariants happens inside it.
type Repository interface {
	WithTx(ctx context.Context, fn func(Repository) error) error

	GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetDoctorByID(ctx context.Context, id uuid.UUID) (*Doctor, error)
	// ListBookableDoctors returns active doctors with online booking enabled
	// for the clinic, ordered by id ascending.
	ListBookableDoctors(ctx context.Context, clinicID uuid.UUID) ([]Doctor, error)

	// ListWorkingHours returns every window for the doctor on the weekday,
	// including disabled ones, ordered by start minute.
	ListWorkingHours(ctx context.Context, doctorID uuid.UUID, day time.Weekday) ([]WorkingHours, error)
	// IsDoctorBlocked reports whether any unavailability period covers the date.
	IsDoctorBlocked(ctx context.Context, doctorID uuid.UUID, date time.Time) (bool, error)
	CreateUnavailabilityPeriod(ctx context.Context, p *UnavailabilityPeriod) error

	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	// GetActiveAppointmentAt finds the non-cancelled appointment occupying the
	// exact start time for the doctor, or ErrAppointmentNotFound.
	GetActiveAppointmentAt(ctx context.Context, doctorID uuid.UUID, start time.Time) (*Appointment, error)
	CountActiveAppointmentsOn(ctx context.Context, doctorID uuid.UUID, date time.Time) (int, error)
	ListActiveAppointmentsOn(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]Appointment, error)
	ListAppointmentsInRange(ctx context.Context, doctorID uuid.UUID, from, to time.Time, statuses []AppointmentStatus) ([]Appointment, error)
	CreateAppointment(ctx context.Context, a *Appointment) error
	// UpdateAppointmentSchedule moves an appointment to a new doctor and time
	// and sets its status in one write.
	UpdateAppointmentSchedule(ctx context.Context, id, doctorID uuid.UUID, start, end time.Time, status AppointmentStatus) (*Appointment, error)
	UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus) (*Appointment, error)
	CancelAppointment(ctx context.Context, id uuid.UUID, reason string, fee float64, isLate bool, at time.Time) (*Appointment, error)

	// Reminder worker support.
	ListUpcomingUnreminded(ctx context.Context, from, to time.Time) ([]Appointment, error)
	MarkReminderSent(ctx context.Context, id uuid.UUID, at time.Time) error

	CreateBulkOperation(ctx context.Context, op *BulkCancellationOperation) error
	GetBulkOperationByID(ctx context.Context, id uuid.UUID) (*BulkCancellationOperation, error)
	UpdateBulkOperationStatus(ctx context.Context, id uuid.UUID, from, to OperationStatus) (*BulkCancellationOperation, error)
	// AddBulkOperationCounts adjusts the running counters by the given deltas.
	AddBulkOperationCounts(ctx context.Context, id uuid.UUID, reassigned, cancelled, failed int) error

	CreateReassignment(ctx context.Context, r *AppointmentReassignment) error
	GetReassignmentByID(ctx context.Context, id uuid.UUID) (*AppointmentReassignment, error)
	UpdateReassignmentStatus(ctx context.Context, id uuid.UUID, from, to ReassignmentStatus, response *string) (*AppointmentReassignment, error)
	ListReassignmentsByOperation(ctx context.Context, operationID uuid.UUID) ([]AppointmentReassignment, error)

	// GetActiveCancellationPolicy returns nil with no error when the clinic
	// has no active policy.
	GetActiveCancellationPolicy(ctx context.Context, clinicID uuid.UUID) (*CancellationPolicy, error)

	InsertEvent(ctx context.Context, ev EventLog) error
}

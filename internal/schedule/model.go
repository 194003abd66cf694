package schedule

import (
	"time"

	"github.com/google/uuid"
)

type AppointmentStatus string

const (
	StatusPending   AppointmentStatus = "pending"
	StatusConfirmed AppointmentStatus = "confirmed"
	StatusCompleted AppointmentStatus = "completed"
	StatusCancelled AppointmentStatus = "cancelled"
	StatusNoShow    AppointmentStatus = "no_show"
)

type OperationStatus string

const (
	OperationPending    OperationStatus = "pending"
	OperationInProgress OperationStatus = "in_progress"
	OperationCompleted  OperationStatus = "completed"
	OperationCancelled  OperationStatus = "cancelled"
)

type ReassignmentStatus string

const (
	ReassignmentPending         ReassignmentStatus = "pending"
	ReassignmentPatientNotified ReassignmentStatus = "patient_notified"
	ReassignmentPatientApproved ReassignmentStatus = "patient_approved"
	ReassignmentPatientRejected ReassignmentStatus = "patient_rejected"
	ReassignmentCompleted       ReassignmentStatus = "completed"
	ReassignmentFailed          ReassignmentStatus = "failed"
)

type Patient struct {
	ID        uuid.UUID
	Name      string
	Email     *string
	Phone     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Doctor is the bookable staff member. A nil Specialty means generalist,
// which matches any requested specialty.
type Doctor struct {
	ID                   uuid.UUID
	ClinicID             uuid.UUID
	Name                 string
	Specialty            *string
	MaxDailyAppointments int
	SlotDurationMinutes  int
	AllowOnlineBooking   bool
	IsActive             bool
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// MatchesSpecialty reports whether the doctor can serve the requested
// specialty. A nil filter matches everyone; a generalist matches everything.
func (d *Doctor) MatchesSpecialty(specialty *string) bool {
	if specialty == nil || d.Specialty == nil {
		return true
	}
	return *d.Specialty == *specialty
}

// WorkingHours is one weekly window. Start and end are minutes from
// midnight, clinic-local. A doctor may have several windows per weekday.
type WorkingHours struct {
	ID          uuid.UUID
	DoctorID    uuid.UUID
	DayOfWeek   time.Weekday
	StartMinute int
	EndMinute   int
	IsAvailable bool
}

// UnavailabilityPeriod blocks a doctor for every date in [StartDate, EndDate]
// (date-only, inclusive). BulkOperationID links periods created by a bulk
// cancellation back to their operation.
type UnavailabilityPeriod struct {
	ID              uuid.UUID
	DoctorID        uuid.UUID
	StartDate       time.Time
	EndDate         time.Time
	Reason          string
	BulkOperationID *uuid.UUID
	CreatedAt       time.Time
}

type Appointment struct {
	ID        uuid.UUID
	PatientID uuid.UUID
	DoctorID  uuid.UUID
	ClinicID  uuid.UUID
	ServiceID *uuid.UUID
	StartTime time.Time
	EndTime   time.Time
	Status    AppointmentStatus

	IsRecurring       bool
	RecurringParentID *uuid.UUID
	OccurrenceNumber  int

	CancelledAt        *time.Time
	CancellationReason *string
	CancellationFee    float64
	IsLateCancellation bool
	ReminderSentAt     *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// BulkCancellationOperation is the aggregate "take this doctor off the
// schedule for this range" unit of work. The counters are maintained
// incrementally during execution and may drift under partial failures;
// Stats recomputes authoritative numbers from the child reassignments.
type BulkCancellationOperation struct {
	ID          uuid.UUID
	ClinicID    uuid.UUID
	DoctorID    uuid.UUID
	InitiatedBy uuid.UUID
	StartDate   time.Time
	EndDate     time.Time
	Reason      string
	Status      OperationStatus

	TotalAppointments int
	ReassignedCount   int
	CancelledCount    int
	FailedCount       int

	CreatedAt time.Time
	UpdatedAt time.Time
}

type AppointmentReassignment struct {
	ID                uuid.UUID
	BulkOperationID   uuid.UUID
	AppointmentID     uuid.UUID
	OriginalDoctorID  uuid.UUID
	NewDoctorID       uuid.UUID
	OriginalStartTime time.Time
	NewStartTime      time.Time
	Status            ReassignmentStatus
	PatientResponse   *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// CancellationPolicy is a clinic rule: a cancellation less than
// LateThresholdHours before the appointment start is late and incurs LateFee.
type CancellationPolicy struct {
	ID                 uuid.UUID
	ClinicID           uuid.UUID
	LateThresholdHours int
	LateFee            float64
	IsActive           bool
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	OperationID   *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}

// Slot is one fixed-duration bookable window for one doctor.
type Slot struct {
	DoctorID  uuid.UUID
	StartTime time.Time
	EndTime   time.Time
}

// ClinicSlot is a slot tagged with the offering doctor, as merged across a
// clinic by the distribution engine.
type ClinicSlot struct {
	StartTime time.Time
	EndTime   time.Time
	Doctor    *Doctor
}

// DateOnly truncates t to midnight in its own location.
func DateOnly(t time.Time) time.Time {
	year, month, day := t.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, t.Location())
}

// IsWeekend reports whether the date falls on Saturday or Sunday. Weekends
// are non-bookable clinic-wide regardless of configured working hours.
func IsWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// MinuteOfDay returns minutes since midnight for t.
func MinuteOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

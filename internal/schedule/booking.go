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
	ErrNoAvailableDoctor = errors.New("no doctor available for the requested time")
	ErrDoctorNotBookable = errors.New("doctor is not bookable at the requested time")
	ErrSlotTaken         = errors.New("slot already has an active appointment for this doctor")
	ErrDailyCapReached   = errors.New("doctor daily appointment cap reached")
	ErrBookingContended  = errors.New("slot is currently being booked, please retry")
)

// BookingLocker serializes bookings for the same (doctor, start time) pair
// across processes before the database transaction opens.
type BookingLocker interface {
	WithBookingLock(ctx context.Context, doctorID uuid.UUID, start time.Time, fn func(ctx context.Context) error) error
}

// ErrLockNotAcquired is what lockers return on contention; re-exported here
// so the service layer does not import the redis client.
var ErrLockNotAcquired = errors.New("booking lock not acquired")

// NoopLocker performs no locking. Single-process deployments and tests rely
// on the transactional re-validation alone.
type NoopLocker struct{}

func (NoopLocker) WithBookingLock(ctx context.Context, _ uuid.UUID, _ time.Time, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type BookingRequest struct {
	PatientID  uuid.UUID
	ClinicID   uuid.UUID
	ServiceID  *uuid.UUID
	DoctorID   *uuid.UUID // nil lets the distribution engine pick
	Specialty  *string
	StartTime  time.Time
	Recurrence *RecurrenceRule
}

type BookingResult struct {
	Appointment *Appointment
	// Occurrences holds the created recurring children, occurrence #2 on.
	Occurrences []*Appointment
	// SkippedOccurrences counts recurring children dropped because their
	// slot was taken or the daily cap was reached.
	SkippedOccurrences int
}

// BookingService creates appointments, picking a doctor via the distribution
// engine when the request does not name one, and expanding recurrence rules
// into child appointments.
type BookingService struct {
	repo         Repository
	availability *AvailabilityResolver
	distribution *DistributionEngine
	expander     *RecurrenceExpander
	locker       BookingLocker
	clock        Clock
	log          *zap.Logger
	metrics      *metrics.Metrics
}

func NewBookingService(
	repo Repository,
	availability *AvailabilityResolver,
	distribution *DistributionEngine,
	expander *RecurrenceExpander,
	locker BookingLocker,
	clock Clock,
	log *zap.Logger,
	m *metrics.Metrics,
) *BookingService {
	return &BookingService{
		repo:         repo,
		availability: availability,
		distribution: distribution,
		expander:     expander,
		locker:       locker,
		clock:        clock,
		log:          log,
		metrics:      m,
	}
}

// Book reserves a slot for a patient. The booking lock plus in-transaction
// re-validation upholds the no-double-booking and daily-cap invariants under
// concurrent writers.
func (s *BookingService) Book(ctx context.Context, req BookingRequest) (*BookingResult, error) {
	if _, err := s.repo.GetPatientByID(ctx, req.PatientID); err != nil {
		return nil, fmt.Errorf("load patient: %w", err)
	}

	doctor, err := s.resolveDoctor(ctx, req)
	if err != nil {
		return nil, err
	}

	start := req.StartTime.Truncate(time.Minute)
	end := start.Add(time.Duration(doctor.SlotDurationMinutes) * time.Minute)

	parent := &Appointment{
		ID:               uuid.New(),
		PatientID:        req.PatientID,
		DoctorID:         doctor.ID,
		ClinicID:         req.ClinicID,
		ServiceID:        req.ServiceID,
		StartTime:        start,
		EndTime:          end,
		Status:           StatusPending,
		IsRecurring:      req.Recurrence != nil,
		OccurrenceNumber: 1,
	}

	if err := s.createGuarded(ctx, doctor, parent); err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.BookingsCreated.Inc()
	}
	logEvent(ctx, s.repo, s.clock, s.log, EventAppointmentBooked, &parent.ID, nil, map[string]any{
		"doctor_id":  doctor.ID.String(),
		"patient_id": req.PatientID.String(),
		"start_time": start,
	})

	result := &BookingResult{Appointment: parent}
	if req.Recurrence == nil {
		return result, nil
	}

	occurrences, err := s.expander.Expand(*req.Recurrence, start, end)
	if err != nil {
		return nil, fmt.Errorf("expand recurrence: %w", err)
	}

	for _, occ := range occurrences {
		child := &Appointment{
			ID:                uuid.New(),
			PatientID:         req.PatientID,
			DoctorID:          doctor.ID,
			ClinicID:          req.ClinicID,
			ServiceID:         req.ServiceID,
			StartTime:         occ.StartTime,
			EndTime:           occ.EndTime,
			Status:            StatusPending,
			IsRecurring:       true,
			RecurringParentID: &parent.ID,
			OccurrenceNumber:  occ.Number,
		}
		err := s.createGuarded(ctx, doctor, child)
		switch {
		case err == nil:
			result.Occurrences = append(result.Occurrences, child)
			if s.metrics != nil {
				s.metrics.BookingsCreated.Inc()
			}
		case errors.Is(err, ErrSlotTaken), errors.Is(err, ErrDailyCapReached):
			result.SkippedOccurrences++
			s.log.Warn("skipping recurring occurrence",
				zap.String("parent_id", parent.ID.String()),
				zap.Int("occurrence", occ.Number),
				zap.Time("start_time", occ.StartTime),
				zap.Error(err),
			)
		default:
			return nil, fmt.Errorf("create occurrence %d: %w", occ.Number, err)
		}
	}

	return result, nil
}

func (s *BookingService) resolveDoctor(ctx context.Context, req BookingRequest) (*Doctor, error) {
	if req.DoctorID != nil {
		doctor, err := s.repo.GetDoctorByID(ctx, *req.DoctorID)
		if err != nil {
			return nil, fmt.Errorf("load doctor: %w", err)
		}
		available, err := s.availability.IsAvailable(ctx, doctor, req.StartTime)
		if err != nil {
			return nil, err
		}
		if !available {
			return nil, ErrDoctorNotBookable
		}
		return doctor, nil
	}

	doctor, err := s.distribution.BestDoctor(ctx, req.ClinicID, req.StartTime, req.Specialty)
	if err != nil {
		return nil, err
	}
	if doctor == nil {
		return nil, ErrNoAvailableDoctor
	}
	return doctor, nil
}

// createGuarded inserts the appointment under the booking lock, re-checking
// both invariants inside the transaction.
func (s *BookingService) createGuarded(ctx context.Context, doctor *Doctor, appt *Appointment) error {
	err := s.locker.WithBookingLock(ctx, doctor.ID, appt.StartTime, func(lockCtx context.Context) error {
		return s.repo.WithTx(lockCtx, func(tx Repository) error {
			_, err := tx.GetActiveAppointmentAt(lockCtx, doctor.ID, appt.StartTime)
			if err == nil {
				return ErrSlotTaken
			}
			if !errors.Is(err, ErrAppointmentNotFound) {
				return fmt.Errorf("check occupied slot: %w", err)
			}

			booked, err := tx.CountActiveAppointmentsOn(lockCtx, doctor.ID, DateOnly(appt.StartTime))
			if err != nil {
				return fmt.Errorf("count bookings: %w", err)
			}
			if booked >= doctor.MaxDailyAppointments {
				return ErrDailyCapReached
			}

			return tx.CreateAppointment(lockCtx, appt)
		})
	})
	if err != nil {
		if errors.Is(err, ErrLockNotAcquired) {
			return ErrBookingContended
		}
		if s.metrics != nil && (errors.Is(err, ErrSlotTaken) || errors.Is(err, ErrDailyCapReached)) {
			s.metrics.BookingConflicts.Inc()
		}
		return err
	}
	return nil
}

package schedule

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is an in-memory Repository used by tests and local
// sandboxing. A single RW mutex guards the maps; WithTx serializes logical
// transactions with a dedicated mutex and does not roll back — callers
// treat a failed transaction as terminal, which is what every test does.
type MemoryRepository struct {
	mu   sync.RWMutex
	txMu sync.Mutex

	patients       map[uuid.UUID]*Patient
	doctors        map[uuid.UUID]*Doctor
	workingHours   []WorkingHours
	unavailability []UnavailabilityPeriod
	appointments   map[uuid.UUID]*Appointment
	operations     map[uuid.UUID]*BulkCancellationOperation
	reassignments  map[uuid.UUID]*AppointmentReassignment
	policies       map[uuid.UUID]*CancellationPolicy
	events         []EventLog
	nextEventID    int64
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		patients:      make(map[uuid.UUID]*Patient),
		doctors:       make(map[uuid.UUID]*Doctor),
		appointments:  make(map[uuid.UUID]*Appointment),
		operations:    make(map[uuid.UUID]*BulkCancellationOperation),
		reassignments: make(map[uuid.UUID]*AppointmentReassignment),
		policies:      make(map[uuid.UUID]*CancellationPolicy),
	}
}

// Seed helpers.

func (m *MemoryRepository) AddPatient(p Patient) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := p
	m.patients[p.ID] = &cp
}

func (m *MemoryRepository) AddDoctor(d Doctor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := d
	m.doctors[d.ID] = &cp
}

func (m *MemoryRepository) AddWorkingHours(w WorkingHours) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workingHours = append(m.workingHours, w)
}

func (m *MemoryRepository) AddCancellationPolicy(p CancellationPolicy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := p
	m.policies[p.ClinicID] = &cp
}

// Events returns a copy of the audit log, oldest first.
func (m *MemoryRepository) Events() []EventLog {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]EventLog(nil), m.events...)
}

// Repository implementation.

func (m *MemoryRepository) WithTx(_ context.Context, fn func(Repository) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	return fn(m)
}

func (m *MemoryRepository) GetPatientByID(_ context.Context, id uuid.UUID) (*Patient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.patients[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryRepository) GetDoctorByID(_ context.Context, id uuid.UUID) (*Doctor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.doctors[id]
	if !ok {
		return nil, ErrDoctorNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryRepository) ListBookableDoctors(_ context.Context, clinicID uuid.UUID) ([]Doctor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Doctor
	for _, d := range m.doctors {
		if d.ClinicID == clinicID && d.IsActive && d.AllowOnlineBooking {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (m *MemoryRepository) ListWorkingHours(_ context.Context, doctorID uuid.UUID, day time.Weekday) ([]WorkingHours, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []WorkingHours
	for _, w := range m.workingHours {
		if w.DoctorID == doctorID && w.DayOfWeek == day {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartMinute < out[j].StartMinute })
	return out, nil
}

func (m *MemoryRepository) IsDoctorBlocked(_ context.Context, doctorID uuid.UUID, date time.Time) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	day := DateOnly(date)
	for _, p := range m.unavailability {
		if p.DoctorID != doctorID {
			continue
		}
		if !day.Before(DateOnly(p.StartDate)) && !day.After(DateOnly(p.EndDate)) {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryRepository) CreateUnavailabilityPeriod(_ context.Context, p *UnavailabilityPeriod) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unavailability = append(m.unavailability, *p)
	return nil
}

func (m *MemoryRepository) GetAppointmentByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryRepository) GetActiveAppointmentAt(_ context.Context, doctorID uuid.UUID, start time.Time) (*Appointment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.appointments {
		if a.DoctorID == doctorID && a.Status != StatusCancelled && a.StartTime.Equal(start) {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrAppointmentNotFound
}

func (m *MemoryRepository) CountActiveAppointmentsOn(_ context.Context, doctorID uuid.UUID, date time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	day := DateOnly(date)
	count := 0
	for _, a := range m.appointments {
		if a.DoctorID == doctorID && a.Status != StatusCancelled && DateOnly(a.StartTime).Equal(day) {
			count++
		}
	}
	return count, nil
}

func (m *MemoryRepository) ListActiveAppointmentsOn(_ context.Context, doctorID uuid.UUID, date time.Time) ([]Appointment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	day := DateOnly(date)
	var out []Appointment
	for _, a := range m.appointments {
		if a.DoctorID == doctorID && a.Status != StatusCancelled && DateOnly(a.StartTime).Equal(day) {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (m *MemoryRepository) ListAppointmentsInRange(_ context.Context, doctorID uuid.UUID, from, to time.Time, statuses []AppointmentStatus) ([]Appointment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	allowed := make(map[AppointmentStatus]struct{}, len(statuses))
	for _, s := range statuses {
		allowed[s] = struct{}{}
	}
	var out []Appointment
	for _, a := range m.appointments {
		if a.DoctorID != doctorID {
			continue
		}
		if len(allowed) > 0 {
			if _, ok := allowed[a.Status]; !ok {
				continue
			}
		}
		if a.StartTime.Before(from) || !a.StartTime.Before(to) {
			continue
		}
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (m *MemoryRepository) CreateAppointment(_ context.Context, a *Appointment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.appointments[a.ID] = &cp
	return nil
}

func (m *MemoryRepository) UpdateAppointmentSchedule(_ context.Context, id, doctorID uuid.UUID, start, end time.Time, status AppointmentStatus) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	a.DoctorID = doctorID
	a.StartTime = start
	a.EndTime = end
	a.Status = status
	a.UpdatedAt = time.Now()
	cp := *a
	return &cp, nil
}

func (m *MemoryRepository) UpdateAppointmentStatus(_ context.Context, id uuid.UUID, from, to AppointmentStatus) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	if a.Status != from {
		return nil, ErrStatusConflict
	}
	a.Status = to
	a.UpdatedAt = time.Now()
	cp := *a
	return &cp, nil
}

func (m *MemoryRepository) CancelAppointment(_ context.Context, id uuid.UUID, reason string, fee float64, isLate bool, at time.Time) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	a.Status = StatusCancelled
	a.CancelledAt = &at
	a.CancellationReason = &reason
	a.CancellationFee = fee
	a.IsLateCancellation = isLate
	a.UpdatedAt = at
	cp := *a
	return &cp, nil
}

func (m *MemoryRepository) ListUpcomingUnreminded(_ context.Context, from, to time.Time) ([]Appointment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Appointment
	for _, a := range m.appointments {
		if a.Status != StatusConfirmed || a.ReminderSentAt != nil {
			continue
		}
		if a.StartTime.Before(from) || !a.StartTime.Before(to) {
			continue
		}
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (m *MemoryRepository) MarkReminderSent(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appointments[id]
	if !ok {
		return ErrAppointmentNotFound
	}
	a.ReminderSentAt = &at
	return nil
}

func (m *MemoryRepository) CreateBulkOperation(_ context.Context, op *BulkCancellationOperation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *op
	m.operations[op.ID] = &cp
	return nil
}

func (m *MemoryRepository) GetBulkOperationByID(_ context.Context, id uuid.UUID) (*BulkCancellationOperation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	op, ok := m.operations[id]
	if !ok {
		return nil, ErrOperationNotFound
	}
	cp := *op
	return &cp, nil
}

func (m *MemoryRepository) UpdateBulkOperationStatus(_ context.Context, id uuid.UUID, from, to OperationStatus) (*BulkCancellationOperation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.operations[id]
	if !ok {
		return nil, ErrOperationNotFound
	}
	if op.Status != from {
		return nil, ErrStatusConflict
	}
	op.Status = to
	op.UpdatedAt = time.Now()
	cp := *op
	return &cp, nil
}

func (m *MemoryRepository) AddBulkOperationCounts(_ context.Context, id uuid.UUID, reassigned, cancelled, failed int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.operations[id]
	if !ok {
		return ErrOperationNotFound
	}
	op.ReassignedCount += reassigned
	op.CancelledCount += cancelled
	op.FailedCount += failed
	return nil
}

func (m *MemoryRepository) CreateReassignment(_ context.Context, r *AppointmentReassignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.reassignments[r.ID] = &cp
	return nil
}

func (m *MemoryRepository) GetReassignmentByID(_ context.Context, id uuid.UUID) (*AppointmentReassignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.reassignments[id]
	if !ok {
		return nil, ErrReassignmentNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryRepository) UpdateReassignmentStatus(_ context.Context, id uuid.UUID, from, to ReassignmentStatus, response *string) (*AppointmentReassignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reassignments[id]
	if !ok {
		return nil, ErrReassignmentNotFound
	}
	if r.Status != from {
		return nil, ErrStatusConflict
	}
	r.Status = to
	if response != nil {
		cp := *response
		r.PatientResponse = &cp
	}
	r.UpdatedAt = time.Now()
	cp := *r
	return &cp, nil
}

func (m *MemoryRepository) ListReassignmentsByOperation(_ context.Context, operationID uuid.UUID) ([]AppointmentReassignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []AppointmentReassignment
	for _, r := range m.reassignments {
		if r.BulkOperationID == operationID {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryRepository) GetActiveCancellationPolicy(_ context.Context, clinicID uuid.UUID) (*CancellationPolicy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.policies[clinicID]
	if !ok || !p.IsActive {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryRepository) InsertEvent(_ context.Context, ev EventLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextEventID++
	ev.ID = m.nextEventID
	m.events = append(m.events, ev)
	return nil
}

package schedule

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/medidesk/clinic-scheduling/internal/notify"
)

// fixedClock freezes time for deterministic policy and counter checks.
type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time { return c.now }

// recordingNotifier captures outbound notifications instead of sending them.
type recordingNotifier struct {
	mu        sync.Mutex
	sent      []sentNotification
	cancelled []uuid.UUID
}

type sentNotification struct {
	RecipientID uuid.UUID
	TemplateKey string
	Vars        map[string]string
}

func (n *recordingNotifier) Send(_ context.Context, recipientID uuid.UUID, templateKey string, vars map[string]string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentNotification{RecipientID: recipientID, TemplateKey: templateKey, Vars: vars})
	return nil
}

func (n *recordingNotifier) CancelReminders(_ context.Context, appointmentID uuid.UUID) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cancelled = append(n.cancelled, appointmentID)
	return nil
}

func (n *recordingNotifier) sentCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

var _ notify.Notifier = (*recordingNotifier)(nil)

// Monday 2024-01-08; the week of Jan 8-12 2024 is all weekdays.
var testMonday = time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC)

const testSlotMinutes = 30

// newTestDoctor registers an active, online-bookable doctor with Mon-Fri
// 09:00-17:00 working hours.
func newTestDoctor(repo *MemoryRepository, clinicID uuid.UUID, specialty string, maxDaily int) *Doctor {
	doc := Doctor{
		ID:                   uuid.New(),
		ClinicID:             clinicID,
		Name:                 "Dr. " + specialty,
		MaxDailyAppointments: maxDaily,
		SlotDurationMinutes:  testSlotMinutes,
		AllowOnlineBooking:   true,
		IsActive:             true,
	}
	if specialty != "" {
		s := specialty
		doc.Specialty = &s
	}
	repo.AddDoctor(doc)
	for day := time.Monday; day <= time.Friday; day++ {
		repo.AddWorkingHours(WorkingHours{
			ID:          uuid.New(),
			DoctorID:    doc.ID,
			DayOfWeek:   day,
			StartMinute: 9 * 60,
			EndMinute:   17 * 60,
			IsAvailable: true,
		})
	}
	return &doc
}

func newTestPatient(repo *MemoryRepository) *Patient {
	p := Patient{ID: uuid.New(), Name: "Pat Example"}
	repo.AddPatient(p)
	return &p
}

func addAppointment(repo *MemoryRepository, doctor *Doctor, patientID uuid.UUID, start time.Time, status AppointmentStatus) *Appointment {
	a := &Appointment{
		ID:               uuid.New(),
		PatientID:        patientID,
		DoctorID:         doctor.ID,
		ClinicID:         doctor.ClinicID,
		StartTime:        start,
		EndTime:          start.Add(time.Duration(doctor.SlotDurationMinutes) * time.Minute),
		Status:           status,
		OccurrenceNumber: 1,
	}
	if err := repo.CreateAppointment(context.Background(), a); err != nil {
		panic(err)
	}
	return a
}

func testLogger(t *testing.T) *zap.Logger {
	t.Helper()
	return zap.NewNop()
}

func at(day time.Time, hour, minute int) time.Time {
	return day.Add(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute)
}

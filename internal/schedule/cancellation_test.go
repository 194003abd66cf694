package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newCancellationFixture(t *testing.T, now time.Time) (*MemoryRepository, *CancellationPolicyEvaluator, *recordingNotifier) {
	t.Helper()
	repo := NewMemoryRepository()
	notifier := &recordingNotifier{}
	evaluator := NewCancellationPolicyEvaluator(repo, notifier, fixedClock{now: now}, testLogger(t))
	return repo, evaluator, notifier
}

func TestCanCancelAdminBypassesPolicy(t *testing.T) {
	now := at(testMonday, 9, 0)
	repo, evaluator, _ := newCancellationFixture(t, now)
	clinicID := uuid.New()
	doc := newTestDoctor(repo, clinicID, "Cardiology", 10)
	patient := newTestPatient(repo)

	repo.AddCancellationPolicy(CancellationPolicy{
		ID:                 uuid.New(),
		ClinicID:           clinicID,
		LateThresholdHours: 24,
		LateFee:            50,
		IsActive:           true,
	})

	// One hour before start: a patient would pay the late fee.
	appt := addAppointment(repo, doc, patient.ID, at(testMonday, 10, 0), StatusConfirmed)

	decision, err := evaluator.CanCancel(context.Background(), appt, Actor{UserID: uuid.New(), Role: RoleAdmin})
	if err != nil {
		t.Fatalf("CanCancel: %v", err)
	}
	if !decision.Allowed || decision.IsLate || decision.Fee != 0 {
		t.Errorf("admin decision = %+v, want allowed with no fee", decision)
	}
}

func TestCanCancelLateIncursFee(t *testing.T) {
	now := at(testMonday, 9, 0)
	repo, evaluator, _ := newCancellationFixture(t, now)
	clinicID := uuid.New()
	doc := newTestDoctor(repo, clinicID, "Cardiology", 10)
	patient := newTestPatient(repo)

	repo.AddCancellationPolicy(CancellationPolicy{
		ID:                 uuid.New(),
		ClinicID:           clinicID,
		LateThresholdHours: 24,
		LateFee:            50,
		IsActive:           true,
	})

	actor := Actor{UserID: patient.ID, Role: RolePatient}

	// Tomorrow 10:00 is 25h away: on time, no fee.
	early := addAppointment(repo, doc, patient.ID, at(testMonday.AddDate(0, 0, 1), 10, 0), StatusConfirmed)
	decision, err := evaluator.CanCancel(context.Background(), early, actor)
	if err != nil {
		t.Fatalf("CanCancel: %v", err)
	}
	if !decision.Allowed || decision.IsLate || decision.Fee != 0 {
		t.Errorf("early decision = %+v, want allowed with no fee", decision)
	}

	// Today 10:00 is one hour away: late, fee applies.
	late := addAppointment(repo, doc, patient.ID, at(testMonday, 10, 0), StatusConfirmed)
	decision, err = evaluator.CanCancel(context.Background(), late, actor)
	if err != nil {
		t.Fatalf("CanCancel: %v", err)
	}
	if !decision.Allowed || !decision.IsLate || decision.Fee != 50 {
		t.Errorf("late decision = %+v, want allowed late with fee 50", decision)
	}
}

func TestCanCancelWithoutPolicyIsFree(t *testing.T) {
	now := at(testMonday, 9, 0)
	repo, evaluator, _ := newCancellationFixture(t, now)
	clinicID := uuid.New()
	doc := newTestDoctor(repo, clinicID, "Cardiology", 10)
	patient := newTestPatient(repo)

	appt := addAppointment(repo, doc, patient.ID, at(testMonday, 10, 0), StatusConfirmed)

	decision, err := evaluator.CanCancel(context.Background(), appt, Actor{UserID: patient.ID, Role: RolePatient})
	if err != nil {
		t.Fatalf("CanCancel: %v", err)
	}
	if !decision.Allowed || decision.IsLate || decision.Fee != 0 {
		t.Errorf("decision = %+v, want allowed with no fee", decision)
	}
}

func TestCanCancelTerminalStatuses(t *testing.T) {
	now := at(testMonday, 9, 0)
	repo, evaluator, _ := newCancellationFixture(t, now)
	clinicID := uuid.New()
	doc := newTestDoctor(repo, clinicID, "Cardiology", 10)
	patient := newTestPatient(repo)

	for _, status := range []AppointmentStatus{StatusCancelled, StatusCompleted} {
		appt := addAppointment(repo, doc, patient.ID, at(testMonday, 10, 0), status)
		decision, err := evaluator.CanCancel(context.Background(), appt, Actor{UserID: uuid.New(), Role: RoleAdmin})
		if err != nil {
			t.Fatalf("CanCancel(%s): %v", status, err)
		}
		if decision.Allowed {
			t.Errorf("%s appointment should not be cancellable", status)
		}
	}
}

func TestProcessCancelAppliesFeeAndDropsReminders(t *testing.T) {
	now := at(testMonday, 9, 0)
	repo, evaluator, notifier := newCancellationFixture(t, now)
	clinicID := uuid.New()
	doc := newTestDoctor(repo, clinicID, "Cardiology", 10)
	patient := newTestPatient(repo)

	repo.AddCancellationPolicy(CancellationPolicy{
		ID:                 uuid.New(),
		ClinicID:           clinicID,
		LateThresholdHours: 24,
		LateFee:            35,
		IsActive:           true,
	})

	appt := addAppointment(repo, doc, patient.ID, at(testMonday, 10, 0), StatusConfirmed)

	cancelled, err := evaluator.ProcessCancel(context.Background(), appt.ID, "cannot make it", Actor{UserID: patient.ID, Role: RolePatient})
	if err != nil {
		t.Fatalf("ProcessCancel: %v", err)
	}

	if cancelled.Status != StatusCancelled {
		t.Errorf("status = %s, want cancelled", cancelled.Status)
	}
	if !cancelled.IsLateCancellation {
		t.Error("expected a late cancellation")
	}
	if cancelled.CancellationFee != 35 {
		t.Errorf("fee = %v, want 35", cancelled.CancellationFee)
	}
	if cancelled.CancelledAt == nil || !cancelled.CancelledAt.Equal(now) {
		t.Errorf("cancelled at = %v, want the frozen clock %v", cancelled.CancelledAt, now)
	}
	if cancelled.CancellationReason == nil || *cancelled.CancellationReason != "cannot make it" {
		t.Errorf("reason = %v", cancelled.CancellationReason)
	}

	if len(notifier.cancelled) != 1 || notifier.cancelled[0] != appt.ID {
		t.Errorf("reminder cancellation = %v, want the appointment id", notifier.cancelled)
	}
}

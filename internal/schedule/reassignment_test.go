package schedule

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/medidesk/clinic-scheduling/internal/notify"
)

type reassignmentFixture struct {
	repo     *MemoryRepository
	orch     *ReassignmentOrchestrator
	notifier *recordingNotifier
	clinicID uuid.UUID
}

func newReassignmentFixture(t *testing.T, policy LateApprovalPolicy) *reassignmentFixture {
	t.Helper()
	repo := NewMemoryRepository()
	resolver := NewAvailabilityResolver(repo)
	engine := NewDistributionEngine(repo, resolver, 30)
	notifier := &recordingNotifier{}
	clock := fixedClock{now: at(testMonday, 8, 0)}
	orch := NewReassignmentOrchestrator(
		repo, engine, resolver, notifier, NoopLocker{}, clock, testLogger(t), nil, policy, 7,
	)
	return &reassignmentFixture{
		repo:     repo,
		orch:     orch,
		notifier: notifier,
		clinicID: uuid.New(),
	}
}

func (f *reassignmentFixture) newOperation(t *testing.T, doctorID uuid.UUID, total int) *BulkCancellationOperation {
	t.Helper()
	op := &BulkCancellationOperation{
		ID:                uuid.New(),
		ClinicID:          f.clinicID,
		DoctorID:          doctorID,
		InitiatedBy:       uuid.New(),
		StartDate:         testMonday,
		EndDate:           testMonday.AddDate(0, 0, 4),
		Reason:            "sick leave",
		Status:            OperationInProgress,
		TotalAppointments: total,
	}
	if err := f.repo.CreateBulkOperation(context.Background(), op); err != nil {
		t.Fatalf("CreateBulkOperation: %v", err)
	}
	return op
}

func TestReassignSameTimeAutoApproves(t *testing.T) {
	f := newReassignmentFixture(t, LateApprovalReject)
	original := newTestDoctor(f.repo, f.clinicID, "Cardiology", 10)
	substitute := newTestDoctor(f.repo, f.clinicID, "Cardiology", 10)
	patient := newTestPatient(f.repo)
	ctx := context.Background()

	appt := addAppointment(f.repo, original, patient.ID, at(testMonday, 10, 0), StatusConfirmed)
	op := f.newOperation(t, original.ID, 1)

	r, err := f.orch.Reassign(ctx, appt, op, nil, nil)
	if err != nil {
		t.Fatalf("Reassign: %v", err)
	}

	if r.Status != ReassignmentCompleted {
		t.Errorf("reassignment status = %s, want completed", r.Status)
	}
	if r.PatientResponse == nil || *r.PatientResponse != "auto_approved" {
		t.Errorf("patient response = %v, want auto_approved", r.PatientResponse)
	}
	if r.NewDoctorID != substitute.ID {
		t.Errorf("new doctor = %s, want %s", r.NewDoctorID, substitute.ID)
	}

	moved, err := f.repo.GetAppointmentByID(ctx, appt.ID)
	if err != nil {
		t.Fatalf("GetAppointmentByID: %v", err)
	}
	if moved.DoctorID != substitute.ID {
		t.Errorf("appointment doctor = %s, want %s", moved.DoctorID, substitute.ID)
	}
	if moved.Status != StatusConfirmed {
		t.Errorf("appointment status = %s, want confirmed", moved.Status)
	}
	if !moved.StartTime.Equal(appt.StartTime) {
		t.Errorf("start time changed to %v", moved.StartTime)
	}

	if got := f.notifier.sentCount(); got != 0 {
		t.Errorf("auto-approval sent %d notifications, want 0", got)
	}

	updated, _ := f.repo.GetBulkOperationByID(ctx, op.ID)
	if updated.ReassignedCount != 1 {
		t.Errorf("reassigned counter = %d, want 1", updated.ReassignedCount)
	}
}

func TestReassignTimeChangeNotifiesPatient(t *testing.T) {
	f := newReassignmentFixture(t, LateApprovalReject)
	original := newTestDoctor(f.repo, f.clinicID, "Cardiology", 10)
	substitute := newTestDoctor(f.repo, f.clinicID, "Cardiology", 10)
	patient := newTestPatient(f.repo)
	ctx := context.Background()

	appt := addAppointment(f.repo, original, patient.ID, at(testMonday, 10, 0), StatusConfirmed)
	op := f.newOperation(t, original.ID, 1)

	newStart := at(testMonday, 14, 0)
	r, err := f.orch.Reassign(ctx, appt, op, &substitute.ID, &newStart)
	if err != nil {
		t.Fatalf("Reassign: %v", err)
	}

	if r.Status != ReassignmentPatientNotified {
		t.Errorf("reassignment status = %s, want patient_notified", r.Status)
	}

	// The appointment does not move until the patient approves.
	pending, _ := f.repo.GetAppointmentByID(ctx, appt.ID)
	if pending.DoctorID != original.ID || !pending.StartTime.Equal(appt.StartTime) {
		t.Error("appointment moved before patient approval")
	}

	if got := f.notifier.sentCount(); got != 1 {
		t.Fatalf("sent %d notifications, want 1", got)
	}
	if f.notifier.sent[0].TemplateKey != notify.TemplateReassignmentProposed {
		t.Errorf("template = %s, want %s", f.notifier.sent[0].TemplateKey, notify.TemplateReassignmentProposed)
	}
	if f.notifier.sent[0].RecipientID != patient.ID {
		t.Errorf("recipient = %s, want the patient", f.notifier.sent[0].RecipientID)
	}
}

func TestApproveMovesAppointment(t *testing.T) {
	f := newReassignmentFixture(t, LateApprovalReject)
	original := newTestDoctor(f.repo, f.clinicID, "Cardiology", 10)
	substitute := newTestDoctor(f.repo, f.clinicID, "Cardiology", 10)
	patient := newTestPatient(f.repo)
	ctx := context.Background()

	appt := addAppointment(f.repo, original, patient.ID, at(testMonday, 10, 0), StatusConfirmed)
	op := f.newOperation(t, original.ID, 1)

	newStart := at(testMonday, 14, 0)
	r, err := f.orch.Reassign(ctx, appt, op, &substitute.ID, &newStart)
	if err != nil {
		t.Fatalf("Reassign: %v", err)
	}

	approved, err := f.orch.Approve(ctx, r.ID)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if approved.Status != ReassignmentCompleted {
		t.Errorf("reassignment status = %s, want completed", approved.Status)
	}

	moved, _ := f.repo.GetAppointmentByID(ctx, appt.ID)
	if moved.DoctorID != substitute.ID {
		t.Errorf("appointment doctor = %s, want %s", moved.DoctorID, substitute.ID)
	}
	if !moved.StartTime.Equal(newStart) {
		t.Errorf("start time = %v, want %v", moved.StartTime, newStart)
	}
	if moved.Status != StatusConfirmed {
		t.Errorf("appointment status = %s, want confirmed", moved.Status)
	}
}

func TestApproveRequiresNotifiedState(t *testing.T) {
	f := newReassignmentFixture(t, LateApprovalReject)
	original := newTestDoctor(f.repo, f.clinicID, "Cardiology", 10)
	substitute := newTestDoctor(f.repo, f.clinicID, "Cardiology", 10)
	patient := newTestPatient(f.repo)
	ctx := context.Background()

	appt := addAppointment(f.repo, original, patient.ID, at(testMonday, 10, 0), StatusConfirmed)
	op := f.newOperation(t, original.ID, 1)

	// Same-time reassignment auto-completes, so a later approval is invalid.
	r, err := f.orch.Reassign(ctx, appt, op, &substitute.ID, nil)
	if err != nil {
		t.Fatalf("Reassign: %v", err)
	}
	if _, err := f.orch.Approve(ctx, r.ID); !errors.Is(err, ErrReassignmentState) {
		t.Fatalf("got %v, want ErrReassignmentState", err)
	}
}

func TestRejectCancelsAppointment(t *testing.T) {
	f := newReassignmentFixture(t, LateApprovalReject)
	original := newTestDoctor(f.repo, f.clinicID, "Cardiology", 10)
	substitute := newTestDoctor(f.repo, f.clinicID, "Cardiology", 10)
	patient := newTestPatient(f.repo)
	ctx := context.Background()

	appt := addAppointment(f.repo, original, patient.ID, at(testMonday, 10, 0), StatusConfirmed)
	op := f.newOperation(t, original.ID, 1)

	newStart := at(testMonday, 14, 0)
	r, err := f.orch.Reassign(ctx, appt, op, &substitute.ID, &newStart)
	if err != nil {
		t.Fatalf("Reassign: %v", err)
	}

	rejected, err := f.orch.Reject(ctx, r.ID, "schedule conflict")
	if err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if rejected.Status != ReassignmentPatientRejected {
		t.Errorf("reassignment status = %s, want patient_rejected", rejected.Status)
	}

	cancelled, _ := f.repo.GetAppointmentByID(ctx, appt.ID)
	if cancelled.Status != StatusCancelled {
		t.Errorf("appointment status = %s, want cancelled", cancelled.Status)
	}
	if cancelled.CancellationReason == nil || *cancelled.CancellationReason != "schedule conflict" {
		t.Errorf("cancellation reason = %v, want schedule conflict", cancelled.CancellationReason)
	}

	updated, _ := f.repo.GetBulkOperationByID(ctx, op.ID)
	if updated.CancelledCount != 1 {
		t.Errorf("cancelled counter = %d, want 1", updated.CancelledCount)
	}
	if updated.ReassignedCount != 0 {
		t.Errorf("reassigned counter = %d, want 0 after the tentative count is released", updated.ReassignedCount)
	}
}

func TestLateApprovalPolicies(t *testing.T) {
	run := func(t *testing.T, policy LateApprovalPolicy) (*reassignmentFixture, *AppointmentReassignment, error) {
		f := newReassignmentFixture(t, policy)
		original := newTestDoctor(f.repo, f.clinicID, "Cardiology", 10)
		substitute := newTestDoctor(f.repo, f.clinicID, "Cardiology", 10)
		patient := newTestPatient(f.repo)
		ctx := context.Background()

		appt := addAppointment(f.repo, original, patient.ID, at(testMonday, 10, 0), StatusConfirmed)
		op := f.newOperation(t, original.ID, 1)

		newStart := at(testMonday, 14, 0)
		r, err := f.orch.Reassign(ctx, appt, op, &substitute.ID, &newStart)
		if err != nil {
			t.Fatalf("Reassign: %v", err)
		}

		if _, err := f.repo.UpdateBulkOperationStatus(ctx, op.ID, OperationInProgress, OperationCancelled); err != nil {
			t.Fatalf("cancel operation: %v", err)
		}

		result, err := f.orch.Approve(ctx, r.ID)
		return f, result, err
	}

	t.Run("reject policy refuses late approvals", func(t *testing.T) {
		_, _, err := run(t, LateApprovalReject)
		if !errors.Is(err, ErrOperationCancelled) {
			t.Fatalf("got %v, want ErrOperationCancelled", err)
		}
	})

	t.Run("honor policy still moves the appointment", func(t *testing.T) {
		_, r, err := run(t, LateApprovalHonor)
		if err != nil {
			t.Fatalf("Approve: %v", err)
		}
		if r.Status != ReassignmentCompleted {
			t.Errorf("reassignment status = %s, want completed", r.Status)
		}
	})
}

func TestSuggestCandidatesAtOriginalTime(t *testing.T) {
	f := newReassignmentFixture(t, LateApprovalReject)
	original := newTestDoctor(f.repo, f.clinicID, "Cardiology", 10)
	free := newTestDoctor(f.repo, f.clinicID, "Cardiology", 10)
	otherSpec := newTestDoctor(f.repo, f.clinicID, "Dermatology", 10)
	patient := newTestPatient(f.repo)
	ctx := context.Background()

	appt := addAppointment(f.repo, original, patient.ID, at(testMonday, 10, 0), StatusConfirmed)

	suggestions, err := f.orch.SuggestCandidates(ctx, appt)
	if err != nil {
		t.Fatalf("SuggestCandidates: %v", err)
	}
	if len(suggestions) != 1 {
		t.Fatalf("got %d candidates, want 1", len(suggestions))
	}
	if suggestions[0].Doctor.ID != free.ID {
		t.Errorf("candidate = %s, want %s", suggestions[0].Doctor.ID, free.ID)
	}
	if !suggestions[0].AvailableAtOriginalTime {
		t.Error("candidate should be available at the original time")
	}
	if suggestions[0].Doctor.ID == otherSpec.ID {
		t.Error("different specialty must not be suggested")
	}
}

func TestSuggestCandidatesFallsBackToAlternativeSlots(t *testing.T) {
	f := newReassignmentFixture(t, LateApprovalReject)
	original := newTestDoctor(f.repo, f.clinicID, "Cardiology", 10)
	alt := newTestDoctor(f.repo, f.clinicID, "Cardiology", 10)
	patient := newTestPatient(f.repo)
	other := newTestPatient(f.repo)
	ctx := context.Background()

	start := at(testMonday, 10, 0)
	appt := addAppointment(f.repo, original, patient.ID, start, StatusConfirmed)
	// The alternative doctor is busy at the exact original time.
	addAppointment(f.repo, alt, other.ID, start, StatusConfirmed)

	suggestions, err := f.orch.SuggestCandidates(ctx, appt)
	if err != nil {
		t.Fatalf("SuggestCandidates: %v", err)
	}
	if len(suggestions) != 1 {
		t.Fatalf("got %d candidates, want 1", len(suggestions))
	}
	s := suggestions[0]
	if s.AvailableAtOriginalTime {
		t.Error("candidate is occupied at the original time")
	}
	if len(s.AlternativeSlots) == 0 || len(s.AlternativeSlots) > 3 {
		t.Fatalf("got %d alternative slots, want 1..3", len(s.AlternativeSlots))
	}
	for _, slot := range s.AlternativeSlots {
		if !slot.StartTime.After(start) {
			t.Errorf("alternative slot %v not after the original day", slot.StartTime)
		}
	}
}

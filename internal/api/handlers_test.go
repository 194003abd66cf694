package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/medidesk/clinic-scheduling/internal/notify"
	"github.com/medidesk/clinic-scheduling/internal/schedule"
)

type apiFixture struct {
	repo     *schedule.MemoryRepository
	handler  http.Handler
	clinicID uuid.UUID
}

// Monday 2024-01-08.
var testMonday = time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC)

type testClock struct{ now time.Time }

func (c testClock) Now() time.Time { return c.now }

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	repo := schedule.NewMemoryRepository()
	logger := zap.NewNop()
	clock := testClock{now: testMonday.Add(8 * time.Hour)}

	resolver := schedule.NewAvailabilityResolver(repo)
	engine := schedule.NewDistributionEngine(repo, resolver, 30)
	expander := schedule.NewRecurrenceExpander(100)
	booking := schedule.NewBookingService(repo, resolver, engine, expander, schedule.NoopLocker{}, clock, logger, nil)
	orch := schedule.NewReassignmentOrchestrator(
		repo, engine, resolver, notify.Nop{}, schedule.NoopLocker{}, clock, logger, nil,
		schedule.LateApprovalReject, 7,
	)
	bulk := schedule.NewBulkOperationCoordinator(repo, orch, engine, clock, logger, nil)
	cancellation := schedule.NewCancellationPolicyEvaluator(repo, notify.Nop{}, clock, logger)

	handler := NewRouter(RouterConfig{
		Booking:      booking,
		Distribution: engine,
		Cancellation: cancellation,
		Bulk:         bulk,
		Reassignment: orch,
		Repo:         repo,
		Clock:        clock,
		Logger:       logger,
		Env:          "test",
		Version:      "test",
	})

	return &apiFixture{repo: repo, handler: handler, clinicID: uuid.New()}
}

func (f *apiFixture) addDoctor(specialty string, maxDaily int) schedule.Doctor {
	doc := schedule.Doctor{
		ID:                   uuid.New(),
		ClinicID:             f.clinicID,
		Name:                 "Dr. " + specialty,
		MaxDailyAppointments: maxDaily,
		SlotDurationMinutes:  30,
		AllowOnlineBooking:   true,
		IsActive:             true,
	}
	if specialty != "" {
		s := specialty
		doc.Specialty = &s
	}
	f.repo.AddDoctor(doc)
	for day := time.Monday; day <= time.Friday; day++ {
		f.repo.AddWorkingHours(schedule.WorkingHours{
			ID:          uuid.New(),
			DoctorID:    doc.ID,
			DayOfWeek:   day,
			StartMinute: 9 * 60,
			EndMinute:   17 * 60,
			IsAvailable: true,
		})
	}
	return doc
}

func (f *apiFixture) addPatient() schedule.Patient {
	p := schedule.Patient{ID: uuid.New(), Name: "Pat Example"}
	f.repo.AddPatient(p)
	return p
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
	return v
}

func TestAvailableSlotsEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	f.addDoctor("Cardiology", 20)

	rec := f.do(t, http.MethodGet,
		fmt.Sprintf("/clinics/%s/available-slots?date=2024-01-08", f.clinicID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	resp := decode[AvailableSlotsResponse](t, rec)
	if resp.TotalSlots != 16 || len(resp.Slots) != 16 {
		t.Errorf("total_slots = %d with %d slots, want 16", resp.TotalSlots, len(resp.Slots))
	}
	first := resp.Slots[0]
	if first.Specialty == nil || *first.Specialty != "Cardiology" {
		t.Errorf("slot specialty = %v, want Cardiology", first.Specialty)
	}
	if first.DurationMinutes != 30 {
		t.Errorf("slot duration = %d, want 30", first.DurationMinutes)
	}

	// Saturday comes back as an empty list, not an error.
	rec = f.do(t, http.MethodGet,
		fmt.Sprintf("/clinics/%s/available-slots?date=2024-01-13", f.clinicID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("saturday status = %d", rec.Code)
	}
	resp = decode[AvailableSlotsResponse](t, rec)
	if len(resp.Slots) != 0 {
		t.Errorf("saturday returned %d slots, want 0", len(resp.Slots))
	}
}

func TestAvailableSlotsRejectsBadDate(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet,
		fmt.Sprintf("/clinics/%s/available-slots?date=tomorrow", f.clinicID), nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestNextAvailableSlotEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	doc := f.addDoctor("Cardiology", 10)

	// No from parameter: the search starts at the server clock (Monday
	// 08:00), so the first slot is Monday 09:00.
	rec := f.do(t, http.MethodGet,
		fmt.Sprintf("/clinics/%s/next-available-slot", f.clinicID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	slot := decode[ClinicSlotResponse](t, rec)
	if want := testMonday.Add(9 * time.Hour); !slot.StartTime.Equal(want) {
		t.Errorf("start = %v, want %v", slot.StartTime, want)
	}
	if slot.DoctorID != doc.ID {
		t.Errorf("doctor = %s, want %s", slot.DoctorID, doc.ID)
	}
	if slot.DurationMinutes != 30 {
		t.Errorf("duration = %d, want 30", slot.DurationMinutes)
	}
}

func TestBookAppointmentEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	doc := f.addDoctor("Cardiology", 10)
	patient := f.addPatient()

	start := testMonday.Add(10 * time.Hour)
	docID := doc.ID.String()
	rec := f.do(t, http.MethodPost, "/appointments", BookAppointmentRequest{
		PatientID: patient.ID.String(),
		ClinicID:  f.clinicID.String(),
		DoctorID:  &docID,
		StartTime: start,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	resp := decode[BookingResponse](t, rec)
	if resp.Appointment.Status != "pending" {
		t.Errorf("status = %s, want pending", resp.Appointment.Status)
	}
	if resp.Appointment.DoctorID != doc.ID {
		t.Errorf("doctor = %s, want %s", resp.Appointment.DoctorID, doc.ID)
	}

	// The same slot again conflicts.
	rec = f.do(t, http.MethodPost, "/appointments", BookAppointmentRequest{
		PatientID: patient.ID.String(),
		ClinicID:  f.clinicID.String(),
		DoctorID:  &docID,
		StartTime: start,
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("double booking status = %d, want 409", rec.Code)
	}
}

func TestBookAppointmentValidation(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/appointments", BookAppointmentRequest{
		PatientID: "not-a-uuid",
		ClinicID:  f.clinicID.String(),
		StartTime: testMonday,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	errResp := decode[ErrorResponse](t, rec)
	if errResp.Error != "invalid_patient_id" {
		t.Errorf("error code = %s, want invalid_patient_id", errResp.Error)
	}
}

func TestCancelAppointmentEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	doc := f.addDoctor("Cardiology", 10)
	patient := f.addPatient()

	appt := schedule.Appointment{
		ID:        uuid.New(),
		PatientID: patient.ID,
		DoctorID:  doc.ID,
		ClinicID:  f.clinicID,
		StartTime: testMonday.Add(10 * time.Hour),
		EndTime:   testMonday.Add(10*time.Hour + 30*time.Minute),
		Status:    schedule.StatusConfirmed,
	}
	if err := f.repo.CreateAppointment(context.Background(), &appt); err != nil {
		t.Fatalf("CreateAppointment: %v", err)
	}

	rec := f.do(t, http.MethodPost, "/appointments/"+appt.ID.String()+"/cancel", CancelAppointmentRequest{
		Reason:    "cannot make it",
		ActorID:   patient.ID.String(),
		ActorRole: "patient",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	resp := decode[AppointmentResponse](t, rec)
	if resp.Status != "cancelled" {
		t.Errorf("status = %s, want cancelled", resp.Status)
	}

	// Unknown appointment is a 404.
	rec = f.do(t, http.MethodPost, "/appointments/"+uuid.NewString()+"/cancel", CancelAppointmentRequest{
		Reason:    "x",
		ActorID:   patient.ID.String(),
		ActorRole: "patient",
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestBulkCancellationFlow(t *testing.T) {
	f := newAPIFixture(t)
	docA := f.addDoctor("Cardiology", 10)
	f.addDoctor("Cardiology", 10)
	patient := f.addPatient()

	wednesday := testMonday.AddDate(0, 0, 2)
	for i := 0; i < 3; i++ {
		appt := schedule.Appointment{
			ID:        uuid.New(),
			PatientID: patient.ID,
			DoctorID:  docA.ID,
			ClinicID:  f.clinicID,
			StartTime: wednesday.Add(time.Duration(9+i) * time.Hour),
			EndTime:   wednesday.Add(time.Duration(9+i)*time.Hour + 30*time.Minute),
			Status:    schedule.StatusConfirmed,
		}
		if err := f.repo.CreateAppointment(context.Background(), &appt); err != nil {
			t.Fatalf("CreateAppointment: %v", err)
		}
	}

	rec := f.do(t, http.MethodPost, "/bulk-cancellations/preview", BulkPreviewRequest{
		DoctorID:  docA.ID.String(),
		StartDate: "2024-01-10",
		EndDate:   "2024-01-10",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("preview status = %d, body %s", rec.Code, rec.Body.String())
	}
	preview := decode[BulkPreviewResponse](t, rec)
	if preview.TotalAppointments != 3 {
		t.Errorf("preview total = %d, want 3", preview.TotalAppointments)
	}
	if preview.EstimatedSuccessRate != 100 {
		t.Errorf("preview success rate = %v, want 100", preview.EstimatedSuccessRate)
	}

	rec = f.do(t, http.MethodPost, "/bulk-cancellations", CreateBulkRequest{
		ClinicID:    f.clinicID.String(),
		DoctorID:    docA.ID.String(),
		InitiatedBy: uuid.NewString(),
		StartDate:   "2024-01-10",
		EndDate:     "2024-01-10",
		Reason:      "sick leave",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", rec.Code, rec.Body.String())
	}
	op := decode[OperationResponse](t, rec)
	if op.Status != "pending" || op.TotalAppointments != 3 {
		t.Fatalf("created operation = %+v", op)
	}

	rec = f.do(t, http.MethodPost, "/bulk-cancellations/"+op.ID.String()+"/execute", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("execute status = %d, body %s", rec.Code, rec.Body.String())
	}
	executed := decode[OperationResponse](t, rec)
	if executed.Status != "completed" {
		t.Errorf("executed status = %s, want completed", executed.Status)
	}

	// Executing twice conflicts.
	rec = f.do(t, http.MethodPost, "/bulk-cancellations/"+op.ID.String()+"/execute", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("re-execute status = %d, want 409", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/bulk-cancellations/"+op.ID.String()+"/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stats status = %d", rec.Code)
	}
	stats := decode[OperationStatsResponse](t, rec)
	if stats.Reassigned != 3 || stats.Failed != 0 {
		t.Errorf("stats = %+v, want reassigned=3 failed=0", stats)
	}
}

func TestRejectReassignmentEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	docA := f.addDoctor("Cardiology", 10)
	docB := f.addDoctor("Cardiology", 10)
	patient := f.addPatient()
	ctx := context.Background()

	appt := schedule.Appointment{
		ID:        uuid.New(),
		PatientID: patient.ID,
		DoctorID:  docA.ID,
		ClinicID:  f.clinicID,
		StartTime: testMonday.Add(10 * time.Hour),
		EndTime:   testMonday.Add(10*time.Hour + 30*time.Minute),
		Status:    schedule.StatusConfirmed,
	}
	if err := f.repo.CreateAppointment(ctx, &appt); err != nil {
		t.Fatalf("CreateAppointment: %v", err)
	}

	op := schedule.BulkCancellationOperation{
		ID:                uuid.New(),
		ClinicID:          f.clinicID,
		DoctorID:          docA.ID,
		InitiatedBy:       uuid.New(),
		StartDate:         testMonday,
		EndDate:           testMonday,
		Status:            schedule.OperationInProgress,
		TotalAppointments: 1,
	}
	if err := f.repo.CreateBulkOperation(ctx, &op); err != nil {
		t.Fatalf("CreateBulkOperation: %v", err)
	}

	r := schedule.AppointmentReassignment{
		ID:                uuid.New(),
		BulkOperationID:   op.ID,
		AppointmentID:     appt.ID,
		OriginalDoctorID:  docA.ID,
		NewDoctorID:       docB.ID,
		OriginalStartTime: appt.StartTime,
		NewStartTime:      appt.StartTime.Add(2 * time.Hour),
		Status:            schedule.ReassignmentPatientNotified,
	}
	if err := f.repo.CreateReassignment(ctx, &r); err != nil {
		t.Fatalf("CreateReassignment: %v", err)
	}

	rec := f.do(t, http.MethodPost, "/reassignments/"+r.ID.String()+"/reject", RejectReassignmentRequest{
		Reason: "schedule conflict",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("reject status = %d, body %s", rec.Code, rec.Body.String())
	}
	resp := decode[ReassignmentResponse](t, rec)
	if resp.Status != "patient_rejected" {
		t.Errorf("status = %s, want patient_rejected", resp.Status)
	}

	// A second response to the same proposal conflicts.
	rec = f.do(t, http.MethodPost, "/reassignments/"+r.ID.String()+"/approve", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("approve-after-reject status = %d, want 409", rec.Code)
	}
}

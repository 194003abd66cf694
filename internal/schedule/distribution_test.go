package schedule

import (
	"context"
	"testing"

	"github.com/google/uuid"
)

func newDistributionFixture(t *testing.T) (*MemoryRepository, *DistributionEngine, uuid.UUID) {
	t.Helper()
	repo := NewMemoryRepository()
	resolver := NewAvailabilityResolver(repo)
	engine := NewDistributionEngine(repo, resolver, 30)
	return repo, engine, uuid.New()
}

func TestBestDoctorPrefersLowestLoad(t *testing.T) {
	repo, engine, clinicID := newDistributionFixture(t)
	patient := newTestPatient(repo)

	docA := newTestDoctor(repo, clinicID, "Cardiology", 10)
	docB := newTestDoctor(repo, clinicID, "Cardiology", 10)

	// Doctor A is full for the day, Doctor B holds 2 of 10.
	for i := 0; i < 10; i++ {
		addAppointment(repo, docA, patient.ID, at(testMonday, 9, i*30), StatusConfirmed)
	}
	addAppointment(repo, docB, patient.ID, at(testMonday, 9, 0), StatusConfirmed)
	addAppointment(repo, docB, patient.ID, at(testMonday, 9, 30), StatusConfirmed)

	best, err := engine.BestDoctor(context.Background(), clinicID, at(testMonday, 14, 0), nil)
	if err != nil {
		t.Fatalf("BestDoctor: %v", err)
	}
	if best == nil {
		t.Fatal("expected a doctor, got nil")
	}
	if best.ID != docB.ID {
		t.Errorf("best doctor = %s, want doctor B %s", best.ID, docB.ID)
	}
}

func TestBestDoctorTieBreaksOnLowestID(t *testing.T) {
	repo, engine, clinicID := newDistributionFixture(t)

	docA := newTestDoctor(repo, clinicID, "Cardiology", 10)
	docB := newTestDoctor(repo, clinicID, "Cardiology", 10)

	want := docA.ID
	if docB.ID.String() < docA.ID.String() {
		want = docB.ID
	}

	best, err := engine.BestDoctor(context.Background(), clinicID, at(testMonday, 10, 0), nil)
	if err != nil {
		t.Fatalf("BestDoctor: %v", err)
	}
	if best == nil {
		t.Fatal("expected a doctor, got nil")
	}
	if best.ID != want {
		t.Errorf("tie-break picked %s, want lowest id %s", best.ID, want)
	}
}

func TestBestDoctorFiltersSpecialty(t *testing.T) {
	repo, engine, clinicID := newDistributionFixture(t)

	newTestDoctor(repo, clinicID, "Dermatology", 10)
	cardio := newTestDoctor(repo, clinicID, "Cardiology", 10)

	specialty := "Cardiology"
	best, err := engine.BestDoctor(context.Background(), clinicID, at(testMonday, 10, 0), &specialty)
	if err != nil {
		t.Fatalf("BestDoctor: %v", err)
	}
	if best == nil || best.ID != cardio.ID {
		t.Fatalf("expected the cardiologist, got %+v", best)
	}
}

func TestBestDoctorGeneralistMatchesAnySpecialty(t *testing.T) {
	repo, engine, clinicID := newDistributionFixture(t)

	generalist := newTestDoctor(repo, clinicID, "", 10)

	specialty := "Cardiology"
	best, err := engine.BestDoctor(context.Background(), clinicID, at(testMonday, 10, 0), &specialty)
	if err != nil {
		t.Fatalf("BestDoctor: %v", err)
	}
	if best == nil || best.ID != generalist.ID {
		t.Fatalf("generalist should match a specialty filter, got %+v", best)
	}
}

func TestBestDoctorExcluding(t *testing.T) {
	repo, engine, clinicID := newDistributionFixture(t)

	docA := newTestDoctor(repo, clinicID, "Cardiology", 10)
	docB := newTestDoctor(repo, clinicID, "Cardiology", 10)

	best, err := engine.BestDoctorExcluding(context.Background(), clinicID, at(testMonday, 10, 0), nil, docA.ID)
	if err != nil {
		t.Fatalf("BestDoctorExcluding: %v", err)
	}
	if best == nil || best.ID != docB.ID {
		t.Fatalf("expected doctor B after excluding A, got %+v", best)
	}

	best, err = engine.BestDoctorExcluding(context.Background(), clinicID, at(testMonday, 10, 0), nil, docB.ID)
	if err != nil {
		t.Fatalf("BestDoctorExcluding: %v", err)
	}
	if best == nil || best.ID != docA.ID {
		t.Fatalf("expected doctor A after excluding B, got %+v", best)
	}
}

func TestBestDoctorNoneAvailableReturnsNil(t *testing.T) {
	repo, engine, clinicID := newDistributionFixture(t)
	patient := newTestPatient(repo)

	doc := newTestDoctor(repo, clinicID, "Cardiology", 2)
	addAppointment(repo, doc, patient.ID, at(testMonday, 9, 0), StatusConfirmed)
	addAppointment(repo, doc, patient.ID, at(testMonday, 9, 30), StatusConfirmed)

	best, err := engine.BestDoctor(context.Background(), clinicID, at(testMonday, 14, 0), nil)
	if err != nil {
		t.Fatalf("BestDoctor: %v", err)
	}
	if best != nil {
		t.Errorf("expected nil when every doctor is at capacity, got %s", best.ID)
	}
}

func TestSlotsForClinicWeekend(t *testing.T) {
	repo, engine, clinicID := newDistributionFixture(t)
	newTestDoctor(repo, clinicID, "Cardiology", 10)

	saturday := testMonday.AddDate(0, 0, 5)
	slots, err := engine.SlotsForClinic(context.Background(), clinicID, saturday, nil, nil)
	if err != nil {
		t.Fatalf("SlotsForClinic: %v", err)
	}
	if len(slots) != 0 {
		t.Fatalf("expected no clinic slots on Saturday, got %d", len(slots))
	}
}

func TestSlotsForClinicTruncatesToRemainingCapacity(t *testing.T) {
	repo, engine, clinicID := newDistributionFixture(t)
	patient := newTestPatient(repo)

	doc := newTestDoctor(repo, clinicID, "Cardiology", 3)
	addAppointment(repo, doc, patient.ID, at(testMonday, 9, 0), StatusConfirmed)

	slots, err := engine.SlotsForClinic(context.Background(), clinicID, testMonday, nil, nil)
	if err != nil {
		t.Fatalf("SlotsForClinic: %v", err)
	}
	// Two seats left in the daily cap; only two slots are offered even
	// though many window slots remain free.
	if len(slots) != 2 {
		t.Fatalf("expected 2 slots, got %d", len(slots))
	}
}

func TestSlotsForClinicSortedAcrossDoctors(t *testing.T) {
	repo, engine, clinicID := newDistributionFixture(t)

	newTestDoctor(repo, clinicID, "Cardiology", 20)
	newTestDoctor(repo, clinicID, "Cardiology", 20)

	slots, err := engine.SlotsForClinic(context.Background(), clinicID, testMonday, nil, nil)
	if err != nil {
		t.Fatalf("SlotsForClinic: %v", err)
	}
	if len(slots) != 32 {
		t.Fatalf("expected 32 merged slots, got %d", len(slots))
	}
	for i := 1; i < len(slots); i++ {
		if slots[i].StartTime.Before(slots[i-1].StartTime) {
			t.Fatalf("slots not sorted at index %d", i)
		}
	}
}

func TestNextAvailableSlotSkipsWeekend(t *testing.T) {
	repo, engine, clinicID := newDistributionFixture(t)
	newTestDoctor(repo, clinicID, "Cardiology", 10)

	saturday := testMonday.AddDate(0, 0, 5)
	slot, err := engine.NextAvailableSlot(context.Background(), clinicID, saturday, nil)
	if err != nil {
		t.Fatalf("NextAvailableSlot: %v", err)
	}
	if slot == nil {
		t.Fatal("expected a slot within the horizon")
	}
	wantDay := testMonday.AddDate(0, 0, 7)
	if !DateOnly(slot.StartTime).Equal(wantDay) {
		t.Errorf("next slot on %v, want the following Monday %v", slot.StartTime, wantDay)
	}
}

func TestNextAvailableSlotNilBeyondHorizon(t *testing.T) {
	repo := NewMemoryRepository()
	resolver := NewAvailabilityResolver(repo)
	engine := NewDistributionEngine(repo, resolver, 5)
	clinicID := uuid.New()

	doc := newTestDoctor(repo, clinicID, "Cardiology", 10)
	err := repo.CreateUnavailabilityPeriod(context.Background(), &UnavailabilityPeriod{
		ID:        uuid.New(),
		DoctorID:  doc.ID,
		StartDate: testMonday,
		EndDate:   testMonday.AddDate(0, 0, 30),
		Reason:    "sabbatical",
	})
	if err != nil {
		t.Fatalf("CreateUnavailabilityPeriod: %v", err)
	}

	slot, err := engine.NextAvailableSlot(context.Background(), clinicID, testMonday, nil)
	if err != nil {
		t.Fatalf("NextAvailableSlot: %v", err)
	}
	if slot != nil {
		t.Errorf("expected nil beyond the horizon, got slot at %v", slot.StartTime)
	}
}

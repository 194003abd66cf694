package schedule

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// DistributionEngine merges per-doctor availability into clinic-level slot
// lists and picks doctors for bookings using a load-factor heuristic.
type DistributionEngine struct {
	repo         Repository
	availability *AvailabilityResolver
	horizonDays  int
}

// NewDistributionEngine builds an engine. horizonDays bounds the forward
// scan of NextAvailableSlot.
func NewDistributionEngine(repo Repository, availability *AvailabilityResolver, horizonDays int) *DistributionEngine {
	if horizonDays <= 0 {
		horizonDays = 30
	}
	return &DistributionEngine{
		repo:         repo,
		availability: availability,
		horizonDays:  horizonDays,
	}
}

// SlotsForClinic enumerates every bookable doctor's free slots for the date,
// truncated to each doctor's remaining daily capacity, merged and sorted by
// start time ascending. Weekend dates yield an empty list. specialty and
// doctorID optionally narrow the candidate set.
func (e *DistributionEngine) SlotsForClinic(ctx context.Context, clinicID uuid.UUID, date time.Time, specialty *string, doctorID *uuid.UUID) ([]ClinicSlot, error) {
	if IsWeekend(date) {
		return nil, nil
	}

	doctors, err := e.repo.ListBookableDoctors(ctx, clinicID)
	if err != nil {
		return nil, fmt.Errorf("list doctors: %w", err)
	}

	var merged []ClinicSlot
	for i := range doctors {
		doc := &doctors[i]
		if doctorID != nil && doc.ID != *doctorID {
			continue
		}
		if !doc.MatchesSpecialty(specialty) {
			continue
		}

		remaining, err := e.remainingCapacity(ctx, doc, date)
		if err != nil {
			return nil, err
		}
		if remaining <= 0 {
			continue
		}

		slots, err := e.availability.AvailableSlots(ctx, doc, date)
		if err != nil {
			return nil, fmt.Errorf("slots for doctor %s: %w", doc.ID, err)
		}
		if len(slots) > remaining {
			slots = slots[:remaining]
		}
		for _, s := range slots {
			merged = append(merged, ClinicSlot{StartTime: s.StartTime, EndTime: s.EndTime, Doctor: doc})
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].StartTime.Before(merged[j].StartTime)
	})

	return merged, nil
}

// BestDoctor picks the least-loaded doctor available at the exact time and
// under capacity, or nil when none qualifies. Load factor is today's booked
// count over the daily cap; ties break on the lowest doctor id so the choice
// is deterministic.
func (e *DistributionEngine) BestDoctor(ctx context.Context, clinicID uuid.UUID, at time.Time, specialty *string) (*Doctor, error) {
	return e.bestDoctorExcluding(ctx, clinicID, at, specialty, uuid.Nil)
}

// BestDoctorExcluding is BestDoctor with one doctor removed from the
// candidate set; the reassignment flow uses it to avoid the doctor being
// taken off the schedule.
func (e *DistributionEngine) BestDoctorExcluding(ctx context.Context, clinicID uuid.UUID, at time.Time, specialty *string, exclude uuid.UUID) (*Doctor, error) {
	return e.bestDoctorExcluding(ctx, clinicID, at, specialty, exclude)
}

func (e *DistributionEngine) bestDoctorExcluding(ctx context.Context, clinicID uuid.UUID, at time.Time, specialty *string, exclude uuid.UUID) (*Doctor, error) {
	doctors, err := e.repo.ListBookableDoctors(ctx, clinicID)
	if err != nil {
		return nil, fmt.Errorf("list doctors: %w", err)
	}

	var (
		best     *Doctor
		bestLoad float64
	)
	for i := range doctors {
		doc := &doctors[i]
		if doc.ID == exclude {
			continue
		}
		if !doc.MatchesSpecialty(specialty) {
			continue
		}

		available, err := e.availability.IsAvailable(ctx, doc, at)
		if err != nil {
			return nil, fmt.Errorf("availability for doctor %s: %w", doc.ID, err)
		}
		if !available {
			continue
		}

		booked, err := e.repo.CountActiveAppointmentsOn(ctx, doc.ID, DateOnly(at))
		if err != nil {
			return nil, fmt.Errorf("count bookings for doctor %s: %w", doc.ID, err)
		}
		if doc.MaxDailyAppointments <= 0 || booked >= doc.MaxDailyAppointments {
			continue
		}

		load := float64(booked) / float64(doc.MaxDailyAppointments)
		switch {
		case best == nil, load < bestLoad:
			best, bestLoad = doc, load
		case load == bestLoad && doc.ID.String() < best.ID.String():
			best = doc
		}
	}

	return best, nil
}

// NextAvailableSlot scans forward day by day from the given date, up to the
// configured horizon, and returns the first open clinic slot, or nil when
// the horizon holds none.
func (e *DistributionEngine) NextAvailableSlot(ctx context.Context, clinicID uuid.UUID, from time.Time, specialty *string) (*ClinicSlot, error) {
	day := DateOnly(from)
	for i := 0; i < e.horizonDays; i++ {
		slots, err := e.SlotsForClinic(ctx, clinicID, day, specialty, nil)
		if err != nil {
			return nil, err
		}
		if len(slots) > 0 {
			first := slots[0]
			return &first, nil
		}
		day = day.AddDate(0, 0, 1)
	}
	return nil, nil
}

func (e *DistributionEngine) remainingCapacity(ctx context.Context, doc *Doctor, date time.Time) (int, error) {
	booked, err := e.repo.CountActiveAppointmentsOn(ctx, doc.ID, DateOnly(date))
	if err != nil {
		return 0, fmt.Errorf("count bookings for doctor %s: %w", doc.ID, err)
	}
	return doc.MaxDailyAppointments - booked, nil
}

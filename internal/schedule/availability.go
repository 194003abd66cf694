package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// AvailabilityResolver answers whether a doctor is bookable at a moment and
// enumerates free slots for a date. It does not enforce the daily cap: cap
// checks need cross-doctor context and belong to the distribution engine.
type AvailabilityResolver struct {
	repo Repository
}

func NewAvailabilityResolver(repo Repository) *AvailabilityResolver {
	return &AvailabilityResolver{repo: repo}
}

// IsAvailable reports whether the doctor can take a booking starting at the
// exact time. False when the date is a weekend, an unavailability period
// covers it, no working-hours window contains the time, or another active
// appointment already occupies the start time.
func (r *AvailabilityResolver) IsAvailable(ctx context.Context, doctor *Doctor, at time.Time) (bool, error) {
	if IsWeekend(at) {
		return false, nil
	}

	blocked, err := r.repo.IsDoctorBlocked(ctx, doctor.ID, DateOnly(at))
	if err != nil {
		return false, fmt.Errorf("check unavailability: %w", err)
	}
	if blocked {
		return false, nil
	}

	windows, err := r.repo.ListWorkingHours(ctx, doctor.ID, at.Weekday())
	if err != nil {
		return false, fmt.Errorf("load working hours: %w", err)
	}
	minute := MinuteOfDay(at)
	inWindow := false
	for _, w := range windows {
		if !w.IsAvailable {
			continue
		}
		if minute >= w.StartMinute && minute+doctor.SlotDurationMinutes <= w.EndMinute {
			inWindow = true
			break
		}
	}
	if !inWindow {
		return false, nil
	}

	_, err = r.repo.GetActiveAppointmentAt(ctx, doctor.ID, at)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, ErrAppointmentNotFound) {
		return false, fmt.Errorf("check occupied slot: %w", err)
	}

	return true, nil
}

// AvailableSlots generates the doctor's free slots for the date: for each
// enabled working-hours window, fixed-width steps of the doctor's slot
// duration from window start, dropping the final partial slot, minus slots
// whose start time is already taken.
func (r *AvailabilityResolver) AvailableSlots(ctx context.Context, doctor *Doctor, date time.Time) ([]Slot, error) {
	if IsWeekend(date) {
		return nil, nil
	}

	day := DateOnly(date)
	blocked, err := r.repo.IsDoctorBlocked(ctx, doctor.ID, day)
	if err != nil {
		return nil, fmt.Errorf("check unavailability: %w", err)
	}
	if blocked {
		return nil, nil
	}

	windows, err := r.repo.ListWorkingHours(ctx, doctor.ID, day.Weekday())
	if err != nil {
		return nil, fmt.Errorf("load working hours: %w", err)
	}

	booked, err := r.repo.ListActiveAppointmentsOn(ctx, doctor.ID, day)
	if err != nil {
		return nil, fmt.Errorf("load booked appointments: %w", err)
	}
	taken := make(map[int]struct{}, len(booked))
	for _, a := range booked {
		taken[MinuteOfDay(a.StartTime)] = struct{}{}
	}

	step := doctor.SlotDurationMinutes
	if step <= 0 {
		return nil, fmt.Errorf("doctor %s has non-positive slot duration", doctor.ID)
	}

	var slots []Slot
	for _, w := range windows {
		if !w.IsAvailable {
			continue
		}
		for m := w.StartMinute; m+step <= w.EndMinute; m += step {
			if _, ok := taken[m]; ok {
				continue
			}
			start := day.Add(time.Duration(m) * time.Minute)
			slots = append(slots, Slot{
				DoctorID:  doctor.ID,
				StartTime: start,
				EndTime:   start.Add(time.Duration(step) * time.Minute),
			})
		}
	}

	return slots, nil
}

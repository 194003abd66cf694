package schedule

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

type RecurrencePattern string

const (
	PatternDaily   RecurrencePattern = "daily"
	PatternWeekly  RecurrencePattern = "weekly"
	PatternMonthly RecurrencePattern = "monthly"
	PatternYearly  RecurrencePattern = "yearly"
)

var (
	ErrInvalidRecurrence = errors.New("invalid recurrence rule")

	// ErrTooManyOccurrences is returned when expansion would exceed the
	// configured occurrence cap. The cap is explicit and configurable; the
	// expander never silently truncates.
	ErrTooManyOccurrences = errors.New("recurrence expansion exceeds occurrence cap")
)

// RecurrenceRule is a validated recurrence description. Until and Count are
// mutually exclusive end conditions; with neither, expansion is bounded only
// by the expander's cap and fails loudly when it would exceed it.
type RecurrenceRule struct {
	Pattern    RecurrencePattern
	Interval   int
	Weekdays   []time.Weekday // weekly only
	DayOfMonth int            // monthly only; 0 = keep the parent's day
	Until      *time.Time
	Count      int // total occurrences including the parent; 0 = unset
}

// NewRecurrenceRule validates and normalizes a rule. Weekdays are sorted
// Monday-first so weekly stepping is deterministic.
func NewRecurrenceRule(pattern RecurrencePattern, interval int, weekdays []time.Weekday, dayOfMonth int, until *time.Time, count int) (RecurrenceRule, error) {
	switch pattern {
	case PatternDaily, PatternWeekly, PatternMonthly, PatternYearly:
	default:
		return RecurrenceRule{}, fmt.Errorf("%w: unknown pattern %q", ErrInvalidRecurrence, pattern)
	}
	if interval < 1 {
		return RecurrenceRule{}, fmt.Errorf("%w: interval must be >= 1", ErrInvalidRecurrence)
	}
	if until != nil && count > 0 {
		return RecurrenceRule{}, fmt.Errorf("%w: until and count are mutually exclusive", ErrInvalidRecurrence)
	}
	if count < 0 {
		return RecurrenceRule{}, fmt.Errorf("%w: count must be positive", ErrInvalidRecurrence)
	}
	if dayOfMonth < 0 || dayOfMonth > 31 {
		return RecurrenceRule{}, fmt.Errorf("%w: day of month out of range", ErrInvalidRecurrence)
	}

	rule := RecurrenceRule{
		Pattern:    pattern,
		Interval:   interval,
		DayOfMonth: dayOfMonth,
		Until:      until,
		Count:      count,
	}
	if len(weekdays) > 0 {
		rule.Weekdays = append([]time.Weekday(nil), weekdays...)
		sort.Slice(rule.Weekdays, func(i, j int) bool {
			return mondayIndex(rule.Weekdays[i]) < mondayIndex(rule.Weekdays[j])
		})
	}
	return rule, nil
}

// Occurrence is one concrete instance generated from a rule. Number starts
// at 2: the parent appointment is occurrence 1 and is created by the caller.
type Occurrence struct {
	Number    int
	StartTime time.Time
	EndTime   time.Time
}

// RecurrenceExpander turns rules into concrete future occurrences.
type RecurrenceExpander struct {
	maxOccurrences int
}

// NewRecurrenceExpander builds an expander with the given occurrence cap
// (occurrences generated beyond the parent).
func NewRecurrenceExpander(maxOccurrences int) *RecurrenceExpander {
	if maxOccurrences <= 0 {
		maxOccurrences = 100
	}
	return &RecurrenceExpander{maxOccurrences: maxOccurrences}
}

// Expand generates occurrences #2..N after the parent booking, preserving
// the parent's duration. Expansion stops at the rule's Until date or after
// Count-1 generated occurrences; without either bound, exceeding the cap
// returns ErrTooManyOccurrences.
func (x *RecurrenceExpander) Expand(rule RecurrenceRule, parentStart, parentEnd time.Time) ([]Occurrence, error) {
	if !parentEnd.After(parentStart) {
		return nil, fmt.Errorf("%w: parent end must be after start", ErrInvalidRecurrence)
	}
	duration := parentEnd.Sub(parentStart)

	var out []Occurrence
	cur := parentStart
	for {
		if rule.Count > 0 && len(out) >= rule.Count-1 {
			break
		}

		next, err := x.step(rule, cur)
		if err != nil {
			return nil, err
		}
		if rule.Until != nil && next.After(*rule.Until) {
			break
		}
		if len(out) >= x.maxOccurrences {
			return nil, fmt.Errorf("%w: cap is %d", ErrTooManyOccurrences, x.maxOccurrences)
		}

		out = append(out, Occurrence{
			Number:    len(out) + 2,
			StartTime: next,
			EndTime:   next.Add(duration),
		})
		cur = next
	}

	return out, nil
}

func (x *RecurrenceExpander) step(rule RecurrenceRule, cur time.Time) (time.Time, error) {
	switch rule.Pattern {
	case PatternDaily:
		return cur.AddDate(0, 0, rule.Interval), nil
	case PatternWeekly:
		return x.stepWeekly(rule, cur), nil
	case PatternMonthly:
		// Month arithmetic runs on the first of the month so a short target
		// month cannot normalize into the one after it; the day is then
		// clamped to the target month's length.
		day := rule.DayOfMonth
		if day == 0 {
			day = cur.Day()
		}
		year, month, _ := cur.Date()
		next := time.Date(year, month+time.Month(rule.Interval), 1,
			cur.Hour(), cur.Minute(), cur.Second(), cur.Nanosecond(), cur.Location())
		return pinDayOfMonth(next, day), nil
	case PatternYearly:
		return cur.AddDate(rule.Interval, 0, 0), nil
	default:
		return time.Time{}, fmt.Errorf("%w: unknown pattern %q", ErrInvalidRecurrence, rule.Pattern)
	}
}

// stepWeekly advances to the next configured weekday within the current
// Monday-based week; when the week is exhausted it jumps Interval weeks to
// the first configured weekday. Without a weekday set it adds plain
// Interval-week jumps.
func (x *RecurrenceExpander) stepWeekly(rule RecurrenceRule, cur time.Time) time.Time {
	if len(rule.Weekdays) == 0 {
		return cur.AddDate(0, 0, 7*rule.Interval)
	}

	curIdx := mondayIndex(cur.Weekday())
	for _, wd := range rule.Weekdays {
		if idx := mondayIndex(wd); idx > curIdx {
			return cur.AddDate(0, 0, idx-curIdx)
		}
	}

	// Jump to the first configured weekday, Interval weeks ahead.
	firstIdx := mondayIndex(rule.Weekdays[0])
	weekStart := cur.AddDate(0, 0, -curIdx)
	return weekStart.AddDate(0, 0, 7*rule.Interval+firstIdx)
}

// mondayIndex maps time.Weekday to a Monday=0 .. Sunday=6 index.
func mondayIndex(wd time.Weekday) int {
	return (int(wd) + 6) % 7
}

func pinDayOfMonth(t time.Time, day int) time.Time {
	year, month, _ := t.Date()
	if last := daysInMonth(year, month); day > last {
		day = last
	}
	return time.Date(year, month, day, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func daysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

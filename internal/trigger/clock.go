package trigger

import (
	"fmt"
	"sort"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/t77yq/schedcore/internal/model"
)

// Clock converts a trigger description into concrete fire instants. All
// computation happens in the configured location; presets are evaluated
// through their derived cron expression so both representations share one
// algorithm, except monthly days 29-31 which cron cannot express with the
// clamp-to-last-day policy and are computed natively. Wall times erased by
// a spring-forward transition round to the first valid instant after the
// gap; wall times repeated by a fall-back transition fire once, on the
// first occurrence.
type Clock struct {
	loc    *time.Location
	parser cron.Parser
}

// NewClock creates a clock evaluating triggers in loc. A nil loc means the
// process-local timezone.
func NewClock(loc *time.Location) *Clock {
	if loc == nil {
		loc = time.Local
	}
	return &Clock{
		loc:    loc,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

// Location returns the timezone the clock evaluates in
func (c *Clock) Location() *time.Location {
	return c.loc
}

// NextRun returns the earliest instant strictly after ref at which the
// trigger fires
func (c *Clock) NextRun(trig model.Trigger, ref time.Time) (time.Time, error) {
	ref = ref.In(c.loc)

	switch trig.Kind {
	case model.TriggerKindCron:
		sched, err := c.parser.Parse(trig.Expression)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", trig.Expression, err)
		}
		return c.next(sched, ref), nil

	case model.TriggerKindPreset:
		hour, minute, err := parseTimeOfDay(trig.Time)
		if err != nil {
			return time.Time{}, err
		}
		if trig.Frequency == model.FrequencyMonthly && trig.DayOfMonth != nil && *trig.DayOfMonth > 28 {
			return c.nextMonthlyClamped(*trig.DayOfMonth, hour, minute, ref), nil
		}
		expr, err := DeriveExpression(trig)
		if err != nil {
			return time.Time{}, err
		}
		sched, err := c.parser.Parse(expr)
		if err != nil {
			return time.Time{}, fmt.Errorf("derived expression %q: %w", expr, err)
		}
		return c.next(sched, ref), nil

	default:
		return time.Time{}, fmt.Errorf("unknown trigger kind: %q", trig.Kind)
	}
}

// Validate checks that the trigger is well-formed without computing an instant
func (c *Clock) Validate(trig model.Trigger) error {
	switch trig.Kind {
	case model.TriggerKindCron:
		if _, err := c.parser.Parse(trig.Expression); err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", trig.Expression, err)
		}
		return nil

	case model.TriggerKindPreset:
		if _, _, err := parseTimeOfDay(trig.Time); err != nil {
			return err
		}
		switch trig.Frequency {
		case model.FrequencyDaily:
			return nil
		case model.FrequencyWeekly:
			if trig.DayOfWeek == nil {
				return fmt.Errorf("weekly preset requires day_of_week")
			}
			if *trig.DayOfWeek < 0 || *trig.DayOfWeek > 6 {
				return fmt.Errorf("day_of_week %d out of range 0-6", *trig.DayOfWeek)
			}
			return nil
		case model.FrequencyMonthly:
			if trig.DayOfMonth == nil {
				return fmt.Errorf("monthly preset requires day_of_month")
			}
			if *trig.DayOfMonth < 1 || *trig.DayOfMonth > 31 {
				return fmt.Errorf("day_of_month %d out of range 1-31", *trig.DayOfMonth)
			}
			return nil
		default:
			return fmt.Errorf("unknown frequency: %q", trig.Frequency)
		}

	default:
		return fmt.Errorf("unknown trigger kind: %q", trig.Kind)
	}
}

// DeriveExpression translates a preset trigger into the equivalent five-field
// cron expression. For monthly days above 28 the derived expression is
// informational only; evaluation clamps to the last day of short months
// whereas plain cron would skip them.
func DeriveExpression(trig model.Trigger) (string, error) {
	hour, minute, err := parseTimeOfDay(trig.Time)
	if err != nil {
		return "", err
	}

	switch trig.Frequency {
	case model.FrequencyDaily:
		return fmt.Sprintf("%d %d * * *", minute, hour), nil
	case model.FrequencyWeekly:
		if trig.DayOfWeek == nil {
			return "", fmt.Errorf("weekly preset requires day_of_week")
		}
		return fmt.Sprintf("%d %d * * %d", minute, hour, *trig.DayOfWeek), nil
	case model.FrequencyMonthly:
		if trig.DayOfMonth == nil {
			return "", fmt.Errorf("monthly preset requires day_of_month")
		}
		return fmt.Sprintf("%d %d %d * *", minute, hour, *trig.DayOfMonth), nil
	default:
		return "", fmt.Errorf("unknown frequency: %q", trig.Frequency)
	}
}

// next evaluates a parsed cron schedule with two corrections that plain
// wall-clock stepping gets wrong across DST transitions: a fire minute
// inside a spring-forward gap rounds to the first valid instant after the
// transition instead of skipping the day, and a wall minute that already
// fired before a fall-back transition does not fire again during the
// repeated hour.
func (c *Clock) next(sched cron.Schedule, ref time.Time) time.Time {
	candidate := sched.Next(ref)
	for i := 0; i < maxRepeatedHourSkips && !candidate.IsZero(); i++ {
		if trans, ok := c.gapFire(sched, ref, candidate); ok {
			return trans
		}
		first := c.firstOccurrence(candidate)
		if first.Equal(candidate) {
			return candidate
		}
		if first.After(ref) {
			return first
		}
		// candidate repeats a wall minute that already fired on its
		// first occurrence
		ref, candidate = candidate, sched.Next(candidate)
	}
	return candidate
}

// maxRepeatedHourSkips bounds the suppression loop in next; a fall-back
// transition repeats at most two hours of wall minutes.
const maxRepeatedHourSkips = 125

// gapFire reports whether a forward clock transition between ref and next
// swallowed a wall-clock minute the schedule matches. The swallowed fire
// rounds to the transition instant, the first valid wall time after the gap.
func (c *Clock) gapFire(sched cron.Schedule, ref, next time.Time) (time.Time, bool) {
	ref = ref.In(c.loc)
	for t := ref; t.Before(next); t = t.Add(time.Hour) {
		end := t.Add(time.Hour)
		_, before := t.Zone()
		_, after := end.Zone()
		if after <= before {
			continue
		}
		trans := transitionWithin(t, end)
		if !trans.After(ref) || !trans.Before(next) {
			continue
		}
		gap := time.Duration(after-before) * time.Second
		// enumerate the skipped wall minutes in a fixed frame so
		// time.Date cannot renormalize them
		w := trans.In(c.loc)
		top := time.Date(w.Year(), w.Month(), w.Day(), w.Hour(), w.Minute(), 0, 0, time.UTC)
		for m := top.Add(-gap); m.Before(top); m = m.Add(time.Minute) {
			if matchesWall(sched, m) {
				return trans, true
			}
		}
	}
	return time.Time{}, false
}

// transitionWithin locates the first instant of the new UTC offset inside
// (lo, hi], given that lo and hi read different offsets
func transitionWithin(lo, hi time.Time) time.Time {
	_, offset := lo.Zone()
	n := int(hi.Sub(lo) / time.Second)
	k := sort.Search(n, func(i int) bool {
		_, o := lo.Add(time.Duration(i+1) * time.Second).Zone()
		return o != offset
	})
	return lo.Add(time.Duration(k+1) * time.Second)
}

// matchesWall reports whether the schedule matches the wall-clock fields of
// w. The probe runs in UTC where no transitions exist, so this is a pure
// field comparison.
func matchesWall(sched cron.Schedule, w time.Time) bool {
	return sched.Next(w.Add(-time.Second)).Equal(w)
}

// firstOccurrence maps an instant inside the repeated hour after a
// fall-back transition to the earlier instant reading the same wall clock;
// every other instant maps to itself.
func (c *Clock) firstOccurrence(t time.Time) time.Time {
	for _, d := range []time.Duration{time.Hour, 30 * time.Minute} {
		earlier := t.Add(-d)
		if c.sameWallClock(earlier, t) {
			return earlier
		}
	}
	return t
}

// sameWallClock reports whether a and b read identical wall-clock fields in
// the evaluation timezone
func (c *Clock) sameWallClock(a, b time.Time) bool {
	a, b = a.In(c.loc), b.In(c.loc)
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd &&
		a.Hour() == b.Hour() && a.Minute() == b.Minute()
}

// nextMonthlyClamped finds the next monthly occurrence, clamping the target
// day to the last day of months that are too short (day 31 fires on Feb 28,
// Apr 30, and so on)
func (c *Clock) nextMonthlyClamped(day, hour, minute int, ref time.Time) time.Time {
	year, month := ref.Year(), ref.Month()
	for i := 0; i < 14; i++ {
		d := day
		if last := daysInMonth(year, month); d > last {
			d = last
		}
		candidate := c.firstOccurrence(c.firstValidWallTime(year, month, d, hour, minute))
		if candidate.After(ref) {
			return candidate
		}
		month++
		if month > time.December {
			month = time.January
			year++
		}
	}
	return time.Time{}
}

// firstValidWallTime returns the instant of the earliest existing wall-clock
// minute at or after hour:minute on the given day. A wall time swallowed by
// a forward clock transition rounds to the minute after the gap.
func (c *Clock) firstValidWallTime(year int, month time.Month, day, hour, minute int) time.Time {
	for i := 0; i < 26*60; i++ {
		t := time.Date(year, month, day, hour, minute+i, 0, 0, c.loc)
		if t.Hour()*60+t.Minute() == (hour*60+minute+i)%(24*60) {
			return t
		}
	}
	return time.Date(year, month, day, hour, minute, 0, 0, c.loc)
}

func daysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func parseTimeOfDay(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid time of day %q (want HH:MM): %w", s, err)
	}
	return t.Hour(), t.Minute(), nil
}

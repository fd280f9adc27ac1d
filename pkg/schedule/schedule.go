package schedule

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"

	"github.com/jdziat/simple-durable-cron/pkg/core"
)

// Schedule yields the occurrences of a compiled schedule spec.
type Schedule interface {
	// Next returns the first occurrence strictly after from, or false when
	// the schedule has no further occurrences.
	Next(from time.Time) (time.Time, bool)
}

// Next computes the next run instant of spec in timezone strictly after now.
// Occurrences at or before now are skipped, never backfilled. The result is in UTC.
func Next(spec core.ScheduleSpec, timezone string, now time.Time) (time.Time, bool, error) {
	s, err := Compile(spec, timezone)
	if err != nil {
		return time.Time{}, false, err
	}
	next, ok := s.Next(now)
	if !ok {
		return time.Time{}, false, nil
	}
	return next.UTC(), true, nil
}

// Compile validates spec and returns its Schedule in the given IANA timezone.
func Compile(spec core.ScheduleSpec, timezone string) (Schedule, error) {
	loc, err := loadLocation(timezone)
	if err != nil {
		return nil, err
	}

	switch spec.Type {
	case core.ScheduleOnce:
		if spec.Once == nil {
			return nil, errors.Wrap(core.ErrContradictorySchedule, "one-time schedule without date and time")
		}
		return compileOnce(spec.Once, loc)
	case core.ScheduleRecurring:
		if spec.Recurring == nil {
			return nil, errors.Wrap(core.ErrContradictorySchedule, "recurring schedule without recurrence")
		}
		return compileRecurring(spec.Recurring, loc)
	default:
		return nil, errors.Wrapf(core.ErrContradictorySchedule, "unknown schedule type %q", spec.Type)
	}
}

func loadLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, errors.Wrapf(err, "load timezone %q", name)
	}
	return loc, nil
}

// onceSchedule fires a single time.
type onceSchedule struct {
	at time.Time
}

func compileOnce(spec *core.OneTimeSpec, loc *time.Location) (Schedule, error) {
	day, err := parseDate(spec.Date, loc)
	if err != nil {
		return nil, err
	}
	c, err := parseClock(spec.Time)
	if err != nil {
		return nil, err
	}
	return &onceSchedule{at: c.on(day.Year(), day.Month(), day.Day(), loc)}, nil
}

func (s *onceSchedule) Next(from time.Time) (time.Time, bool) {
	if s.at.After(from) {
		return s.at, true
	}
	return time.Time{}, false
}

// dailySchedule runs at a wall-clock time each calendar day.
type dailySchedule struct {
	clock clock
	loc   *time.Location
}

func (s *dailySchedule) Next(from time.Time) (time.Time, bool) {
	from = from.In(s.loc)
	y, m, d := from.Date()
	// Calendar-day steps, not 24h steps, so DST shifts keep the wall clock.
	for i := 0; i <= 2; i++ {
		next := s.clock.on(y, m, d+i, s.loc)
		if next.After(from) {
			return next, true
		}
	}
	return time.Time{}, false
}

// weeklySchedule runs at a wall-clock time on a set of weekdays.
type weeklySchedule struct {
	days  [7]bool
	clock clock
	loc   *time.Location
}

func (s *weeklySchedule) Next(from time.Time) (time.Time, bool) {
	from = from.In(s.loc)
	y, m, d := from.Date()
	for i := 0; i <= 8; i++ {
		next := s.clock.on(y, m, d+i, s.loc)
		if s.days[next.Weekday()] && next.After(from) {
			return next, true
		}
	}
	return time.Time{}, false
}

// monthlySchedule runs on a day of month. Months shorter than day are
// clamped to their last day; the clamp is per month, so day 31 fires on
// Feb 28 (or 29) and on Mar 31 again.
type monthlySchedule struct {
	day   int
	clock clock
	loc   *time.Location
}

func (s *monthlySchedule) Next(from time.Time) (time.Time, bool) {
	from = from.In(s.loc)
	y, m, _ := from.Date()
	for i := 0; i <= 13; i++ {
		first := time.Date(y, m+time.Month(i), 1, 0, 0, 0, 0, s.loc)
		day := ClampDay(first.Year(), first.Month(), s.day)
		next := s.clock.on(first.Year(), first.Month(), day, s.loc)
		if next.After(from) {
			return next, true
		}
	}
	return time.Time{}, false
}

// ClampDay returns day bounded to the last valid day of the month.
func ClampDay(year int, month time.Month, day int) int {
	last := time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
	if day > last {
		return last
	}
	return day
}

// cronSchedule wraps a cron expression evaluated in the job location.
type cronSchedule struct {
	schedule cron.Schedule
	loc      *time.Location
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func (s *cronSchedule) Next(from time.Time) (time.Time, bool) {
	next := s.schedule.Next(from.In(s.loc))
	if next.IsZero() {
		return time.Time{}, false
	}
	return next, true
}

// boundedSchedule restricts a recurrence to [start, end).
type boundedSchedule struct {
	inner Schedule
	start time.Time // zero means unbounded
	end   time.Time // zero means unbounded
}

func (s *boundedSchedule) Next(from time.Time) (time.Time, bool) {
	if !s.start.IsZero() && from.Before(s.start) {
		from = s.start.Add(-time.Nanosecond)
	}
	next, ok := s.inner.Next(from)
	if !ok {
		return time.Time{}, false
	}
	if !s.end.IsZero() && !next.Before(s.end) {
		return time.Time{}, false
	}
	return next, true
}

func compileRecurring(spec *core.RecurringSpec, loc *time.Location) (Schedule, error) {
	var start, end time.Time
	if spec.StartDate != "" {
		d, err := parseDate(spec.StartDate, loc)
		if err != nil {
			return nil, err
		}
		start = d
	}
	if spec.EndDate != "" {
		d, err := parseDate(spec.EndDate, loc)
		if err != nil {
			return nil, err
		}
		// End date is inclusive: the bound is midnight of the following day.
		end = time.Date(d.Year(), d.Month(), d.Day()+1, 0, 0, 0, 0, loc)
		if !start.IsZero() && !end.After(start) {
			return nil, errors.Wrap(core.ErrContradictorySchedule, "end date before start date")
		}
	}

	var inner Schedule
	switch spec.Frequency {
	case core.FrequencyCron:
		if spec.CronExpr == "" {
			return nil, errors.Wrap(core.ErrContradictorySchedule, "cron frequency without expression")
		}
		parsed, err := cronParser.Parse(spec.CronExpr)
		if err != nil {
			return nil, errors.Wrapf(err, "parse cron expression %q", spec.CronExpr)
		}
		inner = &cronSchedule{schedule: parsed, loc: loc}
	case core.FrequencyDaily, core.FrequencyWeekly, core.FrequencyMonthly:
		c, err := parseClock(spec.Time)
		if err != nil {
			return nil, err
		}
		switch spec.Frequency {
		case core.FrequencyDaily:
			inner = &dailySchedule{clock: c, loc: loc}
		case core.FrequencyWeekly:
			if len(spec.DaysOfWeek) == 0 {
				return nil, errors.Wrap(core.ErrContradictorySchedule, "weekly schedule without days of week")
			}
			ws := &weeklySchedule{clock: c, loc: loc}
			for _, d := range spec.DaysOfWeek {
				if d < 0 || d > 6 {
					return nil, errors.Wrapf(core.ErrContradictorySchedule, "day of week %d out of range", d)
				}
				ws.days[d] = true
			}
			inner = ws
		case core.FrequencyMonthly:
			day := spec.DayOfMonth
			if day == 0 {
				if start.IsZero() {
					return nil, errors.Wrap(core.ErrContradictorySchedule, "monthly schedule without day of month or start date")
				}
				day = start.Day()
			}
			if day < 1 || day > 31 {
				return nil, errors.Wrapf(core.ErrContradictorySchedule, "day of month %d out of range", day)
			}
			inner = &monthlySchedule{day: day, clock: c, loc: loc}
		}
	default:
		return nil, errors.Wrapf(core.ErrContradictorySchedule, "unknown frequency %q", spec.Frequency)
	}

	if start.IsZero() && end.IsZero() {
		return inner, nil
	}
	return &boundedSchedule{inner: inner, start: start, end: end}, nil
}

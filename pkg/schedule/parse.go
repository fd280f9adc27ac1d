package schedule

import (
	"time"

	"github.com/cockroachdb/errors"
)

// clock is a wall-clock time of day.
type clock struct {
	hour, minute, second int
}

// on places the clock on a calendar day in loc. Out-of-range days are
// normalized by time.Date, as are wall-clock times inside a DST gap.
func (c clock) on(year int, month time.Month, day int, loc *time.Location) time.Time {
	return time.Date(year, month, day, c.hour, c.minute, c.second, 0, loc)
}

func parseClock(s string) (clock, error) {
	for _, layout := range []string{"15:04", "15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return clock{hour: t.Hour(), minute: t.Minute(), second: t.Second()}, nil
		}
	}
	return clock{}, errors.Newf("invalid time of day %q", s)
}

func parseDate(s string, loc *time.Location) (time.Time, error) {
	t, err := time.ParseInLocation("2006-01-02", s, loc)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "invalid date %q", s)
	}
	return t, nil
}

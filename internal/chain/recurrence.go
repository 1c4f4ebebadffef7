package chain

import "time"

// Advance moves anchor forward by steps units, keeping its wall-clock time
// in loc. Monthly steps clamp the day to the end of shorter months, always
// measured from the anchor so Jan 31 gives Feb 29 then Mar 31.
func Advance(anchor time.Time, unit Unit, steps int, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	t := anchor.In(loc)
	y, m, d := t.Date()
	hh, mm, ss := t.Clock()
	ns := t.Nanosecond()

	switch unit {
	case UnitMonthly:
		first := time.Date(y, m+time.Month(steps), 1, 0, 0, 0, 0, loc)
		if last := daysIn(first.Year(), first.Month(), loc); d > last {
			d = last
		}
		return time.Date(first.Year(), first.Month(), d, hh, mm, ss, ns, loc)
	default:
		return time.Date(y, m, d+7*steps, hh, mm, ss, ns, loc)
	}
}

func daysIn(y int, m time.Month, loc *time.Location) int {
	return time.Date(y, m+1, 0, 0, 0, 0, 0, loc).Day()
}

/*
calendar.go - Calendar-month addition with day clamping

PURPOSE:
  Computes due_date_S = invoice_date + delay_months: the month advances
  and the day is clamped to the new month's last valid day. This
  deliberately diverges from TimePoint.AddMonths (generic/time.go),
  which uses bare time.AddDate and lets the day roll over into the
  following month (Jan 31 + 1 month becomes Mar 3, not Feb 28). A rebate
  due date must never skid across a month boundary.

SEE ALSO:
  - engine.go: due_date_S computation, step 2
*/
package rebate

import "time"

// AddCalendarMonths adds months to t, clamping the resulting day to the
// target month's last valid day (e.g. Jan 31 + 1 month -> Feb 28/29).
func AddCalendarMonths(t time.Time, months int) time.Time {
	if months == 0 {
		return t
	}
	year, month, day := t.Date()
	hour, min, sec := t.Clock()
	nsec := t.Nanosecond()
	loc := t.Location()

	targetMonthIndex := int(month) - 1 + months
	targetYear := year + targetMonthIndex/12
	targetMonth := targetMonthIndex % 12
	if targetMonth < 0 {
		targetMonth += 12
		targetYear--
	}
	// time.Month is 1-indexed; targetMonth is 0-indexed here.
	firstOfTarget := time.Date(targetYear, time.Month(targetMonth+1), 1, 0, 0, 0, 0, loc)
	lastDay := lastDayOfMonth(firstOfTarget)
	if day > lastDay {
		day = lastDay
	}
	return time.Date(targetYear, time.Month(targetMonth+1), day, hour, min, sec, nsec, loc)
}

// lastDayOfMonth returns the number of days in the month containing t.
func lastDayOfMonth(t time.Time) int {
	firstOfNext := time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, t.Location())
	lastOfThis := firstOfNext.AddDate(0, 0, -1)
	return lastOfThis.Day()
}

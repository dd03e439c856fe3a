package health

import "time"

// BusinessDayCutoff returns the earliest timestamp an event may carry and
// still count as recent under an n-business-day rule. The event's own day and
// the evaluation day both count toward the window, and weekends are skipped,
// so a Friday comment is still recent on Monday under n=3 but stale on
// Tuesday.
func BusinessDayCutoff(now time.Time, businessDays int) time.Time {
	now = now.UTC()
	cutoff := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	steps := businessDays - 2
	for steps > 0 {
		cutoff = cutoff.AddDate(0, 0, -1)
		if wd := cutoff.Weekday(); wd != time.Saturday && wd != time.Sunday {
			steps--
		}
	}
	return cutoff
}

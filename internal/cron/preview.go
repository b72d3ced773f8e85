package cron

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// dailyParser renders an entry's hour:minute as a standard five-field spec
// so next-run previews share the calendar math of a widely exercised parser
// instead of hand-rolled date arithmetic.
var dailyParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// nextRunAt estimates when an entry will next fire. Purely informational
// (snapshots and diagnostics); the firing decision itself lives in entryDue.
func nextRunAt(e Entry, now time.Time, loc *time.Location) time.Time {
	switch e.Kind {
	case KindPeriodic:
		if e.LastRun == 0 {
			return now
		}
		return time.Unix(e.LastRun, 0).Add(time.Duration(e.IntervalMinutes) * time.Minute)
	case KindOnce:
		return time.Unix(e.LastRun, 0).Add(time.Duration(e.IntervalMinutes) * time.Minute)
	case KindDaily:
		sched, err := dailyParser.Parse(fmt.Sprintf("%d %d * * *", e.Minute, e.Hour))
		if err != nil {
			return time.Time{}
		}
		return sched.Next(now.In(loc))
	default:
		return time.Time{}
	}
}

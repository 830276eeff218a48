package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts standard 5-field cron expressions
// (minute hour dom month dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// CronNext returns the smallest time strictly greater than from that satisfies
// expr, in local time. An unparsable expression or one that cannot produce a
// future time is an error.
func CronNext(expr string, from time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", expr, err)
	}
	next := sched.Next(from)
	if next.IsZero() || !next.After(from) {
		return time.Time{}, fmt.Errorf("cron expression %q yields no future time", expr)
	}
	return next, nil
}

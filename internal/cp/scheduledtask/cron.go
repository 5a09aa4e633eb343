// Package scheduledtask converts recurring ScheduledTask cron expressions
// into concrete queued runs, supplementing spec.md §9's Open Question on
// scheduled-task dispatch (SPEC_FULL.md §C, supplemented feature 4).
package scheduledtask

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loomrun/loomrun/internal/common/apperr"
)

// cronParser accepts the standard 5-field crontab syntax (minute hour dom
// month dow), matching what operators expect from a "cron_expr" field.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseSchedule validates a cron expression and IANA timezone together,
// returning the parsed schedule and resolved location for reuse by
// ComputeNextRun.
func ParseSchedule(cronExpr, timezone string) (cron.Schedule, *time.Location, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return nil, nil, apperr.BadRequest(fmt.Sprintf("invalid cron_expr %q: %v", cronExpr, err))
	}
	loc := time.UTC
	if timezone != "" {
		l, err := time.LoadLocation(timezone)
		if err != nil {
			return nil, nil, apperr.BadRequest("unknown timezone: " + timezone)
		}
		loc = l
	}
	return sched, loc, nil
}

// ComputeNextRun returns the next UTC instant the schedule fires strictly
// after "after", evaluated in the task's own timezone so that, e.g.,
// "0 9 * * *" means 9am local time regardless of the caller's clock.
func ComputeNextRun(cronExpr, timezone string, after time.Time) (time.Time, error) {
	sched, loc, err := ParseSchedule(cronExpr, timezone)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after.In(loc)).UTC(), nil
}

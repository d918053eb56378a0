package jobs

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Every returns a fixed-interval schedule
func Every(d time.Duration) Schedule {
	return Schedule{Kind: ScheduleKindEvery, Every: d}
}

// Cron returns a cron-expression schedule
func Cron(expr string) Schedule {
	return Schedule{Kind: ScheduleKindCron, Expr: expr}
}

// ParseSchedule accepts a Go duration ("90s", "5m") or a cron expression
// ("*/5 * * * *", "@hourly").
func ParseSchedule(spec string) (Schedule, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return Schedule{}, fmt.Errorf("schedule cannot be empty")
	}
	if d, err := time.ParseDuration(spec); err == nil {
		s := Every(d)
		return s, s.Validate()
	}
	s := Cron(spec)
	return s, s.Validate()
}

// Validate checks the schedule without computing a run time
func (s Schedule) Validate() error {
	_, err := s.Next(time.Now())
	return err
}

// Next returns the first run time strictly after from
func (s Schedule) Next(from time.Time) (time.Time, error) {
	switch s.Kind {
	case ScheduleKindEvery:
		if s.Every <= 0 {
			return time.Time{}, fmt.Errorf("'every' schedule requires a positive interval")
		}
		return from.Add(s.Every), nil
	case ScheduleKindCron:
		if s.Expr == "" {
			return time.Time{}, fmt.Errorf("'cron' schedule requires 'expr' field")
		}
		sched, err := parser.Parse(s.Expr)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid cron expression: %w", err)
		}
		if s.TZ != "" {
			loc, err := time.LoadLocation(s.TZ)
			if err != nil {
				return time.Time{}, fmt.Errorf("invalid timezone: %w", err)
			}
			from = from.In(loc)
		}
		return sched.Next(from), nil
	default:
		return time.Time{}, fmt.Errorf("unknown schedule kind: %s", s.Kind)
	}
}

// String renders the schedule in the form ParseSchedule accepts
func (s Schedule) String() string {
	if s.Kind == ScheduleKindEvery {
		return s.Every.String()
	}
	return s.Expr
}

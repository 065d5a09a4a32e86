package scheduler

import (
	"time"

	"eventbackbone/internal/cron"
)

// calculateNextRun computes the next run time for task strictly after
// `after` for recurring schedules; a one-time task that has not run yet
// gets its RunAt (or `after` itself when RunAt is unset), even if that is
// not later than `after`. Returns nil when the task has no further runs (a
// completed one-time task, an expired end_date, or an unparseable cron
// expression).
func calculateNextRun(task *ScheduledTask, after time.Time) *time.Time {
	next := rawNextRun(task, after)
	if next == nil {
		return nil
	}
	if task.EndDate != nil && next.After(*task.EndDate) {
		return nil
	}
	return next
}

func rawNextRun(task *ScheduledTask, after time.Time) *time.Time {
	now := after
	if task.EndDate != nil && !now.Before(*task.EndDate) {
		return nil
	}

	baseTime := now
	if task.StartDate != nil && task.StartDate.After(baseTime) {
		baseTime = *task.StartDate
	}

	switch task.ScheduleType {
	case ScheduleOnce:
		if task.TotalRuns > 0 {
			return nil
		}
		if task.RunAt != nil {
			return task.RunAt
		}
		return &now

	case ScheduleInterval:
		cfg, _ := task.ScheduleConfig.(IntervalConfig)
		seconds := cfg.TotalSeconds()
		if seconds <= 0 {
			seconds = 60
		}
		next := baseTime.Add(time.Duration(seconds) * time.Second)
		return &next

	case ScheduleCron:
		cfg, _ := task.ScheduleConfig.(CronConfig)
		expr, err := cron.Parse(cfg.Expression)
		if err != nil {
			return nil
		}
		next, err := expr.Next(baseTime)
		if err != nil {
			return nil
		}
		return &next

	case ScheduleDaily:
		cfg, _ := task.ScheduleConfig.(DailyConfig)
		next := atTime(baseTime, cfg.Hour, cfg.Minute, 0)
		if !next.After(now) {
			next = next.AddDate(0, 0, 1)
		}
		return &next

	case ScheduleWeekly:
		cfg, _ := task.ScheduleConfig.(WeeklyConfig)
		weekday := 0
		if len(cfg.DaysOfWeek) > 0 {
			weekday = cfg.DaysOfWeek[0]
		}
		daysAhead := weekday - isoWeekday(baseTime)
		if daysAhead < 0 {
			daysAhead += 7
		}
		next := atTime(baseTime, cfg.Hour, cfg.Minute, 0).AddDate(0, 0, daysAhead)
		if !next.After(now) {
			next = next.AddDate(0, 0, 7)
		}
		return &next

	case ScheduleMonthly:
		cfg, _ := task.ScheduleConfig.(MonthlyConfig)
		day := 1
		if len(cfg.DaysOfMonth) > 0 {
			day = cfg.DaysOfMonth[0]
		}
		year, month := baseTime.Year(), int(baseTime.Month())
		actualDay := minInt(day, daysInMonth(year, month))
		next := time.Date(year, time.Month(month), actualDay, cfg.Hour, cfg.Minute, 0, 0, baseTime.Location())

		if !next.After(now) {
			if month == 12 {
				year++
				month = 1
			} else {
				month++
			}
			actualDay = minInt(day, daysInMonth(year, month))
			next = time.Date(year, time.Month(month), actualDay, cfg.Hour, cfg.Minute, 0, 0, baseTime.Location())
		}
		return &next
	}

	return nil
}

// isoWeekday returns ISO weekday (Monday=0 .. Sunday=6), the convention
// the weekly and monthly schedule fields use.
func isoWeekday(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}

func atTime(t time.Time, hour, minute, second int) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), hour, minute, second, 0, t.Location())
}

func daysInMonth(year, month int) int {
	firstOfNextMonth := time.Date(year, time.Month(month)+1, 1, 0, 0, 0, 0, time.UTC)
	lastOfThisMonth := firstOfNextMonth.AddDate(0, 0, -1)
	return lastOfThisMonth.Day()
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

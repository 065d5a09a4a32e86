package scheduler

// ScheduleConfig is the tagged-union of per-ScheduleType configuration;
// each variant implements the marker method.
type ScheduleConfig interface {
	scheduleConfig()
}

// IntervalConfig runs every fixed duration, expressed as component fields
// so config files can write e.g. "hours: 6" instead of a raw second count.
type IntervalConfig struct {
	Seconds int
	Minutes int
	Hours   int
	Days    int
}

func (IntervalConfig) scheduleConfig() {}

// TotalSeconds returns the interval as a flat second count.
func (c IntervalConfig) TotalSeconds() int {
	return c.Seconds + c.Minutes*60 + c.Hours*3600 + c.Days*86400
}

// DailyConfig runs once a day at a fixed wall-clock time.
type DailyConfig struct {
	Hour   int
	Minute int
	Second int
}

func (DailyConfig) scheduleConfig() {}

// WeeklyConfig runs on a specific weekday at a fixed wall-clock time.
// DaysOfWeek follows the ISO convention used throughout this package's
// scheduling math: Monday=0 .. Sunday=6. Only the first entry is honored,
// matching the single-weekday computation of the system this was ported
// from.
type WeeklyConfig struct {
	DaysOfWeek []int
	Hour       int
	Minute     int
	Second     int
}

func (WeeklyConfig) scheduleConfig() {}

// MonthlyConfig runs on a day of the month at a fixed wall-clock time.
// Only the first DaysOfMonth entry is honored. A day value beyond the
// month's length clamps to the last day.
type MonthlyConfig struct {
	DaysOfMonth []int
	Hour        int
	Minute      int
	Second      int
}

func (MonthlyConfig) scheduleConfig() {}

// CronConfig runs according to a 5-field cron expression.
type CronConfig struct {
	Expression string
}

func (CronConfig) scheduleConfig() {}

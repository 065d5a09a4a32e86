package notify

import "time"

// Config tunes delivery defaults, rate limits, and batch/background
// processing behavior.
type Config struct {
	DefaultMaxAttempts       int
	DefaultRetryDelaySeconds int
	DefaultExpiryHours       int

	MaxNotificationsPerUserPerHour int
	MaxNotificationsPerUserPerDay  int

	BatchSize     int
	BatchDelay    time.Duration
	RetentionDays int

	PendingPollInterval time.Duration
}

// DefaultConfig returns the pipeline defaults used when a config file
// does not override them.
func DefaultConfig() Config {
	return Config{
		DefaultMaxAttempts:             3,
		DefaultRetryDelaySeconds:       60,
		DefaultExpiryHours:             72,
		MaxNotificationsPerUserPerHour: 100,
		MaxNotificationsPerUserPerDay:  500,
		BatchSize:                      100,
		BatchDelay:                     100 * time.Millisecond,
		RetentionDays:                  30,
		PendingPollInterval:            60 * time.Second,
	}
}

// Package scheduler runs recurring and one-time tasks against cron,
// interval, and calendar-based schedules, tracking execution history and
// handling timeouts and overlap control. A task's MaxRetries and
// RetryDelaySeconds are stored but not acted on: a failed execution is not
// re-run before the task's next scheduled time.
package scheduler

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ScheduleType identifies which ScheduleConfig variant a task carries.
type ScheduleType string

const (
	ScheduleOnce     ScheduleType = "once"
	ScheduleInterval ScheduleType = "interval"
	ScheduleCron     ScheduleType = "cron"
	ScheduleDaily    ScheduleType = "daily"
	ScheduleWeekly   ScheduleType = "weekly"
	ScheduleMonthly  ScheduleType = "monthly"
)

// Status is the lifecycle state of a ScheduledTask.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// ExecutionStatus is the outcome of a single task run.
type ExecutionStatus string

const (
	ExecPending   ExecutionStatus = "pending"
	ExecRunning   ExecutionStatus = "running"
	ExecCompleted ExecutionStatus = "completed"
	ExecFailed    ExecutionStatus = "failed"
	ExecTimeout   ExecutionStatus = "timeout"
	ExecCancelled ExecutionStatus = "cancelled"
	ExecSkipped   ExecutionStatus = "skipped"
)

// TaskType selects which payload fields and default executor apply.
type TaskType string

const (
	TaskFunction     TaskType = "function"
	TaskHTTP         TaskType = "http"
	TaskCommand      TaskType = "command"
	TaskNotification TaskType = "notification"
)

// TaskPayload carries the instructions for one task type. Only the fields
// relevant to Type are meaningful.
type TaskPayload struct {
	Type TaskType `json:"task_type"`

	FunctionName string                 `json:"function_name,omitempty"`
	FunctionArgs map[string]interface{} `json:"function_args,omitempty"`

	HTTPURL     string                 `json:"http_url,omitempty"`
	HTTPMethod  string                 `json:"http_method,omitempty"`
	HTTPHeaders map[string]string      `json:"http_headers,omitempty"`
	HTTPBody    map[string]interface{} `json:"http_body,omitempty"`
	HTTPTimeout time.Duration          `json:"http_timeout,omitempty"`

	Command     string   `json:"command,omitempty"`
	CommandArgs []string `json:"command_args,omitempty"`

	NotificationType      string                 `json:"notification_type,omitempty"`
	NotificationRecipient string                 `json:"notification_recipient,omitempty"`
	NotificationContent   map[string]interface{} `json:"notification_content,omitempty"`
}

// TaskExecution is one recorded run of a task.
type TaskExecution struct {
	ExecutionID   string
	TaskID        string
	ScheduledTime time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	Status        ExecutionStatus
	Result        interface{}
	Error         string
	RetryCount    int
	DurationMs    *int64
	Manual        bool
}

// NewExecution creates a pending execution record for task scheduled at t.
func NewExecution(taskID string, scheduledTime time.Time) *TaskExecution {
	return &TaskExecution{
		ExecutionID:   fmt.Sprintf("exec_%s", uuid.New().String()[:12]),
		TaskID:        taskID,
		ScheduledTime: scheduledTime,
		Status:        ExecPending,
	}
}

// Start marks the execution as running.
func (e *TaskExecution) Start() {
	now := time.Now().UTC()
	e.StartedAt = &now
	e.Status = ExecRunning
}

func (e *TaskExecution) finish(status ExecutionStatus, result interface{}, errMsg string) {
	now := time.Now().UTC()
	e.CompletedAt = &now
	e.Status = status
	e.Result = result
	e.Error = errMsg
	if e.StartedAt != nil {
		d := now.Sub(*e.StartedAt).Milliseconds()
		e.DurationMs = &d
	}
}

// Complete marks the execution as successfully completed with result.
func (e *TaskExecution) Complete(result interface{}) { e.finish(ExecCompleted, result, "") }

// Fail marks the execution as failed with the given error message.
func (e *TaskExecution) Fail(errMsg string) { e.finish(ExecFailed, nil, errMsg) }

// Timeout marks the execution as having exceeded its timeout.
func (e *TaskExecution) Timeout() { e.finish(ExecTimeout, nil, "task execution timed out") }

// Skip marks the execution as skipped, e.g. due to an overlapping run.
func (e *TaskExecution) Skip(reason string) { e.finish(ExecSkipped, nil, reason) }

// ScheduledTask is one schedulable unit of work.
type ScheduledTask struct {
	TaskID      string
	Name        string
	Description string

	ScheduleType   ScheduleType
	ScheduleConfig ScheduleConfig
	RunAt          *time.Time // for ScheduleOnce

	Payload TaskPayload
	Status  Status

	TimeoutSeconds    int
	MaxRetries        int
	RetryDelaySeconds int
	AllowOverlap      bool

	NextRunAt *time.Time
	LastRunAt *time.Time
	StartDate *time.Time
	EndDate   *time.Time

	TotalRuns      int
	SuccessfulRuns int
	FailedRuns     int

	CreatedAt time.Time
	UpdatedAt time.Time

	OwnerID  string
	TenantID string
	Tags     []string
}

// IsActive reports whether the task's status and start/end window permit it
// to run right now.
func (t *ScheduledTask) IsActive() bool {
	if t.Status != StatusActive && t.Status != StatusPending {
		return false
	}
	now := time.Now().UTC()
	if t.StartDate != nil && now.Before(*t.StartDate) {
		return false
	}
	if t.EndDate != nil && now.After(*t.EndDate) {
		return false
	}
	return true
}

// IsDue reports whether the task is active and its next run time has
// arrived.
func (t *ScheduledTask) IsDue() bool {
	if !t.IsActive() {
		return false
	}
	if t.NextRunAt == nil {
		return false
	}
	return !time.Now().UTC().Before(*t.NextRunAt)
}

// SuccessRate returns the fraction of completed runs that succeeded.
func (t *ScheduledTask) SuccessRate() float64 {
	if t.TotalRuns == 0 {
		return 0
	}
	return float64(t.SuccessfulRuns) / float64(t.TotalRuns)
}

// RecordExecution folds the outcome of execution into the task's run
// counters and marks one-time tasks completed.
func (t *ScheduledTask) RecordExecution(execution *TaskExecution) {
	t.TotalRuns++
	t.LastRunAt = &execution.ScheduledTime
	t.UpdatedAt = time.Now().UTC()

	switch execution.Status {
	case ExecCompleted:
		t.SuccessfulRuns++
	case ExecFailed, ExecTimeout:
		t.FailedRuns++
	}

	if t.ScheduleType == ScheduleOnce {
		t.Status = StatusCompleted
	}
}

// Stats summarizes scheduler-wide counters.
type Stats struct {
	TotalTasks           int
	ActiveTasks          int
	PausedTasks          int
	TotalExecutions      int
	SuccessfulExecutions int
	FailedExecutions     int
}

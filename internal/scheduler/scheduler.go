package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"eventbackbone/internal/apperrors"
	"eventbackbone/internal/cron"
	"eventbackbone/internal/logger"
	"eventbackbone/internal/store"
)

// Handler executes a task's payload and returns a result or an error. The
// caller enforces task.TimeoutSeconds around the call.
type Handler func(ctx context.Context, task *ScheduledTask) (interface{}, error)

// Scheduler holds scheduled tasks, dispatches due ones on a tick loop, and
// records execution history.
type Scheduler struct {
	tasks      *store.IndexedStore[*ScheduledTask]
	executions *store.IndexedStore[*TaskExecution]

	handlers map[TaskType]Handler

	log *logger.Logger

	tickInterval      time.Duration
	maxConcurrent     int
	defaultTimeout    time.Duration
	defaultMaxRetries int

	mu      sync.Mutex
	running map[string]bool // task IDs currently executing

	cancel context.CancelFunc
	wg     sync.WaitGroup

	statsMu              sync.Mutex
	totalExecutions      int
	successfulExecutions int
	failedExecutions     int
}

// Config tunes the tick loop; see config.SchedulerConfig for the
// application-level equivalent.
type Config struct {
	TickInterval      time.Duration
	MaxConcurrentRuns int
	DefaultTimeout    time.Duration
	DefaultMaxRetries int
}

// New creates a Scheduler with an empty task store, indexed by owner,
// tenant, and status.
func New(cfg Config, log *logger.Logger) *Scheduler {
	tasks := store.NewIndexedStore[*ScheduledTask]()
	tasks.RegisterIndex("owner", func(t *ScheduledTask) []string { return []string{t.OwnerID} })
	tasks.RegisterIndex("tenant", func(t *ScheduledTask) []string { return []string{t.TenantID} })
	tasks.RegisterIndex("status", func(t *ScheduledTask) []string { return []string{string(t.Status)} })

	executions := store.NewIndexedStore[*TaskExecution]()
	executions.RegisterIndex("task", func(e *TaskExecution) []string { return []string{e.TaskID} })

	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 15 * time.Second
	}
	if cfg.MaxConcurrentRuns <= 0 {
		cfg.MaxConcurrentRuns = 10
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if cfg.DefaultMaxRetries <= 0 {
		cfg.DefaultMaxRetries = 3
	}

	return &Scheduler{
		tasks:             tasks,
		executions:        executions,
		handlers:          make(map[TaskType]Handler),
		log:               log.With("scheduler"),
		tickInterval:      cfg.TickInterval,
		maxConcurrent:     cfg.MaxConcurrentRuns,
		defaultTimeout:    cfg.DefaultTimeout,
		defaultMaxRetries: cfg.DefaultMaxRetries,
		running:           make(map[string]bool),
	}
}

// RegisterHandler registers a custom executor for taskType, overriding the
// built-in default executor for that type.
func (s *Scheduler) RegisterHandler(taskType TaskType, h Handler) {
	s.handlers[taskType] = h
}

// CreateTask validates and stores a new task, computing its initial
// next-run time.
func (s *Scheduler) CreateTask(task *ScheduledTask) (*ScheduledTask, error) {
	if task.TaskID == "" {
		task.TaskID = fmt.Sprintf("task_%s", uuid.New().String()[:12])
	}
	if task.Status == "" {
		task.Status = StatusActive
	}
	if task.TimeoutSeconds == 0 {
		task.TimeoutSeconds = int(s.defaultTimeout.Seconds())
	}
	if task.MaxRetries == 0 {
		task.MaxRetries = s.defaultMaxRetries
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now

	if err := validateSchedule(task); err != nil {
		return nil, err
	}

	task.NextRunAt = calculateNextRun(task, now)
	s.tasks.Put(task.TaskID, task)
	return task, nil
}

func validateSchedule(task *ScheduledTask) error {
	switch task.ScheduleType {
	case ScheduleCron:
		cfg, ok := task.ScheduleConfig.(CronConfig)
		if !ok {
			return apperrors.New(apperrors.InvalidSchedule, "cron schedule requires a CronConfig")
		}
		if _, err := cron.Parse(cfg.Expression); err != nil {
			return apperrors.Wrap(apperrors.InvalidSchedule, "invalid cron expression", err)
		}
	case ScheduleInterval:
		cfg, ok := task.ScheduleConfig.(IntervalConfig)
		if !ok || cfg.TotalSeconds() < 1 {
			return apperrors.New(apperrors.InvalidSchedule, "interval schedule must be at least 1 second")
		}
	}
	return nil
}

// GetTask returns the task stored under id.
func (s *Scheduler) GetTask(id string) (*ScheduledTask, error) {
	t, ok := s.tasks.Get(id)
	if !ok {
		return nil, apperrors.New(apperrors.NotFound, "task not found: "+id)
	}
	return t, nil
}

// ListTasks returns up to limit tasks, optionally filtered by owner,
// newest first. A zero limit returns everything after offset.
func (s *Scheduler) ListTasks(ownerID string, offset, limit int) []*ScheduledTask {
	var all []*ScheduledTask
	if ownerID != "" {
		all = s.tasks.ByIndex("owner", ownerID)
	} else {
		all = s.tasks.All()
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	if offset > len(all) {
		offset = len(all)
	}
	end := offset + limit
	if limit <= 0 || end > len(all) {
		end = len(all)
	}
	return all[offset:end]
}

// UpdateTask revalidates and stores task, recomputing its next run time
// unless the task is paused or terminal.
func (s *Scheduler) UpdateTask(task *ScheduledTask) (*ScheduledTask, error) {
	if _, ok := s.tasks.Get(task.TaskID); !ok {
		return nil, apperrors.New(apperrors.NotFound, "task not found: "+task.TaskID)
	}
	if err := validateSchedule(task); err != nil {
		return nil, err
	}
	task.UpdatedAt = time.Now().UTC()
	if task.Status == StatusActive || task.Status == StatusPending {
		task.NextRunAt = calculateNextRun(task, time.Now().UTC())
	}
	s.tasks.Put(task.TaskID, task)
	return task, nil
}

// DeleteTask removes a task and stops future executions of it.
func (s *Scheduler) DeleteTask(id string) error {
	if _, ok := s.tasks.Get(id); !ok {
		return apperrors.New(apperrors.NotFound, "task not found: "+id)
	}
	s.tasks.Delete(id)
	return nil
}

// PauseTask stops a task from being scheduled until resumed.
func (s *Scheduler) PauseTask(id string) (*ScheduledTask, error) {
	task, err := s.GetTask(id)
	if err != nil {
		return nil, err
	}
	if task.Status == StatusActive || task.Status == StatusPending {
		task.Status = StatusPaused
		task.UpdatedAt = time.Now().UTC()
		s.tasks.Put(id, task)
	}
	return task, nil
}

// ResumeTask reactivates a paused task and recomputes its next run time.
func (s *Scheduler) ResumeTask(id string) (*ScheduledTask, error) {
	task, err := s.GetTask(id)
	if err != nil {
		return nil, err
	}
	if task.Status == StatusPaused {
		task.Status = StatusActive
		task.UpdatedAt = time.Now().UTC()
		task.NextRunAt = calculateNextRun(task, time.Now().UTC())
		s.tasks.Put(id, task)
	}
	return task, nil
}

// TriggerTask executes task immediately, outside its normal schedule.
func (s *Scheduler) TriggerTask(ctx context.Context, id string) (*TaskExecution, error) {
	task, err := s.GetTask(id)
	if err != nil {
		return nil, err
	}
	return s.executeTask(ctx, task, true), nil
}

// GetDueTasks returns every active task whose next run time has arrived,
// ordered earliest-first.
func (s *Scheduler) GetDueTasks() []*ScheduledTask {
	active := s.tasks.ByIndex("status", string(StatusActive))
	due := make([]*ScheduledTask, 0, len(active))
	for _, t := range active {
		if t.IsDue() {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRunAt.Before(*due[j].NextRunAt) })
	return due
}

// GetExecutions returns up to limit execution records for task, most
// recent first.
func (s *Scheduler) GetExecutions(taskID string, limit int) []*TaskExecution {
	all := s.executions.ByIndex("task", taskID)
	sort.Slice(all, func(i, j int) bool { return all[i].ScheduledTime.After(all[j].ScheduledTime) })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all
}

// Stats reports scheduler-wide counters.
func (s *Scheduler) Stats() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return Stats{
		TotalTasks:           s.tasks.Len(),
		ActiveTasks:          s.tasks.Count("status", string(StatusActive)),
		PausedTasks:          s.tasks.Count("status", string(StatusPaused)),
		TotalExecutions:      s.totalExecutions,
		SuccessfulExecutions: s.successfulExecutions,
		FailedExecutions:     s.failedExecutions,
	}
}

// Start launches the background tick loop. Call Stop to shut it down.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go s.loop(ctx)
	s.log.Info("scheduler loop started, tick=%s", s.tickInterval)
}

// Stop cancels the tick loop and waits for in-flight executions to settle.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.log.Info("scheduler loop stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	sem := make(chan struct{}, s.maxConcurrent)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, task := range s.GetDueTasks() {
				select {
				case <-ctx.Done():
					return
				default:
				}
				task := task
				sem <- struct{}{}
				s.wg.Add(1)
				go func() {
					defer s.wg.Done()
					defer func() { <-sem }()
					s.executeTask(ctx, task, false)
				}()
			}
		}
	}
}

func (s *Scheduler) executeTask(ctx context.Context, task *ScheduledTask, manual bool) *TaskExecution {
	if !task.AllowOverlap {
		s.mu.Lock()
		if s.running[task.TaskID] {
			s.mu.Unlock()
			execution := NewExecution(task.TaskID, valueOrNow(task.NextRunAt))
			execution.Skip("overlapping execution")
			s.executions.Put(execution.ExecutionID, execution)
			return execution
		}
		s.running[task.TaskID] = true
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			delete(s.running, task.TaskID)
			s.mu.Unlock()
		}()
	}

	execution := NewExecution(task.TaskID, valueOrNow(task.NextRunAt))
	execution.Manual = manual
	execution.Start()

	s.statsMu.Lock()
	s.totalExecutions++
	s.statsMu.Unlock()

	timeout := time.Duration(task.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = s.defaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := s.dispatch(runCtx, task)

	switch {
	case err == nil:
		execution.Complete(result)
		s.statsMu.Lock()
		s.successfulExecutions++
		s.statsMu.Unlock()
	case runCtx.Err() == context.DeadlineExceeded:
		execution.Timeout()
		s.statsMu.Lock()
		s.failedExecutions++
		s.statsMu.Unlock()
		s.log.Warn("task %s execution %s timed out", task.TaskID, execution.ExecutionID)
	default:
		execution.Fail(err.Error())
		s.statsMu.Lock()
		s.failedExecutions++
		s.statsMu.Unlock()
		s.log.Error("task %s execution %s failed: %v", task.TaskID, execution.ExecutionID, err)
	}

	task.RecordExecution(execution)
	task.NextRunAt = calculateNextRun(task, time.Now().UTC())
	if task.NextRunAt == nil {
		task.Status = StatusCompleted
	}

	s.executions.Put(execution.ExecutionID, execution)
	s.tasks.Put(task.TaskID, task)

	return execution
}

func (s *Scheduler) dispatch(ctx context.Context, task *ScheduledTask) (interface{}, error) {
	if h, ok := s.handlers[task.Payload.Type]; ok {
		return h(ctx, task)
	}
	return defaultExecute(ctx, task)
}

func valueOrNow(t *time.Time) time.Time {
	if t != nil {
		return *t
	}
	return time.Now().UTC()
}

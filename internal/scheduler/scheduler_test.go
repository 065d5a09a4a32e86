package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"eventbackbone/internal/logger"
)

func newTestScheduler() *Scheduler {
	log := logger.New()
	return New(Config{
		TickInterval:      10 * time.Millisecond,
		MaxConcurrentRuns: 4,
		DefaultTimeout:    time.Second,
		DefaultMaxRetries: 1,
	}, log)
}

func TestCreateTaskAssignsIDAndNextRun(t *testing.T) {
	s := newTestScheduler()
	task := &ScheduledTask{
		Name:           "greet",
		ScheduleType:   ScheduleInterval,
		ScheduleConfig: IntervalConfig{Seconds: 30},
		Payload:        TaskPayload{Type: TaskFunction, FunctionName: "greet"},
	}

	created, err := s.CreateTask(task)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created.TaskID == "" {
		t.Fatal("expected TaskID to be assigned")
	}
	if created.NextRunAt == nil {
		t.Fatal("expected NextRunAt to be computed")
	}
	if created.Status != StatusActive {
		t.Fatalf("expected status active, got %s", created.Status)
	}
}

func TestCreateTaskRejectsInvalidCron(t *testing.T) {
	s := newTestScheduler()
	task := &ScheduledTask{
		Name:           "bad-cron",
		ScheduleType:   ScheduleCron,
		ScheduleConfig: CronConfig{Expression: "* * * *"},
	}
	if _, err := s.CreateTask(task); err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
}

func TestCreateTaskRejectsZeroInterval(t *testing.T) {
	s := newTestScheduler()
	task := &ScheduledTask{
		Name:           "bad-interval",
		ScheduleType:   ScheduleInterval,
		ScheduleConfig: IntervalConfig{},
	}
	if _, err := s.CreateTask(task); err == nil {
		t.Fatal("expected error for zero-length interval")
	}
}

func TestGetDueTasksOrdersByNextRunAscending(t *testing.T) {
	s := newTestScheduler()
	now := time.Now().UTC()

	later := now.Add(-1 * time.Minute)
	earlier := now.Add(-2 * time.Minute)

	taskLater := &ScheduledTask{TaskID: "later", Status: StatusActive, NextRunAt: &later}
	taskEarlier := &ScheduledTask{TaskID: "earlier", Status: StatusActive, NextRunAt: &earlier}
	s.tasks.Put(taskLater.TaskID, taskLater)
	s.tasks.Put(taskEarlier.TaskID, taskEarlier)

	due := s.GetDueTasks()
	if len(due) != 2 {
		t.Fatalf("expected 2 due tasks, got %d", len(due))
	}
	if due[0].TaskID != "earlier" || due[1].TaskID != "later" {
		t.Fatalf("expected earlier before later, got %s, %s", due[0].TaskID, due[1].TaskID)
	}
}

func TestTriggerTaskExecutesRegisteredHandler(t *testing.T) {
	s := newTestScheduler()
	var called bool
	s.RegisterHandler(TaskFunction, func(ctx context.Context, task *ScheduledTask) (interface{}, error) {
		called = true
		return "ok", nil
	})

	task, err := s.CreateTask(&ScheduledTask{
		Name:           "trigger-me",
		ScheduleType:   ScheduleInterval,
		ScheduleConfig: IntervalConfig{Seconds: 60},
		Payload:        TaskPayload{Type: TaskFunction},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	execution, err := s.TriggerTask(context.Background(), task.TaskID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("expected handler to be invoked")
	}
	if execution.Status != ExecCompleted {
		t.Fatalf("expected completed execution, got %s", execution.Status)
	}
	if !execution.Manual {
		t.Fatal("expected Manual to be true for a triggered execution")
	}
}

func TestExecuteTaskSkipsOverlappingRun(t *testing.T) {
	s := newTestScheduler()
	release := make(chan struct{})
	var entered sync.WaitGroup
	entered.Add(1)

	s.RegisterHandler(TaskFunction, func(ctx context.Context, task *ScheduledTask) (interface{}, error) {
		entered.Done()
		<-release
		return nil, nil
	})

	task, err := s.CreateTask(&ScheduledTask{
		Name:           "no-overlap",
		ScheduleType:   ScheduleInterval,
		ScheduleConfig: IntervalConfig{Seconds: 60},
		Payload:        TaskPayload{Type: TaskFunction},
		AllowOverlap:   false,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var firstExec *TaskExecution
	done := make(chan struct{})
	go func() {
		firstExec = s.executeTask(context.Background(), task, false)
		close(done)
	}()

	entered.Wait()
	secondExec := s.executeTask(context.Background(), task, false)
	if secondExec.Status != ExecSkipped {
		t.Fatalf("expected skipped execution for overlapping run, got %s", secondExec.Status)
	}

	close(release)
	<-done
	if firstExec.Status != ExecCompleted {
		t.Fatalf("expected first execution to complete, got %s", firstExec.Status)
	}
}

func TestExecuteTaskMarksTimeout(t *testing.T) {
	s := newTestScheduler()
	s.RegisterHandler(TaskFunction, func(ctx context.Context, task *ScheduledTask) (interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	task, err := s.CreateTask(&ScheduledTask{
		Name:           "slow",
		ScheduleType:   ScheduleInterval,
		ScheduleConfig: IntervalConfig{Seconds: 60},
		Payload:        TaskPayload{Type: TaskFunction},
		TimeoutSeconds: 1,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	execution := s.executeTask(context.Background(), task, false)
	if execution.Status != ExecTimeout {
		t.Fatalf("expected timeout status, got %s", execution.Status)
	}
}

func TestPauseAndResumeTask(t *testing.T) {
	s := newTestScheduler()
	task, err := s.CreateTask(&ScheduledTask{
		Name:           "pausable",
		ScheduleType:   ScheduleInterval,
		ScheduleConfig: IntervalConfig{Seconds: 60},
		Payload:        TaskPayload{Type: TaskFunction},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	paused, err := s.PauseTask(task.TaskID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if paused.Status != StatusPaused {
		t.Fatalf("expected paused status, got %s", paused.Status)
	}

	resumed, err := s.ResumeTask(task.TaskID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resumed.Status != StatusActive {
		t.Fatalf("expected active status after resume, got %s", resumed.Status)
	}
	if resumed.NextRunAt == nil {
		t.Fatal("expected NextRunAt to be recomputed on resume")
	}
}

func TestStatsReflectsExecutions(t *testing.T) {
	s := newTestScheduler()
	s.RegisterHandler(TaskFunction, func(ctx context.Context, task *ScheduledTask) (interface{}, error) {
		return nil, nil
	})
	task, err := s.CreateTask(&ScheduledTask{
		Name:           "counted",
		ScheduleType:   ScheduleInterval,
		ScheduleConfig: IntervalConfig{Seconds: 60},
		Payload:        TaskPayload{Type: TaskFunction},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := s.TriggerTask(context.Background(), task.TaskID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stats := s.Stats()
	if stats.TotalExecutions != 1 {
		t.Fatalf("expected 1 total execution, got %d", stats.TotalExecutions)
	}
	if stats.SuccessfulExecutions != 1 {
		t.Fatalf("expected 1 successful execution, got %d", stats.SuccessfulExecutions)
	}
	if stats.TotalTasks != 1 {
		t.Fatalf("expected 1 total task, got %d", stats.TotalTasks)
	}
}

func TestGetTaskReturnsNotFoundError(t *testing.T) {
	s := newTestScheduler()
	if _, err := s.GetTask("missing"); err == nil {
		t.Fatal("expected not-found error")
	}
}

func TestDeleteTaskRemovesIt(t *testing.T) {
	s := newTestScheduler()
	task, err := s.CreateTask(&ScheduledTask{
		Name:           "deletable",
		ScheduleType:   ScheduleInterval,
		ScheduleConfig: IntervalConfig{Seconds: 60},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.DeleteTask(task.TaskID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := s.GetTask(task.TaskID); err == nil {
		t.Fatal("expected task to be gone after delete")
	}
}

func TestListTasksFiltersByOwnerAndPaginates(t *testing.T) {
	s := newTestScheduler()
	for i := 0; i < 3; i++ {
		if _, err := s.CreateTask(&ScheduledTask{
			Name:           "owned",
			ScheduleType:   ScheduleInterval,
			ScheduleConfig: IntervalConfig{Seconds: 60},
			Payload:        TaskPayload{Type: TaskFunction},
			OwnerID:        "owner-1",
		}); err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
	}
	if _, err := s.CreateTask(&ScheduledTask{
		Name:           "other",
		ScheduleType:   ScheduleInterval,
		ScheduleConfig: IntervalConfig{Seconds: 60},
		Payload:        TaskPayload{Type: TaskFunction},
		OwnerID:        "owner-2",
	}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	if got := s.ListTasks("owner-1", 0, 0); len(got) != 3 {
		t.Fatalf("owner-1 tasks = %d, want 3", len(got))
	}
	if got := s.ListTasks("owner-1", 2, 10); len(got) != 1 {
		t.Fatalf("offset page = %d, want 1", len(got))
	}
	if got := s.ListTasks("", 0, 2); len(got) != 2 {
		t.Fatalf("limited page = %d, want 2", len(got))
	}
}

func TestUpdateTaskRecomputesNextRun(t *testing.T) {
	s := newTestScheduler()
	task, err := s.CreateTask(&ScheduledTask{
		Name:           "tunable",
		ScheduleType:   ScheduleInterval,
		ScheduleConfig: IntervalConfig{Seconds: 60},
		Payload:        TaskPayload{Type: TaskFunction},
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	before := *task.NextRunAt

	task.ScheduleConfig = IntervalConfig{Hours: 1}
	updated, err := s.UpdateTask(task)
	if err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	if updated.NextRunAt == nil || !updated.NextRunAt.After(before) {
		t.Fatalf("next run not recomputed: %v vs %v", updated.NextRunAt, before)
	}

	task.ScheduleConfig = IntervalConfig{}
	if _, err := s.UpdateTask(task); err == nil {
		t.Fatal("expected validation error for zero interval")
	}
}

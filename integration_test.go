package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"eventbackbone/internal/apperrors"
	"eventbackbone/internal/eventbus"
	"eventbackbone/internal/logger"
	"eventbackbone/internal/notify"
	"eventbackbone/internal/scheduler"
	"eventbackbone/internal/signer"
	"eventbackbone/internal/webhook"
)

func newWebhookService(pollInterval time.Duration) *webhook.Service {
	cfg := webhook.DefaultConfig()
	cfg.DeliveryPollInterval = pollInterval
	return webhook.New(cfg, logger.New(), eventbus.New())
}

func newNotifyService() *notify.Service {
	registry := notify.NewRegistry()
	registry.Register(notify.NewInAppProvider())
	return notify.New(notify.DefaultConfig(), logger.New(), registry, notify.NewRenderer(time.Minute), notify.NewMemoryRateLimiter(), eventbus.New())
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func TestCronTaskSchedulesWeekdayMornings(t *testing.T) {
	sched := scheduler.New(scheduler.Config{}, logger.New())
	sched.RegisterHandler(scheduler.TaskFunction, func(ctx context.Context, task *scheduler.ScheduledTask) (interface{}, error) {
		return "ok", nil
	})

	task, err := sched.CreateTask(&scheduler.ScheduledTask{
		Name:           "weekday-report",
		ScheduleType:   scheduler.ScheduleCron,
		ScheduleConfig: scheduler.CronConfig{Expression: "0 9 * * 1-5"},
		Payload:        scheduler.TaskPayload{Type: scheduler.TaskFunction, FunctionName: "report"},
		OwnerID:        "u1",
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if task.NextRunAt == nil {
		t.Fatal("expected next run to be computed")
	}
	next := *task.NextRunAt
	if next.Minute() != 0 || next.Hour() != 9 {
		t.Errorf("next run %v not at 09:00", next)
	}
	if next.Weekday() == time.Saturday || next.Weekday() == time.Sunday {
		t.Errorf("next run %v fell on a weekend", next)
	}

	execution, err := sched.TriggerTask(context.Background(), task.TaskID)
	if err != nil {
		t.Fatalf("TriggerTask: %v", err)
	}
	if execution.Status != scheduler.ExecCompleted {
		t.Fatalf("execution status = %s, want completed", execution.Status)
	}

	task, _ = sched.GetTask(task.TaskID)
	if task.NextRunAt == nil {
		t.Fatal("recurring cron task lost its next run time after executing")
	}
	if wd := task.NextRunAt.Weekday(); wd == time.Saturday || wd == time.Sunday {
		t.Errorf("recomputed next run %v fell on a weekend", task.NextRunAt)
	}
}

func TestEventFanOutRespectsSubscriptionFilters(t *testing.T) {
	var mu sync.Mutex
	var gotBody string
	var gotHeaders http.Header
	var hits int

	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		gotBody = string(body)
		gotHeaders = r.Header.Clone()
		hits++
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer target.Close()

	svc := newWebhookService(10 * time.Millisecond)

	matching, matchingSecret, err := svc.CreateEndpoint(webhook.CreateEndpointRequest{
		URL:     target.URL,
		OwnerID: "u1",
		Events:  []string{"goal.completed"},
	})
	if err != nil {
		t.Fatalf("CreateEndpoint: %v", err)
	}
	_, _, err = svc.CreateEndpoint(webhook.CreateEndpointRequest{
		URL:     target.URL,
		OwnerID: "u1",
		Events:  []string{"goal.completed"},
		Filters: map[string]interface{}{"goal_id": "g2"},
	})
	if err != nil {
		t.Fatalf("CreateEndpoint (filtered): %v", err)
	}

	deliveries := svc.Publish("goal.completed", map[string]interface{}{"goal_id": "g1"}, "t1", "u1", "")
	if len(deliveries) != 1 {
		t.Fatalf("expected exactly one delivery, got %d", len(deliveries))
	}
	if deliveries[0].WebhookID != matching.WebhookID {
		t.Fatal("delivery created for the filtered-out endpoint")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)
	defer svc.Stop()

	waitFor(t, 3*time.Second, func() bool {
		d, err := svc.GetDelivery(deliveries[0].DeliveryID)
		return err == nil && d.Status == webhook.DeliveryDelivered
	})

	mu.Lock()
	defer mu.Unlock()
	if hits != 1 {
		t.Fatalf("target hit %d times, want 1", hits)
	}
	if !signer.Verify(matchingSecret, gotBody, gotHeaders.Get("X-Webhook-Signature"), 5*time.Minute) {
		t.Error("delivered payload signature did not verify against the endpoint secret")
	}
	if gotHeaders.Get("X-Event-Type") != "goal.completed" {
		t.Errorf("X-Event-Type = %q", gotHeaders.Get("X-Event-Type"))
	}
	if gotHeaders.Get("X-Webhook-ID") != matching.WebhookID {
		t.Errorf("X-Webhook-ID = %q", gotHeaders.Get("X-Webhook-ID"))
	}
}

func TestPreferenceBlockAndUrgentBypass(t *testing.T) {
	svc := newNotifyService()

	prefs := notify.DefaultPreferences("u1")
	prefs.ChannelPreferences[notify.ChannelInApp] = notify.ChannelPreference{Enabled: false}
	svc.SetPreferences(prefs)

	recipient := notify.Recipient{UserID: "u1"}
	content := notify.Content{Title: "Goal done", Body: "Your goal is complete"}

	_, err := svc.Send(context.Background(), notify.NewNotification(notify.ChannelInApp, "goals", notify.PriorityNormal, recipient, content), true)
	if !apperrors.Is(err, apperrors.PreferencesBlocked) {
		t.Fatalf("expected PreferencesBlocked, got %v", err)
	}

	n, err := svc.Send(context.Background(), notify.NewNotification(notify.ChannelInApp, "goals", notify.PriorityUrgent, recipient, content), true)
	if err != nil {
		t.Fatalf("urgent send failed: %v", err)
	}
	if n.Status != notify.StatusSent {
		t.Fatalf("urgent notification status = %s, want sent", n.Status)
	}
}

func TestTemplateSendRendersPlaceholders(t *testing.T) {
	svc := newNotifyService()

	tmpl := notify.NewTemplate("goal-done", notify.ChannelInApp, "Hi {{name}}, goal {{goal}} done")
	tmpl.TitleTemplate = "Goal update"
	svc.CreateTemplate(tmpl)

	recipient := notify.Recipient{UserID: "u1"}

	n, err := svc.SendFromTemplate(context.Background(), tmpl.TemplateID, recipient, map[string]interface{}{"name": "Ada", "goal": "G"})
	if err != nil {
		t.Fatalf("SendFromTemplate: %v", err)
	}
	if n.Content.Body != "Hi Ada, goal G done" {
		t.Errorf("rendered body = %q", n.Content.Body)
	}

	n, err = svc.SendFromTemplate(context.Background(), tmpl.TemplateID, recipient, map[string]interface{}{"name": "Ada"})
	if err != nil {
		t.Fatalf("SendFromTemplate (missing key): %v", err)
	}
	if n.Content.Body != "Hi Ada, goal {{goal}} done" {
		t.Errorf("missing key should stay literal, got %q", n.Content.Body)
	}
}

func TestSecretRotationInvalidatesPriorSignature(t *testing.T) {
	svc := newWebhookService(time.Hour)

	endpoint, oldSecret, err := svc.CreateEndpoint(webhook.CreateEndpointRequest{
		URL:     "https://example.com/hook",
		OwnerID: "u1",
		Events:  []string{"*"},
	})
	if err != nil {
		t.Fatalf("CreateEndpoint: %v", err)
	}

	payload := `{"hello":"world"}`
	oldSignature := signer.Sign(oldSecret, payload, time.Now())

	_, newSecret, err := svc.RotateSecret(endpoint.WebhookID)
	if err != nil {
		t.Fatalf("RotateSecret: %v", err)
	}
	if newSecret == oldSecret {
		t.Fatal("rotation returned the same secret")
	}
	if signer.Verify(newSecret, payload, oldSignature, 5*time.Minute) {
		t.Error("signature from the retired secret verified against the new one")
	}
	if !signer.Verify(oldSecret, payload, oldSignature, 5*time.Minute) {
		t.Error("signature no longer verifies against the secret that produced it")
	}
}

func TestIntervalTaskCompletesAtEndDateBoundary(t *testing.T) {
	if testing.Short() {
		t.Skip("relies on wall-clock interval scheduling")
	}

	sched := scheduler.New(scheduler.Config{TickInterval: 50 * time.Millisecond}, logger.New())
	var runs int
	var mu sync.Mutex
	sched.RegisterHandler(scheduler.TaskFunction, func(ctx context.Context, task *scheduler.ScheduledTask) (interface{}, error) {
		mu.Lock()
		runs++
		mu.Unlock()
		return nil, nil
	})

	end := time.Now().UTC().Add(1400 * time.Millisecond)
	task, err := sched.CreateTask(&scheduler.ScheduledTask{
		Name:           "short-lived",
		ScheduleType:   scheduler.ScheduleInterval,
		ScheduleConfig: scheduler.IntervalConfig{Seconds: 1},
		Payload:        scheduler.TaskPayload{Type: scheduler.TaskFunction, FunctionName: "noop"},
		EndDate:        &end,
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)
	defer sched.Stop()

	waitFor(t, 4*time.Second, func() bool {
		got, err := sched.GetTask(task.TaskID)
		return err == nil && got.Status == scheduler.StatusCompleted
	})

	mu.Lock()
	defer mu.Unlock()
	if runs != 1 {
		t.Fatalf("task ran %d times inside its window, want exactly 1", runs)
	}
	got, _ := sched.GetTask(task.TaskID)
	if got.NextRunAt != nil {
		t.Errorf("completed task still has next run %v", got.NextRunAt)
	}
}

func TestNotificationSentEventReachesLocalSubscribers(t *testing.T) {
	bus := eventbus.New()
	registry := notify.NewRegistry()
	registry.Register(notify.NewInAppProvider())
	svc := notify.New(notify.DefaultConfig(), logger.New(), registry, notify.NewRenderer(time.Minute), notify.NewMemoryRateLimiter(), bus)

	var mu sync.Mutex
	var topics []string
	bus.Subscribe("notification.sent", func(event eventbus.Event) {
		mu.Lock()
		topics = append(topics, event.Topic)
		mu.Unlock()
	})

	_, err := svc.Send(context.Background(),
		notify.NewNotification(notify.ChannelInApp, "goals", notify.PriorityNormal, notify.Recipient{UserID: "u1"}, notify.Content{Body: "hi"}),
		false)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(topics) == 1 && topics[0] == "notification.sent"
	})
}

// Package webhook dispatches platform events to subscriber-owned HTTP
// endpoints with signed payloads, exponential-backoff retry, and
// per-endpoint health tracking.
package webhook

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventTypeAll subscribes an endpoint to every published event type.
const EventTypeAll = "*"

// Status is the lifecycle state of a webhook endpoint.
type Status string

const (
	StatusActive   Status = "active"
	StatusPaused   Status = "paused"
	StatusDisabled Status = "disabled"
	StatusFailed   Status = "failed" // auto-disabled after too many consecutive failures
)

// DeliveryStatus is the lifecycle state of one event delivery to one
// endpoint.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliveryRetrying  DeliveryStatus = "retrying"
	DeliveryExpired   DeliveryStatus = "expired"
)

// MaxConsecutiveFailures is the default auto-disable threshold; the
// service-wide Config.MaxConsecutiveFailures overrides it for all endpoints.
const MaxConsecutiveFailures = 50

// Event is the envelope published to subscribed endpoints.
type Event struct {
	EventID       string
	EventType     string
	Timestamp     time.Time
	Source        string
	Version       string
	Data          map[string]interface{}
	TenantID      string
	UserID        string
	CorrelationID string
}

// NewEvent creates a fully-populated event, defaulting source/version and
// generating IDs the way the platform's other event producers do.
func NewEvent(eventType string, data map[string]interface{}, tenantID, userID, correlationID string) Event {
	if correlationID == "" {
		correlationID = fmt.Sprintf("cor_%s", uuid.New().String()[:12])
	}
	return Event{
		EventID:       fmt.Sprintf("evt_%s", uuid.New().String()),
		EventType:     eventType,
		Timestamp:     time.Now().UTC(),
		Source:        "eventbackbone",
		Version:       "1.0",
		Data:          data,
		TenantID:      tenantID,
		UserID:        userID,
		CorrelationID: correlationID,
	}
}

// envelope is the JSON wire shape of Event, per the webhook HTTP contract.
type envelope struct {
	EventID   string                 `json:"event_id"`
	EventType string                 `json:"event_type"`
	Timestamp string                 `json:"timestamp"`
	Source    string                 `json:"source"`
	Version   string                 `json:"version"`
	Data      map[string]interface{} `json:"data"`
	Metadata  envelopeMetadata       `json:"metadata"`
}

type envelopeMetadata struct {
	TenantID      string `json:"tenant_id,omitempty"`
	UserID        string `json:"user_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

func (e Event) toEnvelope() envelope {
	return envelope{
		EventID:   e.EventID,
		EventType: e.EventType,
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339),
		Source:    e.Source,
		Version:   e.Version,
		Data:      e.Data,
		Metadata: envelopeMetadata{
			TenantID:      e.TenantID,
			UserID:        e.UserID,
			CorrelationID: e.CorrelationID,
		},
	}
}

// Endpoint is a subscriber's registered webhook target.
type Endpoint struct {
	WebhookID   string
	URL         string
	Secret      string
	OwnerID     string
	TenantID    string
	Name        string
	Description string
	Status      Status

	Events  []string
	Filters map[string]interface{}

	CustomHeaders map[string]string

	TimeoutSeconds int
	MaxRetries     int

	CreatedAt       time.Time
	UpdatedAt       time.Time
	LastTriggeredAt *time.Time

	TotalDeliveries      int
	SuccessfulDeliveries int
	FailedDeliveries     int
	ConsecutiveFailures  int
}

// FailureRate returns the fraction of all-time deliveries that failed.
func (e *Endpoint) FailureRate() float64 {
	if e.TotalDeliveries == 0 {
		return 0
	}
	return float64(e.FailedDeliveries) / float64(e.TotalDeliveries)
}

// SubscribesTo reports whether the endpoint receives events of eventType.
func (e *Endpoint) SubscribesTo(eventType string) bool {
	for _, s := range e.Events {
		if s == EventTypeAll || s == eventType {
			return true
		}
	}
	return false
}

// MatchesFilters reports whether event data satisfies every configured
// filter: scalar values require equality, list values require membership,
// and a missing key fails the match.
func (e *Endpoint) MatchesFilters(data map[string]interface{}) bool {
	for key, want := range e.Filters {
		got, ok := data[key]
		if !ok {
			return false
		}
		if list, ok := want.([]interface{}); ok {
			if !containsValue(list, got) {
				return false
			}
			continue
		}
		if got != want {
			return false
		}
	}
	return true
}

func containsValue(list []interface{}, v interface{}) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// RecordSuccess resets the failure streak and bumps the success counters.
func (e *Endpoint) RecordSuccess() {
	e.TotalDeliveries++
	e.SuccessfulDeliveries++
	e.ConsecutiveFailures = 0
	now := time.Now().UTC()
	e.LastTriggeredAt = &now
	e.UpdatedAt = now
}

// RecordFailure bumps the failure streak, auto-disabling the endpoint once
// maxConsecutiveFailures is reached.
func (e *Endpoint) RecordFailure(maxConsecutiveFailures int) {
	e.TotalDeliveries++
	e.FailedDeliveries++
	e.ConsecutiveFailures++
	e.UpdatedAt = time.Now().UTC()
	if maxConsecutiveFailures <= 0 {
		maxConsecutiveFailures = MaxConsecutiveFailures
	}
	if e.ConsecutiveFailures >= maxConsecutiveFailures {
		e.Status = StatusFailed
	}
}

// Attempt is one HTTP delivery try.
type Attempt struct {
	AttemptID     string
	DeliveryID    string
	WebhookID     string
	AttemptNumber int

	URL     string
	Method  string
	Headers map[string]string

	StatusCode      *int
	ResponseBody    string
	ResponseHeaders map[string]string

	StartedAt   time.Time
	CompletedAt *time.Time
	DurationMs  *int64

	Error string
}

// IsSuccessful reports whether the attempt's HTTP status was 2xx.
func (a *Attempt) IsSuccessful() bool {
	return a.StatusCode != nil && *a.StatusCode >= 200 && *a.StatusCode < 300
}

// Complete records the outcome of the in-flight attempt.
func (a *Attempt) Complete(statusCode *int, responseBody string, responseHeaders map[string]string, errMsg string) {
	now := time.Now().UTC()
	a.CompletedAt = &now
	d := now.Sub(a.StartedAt).Milliseconds()
	a.DurationMs = &d
	a.StatusCode = statusCode
	a.ResponseBody = responseBody
	a.ResponseHeaders = responseHeaders
	a.Error = errMsg
	if errMsg == "" && !a.IsSuccessful() {
		code := 0
		if statusCode != nil {
			code = *statusCode
		}
		a.Error = fmt.Sprintf("HTTP %d", code)
	}
}

// Delivery is one persisted, attempt-bounded record of intent to deliver
// one event to one endpoint.
type Delivery struct {
	DeliveryID string
	WebhookID  string
	Event      Event

	Status DeliveryStatus

	Attempts    []*Attempt
	MaxAttempts int

	CreatedAt     time.Time
	NextAttemptAt *time.Time
	CompletedAt   *time.Time

	TenantID string
}

// NewDelivery creates a pending delivery, due immediately.
func NewDelivery(webhookID string, event Event, maxAttempts int, tenantID string) *Delivery {
	now := time.Now().UTC()
	return &Delivery{
		DeliveryID:    fmt.Sprintf("dlv_%s", uuid.New().String()[:16]),
		WebhookID:     webhookID,
		Event:         event,
		Status:        DeliveryPending,
		MaxAttempts:   maxAttempts,
		CreatedAt:     now,
		NextAttemptAt: &now,
		TenantID:      tenantID,
	}
}

// AttemptCount returns the number of attempts made so far.
func (d *Delivery) AttemptCount() int { return len(d.Attempts) }

// AddAttempt appends attempt and transitions status: delivered on success,
// retrying with exponential backoff on failure under budget, expired once
// the attempt budget is exhausted.
func (d *Delivery) AddAttempt(attempt *Attempt) {
	d.Attempts = append(d.Attempts, attempt)
	now := time.Now().UTC()

	if attempt.IsSuccessful() {
		d.Status = DeliveryDelivered
		d.CompletedAt = &now
		return
	}

	if d.AttemptCount() < d.MaxAttempts {
		d.Status = DeliveryRetrying
		delaySeconds := 60 * (1 << uint(d.AttemptCount()-1)) // 60, 120, 240, 480, 960...
		next := now.Add(time.Duration(delaySeconds) * time.Second)
		d.NextAttemptAt = &next
	} else {
		d.Status = DeliveryExpired
		d.CompletedAt = &now
	}
}

// TestResult is the outcome of an out-of-band test ping.
type TestResult struct {
	WebhookID      string
	Success        bool
	StatusCode     *int
	ResponseTimeMs int64
	Error          string
	TestedAt       time.Time
}

package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"eventbackbone/internal/apperrors"
	"eventbackbone/internal/eventbus"
	"eventbackbone/internal/logger"
	"eventbackbone/internal/signer"
	"eventbackbone/internal/store"
)

const maxResponseBodyCapture = 1000

// Service manages webhook endpoints, publishes events as deliveries, and
// runs the background delivery loop.
type Service struct {
	cfg Config
	log *logger.Logger

	endpoints  *store.IndexedStore[*Endpoint]
	deliveries *store.IndexedStore[*Delivery]

	bus *eventbus.Bus

	httpClient *http.Client

	breakersMu sync.Mutex
	breakers   map[string]*gobreaker.CircuitBreaker

	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex // guards endpoint/delivery writes
}

// New creates a webhook Service with empty endpoint and delivery stores.
func New(cfg Config, log *logger.Logger, bus *eventbus.Bus) *Service {
	endpoints := store.NewIndexedStore[*Endpoint]()
	endpoints.RegisterIndex("owner", func(e *Endpoint) []string { return []string{e.OwnerID} })
	endpoints.RegisterIndex("tenant", func(e *Endpoint) []string { return []string{e.TenantID} })
	endpoints.RegisterIndex("event", func(e *Endpoint) []string { return e.Events })

	deliveries := store.NewIndexedStore[*Delivery]()
	deliveries.RegisterIndex("webhook", func(d *Delivery) []string { return []string{d.WebhookID} })
	deliveries.RegisterIndex("status", func(d *Delivery) []string { return []string{string(d.Status)} })

	return &Service{
		cfg:        cfg,
		log:        log.With("webhook"),
		endpoints:  endpoints,
		deliveries: deliveries,
		bus:        bus,
		httpClient: &http.Client{},
		breakers:   make(map[string]*gobreaker.CircuitBreaker),
	}
}

// ==================== Endpoint CRUD ====================

// CreateEndpointRequest carries the fields a caller may set when
// registering a webhook endpoint.
type CreateEndpointRequest struct {
	URL            string
	OwnerID        string
	TenantID       string
	Name           string
	Description    string
	Events         []string
	Filters        map[string]interface{}
	CustomHeaders  map[string]string
	TimeoutSeconds int
	MaxRetries     int
}

// CreateEndpoint registers a new endpoint, generating its signing secret.
// Returns the endpoint and the plaintext secret (the only time it is ever
// returned in full).
func (s *Service) CreateEndpoint(req CreateEndpointRequest) (*Endpoint, string, error) {
	if req.URL == "" {
		return nil, "", apperrors.New(apperrors.InvalidPayload, "webhook url is required")
	}
	if err := s.validateCustomHeaders(req.CustomHeaders); err != nil {
		return nil, "", err
	}

	s.mu.Lock()
	count := s.endpoints.Count("owner", req.OwnerID)
	s.mu.Unlock()
	if s.cfg.MaxWebhooksPerOwner > 0 && count >= s.cfg.MaxWebhooksPerOwner {
		return nil, "", apperrors.New(apperrors.InvalidPayload, fmt.Sprintf("maximum webhooks (%d) exceeded for owner", s.cfg.MaxWebhooksPerOwner))
	}

	secret, err := signer.GenerateSecret()
	if err != nil {
		return nil, "", err
	}

	events := req.Events
	if len(events) == 0 {
		events = []string{EventTypeAll}
	}

	timeout := req.TimeoutSeconds
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeoutSeconds
	}
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = s.cfg.DefaultMaxRetries
	}

	now := time.Now().UTC()
	endpoint := &Endpoint{
		WebhookID:      fmt.Sprintf("whk_%s", uuid.New().String()[:16]),
		URL:            req.URL,
		Secret:         secret,
		OwnerID:        req.OwnerID,
		TenantID:       req.TenantID,
		Name:           req.Name,
		Description:    req.Description,
		Status:         StatusActive,
		Events:         events,
		Filters:        req.Filters,
		CustomHeaders:  req.CustomHeaders,
		TimeoutSeconds: timeout,
		MaxRetries:     maxRetries,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	s.mu.Lock()
	s.endpoints.Put(endpoint.WebhookID, endpoint)
	s.mu.Unlock()

	s.log.Info("created webhook %s for owner %s", endpoint.WebhookID, req.OwnerID)
	return endpoint, secret, nil
}

// validateCustomHeaders rejects any header name that would collide with a
// protocol header this service sets on every delivery request. Per the
// header-precedence redesign, custom headers are applied before protocol
// headers so a caller can never shadow the signature or correlation
// headers by naming a custom header after them; rejecting the name here
// makes that invariant visible at creation time instead of silently.
func (s *Service) validateCustomHeaders(headers map[string]string) error {
	if len(headers) == 0 {
		return nil
	}
	reserved := s.cfg.reservedHeaders()
	for name := range headers {
		if reserved[textproto.CanonicalMIMEHeaderKey(name)] {
			return apperrors.New(apperrors.InvalidPayload, fmt.Sprintf("header %q is reserved for protocol use", name))
		}
	}
	return nil
}

// UpdateEndpointRequest carries the mutable endpoint fields; nil or
// zero-valued fields keep their current value.
type UpdateEndpointRequest struct {
	URL            string
	Name           string
	Description    string
	Events         []string
	Filters        map[string]interface{}
	CustomHeaders  map[string]string
	TimeoutSeconds int
	MaxRetries     int
}

// UpdateEndpoint applies req to an existing endpoint. Custom headers are
// validated against the reserved protocol header names, same as creation.
func (s *Service) UpdateEndpoint(id string, req UpdateEndpointRequest) (*Endpoint, error) {
	e, err := s.GetEndpoint(id)
	if err != nil {
		return nil, err
	}
	if req.CustomHeaders != nil {
		if err := s.validateCustomHeaders(req.CustomHeaders); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if req.URL != "" {
		e.URL = req.URL
	}
	if req.Name != "" {
		e.Name = req.Name
	}
	if req.Description != "" {
		e.Description = req.Description
	}
	if req.Events != nil {
		e.Events = req.Events
	}
	if req.Filters != nil {
		e.Filters = req.Filters
	}
	if req.CustomHeaders != nil {
		e.CustomHeaders = req.CustomHeaders
	}
	if req.TimeoutSeconds > 0 {
		e.TimeoutSeconds = req.TimeoutSeconds
	}
	if req.MaxRetries > 0 {
		e.MaxRetries = req.MaxRetries
	}
	e.UpdatedAt = time.Now().UTC()
	s.endpoints.Put(id, e)
	return e, nil
}

// GetEndpoint returns the endpoint stored under id.
func (s *Service) GetEndpoint(id string) (*Endpoint, error) {
	e, ok := s.endpoints.Get(id)
	if !ok {
		return nil, apperrors.New(apperrors.NotFound, "webhook not found: "+id)
	}
	return e, nil
}

// ListEndpointsByOwner returns every endpoint owned by ownerID.
func (s *Service) ListEndpointsByOwner(ownerID string) []*Endpoint {
	return s.endpoints.ByIndex("owner", ownerID)
}

// DeleteEndpoint removes an endpoint; its deliveries remain for audit but
// will be expired on their next processing attempt since the endpoint
// lookup will fail.
func (s *Service) DeleteEndpoint(id string) error {
	if _, ok := s.endpoints.Get(id); !ok {
		return apperrors.New(apperrors.NotFound, "webhook not found: "+id)
	}
	s.endpoints.Delete(id)
	return nil
}

func (s *Service) setStatus(id string, status Status) (*Endpoint, error) {
	e, err := s.GetEndpoint(id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	e.Status = status
	if status == StatusActive {
		e.ConsecutiveFailures = 0
	}
	e.UpdatedAt = time.Now().UTC()
	s.endpoints.Put(id, e)
	s.mu.Unlock()
	return e, nil
}

// PauseEndpoint stops deliveries to id until resumed.
func (s *Service) PauseEndpoint(id string) (*Endpoint, error) { return s.setStatus(id, StatusPaused) }

// ResumeEndpoint reactivates a paused or failed endpoint and resets its
// consecutive-failure counter.
func (s *Service) ResumeEndpoint(id string) (*Endpoint, error) { return s.setStatus(id, StatusActive) }

// DisableEndpoint permanently stops deliveries to id.
func (s *Service) DisableEndpoint(id string) (*Endpoint, error) {
	return s.setStatus(id, StatusDisabled)
}

// RotateSecret replaces the endpoint's signing secret atomically. In-flight
// deliveries already have their signature computed at send time and are
// unaffected; any delivery processed after rotation uses the new secret.
func (s *Service) RotateSecret(id string) (*Endpoint, string, error) {
	e, err := s.GetEndpoint(id)
	if err != nil {
		return nil, "", err
	}
	secret, err := signer.GenerateSecret()
	if err != nil {
		return nil, "", err
	}
	s.mu.Lock()
	e.Secret = secret
	e.UpdatedAt = time.Now().UTC()
	s.endpoints.Put(id, e)
	s.mu.Unlock()
	return e, secret, nil
}

// ==================== Publish ====================

// Publish creates a delivery for every endpoint subscribed to eventType
// whose filters match data, returning the created deliveries.
func (s *Service) Publish(eventType string, data map[string]interface{}, tenantID, userID, correlationID string) []*Delivery {
	event := NewEvent(eventType, data, tenantID, userID, correlationID)

	candidates := s.endpoints.ByIndex("event", eventType)
	candidates = append(candidates, s.endpoints.ByIndex("event", EventTypeAll)...)

	seen := make(map[string]bool, len(candidates))
	var deliveries []*Delivery
	for _, e := range candidates {
		if seen[e.WebhookID] {
			continue
		}
		seen[e.WebhookID] = true
		if e.Status != StatusActive {
			continue
		}
		if tenantID != "" && e.TenantID != "" && e.TenantID != tenantID {
			continue
		}
		if !e.MatchesFilters(data) {
			continue
		}

		delivery := NewDelivery(e.WebhookID, event, e.MaxRetries, tenantID)
		s.mu.Lock()
		s.deliveries.Put(delivery.DeliveryID, delivery)
		s.mu.Unlock()
		deliveries = append(deliveries, delivery)
	}

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Topic: eventType, Timestamp: event.Timestamp, Data: data})
	}

	s.log.Info("published event %s to %d webhooks", eventType, len(deliveries))
	return deliveries
}

// ==================== Delivery processing ====================

func (s *Service) breakerFor(webhookID string) *gobreaker.CircuitBreaker {
	s.breakersMu.Lock()
	defer s.breakersMu.Unlock()
	if cb, ok := s.breakers[webhookID]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        webhookID,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			s.log.Warn("circuit breaker for webhook %s changed from %s to %s", name, from, to)
		},
	})
	s.breakers[webhookID] = cb
	return cb
}

// processDelivery sends one HTTP attempt for delivery and folds the
// outcome into its status and the endpoint's health counters.
func (s *Service) processDelivery(ctx context.Context, delivery *Delivery) {
	endpoint, err := s.GetEndpoint(delivery.WebhookID)
	if err != nil || endpoint.Status != StatusActive {
		s.mu.Lock()
		delivery.Status = DeliveryExpired
		now := time.Now().UTC()
		delivery.CompletedAt = &now
		s.deliveries.Put(delivery.DeliveryID, delivery)
		s.mu.Unlock()
		return
	}

	attempt := &Attempt{
		AttemptID:     fmt.Sprintf("att_%s", uuid.New().String()[:16]),
		DeliveryID:    delivery.DeliveryID,
		WebhookID:     endpoint.WebhookID,
		AttemptNumber: delivery.AttemptCount() + 1,
		URL:           endpoint.URL,
		Method:        http.MethodPost,
		StartedAt:     time.Now().UTC(),
	}

	payload, err := json.Marshal(delivery.Event.toEnvelope())
	if err != nil {
		attempt.Complete(nil, "", nil, fmt.Sprintf("failed to encode event: %v", err))
	} else {
		timestamp := time.Now().UTC()
		headers := s.buildHeaders(endpoint, delivery, string(payload), attempt.AttemptNumber, timestamp)
		attempt.Headers = headers

		statusCode, body, respHeaders, sendErr := s.send(ctx, endpoint, payload, headers)
		if sendErr != nil {
			attempt.Complete(nil, "", nil, sendErr.Error())
		} else {
			attempt.Complete(&statusCode, body, respHeaders, "")
		}
	}

	s.mu.Lock()
	delivery.AddAttempt(attempt)
	s.deliveries.Put(delivery.DeliveryID, delivery)

	if attempt.IsSuccessful() {
		endpoint.RecordSuccess()
	} else {
		endpoint.RecordFailure(s.cfg.MaxConsecutiveFailures)
	}
	s.endpoints.Put(endpoint.WebhookID, endpoint)
	s.mu.Unlock()

	s.log.Info("delivery %s attempt %d: %s", delivery.DeliveryID, attempt.AttemptNumber, attempt.Status())
}

// buildHeaders applies custom headers first, then overwrites with protocol
// headers, so an endpoint's custom_headers can never shadow the real
// signature or correlation headers (see header-precedence redesign note).
func (s *Service) buildHeaders(endpoint *Endpoint, delivery *Delivery, payload string, attemptNumber int, timestamp time.Time) map[string]string {
	headers := make(map[string]string, len(endpoint.CustomHeaders)+8)
	for k, v := range endpoint.CustomHeaders {
		headers[k] = v
	}

	headers["Content-Type"] = "application/json"
	headers["User-Agent"] = "eventbackbone-webhooks/1.0"
	headers[s.cfg.SignatureHeader] = signer.Sign(endpoint.Secret, payload, timestamp)
	headers[s.cfg.TimestampHeader] = fmt.Sprintf("%d", timestamp.Unix())
	headers["X-Webhook-ID"] = endpoint.WebhookID
	headers["X-Event-ID"] = delivery.Event.EventID
	headers["X-Event-Type"] = delivery.Event.EventType
	headers["X-Delivery-ID"] = delivery.DeliveryID
	headers["X-Attempt-Number"] = fmt.Sprintf("%d", attemptNumber)

	return headers
}

// send issues the HTTP POST for an attempt through the endpoint's
// per-webhook circuit breaker. A tripped breaker rejects the call without
// making the network request, returning gobreaker's open-state error, which
// feeds the same retry bookkeeping as any other failed attempt.
func (s *Service) send(ctx context.Context, endpoint *Endpoint, payload []byte, headers map[string]string) (int, string, map[string]string, error) {
	timeout := time.Duration(endpoint.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = time.Duration(s.cfg.DefaultTimeoutSeconds) * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		statusCode int
		body       string
		headers    map[string]string
	}

	breaker := s.breakerFor(endpoint.WebhookID)
	res, err := breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint.URL, bytes.NewReader(payload))
		if err != nil {
			return nil, apperrors.Wrap(apperrors.InvalidPayload, "failed to build webhook request", err)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := s.httpClient.Do(req)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ProviderConnectionError, "webhook request failed", err)
		}
		defer resp.Body.Close()

		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyCapture))
		respHeaders := make(map[string]string, len(resp.Header))
		for k := range resp.Header {
			respHeaders[k] = resp.Header.Get(k)
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return result{resp.StatusCode, string(body), respHeaders}, apperrors.New(apperrors.ProviderConnectionError, fmt.Sprintf("non-2xx response: %d", resp.StatusCode))
		}
		return result{resp.StatusCode, string(body), respHeaders}, nil
	})

	if res == nil {
		return 0, "", nil, err
	}
	r := res.(result)
	if err != nil && r.statusCode == 0 {
		return 0, "", nil, err
	}
	// a non-2xx response still carries a status code; surface it without
	// treating the call as a transport error.
	if r.statusCode != 0 {
		return r.statusCode, r.body, r.headers, nil
	}
	return 0, "", nil, err
}

// Status returns a human-readable attempt outcome for logging.
func (a *Attempt) Status() string {
	if a.IsSuccessful() {
		return "success"
	}
	return "failed"
}

// GetDueDeliveries returns pending/retrying deliveries whose next attempt
// time has arrived, ordered earliest-first.
func (s *Service) GetDueDeliveries(limit int) []*Delivery {
	pending := s.deliveries.ByIndex("status", string(DeliveryPending))
	retrying := s.deliveries.ByIndex("status", string(DeliveryRetrying))
	all := append(pending, retrying...)

	now := time.Now().UTC()
	due := make([]*Delivery, 0, len(all))
	for _, d := range all {
		if d.NextAttemptAt != nil && !d.NextAttemptAt.After(now) {
			due = append(due, d)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextAttemptAt.Before(*due[j].NextAttemptAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due
}

// GetDelivery returns the delivery stored under id.
func (s *Service) GetDelivery(id string) (*Delivery, error) {
	d, ok := s.deliveries.Get(id)
	if !ok {
		return nil, apperrors.New(apperrors.NotFound, "delivery not found: "+id)
	}
	return d, nil
}

// ListDeliveries returns up to limit deliveries for a webhook, most recent
// first.
func (s *Service) ListDeliveries(webhookID string, limit int) []*Delivery {
	all := s.deliveries.ByIndex("webhook", webhookID)
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all
}

// RetryDelivery manually retries a non-delivered delivery, immediately
// processing one additional attempt without resetting the attempt
// counter.
func (s *Service) RetryDelivery(ctx context.Context, deliveryID string) (*Delivery, error) {
	delivery, err := s.GetDelivery(deliveryID)
	if err != nil {
		return nil, err
	}
	if delivery.Status == DeliveryDelivered {
		return nil, apperrors.New(apperrors.InvalidPayload, "cannot retry a delivered delivery")
	}

	s.mu.Lock()
	delivery.Status = DeliveryRetrying
	now := time.Now().UTC()
	delivery.NextAttemptAt = &now
	s.deliveries.Put(delivery.DeliveryID, delivery)
	s.mu.Unlock()

	s.processDelivery(ctx, delivery)
	return delivery, nil
}

// TestPing sends a synthetic system.health event directly to the endpoint
// with no persisted delivery record, for connectivity checks.
func (s *Service) TestPing(ctx context.Context, webhookID string) (*TestResult, error) {
	endpoint, err := s.GetEndpoint(webhookID)
	if err != nil {
		return nil, err
	}

	event := NewEvent("system.health", map[string]interface{}{
		"type":       "test",
		"message":    "this is a test webhook delivery",
		"webhook_id": webhookID,
	}, endpoint.TenantID, "", "")

	payload, err := json.Marshal(event.toEnvelope())
	if err != nil {
		return nil, apperrors.Wrap(apperrors.InvalidPayload, "failed to encode test event", err)
	}

	timestamp := time.Now().UTC()
	headers := make(map[string]string, len(endpoint.CustomHeaders)+4)
	for k, v := range endpoint.CustomHeaders {
		headers[k] = v
	}
	headers["Content-Type"] = "application/json"
	headers["User-Agent"] = "eventbackbone-webhooks/1.0"
	headers[s.cfg.SignatureHeader] = signer.Sign(endpoint.Secret, string(payload), timestamp)
	headers[s.cfg.TimestampHeader] = fmt.Sprintf("%d", timestamp.Unix())
	headers["X-Webhook-Test"] = "true"

	timeout := time.Duration(endpoint.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = time.Duration(s.cfg.DefaultTimeoutSeconds) * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now().UTC()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.InvalidPayload, "failed to build test request", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := s.httpClient.Do(req)
	result := &TestResult{WebhookID: webhookID, TestedAt: time.Now().UTC()}
	if err != nil {
		result.Success = false
		result.Error = err.Error()
		return result, nil
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	result.ResponseTimeMs = time.Since(start).Milliseconds()
	result.StatusCode = &resp.StatusCode
	result.Success = resp.StatusCode >= 200 && resp.StatusCode < 300
	return result, nil
}

// ==================== Background delivery loop ====================

// Start launches the background delivery loop. Call Stop to shut it down.
func (s *Service) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go s.loop(ctx)
	s.log.Info("webhook delivery loop started, interval=%s", s.cfg.DeliveryPollInterval)
}

// Stop cancels the delivery loop and waits for it to exit.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.log.Info("webhook delivery loop stopped")
}

func (s *Service) loop(ctx context.Context) {
	defer s.wg.Done()
	interval := s.cfg.DeliveryPollInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, delivery := range s.GetDueDeliveries(50) {
				select {
				case <-ctx.Done():
					return
				default:
				}
				s.processDelivery(ctx, delivery)
			}
		}
	}
}

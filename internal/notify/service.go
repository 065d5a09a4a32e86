package notify

import (
	"context"
	"sort"
	"sync"
	"time"

	"eventbackbone/internal/apperrors"
	"eventbackbone/internal/eventbus"
	"eventbackbone/internal/logger"
	"eventbackbone/internal/store"
)

// Service is the main notification pipeline: rate-limit gate, preference
// gate, persistence, provider dispatch, and a background processor for
// deferred/retried notifications.
type Service struct {
	cfg Config
	log *logger.Logger

	notifications *store.IndexedStore[*Notification]

	templatesMu sync.RWMutex
	templates   map[string]*Template

	preferencesMu sync.RWMutex
	preferences   map[string]*Preferences

	registry *Registry
	renderer *Renderer
	limiter  RateLimiter
	bus      *eventbus.Bus

	mu sync.Mutex // guards notification store writes

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Service with an empty notification store.
func New(cfg Config, log *logger.Logger, registry *Registry, renderer *Renderer, limiter RateLimiter, bus *eventbus.Bus) *Service {
	notifications := store.NewIndexedStore[*Notification]()
	notifications.RegisterIndex("user", func(n *Notification) []string { return []string{n.Recipient.UserID} })
	notifications.RegisterIndex("status", func(n *Notification) []string { return []string{string(n.Status)} })
	notifications.RegisterIndex("tenant", func(n *Notification) []string { return []string{n.TenantID} })

	if limiter == nil {
		limiter = NewMemoryRateLimiter()
	}
	if renderer == nil {
		renderer = NewRenderer(0)
	}
	if registry == nil {
		registry = NewRegistry()
	}

	return &Service{
		cfg:           cfg,
		log:           log.With("notify"),
		notifications: notifications,
		templates:     make(map[string]*Template),
		preferences:   make(map[string]*Preferences),
		registry:      registry,
		renderer:      renderer,
		limiter:       limiter,
		bus:           bus,
	}
}

// RegisterProvider adds provider to the service's provider registry.
func (s *Service) RegisterProvider(provider Provider) { s.registry.Register(provider) }

// ==================== Core send path ====================

// Send runs the full send pipeline for notification: rate-limit gate,
// optional preference gate, persistence, and (unless deferred) immediate
// provider dispatch.
func (s *Service) Send(ctx context.Context, n *Notification, checkPreferences bool) (*Notification, error) {
	userID := n.Recipient.UserID

	allowed, err := s.limiter.Allow(ctx, userID, s.cfg.MaxNotificationsPerUserPerHour, s.cfg.MaxNotificationsPerUserPerDay)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ProviderConnectionError, "rate limit check failed", err)
	}
	if !allowed {
		return nil, apperrors.New(apperrors.RateLimitExceeded, "rate limit exceeded for user "+userID)
	}

	if checkPreferences {
		prefs := s.getOrCreatePreferences(userID)
		if !prefs.ShouldSend(n.Channel, n.Category, n.Priority) {
			return nil, apperrors.New(apperrors.PreferencesBlocked, "user preferences block this notification")
		}
	}

	s.save(n)
	if err := s.limiter.Increment(ctx, userID); err != nil {
		s.log.Warn("rate limit increment failed for user %s: %v", userID, err)
	}

	if n.IsScheduled() {
		s.log.Info("notification %s scheduled for later delivery", n.NotificationID)
		return n, nil
	}

	provider, ok := s.registry.Get(n.Channel)
	if !ok {
		s.mu.Lock()
		n.Status = StatusFailed
		s.notifications.Put(n.NotificationID, n)
		s.mu.Unlock()
		return n, apperrors.New(apperrors.ProviderNotConfigured, "no provider configured for "+string(n.Channel))
	}

	s.deliver(ctx, n, provider)
	s.emitSent(n)
	return n, nil
}

// SendFromTemplate renders templateID against data and sends the result to
// recipient.
func (s *Service) SendFromTemplate(ctx context.Context, templateID string, recipient Recipient, data map[string]interface{}) (*Notification, error) {
	tmpl, err := s.GetTemplate(templateID)
	if err != nil {
		return nil, err
	}

	content := s.renderer.Render(tmpl, data)
	n := NewNotification(tmpl.Channel, tmpl.Category, tmpl.DefaultPriority, recipient, content)
	n.TemplateID = templateID
	n.TemplateData = data

	return s.Send(ctx, n, true)
}

// SendBulk sends every notification in ns, grouping by channel so each
// provider's batch path can be exercised, with an inter-batch delay of
// cfg.BatchDelay between chunks of cfg.BatchSize.
func (s *Service) SendBulk(ctx context.Context, ns []*Notification, checkPreferences bool) []*Notification {
	byChannel := make(map[ChannelType][]*Notification)
	var order []ChannelType
	for _, n := range ns {
		if _, ok := byChannel[n.Channel]; !ok {
			order = append(order, n.Channel)
		}
		byChannel[n.Channel] = append(byChannel[n.Channel], n)
	}

	var results []*Notification
	for _, channel := range order {
		group := byChannel[channel]
		provider, ok := s.registry.Get(channel)
		if !ok {
			for _, n := range group {
				n.Status = StatusFailed
				s.save(n)
				results = append(results, n)
			}
			continue
		}

		batchSize := s.cfg.BatchSize
		if batchSize <= 0 {
			batchSize = len(group)
		}
		for i := 0; i < len(group); i += batchSize {
			end := i + batchSize
			if end > len(group) {
				end = len(group)
			}
			batch := group[i:end]

			deliverable := make([]*Notification, 0, len(batch))
			for _, n := range batch {
				if checkPreferences {
					prefs := s.getOrCreatePreferences(n.Recipient.UserID)
					if !prefs.ShouldSend(n.Channel, n.Category, n.Priority) {
						n.Status = StatusCancelled
						s.save(n)
						results = append(results, n)
						continue
					}
				}
				s.save(n)
				deliverable = append(deliverable, n)
			}

			s.deliverBatch(ctx, deliverable, provider)
			for _, n := range deliverable {
				s.emitSent(n)
				results = append(results, n)
			}

			if end < len(group) && s.cfg.BatchDelay > 0 {
				select {
				case <-ctx.Done():
					return results
				case <-time.After(s.cfg.BatchDelay):
				}
			}
		}
	}
	return results
}

// deliver invokes provider for n, recording the outcome as an attempt and
// transitioning n's status accordingly.
func (s *Service) deliver(ctx context.Context, n *Notification, provider Provider) {
	s.mu.Lock()
	n.Status = StatusSending
	s.mu.Unlock()

	attempt := &Attempt{
		AttemptID:     newAttemptID(),
		AttemptNumber: n.AttemptCount() + 1,
		Channel:       provider.Type(),
		StartedAt:     time.Now().UTC(),
	}

	result, err := provider.Send(ctx, n)
	if err != nil {
		result = &ProviderResult{Success: false, ErrorCode: "UNKNOWN_ERROR", ErrorMessage: err.Error(), Retryable: true}
	}
	attempt.Complete(result)

	s.mu.Lock()
	n.AddAttempt(attempt)
	s.notifications.Put(n.NotificationID, n)
	s.mu.Unlock()

	s.log.Info("notification %s attempt %d via %s: success=%v", n.NotificationID, attempt.AttemptNumber, provider.Name(), result.Success)
}

// deliverBatch invokes provider's batch path for ns, recording one attempt
// per notification. A batch-level error or a result-count mismatch falls
// back to per-item delivery.
func (s *Service) deliverBatch(ctx context.Context, ns []*Notification, provider Provider) {
	if len(ns) == 0 {
		return
	}

	s.mu.Lock()
	for _, n := range ns {
		n.Status = StatusSending
	}
	s.mu.Unlock()

	started := time.Now().UTC()
	batchResults, err := provider.SendBatch(ctx, ns)
	if err != nil || len(batchResults) != len(ns) {
		for _, n := range ns {
			s.deliver(ctx, n, provider)
		}
		return
	}

	s.mu.Lock()
	for i, n := range ns {
		attempt := &Attempt{
			AttemptID:     newAttemptID(),
			AttemptNumber: n.AttemptCount() + 1,
			Channel:       provider.Type(),
			StartedAt:     started,
		}
		attempt.Complete(batchResults[i])
		n.AddAttempt(attempt)
		s.notifications.Put(n.NotificationID, n)
	}
	s.mu.Unlock()
}

func (s *Service) save(n *Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications.Put(n.NotificationID, n)
}

func (s *Service) emitSent(n *Notification) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{
		Topic:     "notification.sent",
		Timestamp: time.Now().UTC(),
		Data: map[string]interface{}{
			"notification_id": n.NotificationID,
			"user_id":         n.Recipient.UserID,
			"channel":         string(n.Channel),
			"status":          string(n.Status),
		},
	})
}

// ==================== Notification management ====================

// GetNotification returns the notification stored under id.
func (s *Service) GetNotification(id string) (*Notification, error) {
	n, ok := s.notifications.Get(id)
	if !ok {
		return nil, apperrors.New(apperrors.NotFound, "notification not found: "+id)
	}
	return n, nil
}

// ListUserNotifications returns up to limit notifications for userID
// (optionally filtered by status), newest first, alongside the user's
// total and unread counts.
func (s *Service) ListUserNotifications(userID string, statuses []Status, offset, limit int) (notifications []*Notification, total, unread int) {
	all := s.notifications.ByIndex("user", userID)
	total = len(all)

	for _, n := range all {
		if n.Status != StatusRead && n.Status != StatusCancelled {
			unread++
		}
	}

	filtered := all
	if len(statuses) > 0 {
		allowed := make(map[Status]bool, len(statuses))
		for _, st := range statuses {
			allowed[st] = true
		}
		filtered = make([]*Notification, 0, len(all))
		for _, n := range all {
			if allowed[n.Status] {
				filtered = append(filtered, n)
			}
		}
	}

	sort.Slice(filtered, func(i, j int) bool { return filtered[i].CreatedAt.After(filtered[j].CreatedAt) })

	if offset > len(filtered) {
		offset = len(filtered)
	}
	end := offset + limit
	if limit <= 0 || end > len(filtered) {
		end = len(filtered)
	}
	return filtered[offset:end], total, unread
}

// readableStatuses are the statuses mark_as_read may transition out of;
// read from failed/cancelled/expired/already-read is rejected rather than
// silently overwriting status.
var readableStatuses = map[Status]bool{
	StatusSent:      true,
	StatusDelivered: true,
	StatusPending:   true,
}

// MarkAsRead marks notification id as read. If userID is non-empty, the
// notification's recipient must match it.
func (s *Service) MarkAsRead(id, userID string) (*Notification, error) {
	n, err := s.GetNotification(id)
	if err != nil {
		return nil, err
	}
	if userID != "" && n.Recipient.UserID != userID {
		return nil, apperrors.New(apperrors.NotFound, "notification not found: "+id)
	}
	if !readableStatuses[n.Status] {
		return nil, apperrors.New(apperrors.InvalidPayload, "cannot mark as read from status "+string(n.Status))
	}

	s.mu.Lock()
	n.MarkRead()
	s.notifications.Put(id, n)
	s.mu.Unlock()
	return n, nil
}

// MarkAllAsRead marks every readable notification for userID as read,
// returning the count transitioned.
func (s *Service) MarkAllAsRead(userID string) int {
	all := s.notifications.ByIndex("user", userID)
	count := 0

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range all {
		if readableStatuses[n.Status] {
			n.MarkRead()
			s.notifications.Put(n.NotificationID, n)
			count++
		}
	}
	return count
}

// CancelNotification cancels a still-pending/queued notification.
func (s *Service) CancelNotification(id string) (*Notification, error) {
	n, err := s.GetNotification(id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !n.Cancel() {
		return nil, apperrors.New(apperrors.InvalidPayload, "cannot cancel notification in status "+string(n.Status))
	}
	s.notifications.Put(id, n)
	return n, nil
}

// DeleteNotification removes notification id, optionally verifying
// ownership by userID.
func (s *Service) DeleteNotification(id, userID string) bool {
	n, ok := s.notifications.Get(id)
	if !ok {
		return false
	}
	if userID != "" && n.Recipient.UserID != userID {
		return false
	}
	s.mu.Lock()
	s.notifications.Delete(id)
	s.mu.Unlock()
	return true
}

// ==================== Template management ====================

// CreateTemplate registers a new active template.
func (s *Service) CreateTemplate(t *Template) *Template {
	s.templatesMu.Lock()
	defer s.templatesMu.Unlock()
	s.templates[t.TemplateID] = t
	return t
}

// GetTemplate returns the template stored under id.
func (s *Service) GetTemplate(id string) (*Template, error) {
	s.templatesMu.RLock()
	defer s.templatesMu.RUnlock()
	t, ok := s.templates[id]
	if !ok {
		return nil, apperrors.New(apperrors.NotFound, "template not found: "+id)
	}
	return t, nil
}

// UpdateTemplate replaces the stored template, bumping its version so
// memoized renders of the previous revision are never reused.
func (s *Service) UpdateTemplate(t *Template) (*Template, error) {
	s.templatesMu.Lock()
	defer s.templatesMu.Unlock()
	existing, ok := s.templates[t.TemplateID]
	if !ok {
		return nil, apperrors.New(apperrors.NotFound, "template not found: "+t.TemplateID)
	}
	t.Version = existing.Version + 1
	t.CreatedAt = existing.CreatedAt
	t.UpdatedAt = time.Now().UTC()
	s.templates[t.TemplateID] = t
	return t, nil
}

// DeleteTemplate removes the template stored under id.
func (s *Service) DeleteTemplate(id string) bool {
	s.templatesMu.Lock()
	defer s.templatesMu.Unlock()
	if _, ok := s.templates[id]; !ok {
		return false
	}
	delete(s.templates, id)
	return true
}

// ListTemplates returns every active template, optionally filtered by
// channel.
func (s *Service) ListTemplates(channel ChannelType) []*Template {
	s.templatesMu.RLock()
	defer s.templatesMu.RUnlock()
	var out []*Template
	for _, t := range s.templates {
		if !t.IsActive {
			continue
		}
		if channel != "" && t.Channel != channel {
			continue
		}
		out = append(out, t)
	}
	return out
}

// ==================== Preferences management ====================

func (s *Service) getOrCreatePreferences(userID string) *Preferences {
	s.preferencesMu.Lock()
	defer s.preferencesMu.Unlock()
	if p, ok := s.preferences[userID]; ok {
		return p
	}
	p := DefaultPreferences(userID)
	s.preferences[userID] = p
	return p
}

// GetPreferences returns userID's preferences, creating defaults on first
// access.
func (s *Service) GetPreferences(userID string) *Preferences {
	return s.getOrCreatePreferences(userID)
}

// SetPreferences replaces userID's preference record wholesale.
func (s *Service) SetPreferences(p *Preferences) {
	s.preferencesMu.Lock()
	defer s.preferencesMu.Unlock()
	p.UpdatedAt = time.Now().UTC()
	s.preferences[p.UserID] = p
}

// RegisterDevice adds deviceToken to userID's device-token list for push
// notifications, if not already present.
func (s *Service) RegisterDevice(userID, deviceToken string) *Preferences {
	s.preferencesMu.Lock()
	defer s.preferencesMu.Unlock()
	p := s.preferencesLocked(userID)
	for _, tok := range p.DeviceTokens {
		if tok == deviceToken {
			return p
		}
	}
	p.DeviceTokens = append(p.DeviceTokens, deviceToken)
	p.UpdatedAt = time.Now().UTC()
	return p
}

// UnregisterDevice removes deviceToken from userID's device-token list.
func (s *Service) UnregisterDevice(userID, deviceToken string) *Preferences {
	s.preferencesMu.Lock()
	defer s.preferencesMu.Unlock()
	p := s.preferencesLocked(userID)
	for i, tok := range p.DeviceTokens {
		if tok == deviceToken {
			p.DeviceTokens = append(p.DeviceTokens[:i], p.DeviceTokens[i+1:]...)
			p.UpdatedAt = time.Now().UTC()
			break
		}
	}
	return p
}

// preferencesLocked returns (creating if absent) userID's preferences.
// Callers must hold preferencesMu.
func (s *Service) preferencesLocked(userID string) *Preferences {
	if p, ok := s.preferences[userID]; ok {
		return p
	}
	p := DefaultPreferences(userID)
	s.preferences[userID] = p
	return p
}

// ==================== Background processing ====================

// ProcessPending dispatches up to limit notifications that are pending,
// not scheduled for later, and not expired, returning the count processed.
func (s *Service) ProcessPending(ctx context.Context, limit int) int {
	candidates := s.notifications.ByIndex("status", string(StatusPending))
	processed := 0

	for _, n := range candidates {
		if processed >= limit {
			break
		}
		if n.IsScheduled() {
			continue
		}
		if n.IsExpired() {
			s.mu.Lock()
			n.Status = StatusCancelled
			s.notifications.Put(n.NotificationID, n)
			s.mu.Unlock()
			continue
		}

		provider, ok := s.registry.Get(n.Channel)
		if !ok {
			continue
		}
		s.deliver(ctx, n, provider)
		s.emitSent(n)
		processed++
	}
	return processed
}

// Start launches the background pending-notification processor. Call Stop
// to shut it down.
func (s *Service) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go s.loop(ctx)
	s.log.Info("notification pending processor started, interval=%s", s.cfg.PendingPollInterval)
}

// Stop cancels the background processor and waits for it to exit.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.log.Info("notification pending processor stopped")
}

func (s *Service) loop(ctx context.Context) {
	defer s.wg.Done()
	interval := s.cfg.PendingPollInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.ProcessPending(ctx, 100); n > 0 {
				s.log.Info("processed %d pending notifications", n)
			}
		}
	}
}

// ==================== Cleanup ====================

// CleanupOldNotifications deletes every notification older than days,
// returning the count removed.
func (s *Service) CleanupOldNotifications(days int) int {
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	all := s.notifications.All()

	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, n := range all {
		if n.CreatedAt.Before(cutoff) {
			s.notifications.Delete(n.NotificationID)
			count++
		}
	}
	return count
}

// Package notify routes user-targeted messages through pluggable channel
// providers (email/SMS/push/in-app), subject to user preferences, quiet
// hours, and per-user rate caps.
package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ChannelType is the delivery channel of a notification.
type ChannelType string

const (
	ChannelEmail ChannelType = "email"
	ChannelSMS   ChannelType = "sms"
	ChannelPush  ChannelType = "push"
	ChannelInApp ChannelType = "in_app"
)

// Priority is the urgency of a notification; it governs which preference
// gates it bypasses.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Category groups notifications for preference filtering.
type Category string

const (
	CategorySystem    Category = "system"
	CategorySecurity  Category = "security"
	CategoryGoal      Category = "goal"
	CategoryAgent     Category = "agent"
	CategoryTask      Category = "task"
	CategoryAlert     Category = "alert"
	CategoryMarketing Category = "marketing"
	CategoryReminder  Category = "reminder"
	CategoryDigest    Category = "digest"
)

// Status is the lifecycle state of a notification.
type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusRead      Status = "read"
)

// smsBodyLimit is the maximum transmitted SMS body length; longer bodies
// are truncated to smsBodyLimit-3 characters plus an ellipsis.
const smsBodyLimit = 160

// Recipient carries a user's per-channel contact information.
type Recipient struct {
	UserID       string
	Email        string
	Phone        string
	DeviceTokens []string
	Name         string
	Locale       string
	Timezone     string
}

// Content is channel-polymorphic notification content.
type Content struct {
	Subject   string // email
	Title     string // push/in-app
	Body      string
	HTMLBody  string // email
	ShortBody string // sms, 160-char budget

	ImageURL   string
	ActionURL  string
	ActionText string

	Badge *int
	Sound string
	Data  map[string]interface{}
}

// SMSBody returns the transmitted SMS body, preferring ShortBody, clamped
// to 160 characters with an ellipsis.
func (c Content) SMSBody() string {
	text := c.ShortBody
	if text == "" {
		text = c.Body
	}
	if len(text) > smsBodyLimit {
		return text[:smsBodyLimit-3] + "..."
	}
	return text
}

// ProviderResult is the outcome of a provider's send attempt.
type ProviderResult struct {
	Success           bool
	ProviderMessageID string
	ErrorCode         string
	ErrorMessage      string
	Retryable         bool
	ResponseData      map[string]interface{}
}

// newAttemptID generates an attempt identifier in the platform's att_
// convention.
func newAttemptID() string {
	return fmt.Sprintf("att_%s", uuid.New().String()[:12])
}

// Attempt is one provider delivery try.
type Attempt struct {
	AttemptID     string
	AttemptNumber int
	Channel       ChannelType
	StartedAt     time.Time
	CompletedAt   *time.Time

	Success      bool
	ErrorCode    string
	ErrorMessage string

	ProviderMessageID string
	ProviderResponse  map[string]interface{}
}

// DurationMs returns the attempt's duration in milliseconds, or nil if
// still in flight.
func (a *Attempt) DurationMs() *int64 {
	if a.CompletedAt == nil {
		return nil
	}
	d := a.CompletedAt.Sub(a.StartedAt).Milliseconds()
	return &d
}

// Complete records the outcome of an in-flight attempt from a ProviderResult.
func (a *Attempt) Complete(result *ProviderResult) {
	now := time.Now().UTC()
	a.CompletedAt = &now
	a.Success = result.Success
	a.ErrorCode = result.ErrorCode
	a.ErrorMessage = result.ErrorMessage
	a.ProviderMessageID = result.ProviderMessageID
	a.ProviderResponse = result.ResponseData
}

// Notification is the core item dispatched through the pipeline.
type Notification struct {
	NotificationID string

	Channel  ChannelType
	Category Category
	Priority Priority

	Recipient Recipient
	Content   Content

	TemplateID   string
	TemplateData map[string]interface{}

	Status      Status
	Attempts    []*Attempt
	MaxAttempts int

	ScheduledAt *time.Time
	SendAfter   *time.Time
	ExpiresAt   *time.Time

	CreatedAt   time.Time
	UpdatedAt   time.Time
	SentAt      *time.Time
	DeliveredAt *time.Time
	ReadAt      *time.Time

	Tags     []string
	GroupID  string
	ThreadID string
	TenantID string
}

// NewNotification creates a pending notification with a generated ID and
// the default (3) attempt budget.
func NewNotification(channel ChannelType, category Category, priority Priority, recipient Recipient, content Content) *Notification {
	now := time.Now().UTC()
	if priority == "" {
		priority = PriorityNormal
	}
	return &Notification{
		NotificationID: fmt.Sprintf("ntf_%s", uuid.New().String()[:16]),
		Channel:        channel,
		Category:       category,
		Priority:       priority,
		Recipient:      recipient,
		Content:        content,
		Status:         StatusPending,
		MaxAttempts:    3,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// AttemptCount returns the number of delivery attempts made so far.
func (n *Notification) AttemptCount() int { return len(n.Attempts) }

// IsExpired reports whether the notification's expiry has passed.
func (n *Notification) IsExpired() bool {
	return n.ExpiresAt != nil && time.Now().UTC().After(*n.ExpiresAt)
}

// IsScheduled reports whether delivery is still deferred to the future.
func (n *Notification) IsScheduled() bool {
	now := time.Now().UTC()
	if n.ScheduledAt != nil && now.Before(*n.ScheduledAt) {
		return true
	}
	if n.SendAfter != nil && now.Before(*n.SendAfter) {
		return true
	}
	return false
}

// CanRetry reports whether the notification is eligible for another
// delivery attempt.
func (n *Notification) CanRetry() bool {
	if n.Status != StatusFailed && n.Status != StatusPending {
		return false
	}
	if n.AttemptCount() >= n.MaxAttempts {
		return false
	}
	return !n.IsExpired()
}

// LastAttempt returns the most recent delivery attempt, or nil.
func (n *Notification) LastAttempt() *Attempt {
	if len(n.Attempts) == 0 {
		return nil
	}
	return n.Attempts[len(n.Attempts)-1]
}

// AddAttempt appends attempt and transitions status: sent on success,
// pending (re-queued) if retry budget remains, failed otherwise.
func (n *Notification) AddAttempt(attempt *Attempt) {
	n.Attempts = append(n.Attempts, attempt)
	n.UpdatedAt = time.Now().UTC()

	if attempt.Success {
		n.Status = StatusSent
		now := time.Now().UTC()
		n.SentAt = &now
		return
	}
	if n.CanRetry() {
		n.Status = StatusPending
	} else {
		n.Status = StatusFailed
	}
}

// MarkDelivered transitions the notification to delivered, typically on a
// provider delivery receipt.
func (n *Notification) MarkDelivered() {
	n.Status = StatusDelivered
	now := time.Now().UTC()
	n.DeliveredAt = &now
	n.UpdatedAt = now
}

// MarkRead transitions the notification to read.
func (n *Notification) MarkRead() {
	n.Status = StatusRead
	now := time.Now().UTC()
	n.ReadAt = &now
	n.UpdatedAt = now
}

// Cancel transitions a still-pending/queued notification to cancelled,
// reporting whether the transition was legal.
func (n *Notification) Cancel() bool {
	if n.Status != StatusPending && n.Status != StatusQueued {
		return false
	}
	n.Status = StatusCancelled
	n.UpdatedAt = time.Now().UTC()
	return true
}

// ChannelPreference is a user's settings for one delivery channel.
type ChannelPreference struct {
	Enabled bool

	QuietHoursStart *int // hour 0-23 in the user's timezone
	QuietHoursEnd   *int

	MaxPerHour *int
	MaxPerDay  *int
}

// CategoryPreference is a user's settings for one notification category.
type CategoryPreference struct {
	Enabled  bool
	Channels []ChannelType // empty = all channels allowed
}

func (p CategoryPreference) allows(channel ChannelType) bool {
	if len(p.Channels) == 0 {
		return true
	}
	for _, c := range p.Channels {
		if c == channel {
			return true
		}
	}
	return false
}

// Preferences is a user's full notification preference record.
type Preferences struct {
	UserID string

	NotificationsEnabled bool

	ChannelPreferences  map[ChannelType]ChannelPreference
	CategoryPreferences map[Category]CategoryPreference

	DigestEnabled   bool
	DigestFrequency string
	DigestTime      int

	Email        string
	Phone        string
	DeviceTokens []string

	Timezone string

	UpdatedAt time.Time
	TenantID  string
}

// DefaultPreferences returns preferences with every channel enabled, no
// quiet hours, and UTC timezone, matching a first-access auto-create.
func DefaultPreferences(userID string) *Preferences {
	return &Preferences{
		UserID:               userID,
		NotificationsEnabled: true,
		ChannelPreferences: map[ChannelType]ChannelPreference{
			ChannelEmail: {Enabled: true},
			ChannelSMS:   {Enabled: true},
			ChannelPush:  {Enabled: true},
			ChannelInApp: {Enabled: true},
		},
		CategoryPreferences: make(map[Category]CategoryPreference),
		DigestFrequency:     "daily",
		DigestTime:          9,
		Timezone:            "UTC",
		UpdatedAt:           time.Now().UTC(),
	}
}

// Template is a reusable, variable-substituted notification template.
type Template struct {
	TemplateID  string
	Name        string
	Description string

	Channel  ChannelType
	Category Category

	SubjectTemplate   string
	TitleTemplate     string
	BodyTemplate      string
	HTMLBodyTemplate  string
	ShortBodyTemplate string

	DefaultPriority Priority

	Locale    string
	Version   int
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
	TenantID  string
}

// NewTemplate creates an active, version-1 template with a generated ID.
func NewTemplate(name string, channel ChannelType, bodyTemplate string) *Template {
	now := time.Now().UTC()
	return &Template{
		TemplateID:      fmt.Sprintf("tpl_%s", uuid.New().String()[:12]),
		Name:            name,
		Channel:         channel,
		Category:        CategorySystem,
		BodyTemplate:    bodyTemplate,
		DefaultPriority: PriorityNormal,
		Locale:          "en",
		Version:         1,
		IsActive:        true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// fingerprint produces a stable cache key for a render of this template
// against data, used to memoize Render (see template.go).
func (t *Template) fingerprint(data map[string]interface{}) string {
	var b strings.Builder
	b.WriteString(t.TemplateID)
	b.WriteByte(':')
	b.WriteString(fmt.Sprintf("%d", t.Version))
	for _, k := range sortedKeys(data) {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(fmt.Sprintf("%v", data[k]))
	}
	return b.String()
}

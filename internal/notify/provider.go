package notify

import (
	"context"
	"fmt"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"eventbackbone/internal/apperrors"
	"eventbackbone/internal/retry"
)

// Provider is the capability set an adapter must implement to deliver
// notifications for one or more channels: declare what it supports,
// validate a notification pre-dispatch, and send it (singly or batched).
type Provider interface {
	Name() string
	Type() ChannelType
	SupportedTypes() []ChannelType
	IsEnabled() bool
	Validate(n *Notification) error
	Send(ctx context.Context, n *Notification) (*ProviderResult, error)
	// SendBatch delivers every notification in ns, returning one result per
	// input in the same order. Providers with no native batch path may
	// fall back to sequential Send calls.
	SendBatch(ctx context.Context, ns []*Notification) ([]*ProviderResult, error)
}

// Registry maps a channel to an ordered list of providers, supporting
// fallback: Get returns the first enabled provider for a channel.
type Registry struct {
	providers map[ChannelType][]Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[ChannelType][]Provider)}
}

// Register adds provider to every channel it supports.
func (r *Registry) Register(provider Provider) {
	for _, ch := range provider.SupportedTypes() {
		r.providers[ch] = append(r.providers[ch], provider)
	}
}

// Get returns the first enabled provider registered for channel.
func (r *Registry) Get(channel ChannelType) (Provider, bool) {
	for _, p := range r.providers[channel] {
		if p.IsEnabled() {
			return p, true
		}
	}
	return nil, false
}

func validationErr(message string) error {
	return apperrors.New(apperrors.InvalidPayload, message)
}

// ==================== Email (SMTP) ====================

// Sender abstracts the piece of net/smtp a provider needs, so a real SMTP
// client or a test double can be injected.
type Sender interface {
	SendMail(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

type smtpSender struct{}

func (smtpSender) SendMail(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
	return smtp.SendMail(addr, a, from, to, msg)
}

// SMTPProvider sends email notifications via a Sender.
type SMTPProvider struct {
	name    string
	enabled bool
	host    string
	port    int
	from    string
	auth    smtp.Auth
	sender  Sender
	retryer *retry.RetryManager
}

// NewSMTPProvider creates an enabled SMTP email provider. sender defaults
// to the real net/smtp client when nil.
func NewSMTPProvider(name, host string, port int, from string, auth smtp.Auth, sender Sender) *SMTPProvider {
	if sender == nil {
		sender = smtpSender{}
	}
	return &SMTPProvider{
		name:    name,
		enabled: true,
		host:    host,
		port:    port,
		from:    from,
		auth:    auth,
		sender:  sender,
		retryer: retry.NewRetryManager(retry.RetryConfig{MaxAttempts: 2, InitialDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second, BackoffFactor: 2.0}),
	}
}

func (p *SMTPProvider) Name() string                  { return p.name }
func (p *SMTPProvider) Type() ChannelType             { return ChannelEmail }
func (p *SMTPProvider) SupportedTypes() []ChannelType { return []ChannelType{ChannelEmail} }
func (p *SMTPProvider) IsEnabled() bool               { return p.enabled }
func (p *SMTPProvider) SetEnabled(enabled bool)       { p.enabled = enabled }

// Validate enforces the email channel's pre-dispatch contract: recipient
// address present, subject present, and at least one of body/html_body.
func (p *SMTPProvider) Validate(n *Notification) error {
	if n.Recipient.Email == "" {
		return validationErr("email provider requires recipient.email")
	}
	if n.Content.Subject == "" {
		return validationErr("email provider requires content.subject")
	}
	if n.Content.Body == "" && n.Content.HTMLBody == "" {
		return validationErr("email provider requires content.body or content.html_body")
	}
	return nil
}

func (p *SMTPProvider) Send(ctx context.Context, n *Notification) (*ProviderResult, error) {
	if err := p.Validate(n); err != nil {
		return &ProviderResult{Success: false, ErrorCode: "VALIDATION_ERROR", ErrorMessage: err.Error(), Retryable: false}, nil
	}

	addr := fmt.Sprintf("%s:%d", p.host, p.port)
	body := n.Content.Body
	if body == "" {
		body = n.Content.HTMLBody
	}
	msg := []byte(fmt.Sprintf("To: %s\r\nSubject: %s\r\n\r\n%s\r\n", n.Recipient.Email, n.Content.Subject, body))

	result := p.retryer.Execute(ctx, func(ctx context.Context) error {
		return p.sender.SendMail(addr, p.auth, p.from, []string{n.Recipient.Email}, msg)
	})

	if result.Success {
		return &ProviderResult{Success: true, ProviderMessageID: fmt.Sprintf("smtp-%d", time.Now().UnixNano())}, nil
	}
	return &ProviderResult{Success: false, ErrorCode: "SMTP_ERROR", ErrorMessage: result.LastError.Error(), Retryable: true}, nil
}

func (p *SMTPProvider) SendBatch(ctx context.Context, ns []*Notification) ([]*ProviderResult, error) {
	return sequentialBatch(ctx, p, ns)
}

// ==================== Generic HTTP (SMS / push) ====================

// HTTPSender abstracts the HTTP client an HTTPProvider uses, so tests can
// inject a fake transport without a live endpoint.
type HTTPSender interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPProvider delivers SMS or push notifications by POSTing a JSON body
// to a configured endpoint. It is a generic vendor-agnostic shape (no
// vendor wire format); HMAC framing from internal/signer is deliberately
// not applied here since providers are plain request/response, not the
// platform's own signed webhook contract.
type HTTPProvider struct {
	name     string
	channel  ChannelType
	enabled  bool
	endpoint string
	apiKey   string
	client   HTTPSender
	bodyOf   func(n *Notification) (string, error)
	retryer  *retry.RetryManager
}

// NewHTTPProvider creates an enabled HTTP-backed provider for channel,
// posting each notification's rendered body to endpoint.
func NewHTTPProvider(name string, channel ChannelType, endpoint, apiKey string, client HTTPSender, bodyOf func(n *Notification) (string, error)) *HTTPProvider {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPProvider{
		name:     name,
		channel:  channel,
		enabled:  true,
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   client,
		bodyOf:   bodyOf,
		retryer:  retry.NewRetryManager(retry.RetryConfig{MaxAttempts: 2, InitialDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second, BackoffFactor: 2.0}),
	}
}

func (p *HTTPProvider) Name() string                  { return p.name }
func (p *HTTPProvider) Type() ChannelType             { return p.channel }
func (p *HTTPProvider) SupportedTypes() []ChannelType { return []ChannelType{p.channel} }
func (p *HTTPProvider) IsEnabled() bool               { return p.enabled }
func (p *HTTPProvider) SetEnabled(enabled bool)       { p.enabled = enabled }

// Validate enforces the sms/push pre-dispatch contracts.
func (p *HTTPProvider) Validate(n *Notification) error {
	switch p.channel {
	case ChannelSMS:
		if n.Recipient.Phone == "" {
			return validationErr("sms provider requires recipient.phone")
		}
		if n.Content.Body == "" && n.Content.ShortBody == "" {
			return validationErr("sms provider requires content.body")
		}
	case ChannelPush:
		if len(n.Recipient.DeviceTokens) == 0 {
			return validationErr("push provider requires recipient.device_tokens")
		}
		if n.Content.Title == "" || n.Content.Body == "" {
			return validationErr("push provider requires content.title and content.body")
		}
	}
	return nil
}

func (p *HTTPProvider) Send(ctx context.Context, n *Notification) (*ProviderResult, error) {
	if err := p.Validate(n); err != nil {
		return &ProviderResult{Success: false, ErrorCode: "VALIDATION_ERROR", ErrorMessage: err.Error(), Retryable: false}, nil
	}

	body, err := p.bodyOf(n)
	if err != nil {
		return &ProviderResult{Success: false, ErrorCode: "ENCODE_ERROR", ErrorMessage: err.Error(), Retryable: false}, nil
	}

	var statusCode int
	var respErr error
	result := p.retryer.Execute(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, strings.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if p.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+p.apiKey)
		}
		resp, err := p.client.Do(req)
		if err != nil {
			respErr = err
			return err
		}
		defer resp.Body.Close()
		statusCode = resp.StatusCode
		if statusCode == 429 {
			return fmt.Errorf("provider responded 429: too many requests")
		}
		if statusCode >= 500 {
			return fmt.Errorf("provider responded %d: temporary server error", statusCode)
		}
		if statusCode >= 400 {
			respErr = fmt.Errorf("provider responded %d", statusCode)
			return nil // non-retryable 4xx: stop retrying, report below
		}
		return nil
	})

	if result.Success && statusCode != 0 && statusCode < 300 {
		return &ProviderResult{Success: true, ProviderMessageID: fmt.Sprintf("%s-%d", p.name, time.Now().UnixNano())}, nil
	}
	if statusCode >= 400 && statusCode < 500 && statusCode != 429 {
		return &ProviderResult{Success: false, ErrorCode: fmt.Sprintf("HTTP_%d", statusCode), ErrorMessage: respErr.Error(), Retryable: false}, nil
	}

	errMsg := "provider request failed"
	if result.LastError != nil {
		errMsg = result.LastError.Error()
	}
	code := "CONNECTION_ERROR"
	if statusCode == 429 {
		code = "RATE_LIMIT"
	} else if statusCode >= 500 {
		code = fmt.Sprintf("HTTP_%d", statusCode)
	}
	return &ProviderResult{Success: false, ErrorCode: code, ErrorMessage: errMsg, Retryable: true}, nil
}

func (p *HTTPProvider) SendBatch(ctx context.Context, ns []*Notification) ([]*ProviderResult, error) {
	return sequentialBatch(ctx, p, ns)
}

// ==================== In-app ====================

// InAppProvider "delivers" in-app notifications by doing nothing beyond
// validation: the notification is already persisted in the service's own
// store, so there is no external transport to invoke.
type InAppProvider struct {
	enabled bool
}

// NewInAppProvider creates an enabled in-app provider.
func NewInAppProvider() *InAppProvider { return &InAppProvider{enabled: true} }

func (p *InAppProvider) Name() string                  { return "in_app" }
func (p *InAppProvider) Type() ChannelType             { return ChannelInApp }
func (p *InAppProvider) SupportedTypes() []ChannelType { return []ChannelType{ChannelInApp} }
func (p *InAppProvider) IsEnabled() bool               { return p.enabled }
func (p *InAppProvider) SetEnabled(enabled bool)       { p.enabled = enabled }

func (p *InAppProvider) Validate(n *Notification) error {
	if n.Recipient.UserID == "" {
		return validationErr("in_app provider requires recipient.user_id")
	}
	if n.Content.Title == "" && n.Content.Body == "" {
		return validationErr("in_app provider requires content.title or content.body")
	}
	return nil
}

func (p *InAppProvider) Send(ctx context.Context, n *Notification) (*ProviderResult, error) {
	if err := p.Validate(n); err != nil {
		return &ProviderResult{Success: false, ErrorCode: "VALIDATION_ERROR", ErrorMessage: err.Error(), Retryable: false}, nil
	}
	return &ProviderResult{Success: true, ProviderMessageID: n.NotificationID}, nil
}

func (p *InAppProvider) SendBatch(ctx context.Context, ns []*Notification) ([]*ProviderResult, error) {
	return sequentialBatch(ctx, p, ns)
}

// ==================== shared helpers ====================

func sequentialBatch(ctx context.Context, p Provider, ns []*Notification) ([]*ProviderResult, error) {
	results := make([]*ProviderResult, len(ns))
	for i, n := range ns {
		r, err := p.Send(ctx, n)
		if err != nil {
			return nil, err
		}
		results[i] = r
	}
	return results, nil
}

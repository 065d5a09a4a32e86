package notify

import (
	"context"
	"errors"
	"net/http"
	"net/smtp"
	"testing"
)

type fakeSender struct {
	err   error
	calls int
}

func (f *fakeSender) SendMail(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
	f.calls++
	return f.err
}

func TestSMTPProviderValidatesBeforeSending(t *testing.T) {
	sender := &fakeSender{}
	p := NewSMTPProvider("smtp", "localhost", 25, "noreply@example.com", nil, sender)

	n := NewNotification(ChannelEmail, CategorySystem, PriorityNormal, Recipient{UserID: "u1"}, Content{Subject: "hi", Body: "body"})
	result, err := p.Send(context.Background(), n)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Success {
		t.Fatal("expected validation failure for missing recipient email")
	}
	if result.ErrorCode != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %s", result.ErrorCode)
	}
	if result.Retryable {
		t.Fatal("expected validation errors to be non-retryable")
	}
	if sender.calls != 0 {
		t.Fatal("expected sender not to be invoked for a validation failure")
	}
}

func TestSMTPProviderSendsOnValidNotification(t *testing.T) {
	sender := &fakeSender{}
	p := NewSMTPProvider("smtp", "localhost", 25, "noreply@example.com", nil, sender)

	n := NewNotification(ChannelEmail, CategorySystem, PriorityNormal, Recipient{UserID: "u1", Email: "a@example.com"}, Content{Subject: "hi", Body: "body"})
	result, err := p.Send(context.Background(), n)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got error %s: %s", result.ErrorCode, result.ErrorMessage)
	}
	if sender.calls != 1 {
		t.Fatalf("expected exactly 1 send call, got %d", sender.calls)
	}
}

func TestSMTPProviderRetriesTransientFailure(t *testing.T) {
	sender := &fakeSender{err: errors.New("connection reset")}
	p := NewSMTPProvider("smtp", "localhost", 25, "noreply@example.com", nil, sender)

	n := NewNotification(ChannelEmail, CategorySystem, PriorityNormal, Recipient{UserID: "u1", Email: "a@example.com"}, Content{Subject: "hi", Body: "body"})
	result, err := p.Send(context.Background(), n)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Success {
		t.Fatal("expected failure to propagate after exhausting retries")
	}
	if sender.calls < 2 {
		t.Fatalf("expected the retry manager to attempt more than once, got %d calls", sender.calls)
	}
	if !result.Retryable {
		t.Fatal("expected a connection failure to be marked retryable")
	}
}

type fakeHTTPSender struct {
	statusCode int
	calls      int
	err        error
}

func (f *fakeHTTPSender) Do(req *http.Request) (*http.Response, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &http.Response{StatusCode: f.statusCode, Body: http.NoBody}, nil
}

func TestHTTPProviderValidatesSMSRecipient(t *testing.T) {
	sender := &fakeHTTPSender{statusCode: 200}
	p := NewHTTPProvider("sms", ChannelSMS, "https://sms.example.com", "key", sender, func(n *Notification) (string, error) { return "{}", nil })

	n := NewNotification(ChannelSMS, CategorySystem, PriorityNormal, Recipient{UserID: "u1"}, Content{Body: "hi"})
	result, _ := p.Send(context.Background(), n)
	if result.Success {
		t.Fatal("expected validation failure for missing phone")
	}
}

func TestHTTPProviderSuccessOn2xx(t *testing.T) {
	sender := &fakeHTTPSender{statusCode: 202}
	p := NewHTTPProvider("sms", ChannelSMS, "https://sms.example.com", "key", sender, func(n *Notification) (string, error) { return "{}", nil })

	n := NewNotification(ChannelSMS, CategorySystem, PriorityNormal, Recipient{UserID: "u1", Phone: "+15551234567"}, Content{Body: "hi"})
	result, err := p.Send(context.Background(), n)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %s: %s", result.ErrorCode, result.ErrorMessage)
	}
}

func TestHTTPProvider4xxIsNonRetryable(t *testing.T) {
	sender := &fakeHTTPSender{statusCode: 400}
	p := NewHTTPProvider("sms", ChannelSMS, "https://sms.example.com", "key", sender, func(n *Notification) (string, error) { return "{}", nil })

	n := NewNotification(ChannelSMS, CategorySystem, PriorityNormal, Recipient{UserID: "u1", Phone: "+15551234567"}, Content{Body: "hi"})
	result, _ := p.Send(context.Background(), n)
	if result.Success {
		t.Fatal("expected 400 to be a failure")
	}
	if result.Retryable {
		t.Fatal("expected a 4xx response to be non-retryable")
	}
	if sender.calls != 1 {
		t.Fatalf("expected exactly 1 attempt for a non-retryable 4xx, got %d", sender.calls)
	}
}

func TestHTTPProvider429IsRetryable(t *testing.T) {
	sender := &fakeHTTPSender{statusCode: 429}
	p := NewHTTPProvider("sms", ChannelSMS, "https://sms.example.com", "key", sender, func(n *Notification) (string, error) { return "{}", nil })

	n := NewNotification(ChannelSMS, CategorySystem, PriorityNormal, Recipient{UserID: "u1", Phone: "+15551234567"}, Content{Body: "hi"})
	result, _ := p.Send(context.Background(), n)
	if result.Success {
		t.Fatal("expected 429 to be a failure")
	}
	if result.ErrorCode != "RATE_LIMIT" {
		t.Fatalf("expected RATE_LIMIT error code, got %s", result.ErrorCode)
	}
	if !result.Retryable {
		t.Fatal("expected 429 to be retryable")
	}
	if sender.calls < 2 {
		t.Fatalf("expected the retry manager to retry a 429, got %d calls", sender.calls)
	}
}

func TestHTTPProvider5xxIsRetryable(t *testing.T) {
	sender := &fakeHTTPSender{statusCode: 503}
	p := NewHTTPProvider("push", ChannelPush, "https://push.example.com", "key", sender, func(n *Notification) (string, error) { return "{}", nil })

	n := NewNotification(ChannelPush, CategorySystem, PriorityNormal, Recipient{UserID: "u1", DeviceTokens: []string{"tok"}}, Content{Title: "t", Body: "b"})
	result, _ := p.Send(context.Background(), n)
	if result.Success {
		t.Fatal("expected 503 to be a failure")
	}
	if !result.Retryable {
		t.Fatal("expected a 5xx response to be retryable")
	}
}

func TestInAppProviderSucceedsWithoutTransport(t *testing.T) {
	p := NewInAppProvider()
	n := NewNotification(ChannelInApp, CategorySystem, PriorityNormal, Recipient{UserID: "u1"}, Content{Title: "hi", Body: "there"})

	result, err := p.Send(context.Background(), n)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected in-app delivery to succeed, got %s", result.ErrorMessage)
	}
}

func TestRegistryGetReturnsFirstEnabledProvider(t *testing.T) {
	r := NewRegistry()
	primary := NewHTTPProvider("primary", ChannelSMS, "https://a", "", &fakeHTTPSender{statusCode: 200}, func(n *Notification) (string, error) { return "{}", nil })
	primary.SetEnabled(false)
	fallback := NewHTTPProvider("fallback", ChannelSMS, "https://b", "", &fakeHTTPSender{statusCode: 200}, func(n *Notification) (string, error) { return "{}", nil })

	r.Register(primary)
	r.Register(fallback)

	got, ok := r.Get(ChannelSMS)
	if !ok {
		t.Fatal("expected a provider to be found")
	}
	if got.Name() != "fallback" {
		t.Fatalf("expected disabled primary to be skipped in favor of fallback, got %s", got.Name())
	}
}

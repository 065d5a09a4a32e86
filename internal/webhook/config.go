package webhook

import (
	"net/textproto"
	"time"
)

// Config tunes delivery defaults, limits, and the signature header names.
// Shares most delivery fields with config.WebhookConfig, adds the signature
// header names, and has no counterpart for its retry-delay, backoff
// multiplier or auto-disable toggle; kept as its own type so this package
// has no import-time dependency on the application config package.
type Config struct {
	DefaultTimeoutSeconds  int
	DefaultMaxRetries      int
	MaxPayloadSizeBytes    int
	MaxDeliveriesPerMinute int
	MaxWebhooksPerOwner    int
	MaxConsecutiveFailures int
	DeliveryPollInterval   time.Duration

	SignatureHeader           string
	TimestampHeader           string
	SignatureToleranceSeconds int
}

// DefaultConfig returns the delivery defaults used when a config file
// does not override them.
func DefaultConfig() Config {
	return Config{
		DefaultTimeoutSeconds:     30,
		DefaultMaxRetries:         5,
		MaxPayloadSizeBytes:       1024 * 1024,
		MaxDeliveriesPerMinute:    1000,
		MaxWebhooksPerOwner:       100,
		MaxConsecutiveFailures:    MaxConsecutiveFailures,
		DeliveryPollInterval:      10 * time.Second,
		SignatureHeader:           "X-Webhook-Signature",
		TimestampHeader:           "X-Webhook-Timestamp",
		SignatureToleranceSeconds: 300,
	}
}

// reservedHeaders returns the protocol header names this config would set
// on a delivery request, normalized to canonical MIME header case. A
// custom header matching one of these is rejected at endpoint-creation
// time so it can never shadow the real signature or correlation headers
// (see header precedence note on buildHeaders).
func (c Config) reservedHeaders() map[string]bool {
	names := []string{
		"Content-Type",
		"User-Agent",
		c.SignatureHeader,
		c.TimestampHeader,
		"X-Webhook-Id",
		"X-Event-Id",
		"X-Event-Type",
		"X-Delivery-Id",
		"X-Attempt-Number",
		"X-Webhook-Test",
	}
	reserved := make(map[string]bool, len(names))
	for _, n := range names {
		reserved[textproto.CanonicalMIMEHeaderKey(n)] = true
	}
	return reserved
}

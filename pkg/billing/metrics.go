package billing

import "time"

// Metrics defines the interface for tracking webhook processing.
// All methods are optional - providers should gracefully handle nil metrics.
type Metrics interface {
	// RecordWebhookEvent records a webhook event received from the billing provider.
	// status: "success", "duplicate", "ignored", or "error"
	RecordWebhookEvent(provider, eventType, status string)

	// RecordWebhookProcessingDuration records how long it took to process a webhook.
	RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration)

	// RecordWebhookError records a webhook processing error.
	// errorType: "auth_failed", "invalid_payload", "processing_error", ...
	RecordWebhookError(provider, errorType string)

	// RecordCreditsGranted records credits granted to users.
	RecordCreditsGranted(provider, source string, amount int)

	// RecordConversionNotification records a conversion notification attempt.
	// status: "sent" or "error"
	RecordConversionNotification(eventName, status string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _, _ string)                            {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_, _ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_, _ string)                               {}
func (n *NoopMetrics) RecordCreditsGranted(_, _ string, _ int)                      {}
func (n *NoopMetrics) RecordConversionNotification(_, _ string)                     {}

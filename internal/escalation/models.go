package escalation

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrAlertClaimed means the alert is settled or another delivery holds its lease.
	ErrAlertClaimed = errors.New("alert is settled or being delivered")
)

// RegulatoryWebhook is an agency's delivery endpoint. Categories, when non-empty, restrict
// which product categories the agency receives.
type RegulatoryWebhook struct {
	ID            string        `json:"id" db:"id"`
	AgencyID      string        `json:"agency_id" db:"agency_id"`
	URL           string        `json:"url" db:"url"`
	Secret        string        `json:"-" db:"secret"`
	MaxAttempts   int           `json:"max_attempts" db:"max_attempts"`
	RetryInterval time.Duration `json:"retry_interval" db:"retry_interval_ms"`
	Timeout       time.Duration `json:"timeout" db:"timeout_ms"`
	Active        bool          `json:"active" db:"active"`
	Categories    []string      `json:"categories,omitempty" db:"categories"`
	LastSuccessAt *time.Time    `json:"last_success_at,omitempty" db:"last_success_at"`
	LastFailureAt *time.Time    `json:"last_failure_at,omitempty" db:"last_failure_at"`
}

const (
	defaultMaxAttempts   = 3
	defaultRetryInterval = 30 * time.Second
	defaultTimeout       = 10 * time.Second
)

func (w RegulatoryWebhook) withDefaults() RegulatoryWebhook {
	out := w
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = defaultMaxAttempts
	}
	if out.RetryInterval <= 0 {
		out.RetryInterval = defaultRetryInterval
	}
	if out.Timeout <= 0 {
		out.Timeout = defaultTimeout
	}
	return out
}

// Accepts reports whether the webhook subscribes to the product category.
func (w RegulatoryWebhook) Accepts(category string) bool {
	if len(w.Categories) == 0 {
		return true
	}
	for _, c := range w.Categories {
		if c == category {
			return true
		}
	}
	return false
}

type DeliveryOutcome string

const (
	DeliverySuccess DeliveryOutcome = "success"
	DeliveryFailure DeliveryOutcome = "failure"
)

// WebhookDeliveryLog is one delivery attempt. Append-only.
type WebhookDeliveryLog struct {
	ID           string          `json:"id" db:"id"`
	WebhookID    string          `json:"webhook_id" db:"webhook_id"`
	AlertID      string          `json:"alert_id" db:"alert_id"`
	Attempt      int             `json:"attempt" db:"attempt"`
	Outcome      DeliveryOutcome `json:"outcome" db:"outcome"`
	ResponseCode int             `json:"response_code" db:"response_code"`
	Message      string          `json:"message" db:"message"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// Outcome is the result of one NotifyAgency call.
type Outcome string

const (
	OutcomeSent     Outcome = "sent"
	OutcomeFailed   Outcome = "failed"
	OutcomeDeferred Outcome = "deferred"
	OutcomeNoop     Outcome = "noop"
)

type Result struct {
	Outcome  Outcome
	Attempts int
}

type ManufacturerRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// AlertBody is the "alert" object of the webhook payload.
type AlertBody struct {
	AlertID         string          `json:"alert_id"`
	CodeValue       string          `json:"code_value"`
	Reason          string          `json:"reason"`
	Severity        string          `json:"severity"`
	RiskScore       int             `json:"risk_score"`
	Manufacturer    ManufacturerRef `json:"manufacturer"`
	ProductID       string          `json:"product_id"`
	ProductCategory string          `json:"product_category"`
}

// Payload is the signed webhook body. Field order is fixed by the struct, which makes
// encoding/json output canonical for signing.
type Payload struct {
	Timestamp time.Time `json:"timestamp"`
	Agency    string    `json:"agency"`
	Alert     AlertBody `json:"alert"`
}

// TransientDeliveryError is a retryable failure: network error, timeout or non-2xx.
type TransientDeliveryError struct {
	StatusCode int
	Err        error
}

func (e *TransientDeliveryError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("webhook delivery failed with status %d", e.StatusCode)
	}
	return fmt.Sprintf("webhook delivery failed: %v", e.Err)
}

func (e *TransientDeliveryError) Unwrap() error { return e.Err }

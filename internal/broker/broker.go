package broker

import (
	"context"
	"strings"
	"time"

	"authenticity-platform/internal/scoring"
)

// AlertEvent is the message published for every created risk alert.
type AlertEvent struct {
	Type           string    `json:"type"`
	AlertID        string    `json:"alert_id"`
	ManufacturerID string    `json:"manufacturer_id"`
	ProductID      string    `json:"product_id"`
	CodeValue      string    `json:"code_value,omitempty"`
	Reason         string    `json:"reason"`
	RiskScore      int       `json:"risk_score"`
	RiskLevel      string    `json:"risk_level"`
	OccurredAt     time.Time `json:"occurred_at"`
}

const alertCreatedType = "risk_alert.created"

func NewAlertEvent(a scoring.RiskAlert) AlertEvent {
	return AlertEvent{
		Type:           alertCreatedType,
		AlertID:        a.ID,
		ManufacturerID: a.ManufacturerID,
		ProductID:      a.ProductID,
		CodeValue:      a.CodeValue,
		Reason:         a.Reason,
		RiskScore:      a.Score,
		RiskLevel:      string(a.Level),
		OccurredAt:     a.CreatedAt,
	}
}

// RoutingKey lets consumers bind by severity, e.g. "risk_alert.critical" or "risk_alert.#".
func (e AlertEvent) RoutingKey() string {
	return "risk_alert." + strings.ToLower(e.RiskLevel)
}

// Publisher emits alert events. Publishing is best effort for callers; webhooks remain the
// delivery of record.
type Publisher interface {
	PublishAlert(ctx context.Context, a scoring.RiskAlert) error
	Close() error
}

// Noop is used when no broker is configured.
type Noop struct{}

func (Noop) PublishAlert(context.Context, scoring.RiskAlert) error { return nil }
func (Noop) Close() error                                          { return nil }

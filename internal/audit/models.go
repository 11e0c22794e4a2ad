package audit

import "time"

// Event is an immutable, append-only record of a privileged action.
//
// Invariants:
// - events are never updated or deleted
// - actor and ip capture are best-effort; audit failures never block the action itself
type Event struct {
	ID   string    `json:"id" db:"id"`
	Type EventType `json:"type" db:"type"`

	ActorUserID string `json:"actor_user_id,omitempty" db:"actor_user_id"`
	ActorRole   string `json:"actor_role,omitempty" db:"actor_role"`
	IPAddress   string `json:"ip_address,omitempty" db:"ip_address"`

	// Scope of the action. At least one is set.
	ManufacturerID string `json:"manufacturer_id,omitempty" db:"manufacturer_id"`
	AgencyID       string `json:"agency_id,omitempty" db:"agency_id"`

	// TargetID is the affected entity (batch, webhook, manufacturer).
	TargetID string `json:"target_id,omitempty" db:"target_id"`
	Message  string `json:"message,omitempty" db:"message"`
	// Metadata is optional JSON.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventBatchCreated        EventType = "batch_created"
	EventWebhookConfigured   EventType = "webhook_configured"
	EventRateLimitConfigured EventType = "rate_limit_configured"
	EventTrustRecomputed     EventType = "trust_recomputed"
)

// Actor identifies who performed an action.
type Actor struct {
	UserID string
	Role   string
	IP     string
}

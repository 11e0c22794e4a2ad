package verification

import (
	"time"

	"authenticity-platform/internal/registry"
)

type State string

const (
	StateUnregisteredProduct State = "UNREGISTERED_PRODUCT"
	StateGenuine             State = "GENUINE"
	StateCodeAlreadyUsed     State = "CODE_ALREADY_USED"
	StateSuspiciousPattern   State = "SUSPICIOUS_PATTERN"
	StateInvalid             State = "INVALID"
)

// ScanEvent is one verification request. Coordinates are optional but must come as a pair.
type ScanEvent struct {
	CodeValue      string
	ManufacturerID string
	ActorID        string
	Latitude       *float64
	Longitude      *float64
	At             time.Time
}

// VerificationLog is an immutable record of one evaluated scan.
// State is always the base state; the suspicious overlay is stored next to it.
type VerificationLog struct {
	ID             string    `json:"id" db:"id"`
	CodeValue      string    `json:"code_value" db:"code_value"`
	State          State     `json:"state" db:"state"`
	Suspicious     bool      `json:"suspicious" db:"suspicious"`
	Latitude       *float64  `json:"latitude,omitempty" db:"latitude"`
	Longitude      *float64  `json:"longitude,omitempty" db:"longitude"`
	ActorID        string    `json:"actor_id,omitempty" db:"actor_id"`
	ManufacturerID string    `json:"manufacturer_id,omitempty" db:"manufacturer_id"`
	ProductID      string    `json:"product_id,omitempty" db:"product_id"`
	RiskScore      float64   `json:"risk_score" db:"risk_score"`
	Advisory       string    `json:"advisory,omitempty" db:"advisory"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// Result is the outcome of Verify. State is SUSPICIOUS_PATTERN when the overlay is set,
// otherwise it equals BaseState.
type Result struct {
	State      State
	BaseState  State
	Suspicious bool
	RiskScore  float64
	Advisory   string

	// Context is nil for INVALID scans.
	Context *registry.CodeContext
	Log     VerificationLog
}

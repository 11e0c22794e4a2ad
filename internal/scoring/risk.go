package scoring

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"authenticity-platform/pkg/logger"
	"authenticity-platform/pkg/metrics"

	"github.com/google/uuid"
)

const (
	// AlertThreshold is the product risk score at which an alert is raised.
	AlertThreshold = 50
	// AlertCooldown suppresses repeat alerts for the same product.
	AlertCooldown = 24 * time.Hour
	// RecomputeWindow selects products for scheduled risk recomputation.
	RecomputeWindow = 24 * time.Hour
)

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidArgument = errors.New("invalid argument")
)

type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

func LevelFor(score int) RiskLevel {
	switch {
	case score >= 70:
		return RiskCritical
	case score >= 50:
		return RiskHigh
	case score >= 30:
		return RiskMedium
	default:
		return RiskLow
	}
}

// ProductCounts aggregates verification outcomes for one product.
// A scan can count toward both Suspicious and AlreadyUsed.
type ProductCounts struct {
	Total       int
	Suspicious  int
	Invalid     int
	AlreadyUsed int
}

// ProductRisk maps outcome ratios to 0..100. Monotonic in each ratio for a fixed total.
func ProductRisk(c ProductCounts) int {
	if c.Total <= 0 {
		return 0
	}
	total := float64(c.Total)
	weighted := 0.5*float64(c.Suspicious)/total + 0.3*float64(c.Invalid)/total + 0.2*float64(c.AlreadyUsed)/total
	score := int(math.Round(100 * weighted))
	return min(max(score, 0), 100)
}

type AlertStatus string

const (
	AlertPending AlertStatus = "pending"
	AlertSent    AlertStatus = "sent"
	AlertFailed  AlertStatus = "failed"
)

// RiskAlert is raised when a product's aggregate risk crosses AlertThreshold.
// Status moves pending -> sent|failed only.
type RiskAlert struct {
	ID             string      `json:"id" db:"id"`
	ManufacturerID string      `json:"manufacturer_id" db:"manufacturer_id"`
	ProductID      string      `json:"product_id" db:"product_id"`
	CodeValue      string      `json:"code_value,omitempty" db:"code_value"`
	Reason         string      `json:"reason" db:"reason"`
	Score          int         `json:"risk_score" db:"risk_score"`
	Level          RiskLevel   `json:"risk_level" db:"risk_level"`
	Status         AlertStatus `json:"status" db:"status"`
	CooldownUntil  time.Time   `json:"cooldown_until" db:"cooldown_until"`
	CreatedAt      time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at" db:"updated_at"`
}

// ProductRef identifies a product to evaluate. CodeValue is the scan that triggered it, if any.
type ProductRef struct {
	ProductID      string
	ManufacturerID string
	CodeValue      string
}

type Assessment struct {
	ProductID string        `json:"product_id"`
	Counts    ProductCounts `json:"counts"`
	Score     int           `json:"risk_score"`
	Level     RiskLevel     `json:"risk_level"`
}

// ProductStatsSource reads aggregate verification outcomes.
type ProductStatsSource interface {
	ProductCounts(ctx context.Context, productID string) (ProductCounts, error)
	ActiveProducts(ctx context.Context, since time.Time) ([]ProductRef, error)
}

// AlertRepository persists risk alerts.
//
// CreateIfNoActive must check for an alert with CooldownUntil > now and insert atomically per
// product; created=false means an active alert suppressed the new one.
//
// Claim is a conditional update: it succeeds only for a pending alert whose delivery lease is
// absent or expired at now. UpdateStatus and ReleaseClaim both drop the lease.
type AlertRepository interface {
	CreateIfNoActive(ctx context.Context, a RiskAlert, now time.Time) (created bool, err error)
	ListByManufacturer(ctx context.Context, manufacturerID string, limit int) ([]RiskAlert, error)
	Get(ctx context.Context, id string) (RiskAlert, error)
	UpdateStatus(ctx context.Context, id string, status AlertStatus, now time.Time) error
	ListPending(ctx context.Context, now time.Time) ([]RiskAlert, error)
	Claim(ctx context.Context, id string, now, until time.Time) (claimed bool, err error)
	ReleaseClaim(ctx context.Context, id string) error
}

type RiskService struct {
	stats  ProductStatsSource
	alerts AlertRepository
	// clock is injectable for deterministic tests.
	clock func() time.Time
}

func NewRiskService(stats ProductStatsSource, alerts AlertRepository) *RiskService {
	return &RiskService{stats: stats, alerts: alerts, clock: time.Now}
}

// EvaluateProduct scores one product and raises an alert when it crosses the threshold
// outside of an active cooldown. The alert is nil when none was created.
func (s *RiskService) EvaluateProduct(ctx context.Context, ref ProductRef, now time.Time) (Assessment, *RiskAlert, error) {
	if ref.ProductID == "" || ref.ManufacturerID == "" {
		return Assessment{}, nil, ErrInvalidArgument
	}
	if now.IsZero() {
		now = s.clock()
	}
	now = now.UTC()

	counts, err := s.stats.ProductCounts(ctx, ref.ProductID)
	if err != nil {
		return Assessment{}, nil, fmt.Errorf("product counts: %w", err)
	}
	score := ProductRisk(counts)
	as := Assessment{ProductID: ref.ProductID, Counts: counts, Score: score, Level: LevelFor(score)}
	if score < AlertThreshold {
		return as, nil, nil
	}

	a := RiskAlert{
		ID:             uuid.NewString(),
		ManufacturerID: ref.ManufacturerID,
		ProductID:      ref.ProductID,
		CodeValue:      ref.CodeValue,
		Reason: fmt.Sprintf("product risk %d: %d suspicious, %d invalid, %d reused of %d scans",
			score, counts.Suspicious, counts.Invalid, counts.AlreadyUsed, counts.Total),
		Score:         score,
		Level:         as.Level,
		Status:        AlertPending,
		CooldownUntil: now.Add(AlertCooldown),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	created, err := s.alerts.CreateIfNoActive(ctx, a, now)
	if err != nil {
		return as, nil, fmt.Errorf("create alert: %w", err)
	}
	if !created {
		return as, nil, nil
	}
	metrics.RiskAlertsCreated.WithLabelValues(string(a.Level)).Inc()
	return as, &a, nil
}

// RecomputeAll evaluates every product with recent activity. A failing product is logged and
// skipped. It returns the alerts created.
func (s *RiskService) RecomputeAll(ctx context.Context, now time.Time) ([]RiskAlert, error) {
	if now.IsZero() {
		now = s.clock()
	}
	refs, err := s.stats.ActiveProducts(ctx, now.Add(-RecomputeWindow))
	if err != nil {
		return nil, fmt.Errorf("active products: %w", err)
	}

	l := logger.From(ctx)
	var (
		created []RiskAlert
		failed  int
	)
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return created, err
		}
		_, a, err := s.EvaluateProduct(ctx, ref, now)
		if err != nil {
			failed++
			l.Error("risk recompute failed", "product_id", ref.ProductID, "err", err)
			continue
		}
		if a != nil {
			created = append(created, *a)
		}
	}
	if failed > 0 {
		return created, fmt.Errorf("risk recompute: %d of %d products failed", failed, len(refs))
	}
	return created, nil
}

func (s *RiskService) RiskAlerts(ctx context.Context, manufacturerID string, limit int) ([]RiskAlert, error) {
	if manufacturerID == "" {
		return nil, ErrInvalidArgument
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.alerts.ListByManufacturer(ctx, manufacturerID, limit)
}

package scoring

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"authenticity-platform/internal/registry"
	"authenticity-platform/pkg/logger"
	"authenticity-platform/pkg/metrics"

	"github.com/google/uuid"
)

const (
	verificationWeight = 0.40
	paymentWeight      = 0.25
	complianceWeight   = 0.20
	activityWeight     = 0.10
	hygieneWeight      = 0.05

	// PaymentWindow is the number of most recent payments considered.
	PaymentWindow = 12

	SuspiciousWindow    = 7 * 24 * time.Hour
	suspiciousLimit     = 5
	suspiciousPenalty   = 30
	staleDocumentsAfter = 180 * 24 * time.Hour
)

type PaymentStatus string

const (
	PaymentCompleted PaymentStatus = "completed"
	PaymentPending   PaymentStatus = "pending"
	PaymentFailed    PaymentStatus = "failed"
)

// Profile is the manufacturer-level data the trust score reads.
// It is owned by onboarding/compliance flows outside this module.
type Profile struct {
	ManufacturerID      string
	Name                string
	Website             string
	LicenseVerified     bool
	CertificateVerified bool
	WebsiteVerified     bool
	DocumentsUpdatedAt  *time.Time
	LastActiveAt        *time.Time
}

// ManufacturerVerificationStats are verification counts across a manufacturer's codes.
type ManufacturerVerificationStats struct {
	Total            int
	Genuine          int
	RecentSuspicious int
}

type TrustInputs struct {
	Verifications ManufacturerVerificationStats
	Payments      []PaymentStatus
	Profile       Profile
	Batches       registry.BatchStats
	Now           time.Time
}

type TrustBreakdown struct {
	Verification int `json:"verification"`
	Payment      int `json:"payment"`
	Compliance   int `json:"compliance"`
	TeamActivity int `json:"team_activity"`
	BatchHygiene int `json:"batch_hygiene"`
	Penalty      int `json:"penalty"`
	Score        int `json:"score"`
}

// ComputeTrust is pure; the result is always within [0,100].
func ComputeTrust(in TrustInputs) TrustBreakdown {
	b := TrustBreakdown{
		Verification: verificationComponent(in.Verifications),
		Payment:      paymentComponent(in.Payments),
		Compliance:   complianceComponent(in.Profile, in.Now),
		TeamActivity: activityComponent(in.Profile.LastActiveAt, in.Now),
		BatchHygiene: hygieneComponent(in.Batches),
	}
	if in.Verifications.RecentSuspicious > suspiciousLimit {
		b.Penalty = suspiciousPenalty
	}

	weighted := verificationWeight*float64(b.Verification) +
		paymentWeight*float64(b.Payment) +
		complianceWeight*float64(b.Compliance) +
		activityWeight*float64(b.TeamActivity) +
		hygieneWeight*float64(b.BatchHygiene)

	b.Score = clampScore(int(math.Round(weighted)) - b.Penalty)
	return b
}

func verificationComponent(v ManufacturerVerificationStats) int {
	if v.Total <= 0 {
		return 100
	}
	rate := float64(v.Genuine) / float64(v.Total)
	switch {
	case rate < 0.70:
		return 30
	case rate < 0.80:
		return 50
	case rate < 0.90:
		return 75
	case rate < 0.95:
		return 90
	default:
		return 100
	}
}

func paymentComponent(payments []PaymentStatus) int {
	if len(payments) > PaymentWindow {
		payments = payments[:PaymentWindow]
	}
	if len(payments) == 0 {
		return 100
	}
	var bad float64
	for _, p := range payments {
		switch p {
		case PaymentFailed:
			bad++
		case PaymentPending:
			bad += 0.5
		}
	}
	return clampScore(int(math.Round(100 * (1 - bad/float64(len(payments))))))
}

func complianceComponent(p Profile, now time.Time) int {
	score := 100
	if !p.LicenseVerified {
		score -= 30
	}
	if !p.CertificateVerified {
		score -= 25
	}
	if !p.WebsiteVerified {
		score -= 15
	}
	if p.DocumentsUpdatedAt == nil || now.Sub(*p.DocumentsUpdatedAt) > staleDocumentsAfter {
		score -= 30
	}
	return clampScore(score)
}

func activityComponent(lastActive *time.Time, now time.Time) int {
	if lastActive == nil {
		return 40
	}
	idle := now.Sub(*lastActive)
	switch {
	case idle > 90*24*time.Hour:
		return 40
	case idle > 30*24*time.Hour:
		return 60
	case idle > 7*24*time.Hour:
		return 80
	default:
		return 100
	}
}

func hygieneComponent(st registry.BatchStats) int {
	if st.Total <= 0 {
		return 100
	}
	ratio := float64(st.Expired) / float64(st.Total)
	switch {
	case ratio > 0.50:
		return 40
	case ratio > 0.25:
		return 60
	case ratio > 0.10:
		return 80
	default:
		return 100
	}
}

func clampScore(v int) int {
	return min(max(v, 0), 100)
}

// TrustScoreRecord is one appended trust computation. History is kept for trends.
type TrustScoreRecord struct {
	ID             string         `json:"id" db:"id"`
	ManufacturerID string         `json:"manufacturer_id" db:"manufacturer_id"`
	Score          int            `json:"score" db:"score"`
	Breakdown      TrustBreakdown `json:"breakdown" db:"breakdown"`
	ComputedAt     time.Time      `json:"computed_at" db:"computed_at"`
}

// ProfileRepository reads manufacturer profile and payment data.
type ProfileRepository interface {
	ListProfiles(ctx context.Context) ([]Profile, error)
	GetProfile(ctx context.Context, manufacturerID string) (Profile, error)
	RecentPayments(ctx context.Context, manufacturerID string, limit int) ([]PaymentStatus, error)
	SetWebsiteVerified(ctx context.Context, manufacturerID string, verified bool, at time.Time) error
}

type TrustRepository interface {
	Append(ctx context.Context, r TrustScoreRecord) error
	Trend(ctx context.Context, manufacturerID string, limit int) ([]TrustScoreRecord, error)
}

// VerificationStatsSource reads verification counts for one manufacturer.
type VerificationStatsSource interface {
	ManufacturerStats(ctx context.Context, manufacturerID string, suspiciousSince time.Time) (ManufacturerVerificationStats, error)
}

// BatchStatsSource is satisfied by *registry.Service.
type BatchStatsSource interface {
	BatchStats(ctx context.Context, manufacturerID string, now time.Time) (registry.BatchStats, error)
}

type TrustService struct {
	profiles      ProfileRepository
	records       TrustRepository
	verifications VerificationStatsSource
	batches       BatchStatsSource
	// clock is injectable for deterministic tests.
	clock func() time.Time
}

func NewTrustService(profiles ProfileRepository, records TrustRepository, verifications VerificationStatsSource, batches BatchStatsSource) *TrustService {
	return &TrustService{
		profiles:      profiles,
		records:       records,
		verifications: verifications,
		batches:       batches,
		clock:         time.Now,
	}
}

// Recompute gathers inputs, computes and appends a trust record. Safe to repeat.
func (s *TrustService) Recompute(ctx context.Context, manufacturerID string, now time.Time) (TrustScoreRecord, error) {
	if manufacturerID == "" {
		return TrustScoreRecord{}, ErrInvalidArgument
	}
	p, err := s.profiles.GetProfile(ctx, manufacturerID)
	if err != nil {
		return TrustScoreRecord{}, err
	}
	return s.recompute(ctx, p, now)
}

func (s *TrustService) recompute(ctx context.Context, p Profile, now time.Time) (TrustScoreRecord, error) {
	if now.IsZero() {
		now = s.clock()
	}
	now = now.UTC()

	vs, err := s.verifications.ManufacturerStats(ctx, p.ManufacturerID, now.Add(-SuspiciousWindow))
	if err != nil {
		return TrustScoreRecord{}, fmt.Errorf("verification stats: %w", err)
	}
	pays, err := s.profiles.RecentPayments(ctx, p.ManufacturerID, PaymentWindow)
	if err != nil {
		return TrustScoreRecord{}, fmt.Errorf("payments: %w", err)
	}
	bs, err := s.batches.BatchStats(ctx, p.ManufacturerID, now)
	if err != nil {
		return TrustScoreRecord{}, fmt.Errorf("batch stats: %w", err)
	}

	b := ComputeTrust(TrustInputs{Verifications: vs, Payments: pays, Profile: p, Batches: bs, Now: now})
	rec := TrustScoreRecord{
		ID:             uuid.NewString(),
		ManufacturerID: p.ManufacturerID,
		Score:          b.Score,
		Breakdown:      b,
		ComputedAt:     now,
	}
	if err := s.records.Append(ctx, rec); err != nil {
		return TrustScoreRecord{}, fmt.Errorf("append trust record: %w", err)
	}
	metrics.TrustScore.WithLabelValues(p.ManufacturerID).Set(float64(b.Score))
	return rec, nil
}

// RecomputeAll continues past individual failures and returns them joined.
func (s *TrustService) RecomputeAll(ctx context.Context, now time.Time) (int, error) {
	profiles, err := s.profiles.ListProfiles(ctx)
	if err != nil {
		return 0, fmt.Errorf("list profiles: %w", err)
	}

	l := logger.From(ctx)
	var (
		ok   int
		errs []error
	)
	for _, p := range profiles {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if _, err := s.recompute(ctx, p, now); err != nil {
			l.Error("trust recompute failed", "manufacturer_id", p.ManufacturerID, "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", p.ManufacturerID, err))
			continue
		}
		ok++
	}
	return ok, errors.Join(errs...)
}

func (s *TrustService) Trend(ctx context.Context, manufacturerID string, limit int) ([]TrustScoreRecord, error) {
	if manufacturerID == "" {
		return nil, ErrInvalidArgument
	}
	if limit <= 0 || limit > 365 {
		limit = 30
	}
	return s.records.Trend(ctx, manufacturerID, limit)
}

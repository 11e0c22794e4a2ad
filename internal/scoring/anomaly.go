package scoring

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"authenticity-platform/pkg/logger"
	"authenticity-platform/pkg/metrics"
)

const (
	// AnomalyWindow is the trailing window for the multi-location rule.
	// It is always time based with no cap on the number of logs considered.
	AnomalyWindow = 60 * time.Minute

	multiLocationWeight = 0.6
	repeatScanWeight    = 0.3
	repeatScanThreshold = 5

	// SuspiciousThreshold also applies to enhancer scores.
	SuspiciousThreshold = 0.6

	// Coordinates are compared at ~110m precision.
	coordinatePrecision = 1000
)

// ErrServiceDegraded marks a failed call to the optional AI risk service.
// It is logged and never propagated to scan callers.
var ErrServiceDegraded = errors.New("risk service degraded")

// ScanPoint is one historical or current scan of a code.
type ScanPoint struct {
	Latitude  *float64
	Longitude *float64
	At        time.Time
}

func (p ScanPoint) hasLocation() bool {
	return p.Latitude != nil && p.Longitude != nil
}

func (p ScanPoint) locationKey() string {
	lat := math.Round(*p.Latitude*coordinatePrecision) / coordinatePrecision
	lng := math.Round(*p.Longitude*coordinatePrecision) / coordinatePrecision
	return fmt.Sprintf("%.3f,%.3f", lat, lng)
}

// AnomalyInput is everything the scorers see about one scan.
// History must not contain the current scan.
type AnomalyInput struct {
	CodeValue       string
	ManufacturerID  string
	ProductCategory string

	History    []ScanPoint
	PriorCount int
	Current    ScanPoint
}

type Anomaly struct {
	Score      float64
	Advisory   string
	Suspicious bool
	// Enhanced is set when the AI service contributed to the result.
	Enhanced bool
}

// RuleScorer is the primary scorer. It always runs.
type RuleScorer struct{}

func (RuleScorer) Score(in AnomalyInput) Anomaly {
	var (
		score   float64
		reasons []string
	)

	if n := distinctLocations(in.History, in.Current); n >= 2 {
		score += multiLocationWeight
		reasons = append(reasons, fmt.Sprintf("scanned from %d locations within %s", n, AnomalyWindow))
	}
	if in.PriorCount >= repeatScanThreshold {
		score += repeatScanWeight
		reasons = append(reasons, fmt.Sprintf("%d prior verifications", in.PriorCount))
	}

	score = roundScore(math.Min(score, 1))
	return Anomaly{
		Score:      score,
		Advisory:   strings.Join(reasons, "; "),
		Suspicious: len(reasons) > 0,
	}
}

func distinctLocations(history []ScanPoint, current ScanPoint) int {
	since := current.At.Add(-AnomalyWindow)
	seen := map[string]struct{}{}
	for _, p := range history {
		if !p.hasLocation() || p.At.Before(since) || p.At.After(current.At) {
			continue
		}
		seen[p.locationKey()] = struct{}{}
	}
	if current.hasLocation() {
		seen[current.locationKey()] = struct{}{}
	}
	return len(seen)
}

// Enhancement is a secondary opinion from an external risk service.
type Enhancement struct {
	Score    float64
	Advisory string
}

// Enhancer is an optional secondary scorer. Implementations return ErrServiceDegraded
// (wrapped) on any failure.
type Enhancer interface {
	Enhance(ctx context.Context, in AnomalyInput) (Enhancement, error)
}

// AnomalyScorer runs the rule scorer and merges an optional enhancer by max score.
type AnomalyScorer struct {
	rules    RuleScorer
	enhancer Enhancer
}

// NewAnomalyScorer builds the scorer; enhancer may be nil.
func NewAnomalyScorer(enhancer Enhancer) *AnomalyScorer {
	return &AnomalyScorer{enhancer: enhancer}
}

func (s *AnomalyScorer) Score(ctx context.Context, in AnomalyInput) Anomaly {
	base := s.rules.Score(in)
	if s.enhancer == nil {
		return base
	}

	enh, err := s.enhancer.Enhance(ctx, in)
	if err != nil {
		metrics.EnhancerDegraded.Inc()
		logger.From(ctx).Warn("risk enhancer unavailable, using rule score",
			"code_value", in.CodeValue,
			"err", err,
		)
		return base
	}
	return merge(base, enh)
}

func merge(base Anomaly, enh Enhancement) Anomaly {
	out := base
	out.Enhanced = true
	out.Score = roundScore(math.Min(math.Max(base.Score, enh.Score), 1))
	if adv := strings.TrimSpace(enh.Advisory); adv != "" {
		if out.Advisory == "" {
			out.Advisory = adv
		} else {
			out.Advisory = out.Advisory + "; " + adv
		}
	}
	out.Suspicious = base.Suspicious || out.Score >= SuspiciousThreshold
	return out
}

func roundScore(v float64) float64 {
	return math.Round(v*100) / 100
}

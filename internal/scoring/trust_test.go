package scoring

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"authenticity-platform/internal/registry"
)

func tp(t time.Time) *time.Time { return &t }

func TestComputeTrust_Bounded(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	worst := ComputeTrust(TrustInputs{
		Verifications: ManufacturerVerificationStats{Total: 100, Genuine: 0, RecentSuspicious: 1000},
		Payments:      []PaymentStatus{PaymentFailed, PaymentFailed, PaymentFailed},
		Batches:       registry.BatchStats{Total: 10, Expired: 10},
		Now:           now,
	})
	if worst.Score < 0 || worst.Score > 100 {
		t.Fatalf("score out of bounds: %+v", worst)
	}
	// 0.4*30 + 0 + 0 + 0.1*40 + 0.05*40 = 18, minus 30 penalty, clamped.
	if worst.Score != 0 || worst.Penalty != 30 {
		t.Fatalf("expected clamped zero, got %+v", worst)
	}

	best := ComputeTrust(TrustInputs{
		Verifications: ManufacturerVerificationStats{Total: 100, Genuine: 100},
		Payments:      []PaymentStatus{PaymentCompleted},
		Profile: Profile{
			LicenseVerified:     true,
			CertificateVerified: true,
			WebsiteVerified:     true,
			DocumentsUpdatedAt:  tp(now.AddDate(0, -1, 0)),
			LastActiveAt:        tp(now.Add(-time.Hour)),
		},
		Batches: registry.BatchStats{Total: 10},
		Now:     now,
	})
	if best.Score != 100 {
		t.Fatalf("expected 100, got %+v", best)
	}

	empty := ComputeTrust(TrustInputs{})
	if empty.Score < 0 || empty.Score > 100 {
		t.Fatalf("score out of bounds: %+v", empty)
	}
}

func TestComputeTrust_Components(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	rates := []struct {
		genuine, total, want int
	}{
		{0, 0, 100}, {69, 100, 30}, {70, 100, 50}, {85, 100, 75}, {94, 100, 90}, {95, 100, 100},
	}
	for _, r := range rates {
		if got := verificationComponent(ManufacturerVerificationStats{Total: r.total, Genuine: r.genuine}); got != r.want {
			t.Fatalf("verification %d/%d = %d, want %d", r.genuine, r.total, got, r.want)
		}
	}

	pays := make([]PaymentStatus, 0, 14)
	pays = append(pays, PaymentFailed, PaymentPending)
	for i := 0; i < 10; i++ {
		pays = append(pays, PaymentCompleted)
	}
	// Entries past the 12-payment window are ignored.
	pays = append(pays, PaymentFailed, PaymentFailed)
	if got := paymentComponent(pays); got != 88 {
		t.Fatalf("payment component = %d, want 88", got)
	}

	if got := complianceComponent(Profile{LicenseVerified: true, CertificateVerified: true, WebsiteVerified: false, DocumentsUpdatedAt: tp(now.AddDate(0, 0, -200))}, now); got != 55 {
		t.Fatalf("compliance = %d, want 55", got)
	}

	activity := []struct {
		idle time.Duration
		want int
	}{
		{time.Hour, 100}, {8 * 24 * time.Hour, 80}, {31 * 24 * time.Hour, 60}, {91 * 24 * time.Hour, 40},
	}
	for _, a := range activity {
		if got := activityComponent(tp(now.Add(-a.idle)), now); got != a.want {
			t.Fatalf("activity idle=%v = %d, want %d", a.idle, got, a.want)
		}
	}
	if got := activityComponent(nil, now); got != 40 {
		t.Fatalf("never active = %d, want 40", got)
	}

	hygiene := map[int]int{0: 100, 1: 100, 2: 80, 3: 60, 6: 40}
	for expired, want := range hygiene {
		if got := hygieneComponent(registry.BatchStats{Total: 10, Expired: expired}); got != want {
			t.Fatalf("hygiene expired=%d = %d, want %d", expired, got, want)
		}
	}
}

type stubVerificationStats struct {
	stats map[string]ManufacturerVerificationStats
	fail  map[string]bool
}

func (s stubVerificationStats) ManufacturerStats(ctx context.Context, manufacturerID string, since time.Time) (ManufacturerVerificationStats, error) {
	if s.fail[manufacturerID] {
		return ManufacturerVerificationStats{}, errors.New("db down")
	}
	return s.stats[manufacturerID], nil
}

type stubBatches struct{}

func (stubBatches) BatchStats(ctx context.Context, manufacturerID string, now time.Time) (registry.BatchStats, error) {
	return registry.BatchStats{Total: 4, Expired: 1}, nil
}

func TestTrustService_RecomputeAllContinuesPastFailures(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	profiles := NewMemoryProfileRepo()
	profiles.Put(Profile{ManufacturerID: "a", LicenseVerified: true, CertificateVerified: true, WebsiteVerified: true, DocumentsUpdatedAt: tp(now), LastActiveAt: tp(now)})
	profiles.Put(Profile{ManufacturerID: "b"})
	profiles.Put(Profile{ManufacturerID: "c"})
	profiles.Payments["a"] = []PaymentStatus{PaymentCompleted, PaymentCompleted}

	records := &MemoryTrustRepo{}
	svc := NewTrustService(profiles, records, stubVerificationStats{
		stats: map[string]ManufacturerVerificationStats{"a": {Total: 10, Genuine: 10}},
		fail:  map[string]bool{"b": true},
	}, stubBatches{})

	ok, err := svc.RecomputeAll(context.Background(), now)
	if err == nil {
		t.Fatalf("expected joined error for b")
	}
	if ok != 2 {
		t.Fatalf("expected 2 successful recomputes, got %d", ok)
	}

	trend, err := svc.Trend(context.Background(), "a", 0)
	if err != nil || len(trend) != 1 {
		t.Fatalf("expected one record for a, got %v err=%v", trend, err)
	}
	// hygiene 1/4 expired = 25% -> 80
	if trend[0].Score != 99 || trend[0].Breakdown.BatchHygiene != 80 {
		t.Fatalf("unexpected record %+v", trend[0])
	}

	// Recompute is repeatable and appends history.
	if _, err := svc.Recompute(context.Background(), "a", now.Add(time.Hour)); err != nil {
		t.Fatalf("recompute: %v", err)
	}
	trend, _ = svc.Trend(context.Background(), "a", 10)
	if len(trend) != 2 || !trend[0].ComputedAt.After(trend[1].ComputedAt) {
		t.Fatalf("expected newest-first trend of 2, got %+v", trend)
	}
	if trend[0].Score != trend[1].Score {
		t.Fatalf("expected identical scores for identical inputs")
	}
}

func TestReputationChecker_RecheckAll(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer up.Close()
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer down.Close()

	profiles := NewMemoryProfileRepo()
	profiles.Put(Profile{ManufacturerID: "up", Website: up.URL})
	profiles.Put(Profile{ManufacturerID: "down", Website: down.URL, WebsiteVerified: true})
	profiles.Put(Profile{ManufacturerID: "none"})

	c := NewReputationChecker(profiles, time.Second)
	n, err := c.RecheckAll(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("expected 2 checks, got %d err=%v", n, err)
	}
	if p, _ := profiles.GetProfile(context.Background(), "up"); !p.WebsiteVerified {
		t.Fatalf("expected up verified")
	}
	if p, _ := profiles.GetProfile(context.Background(), "down"); p.WebsiteVerified {
		t.Fatalf("expected down unverified")
	}
}

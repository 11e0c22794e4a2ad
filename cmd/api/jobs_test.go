package main

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"authenticity-platform/internal/escalation"
	"authenticity-platform/internal/ratelimit"
	"authenticity-platform/internal/registry"
	"authenticity-platform/internal/scanflow"
	"authenticity-platform/internal/scheduler"
	"authenticity-platform/internal/scoring"
	"authenticity-platform/internal/verification"
)

func TestJobsUseInjectedClock(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	ctx := context.Background()

	repo := registry.NewMemoryRepo()
	repo.AddManufacturer(registry.Manufacturer{ID: "m1", Name: "Acme"})
	repo.AddProduct(registry.Product{ID: "p1", ManufacturerID: "m1", Name: "Amoxicillin", Category: "pharma"})
	reg := registry.NewService(repo, "https://verify.example.com")

	logs := &verification.MemoryLogRepo{}
	for i := 0; i < 3; i++ {
		err := logs.Append(ctx, verification.VerificationLog{
			ID:             "l" + string(rune('0'+i)),
			CodeValue:      "FAKE-0000-0001",
			State:          verification.StateInvalid,
			Suspicious:     true,
			ManufacturerID: "m1",
			ProductID:      "p1",
			CreatedAt:      time.Date(2025, 3, 1, 23, 0, 0, 0, time.UTC),
		})
		if err != nil {
			t.Fatalf("append log: %v", err)
		}
	}

	alerts := &scoring.MemoryAlertRepo{}
	risk := scoring.NewRiskService(logs, alerts)
	trust := scoring.NewTrustService(scoring.NewMemoryProfileRepo(), &scoring.MemoryTrustRepo{}, logs, reg)
	limiter := ratelimit.NewLimiter(ratelimit.NewMemoryStore(), 10, 100)
	webhooks := escalation.NewMemoryWebhookRepo()
	dispatcher := escalation.NewDispatcher(escalation.NewNotifier(webhooks, limiter), webhooks, alerts, reg).WithClock(clock)
	t.Cleanup(func() { _ = dispatcher.Wait(context.Background()) })
	engine := verification.NewEngine(reg, logs, scoring.NewAnomalyScorer(nil))

	a := app{
		registry:   reg,
		risk:       risk,
		trust:      trust,
		limiter:    limiter,
		dispatcher: dispatcher,
		scans:      scanflow.NewProcessor(engine, risk, dispatcher, nil),
	}
	s := scheduler.New(slog.New(slog.NewTextHandler(io.Discard, nil))).WithClock(clock)
	if err := registerJobs(s, a, clock); err != nil {
		t.Fatalf("register jobs: %v", err)
	}

	now = time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC)
	s.RunDue(ctx)

	got, err := alerts.ListByManufacturer(ctx, "m1", 10)
	if err != nil {
		t.Fatalf("list alerts: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected risk recompute to see the scans inside its window, got %d alerts", len(got))
	}
	if !got[0].CreatedAt.Equal(now) {
		t.Fatalf("alert stamped %v, want %v", got[0].CreatedAt, now)
	}
}

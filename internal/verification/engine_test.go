package verification

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"authenticity-platform/internal/registry"
	"authenticity-platform/internal/scoring"
)

type fixture struct {
	engine *Engine
	reg    *registry.Service
	repo   *registry.MemoryRepo
	logs   *MemoryLogRepo
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	now := time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)
	repo := registry.NewMemoryRepo()
	repo.AddManufacturer(registry.Manufacturer{ID: "m1", Name: "Acme"})
	repo.AddProduct(registry.Product{ID: "p1", ManufacturerID: "m1", Name: "Amoxicillin", Category: "pharma"})
	reg := registry.NewService(repo, "https://verify.example.com").WithClock(func() time.Time { return now })
	logs := &MemoryLogRepo{}
	eng := NewEngine(reg, logs, scoring.NewAnomalyScorer(nil)).WithClock(func() time.Time { return now })
	return &fixture{engine: eng, reg: reg, repo: repo, logs: logs, now: now}
}

func (f *fixture) batch(t *testing.T, n int) []registry.Code {
	t.Helper()
	_, codes, err := f.reg.CreateBatchCodes(context.Background(), registry.CreateBatchRequest{
		ManufacturerID: "m1", ProductID: "p1", BatchNumber: "B-1", Quantity: n,
	})
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}
	return codes
}

func fp(v float64) *float64 { return &v }

func TestVerify_EndToEndGenuineThenUsedThenInvalid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	codes := f.batch(t, 5)

	first, err := f.engine.Verify(ctx, ScanEvent{CodeValue: codes[0].Value})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if first.State != StateGenuine || first.Suspicious {
		t.Fatalf("expected GENUINE, got %+v", first)
	}
	cc, _ := f.reg.Lookup(ctx, codes[0].Value)
	if !cc.Code.Used {
		t.Fatalf("expected code flipped to used")
	}

	second, err := f.engine.Verify(ctx, ScanEvent{CodeValue: codes[0].Value})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if second.State != StateCodeAlreadyUsed {
		t.Fatalf("expected CODE_ALREADY_USED, got %s", second.State)
	}

	unknown, err := f.engine.Verify(ctx, ScanEvent{CodeValue: "no-such-code-123"})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if unknown.State != StateInvalid || unknown.Context != nil {
		t.Fatalf("expected INVALID, got %+v", unknown)
	}

	if got := len(f.logs.All()); got != 3 {
		t.Fatalf("expected 3 logs, got %d", got)
	}
}

func TestVerify_ConcurrentFirstScansYieldOneGenuine(t *testing.T) {
	f := newFixture(t)
	codes := f.batch(t, 1)

	const n = 16
	states := make([]State, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.engine.Verify(context.Background(), ScanEvent{CodeValue: codes[0].Value})
			if err != nil {
				t.Errorf("verify: %v", err)
				return
			}
			states[i] = res.BaseState
		}(i)
	}
	wg.Wait()

	genuine := 0
	for _, s := range states {
		switch s {
		case StateGenuine:
			genuine++
		case StateCodeAlreadyUsed:
		default:
			t.Fatalf("unexpected state %s", s)
		}
	}
	if genuine != 1 {
		t.Fatalf("expected exactly one GENUINE, got %d", genuine)
	}
}

func TestVerify_SuspiciousOverlay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	codes := f.batch(t, 1)
	v := codes[0].Value

	// Six prior scans within the hour from two coordinates.
	for i := 0; i < 6; i++ {
		lat, lng := 6.5244, 3.3792
		if i%2 == 1 {
			lat, lng = 9.0765, 7.3986
		}
		_ = f.logs.Append(ctx, VerificationLog{
			ID:        "seed",
			CodeValue: v,
			State:     StateCodeAlreadyUsed,
			Latitude:  fp(lat),
			Longitude: fp(lng),
			CreatedAt: f.now.Add(time.Duration(-50+i*5) * time.Minute),
		})
	}

	res, err := f.engine.Verify(ctx, ScanEvent{CodeValue: v, Latitude: fp(6.5244), Longitude: fp(3.3792)})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.RiskScore < 0.6 || !res.Suspicious || res.State != StateSuspiciousPattern {
		t.Fatalf("expected suspicious overlay, got %+v", res)
	}
	// The code was still unused, so the base state is preserved next to the overlay.
	if res.BaseState != StateGenuine || res.Log.State != StateGenuine || !res.Log.Suspicious {
		t.Fatalf("expected GENUINE base with overlay, got %+v", res.Log)
	}
}

func TestVerify_HistoryReadBeforeAppend(t *testing.T) {
	f := newFixture(t)
	codes := f.batch(t, 1)

	// A single first scan with coordinates must not count itself as a second location.
	res, err := f.engine.Verify(context.Background(), ScanEvent{CodeValue: codes[0].Value, Latitude: fp(1), Longitude: fp(1)})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.Suspicious || res.RiskScore != 0 {
		t.Fatalf("expected clean first scan, got %+v", res)
	}
}

func TestVerify_UnregisteredProduct(t *testing.T) {
	f := newFixture(t)
	f.repo.AddCode(registry.Code{Value: "LEGACY-0001", ManufacturerID: "m1"})

	res, err := f.engine.Verify(context.Background(), ScanEvent{CodeValue: "legacy-0001"})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.State != StateUnregisteredProduct {
		t.Fatalf("expected UNREGISTERED_PRODUCT, got %s", res.State)
	}
	cc, _ := f.reg.Lookup(context.Background(), "LEGACY-0001")
	if cc.Code.Used {
		t.Fatalf("unregistered scan must not flip used flag")
	}
}

func TestVerify_ManufacturerMismatchIsInvalid(t *testing.T) {
	f := newFixture(t)
	codes := f.batch(t, 1)

	res, err := f.engine.Verify(context.Background(), ScanEvent{CodeValue: codes[0].Value, ManufacturerID: "someone-else"})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.State != StateInvalid {
		t.Fatalf("expected INVALID, got %s", res.State)
	}
	cc, _ := f.reg.Lookup(context.Background(), codes[0].Value)
	if cc.Code.Used {
		t.Fatalf("mismatched scan must not flip used flag")
	}
	if res.Log.ProductID != "p1" || res.Log.ManufacturerID != "m1" {
		t.Fatalf("expected log attributed to the code's product, got %+v", res.Log)
	}
	if res.Context != nil {
		t.Fatalf("invalid scans must not expose product details")
	}

	pc, err := f.logs.ProductCounts(context.Background(), "p1")
	if err != nil {
		t.Fatalf("product counts: %v", err)
	}
	if pc.Invalid != 1 || pc.Total != 1 {
		t.Fatalf("expected the invalid scan counted for p1, got %+v", pc)
	}
}

func TestVerify_InvalidScansAreScored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var res Result
	for i := 0; i < 6; i++ {
		var err error
		res, err = f.engine.Verify(ctx, ScanEvent{CodeValue: "FAKE-0000-0001"})
		if err != nil {
			t.Fatalf("verify %d: %v", i, err)
		}
	}
	if res.State != StateInvalid || res.Suspicious {
		t.Fatalf("expected INVALID without overlay, got %+v", res)
	}
	if res.RiskScore < 0.3 || res.Log.RiskScore != res.RiskScore {
		t.Fatalf("expected repeat-scan score on the invalid log, got %v", res.Log.RiskScore)
	}
}

func TestVerify_MalformedRequests(t *testing.T) {
	f := newFixture(t)
	cases := []ScanEvent{
		{CodeValue: "   "},
		{CodeValue: "X", Latitude: fp(1)},
		{CodeValue: "X", Latitude: fp(91), Longitude: fp(0)},
	}
	for _, ev := range cases {
		if _, err := f.engine.Verify(context.Background(), ev); !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("expected ErrInvalidArgument for %+v, got %v", ev, err)
		}
	}
}

type failingLogs struct{ MemoryLogRepo }

func (*failingLogs) Append(ctx context.Context, l VerificationLog) error {
	return errors.New("storage down")
}

func TestVerify_StorageOutagePropagates(t *testing.T) {
	f := newFixture(t)
	codes := f.batch(t, 1)
	eng := NewEngine(f.reg, &failingLogs{}, scoring.NewAnomalyScorer(nil))
	if _, err := eng.Verify(context.Background(), ScanEvent{CodeValue: codes[0].Value}); err == nil {
		t.Fatalf("expected storage error")
	}
}

func TestMemoryLogRepo_Aggregates(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)
	r := &MemoryLogRepo{}
	add := func(state State, suspicious bool, age time.Duration) {
		_ = r.Append(ctx, VerificationLog{CodeValue: "C", State: state, Suspicious: suspicious, ManufacturerID: "m1", ProductID: "p1", CreatedAt: now.Add(-age)})
	}
	add(StateGenuine, false, 10*24*time.Hour)
	add(StateCodeAlreadyUsed, true, time.Hour)
	add(StateCodeAlreadyUsed, false, time.Hour)
	add(StateInvalid, false, time.Minute)

	pc, _ := r.ProductCounts(ctx, "p1")
	if pc != (scoring.ProductCounts{Total: 4, Suspicious: 1, Invalid: 1, AlreadyUsed: 2}) {
		t.Fatalf("unexpected product counts %+v", pc)
	}
	ms, _ := r.ManufacturerStats(ctx, "m1", now.Add(-7*24*time.Hour))
	if ms != (scoring.ManufacturerVerificationStats{Total: 4, Genuine: 1, RecentSuspicious: 1}) {
		t.Fatalf("unexpected manufacturer stats %+v", ms)
	}
	refs, _ := r.ActiveProducts(ctx, now.Add(-24*time.Hour))
	if len(refs) != 1 || refs[0].ProductID != "p1" {
		t.Fatalf("unexpected active products %+v", refs)
	}
}

package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newLimiter(t *testing.T, start time.Time) (*Limiter, *fakeClock) {
	t.Helper()
	clk := &fakeClock{now: start}
	return NewLimiter(NewMemoryStore(), 3, 5).WithClock(clk.Now), clk
}

func TestNextResets(t *testing.T) {
	now := time.Date(2025, 2, 28, 23, 17, 5, 0, time.UTC)
	if got := NextHourlyReset(now); !got.Equal(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected hourly reset %v", got)
	}
	if got := NextDailyReset(now); !got.Equal(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected daily reset %v", got)
	}
	onBoundary := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	if got := NextHourlyReset(onBoundary); !got.Equal(onBoundary.Add(time.Hour)) {
		t.Fatalf("expected strictly later reset, got %v", got)
	}
}

func TestLimiter_HourlyCapThenReset(t *testing.T) {
	start := time.Date(2025, 3, 1, 10, 15, 0, 0, time.UTC)
	l, clk := newLimiter(t, start)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := l.CheckAndIncrement(ctx, "nafdac")
		if err != nil || !d.Allowed {
			t.Fatalf("call %d: expected allowed, got %+v err=%v", i, d, err)
		}
	}
	d, err := l.CheckAndIncrement(ctx, "nafdac")
	if err != nil || d.Allowed || !d.Limit.Throttled {
		t.Fatalf("expected throttled refusal, got %+v err=%v", d, err)
	}
	if d.Limit.HourlyCount != 3 {
		t.Fatalf("refusal must not increment, got %d", d.Limit.HourlyCount)
	}

	clk.Advance(45 * time.Minute) // 11:00, past the hourly reset
	st, err := l.Status(ctx, "nafdac")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.HourlyCount != 0 || st.Throttled {
		t.Fatalf("expected hourly counter reset to 0, got %+v", st)
	}
	if st.DailyCount != 3 {
		t.Fatalf("daily counter must survive hourly reset, got %d", st.DailyCount)
	}
	if !st.HourlyResetAt.Equal(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected next hourly reset %v", st.HourlyResetAt)
	}

	// Daily cap (5) now binds before the hourly one.
	allowed := 0
	for i := 0; i < 3; i++ {
		if d, _ := l.CheckAndIncrement(ctx, "nafdac"); d.Allowed {
			allowed++
		}
	}
	if allowed != 2 {
		t.Fatalf("expected daily cap to allow 2 more, got %d", allowed)
	}

	clk.Advance(13 * time.Hour) // next day
	if n, err := l.ResetExpired(ctx); err != nil || n != 1 {
		t.Fatalf("expected one agency reset, got %d err=%v", n, err)
	}
	st, _ = l.Status(ctx, "nafdac")
	if st.HourlyCount != 0 || st.DailyCount != 0 {
		t.Fatalf("expected all counters reset, got %+v", st)
	}
}

func TestLimiter_NeverExceedsHourlyCapConcurrently(t *testing.T) {
	l, _ := newLimiter(t, time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC))
	var (
		wg      sync.WaitGroup
		allowed atomic.Int32
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d, err := l.CheckAndIncrement(context.Background(), "fda"); err == nil && d.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	if allowed.Load() != 3 {
		t.Fatalf("expected exactly 3 allowed, got %d", allowed.Load())
	}
}

func TestLimiter_ReleaseFloorsAtZero(t *testing.T) {
	l, _ := newLimiter(t, time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC))
	ctx := context.Background()

	d, err := l.CheckAndIncrement(ctx, "who")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := l.Release(ctx, d.Reservation()); err != nil {
			t.Fatalf("release: %v", err)
		}
	}
	st, _ := l.Status(ctx, "who")
	if st.HourlyCount != 0 || st.DailyCount != 0 {
		t.Fatalf("expected counters at 0, got %+v", st)
	}
	if err := l.Release(ctx, Reservation{}); err == nil {
		t.Fatalf("expected empty agency to be rejected")
	}
}

func TestLimiter_ReleaseAfterHourRolloverKeepsNewWindow(t *testing.T) {
	clk := &fakeClock{now: time.Date(2025, 3, 1, 10, 59, 30, 0, time.UTC)}
	l := NewLimiter(NewMemoryStore(), 1, 100).WithClock(clk.Now)
	ctx := context.Background()

	first, err := l.CheckAndIncrement(ctx, "fda")
	if err != nil || !first.Allowed {
		t.Fatalf("expected first reservation, got %+v err=%v", first, err)
	}

	clk.Advance(40 * time.Second) // 11:00:10
	second, err := l.CheckAndIncrement(ctx, "fda")
	if err != nil || !second.Allowed {
		t.Fatalf("expected new hour to admit one, got %+v err=%v", second, err)
	}

	// The 10:59 retry chain gives up after the boundary.
	clk.Advance(90 * time.Second)
	if err := l.Release(ctx, first.Reservation()); err != nil {
		t.Fatalf("release: %v", err)
	}
	st, _ := l.Status(ctx, "fda")
	if st.HourlyCount != 1 {
		t.Fatalf("release of a closed hour must not touch the current one, got %d", st.HourlyCount)
	}
	if st.DailyCount != 1 {
		t.Fatalf("expected daily refund of the same-day reservation, got %d", st.DailyCount)
	}

	d, err := l.CheckAndIncrement(ctx, "fda")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if d.Allowed {
		t.Fatalf("expected hourly cap of 1 to hold in the 11:00 window")
	}
}

func TestLimiter_ReleaseAfterMidnightKeepsNewDay(t *testing.T) {
	clk := &fakeClock{now: time.Date(2025, 3, 1, 23, 59, 0, 0, time.UTC)}
	l := NewLimiter(NewMemoryStore(), 5, 5).WithClock(clk.Now)
	ctx := context.Background()

	old, err := l.CheckAndIncrement(ctx, "ema")
	if err != nil || !old.Allowed {
		t.Fatalf("expected reservation, got %+v err=%v", old, err)
	}
	clk.Advance(2 * time.Minute)
	for i := 0; i < 5; i++ {
		if d, _ := l.CheckAndIncrement(ctx, "ema"); !d.Allowed {
			t.Fatalf("call %d: expected allowed in the new day", i)
		}
	}
	if err := l.Release(ctx, old.Reservation()); err != nil {
		t.Fatalf("release: %v", err)
	}
	if d, _ := l.CheckAndIncrement(ctx, "ema"); d.Allowed {
		t.Fatalf("expected daily cap to hold after releasing yesterday's reservation")
	}
}

func TestLimiter_ReleaseRefundsSameWindow(t *testing.T) {
	l, _ := newLimiter(t, time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC))
	ctx := context.Background()

	var last Decision
	for i := 0; i < 3; i++ {
		last, _ = l.CheckAndIncrement(ctx, "who")
	}
	if d, _ := l.CheckAndIncrement(ctx, "who"); d.Allowed {
		t.Fatalf("expected cap reached")
	}
	if err := l.Release(ctx, last.Reservation()); err != nil {
		t.Fatalf("release: %v", err)
	}
	st, _ := l.Status(ctx, "who")
	if st.HourlyCount != 2 || st.DailyCount != 2 || st.Throttled {
		t.Fatalf("expected one slot refunded, got %+v", st)
	}
}

func TestLimiter_ConfigureUpdatesCaps(t *testing.T) {
	l, _ := newLimiter(t, time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC))
	ctx := context.Background()

	if _, err := l.Configure(ctx, "ema", 1, 10); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if d, _ := l.CheckAndIncrement(ctx, "ema"); !d.Allowed || d.Limit.AlertsPerHour != 1 {
		t.Fatalf("expected caps applied, got %+v", d.Limit)
	}
	if d, _ := l.CheckAndIncrement(ctx, "ema"); d.Allowed {
		t.Fatalf("expected refusal at cap 1")
	}

	st, err := l.Configure(ctx, "ema", 5, 20)
	if err != nil {
		t.Fatalf("reconfigure: %v", err)
	}
	if st.AlertsPerHour != 5 || st.AlertsPerDay != 20 || st.HourlyCount != 1 || st.Throttled {
		t.Fatalf("expected raised caps with counters kept, got %+v", st)
	}
	if d, _ := l.CheckAndIncrement(ctx, "ema"); !d.Allowed {
		t.Fatalf("expected budget after raising caps")
	}
	if _, err := l.Configure(ctx, "bad", 5, 1); err == nil {
		t.Fatalf("expected invalid caps to be rejected")
	}
}

func TestDecodeScriptResult(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	hr := NextHourlyReset(now).UnixMilli()
	dr := NextDailyReset(now).UnixMilli()
	l, allowed, reset, err := decodeScriptResult("a", []int64{1, 2, 3, 10, 100, 0, hr, dr, 1}, now)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !allowed || !reset || l.HourlyCount != 2 || l.DailyCount != 3 || l.AlertsPerHour != 10 || l.Throttled {
		t.Fatalf("unexpected decode %+v allowed=%v reset=%v", l, allowed, reset)
	}
	if !l.HourlyResetAt.Equal(NextHourlyReset(now)) {
		t.Fatalf("unexpected reset time %v", l.HourlyResetAt)
	}
	if _, _, _, err := decodeScriptResult("a", []int64{1}, now); err == nil {
		t.Fatalf("expected length error")
	}
}

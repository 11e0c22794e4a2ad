package main

import (
	"context"
	"time"

	"authenticity-platform/internal/ratelimit"
	"authenticity-platform/internal/scheduler"
	"authenticity-platform/pkg/logger"
)

const (
	redeliveryInterval = 15 * time.Minute
	reputationInterval = 7 * 24 * time.Hour
)

// registerJobs installs the periodic triggers. Resets are aligned to UTC hour and day
// boundaries; recomputes run daily at midnight UTC. Job bodies read time from clock.
func registerJobs(s *scheduler.Scheduler, a app, clock func() time.Time) error {
	daily := func(now time.Time) time.Time { return ratelimit.NextDailyReset(now) }

	jobs := []scheduler.Job{
		{
			Name: "rate_limit_hourly_reset",
			Next: func(now time.Time) time.Time { return ratelimit.NextHourlyReset(now) },
			Run:  resetLimits(a),
		},
		{
			Name: "rate_limit_daily_reset",
			Next: daily,
			Run:  resetLimits(a),
		},
		{
			Name: "trust_recompute",
			Next: daily,
			Run: func(ctx context.Context) error {
				n, err := a.trust.RecomputeAll(ctx, clock())
				logger.From(ctx).Info("trust scores recomputed", "count", n)
				return err
			},
		},
		{
			Name: "risk_recompute",
			Next: daily,
			Run: func(ctx context.Context) error {
				created, err := a.risk.RecomputeAll(ctx, clock())
				for _, alert := range created {
					a.scans.Escalate(ctx, alert)
				}
				logger.From(ctx).Info("product risk recomputed", "alerts_created", len(created))
				return err
			},
		},
		{
			Name:     "alert_redelivery",
			Interval: redeliveryInterval,
			Run: func(ctx context.Context) error {
				n, err := a.dispatcher.RedeliverPending(ctx, clock())
				if n > 0 {
					logger.From(ctx).Info("pending alerts settled", "count", n)
				}
				return err
			},
		},
		{
			Name:     "reputation_recheck",
			Interval: reputationInterval,
			Run: func(ctx context.Context) error {
				n, err := a.reputation.RecheckAll(ctx)
				logger.From(ctx).Info("manufacturer websites rechecked", "count", n)
				return err
			},
		},
	}
	for _, j := range jobs {
		if err := s.Register(j); err != nil {
			return err
		}
	}
	return nil
}

func resetLimits(a app) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		n, err := a.limiter.ResetExpired(ctx)
		if n > 0 {
			logger.From(ctx).Info("rate limit windows reset", "agencies", n)
		}
		return err
	}
}

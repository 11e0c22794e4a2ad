package escalation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"authenticity-platform/internal/ratelimit"
	"authenticity-platform/pkg/logger"
	"authenticity-platform/pkg/metrics"

	"github.com/google/uuid"
)

// maxMessageBytes bounds how much of a response body is kept in the delivery log.
const maxMessageBytes = 512

// WebhookRepository abstracts webhook configuration and the delivery audit trail.
type WebhookRepository interface {
	GetByAgency(ctx context.Context, agencyID string) (RegulatoryWebhook, error)
	ListActive(ctx context.Context) ([]RegulatoryWebhook, error)
	AppendDeliveryLog(ctx context.Context, l WebhookDeliveryLog) error
	MarkSuccess(ctx context.Context, webhookID string, at time.Time) error
	MarkFailure(ctx context.Context, webhookID string, at time.Time) error
}

// RateLimiter is satisfied by *ratelimit.Limiter.
type RateLimiter interface {
	CheckAndIncrement(ctx context.Context, agencyID string) (ratelimit.Decision, error)
	Release(ctx context.Context, r ratelimit.Reservation) error
}

// Sleeper waits between attempts and must return early when ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Notifier delivers one alert to one agency.
//
// Delivery contract:
// - absent or inactive webhook is a no-op, not an error
// - a rate limit refusal defers without any attempt
// - attempts are sequential; every attempt is logged
// - the limiter reservation is kept on success and released when all attempts fail
type Notifier struct {
	webhooks WebhookRepository
	limiter  RateLimiter
	http     *http.Client
	sleep    Sleeper
	// clock is injectable for deterministic tests.
	clock func() time.Time
}

func NewNotifier(webhooks WebhookRepository, limiter RateLimiter) *Notifier {
	return &Notifier{
		webhooks: webhooks,
		limiter:  limiter,
		// Per-attempt timeouts come from the webhook config via the request context.
		http:  &http.Client{},
		sleep: sleepCtx,
		clock: time.Now,
	}
}

// WithSleeper replaces the backoff sleeper. Tests use it to record delays.
func (n *Notifier) WithSleeper(s Sleeper) *Notifier {
	n.sleep = s
	return n
}

// WithClock replaces the notifier clock.
func (n *Notifier) WithClock(clock func() time.Time) *Notifier {
	n.clock = clock
	return n
}

// BackoffDelay is the wait after the given failed attempt: interval * 2^(attempt-1).
func BackoffDelay(interval time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return interval << (attempt - 1)
}

// NotifyAgency returns an error only for storage or limiter failures. Delivery failures are
// reported as OutcomeFailed.
func (n *Notifier) NotifyAgency(ctx context.Context, agencyID string, alert AlertBody) (Result, error) {
	if agencyID == "" {
		return Result{}, ErrInvalidArgument
	}
	wh, err := n.webhooks.GetByAgency(ctx, agencyID)
	if errors.Is(err, ErrNotFound) {
		return n.finish(Result{Outcome: OutcomeNoop}), nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("webhook lookup: %w", err)
	}
	return n.deliver(ctx, wh, alert)
}

func (n *Notifier) deliver(ctx context.Context, wh RegulatoryWebhook, alert AlertBody) (Result, error) {
	if !wh.Active {
		return n.finish(Result{Outcome: OutcomeNoop}), nil
	}
	wh = wh.withDefaults()
	l := logger.From(ctx).With("agency_id", wh.AgencyID, "webhook_id", wh.ID, "alert_id", alert.AlertID)

	d, err := n.limiter.CheckAndIncrement(ctx, wh.AgencyID)
	if err != nil {
		return Result{}, fmt.Errorf("rate limit: %w", err)
	}
	if !d.Allowed {
		l.Info("escalation deferred by rate limit")
		return n.finish(Result{Outcome: OutcomeDeferred}), nil
	}

	body, err := json.Marshal(Payload{
		Timestamp: n.clock().UTC(),
		Agency:    wh.AgencyID,
		Alert:     alert,
	})
	if err != nil {
		_ = n.limiter.Release(ctx, d.Reservation())
		return Result{}, fmt.Errorf("encode payload: %w", err)
	}
	signature := Sign(wh.Secret, body)

	res := Result{Outcome: OutcomeFailed}
	for attempt := 1; attempt <= wh.MaxAttempts; attempt++ {
		res.Attempts = attempt
		code, err := n.attempt(ctx, wh, alert.AlertID, body, signature, attempt)

		entry := WebhookDeliveryLog{
			ID:           uuid.NewString(),
			WebhookID:    wh.ID,
			AlertID:      alert.AlertID,
			Attempt:      attempt,
			Outcome:      DeliverySuccess,
			ResponseCode: code,
			Message:      "delivered",
			CreatedAt:    n.clock().UTC(),
		}
		if err != nil {
			entry.Outcome = DeliveryFailure
			entry.Message = err.Error()
		}
		if lerr := n.webhooks.AppendDeliveryLog(ctx, entry); lerr != nil {
			l.Error("append delivery log failed", "attempt", attempt, "err", lerr)
		}
		metrics.WebhookAttempts.WithLabelValues(wh.AgencyID, string(entry.Outcome)).Inc()

		if err == nil {
			res.Outcome = OutcomeSent
			break
		}
		l.Warn("webhook attempt failed", "attempt", attempt, "max_attempts", wh.MaxAttempts, "err", err)

		if attempt < wh.MaxAttempts {
			if serr := n.sleep(ctx, BackoffDelay(wh.RetryInterval, attempt)); serr != nil {
				break
			}
		}
	}

	now := n.clock().UTC()
	if res.Outcome == OutcomeSent {
		if err := n.webhooks.MarkSuccess(ctx, wh.ID, now); err != nil {
			l.Error("mark webhook success failed", "err", err)
		}
	} else {
		if err := n.webhooks.MarkFailure(ctx, wh.ID, now); err != nil {
			l.Error("mark webhook failure failed", "err", err)
		}
		// Counters only reflect delivered notifications.
		if err := n.limiter.Release(ctx, d.Reservation()); err != nil {
			l.Error("release rate limit reservation failed", "err", err)
		}
	}
	return n.finish(res), nil
}

func (n *Notifier) attempt(ctx context.Context, wh RegulatoryWebhook, alertID string, body []byte, signature string, attempt int) (int, error) {
	actx, cancel := context.WithTimeout(ctx, wh.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(actx, http.MethodPost, wh.URL, bytes.NewReader(body))
	if err != nil {
		return 0, &TransientDeliveryError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, signature)
	req.Header.Set(AttemptHeader, strconv.Itoa(attempt))
	req.Header.Set(WebhookIDHeader, wh.ID)
	req.Header.Set(AlertIDHeader, alertID)

	start := time.Now()
	resp, err := n.http.Do(req)
	metrics.WebhookAttemptDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return 0, &TransientDeliveryError{Err: err}
	}
	defer resp.Body.Close()

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxMessageBytes))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, &TransientDeliveryError{
			StatusCode: resp.StatusCode,
			Err:        errors.New(strings.TrimSpace(string(msg))),
		}
	}
	return resp.StatusCode, nil
}

func (n *Notifier) finish(r Result) Result {
	metrics.Escalations.WithLabelValues(string(r.Outcome)).Inc()
	return r
}

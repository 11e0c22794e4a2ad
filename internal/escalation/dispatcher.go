package escalation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"authenticity-platform/internal/registry"
	"authenticity-platform/internal/scoring"
	"authenticity-platform/pkg/logger"

	"golang.org/x/sync/errgroup"
)

const (
	// fanOutLimit bounds concurrent agency deliveries for one alert.
	fanOutLimit = 8
	// defaultLease bounds how long one delivery owns an alert before redelivery may take over.
	defaultLease = 10 * time.Minute
)

// AlertStore is the subset of scoring.AlertRepository the dispatcher needs.
type AlertStore interface {
	UpdateStatus(ctx context.Context, id string, status scoring.AlertStatus, now time.Time) error
	ListPending(ctx context.Context, now time.Time) ([]scoring.RiskAlert, error)
	Claim(ctx context.Context, id string, now, until time.Time) (bool, error)
	ReleaseClaim(ctx context.Context, id string) error
}

// DeliveryTracker keeps the latest outcome per alert and agency.
type DeliveryTracker interface {
	AgencyOutcomes(ctx context.Context, alertID string) (map[string]Outcome, error)
	RecordOutcome(ctx context.Context, alertID, agencyID string, outcome Outcome, at time.Time) error
}

// DispatchStore is satisfied by both webhook repositories.
type DispatchStore interface {
	WebhookRepository
	DeliveryTracker
}

// Catalog resolves the names and category that go into the payload. *registry.Service satisfies it.
type Catalog interface {
	Manufacturer(ctx context.Context, id string) (registry.Manufacturer, error)
	Product(ctx context.Context, id string) (registry.Product, error)
}

// Dispatcher fans an alert out to every subscribed agency and settles the alert status.
type Dispatcher struct {
	notifier *Notifier
	store    DispatchStore
	alerts   AlertStore
	catalog  Catalog
	lease    time.Duration
	clock    func() time.Time

	wg sync.WaitGroup
}

func NewDispatcher(notifier *Notifier, store DispatchStore, alerts AlertStore, catalog Catalog) *Dispatcher {
	return &Dispatcher{
		notifier: notifier,
		store:    store,
		alerts:   alerts,
		catalog:  catalog,
		lease:    defaultLease,
		clock:    time.Now,
	}
}

func (d *Dispatcher) WithClock(clock func() time.Time) *Dispatcher {
	d.clock = clock
	return d
}

// WithLease sets how long a delivery owns an alert. It must exceed the longest retry chain.
func (d *Dispatcher) WithLease(lease time.Duration) *Dispatcher {
	d.lease = lease
	return d
}

// Dispatch delivers in the background. The goroutine keeps the caller's logger but not its
// cancellation, so a finished HTTP request does not abort retries.
func (d *Dispatcher) Dispatch(ctx context.Context, alert scoring.RiskAlert) {
	bg := logger.Detach(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		_, err := d.Deliver(bg, alert)
		switch {
		case errors.Is(err, ErrAlertClaimed):
			logger.From(bg).Info("alert already settled or in delivery", "alert_id", alert.ID)
		case err != nil:
			logger.From(bg).Error("alert dispatch failed", "alert_id", alert.ID, "err", err)
		}
	}()
}

// Wait blocks until background dispatches finish or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Deliver claims the alert, notifies every matching agency that has no final outcome yet and
// settles the alert status. Returns ErrAlertClaimed when the alert cannot be claimed.
//
// The alert stays pending while any agency is deferred or unreachable, or nobody subscribes.
// Otherwise it is sent when any agency got it and failed when every agency failed.
func (d *Dispatcher) Deliver(ctx context.Context, alert scoring.RiskAlert) (status scoring.AlertStatus, err error) {
	l := logger.From(ctx).With("alert_id", alert.ID, "product_id", alert.ProductID)

	now := d.clock().UTC()
	claimed, err := d.alerts.Claim(ctx, alert.ID, now, now.Add(d.lease))
	if err != nil {
		return scoring.AlertPending, fmt.Errorf("claim alert: %w", err)
	}
	if !claimed {
		return scoring.AlertPending, ErrAlertClaimed
	}
	status = scoring.AlertPending
	defer func() {
		if status != scoring.AlertPending {
			return
		}
		if rerr := d.alerts.ReleaseClaim(context.WithoutCancel(ctx), alert.ID); rerr != nil {
			l.Error("release alert claim failed", "err", rerr)
		}
	}()

	body := d.body(ctx, alert)
	hooks, err := d.store.ListActive(ctx)
	if err != nil {
		return scoring.AlertPending, fmt.Errorf("list webhooks: %w", err)
	}
	prior, err := d.store.AgencyOutcomes(ctx, alert.ID)
	if err != nil {
		return scoring.AlertPending, fmt.Errorf("load agency outcomes: %w", err)
	}

	var (
		outcomes []Outcome
		targets  []RegulatoryWebhook
	)
	for _, h := range hooks {
		if !h.Accepts(body.ProductCategory) {
			continue
		}
		switch o := prior[h.AgencyID]; o {
		case OutcomeSent, OutcomeFailed:
			outcomes = append(outcomes, o)
		default:
			targets = append(targets, h)
		}
	}

	results := make([]Result, len(targets))
	var g errgroup.Group
	g.SetLimit(fanOutLimit)
	for i, h := range targets {
		i, h := i, h
		g.Go(func() error {
			r, err := d.notifier.deliver(ctx, h, body)
			if err != nil {
				return fmt.Errorf("agency %s: %w", h.AgencyID, err)
			}
			results[i] = r
			if r.Outcome == OutcomeNoop {
				return nil
			}
			if err := d.store.RecordOutcome(ctx, alert.ID, h.AgencyID, r.Outcome, d.clock().UTC()); err != nil {
				l.Error("record agency outcome failed", "agency_id", h.AgencyID, "outcome", r.Outcome, "err", err)
			}
			return nil
		})
	}
	gerr := g.Wait()
	if gerr != nil {
		l.Error("some agencies could not be notified", "err", gerr)
	}
	for _, r := range results {
		outcomes = append(outcomes, r.Outcome)
	}

	status = settle(outcomes)
	if status != scoring.AlertPending {
		if err := d.alerts.UpdateStatus(ctx, alert.ID, status, d.clock().UTC()); err != nil {
			return status, errors.Join(gerr, fmt.Errorf("update alert status: %w", err))
		}
	}
	l.Info("alert dispatched", "agencies", len(targets), "status", status)
	return status, gerr
}

// settle folds per-agency outcomes. An empty outcome is an agency whose delivery errored.
func settle(outcomes []Outcome) scoring.AlertStatus {
	sent, failed := false, false
	for _, o := range outcomes {
		switch o {
		case OutcomeSent:
			sent = true
		case OutcomeFailed:
			failed = true
		case OutcomeNoop:
		default:
			return scoring.AlertPending
		}
	}
	switch {
	case sent:
		return scoring.AlertSent
	case failed:
		return scoring.AlertFailed
	}
	return scoring.AlertPending
}

// RedeliverPending retries alerts still pending inside their cooldown window. Alerts held by
// an in-flight delivery are skipped. Only agencies without a final outcome are contacted.
func (d *Dispatcher) RedeliverPending(ctx context.Context, now time.Time) (int, error) {
	pending, err := d.alerts.ListPending(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list pending alerts: %w", err)
	}
	var errs []error
	settled := 0
	for _, a := range pending {
		if err := ctx.Err(); err != nil {
			return settled, err
		}
		status, err := d.Deliver(ctx, a)
		if errors.Is(err, ErrAlertClaimed) {
			logger.From(ctx).Debug("pending alert skipped, delivery in progress", "alert_id", a.ID)
			continue
		}
		if err != nil {
			errs = append(errs, err)
		}
		if status != scoring.AlertPending {
			settled++
		}
	}
	return settled, errors.Join(errs...)
}

func (d *Dispatcher) body(ctx context.Context, alert scoring.RiskAlert) AlertBody {
	b := AlertBody{
		AlertID:      alert.ID,
		CodeValue:    alert.CodeValue,
		Reason:       alert.Reason,
		Severity:     string(alert.Level),
		RiskScore:    alert.Score,
		Manufacturer: ManufacturerRef{ID: alert.ManufacturerID},
		ProductID:    alert.ProductID,
	}
	l := logger.From(ctx)
	if m, err := d.catalog.Manufacturer(ctx, alert.ManufacturerID); err == nil {
		b.Manufacturer.Name = m.Name
	} else {
		l.Warn("manufacturer lookup for alert failed", "manufacturer_id", alert.ManufacturerID, "err", err)
	}
	if p, err := d.catalog.Product(ctx, alert.ProductID); err == nil {
		b.ProductCategory = p.Category
	} else {
		l.Warn("product lookup for alert failed", "product_id", alert.ProductID, "err", err)
	}
	return b
}

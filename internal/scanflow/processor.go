package scanflow

import (
	"context"
	"time"

	"authenticity-platform/internal/broker"
	"authenticity-platform/internal/scoring"
	"authenticity-platform/internal/verification"
	"authenticity-platform/pkg/logger"
)

type Verifier interface {
	Verify(ctx context.Context, ev verification.ScanEvent) (verification.Result, error)
}

type RiskEvaluator interface {
	EvaluateProduct(ctx context.Context, ref scoring.ProductRef, now time.Time) (scoring.Assessment, *scoring.RiskAlert, error)
}

// Escalator is satisfied by *escalation.Dispatcher. Dispatch must not block on delivery.
type Escalator interface {
	Dispatch(ctx context.Context, a scoring.RiskAlert)
}

// Processor runs a scan through verification and, when the outcome warrants it, product risk
// evaluation and escalation. Only verification errors reach the caller.
type Processor struct {
	verifier  Verifier
	risk      RiskEvaluator
	escalator Escalator
	publisher broker.Publisher
}

func NewProcessor(v Verifier, risk RiskEvaluator, esc Escalator, pub broker.Publisher) *Processor {
	if pub == nil {
		pub = broker.Noop{}
	}
	return &Processor{verifier: v, risk: risk, escalator: esc, publisher: pub}
}

func (p *Processor) Process(ctx context.Context, ev verification.ScanEvent) (verification.Result, error) {
	res, err := p.verifier.Verify(ctx, ev)
	if err != nil {
		return res, err
	}
	if res.State == verification.StateGenuine || res.Log.ProductID == "" {
		return res, nil
	}

	l := logger.From(ctx).With("code_value", res.Log.CodeValue, "product_id", res.Log.ProductID)
	as, alert, err := p.risk.EvaluateProduct(ctx, scoring.ProductRef{
		ProductID:      res.Log.ProductID,
		ManufacturerID: res.Log.ManufacturerID,
		CodeValue:      res.Log.CodeValue,
	}, res.Log.CreatedAt)
	if err != nil {
		l.Warn("product risk evaluation failed", "err", err)
		return res, nil
	}
	if alert == nil {
		l.Debug("product risk below alert threshold", "risk_score", as.Score)
		return res, nil
	}
	p.Escalate(ctx, *alert)
	return res, nil
}

// Escalate publishes the alert event and hands the alert to the dispatcher. Used for alerts
// created by scans and by the scheduled risk recompute.
func (p *Processor) Escalate(ctx context.Context, a scoring.RiskAlert) {
	l := logger.From(ctx).With("alert_id", a.ID, "product_id", a.ProductID)
	l.Info("risk alert created", "risk_score", a.Score, "risk_level", a.Level)
	if err := p.publisher.PublishAlert(ctx, a); err != nil {
		l.Warn("publish alert event failed", "err", err)
	}
	p.escalator.Dispatch(ctx, a)
}

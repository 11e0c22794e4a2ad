package verification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"authenticity-platform/internal/registry"
	"authenticity-platform/internal/scoring"
	"authenticity-platform/pkg/logger"
	"authenticity-platform/pkg/metrics"

	"github.com/google/uuid"
)

var ErrInvalidArgument = errors.New("invalid argument")

// Registry is the part of the code registry the engine needs. *registry.Service satisfies it.
type Registry interface {
	Lookup(ctx context.Context, value string) (registry.CodeContext, error)
	MarkUsed(ctx context.Context, value string) (registry.Code, bool, error)
}

// Scorer produces the anomaly signal. It must not fail; degradations are handled inside.
type Scorer interface {
	Score(ctx context.Context, in scoring.AnomalyInput) scoring.Anomaly
}

// Engine decides the verification state for one scan.
//
// Ordering contract:
// - history for the code is read before the current scan is logged
// - every evaluated scan is scored and logged, whatever its state
// - an INVALID scan of a registered code stays attributed to its product
// - only storage failures are returned as errors
type Engine struct {
	registry Registry
	logs     LogRepository
	scorer   Scorer
	// clock is injectable for deterministic tests.
	clock func() time.Time
}

func NewEngine(reg Registry, logs LogRepository, scorer Scorer) *Engine {
	return &Engine{registry: reg, logs: logs, scorer: scorer, clock: time.Now}
}

// WithClock replaces the engine clock.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

func (e *Engine) Verify(ctx context.Context, ev ScanEvent) (Result, error) {
	ev.CodeValue = registry.NormalizeValue(ev.CodeValue)
	if err := validate(ev); err != nil {
		return Result{}, err
	}
	if ev.At.IsZero() {
		ev.At = e.clock()
	}
	ev.At = ev.At.UTC()

	base, cc, err := e.resolve(ctx, ev)
	if err != nil {
		return Result{}, err
	}

	entry := VerificationLog{
		ID:             uuid.NewString(),
		CodeValue:      ev.CodeValue,
		State:          base,
		Latitude:       ev.Latitude,
		Longitude:      ev.Longitude,
		ActorID:        ev.ActorID,
		ManufacturerID: ev.ManufacturerID,
		CreatedAt:      ev.At,
	}
	if cc != nil {
		entry.ManufacturerID = cc.Code.ManufacturerID
		if cc.Product != nil {
			entry.ProductID = cc.Product.ID
		}
	}

	an, err := e.score(ctx, ev, cc)
	if err != nil {
		return Result{}, err
	}
	entry.RiskScore = an.Score
	entry.Advisory = an.Advisory
	// The suspicious overlay only applies on top of a registered code's used/unused outcome.
	if base == StateGenuine || base == StateCodeAlreadyUsed {
		entry.Suspicious = an.Suspicious
	}

	if err := e.logs.Append(ctx, entry); err != nil {
		return Result{}, fmt.Errorf("append verification log: %w", err)
	}

	metrics.VerificationsTotal.WithLabelValues(string(base)).Inc()
	res := Result{
		State:      base,
		BaseState:  base,
		Suspicious: entry.Suspicious,
		RiskScore:  entry.RiskScore,
		Advisory:   entry.Advisory,
		Context:    cc,
		Log:        entry,
	}
	if base == StateInvalid {
		// The log keeps the product attribution; the caller gets no product details.
		res.Context = nil
	}
	if entry.Suspicious {
		metrics.SuspiciousOverlays.Inc()
		res.State = StateSuspiciousPattern
	}

	logger.From(ctx).Debug("scan verified",
		"code_value", ev.CodeValue,
		"state", res.State,
		"base_state", base,
		"risk_score", res.RiskScore,
	)
	return res, nil
}

// resolve applies the transition policy; first match wins.
func (e *Engine) resolve(ctx context.Context, ev ScanEvent) (State, *registry.CodeContext, error) {
	cc, err := e.registry.Lookup(ctx, ev.CodeValue)
	if errors.Is(err, registry.ErrNotFound) {
		return StateInvalid, nil, nil
	}
	if err != nil {
		return "", nil, fmt.Errorf("lookup code: %w", err)
	}
	if ev.ManufacturerID != "" && ev.ManufacturerID != cc.Code.ManufacturerID {
		return StateInvalid, &cc, nil
	}
	if cc.Batch == nil || cc.Product == nil {
		return StateUnregisteredProduct, &cc, nil
	}
	if cc.Code.Used {
		return StateCodeAlreadyUsed, &cc, nil
	}

	code, transitioned, err := e.registry.MarkUsed(ctx, ev.CodeValue)
	if errors.Is(err, registry.ErrNotFound) {
		return StateInvalid, nil, nil
	}
	if err != nil {
		return "", nil, fmt.Errorf("mark used: %w", err)
	}
	cc.Code = code
	if !transitioned {
		// Another scan won the first-use race.
		return StateCodeAlreadyUsed, &cc, nil
	}
	return StateGenuine, &cc, nil
}

func (e *Engine) score(ctx context.Context, ev ScanEvent, cc *registry.CodeContext) (scoring.Anomaly, error) {
	recent, err := e.logs.RecentForCode(ctx, ev.CodeValue, ev.At.Add(-scoring.AnomalyWindow))
	if err != nil {
		return scoring.Anomaly{}, fmt.Errorf("recent scans: %w", err)
	}
	prior, err := e.logs.CountForCode(ctx, ev.CodeValue)
	if err != nil {
		return scoring.Anomaly{}, fmt.Errorf("count scans: %w", err)
	}

	in := scoring.AnomalyInput{
		CodeValue:  ev.CodeValue,
		History:    make([]scoring.ScanPoint, 0, len(recent)),
		PriorCount: prior,
		Current:    scoring.ScanPoint{Latitude: ev.Latitude, Longitude: ev.Longitude, At: ev.At},
	}
	if cc != nil {
		in.ManufacturerID = cc.Code.ManufacturerID
		if cc.Product != nil {
			in.ProductCategory = cc.Product.Category
		}
	}
	for _, l := range recent {
		in.History = append(in.History, scoring.ScanPoint{Latitude: l.Latitude, Longitude: l.Longitude, At: l.CreatedAt})
	}
	return e.scorer.Score(ctx, in), nil
}

func validate(ev ScanEvent) error {
	if ev.CodeValue == "" {
		return fmt.Errorf("%w: code value is required", ErrInvalidArgument)
	}
	if (ev.Latitude == nil) != (ev.Longitude == nil) {
		return fmt.Errorf("%w: latitude and longitude must be supplied together", ErrInvalidArgument)
	}
	if ev.Latitude != nil && (*ev.Latitude < -90 || *ev.Latitude > 90 || *ev.Longitude < -180 || *ev.Longitude > 180) {
		return fmt.Errorf("%w: coordinates out of range", ErrInvalidArgument)
	}
	return nil
}

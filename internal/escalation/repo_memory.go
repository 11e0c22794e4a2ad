package escalation

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryWebhookRepo is an in-memory WebhookRepository keyed by agency.
type MemoryWebhookRepo struct {
	mu       sync.Mutex
	byAgency map[string]RegulatoryWebhook
	logs     []WebhookDeliveryLog
	// outcomes is keyed by alert, then agency.
	outcomes map[string]map[string]Outcome
}

func NewMemoryWebhookRepo() *MemoryWebhookRepo {
	return &MemoryWebhookRepo{
		byAgency: map[string]RegulatoryWebhook{},
		outcomes: map[string]map[string]Outcome{},
	}
}

func (r *MemoryWebhookRepo) Save(ctx context.Context, w RegulatoryWebhook) error {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.byAgency[w.AgencyID]; ok {
		w.LastSuccessAt = prev.LastSuccessAt
		w.LastFailureAt = prev.LastFailureAt
	}
	r.byAgency[w.AgencyID] = w
	return nil
}

func (r *MemoryWebhookRepo) GetByAgency(ctx context.Context, agencyID string) (RegulatoryWebhook, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.byAgency[agencyID]
	if !ok {
		return RegulatoryWebhook{}, ErrNotFound
	}
	return w, nil
}

func (r *MemoryWebhookRepo) ListActive(ctx context.Context) ([]RegulatoryWebhook, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []RegulatoryWebhook
	for _, w := range r.byAgency {
		if w.Active {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgencyID < out[j].AgencyID })
	return out, nil
}

func (r *MemoryWebhookRepo) AppendDeliveryLog(ctx context.Context, l WebhookDeliveryLog) error {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, l)
	return nil
}

func (r *MemoryWebhookRepo) DeliveryLogs(ctx context.Context, alertID string) ([]WebhookDeliveryLog, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []WebhookDeliveryLog
	for _, l := range r.logs {
		if l.AlertID == alertID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (r *MemoryWebhookRepo) AgencyOutcomes(ctx context.Context, alertID string) (map[string]Outcome, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Outcome, len(r.outcomes[alertID]))
	for agency, o := range r.outcomes[alertID] {
		out[agency] = o
	}
	return out, nil
}

func (r *MemoryWebhookRepo) RecordOutcome(ctx context.Context, alertID, agencyID string, outcome Outcome, at time.Time) error {
	_ = ctx
	_ = at
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outcomes[alertID] == nil {
		r.outcomes[alertID] = map[string]Outcome{}
	}
	r.outcomes[alertID][agencyID] = outcome
	return nil
}

func (r *MemoryWebhookRepo) MarkSuccess(ctx context.Context, webhookID string, at time.Time) error {
	return r.touch(webhookID, func(w *RegulatoryWebhook) { w.LastSuccessAt = &at })
}

func (r *MemoryWebhookRepo) MarkFailure(ctx context.Context, webhookID string, at time.Time) error {
	return r.touch(webhookID, func(w *RegulatoryWebhook) { w.LastFailureAt = &at })
}

func (r *MemoryWebhookRepo) touch(webhookID string, fn func(*RegulatoryWebhook)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for agency, w := range r.byAgency {
		if w.ID == webhookID {
			fn(&w)
			r.byAgency[agency] = w
			return nil
		}
	}
	return ErrNotFound
}

package scoring

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryAlertRepo is an in-memory AlertRepository for tests and local development.
type MemoryAlertRepo struct {
	mu     sync.Mutex
	alerts []RiskAlert
	leases map[string]time.Time
}

func (r *MemoryAlertRepo) CreateIfNoActive(ctx context.Context, a RiskAlert, now time.Time) (bool, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.alerts {
		if existing.ProductID == a.ProductID && existing.CooldownUntil.After(now) {
			return false, nil
		}
	}
	r.alerts = append(r.alerts, a)
	return true, nil
}

func (r *MemoryAlertRepo) ListByManufacturer(ctx context.Context, manufacturerID string, limit int) ([]RiskAlert, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []RiskAlert
	for i := len(r.alerts) - 1; i >= 0 && len(out) < limit; i-- {
		if r.alerts[i].ManufacturerID == manufacturerID {
			out = append(out, r.alerts[i])
		}
	}
	return out, nil
}

func (r *MemoryAlertRepo) Get(ctx context.Context, id string) (RiskAlert, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.alerts {
		if a.ID == id {
			return a, nil
		}
	}
	return RiskAlert{}, ErrNotFound
}

func (r *MemoryAlertRepo) UpdateStatus(ctx context.Context, id string, status AlertStatus, now time.Time) error {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.alerts {
		if r.alerts[i].ID != id {
			continue
		}
		if r.alerts[i].Status == AlertPending {
			r.alerts[i].Status = status
			r.alerts[i].UpdatedAt = now
		}
		delete(r.leases, id)
		return nil
	}
	return ErrNotFound
}

func (r *MemoryAlertRepo) Claim(ctx context.Context, id string, now, until time.Time) (bool, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.alerts {
		if a.ID != id {
			continue
		}
		if a.Status != AlertPending {
			return false, nil
		}
		if lease, ok := r.leases[id]; ok && lease.After(now) {
			return false, nil
		}
		if r.leases == nil {
			r.leases = map[string]time.Time{}
		}
		r.leases[id] = until
		return true, nil
	}
	return false, ErrNotFound
}

func (r *MemoryAlertRepo) ReleaseClaim(ctx context.Context, id string) error {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.leases, id)
	return nil
}

func (r *MemoryAlertRepo) ListPending(ctx context.Context, now time.Time) ([]RiskAlert, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []RiskAlert
	for _, a := range r.alerts {
		if a.Status == AlertPending && a.CooldownUntil.After(now) {
			out = append(out, a)
		}
	}
	return out, nil
}

// MemoryTrustRepo is an in-memory TrustRepository.
type MemoryTrustRepo struct {
	mu      sync.Mutex
	records []TrustScoreRecord
}

func (r *MemoryTrustRepo) Append(ctx context.Context, rec TrustScoreRecord) error {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func (r *MemoryTrustRepo) Trend(ctx context.Context, manufacturerID string, limit int) ([]TrustScoreRecord, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []TrustScoreRecord
	for _, rec := range r.records {
		if rec.ManufacturerID == manufacturerID {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ComputedAt.After(out[j].ComputedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MemoryProfileRepo is an in-memory ProfileRepository. Payments are stored newest first.
type MemoryProfileRepo struct {
	mu       sync.Mutex
	Profiles map[string]Profile
	Payments map[string][]PaymentStatus
}

func NewMemoryProfileRepo() *MemoryProfileRepo {
	return &MemoryProfileRepo{Profiles: map[string]Profile{}, Payments: map[string][]PaymentStatus{}}
}

func (r *MemoryProfileRepo) Put(p Profile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Profiles[p.ManufacturerID] = p
}

func (r *MemoryProfileRepo) ListProfiles(ctx context.Context) ([]Profile, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Profile, 0, len(r.Profiles))
	for _, p := range r.Profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ManufacturerID < out[j].ManufacturerID })
	return out, nil
}

func (r *MemoryProfileRepo) GetProfile(ctx context.Context, manufacturerID string) (Profile, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.Profiles[manufacturerID]
	if !ok {
		return Profile{}, ErrNotFound
	}
	return p, nil
}

func (r *MemoryProfileRepo) RecentPayments(ctx context.Context, manufacturerID string, limit int) ([]PaymentStatus, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.Payments[manufacturerID]
	if len(p) > limit {
		p = p[:limit]
	}
	return append([]PaymentStatus(nil), p...), nil
}

func (r *MemoryProfileRepo) SetWebsiteVerified(ctx context.Context, manufacturerID string, verified bool, at time.Time) error {
	_ = ctx
	_ = at
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.Profiles[manufacturerID]
	if !ok {
		return ErrNotFound
	}
	p.WebsiteVerified = verified
	r.Profiles[manufacturerID] = p
	return nil
}

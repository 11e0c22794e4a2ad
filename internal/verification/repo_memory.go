package verification

import (
	"context"
	"sort"
	"sync"
	"time"

	"authenticity-platform/internal/scoring"
)

// MemoryLogRepo is an in-memory LogRepository for tests and local development.
type MemoryLogRepo struct {
	mu   sync.Mutex
	logs []VerificationLog
}

func (r *MemoryLogRepo) Append(ctx context.Context, l VerificationLog) error {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, l)
	return nil
}

// All returns a copy of every log in append order.
func (r *MemoryLogRepo) All() []VerificationLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]VerificationLog(nil), r.logs...)
}

func (r *MemoryLogRepo) RecentForCode(ctx context.Context, value string, since time.Time) ([]VerificationLog, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []VerificationLog
	for _, l := range r.logs {
		if l.CodeValue == value && !l.CreatedAt.Before(since) {
			out = append(out, l)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryLogRepo) CountForCode(ctx context.Context, value string) (int, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, l := range r.logs {
		if l.CodeValue == value {
			n++
		}
	}
	return n, nil
}

func (r *MemoryLogRepo) ProductCounts(ctx context.Context, productID string) (scoring.ProductCounts, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	var c scoring.ProductCounts
	for _, l := range r.logs {
		if l.ProductID != productID {
			continue
		}
		c.Total++
		if l.Suspicious {
			c.Suspicious++
		}
		switch l.State {
		case StateInvalid:
			c.Invalid++
		case StateCodeAlreadyUsed:
			c.AlreadyUsed++
		}
	}
	return c, nil
}

func (r *MemoryLogRepo) ActiveProducts(ctx context.Context, since time.Time) ([]scoring.ProductRef, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	latest := map[string]VerificationLog{}
	for _, l := range r.logs {
		if l.ProductID == "" || l.ManufacturerID == "" || l.CreatedAt.Before(since) {
			continue
		}
		if cur, ok := latest[l.ProductID]; !ok || l.CreatedAt.After(cur.CreatedAt) {
			latest[l.ProductID] = l
		}
	}
	out := make([]scoring.ProductRef, 0, len(latest))
	for _, l := range latest {
		out = append(out, scoring.ProductRef{ProductID: l.ProductID, ManufacturerID: l.ManufacturerID, CodeValue: l.CodeValue})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out, nil
}

func (r *MemoryLogRepo) ManufacturerStats(ctx context.Context, manufacturerID string, suspiciousSince time.Time) (scoring.ManufacturerVerificationStats, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	var st scoring.ManufacturerVerificationStats
	for _, l := range r.logs {
		if l.ManufacturerID != manufacturerID {
			continue
		}
		st.Total++
		if l.State == StateGenuine {
			st.Genuine++
		}
		if l.Suspicious && !l.CreatedAt.Before(suspiciousSince) {
			st.RecentSuspicious++
		}
	}
	return st, nil
}

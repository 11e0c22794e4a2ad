package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps counters in process. Used by tests and single-instance development.
type MemoryStore struct {
	mu     sync.Mutex
	limits map[string]AgencyRateLimit
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{limits: map[string]AgencyRateLimit{}}
}

func (s *MemoryStore) CheckAndIncrement(ctx context.Context, agencyID string, now time.Time) (Decision, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.limits[agencyID]
	if !ok {
		return Decision{}, ErrNotFound
	}
	applyResets(&l, now)
	allowed := hasBudget(l)
	if allowed {
		l.HourlyCount++
		l.DailyCount++
	}
	l.Throttled = !allowed
	l.UpdatedAt = now
	s.limits[agencyID] = l
	return Decision{Allowed: allowed, Limit: l}, nil
}

func (s *MemoryStore) Peek(ctx context.Context, agencyID string, now time.Time) (AgencyRateLimit, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.limits[agencyID]
	if !ok {
		return AgencyRateLimit{}, ErrNotFound
	}
	if applyResets(&l, now) {
		s.limits[agencyID] = l
	}
	return l, nil
}

func (s *MemoryStore) Release(ctx context.Context, r Reservation, now time.Time) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.limits[r.AgencyID]
	if !ok {
		return ErrNotFound
	}
	applyResets(&l, now)
	releaseInto(&l, r)
	l.UpdatedAt = now
	s.limits[r.AgencyID] = l
	return nil
}

func (s *MemoryStore) ResetExpired(ctx context.Context, now time.Time) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, l := range s.limits {
		if applyResets(&l, now) {
			s.limits[id] = l
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Ensure(ctx context.Context, agencyID string, perHour, perDay int, now time.Time) (AgencyRateLimit, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.limits[agencyID]; ok {
		return l, nil
	}
	l := AgencyRateLimit{
		AgencyID:      agencyID,
		AlertsPerHour: perHour,
		AlertsPerDay:  perDay,
		HourlyResetAt: NextHourlyReset(now),
		DailyResetAt:  NextDailyReset(now),
		UpdatedAt:     now,
	}
	s.limits[agencyID] = l
	return l, nil
}

func (s *MemoryStore) SetCaps(ctx context.Context, agencyID string, perHour, perDay int, now time.Time) (AgencyRateLimit, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.limits[agencyID]
	if !ok {
		l = AgencyRateLimit{
			AgencyID:      agencyID,
			HourlyResetAt: NextHourlyReset(now),
			DailyResetAt:  NextDailyReset(now),
		}
	}
	applyResets(&l, now)
	l.AlertsPerHour = perHour
	l.AlertsPerDay = perDay
	l.Throttled = !hasBudget(l)
	l.UpdatedAt = now
	s.limits[agencyID] = l
	return l, nil
}

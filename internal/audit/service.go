package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events. It is append-only.
type Repository interface {
	Append(ctx context.Context, e Event) error
	List(ctx context.Context, f Filter) ([]Event, error)
}

// Filter selects events by scope. Empty fields match everything.
type Filter struct {
	ManufacturerID string
	AgencyID       string
	Limit          int
}

var ErrInvalidEvent = errors.New("audit: invalid event")

// Service records privileged actions. Audit is internal-only; callers treat it as best-effort.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.Type == "" || (e.ManufacturerID == "" && e.AgencyID == "") {
		return ErrInvalidEvent
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}

// Record appends an event with details marshalled into Metadata.
func (s *Service) Record(ctx context.Context, typ EventType, actor Actor, manufacturerID, agencyID, targetID, message string, details any) error {
	e := Event{
		Type:           typ,
		ActorUserID:    actor.UserID,
		ActorRole:      actor.Role,
		IPAddress:      actor.IP,
		ManufacturerID: manufacturerID,
		AgencyID:       agencyID,
		TargetID:       targetID,
		Message:        message,
	}
	if details != nil {
		raw, err := json.Marshal(details)
		if err != nil {
			return err
		}
		e.Metadata = string(raw)
	}
	return s.Append(ctx, e)
}

func (s *Service) List(ctx context.Context, f Filter) ([]Event, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	return s.repo.List(ctx, f)
}

package registry

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/skip2/go-qrcode"
)

// MaxBatchQuantity bounds a single batch so creation stays one reasonable transaction.
const MaxBatchQuantity = 100000

const (
	// createAttempts bounds whole-batch retries after the repository gives up on collisions.
	createAttempts = 3
	// maxSeenCollisions bounds in-batch redraws for a generator that keeps repeating itself.
	maxSeenCollisions = 16

	DefaultQRSize = 256
	minQRSize     = 64
	maxQRSize     = 1024
)

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrDuplicateCode   = errors.New("duplicate code value")
)

// Repository abstracts registry persistence.
//
// InsertBatch must write the batch and every code in one transaction. When a code value
// collides with an existing row it calls regenerate for a replacement, a bounded number of
// times, and returns ErrDuplicateCode if collisions persist.
//
// MarkUsed must be a single conditional update (used=false -> true). When nothing changed
// it returns the current row and transitioned=false.
type Repository interface {
	GetManufacturer(ctx context.Context, id string) (Manufacturer, error)
	GetProduct(ctx context.Context, id string) (Product, error)
	ListManufacturers(ctx context.Context) ([]Manufacturer, error)

	InsertBatch(ctx context.Context, b Batch, codes []Code, regenerate func() (Code, error)) ([]Code, error)
	GetCodeContext(ctx context.Context, value string) (CodeContext, error)
	MarkUsed(ctx context.Context, value string, at time.Time) (Code, bool, error)
	BatchStats(ctx context.Context, manufacturerID string, now time.Time) (BatchStats, error)
}

// Service owns code identity, uniqueness and the used flag.
type Service struct {
	repo          Repository
	publicBaseURL string
	gen           ValueGenerator
	// clock is injectable for deterministic tests.
	clock func() time.Time
}

func NewService(repo Repository, publicBaseURL string) *Service {
	return &Service{
		repo:          repo,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
		gen:           RandomValue,
		clock:         time.Now,
	}
}

// WithGenerator replaces the value generator. Used by tests to force collisions.
func (s *Service) WithGenerator(gen ValueGenerator) *Service {
	s.gen = gen
	return s
}

// WithClock replaces the service clock.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

func (s *Service) CreateBatchCodes(ctx context.Context, req CreateBatchRequest) (Batch, []Code, error) {
	req.ManufacturerID = strings.TrimSpace(req.ManufacturerID)
	req.ProductID = strings.TrimSpace(req.ProductID)
	req.BatchNumber = strings.TrimSpace(req.BatchNumber)

	if req.ManufacturerID == "" || req.ProductID == "" || req.BatchNumber == "" {
		return Batch{}, nil, ErrInvalidArgument
	}
	if req.Quantity <= 0 || req.Quantity > MaxBatchQuantity {
		return Batch{}, nil, fmt.Errorf("%w: quantity must be in 1..%d", ErrInvalidArgument, MaxBatchQuantity)
	}
	if !req.ExpirationDate.IsZero() && !req.ProductionDate.IsZero() && req.ExpirationDate.Before(req.ProductionDate) {
		return Batch{}, nil, fmt.Errorf("%w: expiration precedes production", ErrInvalidArgument)
	}

	p, err := s.repo.GetProduct(ctx, req.ProductID)
	if err != nil {
		return Batch{}, nil, err
	}
	if p.ManufacturerID != req.ManufacturerID {
		return Batch{}, nil, ErrNotFound
	}

	var lastErr error
	for attempt := 0; attempt < createAttempts; attempt++ {
		b, codes, err := s.createOnce(ctx, req)
		if err == nil {
			return b, codes, nil
		}
		if !errors.Is(err, ErrDuplicateCode) {
			return Batch{}, nil, err
		}
		lastErr = err
	}
	return Batch{}, nil, lastErr
}

func (s *Service) createOnce(ctx context.Context, req CreateBatchRequest) (Batch, []Code, error) {
	now := s.clock().UTC()
	b := Batch{
		ID:             uuid.NewString(),
		ManufacturerID: req.ManufacturerID,
		ProductID:      req.ProductID,
		BatchNumber:    req.BatchNumber,
		ProductionDate: req.ProductionDate,
		ExpirationDate: req.ExpirationDate,
		Quantity:       req.Quantity,
		CreatedAt:      now,
	}

	// Values are deduplicated within the batch here; cross-batch uniqueness is the storage's job.
	seen := make(map[string]struct{}, req.Quantity)
	next := func() (Code, error) {
		for redraw := 0; ; redraw++ {
			if redraw >= maxSeenCollisions {
				return Code{}, ErrDuplicateCode
			}
			v, err := s.gen()
			if err != nil {
				return Code{}, err
			}
			if _, dup := seen[v]; dup {
				continue
			}
			seen[v] = struct{}{}
			return Code{
				Value:          v,
				BatchID:        b.ID,
				ManufacturerID: b.ManufacturerID,
				ImageRef:       s.ImageRef(v),
				CreatedAt:      now,
			}, nil
		}
	}

	codes := make([]Code, 0, req.Quantity)
	for i := 0; i < req.Quantity; i++ {
		c, err := next()
		if err != nil {
			return Batch{}, nil, fmt.Errorf("generate code: %w", err)
		}
		codes = append(codes, c)
	}

	out, err := s.repo.InsertBatch(ctx, b, codes, next)
	if err != nil {
		return Batch{}, nil, err
	}
	return b, out, nil
}

// MarkUsed performs the first-use transition. Already-used codes are returned as-is.
func (s *Service) MarkUsed(ctx context.Context, value string) (Code, bool, error) {
	value = NormalizeValue(value)
	if value == "" {
		return Code{}, false, ErrInvalidArgument
	}
	return s.repo.MarkUsed(ctx, value, s.clock().UTC())
}

func (s *Service) Lookup(ctx context.Context, value string) (CodeContext, error) {
	value = NormalizeValue(value)
	if value == "" {
		return CodeContext{}, ErrInvalidArgument
	}
	return s.repo.GetCodeContext(ctx, value)
}

func (s *Service) BatchStats(ctx context.Context, manufacturerID string, now time.Time) (BatchStats, error) {
	if manufacturerID == "" {
		return BatchStats{}, ErrInvalidArgument
	}
	return s.repo.BatchStats(ctx, manufacturerID, now)
}

func (s *Service) Manufacturers(ctx context.Context) ([]Manufacturer, error) {
	return s.repo.ListManufacturers(ctx)
}

func (s *Service) Manufacturer(ctx context.Context, id string) (Manufacturer, error) {
	if id == "" {
		return Manufacturer{}, ErrInvalidArgument
	}
	return s.repo.GetManufacturer(ctx, id)
}

func (s *Service) Product(ctx context.Context, id string) (Product, error) {
	if id == "" {
		return Product{}, ErrInvalidArgument
	}
	return s.repo.GetProduct(ctx, id)
}

// QRCode renders a PNG that encodes the public verification URL for a registered code.
func (s *Service) QRCode(ctx context.Context, value string, size int) ([]byte, error) {
	cc, err := s.Lookup(ctx, value)
	if err != nil {
		return nil, err
	}
	if size <= 0 {
		size = DefaultQRSize
	}
	size = min(max(size, minQRSize), maxQRSize)
	return qrcode.Encode(s.VerifyURL(cc.Code.Value), qrcode.Medium, size)
}

func (s *Service) ImageRef(value string) string {
	return s.publicBaseURL + "/v1/codes/" + url.PathEscape(value) + "/qr.png"
}

func (s *Service) VerifyURL(value string) string {
	return s.publicBaseURL + "/verify?code=" + url.QueryEscape(value)
}

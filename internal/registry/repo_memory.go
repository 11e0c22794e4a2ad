package registry

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepo is an in-memory Repository for tests and local development.
// MarkUsed is atomic under the mutex, matching the conditional update in Postgres.
type MemoryRepo struct {
	mu            sync.Mutex
	manufacturers map[string]Manufacturer
	products      map[string]Product
	batches       map[string]Batch
	codes         map[string]Code
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		manufacturers: map[string]Manufacturer{},
		products:      map[string]Product{},
		batches:       map[string]Batch{},
		codes:         map[string]Code{},
	}
}

func (r *MemoryRepo) AddManufacturer(m Manufacturer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.manufacturers[m.ID] = m
}

func (r *MemoryRepo) AddProduct(p Product) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.products[p.ID] = p
}

// AddCode stores a code directly, bypassing batch creation (legacy/unmapped codes).
func (r *MemoryRepo) AddCode(c Code) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codes[c.Value] = c
}

func (r *MemoryRepo) GetManufacturer(ctx context.Context, id string) (Manufacturer, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.manufacturers[id]
	if !ok {
		return Manufacturer{}, ErrNotFound
	}
	return m, nil
}

func (r *MemoryRepo) ListManufacturers(ctx context.Context) ([]Manufacturer, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Manufacturer, 0, len(r.manufacturers))
	for _, m := range r.manufacturers {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryRepo) GetProduct(ctx context.Context, id string) (Product, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.products[id]
	if !ok {
		return Product{}, ErrNotFound
	}
	return p, nil
}

func (r *MemoryRepo) InsertBatch(ctx context.Context, b Batch, codes []Code, regenerate func() (Code, error)) ([]Code, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()

	// Stage into a scratch set so a failure leaves the repo untouched, like a rolled back tx.
	staged := make(map[string]Code, len(codes))
	taken := func(v string) bool {
		if _, ok := r.codes[v]; ok {
			return true
		}
		_, ok := staged[v]
		return ok
	}

	out := make([]Code, 0, len(codes))
	for _, c := range codes {
		rounds := 0
		for taken(c.Value) {
			if rounds >= regenerateRounds {
				return nil, ErrDuplicateCode
			}
			rounds++
			n, err := regenerate()
			if err != nil {
				return nil, err
			}
			c = n
		}
		staged[c.Value] = c
		out = append(out, c)
	}

	r.batches[b.ID] = b
	for v, c := range staged {
		r.codes[v] = c
	}
	return out, nil
}

func (r *MemoryRepo) GetCodeContext(ctx context.Context, value string) (CodeContext, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.codes[value]
	if !ok {
		return CodeContext{}, ErrNotFound
	}
	cc := CodeContext{Code: c}
	if b, ok := r.batches[c.BatchID]; ok {
		cc.Batch = &b
		if p, ok := r.products[b.ProductID]; ok {
			cc.Product = &p
		}
	}
	if m, ok := r.manufacturers[c.ManufacturerID]; ok {
		cc.Manufacturer = &m
	}
	return cc, nil
}

func (r *MemoryRepo) MarkUsed(ctx context.Context, value string, at time.Time) (Code, bool, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.codes[value]
	if !ok {
		return Code{}, false, ErrNotFound
	}
	if c.Used {
		return c, false, nil
	}
	c.Used = true
	c.UsedAt = &at
	r.codes[value] = c
	return c, true, nil
}

func (r *MemoryRepo) BatchStats(ctx context.Context, manufacturerID string, now time.Time) (BatchStats, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()

	var st BatchStats
	for _, b := range r.batches {
		if b.ManufacturerID != manufacturerID {
			continue
		}
		st.Total++
		if !b.ExpirationDate.IsZero() && b.ExpirationDate.Before(now) {
			st.Expired++
		}
	}
	return st, nil
}

package scoring

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"authenticity-platform/pkg/logger"

	"golang.org/x/sync/errgroup"
)

const reputationConcurrency = 4

// ReputationChecker rechecks manufacturer websites and records whether they respond.
type ReputationChecker struct {
	profiles ProfileRepository
	http     *http.Client
	// clock is injectable for deterministic tests.
	clock func() time.Time
}

func NewReputationChecker(profiles ProfileRepository, timeout time.Duration) *ReputationChecker {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ReputationChecker{
		profiles: profiles,
		http:     &http.Client{Timeout: timeout},
		clock:    time.Now,
	}
}

// RecheckAll checks every profile with a website. Individual check failures mark the website
// unverified; only storage errors are returned.
func (c *ReputationChecker) RecheckAll(ctx context.Context) (int, error) {
	profiles, err := c.profiles.ListProfiles(ctx)
	if err != nil {
		return 0, fmt.Errorf("list profiles: %w", err)
	}

	l := logger.From(ctx)
	var (
		mu      sync.Mutex
		checked int
		g       errgroup.Group
	)
	g.SetLimit(reputationConcurrency)
	for _, p := range profiles {
		p := p
		if p.Website == "" {
			continue
		}
		g.Go(func() error {
			ok := c.reachable(ctx, p.Website)
			if err := c.profiles.SetWebsiteVerified(ctx, p.ManufacturerID, ok, c.clock().UTC()); err != nil {
				return fmt.Errorf("%s: %w", p.ManufacturerID, err)
			}
			if !ok {
				l.Warn("manufacturer website unreachable", "manufacturer_id", p.ManufacturerID, "website", p.Website)
			}
			mu.Lock()
			checked++
			mu.Unlock()
			return nil
		})
	}
	err = g.Wait()
	return checked, err
}

func (c *ReputationChecker) reachable(ctx context.Context, website string) bool {
	u, err := url.Parse(website)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 400
}

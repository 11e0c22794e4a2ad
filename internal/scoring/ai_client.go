package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// AIClient calls an external risk analysis service over HTTP JSON.
type AIClient struct {
	url    string
	apiKey string
	http   *http.Client
}

func NewAIClient(url, apiKey string, timeout time.Duration) *AIClient {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &AIClient{
		url:    url,
		apiKey: apiKey,
		http:   &http.Client{Timeout: timeout},
	}
}

type aiScan struct {
	Latitude  *float64  `json:"latitude,omitempty"`
	Longitude *float64  `json:"longitude,omitempty"`
	At        time.Time `json:"at"`
}

type aiRequest struct {
	CodeValue       string   `json:"code_value"`
	ManufacturerID  string   `json:"manufacturer_id,omitempty"`
	ProductCategory string   `json:"product_category,omitempty"`
	PriorCount      int      `json:"prior_count"`
	Current         aiScan   `json:"current"`
	RecentScans     []aiScan `json:"recent_scans"`
}

type aiResponse struct {
	RiskScore *float64 `json:"risk_score"`
	Advisory  string   `json:"advisory"`
}

func (c *AIClient) Enhance(ctx context.Context, in AnomalyInput) (Enhancement, error) {
	req := aiRequest{
		CodeValue:       in.CodeValue,
		ManufacturerID:  in.ManufacturerID,
		ProductCategory: in.ProductCategory,
		PriorCount:      in.PriorCount,
		Current:         aiScan(in.Current),
		RecentScans:     make([]aiScan, 0, len(in.History)),
	}
	for _, p := range in.History {
		req.RecentScans = append(req.RecentScans, aiScan(p))
	}

	body, err := json.Marshal(req)
	if err != nil {
		return Enhancement{}, fmt.Errorf("%w: encode: %v", ErrServiceDegraded, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Enhancement{}, fmt.Errorf("%w: %v", ErrServiceDegraded, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Enhancement{}, fmt.Errorf("%w: %v", ErrServiceDegraded, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Enhancement{}, fmt.Errorf("%w: status %d", ErrServiceDegraded, resp.StatusCode)
	}

	var out aiResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&out); err != nil {
		return Enhancement{}, fmt.Errorf("%w: decode: %v", ErrServiceDegraded, err)
	}
	if out.RiskScore == nil || *out.RiskScore < 0 || *out.RiskScore > 1 {
		return Enhancement{}, fmt.Errorf("%w: malformed risk_score", ErrServiceDegraded)
	}
	return Enhancement{Score: *out.RiskScore, Advisory: out.Advisory}, nil
}

package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"authenticity-platform/internal/audit"
	"authenticity-platform/internal/auth"
	"authenticity-platform/internal/escalation"
	"authenticity-platform/internal/ratelimit"
	"authenticity-platform/internal/rbac"
	"authenticity-platform/internal/registry"
	"authenticity-platform/internal/scanflow"
	"authenticity-platform/internal/scoring"
	"authenticity-platform/internal/verification"
	"authenticity-platform/pkg/logger"

	"github.com/gin-gonic/gin"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// WebhookAdmin manages agency webhook configuration and exposes the delivery trail.
type WebhookAdmin interface {
	Save(ctx context.Context, w escalation.RegulatoryWebhook) error
	GetByAgency(ctx context.Context, agencyID string) (escalation.RegulatoryWebhook, error)
	DeliveryLogs(ctx context.Context, alertID string) ([]escalation.WebhookDeliveryLog, error)
}

// TokenIssuer is satisfied by *auth.Manager.
type TokenIssuer interface {
	ExchangeClientCredentials(now time.Time, clientID, secret string) (auth.TokenPair, error)
	Refresh(now time.Time, refreshToken string) (auth.TokenPair, error)
	AccessTTL() time.Duration
}

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Scans    *scanflow.Processor
	Registry *registry.Service
	Risk     *scoring.RiskService
	Trust    *scoring.TrustService
	Limiter  *ratelimit.Limiter
	Webhooks WebhookAdmin
	Audit    *audit.Service
	Tokens   TokenIssuer

	// Checks back /healthz; each must be cheap.
	Checks map[string]func(ctx context.Context) error

	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time
}

func (h Handlers) now() time.Time {
	if h.Now != nil {
		return h.Now().UTC()
	}
	return time.Now().UTC()
}

// writeError maps domain sentinels onto status codes. Anything unknown is a storage or
// infrastructure failure.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, registry.ErrInvalidArgument),
		errors.Is(err, verification.ErrInvalidArgument),
		errors.Is(err, scoring.ErrInvalidArgument),
		errors.Is(err, ratelimit.ErrInvalidArgument),
		errors.Is(err, escalation.ErrInvalidArgument):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, registry.ErrNotFound),
		errors.Is(err, scoring.ErrNotFound),
		errors.Is(err, ratelimit.ErrNotFound),
		errors.Is(err, escalation.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
	default:
		logger.FromGin(c).Error("request failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func listLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultListLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return 0, false
	}
	return min(n, maxListLimit), true
}

func (h Handlers) Healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	out := gin.H{}
	for name, check := range h.Checks {
		if err := check(ctx); err != nil {
			status = http.StatusServiceUnavailable
			out[name] = err.Error()
			continue
		}
		out[name] = "ok"
	}
	if status == http.StatusOK {
		c.JSON(status, gin.H{"status": "ok", "checks": out})
		return
	}
	c.JSON(status, gin.H{"status": "degraded", "checks": out})
}

// record appends an audit event for a privileged action. Failures are logged only.
func (h Handlers) record(c *gin.Context, typ audit.EventType, manufacturerID, agencyID, targetID, message string, details any) {
	if h.Audit == nil {
		return
	}
	ctx := c.Request.Context()
	userID, _ := auth.UserID(ctx)
	role, _ := auth.Role(ctx)
	actor := audit.Actor{UserID: userID, Role: role, IP: c.ClientIP()}
	if err := h.Audit.Record(ctx, typ, actor, manufacturerID, agencyID, targetID, message, details); err != nil {
		logger.FromGin(c).Warn("audit record failed", "type", typ, "err", err)
	}
}

// --- Tokens ---

type tokenRequest struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// IssueToken exchanges service account credentials for a token pair. Tokens use the wall
// clock since the auth middleware verifies against it.
func (h Handlers) IssueToken(c *gin.Context) {
	if h.Tokens == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.ClientID == "" || req.ClientSecret == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "client_id and client_secret required"})
		return
	}
	pair, err := h.Tokens.ExchangeClientCredentials(time.Now(), req.ClientID, req.ClientSecret)
	h.writeTokens(c, req.ClientID, pair, err)
}

// RefreshToken rotates a token pair.
func (h Handlers) RefreshToken(c *gin.Context) {
	if h.Tokens == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "refresh_token required"})
		return
	}
	pair, err := h.Tokens.Refresh(time.Now(), req.RefreshToken)
	h.writeTokens(c, "", pair, err)
}

func (h Handlers) writeTokens(c *gin.Context, clientID string, pair auth.TokenPair, err error) {
	if errors.Is(err, auth.ErrInvalidCredentials) {
		logger.FromGin(c).Info("token request rejected", "client_id", clientID, "ip", c.ClientIP())
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	if err != nil {
		logger.FromGin(c).Error("token issuance failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, tokenResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(h.Tokens.AccessTTL() / time.Second),
	})
}

// --- Verification ---

type verifyRequest struct {
	Code           string   `json:"code"`
	Latitude       *float64 `json:"latitude,omitempty"`
	Longitude      *float64 `json:"longitude,omitempty"`
	ActorID        string   `json:"actor_id,omitempty"`
	ManufacturerID string   `json:"manufacturer_id,omitempty"`
}

type verifiedProduct struct {
	Name           string     `json:"name"`
	Category       string     `json:"category,omitempty"`
	Manufacturer   string     `json:"manufacturer,omitempty"`
	BatchNumber    string     `json:"batch_number,omitempty"`
	ExpirationDate *time.Time `json:"expiration_date,omitempty"`
}

type verifyResponse struct {
	State      verification.State `json:"state"`
	BaseState  verification.State `json:"base_state"`
	Suspicious bool               `json:"suspicious"`
	RiskScore  float64            `json:"risk_score"`
	Advisory   string             `json:"advisory,omitempty"`
	Product    *verifiedProduct   `json:"product,omitempty"`
	VerifiedAt time.Time          `json:"verified_at"`
}

// Verify is the public scan endpoint. A well-formed code always yields 200 with a state.
func (h Handlers) Verify(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	res, err := h.Scans.Process(c.Request.Context(), verification.ScanEvent{
		CodeValue:      req.Code,
		ManufacturerID: req.ManufacturerID,
		ActorID:        req.ActorID,
		Latitude:       req.Latitude,
		Longitude:      req.Longitude,
		At:             h.now(),
	})
	if err != nil {
		writeError(c, err)
		return
	}

	out := verifyResponse{
		State:      res.State,
		BaseState:  res.BaseState,
		Suspicious: res.Suspicious,
		RiskScore:  res.RiskScore,
		Advisory:   res.Advisory,
		VerifiedAt: res.Log.CreatedAt,
	}
	if cc := res.Context; cc != nil && cc.Product != nil {
		p := &verifiedProduct{Name: cc.Product.Name, Category: cc.Product.Category}
		if cc.Manufacturer != nil {
			p.Manufacturer = cc.Manufacturer.Name
		}
		if cc.Batch != nil {
			p.BatchNumber = cc.Batch.BatchNumber
			if !cc.Batch.ExpirationDate.IsZero() {
				exp := cc.Batch.ExpirationDate
				p.ExpirationDate = &exp
			}
		}
		out.Product = p
	}
	c.JSON(http.StatusOK, out)
}

func (h Handlers) CodeQR(c *gin.Context) {
	size := registry.DefaultQRSize
	if raw := c.Query("size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "size must be an integer"})
			return
		}
		size = n
	}
	png, err := h.Registry.QRCode(c.Request.Context(), c.Param("value"), size)
	if err != nil {
		writeError(c, err)
		return
	}
	c.Header("Cache-Control", "public, max-age=86400")
	c.Data(http.StatusOK, "image/png", png)
}

// --- Batches ---

// CreateBatch creates a batch for the caller's manufacturer. Platform roles must name the
// manufacturer in the body.
func (h Handlers) CreateBatch(c *gin.Context) {
	var req registry.CreateBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	ctx := c.Request.Context()
	role, _ := auth.Role(ctx)
	callerMID, _ := auth.ManufacturerID(ctx)
	if !rbac.IsPlatformRole(role) {
		if req.ManufacturerID != "" && req.ManufacturerID != callerMID {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		req.ManufacturerID = callerMID
	}

	batch, codes, err := h.Registry.CreateBatchCodes(ctx, req)
	if err != nil {
		writeError(c, err)
		return
	}
	logger.FromGin(c).Info("batch created", "batch_id", batch.ID, "manufacturer_id", batch.ManufacturerID, "quantity", len(codes))
	h.record(c, audit.EventBatchCreated, batch.ManufacturerID, "", batch.ID, "batch created",
		gin.H{"batch_number": batch.BatchNumber, "product_id": batch.ProductID, "quantity": len(codes)})
	c.JSON(http.StatusCreated, gin.H{"batch": batch, "codes": codes})
}

// --- Scoring ---

func (h Handlers) RiskAlerts(c *gin.Context) {
	limit, ok := listLimit(c)
	if !ok {
		return
	}
	alerts, err := h.Risk.RiskAlerts(c.Request.Context(), c.Param("manufacturer_id"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if alerts == nil {
		alerts = []scoring.RiskAlert{}
	}
	c.JSON(http.StatusOK, gin.H{"risk_alerts": alerts})
}

func (h Handlers) TrustTrend(c *gin.Context) {
	limit, ok := listLimit(c)
	if !ok {
		return
	}
	records, err := h.Trust.Trend(c.Request.Context(), c.Param("manufacturer_id"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if records == nil {
		records = []scoring.TrustScoreRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"trust_scores": records})
}

func (h Handlers) RecomputeTrust(c *gin.Context) {
	rec, err := h.Trust.Recompute(c.Request.Context(), c.Param("manufacturer_id"), h.now())
	if err != nil {
		writeError(c, err)
		return
	}
	h.record(c, audit.EventTrustRecomputed, rec.ManufacturerID, "", rec.ID, "trust score recomputed on demand", gin.H{"score": rec.Score})
	c.JSON(http.StatusOK, rec)
}

// --- Agencies (platform administration) ---

type webhookRequest struct {
	URL             string   `json:"url"`
	Secret          string   `json:"secret"`
	MaxAttempts     int      `json:"max_attempts,omitempty"`
	RetryIntervalMS int64    `json:"retry_interval_ms,omitempty"`
	TimeoutMS       int64    `json:"timeout_ms,omitempty"`
	Active          *bool    `json:"active,omitempty"`
	Categories      []string `json:"categories,omitempty"`
}

// PutAgencyWebhook creates or replaces the agency's webhook. The webhook id is stable across
// updates so delivery logs stay attached.
func (h Handlers) PutAgencyWebhook(c *gin.Context) {
	agencyID := c.Param("agency_id")
	var req webhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if err := validateWebhookURL(req.URL); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Secret == "" || req.MaxAttempts < 0 || req.RetryIntervalMS < 0 || req.TimeoutMS < 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "secret required; attempts and durations must not be negative"})
		return
	}

	ctx := c.Request.Context()
	w := escalation.RegulatoryWebhook{
		ID:            newID(),
		AgencyID:      agencyID,
		URL:           req.URL,
		Secret:        req.Secret,
		MaxAttempts:   req.MaxAttempts,
		RetryInterval: time.Duration(req.RetryIntervalMS) * time.Millisecond,
		Timeout:       time.Duration(req.TimeoutMS) * time.Millisecond,
		Active:        req.Active == nil || *req.Active,
		Categories:    req.Categories,
	}
	existing, err := h.Webhooks.GetByAgency(ctx, agencyID)
	switch {
	case err == nil:
		w.ID = existing.ID
	case !errors.Is(err, escalation.ErrNotFound):
		writeError(c, err)
		return
	}
	if err := h.Webhooks.Save(ctx, w); err != nil {
		writeError(c, err)
		return
	}
	h.record(c, audit.EventWebhookConfigured, "", agencyID, w.ID, "agency webhook configured",
		gin.H{"url": w.URL, "active": w.Active, "categories": w.Categories})
	c.JSON(http.StatusOK, w)
}

func (h Handlers) AgencyRateLimit(c *gin.Context) {
	st, err := h.Limiter.Status(c.Request.Context(), c.Param("agency_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

type rateLimitRequest struct {
	AlertsPerHour int `json:"alerts_per_hour"`
	AlertsPerDay  int `json:"alerts_per_day"`
}

// ConfigureAgencyRateLimit creates or replaces the agency's caps. Counters already charged in
// the current windows are kept.
func (h Handlers) ConfigureAgencyRateLimit(c *gin.Context) {
	var req rateLimitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	st, err := h.Limiter.Configure(c.Request.Context(), c.Param("agency_id"), req.AlertsPerHour, req.AlertsPerDay)
	if err != nil {
		writeError(c, err)
		return
	}
	h.record(c, audit.EventRateLimitConfigured, "", st.AgencyID, st.AgencyID, "agency rate limit configured", req)
	c.JSON(http.StatusOK, st)
}

func (h Handlers) AlertDeliveries(c *gin.Context) {
	logs, err := h.Webhooks.DeliveryLogs(c.Request.Context(), c.Param("alert_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if logs == nil {
		logs = []escalation.WebhookDeliveryLog{}
	}
	c.JSON(http.StatusOK, gin.H{"deliveries": logs})
}

// AuditEvents lists privileged actions for a manufacturer or an agency, depending on the route.
func (h Handlers) AuditEvents(c *gin.Context) {
	limit, ok := listLimit(c)
	if !ok {
		return
	}
	events, err := h.Audit.List(c.Request.Context(), audit.Filter{
		ManufacturerID: c.Param("manufacturer_id"),
		AgencyID:       c.Param("agency_id"),
		Limit:          limit,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"audit_events": events})
}

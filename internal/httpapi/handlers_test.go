package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"authenticity-platform/internal/audit"
	"authenticity-platform/internal/auth"
	"authenticity-platform/internal/config"
	"authenticity-platform/internal/escalation"
	"authenticity-platform/internal/ratelimit"
	"authenticity-platform/internal/rbac"
	"authenticity-platform/internal/registry"
	"authenticity-platform/internal/scanflow"
	"authenticity-platform/internal/scoring"
	"authenticity-platform/internal/verification"

	"github.com/gin-gonic/gin"
)

type testEnv struct {
	r        *gin.Engine
	auth     *auth.Manager
	alerts   *scoring.MemoryAlertRepo
	profiles *scoring.MemoryProfileRepo
	health   error
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)

	am, err := auth.NewManager(config.AuthConfig{
		JWTSecret:       "test-secret",
		JWTIssuer:       "authenticity-platform",
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: time.Hour,
		ServiceAccounts: []config.ServiceAccount{
			{ClientID: "fda-bot", Secret: "fda-secret", Role: rbac.RoleRegulator},
		},
	})
	if err != nil {
		t.Fatalf("auth manager: %v", err)
	}

	repo := registry.NewMemoryRepo()
	repo.AddManufacturer(registry.Manufacturer{ID: "m1", Name: "Acme Pharma"})
	repo.AddManufacturer(registry.Manufacturer{ID: "m2", Name: "Other Foods"})
	repo.AddProduct(registry.Product{ID: "p1", ManufacturerID: "m1", Name: "Amoxil 500", Category: "pharma"})
	reg := registry.NewService(repo, "https://verify.example.com")

	logs := &verification.MemoryLogRepo{}
	engine := verification.NewEngine(reg, logs, scoring.NewAnomalyScorer(nil))

	env := &testEnv{auth: am, alerts: &scoring.MemoryAlertRepo{}, profiles: scoring.NewMemoryProfileRepo()}
	risk := scoring.NewRiskService(logs, env.alerts)
	trust := scoring.NewTrustService(env.profiles, &scoring.MemoryTrustRepo{}, logs, reg)

	limiter := ratelimit.NewLimiter(ratelimit.NewMemoryStore(), 10, 100)
	webhooks := escalation.NewMemoryWebhookRepo()
	dispatcher := escalation.NewDispatcher(escalation.NewNotifier(webhooks, limiter), webhooks, env.alerts, reg)
	t.Cleanup(func() { _ = dispatcher.Wait(context.Background()) })

	h := Handlers{
		Scans:    scanflow.NewProcessor(engine, risk, dispatcher, nil),
		Registry: reg,
		Risk:     risk,
		Trust:    trust,
		Limiter:  limiter,
		Webhooks: webhooks,
		Audit:    audit.NewService(audit.NewMemoryRepo()),
		Tokens:   am,
		Checks: map[string]func(context.Context) error{
			"postgres": func(context.Context) error { return env.health },
		},
		Now: func() time.Time { return now },
	}
	env.r = gin.New()
	Register(env.r, h, auth.RequireAccessToken(am))
	return env
}

func (e *testEnv) token(t *testing.T, manufacturerID, role string) string {
	t.Helper()
	pair, err := e.auth.IssuePair(time.Now(), "u-"+role, manufacturerID, role)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return pair.AccessToken
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		if err := json.NewEncoder(&buf).Encode(b); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
	return v
}

type batchResponse struct {
	Batch registry.Batch  `json:"batch"`
	Codes []registry.Code `json:"codes"`
}

func (e *testEnv) createBatch(t *testing.T, n int) []registry.Code {
	t.Helper()
	w := e.do(t, http.MethodPost, "/v1/batches", e.token(t, "m1", rbac.RoleManufacturerAdmin), gin.H{
		"product_id": "p1", "batch_number": "B-100", "quantity": n,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create batch: %d %s", w.Code, w.Body.String())
	}
	resp := decode[batchResponse](t, w)
	if len(resp.Codes) != n || resp.Batch.ManufacturerID != "m1" {
		t.Fatalf("unexpected batch response %+v", resp)
	}
	return resp.Codes
}

func TestVerifyEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	codes := env.createBatch(t, 5)

	first := env.do(t, http.MethodPost, "/v1/verify", "", gin.H{"code": codes[0].Value})
	if first.Code != http.StatusOK {
		t.Fatalf("verify: %d %s", first.Code, first.Body.String())
	}
	got := decode[verifyResponse](t, first)
	if got.State != verification.StateGenuine || got.Product == nil || got.Product.Manufacturer != "Acme Pharma" {
		t.Fatalf("expected GENUINE with product details, got %+v", got)
	}

	second := decode[verifyResponse](t, env.do(t, http.MethodPost, "/v1/verify", "", gin.H{"code": codes[0].Value}))
	if second.BaseState != verification.StateCodeAlreadyUsed {
		t.Fatalf("expected CODE_ALREADY_USED, got %+v", second)
	}

	unknown := env.do(t, http.MethodPost, "/v1/verify", "", gin.H{"code": "never-issued"})
	if unknown.Code != http.StatusOK {
		t.Fatalf("unknown code must still return 200, got %d", unknown.Code)
	}
	if got := decode[verifyResponse](t, unknown); got.State != verification.StateInvalid || got.Product != nil {
		t.Fatalf("expected INVALID without product, got %+v", got)
	}
}

func TestVerifyRejectsMalformedInput(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		name string
		body any
	}{
		{"bad json", "{"},
		{"empty code", gin.H{"code": "  "}},
		{"latitude only", gin.H{"code": "ABCD-EFGH-JKMN", "latitude": 10.5}},
		{"out of range", gin.H{"code": "ABCD-EFGH-JKMN", "latitude": 95.0, "longitude": 3.0}},
	}
	for _, tc := range cases {
		if w := env.do(t, http.MethodPost, "/v1/verify", "", tc.body); w.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", tc.name, w.Code)
		}
	}
}

func TestCreateBatchAuthorization(t *testing.T) {
	env := newTestEnv(t)
	body := gin.H{"product_id": "p1", "batch_number": "B-1", "quantity": 2}

	cases := []struct {
		name  string
		token string
		body  any
		want  int
	}{
		{"no token", "", body, http.StatusUnauthorized},
		{"regulator cannot create", env.token(t, "", rbac.RoleRegulator), body, http.StatusForbidden},
		{"other manufacturer in body", env.token(t, "m1", rbac.RoleManufacturerStaff), gin.H{"manufacturer_id": "m2", "product_id": "p1", "batch_number": "B-1", "quantity": 2}, http.StatusForbidden},
		{"product of another manufacturer", env.token(t, "m2", rbac.RoleManufacturerAdmin), body, http.StatusNotFound},
		{"zero quantity", env.token(t, "m1", rbac.RoleManufacturerAdmin), gin.H{"product_id": "p1", "batch_number": "B-1", "quantity": 0}, http.StatusBadRequest},
		{"super admin names manufacturer", env.token(t, "", rbac.RoleSuperAdmin), gin.H{"manufacturer_id": "m1", "product_id": "p1", "batch_number": "B-2", "quantity": 1}, http.StatusCreated},
	}
	for _, tc := range cases {
		if w := env.do(t, http.MethodPost, "/v1/batches", tc.token, tc.body); w.Code != tc.want {
			t.Fatalf("%s: expected %d, got %d (%s)", tc.name, tc.want, w.Code, w.Body.String())
		}
	}
}

func TestRiskAlertsScoping(t *testing.T) {
	env := newTestEnv(t)
	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	_, _ = env.alerts.CreateIfNoActive(context.Background(), scoring.RiskAlert{
		ID: "a1", ManufacturerID: "m1", ProductID: "p1", Score: 72, Level: scoring.RiskHigh,
		Status: scoring.AlertPending, CooldownUntil: now.Add(scoring.AlertCooldown), CreatedAt: now,
	}, now)

	if w := env.do(t, http.MethodGet, "/v1/manufacturers/m1/risk-alerts", env.token(t, "m2", rbac.RoleManufacturerAdmin), nil); w.Code != http.StatusForbidden {
		t.Fatalf("cross-tenant read must be forbidden, got %d", w.Code)
	}

	for _, tok := range []string{
		env.token(t, "m1", rbac.RoleManufacturerStaff),
		env.token(t, "", rbac.RoleRegulator),
	} {
		w := env.do(t, http.MethodGet, "/v1/manufacturers/m1/risk-alerts?limit=10", tok, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
		resp := decode[struct {
			Alerts []scoring.RiskAlert `json:"risk_alerts"`
		}](t, w)
		if len(resp.Alerts) != 1 || resp.Alerts[0].Score != 72 {
			t.Fatalf("unexpected alerts %+v", resp.Alerts)
		}
	}

	if w := env.do(t, http.MethodGet, "/v1/manufacturers/m1/risk-alerts?limit=abc", env.token(t, "m1", rbac.RoleManufacturerStaff), nil); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", w.Code)
	}
}

func TestTrustRecomputeAndTrend(t *testing.T) {
	env := newTestEnv(t)
	env.profiles.Put(scoring.Profile{ManufacturerID: "m1", Name: "Acme Pharma", LicenseVerified: true})
	admin := env.token(t, "m1", rbac.RoleManufacturerAdmin)

	w := env.do(t, http.MethodPost, "/v1/manufacturers/m1/trust-scores/recompute", admin, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("recompute: %d %s", w.Code, w.Body.String())
	}
	rec := decode[scoring.TrustScoreRecord](t, w)
	if rec.ManufacturerID != "m1" || rec.Score < 0 || rec.Score > 100 {
		t.Fatalf("unexpected record %+v", rec)
	}

	trend := decode[struct {
		Scores []scoring.TrustScoreRecord `json:"trust_scores"`
	}](t, env.do(t, http.MethodGet, "/v1/manufacturers/m1/trust-scores", admin, nil))
	if len(trend.Scores) != 1 {
		t.Fatalf("expected one trust record, got %d", len(trend.Scores))
	}

	if w := env.do(t, http.MethodPost, "/v1/manufacturers/m1/trust-scores/recompute", env.token(t, "m1", rbac.RoleManufacturerStaff), nil); w.Code != http.StatusForbidden {
		t.Fatalf("staff cannot trigger recompute, got %d", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/v1/manufacturers/m9/trust-scores/recompute", env.token(t, "", rbac.RoleSuperAdmin), nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown manufacturer, got %d", w.Code)
	}
}

func TestCodeQR(t *testing.T) {
	env := newTestEnv(t)
	codes := env.createBatch(t, 1)

	w := env.do(t, http.MethodGet, "/v1/codes/"+codes[0].Value+"/qr.png", "", nil)
	if w.Code != http.StatusOK || w.Header().Get("Content-Type") != "image/png" {
		t.Fatalf("expected png, got %d %s", w.Code, w.Header().Get("Content-Type"))
	}
	if !bytes.HasPrefix(w.Body.Bytes(), []byte("\x89PNG")) {
		t.Fatalf("body is not a png")
	}
	if w := env.do(t, http.MethodGet, "/v1/codes/ZZZZ-ZZZZ-ZZZZ/qr.png", "", nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if w := env.do(t, http.MethodGet, "/v1/codes/"+codes[0].Value+"/qr.png?size=big", "", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestAgencyAdministration(t *testing.T) {
	env := newTestEnv(t)
	admin := env.token(t, "", rbac.RoleSuperAdmin)
	regulator := env.token(t, "", rbac.RoleRegulator)

	hook := gin.H{"url": "https://agency.example.gov/hooks", "secret": "s", "categories": []string{"pharma"}}
	if w := env.do(t, http.MethodPut, "/v1/agencies/fda/webhook", regulator, hook); w.Code != http.StatusForbidden {
		t.Fatalf("regulator cannot configure webhooks, got %d", w.Code)
	}
	w := env.do(t, http.MethodPut, "/v1/agencies/fda/webhook", admin, hook)
	if w.Code != http.StatusOK {
		t.Fatalf("put webhook: %d %s", w.Code, w.Body.String())
	}
	firstID := decode[escalation.RegulatoryWebhook](t, w).ID

	again := decode[escalation.RegulatoryWebhook](t, env.do(t, http.MethodPut, "/v1/agencies/fda/webhook", admin, hook))
	if again.ID != firstID || !again.Active {
		t.Fatalf("webhook id must be stable across updates: %s vs %s", firstID, again.ID)
	}
	if w := env.do(t, http.MethodPut, "/v1/agencies/fda/webhook", admin, gin.H{"url": "ftp://x", "secret": "s"}); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad url, got %d", w.Code)
	}

	if w := env.do(t, http.MethodGet, "/v1/agencies/fda/rate-limit", regulator, nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before provisioning, got %d", w.Code)
	}
	if w := env.do(t, http.MethodPut, "/v1/agencies/fda/rate-limit", admin, gin.H{"alerts_per_hour": 5, "alerts_per_day": 2}); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 when daily < hourly, got %d", w.Code)
	}
	if w := env.do(t, http.MethodPut, "/v1/agencies/fda/rate-limit", admin, gin.H{"alerts_per_hour": 5, "alerts_per_day": 20}); w.Code != http.StatusOK {
		t.Fatalf("configure: %d %s", w.Code, w.Body.String())
	}
	st := decode[ratelimit.AgencyRateLimit](t, env.do(t, http.MethodGet, "/v1/agencies/fda/rate-limit", regulator, nil))
	if st.AlertsPerHour != 5 || st.AlertsPerDay != 20 {
		t.Fatalf("unexpected limits %+v", st)
	}
	if w := env.do(t, http.MethodPut, "/v1/agencies/fda/rate-limit", admin, gin.H{"alerts_per_hour": 2, "alerts_per_day": 8}); w.Code != http.StatusOK {
		t.Fatalf("update caps: %d %s", w.Code, w.Body.String())
	}
	st = decode[ratelimit.AgencyRateLimit](t, env.do(t, http.MethodGet, "/v1/agencies/fda/rate-limit", regulator, nil))
	if st.AlertsPerHour != 2 || st.AlertsPerDay != 8 {
		t.Fatalf("expected caps replaced, got %+v", st)
	}

	deliveries := env.do(t, http.MethodGet, "/v1/risk-alerts/a1/deliveries", regulator, nil)
	if deliveries.Code != http.StatusOK || !bytes.Contains(deliveries.Body.Bytes(), []byte(`"deliveries":[]`)) {
		t.Fatalf("unexpected deliveries response %d %s", deliveries.Code, deliveries.Body.String())
	}
}

func TestServiceAccountTokens(t *testing.T) {
	env := newTestEnv(t)

	if w := env.do(t, http.MethodPost, "/v1/auth/token", "", gin.H{"client_id": "fda-bot", "client_secret": "nope"}); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong secret, got %d", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/v1/auth/token", "", gin.H{"client_id": "fda-bot"}); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without secret, got %d", w.Code)
	}

	type tokens struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		TokenType    string `json:"token_type"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	w := env.do(t, http.MethodPost, "/v1/auth/token", "", gin.H{"client_id": "fda-bot", "client_secret": "fda-secret"})
	if w.Code != http.StatusOK {
		t.Fatalf("exchange: %d %s", w.Code, w.Body.String())
	}
	pair := decode[tokens](t, w)
	if pair.TokenType != "Bearer" || pair.ExpiresIn != 900 || pair.RefreshToken == "" {
		t.Fatalf("unexpected token response %+v", pair)
	}

	// A regulator token reads agency data.
	if w := env.do(t, http.MethodGet, "/v1/risk-alerts/a1/deliveries", pair.AccessToken, nil); w.Code != http.StatusOK {
		t.Fatalf("expected regulator access, got %d %s", w.Code, w.Body.String())
	}
	// The refresh token is not an access token.
	if w := env.do(t, http.MethodGet, "/v1/risk-alerts/a1/deliveries", pair.RefreshToken, nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected refresh token to be rejected as bearer, got %d", w.Code)
	}

	w = env.do(t, http.MethodPost, "/v1/auth/refresh", "", gin.H{"refresh_token": pair.RefreshToken})
	if w.Code != http.StatusOK {
		t.Fatalf("refresh: %d %s", w.Code, w.Body.String())
	}
	next := decode[tokens](t, w)
	if w := env.do(t, http.MethodGet, "/v1/risk-alerts/a1/deliveries", next.AccessToken, nil); w.Code != http.StatusOK {
		t.Fatalf("expected refreshed token to work, got %d", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/v1/auth/refresh", "", gin.H{"refresh_token": pair.AccessToken}); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected access token refused by refresh, got %d", w.Code)
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	if w := env.do(t, http.MethodGet, "/healthz", "", nil); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	env.health = errors.New("connection refused")
	if w := env.do(t, http.MethodGet, "/healthz", "", nil); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestPrivilegedActionsAreAudited(t *testing.T) {
	env := newTestEnv(t)
	env.createBatch(t, 2)
	admin := env.token(t, "", rbac.RoleSuperAdmin)
	env.do(t, http.MethodPut, "/v1/agencies/fda/webhook", admin, gin.H{"url": "https://agency.example.gov/hooks", "secret": "s"})

	w := env.do(t, http.MethodGet, "/v1/manufacturers/m1/audit-events", env.token(t, "m1", rbac.RoleManufacturerAdmin), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list audit events: %d %s", w.Code, w.Body.String())
	}
	m := decode[struct {
		Events []audit.Event `json:"audit_events"`
	}](t, w)
	if len(m.Events) != 1 || m.Events[0].Type != audit.EventBatchCreated || m.Events[0].ActorRole != rbac.RoleManufacturerAdmin {
		t.Fatalf("unexpected manufacturer audit events %+v", m.Events)
	}

	a := decode[struct {
		Events []audit.Event `json:"audit_events"`
	}](t, env.do(t, http.MethodGet, "/v1/agencies/fda/audit-events", env.token(t, "", rbac.RoleRegulator), nil))
	if len(a.Events) != 1 || a.Events[0].Type != audit.EventWebhookConfigured {
		t.Fatalf("unexpected agency audit events %+v", a.Events)
	}

	if w := env.do(t, http.MethodGet, "/v1/manufacturers/m1/audit-events", env.token(t, "m1", rbac.RoleManufacturerStaff), nil); w.Code != http.StatusForbidden {
		t.Fatalf("staff cannot read audit events, got %d", w.Code)
	}
}

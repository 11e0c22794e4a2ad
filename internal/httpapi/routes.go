package httpapi

import (
	"authenticity-platform/internal/rbac"

	"github.com/gin-gonic/gin"
)

// Register wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers delegate to internal modules.
func Register(r *gin.Engine, h Handlers, authMW gin.HandlerFunc) {
	// public
	r.GET("/healthz", h.Healthz)

	v1 := r.Group("/v1")
	v1.POST("/verify", h.Verify)
	v1.GET("/codes/:value/qr.png", h.CodeQR)
	v1.POST("/auth/token", h.IssueToken)
	v1.POST("/auth/refresh", h.RefreshToken)

	// protected
	api := v1.Group("")
	api.Use(authMW)
	api.Use(rbac.RequireManufacturer())
	{
		batches := api.Group("/batches")
		batches.Use(rbac.RequireAnyRole(rbac.RoleManufacturerAdmin, rbac.RoleManufacturerStaff))
		batches.POST("", h.CreateBatch)

		m := api.Group("/manufacturers/:manufacturer_id")
		m.Use(rbac.RequireManufacturerParam("manufacturer_id"))
		{
			m.GET("/risk-alerts", h.RiskAlerts)
			m.GET("/trust-scores", h.TrustTrend)
			m.POST("/trust-scores/recompute",
				rbac.RequireAnyRole(rbac.RoleManufacturerAdmin), h.RecomputeTrust)
			m.GET("/audit-events", rbac.RequireAnyRole(rbac.RoleManufacturerAdmin), h.AuditEvents)
		}

		// Agency administration. Regulators may read; only super_admin writes.
		agencies := api.Group("/agencies/:agency_id")
		{
			agencies.GET("/rate-limit", rbac.RequireAnyRole(rbac.RoleRegulator), h.AgencyRateLimit)
			agencies.PUT("/rate-limit", rbac.RequireAnyRole(), h.ConfigureAgencyRateLimit)
			agencies.PUT("/webhook", rbac.RequireAnyRole(), h.PutAgencyWebhook)
			agencies.GET("/audit-events", rbac.RequireAnyRole(rbac.RoleRegulator), h.AuditEvents)
		}
		api.GET("/risk-alerts/:alert_id/deliveries", rbac.RequireAnyRole(rbac.RoleRegulator), h.AlertDeliveries)
	}
}

package rbac

import (
	"net/http"

	"authenticity-platform/internal/auth"

	"github.com/gin-gonic/gin"
)

// RequireManufacturer enforces tenant scoping: manufacturer roles must carry manufacturer_id.
// Platform roles pass through without one.
func RequireManufacturer() gin.HandlerFunc {
	return func(c *gin.Context) {
		role, _ := auth.Role(c.Request.Context())
		if IsPlatformRole(role) {
			c.Next()
			return
		}
		mid, err := auth.ManufacturerID(c.Request.Context())
		if err != nil || mid == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "manufacturer_id required"})
			return
		}
		c.Next()
	}
}

// RequireAnyRole allows access if the caller has any of the provided roles.
// super_admin bypasses all checks.
func RequireAnyRole(allowed ...string) gin.HandlerFunc {
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, r := range allowed {
		allowedSet[r] = struct{}{}
	}

	return func(c *gin.Context) {
		role, err := auth.Role(c.Request.Context())
		if err != nil || role == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "role required"})
			return
		}
		if IsSuperAdmin(role) {
			c.Next()
			return
		}
		if _, ok := allowedSet[role]; !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}

// RequireManufacturerParam rejects callers reading another manufacturer's data.
// The target id is taken from the named path parameter.
func RequireManufacturerParam(param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		role, _ := auth.Role(ctx)
		mid, _ := auth.ManufacturerID(ctx)
		if !CanReadManufacturer(role, mid, c.Param(param)) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}

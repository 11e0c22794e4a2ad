package rbac

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"authenticity-platform/internal/auth"

	"github.com/gin-gonic/gin"
)

func withIdentity(manufacturerID, role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := auth.WithIdentity(c.Request.Context(), "u", manufacturerID, role)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func serve(r *gin.Engine, path string) int {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	r.ServeHTTP(w, req)
	return w.Code
}

func TestRequireAnyRole_SuperAdminBypasses(t *testing.T) {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.GET("/x", withIdentity("", RoleSuperAdmin), RequireManufacturer(), RequireAnyRole(RoleManufacturerAdmin), func(c *gin.Context) {
		c.Status(200)
	})

	if code := serve(r, "/x"); code != 200 {
		t.Fatalf("expected 200, got %d", code)
	}
}

func TestRequireAnyRole_StaffDenied(t *testing.T) {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.GET("/x", withIdentity("m1", RoleManufacturerStaff), RequireManufacturer(), RequireAnyRole(RoleManufacturerAdmin), func(c *gin.Context) {
		c.Status(200)
	})

	if code := serve(r, "/x"); code != 403 {
		t.Fatalf("expected 403, got %d", code)
	}
}

func TestRequireManufacturer_MissingForManufacturerRole(t *testing.T) {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.GET("/x", withIdentity("", RoleManufacturerAdmin), RequireManufacturer(), func(c *gin.Context) {
		c.Status(200)
	})

	if code := serve(r, "/x"); code != 401 {
		t.Fatalf("expected 401, got %d", code)
	}
}

func TestRequireManufacturerParam(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cases := []struct {
		name string
		mid  string
		role string
		want int
	}{
		{"own data", "m1", RoleManufacturerStaff, 200},
		{"other tenant", "m2", RoleManufacturerAdmin, 403},
		{"regulator", "", RoleRegulator, 200},
		{"super admin", "", RoleSuperAdmin, 200},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := gin.New()
			r.GET("/m/:id", withIdentity(tc.mid, tc.role), RequireManufacturerParam("id"), func(c *gin.Context) {
				c.Status(200)
			})
			if code := serve(r, "/m/m1"); code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, code)
			}
		})
	}
}

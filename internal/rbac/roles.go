package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	RoleManufacturerAdmin = "manufacturer_admin"
	RoleManufacturerStaff = "manufacturer_staff"
	RoleRegulator         = "regulator"
	RoleSuperAdmin        = "super_admin"
)

func IsSuperAdmin(role string) bool { return role == RoleSuperAdmin }

// IsPlatformRole reports roles that are not bound to a single manufacturer.
func IsPlatformRole(role string) bool {
	return role == RoleSuperAdmin || role == RoleRegulator
}

// CanReadManufacturer reports whether the caller may read data owned by manufacturerID.
func CanReadManufacturer(role, callerManufacturerID, manufacturerID string) bool {
	if IsPlatformRole(role) {
		return true
	}
	return callerManufacturerID != "" && callerManufacturerID == manufacturerID
}

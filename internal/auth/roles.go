package auth

// Owner role constants.
const (
	RoleUser       = "user"
	RoleAdmin      = "admin"
	RoleSuperAdmin = "superadmin"
)

// AdminRoles returns roles allowed on administrative routes.
func AdminRoles() []string {
	return []string{RoleAdmin, RoleSuperAdmin}
}

// ValidRole reports whether role is known.
func ValidRole(role string) bool {
	switch role {
	case RoleUser, RoleAdmin, RoleSuperAdmin:
		return true
	}
	return false
}

package rbac

// Role constants
const (
	RoleSeller  = "seller"
	RoleSupport = "support"
	RoleAdmin   = "admin"
)

// Permission constants
const (
	PermManageProfile = "manage_profile"
	PermCreateLink    = "create_link"
	PermViewOwnLinks  = "view_own_links"
	PermViewAnyLink   = "view_any_link"
	PermResendCode    = "resend_code"
	PermRefund        = "refund"
	PermRunSweep      = "run_sweep"
)

// RolePermissions defines what each role can do.
var RolePermissions = map[string][]string{
	RoleSeller: {
		PermManageProfile, PermCreateLink, PermViewOwnLinks,
	},
	RoleSupport: {
		PermViewAnyLink, PermResendCode,
		// Support CANNOT: PermRefund, PermRunSweep
	},
	RoleAdmin: {
		PermViewAnyLink, PermResendCode, PermRefund, PermRunSweep,
	},
}

// HasPermission checks if a role has a specific permission.
func HasPermission(role, permission string) bool {
	perms, ok := RolePermissions[role]
	if !ok {
		return false
	}
	for _, p := range perms {
		if p == permission {
			return true
		}
	}
	return false
}

// IsFinancialOperation reports whether permission moves money (admin-only).
func IsFinancialOperation(permission string) bool {
	return permission == PermRefund
}

// IsValidRole reports whether role is known.
func IsValidRole(role string) bool {
	_, ok := RolePermissions[role]
	return ok
}

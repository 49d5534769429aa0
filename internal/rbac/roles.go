package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	RoleAgent      = "agent"
	RoleManager    = "manager"
	RoleAdmin      = "admin"
	RoleSuperAdmin = "super_admin"
)

func IsSuperAdmin(role string) bool { return role == RoleSuperAdmin }

// CanActForOthers reports whether role may read or change work assigned to
// other users.
func CanActForOthers(role string) bool {
	switch role {
	case RoleManager, RoleAdmin, RoleSuperAdmin:
		return true
	default:
		return false
	}
}

func Valid(role string) bool {
	switch role {
	case RoleAgent, RoleManager, RoleAdmin, RoleSuperAdmin:
		return true
	default:
		return false
	}
}

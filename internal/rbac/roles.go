package rbac

// Operator roles. Keep these stable; they are part of auth/RBAC contracts.
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleViewer   = "viewer"
)

func IsAdmin(role string) bool { return role == RoleAdmin }

func IsKnownRole(role string) bool {
	switch role {
	case RoleAdmin, RoleOperator, RoleViewer:
		return true
	}
	return false
}

// Control roles may start, pause, cancel and import. Viewers read progress only.
var (
	ControlRoles = []string{RoleOperator}
	ReadRoles    = []string{RoleOperator, RoleViewer}
)

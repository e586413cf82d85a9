package rbac

type Role string
type Action string

const (
	RoleViewer     Role = "viewer"
	RoleCommercial Role = "commercial"
	RoleAnalyst    Role = "analyst"
	RoleSupervisor Role = "supervisor"
	RoleAdmin      Role = "admin"
)

const (
	ActionRead    Action = "read"
	ActionComment Action = "comment"
	ActionIntake  Action = "intake"
	ActionMove    Action = "move"
	ActionDecide  Action = "decide"
	// ActionModerate covers editing or deleting annotations written by others.
	ActionModerate Action = "moderate"
	ActionAdmin    Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleSupervisor:
		return action != ActionAdmin
	case RoleAnalyst:
		return action == ActionRead || action == ActionComment || action == ActionMove || action == ActionDecide
	case RoleCommercial:
		return action == ActionRead || action == ActionComment || action == ActionMove || action == ActionIntake
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleCommercial, RoleAnalyst, RoleSupervisor, RoleAdmin:
		return Role(role)
	default:
		return RoleViewer
	}
}

// Elevated reports whether role may act on other users' annotations.
func Elevated(role string) bool {
	return Can(Normalize(role), ActionModerate)
}

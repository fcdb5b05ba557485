package rbac

type Role string
type Action string

const (
	RoleNone   Role = ""
	RoleMember Role = "member"
	RoleOwner  Role = "owner"
)

const (
	// ActionRead covers viewing the board and its event stream.
	ActionRead Action = "read"
	// ActionWrite covers creating, editing, moving and deleting cards and tasks.
	ActionWrite Action = "write"
	// ActionManage covers renaming and deleting the board and adding members.
	ActionManage Action = "manage"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleOwner:
		return true
	case RoleMember:
		return action == ActionRead || action == ActionWrite
	default:
		return false
	}
}

// Normalize maps a stored role onto a known one; anything unknown grants
// nothing.
func Normalize(role string) Role {
	switch Role(role) {
	case RoleMember, RoleOwner:
		return Role(role)
	default:
		return RoleNone
	}
}

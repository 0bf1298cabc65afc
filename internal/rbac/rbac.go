package rbac

import "chatter/internal/store"

type Role string
type Action string

const (
	RoleOutsider Role = "outsider"
	RoleMember   Role = "member"
	RoleOwner    Role = "owner"
)

const (
	ActionRead      Action = "read"
	ActionPost      Action = "post"
	ActionDeleteOwn Action = "delete_own"
	ActionDeleteAny Action = "delete_any"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleOwner:
		return true
	case RoleMember:
		return action == ActionRead || action == ActionPost || action == ActionDeleteOwn
	default:
		return false
	}
}

// RoleIn is the user's role in group. The creator owns the group for as long
// as they remain a member.
func RoleIn(group store.Group, userID string) Role {
	if !group.HasMember(userID) {
		return RoleOutsider
	}
	if group.CreatorID == userID {
		return RoleOwner
	}
	return RoleMember
}

// DeleteAction is what deleting note requires of userID. System notes belong to
// nobody.
func DeleteAction(note store.Note, userID string) Action {
	if note.Kind != store.KindSystem && note.Sender != "" && note.Sender == userID {
		return ActionDeleteOwn
	}
	return ActionDeleteAny
}

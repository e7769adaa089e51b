package payment

import "fiscalcontrol/auth"

// capabilities is the static (role, action) table. Roles do not inherit from
// each other; a missing entry means denied.
var capabilities = map[auth.Role]map[Action]bool{
	auth.RoleAdmin: {
		ActionRegister: true,
		ActionApprove:  true,
		ActionReject:   true,
		ActionRead:     true,
	},
	auth.RolePayer: {
		ActionRegister: true,
		ActionRead:     true,
	},
	auth.RoleViewer: {
		ActionApprove: true,
		ActionReject:  true,
		ActionRead:    true,
	},
}

// Can reports whether role may perform action.
func Can(role auth.Role, action Action) bool {
	return capabilities[role][action]
}

var transitions = map[Action]Status{
	ActionApprove: StatusApproved,
	ActionReject:  StatusRejected,
}

// Target returns the state an action leads to from PendingReview.
func Target(action Action) (Status, bool) {
	s, ok := transitions[action]
	return s, ok
}

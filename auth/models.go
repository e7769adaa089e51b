package auth

import "strings"

type Role string

const (
	RoleAdmin  Role = "admin"
	RolePayer  Role = "payer"
	RoleViewer Role = "viewer"
)

// ParseRole normalises a client supplied role name. Unknown names are returned
// as-is so the capability table can deny them.
func ParseRole(s string) Role {
	return Role(strings.ToLower(strings.TrimSpace(s)))
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RolePayer, RoleViewer:
		return true
	default:
		return false
	}
}

// Actor is the caller of a lifecycle operation. It is passed explicitly to
// every call instead of living in ambient state.
type Actor struct {
	Name string
	Role Role
}

// User is an entry of the configured user directory.
type User struct {
	Username     string
	Name         string
	Role         Role
	PasswordHash string
}

// Actor returns the lifecycle identity of the user.
func (u User) Actor() Actor {
	return Actor{Name: u.Name, Role: u.Role}
}

// LoginRequest contains user login credentials.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

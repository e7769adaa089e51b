package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUserNotFound signals that the user does not exist.
	ErrUserNotFound = errors.New("auth: user not found")
	// ErrDuplicateUsername signals that the username is already registered.
	ErrDuplicateUsername = errors.New("auth: username already exists")
)

// Repository handles data access for authentication.
type Repository interface {
	GetUserByUsername(ctx context.Context, username string) (User, error)
}

// Directory is a static, in-memory user directory loaded from configuration.
type Directory struct {
	users map[string]User
}

// NewDirectory builds a directory, rejecting duplicate usernames and unknown roles.
func NewDirectory(users []User) (*Directory, error) {
	d := &Directory{users: make(map[string]User, len(users))}
	for _, u := range users {
		key := strings.ToLower(strings.TrimSpace(u.Username))
		if key == "" {
			return nil, fmt.Errorf("auth: empty username")
		}
		if !u.Role.Valid() {
			return nil, fmt.Errorf("auth: user %q has invalid role %q", u.Username, u.Role)
		}
		if _, exists := d.users[key]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateUsername, u.Username)
		}
		d.users[key] = u
	}
	return d, nil
}

// GetUserByUsername retrieves a user by username, case-insensitively.
func (d *Directory) GetUserByUsername(_ context.Context, username string) (User, error) {
	u, ok := d.users[strings.ToLower(strings.TrimSpace(username))]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return u, nil
}

// Len returns the number of users in the directory.
func (d *Directory) Len() int {
	return len(d.users)
}

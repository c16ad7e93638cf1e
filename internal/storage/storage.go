// Package storage holds the durable account, group and membership records.
package storage

import (
	"context"
	"errors"
)

const (
	DefaultGroupID   = "1"
	DefaultGroupName = "default"
)

var (
	ErrNotFound      = errors.New("record does not exist")
	ErrAlreadyExists = errors.New("record already exists")
	ErrEmptyID       = errors.New("id is empty")
)

type User struct {
	ID       string
	Username string
	// Verifier is the bcrypt hash of the password.
	Verifier string
}

type Group struct {
	ID   string
	Name string
}

// Backend is the PersistenceBackend. Implementations need not be safe for
// concurrent use beyond what their driver provides; the event processor is the
// only caller at runtime.
type Backend interface {
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByName(ctx context.Context, username string) (*User, error)
	GetGroup(ctx context.Context, id string) (*Group, error)
	GetGroupsFromUser(ctx context.Context, userID string) ([]string, error)
	GetUsersFromGroup(ctx context.Context, groupID string) ([]string, error)
	AddUser(ctx context.Context, username, verifier string) (string, error)
	AddGroup(ctx context.Context, name string) (string, error)
	AddUserToGroup(ctx context.Context, userID, groupID string) (string, error)
	RemoveUserFromGroup(ctx context.Context, userID, groupID string) error
	// EnsureDefaultGroup creates group "1" when it does not exist yet.
	EnsureDefaultGroup(ctx context.Context) error
	Close(ctx context.Context) error
}

// IsMember reports whether userID has a membership row for groupID.
func IsMember(ctx context.Context, b Backend, userID, groupID string) (bool, error) {
	groups, err := b.GetGroupsFromUser(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, g := range groups {
		if g == groupID {
			return true, nil
		}
	}
	return false, nil
}

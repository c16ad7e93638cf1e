package storage

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryStoreUsers(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	id, err := store.AddUser(ctx, "alice", "hash")
	if err != nil || id != "1" {
		t.Fatalf("expected id 1, got %q (%v)", id, err)
	}
	if _, err := store.AddUser(ctx, "alice", "other"); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	u, err := store.GetUserByName(ctx, "alice")
	if err != nil || u.ID != "1" || u.Verifier != "hash" {
		t.Fatalf("unexpected user %+v (%v)", u, err)
	}
	if _, err := store.GetUser(ctx, "42"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.GetUser(ctx, ""); !errors.Is(err, ErrEmptyID) {
		t.Fatalf("expected ErrEmptyID, got %v", err)
	}
}

func TestMemoryStoreGroupsAndMemberships(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.EnsureDefaultGroup(ctx); err != nil {
		t.Fatal(err)
	}
	if err := store.EnsureDefaultGroup(ctx); err != nil {
		t.Fatal(err)
	}
	g, err := store.GetGroup(ctx, DefaultGroupID)
	if err != nil || g.Name != DefaultGroupName {
		t.Fatalf("default group missing: %+v %v", g, err)
	}

	uid, _ := store.AddUser(ctx, "alice", "hash")
	gid, _ := store.AddGroup(ctx, "friends")
	if gid != "2" {
		t.Fatalf("expected group id 2, got %s", gid)
	}

	if _, err := store.AddUserToGroup(ctx, uid, "99"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown group, got %v", err)
	}
	if _, err := store.AddUserToGroup(ctx, uid, gid); err != nil {
		t.Fatal(err)
	}
	if _, err := store.AddUserToGroup(ctx, uid, gid); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected duplicate membership error, got %v", err)
	}

	member, err := IsMember(ctx, store, uid, gid)
	if err != nil || !member {
		t.Fatalf("expected membership, got %v %v", member, err)
	}
	users, _ := store.GetUsersFromGroup(ctx, gid)
	if len(users) != 1 || users[0] != uid {
		t.Fatalf("unexpected users %v", users)
	}

	if err := store.RemoveUserFromGroup(ctx, uid, gid); err != nil {
		t.Fatal(err)
	}
	member, _ = IsMember(ctx, store, uid, gid)
	if member {
		t.Fatal("membership survived removal")
	}
}

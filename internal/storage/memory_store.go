package storage

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
)

type membership struct {
	userID  string
	groupID string
}

// MemoryStore keeps every record in process memory. Records are lost on restart.
type MemoryStore struct {
	mu          sync.Mutex
	users       map[string]*User
	usernames   map[string]string
	groups      map[string]*Group
	memberships map[string]membership
	nextUser    int
	nextGroup   int
	nextMember  int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:       make(map[string]*User),
		usernames:   make(map[string]string),
		groups:      make(map[string]*Group),
		memberships: make(map[string]membership),
	}
}

func (ms *MemoryStore) GetUser(_ context.Context, id string) (*User, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if id == "" {
		return nil, ErrEmptyID
	}
	u, ok := ms.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	cp := *u
	return &cp, nil
}

func (ms *MemoryStore) GetUserByName(ctx context.Context, username string) (*User, error) {
	ms.mu.Lock()
	id, ok := ms.usernames[username]
	ms.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("user %q: %w", username, ErrNotFound)
	}
	return ms.GetUser(ctx, id)
}

func (ms *MemoryStore) GetGroup(_ context.Context, id string) (*Group, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if id == "" {
		return nil, ErrEmptyID
	}
	g, ok := ms.groups[id]
	if !ok {
		return nil, fmt.Errorf("group %s: %w", id, ErrNotFound)
	}
	cp := *g
	return &cp, nil
}

func (ms *MemoryStore) collect(match func(membership) (string, bool)) []string {
	ids := make([]string, 0)
	for _, m := range ms.memberships {
		if id, ok := match(m); ok {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return lessID(ids[i], ids[j]) })
	return ids
}

func (ms *MemoryStore) GetGroupsFromUser(_ context.Context, userID string) ([]string, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.collect(func(m membership) (string, bool) { return m.groupID, m.userID == userID }), nil
}

func (ms *MemoryStore) GetUsersFromGroup(_ context.Context, groupID string) ([]string, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.collect(func(m membership) (string, bool) { return m.userID, m.groupID == groupID }), nil
}

func (ms *MemoryStore) AddUser(_ context.Context, username, verifier string) (string, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if _, ok := ms.usernames[username]; ok {
		return "", fmt.Errorf("user %q: %w", username, ErrAlreadyExists)
	}
	ms.nextUser++
	id := strconv.Itoa(ms.nextUser)
	ms.users[id] = &User{ID: id, Username: username, Verifier: verifier}
	ms.usernames[username] = id
	return id, nil
}

func (ms *MemoryStore) AddGroup(_ context.Context, name string) (string, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.nextGroup++
	id := strconv.Itoa(ms.nextGroup)
	ms.groups[id] = &Group{ID: id, Name: name}
	return id, nil
}

func (ms *MemoryStore) AddUserToGroup(_ context.Context, userID, groupID string) (string, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if _, ok := ms.users[userID]; !ok {
		return "", fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	if _, ok := ms.groups[groupID]; !ok {
		return "", fmt.Errorf("group %s: %w", groupID, ErrNotFound)
	}
	for id, m := range ms.memberships {
		if m.userID == userID && m.groupID == groupID {
			return id, fmt.Errorf("membership %s/%s: %w", userID, groupID, ErrAlreadyExists)
		}
	}
	ms.nextMember++
	id := strconv.Itoa(ms.nextMember)
	ms.memberships[id] = membership{userID: userID, groupID: groupID}
	return id, nil
}

func (ms *MemoryStore) RemoveUserFromGroup(_ context.Context, userID, groupID string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	for id, m := range ms.memberships {
		if m.userID == userID && m.groupID == groupID {
			delete(ms.memberships, id)
		}
	}
	return nil
}

func (ms *MemoryStore) EnsureDefaultGroup(ctx context.Context) error {
	if _, err := ms.GetGroup(ctx, DefaultGroupID); err == nil {
		return nil
	}
	id, err := ms.AddGroup(ctx, DefaultGroupName)
	if err != nil {
		return err
	}
	if id != DefaultGroupID {
		return fmt.Errorf("default group created with id %s, expected %s", id, DefaultGroupID)
	}
	return nil
}

func (ms *MemoryStore) Close(context.Context) error {
	return nil
}

// lessID orders numeric ids numerically and everything else lexically.
func lessID(a, b string) bool {
	ai, errA := strconv.Atoi(a)
	bi, errB := strconv.Atoi(b)
	if errA == nil && errB == nil {
		return ai < bi
	}
	return a < b
}

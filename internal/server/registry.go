package server

import (
	"sync"

	"github.com/life-stream-dev/life-stream-go-chatroom/internal/protocol"
)

// Registry is the live membership index: which connected sessions sit in
// which group. It is rebuilt empty on every boot.
type Registry struct {
	mu      sync.Mutex
	live    map[*Session]struct{}
	groupOf map[*Session]string
	groups  map[string]map[*Session]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		live:    make(map[*Session]struct{}),
		groupOf: make(map[*Session]string),
		groups:  make(map[string]map[*Session]struct{}),
	}
}

func (r *Registry) AddLive(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live[s] = struct{}{}
}

// Remove drops s from the live set and from its group.
func (r *Registry) Remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.live, s)
	r.leaveLocked(s)
}

// Join places a session that is not yet in any group.
func (r *Registry) Join(s *Session, group string) bool {
	return r.Move(s, group)
}

// Move takes s out of its current group and puts it in group as one step.
// Sessions that already left the live set are ignored.
func (r *Registry) Move(s *Session, group string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.live[s]; !ok {
		return false
	}
	r.leaveLocked(s)
	members, ok := r.groups[group]
	if !ok {
		members = make(map[*Session]struct{})
		r.groups[group] = members
	}
	members[s] = struct{}{}
	r.groupOf[s] = group
	return true
}

func (r *Registry) leaveLocked(s *Session) {
	group, ok := r.groupOf[s]
	if !ok {
		return
	}
	delete(r.groupOf, s)
	members := r.groups[group]
	delete(members, s)
	if len(members) == 0 {
		delete(r.groups, group)
	}
}

func (r *Registry) GroupOf(s *Session) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	group, ok := r.groupOf[s]
	return group, ok
}

func (r *Registry) Members(group string) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	members := make([]*Session, 0, len(r.groups[group]))
	for s := range r.groups[group] {
		members = append(members, s)
	}
	return members
}

func (r *Registry) Live() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	sessions := make([]*Session, 0, len(r.live))
	for s := range r.live {
		sessions = append(sessions, s)
	}
	return sessions
}

// Broadcast queues f on every session in group at call time. Each recipient
// has its own outbox, so a dead peer cannot hold up the others.
func (r *Registry) Broadcast(group string, f protocol.Frame) int {
	members := r.Members(group)
	for _, s := range members {
		s.Send(f)
	}
	return len(members)
}

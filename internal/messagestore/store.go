// Package messagestore keeps the per-group chat history in memory and mirrors
// it to an encrypted snapshot file.
package messagestore

import (
	"context"
	"errors"
	"sync"

	"github.com/life-stream-dev/life-stream-go-chatroom/internal/logger"
	"github.com/life-stream-dev/life-stream-go-chatroom/internal/queue"
)

// Snapshot maps a group id to its messages, oldest first.
type Snapshot map[string][]string

func (s Snapshot) Clone() Snapshot {
	out := make(Snapshot, len(s))
	for group, messages := range s {
		out[group] = append([]string(nil), messages...)
	}
	return out
}

type entry struct {
	group string
	text  string
}

type Store struct {
	mu          sync.RWMutex
	log         Snapshot
	inbox       *queue.Queue[entry]
	maxPerGroup int
	onSnapshot  func(Snapshot)
}

// New builds a store seeded with initial. onSnapshot receives an independent
// copy of the whole mapping every time the consumer absorbed new messages.
// maxPerGroup <= 0 keeps every message.
func New(initial Snapshot, maxPerGroup int, onSnapshot func(Snapshot)) *Store {
	if initial == nil {
		initial = Snapshot{}
	}
	return &Store{
		log:         initial.Clone(),
		inbox:       queue.New[entry](),
		maxPerGroup: maxPerGroup,
		onSnapshot:  onSnapshot,
	}
}

// Put queues text for group. It never waits for the consumer.
func (s *Store) Put(group, text string) error {
	return s.inbox.Push(entry{group: group, text: text})
}

func (s *Store) Messages(group string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string{}, s.log[group]...)
}

func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.log.Clone()
}

// Pending is the number of queued messages not yet absorbed.
func (s *Store) Pending() int {
	return s.inbox.Len()
}

// Run absorbs queued messages until ctx is done or the store is closed.
func (s *Store) Run(ctx context.Context) error {
	for {
		first, err := s.inbox.Pop(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) {
				return nil
			}
			return err
		}
		batch := []entry{first}
		for {
			e, ok := s.inbox.TryPop()
			if !ok {
				break
			}
			batch = append(batch, e)
		}
		snapshot := s.absorb(batch)
		logger.DebugF("Message store absorbed %d message(s)", len(batch))
		if s.onSnapshot != nil {
			s.onSnapshot(snapshot)
		}
	}
}

// absorb appends the batch and copies the mapping under one lock, so a
// snapshot holds either all of an entry or none of it.
func (s *Store) absorb(batch []entry) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range batch {
		messages := append(s.log[e.group], e.text)
		if s.maxPerGroup > 0 && len(messages) > s.maxPerGroup {
			messages = append([]string(nil), messages[len(messages)-s.maxPerGroup:]...)
		}
		s.log[e.group] = messages
	}
	return s.log.Clone()
}

// Drain absorbs whatever is still queued without emitting a snapshot. It is
// meant for shutdown, after Run has returned.
func (s *Store) Drain() int {
	var batch []entry
	for {
		e, ok := s.inbox.TryPop()
		if !ok {
			break
		}
		batch = append(batch, e)
	}
	if len(batch) > 0 {
		s.absorb(batch)
	}
	return len(batch)
}

// Close stops accepting messages; Run returns once the backlog is absorbed.
func (s *Store) Close() {
	s.inbox.Close()
}

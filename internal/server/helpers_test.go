package server

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/life-stream-dev/life-stream-go-chatroom/internal/messagestore"
	"github.com/life-stream-dev/life-stream-go-chatroom/internal/protocol"
	"github.com/life-stream-dev/life-stream-go-chatroom/internal/queue"
	"github.com/life-stream-dev/life-stream-go-chatroom/internal/storage"
)

type fakeConn struct {
	api      bool
	in       chan protocol.Frame
	sent     chan protocol.Frame
	failSend bool

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeConn(api bool) *fakeConn {
	return &fakeConn{
		api:    api,
		in:     make(chan protocol.Frame, 16),
		sent:   make(chan protocol.Frame, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Send(f protocol.Frame) error {
	if c.failSend {
		return errors.New("broken pipe")
	}
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	case c.sent <- f:
		return nil
	}
}

func (c *fakeConn) Receive() (protocol.Frame, error) {
	select {
	case f, ok := <-c.in:
		if !ok {
			return protocol.Frame{}, io.EOF
		}
		return f, nil
	case <-c.closed:
		return protocol.Frame{}, io.EOF
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) IsAPI() bool        { return c.api }
func (c *fakeConn) RemoteAddr() string { return "fake" }

type harness struct {
	t        *testing.T
	ctx      context.Context
	p        *Processor
	registry *Registry
	backend  *storage.MemoryStore
	store    *messagestore.Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	backend := storage.NewMemoryStore()
	if err := backend.EnsureDefaultGroup(ctx); err != nil {
		t.Fatal(err)
	}
	registry := NewRegistry()
	store := messagestore.New(nil, 0, nil)
	p := NewProcessor(queue.New[Event](), registry, backend, store, nil, bcrypt.MinCost, 0)
	return &harness{t: t, ctx: ctx, p: p, registry: registry, backend: backend, store: store}
}

// connect registers a session the way serve does, without a writer goroutine,
// so replies stay in the outbox for inspection.
func (h *harness) connect(api bool) *Session {
	s := newSession(newFakeConn(api))
	h.registry.AddLive(s)
	if !api {
		h.registry.Join(s, protocol.DefaultGroupID)
	}
	return s
}

func (h *harness) do(s *Session, t protocol.FrameType, v any) {
	h.t.Helper()
	f, err := protocol.JSONFrame(t, v)
	if err != nil {
		h.t.Fatal(err)
	}
	h.p.dispatch(h.ctx, EventFromFrame(s, f))
}

func drain(s *Session) []protocol.Frame {
	var frames []protocol.Frame
	for {
		f, ok := s.outbox.TryPop()
		if !ok {
			return frames
		}
		frames = append(frames, f)
	}
}

func framesOf(frames []protocol.Frame, t protocol.FrameType) []protocol.Frame {
	var out []protocol.Frame
	for _, f := range frames {
		if f.Type == t {
			out = append(out, f)
		}
	}
	return out
}

func tokenReply(t *testing.T, s *Session) protocol.Token {
	t.Helper()
	replies := framesOf(drain(s), protocol.NewToken)
	if len(replies) != 1 {
		t.Fatalf("expected one newToken frame, got %d", len(replies))
	}
	var reply protocol.NewTokenReply
	if err := replies[0].Decode(&reply); err != nil {
		t.Fatal(err)
	}
	return reply.NewToken
}

func changeTokenReply(t *testing.T, frames []protocol.Frame) protocol.Token {
	t.Helper()
	replies := framesOf(frames, protocol.ChangeToken)
	if len(replies) != 1 {
		t.Fatalf("expected one changeToken frame, got %d", len(replies))
	}
	var token protocol.Token
	if err := replies[0].Decode(&token); err != nil {
		t.Fatal(err)
	}
	return token
}

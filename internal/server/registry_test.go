package server

import (
	"sync"
	"testing"
	"time"

	"github.com/life-stream-dev/life-stream-go-chatroom/internal/protocol"
)

func TestRegistryMove(t *testing.T) {
	r := NewRegistry()
	a := newSession(newFakeConn(false))
	b := newSession(newFakeConn(false))
	r.AddLive(a)
	r.AddLive(b)
	r.Join(a, "1")
	r.Join(b, "1")

	if !r.Move(a, "2") {
		t.Fatal("Move of a live session failed")
	}
	if g, _ := r.GroupOf(a); g != "2" {
		t.Fatalf("GroupOf(a) = %s, expected 2", g)
	}
	if n := len(r.Members("1")); n != 1 {
		t.Fatalf("group 1 has %d members, expected 1", n)
	}
	if n := len(r.Members("2")); n != 1 {
		t.Fatalf("group 2 has %d members, expected 1", n)
	}

	r.Remove(a)
	if _, ok := r.GroupOf(a); ok {
		t.Fatal("removed session still has a group")
	}
	if r.Move(a, "1") {
		t.Fatal("Move of a removed session succeeded")
	}
	if n := len(r.Members("1")); n != 1 {
		t.Fatalf("removed session came back into group 1")
	}
	if n := len(r.Live()); n != 1 {
		t.Fatalf("live = %d, expected 1", n)
	}
}

func TestBroadcastReachesExactlyGroupMembers(t *testing.T) {
	r := NewRegistry()
	var inOne, inTwo []*Session
	for i := 0; i < 3; i++ {
		s := newSession(newFakeConn(false))
		r.AddLive(s)
		r.Join(s, "1")
		inOne = append(inOne, s)
	}
	other := newSession(newFakeConn(false))
	r.AddLive(other)
	r.Join(other, "2")
	inTwo = append(inTwo, other)

	n := r.Broadcast("1", protocol.TextFrame(protocol.Message, "hi"))
	if n != 3 {
		t.Fatalf("Broadcast reached %d sessions, expected 3", n)
	}
	for _, s := range inOne {
		if frames := drain(s); len(frames) != 1 || string(frames[0].Payload) != "hi" {
			t.Fatalf("member got %v", frames)
		}
	}
	for _, s := range inTwo {
		if frames := drain(s); len(frames) != 0 {
			t.Fatalf("non-member got %v", frames)
		}
	}
}

func TestBroadcastSurvivesDeadRecipient(t *testing.T) {
	r := NewRegistry()
	broken := newFakeConn(false)
	broken.failSend = true
	dead := newSession(broken)
	closed := newSession(newFakeConn(false))
	alive := newSession(newFakeConn(false))
	aliveConn := alive.conn.(*fakeConn)
	for _, s := range []*Session{dead, closed, alive} {
		r.AddLive(s)
		r.Join(s, "1")
		go s.writeLoop()
	}
	closed.Close()

	r.Broadcast("1", protocol.TextFrame(protocol.Message, "first"))
	r.Broadcast("1", protocol.TextFrame(protocol.Message, "second"))

	for _, expect := range []string{"first", "second"} {
		select {
		case f := <-aliveConn.sent:
			if string(f.Payload) != expect {
				t.Fatalf("got %q, expected %q", f.Payload, expect)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("live recipient never got %q", expect)
		}
	}
	alive.Close()
	dead.Close()
}

func TestBroadcastWhileRecipientsClose(t *testing.T) {
	r := NewRegistry()
	var closing []*Session
	for i := 0; i < 8; i++ {
		s := newSession(newFakeConn(false))
		r.AddLive(s)
		r.Join(s, "1")
		closing = append(closing, s)
	}
	alive := newSession(newFakeConn(false))
	r.AddLive(alive)
	r.Join(alive, "1")

	const rounds = 200
	var wg sync.WaitGroup
	for _, s := range closing {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Close()
		}(s)
	}
	for i := 0; i < rounds; i++ {
		r.Broadcast("1", protocol.TextFrame(protocol.Message, "tick"))
	}
	wg.Wait()

	if n := len(drain(alive)); n != rounds {
		t.Fatalf("live recipient got %d frames, expected %d", n, rounds)
	}
}

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/life-stream-dev/life-stream-go-chatroom/internal/messagestore"
	"github.com/life-stream-dev/life-stream-go-chatroom/internal/protocol"
	"github.com/life-stream-dev/life-stream-go-chatroom/internal/queue"
	"github.com/life-stream-dev/life-stream-go-chatroom/internal/storage"
)

func TestNewAccount(t *testing.T) {
	h := newHarness(t)
	a := h.connect(false)

	h.do(a, protocol.MakeAccount, protocol.Credentials{Username: "alice", Password: "pw"})
	token := tokenReply(t, a)
	if token.IsGuest() || token.GroupID != protocol.DefaultGroupID || token.RandomBytes == "" {
		t.Fatalf("unexpected token %+v", token)
	}
	if a.token != token {
		t.Fatalf("session token %+v differs from issued %+v", a.token, token)
	}

	b := h.connect(false)
	h.do(b, protocol.MakeAccount, protocol.Credentials{Username: "alice", Password: "other"})
	if token := tokenReply(t, b); !token.IsGuest() {
		t.Fatalf("duplicate username got token %+v", token)
	}
	h.do(b, protocol.MakeAccount, protocol.Credentials{Username: "", Password: "x"})
	if token := tokenReply(t, b); !token.IsGuest() {
		t.Fatalf("empty username got token %+v", token)
	}
}

func TestLoginLogoutTokenIdentity(t *testing.T) {
	h := newHarness(t)
	a := h.connect(false)
	h.do(a, protocol.MakeAccount, protocol.Credentials{Username: "alice", Password: "pw"})
	drain(a)

	steps := []struct {
		name      string
		frameType protocol.FrameType
		payload   any
		guest     bool
	}{
		{"logout", protocol.Logout, protocol.LogoutRequest{}, true},
		{"login", protocol.Login, protocol.Credentials{Username: "alice", Password: "pw"}, false},
		{"bad password", protocol.Login, protocol.Credentials{Username: "alice", Password: "nope"}, true},
		{"login again", protocol.Login, protocol.Credentials{Username: "alice", Password: "pw"}, false},
		{"relogin same session", protocol.Login, protocol.Credentials{Username: "alice", Password: "pw"}, false},
		{"unknown user", protocol.Login, protocol.Credentials{Username: "bob", Password: "pw"}, true},
		{"login after failure", protocol.Login, protocol.Credentials{Username: "alice", Password: "pw"}, false},
		{"logout again", protocol.Logout, protocol.LogoutRequest{}, true},
	}
	for _, step := range steps {
		h.do(a, step.frameType, step.payload)
		if a.token.IsGuest() != step.guest {
			t.Fatalf("%s: token %+v, expected guest=%v", step.name, a.token, step.guest)
		}
		frames := drain(a)
		if step.frameType == protocol.Login {
			if len(framesOf(frames, protocol.NewToken)) != 1 {
				t.Fatalf("%s: no newToken reply", step.name)
			}
		}
		if g, _ := h.registry.GroupOf(a); g != protocol.DefaultGroupID {
			t.Fatalf("%s: session in group %s", step.name, g)
		}
	}
}

func TestLoginRejectsDuplicateLiveSession(t *testing.T) {
	h := newHarness(t)
	a := h.connect(false)
	h.do(a, protocol.MakeAccount, protocol.Credentials{Username: "alice", Password: "pw"})
	drain(a)
	h.do(a, protocol.Logout, protocol.LogoutRequest{})
	drain(a)

	b := h.connect(false)
	c := h.connect(true)
	h.do(b, protocol.Login, protocol.Credentials{Username: "alice", Password: "pw"})
	h.do(c, protocol.Login, protocol.Credentials{Username: "alice", Password: "pw"})
	if tok := tokenReply(t, b); tok.IsGuest() {
		t.Fatal("first login failed")
	}
	if tok := tokenReply(t, c); !tok.IsGuest() {
		t.Fatalf("second concurrent login succeeded: %+v", tok)
	}

	// once the first session is gone the identity is free again
	h.registry.Remove(b)
	h.do(c, protocol.Login, protocol.Credentials{Username: "alice", Password: "pw"})
	if tok := tokenReply(t, c); tok.IsGuest() {
		t.Fatal("login after disconnect failed")
	}
}

func TestMessageBroadcastAndStore(t *testing.T) {
	h := newHarness(t)
	a := h.connect(false)
	h.do(a, protocol.MakeAccount, protocol.Credentials{Username: "alice", Password: "pw"})
	drain(a)
	guest := h.connect(false)
	api := h.connect(true)

	h.do(guest, protocol.Message, protocol.ChatMessage{Message: "hello", SessionToken: protocol.GuestToken()})

	for _, s := range []*Session{a, guest} {
		got := framesOf(drain(s), protocol.Message)
		if len(got) != 1 || string(got[0].Payload) != "Guest: hello" {
			t.Fatalf("session got %v", got)
		}
	}
	if frames := drain(api); len(frames) != 0 {
		t.Fatalf("api session got broadcast %v", frames)
	}

	h.do(a, protocol.Message, protocol.ChatMessage{Message: "hi"})
	if got := framesOf(drain(guest), protocol.Message); len(got) != 1 || string(got[0].Payload) != "alice: hi" {
		t.Fatalf("guest got %v", got)
	}
	if n := h.store.Pending(); n != 2 {
		t.Fatalf("store has %d pending messages, expected 2", n)
	}
}

func TestGroupSwitch(t *testing.T) {
	h := newHarness(t)
	a := h.connect(false)
	h.do(a, protocol.MakeAccount, protocol.Credentials{Username: "alice", Password: "pw"})
	before := tokenReply(t, a)

	h.do(a, protocol.MakeGroup, protocol.MakeGroupRequest{GroupName: "two"})
	replies := framesOf(drain(a), protocol.GroupID)
	var created protocol.GroupIDReply
	if len(replies) != 1 || replies[0].Decode(&created) != nil || created.GroupID != "2" {
		t.Fatalf("unexpected makeGroup reply %v", replies)
	}

	h.do(a, protocol.SwitchGroup, protocol.SwitchGroupRequest{GroupToSwitchTo: "2"})
	frames := drain(a)
	if tok := changeTokenReply(t, frames); tok != before {
		t.Fatalf("rejected switch changed token to %+v", tok)
	}
	if len(framesOf(frames, protocol.DidSucceedMessage)) != 1 {
		t.Fatal("interactive session got no rejection notice")
	}
	if g, _ := h.registry.GroupOf(a); g != protocol.DefaultGroupID || a.token != before {
		t.Fatalf("rejected switch moved session to %s", g)
	}

	h.do(a, protocol.SwitchGroup, protocol.SwitchGroupRequest{GroupToSwitchTo: "99"})
	if tok := changeTokenReply(t, drain(a)); tok.GroupID != protocol.DefaultGroupID {
		t.Fatalf("switch to missing group gave %+v", tok)
	}

	h.do(a, protocol.AddUserToGroup, protocol.AddUserToGroupRequest{UserID: before.ID, GroupID: "2"})
	if frames := drain(a); len(frames) != 0 {
		t.Fatalf("addUserToGroup replied %v", frames)
	}
	h.do(a, protocol.SwitchGroup, protocol.SwitchGroupRequest{GroupToSwitchTo: "2"})
	frames = drain(a)
	tok := changeTokenReply(t, frames)
	if tok.GroupID != "2" || tok.ID != before.ID || tok.RandomBytes != before.RandomBytes {
		t.Fatalf("accepted switch gave %+v", tok)
	}
	if len(framesOf(frames, protocol.RetrievedMessages)) != 1 {
		t.Fatal("no history pushed after switch")
	}
	if g, _ := h.registry.GroupOf(a); g != "2" {
		t.Fatalf("session in group %s after switch", g)
	}
	if n := len(h.registry.Members(protocol.DefaultGroupID)); n != 0 {
		t.Fatalf("default group still has %d member(s)", n)
	}

	h.do(a, protocol.GetGroups, protocol.GetGroupsRequest{Token: tok})
	lists := framesOf(drain(a), protocol.ListOfGroups)
	var groups []string
	if len(lists) != 1 || lists[0].Decode(&groups) != nil || len(groups) != 1 || groups[0] != "2" {
		t.Fatalf("unexpected listOfGroups %v", lists)
	}

	h.do(a, protocol.LeaveGroup, protocol.LeaveGroupRequest{Token: tok, Group: "2"})
	if tok := changeTokenReply(t, drain(a)); tok.GroupID != protocol.DefaultGroupID {
		t.Fatalf("leaving the active group left token at %+v", tok)
	}
	if g, _ := h.registry.GroupOf(a); g != protocol.DefaultGroupID {
		t.Fatalf("session in group %s after leave", g)
	}
}

var errBackendDown = errors.New("backend unavailable")

// brokenBackend fails the calls that have a reply the peer waits for.
type brokenBackend struct {
	storage.Backend
}

func (brokenBackend) AddGroup(context.Context, string) (string, error) {
	return "", errBackendDown
}

func (brokenBackend) RemoveUserFromGroup(context.Context, string, string) error {
	return errBackendDown
}

func (brokenBackend) GetGroupsFromUser(context.Context, string) ([]string, error) {
	return nil, errBackendDown
}

func TestBackendFailureStillReplies(t *testing.T) {
	h := newHarness(t)
	api := h.connect(true)
	h.do(api, protocol.MakeAccount, protocol.Credentials{Username: "alice", Password: "pw"})
	user := tokenReply(t, api)
	h.do(api, protocol.MakeGroup, protocol.MakeGroupRequest{GroupName: "two"})
	h.do(api, protocol.AddUserToGroup, protocol.AddUserToGroupRequest{UserID: user.ID, GroupID: "2"})
	h.do(api, protocol.SwitchGroup, protocol.SwitchGroupRequest{GroupToSwitchTo: "2"})
	switched := changeTokenReply(t, drain(api))
	if switched.GroupID != "2" {
		t.Fatalf("setup switch gave %+v", switched)
	}

	h.p.backend = brokenBackend{Backend: h.backend}

	h.do(api, protocol.MakeGroup, protocol.MakeGroupRequest{GroupName: "three"})
	var created protocol.GroupIDReply
	replies := framesOf(drain(api), protocol.GroupID)
	if len(replies) != 1 || replies[0].Decode(&created) != nil || created.GroupID != protocol.GuestID {
		t.Fatalf("failed makeGroup replied %v", replies)
	}

	h.do(api, protocol.GetGroups, protocol.GetGroupsRequest{Token: switched})
	var groups []string
	lists := framesOf(drain(api), protocol.ListOfGroups)
	if len(lists) != 1 || lists[0].Decode(&groups) != nil || len(groups) != 0 {
		t.Fatalf("failed getGroups replied %v", lists)
	}

	h.do(api, protocol.LeaveGroup, protocol.LeaveGroupRequest{Token: switched, Group: "2"})
	frames := drain(api)
	if tok := changeTokenReply(t, frames); tok != switched {
		t.Fatalf("failed leave changed token to %+v", tok)
	}
	if len(framesOf(frames, protocol.DidSucceedMessage)) != 0 {
		t.Fatal("API session got a notice")
	}
	if api.token != switched {
		t.Fatalf("failed leave moved session to %+v", api.token)
	}
}

func TestGuestRestrictions(t *testing.T) {
	h := newHarness(t)
	guest := h.connect(false)
	api := h.connect(true)

	h.do(guest, protocol.MakeGroup, protocol.MakeGroupRequest{GroupName: "x"})
	frames := drain(guest)
	if len(framesOf(frames, protocol.DidSucceedMessage)) != 1 || len(framesOf(frames, protocol.GroupID)) != 0 {
		t.Fatalf("interactive guest makeGroup got %v", frames)
	}

	h.do(api, protocol.MakeGroup, protocol.MakeGroupRequest{GroupName: "x"})
	replies := framesOf(drain(api), protocol.GroupID)
	var reply protocol.GroupIDReply
	if len(replies) != 1 || replies[0].Decode(&reply) != nil || reply.GroupID != protocol.GuestID {
		t.Fatalf("api guest makeGroup got %v", replies)
	}

	h.do(api, protocol.GetGroups, protocol.GetGroupsRequest{})
	lists := framesOf(drain(api), protocol.ListOfGroups)
	if len(lists) != 1 || string(lists[0].Payload) != "[]" {
		t.Fatalf("guest listOfGroups = %v", lists)
	}
}

func TestHeartbeatAndUnknownFrames(t *testing.T) {
	h := newHarness(t)
	api := h.connect(true)

	h.p.dispatch(h.ctx, EventFromFrame(api, protocol.Frame{Type: protocol.DoHeartbeat, Encoding: protocol.EncodingNone, Payload: []byte("ping")}))
	frames := drain(api)
	if len(frames) != 1 || frames[0].Type != protocol.DidSucceedMessage || frames[0].Encoding != protocol.EncodingNone || string(frames[0].Payload) != "ping" {
		t.Fatalf("heartbeat reply %v", frames)
	}

	ev := EventFromFrame(api, protocol.Frame{Type: "shrug", Encoding: protocol.EncodingUTF8})
	if ev.Kind != KindLog {
		t.Fatalf("unknown tag mapped to %s", ev.Kind)
	}
	h.p.dispatch(h.ctx, ev)
	if frames := drain(api); len(frames) != 0 {
		t.Fatalf("unknown frame got reply %v", frames)
	}
}

func TestRetrieveMessages(t *testing.T) {
	h := newHarness(t)
	h.store = messagestore.New(messagestore.Snapshot{"1": {"old: one", "old: two"}}, 0, nil)
	h.p.store = h.store
	s := h.connect(false)

	h.p.dispatch(h.ctx, Event{Kind: KindRetrieveMessages, Session: s})
	replies := framesOf(drain(s), protocol.RetrievedMessages)
	var messages []string
	if len(replies) != 1 || replies[0].Decode(&messages) != nil || len(messages) != 2 || messages[1] != "old: two" {
		t.Fatalf("retrievedMessages = %v", replies)
	}
}

func largeHistory(lines, width int) []string {
	history := make([]string, lines)
	for i := range history {
		history[i] = fmt.Sprintf("%05d: %s", i, strings.Repeat("x", width))
	}
	return history
}

func TestRetrieveMessagesKeepsNewestWithinLimit(t *testing.T) {
	h := newHarness(t)
	history := largeHistory(1100, 1000)
	h.store = messagestore.New(messagestore.Snapshot{"1": history}, 0, nil)
	h.p.store = h.store
	s := h.connect(false)

	h.p.dispatch(h.ctx, Event{Kind: KindRetrieveMessages, Session: s})
	replies := framesOf(drain(s), protocol.RetrievedMessages)
	if len(replies) != 1 {
		t.Fatalf("expected one retrievedMessages frame, got %d", len(replies))
	}
	if n, limit := len(replies[0].Payload), h.p.replyLimit; n > limit {
		t.Fatalf("reply payload %d bytes exceeds limit %d", n, limit)
	}
	var messages []string
	if err := replies[0].Decode(&messages); err != nil {
		t.Fatal(err)
	}
	if len(messages) == 0 || len(messages) >= len(history) {
		t.Fatalf("reply kept %d of %d messages", len(messages), len(history))
	}
	if messages[len(messages)-1] != history[len(history)-1] {
		t.Fatal("newest message missing from reply")
	}
	if messages[0] != history[len(history)-len(messages)] {
		t.Fatal("reply is not a contiguous tail of the history")
	}
	if n := len(h.store.Messages("1")); n != len(history) {
		t.Fatalf("store lost history, %d left", n)
	}
}

func TestNewestThatFit(t *testing.T) {
	messages := []string{"aaaa", "bb", "c\""}
	tests := []struct {
		limit int
		want  int
	}{
		{limit: 2, want: 0},
		{limit: 6, want: 0},
		{limit: 7, want: 1},
		{limit: 11, want: 1},
		{limit: 12, want: 2},
		{limit: 18, want: 2},
		{limit: 19, want: 3},
		{limit: 1 << 20, want: 3},
	}
	for _, tt := range tests {
		got := newestThatFit(messages, tt.limit)
		if len(got) != tt.want {
			t.Errorf("limit %d: kept %d, expected %d", tt.limit, len(got), tt.want)
			continue
		}
		if data, _ := json.Marshal(got); len(got) > 0 && len(data) > tt.limit {
			t.Errorf("limit %d: encoding is %d bytes", tt.limit, len(data))
		}
	}
}

func TestProcessorBulkhead(t *testing.T) {
	h := newHarness(t)
	events := queue.New[Event]()
	h.p.events = events
	a := h.connect(false)
	b := h.connect(false)

	malformed := protocol.Frame{Type: protocol.Message, Encoding: protocol.EncodingUTF8, Payload: []byte("{not json")}
	wrongEncoding := protocol.Frame{Type: protocol.Login, Encoding: protocol.EncodingNone, Payload: []byte("x")}
	valid, _ := protocol.JSONFrame(protocol.Message, protocol.ChatMessage{Message: "still here"})

	_ = events.Push(EventFromFrame(a, malformed))
	_ = events.Push(EventFromFrame(a, wrongEncoding))
	_ = events.Push(Event{Kind: KindMessage})
	_ = events.Push(Event{Kind: Kind(99), Session: a})
	_ = events.Push(EventFromFrame(b, valid))
	events.Close()

	if err := h.p.Run(context.Background()); err != nil {
		t.Fatalf("Run = %v", err)
	}
	got := framesOf(drain(a), protocol.Message)
	if len(got) != 1 || string(got[0].Payload) != "Guest: still here" {
		t.Fatalf("valid event after faults not handled, got %v", got)
	}
}

func TestSaveMessageWritesFile(t *testing.T) {
	h := newHarness(t)
	key := make([]byte, 32)
	file, err := messagestore.NewFile(t.TempDir()+"/messages.enc", key)
	if err != nil {
		t.Fatal(err)
	}
	h.p.file = file

	snapshot := messagestore.Snapshot{"1": {"Guest: saved"}}
	h.p.dispatch(h.ctx, SaveEvent(snapshot))
	loaded, err := file.Load()
	if err != nil || len(loaded["1"]) != 1 || loaded["1"][0] != "Guest: saved" {
		t.Fatalf("Load = %v, %v", loaded, err)
	}
}

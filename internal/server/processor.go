package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/life-stream-dev/life-stream-go-chatroom/internal/channel"
	"github.com/life-stream-dev/life-stream-go-chatroom/internal/crypto"
	"github.com/life-stream-dev/life-stream-go-chatroom/internal/logger"
	"github.com/life-stream-dev/life-stream-go-chatroom/internal/messagestore"
	"github.com/life-stream-dev/life-stream-go-chatroom/internal/protocol"
	"github.com/life-stream-dev/life-stream-go-chatroom/internal/queue"
	"github.com/life-stream-dev/life-stream-go-chatroom/internal/storage"
)

const tokenBytes = 16

// Processor drains the event queue in order. It is the only goroutine that
// issues tokens, moves sessions between groups or writes to the backend.
type Processor struct {
	events       *queue.Queue[Event]
	registry     *Registry
	backend      storage.Backend
	store        *messagestore.Store
	file         *messagestore.File
	passwordCost int
	replyLimit   int
}

// NewProcessor builds the event consumer. replyLimit caps the encoded size of
// a retrievedMessages payload; zero means the default channel limit.
func NewProcessor(events *queue.Queue[Event], registry *Registry, backend storage.Backend,
	store *messagestore.Store, file *messagestore.File, passwordCost, replyLimit int) *Processor {
	if passwordCost == 0 {
		passwordCost = bcrypt.DefaultCost
	}
	if replyLimit <= 0 {
		replyLimit = channel.Options{}.PayloadLimit()
	}
	return &Processor{
		events:       events,
		registry:     registry,
		backend:      backend,
		store:        store,
		file:         file,
		passwordCost: passwordCost,
		replyLimit:   replyLimit,
	}
}

// Run handles events until ctx is done or the queue is closed and drained.
func (p *Processor) Run(ctx context.Context) error {
	for {
		ev, err := p.events.Pop(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		p.dispatch(ctx, ev)
	}
}

// dispatch runs one handler. Errors and panics are logged and the event is
// dropped; the loop always continues.
func (p *Processor) dispatch(ctx context.Context, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorF("[%s] Panic while handling %s event: %v", ev.connID(), ev.Kind, r)
		}
	}()
	if err := p.handle(ctx, ev); err != nil {
		logger.ErrorF("[%s] Fail to handle %s event, details: %v", ev.connID(), ev.Kind, err)
	}
}

func (p *Processor) handle(ctx context.Context, ev Event) error {
	if ev.Session == nil && ev.Kind != KindSaveMessage {
		return fmt.Errorf("%s event without session", ev.Kind)
	}
	switch ev.Kind {
	case KindMessage:
		return p.handleMessage(ev)
	case KindNewAccount:
		return p.handleNewAccount(ctx, ev)
	case KindLogin:
		return p.handleLogin(ctx, ev)
	case KindLogout:
		return p.handleLogout(ev)
	case KindMakeGroup:
		return p.handleMakeGroup(ctx, ev)
	case KindAddUserToGroup:
		return p.handleAddUserToGroup(ctx, ev)
	case KindLeaveGroup:
		return p.handleLeaveGroup(ctx, ev)
	case KindGroupSwitch:
		return p.handleGroupSwitch(ctx, ev)
	case KindListGroups:
		return p.handleListGroups(ctx, ev)
	case KindHeartbeat:
		return p.handleHeartbeat(ev)
	case KindRetrieveMessages:
		return p.handleRetrieveMessages(ev)
	case KindSaveMessage:
		return p.handleSaveMessage(ev)
	case KindLog:
		logger.WarnF("[%s] Unrecognised %q frame dropped, %d bytes", ev.connID(), ev.Frame.Type, len(ev.Frame.Payload))
		return nil
	default:
		return fmt.Errorf("unknown event kind %s", ev.Kind)
	}
}

// moveTo updates the session's live group. API sessions never receive
// broadcasts, so they stay out of the registry's group sets.
func (p *Processor) moveTo(s *Session, group string) {
	s.token.GroupID = group
	if !s.IsAPI() {
		p.registry.Move(s, group)
	}
}

func (p *Processor) resetToGuest(s *Session) {
	s.token = protocol.GuestToken()
	s.username = ""
	p.moveTo(s, protocol.DefaultGroupID)
}

func (p *Processor) replyToken(s *Session) error {
	return s.sendJSON(protocol.NewToken, protocol.NewTokenReply{NewToken: s.token})
}

func (p *Processor) issueToken(s *Session, user *storage.User) error {
	random, err := crypto.RandomHex(tokenBytes)
	if err != nil {
		return err
	}
	s.token = protocol.Token{ID: user.ID, RandomBytes: random, GroupID: protocol.DefaultGroupID}
	s.username = user.Username
	p.moveTo(s, protocol.DefaultGroupID)
	return nil
}

func (p *Processor) handleMessage(ev Event) error {
	var req protocol.ChatMessage
	if err := ev.Frame.Decode(&req); err != nil {
		return err
	}
	s := ev.Session
	group := s.token.GroupID
	text := s.displayName() + ": " + req.Message
	n := p.registry.Broadcast(group, protocol.TextFrame(protocol.Message, text))
	logger.DebugF("[%s] Message to group %s delivered to %d session(s)", s.ID, group, n)
	return p.store.Put(group, text)
}

func (p *Processor) handleNewAccount(ctx context.Context, ev Event) error {
	var req protocol.Credentials
	if err := ev.Frame.Decode(&req); err != nil {
		return err
	}
	s := ev.Session
	fail := func(reason error) error {
		p.resetToGuest(s)
		if err := p.replyToken(s); err != nil {
			return err
		}
		if reason != nil && !errors.Is(reason, storage.ErrAlreadyExists) {
			return reason
		}
		logger.InfoF("[%s] Account creation for %q rejected", s.ID, req.Username)
		return nil
	}
	if req.Username == "" || req.Password == "" {
		return fail(nil)
	}
	verifier, err := bcrypt.GenerateFromPassword([]byte(req.Password), p.passwordCost)
	if err != nil {
		return fail(err)
	}
	id, err := p.backend.AddUser(ctx, req.Username, string(verifier))
	if err != nil {
		return fail(err)
	}
	if err := p.issueToken(s, &storage.User{ID: id, Username: req.Username}); err != nil {
		return fail(err)
	}
	logger.InfoF("[%s] Account %s created for %q", s.ID, id, req.Username)
	return p.replyToken(s)
}

func (p *Processor) handleLogin(ctx context.Context, ev Event) error {
	var req protocol.Credentials
	if err := ev.Frame.Decode(&req); err != nil {
		return err
	}
	s := ev.Session
	fail := func(reason string) error {
		logger.InfoF("[%s] Login as %q rejected: %s", s.ID, req.Username, reason)
		p.resetToGuest(s)
		return p.replyToken(s)
	}

	user, err := p.backend.GetUserByName(ctx, req.Username)
	if errors.Is(err, storage.ErrNotFound) {
		return fail("unknown user")
	}
	if err != nil {
		_ = fail("backend error")
		return err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.Verifier), []byte(req.Password)); err != nil {
		return fail("wrong password")
	}
	for _, other := range p.registry.Live() {
		if other != s && other.token.ID == user.ID {
			return fail("already logged in elsewhere")
		}
	}
	if err := p.issueToken(s, user); err != nil {
		_ = fail("token generation failed")
		return err
	}
	logger.InfoF("[%s] Logged in as %q (%s)", s.ID, user.Username, user.ID)
	return p.replyToken(s)
}

func (p *Processor) handleLogout(ev Event) error {
	var req protocol.LogoutRequest
	if err := ev.Frame.Decode(&req); err != nil {
		return err
	}
	s := ev.Session
	logger.InfoF("[%s] Logged out user %s", s.ID, s.token.ID)
	p.resetToGuest(s)
	s.notify("Logged out")
	return nil
}

func (p *Processor) handleMakeGroup(ctx context.Context, ev Event) error {
	var req protocol.MakeGroupRequest
	if err := ev.Frame.Decode(&req); err != nil {
		return err
	}
	s := ev.Session
	if s.token.IsGuest() || req.GroupName == "" {
		if !s.IsAPI() {
			s.notify("You must be logged in and give a name to create a group")
			return nil
		}
		return s.sendJSON(protocol.GroupID, protocol.GroupIDReply{GroupID: protocol.GuestID})
	}
	id, err := p.backend.AddGroup(ctx, req.GroupName)
	if err != nil {
		_ = s.sendJSON(protocol.GroupID, protocol.GroupIDReply{GroupID: protocol.GuestID})
		return err
	}
	logger.InfoF("[%s] Group %s (%q) created by user %s", s.ID, id, req.GroupName, s.token.ID)
	return s.sendJSON(protocol.GroupID, protocol.GroupIDReply{GroupID: id})
}

func (p *Processor) handleAddUserToGroup(ctx context.Context, ev Event) error {
	var req protocol.AddUserToGroupRequest
	if err := ev.Frame.Decode(&req); err != nil {
		return err
	}
	_, err := p.backend.AddUserToGroup(ctx, req.UserID, req.GroupID)
	switch {
	case errors.Is(err, storage.ErrAlreadyExists):
		logger.DebugF("[%s] User %s already in group %s", ev.connID(), req.UserID, req.GroupID)
		return nil
	case err != nil:
		return err
	}
	logger.InfoF("[%s] User %s added to group %s", ev.connID(), req.UserID, req.GroupID)
	return nil
}

func (p *Processor) handleLeaveGroup(ctx context.Context, ev Event) error {
	var req protocol.LeaveGroupRequest
	if err := ev.Frame.Decode(&req); err != nil {
		return err
	}
	s := ev.Session
	if s.token.IsGuest() {
		s.notify("You must be logged in to leave a group")
		return nil
	}
	leavingActive := s.token.GroupID == req.Group && req.Group != protocol.DefaultGroupID
	if err := p.backend.RemoveUserFromGroup(ctx, s.token.ID, req.Group); err != nil {
		s.notify("Could not leave group " + req.Group)
		if leavingActive {
			// the unchanged token tells the waiting peer the leave failed
			_ = s.sendJSON(protocol.ChangeToken, s.token)
		}
		return err
	}
	s.notify("Left group " + req.Group)
	if leavingActive {
		p.moveTo(s, protocol.DefaultGroupID)
		return s.sendJSON(protocol.ChangeToken, s.token)
	}
	return nil
}

func (p *Processor) canSwitch(ctx context.Context, s *Session, group string) (bool, error) {
	if group == protocol.DefaultGroupID {
		return true, nil
	}
	if s.token.IsGuest() {
		return false, nil
	}
	if _, err := p.backend.GetGroup(ctx, group); err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrEmptyID) {
			return false, nil
		}
		return false, err
	}
	return storage.IsMember(ctx, p.backend, s.token.ID, group)
}

func (p *Processor) handleGroupSwitch(ctx context.Context, ev Event) error {
	var req protocol.SwitchGroupRequest
	if err := ev.Frame.Decode(&req); err != nil {
		return err
	}
	s := ev.Session
	ok, err := p.canSwitch(ctx, s, req.GroupToSwitchTo)
	if err != nil || !ok {
		logger.InfoF("[%s] Switch to group %q rejected", s.ID, req.GroupToSwitchTo)
		s.notify("You cannot switch to group " + req.GroupToSwitchTo)
		if sendErr := s.sendJSON(protocol.ChangeToken, s.token); sendErr != nil {
			return sendErr
		}
		return err
	}
	p.moveTo(s, req.GroupToSwitchTo)
	logger.InfoF("[%s] Switched to group %s", s.ID, req.GroupToSwitchTo)
	if err := s.sendJSON(protocol.ChangeToken, s.token); err != nil {
		return err
	}
	if s.IsAPI() {
		return nil
	}
	return p.handleRetrieveMessages(ev)
}

func (p *Processor) handleListGroups(ctx context.Context, ev Event) error {
	s := ev.Session
	groups := []string{}
	if !s.token.IsGuest() {
		found, err := p.backend.GetGroupsFromUser(ctx, s.token.ID)
		if err != nil {
			_ = s.sendJSON(protocol.ListOfGroups, groups)
			return err
		}
		groups = append(groups, found...)
	}
	return s.sendJSON(protocol.ListOfGroups, groups)
}

func (p *Processor) handleHeartbeat(ev Event) error {
	ev.Session.Send(protocol.Frame{
		Type:     protocol.DidSucceedMessage,
		Encoding: protocol.EncodingNone,
		Payload:  ev.Frame.Payload,
	})
	return nil
}

func (p *Processor) handleRetrieveMessages(ev Event) error {
	s := ev.Session
	messages := p.store.Messages(s.token.GroupID)
	newest := newestThatFit(messages, p.replyLimit)
	if omitted := len(messages) - len(newest); omitted > 0 {
		logger.DebugF("[%s] History of group %s trimmed, %d older message(s) omitted", s.ID, s.token.GroupID, omitted)
	}
	return s.sendJSON(protocol.RetrievedMessages, newest)
}

// newestThatFit returns the longest tail of messages whose JSON array encoding
// is at most limit bytes.
func newestThatFit(messages []string, limit int) []string {
	size := len("[]")
	start := len(messages)
	for start > 0 {
		encoded, err := json.Marshal(messages[start-1])
		if err != nil {
			break
		}
		grow := len(encoded)
		if start < len(messages) {
			grow++ // comma
		}
		if size+grow > limit {
			break
		}
		size += grow
		start--
	}
	return messages[start:]
}

func (p *Processor) handleSaveMessage(ev Event) error {
	if p.file == nil {
		return nil
	}
	if err := p.file.Save(ev.Snapshot); err != nil {
		return err
	}
	logger.DebugF("Message snapshot saved to %s", p.file.Path())
	return nil
}

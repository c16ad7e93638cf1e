package client

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"sync"

	"github.com/life-stream-dev/life-stream-go-chatroom/internal/channel"
	"github.com/life-stream-dev/life-stream-go-chatroom/internal/protocol"
)

var (
	ErrAuthFailed      = errors.New("login or account creation rejected")
	ErrRequestRejected = errors.New("request rejected by server")
	ErrUnexpectedFrame = errors.New("unexpected frame from server")
)

// APIClient is a headless peer. The server sends it replies only, so each
// request reads exactly the frames it asked for.
type APIClient struct {
	mu    sync.Mutex
	conn  Conn
	token protocol.Token
}

func DialAPI(ctx context.Context, addr string, pub *rsa.PublicKey, opts channel.Options) (*APIClient, error) {
	conn, err := channel.Dial(ctx, addr, pub, true, opts)
	if err != nil {
		return nil, err
	}
	return NewAPIClient(conn), nil
}

func NewAPIClient(conn Conn) *APIClient {
	return &APIClient{conn: conn, token: protocol.GuestToken()}
}

func (a *APIClient) Token() protocol.Token {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.token
}

func (a *APIClient) Close() error {
	return a.conn.Close()
}

func (a *APIClient) sendLocked(t protocol.FrameType, v any) error {
	f, err := protocol.JSONFrame(t, v)
	if err != nil {
		return err
	}
	return a.conn.Send(f)
}

func (a *APIClient) roundTripLocked(t protocol.FrameType, v any, expect protocol.FrameType) (protocol.Frame, error) {
	if err := a.sendLocked(t, v); err != nil {
		return protocol.Frame{}, err
	}
	f, err := a.conn.Receive()
	if err != nil {
		return protocol.Frame{}, err
	}
	if f.Type != expect {
		return f, fmt.Errorf("%w: got %s, expected %s", ErrUnexpectedFrame, f.Type, expect)
	}
	return f, nil
}

func (a *APIClient) authenticate(t protocol.FrameType, username, password string) (protocol.Token, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	f, err := a.roundTripLocked(t, protocol.Credentials{Username: username, Password: password}, protocol.NewToken)
	if err != nil {
		return protocol.Token{}, err
	}
	var reply protocol.NewTokenReply
	if err := f.Decode(&reply); err != nil {
		return protocol.Token{}, err
	}
	a.token = reply.NewToken
	if reply.NewToken.IsGuest() {
		return reply.NewToken, ErrAuthFailed
	}
	return reply.NewToken, nil
}

func (a *APIClient) MakeAccount(username, password string) (protocol.Token, error) {
	return a.authenticate(protocol.MakeAccount, username, password)
}

func (a *APIClient) Login(username, password string) (protocol.Token, error) {
	return a.authenticate(protocol.Login, username, password)
}

// Logout has no reply; the server resets the session to a guest.
func (a *APIClient) Logout() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.sendLocked(protocol.Logout, protocol.LogoutRequest{SessionToken: a.token}); err != nil {
		return err
	}
	a.token = protocol.GuestToken()
	return nil
}

func (a *APIClient) SendMessage(text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sendLocked(protocol.Message, protocol.ChatMessage{Message: text, SessionToken: a.token})
}

func (a *APIClient) GetMessages() ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	f, err := a.roundTripLocked(protocol.GetMessages, a.token, protocol.RetrievedMessages)
	if err != nil {
		return nil, err
	}
	var messages []string
	return messages, f.Decode(&messages)
}

func (a *APIClient) MakeGroup(name string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	f, err := a.roundTripLocked(protocol.MakeGroup, protocol.MakeGroupRequest{GroupName: name}, protocol.GroupID)
	if err != nil {
		return "", err
	}
	var reply protocol.GroupIDReply
	if err := f.Decode(&reply); err != nil {
		return "", err
	}
	if reply.GroupID == protocol.GuestID {
		return "", ErrRequestRejected
	}
	return reply.GroupID, nil
}

func (a *APIClient) AddUserToGroup(userID, groupID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sendLocked(protocol.AddUserToGroup, protocol.AddUserToGroupRequest{UserID: userID, GroupID: groupID})
}

// SwitchGroup returns ErrRequestRejected with the unchanged token when the
// server refuses the switch.
func (a *APIClient) SwitchGroup(groupID string) (protocol.Token, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	f, err := a.roundTripLocked(protocol.SwitchGroup, protocol.SwitchGroupRequest{GroupToSwitchTo: groupID}, protocol.ChangeToken)
	if err != nil {
		return protocol.Token{}, err
	}
	var token protocol.Token
	if err := f.Decode(&token); err != nil {
		return protocol.Token{}, err
	}
	a.token = token
	if token.GroupID != groupID {
		return token, ErrRequestRejected
	}
	return token, nil
}

// LeaveGroup waits for the new token only when the active group is left,
// which is the one case the server replies to. An unchanged token means the
// server could not remove the membership.
func (a *APIClient) LeaveGroup(groupID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	req := protocol.LeaveGroupRequest{Token: a.token, Group: groupID}
	if a.token.IsGuest() || a.token.GroupID != groupID || groupID == protocol.DefaultGroupID {
		return a.sendLocked(protocol.LeaveGroup, req)
	}
	f, err := a.roundTripLocked(protocol.LeaveGroup, req, protocol.ChangeToken)
	if err != nil {
		return err
	}
	var token protocol.Token
	if err := f.Decode(&token); err != nil {
		return err
	}
	a.token = token
	if token.GroupID == groupID {
		return ErrRequestRejected
	}
	return nil
}

func (a *APIClient) GetGroups() ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	f, err := a.roundTripLocked(protocol.GetGroups, protocol.GetGroupsRequest{Token: a.token}, protocol.ListOfGroups)
	if err != nil {
		return nil, err
	}
	var groups []string
	return groups, f.Decode(&groups)
}

func (a *APIClient) Heartbeat() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.conn.Send(protocol.Frame{Type: protocol.DoHeartbeat, Encoding: protocol.EncodingNone}); err != nil {
		return err
	}
	f, err := a.conn.Receive()
	if err != nil {
		return err
	}
	if f.Type != protocol.DidSucceedMessage {
		return fmt.Errorf("%w: got %s, expected %s", ErrUnexpectedFrame, f.Type, protocol.DidSucceedMessage)
	}
	return nil
}

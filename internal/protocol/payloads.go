package protocol

import (
	"encoding/json"
	"fmt"
)

const (
	GuestID        = "0"
	GuestBytes     = "0"
	DefaultGroupID = "1"
)

// Token is the SessionToken: identity plus the group messages are routed to.
// It is a value; the server replaces it wholesale.
type Token struct {
	ID          string `json:"id"`
	RandomBytes string `json:"randomBytes"`
	GroupID     string `json:"groupID"`
}

func GuestToken() Token {
	return Token{ID: GuestID, RandomBytes: GuestBytes, GroupID: DefaultGroupID}
}

func (t Token) IsGuest() bool {
	return t.ID == GuestID || t.ID == ""
}

type ChatMessage struct {
	Message      string `json:"message"`
	SessionToken Token  `json:"sessionToken"`
}

type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type NewTokenReply struct {
	NewToken Token `json:"newToken"`
}

type LogoutRequest struct {
	SessionToken Token `json:"sessionToken"`
}

type MakeGroupRequest struct {
	GroupName string `json:"groupName"`
}

type GroupIDReply struct {
	GroupID string `json:"groupID"`
}

type AddUserToGroupRequest struct {
	UserID  string `json:"userID"`
	GroupID string `json:"groupID"`
}

type LeaveGroupRequest struct {
	Token Token  `json:"token"`
	Group string `json:"group"`
}

type SwitchGroupRequest struct {
	GroupToSwitchTo string `json:"groupToSwitchTo"`
}

type GetGroupsRequest struct {
	Token Token `json:"token"`
}

// JSONFrame builds a utf-8 frame carrying v encoded as JSON.
func JSONFrame(t FrameType, v any) (Frame, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s payload: %w", t, err)
	}
	return Frame{Type: t, Encoding: EncodingUTF8, Payload: data}, nil
}

func TextFrame(t FrameType, text string) Frame {
	return Frame{Type: t, Encoding: EncodingUTF8, Payload: []byte(text)}
}

// Decode unmarshals the frame's JSON payload into v.
func (f Frame) Decode(v any) error {
	if f.Encoding != EncodingUTF8 {
		return fmt.Errorf("%s payload has encoding %q, expected %q", f.Type, f.Encoding, EncodingUTF8)
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", f.Type, err)
	}
	return nil
}

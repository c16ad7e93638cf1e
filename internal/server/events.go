package server

import (
	"fmt"

	"github.com/life-stream-dev/life-stream-go-chatroom/internal/messagestore"
	"github.com/life-stream-dev/life-stream-go-chatroom/internal/protocol"
)

// Kind is the closed set of operations the processor understands.
type Kind int

const (
	KindLog Kind = iota
	KindMessage
	KindNewAccount
	KindLogin
	KindLogout
	KindMakeGroup
	KindAddUserToGroup
	KindLeaveGroup
	KindGroupSwitch
	KindListGroups
	KindHeartbeat
	KindRetrieveMessages
	KindSaveMessage
)

var KindMap = map[Kind]string{
	KindLog:              "Log",
	KindMessage:          "Message",
	KindNewAccount:       "NewAccount",
	KindLogin:            "Login",
	KindLogout:           "Logout",
	KindMakeGroup:        "MakeGroup",
	KindAddUserToGroup:   "AddUserToGroup",
	KindLeaveGroup:       "LeaveGroup",
	KindGroupSwitch:      "GroupSwitch",
	KindListGroups:       "ListGroups",
	KindHeartbeat:        "Heartbeat",
	KindRetrieveMessages: "RetrieveMessages",
	KindSaveMessage:      "SaveMessage",
}

func (k Kind) String() string {
	if name, ok := KindMap[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

var frameKinds = map[protocol.FrameType]Kind{
	protocol.Message:        KindMessage,
	protocol.MakeAccount:    KindNewAccount,
	protocol.Login:          KindLogin,
	protocol.Logout:         KindLogout,
	protocol.MakeGroup:      KindMakeGroup,
	protocol.AddUserToGroup: KindAddUserToGroup,
	protocol.LeaveGroup:     KindLeaveGroup,
	protocol.SwitchGroup:    KindGroupSwitch,
	protocol.GetGroups:      KindListGroups,
	protocol.DoHeartbeat:    KindHeartbeat,
	protocol.GetMessages:    KindRetrieveMessages,
}

// Event is one queued operation. Session is nil for internal events.
type Event struct {
	Kind     Kind
	Session  *Session
	Frame    protocol.Frame
	Snapshot messagestore.Snapshot
}

// EventFromFrame maps an inbound frame to its event. Unknown tags become Log
// events so they are recorded instead of rejected.
func EventFromFrame(s *Session, f protocol.Frame) Event {
	kind, ok := frameKinds[f.Type]
	if !ok {
		kind = KindLog
	}
	return Event{Kind: kind, Session: s, Frame: f}
}

func SaveEvent(snapshot messagestore.Snapshot) Event {
	return Event{Kind: KindSaveMessage, Snapshot: snapshot}
}

func (e Event) connID() string {
	if e.Session == nil {
		return "internal"
	}
	return e.Session.ID
}

// Package protocol defines the chatroom wire contract: frame type tags, the
// length framing, the typed frame body and the JSON payloads carried inside.
package protocol

// FrameType is the typeTag carried by every frame.
type FrameType string

// client -> server
const (
	Message        FrameType = "message"
	MakeAccount    FrameType = "makeAccount"
	Login          FrameType = "login"
	Logout         FrameType = "logout"
	MakeGroup      FrameType = "makeGroup"
	AddUserToGroup FrameType = "addUserToGroup"
	LeaveGroup     FrameType = "leaveGroup"
	SwitchGroup    FrameType = "switchGroup"
	GetGroups      FrameType = "getGroups"
	DoHeartbeat    FrameType = "doHeartbeat"
	GetMessages    FrameType = "getMessages"
)

// server -> client. Message is shared by both directions.
const (
	RetrievedMessages FrameType = "retrievedMessages"
	NewToken          FrameType = "newToken"
	ChangeToken       FrameType = "changeToken"
	GroupID           FrameType = "groupID"
	ListOfGroups      FrameType = "listOfGroups"
	DidSucceedMessage FrameType = "didSucceedMessage"
)

const (
	EncodingUTF8 = "utf-8"
	EncodingNone = "none"
)

var clientFrames = map[FrameType]struct{}{
	Message: {}, MakeAccount: {}, Login: {}, Logout: {}, MakeGroup: {}, AddUserToGroup: {},
	LeaveGroup: {}, SwitchGroup: {}, GetGroups: {}, DoHeartbeat: {}, GetMessages: {},
}

var serverFrames = map[FrameType]struct{}{
	Message: {}, RetrievedMessages: {}, NewToken: {}, ChangeToken: {}, GroupID: {},
	ListOfGroups: {}, DidSucceedMessage: {},
}

// IsClientFrame reports whether t is a tag clients may send to the server.
func (t FrameType) IsClientFrame() bool {
	_, ok := clientFrames[t]
	return ok
}

func (t FrameType) IsServerFrame() bool {
	_, ok := serverFrames[t]
	return ok
}

func (t FrameType) String() string {
	return string(t)
}

// Frame is one decoded typed message.
type Frame struct {
	Type     FrameType
	Encoding string
	Payload  []byte
}

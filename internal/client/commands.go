package client

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/life-stream-dev/life-stream-go-chatroom/internal/protocol"
)

const Prefix = "`"

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrSyntax         = errors.New("incorrect syntax")
)

type commandHelp struct {
	name string
	text string
}

var helpEntries = []commandHelp{
	{"connect", "`connect <host> <port> - connect to a server listed in the client config"},
	{"disconnect", "`disconnect - leave the current server"},
	{"help", "`help - show this list"},
	{"say", "`say <text> - send a message to your current group; plain text does the same, \\` escapes a leading `"},
	{"makeAccount", "`makeAccount <username> <password> - create an account and log in"},
	{"login", "`login <username> <password> - log in to an existing account"},
	{"logout", "`logout - log out and return to the default group"},
	{"makeGroup", "`makeGroup <name> - create a group"},
	{"addUserToGroup", "`addUserToGroup <userID> <groupID> - add a user to a group"},
	{"switchGroup", "`switchGroup <groupID> - send and receive messages in another group"},
	{"leaveGroup", "`leaveGroup <groupID> - leave a group"},
	{"getGroups", "`getGroups - list the groups you are in"},
	{"getMessages", "`getMessages - show the history of your current group"},
	{"stop", "`stop - quit the client"},
}

var helpByName = func() map[string]string {
	m := make(map[string]string, len(helpEntries))
	for _, e := range helpEntries {
		m[e.name] = e.text
	}
	return m
}()

func HelpText() string {
	lines := make([]string, 0, len(helpEntries))
	for _, e := range helpEntries {
		lines = append(lines, e.text)
	}
	return strings.Join(lines, "\n")
}

// ErrorNotice is the message shown when a command cannot be parsed or fails.
func ErrorNotice(name string) string {
	if text, ok := helpByName[name]; ok {
		return "Error: Incorrect syntax for command.\n" + text
	}
	return "Error: command " + name + " not found. Refer to `help for more info"
}

// CommandName extracts the command word of a raw input line.
func CommandName(line string) string {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, Prefix) {
		return "say"
	}
	fields := strings.Fields(line[len(Prefix):])
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

type Command interface {
	Execute(ctx context.Context, c *Coordinator) error
}

type connectCmd struct {
	host string
	port int
}

type (
	nopCmd            struct{}
	disconnectCmd     struct{}
	helpCmd           struct{}
	sayCmd            struct{ text string }
	makeAccountCmd    struct{ username, password string }
	loginCmd          struct{ username, password string }
	logoutCmd         struct{}
	makeGroupCmd      struct{ name string }
	addUserToGroupCmd struct{ userID, groupID string }
	switchGroupCmd    struct{ groupID string }
	leaveGroupCmd     struct{ groupID string }
	getGroupsCmd      struct{}
	getMessagesCmd    struct{}
	stopCmd           struct{}
)

// Parse turns one input line into a command. Lines without the ` prefix are
// chat messages; a leading \` sends a message that starts with `.
func Parse(line string) (Command, error) {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return nopCmd{}, nil
	case strings.HasPrefix(line, `\`+Prefix):
		return sayCmd{text: line[1:]}, nil
	case !strings.HasPrefix(line, Prefix):
		return sayCmd{text: line}, nil
	}

	body := strings.TrimSpace(line[len(Prefix):])
	fields := strings.Fields(body)
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: empty command", ErrUnknownCommand)
	}
	name, args := fields[0], fields[1:]
	want := func(n int) error {
		if len(args) != n {
			return fmt.Errorf("%w: %s takes %d argument(s)", ErrSyntax, name, n)
		}
		return nil
	}

	switch name {
	case "connect":
		if err := want(2); err != nil {
			return nil, err
		}
		port, err := strconv.Atoi(args[1])
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("%w: bad port %q", ErrSyntax, args[1])
		}
		return connectCmd{host: args[0], port: port}, nil
	case "disconnect":
		return disconnectCmd{}, want(0)
	case "help":
		return helpCmd{}, nil
	case "say":
		return sayCmd{text: strings.TrimSpace(strings.TrimPrefix(body, "say"))}, nil
	case "makeAccount":
		if err := want(2); err != nil {
			return nil, err
		}
		return makeAccountCmd{username: args[0], password: args[1]}, nil
	case "login":
		if err := want(2); err != nil {
			return nil, err
		}
		return loginCmd{username: args[0], password: args[1]}, nil
	case "logout":
		return logoutCmd{}, want(0)
	case "makeGroup":
		if len(args) == 0 {
			return nil, fmt.Errorf("%w: makeGroup needs a name", ErrSyntax)
		}
		return makeGroupCmd{name: strings.Join(args, " ")}, nil
	case "addUserToGroup":
		if err := want(2); err != nil {
			return nil, err
		}
		return addUserToGroupCmd{userID: args[0], groupID: args[1]}, nil
	case "switchGroup":
		if err := want(1); err != nil {
			return nil, err
		}
		return switchGroupCmd{groupID: args[0]}, nil
	case "leaveGroup":
		if err := want(1); err != nil {
			return nil, err
		}
		return leaveGroupCmd{groupID: args[0]}, nil
	case "getGroups":
		return getGroupsCmd{}, want(0)
	case "getMessages":
		return getMessagesCmd{}, want(0)
	case "stop":
		return stopCmd{}, want(0)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}
}

func (nopCmd) Execute(context.Context, *Coordinator) error { return nil }

func (cmd connectCmd) Execute(ctx context.Context, c *Coordinator) error {
	return c.Connect(ctx, cmd.host, cmd.port)
}

func (disconnectCmd) Execute(_ context.Context, c *Coordinator) error {
	c.Disconnect()
	return nil
}

func (helpCmd) Execute(_ context.Context, c *Coordinator) error {
	c.notify(HelpText())
	return nil
}

func (cmd sayCmd) Execute(_ context.Context, c *Coordinator) error {
	return c.send(protocol.Message, protocol.ChatMessage{Message: cmd.text, SessionToken: c.Token()})
}

func (cmd makeAccountCmd) Execute(_ context.Context, c *Coordinator) error {
	return c.send(protocol.MakeAccount, protocol.Credentials{Username: cmd.username, Password: cmd.password})
}

func (cmd loginCmd) Execute(_ context.Context, c *Coordinator) error {
	return c.send(protocol.Login, protocol.Credentials{Username: cmd.username, Password: cmd.password})
}

func (logoutCmd) Execute(_ context.Context, c *Coordinator) error {
	if err := c.send(protocol.Logout, protocol.LogoutRequest{SessionToken: c.Token()}); err != nil {
		return err
	}
	c.resetToken()
	return nil
}

func (cmd makeGroupCmd) Execute(_ context.Context, c *Coordinator) error {
	return c.send(protocol.MakeGroup, protocol.MakeGroupRequest{GroupName: cmd.name})
}

func (cmd addUserToGroupCmd) Execute(_ context.Context, c *Coordinator) error {
	return c.send(protocol.AddUserToGroup, protocol.AddUserToGroupRequest{UserID: cmd.userID, GroupID: cmd.groupID})
}

func (cmd switchGroupCmd) Execute(_ context.Context, c *Coordinator) error {
	return c.send(protocol.SwitchGroup, protocol.SwitchGroupRequest{GroupToSwitchTo: cmd.groupID})
}

func (cmd leaveGroupCmd) Execute(_ context.Context, c *Coordinator) error {
	return c.send(protocol.LeaveGroup, protocol.LeaveGroupRequest{Token: c.Token(), Group: cmd.groupID})
}

func (getGroupsCmd) Execute(_ context.Context, c *Coordinator) error {
	return c.send(protocol.GetGroups, protocol.GetGroupsRequest{Token: c.Token()})
}

func (getMessagesCmd) Execute(_ context.Context, c *Coordinator) error {
	return c.send(protocol.GetMessages, c.Token())
}

func (stopCmd) Execute(_ context.Context, c *Coordinator) error {
	c.Stop()
	return nil
}

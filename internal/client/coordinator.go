// Package client mirrors the server session on the user's side: it runs
// commands against the current channel and turns server frames into display
// text.
package client

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/life-stream-dev/life-stream-go-chatroom/internal/logger"
	"github.com/life-stream-dev/life-stream-go-chatroom/internal/protocol"
	"github.com/life-stream-dev/life-stream-go-chatroom/internal/queue"
)

type Options struct {
	// ReceivePoll is how long the receiver sleeps while not connected.
	ReceivePoll time.Duration
	// ClearBackoffMax caps the wait between checks for a consumed clear signal.
	ClearBackoffMax time.Duration
	// HeartbeatInterval of zero disables heartbeats.
	HeartbeatInterval time.Duration
}

// Coordinator talks to the input surface only through its three queues.
type Coordinator struct {
	Outbound *queue.Queue[string]
	Display  *queue.Queue[string]
	Clear    *queue.Queue[struct{}]

	link  *Link
	ready atomic.Bool
	opts  Options

	tokenMu sync.Mutex
	token   protocol.Token

	stopOnce sync.Once
	stopped  chan struct{}
}

func NewCoordinator(dial DialFunc, opts Options) *Coordinator {
	if opts.ReceivePoll <= 0 {
		opts.ReceivePoll = 500 * time.Millisecond
	}
	if opts.ClearBackoffMax <= 0 {
		opts.ClearBackoffMax = 500 * time.Millisecond
	}
	return &Coordinator{
		Outbound: queue.New[string](),
		Display:  queue.New[string](),
		Clear:    queue.New[struct{}](),
		link:     NewLink(dial),
		opts:     opts,
		token:    protocol.GuestToken(),
		stopped:  make(chan struct{}),
	}
}

// Run drives the receiver and dispatch loops until ctx is done or the stop
// command runs.
func (c *Coordinator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-c.stopped:
			cancel()
		}
		c.ready.Store(false)
		c.link.Teardown()
		c.Outbound.Close()
		return nil
	})
	g.Go(func() error { return c.receiveLoop(gctx) })
	g.Go(func() error { return c.dispatchLoop(gctx) })
	if c.opts.HeartbeatInterval > 0 {
		g.Go(func() error { return c.heartbeatLoop(gctx) })
	}
	return g.Wait()
}

// Submit queues a raw input line for the dispatch loop.
func (c *Coordinator) Submit(line string) error {
	return c.Outbound.Push(line)
}

func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() { close(c.stopped) })
}

// Stopped is closed once the stop command ran.
func (c *Coordinator) Stopped() <-chan struct{} {
	return c.stopped
}

func (c *Coordinator) Ready() bool {
	return c.ready.Load()
}

func (c *Coordinator) Token() protocol.Token {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	return c.token
}

func (c *Coordinator) setToken(t protocol.Token) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	c.token = t
}

func (c *Coordinator) resetToken() {
	c.setToken(protocol.GuestToken())
}

func (c *Coordinator) notify(text string) {
	if err := c.Display.Push(text); err != nil {
		logger.DebugF("Display closed, dropping %q", text)
	}
}

func (c *Coordinator) send(t protocol.FrameType, v any) error {
	f, err := protocol.JSONFrame(t, v)
	if err != nil {
		return err
	}
	return c.link.Send(f)
}

func (c *Coordinator) Connect(ctx context.Context, host string, port int) error {
	c.ready.Store(false)
	c.resetToken()
	if err := c.link.Connect(ctx, host, port); err != nil {
		return err
	}
	c.ready.Store(true)
	logger.InfoF("Connected to %s:%d", host, port)
	c.notify("Successful connection to server!")
	return nil
}

func (c *Coordinator) Disconnect() {
	c.ready.Store(false)
	c.link.Teardown()
	c.resetToken()
	c.notify("Disconnected from server")
}

func (c *Coordinator) dispatchLoop(ctx context.Context) error {
	for {
		line, err := c.Outbound.Pop(ctx)
		if err != nil {
			return nil
		}
		c.dispatch(ctx, line)
	}
}

// dispatch runs one command. Any fault becomes an error notice for that
// command only.
func (c *Coordinator) dispatch(ctx context.Context, line string) {
	name := CommandName(line)
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorF("Command %q panicked: %v", name, r)
			c.notify(ErrorNotice(name))
		}
	}()
	cmd, err := Parse(line)
	if err != nil {
		logger.DebugF("Fail to parse command %q, details: %v", name, err)
		c.notify(ErrorNotice(name))
		return
	}
	if err := cmd.Execute(ctx, c); err != nil {
		logger.WarnF("Command %q failed, details: %v", name, err)
		c.notify(ErrorNotice(name))
	}
}

func (c *Coordinator) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (c *Coordinator) receiveLoop(ctx context.Context) error {
	for ctx.Err() == nil {
		conn := c.link.Current()
		if !c.ready.Load() || conn == nil {
			c.sleep(ctx, c.opts.ReceivePoll)
			continue
		}
		f, err := conn.Receive()
		if err != nil {
			if ctx.Err() != nil || !c.ready.Load() {
				continue
			}
			logger.WarnF("Fail to receive frame, details: %v", err)
			if c.link.Release(conn) {
				c.ready.Store(false)
				c.resetToken()
				c.notify("An error has occurred. Please try to re-connect.")
			}
			continue
		}
		c.HandleFrame(ctx, f)
	}
	return nil
}

func (c *Coordinator) heartbeatLoop(ctx context.Context) error {
	for c.sleep(ctx, c.opts.HeartbeatInterval) {
		if !c.ready.Load() {
			continue
		}
		f := protocol.Frame{Type: protocol.DoHeartbeat, Encoding: protocol.EncodingNone}
		if err := c.link.Send(f); err != nil {
			logger.DebugF("Fail to send heartbeat, details: %v", err)
		}
	}
	return nil
}

// HandleFrame applies one server frame to local state and the display.
func (c *Coordinator) HandleFrame(ctx context.Context, f protocol.Frame) {
	switch f.Type {
	case protocol.Message:
		c.notify(string(f.Payload))
	case protocol.RetrievedMessages:
		var messages []string
		if err := f.Decode(&messages); err != nil {
			logger.WarnF("Bad %s frame, details: %v", f.Type, err)
			return
		}
		if len(messages) > 0 {
			c.notify(strings.Join(messages, "\n"))
		}
	case protocol.NewToken:
		var reply protocol.NewTokenReply
		if err := f.Decode(&reply); err != nil {
			logger.WarnF("Bad %s frame, details: %v", f.Type, err)
			c.notify("Login/account creation failed")
			return
		}
		c.setToken(reply.NewToken)
		if reply.NewToken.IsGuest() {
			c.notify("Login/account creation failed")
		} else {
			c.notify("Login/account creation successful! Your user ID is " + reply.NewToken.ID)
		}
	case protocol.ChangeToken:
		var token protocol.Token
		if err := f.Decode(&token); err != nil {
			logger.WarnF("Bad %s frame, details: %v", f.Type, err)
			return
		}
		c.changeToken(ctx, token)
	case protocol.GroupID:
		var reply protocol.GroupIDReply
		if err := f.Decode(&reply); err != nil || reply.GroupID == protocol.GuestID {
			c.notify("Group creation failed")
			return
		}
		c.notify("Success in creating new group! The ID is " + reply.GroupID)
	case protocol.ListOfGroups:
		var groups []string
		if err := f.Decode(&groups); err != nil {
			logger.WarnF("Bad %s frame, details: %v", f.Type, err)
			return
		}
		c.notify("You are in the following groups:\n" + strings.Join(groups, "\n"))
	case protocol.DidSucceedMessage:
		// heartbeat echoes carry no text
		if f.Encoding == protocol.EncodingNone {
			return
		}
		c.notify(string(f.Payload))
	default:
		logger.DebugF("Ignore %s frame from server", f.Type)
	}
}

// DisplayUpdate is one step for the input surface: show Lines, then wipe the
// transcript when Clear is set.
type DisplayUpdate struct {
	Lines []string
	Clear bool
}

// NextUpdate waits up to wait for display work. Lines queued ahead of a clear
// signal come out before it, and the signal is consumed only after they are
// taken, so the notice that follows a clear can never overtake it.
func (c *Coordinator) NextUpdate(ctx context.Context, wait time.Duration) (DisplayUpdate, bool) {
	if c.Clear.Len() > 0 {
		var u DisplayUpdate
		for {
			line, ok := c.Display.TryPop()
			if !ok {
				break
			}
			u.Lines = append(u.Lines, line)
		}
		_, u.Clear = c.Clear.TryPop()
		return u, true
	}
	popCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	line, err := c.Display.Pop(popCtx)
	if err != nil {
		return DisplayUpdate{}, false
	}
	return DisplayUpdate{Lines: []string{line}}, true
}

// changeToken clears the transcript before announcing a new group, so no stale
// line is shown under the new group's heading.
func (c *Coordinator) changeToken(ctx context.Context, token protocol.Token) {
	if token.GroupID == c.Token().GroupID {
		c.setToken(token)
		return
	}
	if err := c.Clear.Push(struct{}{}); err == nil {
		backoff := 10 * time.Millisecond
		for c.Clear.Len() > 0 {
			if !c.sleep(ctx, backoff) {
				return
			}
			backoff *= 2
			if backoff > c.opts.ClearBackoffMax {
				backoff = c.opts.ClearBackoffMax
			}
		}
	}
	c.setToken(token)
	c.notify("Group switched to " + token.GroupID)
}

package server

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/life-stream-dev/life-stream-go-chatroom/internal/channel"
	"github.com/life-stream-dev/life-stream-go-chatroom/internal/logger"
	"github.com/life-stream-dev/life-stream-go-chatroom/internal/protocol"
	"github.com/life-stream-dev/life-stream-go-chatroom/internal/queue"
)

// Conn is the secure channel a session talks through.
type Conn interface {
	Send(f protocol.Frame) error
	Receive() (protocol.Frame, error)
	Close() error
	IsAPI() bool
	RemoteAddr() string
}

// Session is the server side of one connected client. token and username are
// read and written by the processor goroutine only.
type Session struct {
	ID     string
	conn   Conn
	outbox *queue.Queue[protocol.Frame]

	token    protocol.Token
	username string

	closeOnce sync.Once
}

func newSession(conn Conn) *Session {
	return &Session{
		ID:     uuid.NewString(),
		conn:   conn,
		outbox: queue.New[protocol.Frame](),
		token:  protocol.GuestToken(),
	}
}

func (s *Session) IsAPI() bool {
	return s.conn.IsAPI()
}

// Send queues f for the writer goroutine and never blocks.
func (s *Session) Send(f protocol.Frame) {
	if err := s.outbox.Push(f); err != nil {
		logger.DebugF("[%s] Drop %s frame, session closed", s.ID, f.Type)
	}
}

func (s *Session) sendJSON(t protocol.FrameType, v any) error {
	f, err := protocol.JSONFrame(t, v)
	if err != nil {
		return err
	}
	s.Send(f)
	return nil
}

// notify sends a human-readable status line. API peers never get one.
func (s *Session) notify(text string) {
	if s.IsAPI() {
		return
	}
	s.Send(protocol.TextFrame(protocol.DidSucceedMessage, text))
}

func (s *Session) displayName() string {
	if s.token.IsGuest() || s.username == "" {
		return "Guest"
	}
	return s.username
}

func (s *Session) writeLoop() {
	for {
		f, err := s.outbox.Pop(context.Background())
		if err != nil {
			return
		}
		if err := s.conn.Send(f); err != nil {
			if errors.Is(err, protocol.ErrFrameTooLarge) {
				logger.WarnF("[%s] Drop oversized %s frame, details: %v", s.ID, f.Type, err)
				continue
			}
			if !channel.IsClosedError(err) {
				logger.WarnF("[%s] Fail to send %s frame, details: %v", s.ID, f.Type, err)
			}
			s.Close()
			return
		}
		logger.DebugF("[%s] Send %s frame, %d bytes", s.ID, f.Type, len(f.Payload))
	}
}

// readLoop turns inbound frames into events until the channel fails, then
// takes the session out of the registry on this goroutine.
func (s *Session) readLoop(events *queue.Queue[Event], registry *Registry) {
	defer func() {
		registry.Remove(s)
		s.Close()
		logger.DebugF("[%s] Connection closed", s.ID)
	}()

	for {
		f, err := s.conn.Receive()
		if err != nil {
			handleReadError(s.ID, err)
			return
		}
		logger.DebugF("[%s] Receive %s frame, %d bytes", s.ID, f.Type, len(f.Payload))
		if err := events.Push(EventFromFrame(s, f)); err != nil {
			logger.WarnF("[%s] Event queue closed, dropping connection", s.ID)
			return
		}
	}
}

func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.outbox.Close()
		if err := s.conn.Close(); err != nil && !channel.IsClosedError(err) {
			logger.WarnF("[%s] Error occured while closing connection, details: %v", s.ID, err)
		}
	})
}

func handleReadError(connID string, err error) {
	switch channel.ClassifyReadError(err) {
	case channel.FaultClosed:
		logger.InfoF("[%s] Client close connection", connID)
	case channel.FaultTimeout:
		logger.WarnF("[%s] Reading timeout", connID)
	default:
		logger.ErrorF("[%s] Error occured while reading frame, details: %v", connID, err)
	}
}

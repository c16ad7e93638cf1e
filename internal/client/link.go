package client

import (
	"context"
	"errors"
	"sync"

	"github.com/life-stream-dev/life-stream-go-chatroom/internal/protocol"
)

var ErrNotConnected = errors.New("not connected to a server")

// Conn is the client end of a secure channel.
type Conn interface {
	Send(f protocol.Frame) error
	Receive() (protocol.Frame, error)
	Close() error
}

// DialFunc opens a secure channel to host:port.
type DialFunc func(ctx context.Context, host string, port int) (Conn, error)

// Link owns the current channel handle. A handle is built by Connect and torn
// down by Teardown or Release; it is never reused after that.
type Link struct {
	mu   sync.Mutex
	conn Conn
	dial DialFunc
}

func NewLink(dial DialFunc) *Link {
	return &Link{dial: dial}
}

// Connect tears down any current handle and dials a new one.
func (l *Link) Connect(ctx context.Context, host string, port int) error {
	l.Teardown()
	conn, err := l.dial(ctx, host, port)
	if err != nil {
		return err
	}
	l.mu.Lock()
	old := l.conn
	l.conn = conn
	l.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return nil
}

func (l *Link) Current() Conn {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn
}

func (l *Link) Teardown() {
	l.mu.Lock()
	conn := l.conn
	l.conn = nil
	l.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// Release tears conn down only if it is still the current handle, so a read
// fault on an old channel cannot close a newer one.
func (l *Link) Release(conn Conn) bool {
	l.mu.Lock()
	if l.conn != conn {
		l.mu.Unlock()
		return false
	}
	l.conn = nil
	l.mu.Unlock()
	_ = conn.Close()
	return true
}

func (l *Link) Send(f protocol.Frame) error {
	conn := l.Current()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Send(f)
}

// Package server runs the chatroom: it accepts secure channels, turns their
// frames into events and applies them through a single processor.
package server

import (
	"context"
	"crypto/rsa"
	"errors"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/life-stream-dev/life-stream-go-chatroom/internal/channel"
	"github.com/life-stream-dev/life-stream-go-chatroom/internal/logger"
	"github.com/life-stream-dev/life-stream-go-chatroom/internal/messagestore"
	"github.com/life-stream-dev/life-stream-go-chatroom/internal/protocol"
	"github.com/life-stream-dev/life-stream-go-chatroom/internal/queue"
	"github.com/life-stream-dev/life-stream-go-chatroom/internal/storage"
)

type Options struct {
	Addr           string
	Channel        channel.Options
	MaxConnections int
	MaxPerGroup    int
	// PasswordCost is the bcrypt cost for new accounts; zero means the default.
	PasswordCost int
}

type Server struct {
	opts      Options
	priv      *rsa.PrivateKey
	backend   storage.Backend
	events    *queue.Queue[Event]
	registry  *Registry
	store     *messagestore.Store
	processor *Processor

	listener net.Listener
	sem      chan struct{}
	conns    sync.WaitGroup
}

// New wires the processor, registry and message store. history seeds the
// message store; file may be nil to keep history in memory only.
func New(opts Options, priv *rsa.PrivateKey, backend storage.Backend, history messagestore.Snapshot, file *messagestore.File) *Server {
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = 10000
	}
	s := &Server{
		opts:     opts,
		priv:     priv,
		backend:  backend,
		events:   queue.New[Event](),
		registry: NewRegistry(),
		sem:      make(chan struct{}, opts.MaxConnections),
	}
	s.store = messagestore.New(history, opts.MaxPerGroup, func(snapshot messagestore.Snapshot) {
		if err := s.events.Push(SaveEvent(snapshot)); err != nil {
			logger.WarnF("Drop message snapshot, event queue closed")
		}
	})
	s.processor = NewProcessor(s.events, s.registry, backend, s.store, file, opts.PasswordCost, opts.Channel.PayloadLimit())
	return s
}

func (s *Server) Store() *messagestore.Store {
	return s.store
}

func (s *Server) Registry() *Registry {
	return s.registry
}

func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	s.listener = ln
	logger.InfoF("Chat Server Listen On %s", ln.Addr().String())
	return nil
}

// Addr is the bound listener address; Listen must have been called.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Run ensures the default group exists, then serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	if err := s.backend.EnsureDefaultGroup(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.processor.Run(gctx)
	})
	g.Go(func() error {
		if err := s.store.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		if err := s.listener.Close(); err != nil && !channel.IsClosedError(err) {
			logger.ErrorF("Server close error: %v", err)
		}
		return nil
	})
	g.Go(func() error {
		return s.acceptLoop(gctx)
	})
	return g.Wait()
}

func (s *Server) acceptLoop(ctx context.Context) error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			logger.ErrorF("Accept connection error: %v", err)
			continue
		}

		logger.DebugF("Accepted new connection from %s", conn.RemoteAddr().String())

		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			_ = conn.Close()
			return nil
		}
		s.conns.Add(1)
		go func(c net.Conn) {
			defer func() {
				<-s.sem
				s.conns.Done()
			}()
			s.handleConnection(c)
		}(conn)
	}
}

func (s *Server) handleConnection(raw net.Conn) {
	conn, err := channel.Accept(raw, s.priv, s.opts.Channel)
	if err != nil {
		logger.WarnF("[%s] Handshake failed, details: %v", raw.RemoteAddr().String(), err)
		_ = raw.Close()
		return
	}
	s.serve(conn)
}

// serve registers a handshaken connection and blocks in its reader loop.
func (s *Server) serve(conn Conn) {
	sess := newSession(conn)
	logger.InfoF("[%s] Client connected from %s, api=%v", sess.ID, conn.RemoteAddr(), conn.IsAPI())

	s.registry.AddLive(sess)
	if !sess.IsAPI() {
		s.registry.Join(sess, protocol.DefaultGroupID)
		_ = s.events.Push(Event{Kind: KindRetrieveMessages, Session: sess})
	}

	go sess.writeLoop()
	sess.readLoop(s.events, s.registry)
}

// Close disconnects every live session and waits for their goroutines.
func (s *Server) Close(ctx context.Context) error {
	if s.listener != nil {
		_ = s.listener.Close()
	}
	for _, sess := range s.registry.Live() {
		sess.Close()
	}
	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Invoke lets the server be registered with the shutdown cleaner.
func (s *Server) Invoke(ctx context.Context) error {
	return s.Close(ctx)
}

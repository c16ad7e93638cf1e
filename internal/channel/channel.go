// Package channel implements the SecureChannel: an RSA-wrapped AES key exchange
// followed by sealed, length-framed, typed frames in both directions.
package channel

import (
	"bufio"
	"context"
	"crypto/cipher"
	"crypto/rsa"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/life-stream-dev/life-stream-go-chatroom/internal/crypto"
	"github.com/life-stream-dev/life-stream-go-chatroom/internal/protocol"
)

const (
	flagInteractive byte = 0x00
	flagAPI         byte = 0x01

	// wrapped keys are a single RSA block
	maxHandshakeFrame = 1024
	DefaultMaxFrame   = 1 << 20

	// body header (two u16 prefixed tags) plus the AEAD nonce and tag, rounded up
	frameOverhead = 256
)

var ErrHandshake = errors.New("handshake failed")

type Options struct {
	HandshakeTimeout time.Duration
	// IdleTimeout bounds each Receive call; zero disables it.
	IdleTimeout  time.Duration
	WriteTimeout time.Duration
	MaxFrameSize int
}

// frameLimit is the largest sealed frame either side will send or accept.
// Client and server must be configured with the same MaxFrameSize.
func (o Options) frameLimit() int {
	if o.MaxFrameSize <= 0 {
		return DefaultMaxFrame
	}
	return o.MaxFrameSize
}

// PayloadLimit is the largest frame payload that fits under MaxFrameSize.
func (o Options) PayloadLimit() int {
	return o.frameLimit() - frameOverhead
}

type Conn struct {
	raw    net.Conn
	reader *bufio.Reader
	aead   cipher.AEAD
	isAPI  bool
	opts   Options

	wmu       sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newConn(raw net.Conn, aead cipher.AEAD, isAPI bool, opts Options) *Conn {
	opts.MaxFrameSize = opts.frameLimit()
	return &Conn{raw: raw, reader: bufio.NewReader(raw), aead: aead, isAPI: isAPI, opts: opts}
}

// Accept runs the server half of the handshake on a freshly accepted connection.
func Accept(raw net.Conn, priv *rsa.PrivateKey, opts Options) (*Conn, error) {
	if opts.HandshakeTimeout > 0 {
		_ = raw.SetDeadline(time.Now().Add(opts.HandshakeTimeout))
		defer func() { _ = raw.SetDeadline(time.Time{}) }()
	}
	reader := bufio.NewReader(raw)

	wrapped, err := protocol.ReadFrame(reader, maxHandshakeFrame)
	if err != nil {
		return nil, fmt.Errorf("%w: read key: %v", ErrHandshake, err)
	}
	key, err := crypto.UnwrapKey(priv, wrapped)
	if err != nil {
		return nil, fmt.Errorf("%w: unwrap key: %v", ErrHandshake, err)
	}
	aead, err := crypto.NewAEAD(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}

	sealedFlag, err := protocol.ReadFrame(reader, maxHandshakeFrame)
	if err != nil {
		return nil, fmt.Errorf("%w: read flag: %v", ErrHandshake, err)
	}
	flag, err := crypto.Open(aead, sealedFlag)
	if err != nil || len(flag) != 1 {
		return nil, fmt.Errorf("%w: invalid client flag", ErrHandshake)
	}

	c := newConn(raw, aead, flag[0] == flagAPI, opts)
	c.reader = reader
	return c, nil
}

// Dial connects to addr and runs the client half of the handshake.
func Dial(ctx context.Context, addr string, pub *rsa.PublicKey, isAPI bool, opts Options) (*Conn, error) {
	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	c, err := Handshake(raw, pub, isAPI, opts)
	if err != nil {
		_ = raw.Close()
		return nil, err
	}
	return c, nil
}

// Handshake runs the client half of the handshake over an established connection.
func Handshake(raw net.Conn, pub *rsa.PublicKey, isAPI bool, opts Options) (*Conn, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	aead, err := crypto.NewAEAD(key)
	if err != nil {
		return nil, err
	}
	wrapped, err := crypto.WrapKey(pub, key)
	if err != nil {
		return nil, fmt.Errorf("%w: wrap key: %v", ErrHandshake, err)
	}
	if opts.HandshakeTimeout > 0 {
		_ = raw.SetWriteDeadline(time.Now().Add(opts.HandshakeTimeout))
		defer func() { _ = raw.SetWriteDeadline(time.Time{}) }()
	}
	if err := protocol.WriteFrame(raw, wrapped); err != nil {
		return nil, fmt.Errorf("%w: send key: %v", ErrHandshake, err)
	}
	flag := flagInteractive
	if isAPI {
		flag = flagAPI
	}
	sealed, err := crypto.Seal(aead, []byte{flag})
	if err != nil {
		return nil, err
	}
	if err := protocol.WriteFrame(raw, sealed); err != nil {
		return nil, fmt.Errorf("%w: send flag: %v", ErrHandshake, err)
	}
	return newConn(raw, aead, isAPI, opts), nil
}

func (c *Conn) IsAPI() bool {
	return c.isAPI
}

func (c *Conn) RemoteAddr() string {
	return c.raw.RemoteAddr().String()
}

// Send seals and writes one frame. It is safe for concurrent use. A frame the
// peer would reject as too large is refused before anything is written, so
// the stream stays in sync.
func (c *Conn) Send(f protocol.Frame) error {
	body, err := protocol.EncodeBody(f)
	if err != nil {
		return err
	}
	sealed, err := crypto.Seal(c.aead, body)
	if err != nil {
		return err
	}
	if len(sealed) > c.opts.MaxFrameSize {
		return fmt.Errorf("%w: %d > %d", protocol.ErrFrameTooLarge, len(sealed), c.opts.MaxFrameSize)
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.opts.WriteTimeout > 0 {
		_ = c.raw.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	}
	return protocol.WriteFrame(c.raw, sealed)
}

// Receive blocks until a full frame arrives. Only one goroutine may call it.
func (c *Conn) Receive() (protocol.Frame, error) {
	if c.opts.IdleTimeout > 0 {
		_ = c.raw.SetReadDeadline(time.Now().Add(c.opts.IdleTimeout))
	}
	sealed, err := protocol.ReadFrame(c.reader, c.opts.MaxFrameSize)
	if err != nil {
		return protocol.Frame{}, err
	}
	body, err := crypto.Open(c.aead, sealed)
	if err != nil {
		return protocol.Frame{}, fmt.Errorf("open frame: %w", err)
	}
	return protocol.DecodeBody(body)
}

func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.raw.Close()
	})
	return c.closeErr
}

package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/life-stream-dev/life-stream-go-chatroom/internal/channel"
	"github.com/life-stream-dev/life-stream-go-chatroom/internal/cleaner"
	"github.com/life-stream-dev/life-stream-go-chatroom/internal/client"
	"github.com/life-stream-dev/life-stream-go-chatroom/internal/config"
	"github.com/life-stream-dev/life-stream-go-chatroom/internal/crypto"
	"github.com/life-stream-dev/life-stream-go-chatroom/internal/logger"
	"github.com/life-stream-dev/life-stream-go-chatroom/internal/utils"
)

const configFile = "client.json"

func dialer(cfg config.ClientConfig) client.DialFunc {
	return func(ctx context.Context, host string, port int) (client.Conn, error) {
		keyFile, ok := cfg.Servers[host]
		if !ok {
			return nil, fmt.Errorf("no public key configured for server %s", host)
		}
		pub, err := crypto.ReadPublicKeyFile(keyFile)
		if err != nil {
			return nil, err
		}
		conn, err := channel.Dial(ctx, net.JoinHostPort(host, strconv.Itoa(port)), pub, false, channel.Options{
			HandshakeTimeout: 10 * time.Second,
			WriteTimeout:     10 * time.Second,
			MaxFrameSize:     cfg.MaxFrameSize,
		})
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

func heartbeatInterval(s string) time.Duration {
	d, err := utils.ParseStringTime(s)
	if err != nil {
		return time.Minute
	}
	return d
}

func main() {
	if err := config.LoadEnv(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg, err := config.ReadClientConfig(configFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	loggerCallback := logger.InitTo(cfg.Log.Dir, cfg.DebugMode, 7, io.Discard)
	c := cleaner.NewCleaner(loggerCallback)

	coord := client.NewCoordinator(dialer(cfg), client.Options{
		ReceivePoll:       utils.DurationOr(cfg.ReceivePoll, 500*time.Millisecond),
		ClearBackoffMax:   utils.DurationOr(cfg.ClearBackoffMax, 2*time.Second),
		HeartbeatInterval: heartbeatInterval(cfg.HeartbeatInterval),
	})

	ctx, stop := cleaner.SignalContext(context.Background())
	done := make(chan error, 1)
	go func() { done <- coord.Run(ctx) }()
	c.Add(cleaner.Func(func(context.Context) error {
		stop()
		return <-done
	}))

	p := tea.NewProgram(newChatModel(coord), tea.WithAltScreen())
	go pump(ctx, p, coord)
	go func() {
		select {
		case <-coord.Stopped():
		case <-ctx.Done():
		}
		p.Send(stoppedMsg{})
	}()

	_ = coord.Display.Push("Welcome! Type `help for the list of commands.")
	_, runErr := p.Run()
	coord.Stop()
	if err := c.Clean(); err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	if runErr != nil {
		fmt.Fprintln(os.Stderr, runErr)
		os.Exit(1)
	}
}

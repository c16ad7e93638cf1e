package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/life-stream-dev/life-stream-go-chatroom/internal/channel"
	"github.com/life-stream-dev/life-stream-go-chatroom/internal/cleaner"
	"github.com/life-stream-dev/life-stream-go-chatroom/internal/config"
	"github.com/life-stream-dev/life-stream-go-chatroom/internal/crypto"
	"github.com/life-stream-dev/life-stream-go-chatroom/internal/logger"
	"github.com/life-stream-dev/life-stream-go-chatroom/internal/messagestore"
	"github.com/life-stream-dev/life-stream-go-chatroom/internal/server"
	"github.com/life-stream-dev/life-stream-go-chatroom/internal/storage"
	"github.com/life-stream-dev/life-stream-go-chatroom/internal/utils"
)

const configFile = "config.json"

func main() {
	os.Exit(run())
}

func openBackend(ctx context.Context, cfg config.Config) (storage.Backend, error) {
	switch cfg.Storage.Driver {
	case "", "memory":
		logger.Warn("Using in-memory storage, accounts and groups are lost on restart")
		return storage.NewMemoryStore(), nil
	case "mongo":
		ttl := utils.DurationOr(cfg.Storage.GroupCacheTTL, 10*time.Minute)
		return storage.NewMongoStore(ctx, cfg.Storage.Mongo, cfg.AppName, cfg.Storage.GroupCacheSize, ttl)
	case "mysql":
		return storage.NewSQLStore(cfg.Storage.MySQL.DSN, cfg.DebugMode)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

func openMessageLog(cfg config.Config) (*messagestore.File, messagestore.Snapshot, error) {
	master, err := crypto.ReadMasterKey(cfg.Messages.MasterKeyFile)
	if err != nil {
		return nil, nil, err
	}
	key, err := crypto.DeriveKey(master, messagestore.KeyPurpose)
	if err != nil {
		return nil, nil, err
	}
	file, err := messagestore.NewFile(cfg.Messages.File, key)
	if err != nil {
		return nil, nil, err
	}
	history, err := file.Load()
	if err != nil {
		return nil, nil, err
	}
	return file, history, nil
}

func run() int {
	if err := config.LoadEnv(); err != nil {
		logger.FatalF("%v", err)
		return 1
	}
	cfg, err := config.ReadConfig(configFile)
	if err != nil {
		logger.FatalF("Error occured while reading config %v", err)
		return 1
	}
	loggerCallback := logger.Init(cfg.Log.Dir, cfg.DebugMode, cfg.Log.RetentionDays)
	logger.Debug("Application initializing...")

	c := cleaner.NewCleaner(loggerCallback)
	defer func() {
		if err := c.Clean(); err != nil {
			fmt.Fprintf(os.Stderr, "shutdown: %v\n", err)
		}
	}()

	ctx, stop := cleaner.SignalContext(context.Background())
	defer stop()

	priv, err := crypto.ReadPrivateKeyFile(cfg.Server.PrivateKeyFile)
	if err != nil {
		logger.FatalF("Error occured while reading server key, details: %v", err)
		return 1
	}

	file, history, err := openMessageLog(cfg)
	if err != nil {
		logger.FatalF("Error occured while loading message log, details: %v", err)
		return 1
	}
	total := 0
	for _, messages := range history {
		total += len(messages)
	}
	logger.InfoF("Loaded %d message(s) in %d group(s) from %s", total, len(history), file.Path())

	backend, err := openBackend(ctx, cfg)
	if err != nil {
		logger.FatalF("Error occured while initializing database, details: %v", err)
		return 1
	}
	c.Add(cleaner.Func(backend.Close))

	srv := server.New(server.Options{
		Addr: net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Channel: channel.Options{
			HandshakeTimeout: utils.DurationOr(cfg.Server.HandshakeTimeout, time.Minute),
			IdleTimeout:      utils.DurationOr(cfg.Server.IdleTimeout, 10*time.Minute),
			WriteTimeout:     10 * time.Second,
			MaxFrameSize:     cfg.Server.MaxFrameSize,
		},
		MaxConnections: cfg.Server.MaxConnections,
		MaxPerGroup:    cfg.Messages.MaxPerGroup,
	}, priv, backend, history, file)

	c.Add(cleaner.Func(func(context.Context) error {
		srv.Store().Drain()
		logger.InfoF("Writing final message snapshot to %s", file.Path())
		return file.Save(srv.Store().Snapshot())
	}))
	c.Add(srv)

	if err := srv.Listen(); err != nil {
		logger.FatalF("Chat Server Start error: %v", err)
		return 1
	}
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.ErrorF("Chat Server stopped with error: %v", err)
		return 1
	}
	logger.Info("Chat Server stopped")
	return 0
}

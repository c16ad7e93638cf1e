package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/joho/godotenv"
)

type MongoConfig struct {
	Host               string `json:"host"`
	Port               uint64 `json:"port"`
	Username           string `json:"username"`
	Password           string `json:"password"`
	Database           string `json:"database"`
	UseTLS             bool   `json:"use_tls"`
	ConnectTimeout     string `json:"connect_timeout"`
	SocketTimeout      string `json:"socket_timeout"`
	ConnectIdleTimeout string `json:"connect_idle_timeout"`
	OperationTimeout   string `json:"operation_timeout"`
	Heartbeat          string `json:"heartbeat"`
	MinPoolSize        uint64 `json:"min_pool_size"`
	MaxPoolSize        uint64 `json:"max_pool_size"`
}

type Config struct {
	Server struct {
		Host             string `json:"host"`
		Port             int    `json:"port"`
		PrivateKeyFile   string `json:"private_key_file"`
		HandshakeTimeout string `json:"handshake_timeout"`
		IdleTimeout      string `json:"idle_timeout"`
		MaxFrameSize     int    `json:"max_frame_size"`
		MaxConnections   int    `json:"max_connections"`
	} `json:"server"`
	Storage struct {
		Driver         string      `json:"driver"`
		Mongo          MongoConfig `json:"mongo"`
		MySQL          struct {
			DSN string `json:"dsn"`
		} `json:"mysql"`
		GroupCacheSize int    `json:"group_cache_size"`
		GroupCacheTTL  string `json:"group_cache_ttl"`
	} `json:"storage"`
	Messages struct {
		File          string `json:"file"`
		MasterKeyFile string `json:"master_key_file"`
		MaxPerGroup   int    `json:"max_per_group"`
	} `json:"messages"`
	Log struct {
		Dir           string `json:"dir"`
		RetentionDays int    `json:"retention_days"`
	} `json:"log"`
	DebugMode bool   `json:"debug_mode"`
	AppName   string `json:"app_name"`
}

type ClientConfig struct {
	// Servers maps a host to the PEM file holding that server's public key.
	Servers         map[string]string `json:"servers"`
	ReceivePoll     string            `json:"receive_poll"`
	ClearBackoffMax string            `json:"clear_backoff_max"`
	Log             struct {
		Dir string `json:"dir"`
	} `json:"log"`
	DebugMode bool `json:"debug_mode"`

	// HeartbeatInterval keeps the server's idle timeout from firing; "0" disables it.
	HeartbeatInterval string `json:"heartbeat_interval"`
	// MaxFrameSize must match the server's max_frame_size.
	MaxFrameSize int `json:"max_frame_size"`
}

var (
	mu          sync.RWMutex
	config      = Default()
	initialized = false
)

// Default returns the configuration written into a freshly created config file.
func Default() Config {
	var c Config
	c.AppName = "life-stream-chatroom"
	c.Server.Host = "127.0.0.1"
	c.Server.Port = 8888
	c.Server.PrivateKeyFile = "privKey.pem"
	c.Server.HandshakeTimeout = "1m"
	c.Server.IdleTimeout = "10m"
	c.Server.MaxFrameSize = 1 << 20
	c.Server.MaxConnections = 10000
	c.Storage.Driver = "memory"
	c.Storage.Mongo = MongoConfig{
		Host:               "127.0.0.1",
		Port:               27017,
		Database:           "chatroom",
		ConnectTimeout:     "10s",
		SocketTimeout:      "30s",
		ConnectIdleTimeout: "5m",
		OperationTimeout:   "5s",
		Heartbeat:          "10s",
		MinPoolSize:        1,
		MaxPoolSize:        20,
	}
	c.Storage.GroupCacheSize = 1024
	c.Storage.GroupCacheTTL = "10m"
	c.Messages.File = "messages.enc"
	c.Messages.MasterKeyFile = "master.key"
	c.Log.Dir = "logs"
	c.Log.RetentionDays = 30
	return c
}

func DefaultClient() ClientConfig {
	c := ClientConfig{
		Servers:           map[string]string{"127.0.0.1": "pubKey.pem"},
		ReceivePoll:       "500ms",
		ClearBackoffMax:   "2s",
		HeartbeatInterval: "1m",
		MaxFrameSize:      1 << 20,
	}
	c.Log.Dir = "client-logs"
	return c
}

// LoadEnv loads a .env file when one is present. A missing file is not an error.
func LoadEnv(files ...string) error {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("error occured while loading env file: %w", err)
	}
	return nil
}

func readJSON(path string, target any, template any) error {
	bytes, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("error occured while reading %s: %w", path, err)
		}
		data, _ := json.MarshalIndent(template, "", "\t")
		_ = os.WriteFile(path, data, 0644)
		return fmt.Errorf("the configuration file %s does not exist and has been created. Please try again after editing the configuration file", path)
	}
	if err := json.Unmarshal(bytes, target); err != nil {
		return fmt.Errorf("the configuration file %s does not contain valid JSON: %w", path, err)
	}
	return nil
}

// ReadConfig reads the server configuration from path. Fields missing from the
// file keep their default value; environment overrides are applied last.
func ReadConfig(path string) (Config, error) {
	c := Default()
	if err := readJSON(path, &c, Default()); err != nil {
		return c, err
	}
	applyEnv(&c)

	mu.Lock()
	config = c
	initialized = true
	mu.Unlock()
	return c, nil
}

func applyEnv(c *Config) {
	if v := os.Getenv("CHAT_MONGO_PASSWORD"); v != "" {
		c.Storage.Mongo.Password = v
	}
	if v := os.Getenv("CHAT_MYSQL_DSN"); v != "" {
		c.Storage.MySQL.DSN = v
	}
	if v := os.Getenv("CHAT_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Server.Port = p
		}
	}
}

// GetConfig returns the configuration last read by ReadConfig, or the defaults.
func GetConfig() (Config, bool) {
	mu.RLock()
	defer mu.RUnlock()
	return config, initialized
}

func ReadClientConfig(path string) (ClientConfig, error) {
	c := DefaultClient()
	if err := readJSON(path, &c, DefaultClient()); err != nil {
		return c, err
	}
	return c, nil
}

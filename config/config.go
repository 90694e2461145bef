package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server   ServerSection   `toml:"server"`
	Database DatabaseSection `toml:"database"`
	Security SecuritySection `toml:"security"`
	Files    FilesSection    `toml:"files"`
	Routing  RoutingSection  `toml:"routing"`
	Log      LogSection      `toml:"log"`
}

type ServerSection struct {
	TCPPort       int    `toml:"tcp_port"`
	HTTPPort      int    `toml:"http_port"` // 0 disables /ws, /health and /metrics
	ControlSocket string `toml:"control_socket"`
	ReadTimeout   int    `toml:"read_timeout_seconds"` // 0 means no idle limit
	WriteTimeout  int    `toml:"write_timeout_seconds"`
	SendQueueSize int    `toml:"send_queue_size"`
}

type DatabaseSection struct {
	Driver string `toml:"driver"` // "sqlite3" or "pgx"
	Path   string `toml:"path"`
	URL    string `toml:"url"`
}

type SecuritySection struct {
	SecretKey  string `toml:"secret_key"`
	BcryptCost int    `toml:"bcrypt_cost"`
}

type FilesSection struct {
	UploadDir    string `toml:"upload_dir"`
	MaxFileBytes int64  `toml:"max_file_bytes"`
}

type RoutingSection struct {
	BroadcastEnabled    bool `toml:"broadcast_enabled"`
	PersistBroadcast    bool `toml:"persist_broadcast"`
	HistoryDefaultLimit int  `toml:"history_default_limit"`
	HistoryMaxLimit     int  `toml:"history_max_limit"`
}

type LogSection struct {
	Debug bool `toml:"debug"`
}

func Default() *Config {
	return &Config{
		Server: ServerSection{
			TCPPort:       5555,
			HTTPPort:      8080,
			ControlSocket: "/tmp/relaychat.sock",
			ReadTimeout:   0,
			WriteTimeout:  10,
			SendQueueSize: 256,
		},
		Database: DatabaseSection{
			Driver: "sqlite3",
			Path:   "relaychat.db",
		},
		Security: SecuritySection{
			SecretKey:  "change-me",
			BcryptCost: 10,
		},
		Files: FilesSection{
			UploadDir:    "uploads",
			MaxFileBytes: 10 << 20,
		},
		Routing: RoutingSection{
			BroadcastEnabled:    true,
			PersistBroadcast:    true,
			HistoryDefaultLimit: 50,
			HistoryMaxLimit:     500,
		},
	}
}

// Load reads the TOML file at path on top of the defaults, then applies
// RELAYCHAT_* environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite3":
		if c.Database.Path == "" {
			return errors.New("database.path is required for sqlite3")
		}
	case "pgx":
		if c.Database.URL == "" {
			return errors.New("database.url is required for pgx")
		}
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Security.SecretKey == "" {
		return errors.New("security.secret_key must not be empty")
	}
	if c.Server.SendQueueSize <= 0 {
		return errors.New("server.send_queue_size must be positive")
	}
	if c.Routing.HistoryDefaultLimit <= 0 || c.Routing.HistoryMaxLimit < c.Routing.HistoryDefaultLimit {
		return errors.New("routing history limits are inconsistent")
	}
	return nil
}

// MaxLineBytes is the longest request line the server accepts: a SEND_FILE
// carrying max_file_bytes as base64, plus room for the JSON envelope.
func (c *Config) MaxLineBytes() int {
	return base64.StdEncoding.EncodedLen(int(c.Files.MaxFileBytes)) + 64<<10
}

func applyEnvOverrides(cfg *Config) {
	envInt("RELAYCHAT_SERVER_TCP_PORT", &cfg.Server.TCPPort)
	envInt("RELAYCHAT_SERVER_HTTP_PORT", &cfg.Server.HTTPPort)
	envString("RELAYCHAT_SERVER_CONTROL_SOCKET", &cfg.Server.ControlSocket)
	envInt("RELAYCHAT_SERVER_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	envInt("RELAYCHAT_SERVER_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	envInt("RELAYCHAT_SERVER_SEND_QUEUE_SIZE", &cfg.Server.SendQueueSize)

	envString("RELAYCHAT_DATABASE_DRIVER", &cfg.Database.Driver)
	envString("RELAYCHAT_DATABASE_PATH", &cfg.Database.Path)
	envString("RELAYCHAT_DATABASE_URL", &cfg.Database.URL)

	envString("RELAYCHAT_SECURITY_SECRET_KEY", &cfg.Security.SecretKey)
	envInt("RELAYCHAT_SECURITY_BCRYPT_COST", &cfg.Security.BcryptCost)

	envString("RELAYCHAT_FILES_UPLOAD_DIR", &cfg.Files.UploadDir)
	if v := os.Getenv("RELAYCHAT_FILES_MAX_FILE_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Files.MaxFileBytes = n
		}
	}

	envBool("RELAYCHAT_ROUTING_BROADCAST_ENABLED", &cfg.Routing.BroadcastEnabled)
	envBool("RELAYCHAT_ROUTING_PERSIST_BROADCAST", &cfg.Routing.PersistBroadcast)
	envInt("RELAYCHAT_ROUTING_HISTORY_DEFAULT_LIMIT", &cfg.Routing.HistoryDefaultLimit)
	envInt("RELAYCHAT_ROUTING_HISTORY_MAX_LIMIT", &cfg.Routing.HistoryMaxLimit)

	envBool("RELAYCHAT_LOG_DEBUG", &cfg.Log.Debug)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			*dst = b
		}
	}
}

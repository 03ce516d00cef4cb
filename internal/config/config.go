package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/infinitchat/internal/util"
)

// FileName is the config file created inside a peer directory.
const FileName = "infinitchat.json"

// Store backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Friend request accept modes.
const (
	AcceptBestEffort    = "best_effort"
	AcceptTransactional = "transactional"
)

type Config struct {
	Identity Identity `json:"identity"`
	Store    Store    `json:"store"`
	Call     Call     `json:"call"`
	Friends  Friends  `json:"friends"`
	Status   Status   `json:"status"`
	Blob     Blob     `json:"blob"`
	Viewer   Viewer   `json:"viewer"`
	Log      Log      `json:"log"`
}

// Identity is the signed-in user. Authentication itself happens elsewhere;
// the app trusts whatever id it is started with.
type Identity struct {
	UserID      string `json:"user_id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	PhotoURL    string `json:"photo_url"`
}

type Store struct {
	Backend string `json:"backend"`

	// SQLiteDir is relative to the peer directory.
	SQLiteDir string `json:"sqlite_dir"`

	RedisAddr     string `json:"redis_addr"`
	RedisPassword string `json:"redis_password"`
	RedisDB       int    `json:"redis_db"`
	RedisPrefix   string `json:"redis_prefix"`
}

type Call struct {
	// RingTimeoutSec is how long an unanswered inbound call rings.
	RingTimeoutSec int `json:"ring_timeout_seconds"`

	// DialTimeoutSec aborts an outbound call that never connects.
	// 0 disables the timeout.
	DialTimeoutSec int `json:"dial_timeout_seconds"`

	// RingIntervalMs is the gap between ringtone repeats.
	RingIntervalMs int `json:"ring_interval_ms"`

	STUNServers []string `json:"stun_servers"`

	// Disabled turns off the peer client entirely (no calls in or out).
	Disabled bool `json:"disabled"`
}

type Friends struct {
	AcceptMode string `json:"accept_mode"`
}

type Status struct {
	TTLHours int `json:"ttl_hours"`
}

// Blob configures object storage for status images. Empty endpoint disables
// image uploads.
type Blob struct {
	Endpoint  string `json:"endpoint"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	Bucket    string `json:"bucket"`
	UseSSL    bool   `json:"use_ssl"`
	PublicURL string `json:"public_url"`
}

type Viewer struct {
	HTTPAddr string `json:"http_addr"`
	Debug    bool   `json:"debug"`

	// Requests per second allowed on mutating API endpoints.
	RateLimitPerSec float64 `json:"rate_limit_per_sec"`
	RateLimitBurst  int     `json:"rate_limit_burst"`
}

type Log struct {
	Level string `json:"level"`
}

func Default() Config {
	return Config{
		Store: Store{
			Backend:     BackendSQLite,
			SQLiteDir:   "data",
			RedisAddr:   "127.0.0.1:6379",
			RedisPrefix: "infinitchat:",
		},
		Call: Call{
			RingTimeoutSec: 180,
			DialTimeoutSec: 0,
			RingIntervalMs: 3000,
			STUNServers:    []string{"stun:stun.l.google.com:19302"},
		},
		Friends: Friends{
			AcceptMode: AcceptBestEffort,
		},
		Status: Status{
			TTLHours: 24,
		},
		Blob: Blob{
			Bucket: "statuses",
		},
		Viewer: Viewer{
			HTTPAddr:        "127.0.0.1:8790",
			RateLimitPerSec: 10,
			RateLimitBurst:  20,
		},
		Log: Log{
			Level: "info",
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	if strings.TrimSpace(c.Identity.UserID) == "" {
		return errors.New("identity.user_id is required")
	}
	if c.Identity.DisplayName != "" {
		if _, err := util.ValidateDisplayName(c.Identity.DisplayName); err != nil {
			return fmt.Errorf("identity.display_name: %w", err)
		}
	}

	// Store
	switch c.Store.Backend {
	case BackendMemory:
	case BackendSQLite:
		if strings.TrimSpace(c.Store.SQLiteDir) == "" {
			return errors.New("store.sqlite_dir is required for the sqlite backend")
		}
	case BackendRedis:
		if _, _, err := net.SplitHostPort(c.Store.RedisAddr); err != nil {
			return fmt.Errorf("store.redis_addr: %w", err)
		}
		if c.Store.RedisDB < 0 {
			return errors.New("store.redis_db must be >= 0")
		}
	default:
		return fmt.Errorf("store.backend must be %q, %q or %q", BackendMemory, BackendSQLite, BackendRedis)
	}

	// Call
	if c.Call.RingTimeoutSec <= 0 {
		return errors.New("call.ring_timeout_seconds must be > 0")
	}
	if c.Call.DialTimeoutSec < 0 {
		return errors.New("call.dial_timeout_seconds must be >= 0")
	}
	if c.Call.RingIntervalMs <= 0 {
		return errors.New("call.ring_interval_ms must be > 0")
	}
	for _, s := range c.Call.STUNServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") {
			return fmt.Errorf("call.stun_servers: %q must start with stun: or turn:", s)
		}
	}

	// Friends
	if c.Friends.AcceptMode != AcceptBestEffort && c.Friends.AcceptMode != AcceptTransactional {
		return fmt.Errorf("friends.accept_mode must be %q or %q", AcceptBestEffort, AcceptTransactional)
	}
	if c.Friends.AcceptMode == AcceptTransactional && c.Store.Backend == BackendRedis {
		return errors.New("friends.accept_mode transactional is not supported by the redis backend")
	}

	// Status
	if c.Status.TTLHours <= 0 {
		return errors.New("status.ttl_hours must be > 0")
	}

	// Blob
	if ep := strings.TrimSpace(c.Blob.Endpoint); ep != "" {
		if strings.Contains(ep, "://") {
			return errors.New("blob.endpoint must be host:port without a scheme")
		}
		if strings.TrimSpace(c.Blob.Bucket) == "" {
			return errors.New("blob.bucket is required when blob.endpoint is set")
		}
		if c.Blob.PublicURL != "" {
			if u, err := url.Parse(c.Blob.PublicURL); err != nil || u.Host == "" {
				return errors.New("blob.public_url must be an absolute url")
			}
		}
	}

	// Viewer
	if c.Viewer.HTTPAddr != "" {
		if _, _, err := net.SplitHostPort(c.Viewer.HTTPAddr); err != nil {
			return fmt.Errorf("viewer.http_addr: %w", err)
		}
	}
	if c.Viewer.RateLimitPerSec < 0 || c.Viewer.RateLimitBurst < 0 {
		return errors.New("viewer rate limits must be >= 0")
	}

	// Log
	if _, err := logging.LevelFromString(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}

	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file
// for userID. Returns (cfg, createdNew, err).
func Ensure(path, userID string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	cfg.Identity.UserID = userID
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}

package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	yaml "gopkg.in/yaml.v3"

	"github.com/park285/pvp-chess-server/internal/obslog"
)

// LogConfig mirrors obslog.Config.
type LogConfig struct {
	Level   string `yaml:"level" env:"LOG_LEVEL"`
	Format  string `yaml:"format" env:"LOG_FORMAT"`
	Console bool   `yaml:"console" env:"LOG_TO_CONSOLE"`
	File    bool   `yaml:"file" env:"LOG_TO_FILE"`
	Path    string `yaml:"path" env:"LOG_FILE"`
	Caller  bool   `yaml:"caller" env:"LOG_CALLER"`
}

// AppConfig holds every runtime knob of the chess server.
// 우선순위: 코드 기본값 < YAML 파일 < 환경변수
type AppConfig struct {
	ListenAddr string `yaml:"listenAddr" env:"LISTEN_ADDR"`
	RedisURL   string `yaml:"redisUrl" env:"REDIS_URL"`
	NodeID     string `yaml:"nodeId" env:"NODE_ID"`

	RatingLowMax  int           `yaml:"ratingTierLowMax" env:"RATING_TIER_LOW_MAX"`
	RatingHighMin int           `yaml:"ratingTierHighMin" env:"RATING_TIER_HIGH_MIN"`
	WidenAfter    time.Duration `yaml:"matchWidenAfter" env:"MATCH_WIDEN_AFTER"`
	MatchInterval time.Duration `yaml:"matchInterval" env:"MATCH_INTERVAL"`

	HeartbeatDelay    time.Duration `yaml:"heartbeatDelay" env:"HEARTBEAT_DELAY"`
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval" env:"HEARTBEAT_INTERVAL"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeatTimeout" env:"HEARTBEAT_TIMEOUT"`
	ReconnectGrace    time.Duration `yaml:"reconnectGrace" env:"RECONNECT_GRACE"`
	SendTimeout       time.Duration `yaml:"sendTimeout" env:"SEND_TIMEOUT"`

	MessagesDir string `yaml:"messagesDir" env:"MESSAGES_DIR"`

	Log LogConfig `yaml:"log"`
}

// Defaults returns the built-in configuration.
func Defaults() AppConfig {
	return AppConfig{
		ListenAddr:        ":8080",
		RatingLowMax:      1000,
		RatingHighMin:     2000,
		WidenAfter:        5 * time.Second,
		MatchInterval:     time.Second,
		HeartbeatDelay:    2 * time.Second,
		HeartbeatInterval: 10 * time.Second,
		HeartbeatTimeout:  30 * time.Second,
		ReconnectGrace:    30 * time.Second,
		SendTimeout:       5 * time.Second,
		Log: LogConfig{
			Level:   "info",
			Format:  "legacy",
			Console: true,
		},
	}
}

// Load builds the configuration. path may be empty.
func Load(path string) (*AppConfig, error) {
	cfg := Defaults()
	if p := strings.TrimSpace(path); p != "" {
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", p, err)
		}
	}
	// envDefault 태그는 쓰지 않는다. 설정되지 않은 변수는 YAML 값을 덮어쓰지 않음
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.trim()
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *AppConfig) trim() {
	c.ListenAddr = strings.TrimSpace(c.ListenAddr)
	c.RedisURL = strings.TrimSpace(c.RedisURL)
	c.NodeID = strings.TrimSpace(c.NodeID)
	c.MessagesDir = strings.TrimSpace(c.MessagesDir)
}

func (c *AppConfig) Validate() error {
	var errs []error
	if c.RedisURL == "" {
		errs = append(errs, errors.New("REDIS_URL is required"))
	}
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("LISTEN_ADDR must not be empty"))
	}
	if c.RatingLowMax < 0 || c.RatingHighMin <= c.RatingLowMax {
		errs = append(errs, fmt.Errorf("rating tiers: need 0 <= low max (%d) < high min (%d)", c.RatingLowMax, c.RatingHighMin))
	}
	for name, d := range map[string]time.Duration{
		"MATCH_WIDEN_AFTER":  c.WidenAfter,
		"MATCH_INTERVAL":     c.MatchInterval,
		"HEARTBEAT_DELAY":    c.HeartbeatDelay,
		"HEARTBEAT_INTERVAL": c.HeartbeatInterval,
		"HEARTBEAT_TIMEOUT":  c.HeartbeatTimeout,
		"RECONNECT_GRACE":    c.ReconnectGrace,
		"SEND_TIMEOUT":       c.SendTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.HeartbeatTimeout > 0 && c.HeartbeatTimeout <= c.HeartbeatInterval {
		errs = append(errs, fmt.Errorf("HEARTBEAT_TIMEOUT (%s) must exceed HEARTBEAT_INTERVAL (%s)", c.HeartbeatTimeout, c.HeartbeatInterval))
	}
	return errors.Join(errs...)
}

// LogOptions converts the log block for obslog.Init.
func (c *AppConfig) LogOptions() obslog.Config {
	return obslog.Config{
		Level:   c.Log.Level,
		Format:  c.Log.Format,
		Console: c.Log.Console,
		File:    c.Log.File,
		Path:    c.Log.Path,
		Caller:  c.Log.Caller,
		Node:    c.NodeID,
	}
}

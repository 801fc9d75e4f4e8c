package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment overrides, applied after the file is read.
const (
	EnvAPIURL    = "LABTERM_API_URL"
	EnvStreamURL = "LABTERM_STREAM_URL"
	EnvToken     = "LABTERM_TOKEN"
	EnvUserID    = "LABTERM_USER_ID"
)

type Config struct {
	API      APIConfig      `yaml:"api"`
	Stream   StreamConfig   `yaml:"stream"`
	Terminal TerminalConfig `yaml:"terminal"`
	Auth     AuthConfig     `yaml:"auth"`
	UI       UIConfig       `yaml:"ui"`
	Log      LogConfig      `yaml:"log"`
}

type APIConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type StreamConfig struct {
	// BaseURL is used when the create response carries no socketUrl.
	BaseURL          string        `yaml:"base_url"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

type TerminalConfig struct {
	AuthCloseCodes []int  `yaml:"auth_close_codes"`
	DetachKey      string `yaml:"detach_key"`
	BacklogBytes   int    `yaml:"backlog_bytes"`
	SendQueue      int    `yaml:"send_queue"`
}

type AuthConfig struct {
	CredentialsFile string `yaml:"credentials_file"`
	// Token and UserID bypass the credentials file when both are set.
	Token  string `yaml:"token"`
	UserID int64  `yaml:"user_id"`
}

type UIConfig struct {
	AttachDelay   time.Duration `yaml:"attach_delay"`
	RedirectDelay time.Duration `yaml:"redirect_delay"`
	QuoteInterval time.Duration `yaml:"quote_interval"`
}

type LogConfig struct {
	File string `yaml:"file"`
}

func defaultConfig() *Config {
	return &Config{
		API: APIConfig{
			BaseURL: "http://127.0.0.1:9998/api",
			Timeout: 15 * time.Second,
		},
		Stream: StreamConfig{
			BaseURL:          "ws://127.0.0.1:9998",
			HandshakeTimeout: 10 * time.Second,
		},
		Terminal: TerminalConfig{
			AuthCloseCodes: []int{1006, 1002},
			DetachKey:      "ctrl+]",
			BacklogBytes:   64 << 10,
			SendQueue:      256,
		},
		Auth: AuthConfig{
			CredentialsFile: defaultCredentialsFile(),
		},
		UI: UIConfig{
			AttachDelay:   1500 * time.Millisecond,
			RedirectDelay: 2 * time.Second,
			QuoteInterval: 8 * time.Second,
		},
		Log: LogConfig{
			File: filepath.Join(os.TempDir(), "labterm.log"),
		},
	}
}

// Default returns the built-in configuration with environment overrides
// applied.
func Default() *Config {
	cfg := defaultConfig()
	cfg.applyEnv()
	return cfg
}

// Load reads the YAML file at path on top of the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault is Load, falling back to Default when path does not exist.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return errors.New("api.base_url is required")
	}
	if c.Stream.BaseURL == "" {
		return errors.New("stream.base_url is required")
	}
	for _, code := range c.Terminal.AuthCloseCodes {
		if code < 1000 || code > 4999 {
			return fmt.Errorf("terminal.auth_close_codes: %d is not a websocket close code", code)
		}
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvAPIURL); v != "" {
		c.API.BaseURL = v
	}
	if v := os.Getenv(EnvStreamURL); v != "" {
		c.Stream.BaseURL = v
	}
	if v := os.Getenv(EnvToken); v != "" {
		c.Auth.Token = v
	}
	if v := os.Getenv(EnvUserID); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Auth.UserID = id
		}
	}
}

// DefaultPath is ~/.config/labterm/config.yaml.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "labterm.yaml"
	}
	return filepath.Join(dir, "labterm", "config.yaml")
}

func defaultCredentialsFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "credentials.yaml"
	}
	return filepath.Join(dir, "labterm", "credentials.yaml")
}

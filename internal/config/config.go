package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/iambrandonn/scrap/internal/correlator"
	"github.com/iambrandonn/scrap/internal/fsutil"
)

// Poll bounds applied to configured values
const (
	MinPollIntervalMs = 2000
	MinPollTimeoutMs  = 15000
	MaxPollTimeoutMs  = 600000
)

// Config represents the scrap backend configuration
type Config struct {
	LogLevel string   `json:"log_level" yaml:"log_level"`
	Server   Server   `json:"server" yaml:"server"`
	Poke     Poke     `json:"poke" yaml:"poke"`
	Messages Messages `json:"messages" yaml:"messages"`
	Pending  Pending  `json:"pending" yaml:"pending"`
	Journal  Journal  `json:"journal" yaml:"journal"`
}

// Server contains HTTP listener settings
type Server struct {
	Port        int      `json:"port" yaml:"port"`
	CORSOrigins []string `json:"cors_origins" yaml:"cors_origins"`
}

// Poke contains agent dispatch and reply polling settings
type Poke struct {
	APIKey           string  `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	WebhookURL       string  `json:"webhook_url" yaml:"webhook_url"`
	PollIntervalMs   int     `json:"poll_interval_ms" yaml:"poll_interval_ms"`
	PollTimeoutMs    int     `json:"poll_timeout_ms" yaml:"poll_timeout_ms"`
	FirstPollDelayMs int     `json:"first_poll_delay_ms" yaml:"first_poll_delay_ms"`
	Contact          string  `json:"contact" yaml:"contact"`
	ReplyWindowHours int     `json:"reply_window_hours" yaml:"reply_window_hours"`
	DispatchRPS      float64 `json:"dispatch_rps" yaml:"dispatch_rps"`
}

// Messages contains settings for the local Messages helper scripts
type Messages struct {
	Dir      string   `json:"dir" yaml:"dir"`
	Command  []string `json:"command" yaml:"command"`
	TimeoutS int      `json:"timeout_s" yaml:"timeout_s"`
}

// Pending contains garbage collection settings for abandoned request ids
type Pending struct {
	TTLMinutes    int    `json:"ttl_minutes" yaml:"ttl_minutes"`
	SweepSchedule string `json:"sweep_schedule" yaml:"sweep_schedule"`
}

// Journal contains the lifecycle audit log location (empty disables it)
type Journal struct {
	Path string `json:"path" yaml:"path"`
}

// GenerateDefault creates a new Config with default values
func GenerateDefault() *Config {
	return &Config{
		LogLevel: "info",
		Server: Server{
			Port:        3000,
			CORSOrigins: []string{"*"},
		},
		Poke: Poke{
			WebhookURL:       "https://poke.com/api/v1/inbound-sms/webhook",
			PollIntervalMs:   5000,
			PollTimeoutMs:    180000,
			FirstPollDelayMs: 5000,
			Contact:          "Poke",
			ReplyWindowHours: 1,
			DispatchRPS:      1,
		},
		Messages: Messages{
			Dir:      "mac_messages_mcp",
			Command:  []string{"uv", "run", "python"},
			TimeoutS: 30,
		},
		Pending: Pending{
			TTLMinutes:    24 * 60,
			SweepSchedule: "@every 10m",
		},
	}
}

// Load builds the effective configuration: defaults, then the optional
// config file, then environment overrides, then clamping.
func Load(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := GenerateDefault()
	if path != "" {
		loaded, err := LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if err := cfg.ApplyEnv(lookup); err != nil {
		return nil, err
	}
	cfg.Normalize()
	return cfg, nil
}

// LoadEnvFiles loads KEY=VALUE files into the process environment without
// overriding variables that are already set. Missing files are skipped.
func LoadEnvFiles(paths ...string) error {
	for _, path := range paths {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("failed to load env file %s: %w", path, err)
		}
	}
	return nil
}

// ApplyEnv overrides settings from environment variables
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	ints := []struct {
		key    string
		target *int
	}{
		{"PORT", &c.Server.Port},
		{"POKE_POLL_INTERVAL_MS", &c.Poke.PollIntervalMs},
		{"POKE_POLL_TIMEOUT_MS", &c.Poke.PollTimeoutMs},
		{"POKE_FIRST_POLL_DELAY_MS", &c.Poke.FirstPollDelayMs},
		{"POKE_REPLY_WINDOW_HOURS", &c.Poke.ReplyWindowHours},
		{"MESSAGES_TIMEOUT_S", &c.Messages.TimeoutS},
	}
	for _, item := range ints {
		if v, ok := get(item.key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("configuration error: %s=%q is not an integer", item.key, v)
			}
			*item.target = n
		}
	}

	if v, ok := get("POKE_API_KEY"); ok {
		c.Poke.APIKey = v
	}
	if v, ok := get("POKE_WEBHOOK_URL"); ok {
		c.Poke.WebhookURL = v
	}
	if v, ok := get("POKE_MESSAGES_CONTACT"); ok {
		c.Poke.Contact = v
	}
	if v, ok := get("POKE_DISPATCH_RPS"); ok {
		rps, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("configuration error: POKE_DISPATCH_RPS=%q is not a number", v)
		}
		c.Poke.DispatchRPS = rps
	}
	if v, ok := get("MCP_DIR"); ok {
		c.Messages.Dir = v
	}
	if v, ok := get("MESSAGES_RUNNER"); ok {
		c.Messages.Command = strings.Fields(v)
	}
	if v, ok := get("PENDING_TTL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("configuration error: PENDING_TTL=%q is not a duration\n\nHint: use Go duration syntax, e.g. PENDING_TTL=24h", v)
		}
		if d < 0 || d%time.Minute != 0 {
			return fmt.Errorf("configuration error: PENDING_TTL=%q must be zero or a whole number of minutes\n\nHint: abandoned ids are swept at minute granularity, e.g. PENDING_TTL=30m (0 disables sweeping)", v)
		}
		c.Pending.TTLMinutes = int(d / time.Minute)
	}
	if v, ok := get("PENDING_SWEEP"); ok {
		c.Pending.SweepSchedule = v
	}
	if v, ok := get("SCRAP_JOURNAL"); ok {
		c.Journal.Path = v
	}
	if v, ok := get("LOG_LEVEL"); ok {
		c.LogLevel = v
	}
	return nil
}

// Normalize clamps poll settings into their supported ranges
func (c *Config) Normalize() {
	if c.Poke.PollIntervalMs < MinPollIntervalMs {
		c.Poke.PollIntervalMs = MinPollIntervalMs
	}
	if c.Poke.PollTimeoutMs < MinPollTimeoutMs {
		c.Poke.PollTimeoutMs = MinPollTimeoutMs
	}
	if c.Poke.PollTimeoutMs > MaxPollTimeoutMs {
		c.Poke.PollTimeoutMs = MaxPollTimeoutMs
	}
	if c.Poke.FirstPollDelayMs < 0 {
		c.Poke.FirstPollDelayMs = 0
	}
	if c.Poke.ReplyWindowHours < 1 {
		c.Poke.ReplyWindowHours = 1
	}
	if strings.TrimSpace(c.Poke.Contact) == "" {
		c.Poke.Contact = "Poke"
	}
	if c.Messages.TimeoutS <= 0 {
		c.Messages.TimeoutS = 30
	}
}

// Validate checks the configuration for errors and returns user-friendly error messages
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("configuration error: invalid 'server.port' value: %d\n\nHint: Use a TCP port between 1 and 65535, e.g.\n  PORT=3000", c.Server.Port)
	}

	u, err := url.Parse(c.Poke.WebhookURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("configuration error: invalid 'poke.webhook_url' value: %q\n\nHint: Use an absolute http(s) URL, e.g.\n  POKE_WEBHOOK_URL=https://poke.com/api/v1/inbound-sms/webhook", c.Poke.WebhookURL)
	}

	if len(c.Messages.Command) == 0 {
		return fmt.Errorf("configuration error: 'messages.command' is empty\n\nHint: Specify how to launch the helper scripts:\n  \"messages\": {\n    \"command\": [\"uv\", \"run\", \"python\"]\n  }")
	}

	if c.Pending.TTLMinutes > 0 {
		if c.PendingTTL() < c.PollConfig().Timeout {
			return fmt.Errorf("configuration error: 'pending.ttl_minutes' (%d) is shorter than the poll timeout (%s)\n\nHint: Abandoned ids must outlive the request that created them, e.g.\n  PENDING_TTL=24h", c.Pending.TTLMinutes, c.PollConfig().Timeout)
		}
		if _, err := cron.ParseStandard(c.Pending.SweepSchedule); err != nil {
			return fmt.Errorf("configuration error: invalid 'pending.sweep_schedule' %q: %v\n\nHint: Use a cron expression or descriptor, e.g.\n  PENDING_SWEEP=\"@every 10m\"", c.Pending.SweepSchedule, err)
		}
	}

	return nil
}

// PollConfig converts the poke settings for the correlator
func (c *Config) PollConfig() correlator.PollConfig {
	return correlator.PollConfig{
		Interval:    time.Duration(c.Poke.PollIntervalMs) * time.Millisecond,
		Timeout:     time.Duration(c.Poke.PollTimeoutMs) * time.Millisecond,
		FirstDelay:  time.Duration(c.Poke.FirstPollDelayMs) * time.Millisecond,
		Identity:    c.Poke.Contact,
		WindowHours: c.Poke.ReplyWindowHours,
	}
}

// PendingTTL returns how long an unresolved id is kept (0 keeps it forever)
func (c *Config) PendingTTL() time.Duration {
	return time.Duration(c.Pending.TTLMinutes) * time.Minute
}

// MessagesTimeout returns the per-query helper script limit
func (c *Config) MessagesTimeout() time.Duration {
	return time.Duration(c.Messages.TimeoutS) * time.Second
}

// LoadFromFile loads a configuration from a JSON, JSONC or YAML file. Fields
// absent from the file keep their default values.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg := GenerateDefault()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(jsonc.ToJSON(data), cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return cfg, nil
}

// SaveToFile writes the configuration as JSON with 0600 permissions; the
// file may hold the Poke API key
func (c *Config) SaveToFile(path string) error {
	if err := fsutil.AtomicWriteJSON(path, c); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}
	return nil
}

// Package config loads bot configuration from a JSON5 file with env
// overrides. Secrets (bot token, signing secret) are env-only and never
// read from or written to the file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/titanous/json5"
)

// Config is the root configuration.
type Config struct {
	Telegram   TelegramConfig  `json:"telegram"`
	Channel    ChannelConfig   `json:"channel"`
	AppBaseURL string          `json:"app_base_url,omitempty"`
	AdminIDs   []int64         `json:"admin_ids,omitempty"`
	Limits     LimitsConfig    `json:"limits"`
	Retention  RetentionConfig `json:"retention"`
	Polling    PollingConfig   `json:"polling"`
	Database   DatabaseConfig  `json:"database"`

	// Secret signs callback tokens. From env WHISPERBOT_SECRET only.
	Secret string `json:"-"`
}

// TelegramConfig holds the bot connection settings.
type TelegramConfig struct {
	Token    string `json:"-"`                  // from env WHISPERBOT_TOKEN only
	Username string `json:"username,omitempty"` // optional; resolved via GetMe when empty
	Proxy    string `json:"proxy,omitempty"`
}

// ChannelConfig configures the required-membership gate.
type ChannelConfig struct {
	RequireJoin bool   `json:"require_join"`
	Username    string `json:"username,omitempty"` // "@channel" or numeric id
	URL         string `json:"url,omitempty"`      // join link; derived from username when empty
}

// GateChannelID returns the channel the gate checks, empty when disabled.
func (c ChannelConfig) GateChannelID() string {
	if !c.RequireJoin {
		return ""
	}
	return c.Username
}

// JoinURL returns the link shown on join prompts.
func (c ChannelConfig) JoinURL() string {
	if c.URL != "" {
		return c.URL
	}
	if name := strings.TrimPrefix(c.Username, "@"); name != "" {
		return "https://t.me/" + name
	}
	return ""
}

// LimitsConfig holds abuse limits and payload bounds. Zero disables an
// individual abuse limit.
type LimitsConfig struct {
	SenderPerMinute        int `json:"sender_per_minute"`
	SenderPerHour          int `json:"sender_per_hour"`
	TargetPerMinute        int `json:"target_per_minute"`
	DuplicateWindowSeconds int `json:"duplicate_window_seconds"`
	MaxTextLength          int `json:"max_text_length"`     // 100-4096
	MaxCaptionLength       int `json:"max_caption_length"`  // 50-1024
	MaxPhotoSizeMB         int `json:"max_photo_size_mb"`   // 1-20
}

// RetentionConfig controls message pruning.
type RetentionConfig struct {
	Days       int    `json:"days"`                  // 1-3650
	Schedule   string `json:"schedule,omitempty"`    // optional cron expression
	MarkerPath string `json:"marker_path,omitempty"` // last-sweep marker file
}

// PollingConfig tunes the update loop.
type PollingConfig struct {
	TimeoutSeconds   int    `json:"timeout_seconds"`    // 1-50
	IdleSleepSeconds int    `json:"idle_sleep_seconds"` // pause after an empty batch
	OffsetPath       string `json:"offset_path"`        // update cursor file
}

// DatabaseConfig locates the SQLite file.
type DatabaseConfig struct {
	Path string `json:"path"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Channel: ChannelConfig{RequireJoin: false},
		Limits: LimitsConfig{
			SenderPerMinute:        3,
			SenderPerHour:          20,
			TargetPerMinute:        25,
			DuplicateWindowSeconds: 120,
			MaxTextLength:          2000,
			MaxCaptionLength:       900,
			MaxPhotoSizeMB:         10,
		},
		Retention: RetentionConfig{
			Days:       90,
			MarkerPath: "whisperbot.sweep",
		},
		Polling: PollingConfig{
			TimeoutSeconds:   25,
			IdleSleepSeconds: 1,
			OffsetPath:       "whisperbot.offset",
		},
		Database: DatabaseConfig{Path: "whisperbot.db"},
	}
}

// Load reads config from a JSON5 file, then overlays env vars and clamps
// out-of-range values. A missing file is fine; a missing signing secret
// is not.
func Load(path string) (*Config, error) {
	// A .env next to the binary feeds the env overlay; absence is normal.
	_ = godotenv.Load()

	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.clamp()

	if cfg.Secret == "" {
		return nil, fmt.Errorf("WHISPERBOT_SECRET is not set; refusing to start with unsigned buttons")
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("WHISPERBOT_TOKEN", &c.Telegram.Token)
	envStr("WHISPERBOT_SECRET", &c.Secret)
	envStr("WHISPERBOT_PROXY", &c.Telegram.Proxy)
	envStr("WHISPERBOT_DB", &c.Database.Path)

	if v := os.Getenv("WHISPERBOT_CHANNEL"); v != "" {
		c.Channel.Username = v
		c.Channel.RequireJoin = true
	}
	if v := os.Getenv("WHISPERBOT_ADMINS"); v != "" {
		var admins []int64
		for _, part := range strings.Split(v, ",") {
			id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
			if err == nil && id > 0 {
				admins = append(admins, id)
			}
		}
		c.AdminIDs = admins
	}
	if v := os.Getenv("WHISPERBOT_RETENTION_DAYS"); v != "" {
		if days, err := strconv.Atoi(v); err == nil {
			c.Retention.Days = days
		}
	}
}

// clamp forces every numeric knob into its valid range rather than
// rejecting the config.
func (c *Config) clamp() {
	clampInt(&c.Polling.TimeoutSeconds, 1, 50)
	clampInt(&c.Polling.IdleSleepSeconds, 0, 60)
	clampInt(&c.Limits.MaxTextLength, 100, 4096)
	clampInt(&c.Limits.MaxCaptionLength, 50, 1024)
	clampInt(&c.Limits.MaxPhotoSizeMB, 1, 20)
	clampInt(&c.Retention.Days, 1, 3650)

	clampMin(&c.Limits.SenderPerMinute, 0)
	clampMin(&c.Limits.SenderPerHour, 0)
	clampMin(&c.Limits.TargetPerMinute, 0)
	clampMin(&c.Limits.DuplicateWindowSeconds, 0)
}

func clampInt(v *int, lo, hi int) {
	if *v < lo {
		*v = lo
	}
	if *v > hi {
		*v = hi
	}
}

func clampMin(v *int, lo int) {
	if *v < lo {
		*v = lo
	}
}

// MaxPhotoBytes converts the MB knob for the messaging engine.
func (c *Config) MaxPhotoBytes() int64 {
	return int64(c.Limits.MaxPhotoSizeMB) << 20
}

// Package config provides YAML-based configuration loading for Ticketline.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Ticketline configuration, loaded from config.yaml.
type Config struct {
	Tenants   []TenantConfig  `yaml:"tenants"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Dashboard DashboardConfig `yaml:"dashboard"`
}

// TenantConfig describes one independent guild deployment: one gateway
// connection, one ticket registry, one timer set, one delivery queue.
type TenantConfig struct {
	Name    string        `yaml:"name"`
	Discord DiscordConfig `yaml:"discord"`
	Tickets TicketsConfig `yaml:"tickets"`
	Slack   SlackConfig   `yaml:"slack"`
	Queue   QueueConfig   `yaml:"queue"`

	StateFile       string `yaml:"state_file"`
	AutosaveSeconds int    `yaml:"autosave_seconds"`
	DigestCron      string `yaml:"digest_cron"` // 5-field cron; empty disables the daily digest
}

// DiscordConfig holds gateway and REST credentials for one tenant.
//
// AuthMode selects the identify payload shape. "bot" is the supported,
// privileged service identity. "user" connects with a personal account
// token; that mode relies on lazy channel subscription and is restricted
// by the platform's terms of service.
type DiscordConfig struct {
	Token    string `yaml:"token"`
	AuthMode string `yaml:"auth_mode"` // "bot" (default) or "user"
	GuildID  string `yaml:"guild_id"`
}

// TicketsConfig holds the classification and timing rules for ticket channels.
type TicketsConfig struct {
	CategoryID          string   `yaml:"category_id"`
	NamePrefixes        []string `yaml:"name_prefixes"`
	StaffRoleIDs        []string `yaml:"staff_role_ids"`
	ClosingPhrases      []string `yaml:"closing_phrases"`
	CheckMinutes        int      `yaml:"check_minutes"`         // no-reply window after a staff message; <=0 disables
	ClosingCheckMinutes int      `yaml:"closing_check_minutes"` // longer window after a closing phrase
}

// SlackConfig holds the operator notification destination.
type SlackConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// QueueConfig holds delivery pacing and retry settings.
type QueueConfig struct {
	RateLimitMs int `yaml:"rate_limit_ms"` // minimum gap between sends
	RetryLimit  int `yaml:"retry_limit"`   // attempts before an item is dropped
	BaseRetryMs int `yaml:"base_retry_ms"` // escalating retry delay base
}

// ArchiveConfig selects the durable store for closed tickets and message logs.
type ArchiveConfig struct {
	Driver string `yaml:"driver"` // "sqlite" (default) or "mysql"
	DSN    string `yaml:"dsn"`
}

// DashboardConfig holds the read-only HTTP API settings.
type DashboardConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Archive.Driver == "" {
		c.Archive.Driver = "sqlite"
	}
	if c.Archive.Driver == "sqlite" && c.Archive.DSN == "" {
		c.Archive.DSN = "ticketline.db"
	}
	if c.Dashboard.Port == 0 {
		c.Dashboard.Port = 8080
	}
	for i := range c.Tenants {
		t := &c.Tenants[i]
		if t.Discord.AuthMode == "" {
			t.Discord.AuthMode = "bot"
		}
		if len(t.Tickets.NamePrefixes) == 0 {
			t.Tickets.NamePrefixes = []string{"ticket"}
		}
		if t.Tickets.CheckMinutes == 0 {
			t.Tickets.CheckMinutes = 10
		}
		if t.Tickets.ClosingCheckMinutes == 0 {
			t.Tickets.ClosingCheckMinutes = 60
		}
		if t.Queue.RateLimitMs == 0 {
			t.Queue.RateLimitMs = 1100
		}
		if t.Queue.RetryLimit == 0 {
			t.Queue.RetryLimit = 3
		}
		if t.Queue.BaseRetryMs == 0 {
			t.Queue.BaseRetryMs = 2000
		}
		if t.StateFile == "" && t.Name != "" {
			t.StateFile = "state-" + t.Name + ".json"
		}
		if t.AutosaveSeconds == 0 {
			t.AutosaveSeconds = 60
		}
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if len(c.Tenants) == 0 {
		errs = append(errs, "at least one tenant is required")
	}
	seen := map[string]bool{}
	for i, t := range c.Tenants {
		if t.Name == "" {
			errs = append(errs, fmt.Sprintf("tenants[%d].name is required", i))
		} else if seen[t.Name] {
			errs = append(errs, fmt.Sprintf("tenants[%d].name %q is duplicated", i, t.Name))
		}
		seen[t.Name] = true
		if t.Discord.Token == "" {
			errs = append(errs, fmt.Sprintf("tenants[%d].discord.token is required", i))
		}
		if t.Discord.GuildID == "" {
			errs = append(errs, fmt.Sprintf("tenants[%d].discord.guild_id is required", i))
		}
		if t.Discord.AuthMode != "bot" && t.Discord.AuthMode != "user" {
			errs = append(errs, fmt.Sprintf("tenants[%d].discord.auth_mode must be \"bot\" or \"user\"", i))
		}
		if t.Tickets.CategoryID == "" {
			errs = append(errs, fmt.Sprintf("tenants[%d].tickets.category_id is required", i))
		}
		if len(t.Tickets.StaffRoleIDs) == 0 {
			errs = append(errs, fmt.Sprintf("tenants[%d].tickets.staff_role_ids is required", i))
		}
		if t.Slack.BotToken == "" {
			errs = append(errs, fmt.Sprintf("tenants[%d].slack.bot_token is required", i))
		}
		if t.Slack.ChannelID == "" {
			errs = append(errs, fmt.Sprintf("tenants[%d].slack.channel_id is required", i))
		}
	}
	if c.Archive.Driver != "sqlite" && c.Archive.Driver != "mysql" {
		errs = append(errs, "archive.driver must be \"sqlite\" or \"mysql\"")
	}
	if c.Archive.Driver == "mysql" && c.Archive.DSN == "" {
		errs = append(errs, "archive.dsn is required for mysql")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

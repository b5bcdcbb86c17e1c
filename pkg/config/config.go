// Package config loads leavebot configuration from a YAML file with
// environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	// Server
	Port      int    `yaml:"port"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Redis (durable reference store)
	Redis RedisConfig `yaml:"redis"`

	// DevRev (ticketing backend)
	DevRev DevRevConfig `yaml:"devrev"`

	// Bot identity (chat transport)
	Bot BotConfig `yaml:"bot"`

	// DirectoryRefresh is the cron schedule for the approver directory
	// refresh job (empty disables it).
	DirectoryRefresh string `yaml:"directory_refresh"`
}

// RedisConfig holds durable-store connection settings.
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Addr returns the host:port address for the Redis client.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// DevRevConfig holds ticketing-backend settings.
type DevRevConfig struct {
	// APIToken authenticates against the DevRev API. When empty, ticket
	// creation is disabled and operations return a configuration error.
	APIToken string `yaml:"api_token"`
	BaseURL  string `yaml:"base_url"`
	// WorkItemType selects the backend flavor: "custom_object" or "ticket".
	WorkItemType string `yaml:"work_item_type"`
	TicketType   string `yaml:"ticket_type"`
	// TicketSubtype is applied only when it is a DevRev subtype ID
	// (don: prefix), not a bare string.
	TicketSubtype  string `yaml:"ticket_subtype"`
	DefaultPartID  string `yaml:"default_part_id"`
	SchemaFragment string `yaml:"custom_schema_fragment"`
}

// BotConfig holds the bot's transport credentials.
type BotConfig struct {
	AppID       string `yaml:"app_id"`
	AppPassword string `yaml:"app_password"`
	TenantID    string `yaml:"tenant_id"`
	// ServiceURL is the fallback transport endpoint used when a stored
	// reference carries none.
	ServiceURL string `yaml:"service_url"`
}

// Load reads configuration from an optional YAML file and applies
// environment overrides and defaults. A missing file is not an error; the
// environment alone is a complete configuration source.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.LogFormat, "LOG_FORMAT")
	setInt(&c.Port, "PORT")

	setString(&c.Redis.Host, "REDIS_HOST")
	setInt(&c.Redis.Port, "REDIS_PORT")
	setString(&c.Redis.Password, "REDIS_PASSWORD")
	setInt(&c.Redis.DB, "REDIS_DB")

	setString(&c.DevRev.APIToken, "DEVREV_API_TOKEN")
	setString(&c.DevRev.BaseURL, "DEVREV_API_BASE_URL")
	setString(&c.DevRev.WorkItemType, "DEVREV_WORK_ITEM_TYPE")
	setString(&c.DevRev.TicketType, "DEVREV_TICKET_TYPE")
	setString(&c.DevRev.TicketSubtype, "DEVREV_TICKET_SUBTYPE")
	setString(&c.DevRev.DefaultPartID, "DEVREV_DEFAULT_PART_ID")
	setString(&c.DevRev.SchemaFragment, "DEVREV_CUSTOM_SCHEMA_FRAGMENT")

	setString(&c.Bot.AppID, "MICROSOFT_APP_ID")
	setString(&c.Bot.AppPassword, "MICROSOFT_APP_PASSWORD")
	setString(&c.Bot.TenantID, "MICROSOFT_APP_TENANT_ID")
	setString(&c.Bot.ServiceURL, "BOT_SERVICE_URL")
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = 3978
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Redis.Host == "" {
		c.Redis.Host = "localhost"
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}
	if c.DevRev.BaseURL == "" {
		c.DevRev.BaseURL = "https://api.devrev.ai"
	}
	if c.DevRev.WorkItemType == "" {
		c.DevRev.WorkItemType = "custom_object"
	}
	if c.DevRev.TicketType == "" {
		c.DevRev.TicketType = "ticket"
	}
	if c.DirectoryRefresh == "" {
		c.DirectoryRefresh = "@every 6h"
	}
}

// Validate checks settings that would otherwise fail at first use. A missing
// DevRev token is deliberately not an error here: it downgrades ticket
// creation to a configuration-error reply instead of preventing startup.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.DevRev.WorkItemType != "custom_object" && c.DevRev.WorkItemType != "ticket" {
		return fmt.Errorf("invalid work_item_type: %q", c.DevRev.WorkItemType)
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			*dst = i
		}
	}
}

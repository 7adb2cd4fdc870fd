// Package config provides YAML-based configuration loading for Panelyard.
package config

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Supported database drivers.
const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite"
)

// Config is the top-level Panelyard configuration, loaded from panelyard.yaml.
// Secrets and deploy-time knobs can be overridden from the environment.
type Config struct {
	Database   DatabaseConfig  `yaml:"database"`
	Server     ServerConfig    `yaml:"server"`
	Incentives IncentiveConfig `yaml:"incentives"`
	Analyzer   AnalyzerConfig  `yaml:"analyzer"`
	Worker     WorkerConfig    `yaml:"worker"`
	Notify     NotifyConfig    `yaml:"notify"`
	Seed       SeedConfig      `yaml:"seed"`
}

// DatabaseConfig holds connection settings for the backing store.
type DatabaseConfig struct {
	Driver   string `yaml:"driver" env:"PANEL_DB_DRIVER"`
	Host     string `yaml:"host" env:"PANEL_DB_HOST"`
	Port     int    `yaml:"port" env:"PANEL_DB_PORT"`
	User     string `yaml:"user" env:"PANEL_DB_USER"`
	Password string `yaml:"password" env:"PANEL_DB_PASSWORD"`
	Name     string `yaml:"name" env:"PANEL_DB_NAME"`
	Path     string `yaml:"path" env:"PANEL_DB_PATH"` // sqlite file
}

// ServerConfig holds HTTP API settings.
type ServerConfig struct {
	Port int `yaml:"port" env:"PANEL_SERVER_PORT"`
}

// IncentiveConfig holds payout defaults.
type IncentiveConfig struct {
	DefaultAmount string `yaml:"default_amount" env:"PANEL_INCENTIVE_DEFAULT_AMOUNT"`
	Currency      string `yaml:"currency"`
}

// Amount parses DefaultAmount.
func (c IncentiveConfig) Amount() (decimal.Decimal, error) {
	d, err := decimal.NewFromString(c.DefaultAmount)
	if err != nil {
		return decimal.Zero, fmt.Errorf("config: incentives.default_amount %q: %w", c.DefaultAmount, err)
	}
	return d, nil
}

// AnalyzerConfig points at the external transcript analysis service.
type AnalyzerConfig struct {
	URL          string        `yaml:"url" env:"PANEL_ANALYZER_URL"`
	Timeout      time.Duration `yaml:"timeout"`
	TokenURL     string        `yaml:"token_url"`
	ClientID     string        `yaml:"client_id" env:"PANEL_ANALYZER_CLIENT_ID"`
	ClientSecret string        `yaml:"client_secret" env:"PANEL_ANALYZER_CLIENT_SECRET"`
	Scopes       []string      `yaml:"scopes"`
}

// WorkerConfig controls the background scheduler. Schedules are cron
// expressions; "@every 10s" style descriptors are accepted.
type WorkerConfig struct {
	OutboxSchedule   string        `yaml:"outbox_schedule"`
	AnalysisSchedule string        `yaml:"analysis_schedule"`
	RepairSchedule   string        `yaml:"repair_schedule"`
	DigestSchedule   string        `yaml:"digest_schedule"`
	BatchSize        int           `yaml:"batch_size"`
	MaxAttempts      int           `yaml:"max_attempts"`
	BaseBackoff      time.Duration `yaml:"base_backoff"`
	MaxBackoff       time.Duration `yaml:"max_backoff"`
}

// NotifyConfig holds chat platform settings for operator digests.
type NotifyConfig struct {
	Slack   ChannelConfig `yaml:"slack"`
	Discord ChannelConfig `yaml:"discord"`
}

// ChannelConfig is one chat destination.
type ChannelConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// Enabled reports whether the destination is fully configured.
func (c ChannelConfig) Enabled() bool {
	return c.BotToken != "" && c.ChannelID != ""
}

// SeedConfig lists rows upserted by `panel db init`.
type SeedConfig struct {
	Templates   []TemplateSeed   `yaml:"templates"`
	Respondents []RespondentSeed `yaml:"respondents"`
}

// TemplateSeed describes an interview template to seed.
type TemplateSeed struct {
	ID               string   `yaml:"id"`
	ResearcherID     string   `yaml:"researcher_id"`
	Title            string   `yaml:"title"`
	Topic            string   `yaml:"topic"`
	StarterQuestions []string `yaml:"starter_questions"`
}

// RespondentSeed describes a panel member to seed.
type RespondentSeed struct {
	UserID       string           `yaml:"user_id"`
	Name         string           `yaml:"name"`
	Demographics DemographicsSeed `yaml:"demographics"`
	BehaviorTags []string         `yaml:"behavior_tags"`
}

// DemographicsSeed is the seed form of a respondent's demographics.
type DemographicsSeed struct {
	AgeRange   string `yaml:"age_range"`
	Location   string `yaml:"location"`
	Occupation string `yaml:"occupation"`
}

// env-only overrides for nested chat tokens.
type notifyEnv struct {
	SlackBotToken   string `env:"PANEL_SLACK_BOT_TOKEN"`
	DiscordBotToken string `env:"PANEL_DISCORD_BOT_TOKEN"`
}

// CronParser accepts standard 5-field expressions and descriptors.
var CronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes, applies environment overrides, and returns a
// validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overlays PANEL_* environment variables onto the parsed file.
func (c *Config) applyEnv() error {
	if err := env.Parse(c); err != nil {
		return fmt.Errorf("config: parse env: %w", err)
	}
	var ne notifyEnv
	if err := env.Parse(&ne); err != nil {
		return fmt.Errorf("config: parse env: %w", err)
	}
	if ne.SlackBotToken != "" {
		c.Notify.Slack.BotToken = ne.SlackBotToken
	}
	if ne.DiscordBotToken != "" {
		c.Notify.Discord.BotToken = ne.DiscordBotToken
	}
	return nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = DriverMySQL
	}
	if c.Database.Driver == DriverMySQL {
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 3306
		}
		if c.Database.User == "" {
			c.Database.User = "root"
		}
		if c.Database.Name == "" {
			c.Database.Name = "panelyard"
		}
	}
	if c.Database.Driver == DriverSQLite && c.Database.Path == "" {
		c.Database.Path = "panelyard.db"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Incentives.DefaultAmount == "" {
		c.Incentives.DefaultAmount = "5.00"
	}
	if c.Incentives.Currency == "" {
		c.Incentives.Currency = "USD"
	}
	if c.Analyzer.Timeout == 0 {
		c.Analyzer.Timeout = 30 * time.Second
	}
	if c.Worker.OutboxSchedule == "" {
		c.Worker.OutboxSchedule = "@every 10s"
	}
	if c.Worker.AnalysisSchedule == "" {
		c.Worker.AnalysisSchedule = "@every 1m"
	}
	if c.Worker.RepairSchedule == "" {
		c.Worker.RepairSchedule = "0 3 * * *"
	}
	if c.Worker.DigestSchedule == "" {
		c.Worker.DigestSchedule = "0 9 * * 1-5"
	}
	if c.Worker.BatchSize == 0 {
		c.Worker.BatchSize = 100
	}
	if c.Worker.MaxAttempts == 0 {
		c.Worker.MaxAttempts = 8
	}
	if c.Worker.BaseBackoff == 0 {
		c.Worker.BaseBackoff = 30 * time.Second
	}
	if c.Worker.MaxBackoff == 0 {
		c.Worker.MaxBackoff = time.Hour
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Database.Driver {
	case DriverMySQL, DriverSQLite:
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q must be %q or %q", c.Database.Driver, DriverMySQL, DriverSQLite))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	if amt, err := c.Incentives.Amount(); err != nil {
		errs = append(errs, "incentives.default_amount must be a decimal")
	} else if !amt.IsPositive() {
		errs = append(errs, "incentives.default_amount must be positive")
	}
	if c.Analyzer.TokenURL != "" && c.Analyzer.ClientID == "" {
		errs = append(errs, "analyzer.client_id is required when token_url is set")
	}
	for name, expr := range map[string]string{
		"worker.outbox_schedule":   c.Worker.OutboxSchedule,
		"worker.analysis_schedule": c.Worker.AnalysisSchedule,
		"worker.repair_schedule":   c.Worker.RepairSchedule,
		"worker.digest_schedule":   c.Worker.DigestSchedule,
	} {
		if _, err := CronParser.Parse(expr); err != nil {
			errs = append(errs, fmt.Sprintf("%s %q: %v", name, expr, err))
		}
	}
	if c.Worker.BaseBackoff > c.Worker.MaxBackoff {
		errs = append(errs, "worker.base_backoff must not exceed worker.max_backoff")
	}
	for i, t := range c.Seed.Templates {
		if t.Title == "" {
			errs = append(errs, fmt.Sprintf("seed.templates[%d].title is required", i))
		}
		if t.ResearcherID == "" {
			errs = append(errs, fmt.Sprintf("seed.templates[%d].researcher_id is required", i))
		}
	}
	for i, r := range c.Seed.Respondents {
		if r.UserID == "" {
			errs = append(errs, fmt.Sprintf("seed.respondents[%d].user_id is required", i))
		}
		if r.Name == "" {
			errs = append(errs, fmt.Sprintf("seed.respondents[%d].name is required", i))
		}
	}
	if len(errs) > 0 {
		slices.Sort(errs)
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Package config loads the crafter daemon configuration from a YAML, JSON or
// JSONC file, or from CRAFTER_* environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"github.com/robfig/cron/v3"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/h1v3-io/crafter/internal/connector/webhook"
	"github.com/h1v3-io/crafter/pkg/protocol"
)

// Config is the top-level crafter configuration.
type Config struct {
	Service   ServiceConfig             `json:"service" yaml:"service"`
	Providers map[string]ProviderConfig `json:"providers" yaml:"providers"`
	Stages    []protocol.StageSpec      `json:"stages,omitempty" yaml:"stages,omitempty"`
	Store     StoreConfig               `json:"store" yaml:"store"`
	TicketLog TicketLogConfig           `json:"ticket_log" yaml:"ticket_log"`
	Pipeline  PipelineConfig            `json:"pipeline" yaml:"pipeline"`
	Webhook   WebhookConfig             `json:"webhook" yaml:"webhook"`
	Notify    NotifyConfig              `json:"notify" yaml:"notify"`
	Schedule  ScheduleConfig            `json:"schedule" yaml:"schedule"`
	API       APIConfig                 `json:"api" yaml:"api"`
}

// ServiceConfig holds service-level settings.
type ServiceConfig struct {
	ID      string `json:"id" yaml:"id"`
	DataDir string `json:"data_dir" yaml:"data_dir"`
	// RepoDir is the working tree the Coder edits.
	RepoDir string `json:"repo_dir" yaml:"repo_dir"`
	// RulesDir holds the project rules (*.md). Defaults to
	// <repo_dir>/.crafter/rules.
	RulesDir string `json:"rules_dir,omitempty" yaml:"rules_dir,omitempty"`
}

// ProviderConfig holds LLM provider settings.
type ProviderConfig struct {
	Type    string `json:"type,omitempty" yaml:"type,omitempty"` // "openai" (default) or "gemini"
	APIKey  string `json:"api_key" yaml:"api_key"`
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Model   string `json:"model,omitempty" yaml:"model,omitempty"`
}

// StoreConfig selects the thread store backend.
type StoreConfig struct {
	Backend string `json:"backend" yaml:"backend"` // "json" (default) or "sqlite"
	Path    string `json:"path,omitempty" yaml:"path,omitempty"`
}

// TicketLogConfig locates the ticket log file.
type TicketLogConfig struct {
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
}

// PipelineConfig holds the stage and worker tunables.
type PipelineConfig struct {
	// MaxFixPasses bounds REVIEW → CODING loops; nil means the default 2.
	MaxFixPasses    *int     `json:"max_fix_passes,omitempty" yaml:"max_fix_passes,omitempty"`
	SentinelRetries int      `json:"sentinel_retries" yaml:"sentinel_retries"`
	MaxIterations   int      `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`
	WriteGlobs      []string `json:"write_globs,omitempty" yaml:"write_globs,omitempty"`
	IgnoreGlobs     []string `json:"ignore_globs,omitempty" yaml:"ignore_globs,omitempty"`
	TreeDepth       int      `json:"tree_depth,omitempty" yaml:"tree_depth,omitempty"`
	QueueSize       int      `json:"queue_size,omitempty" yaml:"queue_size,omitempty"`
	WorkerRetries   int      `json:"worker_retries" yaml:"worker_retries"`
	RetryDelay      Duration `json:"retry_delay,omitempty" yaml:"retry_delay,omitempty"`
	DiffTimeout     Duration `json:"diff_timeout,omitempty" yaml:"diff_timeout,omitempty"`
}

// WebhookConfig holds inbound email endpoints and the outbound reply URL.
type WebhookConfig struct {
	Endpoints   map[string]webhook.EndpointConfig `json:"endpoints,omitempty" yaml:"endpoints,omitempty"`
	ReplyURL    string                            `json:"reply_url,omitempty" yaml:"reply_url,omitempty"`
	ReplyToken  string                            `json:"reply_token,omitempty" yaml:"reply_token,omitempty"`
	ReplySecret string                            `json:"reply_secret,omitempty" yaml:"reply_secret,omitempty"`
}

// NotifyConfig holds operator notification settings.
type NotifyConfig struct {
	Slack    *SlackConfig    `json:"slack,omitempty" yaml:"slack,omitempty"`
	Telegram *TelegramConfig `json:"telegram,omitempty" yaml:"telegram,omitempty"`
	// States limits notices to transitions into these states; empty means all.
	States []protocol.State `json:"states,omitempty" yaml:"states,omitempty"`
}

// SlackConfig holds Slack bot settings.
type SlackConfig struct {
	BotToken string `json:"bot_token" yaml:"bot_token"`
	Channel  string `json:"channel" yaml:"channel"`
}

// TelegramConfig holds Telegram bot settings.
type TelegramConfig struct {
	Token  string `json:"token" yaml:"token"`
	ChatID int64  `json:"chat_id" yaml:"chat_id"`
}

// ScheduleConfig holds the cron schedules of the maintenance jobs. An empty
// schedule disables the job.
type ScheduleConfig struct {
	Reconcile   string   `json:"reconcile" yaml:"reconcile"`
	Remind      string   `json:"remind" yaml:"remind"`
	RemindAfter Duration `json:"remind_after,omitempty" yaml:"remind_after,omitempty"`
}

// APIConfig holds REST API server settings.
type APIConfig struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
	Key  string `json:"api_key" yaml:"api_key"`
}

// Defaults.
const (
	DefaultMaxFixPasses = 2
	DefaultTreeDepth    = 4
	DefaultQueueSize    = 64
	DefaultReconcile    = "@every 10m"
	DefaultRemind       = "@hourly"
	DefaultRemindAfter  = 24 * time.Hour
)

// Load reads configuration from a file. .yaml and .yml files are YAML;
// anything else is JSON, with comments and trailing commas allowed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	default:
		err = json.Unmarshal(jsonc.ToJSON(data), &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromEnv builds a config from CRAFTER_* environment variables.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			ID:       getenv("CRAFTER_ID", "crafter"),
			DataDir:  getenv("CRAFTER_DATA_DIR", "/data"),
			RepoDir:  os.Getenv("CRAFTER_REPO_DIR"),
			RulesDir: os.Getenv("CRAFTER_RULES_DIR"),
		},
		Providers: make(map[string]ProviderConfig),
		Store:     StoreConfig{Backend: getenv("CRAFTER_STORE", "json")},
		Pipeline: PipelineConfig{
			SentinelRetries: getenvInt("CRAFTER_SENTINEL_RETRIES", 1),
			WorkerRetries:   getenvInt("CRAFTER_WORKER_RETRIES", 3),
		},
		Schedule: ScheduleConfig{
			Reconcile: getenv("CRAFTER_RECONCILE_SCHEDULE", DefaultReconcile),
			Remind:    getenv("CRAFTER_REMIND_SCHEDULE", DefaultRemind),
		},
		API: APIConfig{
			Host: getenv("CRAFTER_API_HOST", "0.0.0.0"),
			Port: getenvInt("CRAFTER_API_PORT", 8080),
			Key:  os.Getenv("CRAFTER_API_KEY"),
		},
	}

	if apiKey := os.Getenv("CRAFTER_OPENAI_API_KEY"); apiKey != "" {
		cfg.Providers["default"] = ProviderConfig{
			Type:    "openai",
			APIKey:  apiKey,
			BaseURL: os.Getenv("CRAFTER_OPENAI_BASE_URL"),
			Model:   os.Getenv("CRAFTER_MODEL"),
		}
	} else if apiKey := os.Getenv("CRAFTER_GEMINI_API_KEY"); apiKey != "" {
		cfg.Providers["default"] = ProviderConfig{
			Type:   "gemini",
			APIKey: apiKey,
			Model:  os.Getenv("CRAFTER_MODEL"),
		}
	}

	if n := os.Getenv("CRAFTER_MAX_FIX_PASSES"); n != "" {
		v, err := strconv.Atoi(n)
		if err != nil {
			return nil, fmt.Errorf("config: CRAFTER_MAX_FIX_PASSES: %w", err)
		}
		cfg.Pipeline.MaxFixPasses = &v
	}
	if globs := os.Getenv("CRAFTER_WRITE_GLOBS"); globs != "" {
		cfg.Pipeline.WriteGlobs = splitList(globs)
	}
	if d := os.Getenv("CRAFTER_REMIND_AFTER"); d != "" {
		v, err := time.ParseDuration(d)
		if err != nil {
			return nil, fmt.Errorf("config: CRAFTER_REMIND_AFTER: %w", err)
		}
		cfg.Schedule.RemindAfter = Duration(v)
	}

	if token := os.Getenv("CRAFTER_WEBHOOK_TOKEN"); token != "" {
		cfg.Webhook.Endpoints = map[string]webhook.EndpointConfig{"email": {BearerToken: token}}
	} else if secret := os.Getenv("CRAFTER_WEBHOOK_SECRET"); secret != "" {
		cfg.Webhook.Endpoints = map[string]webhook.EndpointConfig{"email": {Secret: secret}}
	}
	cfg.Webhook.ReplyURL = os.Getenv("CRAFTER_REPLY_URL")
	cfg.Webhook.ReplyToken = os.Getenv("CRAFTER_REPLY_TOKEN")

	if token := os.Getenv("CRAFTER_SLACK_TOKEN"); token != "" {
		cfg.Notify.Slack = &SlackConfig{BotToken: token, Channel: os.Getenv("CRAFTER_SLACK_CHANNEL")}
	}
	if token := os.Getenv("CRAFTER_TELEGRAM_TOKEN"); token != "" {
		chatID, err := strconv.ParseInt(os.Getenv("CRAFTER_TELEGRAM_CHAT_ID"), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("config: CRAFTER_TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.Notify.Telegram = &TelegramConfig{Token: token, ChatID: chatID}
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset optional fields.
func (c *Config) ApplyDefaults() {
	if c.Store.Backend == "" {
		c.Store.Backend = "json"
	}
	if c.Service.RulesDir == "" && c.Service.RepoDir != "" {
		c.Service.RulesDir = filepath.Join(c.Service.RepoDir, ".crafter", "rules")
	}
	if c.Pipeline.MaxFixPasses == nil {
		n := DefaultMaxFixPasses
		c.Pipeline.MaxFixPasses = &n
	}
	if c.Pipeline.TreeDepth == 0 {
		c.Pipeline.TreeDepth = DefaultTreeDepth
	}
	if c.Pipeline.QueueSize == 0 {
		c.Pipeline.QueueSize = DefaultQueueSize
	}
	if c.Pipeline.RetryDelay == 0 {
		c.Pipeline.RetryDelay = Duration(30 * time.Second)
	}
	if c.Schedule.RemindAfter == 0 {
		c.Schedule.RemindAfter = Duration(DefaultRemindAfter)
	}
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
}

// StorePath returns the thread store location.
func (c *Config) StorePath() string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	if c.Store.Backend == "sqlite" {
		return filepath.Join(c.Service.DataDir, "threads.db")
	}
	return filepath.Join(c.Service.DataDir, "threads.json")
}

// TicketLogPath returns the ticket log location.
func (c *Config) TicketLogPath() string {
	if c.TicketLog.Path != "" {
		return c.TicketLog.Path
	}
	return filepath.Join(c.Service.DataDir, "tickets.json")
}

// Stage returns the configured spec for s, or a bare spec using the default
// provider.
func (c *Config) Stage(s protocol.Stage) protocol.StageSpec {
	for _, spec := range c.Stages {
		if spec.Stage == s {
			return spec
		}
	}
	return protocol.StageSpec{Stage: s}
}

// Validate checks for required fields and reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	if c.Service.ID == "" {
		errs = append(errs, "service.id is required")
	}
	if c.Service.DataDir == "" {
		errs = append(errs, "service.data_dir is required")
	}
	if c.Service.RepoDir == "" {
		errs = append(errs, "service.repo_dir is required")
	}

	if _, ok := c.Providers["default"]; !ok {
		errs = append(errs, "providers.default is required")
	}
	for name, p := range c.Providers {
		if p.APIKey == "" {
			errs = append(errs, fmt.Sprintf("providers.%s.api_key is required", name))
		}
		switch p.Type {
		case "", "openai", "gemini":
		default:
			errs = append(errs, fmt.Sprintf("providers.%s.type %q is not one of openai, gemini", name, p.Type))
		}
	}

	seen := make(map[protocol.Stage]bool)
	for i, s := range c.Stages {
		switch s.Stage {
		case protocol.StageSentinel, protocol.StagePlanner, protocol.StageCoder, protocol.StageReviewer:
		default:
			errs = append(errs, fmt.Sprintf("stages[%d].stage %q is unknown", i, s.Stage))
		}
		if seen[s.Stage] {
			errs = append(errs, fmt.Sprintf("stages[%d].stage %q is configured twice", i, s.Stage))
		}
		seen[s.Stage] = true
		if s.Provider != "" {
			if _, ok := c.Providers[s.Provider]; !ok {
				errs = append(errs, fmt.Sprintf("stages[%d].provider references unknown provider %q", i, s.Provider))
			}
		}
	}

	if c.Store.Backend != "json" && c.Store.Backend != "sqlite" {
		errs = append(errs, fmt.Sprintf("store.backend %q is not one of json, sqlite", c.Store.Backend))
	}

	if c.Pipeline.MaxFixPasses != nil && *c.Pipeline.MaxFixPasses < 0 {
		errs = append(errs, "pipeline.max_fix_passes must be >= 0")
	}
	if c.Pipeline.SentinelRetries < 0 {
		errs = append(errs, "pipeline.sentinel_retries must be >= 0")
	}
	for _, p := range append(append([]string{}, c.Pipeline.WriteGlobs...), c.Pipeline.IgnoreGlobs...) {
		if _, err := glob.Compile(p, '/'); err != nil {
			errs = append(errs, fmt.Sprintf("pipeline glob %q: %v", p, err))
		}
	}

	for name, e := range c.Webhook.Endpoints {
		if e.Secret != "" && e.BearerToken != "" {
			errs = append(errs, fmt.Sprintf("webhook.endpoints.%s: set secret or bearer_token, not both", name))
		}
	}

	if s := c.Notify.Slack; s != nil && (s.BotToken == "" || s.Channel == "") {
		errs = append(errs, "notify.slack needs bot_token and channel")
	}
	if tg := c.Notify.Telegram; tg != nil && (tg.Token == "" || tg.ChatID == 0) {
		errs = append(errs, "notify.telegram needs token and chat_id")
	}
	for _, s := range c.Notify.States {
		if !s.Valid() {
			errs = append(errs, fmt.Sprintf("notify.states: unknown state %q", s))
		}
	}

	for name, spec := range map[string]string{"reconcile": c.Schedule.Reconcile, "remind": c.Schedule.Remind} {
		if spec == "" {
			continue
		}
		if _, err := cron.ParseStandard(spec); err != nil {
			errs = append(errs, fmt.Sprintf("schedule.%s %q: %v", name, spec, err))
		}
	}

	if c.API.Port < 0 || c.API.Port > 65535 {
		errs = append(errs, fmt.Sprintf("api.port %d is out of range", c.API.Port))
	}

	if len(errs) > 0 {
		sort.Strings(errs)
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

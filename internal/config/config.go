package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrMissingCredentials is fatal: the bot cannot log in without both values.
var ErrMissingCredentials = errors.New("player_username and player_password are required")

const (
	PolicyEpsilon = "epsilon"
	PolicyUCB1    = "ucb1"
)

// Config is the whole bot configuration. JSON files decode too since the
// yaml decoder accepts JSON documents.
type Config struct {
	GameHost       string `yaml:"game_host"`
	GamePort       int    `yaml:"game_port"`
	PlayerUsername string `yaml:"player_username"`
	PlayerPassword string `yaml:"player_password"`
	ClientVersion  string `yaml:"client_version"`

	StateFile string `yaml:"state_file"`
	// LogFile is a directory; the QA log rotates hourly inside it as
	// qa-<hour>.jsonl.zst.
	LogFile       string `yaml:"log_file"`
	BugReportPath string `yaml:"bug_report_path"`
	LedgerDB      string `yaml:"ledger_db"`

	OllamaModel   string  `yaml:"ollama_model"`
	OllamaURL     string  `yaml:"ollama_url"`
	LLMTimeout    float64 `yaml:"llm_timeout"`
	LLMNumPredict int     `yaml:"llm_num_predict"`
	LLMRetryDelay float64 `yaml:"llm_retry_delay"`

	QAMode               bool    `yaml:"qa_mode"`
	EpsilonExploit       float64 `yaml:"epsilon_exploit"`
	BanditPolicy         string  `yaml:"bandit_policy"`
	UCBC                 float64 `yaml:"ucb_c"`
	RewardSuccess        float64 `yaml:"reward_success"`
	DefaultCooldown      float64 `yaml:"default_cooldown"`
	MaxRetriesPerCommand int     `yaml:"max_retries_per_command"`
	QuoteBuyMargin       int     `yaml:"quote_buy_margin"`
	StuckGoalTicks       int     `yaml:"stuck_goal_ticks"`

	ReconnectBackoff        float64  `yaml:"reconnect_backoff"`
	TickIntervalMS          int      `yaml:"tick_interval_ms"`
	PingInterval            float64  `yaml:"ping_interval"`
	InvariantPauseMS        int      `yaml:"invariant_pause_ms"`
	SchemaRequestsPerSecond float64  `yaml:"schema_requests_per_second"`
	SchemaIgnore            []string `yaml:"schema_ignore"`
	RegisterIfMissing       bool     `yaml:"register_if_missing"`

	R2Endpoint        string `yaml:"r2_endpoint"`
	R2Bucket          string `yaml:"r2_bucket"`
	R2Region          string `yaml:"r2_region"`
	R2AccessKeyID     string `yaml:"r2_access_key_id"`
	R2SecretAccessKey string `yaml:"r2_secret_access_key"`
	R2Prefix          string `yaml:"r2_prefix"`
}

// Load reads path over the defaults, applies credential environment
// overrides, then normalizes and validates.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("%s: %w", path, err)
		}
	}
	if v := os.Getenv("TW_PLAYER_USERNAME"); v != "" {
		cfg.PlayerUsername = v
	}
	if v := os.Getenv("TW_PLAYER_PASSWORD"); v != "" {
		cfg.PlayerPassword = v
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func Defaults() Config {
	return Config{
		GameHost:                "localhost",
		GamePort:                1234,
		ClientVersion:           "twbot/1.0",
		StateFile:               "state.json",
		LogFile:                 "logs/qa",
		BugReportPath:           "bugs",
		OllamaModel:             "llama3",
		OllamaURL:               "http://localhost:11434/api/generate",
		LLMTimeout:              300,
		LLMNumPredict:           256,
		LLMRetryDelay:           10,
		EpsilonExploit:          0.1,
		BanditPolicy:            PolicyEpsilon,
		UCBC:                    1.4,
		RewardSuccess:           0.1,
		DefaultCooldown:         5,
		MaxRetriesPerCommand:    3,
		QuoteBuyMargin:          5,
		StuckGoalTicks:          3,
		ReconnectBackoff:        5,
		TickIntervalMS:          500,
		PingInterval:            20,
		InvariantPauseMS:        750,
		SchemaRequestsPerSecond: 4,
		SchemaIgnore:            []string{"auth.login", "auth.register", "auth.logout", "system.cmd_list", "system.describe_schema"},
		R2Region:                "auto",
	}
}

// Normalize clamps out-of-range values back to their defaults.
func (c *Config) Normalize() {
	if c == nil {
		return
	}
	d := Defaults()
	c.GameHost = strings.TrimSpace(c.GameHost)
	c.PlayerUsername = strings.TrimSpace(c.PlayerUsername)
	c.BanditPolicy = strings.ToLower(strings.TrimSpace(c.BanditPolicy))
	if c.BanditPolicy == "" {
		c.BanditPolicy = d.BanditPolicy
	}
	if c.ClientVersion == "" {
		c.ClientVersion = d.ClientVersion
	}
	if c.EpsilonExploit < 0 {
		c.EpsilonExploit = 0
	}
	if c.EpsilonExploit > 1 {
		c.EpsilonExploit = 1
	}
	if c.MaxRetriesPerCommand <= 0 {
		c.MaxRetriesPerCommand = d.MaxRetriesPerCommand
	}
	if c.DefaultCooldown <= 0 {
		c.DefaultCooldown = d.DefaultCooldown
	}
	if c.ReconnectBackoff <= 0 {
		c.ReconnectBackoff = d.ReconnectBackoff
	}
	if c.TickIntervalMS <= 0 {
		c.TickIntervalMS = d.TickIntervalMS
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.InvariantPauseMS < 0 {
		c.InvariantPauseMS = 0
	}
	if c.SchemaRequestsPerSecond <= 0 {
		c.SchemaRequestsPerSecond = d.SchemaRequestsPerSecond
	}
	if c.LLMTimeout <= 0 {
		c.LLMTimeout = d.LLMTimeout
	}
	if c.LLMNumPredict <= 0 {
		c.LLMNumPredict = d.LLMNumPredict
	}
	if c.LLMRetryDelay < 0 {
		c.LLMRetryDelay = 0
	}
	if c.StuckGoalTicks <= 0 {
		c.StuckGoalTicks = d.StuckGoalTicks
	}
	if c.UCBC <= 0 {
		c.UCBC = d.UCBC
	}
	if c.R2Region == "" {
		c.R2Region = d.R2Region
	}
	c.R2Prefix = strings.Trim(c.R2Prefix, "/")
}

func (c Config) Validate() error {
	if c.PlayerUsername == "" || c.PlayerPassword == "" {
		return ErrMissingCredentials
	}
	if c.GameHost == "" {
		return fmt.Errorf("game_host is required")
	}
	if !c.WebSocket() && (c.GamePort <= 0 || c.GamePort > 65535) {
		return fmt.Errorf("game_port out of range: %d", c.GamePort)
	}
	if c.StateFile == "" {
		return fmt.Errorf("state_file is required")
	}
	switch c.BanditPolicy {
	case PolicyEpsilon, PolicyUCB1:
	default:
		return fmt.Errorf("unknown bandit_policy %q", c.BanditPolicy)
	}
	if c.R2Enabled() && (c.R2AccessKeyID == "" || c.R2SecretAccessKey == "") {
		return fmt.Errorf("r2 mirror needs r2_access_key_id and r2_secret_access_key")
	}
	return nil
}

// WebSocket reports whether game_host is a ws:// or wss:// URL.
func (c Config) WebSocket() bool {
	h := strings.ToLower(c.GameHost)
	return strings.HasPrefix(h, "ws://") || strings.HasPrefix(h, "wss://")
}

// Address is the dial target: the URL itself for websockets, host:port otherwise.
func (c Config) Address() string {
	if c.WebSocket() {
		return c.GameHost
	}
	return fmt.Sprintf("%s:%d", c.GameHost, c.GamePort)
}

func (c Config) R2Enabled() bool {
	return c.R2Endpoint != "" && c.R2Bucket != ""
}

func seconds(v float64) time.Duration { return time.Duration(v * float64(time.Second)) }

func (c Config) CooldownBase() time.Duration   { return seconds(c.DefaultCooldown) }
func (c Config) ReconnectDelay() time.Duration { return seconds(c.ReconnectBackoff) }
func (c Config) PingEvery() time.Duration      { return seconds(c.PingInterval) }
func (c Config) LLMDeadline() time.Duration    { return seconds(c.LLMTimeout) }
func (c Config) LLMRetry() time.Duration       { return seconds(c.LLMRetryDelay) }
func (c Config) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalMS) * time.Millisecond
}
func (c Config) InvariantPause() time.Duration {
	return time.Duration(c.InvariantPauseMS) * time.Millisecond
}

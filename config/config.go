package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the quiz agent system
type Config struct {
	General    GeneralConfig    `mapstructure:"general"`
	Server     ServerConfig     `mapstructure:"server"`
	Agent      AgentConfig      `mapstructure:"agent"`
	Submission SubmissionConfig `mapstructure:"submission"`
	Planner    PlannerConfig    `mapstructure:"planner"`
	Tools      ToolsConfig      `mapstructure:"tools"`
	Workspace  WorkspaceConfig  `mapstructure:"workspace"`
	Janitor    JanitorConfig    `mapstructure:"janitor"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Search     SearchConfig     `mapstructure:"search"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
}

// ServerConfig contains HTTP server and auth settings
type ServerConfig struct {
	Address string `mapstructure:"address"`
	// Secret is the shared solve secret; SecretHash (bcrypt) takes
	// precedence when both are set.
	Secret     string `mapstructure:"secret"`
	SecretHash string `mapstructure:"secret_hash"`
	JWTSecret  string `mapstructure:"jwt_secret"`
}

func (s ServerConfig) Validate() error {
	if strings.TrimSpace(s.Secret) == "" && strings.TrimSpace(s.SecretHash) == "" {
		return fmt.Errorf("server.secret or server.secret_hash required")
	}
	return nil
}

// AgentConfig bounds a single solving session
type AgentConfig struct {
	MaxTurns              int                `mapstructure:"max_turns"`
	SessionBudget         time.Duration      `mapstructure:"session_budget"`
	MaxConcurrentSessions int                `mapstructure:"max_concurrent_sessions"`
	TargetTimeBudget      time.Duration      `mapstructure:"target_time_budget"`
	MaxAnswerAttempts     int                `mapstructure:"max_answer_attempts"`
	HistoryWindow         int                `mapstructure:"history_window"`
	StatusLinger          time.Duration      `mapstructure:"status_linger"`
	TargetPolicy          TargetPolicyConfig `mapstructure:"target_policy"`
}

func (a AgentConfig) Validate() error {
	if a.MaxTurns <= 0 {
		return fmt.Errorf("agent.max_turns must be > 0")
	}
	if a.SessionBudget <= 0 {
		return fmt.Errorf("agent.session_budget must be > 0")
	}
	if a.MaxConcurrentSessions <= 0 {
		return fmt.Errorf("agent.max_concurrent_sessions must be > 0")
	}
	if a.MaxAnswerAttempts <= 0 {
		return fmt.Errorf("agent.max_answer_attempts must be > 0")
	}
	if err := a.TargetPolicy.Validate(); err != nil {
		return err
	}
	return nil
}

// TargetPolicyConfig restricts which hosts the fetching tools may touch.
// Both lists empty means any host is fair game.
type TargetPolicyConfig struct {
	Allow []string `mapstructure:"allow"`
	Deny  []string `mapstructure:"deny"`
}

// SubmissionConfig drives answer posting retry/backoff policy
type SubmissionConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseBackoff time.Duration `mapstructure:"base_backoff"`
	Multiplier  float64       `mapstructure:"multiplier"`
	MaxBackoff  time.Duration `mapstructure:"max_backoff"`
	MaxElapsed  time.Duration `mapstructure:"max_elapsed"`
	Jitter      float64       `mapstructure:"jitter"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

func (s SubmissionConfig) Validate() error {
	if s.MaxAttempts <= 0 {
		return fmt.Errorf("submission.max_attempts must be > 0")
	}
	if s.BaseBackoff <= 0 {
		return fmt.Errorf("submission.base_backoff must be > 0")
	}
	if s.Multiplier < 1 {
		return fmt.Errorf("submission.multiplier must be >= 1")
	}
	if s.Jitter < 0 || s.Jitter >= 1 {
		return fmt.Errorf("submission.jitter must be in [0,1)")
	}
	return nil
}

// PlannerConfig configures the decision oracle
type PlannerConfig struct {
	Provider      string        `mapstructure:"provider"` // openai-compatible
	BaseURL       string        `mapstructure:"base_url"`
	APIKey        string        `mapstructure:"api_key"`
	Model         string        `mapstructure:"model"`
	Temperature   float64       `mapstructure:"temperature"`
	MaxTokens     int           `mapstructure:"max_tokens"`
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxRetries    int           `mapstructure:"max_retries"`
	Backoff       time.Duration `mapstructure:"backoff"`
	Contentwindow int           `mapstructure:"content_window"` // chars of page content per prompt
}

func (p PlannerConfig) Validate() error {
	if strings.TrimSpace(p.Provider) == "" {
		return fmt.Errorf("planner.provider required")
	}
	if p.Provider == "openai" && strings.TrimSpace(p.Model) == "" {
		return fmt.Errorf("planner.model required for openai provider")
	}
	return nil
}

// ToolsConfig groups per-tool settings
type ToolsConfig struct {
	Render   RenderConfig   `mapstructure:"render"`
	Download DownloadConfig `mapstructure:"download"`
	Execute  ExecuteConfig  `mapstructure:"execute"`
	Install  InstallConfig  `mapstructure:"install"`
	Lookup   LookupConfig   `mapstructure:"lookup"`
}

// RenderConfig controls headless page rendering
type RenderConfig struct {
	Timeout  time.Duration `mapstructure:"timeout"`
	MaxChars int           `mapstructure:"max_chars"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
	Headless bool          `mapstructure:"headless"`
}

// DownloadConfig controls file downloads
type DownloadConfig struct {
	Timeout  time.Duration `mapstructure:"timeout"`
	MaxBytes int64         `mapstructure:"max_bytes"`
}

// ExecuteConfig controls sandboxed code execution
type ExecuteConfig struct {
	Runtime   string        `mapstructure:"runtime"` // docker or local
	Image     string        `mapstructure:"image"`
	Command   []string      `mapstructure:"command"` // local runtime, e.g. ["uv","run"]
	Timeout   time.Duration `mapstructure:"timeout"`
	MaxOutput int           `mapstructure:"max_output"`
	MemoryMB  int64         `mapstructure:"memory_mb"`
	CPUQuota  int64         `mapstructure:"cpu_quota"`
	PidsLimit int64         `mapstructure:"pids_limit"`
}

func (e ExecuteConfig) Validate() error {
	switch e.Runtime {
	case "docker":
		if strings.TrimSpace(e.Image) == "" {
			return fmt.Errorf("tools.execute.image required for docker runtime")
		}
	case "local":
		if len(e.Command) == 0 {
			return fmt.Errorf("tools.execute.command required for local runtime")
		}
	default:
		return fmt.Errorf("tools.execute.runtime must be docker or local")
	}
	return nil
}

// InstallConfig controls dependency installation
type InstallConfig struct {
	Command   []string      `mapstructure:"command"` // e.g. ["uv","add"]
	Timeout   time.Duration `mapstructure:"timeout"`
	Allowlist []string      `mapstructure:"allowlist"` // empty = any valid name
}

// LookupConfig controls the optional web search tool. The tool is only
// registered when an API key is configured.
type LookupConfig struct {
	Provider   string        `mapstructure:"provider"` // brave or serper
	APIKey     string        `mapstructure:"api_key"`
	BaseURL    string        `mapstructure:"base_url"` // override for proxies and tests
	MaxResults int           `mapstructure:"max_results"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

func (l LookupConfig) Validate() error {
	if strings.TrimSpace(l.APIKey) == "" {
		return nil
	}
	switch l.Provider {
	case "brave", "serper":
		return nil
	default:
		return fmt.Errorf("tools.lookup.provider must be brave or serper")
	}
}

// WorkspaceConfig locates per-session scratch directories
type WorkspaceConfig struct {
	Root      string        `mapstructure:"root"`
	Retention time.Duration `mapstructure:"retention"`
}

// JanitorConfig schedules retention sweeps
type JanitorConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule"` // cron expression
}

// StorageConfig contains storage settings
type StorageConfig struct {
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (r RedisConfig) Validate() error {
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("storage.redis.host required")
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required")
	}
	return nil
}

// Addr returns host:port for the Redis client.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%s", r.Host, r.Port)
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.Port) == "" {
		return fmt.Errorf("storage.postgres.port required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN builds a Postgres connection string from the configured fields.
func (p PostgresConfig) DSN() string {
	if strings.TrimSpace(p.URL) != "" {
		return p.URL
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl)
}

// SearchConfig locates the transcript search index
type SearchConfig struct {
	Path string `mapstructure:"path"` // empty = in-memory index
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	MetricsPort  int    `mapstructure:"metrics_port"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

func (t TelemetryConfig) Validate() error {
	if t.Enabled && t.OTLPEndpoint == "" {
		return fmt.Errorf("telemetry.otlp_endpoint required when telemetry is enabled")
	}
	return nil
}

// LoadConfig loads config from file
func LoadConfig(path string) *Config {
	viper.SetConfigName("config") // name of config file (without extension)
	viper.SetConfigType("json")   // REQUIRED if the config file does not have the extension in the name

	setDefaults()

	if path == "" {
		viper.AddConfigPath("./config") // path to look for the config file in
		viper.AddConfigPath(".")        // optionally look for config in the working directory
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)                                // bin/
		viper.AddConfigPath(filepath.Join(exeDir, ".."))           // repo root
		viper.AddConfigPath(filepath.Join(exeDir, "..", "config")) // repo root/config
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("QUIZZER")
	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)

	viper.AutomaticEnv() // read in environment variables that match (QUIZZER_*)

	if err := viper.ReadInConfig(); err != nil {
		// Missing file is fine: defaults plus env cover every option.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			panic(fmt.Errorf("fatal error config file: %w", err))
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	if err := config.Server.Validate(); err != nil {
		panic(err)
	}
	if err := config.Agent.Validate(); err != nil {
		panic(err)
	}
	if err := config.Submission.Validate(); err != nil {
		panic(err)
	}
	if err := config.Planner.Validate(); err != nil {
		panic(err)
	}
	if err := config.Tools.Execute.Validate(); err != nil {
		panic(err)
	}
	if err := config.Tools.Lookup.Validate(); err != nil {
		panic(err)
	}
	if err := config.Telemetry.Validate(); err != nil {
		panic(err)
	}
	return &config
}

func setDefaults() {
	viper.SetDefault("server.address", ":8080")

	viper.SetDefault("agent.max_turns", 500)
	viper.SetDefault("agent.session_budget", "45m")
	viper.SetDefault("agent.max_concurrent_sessions", 8)
	viper.SetDefault("agent.target_time_budget", "180s")
	viper.SetDefault("agent.max_answer_attempts", 4)
	viper.SetDefault("agent.history_window", 12)
	viper.SetDefault("agent.status_linger", "10m")

	viper.SetDefault("submission.max_attempts", 5)
	viper.SetDefault("submission.base_backoff", "1s")
	viper.SetDefault("submission.multiplier", 2.0)
	viper.SetDefault("submission.max_backoff", "30s")
	viper.SetDefault("submission.max_elapsed", "90s")
	viper.SetDefault("submission.jitter", 0.2)
	viper.SetDefault("submission.timeout", "30s")

	viper.SetDefault("planner.provider", "openai")
	viper.SetDefault("planner.base_url", "https://api.openai.com/v1")
	viper.SetDefault("planner.temperature", 0.1)
	viper.SetDefault("planner.max_tokens", 4096)
	viper.SetDefault("planner.timeout", "120s")
	viper.SetDefault("planner.max_retries", 3)
	viper.SetDefault("planner.backoff", "2s")
	viper.SetDefault("planner.content_window", 300000)

	viper.SetDefault("tools.render.timeout", "60s")
	viper.SetDefault("tools.render.max_chars", 300000)
	viper.SetDefault("tools.render.cache_ttl", "5m")
	viper.SetDefault("tools.render.headless", true)

	viper.SetDefault("tools.download.timeout", "120s")
	viper.SetDefault("tools.download.max_bytes", 104857600)

	viper.SetDefault("tools.execute.runtime", "local")
	viper.SetDefault("tools.execute.command", []string{"uv", "run"})
	viper.SetDefault("tools.execute.timeout", "120s")
	viper.SetDefault("tools.execute.max_output", 10000)
	viper.SetDefault("tools.execute.memory_mb", 512)
	viper.SetDefault("tools.execute.cpu_quota", 50000)
	viper.SetDefault("tools.execute.pids_limit", 256)

	viper.SetDefault("tools.install.command", []string{"uv", "add"})
	viper.SetDefault("tools.install.timeout", "120s")

	viper.SetDefault("tools.lookup.provider", "brave")
	viper.SetDefault("tools.lookup.max_results", 5)
	viper.SetDefault("tools.lookup.timeout", "15s")

	viper.SetDefault("workspace.root", "./workspaces")
	viper.SetDefault("workspace.retention", "24h")

	viper.SetDefault("janitor.enabled", true)
	viper.SetDefault("janitor.schedule", "0 * * * *")

	viper.SetDefault("storage.redis.host", "localhost")
	viper.SetDefault("storage.redis.port", "6379")
	viper.SetDefault("storage.redis.timeout", "5s")

	viper.SetDefault("storage.postgres.sslmode", "disable")
	viper.SetDefault("storage.postgres.timeout", "5s")

	viper.SetDefault("telemetry.enabled", false)
	viper.SetDefault("telemetry.metrics_port", 0)
}

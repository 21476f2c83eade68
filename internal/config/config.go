// Package config provides configuration management for tinycrab.
// It supports loading configuration from environment variables and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the tinycrab supervisor.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Agent   AgentConfig   `mapstructure:"agent"`
	Session SessionConfig `mapstructure:"session"`
	Cron    CronConfig    `mapstructure:"cron"`
	NATS    NATSConfig    `mapstructure:"nats"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration shared by the supervisor
// (its own control-plane operations) and spawned per-agent servers.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	StartPort    int    `mapstructure:"startPort"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // seconds
}

// AgentConfig holds defaults applied when spawning an agent.
type AgentConfig struct {
	Provider       string `mapstructure:"provider"`
	Model          string `mapstructure:"model"`
	DataDir        string `mapstructure:"dataDir"`
	Mode           string `mapstructure:"mode"` // local | docker | remote
	ReadyPollMs    int    `mapstructure:"readyPollMs"`
	ReadyTries     int    `mapstructure:"readyTries"`
	RuntimeCommand string `mapstructure:"runtimeCommand"` // argv of the ACP-speaking runtime, e.g. "auggie --acp"
}

// SessionConfig holds the session manager's cache bounds.
type SessionConfig struct {
	MaxSessions     int `mapstructure:"maxSessions"`
	SessionTTLMs    int `mapstructure:"sessionTtlMs"`
	CleanupPeriodMs int `mapstructure:"cleanupPeriodMs"`
}

// CronConfig holds the cron store location.
type CronConfig struct {
	StorePath string `mapstructure:"storePath"`
}

// NATSConfig holds optional NATS event-bus configuration. Empty URL means
// use the in-memory bus.
type NATSConfig struct {
	URL      string `mapstructure:"url"`
	ClientID string `mapstructure:"clientId"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// Load reads configuration from environment variables (prefixed TINYCRAB_)
// and applies defaults for anything unset.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("TINYCRAB")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Environment variables with fixed external names, bound individually
	// since they don't share the TINYCRAB_ prefix.
	bindLegacy(v, "agent.provider", "AGENT_PROVIDER")
	bindLegacy(v, "agent.model", "AGENT_MODEL")
	bindLegacy(v, "agent.dataDir", "AGENT_DATA_DIR")
	bindLegacy(v, "server.startPort", "AGENT_PORT")
	bindLegacy(v, "agent.runtimeCommand", "AGENT_RUNTIME_COMMAND")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	if cfg.Agent.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve home directory: %w", err)
		}
		cfg.Agent.DataDir = filepath.Join(home, ".tinycrab")
	}
	if cfg.Cron.StorePath == "" {
		cfg.Cron.StorePath = filepath.Join(cfg.Agent.DataDir, "cron.json")
	}

	return &cfg, nil
}

func bindLegacy(v *viper.Viper, key, envVar string) {
	_ = v.BindEnv(key, envVar)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.startPort", 9000)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("agent.provider", "openai")
	v.SetDefault("agent.model", "gpt-4o")
	v.SetDefault("agent.dataDir", "")
	v.SetDefault("agent.mode", "local")
	v.SetDefault("agent.readyPollMs", 200)
	v.SetDefault("agent.readyTries", 30)
	v.SetDefault("agent.runtimeCommand", "")

	v.SetDefault("session.maxSessions", 100)
	v.SetDefault("session.sessionTtlMs", 30*60*1000)
	v.SetDefault("session.cleanupPeriodMs", 60*1000)

	v.SetDefault("cron.storePath", "")

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "tinycrab")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("TINYCRAB_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// ProviderAPIKeyEnvVar returns the environment variable name that holds the
// API key for the given provider.
func ProviderAPIKeyEnvVar(provider string) string {
	switch strings.ToLower(provider) {
	case "openai":
		return "OPENAI_API_KEY"
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	case "gemini":
		return "GEMINI_API_KEY"
	case "groq":
		return "GROQ_API_KEY"
	case "cerebras":
		return "CEREBRAS_API_KEY"
	case "xai":
		return "XAI_API_KEY"
	case "openrouter":
		return "OPENROUTER_API_KEY"
	case "mistral":
		return "MISTRAL_API_KEY"
	default:
		return strings.ToUpper(provider) + "_API_KEY"
	}
}

// Package config provides configuration management for the task
// orchestration engine and session store.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	CMS          CMSConfig          `mapstructure:"cms"`
	PSS          PSSConfig          `mapstructure:"pss"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	NLM          NLMConfig          `mapstructure:"nlm"`
	Sweeper      SweeperConfig      `mapstructure:"sweeper"`
	Provider     ProviderConfig     `mapstructure:"provider"`
	AgentLine    AgentLineConfig    `mapstructure:"agentLine"`
	Events       EventsConfig       `mapstructure:"events"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Tracing      TracingConfig      `mapstructure:"tracing"`
}

// ServerConfig holds HTTP server configuration for the callback/viewer API.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`
	WriteTimeout int    `mapstructure:"writeTimeout"`
	// MaxNodeErrorBodyBytes caps the POST /nodes/{id}/errors request body
	// (spec.md §6.1 MAX_VM_AGENT_ERROR_BODY_BYTES).
	MaxNodeErrorBodyBytes int64 `mapstructure:"maxNodeErrorBodyBytes"`
}

func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// CMSConfig holds the Central Metadata Store's Postgres connection.
type CMSConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// DSN returns the PostgreSQL connection string for the CMS.
func (c *CMSConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

// PSSConfig holds per-project session store configuration (spec.md §6.4).
type PSSConfig struct {
	BasePath                string `mapstructure:"basePath"` // directory holding one sqlite file per project
	MaxSessionsPerProject   int    `mapstructure:"maxSessionsPerProject"`
	MaxMessagesPerSession   int    `mapstructure:"maxMessagesPerSession"`
	SummarySyncDebounceMs   int    `mapstructure:"summarySyncDebounceMs"`
	SessionIdleTimeoutMin   int    `mapstructure:"sessionIdleTimeoutMinutes"`
	IdleCleanupRetryDelayMs int    `mapstructure:"idleCleanupRetryDelayMs"`
	IdleCleanupMaxRetries   int    `mapstructure:"idleCleanupMaxRetries"`
}

func (p *PSSConfig) SummarySyncDebounce() time.Duration {
	return time.Duration(p.SummarySyncDebounceMs) * time.Millisecond
}

func (p *PSSConfig) SessionIdleTimeout() time.Duration {
	return time.Duration(p.SessionIdleTimeoutMin) * time.Minute
}

func (p *PSSConfig) IdleCleanupRetryDelay() time.Duration {
	return time.Duration(p.IdleCleanupRetryDelayMs) * time.Millisecond
}

// OrchestratorConfig holds the Task Orchestrator's timing and limit knobs
// (spec.md §6.4, consumer "TO").
type OrchestratorConfig struct {
	StepMaxRetries             int `mapstructure:"stepMaxRetries"`
	RetryBaseDelayMs           int `mapstructure:"retryBaseDelayMs"`
	RetryMaxDelayMs            int `mapstructure:"retryMaxDelayMs"`
	AgentPollIntervalMs        int `mapstructure:"agentPollIntervalMs"`
	AgentReadyTimeoutMs        int `mapstructure:"agentReadyTimeoutMs"`
	WorkspaceReadyTimeoutMs    int `mapstructure:"workspaceReadyTimeoutMs"`
	ProvisionPollIntervalMs    int `mapstructure:"provisionPollIntervalMs"`
	MaxNodesPerUser            int `mapstructure:"maxNodesPerUser"`
	MaxWorkspacesPerNode       int `mapstructure:"maxWorkspacesPerNode"`
	NodeCPUThresholdPercent    int `mapstructure:"nodeCpuThresholdPercent"`
	NodeMemoryThresholdPercent int `mapstructure:"nodeMemoryThresholdPercent"`
}

func (o *OrchestratorConfig) RetryBaseDelay() time.Duration {
	return time.Duration(o.RetryBaseDelayMs) * time.Millisecond
}

func (o *OrchestratorConfig) RetryMaxDelay() time.Duration {
	return time.Duration(o.RetryMaxDelayMs) * time.Millisecond
}

func (o *OrchestratorConfig) AgentPollInterval() time.Duration {
	return time.Duration(o.AgentPollIntervalMs) * time.Millisecond
}

func (o *OrchestratorConfig) AgentReadyTimeout() time.Duration {
	return time.Duration(o.AgentReadyTimeoutMs) * time.Millisecond
}

func (o *OrchestratorConfig) WorkspaceReadyTimeout() time.Duration {
	return time.Duration(o.WorkspaceReadyTimeoutMs) * time.Millisecond
}

func (o *OrchestratorConfig) ProvisionPollInterval() time.Duration {
	return time.Duration(o.ProvisionPollIntervalMs) * time.Millisecond
}

// NLMConfig holds node-lifecycle related configuration: heartbeat staleness
// thresholds driving the health-status reaper (SPEC_FULL.md §3 supplement).
type NLMConfig struct {
	HeartbeatStaleDegradedSec  int `mapstructure:"heartbeatStaleDegradedSeconds"`
	HeartbeatStaleUnhealthySec int `mapstructure:"heartbeatStaleUnhealthySeconds"`
	ReaperIntervalSec          int `mapstructure:"reaperIntervalSeconds"`
}

func (n *NLMConfig) ReaperInterval() time.Duration {
	return time.Duration(n.ReaperIntervalSec) * time.Second
}

// SweeperConfig holds the stuck-task sweeper's cron schedule and thresholds
// (spec.md §4.5).
type SweeperConfig struct {
	CronSpec                 string `mapstructure:"cronSpec"`
	StuckQueuedTimeoutSec    int    `mapstructure:"stuckQueuedTimeoutSeconds"`
	StuckInProgressTimeoutSec int   `mapstructure:"stuckInProgressTimeoutSeconds"`
}

func (s *SweeperConfig) StuckQueuedTimeout() time.Duration {
	return time.Duration(s.StuckQueuedTimeoutSec) * time.Second
}

func (s *SweeperConfig) StuckInProgressTimeout() time.Duration {
	return time.Duration(s.StuckInProgressTimeoutSec) * time.Second
}

// ProviderConfig holds the opaque cloud-provider REST client's configuration.
type ProviderConfig struct {
	BaseURL        string `mapstructure:"baseUrl"`
	APIToken       string `mapstructure:"apiToken"`
	RequestTimeout int    `mapstructure:"requestTimeoutMs"`
}

func (p *ProviderConfig) Timeout() time.Duration {
	return time.Duration(p.RequestTimeout) * time.Millisecond
}

// AgentLineConfig holds the node agent's line-protocol listen port and the
// orchestrator-side dial/call timeout.
type AgentLineConfig struct {
	Port           int `mapstructure:"port"`
	DialTimeoutMs  int `mapstructure:"dialTimeoutMs"`
	CallTimeoutMs  int `mapstructure:"callTimeoutMs"`
}

func (a *AgentLineConfig) DialTimeout() time.Duration {
	return time.Duration(a.DialTimeoutMs) * time.Millisecond
}

func (a *AgentLineConfig) CallTimeout() time.Duration {
	return time.Duration(a.CallTimeoutMs) * time.Millisecond
}

// EventsConfig holds event bus configuration.
type EventsConfig struct {
	NATSURL       string `mapstructure:"natsUrl"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
	Namespace     string `mapstructure:"namespace"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// TracingConfig holds OpenTelemetry OTLP export configuration.
type TracingConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	OTLPEndpoint   string `mapstructure:"otlpEndpoint"`
	ServiceName    string `mapstructure:"serviceName"`
}

// detectDefaultLogFormat mirrors logger.detectLogFormat: JSON in production
// environments, console for local development.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("TASKENGINE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults seeds every default named in spec.md §6.4, plus the ambient
// and domain-stack defaults this expansion adds.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("cms.host", "localhost")
	v.SetDefault("cms.port", 5432)
	v.SetDefault("cms.user", "taskengine")
	v.SetDefault("cms.password", "")
	v.SetDefault("cms.dbName", "taskengine")
	v.SetDefault("cms.sslMode", "disable")
	v.SetDefault("cms.maxConns", 25)
	v.SetDefault("cms.minConns", 5)

	v.SetDefault("pss.basePath", "./data/projects")
	v.SetDefault("pss.maxSessionsPerProject", 1000)
	v.SetDefault("pss.maxMessagesPerSession", 10000)
	v.SetDefault("pss.summarySyncDebounceMs", 5000)
	v.SetDefault("pss.sessionIdleTimeoutMinutes", 15)
	v.SetDefault("pss.idleCleanupRetryDelayMs", 300000)
	v.SetDefault("pss.idleCleanupMaxRetries", 1)

	v.SetDefault("orchestrator.stepMaxRetries", 3)
	v.SetDefault("orchestrator.retryBaseDelayMs", 5000)
	v.SetDefault("orchestrator.retryMaxDelayMs", 60000)
	v.SetDefault("orchestrator.agentPollIntervalMs", 5000)
	v.SetDefault("orchestrator.agentReadyTimeoutMs", 120000)
	v.SetDefault("orchestrator.workspaceReadyTimeoutMs", 600000)
	v.SetDefault("orchestrator.provisionPollIntervalMs", 10000)
	v.SetDefault("orchestrator.maxNodesPerUser", 10)
	v.SetDefault("orchestrator.maxWorkspacesPerNode", 10)
	v.SetDefault("orchestrator.nodeCpuThresholdPercent", 80)
	v.SetDefault("orchestrator.nodeMemoryThresholdPercent", 85)

	v.SetDefault("nlm.heartbeatStaleDegradedSeconds", 60)
	v.SetDefault("nlm.heartbeatStaleUnhealthySeconds", 300)
	v.SetDefault("nlm.reaperIntervalSeconds", 30)

	v.SetDefault("sweeper.cronSpec", "@every 1m")
	v.SetDefault("sweeper.stuckQueuedTimeoutSeconds", 300)
	v.SetDefault("sweeper.stuckInProgressTimeoutSeconds", 3600)

	v.SetDefault("agentLine.port", 7777)
	v.SetDefault("agentLine.dialTimeoutMs", 5000)
	v.SetDefault("agentLine.callTimeoutMs", 5000)

	v.SetDefault("provider.baseUrl", "")
	v.SetDefault("provider.apiToken", "")
	v.SetDefault("provider.requestTimeoutMs", 30000)

	v.SetDefault("events.natsUrl", "")
	v.SetDefault("events.clientId", "taskengine")
	v.SetDefault("events.maxReconnects", 10)
	v.SetDefault("events.namespace", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.otlpEndpoint", "localhost:4318")
	v.SetDefault("tracing.serviceName", "taskengine")
}

// Load reads configuration from environment variables, an optional config
// file, and defaults.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the given directory (or the default
// search locations when empty). Environment variables use legacy
// SPEC-style names for the orchestrator/PSS knobs (spec.md §6.4) plus a
// TASKENGINE_-prefixed fallback for everything else.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("TASKENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindLegacyEnvNames(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/taskengine/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// bindLegacyEnvNames binds the exact env-var names spec.md §6.4 specifies,
// which don't follow the TASKENGINE_<SECTION>_<FIELD> convention.
func bindLegacyEnvNames(v *viper.Viper) {
	_ = v.BindEnv("orchestrator.stepMaxRetries", "TASK_RUNNER_STEP_MAX_RETRIES")
	_ = v.BindEnv("orchestrator.retryBaseDelayMs", "TASK_RUNNER_RETRY_BASE_DELAY_MS")
	_ = v.BindEnv("orchestrator.retryMaxDelayMs", "TASK_RUNNER_RETRY_MAX_DELAY_MS")
	_ = v.BindEnv("orchestrator.agentPollIntervalMs", "TASK_RUNNER_AGENT_POLL_INTERVAL_MS")
	_ = v.BindEnv("orchestrator.agentReadyTimeoutMs", "TASK_RUNNER_AGENT_READY_TIMEOUT_MS")
	_ = v.BindEnv("orchestrator.workspaceReadyTimeoutMs", "TASK_RUNNER_WORKSPACE_READY_TIMEOUT_MS")
	_ = v.BindEnv("orchestrator.provisionPollIntervalMs", "TASK_RUNNER_PROVISION_POLL_INTERVAL_MS")
	_ = v.BindEnv("orchestrator.maxNodesPerUser", "MAX_NODES_PER_USER")
	_ = v.BindEnv("orchestrator.maxWorkspacesPerNode", "MAX_WORKSPACES_PER_NODE")
	_ = v.BindEnv("orchestrator.nodeCpuThresholdPercent", "TASK_RUN_NODE_CPU_THRESHOLD_PERCENT")
	_ = v.BindEnv("orchestrator.nodeMemoryThresholdPercent", "TASK_RUN_NODE_MEMORY_THRESHOLD_PERCENT")

	_ = v.BindEnv("pss.maxSessionsPerProject", "MAX_SESSIONS_PER_PROJECT")
	_ = v.BindEnv("pss.maxMessagesPerSession", "MAX_MESSAGES_PER_SESSION")
	_ = v.BindEnv("pss.summarySyncDebounceMs", "DO_SUMMARY_SYNC_DEBOUNCE_MS")
	_ = v.BindEnv("pss.sessionIdleTimeoutMinutes", "SESSION_IDLE_TIMEOUT_MINUTES")
	_ = v.BindEnv("pss.idleCleanupRetryDelayMs", "IDLE_CLEANUP_RETRY_DELAY_MS")
	_ = v.BindEnv("pss.idleCleanupMaxRetries", "IDLE_CLEANUP_MAX_RETRIES")

	_ = v.BindEnv("logging.level", "TASKENGINE_LOG_LEVEL")
	_ = v.BindEnv("events.namespace", "TASKENGINE_EVENTS_NAMESPACE")
}

// validate checks that all required configuration fields are coherent.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.CMS.Port <= 0 || cfg.CMS.Port > 65535 {
		errs = append(errs, "cms.port must be between 1 and 65535")
	}
	if cfg.PSS.BasePath == "" {
		errs = append(errs, "pss.basePath is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Orchestrator.StepMaxRetries < 0 {
		errs = append(errs, "orchestrator.stepMaxRetries must be >= 0")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

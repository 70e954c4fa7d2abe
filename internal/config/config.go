package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the process-level configuration surface for the agent runtime.
// Every field is a closed, typed struct — no free-form map[string]any — per
// the execution core's configuration model.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Session SessionConfig `yaml:"session"`
	LLM     LLMConfig     `yaml:"llm"`
	Tools   ToolsConfig   `yaml:"tools"`
	Agent   AgentConfig   `yaml:"agent"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig configures the process's network-facing surface.
type ServerConfig struct {
	Host        string `yaml:"host"`
	GRPCPort    int    `yaml:"grpc_port"`
	HTTPPort    int    `yaml:"http_port"`
	MetricsPort int    `yaml:"metrics_port"`
}

// DatabaseConfig backs the session/job store.
type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxConnections  int           `yaml:"max_connections"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// SessionConfig controls session history and pruning behavior.
type SessionConfig struct {
	DefaultAgentID string               `yaml:"default_agent_id"`
	HistoryLimit   int                  `yaml:"history_limit"`
	ContextPruning ContextPruningConfig `yaml:"context_pruning"`
}

// ContextPruningConfig is the YAML-overlay shape for
// agentctx.ContextPruningSettings; nil pointer fields mean "use default".
type ContextPruningConfig struct {
	Mode                 string                     `yaml:"mode"`
	TTL                  *time.Duration             `yaml:"ttl"`
	KeepLastAssistants   *int                       `yaml:"keep_last_assistants"`
	SoftTrimRatio        *float64                   `yaml:"soft_trim_ratio"`
	HardClearRatio       *float64                   `yaml:"hard_clear_ratio"`
	MinPrunableToolChars *int                       `yaml:"min_prunable_tool_chars"`
	Tools                ContextPruningToolConfig   `yaml:"tools"`
	SoftTrim             ContextPruningTrimConfig   `yaml:"soft_trim"`
	HardClear            ContextPruningClearConfig  `yaml:"hard_clear"`
}

type ContextPruningToolConfig struct {
	Allow []string `yaml:"allow"`
	Deny  []string `yaml:"deny"`
}

type ContextPruningTrimConfig struct {
	MaxChars  *int `yaml:"max_chars"`
	HeadChars *int `yaml:"head_chars"`
	TailChars *int `yaml:"tail_chars"`
}

type ContextPruningClearConfig struct {
	Enabled     *bool  `yaml:"enabled"`
	Placeholder string `yaml:"placeholder"`
}

// LLMConfig configures provider selection and failover.
type LLMConfig struct {
	DefaultProvider string                       `yaml:"default_provider"`
	Providers       map[string]LLMProviderConfig `yaml:"providers"`

	// FallbackChain lists provider IDs to try, in order, when the default
	// provider's FailoverOrchestrator exhausts its own retries.
	FallbackChain []string `yaml:"fallback_chain"`

	Failover FailoverOverlay `yaml:"failover"`
}

type LLMProviderConfig struct {
	APIKey       string `yaml:"api_key"`
	DefaultModel string `yaml:"default_model"`
	BaseURL      string `yaml:"base_url"`
}

// FailoverOverlay is the YAML shape of agent.FailoverConfig.
type FailoverOverlay struct {
	MaxRetries              int           `yaml:"max_retries"`
	RetryBackoff            time.Duration `yaml:"retry_backoff"`
	MaxRetryBackoff         time.Duration `yaml:"max_retry_backoff"`
	FailoverOnRateLimit     *bool         `yaml:"failover_on_rate_limit"`
	FailoverOnServerError   *bool         `yaml:"failover_on_server_error"`
	CircuitBreakerThreshold int           `yaml:"circuit_breaker_threshold"`
	CircuitBreakerTimeout   time.Duration `yaml:"circuit_breaker_timeout"`
}

// ToolsConfig controls tool execution, approval, and async-job behavior.
type ToolsConfig struct {
	Execution ToolExecutionConfig `yaml:"execution"`
	Approval  ApprovalConfig      `yaml:"approval"`
	Elevated  ElevatedConfig      `yaml:"elevated"`
	Jobs      ToolJobsConfig      `yaml:"jobs"`
}

// ToolExecutionConfig is the YAML shape of agent.ExecutorConfig plus the
// run-level knobs (max iterations/tool calls, async/require-approval lists)
// that live on agent.RuntimeOptions.
type ToolExecutionConfig struct {
	MaxIterations   int           `yaml:"max_iterations"`
	Parallelism     int           `yaml:"parallelism"`
	Timeout         time.Duration `yaml:"timeout"`
	MaxAttempts     int           `yaml:"max_attempts"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
	MaxRetryBackoff time.Duration `yaml:"max_retry_backoff"`
	DisableEvents   bool          `yaml:"disable_events"`
	MaxToolCalls    int           `yaml:"max_tool_calls"`
	RequireApproval []string      `yaml:"require_approval"`
	Async           []string      `yaml:"async"`
}

// ApprovalConfig controls tool approval behavior.
type ApprovalConfig struct {
	// Profile is a pre-configured tool access level: "coding", "messaging",
	// "readonly", "full", or "minimal".
	Profile string `yaml:"profile"`

	// Allowlist contains tools that are always allowed (no approval needed).
	// Supports patterns like "mcp:*", "read_*", "*" (all).
	Allowlist []string `yaml:"allowlist"`

	// Denylist contains tools that are always denied.
	Denylist []string `yaml:"denylist"`

	// DefaultDecision when no rule matches: "allowed", "denied", or "pending".
	DefaultDecision string `yaml:"default_decision"`

	// RequestTTL is how long a pending approval request remains valid.
	RequestTTL time.Duration `yaml:"request_ttl"`
}

// ElevatedConfig controls elevated tool execution behavior and allowlists.
type ElevatedConfig struct {
	Enabled *bool    `yaml:"enabled"`
	Tools   []string `yaml:"tools"`
}

// ToolJobsConfig controls async tool job persistence.
type ToolJobsConfig struct {
	Retention     time.Duration `yaml:"retention"`
	PruneInterval time.Duration `yaml:"prune_interval"`
}

// AgentConfig is the YAML overlay for the closed RuntimeOptions set described
// in §6.4: construction options a process operator may override at process
// start (config.Load) or at runtime (config.Watcher, via fsnotify).
type AgentConfig struct {
	RequestTimeout         time.Duration `yaml:"request_timeout"`
	IdleTimeout            time.Duration `yaml:"idle_timeout"`
	MaxRetries             int           `yaml:"max_retries"`
	MaxCompensationRetries int           `yaml:"max_compensation_retries"`
	MaxLoops               int           `yaml:"max_loops"`
	RetryDelay             time.Duration `yaml:"retry_delay"`
	EnableCompaction       *bool         `yaml:"enable_compaction"`
	PlanMode               bool          `yaml:"plan_mode"`
	MaxBufferSize          int           `yaml:"max_buffer_size"`
	MaxInputLength         int           `yaml:"max_input_length"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads and parses the configuration file, applying environment
// overrides and defaults, then validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	decoder := yaml.NewDecoder(strings.NewReader(expanded))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("failed to parse config: expected single document")
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	applyServerDefaults(&cfg.Server)
	applyDatabaseDefaults(&cfg.Database)
	applySessionDefaults(&cfg.Session)
	applyLLMDefaults(&cfg.LLM)
	applyToolsDefaults(&cfg.Tools)
	applyAgentDefaults(&cfg.Agent)
	applyLoggingDefaults(&cfg.Logging)
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}
	if cfg.GRPCPort == 0 {
		cfg.GRPCPort = 50051
	}
	if cfg.HTTPPort == 0 {
		cfg.HTTPPort = 8080
	}
	if cfg.MetricsPort == 0 {
		cfg.MetricsPort = 9090
	}
}

func applyDatabaseDefaults(cfg *DatabaseConfig) {
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 25
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
}

func applySessionDefaults(cfg *SessionConfig) {
	if cfg.DefaultAgentID == "" {
		cfg.DefaultAgentID = "main"
	}
	if cfg.HistoryLimit == 0 {
		cfg.HistoryLimit = 50
	}
}

func applyLLMDefaults(cfg *LLMConfig) {
	if cfg.DefaultProvider == "" {
		cfg.DefaultProvider = "anthropic"
	}
	if cfg.Failover.MaxRetries == 0 {
		cfg.Failover.MaxRetries = 3
	}
	if cfg.Failover.RetryBackoff == 0 {
		cfg.Failover.RetryBackoff = 500 * time.Millisecond
	}
	if cfg.Failover.MaxRetryBackoff == 0 {
		cfg.Failover.MaxRetryBackoff = 10 * time.Second
	}
	if cfg.Failover.CircuitBreakerThreshold == 0 {
		cfg.Failover.CircuitBreakerThreshold = 5
	}
	if cfg.Failover.CircuitBreakerTimeout == 0 {
		cfg.Failover.CircuitBreakerTimeout = time.Minute
	}
}

func applyToolsDefaults(cfg *ToolsConfig) {
	if cfg.Execution.MaxIterations == 0 {
		cfg.Execution.MaxIterations = 5
	}
	if cfg.Execution.Parallelism == 0 {
		cfg.Execution.Parallelism = 5
	}
	if cfg.Execution.Timeout == 0 {
		cfg.Execution.Timeout = 30 * time.Second
	}
	if cfg.Execution.MaxAttempts == 0 {
		cfg.Execution.MaxAttempts = 2
	}
	if cfg.Execution.RetryBackoff == 0 {
		cfg.Execution.RetryBackoff = 100 * time.Millisecond
	}
	if cfg.Execution.MaxRetryBackoff == 0 {
		cfg.Execution.MaxRetryBackoff = 5 * time.Second
	}
	if cfg.Jobs.Retention == 0 {
		cfg.Jobs.Retention = 24 * time.Hour
	}
	if cfg.Jobs.PruneInterval == 0 {
		cfg.Jobs.PruneInterval = time.Hour
	}
}

func applyAgentDefaults(cfg *AgentConfig) {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 30 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.MaxCompensationRetries == 0 {
		cfg.MaxCompensationRetries = 2
	}
	if cfg.MaxLoops == 0 {
		cfg.MaxLoops = 25
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	if cfg.MaxBufferSize == 0 {
		cfg.MaxBufferSize = 1 << 20 // 1 MiB
	}
	if cfg.MaxInputLength == 0 {
		cfg.MaxInputLength = 100_000
	}
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	if cfg.Format == "" {
		cfg.Format = "json"
	}
}

func applyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}

	if value := strings.TrimSpace(os.Getenv("NEXUS_HOST")); value != "" {
		cfg.Server.Host = value
	}
	if value := strings.TrimSpace(os.Getenv("NEXUS_HTTP_PORT")); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			cfg.Server.HTTPPort = parsed
		}
	}
	if value := strings.TrimSpace(os.Getenv("NEXUS_GRPC_PORT")); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			cfg.Server.GRPCPort = parsed
		}
	}
	if value := strings.TrimSpace(os.Getenv("NEXUS_METRICS_PORT")); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			cfg.Server.MetricsPort = parsed
		}
	}
	if value := strings.TrimSpace(os.Getenv("DATABASE_URL")); value != "" {
		cfg.Database.URL = value
	}
}

// ConfigValidationError collects every validation issue found in a Config so
// operators see all problems in one pass instead of fixing them one at a time.
type ConfigValidationError struct {
	Issues []string
}

func (e *ConfigValidationError) Error() string {
	return "config validation failed:\n- " + strings.Join(e.Issues, "\n- ")
}

func validateConfig(cfg *Config) error {
	if cfg == nil {
		return nil
	}

	var issues []string

	if cfg.Session.HistoryLimit < 0 {
		issues = append(issues, "session.history_limit must be >= 0")
	}

	defaultProvider := strings.ToLower(strings.TrimSpace(cfg.LLM.DefaultProvider))
	if defaultProvider != "" && len(cfg.LLM.Providers) > 0 {
		if _, ok := cfg.LLM.Providers[defaultProvider]; !ok {
			if _, ok := cfg.LLM.Providers[cfg.LLM.DefaultProvider]; !ok {
				issues = append(issues, fmt.Sprintf("llm.providers missing entry for default_provider %q", cfg.LLM.DefaultProvider))
			}
		}
	}

	if cfg.Tools.Execution.MaxIterations < 0 {
		issues = append(issues, "tools.execution.max_iterations must be >= 0")
	}
	if cfg.Tools.Execution.Parallelism < 0 {
		issues = append(issues, "tools.execution.parallelism must be >= 0")
	}
	if cfg.Tools.Execution.Timeout < 0 {
		issues = append(issues, "tools.execution.timeout must be >= 0")
	}
	if cfg.Tools.Execution.MaxToolCalls < 0 {
		issues = append(issues, "tools.execution.max_tool_calls must be >= 0")
	}
	if profile := strings.ToLower(strings.TrimSpace(cfg.Tools.Approval.Profile)); profile != "" {
		switch profile {
		case "coding", "messaging", "readonly", "full", "minimal":
		default:
			issues = append(issues, "tools.approval.profile must be \"coding\", \"messaging\", \"readonly\", \"full\", or \"minimal\"")
		}
	}

	if cfg.Agent.MaxLoops < 0 {
		issues = append(issues, "agent.max_loops must be >= 0")
	}
	if cfg.Agent.MaxRetries < 0 {
		issues = append(issues, "agent.max_retries must be >= 0")
	}
	if cfg.Agent.MaxCompensationRetries < 0 {
		issues = append(issues, "agent.max_compensation_retries must be >= 0")
	}
	if cfg.Agent.MaxInputLength < 0 {
		issues = append(issues, "agent.max_input_length must be >= 0")
	}

	if pluginIssues := pluginValidationIssues(cfg); len(pluginIssues) > 0 {
		issues = append(issues, pluginIssues...)
	}

	if len(issues) > 0 {
		return &ConfigValidationError{Issues: issues}
	}

	return nil
}

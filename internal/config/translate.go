package config

import (
	"github.com/wangrenren611/coding-agent-sub003/internal/agent"
	agentctx "github.com/wangrenren611/coding-agent-sub003/internal/agent/context"
)

// RuntimeOptions translates the YAML-facing ToolsConfig/AgentConfig overlay
// into the agent.RuntimeOptions the execution core actually consumes.
func (c *Config) RuntimeOptions() agent.RuntimeOptions {
	if c == nil {
		return agent.DefaultRuntimeOptions()
	}

	opts := agent.DefaultRuntimeOptions()
	opts.MaxIterations = c.Tools.Execution.MaxIterations
	opts.ToolParallelism = c.Tools.Execution.Parallelism
	opts.ToolTimeout = c.Tools.Execution.Timeout
	opts.ToolMaxAttempts = c.Tools.Execution.MaxAttempts
	opts.ToolRetryBackoff = c.Tools.Execution.RetryBackoff
	opts.DisableToolEvents = c.Tools.Execution.DisableEvents
	opts.MaxToolCalls = c.Tools.Execution.MaxToolCalls
	opts.RequireApproval = c.Tools.Execution.RequireApproval
	opts.ElevatedTools = c.Tools.Elevated.Tools
	opts.AsyncTools = c.Tools.Execution.Async
	return opts
}

// ExecutorConfig translates ToolExecutionConfig into agent.ExecutorConfig.
func (c *Config) ExecutorConfig() *agent.ExecutorConfig {
	cfg := agent.DefaultExecutorConfig()
	if c == nil {
		return cfg
	}
	if c.Tools.Execution.Parallelism > 0 {
		cfg.MaxConcurrency = c.Tools.Execution.Parallelism
	}
	if c.Tools.Execution.Timeout > 0 {
		cfg.DefaultTimeout = c.Tools.Execution.Timeout
	}
	if c.Tools.Execution.MaxAttempts > 0 {
		cfg.DefaultRetries = c.Tools.Execution.MaxAttempts
	}
	if c.Tools.Execution.RetryBackoff > 0 {
		cfg.RetryBackoff = c.Tools.Execution.RetryBackoff
	}
	if c.Tools.Execution.MaxRetryBackoff > 0 {
		cfg.MaxRetryBackoff = c.Tools.Execution.MaxRetryBackoff
	}
	return cfg
}

// FailoverConfig translates the LLM failover overlay into agent.FailoverConfig.
func (c *Config) FailoverConfig() *agent.FailoverConfig {
	cfg := agent.DefaultFailoverConfig()
	if c == nil {
		return cfg
	}
	f := c.LLM.Failover
	if f.MaxRetries > 0 {
		cfg.MaxRetries = f.MaxRetries
	}
	if f.RetryBackoff > 0 {
		cfg.RetryBackoff = f.RetryBackoff
	}
	if f.MaxRetryBackoff > 0 {
		cfg.MaxRetryBackoff = f.MaxRetryBackoff
	}
	if f.FailoverOnRateLimit != nil {
		cfg.FailoverOnRateLimit = *f.FailoverOnRateLimit
	}
	if f.FailoverOnServerError != nil {
		cfg.FailoverOnServerError = *f.FailoverOnServerError
	}
	if f.CircuitBreakerThreshold > 0 {
		cfg.CircuitBreakerThreshold = f.CircuitBreakerThreshold
	}
	if f.CircuitBreakerTimeout > 0 {
		cfg.CircuitBreakerTimeout = f.CircuitBreakerTimeout
	}
	return cfg
}

// ApprovalPolicy translates ToolsConfig.Approval into an agent.ApprovalPolicy.
func (c *Config) ApprovalPolicy() *agent.ApprovalPolicy {
	policy := agent.DefaultApprovalPolicy()
	if c == nil {
		return policy
	}
	a := c.Tools.Approval
	if len(a.Allowlist) > 0 {
		policy.Allowlist = a.Allowlist
	}
	if len(a.Denylist) > 0 {
		policy.Denylist = a.Denylist
	}
	if a.DefaultDecision != "" {
		policy.DefaultDecision = agent.ApprovalDecision(a.DefaultDecision)
	}
	if a.RequestTTL > 0 {
		policy.RequestTTL = a.RequestTTL
	}
	return policy
}

// ContextPruningSettings converts the session's pruning overlay into
// agentctx.ContextPruningSettings, or nil when pruning is disabled.
func (c *Config) ContextPruningSettings() *agentctx.ContextPruningSettings {
	if c == nil {
		return nil
	}
	return EffectiveContextPruningSettings(c.Session.ContextPruning)
}

package main

import (
	"fmt"
	"time"

	"github.com/wangrenren611/coding-agent-sub003/internal/agent"
	"github.com/wangrenren611/coding-agent-sub003/internal/agent/providers"
	"github.com/wangrenren611/coding-agent-sub003/internal/config"
)

// newNamedProvider builds a single concrete agent.LLMProvider from a
// provider ID and its YAML configuration block.
func newNamedProvider(id string, pc config.LLMProviderConfig) (agent.LLMProvider, error) {
	switch id {
	case "anthropic":
		return providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:       pc.APIKey,
			BaseURL:      pc.BaseURL,
			DefaultModel: pc.DefaultModel,
			MaxRetries:   3,
			RetryDelay:   time.Second,
		})
	case "openai":
		return providers.NewOpenAIProvider(pc.APIKey), nil
	case "azure", "azure_openai":
		return providers.NewAzureOpenAIProvider(providers.AzureOpenAIConfig{
			Endpoint:     pc.BaseURL,
			APIKey:       pc.APIKey,
			DefaultModel: pc.DefaultModel,
		})
	case "google", "gemini":
		return providers.NewGoogleProvider(providers.GoogleConfig{
			APIKey:     pc.APIKey,
			MaxRetries: 3,
			RetryDelay: time.Second,
		})
	case "ollama":
		return providers.NewOllamaProvider(providers.OllamaConfig{
			BaseURL:      pc.BaseURL,
			DefaultModel: pc.DefaultModel,
		}), nil
	case "openrouter":
		return providers.NewOpenRouterProvider(providers.OpenRouterConfig{
			APIKey:       pc.APIKey,
			DefaultModel: pc.DefaultModel,
		})
	case "copilot_proxy", "copilot":
		return providers.NewCopilotProxyProvider(providers.CopilotProxyConfig{
			BaseURL: pc.BaseURL,
		})
	case "bedrock":
		return providers.NewBedrockProvider(providers.BedrockConfig{
			Region:      pc.BaseURL,
			AccessKeyID: pc.APIKey,
		})
	default:
		return nil, fmt.Errorf("unknown llm provider %q", id)
	}
}

// resolveProvider builds the agent.LLMProvider the runtime should use:
// the default provider alone, or a agent.FailoverOrchestrator wrapping it
// plus every provider named in LLM.FallbackChain.
func resolveProvider(cfg *config.Config) (agent.LLMProvider, error) {
	if cfg.LLM.DefaultProvider == "" {
		return nil, fmt.Errorf("llm.default_provider is required")
	}

	primaryCfg, ok := cfg.LLM.Providers[cfg.LLM.DefaultProvider]
	if !ok {
		return nil, fmt.Errorf("llm.providers has no entry for default_provider %q", cfg.LLM.DefaultProvider)
	}
	primary, err := newNamedProvider(cfg.LLM.DefaultProvider, primaryCfg)
	if err != nil {
		return nil, fmt.Errorf("building provider %q: %w", cfg.LLM.DefaultProvider, err)
	}

	if len(cfg.LLM.FallbackChain) == 0 {
		return primary, nil
	}

	orchestrator := agent.NewFailoverOrchestrator(primary, cfg.FailoverConfig())
	for _, id := range cfg.LLM.FallbackChain {
		pc, ok := cfg.LLM.Providers[id]
		if !ok {
			return nil, fmt.Errorf("llm.fallback_chain names unconfigured provider %q", id)
		}
		fallback, err := newNamedProvider(id, pc)
		if err != nil {
			return nil, fmt.Errorf("building fallback provider %q: %w", id, err)
		}
		orchestrator.AddProvider(fallback)
	}
	return orchestrator, nil
}

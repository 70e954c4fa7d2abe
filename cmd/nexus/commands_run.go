package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/wangrenren611/coding-agent-sub003/internal/agent"
	"github.com/wangrenren611/coding-agent-sub003/internal/config"
	"github.com/wangrenren611/coding-agent-sub003/internal/sessions"
	"github.com/wangrenren611/coding-agent-sub003/pkg/models"
)

// buildRunCmd creates the "run" command: load configuration, resolve a
// provider, drive a single agent turn to completion, and print the result.
func buildRunCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run [input]",
		Short: "Run a single agent turn against the configured provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd.Context(), configPath, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "nexus.yaml", "path to YAML configuration file")
	return cmd
}

func runOnce(ctx context.Context, configPath, input string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	provider, err := resolveProvider(cfg)
	if err != nil {
		return fmt.Errorf("resolving provider: %w", err)
	}

	a := agent.NewAgent(agent.AgentConfig{
		Provider:               provider,
		Registry:               agent.NewToolRegistry(),
		Sessions:               sessions.NewMemoryStore(),
		RequestTimeoutMs:       int(cfg.Agent.RequestTimeout.Milliseconds()),
		IdleTimeoutMs:          int(cfg.Agent.IdleTimeout.Milliseconds()),
		MaxRetries:             cfg.Agent.MaxRetries,
		MaxCompensationRetries: cfg.Agent.MaxCompensationRetries,
		MaxLoops:               cfg.Agent.MaxLoops,
		RetryDelayMs:           int(cfg.Agent.RetryDelay.Milliseconds()),
		MaxInputLength:         cfg.Agent.MaxInputLength,
		EventSink: agent.NewCallbackSink(func(_ context.Context, e models.AgentEvent) {
			slog.Debug("agent event", "type", e.Type, "seq", e.Sequence)
		}),
	})

	result := a.ExecuteWithResult(ctx, input)
	if result.Failure != nil {
		slog.Error("run failed", "code", result.Failure.Code, "error", result.Failure.Error())
		return result.Failure
	}

	if result.FinalMessage != nil {
		fmt.Println(result.FinalMessage.Content)
	}
	slog.Info("run complete", "status", result.Status, "retries", result.RetryCount, "loops", result.LoopCount)
	return nil
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/wangrenren611/coding-agent-sub003/internal/agent"
	"github.com/wangrenren611/coding-agent-sub003/internal/config"
	"github.com/wangrenren611/coding-agent-sub003/internal/jobs"
	"github.com/wangrenren611/coding-agent-sub003/internal/sessions"
	"github.com/wangrenren611/coding-agent-sub003/internal/storage"
	"github.com/wangrenren611/coding-agent-sub003/pkg/models"
)

// resolveStores picks a session/job storage backend from the configured
// database URL: a postgres:// DSN uses storage.PostgresStore for sessions
// and jobs.CockroachStore for jobs (both speak the Postgres wire protocol),
// a filesystem path uses the embedded storage.SQLiteStore for both, and an
// empty URL falls back to in-memory stores.
func resolveStores(cfg *config.Config) (sessions.Store, jobs.Store, error) {
	url := strings.TrimSpace(cfg.Database.URL)
	switch {
	case url == "":
		return sessions.NewMemoryStore(), jobs.NewMemoryStore(), nil
	case strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://"):
		sessionStore, err := storage.NewPostgresStoreFromDSN(url, storage.DefaultPostgresConfig())
		if err != nil {
			return nil, nil, fmt.Errorf("postgres session store: %w", err)
		}
		jobStore, err := jobs.NewCockroachStoreFromDSN(url, jobs.DefaultCockroachConfig())
		if err != nil {
			return nil, nil, fmt.Errorf("cockroach job store: %w", err)
		}
		return sessionStore, jobStore, nil
	default:
		store, err := storage.NewSQLiteStore(url)
		if err != nil {
			return nil, nil, fmt.Errorf("sqlite store: %w", err)
		}
		return store.Sessions(), store.Jobs(), nil
	}
}

// buildServeCmd creates the "serve" command that starts the long-lived
// process: an HTTP surface for health/metrics/execute, serving until a
// shutdown signal arrives.
func buildServeCmd() *cobra.Command {
	var configPath string
	var tracePath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the agent execution server",
		Long: `Start the agent execution server.

The server will:
1. Load configuration from the specified file
2. Resolve the configured LLM provider (with failover if fallback_chain is set)
3. Serve /healthz, /metrics, and /v1/execute over HTTP

Graceful shutdown is handled on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, tracePath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "nexus.yaml", "path to YAML configuration file")
	cmd.Flags().StringVar(&tracePath, "trace-file", "", "write a JSONL event trace of every run to this path (disabled if empty)")
	return cmd
}

func runServe(ctx context.Context, configPath, tracePath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	provider, err := resolveProvider(cfg)
	if err != nil {
		return fmt.Errorf("resolving provider: %w", err)
	}

	sessionStore, jobStore, err := resolveStores(cfg)
	if err != nil {
		return fmt.Errorf("connecting storage: %w", err)
	}

	runtimeOpts := cfg.RuntimeOptions()
	runtimeOpts.JobStore = jobStore
	runtimeOpts.ApprovalChecker = agent.NewApprovalChecker(cfg.ApprovalPolicy())
	runtime := agent.NewRuntimeWithOptions(provider, sessionStore, runtimeOpts)

	if tracePath != "" {
		tracer, err := agent.NewTracePluginFile(tracePath, "serve")
		if err != nil {
			return fmt.Errorf("opening trace file: %w", err)
		}
		defer tracer.Close()
		runtime.Use(tracer)
	}

	srv := &executeServer{
		cfg:      cfg,
		runtime:  runtime,
		sessions: sessionStore,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", srv.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/v1/execute", srv.handleExecute)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort)
	httpSrv := &http.Server{Addr: addr, Handler: mux}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("serving", "addr", addr, "llm_provider", cfg.LLM.DefaultProvider)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	return httpSrv.Shutdown(shutdownCtx)
}

type executeServer struct {
	cfg      *config.Config
	runtime  *agent.Runtime
	sessions sessions.Store
}

func (s *executeServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type executeRequest struct {
	SessionKey string `json:"session_key"`
	AgentID    string `json:"agent_id"`
	Input      string `json:"input"`
}

type executeResponse struct {
	Content string `json:"content"`
}

// handleExecute drives one turn of the agentic loop for the given session
// and returns the final assistant message, buffering the streamed chunks.
func (s *executeServer) handleExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Input == "" || req.SessionKey == "" {
		http.Error(w, "session_key and input are required", http.StatusBadRequest)
		return
	}
	agentID := req.AgentID
	if agentID == "" {
		agentID = s.cfg.Session.DefaultAgentID
	}

	ctx := r.Context()
	session, err := s.sessions.GetOrCreate(ctx, req.SessionKey, agentID, models.ChannelAPI, req.SessionKey)
	if err != nil {
		http.Error(w, fmt.Sprintf("resolving session: %v", err), http.StatusInternalServerError)
		return
	}

	msg := &models.Message{
		SessionID: session.ID,
		Role:      models.RoleUser,
		Content:   req.Input,
	}

	chunks, err := s.runtime.Process(ctx, session, msg)
	if err != nil {
		http.Error(w, fmt.Sprintf("executing turn: %v", err), http.StatusInternalServerError)
		return
	}

	var content string
	for chunk := range chunks {
		if chunk == nil {
			continue
		}
		content += chunk.Text
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(executeResponse{Content: content})
}

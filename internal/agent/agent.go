package agent

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wangrenren611/coding-agent-sub003/internal/sessions"
	"github.com/wangrenren611/coding-agent-sub003/pkg/models"
)

// AgentConfig is the closed set of construction options for an Agent
// instance, per SPEC_FULL.md §6.4. Fields not set here fall back to the
// defaults documented inline, matching the teacher's merge*(base, override)
// idiom used elsewhere in this package (see sanitizeLoopConfig).
type AgentConfig struct {
	// Provider is required; StartTask fails with AGENT_CONFIGURATION_ERROR
	// when nil.
	Provider LLMProvider

	// Registry supplies the tools the model may call, including the
	// special "task" subagent tool when registered by the caller.
	Registry *ToolRegistry

	// Sessions persists the conversation; required.
	Sessions sessions.Store

	SystemPrompt string
	Stream       bool
	SessionID    string

	RequestTimeoutMs       int
	IdleTimeoutMs          int
	MaxRetries             int
	MaxCompensationRetries int
	MaxLoops               int
	RetryDelayMs           int
	MaxInputLength         int

	ToolExecConfig ToolExecConfig
	Logger         *slog.Logger

	// EventSink receives the Agent's event stream (TASK_*, TEXT_*,
	// TOOL_CALL_*, STATUS, ...). Defaults to NopSink.
	EventSink EventSink
}

// defaultAgentConfig mirrors SPEC_FULL.md §6.4's defaults.
func defaultAgentConfig() AgentConfig {
	return AgentConfig{
		IdleTimeoutMs:          int(DefaultIdleTimeout / time.Millisecond),
		MaxLoops:               100,
		MaxRetries:             3,
		MaxCompensationRetries: 1,
		RetryDelayMs:           1000,
		MaxInputLength:         200_000,
	}
}

func (c AgentConfig) sanitized() AgentConfig {
	cfg := defaultAgentConfig()
	if c.Provider != nil {
		cfg.Provider = c.Provider
	}
	if c.Registry != nil {
		cfg.Registry = c.Registry
	} else {
		cfg.Registry = NewToolRegistry()
	}
	if c.Sessions != nil {
		cfg.Sessions = c.Sessions
	}
	cfg.SystemPrompt = c.SystemPrompt
	cfg.Stream = c.Stream
	cfg.SessionID = c.SessionID
	if c.RequestTimeoutMs > 0 {
		cfg.RequestTimeoutMs = c.RequestTimeoutMs
	}
	if c.IdleTimeoutMs > 0 {
		cfg.IdleTimeoutMs = c.IdleTimeoutMs
	}
	if c.MaxRetries > 0 {
		cfg.MaxRetries = c.MaxRetries
	}
	if c.MaxCompensationRetries > 0 {
		cfg.MaxCompensationRetries = c.MaxCompensationRetries
	}
	if c.MaxLoops > 0 {
		cfg.MaxLoops = c.MaxLoops
	}
	if c.RetryDelayMs > 0 {
		cfg.RetryDelayMs = c.RetryDelayMs
	}
	if c.MaxInputLength > 0 {
		cfg.MaxInputLength = c.MaxInputLength
	}
	cfg.ToolExecConfig = c.ToolExecConfig
	if c.Logger != nil {
		cfg.Logger = c.Logger
	} else {
		cfg.Logger = slog.Default()
	}
	if c.EventSink != nil {
		cfg.EventSink = c.EventSink
	} else {
		cfg.EventSink = NopSink{}
	}
	return cfg
}

// ExecuteResult is the non-throwing outcome of executeWithResult.
type ExecuteResult struct {
	Status       AgentStatus
	FinalMessage *models.Message
	Failure      *Failure
	RetryCount   int
	LoopCount    int
}

// unsafeInputPattern rejects the XSS-style payloads named in SPEC_FULL.md
// §4.1's execute() input validation.
var unsafeInputPattern = regexp.MustCompile(`(?i)<script|javascript:|on\w+\s*=`)

// Agent is the public execution-core orchestrator named in SPEC_FULL.md
// §4.1: execute/executeWithResult/abort/getStatus drive a single outer
// loop backed by ExecState (status+counters), Classifier (retry policy),
// and Runner/StreamConsumer (the LLM call). It composes the same
// ToolRegistry/ToolExecutor collaborators AgenticLoop uses for tool
// dispatch, but owns its own simpler outer loop so the retry/compensation
// machinery and idle-timeout watchdog actually run on a real code path
// instead of living beside AgenticLoop unexercised.
type Agent struct {
	cfg        AgentConfig
	state      *ExecState
	classifier *Classifier
	executor   *ToolExecutor
	emitter    *EventEmitter

	mu     sync.Mutex
	cancel context.CancelFunc

	session *models.Session
}

// NewAgent constructs an Agent. Session is fetched/created lazily on the
// first execute() call if cfg.SessionID refers to one that does not yet
// exist.
func NewAgent(cfg AgentConfig) *Agent {
	sanitized := cfg.sanitized()
	executor := NewToolExecutor(sanitized.Registry, sanitized.ToolExecConfig)
	runID := sanitized.SessionID
	if runID == "" {
		runID = uuid.NewString()
	}
	return &Agent{
		cfg:        sanitized,
		state:      NewExecState(),
		classifier: NewClassifier(sanitized.RetryDelayMs),
		executor:   executor,
		emitter:    NewEventEmitter(runID, sanitized.EventSink),
	}
}

// GetStatus returns the agent's current lifecycle status.
func (a *Agent) GetStatus() AgentStatus { return a.state.Status() }

// GetLoopCount returns the current outer-loop iteration count.
func (a *Agent) GetLoopCount() int { return a.state.LoopCount() }

// GetRetryCount returns the current ordinary-retry counter.
func (a *Agent) GetRetryCount() int { return a.state.RetryCount() }

// GetTaskStartTime returns the start time of the current/most recent task.
func (a *Agent) GetTaskStartTime() time.Time { return a.state.StartedAt() }

// GetSessionID returns the configured session id.
func (a *Agent) GetSessionID() string { return a.cfg.SessionID }

// GetMessages returns the session's persisted history, if a session store
// is configured.
func (a *Agent) GetMessages(ctx context.Context) ([]*models.Message, error) {
	if a.cfg.Sessions == nil {
		return nil, nil
	}
	return a.cfg.Sessions.GetHistory(ctx, a.cfg.SessionID, 0)
}

// Abort requests cancellation of the in-flight task. Idempotent and safe
// to call in any state: context.CancelFunc is itself safe to invoke more
// than once, and calling it when no task is running is a silent no-op.
func (a *Agent) Abort() {
	a.mu.Lock()
	cancel := a.cancel
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (a *Agent) setCancel(cancel context.CancelFunc) {
	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()
}

// validateInput applies SPEC_FULL.md §4.1's execute() validation rules.
func (a *Agent) validateInput(input string) error {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return NewFailure(FailureAgentValidationError, fmt.Errorf("input is empty")).
			WithUserMessage("input must not be empty")
	}
	if len(input) > a.cfg.MaxInputLength {
		return NewFailure(FailureAgentValidationError, fmt.Errorf("input exceeds maximum length %d", a.cfg.MaxInputLength)).
			WithUserMessage("input is too long")
	}
	if unsafeInputPattern.MatchString(input) {
		return NewFailure(FailureAgentValidationError, fmt.Errorf("input contains disallowed content")).
			WithUserMessage("input contains disallowed content")
	}
	return nil
}

// Execute runs one task to completion and returns the final assistant
// message, or an error for callers who prefer exception style. The error
// is always classifiable via AsFailure after state has reached a terminal
// status and TASK_FAILED/TASK_SUCCESS has been emitted, per §7's
// propagation rule.
func (a *Agent) Execute(ctx context.Context, input string) (*models.Message, error) {
	result := a.ExecuteWithResult(ctx, input)
	if result.Status == StatusCompleted {
		return result.FinalMessage, nil
	}
	if result.Failure != nil {
		return nil, result.Failure
	}
	return nil, NewFailure(FailureAgentRuntimeError, fmt.Errorf("task did not complete"))
}

// ExecuteWithResult runs one task to completion and never throws: every
// outcome, including validation and busy rejections, is folded into the
// returned ExecuteResult.
func (a *Agent) ExecuteWithResult(ctx context.Context, input string) *ExecuteResult {
	if a.cfg.Provider == nil {
		failure := NewFailure(FailureAgentConfigurationError, ErrNoProvider).WithUserMessage("no model provider is configured")
		return &ExecuteResult{Status: StatusFailed, Failure: failure}
	}
	if err := a.validateInput(input); err != nil {
		failure, _ := AsFailure(err)
		return &ExecuteResult{Status: StatusFailed, Failure: failure}
	}
	if !a.state.StartTask(time.Now()) {
		failure := NewFailure(FailureAgentBusy, fmt.Errorf("agent is not idle")).WithUserMessage("a task is already running")
		return &ExecuteResult{Status: a.state.Status(), Failure: failure, RetryCount: a.state.RetryCount(), LoopCount: a.state.LoopCount()}
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.setCancel(cancel)
	defer func() {
		a.setCancel(nil)
		cancel()
	}()

	a.emitter.TaskStart(runCtx)
	a.emitter.Status(runCtx, StatusRunning, "")

	if err := a.ensureSession(runCtx); err != nil {
		failure := NewFailure(FailureAgentConfigurationError, err).WithUserMessage("failed to initialize session")
		a.state.FailTask(failure)
		a.emitter.TaskFailed(runCtx, a.state.LoopCount(), failure)
		return a.resultFromState(nil)
	}

	messages, err := a.loadHistory(runCtx)
	if err != nil {
		failure := NewFailure(FailureAgentConfigurationError, err).WithUserMessage("failed to load session history")
		a.state.FailTask(failure)
		a.emitter.TaskFailed(runCtx, a.state.LoopCount(), failure)
		return a.resultFromState(nil)
	}

	userMsg := &models.Message{
		ID:        uuid.NewString(),
		SessionID: a.cfg.SessionID,
		Role:      models.RoleUser,
		Content:   input,
		CreatedAt: time.Now(),
	}
	messages = append(messages, CompletionMessage{Role: string(models.RoleUser), Content: input})
	if a.cfg.Sessions != nil {
		_ = a.cfg.Sessions.AppendMessage(runCtx, a.cfg.SessionID, userMsg)
	}

	finalMsg := a.runLoop(runCtx, messages)
	return a.resultFromState(finalMsg)
}

func (a *Agent) resultFromState(finalMsg *models.Message) *ExecuteResult {
	snap := a.state.Snapshot()
	return &ExecuteResult{
		Status:       snap.Status,
		FinalMessage: finalMsg,
		Failure:      snap.Failure,
		RetryCount:   snap.TotalRetryCount,
		LoopCount:    snap.LoopCount,
	}
}

func (a *Agent) ensureSession(ctx context.Context) error {
	if a.cfg.Sessions == nil {
		return fmt.Errorf("no session store configured")
	}
	if a.cfg.SessionID == "" {
		a.cfg.SessionID = uuid.NewString()
	}
	if _, err := a.cfg.Sessions.Get(ctx, a.cfg.SessionID); err != nil {
		session := &models.Session{ID: a.cfg.SessionID, CreatedAt: time.Now(), UpdatedAt: time.Now()}
		return a.cfg.Sessions.Create(ctx, session)
	}
	return nil
}

func (a *Agent) loadHistory(ctx context.Context) ([]CompletionMessage, error) {
	if a.cfg.Sessions == nil {
		return nil, nil
	}
	history, err := a.cfg.Sessions.GetHistory(ctx, a.cfg.SessionID, 100)
	if err != nil {
		return nil, err
	}
	messages := make([]CompletionMessage, 0, len(history))
	for _, m := range history {
		messages = append(messages, CompletionMessage{
			Role:        string(m.Role),
			Content:     m.Content,
			ToolCalls:   m.ToolCalls,
			ToolResults: m.ToolResults,
			Attachments: m.Attachments,
		})
	}
	return messages, nil
}

// runLoop implements SPEC_FULL.md §4.1's outer-loop pseudocode: it is the
// only place recordSuccess/recordRetryableError/recordCompensationRetry/
// the loop/retry/compensation exceeded checks are invoked together.
func (a *Agent) runLoop(ctx context.Context, messages []CompletionMessage) *models.Message {
	runner := NewRunner(a.cfg.Provider, a.emitter)

	for {
		if ctx.Err() != nil {
			a.finishAborted(ctx)
			return nil
		}

		// Tie-break: abort already handled above; retry-exceeded takes
		// precedence over loop-exceeded when both become true together.
		if a.state.IsRetryExceeded(a.cfg.MaxRetries) {
			a.failWith(ctx, FailureAgentMaxRetriesExceeded, fmt.Errorf("retry budget of %d exhausted", a.cfg.MaxRetries), true)
			return nil
		}
		if a.state.IsLoopExceeded(a.cfg.MaxLoops) {
			a.failWith(ctx, FailureAgentLoopExceeded, fmt.Errorf("loop budget of %d exhausted", a.cfg.MaxLoops), false)
			return nil
		}
		if a.state.IsCompensationRetryExceeded(a.cfg.MaxCompensationRetries) {
			a.failWith(ctx, FailureAgentCompensationRetryExceeded, fmt.Errorf("compensation retry budget of %d exhausted", a.cfg.MaxCompensationRetries), false)
			return nil
		}

		a.state.IncrementLoop()

		tools := a.cfg.Registry.AsLLMTools()
		req := &CompletionRequest{
			System:   a.cfg.SystemPrompt,
			Messages: messages,
			Tools:    tools,
		}

		result, err := runner.Run(ctx, req, RunnerOptions{
			Stream:           a.cfg.Stream,
			RequestTimeoutMs: a.cfg.RequestTimeoutMs,
			IdleTimeoutMs:    a.cfg.IdleTimeoutMs,
		})
		if err != nil {
			decision := a.classifier.Decide(ctx, err)
			switch decision.Kind {
			case DecisionAbort:
				a.finishAborted(ctx)
				return nil
			case DecisionFatal:
				a.failWith(ctx, decision.Code, err, decision.IsRateLimit)
				return nil
			default: // DecisionRetry
				retryCount, delayMs := a.state.RecordRetryableError(decision.DelayMs, a.cfg.RetryDelayMs)
				a.emitter.TaskRetry(ctx, retryCount, a.cfg.MaxRetries, decision.Reason)
				if !a.sleepInterruptible(ctx, time.Duration(delayMs)*time.Millisecond) {
					a.finishAborted(ctx)
					return nil
				}
				continue
			}
		}

		a.state.RecordSuccess()
		messages = append(messages, CompletionMessage{Role: "assistant", Content: result.Text, ToolCalls: result.ToolCalls})

		if len(result.ToolCalls) > 0 {
			toolResults := a.dispatchTools(ctx, result.ToolCalls)
			messages = append(messages, CompletionMessage{Role: "tool", ToolResults: toolResults})
			continue
		}

		if strings.TrimSpace(result.Text) == "" {
			// Compensation retry (§4.6): the model went silent. Remove the
			// empty assistant message we just appended and re-ask.
			messages = messages[:len(messages)-1]
			count := a.state.RecordCompensationRetry()
			a.emitter.TaskRetry(ctx, count, a.cfg.MaxCompensationRetries, "empty model response")
			continue
		}

		a.state.CompleteTask()
		finalMsg := &models.Message{
			ID:           uuid.NewString(),
			SessionID:    a.cfg.SessionID,
			Role:         models.RoleAssistant,
			Content:      result.Text,
			FinishReason: models.FinishStop,
			CreatedAt:    time.Now(),
		}
		if a.cfg.Sessions != nil {
			_ = a.cfg.Sessions.AppendMessage(ctx, a.cfg.SessionID, finalMsg)
		}
		a.emitter.TextComplete(ctx, result.Text)
		a.emitter.TaskSuccess(ctx)
		a.emitter.Status(ctx, StatusCompleted, "")
		return finalMsg
	}
}

// dispatchTools executes tool calls sequentially in list order, per
// SPEC_FULL.md §4.5's default (parallel execution requires every call in
// the turn to opt in via ToolConfig.Parallel, which the AgenticLoop's
// Executor path already honors for the multi-turn surface; the Agent
// orchestrator's dispatcher keeps the simpler, spec-literal sequential
// default since it has no per-tool Parallel override of its own).
func (a *Agent) dispatchTools(ctx context.Context, calls []models.ToolCall) []models.ToolResult {
	execResults := a.executor.ExecuteSequentially(ctx, calls)
	results := make([]models.ToolResult, len(execResults))
	for i, r := range execResults {
		results[i] = r.Result
		a.emitter.ToolCallResult(ctx, r.ToolCall.ID, !r.Result.IsError, []byte(r.Result.Content))
	}
	return results
}

// sleepInterruptible waits for d or returns false early if ctx is
// cancelled, so abort() during a retry backoff returns promptly (§4.6,
// §5's suspension-point cancellation contract).
func (a *Agent) sleepInterruptible(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (a *Agent) finishAborted(ctx context.Context) {
	a.state.AbortTask()
	a.emitter.Status(ctx, StatusAborted, "")
	a.emitter.TaskFailed(ctx, a.state.LoopCount(), a.state.Failure())
}

func (a *Agent) failWith(ctx context.Context, code FailureCode, cause error, isRateLimit bool) {
	failure := NewFailure(code, cause)
	if isRateLimit && code == FailureAgentMaxRetriesExceeded {
		failure.WithRateLimit(true).WithRecoveryHint("resume later using the same session id: " + a.cfg.SessionID)
	}
	switch code {
	case FailureToolExecutionFailed:
		failure.WithUserMessage("Tool execution failed. Please try again.")
	default:
		failure.WithUserMessage(failure.InternalMessage)
	}
	a.state.FailTask(failure)
	a.emitter.Status(ctx, StatusFailed, failure.UserMessage)
	a.emitter.TaskFailed(ctx, a.state.LoopCount(), failure)
}

package agent

import (
	"context"
	"time"

	"github.com/wangrenren611/coding-agent-sub003/pkg/models"
)

// RunnerOptions configures a single provider call, per SPEC_FULL.md §4.3's
// inputs (message list carried separately via CompletionRequest, plus the
// timeout knobs).
type RunnerOptions struct {
	// Stream selects between the non-streaming request-level timeout and
	// the streaming idle-timeout watchdog.
	Stream bool

	// RequestTimeoutMs bounds a non-streaming call; ignored when Stream is true.
	RequestTimeoutMs int

	// IdleTimeoutMs bounds the gap between chunks of a streaming call;
	// ignored when Stream is false. Normalized via NormalizeIdleTimeout.
	IdleTimeoutMs int
}

// RunResult is a Runner's normalized success output.
type RunResult struct {
	Text      string
	Thinking  string
	ToolCalls []models.ToolCall
}

const defaultRequestTimeoutMs = 60_000

// Runner wraps a single LLMProvider call with a cancellation-aware
// deadline (SPEC_FULL.md §4.3). It is unaware whether one or several
// concrete providers back the LLMProvider it holds -- a multi-provider
// roster satisfies the same interface via failover.go's
// FailoverOrchestrator, so circuit-breaker bookkeeping lives there, not
// here; the outer loop's retry/compensation counters never see which
// concrete provider served a given attempt.
type Runner struct {
	provider LLMProvider
	emitter  *EventEmitter
}

// NewRunner returns a Runner over provider, optionally emitting TEXT_DELTA /
// REASONING_DELTA / TOOL_CALL_CREATED events as chunks arrive when emitter
// is non-nil.
func NewRunner(provider LLMProvider, emitter *EventEmitter) *Runner {
	return &Runner{provider: provider, emitter: emitter}
}

// Run executes one provider call and normalizes its outcome to a RunResult
// or a classified error -- callers run the error through Classifier.Decide.
func (r *Runner) Run(ctx context.Context, req *CompletionRequest, opts RunnerOptions) (*RunResult, error) {
	if r.provider == nil {
		return nil, NewFailure(FailureAgentConfigurationError, ErrNoProvider)
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if !opts.Stream {
		timeout := opts.RequestTimeoutMs
		if timeout <= 0 {
			timeout = defaultRequestTimeoutMs
		}
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(timeout)*time.Millisecond)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	completion, err := r.provider.Complete(runCtx, req)
	if err != nil {
		if runCtx.Err() != nil && ctx.Err() == nil {
			return nil, NewFailure(FailureLLMTimeout, runCtx.Err())
		}
		return nil, err
	}

	idleTimeout := NormalizeIdleTimeout(time.Duration(opts.IdleTimeoutMs) * time.Millisecond)
	consumer := NewStreamConsumer(idleTimeout)
	if r.emitter != nil {
		consumer.OnDelta(func(d string) { r.emitter.TextDelta(ctx, d) })
		consumer.OnThinking(func(d string) { r.emitter.ReasoningDelta(ctx, d) })
		consumer.OnToolCall(func(tc models.ToolCall) {
			r.emitter.ToolCallCreated(ctx, tc.ID, tc.Name, []byte(tc.Arguments))
		})
	}

	text, thinking, toolCalls, cerr := consumer.Consume(runCtx, completion, cancel)
	if cerr != nil {
		// A non-streaming call whose deadline (not the caller's ctx) fired
		// is reported as LLM_TIMEOUT rather than the raw context error.
		if !opts.Stream && runCtx.Err() != nil && ctx.Err() == nil {
			return nil, NewFailure(FailureLLMTimeout, runCtx.Err())
		}
		return nil, cerr
	}

	return &RunResult{Text: text, Thinking: thinking, ToolCalls: toolCalls}, nil
}

package agent

import (
	"context"
	"errors"
	"strings"
)

// RetryDecisionKind is the outcome of classifying one outer-loop error.
type RetryDecisionKind int

const (
	// DecisionRetry means the loop should back off and try again.
	DecisionRetry RetryDecisionKind = iota
	// DecisionFatal means the loop should stop and surface a Failure.
	DecisionFatal
	// DecisionAbort means the caller's cancellation was observed.
	DecisionAbort
)

// RetryDecision is the classifier's verdict for one error.
type RetryDecision struct {
	Kind       RetryDecisionKind
	Code       FailureCode
	DelayMs    int // only meaningful when Kind == DecisionRetry
	Reason     string
	IsRateLimit bool
}

// ProviderErrorKind mirrors the provider error taxonomy in SPEC_FULL.md
// §6.1. Concrete LLMProvider implementations that want precise
// classification (rather than falling back to string matching) return an
// error satisfying the ProviderError interface.
type ProviderErrorKind int

const (
	ProviderErrorAuth ProviderErrorKind = iota
	ProviderErrorNotFound
	ProviderErrorBadRequest
	ProviderErrorRateLimit
	ProviderErrorRetryable
	ProviderErrorAborted
	ProviderErrorGeneric
)

// ProviderError is the structured error contract a provider implementation
// can satisfy so the classifier does not need to pattern-match its message.
type ProviderError interface {
	error
	Kind() ProviderErrorKind
	RetryAfterMs() int
}

// Classifier maps a raw outer-loop error (and the structural case of an
// empty LLM response) to a RetryDecision, per SPEC_FULL.md §4.6's
// classification priority list. It is stateless and safe for concurrent
// use; state.go's ExecState, not the classifier, owns the counters that
// decide when a RETRY decision has been exhausted.
type Classifier struct {
	defaultRetryDelayMs int
}

// NewClassifier returns a Classifier using defaultRetryDelayMs when an error
// carries no explicit retry-after hint.
func NewClassifier(defaultRetryDelayMs int) *Classifier {
	if defaultRetryDelayMs <= 0 {
		defaultRetryDelayMs = 1000
	}
	return &Classifier{defaultRetryDelayMs: defaultRetryDelayMs}
}

// Decide classifies err under ctx, applying §4.6's priority order:
// external abort first, then the provider error taxonomy, then structural
// response errors, then internal categorized errors, then legacy text
// matching, with AGENT_RUNTIME_ERROR as the default.
func (c *Classifier) Decide(ctx context.Context, err error) RetryDecision {
	if err == nil {
		return RetryDecision{Kind: DecisionFatal, Code: FailureAgentRuntimeError, Reason: "classify called with nil error"}
	}

	// 1. External abort signal takes priority over everything else.
	if ctx != nil && ctx.Err() != nil {
		return RetryDecision{Kind: DecisionAbort, Code: FailureAgentAborted, Reason: ctx.Err().Error()}
	}
	if errors.Is(err, context.Canceled) {
		return RetryDecision{Kind: DecisionAbort, Code: FailureAgentAborted, Reason: "context canceled"}
	}

	// 2. Provider error taxonomy, via the structured interface when available.
	var perr ProviderError
	if errors.As(err, &perr) {
		switch perr.Kind() {
		case ProviderErrorAuth, ProviderErrorNotFound, ProviderErrorBadRequest:
			return RetryDecision{Kind: DecisionFatal, Code: FailureLLMRequestFailed, Reason: err.Error()}
		case ProviderErrorRateLimit:
			return RetryDecision{Kind: DecisionRetry, Code: FailureLLMRequestFailed, DelayMs: perr.RetryAfterMs(), Reason: "rate limited: " + err.Error(), IsRateLimit: true}
		case ProviderErrorRetryable:
			return RetryDecision{Kind: DecisionRetry, Code: FailureLLMRequestFailed, DelayMs: perr.RetryAfterMs(), Reason: err.Error()}
		case ProviderErrorAborted:
			return RetryDecision{Kind: DecisionAbort, Code: FailureAgentAborted, Reason: err.Error()}
		default:
			return RetryDecision{Kind: DecisionFatal, Code: FailureLLMRequestFailed, Reason: err.Error()}
		}
	}

	// 3. Structural response errors.
	if errors.Is(err, ErrLLMResponseInvalid) {
		return RetryDecision{Kind: DecisionFatal, Code: FailureLLMResponseInvalid, Reason: err.Error()}
	}

	// 4. Internal categorized errors map 1:1 to their failure code.
	if failure, ok := AsFailure(err); ok {
		return RetryDecision{Kind: DecisionFatal, Code: failure.Code, Reason: failure.Error()}
	}
	if toolErr, ok := GetToolError(err); ok {
		if toolErr.Retryable {
			return RetryDecision{Kind: DecisionRetry, Code: FailureToolExecutionFailed, DelayMs: c.defaultRetryDelayMs, Reason: toolErr.Error()}
		}
		return RetryDecision{Kind: DecisionFatal, Code: FailureToolExecutionFailed, Reason: toolErr.Error()}
	}

	// 5. Fallback text match for legacy callers that only return plain errors.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "not idle"), strings.Contains(msg, "busy"):
		return RetryDecision{Kind: DecisionFatal, Code: FailureAgentBusy, Reason: err.Error()}
	case strings.Contains(msg, "maximum retries"), strings.Contains(msg, "max retries"):
		return RetryDecision{Kind: DecisionFatal, Code: FailureAgentMaxRetriesExceeded, Reason: err.Error()}
	case strings.Contains(msg, "abort"):
		return RetryDecision{Kind: DecisionAbort, Code: FailureAgentAborted, Reason: err.Error()}
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "429"):
		return RetryDecision{Kind: DecisionRetry, Code: FailureLLMRequestFailed, DelayMs: c.defaultRetryDelayMs, Reason: err.Error(), IsRateLimit: true}
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return RetryDecision{Kind: DecisionRetry, Code: FailureLLMTimeout, DelayMs: c.defaultRetryDelayMs, Reason: err.Error()}
	case strings.Contains(msg, "5") && (strings.Contains(msg, "server error") || strings.Contains(msg, "internal error")):
		return RetryDecision{Kind: DecisionRetry, Code: FailureLLMRequestFailed, DelayMs: c.defaultRetryDelayMs, Reason: err.Error()}
	case strings.Contains(msg, "connection") || strings.Contains(msg, "network") || strings.Contains(msg, "unreachable"):
		return RetryDecision{Kind: DecisionRetry, Code: FailureLLMRequestFailed, DelayMs: c.defaultRetryDelayMs, Reason: err.Error()}
	}

	// 6. Default.
	return RetryDecision{Kind: DecisionFatal, Code: FailureAgentRuntimeError, Reason: err.Error()}
}

// ErrLLMResponseInvalid is the sentinel a Runner returns when a provider's
// response is structurally unusable (empty choices, missing message).
var ErrLLMResponseInvalid = errors.New("llm response invalid: empty or malformed choices")

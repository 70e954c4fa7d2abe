package agent

import (
	"context"
	"errors"
	"testing"
)

type fakeProviderError struct {
	kind         ProviderErrorKind
	retryAfterMs int
}

func (e *fakeProviderError) Error() string          { return "fake provider error" }
func (e *fakeProviderError) Kind() ProviderErrorKind { return e.kind }
func (e *fakeProviderError) RetryAfterMs() int       { return e.retryAfterMs }

func TestClassifier_Decide_AbortTakesPriority(t *testing.T) {
	c := NewClassifier(1000)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	decision := c.Decide(ctx, &fakeProviderError{kind: ProviderErrorRateLimit})
	if decision.Kind != DecisionAbort {
		t.Errorf("Kind = %v, want DecisionAbort", decision.Kind)
	}
	if decision.Code != FailureAgentAborted {
		t.Errorf("Code = %v, want AGENT_ABORTED", decision.Code)
	}
}

func TestClassifier_Decide_ContextCanceledError(t *testing.T) {
	c := NewClassifier(1000)
	decision := c.Decide(context.Background(), context.Canceled)
	if decision.Kind != DecisionAbort {
		t.Errorf("Kind = %v, want DecisionAbort", decision.Kind)
	}
}

func TestClassifier_Decide_ProviderErrorTaxonomy(t *testing.T) {
	c := NewClassifier(500)

	tests := []struct {
		name     string
		err      *fakeProviderError
		wantKind RetryDecisionKind
		wantRL   bool
	}{
		{"auth", &fakeProviderError{kind: ProviderErrorAuth}, DecisionFatal, false},
		{"not_found", &fakeProviderError{kind: ProviderErrorNotFound}, DecisionFatal, false},
		{"bad_request", &fakeProviderError{kind: ProviderErrorBadRequest}, DecisionFatal, false},
		{"rate_limit", &fakeProviderError{kind: ProviderErrorRateLimit, retryAfterMs: 200}, DecisionRetry, true},
		{"retryable", &fakeProviderError{kind: ProviderErrorRetryable, retryAfterMs: 50}, DecisionRetry, false},
		{"aborted", &fakeProviderError{kind: ProviderErrorAborted}, DecisionAbort, false},
		{"generic", &fakeProviderError{kind: ProviderErrorGeneric}, DecisionFatal, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision := c.Decide(context.Background(), tt.err)
			if decision.Kind != tt.wantKind {
				t.Errorf("Kind = %v, want %v", decision.Kind, tt.wantKind)
			}
			if decision.IsRateLimit != tt.wantRL {
				t.Errorf("IsRateLimit = %v, want %v", decision.IsRateLimit, tt.wantRL)
			}
		})
	}
}

func TestClassifier_Decide_StructuralResponseError(t *testing.T) {
	c := NewClassifier(1000)
	decision := c.Decide(context.Background(), ErrLLMResponseInvalid)
	if decision.Kind != DecisionFatal {
		t.Errorf("Kind = %v, want DecisionFatal", decision.Kind)
	}
	if decision.Code != FailureLLMResponseInvalid {
		t.Errorf("Code = %v, want LLM_RESPONSE_INVALID", decision.Code)
	}
}

func TestClassifier_Decide_InternalFailure(t *testing.T) {
	c := NewClassifier(1000)
	failure := NewFailure(FailureAgentConfigurationError, errors.New("bad config"))
	decision := c.Decide(context.Background(), failure)
	if decision.Kind != DecisionFatal {
		t.Errorf("Kind = %v, want DecisionFatal", decision.Kind)
	}
	if decision.Code != FailureAgentConfigurationError {
		t.Errorf("Code = %v, want AGENT_CONFIGURATION_ERROR", decision.Code)
	}
}

func TestClassifier_Decide_ToolError(t *testing.T) {
	c := NewClassifier(1000)

	retryable := NewToolError("tool", errors.New("timeout")).WithType(ToolErrorTimeout)
	decision := c.Decide(context.Background(), retryable)
	if decision.Kind != DecisionRetry {
		t.Errorf("retryable tool error Kind = %v, want DecisionRetry", decision.Kind)
	}

	fatal := NewToolError("tool", errors.New("bad args")).WithType(ToolErrorInvalidInput)
	decision = c.Decide(context.Background(), fatal)
	if decision.Kind != DecisionFatal {
		t.Errorf("non-retryable tool error Kind = %v, want DecisionFatal", decision.Kind)
	}
}

func TestClassifier_Decide_TextFallback(t *testing.T) {
	c := NewClassifier(1000)

	tests := []struct {
		name     string
		msg      string
		wantKind RetryDecisionKind
		wantCode FailureCode
	}{
		{"busy", "agent is not idle", DecisionFatal, FailureAgentBusy},
		{"max_retries", "maximum retries reached", DecisionFatal, FailureAgentMaxRetriesExceeded},
		{"abort", "operation was aborted", DecisionAbort, FailureAgentAborted},
		{"rate_limit", "429 rate limit exceeded", DecisionRetry, FailureLLMRequestFailed},
		{"timeout", "context deadline exceeded while waiting", DecisionRetry, FailureLLMTimeout},
		{"server_error", "received 500 internal error from server", DecisionRetry, FailureLLMRequestFailed},
		{"network", "connection refused: network unreachable", DecisionRetry, FailureLLMRequestFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision := c.Decide(context.Background(), errors.New(tt.msg))
			if decision.Kind != tt.wantKind {
				t.Errorf("Kind = %v, want %v", decision.Kind, tt.wantKind)
			}
			if decision.Code != tt.wantCode {
				t.Errorf("Code = %v, want %v", decision.Code, tt.wantCode)
			}
		})
	}
}

func TestClassifier_Decide_DefaultFatal(t *testing.T) {
	c := NewClassifier(1000)
	decision := c.Decide(context.Background(), errors.New("something unrecognizable happened"))
	if decision.Kind != DecisionFatal {
		t.Errorf("Kind = %v, want DecisionFatal", decision.Kind)
	}
	if decision.Code != FailureAgentRuntimeError {
		t.Errorf("Code = %v, want AGENT_RUNTIME_ERROR", decision.Code)
	}
}

func TestClassifier_Decide_NilError(t *testing.T) {
	c := NewClassifier(1000)
	decision := c.Decide(context.Background(), nil)
	if decision.Kind != DecisionFatal {
		t.Errorf("Kind = %v, want DecisionFatal", decision.Kind)
	}
}

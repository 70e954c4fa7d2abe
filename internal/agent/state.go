package agent

import (
	"sync"
	"time"
)

// AgentStatus is the lifecycle state of a single Agent task, per the status
// lattice IDLE -> THINKING -> RUNNING -> ... -> COMPLETED/FAILED/ABORTED.
type AgentStatus string

const (
	StatusIdle      AgentStatus = "IDLE"
	StatusThinking  AgentStatus = "THINKING"
	StatusRunning   AgentStatus = "RUNNING"
	StatusRetrying  AgentStatus = "RETRYING"
	StatusCompleted AgentStatus = "COMPLETED"
	StatusFailed    AgentStatus = "FAILED"
	StatusAborted   AgentStatus = "ABORTED"
)

// IsTerminal reports whether the status ends a task: execute() only accepts
// a new task while the agent is in one of the terminal states (or IDLE,
// which is the pre-task state and counts as terminal for busy-checking
// purposes).
func (s AgentStatus) IsTerminal() bool {
	switch s {
	case StatusIdle, StatusCompleted, StatusFailed, StatusAborted:
		return true
	default:
		return false
	}
}

// ExecState is the single source of truth for one task's status and
// counters. All mutations are funneled through its mutex-guarded methods;
// public getters return copies, never pointers into internal state, so a
// concurrent `execute` caller and the loop goroutine never race on the same
// memory -- the same "state object" discipline the teacher applies to
// LoopState, generalized here with the retry/compensation bookkeeping
// LoopState never needed.
type ExecState struct {
	mu sync.Mutex

	status AgentStatus

	loopCount               int
	retryCount              int
	totalRetryCount         int
	compensationRetryCount  int
	nextRetryDelayMs        int

	startedAt time.Time
	failure   *Failure
}

// NewExecState returns a state object in the idle state.
func NewExecState() *ExecState {
	return &ExecState{status: StatusIdle}
}

// Status returns a copy of the current status.
func (s *ExecState) Status() AgentStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// setStatus transitions status under lock. Unexported: only this file's
// methods drive transitions, so callers can't put the state machine in an
// inconsistent combination of status+counters.
func (s *ExecState) setStatus(status AgentStatus) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// StartTask resets all counters and transitions to RUNNING. Returns false
// (without mutating anything) if a task is already in flight, the caller
// should surface FailureAgentBusy in that case.
func (s *ExecState) StartTask(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.status.IsTerminal() {
		return false
	}
	s.status = StatusRunning
	s.loopCount = 0
	s.retryCount = 0
	s.totalRetryCount = 0
	s.compensationRetryCount = 0
	s.nextRetryDelayMs = 0
	s.startedAt = now
	s.failure = nil
	return true
}

// IncrementLoop advances the outer-loop iteration counter and returns the
// new value.
func (s *ExecState) IncrementLoop() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loopCount++
	return s.loopCount
}

// LoopCount returns the current outer-loop iteration count.
func (s *ExecState) LoopCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loopCount
}

// RetryCount returns the current ordinary-retry counter.
func (s *ExecState) RetryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retryCount
}

// RecordSuccess zeroes the ordinary retry counter and pending backoff (but
// never totalRetryCount/compensationRetryCount, which are lifetime-of-task
// counters) and marks the status RUNNING again after a RETRYING phase.
func (s *ExecState) RecordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retryCount = 0
	s.nextRetryDelayMs = 0
	if s.status == StatusRetrying {
		s.status = StatusRunning
	}
}

// RecordRetryableError increments retryCount/totalRetryCount, sets the next
// backoff delay (defaulting when delayMs <= 0), and transitions to
// RETRYING.
func (s *ExecState) RecordRetryableError(delayMs, defaultDelayMs int) (retryCount int, nextDelayMs int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retryCount++
	s.totalRetryCount++
	if delayMs <= 0 {
		delayMs = defaultDelayMs
	}
	s.nextRetryDelayMs = delayMs
	s.status = StatusRetrying
	return s.retryCount, s.nextRetryDelayMs
}

// RecordCompensationRetry increments compensationRetryCount and returns the
// new value; the caller is expected to have already removed the empty
// assistant message from the session.
func (s *ExecState) RecordCompensationRetry() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.compensationRetryCount++
	return s.compensationRetryCount
}

// CompensationRetryCount returns the current compensation-retry counter.
func (s *ExecState) CompensationRetryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.compensationRetryCount
}

// FailTask transitions to FAILED and records the terminal failure.
func (s *ExecState) FailTask(failure *Failure) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = StatusFailed
	s.failure = failure
}

// AbortTask transitions to ABORTED and records an AGENT_ABORTED failure.
func (s *ExecState) AbortTask() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = StatusAborted
	s.failure = NewFailure(FailureAgentAborted, nil).WithUserMessage("the task was aborted")
}

// CompleteTask transitions to COMPLETED.
func (s *ExecState) CompleteTask() {
	s.setStatus(StatusCompleted)
}

// Failure returns the terminal failure record, if any.
func (s *ExecState) Failure() *Failure {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

// IsRetryExceeded returns true iff retryCount > maxRetries (strict), which
// lets maxRetries=N yield exactly N+1 attempts total.
func (s *ExecState) IsRetryExceeded(maxRetries int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retryCount > maxRetries
}

// IsLoopExceeded returns true iff loopCount has reached maxLoops.
func (s *ExecState) IsLoopExceeded(maxLoops int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loopCount >= maxLoops
}

// IsCompensationRetryExceeded returns true iff compensationRetryCount has
// exceeded maxCompensationRetries.
func (s *ExecState) IsCompensationRetryExceeded(maxCompensationRetries int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.compensationRetryCount > maxCompensationRetries
}

// NextRetryDelay returns the backoff duration computed by the most recent
// RecordRetryableError call.
func (s *ExecState) NextRetryDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(s.nextRetryDelayMs) * time.Millisecond
}

// StartedAt returns the time the current/most recent task started.
func (s *ExecState) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}

// Snapshot is an immutable copy of ExecState for callers (getStatus(),
// executeWithResult()) that must not hold a pointer into the live state.
type Snapshot struct {
	Status                 AgentStatus
	LoopCount              int
	RetryCount             int
	TotalRetryCount        int
	CompensationRetryCount int
	Failure                *Failure
}

// Snapshot returns a point-in-time copy of every counter and the status.
func (s *ExecState) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Status:                 s.status,
		LoopCount:              s.loopCount,
		RetryCount:             s.retryCount,
		TotalRetryCount:        s.totalRetryCount,
		CompensationRetryCount: s.compensationRetryCount,
		Failure:                s.failure,
	}
}

package sessions

import (
	"context"

	"github.com/wangrenren611/coding-agent-sub003/pkg/models"
)

// Branch identifies a named point in a session's history that a
// BranchStore can read and append to independently of the session's
// primary linear history.
type Branch struct {
	ID        string
	SessionID string
	Name      string
}

// BranchStore is an optional collaborator for callers that want
// branch-aware history instead of the single linear history sessions.Store
// provides. It is never required: when a Runtime/AgenticLoop has no
// BranchStore configured, history is read and appended through the plain
// Store interface, matching the "ordered list of records" session model
// the execution core is built around.
type BranchStore interface {
	// EnsurePrimaryBranch returns the session's default branch, creating it
	// if it does not already exist.
	EnsurePrimaryBranch(ctx context.Context, sessionID string) (*Branch, error)

	// GetBranchHistory returns up to limit messages from the given branch.
	GetBranchHistory(ctx context.Context, branchID string, limit int) ([]*models.Message, error)

	// AppendMessageToBranch appends a message to the given branch's history.
	AppendMessageToBranch(ctx context.Context, sessionID, branchID string, msg *models.Message) error
}

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/wangrenren611/coding-agent-sub003/internal/jobs"
	"github.com/wangrenren611/coding-agent-sub003/internal/sessions"
	"github.com/wangrenren611/coding-agent-sub003/pkg/models"
)

// SQLiteStore owns an embedded SQLite database (modernc.org/sqlite, pure Go,
// no cgo) and hands out a sessions.Store and a jobs.Store backed by it. It
// exists for the CLI demo and for tests that want a real store without
// standing up PostgreSQL.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens path (use ":memory:" for an ephemeral store) and
// creates its tables if they do not already exist.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite serializes writers; a single connection avoids "database is
	// locked" errors under concurrent access.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if _, err := db.ExecContext(context.Background(), sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return store, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Sessions returns a sessions.Store backed by this database.
func (s *SQLiteStore) Sessions() sessions.Store {
	return &sqliteSessionStore{db: s.db}
}

// Jobs returns a jobs.Store backed by this database.
func (s *SQLiteStore) Jobs() jobs.Store {
	return &sqliteJobStore{db: s.db}
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS agent_sessions (
	id TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL,
	channel TEXT NOT NULL DEFAULT '',
	channel_id TEXT NOT NULL DEFAULT '',
	session_key TEXT UNIQUE,
	title TEXT NOT NULL DEFAULT '',
	metadata TEXT,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS agent_sessions_agent_id_idx ON agent_sessions (agent_id);

CREATE TABLE IF NOT EXISTS agent_messages (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES agent_sessions(id) ON DELETE CASCADE,
	branch_id TEXT NOT NULL DEFAULT '',
	sequence_num INTEGER NOT NULL DEFAULT 0,
	channel TEXT NOT NULL DEFAULT '',
	channel_id TEXT NOT NULL DEFAULT '',
	role TEXT NOT NULL,
	direction TEXT NOT NULL DEFAULT '',
	content TEXT NOT NULL DEFAULT '',
	parts TEXT,
	tool_calls TEXT,
	tool_results TEXT,
	tool_call_id TEXT NOT NULL DEFAULT '',
	attachments TEXT,
	finish_reason TEXT NOT NULL DEFAULT '',
	usage TEXT,
	metadata TEXT,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS agent_messages_session_idx ON agent_messages (session_id, created_at);

CREATE TABLE IF NOT EXISTS tool_jobs (
	id TEXT PRIMARY KEY,
	tool_name TEXT NOT NULL,
	tool_call_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	started_at DATETIME,
	finished_at DATETIME,
	result TEXT,
	error_message TEXT
);
`

// --- sessions.Store ---

type sqliteSessionStore struct {
	db *sql.DB
}

func (s *sqliteSessionStore) Create(ctx context.Context, session *models.Session) error {
	if session == nil {
		return errors.New("session is required")
	}
	if session.ID == "" {
		return errors.New("session.ID is required")
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now()
	}
	session.UpdatedAt = session.CreatedAt

	metadata, err := marshalJSON(session.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_sessions (id, agent_id, channel, channel_id, session_key, title, metadata, created_at, updated_at)
		VALUES (?,?,?,?,NULLIF(?,''),?,?,?,?)
	`, session.ID, session.AgentID, string(session.Channel), session.ChannelID,
		session.Key, session.Title, metadata, session.CreatedAt, session.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *sqliteSessionStore) Get(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, channel, channel_id, COALESCE(session_key,''), title, metadata, created_at, updated_at
		FROM agent_sessions WHERE id = ?
	`, id)
	return scanSession(row)
}

func (s *sqliteSessionStore) Update(ctx context.Context, session *models.Session) error {
	if session == nil {
		return errors.New("session is required")
	}
	session.UpdatedAt = time.Now()
	metadata, err := marshalJSON(session.Metadata)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE agent_sessions
		SET agent_id = ?, channel = ?, channel_id = ?, session_key = NULLIF(?,''),
			title = ?, metadata = ?, updated_at = ?
		WHERE id = ?
	`, session.AgentID, string(session.Channel), session.ChannelID, session.Key,
		session.Title, metadata, session.UpdatedAt, session.ID)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return checkRowsAffected(result, "session not found")
}

func (s *sqliteSessionStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM agent_sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return checkRowsAffected(result, "session not found")
}

func (s *sqliteSessionStore) GetByKey(ctx context.Context, key string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, channel, channel_id, COALESCE(session_key,''), title, metadata, created_at, updated_at
		FROM agent_sessions WHERE session_key = ?
	`, key)
	return scanSession(row)
}

func (s *sqliteSessionStore) GetOrCreate(ctx context.Context, key string, agentID string, channel models.ChannelType, channelID string) (*models.Session, error) {
	if existing, err := s.GetByKey(ctx, key); err == nil {
		return existing, nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	now := time.Now()
	session := &models.Session{
		ID:        newID(),
		AgentID:   agentID,
		Channel:   channel,
		ChannelID: channelID,
		Key:       key,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.Create(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

func (s *sqliteSessionStore) List(ctx context.Context, agentID string, opts sessions.ListOptions) ([]*models.Session, error) {
	query := `
		SELECT id, agent_id, channel, channel_id, COALESCE(session_key,''), title, metadata, created_at, updated_at
		FROM agent_sessions WHERE 1=1`
	var args []any
	if agentID != "" {
		query += " AND agent_id = ?"
		args = append(args, agentID)
	}
	if opts.Channel != "" {
		query += " AND channel = ?"
		args = append(args, string(opts.Channel))
	}
	query += " ORDER BY created_at DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}
	if opts.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, session)
	}
	return out, rows.Err()
}

func (s *sqliteSessionStore) AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error {
	if msg == nil {
		return errors.New("message is required")
	}
	if msg.ID == "" {
		msg.ID = newID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	parts, err := marshalJSON(msg.Parts)
	if err != nil {
		return err
	}
	toolCalls, err := marshalJSON(msg.ToolCalls)
	if err != nil {
		return err
	}
	toolResults, err := marshalJSON(msg.ToolResults)
	if err != nil {
		return err
	}
	attachments, err := marshalJSON(msg.Attachments)
	if err != nil {
		return err
	}
	usage, err := marshalJSON(msg.Usage)
	if err != nil {
		return err
	}
	metadata, err := marshalJSON(msg.Metadata)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_messages (
			id, session_id, branch_id, sequence_num, channel, channel_id, role, direction,
			content, parts, tool_calls, tool_results, tool_call_id, attachments,
			finish_reason, usage, metadata, created_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
	`,
		msg.ID, sessionID, msg.BranchID, msg.SequenceNum, string(msg.Channel), msg.ChannelID,
		string(msg.Role), string(msg.Direction), msg.Content, parts, toolCalls, toolResults,
		msg.ToolCallID, attachments, string(msg.FinishReason), usage, metadata, msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (s *sqliteSessionStore) GetHistory(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	query := `
		SELECT id, session_id, branch_id, sequence_num, channel, channel_id, role, direction,
			content, parts, tool_calls, tool_results, tool_call_id, attachments,
			finish_reason, usage, metadata, created_at
		FROM agent_messages WHERE session_id = ? ORDER BY created_at DESC`
	args := []any{sessionID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get history: %w", err)
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	reverseMessages(out)
	return out, nil
}

// --- jobs.Store ---

type sqliteJobStore struct {
	db *sql.DB
}

func (s *sqliteJobStore) Create(ctx context.Context, job *jobs.Job) error {
	if job == nil {
		return nil
	}
	resultJSON, err := marshalJSON(job.Result)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tool_jobs (id, tool_name, tool_call_id, status, created_at, started_at, finished_at, result, error_message)
		VALUES (?,?,?,?,?,?,?,?,?)
	`,
		job.ID, job.ToolName, job.ToolCallID, string(job.Status), job.CreatedAt,
		nullTimeOrNil(job.StartedAt), nullTimeOrNil(job.FinishedAt), resultJSON, nullStringOrNil(job.Error),
	)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *sqliteJobStore) Update(ctx context.Context, job *jobs.Job) error {
	if job == nil {
		return nil
	}
	resultJSON, err := marshalJSON(job.Result)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE tool_jobs
		SET tool_name = ?, tool_call_id = ?, status = ?, started_at = ?, finished_at = ?,
			result = ?, error_message = ?
		WHERE id = ?
	`,
		job.ToolName, job.ToolCallID, string(job.Status),
		nullTimeOrNil(job.StartedAt), nullTimeOrNil(job.FinishedAt), resultJSON, nullStringOrNil(job.Error),
		job.ID,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return nil
}

func (s *sqliteJobStore) Get(ctx context.Context, id string) (*jobs.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tool_name, tool_call_id, status, created_at, started_at, finished_at, result, error_message
		FROM tool_jobs WHERE id = ?
	`, id)
	job, err := scanSQLiteJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *sqliteJobStore) List(ctx context.Context, limit, offset int) ([]*jobs.Job, error) {
	query := `
		SELECT id, tool_name, tool_call_id, status, created_at, started_at, finished_at, result, error_message
		FROM tool_jobs ORDER BY created_at DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	if offset > 0 {
		query += " OFFSET ?"
		args = append(args, offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []*jobs.Job
	for rows.Next() {
		job, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *sqliteJobStore) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	result, err := s.db.ExecContext(ctx, `DELETE FROM tool_jobs WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune jobs: %w", err)
	}
	return result.RowsAffected()
}

func (s *sqliteJobStore) Cancel(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tool_jobs
		SET status = ?, error_message = ?, finished_at = ?
		WHERE id = ? AND status IN (?, ?)
	`, string(jobs.StatusFailed), "job cancelled", time.Now(), id, string(jobs.StatusQueued), string(jobs.StatusRunning))
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	return nil
}

func scanSQLiteJob(scanner rowScanner) (*jobs.Job, error) {
	var (
		job          jobs.Job
		status       string
		startedAt    sql.NullTime
		finishedAt   sql.NullTime
		resultBytes  []byte
		errorMessage sql.NullString
	)
	if err := scanner.Scan(
		&job.ID, &job.ToolName, &job.ToolCallID, &status, &job.CreatedAt,
		&startedAt, &finishedAt, &resultBytes, &errorMessage,
	); err != nil {
		return nil, err
	}
	job.Status = jobs.Status(status)
	if startedAt.Valid {
		job.StartedAt = startedAt.Time
	}
	if finishedAt.Valid {
		job.FinishedAt = finishedAt.Time
	}
	if len(resultBytes) > 0 {
		var result models.ToolResult
		if err := json.Unmarshal(resultBytes, &result); err != nil {
			return nil, fmt.Errorf("unmarshal job result: %w", err)
		}
		job.Result = &result
	}
	if errorMessage.Valid {
		job.Error = errorMessage.String
	}
	return &job, nil
}

func nullTimeOrNil(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullStringOrNil(s string) any {
	if s == "" {
		return nil
	}
	return s
}

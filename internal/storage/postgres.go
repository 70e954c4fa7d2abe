// Package storage provides durable backing stores for sessions.Store and
// jobs.Store. The execution core itself only depends on those interfaces;
// this package is an optional collaborator wired in by cmd/nexus when a
// caller wants persistence across process restarts instead of the in-memory
// reference stores.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/wangrenren611/coding-agent-sub003/internal/sessions"
	"github.com/wangrenren611/coding-agent-sub003/pkg/models"
)

// PostgresConfig holds connection pool settings for PostgresStore.
type PostgresConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPostgresConfig returns sensible pool defaults.
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// PostgresStore implements sessions.Store over a PostgreSQL database via
// lib/pq. Messages and sessions each get their own table; JSON-shaped fields
// (metadata, tool calls, multimodal parts) are stored as jsonb.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStoreFromDSN opens a PostgresStore.
func NewPostgresStoreFromDSN(dsn string, cfg *PostgresConfig) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("dsn is required")
	}
	if cfg == nil {
		cfg = DefaultPostgresConfig()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS agent_sessions (
	id TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL,
	channel TEXT NOT NULL DEFAULT '',
	channel_id TEXT NOT NULL DEFAULT '',
	session_key TEXT UNIQUE,
	title TEXT NOT NULL DEFAULT '',
	metadata JSONB,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
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
	parts JSONB,
	tool_calls JSONB,
	tool_results JSONB,
	tool_call_id TEXT NOT NULL DEFAULT '',
	attachments JSONB,
	finish_reason TEXT NOT NULL DEFAULT '',
	usage JSONB,
	metadata JSONB,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS agent_messages_session_idx ON agent_messages (session_id, created_at);
`

// Migrate creates the session/message tables if they do not already exist.
// Intended for the CLI demo and tests; production deployments typically run
// migrations out of band.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, postgresSchema)
	return err
}

// Create stores a new session.
func (s *PostgresStore) Create(ctx context.Context, session *models.Session) error {
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
		VALUES ($1,$2,$3,$4,NULLIF($5,''),$6,$7,$8,$9)
	`,
		session.ID, session.AgentID, string(session.Channel), session.ChannelID,
		session.Key, session.Title, metadata, session.CreatedAt, session.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// Get returns a session by ID.
func (s *PostgresStore) Get(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, channel, channel_id, COALESCE(session_key,''), title, metadata, created_at, updated_at
		FROM agent_sessions WHERE id = $1
	`, id)
	return scanSession(row)
}

// Update replaces a session's mutable fields.
func (s *PostgresStore) Update(ctx context.Context, session *models.Session) error {
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
		SET agent_id = $2, channel = $3, channel_id = $4, session_key = NULLIF($5,''),
			title = $6, metadata = $7, updated_at = $8
		WHERE id = $1
	`, session.ID, session.AgentID, string(session.Channel), session.ChannelID,
		session.Key, session.Title, metadata, session.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return checkRowsAffected(result, "session not found")
}

// Delete removes a session and its message history (via ON DELETE CASCADE).
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM agent_sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return checkRowsAffected(result, "session not found")
}

// GetByKey looks up a session by its unique key.
func (s *PostgresStore) GetByKey(ctx context.Context, key string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, channel, channel_id, COALESCE(session_key,''), title, metadata, created_at, updated_at
		FROM agent_sessions WHERE session_key = $1
	`, key)
	return scanSession(row)
}

// GetOrCreate returns the session for key, creating one if it does not exist.
func (s *PostgresStore) GetOrCreate(ctx context.Context, key string, agentID string, channel models.ChannelType, channelID string) (*models.Session, error) {
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

// List returns sessions for agentID, optionally filtered by channel.
func (s *PostgresStore) List(ctx context.Context, agentID string, opts sessions.ListOptions) ([]*models.Session, error) {
	query := `
		SELECT id, agent_id, channel, channel_id, COALESCE(session_key,''), title, metadata, created_at, updated_at
		FROM agent_sessions WHERE 1=1`
	args := []any{}
	if agentID != "" {
		args = append(args, agentID)
		query += fmt.Sprintf(" AND agent_id = $%d", len(args))
	}
	if opts.Channel != "" {
		args = append(args, string(opts.Channel))
		query += fmt.Sprintf(" AND channel = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
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

// AppendMessage inserts a message into a session's history.
func (s *PostgresStore) AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error {
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
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
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

// GetHistory returns the most recent limit messages for a session, oldest first.
func (s *PostgresStore) GetHistory(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	query := `
		SELECT id, session_id, branch_id, sequence_num, channel, channel_id, role, direction,
			content, parts, tool_calls, tool_results, tool_call_id, attachments,
			finish_reason, usage, metadata, created_at
		FROM agent_messages WHERE session_id = $1 ORDER BY created_at DESC`
	args := []any{sessionID}
	if limit > 0 {
		args = append(args, limit)
		query += " LIMIT $2"
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(scanner rowScanner) (*models.Session, error) {
	var (
		session  models.Session
		channel  string
		metadata []byte
	)
	if err := scanner.Scan(
		&session.ID, &session.AgentID, &channel, &session.ChannelID,
		&session.Key, &session.Title, &metadata, &session.CreatedAt, &session.UpdatedAt,
	); err != nil {
		return nil, err
	}
	session.Channel = models.ChannelType(channel)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &session.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal session metadata: %w", err)
		}
	}
	return &session, nil
}

func scanMessage(scanner rowScanner) (*models.Message, error) {
	var (
		msg                                               models.Message
		channel, role, direction, finishReason            string
		parts, toolCalls, toolResults, attachments, usage []byte
		metadata                                          []byte
	)
	if err := scanner.Scan(
		&msg.ID, &msg.SessionID, &msg.BranchID, &msg.SequenceNum, &channel, &msg.ChannelID,
		&role, &direction, &msg.Content, &parts, &toolCalls, &toolResults, &msg.ToolCallID,
		&attachments, &finishReason, &usage, &metadata, &msg.CreatedAt,
	); err != nil {
		return nil, err
	}
	msg.Channel = models.ChannelType(channel)
	msg.Role = models.Role(role)
	msg.Direction = models.Direction(direction)
	msg.FinishReason = models.FinishReason(finishReason)

	if err := unmarshalIfPresent(parts, &msg.Parts); err != nil {
		return nil, fmt.Errorf("unmarshal parts: %w", err)
	}
	if err := unmarshalIfPresent(toolCalls, &msg.ToolCalls); err != nil {
		return nil, fmt.Errorf("unmarshal tool calls: %w", err)
	}
	if err := unmarshalIfPresent(toolResults, &msg.ToolResults); err != nil {
		return nil, fmt.Errorf("unmarshal tool results: %w", err)
	}
	if err := unmarshalIfPresent(attachments, &msg.Attachments); err != nil {
		return nil, fmt.Errorf("unmarshal attachments: %w", err)
	}
	if len(usage) > 0 {
		var u models.Usage
		if err := json.Unmarshal(usage, &u); err != nil {
			return nil, fmt.Errorf("unmarshal usage: %w", err)
		}
		msg.Usage = &u
	}
	if err := unmarshalIfPresent(metadata, &msg.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return &msg, nil
}

func marshalJSON(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func unmarshalIfPresent(data []byte, dest any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dest)
}

func checkRowsAffected(result sql.Result, notFoundMsg string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.New(notFoundMsg)
	}
	return nil
}

func newID() string {
	return uuid.NewString()
}

func reverseMessages(msgs []*models.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}

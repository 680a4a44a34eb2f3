package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/youssefsiam38/hivepg/driver"
	"github.com/youssefsiam38/hivepg/runstate"
)

// PostgresStore implements Store on top of the driver abstraction. The same
// SQL runs on pgx/v5 and database/sql; the executor source decides which.
type PostgresStore struct {
	src driver.ExecutorSource
}

// NewPostgresStore creates a new PostgreSQL store backed by the given
// executor source (a pgxv5 or databasesql driver).
func NewPostgresStore(src driver.ExecutorSource) *PostgresStore {
	return &PostgresStore{src: src}
}

// getExecutor returns the executor from context if present (an open
// transaction), otherwise the pool executor.
func (s *PostgresStore) getExecutor(ctx context.Context) driver.Executor {
	if exec := driver.ExecutorFromContext(ctx); exec != nil {
		return exec
	}
	return s.src.GetExecutor()
}

// WithTx runs fn inside a transaction. Nested calls begin on the transaction
// executor, which produces a savepoint.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := s.getExecutor(ctx).Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	txCtx := driver.WithExecutor(ctx, tx)
	if err := fn(txCtx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// rowScanner is satisfied by both driver.Row and driver.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// isNoRows reports a no-rows scan result for either driver; pgx v5 proxies
// sql.ErrNoRows since 5.5.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// sqlStater is implemented by pgconn.PgError and pq.Error.
type sqlStater interface {
	SQLState() string
}

// sqlState extracts the SQLSTATE code from a driver error, or "".
func sqlState(err error) string {
	var s sqlStater
	if errors.As(err, &s) {
		return s.SQLState()
	}
	return ""
}

const (
	sqlstateUniqueViolation  = "23505"
	sqlstateLockNotAvailable = "55P03"
)

// ---------------------------------------------------------------------------
// Threads and messages
// ---------------------------------------------------------------------------

const threadColumns = `id, owner_id, kind, title, created_at, updated_at`

func scanThread(row rowScanner) (*Thread, error) {
	var t Thread
	err := row.Scan(
		&t.ID,
		&t.OwnerID,
		&t.Kind,
		&t.Title,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateThread creates a new conversation thread.
func (s *PostgresStore) CreateThread(ctx context.Context, params *CreateThreadParams) (*Thread, error) {
	if params.OwnerID == 0 {
		return nil, fmt.Errorf("%w: owner_id is required", ErrInvalidParams)
	}
	if params.Kind != ThreadKindSuper && params.Kind != ThreadKindManual {
		return nil, fmt.Errorf("%w: unknown thread kind %q", ErrInvalidParams, params.Kind)
	}

	query := `
		INSERT INTO hivepg_threads (owner_id, kind, title, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		RETURNING ` + threadColumns

	thread, err := scanThread(s.getExecutor(ctx).QueryRow(ctx, query, params.OwnerID, params.Kind, params.Title))
	if err != nil {
		return nil, fmt.Errorf("failed to create thread: %w", err)
	}
	return thread, nil
}

// GetThread retrieves a thread by ID.
func (s *PostgresStore) GetThread(ctx context.Context, threadID int64) (*Thread, error) {
	query := `SELECT ` + threadColumns + ` FROM hivepg_threads WHERE id = $1`

	thread, err := scanThread(s.getExecutor(ctx).QueryRow(ctx, query, threadID))
	if isNoRows(err) {
		return nil, fmt.Errorf("%w: thread %d", ErrNotFound, threadID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get thread: %w", err)
	}
	return thread, nil
}

// EnsureSupervisorThread returns the owner's supervisor thread, creating it
// on first use. Concurrent callers converge on the same row through the
// partial unique index on (owner_id) WHERE kind = 'super'.
func (s *PostgresStore) EnsureSupervisorThread(ctx context.Context, ownerID int64) (*Thread, error) {
	selectQuery := `SELECT ` + threadColumns + ` FROM hivepg_threads WHERE owner_id = $1 AND kind = 'super'`

	exec := s.getExecutor(ctx)
	thread, err := scanThread(exec.QueryRow(ctx, selectQuery, ownerID))
	if err == nil {
		return thread, nil
	}
	if !isNoRows(err) {
		return nil, fmt.Errorf("failed to get supervisor thread: %w", err)
	}

	insertQuery := `
		INSERT INTO hivepg_threads (owner_id, kind, created_at, updated_at)
		VALUES ($1, 'super', NOW(), NOW())
		ON CONFLICT (owner_id) WHERE kind = 'super' DO NOTHING
		RETURNING ` + threadColumns

	thread, err = scanThread(exec.QueryRow(ctx, insertQuery, ownerID))
	if err == nil {
		return thread, nil
	}
	if !isNoRows(err) {
		return nil, fmt.Errorf("failed to create supervisor thread: %w", err)
	}

	// Lost the insert race; the winner's row exists now.
	thread, err = scanThread(exec.QueryRow(ctx, selectQuery, ownerID))
	if err != nil {
		return nil, fmt.Errorf("failed to get supervisor thread after insert race: %w", err)
	}
	return thread, nil
}

const messageColumns = `id, thread_id, role, content, tool_calls, tool_call_id, name, parent_id, processed, internal, metadata, sent_at`

func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	var toolCallsJSON []byte
	var metadataJSON []byte

	err := row.Scan(
		&m.ID,
		&m.ThreadID,
		&m.Role,
		&m.Content,
		&toolCallsJSON,
		&m.ToolCallID,
		&m.Name,
		&m.ParentID,
		&m.Processed,
		&m.Internal,
		&metadataJSON,
		&m.SentAt,
	)
	if err != nil {
		return nil, err
	}

	if len(toolCallsJSON) > 0 {
		if err := json.Unmarshal(toolCallsJSON, &m.ToolCalls); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tool_calls: %w", err)
		}
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &m.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &m, nil
}

// AppendMessage appends a message to a thread.
func (s *PostgresStore) AppendMessage(ctx context.Context, params *AppendMessageParams) (*Message, error) {
	if params.ThreadID == 0 {
		return nil, fmt.Errorf("%w: thread_id is required", ErrInvalidParams)
	}

	// JSONB arguments travel as text so both drivers bind them correctly;
	// lib/pq would encode []byte as bytea.
	var toolCallsJSON any
	if len(params.ToolCalls) > 0 {
		b, err := json.Marshal(params.ToolCalls)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal tool_calls: %w", err)
		}
		toolCallsJSON = string(b)
	}

	metadataJSON, err := marshalMetadata(params.Metadata)
	if err != nil {
		return nil, err
	}

	query := `
		INSERT INTO hivepg_messages (thread_id, role, content, tool_calls, tool_call_id, name, parent_id, internal, metadata, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		RETURNING ` + messageColumns

	msg, err := scanMessage(s.getExecutor(ctx).QueryRow(ctx, query,
		params.ThreadID,
		params.Role,
		params.Content,
		toolCallsJSON,
		params.ToolCallID,
		params.Name,
		params.ParentID,
		params.Internal,
		metadataJSON,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to append message: %w", err)
	}
	return msg, nil
}

// AppendToolReply persists a tool reply under the most recent assistant
// message that issued the matching tool call. When no such assistant message
// exists in the thread, the reply degrades to an internal user-role
// notification carrying the orphaned tool_call_id in metadata, so the result
// still reaches the model on the next turn.
func (s *PostgresStore) AppendToolReply(ctx context.Context, params *AppendToolReplyParams) (*Message, error) {
	if params.ToolCallID == "" {
		return nil, fmt.Errorf("%w: tool_call_id is required", ErrInvalidParams)
	}

	parentQuery := `
		SELECT id FROM hivepg_messages
		WHERE thread_id = $1
		  AND role = 'assistant'
		  AND tool_calls @> jsonb_build_array(jsonb_build_object('id', $2::text))
		ORDER BY id DESC
		LIMIT 1`

	var parentID int64
	err := s.getExecutor(ctx).QueryRow(ctx, parentQuery, params.ThreadID, params.ToolCallID).Scan(&parentID)
	if isNoRows(err) {
		metadata := map[string]any{
			"unlinked_tool_call_id": params.ToolCallID,
			"tool_name":             params.Name,
		}
		for k, v := range params.Metadata {
			metadata[k] = v
		}
		return s.AppendMessage(ctx, &AppendMessageParams{
			ThreadID: params.ThreadID,
			Role:     MessageRoleUser,
			Content:  params.Content,
			Internal: true,
			Metadata: metadata,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to locate parent assistant message: %w", err)
	}

	return s.AppendMessage(ctx, &AppendMessageParams{
		ThreadID:   params.ThreadID,
		Role:       MessageRoleTool,
		Content:    params.Content,
		ToolCallID: &params.ToolCallID,
		Name:       &params.Name,
		ParentID:   &parentID,
		Metadata:   params.Metadata,
	})
}

// GetThreadMessages retrieves all messages of a thread in append order.
func (s *PostgresStore) GetThreadMessages(ctx context.Context, threadID int64) ([]*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM hivepg_messages WHERE thread_id = $1 ORDER BY id`

	rows, err := s.getExecutor(ctx).Query(ctx, query, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}
	return messages, nil
}

// GetMessage retrieves a message by ID.
func (s *PostgresStore) GetMessage(ctx context.Context, messageID int64) (*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM hivepg_messages WHERE id = $1`

	msg, err := scanMessage(s.getExecutor(ctx).QueryRow(ctx, query, messageID))
	if isNoRows(err) {
		return nil, fmt.Errorf("%w: message %d", ErrNotFound, messageID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return msg, nil
}

// ReplaceMessageContent overwrites a message's content and merges the given
// metadata into its existing metadata. Compaction uses it to swap bulky tool
// outputs and summarized prefixes in place, preserving thread order.
func (s *PostgresStore) ReplaceMessageContent(ctx context.Context, messageID int64, content string, metadata map[string]any) error {
	metadataJSON, err := marshalMetadata(metadata)
	if err != nil {
		return err
	}

	query := `
		UPDATE hivepg_messages
		SET content = $2,
		    metadata = COALESCE(metadata, '{}'::jsonb) || COALESCE($3::jsonb, '{}'::jsonb)
		WHERE id = $1`

	affected, err := s.getExecutor(ctx).Exec(ctx, query, messageID, content, metadataJSON)
	if err != nil {
		return fmt.Errorf("failed to replace message content: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: message %d", ErrNotFound, messageID)
	}
	return nil
}

// DeleteMessages deletes messages by their IDs.
func (s *PostgresStore) DeleteMessages(ctx context.Context, messageIDs []int64) error {
	if len(messageIDs) == 0 {
		return nil
	}
	return s.WithTx(ctx, func(ctx context.Context) error {
		exec := s.getExecutor(ctx)
		for _, id := range messageIDs {
			if _, err := exec.Exec(ctx, `DELETE FROM hivepg_messages WHERE id = $1`, id); err != nil {
				return fmt.Errorf("failed to delete message %d: %w", id, err)
			}
		}
		return nil
	})
}

func marshalMetadata(metadata map[string]any) (any, error) {
	if metadata == nil {
		return nil, nil
	}
	b, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return string(b), nil
}

// ---------------------------------------------------------------------------
// Runs
// ---------------------------------------------------------------------------

const runColumns = `id, owner_id, thread_id, status, trigger, model, reasoning_effort, trace_id, assistant_message_id,
	continuation_of_run_id, root_run_id, total_tokens, summary, error, error_type,
	started_at, finished_at, duration_ms, created_at, updated_at`

func scanRun(row rowScanner) (*Run, error) {
	var r Run
	err := row.Scan(
		&r.ID,
		&r.OwnerID,
		&r.ThreadID,
		&r.Status,
		&r.Trigger,
		&r.Model,
		&r.ReasoningEffort,
		&r.TraceID,
		&r.AssistantMessageID,
		&r.ContinuationOfRunID,
		&r.RootRunID,
		&r.TotalTokens,
		&r.Summary,
		&r.Error,
		&r.ErrorType,
		&r.StartedAt,
		&r.FinishedAt,
		&r.DurationMS,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// CreateRun inserts a run in running state. The unique constraint on
// continuation_of_run_id is the authoritative guard against duplicate
// continuations: losing the insert returns ErrContinuationExists.
func (s *PostgresStore) CreateRun(ctx context.Context, params *CreateRunParams) (*Run, error) {
	if params.OwnerID == 0 || params.ThreadID == 0 {
		return nil, fmt.Errorf("%w: owner_id and thread_id are required", ErrInvalidParams)
	}

	query := `
		INSERT INTO hivepg_runs (owner_id, thread_id, status, trigger, model, reasoning_effort, trace_id,
			assistant_message_id, continuation_of_run_id, root_run_id, total_tokens, started_at, created_at, updated_at)
		VALUES ($1, $2, 'running', $3, $4, $5, $6, $7, $8, $9, 0, NOW(), NOW(), NOW())
		ON CONFLICT (continuation_of_run_id) DO NOTHING
		RETURNING ` + runColumns

	run, err := scanRun(s.getExecutor(ctx).QueryRow(ctx, query,
		params.OwnerID,
		params.ThreadID,
		params.Trigger,
		params.Model,
		params.ReasoningEffort,
		params.TraceID,
		params.AssistantMessageID,
		params.ContinuationOfRunID,
		params.RootRunID,
	))
	if isNoRows(err) {
		return nil, ErrContinuationExists
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	return run, nil
}

// GetRun retrieves a run by ID.
func (s *PostgresStore) GetRun(ctx context.Context, runID int64) (*Run, error) {
	query := `SELECT ` + runColumns + ` FROM hivepg_runs WHERE id = $1`

	run, err := scanRun(s.getExecutor(ctx).QueryRow(ctx, query, runID))
	if isNoRows(err) {
		return nil, fmt.Errorf("%w: run %d", ErrNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// GetContinuationRun retrieves the continuation of the given parent run.
func (s *PostgresStore) GetContinuationRun(ctx context.Context, parentRunID int64) (*Run, error) {
	query := `SELECT ` + runColumns + ` FROM hivepg_runs WHERE continuation_of_run_id = $1`

	run, err := scanRun(s.getExecutor(ctx).QueryRow(ctx, query, parentRunID))
	if isNoRows(err) {
		return nil, fmt.Errorf("%w: continuation of run %d", ErrNotFound, parentRunID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get continuation run: %w", err)
	}
	return run, nil
}

// UpdateRunState applies a run state update. Terminal states also stamp
// finished_at and duration_ms. With RequiredState set the update is
// conditional on the current status; losing that race returns
// ErrStateTransitionFailed.
func (s *PostgresStore) UpdateRunState(ctx context.Context, runID int64, params *UpdateRunStateParams) error {
	if !params.State.IsValid() {
		return fmt.Errorf("%w: invalid run state %q", ErrInvalidParams, params.State)
	}
	if params.RequiredState != nil {
		transition := runstate.Transition{From: *params.RequiredState, To: params.State}
		if err := transition.Validate(); err != nil {
			return err
		}
	}

	terminal := params.State.IsTerminal()

	query := `
		UPDATE hivepg_runs SET
			status = $2,
			error = COALESCE($3, error),
			error_type = COALESCE($4, error_type),
			summary = COALESCE($5, summary),
			total_tokens = COALESCE($6, total_tokens),
			finished_at = CASE WHEN $7 THEN NOW() ELSE finished_at END,
			duration_ms = CASE WHEN $7 THEN (EXTRACT(EPOCH FROM (NOW() - started_at)) * 1000)::bigint ELSE duration_ms END,
			updated_at = NOW()
		WHERE id = $1`

	args := []any{runID, params.State, params.Error, params.ErrorType, params.Summary, params.TotalTokens, terminal}
	if params.RequiredState != nil {
		query += ` AND status = $8`
		args = append(args, *params.RequiredState)
	}

	affected, err := s.getExecutor(ctx).Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update run state: %w", err)
	}
	if affected == 0 {
		if params.RequiredState != nil {
			return ErrStateTransitionFailed
		}
		return fmt.Errorf("%w: run %d", ErrNotFound, runID)
	}
	return nil
}

// GetStuckRuns returns running runs whose last update is older than the
// given horizon. Waiting and deferred runs idle legitimately and are not
// reported.
func (s *PostgresStore) GetStuckRuns(ctx context.Context, olderThan time.Time) ([]*Run, error) {
	query := `SELECT ` + runColumns + ` FROM hivepg_runs WHERE status = 'running' AND updated_at < $1 ORDER BY updated_at`

	rows, err := s.getExecutor(ctx).Query(ctx, query, olderThan)
	if err != nil {
		return nil, fmt.Errorf("failed to query stuck runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mbirch/weft/internal/workflow"
)

// PostgresStore persists execution data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed execution store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) CreateWorkflow(ctx context.Context, w *workflow.Workflow) error {
	def, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO workflows (id, name, definition, created_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (id) DO UPDATE SET name = $2, definition = $3`,
		w.ID, w.Name, def,
	)
	return err
}

func (p *PostgresStore) GetWorkflow(ctx context.Context, id string) (*workflow.Workflow, error) {
	var def []byte
	err := p.db.QueryRowContext(ctx, `
		SELECT definition FROM workflows WHERE id = $1`, id).Scan(&def)
	if err == sql.ErrNoRows {
		return nil, ErrWorkflowNotFound
	}
	if err != nil {
		return nil, err
	}
	var w workflow.Workflow
	if err := json.Unmarshal(def, &w); err != nil {
		return nil, fmt.Errorf("unmarshal workflow %s: %w", id, err)
	}
	return &w, nil
}

func (p *PostgresStore) ListWorkflows(ctx context.Context, limit int) ([]*workflow.Workflow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT definition FROM workflows ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*workflow.Workflow
	for rows.Next() {
		var def []byte
		if err := rows.Scan(&def); err != nil {
			return nil, err
		}
		var w workflow.Workflow
		if err := json.Unmarshal(def, &w); err != nil {
			return nil, err
		}
		result = append(result, &w)
	}
	return result, rows.Err()
}

func (p *PostgresStore) CreateExecution(ctx context.Context, e *Execution) error {
	input, output, err := marshalExecJSON(e)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO workflow_executions (
			id, workflow_id, user_id, status, input, output, error,
			started_at, finished_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.ID, e.WorkflowID, nullString(e.UserID), string(e.Status), input, output,
		nullString(e.Error), nullTime(e.StartedAt), nullTime(e.FinishedAt),
		e.CreatedAt, e.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, workflow_id, user_id, status, input, output, error,
		       started_at, finished_at, created_at, updated_at
		FROM workflow_executions WHERE id = $1`, id)

	e, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, ErrExecutionNotFound
	}
	return e, err
}

func (p *PostgresStore) UpdateExecution(ctx context.Context, e *Execution) error {
	input, output, err := marshalExecJSON(e)
	if err != nil {
		return err
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE workflow_executions SET
			status = $1, input = $2, output = $3, error = $4,
			started_at = $5, finished_at = $6, updated_at = $7
		WHERE id = $8`,
		string(e.Status), input, output, nullString(e.Error),
		nullTime(e.StartedAt), nullTime(e.FinishedAt), e.UpdatedAt,
		e.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrExecutionNotFound
	}
	return nil
}

func (p *PostgresStore) ListExecutionsByStatus(ctx context.Context, status Status, limit int) ([]*Execution, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, workflow_id, user_id, status, input, output, error,
		       started_at, finished_at, created_at, updated_at
		FROM workflow_executions
		WHERE status = $1
		ORDER BY created_at DESC
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanExecutions(rows)
}

func (p *PostgresStore) ListExecutionsByWorkflow(ctx context.Context, workflowID string, limit int) ([]*Execution, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, workflow_id, user_id, status, input, output, error,
		       started_at, finished_at, created_at, updated_at
		FROM workflow_executions
		WHERE workflow_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, workflowID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanExecutions(rows)
}

func (p *PostgresStore) UpsertNodeExecution(ctx context.Context, ne *NodeExecution) error {
	var output []byte
	if ne.Output != nil {
		b, err := json.Marshal(ne.Output)
		if err != nil {
			return fmt.Errorf("marshal node output: %w", err)
		}
		output = b
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO node_executions (
			id, execution_id, node_id, block_type, status, output, error,
			started_at, finished_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (execution_id, node_id) DO UPDATE SET
			status = $5, output = $6, error = $7,
			started_at = $8, finished_at = $9`,
		ne.ID, ne.ExecutionID, ne.NodeID, ne.BlockType, string(ne.Status),
		output, nullString(ne.Error), ne.StartedAt, nullTime(ne.FinishedAt),
	)
	return err
}

func (p *PostgresStore) ListNodeExecutions(ctx context.Context, executionID string) ([]*NodeExecution, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, execution_id, node_id, block_type, status, output, error,
		       started_at, finished_at
		FROM node_executions
		WHERE execution_id = $1
		ORDER BY started_at ASC`, executionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*NodeExecution
	for rows.Next() {
		ne := &NodeExecution{}
		var (
			status     string
			output     []byte
			errMsg     sql.NullString
			finishedAt sql.NullTime
		)
		err := rows.Scan(
			&ne.ID, &ne.ExecutionID, &ne.NodeID, &ne.BlockType, &status,
			&output, &errMsg, &ne.StartedAt, &finishedAt,
		)
		if err != nil {
			return nil, err
		}
		ne.Status = NodeStatus(status)
		ne.Error = errMsg.String
		if finishedAt.Valid {
			ne.FinishedAt = &finishedAt.Time
		}
		if len(output) > 0 {
			if err := json.Unmarshal(output, &ne.Output); err != nil {
				return nil, fmt.Errorf("unmarshal node output: %w", err)
			}
		}
		result = append(result, ne)
	}
	return result, rows.Err()
}

func (p *PostgresStore) AppendLog(ctx context.Context, entry *LogEntry) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO execution_logs (id, execution_id, node_id, level, message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.ID, entry.ExecutionID, nullString(entry.NodeID),
		string(entry.Level), entry.Message, entry.CreatedAt,
	)
	return err
}

func (p *PostgresStore) ListLogs(ctx context.Context, executionID string, limit int) ([]*LogEntry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, execution_id, node_id, level, message, created_at
		FROM execution_logs
		WHERE execution_id = $1
		ORDER BY created_at ASC
		LIMIT $2`, executionID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*LogEntry
	for rows.Next() {
		entry := &LogEntry{}
		var (
			nodeID sql.NullString
			level  string
		)
		if err := rows.Scan(&entry.ID, &entry.ExecutionID, &nodeID, &level, &entry.Message, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.NodeID = nodeID.String
		entry.Level = LogLevel(level)
		result = append(result, entry)
	}
	return result, rows.Err()
}

// --- scanners ---

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanExecution(sc scanner) (*Execution, error) {
	e := &Execution{}
	var (
		userID     sql.NullString
		status     string
		input      []byte
		output     []byte
		errMsg     sql.NullString
		startedAt  sql.NullTime
		finishedAt sql.NullTime
	)

	err := sc.Scan(
		&e.ID, &e.WorkflowID, &userID, &status, &input, &output, &errMsg,
		&startedAt, &finishedAt, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.UserID = userID.String
	e.Status = Status(status)
	e.Error = errMsg.String
	if startedAt.Valid {
		e.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		e.FinishedAt = &finishedAt.Time
	}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &e.Input); err != nil {
			return nil, fmt.Errorf("unmarshal execution input: %w", err)
		}
	}
	if len(output) > 0 {
		if err := json.Unmarshal(output, &e.Output); err != nil {
			return nil, fmt.Errorf("unmarshal execution output: %w", err)
		}
	}
	return e, nil
}

func scanExecutions(rows *sql.Rows) ([]*Execution, error) {
	var result []*Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func marshalExecJSON(e *Execution) (input, output []byte, err error) {
	if e.Input != nil {
		input, err = json.Marshal(e.Input)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal execution input: %w", err)
		}
	}
	if e.Output != nil {
		output, err = json.Marshal(e.Output)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal execution output: %w", err)
		}
	}
	return input, output, nil
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

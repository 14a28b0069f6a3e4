// Package ledger is the append-only audit log of agent operations.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/poer2023/CHANGE-sub002/internal/model"
)

// ErrNotFound means no operation exists for the given id.
var ErrNotFound = errors.New("operation not found")

// Ledger persists agent operations. Records are append-only except for two
// single-shot mutations: attaching the execution result and the reverted
// timestamp. Concurrent mutations are serialized per operation id so that
// unrelated operations never block each other.
type Ledger struct {
	db *sql.DB

	mu      sync.Mutex
	opLocks map[string]*sync.Mutex
}

// New creates a ledger over an opened database.
func New(db *sql.DB) *Ledger {
	return &Ledger{db: db, opLocks: make(map[string]*sync.Mutex)}
}

func (l *Ledger) lockOp(id string) func() {
	l.mu.Lock()
	lock, ok := l.opLocks[id]
	if !ok {
		lock = &sync.Mutex{}
		l.opLocks[id] = lock
	}
	l.mu.Unlock()
	lock.Lock()
	return lock.Unlock
}

// Record appends a new operation and returns its id. The operation must
// not carry a result yet; results are attached when the apply finishes.
func (l *Ledger) Record(ctx context.Context, op model.AgentOperation) (string, error) {
	if op.ID == "" {
		return "", fmt.Errorf("operation id is required")
	}
	commandJSON, err := json.Marshal(op.Command)
	if err != nil {
		return "", fmt.Errorf("marshal command: %w", err)
	}
	planJSON, err := json.Marshal(op.Plan)
	if err != nil {
		return "", fmt.Errorf("marshal plan: %w", err)
	}
	createdAt := op.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err = l.db.ExecContext(ctx, `INSERT INTO operations(op_id, command_id, plan_id, command_json, plan_json, result_json, reversible, created_at, applied_at, reverted_at)
		VALUES(?, ?, ?, ?, ?, NULL, ?, ?, NULL, NULL)`,
		op.ID, op.CommandID, op.PlanID, string(commandJSON), string(planJSON), boolInt(op.Reversible), createdAt.Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("insert operation: %w", err)
	}
	return op.ID, nil
}

// AttachResult attaches the execution result to an operation, exactly once.
func (l *Ledger) AttachResult(ctx context.Context, opID string, result model.ExecutionResult) error {
	unlock := l.lockOp(opID)
	defer unlock()

	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	appliedAt := result.AppliedAt
	if appliedAt.IsZero() {
		appliedAt = time.Now().UTC()
	}
	reversible := len(result.CompletedSteps) > 0
	res, err := l.db.ExecContext(ctx, `UPDATE operations SET result_json=?, applied_at=?, reversible=? WHERE op_id=? AND result_json IS NULL`,
		string(resultJSON), appliedAt.Format(time.RFC3339Nano), boolInt(reversible), opID)
	if err != nil {
		return fmt.Errorf("attach result: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		if _, err := l.Get(ctx, opID); err != nil {
			return err
		}
		return fmt.Errorf("operation %s already has a result", opID)
	}
	return nil
}

// MarkReverted stamps the operation as reverted, exactly once.
func (l *Ledger) MarkReverted(ctx context.Context, opID string, at time.Time) error {
	unlock := l.lockOp(opID)
	defer unlock()

	res, err := l.db.ExecContext(ctx, `UPDATE operations SET reverted_at=? WHERE op_id=? AND reverted_at IS NULL`,
		at.UTC().Format(time.RFC3339Nano), opID)
	if err != nil {
		return fmt.Errorf("mark reverted: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		if _, err := l.Get(ctx, opID); err != nil {
			return err
		}
		return fmt.Errorf("operation %s already reverted", opID)
	}
	return nil
}

const operationColumns = `op_id, command_id, plan_id, command_json, plan_json, result_json, reversible, created_at, applied_at, reverted_at`

// Get fetches one operation by id.
func (l *Ledger) Get(ctx context.Context, opID string) (model.AgentOperation, error) {
	row := l.db.QueryRowContext(ctx, `SELECT `+operationColumns+` FROM operations WHERE op_id=?`, opID)
	op, err := scanOperation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.AgentOperation{}, fmt.Errorf("operation %s: %w", opID, ErrNotFound)
		}
		return model.AgentOperation{}, err
	}
	return op, nil
}

// Filter narrows List output. Nil fields match everything.
type Filter struct {
	Reverted *bool
	Status   *model.ExecutionStatus
}

// List returns operations in insertion order, oldest first.
func (l *Ledger) List(ctx context.Context, filter *Filter) ([]model.AgentOperation, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT `+operationColumns+` FROM operations ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("query operations: %w", err)
	}
	defer rows.Close()
	var out []model.AgentOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		if filter != nil {
			if filter.Reverted != nil && *filter.Reverted != (op.RevertedAt != nil) {
				continue
			}
			if filter.Status != nil && operationStatus(op) != *filter.Status {
				continue
			}
		}
		out = append(out, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate operations: %w", err)
	}
	return out, nil
}

// Summaries returns the condensed history view, oldest first. In-flight
// operations (no result yet) are included with the applying status.
func (l *Ledger) Summaries(ctx context.Context) ([]model.OperationSummary, error) {
	ops, err := l.List(ctx, nil)
	if err != nil {
		return nil, err
	}
	out := make([]model.OperationSummary, 0, len(ops))
	for _, op := range ops {
		out = append(out, model.OperationSummary{
			OperationID: op.ID,
			CommandText: op.Command.Text,
			Scope:       op.Command.Scope,
			StepsCount:  len(op.Plan.Steps),
			Status:      operationStatus(op),
			Timestamp:   op.CreatedAt,
			Reverted:    op.RevertedAt != nil,
		})
	}
	return out, nil
}

// Export serializes the complete log as indented JSON, order-preserving.
// In-flight operations are exported the same as completed ones.
func (l *Ledger) Export(ctx context.Context) ([]byte, error) {
	ops, err := l.List(ctx, nil)
	if err != nil {
		return nil, err
	}
	if ops == nil {
		ops = []model.AgentOperation{}
	}
	data, err := json.MarshalIndent(ops, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal export: %w", err)
	}
	return data, nil
}

// Clear removes all operations.
func (l *Ledger) Clear(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, `DELETE FROM operations`); err != nil {
		return fmt.Errorf("clear operations: %w", err)
	}
	return nil
}

// RetentionPolicy defines how many old operations to keep.
type RetentionPolicy struct {
	KeepLast int
	KeepDays int
}

// PruneResult summarizes a prune pass.
type PruneResult struct {
	Deleted int
	Kept    int
}

// Prune removes operations falling outside the retention policy.
func (l *Ledger) Prune(ctx context.Context, policy RetentionPolicy, dryRun bool) (PruneResult, error) {
	ops, err := l.List(ctx, nil)
	if err != nil {
		return PruneResult{}, err
	}
	cutoff := time.Time{}
	if policy.KeepDays > 0 {
		cutoff = time.Now().UTC().AddDate(0, 0, -policy.KeepDays)
	}
	var res PruneResult
	for i, op := range ops {
		keep := true
		if policy.KeepLast > 0 && i < len(ops)-policy.KeepLast {
			keep = false
		}
		if !cutoff.IsZero() && op.CreatedAt.Before(cutoff) {
			keep = false
		}
		if keep {
			res.Kept++
			continue
		}
		res.Deleted++
		if dryRun {
			continue
		}
		if _, err := l.db.ExecContext(ctx, `DELETE FROM operations WHERE op_id=?`, op.ID); err != nil {
			return res, fmt.Errorf("delete operation %s: %w", op.ID, err)
		}
	}
	return res, nil
}

func operationStatus(op model.AgentOperation) model.ExecutionStatus {
	if op.Result == nil {
		return model.StatusApplying
	}
	return op.Result.Status
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOperation(row rowScanner) (model.AgentOperation, error) {
	var op model.AgentOperation
	var commandJSON, planJSON string
	var resultJSON, appliedAt, revertedAt sql.NullString
	var reversible int
	var createdAt string
	if err := row.Scan(&op.ID, &op.CommandID, &op.PlanID, &commandJSON, &planJSON, &resultJSON, &reversible, &createdAt, &appliedAt, &revertedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.AgentOperation{}, err
		}
		return model.AgentOperation{}, fmt.Errorf("scan operation: %w", err)
	}
	if err := json.Unmarshal([]byte(commandJSON), &op.Command); err != nil {
		return model.AgentOperation{}, fmt.Errorf("parse command: %w", err)
	}
	if err := json.Unmarshal([]byte(planJSON), &op.Plan); err != nil {
		return model.AgentOperation{}, fmt.Errorf("parse plan: %w", err)
	}
	if resultJSON.Valid {
		var result model.ExecutionResult
		if err := json.Unmarshal([]byte(resultJSON.String), &result); err != nil {
			return model.AgentOperation{}, fmt.Errorf("parse result: %w", err)
		}
		op.Result = &result
	}
	op.Reversible = reversible != 0
	ts, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return model.AgentOperation{}, fmt.Errorf("parse created_at: %w", err)
	}
	op.CreatedAt = ts
	if appliedAt.Valid {
		if ts, err := time.Parse(time.RFC3339Nano, appliedAt.String); err == nil {
			op.AppliedAt = &ts
		}
	}
	if revertedAt.Valid {
		if ts, err := time.Parse(time.RFC3339Nano, revertedAt.String); err == nil {
			op.RevertedAt = &ts
		}
	}
	return op, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

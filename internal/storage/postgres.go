package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ignatij/taskgraph/pkg/models"
	"github.com/ignatij/taskgraph/pkg/storage"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
)

// DBInterface is the subset of sqlx shared by *sqlx.DB and *sqlx.Tx.
type DBInterface interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	QueryRowxContext(ctx context.Context, query string, args ...interface{}) *sqlx.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	NamedExecContext(ctx context.Context, query string, arg interface{}) (sql.Result, error)
}

type PostgresStore struct {
	db DBInterface
}

var _ storage.Store = (*PostgresStore)(nil)

const (
	workflowColumns = `id, user_id, report_id, inspection_id, config, status, total_tasks, completed_tasks,
		failed_tasks, last_activity_at, completed_at, created_at, updated_at`
	taskColumns = `id, workflow_id, agent_slug, status, output, error_msg, attempts, created_at, updated_at,
		started_at, finished_at`

	uniqueViolation = "23505"
)

// activeWorkflowStatuses are the non-terminal workflow statuses.
var activeWorkflowStatuses = pq.StringArray{string(models.PendingWorkflowStatus), string(models.RunningWorkflowStatus)}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an existing connection pool.
func NewPostgresStoreFromDB(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Begin() (*PostgresStore, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.Beginx()
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx}, nil
	}
	return nil, fmt.Errorf("cannot begin transaction on unknown type")
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return fmt.Errorf("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return fmt.Errorf("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

// Ping checks the connection; used by the health endpoint.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.PingContext(ctx)
	}
	return nil
}

// inTx runs fn inside a transaction, reusing the current one when the store already wraps a *sqlx.Tx.
func (s *PostgresStore) inTx(ctx context.Context, fn func(DBInterface) error) error {
	db, ok := s.db.(*sqlx.DB)
	if !ok {
		return fn(s.db)
	}
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Wrapf(err, "rollback failed: %v", rbErr)
		}
		return err
	}
	return errors.Wrap(tx.Commit(), "commit transaction")
}

// taskRow carries the task's index in the plan, so ListTasks returns plan order.
type taskRow struct {
	models.Task
	Position int `db:"position"`
}

// CreateWorkflow inserts the workflow, its tasks and their dependency rows atomically.
func (s *PostgresStore) CreateWorkflow(ctx context.Context, w models.Workflow, tasks []models.Task) error {
	err := s.inTx(ctx, func(db DBInterface) error {
		_, err := db.NamedExecContext(ctx, `
			INSERT INTO workflows (id, user_id, report_id, inspection_id, config, status, total_tasks,
				completed_tasks, failed_tasks, last_activity_at, completed_at, created_at, updated_at)
			VALUES (:id, :user_id, :report_id, :inspection_id, :config, :status, :total_tasks,
				:completed_tasks, :failed_tasks, :last_activity_at, :completed_at, :created_at, :updated_at)`, w)
		if err != nil {
			return errors.Wrapf(err, "save workflow %s", w.ID)
		}
		for i, t := range tasks {
			_, err := db.NamedExecContext(ctx, `
				INSERT INTO tasks (id, workflow_id, agent_slug, status, output, error_msg, attempts,
					created_at, updated_at, started_at, finished_at, position)
				VALUES (:id, :workflow_id, :agent_slug, :status, :output, :error_msg, :attempts,
					:created_at, :updated_at, :started_at, :finished_at, :position)`, taskRow{Task: t, Position: i})
			if err != nil {
				return errors.Wrapf(err, "save task %s", t.ID)
			}
		}
		for _, d := range models.Dependencies(tasks) {
			_, err := db.NamedExecContext(ctx, `
				INSERT INTO dependencies (task_id, depends_on, workflow_id)
				VALUES (:task_id, :depends_on, :workflow_id)`, d)
			if err != nil {
				return errors.Wrapf(err, "save dependency %s -> %s", d.TaskID, d.DependsOn)
			}
		}
		return nil
	})
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return errors.Wrapf(storage.ErrAlreadyExists, "workflow %s: %s", w.ID, pqErr.Detail)
	}
	return err
}

func (s *PostgresStore) GetWorkflow(ctx context.Context, id string) (models.Workflow, error) {
	var wf models.Workflow
	err := s.db.GetContext(ctx, &wf, "SELECT "+workflowColumns+" FROM workflows WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.Workflow{}, errors.Wrapf(storage.ErrNotFound, "workflow %s", id)
	}
	if err != nil {
		return models.Workflow{}, errors.Wrapf(err, "get workflow %s", id)
	}
	return wf, nil
}

func (s *PostgresStore) ListActiveWorkflows(ctx context.Context) ([]models.Workflow, error) {
	workflows := []models.Workflow{}
	err := s.db.SelectContext(ctx, &workflows,
		"SELECT "+workflowColumns+" FROM workflows WHERE status = ANY($1) ORDER BY created_at",
		activeWorkflowStatuses)
	if err != nil {
		return nil, errors.Wrap(err, "list active workflows")
	}
	return workflows, nil
}

func (s *PostgresStore) ListStaleWorkflows(ctx context.Context, before time.Time) ([]models.Workflow, error) {
	workflows := []models.Workflow{}
	err := s.db.SelectContext(ctx, &workflows,
		"SELECT "+workflowColumns+" FROM workflows WHERE status = ANY($1) AND last_activity_at < $2 ORDER BY created_at",
		activeWorkflowStatuses, before)
	if err != nil {
		return nil, errors.Wrap(err, "list stale workflows")
	}
	return workflows, nil
}

func (s *PostgresStore) CompareAndSwapWorkflowStatus(ctx context.Context, id string, from, to models.WorkflowStatus, fields storage.Fields) (bool, error) {
	set, args, err := setClause(fields, storage.WorkflowFields, []interface{}{to})
	if err != nil {
		return false, err
	}
	args = append(args, id, from)
	query := fmt.Sprintf("UPDATE workflows SET status = $1, updated_at = now()%s WHERE id = $%d AND status = $%d",
		set, len(args)-1, len(args))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, errors.Wrapf(err, "swap workflow %s status %s -> %s", id, from, to)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// UpdateWorkflowProgress writes the counters and, for a terminal rollup, the status and
// completion time. SET expressions see the pre-update row, so an already terminal status stays.
func (s *PostgresStore) UpdateWorkflowProgress(ctx context.Context, id string, p models.Progress, completedAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflows SET
			total_tasks = $2,
			completed_tasks = $3,
			failed_tasks = $4,
			status = CASE WHEN $5::boolean AND status = ANY($6) THEN $7::text ELSE status END,
			completed_at = CASE WHEN $5::boolean AND status = ANY($6) THEN $8 ELSE completed_at END,
			updated_at = now()
		WHERE id = $1`,
		id, p.TotalTasks, p.CompletedTasks, p.FailedTasks,
		p.Status.IsTerminal(), activeWorkflowStatuses, string(p.Status), completedAt)
	if err != nil {
		return false, errors.Wrapf(err, "update progress of workflow %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *PostgresStore) TouchWorkflow(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, "UPDATE workflows SET last_activity_at = $1 WHERE id = $2", at, id)
	if err != nil {
		return errors.Wrapf(err, "touch workflow %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.Wrapf(storage.ErrNotFound, "workflow %s", id)
	}
	return nil
}

func (s *PostgresStore) GetTask(ctx context.Context, id string) (models.Task, error) {
	var task models.Task
	err := s.db.GetContext(ctx, &task, "SELECT "+taskColumns+" FROM tasks WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.Task{}, errors.Wrapf(storage.ErrNotFound, "task %s", id)
	}
	if err != nil {
		return models.Task{}, errors.Wrapf(err, "get task %s", id)
	}
	var deps []models.Dependency
	if err := s.db.SelectContext(ctx, &deps,
		"SELECT task_id, depends_on, workflow_id FROM dependencies WHERE task_id = $1 ORDER BY depends_on", id); err != nil {
		return models.Task{}, errors.Wrapf(err, "get dependencies of task %s", id)
	}
	tasks := []models.Task{task}
	models.AttachDependencies(tasks, deps)
	return tasks[0], nil
}

func (s *PostgresStore) ListTasks(ctx context.Context, workflowID string) ([]models.Task, error) {
	tasks := []models.Task{}
	if err := s.db.SelectContext(ctx, &tasks,
		"SELECT "+taskColumns+" FROM tasks WHERE workflow_id = $1 ORDER BY position, created_at, id", workflowID); err != nil {
		return nil, errors.Wrapf(err, "list tasks of workflow %s", workflowID)
	}
	var deps []models.Dependency
	if err := s.db.SelectContext(ctx, &deps,
		"SELECT task_id, depends_on, workflow_id FROM dependencies WHERE workflow_id = $1 ORDER BY task_id, depends_on", workflowID); err != nil {
		return nil, errors.Wrapf(err, "list dependencies of workflow %s", workflowID)
	}
	models.AttachDependencies(tasks, deps)
	return tasks, nil
}

// CompareAndSwapTaskStatus relies on the row lock taken by UPDATE: of several concurrent callers
// with the same expected status only one matches the WHERE clause.
func (s *PostgresStore) CompareAndSwapTaskStatus(ctx context.Context, id string, from, to models.TaskStatus, fields storage.Fields) (string, bool, error) {
	set, args, err := setClause(fields, storage.TaskFields, []interface{}{to})
	if err != nil {
		return "", false, err
	}
	args = append(args, id, from)
	query := fmt.Sprintf("UPDATE tasks SET status = $1, updated_at = now()%s WHERE id = $%d AND status = $%d RETURNING workflow_id",
		set, len(args)-1, len(args))
	var workflowID string
	err = s.db.QueryRowxContext(ctx, query, args...).Scan(&workflowID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "swap task %s status %s -> %s", id, from, to)
	}
	return workflowID, true, nil
}

func (s *PostgresStore) PromoteTasks(ctx context.Context, workflowID string, ids []string, from, to models.TaskStatus) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE tasks SET status = $1, updated_at = now() WHERE workflow_id = $2 AND id = ANY($3) AND status = $4",
		to, workflowID, pq.Array(ids), from)
	if err != nil {
		return 0, errors.Wrapf(err, "promote tasks of workflow %s", workflowID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// setClause renders fields as ", col = $n" fragments in column order, appending values to args.
func setClause(fields storage.Fields, allowed map[string]struct{}, args []interface{}) (string, []interface{}, error) {
	if err := fields.Validate(allowed); err != nil {
		return "", nil, err
	}
	cols := make([]string, 0, len(fields))
	for col := range fields {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	var b strings.Builder
	for _, col := range cols {
		v, err := columnValue(col, fields[col])
		if err != nil {
			return "", nil, err
		}
		args = append(args, v)
		fmt.Fprintf(&b, ", %s = $%d", col, len(args))
	}
	return b.String(), args, nil
}

func columnValue(col string, v interface{}) (interface{}, error) {
	switch col {
	case storage.FieldOutput:
		s, err := storage.TextValue(v)
		return s, errors.WithMessage(err, col)
	case storage.FieldErrorMsg:
		s, err := storage.TextValue(v)
		if err != nil || s == nil {
			return "", errors.WithMessage(err, col)
		}
		return *s, nil
	case storage.FieldAttempts:
		n, ok := v.(int)
		if !ok {
			return nil, fmt.Errorf("%s: expected int, got %T", col, v)
		}
		return n, nil
	default:
		at, err := storage.TimeValue(v)
		return at, errors.WithMessage(err, col)
	}
}

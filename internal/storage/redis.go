package storage

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"time"

	"github.com/ignatij/taskgraph/pkg/models"
	"github.com/ignatij/taskgraph/pkg/storage"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RedisStore implements storage.Store on Redis. Workflows and tasks are Hashes; every
// conditional write runs as a Lua script so the status check and the write are atomic.
type RedisStore struct {
	client redis.UniversalClient
	closer func() error
}

var _ storage.Store = (*RedisStore)(nil)

// NewRedisStore wraps a client owned by the caller; Close is a no-op.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, closer: func() error { return nil }}
}

// OpenRedisStore dials addr (host:port or a redis:// URL) and owns the connection.
func OpenRedisStore(ctx context.Context, addr string) (*RedisStore, error) {
	opts, err := redis.ParseURL(addr)
	if err != nil {
		opts = &redis.Options{Addr: addr}
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrapf(err, "ping redis %s", opts.Addr)
	}
	return &RedisStore{client: client, closer: client.Close}, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.closer()
}

// KEYS[1] task, ARGV: from, to, updated_at, n, n field/value pairs, then fields to delete.
// Returns the task's workflow id, or nil when the status did not match.
var swapTaskScript = redis.NewScript(`
	local cur = redis.call('HGET', KEYS[1], 'status')
	if cur ~= ARGV[1] then
		return false
	end
	redis.call('HSET', KEYS[1], 'status', ARGV[2], 'updated_at', ARGV[3])
	local n = tonumber(ARGV[4])
	for i = 0, n - 1 do
		redis.call('HSET', KEYS[1], ARGV[5 + 2 * i], ARGV[6 + 2 * i])
	end
	for i = 5 + 2 * n, #ARGV do
		redis.call('HDEL', KEYS[1], ARGV[i])
	end
	return redis.call('HGET', KEYS[1], 'workflow_id')
`)

// KEYS[1] workflow, KEYS[2] active set. ARGV: from, to, updated_at, terminal flag, workflow id,
// n, n field/value pairs, then fields to delete. Returns 1 on swap, 0 otherwise.
var swapWorkflowScript = redis.NewScript(`
	local cur = redis.call('HGET', KEYS[1], 'status')
	if cur ~= ARGV[1] then
		return 0
	end
	redis.call('HSET', KEYS[1], 'status', ARGV[2], 'updated_at', ARGV[3])
	if ARGV[4] == '1' then
		redis.call('ZREM', KEYS[2], ARGV[5])
	end
	local n = tonumber(ARGV[6])
	for i = 0, n - 1 do
		redis.call('HSET', KEYS[1], ARGV[7 + 2 * i], ARGV[8 + 2 * i])
	end
	for i = 7 + 2 * n, #ARGV do
		redis.call('HDEL', KEYS[1], ARGV[i])
	end
	return 1
`)

// KEYS are task hashes. ARGV: from, to, workflow id, updated_at. Returns the number moved.
var promoteTasksScript = redis.NewScript(`
	local moved = 0
	for _, key in ipairs(KEYS) do
		local fields = redis.call('HMGET', key, 'status', 'workflow_id')
		if fields[1] == ARGV[1] and fields[2] == ARGV[3] then
			redis.call('HSET', key, 'status', ARGV[2], 'updated_at', ARGV[4])
			moved = moved + 1
		end
	end
	return moved
`)

// KEYS[1] workflow, KEYS[2] active set. ARGV: total, completed, failed, status, terminal flag,
// completed_at, updated_at, workflow id, then the non-terminal statuses.
var progressScript = redis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 0 then
		return 0
	end
	redis.call('HSET', KEYS[1], 'total_tasks', ARGV[1], 'completed_tasks', ARGV[2],
		'failed_tasks', ARGV[3], 'updated_at', ARGV[7])
	if ARGV[5] == '1' then
		local cur = redis.call('HGET', KEYS[1], 'status')
		for i = 9, #ARGV do
			if cur == ARGV[i] then
				redis.call('HSET', KEYS[1], 'status', ARGV[4], 'completed_at', ARGV[6])
				redis.call('ZREM', KEYS[2], ARGV[8])
				break
			end
		end
	end
	return 1
`)

// KEYS[1] workflow, KEYS[2] active set. ARGV: last_activity_at, score, workflow id, then the
// non-terminal statuses. Returns 0 when the workflow does not exist.
var touchScript = redis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 0 then
		return 0
	end
	redis.call('HSET', KEYS[1], 'last_activity_at', ARGV[1])
	local cur = redis.call('HGET', KEYS[1], 'status')
	for i = 4, #ARGV do
		if cur == ARGV[i] then
			redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])
			break
		end
	end
	return 1
`)

func activeStatusArgs() []interface{} {
	return []interface{}{string(models.PendingWorkflowStatus), string(models.RunningWorkflowStatus)}
}

func activityScore(at time.Time) float64 {
	return float64(at.UnixMilli())
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// CreateWorkflow writes the workflow and its tasks in one MULTI/EXEC block. The keys are WATCHed
// across the existence check, so a concurrent create of the same ids aborts the transaction.
func (s *RedisStore) CreateWorkflow(ctx context.Context, w models.Workflow, tasks []models.Task) error {
	keys := []string{workflowKey(w.ID)}
	for _, t := range tasks {
		keys = append(keys, taskKey(t.ID))
	}
	taskFields := make([]map[string]interface{}, 0, len(tasks))
	for _, t := range tasks {
		fields, err := taskToMap(t)
		if err != nil {
			return err
		}
		taskFields = append(taskFields, fields)
	}

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, keys...).Result()
		if err != nil {
			return errors.Wrapf(err, "check workflow %s", w.ID)
		}
		if exists > 0 {
			return errors.Wrapf(storage.ErrAlreadyExists, "workflow %s", w.ID)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, workflowKey(w.ID), workflowToMap(w))
			for i, t := range tasks {
				pipe.HSet(ctx, taskKey(t.ID), taskFields[i])
				pipe.ZAdd(ctx, workflowTasksKey(w.ID), redis.Z{Score: float64(i), Member: t.ID})
			}
			if !w.Status.IsTerminal() {
				pipe.ZAdd(ctx, activeWorkflowsKey, redis.Z{Score: activityScore(w.LastActivityAt), Member: w.ID})
			}
			return nil
		})
		return err
	}, keys...)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.TxFailedErr):
		return errors.Wrapf(storage.ErrAlreadyExists, "workflow %s was created concurrently", w.ID)
	case errors.Is(err, storage.ErrAlreadyExists):
		return err
	default:
		return errors.Wrapf(err, "save workflow %s", w.ID)
	}
}

func (s *RedisStore) GetWorkflow(ctx context.Context, id string) (models.Workflow, error) {
	fields, err := s.client.HGetAll(ctx, workflowKey(id)).Result()
	if err != nil {
		return models.Workflow{}, errors.Wrapf(err, "get workflow %s", id)
	}
	if len(fields) == 0 {
		return models.Workflow{}, errors.Wrapf(storage.ErrNotFound, "workflow %s", id)
	}
	return workflowFromMap(fields)
}

func (s *RedisStore) ListActiveWorkflows(ctx context.Context) ([]models.Workflow, error) {
	ids, err := s.client.ZRange(ctx, activeWorkflowsKey, 0, -1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "list active workflows")
	}
	return s.loadWorkflows(ctx, ids, func(wf models.Workflow) bool { return !wf.Status.IsTerminal() })
}

func (s *RedisStore) ListStaleWorkflows(ctx context.Context, before time.Time) ([]models.Workflow, error) {
	ids, err := s.client.ZRangeByScore(ctx, activeWorkflowsKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatFloat(activityScore(before), 'f', -1, 64),
	}).Result()
	if err != nil {
		return nil, errors.Wrap(err, "list stale workflows")
	}
	return s.loadWorkflows(ctx, ids, func(wf models.Workflow) bool {
		return !wf.Status.IsTerminal() && wf.LastActivityAt.Before(before)
	})
}

func (s *RedisStore) loadWorkflows(ctx context.Context, ids []string, keep func(models.Workflow) bool) ([]models.Workflow, error) {
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	if _, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, workflowKey(id))
		}
		return nil
	}); err != nil {
		return nil, errors.Wrap(err, "load workflows")
	}
	workflows := []models.Workflow{}
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue // removed between the index read and the load
		}
		wf, err := workflowFromMap(fields)
		if err != nil {
			return nil, err
		}
		if keep(wf) {
			workflows = append(workflows, wf)
		}
	}
	sort.Slice(workflows, func(i, j int) bool { return workflows[i].CreatedAt.Before(workflows[j].CreatedAt) })
	return workflows, nil
}

func (s *RedisStore) CompareAndSwapWorkflowStatus(ctx context.Context, id string, from, to models.WorkflowStatus, fields storage.Fields) (bool, error) {
	if err := fields.Validate(storage.WorkflowFields); err != nil {
		return false, err
	}
	terminal := "0"
	if to.IsTerminal() {
		terminal = "1"
	}
	args := []interface{}{string(from), string(to), formatTime(time.Now()), terminal, id}
	extra, err := fieldArgs(fields)
	if err != nil {
		return false, err
	}
	n, err := swapWorkflowScript.Run(ctx, s.client, []string{workflowKey(id), activeWorkflowsKey}, append(args, extra...)...).Int()
	if err != nil {
		return false, errors.Wrapf(err, "swap workflow %s status %s -> %s", id, from, to)
	}
	return n == 1, nil
}

func (s *RedisStore) UpdateWorkflowProgress(ctx context.Context, id string, p models.Progress, completedAt time.Time) (bool, error) {
	terminal := "0"
	if p.Status.IsTerminal() {
		terminal = "1"
	}
	args := []interface{}{p.TotalTasks, p.CompletedTasks, p.FailedTasks, string(p.Status), terminal,
		formatTime(completedAt), formatTime(time.Now()), id}
	n, err := progressScript.Run(ctx, s.client, []string{workflowKey(id), activeWorkflowsKey},
		append(args, activeStatusArgs()...)...).Int()
	if err != nil {
		return false, errors.Wrapf(err, "update progress of workflow %s", id)
	}
	return n == 1, nil
}

func (s *RedisStore) TouchWorkflow(ctx context.Context, id string, at time.Time) error {
	args := []interface{}{formatTime(at), activityScore(at), id}
	n, err := touchScript.Run(ctx, s.client, []string{workflowKey(id), activeWorkflowsKey},
		append(args, activeStatusArgs()...)...).Int()
	if err != nil {
		return errors.Wrapf(err, "touch workflow %s", id)
	}
	if n == 0 {
		return errors.Wrapf(storage.ErrNotFound, "workflow %s", id)
	}
	return nil
}

func (s *RedisStore) GetTask(ctx context.Context, id string) (models.Task, error) {
	fields, err := s.client.HGetAll(ctx, taskKey(id)).Result()
	if err != nil {
		return models.Task{}, errors.Wrapf(err, "get task %s", id)
	}
	if len(fields) == 0 {
		return models.Task{}, errors.Wrapf(storage.ErrNotFound, "task %s", id)
	}
	return taskFromMap(fields)
}

func (s *RedisStore) ListTasks(ctx context.Context, workflowID string) ([]models.Task, error) {
	ids, err := s.client.ZRange(ctx, workflowTasksKey(workflowID), 0, -1).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "list tasks of workflow %s", workflowID)
	}
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	if _, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, taskKey(id))
		}
		return nil
	}); err != nil {
		return nil, errors.Wrapf(err, "load tasks of workflow %s", workflowID)
	}
	tasks := make([]models.Task, 0, len(ids))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		t, err := taskFromMap(fields)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

func (s *RedisStore) CompareAndSwapTaskStatus(ctx context.Context, id string, from, to models.TaskStatus, fields storage.Fields) (string, bool, error) {
	if err := fields.Validate(storage.TaskFields); err != nil {
		return "", false, err
	}
	extra, err := fieldArgs(fields)
	if err != nil {
		return "", false, err
	}
	args := append([]interface{}{string(from), string(to), formatTime(time.Now())}, extra...)
	workflowID, err := swapTaskScript.Run(ctx, s.client, []string{taskKey(id)}, args...).Text()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "swap task %s status %s -> %s", id, from, to)
	}
	return workflowID, true, nil
}

func (s *RedisStore) PromoteTasks(ctx context.Context, workflowID string, ids []string, from, to models.TaskStatus) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = taskKey(id)
	}
	n, err := promoteTasksScript.Run(ctx, s.client, keys, string(from), string(to), workflowID, formatTime(time.Now())).Int()
	if err != nil {
		return 0, errors.Wrapf(err, "promote tasks of workflow %s", workflowID)
	}
	return n, nil
}

// fieldArgs encodes fields as script arguments: a count, the field/value pairs to set, then
// the fields whose value is nil and must be removed.
func fieldArgs(fields storage.Fields) ([]interface{}, error) {
	cols := make([]string, 0, len(fields))
	for col := range fields {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	var set, del []interface{}
	for _, col := range cols {
		v, err := hashValue(col, fields[col])
		if err != nil {
			return nil, err
		}
		if v == nil {
			del = append(del, col)
			continue
		}
		set = append(set, col, *v)
	}
	args := append([]interface{}{len(set) / 2}, set...)
	return append(args, del...), nil
}

// hashValue renders a field value as its Hash representation; nil means the field is removed.
func hashValue(col string, v interface{}) (*string, error) {
	switch col {
	case storage.FieldOutput:
		s, err := storage.TextValue(v)
		return s, errors.WithMessage(err, col)
	case storage.FieldErrorMsg:
		s, err := storage.TextValue(v)
		if err != nil {
			return nil, errors.WithMessage(err, col)
		}
		if s == nil {
			empty := ""
			return &empty, nil
		}
		return s, nil
	case storage.FieldAttempts:
		n, ok := v.(int)
		if !ok {
			return nil, errors.Errorf("%s: expected int, got %T", col, v)
		}
		str := strconv.Itoa(n)
		return &str, nil
	default:
		at, err := storage.TimeValue(v)
		if err != nil || at == nil {
			return nil, errors.WithMessage(err, col)
		}
		str := formatTime(*at)
		return &str, nil
	}
}

func workflowToMap(w models.Workflow) map[string]interface{} {
	m := map[string]interface{}{
		"id":               w.ID,
		"user_id":          w.UserID,
		"config":           w.Config,
		"status":           string(w.Status),
		"total_tasks":      w.TotalTasks,
		"completed_tasks":  w.CompletedTasks,
		"failed_tasks":     w.FailedTasks,
		"last_activity_at": formatTime(w.LastActivityAt),
		"created_at":       formatTime(w.CreatedAt),
		"updated_at":       formatTime(w.UpdatedAt),
	}
	if w.ReportID != nil {
		m["report_id"] = *w.ReportID
	}
	if w.InspectionID != nil {
		m["inspection_id"] = *w.InspectionID
	}
	if w.CompletedAt != nil {
		m["completed_at"] = formatTime(*w.CompletedAt)
	}
	return m
}

func workflowFromMap(m map[string]string) (models.Workflow, error) {
	w := models.Workflow{
		ID:           m["id"],
		UserID:       m["user_id"],
		ReportID:     optionalString(m, "report_id"),
		InspectionID: optionalString(m, "inspection_id"),
		Config:       m["config"],
		Status:       models.WorkflowStatus(m["status"]),
	}
	var err error
	if w.TotalTasks, err = parseInt(m, "total_tasks"); err != nil {
		return w, err
	}
	if w.CompletedTasks, err = parseInt(m, "completed_tasks"); err != nil {
		return w, err
	}
	if w.FailedTasks, err = parseInt(m, "failed_tasks"); err != nil {
		return w, err
	}
	if w.LastActivityAt, err = parseTime(m, "last_activity_at"); err != nil {
		return w, err
	}
	if w.CreatedAt, err = parseTime(m, "created_at"); err != nil {
		return w, err
	}
	if w.UpdatedAt, err = parseTime(m, "updated_at"); err != nil {
		return w, err
	}
	if w.CompletedAt, err = parseOptionalTime(m, "completed_at"); err != nil {
		return w, err
	}
	return w, nil
}

func taskToMap(t models.Task) (map[string]interface{}, error) {
	deps := t.DependsOnTaskIDs
	if deps == nil {
		deps = []string{}
	}
	encoded, err := json.Marshal(deps)
	if err != nil {
		return nil, errors.Wrapf(err, "encode dependencies of task %s", t.ID)
	}
	m := map[string]interface{}{
		"id":          t.ID,
		"workflow_id": t.WorkflowID,
		"agent_slug":  t.AgentSlug,
		"status":      string(t.Status),
		"error_msg":   t.ErrorMsg,
		"attempts":    t.Attempts,
		"created_at":  formatTime(t.CreatedAt),
		"updated_at":  formatTime(t.UpdatedAt),
		"depends_on":  string(encoded),
	}
	if t.Output != nil {
		m["output"] = *t.Output
	}
	if t.StartedAt != nil {
		m["started_at"] = formatTime(*t.StartedAt)
	}
	if t.FinishedAt != nil {
		m["finished_at"] = formatTime(*t.FinishedAt)
	}
	return m, nil
}

func taskFromMap(m map[string]string) (models.Task, error) {
	t := models.Task{
		ID:         m["id"],
		WorkflowID: m["workflow_id"],
		AgentSlug:  m["agent_slug"],
		Status:     models.TaskStatus(m["status"]),
		Output:     optionalString(m, "output"),
		ErrorMsg:   m["error_msg"],
	}
	var err error
	if t.Attempts, err = parseInt(m, "attempts"); err != nil {
		return t, err
	}
	if t.CreatedAt, err = parseTime(m, "created_at"); err != nil {
		return t, err
	}
	if t.UpdatedAt, err = parseTime(m, "updated_at"); err != nil {
		return t, err
	}
	if t.StartedAt, err = parseOptionalTime(m, "started_at"); err != nil {
		return t, err
	}
	if t.FinishedAt, err = parseOptionalTime(m, "finished_at"); err != nil {
		return t, err
	}
	t.DependsOnTaskIDs = []string{}
	if raw := m["depends_on"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &t.DependsOnTaskIDs); err != nil {
			return t, errors.Wrapf(err, "decode dependencies of task %s", t.ID)
		}
	}
	return t, nil
}

func optionalString(m map[string]string, key string) *string {
	v, ok := m[key]
	if !ok {
		return nil
	}
	return &v
}

func parseInt(m map[string]string, key string) (int, error) {
	v, ok := m[key]
	if !ok || v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	return n, errors.Wrapf(err, "parse %s", key)
}

func parseTime(m map[string]string, key string) (time.Time, error) {
	v, ok := m[key]
	if !ok || v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	return t, errors.Wrapf(err, "parse %s", key)
}

func parseOptionalTime(m map[string]string, key string) (*time.Time, error) {
	if _, ok := m[key]; !ok {
		return nil, nil
	}
	t, err := parseTime(m, key)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

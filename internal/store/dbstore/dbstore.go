// Package dbstore implements the task store against a SQL database,
// SQLite for single-host setups or PostgreSQL when several
// orchestrators share one store. Claims run inside a transaction so
// two schedulers never take the same task.
package dbstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/randalmurphal/drover/internal/errors"
	"github.com/randalmurphal/drover/internal/store"
	"github.com/randalmurphal/drover/internal/store/driver"
	"github.com/randalmurphal/drover/internal/task"
)

//go:embed schema
var schemaFS embed.FS

// Options configures a DB store.
type Options struct {
	Driver        string // "sqlite" (default) or "postgres"
	DSN           string
	Scope         string
	MaxRejections int // rejections before escalation, default 3
}

// DB is the SQL-backed store. All rows carry the scope tag and every
// query filters on it.
type DB struct {
	drv           driver.Driver
	scope         string
	maxRejections int
}

var _ store.Store = (*DB)(nil)

// Open connects, migrates, and returns the store.
func Open(opts Options) (*DB, error) {
	if opts.Scope == "" {
		return nil, errors.ErrScopeMissing("database store options")
	}

	dialect, err := driver.ParseDialect(opts.Driver)
	if err != nil {
		return nil, errors.ErrConfigInvalid("database.driver", err.Error())
	}
	drv, err := driver.New(dialect)
	if err != nil {
		return nil, err
	}
	if err := drv.Open(opts.DSN); err != nil {
		return nil, err
	}
	if err := drv.Migrate(context.Background(), schemaFS); err != nil {
		_ = drv.Close()
		return nil, fmt.Errorf("migrate task schema: %w", err)
	}

	maxRej := opts.MaxRejections
	if maxRej <= 0 {
		maxRej = 3
	}
	return &DB{drv: drv, scope: opts.Scope, maxRejections: maxRej}, nil
}

func (s *DB) Close() error { return s.drv.Close() }

// binder accumulates query arguments and hands back the dialect's
// placeholder for each.
type binder struct {
	drv  driver.Driver
	args []any
}

func (b *binder) bind(v any) string {
	b.args = append(b.args, v)
	return b.drv.Placeholder(len(b.args))
}

// taskColumns is the scan/insert order for everything after scope.
const taskColumns = `id, title, role, priority, branch, queue, flow, task_type, expedite,
	attempt_count, rejection_count, commits_count, turns_used, version,
	claimed_by, orchestrator_id, claimed_at, lease_expires_at,
	blocked_by, project_id, breakdown_id, breakdown_depth,
	pr_number, pr_url, merge_method, needs_rebase, hooks, checks,
	file_path, last_agent, continuation_reason, created_at, updated_at, metadata`

const taskColumnCount = 34

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*task.Task, error) {
	var (
		t                     task.Task
		expedite, needsReb    int
		claimedAt, leaseExp   sql.NullString
		hooksJSON, checksJSON string
		createdAt, updatedAt  string
		metaJSON              string
	)
	err := row.Scan(
		&t.ID, &t.Title, &t.Role, &t.Priority, &t.Branch, &t.Queue, &t.Flow, &t.Type, &expedite,
		&t.AttemptCount, &t.RejectionCount, &t.CommitsCount, &t.TurnsUsed, &t.Version,
		&t.ClaimedBy, &t.OrchestratorID, &claimedAt, &leaseExp,
		&t.BlockedBy, &t.ProjectID, &t.BreakdownID, &t.BreakdownDepth,
		&t.PRNumber, &t.PRURL, &t.MergeMethod, &needsReb, &hooksJSON, &checksJSON,
		&t.FilePath, &t.LastAgent, &t.ContinuationReason, &createdAt, &updatedAt, &metaJSON,
	)
	if err != nil {
		return nil, err
	}

	t.Expedite = expedite != 0
	t.NeedsRebase = needsReb != 0
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	t.ClaimedAt = parseNullTime(claimedAt)
	t.LeaseExpiresAt = parseNullTime(leaseExp)

	if hooksJSON != "" && hooksJSON != "[]" {
		if err := json.Unmarshal([]byte(hooksJSON), &t.Hooks); err != nil {
			return nil, fmt.Errorf("decode hooks: %w", err)
		}
	}
	if checksJSON != "" && checksJSON != "[]" {
		if err := json.Unmarshal([]byte(checksJSON), &t.Checks); err != nil {
			return nil, fmt.Errorf("decode checks: %w", err)
		}
	}
	if metaJSON != "" && metaJSON != "{}" {
		if err := json.Unmarshal([]byte(metaJSON), &t.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return &t, nil
}

// taskArgs returns the values matching taskColumns order.
func taskArgs(t *task.Task) ([]any, error) {
	hooksJSON, err := json.Marshal(t.Hooks)
	if err != nil {
		return nil, fmt.Errorf("encode hooks: %w", err)
	}
	checksJSON, err := json.Marshal(t.Checks)
	if err != nil {
		return nil, fmt.Errorf("encode checks: %w", err)
	}
	metaJSON, err := json.Marshal(t.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return []any{
		t.ID, t.Title, t.Role, string(t.Priority), t.Branch, string(t.Queue), t.Flow, t.Type, boolInt(t.Expedite),
		t.AttemptCount, t.RejectionCount, t.CommitsCount, t.TurnsUsed, t.Version,
		t.ClaimedBy, t.OrchestratorID, formatNullTime(t.ClaimedAt), formatNullTime(t.LeaseExpiresAt),
		t.BlockedBy, t.ProjectID, t.BreakdownID, t.BreakdownDepth,
		t.PRNumber, t.PRURL, string(t.MergeMethod), boolInt(t.NeedsRebase), string(hooksJSON), string(checksJSON),
		t.FilePath, t.LastAgent, t.ContinuationReason, formatTime(t.CreatedAt), formatTime(t.UpdatedAt), string(metaJSON),
	}, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func formatNullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil
	}
	return &t
}

// Create inserts a new task, defaulting queue, flow, and timestamps.
func (s *DB) Create(ctx context.Context, t *task.Task) (*task.Task, error) {
	if strings.EqualFold(strings.TrimSpace(t.BlockedBy), "none") && t.BlockedBy != "" {
		return nil, errors.ErrInvalidArgument("blocked_by", `literal "None" must be normalized to empty before create`)
	}

	cp := *t
	if cp.Queue == "" {
		cp.Queue = task.QueueIncoming
	}
	if cp.Version == 0 {
		cp.Version = 1
	}
	now := time.Now().UTC()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now

	args, err := taskArgs(&cp)
	if err != nil {
		return nil, err
	}

	b := &binder{drv: s.drv}
	markers := make([]string, 0, taskColumnCount+1)
	markers = append(markers, b.bind(s.scope))
	for _, a := range args {
		markers = append(markers, b.bind(a))
	}

	query := fmt.Sprintf("INSERT INTO tasks (scope, %s) VALUES (%s)",
		taskColumns, strings.Join(markers, ", "))
	if _, err := s.drv.Exec(ctx, query, b.args...); err != nil {
		return nil, errors.ErrTransient("create", err)
	}
	return &cp, nil
}

// Get returns the task or NotFound.
func (s *DB) Get(ctx context.Context, id string) (*task.Task, error) {
	b := &binder{drv: s.drv}
	query := fmt.Sprintf("SELECT %s FROM tasks WHERE scope = %s AND id = %s",
		taskColumns, b.bind(s.scope), b.bind(id))

	t, err := scanTask(s.drv.QueryRow(ctx, query, b.args...))
	if err == sql.ErrNoRows {
		return nil, errors.ErrTaskNotFound(id)
	}
	if err != nil {
		return nil, errors.ErrTransient("get", err)
	}
	return t, nil
}

// claimOrder is the store's canonical ordering: expedited first, then
// priority ascending (P0 sorts before P3 lexically), then age, then ID
// for determinism.
const claimOrder = "ORDER BY expedite DESC, priority ASC, created_at ASC, id ASC"

// List returns tasks matching the filter in claim order.
func (s *DB) List(ctx context.Context, f store.ListFilter) ([]*task.Task, error) {
	b := &binder{drv: s.drv}
	where := []string{"scope = " + b.bind(s.scope)}
	if f.Queue != "" {
		where = append(where, "queue = "+b.bind(string(f.Queue)))
	}
	if f.ClaimedBy != "" {
		where = append(where, "claimed_by = "+b.bind(f.ClaimedBy))
	}
	if f.Role != "" {
		where = append(where, "role = "+b.bind(f.Role))
	}
	if f.ProjectID != "" {
		where = append(where, "project_id = "+b.bind(f.ProjectID))
	}

	query := fmt.Sprintf("SELECT %s FROM tasks WHERE %s %s",
		taskColumns, strings.Join(where, " AND "), claimOrder)
	rows, err := s.drv.Query(ctx, query, b.args...)
	if err != nil {
		return nil, errors.ErrTransient("list", err)
	}
	defer rows.Close()

	var tasks []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, errors.ErrTransient("list", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.ErrTransient("list", err)
	}
	return tasks, nil
}

// Claim atomically claims the next eligible task. The transaction
// walks candidates in claim order, skips any with a blocker outside
// done/cancelled, and takes the first whose version CAS lands.
func (s *DB) Claim(ctx context.Context, req store.ClaimRequest) (*task.Task, error) {
	queue := req.Queue
	if queue == "" {
		queue = task.QueueIncoming
	}

	tx, err := s.drv.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.ErrTransient("claim", err)
	}
	defer tx.Rollback()

	if req.MaxClaimed > 0 {
		b := &binder{drv: s.drv}
		var claimed int
		q := fmt.Sprintf("SELECT COUNT(*) FROM tasks WHERE scope = %s AND queue = %s",
			b.bind(s.scope), b.bind(string(task.QueueClaimed)))
		if err := tx.QueryRow(ctx, q, b.args...).Scan(&claimed); err != nil {
			return nil, errors.ErrTransient("claim", err)
		}
		if claimed >= req.MaxClaimed {
			return nil, nil
		}
	}

	b := &binder{drv: s.drv}
	where := []string{
		"scope = " + b.bind(s.scope),
		"queue = " + b.bind(string(queue)),
	}
	if req.RoleFilter != "" {
		where = append(where, "role = "+b.bind(req.RoleFilter))
	}
	if req.TypeFilter != "" {
		where = append(where, "task_type = "+b.bind(req.TypeFilter))
	}
	// Continuations go back to the agent that started them.
	if queue == task.QueueNeedsContinuation {
		where = append(where, "last_agent = "+b.bind(req.AgentName))
	}

	query := fmt.Sprintf("SELECT %s FROM tasks WHERE %s %s",
		taskColumns, strings.Join(where, " AND "), claimOrder)
	rows, err := tx.Query(ctx, query, b.args...)
	if err != nil {
		return nil, errors.ErrTransient("claim", err)
	}
	var candidates []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, errors.ErrTransient("claim", err)
		}
		candidates = append(candidates, t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, errors.ErrTransient("claim", err)
	}
	rows.Close()

	now := time.Now().UTC()
	for _, cand := range candidates {
		ok, err := s.blockersAccepting(ctx, tx, cand)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		lease := now.Add(req.LeaseDuration)
		ub := &binder{drv: s.drv}
		update := fmt.Sprintf(`UPDATE tasks SET
				queue = %s, claimed_by = %s, orchestrator_id = %s,
				claimed_at = %s, lease_expires_at = %s,
				attempt_count = attempt_count + 1,
				version = version + 1, updated_at = %s
			WHERE scope = %s AND id = %s AND version = %s`,
			ub.bind(string(task.QueueClaimed)), ub.bind(req.AgentName), ub.bind(req.OrchestratorID),
			ub.bind(formatTime(now)), ub.bind(formatTime(lease)),
			ub.bind(formatTime(now)),
			ub.bind(s.scope), ub.bind(cand.ID), ub.bind(cand.Version))
		res, err := tx.Exec(ctx, update, ub.args...)
		if err != nil {
			return nil, errors.ErrTransient("claim", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue // raced, try the next candidate
		}

		if err := tx.Commit(); err != nil {
			return nil, errors.ErrTransient("claim", err)
		}

		cand.Queue = task.QueueClaimed
		cand.ClaimedBy = req.AgentName
		cand.OrchestratorID = req.OrchestratorID
		cand.ClaimedAt = &now
		cand.LeaseExpiresAt = &lease
		cand.AttemptCount++
		cand.Version++
		cand.UpdatedAt = now
		return cand, nil
	}
	return nil, nil
}

// blockersAccepting reports whether every blocker of t sits in an
// accepting queue. A blocker ID with no record does not block.
func (s *DB) blockersAccepting(ctx context.Context, tx driver.Tx, t *task.Task) (bool, error) {
	for _, id := range t.BlockerIDs() {
		b := &binder{drv: s.drv}
		q := fmt.Sprintf("SELECT queue FROM tasks WHERE scope = %s AND id = %s",
			b.bind(s.scope), b.bind(id))
		var queue string
		err := tx.QueryRow(ctx, q, b.args...).Scan(&queue)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return false, errors.ErrTransient("claim", err)
		}
		if !task.Queue(queue).Accepting() {
			return false, nil
		}
	}
	return true, nil
}

// Submit moves claimed to provisional and records the agent's
// execution accounting. The lease clears; claimed_by is preserved as
// last_agent for continuation routing.
func (s *DB) Submit(ctx context.Context, req store.SubmitRequest) (*task.Task, error) {
	return s.transition(ctx, req.TaskID, req.Version, func(t *task.Task) error {
		if t.Queue != task.QueueClaimed {
			return errors.ErrPreconditionFailed(t.ID, fmt.Sprintf("submit requires queue=claimed, have %s", t.Queue))
		}
		if pending := t.PendingHooks(task.PointBeforeSubmit, task.HookTypeAgent); len(pending) > 0 {
			return errors.ErrPreconditionFailed(t.ID, fmt.Sprintf("%d before_submit hooks still pending", len(pending)))
		}
		t.Queue = task.QueueProvisional
		t.CommitsCount = req.CommitsCount
		t.TurnsUsed = req.TurnsUsed
		t.LastAgent = t.ClaimedBy
		t.ClearLease()
		if req.Notes != "" {
			if t.Metadata == nil {
				t.Metadata = make(map[string]string)
			}
			t.Metadata["execution_notes"] = req.Notes
		}
		return nil
	})
}

// Accept moves provisional to done once every before_merge
// orchestrator hook has passed.
func (s *DB) Accept(ctx context.Context, id, acceptedBy string, version int64) (*task.Task, error) {
	return s.transition(ctx, id, version, func(t *task.Task) error {
		if t.Queue != task.QueueProvisional {
			return errors.ErrPreconditionFailed(id, fmt.Sprintf("accept requires queue=provisional, have %s", t.Queue))
		}
		if pending := t.PendingHooks(task.PointBeforeMerge, task.HookTypeOrchestrator); len(pending) > 0 {
			return errors.ErrPreconditionFailed(id, fmt.Sprintf("%d before_merge hooks still pending", len(pending)))
		}
		t.Queue = task.QueueDone
		if t.Metadata == nil {
			t.Metadata = make(map[string]string)
		}
		t.Metadata["accepted_by"] = acceptedBy
		return nil
	})
}

// Reject sends provisional work back to incoming and bumps the
// rejection count, escalating once the cap is reached.
func (s *DB) Reject(ctx context.Context, id, reason, rejectedBy string, version int64) (*task.Task, error) {
	return s.transition(ctx, id, version, func(t *task.Task) error {
		if t.Queue != task.QueueProvisional {
			return errors.ErrPreconditionFailed(id, fmt.Sprintf("reject requires queue=provisional, have %s", t.Queue))
		}
		t.RejectionCount++
		if t.RejectionCount >= s.maxRejections {
			t.Queue = task.QueueEscalated
		} else {
			t.Queue = task.QueueIncoming
		}
		t.ClearLease()
		if t.Metadata == nil {
			t.Metadata = make(map[string]string)
		}
		t.Metadata["rejection_reason"] = reason
		t.Metadata["rejected_by"] = rejectedBy
		return nil
	})
}

// Update writes the full record with CAS on t.Version.
func (s *DB) Update(ctx context.Context, t *task.Task) (*task.Task, error) {
	return s.transition(ctx, t.ID, t.Version, func(stored *task.Task) error {
		version := stored.Version
		*stored = *t
		stored.Version = version
		return nil
	})
}

// transition loads the task in a transaction, applies mutate, bumps
// the version, and writes back with CAS against the caller's version.
func (s *DB) transition(ctx context.Context, id string, version int64, mutate func(*task.Task) error) (*task.Task, error) {
	tx, err := s.drv.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.ErrTransient("update", err)
	}
	defer tx.Rollback()

	b := &binder{drv: s.drv}
	query := fmt.Sprintf("SELECT %s FROM tasks WHERE scope = %s AND id = %s",
		taskColumns, b.bind(s.scope), b.bind(id))
	t, err := scanTask(tx.QueryRow(ctx, query, b.args...))
	if err == sql.ErrNoRows {
		return nil, errors.ErrTaskNotFound(id)
	}
	if err != nil {
		return nil, errors.ErrTransient("update", err)
	}

	if t.Version != version {
		return nil, errors.ErrConflict(id, version)
	}
	if err := mutate(t); err != nil {
		return nil, err
	}
	t.Version++
	t.UpdatedAt = time.Now().UTC()

	args, err := taskArgs(t)
	if err != nil {
		return nil, err
	}

	ub := &binder{drv: s.drv}
	sets := make([]string, 0, taskColumnCount)
	for i, col := range columnList {
		sets = append(sets, col+" = "+ub.bind(args[i]))
	}
	update := fmt.Sprintf("UPDATE tasks SET %s WHERE scope = %s AND id = %s AND version = %s",
		strings.Join(sets, ", "), ub.bind(s.scope), ub.bind(id), ub.bind(version))
	res, err := tx.Exec(ctx, update, ub.args...)
	if err != nil {
		return nil, errors.ErrTransient("update", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, errors.ErrConflict(id, version)
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.ErrTransient("update", err)
	}
	return t, nil
}

// columnList is taskColumns split for UPDATE SET clauses.
var columnList = func() []string {
	var cols []string
	for _, c := range strings.Split(taskColumns, ",") {
		cols = append(cols, strings.TrimSpace(c))
	}
	return cols
}()

// Delete removes a task record.
func (s *DB) Delete(ctx context.Context, id string) error {
	b := &binder{drv: s.drv}
	query := fmt.Sprintf("DELETE FROM tasks WHERE scope = %s AND id = %s",
		b.bind(s.scope), b.bind(id))
	res, err := s.drv.Exec(ctx, query, b.args...)
	if err != nil {
		return errors.ErrTransient("delete", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.ErrTaskNotFound(id)
	}
	return nil
}

// QueueCounts returns per-queue task counts for the scope.
func (s *DB) QueueCounts(ctx context.Context) (map[task.Queue]int, error) {
	b := &binder{drv: s.drv}
	query := fmt.Sprintf("SELECT queue, COUNT(*) FROM tasks WHERE scope = %s GROUP BY queue", b.bind(s.scope))
	rows, err := s.drv.Query(ctx, query, b.args...)
	if err != nil {
		return nil, errors.ErrTransient("queue counts", err)
	}
	defer rows.Close()

	counts := make(map[task.Queue]int)
	for rows.Next() {
		var q string
		var n int
		if err := rows.Scan(&q, &n); err != nil {
			return nil, errors.ErrTransient("queue counts", err)
		}
		counts[task.Queue(q)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, errors.ErrTransient("queue counts", err)
	}
	return counts, nil
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/galaxy/pkg/schema"
)

// LibSQLStore implements Store on libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

var _ Store = (*LibSQLStore)(nil)

// NewLibSQLStore opens a libSQL database. The path should be a file URI,
// e.g. "file:/path/to/galaxy.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows, so they go through QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Workflows ---

func (s *LibSQLStore) SaveWorkflow(ctx context.Context, wf *Workflow) error {
	graph, err := json.Marshal(wf.Graph)
	if err != nil {
		return fmt.Errorf("marshal graph: %w", err)
	}
	now := time.Now().UTC()
	wf.CreatedAt = timeOrNow(wf.CreatedAt)
	wf.UpdatedAt = now
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, name, graph, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, graph=excluded.graph, updated_at=excluded.updated_at`,
		wf.ID, nullStr(wf.Name), string(graph), wf.CreatedAt, wf.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save workflow: %w", err)
	}
	return nil
}

const workflowColumns = `id, name, graph, created_at, updated_at`

func scanWorkflow(row interface{ Scan(...any) error }) (*Workflow, error) {
	wf := &Workflow{}
	var name sql.NullString
	var graph string
	if err := row.Scan(&wf.ID, &name, &graph, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
		return nil, err
	}
	wf.Name = name.String
	if err := json.Unmarshal([]byte(graph), &wf.Graph); err != nil {
		return nil, fmt.Errorf("unmarshal graph: %w", err)
	}
	return wf, nil
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	wf, err := scanWorkflow(s.db.QueryRowContext(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("workflow", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	return wf, nil
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows ORDER BY updated_at DESC, id` +
		fmt.Sprintf(" LIMIT %d OFFSET %d", limitOrDefault(filter.Limit), max(filter.Offset, 0))

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	var out []*Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete workflow: %w", err)
	}
	return checkRowsAffected(res, "workflow", id)
}

// --- Runs ---

func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run, nodes []*NodeRun) error {
	order, err := marshalOrNil(run.ExecutionOrder)
	if err != nil {
		return fmt.Errorf("marshal execution order: %w", err)
	}
	runCtx, err := marshalOrNil(run.Context)
	if err != nil {
		return fmt.Errorf("marshal run context: %w", err)
	}
	runGraph, err := marshalOrNil(run.Graph)
	if err != nil {
		return fmt.Errorf("marshal run graph: %w", err)
	}
	run.CreatedAt = timeOrNow(run.CreatedAt)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, workflow_id, status, execution_handle, execution_order, graph, context, error, trigger_source, created_at, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkflowID, string(run.Status), nullStr(run.ExecutionHandle), order, runGraph, runCtx,
		nullStr(run.Error), nullStr(run.Trigger), run.CreatedAt, nullTime(run.StartedAt), nullTime(run.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for i, n := range nodes {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO node_runs (run_id, node_id, node_type, position, status, input, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			run.ID, n.NodeID, n.NodeType, i, string(n.Status), nullRaw(n.Input), run.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert node run %q: %w", n.NodeID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run: %w", err)
	}
	return nil
}

const runColumns = `id, workflow_id, status, execution_handle, execution_order, graph, context, error, trigger_source, created_at, started_at, finished_at`

func scanRun(row interface{ Scan(...any) error }) (*Run, error) {
	r := &Run{}
	var (
		status                        string
		handle, order, runCtx, errMsg sql.NullString
		runGraph                      sql.NullString
		trigger                       sql.NullString
		startedAt, finishedAt         sql.NullTime
	)
	if err := row.Scan(&r.ID, &r.WorkflowID, &status, &handle, &order, &runGraph, &runCtx, &errMsg, &trigger,
		&r.CreatedAt, &startedAt, &finishedAt); err != nil {
		return nil, err
	}
	r.Status = schema.RunStatus(status)
	r.ExecutionHandle = handle.String
	r.Error = errMsg.String
	r.Trigger = trigger.String
	if order.Valid && order.String != "" {
		if err := json.Unmarshal([]byte(order.String), &r.ExecutionOrder); err != nil {
			return nil, fmt.Errorf("unmarshal execution order: %w", err)
		}
	}
	if runGraph.Valid && runGraph.String != "" {
		r.Graph = &schema.WorkflowGraph{}
		if err := json.Unmarshal([]byte(runGraph.String), r.Graph); err != nil {
			return nil, fmt.Errorf("unmarshal run graph: %w", err)
		}
	}
	if runCtx.Valid && runCtx.String != "" {
		if err := json.Unmarshal([]byte(runCtx.String), &r.Context); err != nil {
			return nil, fmt.Errorf("unmarshal run context: %w", err)
		}
	}
	r.StartedAt = timePtr(startedAt)
	r.FinishedAt = timePtr(finishedAt)
	return r, nil
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("run", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

func (s *LibSQLStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.ExecutionHandle != nil {
		sets = append(sets, "execution_handle = ?")
		args = append(args, *update.ExecutionHandle)
	}
	if update.ExecutionOrder != nil {
		b, err := json.Marshal(update.ExecutionOrder)
		if err != nil {
			return fmt.Errorf("marshal execution order: %w", err)
		}
		sets = append(sets, "execution_order = ?")
		args = append(args, string(b))
	}
	if update.Graph != nil {
		b, err := json.Marshal(update.Graph)
		if err != nil {
			return fmt.Errorf("marshal run graph: %w", err)
		}
		sets = append(sets, "graph = ?")
		args = append(args, string(b))
	}
	if update.Context != nil {
		b, err := json.Marshal(update.Context)
		if err != nil {
			return fmt.Errorf("marshal run context: %w", err)
		}
		sets = append(sets, "context = ?")
		args = append(args, string(b))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *update.Error)
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.FinishedAt != nil {
		sets = append(sets, "finished_at = ?")
		args = append(args, *update.FinishedAt)
	}
	if len(sets) == 0 && update.ExpectStatus == nil {
		return nil
	}
	if len(sets) == 0 {
		sets = append(sets, "status = status")
	}

	query := fmt.Sprintf("UPDATE runs SET %s WHERE id = ?", strings.Join(sets, ", "))
	args = append(args, id)
	if update.ExpectStatus != nil {
		query += " AND status = ?"
		args = append(args, string(*update.ExpectStatus))
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	// Distinguish a missing run from a lost compare-and-set.
	current, err := s.GetRun(ctx, id)
	if err != nil {
		return err
	}
	if update.ExpectStatus != nil {
		return staleStatus(id, *update.ExpectStatus, current.Status)
	}
	return nil
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	var where []string
	var args []any

	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}

	query := `SELECT ` + runColumns + ` FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	query += fmt.Sprintf(" LIMIT %d OFFSET %d", limitOrDefault(filter.Limit), max(filter.Offset, 0))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- Node runs ---

const nodeRunColumns = `run_id, node_id, node_type, position, status, provider, input, output, error, created_at, started_at, finished_at`

func scanNodeRun(row interface{ Scan(...any) error }) (*NodeRun, error) {
	n := &NodeRun{}
	var (
		status                        string
		provider, input, output, errS sql.NullString
		startedAt, finishedAt         sql.NullTime
	)
	if err := row.Scan(&n.RunID, &n.NodeID, &n.NodeType, &n.Position, &status, &provider, &input, &output, &errS,
		&n.CreatedAt, &startedAt, &finishedAt); err != nil {
		return nil, err
	}
	n.Status = schema.NodeStatus(status)
	n.Provider = provider.String
	n.Input = rawOrNil(input)
	n.Output = rawOrNil(output)
	n.Error = errS.String
	n.StartedAt = timePtr(startedAt)
	n.FinishedAt = timePtr(finishedAt)
	return n, nil
}

func (s *LibSQLStore) GetNodeRun(ctx context.Context, runID, nodeID string) (*NodeRun, error) {
	n, err := scanNodeRun(s.db.QueryRowContext(ctx,
		`SELECT `+nodeRunColumns+` FROM node_runs WHERE run_id = ? AND node_id = ?`, runID, nodeID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("node run", runID+"/"+nodeID)
	}
	if err != nil {
		return nil, fmt.Errorf("get node run: %w", err)
	}
	if err := s.loadNodeHistory(ctx, []*NodeRun{n}); err != nil {
		return nil, err
	}
	return n, nil
}

func (s *LibSQLStore) ListNodeRuns(ctx context.Context, runID string) ([]*NodeRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+nodeRunColumns+` FROM node_runs WHERE run_id = ? ORDER BY position`, runID)
	if err != nil {
		return nil, fmt.Errorf("list node runs: %w", err)
	}
	defer rows.Close()

	var out []*NodeRun
	for rows.Next() {
		n, err := scanNodeRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := s.loadNodeHistory(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

// loadNodeHistory fills Logs and Attempts for node runs of a single run.
func (s *LibSQLStore) loadNodeHistory(ctx context.Context, nodes []*NodeRun) error {
	if len(nodes) == 0 {
		return nil
	}
	runID := nodes[0].RunID
	byNode := make(map[string]*NodeRun, len(nodes))
	for _, n := range nodes {
		byNode[n.NodeID] = n
	}

	logRows, err := s.db.QueryContext(ctx,
		`SELECT node_id, event, fields, at FROM node_logs WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return fmt.Errorf("load node logs: %w", err)
	}
	defer logRows.Close()
	for logRows.Next() {
		var nodeID string
		var entry NodeLog
		var fields sql.NullString
		if err := logRows.Scan(&nodeID, &entry.Event, &fields, &entry.At); err != nil {
			return err
		}
		if fields.Valid && fields.String != "" {
			if err := json.Unmarshal([]byte(fields.String), &entry.Fields); err != nil {
				return fmt.Errorf("unmarshal log fields: %w", err)
			}
		}
		if n, ok := byNode[nodeID]; ok {
			n.Logs = append(n.Logs, entry)
		}
	}
	if err := logRows.Err(); err != nil {
		return err
	}

	attRows, err := s.db.QueryContext(ctx,
		`SELECT node_id, provider, attempt, ok, error, started_at, finished_at FROM provider_attempts WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return fmt.Errorf("load provider attempts: %w", err)
	}
	defer attRows.Close()
	for attRows.Next() {
		var nodeID string
		var a schema.ProviderAttempt
		var errS sql.NullString
		var finishedAt sql.NullTime
		if err := attRows.Scan(&nodeID, &a.Provider, &a.Attempt, &a.OK, &errS, &a.StartedAt, &finishedAt); err != nil {
			return err
		}
		a.Error = errS.String
		a.FinishedAt = timePtr(finishedAt)
		if n, ok := byNode[nodeID]; ok {
			n.Attempts = append(n.Attempts, a)
		}
	}
	return attRows.Err()
}

func (s *LibSQLStore) UpdateNodeRun(ctx context.Context, runID, nodeID string, update NodeRunUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Provider != nil {
		sets = append(sets, "provider = ?")
		args = append(args, *update.Provider)
	}
	if update.Input != nil {
		sets = append(sets, "input = ?")
		args = append(args, string(update.Input))
	}
	if update.Output != nil {
		sets = append(sets, "output = ?")
		args = append(args, string(update.Output))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *update.Error)
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.FinishedAt != nil {
		sets = append(sets, "finished_at = ?")
		args = append(args, *update.FinishedAt)
	}
	if len(sets) == 0 && update.ExpectStatus == nil {
		return nil
	}
	if len(sets) == 0 {
		sets = append(sets, "status = status")
	}
	args = append(args, runID, nodeID)

	query := fmt.Sprintf("UPDATE node_runs SET %s WHERE run_id = ? AND node_id = ?", strings.Join(sets, ", "))
	if update.ExpectStatus != nil {
		query += " AND status = ?"
		args = append(args, string(*update.ExpectStatus))
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update node run: %w", err)
	}
	if update.ExpectStatus == nil {
		return checkRowsAffected(res, "node run", runID+"/"+nodeID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	current, err := s.GetNodeRun(ctx, runID, nodeID)
	if err != nil {
		return err
	}
	return staleNodeStatus(runID, nodeID, *update.ExpectStatus, current.Status)
}

func (s *LibSQLStore) CancelQueuedNodeRuns(ctx context.Context, runID string, at time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE node_runs SET status = ?, finished_at = ? WHERE run_id = ? AND status = ?`,
		string(schema.NodeStatusCanceled), at, runID, string(schema.NodeStatusQueued),
	)
	if err != nil {
		return 0, fmt.Errorf("cancel queued node runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *LibSQLStore) AppendNodeLog(ctx context.Context, runID, nodeID string, entry NodeLog) error {
	fields, err := marshalOrNil(entry.Fields)
	if err != nil {
		return fmt.Errorf("marshal log fields: %w", err)
	}
	if err := s.requireNodeRun(ctx, runID, nodeID); err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO node_logs (run_id, node_id, event, fields, at) VALUES (?, ?, ?, ?, ?)`,
		runID, nodeID, entry.Event, fields, timeOrNow(entry.At),
	)
	if err != nil {
		return fmt.Errorf("append node log: %w", err)
	}
	return nil
}

func (s *LibSQLStore) AppendProviderAttempt(ctx context.Context, runID, nodeID string, a schema.ProviderAttempt) error {
	if err := s.requireNodeRun(ctx, runID, nodeID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO provider_attempts (run_id, node_id, provider, attempt, ok, error, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, nodeID, a.Provider, a.Attempt, boolInt(a.OK), nullStr(a.Error), timeOrNow(a.StartedAt), nullTime(a.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("append provider attempt: %w", err)
	}
	return nil
}

func (s *LibSQLStore) requireNodeRun(ctx context.Context, runID, nodeID string) error {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM node_runs WHERE run_id = ? AND node_id = ?`, runID, nodeID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return storeNotFound("node run", runID+"/"+nodeID)
	}
	return err
}

// --- Helpers ---

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// marshalOrNil encodes v as JSON text, or returns nil for empty slices and maps.
func marshalOrNil[T any](v T) (any, error) {
	switch x := any(v).(type) {
	case []string:
		if len(x) == 0 {
			return nil, nil
		}
	case map[string]json.RawMessage:
		if len(x) == 0 {
			return nil, nil
		}
	case map[string]any:
		if len(x) == 0 {
			return nil, nil
		}
	case *schema.WorkflowGraph:
		if x == nil {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

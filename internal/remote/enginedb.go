package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"burns/internal/models"
	"burns/internal/worker"
)

// SupportedSchemaVersion pins the engine database layout this tool
// knows how to mutate. Reads degrade across versions; writes refuse
// to run against anything else.
const SupportedSchemaVersion = 3

// ErrNoJob reports an engine database with no job in it worth acting
// on: absent, empty, or all jobs in a non-resumable status.
var ErrNoJob = errors.New("no resumable job in engine database")

// EngineDB reads and, in two narrow cases, mutates a job's engine
// database by invoking the sqlite3 CLI on the worker. The database
// belongs to the engine: every read goes through -readonly, and the
// only writes ever issued are the stuck-task reset and the opt-in
// oversized-entry truncation.
type EngineDB struct {
	t   worker.Transport
	log *zap.Logger
}

func NewEngineDB(t worker.Transport, log *zap.Logger) *EngineDB {
	return &EngineDB{t: t, log: log}
}

func (e *EngineDB) query(ctx context.Context, w, db, sql string) (string, error) {
	cmd := fmt.Sprintf("sqlite3 -readonly -json %s %s", worker.ShellQuote(db), worker.ShellQuote(sql))
	out, err := e.t.Exec(ctx, w, cmd)
	if err != nil {
		return "", fmt.Errorf("engine db query on %s: %w", w, err)
	}
	return strings.TrimSpace(out), nil
}

func (e *EngineDB) exec(ctx context.Context, w, db, sql string) (string, error) {
	cmd := fmt.Sprintf("sqlite3 -json %s %s", worker.ShellQuote(db), worker.ShellQuote(sql))
	out, err := e.t.Exec(ctx, w, cmd)
	if err != nil {
		return "", fmt.Errorf("engine db write on %s: %w", w, err)
	}
	return strings.TrimSpace(out), nil
}

func decodeRows(out string, v any) error {
	if out == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(out), v); err != nil {
		return fmt.Errorf("decoding engine db rows: %w", err)
	}
	return nil
}

type countRow struct {
	N int64 `json:"n"`
}

// SchemaVersion reads the PRAGMA user_version the engine stamps on
// its databases.
func (e *EngineDB) SchemaVersion(ctx context.Context, w, db string) (int, error) {
	out, err := e.query(ctx, w, db, "PRAGMA user_version;")
	if err != nil {
		return 0, err
	}

	var rows []struct {
		V int `json:"user_version"`
	}
	if err := decodeRows(out, &rows); err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, fmt.Errorf("engine db %s returned no user_version", db)
	}
	return rows[0].V, nil
}

// LatestResumableJob finds the job a resume should attach to: the
// most recent one whose status is still worth re-entering.
func (e *EngineDB) LatestResumableJob(ctx context.Context, w, db string) (int64, models.JobStatus, error) {
	out, err := e.query(ctx, w, db, resumableJobSQL())
	if err != nil {
		return 0, "", err
	}

	var rows []struct {
		ID     int64  `json:"id"`
		Status string `json:"status"`
	}
	if err := decodeRows(out, &rows); err != nil {
		return 0, "", err
	}
	if len(rows) == 0 {
		return 0, "", ErrNoJob
	}
	return rows[0].ID, models.JobStatus(rows[0].Status), nil
}

// LatestJob returns the newest job row regardless of status, for
// pollers that need to see finished and cancelled jobs too.
func (e *EngineDB) LatestJob(ctx context.Context, w, db string) (int64, models.JobStatus, error) {
	out, err := e.query(ctx, w, db, latestJobSQL())
	if err != nil {
		return 0, "", err
	}

	var rows []struct {
		ID     int64  `json:"id"`
		Status string `json:"status"`
	}
	if err := decodeRows(out, &rows); err != nil {
		return 0, "", err
	}
	if len(rows) == 0 {
		return 0, "", ErrNoJob
	}
	return rows[0].ID, models.JobStatus(rows[0].Status), nil
}

// TaskStates lists a job's task nodes in execution order.
func (e *EngineDB) TaskStates(ctx context.Context, w, db string, jobID int64) ([]models.TaskNode, error) {
	out, err := e.query(ctx, w, db, taskStatesSQL(jobID))
	if err != nil {
		return nil, err
	}

	var rows []struct {
		ID    string `json:"id"`
		State string `json:"state"`
	}
	if err := decodeRows(out, &rows); err != nil {
		return nil, err
	}

	nodes := make([]models.TaskNode, 0, len(rows))
	for _, r := range rows {
		nodes = append(nodes, models.TaskNode{ID: r.ID, State: models.NodeState(r.State)})
	}
	return nodes, nil
}

// ResetStuckTasks flips every in-progress node of a job back to
// pending so a re-entered engine will pick them up again. The select
// and update share one immediate transaction, so the returned ids are
// exactly the nodes this call reset; running it twice is harmless, the
// second pass matches nothing.
func (e *EngineDB) ResetStuckTasks(ctx context.Context, w, db string, jobID int64) ([]string, error) {
	out, err := e.exec(ctx, w, db, resetStuckSQL(jobID))
	if err != nil {
		return nil, err
	}

	var rows []struct {
		ID string `json:"id"`
	}
	if err := decodeRows(out, &rows); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.ID)
	}
	e.log.Info("reset stuck tasks", zap.String("worker", w), zap.Int64("job", jobID), zap.Strings("nodes", ids))
	return ids, nil
}

type TruncateStats struct {
	Table     string
	Scanned   int64
	Truncated int64
}

var truncateTargets = []struct {
	table  string
	column string
}{
	{"node_results", "output"},
	{"kv_cache", "value"},
}

// TruncateLargeEntries rewrites oversized rows in the engine's
// high-growth tables, keeping the tail of each entry behind a marker
// that records the original size. Lossy, so callers gate it behind an
// explicit flag. Tables missing from older databases are skipped.
func (e *EngineDB) TruncateLargeEntries(ctx context.Context, w, db string, maxBytes int64) ([]TruncateStats, error) {
	present, err := e.tablesPresent(ctx, w, db)
	if err != nil {
		return nil, err
	}

	var stats []TruncateStats
	for _, tgt := range truncateTargets {
		if !present[tgt.table] {
			continue
		}

		out, err := e.exec(ctx, w, db, truncateSQL(tgt.table, tgt.column, maxBytes))
		if err != nil {
			return stats, err
		}
		scanned, truncated, err := parseTruncateOutput(out)
		if err != nil {
			return stats, fmt.Errorf("table %s: %w", tgt.table, err)
		}

		e.log.Info("truncated oversized entries",
			zap.String("worker", w), zap.String("table", tgt.table),
			zap.Int64("scanned", scanned), zap.Int64("truncated", truncated))
		stats = append(stats, TruncateStats{Table: tgt.table, Scanned: scanned, Truncated: truncated})
	}
	return stats, nil
}

func (e *EngineDB) tablesPresent(ctx context.Context, w, db string) (map[string]bool, error) {
	out, err := e.query(ctx, w, db, "SELECT name FROM sqlite_master WHERE type = 'table';")
	if err != nil {
		return nil, err
	}

	var rows []struct {
		Name string `json:"name"`
	}
	if err := decodeRows(out, &rows); err != nil {
		return nil, err
	}

	present := make(map[string]bool, len(rows))
	for _, r := range rows {
		present[r.Name] = true
	}
	return present, nil
}

// JobStatus reads the run-level status of one job.
func (e *EngineDB) JobStatus(ctx context.Context, w, db string, jobID int64) (models.JobStatus, error) {
	out, err := e.query(ctx, w, db, jobStatusSQL(jobID))
	if err != nil {
		return "", err
	}

	var rows []struct {
		Status string `json:"status"`
	}
	if err := decodeRows(out, &rows); err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", ErrNoJob
	}
	return models.JobStatus(rows[0].Status), nil
}

// BlockedReport returns the most recent report that stopped progress,
// or nil when no task has reported blocked or failed.
func (e *EngineDB) BlockedReport(ctx context.Context, w, db string) (*models.TaskReport, error) {
	out, err := e.query(ctx, w, db, blockedReportSQL())
	if err != nil {
		return nil, err
	}

	var rows []struct {
		TaskID string `json:"task_id"`
		NodeID string `json:"node_id"`
		Status string `json:"status"`
		Issues string `json:"issues"`
		Next   string `json:"next"`
	}
	if err := decodeRows(out, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	r := rows[0]
	return &models.TaskReport{TaskID: r.TaskID, NodeID: r.NodeID, Status: r.Status, Issues: r.Issues, Next: r.Next}, nil
}

// The SQL below is built from trusted values only: job ids and byte
// budgets are integers, table names come from the fixed target list.

func resumableJobSQL() string {
	return `SELECT id, status FROM runs WHERE status IN ('running', 'failed') ORDER BY id DESC LIMIT 1;`
}

func latestJobSQL() string {
	return `SELECT id, status FROM runs ORDER BY id DESC LIMIT 1;`
}

func taskStatesSQL(jobID int64) string {
	return fmt.Sprintf(
		`SELECT id, state FROM nodes WHERE run_id = %d AND (id LIKE '%%:impl' OR id LIKE '%%:val') ORDER BY CAST(id AS INTEGER), id;`,
		jobID)
}

func resetStuckSQL(jobID int64) string {
	return fmt.Sprintf(`BEGIN IMMEDIATE;
SELECT id FROM nodes WHERE run_id = %d AND state = 'in-progress' ORDER BY CAST(id AS INTEGER), id;
UPDATE nodes SET state = 'pending', last_attempt = NULL WHERE run_id = %d AND state = 'in-progress';
COMMIT;`, jobID, jobID)
}

func truncateSQL(table, column string, maxBytes int64) string {
	return fmt.Sprintf(`SELECT COUNT(*) AS n FROM %[1]s;
UPDATE %[1]s SET %[2]s = '[truncated from ' || length(%[2]s) || ' bytes]' || char(10) || substr(%[2]s, -%[3]d) WHERE length(%[2]s) > %[3]d AND %[2]s NOT LIKE '[truncated from %%';
SELECT changes() AS n;`, table, column, maxBytes)
}

func jobStatusSQL(jobID int64) string {
	return fmt.Sprintf(`SELECT status FROM runs WHERE id = %d;`, jobID)
}

func blockedReportSQL() string {
	return `SELECT task_id, node_id, status, COALESCE(issues, '') AS issues, COALESCE(next, '') AS next FROM task_reports WHERE status IN ('blocked', 'failed') ORDER BY rowid DESC LIMIT 1;`
}

// parseTruncateOutput decodes the two single-row result sets the
// truncate script emits: total rows, then rows changed.
func parseTruncateOutput(out string) (scanned, truncated int64, err error) {
	dec := json.NewDecoder(strings.NewReader(out))

	var counts []int64
	for dec.More() {
		var rows []countRow
		if err := dec.Decode(&rows); err != nil {
			return 0, 0, fmt.Errorf("decoding truncate output: %w", err)
		}
		if len(rows) != 1 {
			return 0, 0, fmt.Errorf("unexpected truncate result shape: %q", out)
		}
		counts = append(counts, rows[0].N)
	}
	if len(counts) != 2 {
		return 0, 0, fmt.Errorf("expected two counts from truncate, got %d", len(counts))
	}
	return counts[0], counts[1], nil
}

package ledger

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"burns/internal/models"
)

// Ledger is the local record of every dispatched job. It is the only
// mutable state burns keeps on the operator machine; everything else
// lives on the workers.
type Ledger struct {
	db *sql.DB
}

func New(dbPath string) (*Ledger, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	l := &Ledger{db: db}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return l, nil
}

func (l *Ledger) Close() error {
	return l.db.Close()
}

func (l *Ledger) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		completed_at TIMESTAMP,
		worker TEXT NOT NULL,
		job_id TEXT NOT NULL UNIQUE,
		spec_id TEXT,
		todo_id TEXT,
		workdir TEXT NOT NULL,
		engine_db TEXT,
		branch TEXT,
		repo_url TEXT,
		repo_ref TEXT,
		cli_version TEXT,
		host_os TEXT,
		binary_hash TEXT,
		git_sha TEXT,
		status TEXT NOT NULL DEFAULT 'running',
		exit_code INTEGER,
		failure_reason TEXT,
		blocked_task TEXT
	);

	CREATE TABLE IF NOT EXISTS feedback (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id INTEGER NOT NULL REFERENCES runs(id),
		decision TEXT NOT NULL,
		notes TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	CREATE INDEX IF NOT EXISTS idx_runs_worker ON runs(worker);
	CREATE INDEX IF NOT EXISTS idx_feedback_run ON feedback(run_id);
	`

	_, err := l.db.Exec(schema)
	return err
}

func (l *Ledger) CreateRun(run *models.Run) (int64, error) {
	result, err := l.db.Exec(
		`INSERT INTO runs (worker, job_id, spec_id, todo_id, workdir, engine_db, branch,
		                   repo_url, repo_ref, cli_version, host_os, binary_hash, git_sha, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.Worker, run.JobID, run.SpecID, run.TodoID, run.Workdir, run.EngineDB, run.Branch,
		run.RepoURL, run.RepoRef, run.CLIVersion, run.HostOS, run.BinaryHash, run.GitSHA, run.Status,
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

const runColumns = `id, created_at, completed_at, worker, job_id, spec_id, todo_id, workdir,
	engine_db, branch, repo_url, repo_ref, cli_version, host_os, binary_hash, git_sha,
	status, exit_code, failure_reason, blocked_task`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*models.Run, error) {
	var run models.Run
	var completedAt sql.NullTime
	var specID, todoID, engineDB, branch, repoURL, repoRef sql.NullString
	var cliVersion, hostOS, binaryHash, gitSHA, failureReason, blockedTask sql.NullString
	var exitCode sql.NullInt64

	err := row.Scan(
		&run.ID, &run.CreatedAt, &completedAt, &run.Worker, &run.JobID, &specID, &todoID, &run.Workdir,
		&engineDB, &branch, &repoURL, &repoRef, &cliVersion, &hostOS, &binaryHash, &gitSHA,
		&run.Status, &exitCode, &failureReason, &blockedTask,
	)
	if err != nil {
		return nil, err
	}

	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		run.ExitCode = &code
	}
	run.SpecID = specID.String
	run.TodoID = todoID.String
	run.EngineDB = engineDB.String
	run.Branch = branch.String
	run.RepoURL = repoURL.String
	run.RepoRef = repoRef.String
	run.CLIVersion = cliVersion.String
	run.HostOS = hostOS.String
	run.BinaryHash = binaryHash.String
	run.GitSHA = gitSHA.String
	run.FailureReason = failureReason.String
	run.BlockedTask = blockedTask.String

	return &run, nil
}

func (l *Ledger) GetRun(id int64) (*models.Run, error) {
	row := l.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %d not found", id)
	}
	return run, err
}

func (l *Ledger) ListRuns(limit int) ([]*models.Run, error) {
	rows, err := l.db.Query(
		`SELECT `+runColumns+` FROM runs ORDER BY created_at DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectRuns(rows)
}

// ListRunning returns the reconcile working set: runs still marked
// running locally, newest first, bounded so one sweep stays cheap.
func (l *Ledger) ListRunning(limit int) ([]*models.Run, error) {
	rows, err := l.db.Query(
		`SELECT `+runColumns+` FROM runs WHERE status = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		models.RunStatusRunning, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectRuns(rows)
}

// LatestRunForWorker finds the run most recently dispatched to a
// worker, preferring one that is still running.
func (l *Ledger) LatestRunForWorker(worker string) (*models.Run, error) {
	row := l.db.QueryRow(
		`SELECT `+runColumns+` FROM runs WHERE worker = ?
		 ORDER BY (status = 'running') DESC, created_at DESC, id DESC LIMIT 1`, worker,
	)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no runs recorded for worker %q", worker)
	}
	return run, err
}

func collectRuns(rows *sql.Rows) ([]*models.Run, error) {
	var runs []*models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// MarkOutcome moves a run out of running in a single guarded write.
// The status filter makes the transition atomic and one-way: two
// concurrent sweeps cannot both claim the run, and a run that already
// left running is never pulled back by stale evidence. Returns whether
// this call performed the transition.
func (l *Ledger) MarkOutcome(id int64, status models.RunStatus, exitCode *int, reason, blockedTask string) (bool, error) {
	var completedAt *time.Time
	if status.Terminal() {
		now := time.Now().UTC()
		completedAt = &now
	}

	result, err := l.db.Exec(
		`UPDATE runs SET status = ?, exit_code = ?, failure_reason = ?, blocked_task = ?, completed_at = ?
		 WHERE id = ? AND status = 'running'`,
		status, exitCode, reason, blockedTask, completedAt, id,
	)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

// ResolveBlocked closes out a blocked run after the operator decision
// has been delivered. No-op unless the run is actually blocked.
func (l *Ledger) ResolveBlocked(id int64) (bool, error) {
	now := time.Now().UTC()
	result, err := l.db.Exec(
		`UPDATE runs SET status = 'done', completed_at = ? WHERE id = ? AND status = 'blocked'`,
		now, id,
	)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

// RestartRun puts a run back under reconcile's watch after a resume
// re-entry. This is the single deliberate exception to the one-way
// status flow, and only the resume path calls it. The status filter
// keeps a done run closed for good; returns whether the run was
// actually reopened.
func (l *Ledger) RestartRun(id int64) (bool, error) {
	result, err := l.db.Exec(
		`UPDATE runs SET status = 'running', exit_code = NULL, failure_reason = '',
		 blocked_task = '', completed_at = NULL WHERE id = ? AND status != 'done'`, id,
	)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

func (l *Ledger) AddFeedback(f *models.HumanFeedback) (int64, error) {
	result, err := l.db.Exec(
		`INSERT INTO feedback (run_id, decision, notes) VALUES (?, ?, ?)`,
		f.RunID, f.Decision, f.Notes,
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func (l *Ledger) FeedbackForRun(runID int64) ([]*models.HumanFeedback, error) {
	rows, err := l.db.Query(
		`SELECT id, run_id, decision, notes, created_at FROM feedback WHERE run_id = ? ORDER BY id`,
		runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*models.HumanFeedback
	for rows.Next() {
		var f models.HumanFeedback
		var notes sql.NullString
		if err := rows.Scan(&f.ID, &f.RunID, &f.Decision, &notes, &f.CreatedAt); err != nil {
			return nil, err
		}
		f.Notes = notes.String
		items = append(items, &f)
	}
	return items, rows.Err()
}

func (l *Ledger) CountByStatus() (map[models.RunStatus]int, error) {
	rows, err := l.db.Query(`SELECT status, COUNT(*) FROM runs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[models.RunStatus]int)
	for rows.Next() {
		var status models.RunStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// FormatTimeAgo renders an age for list output.
func FormatTimeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return t.Format("Jan 2")
	}
}

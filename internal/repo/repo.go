package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"caseflow/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrStaleVersion is returned when a conditional session update loses the
// version race.
var ErrStaleVersion = errors.New("stale session version")

func (r Repo) EnsureOrg(ctx context.Context, tx *sql.Tx, orgID, name, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO orgs(id,name,created_at) VALUES (?,?,?) ON CONFLICT(id) DO NOTHING`, orgID, name, now)
	return err
}

// --- sessions ---

const sessionColumns = `id,org_id,thread_id,status,director_state_json,safety_state_json,metadata_json,current_objective,last_director_job_id,last_safety_job_id,version,created_at,updated_at,closed_at`

func scanSession(scan func(dest ...any) error) (domain.Session, error) {
	var s domain.Session
	var threadID, director, safety, metadata, lastDirector, lastSafety, closedAt sql.NullString
	err := scan(&s.ID, &s.OrgID, &threadID, &s.Status, &director, &safety, &metadata, &s.CurrentObjective,
		&lastDirector, &lastSafety, &s.Version, &s.CreatedAt, &s.UpdatedAt, &closedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.ThreadID = fromNull(threadID)
	s.DirectorStateJSON = fromNull(director)
	s.SafetyStateJSON = fromNull(safety)
	s.MetadataJSON = fromNull(metadata)
	s.LastDirectorJobID = fromNull(lastDirector)
	s.LastSafetyJobID = fromNull(lastSafety)
	s.ClosedAt = fromNull(closedAt)
	return s, nil
}

func (r Repo) InsertSession(ctx context.Context, tx *sql.Tx, s domain.Session) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO sessions(`+sessionColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.OrgID, nullableStringPtr(s.ThreadID), s.Status, nullableStringPtr(s.DirectorStateJSON),
		nullableStringPtr(s.SafetyStateJSON), nullableStringPtr(s.MetadataJSON), s.CurrentObjective,
		nullableStringPtr(s.LastDirectorJobID), nullableStringPtr(s.LastSafetyJobID), s.Version,
		s.CreatedAt, s.UpdatedAt, nullableStringPtr(s.ClosedAt))
	return err
}

func (r Repo) GetSession(ctx context.Context, id string) (domain.Session, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id=?`, id)
	return scanSession(row.Scan)
}

func (r Repo) GetSessionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Session, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id=?`, id)
	return scanSession(row.Scan)
}

// FindActiveSessionByThread returns the active session for an external thread,
// ErrNotFound when none exists. Enforcing at-most-one active session per
// thread is the caller's job.
func (r Repo) FindActiveSessionByThread(ctx context.Context, orgID, threadID string) (domain.Session, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE org_id=? AND thread_id=? AND status='active' ORDER BY created_at DESC LIMIT 1`,
		orgID, threadID)
	return scanSession(row.Scan)
}

// UpdateSession writes the full session row. When expectedVersion >= 0 the
// update is conditional on the stored version and bumps it; a miss returns
// ErrStaleVersion. With expectedVersion < 0 it is last-writer-wins but still
// bumps the version counter.
func (r Repo) UpdateSession(ctx context.Context, tx *sql.Tx, s domain.Session, expectedVersion int64) error {
	query := `UPDATE sessions SET status=?, director_state_json=?, safety_state_json=?, metadata_json=?, current_objective=?, last_director_job_id=?, last_safety_job_id=?, version=version+1, updated_at=?, closed_at=? WHERE id=?`
	args := []any{s.Status, nullableStringPtr(s.DirectorStateJSON), nullableStringPtr(s.SafetyStateJSON),
		nullableStringPtr(s.MetadataJSON), s.CurrentObjective, nullableStringPtr(s.LastDirectorJobID),
		nullableStringPtr(s.LastSafetyJobID), s.UpdatedAt, nullableStringPtr(s.ClosedAt), s.ID}
	if expectedVersion >= 0 {
		query += ` AND version=?`
		args = append(args, expectedVersion)
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if expectedVersion >= 0 {
			return ErrStaleVersion
		}
		return ErrNotFound
	}
	return nil
}

// --- commands ---

const commandColumns = `id,org_id,session_id,command_type,payload_json,status,priority,scheduled_for,issued_by,result_json,last_error,metadata_json,started_at,completed_at,failed_at,created_at,updated_at`

func scanCommand(scan func(dest ...any) error) (domain.Command, error) {
	var c domain.Command
	var result, lastError, metadata, startedAt, completedAt, failedAt sql.NullString
	err := scan(&c.ID, &c.OrgID, &c.SessionID, &c.CommandType, &c.PayloadJSON, &c.Status, &c.Priority,
		&c.ScheduledFor, &c.IssuedBy, &result, &lastError, &metadata, &startedAt, &completedAt, &failedAt,
		&c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.ResultJSON = fromNull(result)
	c.LastError = fromNull(lastError)
	c.MetadataJSON = fromNull(metadata)
	c.StartedAt = fromNull(startedAt)
	c.CompletedAt = fromNull(completedAt)
	c.FailedAt = fromNull(failedAt)
	return c, nil
}

func (r Repo) InsertCommand(ctx context.Context, tx *sql.Tx, c domain.Command) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO commands(`+commandColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.OrgID, c.SessionID, c.CommandType, c.PayloadJSON, c.Status, c.Priority, c.ScheduledFor,
		c.IssuedBy, nullableStringPtr(c.ResultJSON), nullableStringPtr(c.LastError), nullableStringPtr(c.MetadataJSON),
		nullableStringPtr(c.StartedAt), nullableStringPtr(c.CompletedAt), nullableStringPtr(c.FailedAt),
		c.CreatedAt, c.UpdatedAt)
	return err
}

func (r Repo) GetCommand(ctx context.Context, id string) (domain.Command, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+commandColumns+` FROM commands WHERE id=?`, id)
	return scanCommand(row.Scan)
}

func (r Repo) GetCommandTx(ctx context.Context, tx *sql.Tx, id string) (domain.Command, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+commandColumns+` FROM commands WHERE id=?`, id)
	return scanCommand(row.Scan)
}

type CommandFilters struct {
	SessionID       string
	Status          string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListCommands(ctx context.Context, f CommandFilters) ([]domain.Command, error) {
	clauses := []string{"session_id=?"}
	args := []any{f.SessionID}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT ` + commandColumns + ` FROM commands WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Command
	for rows.Next() {
		c, err := scanCommand(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// MarkCommandInProgress moves a queued command to in_progress at claim time.
func (r Repo) MarkCommandInProgress(ctx context.Context, tx *sql.Tx, id, now string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE commands SET status='in_progress', started_at=COALESCE(started_at,?), updated_at=? WHERE id=? AND status='queued'`,
		now, now, id)
	return err
}

// FinalizeCommand writes the terminal status and result for a command.
func (r Repo) FinalizeCommand(ctx context.Context, tx *sql.Tx, id, status string, resultJSON, lastError *string, now string) error {
	completedAt := any(nil)
	failedAt := any(nil)
	switch status {
	case "completed", "needs_review", "cancelled":
		completedAt = now
	case "failed":
		failedAt = now
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE commands SET status=?, result_json=?, last_error=?, completed_at=?, failed_at=?, updated_at=? WHERE id=?`,
		status, nullableStringPtr(resultJSON), nullableStringPtr(lastError), completedAt, failedAt, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- jobs ---

const jobColumns = `id,org_id,command_id,worker_class,domain_key,status,attempts,scheduled_at,started_at,completed_at,failed_at,last_error,metadata_json,created_at,updated_at`

func scanJob(scan func(dest ...any) error) (domain.Job, error) {
	var j domain.Job
	var domainKey, startedAt, completedAt, failedAt, lastError, metadata sql.NullString
	err := scan(&j.ID, &j.OrgID, &j.CommandID, &j.WorkerClass, &domainKey, &j.Status, &j.Attempts,
		&j.ScheduledAt, &startedAt, &completedAt, &failedAt, &lastError, &metadata, &j.CreatedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
	if err != nil {
		return j, err
	}
	j.DomainKey = fromNull(domainKey)
	j.StartedAt = fromNull(startedAt)
	j.CompletedAt = fromNull(completedAt)
	j.FailedAt = fromNull(failedAt)
	j.LastError = fromNull(lastError)
	j.MetadataJSON = fromNull(metadata)
	return j, nil
}

func (r Repo) InsertJob(ctx context.Context, tx *sql.Tx, j domain.Job) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO jobs(`+jobColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		j.ID, j.OrgID, j.CommandID, j.WorkerClass, nullableStringPtr(j.DomainKey), j.Status, j.Attempts,
		j.ScheduledAt, nullableStringPtr(j.StartedAt), nullableStringPtr(j.CompletedAt), nullableStringPtr(j.FailedAt),
		nullableStringPtr(j.LastError), nullableStringPtr(j.MetadataJSON), j.CreatedAt, j.UpdatedAt)
	return err
}

func (r Repo) GetJob(ctx context.Context, id string) (domain.Job, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id)
	return scanJob(row.Scan)
}

// GetJobByCommand resolves the 1:1 job for a command.
func (r Repo) GetJobByCommand(ctx context.Context, commandID string) (domain.Job, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE command_id=?`, commandID)
	return scanJob(row.Scan)
}

func (r Repo) GetJobTx(ctx context.Context, tx *sql.Tx, id string) (domain.Job, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id)
	return scanJob(row.Scan)
}

// ClaimJobs selects eligible pending jobs ordered by command priority then
// schedule time and flips each to running with a status-guarded update, all
// inside the caller's transaction. The guard doubles as a compare-and-swap:
// a row already taken by a concurrent claimer affects zero rows and is
// skipped, so no job is ever handed out twice.
func (r Repo) ClaimJobs(ctx context.Context, tx *sql.Tx, orgID, workerClass, now string, limit int) ([]domain.Job, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT j.id FROM jobs j
		 JOIN commands c ON c.id = j.command_id
		 WHERE j.org_id=? AND j.worker_class=? AND j.status='pending' AND j.scheduled_at<=?
		 ORDER BY c.priority ASC, j.scheduled_at ASC, j.id ASC
		 LIMIT ?`, orgID, workerClass, now, limit)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var claimed []domain.Job
	for _, id := range ids {
		res, err := tx.ExecContext(ctx,
			`UPDATE jobs SET status='running', attempts=attempts+1, started_at=?, updated_at=? WHERE id=? AND status='pending'`,
			now, now, id)
		if err != nil {
			return nil, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		j, err := r.GetJobTx(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, j)
	}
	return claimed, nil
}

// FinalizeJob transitions a running job to a terminal status. A zero-row
// update means the job was not running; the caller must treat that as a hard
// failure rather than coerce state.
func (r Repo) FinalizeJob(ctx context.Context, tx *sql.Tx, id, status string, lastError *string, now string) error {
	completedAt := any(nil)
	failedAt := any(nil)
	switch status {
	case "completed", "needs_review", "cancelled":
		completedAt = now
	case "failed":
		failedAt = now
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status=?, last_error=?, completed_at=?, failed_at=?, updated_at=? WHERE id=? AND status='running'`,
		status, nullableStringPtr(lastError), completedAt, failedAt, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListStaleRunningJobs returns running jobs whose claim is older than the
// cutoff timestamp.
func (r Repo) ListStaleRunningJobs(ctx context.Context, tx *sql.Tx, orgID, cutoff string) ([]domain.Job, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE org_id=? AND status='running' AND started_at IS NOT NULL AND started_at<=?`,
		orgID, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Job
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

// RequeueJob puts a stale running job back in the pending queue.
func (r Repo) RequeueJob(ctx context.Context, tx *sql.Tx, id, now string) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status='pending', started_at=NULL, updated_at=? WHERE id=? AND status='running'`,
		now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CancelJob marks a pending job cancelled; running jobs are left to finish.
func (r Repo) CancelJob(ctx context.Context, tx *sql.Tx, id, now string) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status='cancelled', completed_at=?, updated_at=? WHERE id=? AND status='pending'`,
		now, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- helpers ---

func fromNull(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

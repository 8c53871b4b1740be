package repo

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"clinicrm/internal/domain"
)

const taskColumns = `id,company_id,lead_id,rule_id,step_id,assigned_id,title,description,task_type,due_date,status,notes,cancel_reason,completed_at,cancelled_at,created_at,updated_at`

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var desc, notes, reason, completedAt, cancelledAt sql.NullString
	var taskType, due, status, created, updated string
	err := row.Scan(&t.ID, &t.CompanyID, &t.LeadID, &t.RuleID, &t.StepID, &t.AssignedID, &t.Title, &desc, &taskType,
		&due, &status, &notes, &reason, &completedAt, &cancelledAt, &created, &updated)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Description = desc.String
	t.Notes = notes.String
	t.CancelReason = reason.String
	t.TaskType = domain.TaskType(taskType)
	t.DueDate = parseTime(due)
	t.Status = domain.TaskStatus(status)
	t.CompletedAt = parseNullTime(completedAt)
	t.CancelledAt = parseNullTime(cancelledAt)
	t.CreatedAt = parseTime(created)
	t.UpdatedAt = parseTime(updated)
	return t, nil
}

func collectTasks(rows *sql.Rows) ([]domain.Task, error) {
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// InsertTask returns ErrDuplicateTask when a non-cancelled task already
// exists for the same lead and rule.
func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.CompanyID, t.LeadID, t.RuleID, t.StepID, t.AssignedID, t.Title, nullable(t.Description), string(t.TaskType),
		FormatTime(t.DueDate), string(t.Status), nullable(t.Notes), nullable(t.CancelReason),
		nullableTime(t.CompletedAt), nullableTime(t.CancelledAt), FormatTime(t.CreatedAt), FormatTime(t.UpdatedAt))
	if isUniqueViolation(err) {
		return ErrDuplicateTask
	}
	return err
}

func (r Repo) GetTask(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	return scanTask(r.q(tx).QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

// FindActiveTask returns the non-cancelled task for (lead, rule), if any.
func (r Repo) FindActiveTask(ctx context.Context, tx *sql.Tx, leadID, ruleID string) (domain.Task, error) {
	return scanTask(r.q(tx).QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE lead_id=? AND rule_id=? AND status <> 'CANCELLED' LIMIT 1`,
		leadID, ruleID))
}

func (r Repo) ListTasksByLead(ctx context.Context, leadID string) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE lead_id=? ORDER BY due_date ASC, created_at ASC, id ASC`, leadID)
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}

type TaskFilters struct {
	CompanyID  string
	LeadID     string
	AssigneeID string
	Status     domain.TaskStatus
	Limit      int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.CompanyID != "" {
		clauses = append(clauses, "company_id=?")
		args = append(args, f.CompanyID)
	}
	if f.LeadID != "" {
		clauses = append(clauses, "lead_id=?")
		args = append(args, f.LeadID)
	}
	if f.AssigneeID != "" {
		clauses = append(clauses, "assigned_id=?")
		args = append(args, f.AssigneeID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(f.Status))
	}
	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY due_date ASC, id ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}

// CompleteTask moves an open task to COMPLETED. It reports ErrNotFound when
// the task is not open anymore so callers can re-read and surface the
// transition error.
func (r Repo) CompleteTask(ctx context.Context, tx *sql.Tx, id, notes string, at time.Time) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE tasks SET status='COMPLETED', notes=COALESCE(?, notes), completed_at=?, updated_at=?
WHERE id=? AND status IN ('PENDING','OVERDUE')`, nullable(notes), FormatTime(at), FormatTime(at), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CancelTask cancels one open task.
func (r Repo) CancelTask(ctx context.Context, tx *sql.Tx, id, reason string, at time.Time) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE tasks SET status='CANCELLED', cancel_reason=?, cancelled_at=?, updated_at=?
WHERE id=? AND status IN ('PENDING','OVERDUE')`, nullable(reason), FormatTime(at), FormatTime(at), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CancelOpenTasksForLead cancels every PENDING or OVERDUE task of the lead
// and returns the ids it touched. Completed tasks are left alone.
func (r Repo) CancelOpenTasksForLead(ctx context.Context, tx *sql.Tx, leadID, reason string, at time.Time) ([]string, error) {
	rows, err := r.q(tx).QueryContext(ctx, `UPDATE tasks SET status='CANCELLED', cancel_reason=?, cancelled_at=?, updated_at=?
WHERE lead_id=? AND status IN ('PENDING','OVERDUE') RETURNING id`, nullable(reason), FormatTime(at), FormatTime(at), leadID)
	if err != nil {
		return nil, err
	}
	return collectIDs(rows)
}

// MarkOverdue flips PENDING tasks due before now to OVERDUE in one
// statement and returns the affected tasks.
func (r Repo) MarkOverdue(ctx context.Context, tx *sql.Tx, now time.Time) ([]domain.Task, error) {
	rows, err := r.q(tx).QueryContext(ctx, `UPDATE tasks SET status='OVERDUE', updated_at=?
WHERE status='PENDING' AND due_date < ? RETURNING `+taskColumns, FormatTime(now), FormatTime(now))
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}

func collectIDs(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type TaskStatsFilter struct {
	CompanyID  string
	AssigneeID string
	Start      *time.Time
	End        *time.Time
}

// TaskStats counts tasks per status over created_at in [Start, End). Tasks
// due on the UTC day of now that are still open count as due today.
func (r Repo) TaskStats(ctx context.Context, f TaskStatsFilter, now time.Time) (domain.TaskStats, error) {
	var clauses []string
	var args []any
	dayStart := now.UTC().Truncate(24 * time.Hour)
	dayEnd := dayStart.Add(24 * time.Hour)
	args = append(args, FormatTime(dayStart), FormatTime(dayEnd))
	if f.CompanyID != "" {
		clauses = append(clauses, "company_id=?")
		args = append(args, f.CompanyID)
	}
	if f.AssigneeID != "" {
		clauses = append(clauses, "assigned_id=?")
		args = append(args, f.AssigneeID)
	}
	if f.Start != nil {
		clauses = append(clauses, "created_at>=?")
		args = append(args, FormatTime(*f.Start))
	}
	if f.End != nil {
		clauses = append(clauses, "created_at<?")
		args = append(args, FormatTime(*f.End))
	}
	query := `SELECT COUNT(*),
COALESCE(SUM(status='PENDING'),0),
COALESCE(SUM(status='COMPLETED'),0),
COALESCE(SUM(status='OVERDUE'),0),
COALESCE(SUM(status='CANCELLED'),0),
COALESCE(SUM(status IN ('PENDING','OVERDUE') AND due_date>=? AND due_date<?),0)
FROM tasks`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	var s domain.TaskStats
	if err := r.DB.QueryRowContext(ctx, query, args...).Scan(&s.Total, &s.Pending, &s.Completed, &s.Overdue, &s.Cancelled, &s.DueToday); err != nil {
		return s, err
	}
	if active := s.Total - s.Cancelled; active > 0 {
		s.CompletionRate = float64(s.Completed) / float64(active)
	}
	return s, nil
}

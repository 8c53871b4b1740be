package repo

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"clinicrm/internal/domain"
)

const leadColumns = `id,company_id,name,step_id,responsible_id,step_entered_at,tasks_cancelled_at,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLead(row rowScanner) (domain.Lead, error) {
	var l domain.Lead
	var responsible, cancelledAt sql.NullString
	var entered, created, updated string
	err := row.Scan(&l.ID, &l.CompanyID, &l.Name, &l.StepID, &responsible, &entered, &cancelledAt, &created, &updated)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	if err != nil {
		return l, err
	}
	if responsible.Valid && responsible.String != "" {
		l.ResponsibleID = &responsible.String
	}
	l.StepEnteredAt = parseTime(entered)
	l.TasksCancelledAt = parseNullTime(cancelledAt)
	l.CreatedAt = parseTime(created)
	l.UpdatedAt = parseTime(updated)
	return l, nil
}

func (r Repo) InsertLead(ctx context.Context, tx *sql.Tx, l domain.Lead) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO leads(`+leadColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		l.ID, l.CompanyID, l.Name, l.StepID, nullableStringPtr(l.ResponsibleID), FormatTime(l.StepEnteredAt),
		nullableTime(l.TasksCancelledAt), FormatTime(l.CreatedAt), FormatTime(l.UpdatedAt))
	if isUniqueViolation(err) {
		return ErrDuplicateLead
	}
	return err
}

// GetLead returns the lead; tx may be nil.
func (r Repo) GetLead(ctx context.Context, tx *sql.Tx, id string) (domain.Lead, error) {
	return scanLead(r.q(tx).QueryRowContext(ctx, `SELECT `+leadColumns+` FROM leads WHERE id=?`, id))
}

func (r Repo) MoveLead(ctx context.Context, tx *sql.Tx, id, stepID string, enteredAt time.Time) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE leads SET step_id=?, step_entered_at=?, updated_at=? WHERE id=?`,
		stepID, FormatTime(enteredAt), FormatTime(enteredAt), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetLeadResponsible(ctx context.Context, tx *sql.Tx, id string, responsibleID *string, now time.Time) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE leads SET responsible_id=?, updated_at=? WHERE id=?`,
		nullableStringPtr(responsibleID), FormatTime(now), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkLeadTasksCancelled records the cancellation token consulted by
// generation jobs that were requested earlier.
func (r Repo) MarkLeadTasksCancelled(ctx context.Context, tx *sql.Tx, id string, at time.Time) error {
	_, err := r.q(tx).ExecContext(ctx, `UPDATE leads SET tasks_cancelled_at=?, updated_at=? WHERE id=?`,
		FormatTime(at), FormatTime(at), id)
	return err
}

type LeadFilters struct {
	CompanyID string
	StepID    string
	Limit     int
}

func (r Repo) ListLeads(ctx context.Context, f LeadFilters) ([]domain.Lead, error) {
	var clauses []string
	var args []any
	if f.CompanyID != "" {
		clauses = append(clauses, "company_id=?")
		args = append(args, f.CompanyID)
	}
	if f.StepID != "" {
		clauses = append(clauses, "step_id=?")
		args = append(args, f.StepID)
	}
	query := `SELECT ` + leadColumns + ` FROM leads`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Lead
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"clinicrm/internal/domain"
)

func (r Repo) InsertStep(ctx context.Context, tx *sql.Tx, s domain.FunnelStep) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO funnel_steps(id,company_id,name,position,created_at) VALUES (?,?,?,?,?)`,
		s.ID, s.CompanyID, s.Name, s.Position, FormatTime(s.CreatedAt))
	if isUniqueViolation(err) {
		return ErrDuplicateStep
	}
	return err
}

func (r Repo) GetStep(ctx context.Context, tx *sql.Tx, id string) (domain.FunnelStep, error) {
	var s domain.FunnelStep
	var created string
	err := r.q(tx).QueryRowContext(ctx, `SELECT id,company_id,name,position,created_at FROM funnel_steps WHERE id=?`, id).
		Scan(&s.ID, &s.CompanyID, &s.Name, &s.Position, &created)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.CreatedAt = parseTime(created)
	return s, nil
}

func (r Repo) ListSteps(ctx context.Context, companyID string) ([]domain.FunnelStep, error) {
	query := `SELECT id,company_id,name,position,created_at FROM funnel_steps`
	var args []any
	if companyID != "" {
		query += ` WHERE company_id=?`
		args = append(args, companyID)
	}
	query += ` ORDER BY position ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.FunnelStep
	for rows.Next() {
		var s domain.FunnelStep
		var created string
		if err := rows.Scan(&s.ID, &s.CompanyID, &s.Name, &s.Position, &created); err != nil {
			return nil, err
		}
		s.CreatedAt = parseTime(created)
		res = append(res, s)
	}
	return res, rows.Err()
}

const ruleColumns = `id,company_id,step_id,"order",title,description,task_type,delay_days,delay_type,assign_type,assigned_user_id,active,created_at,updated_at`

func scanRule(row rowScanner) (domain.StageTaskRule, error) {
	var rule domain.StageTaskRule
	var desc, assigned sql.NullString
	var taskType, delayType, assignType, created, updated string
	var active int
	err := row.Scan(&rule.ID, &rule.CompanyID, &rule.StepID, &rule.Order, &rule.Title, &desc, &taskType,
		&rule.DelayDays, &delayType, &assignType, &assigned, &active, &created, &updated)
	if err == sql.ErrNoRows {
		return rule, ErrNotFound
	}
	if err != nil {
		return rule, err
	}
	if desc.Valid {
		rule.Description = desc.String
	}
	if assigned.Valid && assigned.String != "" {
		rule.AssignedUserID = &assigned.String
	}
	rule.TaskType = domain.TaskType(taskType)
	rule.DelayType = domain.DelayType(delayType)
	rule.AssignType = domain.AssignType(assignType)
	rule.Active = active == 1
	rule.CreatedAt = parseTime(created)
	rule.UpdatedAt = parseTime(updated)
	return rule, nil
}

func (r Repo) GetRule(ctx context.Context, tx *sql.Tx, id string) (domain.StageTaskRule, error) {
	return scanRule(r.q(tx).QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM stage_task_rules WHERE id=?`, id))
}

// ListActiveRulesForStep returns the step's active rules ordered by "order".
func (r Repo) ListActiveRulesForStep(ctx context.Context, stepID string) ([]domain.StageTaskRule, error) {
	return r.listRules(ctx, `WHERE step_id=? AND active=1`, stepID)
}

// ListRulesForStep includes inactive rules.
func (r Repo) ListRulesForStep(ctx context.Context, stepID string) ([]domain.StageTaskRule, error) {
	return r.listRules(ctx, `WHERE step_id=?`, stepID)
}

func (r Repo) listRules(ctx context.Context, where string, args ...any) ([]domain.StageTaskRule, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+ruleColumns+` FROM stage_task_rules `+where+` ORDER BY "order" ASC, id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StageTaskRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rule)
	}
	return res, rows.Err()
}

// ReplaceStepRules makes rules the active rule set of stepID. Rules are
// matched by id; existing rules missing from the set are deactivated rather
// than deleted since tasks reference them. Deactivated rules keep a negative
// order so they never collide with the active chain.
func (r Repo) ReplaceStepRules(ctx context.Context, tx *sql.Tx, stepID string, rules []domain.StageTaskRule, now time.Time) error {
	q := r.q(tx)
	if _, err := q.ExecContext(ctx, `UPDATE stage_task_rules SET "order" = -rowid, active=0, updated_at=? WHERE step_id=?`,
		FormatTime(now), stepID); err != nil {
		return fmt.Errorf("park rules: %w", err)
	}
	for _, rule := range rules {
		if rule.StepID != stepID {
			return fmt.Errorf("rule %s belongs to step %s, not %s", rule.ID, rule.StepID, stepID)
		}
		active := 0
		if rule.Active {
			active = 1
		}
		res, err := q.ExecContext(ctx, `INSERT INTO stage_task_rules(`+ruleColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET "order"=excluded."order", title=excluded.title, description=excluded.description,
task_type=excluded.task_type, delay_days=excluded.delay_days, delay_type=excluded.delay_type, assign_type=excluded.assign_type,
assigned_user_id=excluded.assigned_user_id, active=excluded.active, updated_at=excluded.updated_at
WHERE stage_task_rules.step_id=excluded.step_id`,
			rule.ID, rule.CompanyID, rule.StepID, rule.Order, rule.Title, nullable(rule.Description), string(rule.TaskType),
			rule.DelayDays, string(rule.DelayType), string(rule.AssignType), nullableStringPtr(rule.AssignedUserID), active,
			FormatTime(now), FormatTime(now))
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: order %d", ErrDuplicateRuleOrder, rule.Order)
		}
		if err != nil {
			return fmt.Errorf("upsert rule %s: %w", rule.ID, err)
		}
		// the conflict target belongs to another step
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("%w: rule %s", ErrRuleConflict, rule.ID)
		}
	}
	return nil
}

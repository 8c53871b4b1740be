package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"clinicrm/internal/config"
	"clinicrm/internal/domain"
	"clinicrm/internal/events"
	"clinicrm/internal/metrics"
	"clinicrm/internal/repo"
)

// Engine generates and transitions follow-up tasks. Collaborators are
// injected; the zero values of Logger, Metrics and Dispatcher are usable.
type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Events     events.Writer
	Config     *config.Config
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
	Dispatcher *Dispatcher
	Now        func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) log() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) automation() config.AutomationConfig {
	if e.Config == nil {
		return config.Default().Automation
	}
	return e.Config.Automation
}

// events writer sharing the engine clock
func (e Engine) events() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

// CreateStep registers a funnel step rules and leads can reference.
func (e Engine) CreateStep(ctx context.Context, s domain.FunnelStep) (domain.FunnelStep, error) {
	if strings.TrimSpace(s.CompanyID) == "" {
		return domain.FunnelStep{}, errors.New("company is required")
	}
	if strings.TrimSpace(s.Name) == "" {
		return domain.FunnelStep{}, errors.New("name is required")
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	s.CreatedAt = e.now()
	if err := e.Repo.InsertStep(ctx, nil, s); err != nil {
		return domain.FunnelStep{}, err
	}
	return s, nil
}

// RuleInput is one rule of a step's replacement rule set.
type RuleInput struct {
	ID             string            `json:"id,omitempty" yaml:"id"`
	Order          int               `json:"order" yaml:"order"`
	Title          string            `json:"title" yaml:"title"`
	Description    string            `json:"description,omitempty" yaml:"description"`
	TaskType       domain.TaskType   `json:"task_type,omitempty" yaml:"task_type"`
	DelayDays      int               `json:"delay_days" yaml:"delay_days"`
	DelayType      domain.DelayType  `json:"delay_type" yaml:"delay_type"`
	AssignType     domain.AssignType `json:"assign_type" yaml:"assign_type"`
	AssignedUserID string            `json:"assigned_user_id,omitempty" yaml:"assigned_user_id"`
	Active         *bool             `json:"active,omitempty" yaml:"active"`
}

func validateRule(in RuleInput) error {
	if strings.TrimSpace(in.Title) == "" {
		return fmt.Errorf("rule order %d: title is required", in.Order)
	}
	if in.Order < 0 {
		return fmt.Errorf("rule %q: order must not be negative", in.Title)
	}
	if in.DelayDays < 0 {
		return fmt.Errorf("rule %q: delay_days must not be negative", in.Title)
	}
	switch in.DelayType {
	case domain.DelayAbsolute, domain.DelayAfterPrevious:
	default:
		return fmt.Errorf("rule %q: invalid delay_type %q", in.Title, in.DelayType)
	}
	switch in.AssignType {
	case domain.AssignLeadOwner:
	case domain.AssignFixedUser:
		if strings.TrimSpace(in.AssignedUserID) == "" {
			return fmt.Errorf("rule %q: assigned_user_id is required for FIXED_USER", in.Title)
		}
	default:
		return fmt.Errorf("rule %q: invalid assign_type %q", in.Title, in.AssignType)
	}
	switch in.TaskType {
	case "", domain.TaskTypeCall, domain.TaskTypeMessage, domain.TaskTypeReminder, domain.TaskTypeOther:
	default:
		return fmt.Errorf("rule %q: invalid task_type %q", in.Title, in.TaskType)
	}
	return nil
}

// ReplaceStepRules makes rules the ordered rule chain of stepID. Rules left
// out are deactivated, never deleted, since tasks keep referencing them.
func (e Engine) ReplaceStepRules(ctx context.Context, stepID string, rules []RuleInput, actorID string) ([]domain.StageTaskRule, error) {
	step, err := e.Repo.GetStep(ctx, nil, stepID)
	if err != nil {
		return nil, err
	}
	seen := make(map[int]string, len(rules))
	records := make([]domain.StageTaskRule, 0, len(rules))
	for _, in := range rules {
		if err := validateRule(in); err != nil {
			return nil, err
		}
		if prev, dup := seen[in.Order]; dup {
			return nil, fmt.Errorf("%w: rules %q and %q share order %d", repo.ErrDuplicateRuleOrder, prev, in.Title, in.Order)
		}
		seen[in.Order] = in.Title
		if in.ID != "" {
			existing, err := e.Repo.GetRule(ctx, nil, in.ID)
			switch {
			case err == nil && existing.StepID != step.ID:
				return nil, fmt.Errorf("%w: rule %s", repo.ErrRuleConflict, in.ID)
			case err != nil && !errors.Is(err, repo.ErrNotFound):
				return nil, err
			}
		}
		rule := domain.StageTaskRule{
			ID:          in.ID,
			CompanyID:   step.CompanyID,
			StepID:      step.ID,
			Order:       in.Order,
			Title:       in.Title,
			Description: in.Description,
			TaskType:    in.TaskType,
			DelayDays:   in.DelayDays,
			DelayType:   in.DelayType,
			AssignType:  in.AssignType,
			Active:      in.Active == nil || *in.Active,
		}
		if rule.ID == "" {
			rule.ID = uuid.NewString()
		}
		if rule.TaskType == "" {
			rule.TaskType = domain.TaskTypeOther
		}
		if in.AssignType == domain.AssignFixedUser {
			user := in.AssignedUserID
			rule.AssignedUserID = &user
		}
		records = append(records, rule)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if err := e.Repo.ReplaceStepRules(ctx, tx, step.ID, records, e.now()); err != nil {
		return nil, err
	}
	if err := e.events().Append(ctx, tx, events.RulesReplaced, step.CompanyID, "step", step.ID, actorID, events.EventPayload{"rules": len(records)}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return e.Repo.ListActiveRulesForStep(ctx, step.ID)
}

package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	appErrors "github.com/unclebandit/crm-messaging/internal/errors"
	"github.com/unclebandit/crm-messaging/internal/model"
)

type AutomationRepositoryInterface interface {
	ListActiveRulesByTrigger(ctx context.Context, trigger string) ([]*model.AutomationRule, error)
	GetRule(ctx context.Context, id int64) (*model.AutomationRule, error)
	CreateRun(ctx context.Context, run *model.AutomationRun) error
	GetRun(ctx context.Context, id int64) (*model.AutomationRun, error)
	ListDueRuns(ctx context.Context, now time.Time, limit int) ([]*model.AutomationRun, error)
	ListRunningByContact(ctx context.Context, contactID int64) ([]*model.AutomationRun, error)
	// ClaimRun pushes next_action_due to leaseUntil if the run is still RUNNING, due, and at stepIndex.
	// A false result means another worker advanced or claimed it first.
	ClaimRun(ctx context.Context, id int64, stepIndex int, now, leaseUntil time.Time) (bool, error)
	// SaveProgress persists step, due time, state and error while the stored run is still RUNNING.
	SaveProgress(ctx context.Context, run *model.AutomationRun) (bool, error)
	IncrementRuleCounters(ctx context.Context, ruleID int64, completed bool) error
}

type AutomationRepository struct {
	DB *sqlx.DB
}

const ruleColumns = `id, name, trigger_event, condition, actions, stop_if_replied, active, total_runs,
	total_completed, created_at`

const runColumns = `id, rule_id, contact_id, state, step_index, next_action_due, last_error, started_at,
	finished_at, updated_at`

func (r *AutomationRepository) ListActiveRulesByTrigger(ctx context.Context, trigger string) ([]*model.AutomationRule, error) {
	rules := []*model.AutomationRule{}
	err := r.DB.SelectContext(ctx, &rules,
		`SELECT `+ruleColumns+` FROM automation_rules WHERE active AND trigger_event=$1 ORDER BY id`, trigger)
	return rules, err
}

func (r *AutomationRepository) GetRule(ctx context.Context, id int64) (*model.AutomationRule, error) {
	var rule model.AutomationRule
	err := r.DB.GetContext(ctx, &rule, `SELECT `+ruleColumns+` FROM automation_rules WHERE id=$1`, id)
	if err != nil {
		if isNoRows(err) {
			return nil, &appErrors.ErrNotFound{Entity: "automation rule", ID: id}
		}
		return nil, err
	}
	return &rule, nil
}

func (r *AutomationRepository) CreateRun(ctx context.Context, run *model.AutomationRun) error {
	run.UpdatedAt = time.Now()
	return r.DB.QueryRowxContext(ctx, `
		INSERT INTO automation_runs (rule_id, contact_id, state, step_index, next_action_due, started_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		run.RuleID, run.ContactID, run.State, run.StepIndex, run.NextActionDue, run.StartedAt, run.UpdatedAt,
	).Scan(&run.ID)
}

func (r *AutomationRepository) GetRun(ctx context.Context, id int64) (*model.AutomationRun, error) {
	var run model.AutomationRun
	err := r.DB.GetContext(ctx, &run, `SELECT `+runColumns+` FROM automation_runs WHERE id=$1`, id)
	if err != nil {
		if isNoRows(err) {
			return nil, appErrors.NewRunNotFound(id)
		}
		return nil, err
	}
	return &run, nil
}

func (r *AutomationRepository) ListDueRuns(ctx context.Context, now time.Time, limit int) ([]*model.AutomationRun, error) {
	runs := []*model.AutomationRun{}
	err := r.DB.SelectContext(ctx, &runs, `
		SELECT `+runColumns+` FROM automation_runs
		WHERE state='RUNNING' AND next_action_due <= $1
		ORDER BY next_action_due, id
		LIMIT $2`, now, limit)
	return runs, err
}

func (r *AutomationRepository) ListRunningByContact(ctx context.Context, contactID int64) ([]*model.AutomationRun, error) {
	runs := []*model.AutomationRun{}
	err := r.DB.SelectContext(ctx, &runs,
		`SELECT `+runColumns+` FROM automation_runs WHERE state='RUNNING' AND contact_id=$1 ORDER BY id`, contactID)
	return runs, err
}

func (r *AutomationRepository) ClaimRun(ctx context.Context, id int64, stepIndex int, now, leaseUntil time.Time) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE automation_runs
		SET next_action_due=$1, updated_at=NOW()
		WHERE id=$2 AND state='RUNNING' AND step_index=$3 AND next_action_due <= $4`,
		leaseUntil, id, stepIndex, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *AutomationRepository) SaveProgress(ctx context.Context, run *model.AutomationRun) (bool, error) {
	run.UpdatedAt = time.Now()
	res, err := r.DB.ExecContext(ctx, `
		UPDATE automation_runs
		SET state=$1, step_index=$2, next_action_due=$3, last_error=$4, finished_at=$5, updated_at=$6
		WHERE id=$7 AND state='RUNNING'`,
		run.State, run.StepIndex, run.NextActionDue, run.LastError, run.FinishedAt, run.UpdatedAt, run.ID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *AutomationRepository) IncrementRuleCounters(ctx context.Context, ruleID int64, completed bool) error {
	_, err := r.DB.ExecContext(ctx, `
		UPDATE automation_rules
		SET total_runs=total_runs+1,
		    total_completed=total_completed+CASE WHEN $1::boolean THEN 1 ELSE 0 END
		WHERE id=$2`, completed, ruleID)
	return err
}

var _ AutomationRepositoryInterface = (*AutomationRepository)(nil)

package memstore

import (
	"context"
	"sort"
	"time"

	appErrors "github.com/unclebandit/crm-messaging/internal/errors"
	"github.com/unclebandit/crm-messaging/internal/model"
)

type automationRepo struct{ s *Store }

func (r *automationRepo) ListActiveRulesByTrigger(_ context.Context, trigger string) ([]*model.AutomationRule, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := []*model.AutomationRule{}
	for _, rule := range r.s.rules {
		if rule.Active && rule.Trigger == trigger {
			cp := *rule
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *automationRepo) GetRule(_ context.Context, id int64) (*model.AutomationRule, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rule, ok := r.s.rules[id]
	if !ok {
		return nil, &appErrors.ErrNotFound{Entity: "automation rule", ID: id}
	}
	cp := *rule
	return &cp, nil
}

func (r *automationRepo) CreateRun(_ context.Context, run *model.AutomationRun) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	run.ID = r.s.nextID()
	run.UpdatedAt = time.Now()
	cp := *run
	r.s.runs[run.ID] = &cp
	return nil
}

func (r *automationRepo) GetRun(_ context.Context, id int64) (*model.AutomationRun, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	run, ok := r.s.runs[id]
	if !ok {
		return nil, appErrors.NewRunNotFound(id)
	}
	cp := *run
	return &cp, nil
}

func (r *automationRepo) ListDueRuns(_ context.Context, now time.Time, limit int) ([]*model.AutomationRun, error) {
	out := r.listRuns(func(run *model.AutomationRun) bool {
		return run.State == model.RunRunning && run.NextActionDue != nil && !run.NextActionDue.After(now)
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].NextActionDue.Before(*out[j].NextActionDue) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *automationRepo) ListRunningByContact(_ context.Context, contactID int64) ([]*model.AutomationRun, error) {
	return r.listRuns(func(run *model.AutomationRun) bool {
		return run.State == model.RunRunning && run.ContactID == contactID
	}), nil
}

func (r *automationRepo) listRuns(keep func(*model.AutomationRun) bool) []*model.AutomationRun {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := []*model.AutomationRun{}
	for _, run := range r.s.runs {
		if keep(run) {
			cp := *run
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *automationRepo) ClaimRun(_ context.Context, id int64, stepIndex int, now, leaseUntil time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	run, ok := r.s.runs[id]
	if !ok || run.State != model.RunRunning || run.StepIndex != stepIndex ||
		run.NextActionDue == nil || run.NextActionDue.After(now) {
		return false, nil
	}
	run.NextActionDue = &leaseUntil
	run.UpdatedAt = time.Now()
	return true, nil
}

func (r *automationRepo) SaveProgress(_ context.Context, run *model.AutomationRun) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stored, ok := r.s.runs[run.ID]
	if !ok || stored.State != model.RunRunning {
		return false, nil
	}
	run.UpdatedAt = time.Now()
	cp := *run
	r.s.runs[run.ID] = &cp
	return true, nil
}

func (r *automationRepo) IncrementRuleCounters(_ context.Context, ruleID int64, completed bool) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rule, ok := r.s.rules[ruleID]
	if !ok {
		return nil
	}
	rule.TotalRuns++
	if completed {
		rule.TotalCompleted++
	}
	return nil
}

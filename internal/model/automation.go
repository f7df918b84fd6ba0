// internal/model/automation.go
package model

import (
	"database/sql/driver"
	"fmt"
	"time"
)

type RunState string

const (
	RunRunning   RunState = "RUNNING"
	RunCompleted RunState = "COMPLETED"
	RunFailed    RunState = "FAILED"
	RunCancelled RunState = "CANCELLED"
)

func (s RunState) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

type ActionType string

const (
	ActionSendTemplate  ActionType = "send_template"
	ActionWait          ActionType = "wait"
	ActionReassignOwner ActionType = "reassign_owner"
	ActionUpdateStage   ActionType = "update_stage"
)

// Action is one step of an automation rule.
type Action struct {
	Type          ActionType `json:"type"`
	TemplateID    *int64     `json:"template_id,omitempty"`
	Variables     Variables  `json:"variables,omitempty"`
	OnlyIfNoReply bool       `json:"only_if_no_reply,omitempty"`
	DelaySeconds  int64      `json:"delay_seconds,omitempty"`
	OwnerID       *int64     `json:"owner_id,omitempty"`
	Stage         string     `json:"stage,omitempty"`
}

func (a Action) Delay() time.Duration {
	return time.Duration(a.DelaySeconds) * time.Second
}

type Actions []Action

func (a Actions) Value() (driver.Value, error) {
	return jsonDriverValue(a)
}

func (a *Actions) Scan(src any) error {
	return scanJSON(src, a)
}

// Condition is a conjunction of attribute checks. A scalar value must equal the
// attribute; a list value must contain it. An empty condition always matches.
type Condition map[string]any

func (c Condition) Value() (driver.Value, error) {
	if c == nil {
		return nil, nil
	}
	return jsonDriverValue(c)
}

func (c *Condition) Scan(src any) error {
	return scanJSON(src, c)
}

func (c Condition) Matches(attrs Attributes) bool {
	for key, want := range c {
		got, ok := attrs[key]
		if !ok || got == nil {
			return false
		}
		gotStr := fmt.Sprint(got)
		switch w := want.(type) {
		case []any:
			found := false
			for _, item := range w {
				if fmt.Sprint(item) == gotStr {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		case []string:
			found := false
			for _, item := range w {
				if item == gotStr {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		default:
			if fmt.Sprint(w) != gotStr {
				return false
			}
		}
	}
	return true
}

type AutomationRule struct {
	ID             int64     `db:"id" json:"id"`
	Name           string    `db:"name" json:"name"`
	Trigger        string    `db:"trigger_event" json:"trigger"`
	Condition      Condition `db:"condition" json:"condition,omitempty"`
	Actions        Actions   `db:"actions" json:"actions"`
	StopIfReplied  bool      `db:"stop_if_replied" json:"stop_if_replied"`
	Active         bool      `db:"active" json:"active"`
	TotalRuns      int       `db:"total_runs" json:"total_runs"`
	TotalCompleted int       `db:"total_completed" json:"total_completed"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

type AutomationRun struct {
	ID            int64      `db:"id" json:"id"`
	RuleID        int64      `db:"rule_id" json:"rule_id"`
	ContactID     int64      `db:"contact_id" json:"contact_id"`
	State         RunState   `db:"state" json:"state"`
	StepIndex     int        `db:"step_index" json:"step_index"`
	NextActionDue *time.Time `db:"next_action_due" json:"next_action_due,omitempty"`
	LastError     *string    `db:"last_error" json:"last_error,omitempty"`
	StartedAt     time.Time  `db:"started_at" json:"started_at"`
	FinishedAt    *time.Time `db:"finished_at" json:"finished_at,omitempty"`
	UpdatedAt     time.Time  `db:"updated_at" json:"updated_at"`
}

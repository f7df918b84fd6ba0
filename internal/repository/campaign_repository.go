package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	appErrors "github.com/unclebandit/crm-messaging/internal/errors"
	"github.com/unclebandit/crm-messaging/internal/model"
)

type CampaignRepositoryInterface interface {
	Create(ctx context.Context, c *model.Campaign) error
	GetByID(ctx context.Context, id int64) (*model.Campaign, error)
	GetStatus(ctx context.Context, id int64) (model.CampaignStatus, error)
	// TransitionStatus moves the campaign to `to` only while it is in one of `from`.
	TransitionStatus(ctx context.Context, id int64, from []model.CampaignStatus, to model.CampaignStatus, at time.Time) (bool, error)
	// UpdateCounters never lowers a stored counter.
	UpdateCounters(ctx context.Context, id int64, counters model.CampaignCounters) error
	IncrementCounter(ctx context.Context, id int64, column string) error
}

type CampaignRepository struct {
	DB *sqlx.DB
}

const campaignColumns = `id, name, channel, status, template_id, variables, recipient_filter, rate_limit,
	total_recipients, total_sent, total_delivered, total_read, total_failed, started_at, completed_at,
	created_at, updated_at`

// ====================== Campaign CRUD ======================

func (r *CampaignRepository) Create(ctx context.Context, c *model.Campaign) error {
	c.CreatedAt = time.Now()
	if c.Status == "" {
		c.Status = model.CampaignDraft
	}
	rows, err := r.DB.NamedQueryContext(ctx, `
		INSERT INTO campaigns (name, channel, status, template_id, variables, recipient_filter, rate_limit, created_at)
		VALUES (:name, :channel, :status, :template_id, :variables, :recipient_filter, :rate_limit, :created_at)
		RETURNING id`, c)
	if err != nil {
		return err
	}
	defer rows.Close()
	if rows.Next() {
		return rows.Scan(&c.ID)
	}
	return rows.Err()
}

func (r *CampaignRepository) GetByID(ctx context.Context, id int64) (*model.Campaign, error) {
	var c model.Campaign
	err := r.DB.GetContext(ctx, &c, `SELECT `+campaignColumns+` FROM campaigns WHERE id=$1`, id)
	if err != nil {
		if isNoRows(err) {
			return nil, appErrors.NewCampaignNotFound(id)
		}
		return nil, err
	}
	return &c, nil
}

func (r *CampaignRepository) GetStatus(ctx context.Context, id int64) (model.CampaignStatus, error) {
	var status model.CampaignStatus
	err := r.DB.GetContext(ctx, &status, `SELECT status FROM campaigns WHERE id=$1`, id)
	if isNoRows(err) {
		return "", appErrors.NewCampaignNotFound(id)
	}
	return status, err
}

func (r *CampaignRepository) TransitionStatus(ctx context.Context, id int64, from []model.CampaignStatus, to model.CampaignStatus, at time.Time) (bool, error) {
	states := make([]string, len(from))
	for i, s := range from {
		states[i] = string(s)
	}
	query, args, err := sqlx.In(`
		UPDATE campaigns
		SET status=?,
		    started_at=CASE WHEN ?::text='RUNNING' THEN COALESCE(started_at, ?::timestamptz) ELSE started_at END,
		    completed_at=CASE WHEN ?::text IN ('COMPLETED','FAILED') THEN ?::timestamptz ELSE completed_at END,
		    updated_at=NOW()
		WHERE id=? AND status IN (?)`, to, string(to), at, string(to), at, id, states)
	if err != nil {
		return false, err
	}
	res, err := r.DB.ExecContext(ctx, r.DB.Rebind(query), args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *CampaignRepository) UpdateCounters(ctx context.Context, id int64, counters model.CampaignCounters) error {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE campaigns
		SET total_recipients=GREATEST(total_recipients, $1),
		    total_sent=GREATEST(total_sent, $2),
		    total_failed=GREATEST(total_failed, $3),
		    updated_at=NOW()
		WHERE id=$4`, counters.Total, counters.Sent, counters.Failed, id)
	return affected(res, err, appErrors.NewCampaignNotFound(id))
}

func (r *CampaignRepository) IncrementCounter(ctx context.Context, id int64, column string) error {
	switch column {
	case model.CounterDelivered, model.CounterRead:
	default:
		return fmt.Errorf("unknown campaign counter %q", column)
	}
	res, err := r.DB.ExecContext(ctx,
		fmt.Sprintf(`UPDATE campaigns SET %s=%s+1, updated_at=NOW() WHERE id=$1`, column, column), id)
	return affected(res, err, appErrors.NewCampaignNotFound(id))
}

var _ CampaignRepositoryInterface = (*CampaignRepository)(nil)

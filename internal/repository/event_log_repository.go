package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/unclebandit/crm-messaging/internal/model"
)

type EventLogRepositoryInterface interface {
	Insert(ctx context.Context, e *model.EventLog) error
}

type EventLogRepository struct {
	DB *sqlx.DB
}

func (r *EventLogRepository) Insert(ctx context.Context, e *model.EventLog) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	return r.DB.QueryRowxContext(ctx, `
		INSERT INTO event_logs (request_id, source, event_type, result, payload, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`, e.RequestID, e.Source, e.EventType, e.Result, e.Payload, e.Error, e.CreatedAt).Scan(&e.ID)
}

var _ EventLogRepositoryInterface = (*EventLogRepository)(nil)

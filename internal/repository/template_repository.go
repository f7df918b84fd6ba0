package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	appErrors "github.com/unclebandit/crm-messaging/internal/errors"
	"github.com/unclebandit/crm-messaging/internal/model"
)

type TemplateRepositoryInterface interface {
	GetByID(ctx context.Context, id int64) (*model.Template, error)
}

type TemplateRepository struct {
	DB *sqlx.DB
}

func (r *TemplateRepository) GetByID(ctx context.Context, id int64) (*model.Template, error) {
	var t model.Template
	err := r.DB.GetContext(ctx, &t, `
		SELECT id, name, body, language, provider_template, active, created_at
		FROM templates WHERE id=$1`, id)
	if err != nil {
		if isNoRows(err) {
			return nil, appErrors.NewTemplateNotFound(id)
		}
		return nil, err
	}
	return &t, nil
}

var _ TemplateRepositoryInterface = (*TemplateRepository)(nil)

package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	appErrors "github.com/unclebandit/crm-messaging/internal/errors"
	"github.com/unclebandit/crm-messaging/internal/model"
)

// ContactRepositoryInterface defines the contact access the messaging core needs
type ContactRepositoryInterface interface {
	GetByID(ctx context.Context, id int64) (*model.Contact, error)
	// FindByPhone matches either the main or the WhatsApp number; nil when absent.
	FindByPhone(ctx context.Context, phone string) (*model.Contact, error)
	Create(ctx context.Context, c *model.Contact) error
	UpdateOwner(ctx context.Context, id, ownerID int64) error
	UpdateStage(ctx context.Context, id int64, stage string) error
	ListActive(ctx context.Context) ([]*model.Contact, error)
	ListActiveByProject(ctx context.Context, projectID int64) ([]*model.Contact, error)
	ListByIDs(ctx context.Context, ids []int64) ([]*model.Contact, error)
}

type ContactRepository struct {
	DB *sqlx.DB
}

const contactColumns = `id, name, phone, whatsapp_phone, email, project_id, owner_id, stage, source,
	active, whatsapp_opt_out, created_at, updated_at`

func (r *ContactRepository) GetByID(ctx context.Context, id int64) (*model.Contact, error) {
	var c model.Contact
	err := r.DB.GetContext(ctx, &c, `SELECT `+contactColumns+` FROM contacts WHERE id=$1`, id)
	if err != nil {
		if isNoRows(err) {
			return nil, appErrors.NewContactNotFound(id)
		}
		return nil, err
	}
	return &c, nil
}

func (r *ContactRepository) FindByPhone(ctx context.Context, phone string) (*model.Contact, error) {
	var c model.Contact
	err := r.DB.GetContext(ctx, &c, `
		SELECT `+contactColumns+` FROM contacts
		WHERE phone=$1 OR whatsapp_phone=$1
		ORDER BY active DESC, id ASC
		LIMIT 1`, phone)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

func (r *ContactRepository) Create(ctx context.Context, c *model.Contact) error {
	now := time.Now()
	c.CreatedAt = now
	c.UpdatedAt = now
	if c.Stage == "" {
		c.Stage = model.StageNew
	}
	query := `
		INSERT INTO contacts (name, phone, whatsapp_phone, email, project_id, owner_id, stage, source,
			active, whatsapp_opt_out, created_at, updated_at)
		VALUES (:name, :phone, :whatsapp_phone, :email, :project_id, :owner_id, :stage, :source,
			:active, :whatsapp_opt_out, :created_at, :updated_at)
		RETURNING id`
	rows, err := r.DB.NamedQueryContext(ctx, query, c)
	if err != nil {
		return err
	}
	defer rows.Close()
	if rows.Next() {
		return rows.Scan(&c.ID)
	}
	return rows.Err()
}

func (r *ContactRepository) UpdateOwner(ctx context.Context, id, ownerID int64) error {
	return r.exec(ctx, id, `UPDATE contacts SET owner_id=$1, updated_at=NOW() WHERE id=$2`, ownerID, id)
}

func (r *ContactRepository) UpdateStage(ctx context.Context, id int64, stage string) error {
	return r.exec(ctx, id, `UPDATE contacts SET stage=$1, updated_at=NOW() WHERE id=$2`, stage, id)
}

func (r *ContactRepository) exec(ctx context.Context, id int64, query string, args ...any) error {
	res, err := r.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return appErrors.NewContactNotFound(id)
	}
	return nil
}

func (r *ContactRepository) ListActive(ctx context.Context) ([]*model.Contact, error) {
	contacts := []*model.Contact{}
	err := r.DB.SelectContext(ctx, &contacts, `SELECT `+contactColumns+` FROM contacts WHERE active ORDER BY id`)
	return contacts, err
}

func (r *ContactRepository) ListActiveByProject(ctx context.Context, projectID int64) ([]*model.Contact, error) {
	contacts := []*model.Contact{}
	err := r.DB.SelectContext(ctx, &contacts,
		`SELECT `+contactColumns+` FROM contacts WHERE active AND project_id=$1 ORDER BY id`, projectID)
	return contacts, err
}

func (r *ContactRepository) ListByIDs(ctx context.Context, ids []int64) ([]*model.Contact, error) {
	contacts := []*model.Contact{}
	if len(ids) == 0 {
		return contacts, nil
	}
	err := r.DB.SelectContext(ctx, &contacts,
		`SELECT `+contactColumns+` FROM contacts WHERE id = ANY($1) ORDER BY id`, pq.Array(ids))
	return contacts, err
}

var _ ContactRepositoryInterface = (*ContactRepository)(nil)

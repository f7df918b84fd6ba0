package repository

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/unclebandit/crm-messaging/internal/model"
)

type AccountRepositoryInterface interface {
	ListActiveSalespeople(ctx context.Context) ([]*model.Account, error)
	// CountOpenAssigned counts active contacts owned by the account that are not in a closed stage.
	CountOpenAssigned(ctx context.Context, accountID int64) (int, error)
}

type AccountRepository struct {
	DB *sqlx.DB
}

func (r *AccountRepository) ListActiveSalespeople(ctx context.Context) ([]*model.Account, error) {
	accounts := []*model.Account{}
	err := r.DB.SelectContext(ctx, &accounts, `
		SELECT id, username, display_name, role, active
		FROM accounts
		WHERE active AND role=$1`, model.RoleSalesperson)
	return accounts, err
}

func (r *AccountRepository) CountOpenAssigned(ctx context.Context, accountID int64) (int, error) {
	var n int
	err := r.DB.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM contacts
		WHERE owner_id=$1 AND active AND NOT (stage = ANY($2))`, accountID, pq.Array(model.ClosedStages))
	return n, err
}

var _ AccountRepositoryInterface = (*AccountRepository)(nil)

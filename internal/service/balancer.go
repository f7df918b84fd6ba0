package service

import (
	"context"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/unclebandit/crm-messaging/internal/model"
	"github.com/unclebandit/crm-messaging/internal/repository"
)

const balancerConcurrency = 8

// Balancer assigns new contacts to the salesperson with the fewest open contacts.
type Balancer struct {
	accounts repository.AccountRepositoryInterface
	log      *zap.Logger
}

func NewBalancer(accounts repository.AccountRepositoryInterface, log *zap.Logger) *Balancer {
	return &Balancer{accounts: accounts, log: log.Named("balancer")}
}

type accountLoad struct {
	account *model.Account
	count   int
}

// Pick returns the least loaded active salesperson, ties broken by display name.
// A nil account with a nil error means the pool is empty and assignment is deferred.
func (b *Balancer) Pick(ctx context.Context) (*model.Account, error) {
	accounts, err := b.accounts.ListActiveSalespeople(ctx)
	if err != nil {
		return nil, err
	}
	if len(accounts) == 0 {
		b.log.Warn("no active salespeople, assignment deferred")
		return nil, nil
	}

	loads := make([]accountLoad, len(accounts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(balancerConcurrency)
	for i, acc := range accounts {
		i, acc := i, acc
		g.Go(func() error {
			n, err := b.accounts.CountOpenAssigned(gctx, acc.ID)
			if err != nil {
				return err
			}
			loads[i] = accountLoad{account: acc, count: n}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(loads, func(i, j int) bool {
		if loads[i].count != loads[j].count {
			return loads[i].count < loads[j].count
		}
		return loads[i].account.DisplayName < loads[j].account.DisplayName
	})
	chosen := loads[0]
	b.log.Debug("salesperson picked",
		zap.Int64("account_id", chosen.account.ID), zap.Int("open_contacts", chosen.count))
	return chosen.account, nil
}

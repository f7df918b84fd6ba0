package memstore

import (
	"context"
	"slices"
	"sort"
	"time"

	appErrors "github.com/unclebandit/crm-messaging/internal/errors"
	"github.com/unclebandit/crm-messaging/internal/model"
)

type contactRepo struct{ s *Store }

func (r *contactRepo) GetByID(_ context.Context, id int64) (*model.Contact, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.contacts[id]
	if !ok {
		return nil, appErrors.NewContactNotFound(id)
	}
	cp := *c
	return &cp, nil
}

func (r *contactRepo) FindByPhone(_ context.Context, phone string) (*model.Contact, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var best *model.Contact
	for _, c := range r.s.contacts {
		if c.Phone != phone && (c.WhatsAppPhone == nil || *c.WhatsAppPhone != phone) {
			continue
		}
		if best == nil || (c.Active && !best.Active) || (c.Active == best.Active && c.ID < best.ID) {
			best = c
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func (r *contactRepo) Create(_ context.Context, c *model.Contact) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	now := time.Now()
	c.ID = r.s.nextID()
	c.CreatedAt = now
	c.UpdatedAt = now
	if c.Stage == "" {
		c.Stage = model.StageNew
	}
	cp := *c
	r.s.contacts[c.ID] = &cp
	return nil
}

func (r *contactRepo) UpdateOwner(_ context.Context, id, ownerID int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.contacts[id]
	if !ok {
		return appErrors.NewContactNotFound(id)
	}
	c.OwnerID = &ownerID
	c.UpdatedAt = time.Now()
	return nil
}

func (r *contactRepo) UpdateStage(_ context.Context, id int64, stage string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.contacts[id]
	if !ok {
		return appErrors.NewContactNotFound(id)
	}
	c.Stage = stage
	c.UpdatedAt = time.Now()
	return nil
}

func (r *contactRepo) ListActive(_ context.Context) ([]*model.Contact, error) {
	return r.list(func(c *model.Contact) bool { return c.Active }), nil
}

func (r *contactRepo) ListActiveByProject(_ context.Context, projectID int64) ([]*model.Contact, error) {
	return r.list(func(c *model.Contact) bool {
		return c.Active && c.ProjectID != nil && *c.ProjectID == projectID
	}), nil
}

func (r *contactRepo) ListByIDs(_ context.Context, ids []int64) ([]*model.Contact, error) {
	return r.list(func(c *model.Contact) bool { return slices.Contains(ids, c.ID) }), nil
}

func (r *contactRepo) list(keep func(*model.Contact) bool) []*model.Contact {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := []*model.Contact{}
	for _, c := range r.s.contacts {
		if keep(c) {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type accountRepo struct{ s *Store }

func (r *accountRepo) ListActiveSalespeople(_ context.Context) ([]*model.Account, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := []*model.Account{}
	for _, a := range r.s.accounts {
		if a.Active && a.Role == model.RoleSalesperson {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *accountRepo) CountOpenAssigned(_ context.Context, accountID int64) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n := 0
	for _, c := range r.s.contacts {
		if c.Active && c.OwnerID != nil && *c.OwnerID == accountID && !slices.Contains(model.ClosedStages, c.Stage) {
			n++
		}
	}
	return n, nil
}

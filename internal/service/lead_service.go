package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/unclebandit/crm-messaging/internal/clock"
	"github.com/unclebandit/crm-messaging/internal/model"
	"github.com/unclebandit/crm-messaging/internal/queue"
	"github.com/unclebandit/crm-messaging/internal/repository"
)

// LeadInput is an intake request from a form, ad or operator.
type LeadInput struct {
	Name          string           `json:"name"`
	Phone         string           `json:"phone"`
	WhatsAppPhone string           `json:"whatsapp_phone,omitempty"`
	Email         string           `json:"email,omitempty"`
	ProjectID     *int64           `json:"project_id,omitempty"`
	OwnerID       *int64           `json:"owner_id,omitempty"`
	Source        string           `json:"source,omitempty"`
	Attributes    model.Attributes `json:"attributes,omitempty"`
}

// LeadService creates contacts and announces them on the event bus.
type LeadService struct {
	contacts repository.ContactRepositoryInterface
	balancer *Balancer
	bus      queue.Bus
	clock    clock.Clock
	region   string
	log      *zap.Logger
}

func NewLeadService(
	contacts repository.ContactRepositoryInterface,
	balancer *Balancer,
	bus queue.Bus,
	clk clock.Clock,
	region string,
	log *zap.Logger,
) *LeadService {
	return &LeadService{
		contacts: contacts,
		balancer: balancer,
		bus:      bus,
		clock:    clk,
		region:   region,
		log:      log.Named("leads"),
	}
}

// CreateLead stores a new contact. An existing contact with the same phone is
// returned unchanged with created=false.
func (s *LeadService) CreateLead(ctx context.Context, in LeadInput) (contact *model.Contact, created bool, err error) {
	phone, err := NormalizePhone(in.Phone, s.region)
	if err != nil {
		return nil, false, err
	}
	existing, err := s.contacts.FindByPhone(ctx, phone)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		s.log.Info("lead already exists", zap.Int64("contact_id", existing.ID), zap.String("phone", phone))
		return existing, false, nil
	}

	contact = &model.Contact{
		Name:      in.Name,
		Phone:     phone,
		ProjectID: in.ProjectID,
		OwnerID:   in.OwnerID,
		Stage:     model.StageNew,
		Source:    in.Source,
		Active:    true,
	}
	if contact.Source == "" {
		contact.Source = "web"
	}
	if in.WhatsAppPhone != "" {
		wa, err := NormalizePhone(in.WhatsAppPhone, s.region)
		if err != nil {
			return nil, false, err
		}
		contact.WhatsAppPhone = &wa
	}
	if in.Email != "" {
		email := in.Email
		contact.Email = &email
	}

	if contact.OwnerID == nil {
		acc, err := s.balancer.Pick(ctx)
		switch {
		case err != nil:
			s.log.Warn("owner assignment failed, leaving lead unassigned", zap.Error(err))
		case acc != nil:
			contact.OwnerID = &acc.ID
		}
	}

	if err := s.contacts.Create(ctx, contact); err != nil {
		return nil, false, err
	}
	s.log.Info("lead created", zap.Int64("contact_id", contact.ID), zap.String("phone", phone))

	s.publish(ctx, contact, in.Attributes)
	return contact, true, nil
}

func (s *LeadService) publish(ctx context.Context, c *model.Contact, extra model.Attributes) {
	attrs := model.Attributes{}
	for k, v := range extra {
		attrs[k] = v
	}
	attrs["source"] = c.Source
	attrs["stage"] = c.Stage
	if c.ProjectID != nil {
		attrs["project_id"] = *c.ProjectID
	}
	if c.OwnerID != nil {
		attrs["owner_id"] = *c.OwnerID
	}

	id := c.ID
	err := s.bus.Publish(ctx, model.DomainEvent{
		Name:       model.EventLeadCreated,
		ContactID:  &id,
		Phone:      c.PreferredPhone(),
		Attributes: attrs,
		OccurredAt: s.clock.Now(),
	})
	if err != nil && !errors.Is(err, queue.ErrNoSubscribers) {
		s.log.Warn("publishing lead.created failed", zap.Int64("contact_id", c.ID), zap.Error(err))
	}
}

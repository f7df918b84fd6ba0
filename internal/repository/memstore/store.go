// Package memstore keeps every repository in process memory. It backs DB_DRIVER=memory
// and the service, webhook and controller tests.
package memstore

import (
	"sort"
	"sync"
	"time"

	"github.com/unclebandit/crm-messaging/internal/model"
	"github.com/unclebandit/crm-messaging/internal/repository"
)

type Store struct {
	mu sync.Mutex

	seq           int64
	contacts      map[int64]*model.Contact
	accounts      map[int64]*model.Account
	conversations map[int64]*model.Conversation
	messages      map[int64]*model.Message
	campaigns     map[int64]*model.Campaign
	templates     map[int64]*model.Template
	rules         map[int64]*model.AutomationRule
	runs          map[int64]*model.AutomationRun
	credentials   map[model.Provider]*model.ChannelCredential
	events        []*model.EventLog
}

func New() *Store {
	return &Store{
		contacts:      map[int64]*model.Contact{},
		accounts:      map[int64]*model.Account{},
		conversations: map[int64]*model.Conversation{},
		messages:      map[int64]*model.Message{},
		campaigns:     map[int64]*model.Campaign{},
		templates:     map[int64]*model.Template{},
		rules:         map[int64]*model.AutomationRule{},
		runs:          map[int64]*model.AutomationRun{},
		credentials:   map[model.Provider]*model.ChannelCredential{},
	}
}

// nextID must be called with mu held.
func (s *Store) nextID() int64 {
	s.seq++
	return s.seq
}

// reserve keeps explicit seed ids ahead of the sequence. mu must be held.
func (s *Store) reserve(id int64) int64 {
	if id == 0 {
		return s.nextID()
	}
	if id > s.seq {
		s.seq = id
	}
	return id
}

func (s *Store) Contacts() repository.ContactRepositoryInterface           { return &contactRepo{s} }
func (s *Store) Accounts() repository.AccountRepositoryInterface           { return &accountRepo{s} }
func (s *Store) Conversations() repository.ConversationRepositoryInterface { return &conversationRepo{s} }
func (s *Store) Messages() repository.MessageRepositoryInterface           { return &messageRepo{s} }
func (s *Store) Campaigns() repository.CampaignRepositoryInterface         { return &campaignRepo{s} }
func (s *Store) Templates() repository.TemplateRepositoryInterface         { return &templateRepo{s} }
func (s *Store) Automation() repository.AutomationRepositoryInterface      { return &automationRepo{s} }
func (s *Store) EventLogs() repository.EventLogRepositoryInterface         { return &eventLogRepo{s} }
func (s *Store) Credentials() repository.CredentialRepositoryInterface     { return &credentialRepo{s} }

// ---- seeding and inspection helpers ----

func (s *Store) AddAccount(a model.Account) *model.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	a.ID = s.reserve(a.ID)
	s.accounts[a.ID] = &a
	cp := a
	return &cp
}

func (s *Store) AddContact(c model.Contact) *model.Contact {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.ID = s.reserve(c.ID)
	if c.Stage == "" {
		c.Stage = model.StageNew
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	s.contacts[c.ID] = &c
	cp := c
	return &cp
}

func (s *Store) AddTemplate(t model.Template) *model.Template {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.ID = s.reserve(t.ID)
	s.templates[t.ID] = &t
	cp := t
	return &cp
}

func (s *Store) AddCampaign(c model.Campaign) *model.Campaign {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.ID = s.reserve(c.ID)
	if c.Status == "" {
		c.Status = model.CampaignDraft
	}
	s.campaigns[c.ID] = &c
	cp := c
	return &cp
}

func (s *Store) AddRule(r model.AutomationRule) *model.AutomationRule {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.ID = s.reserve(r.ID)
	s.rules[r.ID] = &r
	cp := r
	return &cp
}

func (s *Store) AddCredential(c model.ChannelCredential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credentials[c.Provider] = &c
}

// AllMessages returns every stored message ordered by id.
func (s *Store) AllMessages() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Message, 0, len(s.messages))
	for _, m := range s.messages {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) AllConversations() []model.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) AllEventLogs() []model.EventLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.EventLog, len(s.events))
	for i, e := range s.events {
		out[i] = *e
	}
	return out
}

func (s *Store) AllRuns() []model.AutomationRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.AutomationRun, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Rule returns the stored rule, or nil.
func (s *Store) Rule(id int64) *model.AutomationRule {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rules[id]; ok {
		cp := *r
		return &cp
	}
	return nil
}

package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	appErrors "github.com/unclebandit/crm-messaging/internal/errors"
	"github.com/unclebandit/crm-messaging/internal/model"
)

// MockCall is one recorded send.
type MockCall struct {
	Request SendRequest
	At      time.Time
}

// MockSender records sends instead of calling a provider. It backs GATEWAY_DRY_RUN and tests.
type MockSender struct {
	mu       sync.Mutex
	provider model.Provider
	calls    []MockCall
	seq      int

	// Now stamps recorded calls; defaults to time.Now.
	Now func() time.Time
	// FailFor makes sends to the given phone fail with the error.
	FailFor map[string]error
	// FailNext fails the next N sends with a temporary gateway error.
	FailNext int
	// NotReady is returned from Ready when set.
	NotReady error
}

func NewMockSender(provider model.Provider) *MockSender {
	return &MockSender{provider: provider, FailFor: map[string]error{}}
}

func (m *MockSender) Provider() model.Provider { return m.provider }

func (m *MockSender) Ready(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.NotReady
}

func (m *MockSender) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now
	if m.Now != nil {
		now = m.Now
	}
	m.calls = append(m.calls, MockCall{Request: req, At: now()})

	if err, ok := m.FailFor[req.To]; ok {
		return nil, err
	}
	if m.FailNext > 0 {
		m.FailNext--
		return nil, &appErrors.GatewayError{Code: "mock", Message: "mock sending failed", Temporary: true}
	}

	m.seq++
	return &SendResult{
		ExternalID: fmt.Sprintf("%s-mock-%d", m.provider, m.seq),
		Status:     model.StatusSent,
	}, nil
}

func (m *MockSender) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockCall, len(m.calls))
	copy(out, m.calls)
	return out
}

var _ Sender = (*MockSender)(nil)

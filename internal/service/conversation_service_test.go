package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/crm-messaging/internal/errors"
	"github.com/unclebandit/crm-messaging/internal/model"
	"github.com/unclebandit/crm-messaging/internal/service"
)

// noLocker leaves get-or-open to the unique OPEN constraint alone.
type noLocker struct{}

func (noLocker) Lock(context.Context, string) (func(), error) { return func() {}, nil }

func concurrentOpen(t *testing.T, svc *service.ConversationService, phone string, n int) []int64 {
	t.Helper()
	ids := make([]int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conv, err := svc.GetOrOpen(context.Background(), phone, nil)
			if assert.NoError(t, err) {
				ids[i] = conv.ID
			}
		}(i)
	}
	wg.Wait()
	return ids
}

func openCount(convs []model.Conversation, phone string) int {
	n := 0
	for _, c := range convs {
		if c.Phone == phone && c.State == model.ConversationOpen {
			n++
		}
	}
	return n
}

func TestGetOrOpenConcurrentCallersShareOneConversation(t *testing.T) {
	h := newHarness(t)
	ids := concurrentOpen(t, h.conversations, "+51999999999", 25)

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, 1, openCount(h.store.AllConversations(), "+51999999999"))
}

func TestGetOrOpenWithoutLockStillSingleOpen(t *testing.T) {
	h := newHarness(t)
	svc := service.NewConversationService(h.store.Conversations(), h.store.Messages(), noLocker{}, h.clock, zap.NewNop())
	ids := concurrentOpen(t, svc, "+51988888888", 25)

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, 1, openCount(h.store.AllConversations(), "+51988888888"))
}

func TestGetOrOpenAttachesContact(t *testing.T) {
	h := newHarness(t)
	c := h.store.AddContact(model.Contact{Name: "Ana", Phone: "+51999999999", OwnerID: ptr(int64(7)), Active: true})

	conv, err := h.conversations.GetOrOpen(context.Background(), c.Phone, c)
	require.NoError(t, err)
	require.NotNil(t, conv.ContactID)
	assert.Equal(t, c.ID, *conv.ContactID)
	require.NotNil(t, conv.OwnerID)
	assert.Equal(t, int64(7), *conv.OwnerID)
}

func TestRecordInboundOpensSessionWindow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conv, err := h.conversations.GetOrOpen(ctx, "+51999999999", nil)
	require.NoError(t, err)
	assert.False(t, conv.SessionActive(h.clock.Now()))

	require.NoError(t, h.conversations.RecordInbound(ctx, conv.ID, h.clock.Now()))

	conv, err = h.conversations.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.True(t, conv.IsSessionOpen)
	assert.Equal(t, 1, conv.InboundCount)
	assert.True(t, conv.SessionActive(h.clock.Now().Add(23*time.Hour)))
	assert.False(t, conv.SessionActive(h.clock.Now().Add(25*time.Hour)))
}

func TestCloseAndArchive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conv, err := h.conversations.GetOrOpen(ctx, "+51999999999", nil)
	require.NoError(t, err)

	closed, err := h.conversations.Close(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ConversationClosed, closed.State)

	// closing twice is harmless
	_, err = h.conversations.Close(ctx, conv.ID)
	require.NoError(t, err)

	next, err := h.conversations.GetOrOpen(ctx, "+51999999999", nil)
	require.NoError(t, err)
	assert.NotEqual(t, conv.ID, next.ID)

	archived, err := h.conversations.Archive(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ConversationArchived, archived.State)

	_, err = h.conversations.Close(ctx, conv.ID)
	assert.ErrorIs(t, err, appErrors.ErrStaleState)

	_, err = h.conversations.Close(ctx, 9999)
	assert.True(t, appErrors.IsNotFound(err))
}

func TestOutboundChoosesKindFromSessionWindow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	free := h.store.AddTemplate(model.Template{Name: "libre", Body: "Hola {{nombre}}", Language: "es", Active: true})

	// no inbound yet: template kind, and this template has no provider counterpart
	msg, err := h.outbound.Send(ctx, service.OutboundRequest{
		Phone: "+51999999999", Template: free, Variables: model.Variables{"nombre": "Ana"},
	})
	assert.ErrorIs(t, err, appErrors.ErrSessionWindowClosed)
	require.NotNil(t, msg)
	assert.Equal(t, model.StatusFailed, h.message(t, msg.ID).Status)
	assert.Empty(t, h.sender.Calls())

	conv, err := h.conversations.GetOrOpen(ctx, "+51999999999", nil)
	require.NoError(t, err)
	require.NoError(t, h.conversations.RecordInbound(ctx, conv.ID, h.clock.Now()))

	msg, err = h.outbound.Send(ctx, service.OutboundRequest{
		Phone: "+51999999999", Template: free, Variables: model.Variables{"nombre": "Ana"},
	})
	require.NoError(t, err)
	assert.Equal(t, model.KindSession, msg.Kind)
	assert.Equal(t, model.StatusSent, h.message(t, msg.ID).Status)

	calls := h.sender.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "Hola Ana", calls[0].Request.Body)

	conv, err = h.conversations.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, conv.OutboundCount)
}

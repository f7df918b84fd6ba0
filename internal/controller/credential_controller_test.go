package controller_test

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/crm-messaging/internal/model"
)

func TestRotateCredentialRefreshesCache(t *testing.T) {
	a := newAPI(t)
	ctx := context.Background()
	a.store.AddCredential(model.ChannelCredential{
		Provider:  model.ProviderCloudAPI,
		AccountID: "1001",
		AuthToken: "old-token",
		Active:    true,
	})

	cached, err := a.creds.Get(ctx, model.ProviderCloudAPI)
	require.NoError(t, err)
	assert.Equal(t, "old-token", cached.AuthToken)

	w := a.do(t, http.MethodPut, "/credentials/cloudapi", map[string]string{
		"account_id": "1001",
		"auth_token": "new-token",
	})
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "1001", body["account_id"])
	assert.Equal(t, true, body["active"])
	assert.NotContains(t, w.Body.String(), "new-token")

	cached, err = a.creds.Get(ctx, model.ProviderCloudAPI)
	require.NoError(t, err)
	assert.Equal(t, "new-token", cached.AuthToken)
}

func TestRotateCredentialValidation(t *testing.T) {
	a := newAPI(t)

	w := a.do(t, http.MethodPut, "/credentials/carrier-pigeon", map[string]string{
		"account_id": "1", "auth_token": "t",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = a.do(t, http.MethodPut, "/credentials/aggregator", map[string]string{"account_id": "AC1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	cred, err := a.store.Credentials().GetActive(context.Background(), model.ProviderAggregator)
	require.NoError(t, err)
	assert.Nil(t, cred)
}

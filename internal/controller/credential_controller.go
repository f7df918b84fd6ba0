// internal/controller/credential_controller.go
package controller

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/unclebandit/crm-messaging/internal/gateway"
	"github.com/unclebandit/crm-messaging/internal/model"
)

type CredentialController struct {
	Credentials *gateway.CredentialStore
}

type credentialInput struct {
	AccountID    string `json:"account_id"`
	AuthToken    string `json:"auth_token"`
	SenderNumber string `json:"sender_number"`
	SMSNumber    string `json:"sms_number"`
}

// RotateCredential replaces the active credential of the provider in the URL.
func (c *CredentialController) RotateCredential(w http.ResponseWriter, r *http.Request) {
	var in credentialInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, fmt.Errorf("%w: invalid body: %v", errBadRequest, err))
		return
	}
	cred := &model.ChannelCredential{
		Provider:     model.Provider(chi.URLParam(r, "provider")),
		AccountID:    in.AccountID,
		AuthToken:    in.AuthToken,
		SenderNumber: in.SenderNumber,
		SMSNumber:    in.SMSNumber,
	}
	if err := c.Credentials.Rotate(r.Context(), cred); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cred)
}

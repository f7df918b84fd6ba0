// internal/controller/campaign_controller.go
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/unclebandit/crm-messaging/internal/model"
	"github.com/unclebandit/crm-messaging/internal/service"
)

type CampaignController struct {
	CampaignService *service.CampaignService
	Log             *zap.Logger
}

type executeRequest struct {
	CampaignID              *int64                 `json:"campaignId,omitempty"`
	RecipientFilterOverride *model.RecipientFilter `json:"recipientFilterOverride,omitempty"`
	Channel                 model.Channel          `json:"channel,omitempty"`
}

// ExecuteCampaign runs the campaign to completion or pause and returns the tallies.
// The run is detached from the request context so a dropped client does not abort it.
func (c *CampaignController) ExecuteCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var body executeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, fmt.Errorf("%w: invalid body: %v", errBadRequest, err))
		return
	}
	if body.CampaignID != nil && *body.CampaignID != id {
		writeError(w, fmt.Errorf("%w: campaignId does not match path", errBadRequest))
		return
	}
	switch body.Channel {
	case "", model.ChannelWhatsApp, model.ChannelSMS:
	default:
		writeError(w, fmt.Errorf("%w: unsupported channel %q", errBadRequest, body.Channel))
		return
	}

	result, err := c.CampaignService.Execute(context.WithoutCancel(r.Context()), id, service.ExecuteOptions{
		FilterOverride: body.RecipientFilterOverride,
		Channel:        body.Channel,
	})
	if err != nil {
		c.Log.Warn("campaign execution refused", zap.Int64("campaign_id", id), zap.Error(err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (c *CampaignController) PauseCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := c.CampaignService.Pause(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"campaign_id": id, "status": model.CampaignPaused})
}

func (c *CampaignController) GetCampaignDetails(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	details, err := c.CampaignService.GetCampaignDetailsWithStats(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, details)
}

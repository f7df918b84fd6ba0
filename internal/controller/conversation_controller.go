// internal/controller/conversation_controller.go
package controller

import (
	"net/http"

	"github.com/unclebandit/crm-messaging/internal/service"
)

type ConversationController struct {
	Conversations *service.ConversationService
}

func (c *ConversationController) CloseConversation(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	conv, err := c.Conversations.Close(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

type AutomationController struct {
	Automation *service.AutomationService
}

func (c *AutomationController) CancelRun(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	run, err := c.Automation.Cancel(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// internal/controller/lead_controller.go
package controller

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/unclebandit/crm-messaging/internal/service"
)

type LeadController struct {
	LeadService *service.LeadService
}

func (c *LeadController) CreateLead(w http.ResponseWriter, r *http.Request) {
	var in service.LeadInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, fmt.Errorf("%w: invalid body: %v", errBadRequest, err))
		return
	}
	if in.Name == "" || in.Phone == "" {
		writeError(w, fmt.Errorf("%w: name and phone are required", errBadRequest))
		return
	}

	contact, created, err := c.LeadService.CreateLead(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]interface{}{"contact": contact, "created": created})
}

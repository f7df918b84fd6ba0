// internal/service/template_service.go
package service

import (
	"regexp"
	"strings"

	"github.com/unclebandit/crm-messaging/internal/model"
)

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.]+)\s*\}\}`)

// RenderTemplate substitutes {{key}} placeholders. Unknown keys are left untouched.
func RenderTemplate(template string, data model.Variables) string {
	return placeholder.ReplaceAllStringFunc(template, func(m string) string {
		key := strings.TrimSpace(m[2 : len(m)-2])
		if v, ok := data[key]; ok {
			return v
		}
		return m
	})
}

// MergeVariables layers the given sets left to right; later keys win.
func MergeVariables(sets ...model.Variables) model.Variables {
	out := model.Variables{}
	for _, set := range sets {
		for k, v := range set {
			out[k] = v
		}
	}
	return out
}

package webhook

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/unclebandit/crm-messaging/internal/model"
)

type cloudPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		ID      string `json:"id"`
		Changes []struct {
			Field string     `json:"field"`
			Value cloudValue `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type cloudValue struct {
	MessagingProduct string `json:"messaging_product"`
	Metadata         struct {
		DisplayPhoneNumber string `json:"display_phone_number"`
		PhoneNumberID      string `json:"phone_number_id"`
	} `json:"metadata"`
	Messages []cloudMessage `json:"messages"`
	Statuses []cloudStatus  `json:"statuses"`
}

type cloudMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
	Button *struct {
		Text string `json:"text"`
	} `json:"button"`
	Interactive *struct {
		Type        string `json:"type"`
		ButtonReply *struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"button_reply"`
		ListReply *struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"list_reply"`
	} `json:"interactive"`
	Image *struct {
		Caption string `json:"caption"`
	} `json:"image"`
}

type cloudStatus struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	RecipientID string `json:"recipient_id"`
	Errors      []struct {
		Code    int    `json:"code"`
		Title   string `json:"title"`
		Message string `json:"message"`
	} `json:"errors"`
}

var cloudStatuses = map[string]model.MessageStatus{
	"sent":      model.StatusSent,
	"delivered": model.StatusDelivered,
	"read":      model.StatusRead,
	"failed":    model.StatusFailed,
}

// ParseCloudAPI flattens entry[].changes[].value.{messages,statuses}.
func ParseCloudAPI(body []byte) (envs []Envelope, ignored []string, err error) {
	var p cloudPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, nil, fmt.Errorf("decode cloud api payload: %w", err)
	}

	for _, entry := range p.Entry {
		for _, change := range entry.Changes {
			for _, m := range change.Value.Messages {
				if m.ID == "" {
					continue
				}
				envs = append(envs, Envelope{
					Kind:       KindInbound,
					Provider:   model.ProviderCloudAPI,
					Channel:    model.ChannelWhatsApp,
					ExternalID: m.ID,
					Phone:      international(m.From),
					Body:       messageText(m),
					Timestamp:  epoch(m.Timestamp),
				})
			}
			for _, s := range change.Value.Statuses {
				status, ok := cloudStatuses[s.Status]
				if !ok || s.ID == "" {
					ignored = append(ignored, s.Status)
					continue
				}
				env := Envelope{
					Kind:       KindStatus,
					Provider:   model.ProviderCloudAPI,
					Channel:    model.ChannelWhatsApp,
					ExternalID: s.ID,
					Phone:      international(s.RecipientID),
					Status:     status,
					Timestamp:  epoch(s.Timestamp),
				}
				if status == model.StatusFailed {
					env.Error = &model.ErrorInfo{Message: "unknown error"}
					if len(s.Errors) > 0 {
						e := s.Errors[0]
						env.Error.Code = strconv.Itoa(e.Code)
						env.Error.Message = e.Title
						if env.Error.Message == "" {
							env.Error.Message = e.Message
						}
					}
				}
				envs = append(envs, env)
			}
		}
	}
	return envs, ignored, nil
}

func messageText(m cloudMessage) string {
	switch {
	case m.Text != nil:
		return m.Text.Body
	case m.Button != nil:
		return m.Button.Text
	case m.Interactive != nil && m.Interactive.ButtonReply != nil:
		return m.Interactive.ButtonReply.Title
	case m.Interactive != nil && m.Interactive.ListReply != nil:
		return m.Interactive.ListReply.Title
	case m.Image != nil && m.Image.Caption != "":
		return m.Image.Caption
	}
	return "[" + m.Type + "]"
}

// international prefixes the bare digits the Cloud API sends with "+".
func international(waID string) string {
	if waID == "" || strings.HasPrefix(waID, "+") {
		return waID
	}
	return "+" + waID
}

func epoch(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

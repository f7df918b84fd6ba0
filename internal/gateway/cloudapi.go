package gateway

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/crm-messaging/internal/errors"
	"github.com/unclebandit/crm-messaging/internal/model"
)

// CloudAPIClient sends WhatsApp messages through the Graph-style Cloud API.
type CloudAPIClient struct {
	http    *resty.Client
	version string
	creds   *CredentialCache
	log     *zap.Logger
}

func NewCloudAPIClient(baseURL, version string, timeout time.Duration, creds *CredentialCache, log *zap.Logger) *CloudAPIClient {
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetHeader("Content-Type", "application/json").
		SetTimeout(timeout)

	return &CloudAPIClient{http: client, version: version, creds: creds, log: log.Named("cloudapi")}
}

func (c *CloudAPIClient) Provider() model.Provider { return model.ProviderCloudAPI }

func (c *CloudAPIClient) Ready(ctx context.Context) error {
	cred, err := c.creds.Get(ctx, model.ProviderCloudAPI)
	if err != nil {
		return err
	}
	if !cred.Complete() {
		return fmt.Errorf("%w: cloud api phone number id or access token missing", appErrors.ErrGatewayNotConfigured)
	}
	return nil
}

type cloudTemplateParam struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type cloudTemplateComponent struct {
	Type       string               `json:"type"`
	Parameters []cloudTemplateParam `json:"parameters"`
}

type cloudTemplate struct {
	Name       string                   `json:"name"`
	Language   map[string]string        `json:"language"`
	Components []cloudTemplateComponent `json:"components,omitempty"`
}

type cloudText struct {
	PreviewURL bool   `json:"preview_url"`
	Body       string `json:"body"`
}

type cloudSendRequest struct {
	MessagingProduct string         `json:"messaging_product"`
	RecipientType    string         `json:"recipient_type"`
	To               string         `json:"to"`
	Type             string         `json:"type"`
	Text             *cloudText     `json:"text,omitempty"`
	Template         *cloudTemplate `json:"template,omitempty"`
}

type cloudSendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

type cloudErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func (c *CloudAPIClient) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	cred, err := c.creds.Get(ctx, model.ProviderCloudAPI)
	if err != nil {
		return nil, err
	}
	if !cred.Complete() {
		return nil, appErrors.ErrGatewayNotConfigured
	}

	payload := cloudSendRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               strings.TrimPrefix(req.To, "+"),
	}
	if req.Kind == model.KindTemplate {
		if req.ProviderTemplate == "" {
			return nil, appErrors.ErrSessionWindowClosed
		}
		lang := req.Language
		if lang == "" {
			lang = "es"
		}
		tpl := &cloudTemplate{Name: req.ProviderTemplate, Language: map[string]string{"code": lang}}
		if params := positionalParams(req.Variables); len(params) > 0 {
			comp := cloudTemplateComponent{Type: "body"}
			for _, p := range params {
				comp.Parameters = append(comp.Parameters, cloudTemplateParam{Type: "text", Text: p})
			}
			tpl.Components = []cloudTemplateComponent{comp}
		}
		payload.Type = "template"
		payload.Template = tpl
	} else {
		payload.Type = "text"
		payload.Text = &cloudText{PreviewURL: true, Body: req.Body}
	}

	url := fmt.Sprintf("/%s/%s/messages", c.version, cred.AccountID)
	var out cloudSendResponse
	var apiErr cloudErrorResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(cred.AuthToken).
		SetBody(payload).
		SetResult(&out).
		SetError(&apiErr).
		Post(url)
	if err != nil {
		c.log.Warn("cloud api request failed", zap.String("to", req.To), zap.Error(err))
		return nil, &appErrors.GatewayError{Code: "transport", Message: err.Error(), Temporary: !errors.Is(err, context.Canceled)}
	}
	if resp.IsError() {
		code := strconv.Itoa(apiErr.Error.Code)
		if apiErr.Error.Code == 0 {
			code = strconv.Itoa(resp.StatusCode())
		}
		msg := apiErr.Error.Message
		if msg == "" {
			msg = resp.Status()
		}
		c.log.Warn("cloud api rejected message",
			zap.String("to", req.To), zap.Int("status", resp.StatusCode()), zap.String("code", code), zap.String("error", msg))
		return nil, &appErrors.GatewayError{Code: code, Message: msg, Temporary: temporaryStatus(resp.StatusCode())}
	}
	if len(out.Messages) == 0 || out.Messages[0].ID == "" {
		return nil, &appErrors.GatewayError{Code: "empty_response", Message: "cloud api returned no message id"}
	}
	return &SendResult{ExternalID: out.Messages[0].ID, Status: model.StatusSent}, nil
}

var _ Sender = (*CloudAPIClient)(nil)

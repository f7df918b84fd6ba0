package gateway

import (
	"context"
	"encoding/json"
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

// AggregatorClient sends WhatsApp and SMS through a Twilio-style REST API.
type AggregatorClient struct {
	http  *resty.Client
	creds *CredentialCache
	log   *zap.Logger
	// StatusCallback is passed on each send so delivery updates reach our webhook.
	StatusCallback string
}

func NewAggregatorClient(baseURL string, timeout time.Duration, creds *CredentialCache, log *zap.Logger) *AggregatorClient {
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout)

	return &AggregatorClient{http: client, creds: creds, log: log.Named("aggregator")}
}

func (c *AggregatorClient) Provider() model.Provider { return model.ProviderAggregator }

func (c *AggregatorClient) Ready(ctx context.Context) error {
	cred, err := c.creds.Get(ctx, model.ProviderAggregator)
	if err != nil {
		return err
	}
	if !cred.Complete() {
		return fmt.Errorf("%w: aggregator account sid or auth token missing", appErrors.ErrGatewayNotConfigured)
	}
	if cred.SenderNumber == "" && cred.SMSNumber == "" {
		return fmt.Errorf("%w: aggregator sender number missing", appErrors.ErrGatewayNotConfigured)
	}
	return nil
}

type aggregatorMessage struct {
	SID          string  `json:"sid"`
	Status       string  `json:"status"`
	ErrorCode    *int    `json:"error_code"`
	ErrorMessage *string `json:"error_message"`
}

type aggregatorError struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	Status   int    `json:"status"`
	MoreInfo string `json:"more_info"`
}

func (c *AggregatorClient) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	cred, err := c.creds.Get(ctx, model.ProviderAggregator)
	if err != nil {
		return nil, err
	}
	if !cred.Complete() {
		return nil, appErrors.ErrGatewayNotConfigured
	}

	from, to := cred.SMSNumber, req.To
	if req.Channel != model.ChannelSMS {
		from = withWhatsAppPrefix(cred.SenderNumber)
		to = withWhatsAppPrefix(req.To)
	}
	if from == "" || from == "whatsapp:" {
		return nil, fmt.Errorf("%w: no sender number for %s", appErrors.ErrGatewayNotConfigured, req.Channel)
	}

	form := map[string]string{"From": from, "To": to}
	if req.Kind == model.KindTemplate && req.ProviderTemplate != "" {
		form["ContentSid"] = req.ProviderTemplate
		if len(req.Variables) > 0 {
			vars, err := json.Marshal(req.Variables)
			if err != nil {
				return nil, err
			}
			form["ContentVariables"] = string(vars)
		}
	} else {
		form["Body"] = req.Body
	}
	if c.StatusCallback != "" {
		form["StatusCallback"] = c.StatusCallback
	}

	var out aggregatorMessage
	var apiErr aggregatorError
	resp, err := c.http.R().
		SetContext(ctx).
		SetBasicAuth(cred.AccountID, cred.AuthToken).
		SetFormData(form).
		SetResult(&out).
		SetError(&apiErr).
		Post(fmt.Sprintf("/2010-04-01/Accounts/%s/Messages.json", cred.AccountID))
	if err != nil {
		c.log.Warn("aggregator request failed", zap.String("to", req.To), zap.Error(err))
		return nil, &appErrors.GatewayError{Code: "transport", Message: err.Error(), Temporary: !errors.Is(err, context.Canceled)}
	}
	if resp.IsError() {
		code := strconv.Itoa(apiErr.Code)
		if apiErr.Code == 0 {
			code = strconv.Itoa(resp.StatusCode())
		}
		msg := apiErr.Message
		if msg == "" {
			msg = resp.Status()
		}
		c.log.Warn("aggregator rejected message",
			zap.String("to", req.To), zap.Int("status", resp.StatusCode()), zap.String("code", code), zap.String("error", msg))
		return nil, &appErrors.GatewayError{Code: code, Message: msg, Temporary: temporaryStatus(resp.StatusCode())}
	}
	if out.ErrorCode != nil && *out.ErrorCode != 0 {
		msg := ""
		if out.ErrorMessage != nil {
			msg = *out.ErrorMessage
		}
		return nil, &appErrors.GatewayError{Code: strconv.Itoa(*out.ErrorCode), Message: msg}
	}

	return &SendResult{ExternalID: out.SID, Status: model.StatusSent}, nil
}

func withWhatsAppPrefix(n string) string {
	if n == "" || strings.HasPrefix(n, "whatsapp:") {
		return n
	}
	return "whatsapp:" + n
}

var _ Sender = (*AggregatorClient)(nil)

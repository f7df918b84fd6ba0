package webhook

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/crm-messaging/internal/errors"
)

const (
	AggregatorSignatureHeader = "X-Twilio-Signature"
	CloudAPISignatureHeader   = "X-Hub-Signature-256"
)

// AggregatorSignature is base64(HMAC-SHA1(token, url + k1v1 + k2v2 ...)) with keys sorted.
func AggregatorSignature(token, fullURL string, params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		vals := append([]string(nil), params[k]...)
		sort.Strings(vals)
		for _, v := range vals {
			b.WriteString(k)
			b.WriteString(v)
		}
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// CloudAPISignature is "sha256=" + hex(HMAC-SHA256(secret, body)).
func CloudAPISignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// SignaturePolicy decides whether a callback may be processed.
//
// With no secret configured an unsigned callback is accepted unless Strict is
// set. With a secret configured the header must be present and must match.
type SignaturePolicy struct {
	Strict bool
	Log    *zap.Logger
}

func (p SignaturePolicy) Check(provider, secret, header, expected string) error {
	if secret == "" {
		if p.Strict {
			p.Log.Error("webhook secret missing in strict mode", zap.String("provider", provider))
			return appErrors.ErrInvalidSignature
		}
		if header != "" {
			p.Log.Warn("signature received but no secret configured, skipping verification", zap.String("provider", provider))
		}
		return nil
	}
	if header == "" {
		p.Log.Warn("unsigned webhook rejected", zap.String("provider", provider))
		return appErrors.ErrInvalidSignature
	}
	if !hmac.Equal([]byte(header), []byte(expected)) {
		p.Log.Warn("webhook signature mismatch", zap.String("provider", provider))
		return appErrors.ErrInvalidSignature
	}
	return nil
}

package service

import (
	"fmt"
	"strings"

	"github.com/nyaruka/phonenumbers"

	appErrors "github.com/unclebandit/crm-messaging/internal/errors"
)

// NormalizePhone renders raw as E.164. National numbers are read in the
// default region; aggregator "whatsapp:" prefixes are dropped.
func NormalizePhone(raw, region string) (string, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "whatsapp:")
	if s == "" {
		return "", fmt.Errorf("%w: empty", appErrors.ErrInvalidPhone)
	}
	if strings.HasPrefix(s, "00") {
		s = "+" + s[2:]
	}

	num, err := phonenumbers.Parse(s, region)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", appErrors.ErrInvalidPhone, raw, err)
	}
	if !phonenumbers.IsPossibleNumber(num) {
		return "", fmt.Errorf("%w: %q", appErrors.ErrInvalidPhone, raw)
	}
	return phonenumbers.Format(num, phonenumbers.E164), nil
}

// Package phone canonicalises referrer contact numbers.
package phone

import (
	"strings"

	"github.com/nyaruka/phonenumbers"
	"github.com/partnerhub/api/pkg/domain"
)

// DefaultRegion is used when a number is given without a country prefix.
const DefaultRegion = "US"

// Normalize parses raw in region (DefaultRegion when empty) and returns it in
// E.164. Premium-rate and shared-cost numbers are rejected as contact numbers.
// All failures are validation errors.
func Normalize(raw, region string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", domain.NewValidationError("phone number cannot be empty")
	}
	if region == "" {
		region = DefaultRegion
	}

	parsed, err := phonenumbers.Parse(raw, strings.ToUpper(region))
	if err != nil || !phonenumbers.IsValidNumber(parsed) {
		return "", domain.NewValidationError("invalid phone number")
	}
	switch phonenumbers.GetNumberType(parsed) {
	case phonenumbers.PREMIUM_RATE, phonenumbers.SHARED_COST:
		return "", domain.NewValidationError("phone number cannot be premium-rate")
	}
	return phonenumbers.Format(parsed, phonenumbers.E164), nil
}

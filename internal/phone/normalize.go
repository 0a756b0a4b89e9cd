// Package phone normalizes phone numbers to E.164.
package phone

import (
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// DefaultRegion is used for numbers written without a country code.
const DefaultRegion = "US"

// NormalizeE164 parses input in region and formats it as E.164. The second
// return is false when input is empty, unparsable, or not a valid number.
func NormalizeE164(input, region string) (string, bool) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return "", false
	}
	if region == "" {
		region = DefaultRegion
	}

	number, err := phonenumbers.Parse(trimmed, region)
	if err != nil {
		return trimmed, false
	}
	if !phonenumbers.IsValidNumber(number) {
		return trimmed, false
	}
	return phonenumbers.Format(number, phonenumbers.E164), true
}

// IsMobile reports whether the library classifies the E.164 number as a
// mobile line. Numbers it cannot tell apart (common in NANP) return false.
func IsMobile(e164 string) bool {
	number, err := phonenumbers.Parse(e164, DefaultRegion)
	if err != nil {
		return false
	}
	return phonenumbers.GetNumberType(number) == phonenumbers.MOBILE
}

// Package telephony holds small phone-number helpers — nothing here
// depends on SIP or RTP. No other package in this module imports it.
package telephony

import "strings"

// NormalizeE164 coerces a dialed or caller-ID number into E.164 form
// (leading '+', digits only after that). It is idempotent:
// NormalizeE164(NormalizeE164(n)) == NormalizeE164(n) for any input, which
// is exercised directly by the property test in spec.md §8.9.
func NormalizeE164(number string) string {
	n := strings.TrimSpace(number)
	if n == "" {
		return ""
	}

	hadPlus := strings.HasPrefix(n, "+")
	var digits strings.Builder
	for _, r := range n {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	d := digits.String()
	if d == "" {
		return ""
	}

	// A bare 10-digit number (no '+') is treated as a US/Canada national
	// number and gets the "1" country code prepended; any other digit
	// string is prefixed with '+' as it stands.
	if !hadPlus && len(d) == 10 {
		d = "1" + d
	}

	return "+" + d
}

// IsShortExtension reports whether a dialed string looks like an internal
// extension (1-6 digits, no leading '+') rather than an external number.
func IsShortExtension(s string) bool {
	if s == "" || len(s) > 6 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

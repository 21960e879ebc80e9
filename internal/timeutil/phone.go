package timeutil

import "strings"

// NormalizePhone reduces a phone number to digits in international form.
// Australian numbers with a leading zero become 61-prefixed.
func NormalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if strings.HasPrefix(digits, "0") {
		digits = "61" + digits[1:]
	}
	return digits
}

// IsValidAUMobile reports whether phone normalizes to an Australian mobile
// (61 4xx xxx xxx).
func IsValidAUMobile(phone string) bool {
	n := NormalizePhone(phone)
	return len(n) == 11 && strings.HasPrefix(n, "614")
}

// MaskPhone obscures a phone number for logging.
func MaskPhone(phone string) string {
	if len(phone) < 5 {
		return "***"
	}
	return phone[:3] + "***" + phone[len(phone)-2:]
}

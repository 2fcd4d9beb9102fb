package util

import "strings"

// Phone number digit bounds accepted by the gateways (national or E.164 without '+').
const (
	MinPhoneDigits = 10
	MaxPhoneDigits = 13
)

// CanonicalPhone strips a WhatsApp JID suffix and every non-digit character.
// "5511999990000@s.whatsapp.net" and "+55 (11) 99999-0000" both become "5511999990000".
func CanonicalPhone(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "whatsapp:")
	if i := strings.IndexByte(s, '@'); i >= 0 {
		s = s[:i]
	}
	if i := strings.IndexByte(s, ':'); i >= 0 {
		// device suffix, e.g. 5511999990000:12
		s = s[:i]
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// IsValidPhone reports whether the canonical form of raw has an accepted number of digits.
func IsValidPhone(raw string) bool {
	n := len(CanonicalPhone(raw))
	return n >= MinPhoneDigits && n <= MaxPhoneDigits
}

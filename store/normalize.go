package store

import "strings"

// callingCodes maps the two regions the spec's contract test vectors
// exercise. No ecosystem phone-number library appears anywhere in the
// retrieved corpus (see DESIGN.md), so normalization is implemented
// directly against the small rule set the spec actually pins down
// rather than pulling in a full E.164 database.
var callingCodes = map[string]string{
	"US": "1",
	"GB": "44",
}

func digitsOnly(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NormalizeFriendID normalizes raw into an E.164 FriendId for the
// given region, or reports false if raw contains no usable digits or
// the region is unsupported. Contract test vectors (spec.md §8.4):
//
//	NormalizeFriendID("555-123-4567", "US") == ("+15551234567", true)
//	NormalizeFriendID("07911123456", "GB")  == ("+447911123456", true)
//	NormalizeFriendID("abc", "US")          == ("", false)
func NormalizeFriendID(raw, region string) (FriendID, bool) {
	code, ok := callingCodes[strings.ToUpper(region)]
	if !ok {
		return "", false
	}

	digits := digitsOnly(raw)
	if digits == "" {
		return "", false
	}

	switch strings.ToUpper(region) {
	case "US":
		switch {
		case len(digits) == 10:
			return FriendID("+" + code + digits), true
		case len(digits) == 11 && strings.HasPrefix(digits, code):
			return FriendID("+" + digits), true
		default:
			return "", false
		}
	case "GB":
		digits = strings.TrimPrefix(digits, "0")
		return FriendID("+" + code + digits), true
	default:
		return "", false
	}
}

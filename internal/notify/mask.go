package notify

import "strings"

// Mask hides most of a phone number or email address.
func Mask(dest string) string {
	if dest == "" {
		return ""
	}
	if at := strings.LastIndex(dest, "@"); at > 0 {
		local, domainPart := dest[:at], dest[at:]
		if len(local) <= 2 {
			return strings.Repeat("*", len(local)) + domainPart
		}
		return local[:1] + strings.Repeat("*", len(local)-2) + local[len(local)-1:] + domainPart
	}
	if len(dest) <= 4 {
		return strings.Repeat("*", len(dest))
	}
	return strings.Repeat("*", len(dest)-4) + dest[len(dest)-4:]
}

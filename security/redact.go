package security

// Mask redacts a secret for log output, keeping just enough of the ends to
// correlate values during debugging. Short secrets are fully masked.
func Mask(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:3] + "***" + secret[len(secret)-4:]
}

// Truncate shortens s to maxLen for log fields. Logged identifiers keep
// enough uniqueness for debugging without exposing the full value.
func Truncate(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

package api

import (
	"net"
	"regexp"
	"unicode/utf8"
)

// maxTokenLen is the maximum length for tenant tokens and identifiers.
const maxTokenLen = 200

// maxHostLen is the maximum length for hostnames/IP addresses.
const maxHostLen = 253

// phoneRe validates dialed numbers: digits only, optional leading +.
var phoneRe = regexp.MustCompile(`^\+?\d{4,20}$`)

// validateStringLen checks that a string does not exceed maxLen runes.
// Returns an error message if invalid, empty string if OK.
func validateStringLen(field, value string, maxLen int) string {
	if utf8.RuneCountInString(value) > maxLen {
		return field + " exceeds maximum length"
	}
	return ""
}

// validateRequiredStringLen checks that a non-empty string does not
// exceed maxLen runes.
func validateRequiredStringLen(field, value string, maxLen int) string {
	if value == "" {
		return field + " is required"
	}
	return validateStringLen(field, value, maxLen)
}

// validatePhoneNumber checks a dialable number: digits with an optional
// leading plus.
func validatePhoneNumber(field, value string) string {
	if value == "" {
		return field + " is required"
	}
	if !phoneRe.MatchString(value) {
		return field + " must be 4-20 digits"
	}
	return ""
}

// validateIP checks that a string is a valid IPv4 or IPv6 address.
func validateIP(field, value string) string {
	if value == "" {
		return field + " is required"
	}
	if len(value) > maxHostLen {
		return field + " exceeds maximum length"
	}
	if net.ParseIP(value) == nil {
		return field + " is not a valid IP address"
	}
	return ""
}
